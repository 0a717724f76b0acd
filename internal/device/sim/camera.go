package sim

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"camviewer/internal/device"
)

//go:embed camera.xml
var cameraXML []byte

// DefaultDescription は組み込みの機能記述ドキュメントを返す
func DefaultDescription() []byte {
	out := make([]byte, len(cameraXML))
	copy(out, cameraXML)
	return out
}

// Config はシミュレーションカメラ1台の設定
type Config struct {
	SerialNumber    string        `yaml:"serial_number"`
	ModelName       string        `yaml:"model_name"`
	VendorName      string        `yaml:"vendor_name"`
	GUID            string        `yaml:"guid"`
	UserDefinedName string        `yaml:"user_defined_name"`
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	WidthMax        int           `yaml:"width_max"`
	HeightMax       int           `yaml:"height_max"`
	PixelFormat     string        `yaml:"pixel_format"`
	FPS             float64       `yaml:"fps"`
	TestPattern     int           `yaml:"test_pattern"`
	ChunkMode       bool          `yaml:"chunk_mode"`
	CommandLatency  time.Duration `yaml:"command_latency"`

	// Description は組み込みの記述ドキュメントを置き換える（テスト用）
	Description []byte `yaml:"-"`
}

// withDefaults は未設定の項目に既定値を入れた設定を返す
func (c Config) withDefaults() Config {
	if c.ModelName == "" {
		c.ModelName = "SimCam"
	}
	if c.VendorName == "" {
		c.VendorName = "camviewer"
	}
	if c.GUID == "" {
		c.GUID = "SIM-" + c.SerialNumber
	}
	if c.WidthMax <= 0 {
		c.WidthMax = 1280
	}
	if c.HeightMax <= 0 {
		c.HeightMax = 960
	}
	if c.Width <= 0 || c.Width > c.WidthMax {
		c.Width = 640
	}
	if c.Height <= 0 || c.Height > c.HeightMax {
		c.Height = 480
	}
	if c.PixelFormat == "" {
		c.PixelFormat = device.PixelFormatMono8.String()
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.CommandLatency <= 0 {
		c.CommandLatency = 20 * time.Millisecond
	}
	return c
}

// Failures は注入する障害の組み合わせ
type Failures struct {
	Open           bool
	Close          bool
	Read           bool
	Write          bool
	Description    bool
	StartStreaming bool
	StopStreaming  bool
}

// Stats はフレーム生成の統計
type Stats struct {
	Generated uint64 // 送信したペイロード数
	Underruns uint64 // 空きバッファがなく生成できなかった回数
	Dropped   uint64 // チャンネルが満杯で送信できなかった回数
}

// Camera はメモリ上のレジスタマップで動作するシミュレーションカメラ
//
// device.Device を実装する。フレーム生成ゴルーチンとレジスタを共有するため、
// 内部で排他制御を行う。
type Camera struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	mem       memory
	open      bool
	enabled   bool
	unplugged bool
	failures  Failures
	loop      *loop
	acquiring bool

	blockID   atomic.Uint64
	generated atomic.Uint64
	underruns atomic.Uint64
	dropped   atomic.Uint64
}

// NewCamera はシミュレーションカメラを作成する
func NewCamera(cfg Config, logger *slog.Logger) (*Camera, error) {
	if cfg.SerialNumber == "" {
		return nil, fmt.Errorf("シリアル番号が指定されていません")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	pf, err := device.ParsePixelFormat(cfg.PixelFormat)
	if err != nil {
		return nil, fmt.Errorf("カメラ %s の設定が不正です: %w", cfg.SerialNumber, err)
	}

	c := &Camera{
		cfg:    cfg,
		logger: logger.With("sim_serial", cfg.SerialNumber),
		mem:    make(memory, memSize),
	}
	c.mem.putString(regVendorName, identityStringLen, cfg.VendorName)
	c.mem.putString(regModelName, identityStringLen, cfg.ModelName)
	c.mem.putString(regSerialNumber, identityStringLen, cfg.SerialNumber)
	c.mem.putString(regUserID, userIDLen, cfg.UserDefinedName)
	c.mem.putU32(regWidthMax, uint32(cfg.WidthMax))
	c.mem.putU32(regHeightMax, uint32(cfg.HeightMax))
	c.loadDefaults(pf)
	if cfg.ChunkMode {
		c.mem.putU32(regChunkModeActive, 1)
	}
	return c, nil
}

// loadDefaults は画像設定を工場出荷時の値に戻す
func (c *Camera) loadDefaults(pf device.PixelFormat) {
	c.mem.putU32(regWidth, uint32(c.cfg.Width))
	c.mem.putU32(regHeight, uint32(c.cfg.Height))
	c.mem.putU32(regOffsetX, 0)
	c.mem.putU32(regOffsetY, 0)
	c.mem.putU32(regPixelFormat, uint32(pf))
	c.mem.putU32(regReverseX, 0)
	c.mem.putU32(regAcquisitionMode, 0)
	c.mem.putU32(regExposureAuto, exposureAutoOff)
	c.mem.putU32(regExposureLocked, 0)
	c.mem.putF64(regExposureTime, 10000)
	c.mem.putF32(regGain, 0)
	c.mem.putF64(regFrameRate, c.cfg.FPS)
	c.mem.putU32(regTestPattern, uint32(c.cfg.TestPattern))
	c.mem.putU32(regTriggerMode, 0)
	c.updateOffsetLimits()
}

func (c *Camera) updateOffsetLimits() {
	w, h := c.mem.u32(regWidth), c.mem.u32(regHeight)
	wm, hm := c.mem.u32(regWidthMax), c.mem.u32(regHeightMax)
	c.mem.putU32(regOffsetXMax, wm-w)
	c.mem.putU32(regOffsetYMax, hm-h)
	if c.mem.u32(regOffsetX) > wm-w {
		c.mem.putU32(regOffsetX, wm-w)
	}
	if c.mem.u32(regOffsetY) > hm-h {
		c.mem.putU32(regOffsetY, hm-h)
	}
}

// Info はデバイス情報を返す。ユーザー定義名はレジスタの現在値
func (c *Camera) Info() device.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return device.Info{
		SerialNumber:    c.cfg.SerialNumber,
		ModelName:       c.cfg.ModelName,
		VendorName:      c.cfg.VendorName,
		GUID:            c.cfg.GUID,
		UserDefinedName: c.mem.str(regUserID, userIDLen),
	}
}

// SetFailures は注入する障害を設定する
func (c *Camera) SetFailures(f Failures) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = f
}

// Stats はフレーム生成の統計を返す
func (c *Camera) Stats() Stats {
	return Stats{
		Generated: c.generated.Load(),
		Underruns: c.underruns.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// Open は制御チャンネルを開く
func (c *Camera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unplugged {
		return fmt.Errorf("%w: デバイス %s は切断されています", device.ErrControl, c.cfg.SerialNumber)
	}
	if c.failures.Open {
		return fmt.Errorf("%w: デバイス %s がオープンを拒否しました", device.ErrControl, c.cfg.SerialNumber)
	}
	c.open = true
	return nil
}

// Close は制御チャンネルを閉じる
//
// ストリーミング中は ErrControl を返し、開いたままにする。
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unplugged {
		return fmt.Errorf("%w: デバイス %s は切断されています", device.ErrControl, c.cfg.SerialNumber)
	}
	if !c.open {
		return nil
	}
	if c.failures.Close {
		return fmt.Errorf("%w: デバイス %s のクローズに失敗しました", device.ErrControl, c.cfg.SerialNumber)
	}
	if c.loop != nil {
		return fmt.Errorf("%w: デバイス %s はストリーミング中です", device.ErrControl, c.cfg.SerialNumber)
	}
	c.open = false
	c.enabled = false
	return nil
}

// IsOpen は制御チャンネルが開いているかを返す
func (c *Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Camera) checkAccess(addr uint64, n int) error {
	if c.unplugged {
		return fmt.Errorf("%w: デバイス %s は切断されています", device.ErrControl, c.cfg.SerialNumber)
	}
	if !c.open {
		return fmt.Errorf("%w: デバイス %s は開かれていません", device.ErrControl, c.cfg.SerialNumber)
	}
	if n <= 0 || addr+uint64(n) > memSize {
		return fmt.Errorf("%w: アドレス 0x%X (長さ %d) はレジスタ空間外です", device.ErrControl, addr, n)
	}
	return nil
}

// Read は指定アドレスから length バイトを読み取る
func (c *Camera) Read(addr uint64, length int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAccess(addr, length); err != nil {
		return nil, err
	}
	if c.failures.Read {
		return nil, fmt.Errorf("%w: 0x%X の読み取りに失敗しました", device.ErrControl, addr)
	}
	out := make([]byte, length)
	copy(out, c.mem[addr:addr+uint64(length)])
	return out, nil
}

// Write は指定アドレスに data を書き込み、ファームウェアの副作用を実行する
func (c *Camera) Write(addr uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAccess(addr, len(data)); err != nil {
		return err
	}
	if c.failures.Write {
		return fmt.Errorf("%w: 0x%X への書き込みに失敗しました", device.ErrControl, addr)
	}
	if isReadOnly(addr, len(data)) {
		return fmt.Errorf("%w: 0x%X は読み取り専用です", device.ErrControl, addr)
	}
	if c.loop != nil && lockedWhileStreaming[addr] {
		return fmt.Errorf("%w: 0x%X はストリーミング中は変更できません", device.ErrControl, addr)
	}

	copy(c.mem[addr:], data)
	c.afterWrite(addr)
	return nil
}

// afterWrite はレジスタ書き込みに対するファームウェアの動作。c.mu を保持して呼ぶ
func (c *Camera) afterWrite(addr uint64) {
	switch addr {
	case regWidth, regHeight:
		c.clampSize()
		c.updateOffsetLimits()
	case regExposureAuto:
		switch c.mem.u32(regExposureAuto) {
		case exposureAutoOff:
			c.mem.putU32(regExposureLocked, 0)
		case exposureAutoOnce:
			c.mem.putU32(regExposureLocked, 1)
			c.mem.putF64(regExposureTime, 8000)
			time.AfterFunc(c.cfg.CommandLatency, func() {
				c.mu.Lock()
				defer c.mu.Unlock()
				if c.mem.u32(regExposureAuto) == exposureAutoOnce {
					c.mem.putU32(regExposureAuto, exposureAutoOff)
					c.mem.putU32(regExposureLocked, 0)
				}
			})
		default:
			c.mem.putU32(regExposureLocked, 1)
		}
	}

	if commandRegisters[addr] && c.mem.u32(addr) != 0 {
		c.runCommand(addr)
		time.AfterFunc(c.cfg.CommandLatency, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.mem.putU32(addr, 0)
		})
	}
}

func (c *Camera) clampSize() {
	w, h := c.mem.u32(regWidth), c.mem.u32(regHeight)
	if wm := c.mem.u32(regWidthMax); w > wm {
		c.mem.putU32(regWidth, wm)
	}
	if hm := c.mem.u32(regHeightMax); h > hm {
		c.mem.putU32(regHeight, hm)
	}
}

func (c *Camera) runCommand(addr uint64) {
	switch addr {
	case regAcquisitionStart:
		c.acquiring = true
	case regAcquisitionStop:
		c.acquiring = false
	case regTriggerSoftware:
		if c.loop != nil {
			select {
			case c.loop.trigger <- struct{}{}:
			default:
			}
		}
	case regUserSetLoad:
		pf, err := device.ParsePixelFormat(c.cfg.PixelFormat)
		if err != nil {
			pf = device.PixelFormatMono8
		}
		c.loadDefaults(pf)
		c.logger.Debug("ユーザーセットを読み込みました")
	}
}

// Description は組み込みの機能記述ドキュメントを返す
func (c *Camera) Description() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAccess(0, 1); err != nil {
		return nil, err
	}
	if c.failures.Description {
		return nil, fmt.Errorf("%w: 記述ドキュメントを読み出せません", device.ErrControl)
	}
	if c.cfg.Description != nil {
		return c.cfg.Description, nil
	}
	return DefaultDescription(), nil
}

// EnableStreaming はストリーミングインターフェースを有効化する
func (c *Camera) EnableStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAccess(0, 1); err != nil {
		return err
	}
	c.enabled = true
	return nil
}

// DisableStreaming はストリーミングインターフェースを無効化する
func (c *Camera) DisableStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unplugged {
		return fmt.Errorf("%w: デバイス %s は切断されています", device.ErrStream, c.cfg.SerialNumber)
	}
	if c.loop != nil {
		return fmt.Errorf("%w: ストリーミングループが動作中です", device.ErrStream)
	}
	c.enabled = false
	return nil
}

// IsLoopRunning はストリーミングループが動作中かを返す
func (c *Camera) IsLoopRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop != nil
}

// unplug はバスからの切断を模擬する。動作中のループは停止し、チャンネルはクローズされる
func (c *Camera) unplug() {
	c.mu.Lock()
	c.unplugged = true
	c.open = false
	l := c.loop
	c.mu.Unlock()

	if l != nil {
		c.stopLoop(l)
	}
}
