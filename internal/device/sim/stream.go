package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"image/color"
	"math"
	"time"

	"camviewer/internal/device"
)

// chunkDataLen はチャンクのみのペイロードの長さ（BlockID + タイムスタンプ）
const chunkDataLen = 16

// loop は動作中のストリーミングループ
type loop struct {
	sender  *device.PayloadSender
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// frameSettings は1フレーム生成時点のレジスタの内容
type frameSettings struct {
	width, height int
	pf            device.PixelFormat
	reverseX      bool
	pattern       uint32
	chunk         bool
	triggered     bool
	acquiring     bool
	singleFrame   bool
	fps           float64
	brightness    float64
}

// StartStreaming は bufferCount 個のバッファでフレーム生成ループを開始する
//
// 生成ループは AcquisitionFrameRate の周期でフレームを作り、返却された
// バッファを再利用する。空きバッファがない周期は生成を見送る。
func (c *Camera) StartStreaming(bufferCount int) (*device.PayloadReceiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAccess(0, 1); err != nil {
		return nil, err
	}
	if !c.enabled {
		return nil, fmt.Errorf("%w: ストリーミングインターフェースが有効化されていません", device.ErrControl)
	}
	if c.loop != nil {
		return nil, fmt.Errorf("%w: ストリーミングループは既に動作中です", device.ErrControl)
	}
	if c.failures.StartStreaming {
		return nil, fmt.Errorf("%w: デバイス %s がストリーミング開始を拒否しました", device.ErrControl, c.cfg.SerialNumber)
	}
	if bufferCount < 1 {
		return nil, fmt.Errorf("%w: バッファ数 %d は 1 以上である必要があります", device.ErrControl, bufferCount)
	}

	sender, receiver := device.NewPayloadChannel(bufferCount)
	free := make([]*device.Payload, bufferCount)
	for i := range free {
		free[i] = &device.Payload{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		sender:  sender,
		cancel:  cancel,
		done:    make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	c.loop = l
	c.acquiring = true
	c.mem.putU32(regTLParamsLocked, 1)

	go c.run(ctx, l, free)
	c.logger.Debug("ストリーミングループを開始しました", "buffers", bufferCount)
	return receiver, nil
}

// StopStreaming はフレーム生成ループを停止し、チャンネルをクローズする。
// ループが動作していなければ何もしない
func (c *Camera) StopStreaming() error {
	c.mu.Lock()
	if c.failures.StopStreaming {
		c.mu.Unlock()
		return fmt.Errorf("%w: デバイス %s のストリーミング停止に失敗しました", device.ErrStream, c.cfg.SerialNumber)
	}
	l := c.loop
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	c.stopLoop(l)
	return nil
}

func (c *Camera) stopLoop(l *loop) {
	l.cancel()
	<-l.done
	l.sender.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop == l {
		c.loop = nil
		c.mem.putU32(regTLParamsLocked, 0)
	}
	c.logger.Debug("ストリーミングループを停止しました")
}

func (c *Camera) settings() frameSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := frameSettings{
		width:       int(c.mem.u32(regWidth)),
		height:      int(c.mem.u32(regHeight)),
		pf:          device.PixelFormat(c.mem.u32(regPixelFormat)),
		reverseX:    c.mem.u32(regReverseX)&1 != 0,
		pattern:     c.mem.u32(regTestPattern),
		chunk:       c.mem.u32(regChunkModeActive) != 0,
		triggered:   c.mem.u32(regTriggerMode) != 0,
		acquiring:   c.acquiring,
		singleFrame: c.mem.u32(regAcquisitionMode) == 1,
		fps:         c.mem.f64(regFrameRate),
	}
	// 露光時間とゲインから明るさの係数を求める（10ms, 0dB で 1.0）
	exposure := c.mem.f64(regExposureTime) / 10000
	gain := math.Pow(10, float64(c.mem.f32(regGain))/20)
	s.brightness = exposure * gain
	return s
}

func frameInterval(fps float64) time.Duration {
	if fps <= 0 || math.IsNaN(fps) {
		fps = 1
	}
	return time.Duration(float64(time.Second) / fps)
}

func (c *Camera) run(ctx context.Context, l *loop, free []*device.Payload) {
	defer close(l.done)

	s := c.settings()
	interval := frameInterval(s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fromTrigger := false
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.trigger:
			fromTrigger = true
		}

		s = c.settings()
		if next := frameInterval(s.fps); next != interval {
			interval = next
			ticker.Reset(interval)
		}
		if !s.acquiring || s.triggered != fromTrigger {
			continue
		}

		p := c.nextBuffer(l, &free)
		if p == nil {
			c.underruns.Add(1)
			continue
		}
		c.fill(p, s)
		if !l.sender.Send(p) {
			free = append(free, p)
			c.dropped.Add(1)
			continue
		}
		c.generated.Add(1)

		if s.singleFrame {
			c.mu.Lock()
			c.acquiring = false
			c.mu.Unlock()
		}
	}
}

// nextBuffer は未使用のバッファ、なければ返却済みのバッファを返す
func (c *Camera) nextBuffer(l *loop, free *[]*device.Payload) *device.Payload {
	if n := len(*free); n > 0 {
		p := (*free)[n-1]
		*free = (*free)[:n-1]
		return p
	}
	if p, ok := l.sender.Reclaim(); ok {
		return p
	}
	return nil
}

func (c *Camera) fill(p *device.Payload, s frameSettings) {
	id := c.blockID.Add(1)
	p.BlockID = id
	p.Timestamp = time.Now()

	if s.chunk && id%2 == 0 {
		p.Type = device.PayloadTypeChunk
		p.Width, p.Height, p.PixelFormat = 0, 0, 0
		p.Data = grow(p.Data, chunkDataLen)
		binary.LittleEndian.PutUint64(p.Data[0:8], id)
		binary.LittleEndian.PutUint64(p.Data[8:16], uint64(p.Timestamp.UnixNano()))
		return
	}

	p.Type = device.PayloadTypeImage
	if s.chunk {
		p.Type = device.PayloadTypeImageExtChunk
	}
	p.Width, p.Height, p.PixelFormat = s.width, s.height, s.pf
	bpp := (s.pf.BitsPerPixel() + 7) / 8
	if bpp < 1 {
		bpp = 1
	}
	p.Data = grow(p.Data, s.width*s.height*bpp)
	render(p.Data, s, id)
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// colorBars は左から白・黄・シアン・緑・マゼンタ・赤・青・黒
var colorBars = [8][3]uint8{
	{255, 255, 255}, {255, 255, 0}, {0, 255, 255}, {0, 255, 0},
	{255, 0, 255}, {255, 0, 0}, {0, 0, 255}, {0, 0, 0},
}

// render はテストパターンを現在のピクセルフォーマットで書き込む
func render(dst []byte, s frameSettings, frame uint64) {
	var lut [256]uint8
	for i := range lut {
		v := float64(i) * s.brightness
		if v > 255 {
			v = 255
		}
		lut[i] = uint8(v)
	}

	rgbAt := func(x, y int) (uint8, uint8, uint8) {
		if s.reverseX {
			x = s.width - 1 - x
		}
		var r, g, b uint8
		switch s.pattern {
		case patternGreyDiagonalRamp:
			v := uint8(x + y)
			r, g, b = v, v, v
		case patternColorBars:
			bar := colorBars[x*8/s.width]
			r, g, b = bar[0], bar[1], bar[2]
		default:
			r = uint8(x + int(frame)*4)
			g = uint8(y + int(frame)*2)
			b = uint8((x + y) / 2)
		}
		return lut[r], lut[g], lut[b]
	}

	w, h := s.width, s.height
	switch s.pf {
	case device.PixelFormatMono8:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst[y*w+x] = luma(rgbAt(x, y))
			}
		}
	case device.PixelFormatMono12:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				binary.LittleEndian.PutUint16(dst[(y*w+x)*2:], uint16(luma(rgbAt(x, y)))<<4)
			}
		}
	case device.PixelFormatRGB8, device.PixelFormatBGR8:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b := rgbAt(x, y)
				o := (y*w + x) * 3
				if s.pf == device.PixelFormatBGR8 {
					r, b = b, r
				}
				dst[o], dst[o+1], dst[o+2] = r, g, b
			}
		}
	case device.PixelFormatBayerRG8, device.PixelFormatBayerBG8,
		device.PixelFormatBayerGR8, device.PixelFormatBayerGB8:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b := rgbAt(x, y)
				switch bayerChannel(s.pf, x, y) {
				case 0:
					dst[y*w+x] = r
				case 1:
					dst[y*w+x] = g
				default:
					dst[y*w+x] = b
				}
			}
		}
	case device.PixelFormatYUV422_8, device.PixelFormatYUV422_8UYVY:
		uyvy := s.pf == device.PixelFormatYUV422_8UYVY
		for y := 0; y < h; y++ {
			for x := 0; x+1 < w; x += 2 {
				y0, cb0, cr0 := color.RGBToYCbCr(rgbAt(x, y))
				y1, cb1, cr1 := color.RGBToYCbCr(rgbAt(x+1, y))
				cb := uint8((int(cb0) + int(cb1)) / 2)
				cr := uint8((int(cr0) + int(cr1)) / 2)
				o := (y*w + x) * 2
				if uyvy {
					dst[o], dst[o+1], dst[o+2], dst[o+3] = cb, y0, cr, y1
				} else {
					dst[o], dst[o+1], dst[o+2], dst[o+3] = y0, cb, y1, cr
				}
			}
		}
	default:
		for i := range dst {
			dst[i] = 0
		}
	}
}

func luma(r, g, b uint8) uint8 {
	return uint8((299*int(r) + 587*int(g) + 114*int(b)) / 1000)
}

// bayerChannel は (x, y) のカラーフィルタ（0:R 1:G 2:B）を返す
func bayerChannel(pf device.PixelFormat, x, y int) int {
	ex, ey := x%2 == 0, y%2 == 0
	switch pf {
	case device.PixelFormatBayerRG8:
		switch {
		case ex && ey:
			return 0
		case !ex && !ey:
			return 2
		}
	case device.PixelFormatBayerBG8:
		switch {
		case ex && ey:
			return 2
		case !ex && !ey:
			return 0
		}
	case device.PixelFormatBayerGR8:
		switch {
		case !ex && ey:
			return 0
		case ex && !ey:
			return 2
		}
	case device.PixelFormatBayerGB8:
		switch {
		case !ex && ey:
			return 2
		case ex && !ey:
			return 0
		}
	}
	return 1
}
