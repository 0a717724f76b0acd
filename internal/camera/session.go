package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"camviewer/internal/device"
	"camviewer/internal/event"
	"camviewer/internal/genapi"
	"camviewer/internal/stream"
)

// Session は1台のデバイスの制御を担う
//
// デバイスハンドルを排他的に所有し、Closed → Opened → Streaming の状態遷移を
// 管理する。状態はデバイスの IsOpen と IsLoopRunning から導出する。
// デバイスメモリへのアクセスはセッションごとに1つのロックで直列化する。
type Session struct {
	id     DeviceID
	info   device.Info
	dev    device.Device
	opts   Options
	logger *slog.Logger

	// mu はライフサイクル操作（Open/Close/Start/Stop）を直列化する
	mu sync.Mutex
	// portMu はデバイスへの全ての呼び出しを直列化する
	portMu sync.Mutex

	tree     *genapi.Tree
	receiver *device.PayloadReceiver
	pipeline *stream.Pipeline
}

func newSession(id DeviceID, dev device.Device, info device.Info, opts Options) *Session {
	s := &Session{
		id:     id,
		info:   info,
		dev:    dev,
		opts:   opts,
		logger: opts.Logger.With("device_id", id.String()),
	}
	s.pipeline = stream.New(id.String(), stream.Options{
		Logger: opts.Logger,
		OnFrame: func(f *stream.Frame) bool {
			return s.opts.Events.Publish(event.FrameReady(s.id.String(), f.Sequence))
		},
	})
	return s
}

// ID はデバイス ID を返す
func (s *Session) ID() DeviceID { return s.id }

// Info はスキャン時点のデバイス情報を返す
func (s *Session) Info() device.Info { return s.info }

// Name は表示名を返す
func (s *Session) Name() string { return s.info.DisplayName() }

// State は現在の状態を返す
func (s *Session) State() State {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.dev.IsLoopRunning():
		return StateStreaming
	case s.dev.IsOpen():
		return StateOpened
	default:
		return StateClosed
	}
}

// IsOpen は制御チャンネルが開いているかを返す
func (s *Session) IsOpen() bool {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.dev.IsOpen()
}

// IsStreaming はストリーミングループが動作中かを返す
func (s *Session) IsStreaming() bool {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.dev.IsLoopRunning()
}

// Open は制御チャンネルを開き、パラメーターツリーを構築する
//
// 記述ドキュメントの取得や解析に失敗した場合は制御チャンネルを閉じ直し、
// Closed のままにする。既に開いている場合は何もしない。
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsOpen() {
		return nil
	}

	s.portMu.Lock()
	err := s.dev.Open()
	s.portMu.Unlock()
	if err != nil {
		return fmt.Errorf("デバイス %s を開けません: %w", s.Name(), err)
	}

	tree, err := s.loadTree()
	if err != nil {
		s.portMu.Lock()
		if cerr := s.dev.Close(); cerr != nil {
			s.logger.Warn("オープン失敗後のクローズに失敗しました", "error", cerr)
		}
		s.portMu.Unlock()
		return fmt.Errorf("デバイス %s のパラメーターツリーを構築できません: %w", s.Name(), err)
	}
	tree.OnChange(func(c genapi.Change) {
		s.opts.Events.Publish(event.NodeValueChanged(s.id.String(), c.Name, c.Path.String(), c.Value))
	})
	s.tree = tree

	s.logger.Info("デバイスを開きました", "name", s.Name(), "nodes", tree.Len())
	s.publishState()
	return nil
}

func (s *Session) loadTree() (*genapi.Tree, error) {
	s.portMu.Lock()
	doc, err := s.dev.Description()
	s.portMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: 記述ドキュメントを取得できません: %w", genapi.ErrProtocol, err)
	}
	return genapi.Load(doc, lockedPort{mu: &s.portMu, dev: s.dev}, s.logger)
}

// Close はストリーミングを停止してから制御チャンネルを閉じる
//
// ストリーミングを停止できない場合は制御チャンネルを開いたままエラーを返す。
// 閉じていれば何もしない。
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopStreamingLocked(); err != nil {
		return fmt.Errorf("デバイス %s のストリーミングを停止できないためクローズできません: %w", s.Name(), err)
	}
	if !s.IsOpen() {
		s.tree = nil
		return nil
	}

	s.portMu.Lock()
	err := s.dev.Close()
	s.portMu.Unlock()
	if err != nil {
		return fmt.Errorf("デバイス %s を閉じられません: %w", s.Name(), err)
	}
	s.tree = nil

	s.logger.Info("デバイスを閉じました", "name", s.Name())
	s.publishState()
	return nil
}

// StartStreaming はストリーミングを開始し、ペイロードの受信側を返す
//
// 受信側の消費は呼び出し側の責任になる。Opened 状態でのみ呼び出せる。
func (s *Session) StartStreaming(bufferCount int) (*device.PayloadReceiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startStreamingLocked(bufferCount)
}

func (s *Session) startStreamingLocked(bufferCount int) (*device.PayloadReceiver, error) {
	s.portMu.Lock()
	r, err := s.startDeviceStreaming(bufferCount)
	s.portMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.receiver = r

	s.logger.Info("ストリーミングを開始しました", "buffers", bufferCount)
	s.publishState()
	return r, nil
}

// startDeviceStreaming は portMu を保持して呼ぶ
func (s *Session) startDeviceStreaming(bufferCount int) (*device.PayloadReceiver, error) {
	switch s.stateLocked() {
	case StateClosed:
		return nil, fmt.Errorf("デバイス %s: %w", s.Name(), ErrNotOpen)
	case StateStreaming:
		return nil, fmt.Errorf("デバイス %s: %w", s.Name(), ErrAlreadyStreaming)
	}

	if err := s.dev.EnableStreaming(); err != nil {
		return nil, fmt.Errorf("デバイス %s のストリーミングインターフェースを有効化できません: %w", s.Name(), err)
	}
	r, err := s.dev.StartStreaming(bufferCount)
	if err != nil {
		if derr := s.dev.DisableStreaming(); derr != nil {
			s.logger.Warn("ストリーミングインターフェースの無効化に失敗しました", "error", derr)
		}
		return nil, fmt.Errorf("デバイス %s のストリーミングを開始できません: %w", s.Name(), err)
	}
	return r, nil
}

// StartAcquisition はストリーミングを開始し、パイプラインを受信側に接続する
//
// 取得ループは StopStreaming か Close まで動作する。ctx の値は引き継ぐが
// キャンセルは引き継がない。
func (s *Session) StartAcquisition(ctx context.Context, bufferCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.startStreamingLocked(bufferCount)
	if err != nil {
		return err
	}
	if err := s.pipeline.Attach(context.WithoutCancel(ctx), r); err != nil {
		if serr := s.stopStreamingLocked(); serr != nil {
			s.logger.Warn("パイプライン接続失敗後のストリーミング停止に失敗しました", "error", serr)
		}
		return err
	}
	return nil
}

// StopStreaming はパイプラインとデバイスのストリーミングループを停止する
//
// 停止済みなら何もしない。
func (s *Session) StopStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopStreamingLocked()
}

func (s *Session) stopStreamingLocked() error {
	// パイプラインは借りているバッファを返してから終了する
	s.pipeline.Stop()

	s.portMu.Lock()
	stopped, err := s.stopDeviceStreaming()
	s.portMu.Unlock()
	if err != nil || !stopped {
		return err
	}

	s.logger.Info("ストリーミングを停止しました")
	s.publishState()
	return nil
}

// stopDeviceStreaming は portMu を保持して呼ぶ。ループが動作していなければ false
func (s *Session) stopDeviceStreaming() (bool, error) {
	if !s.dev.IsLoopRunning() {
		s.receiver = nil
		return false, nil
	}
	if err := s.dev.StopStreaming(); err != nil {
		return false, fmt.Errorf("%w: デバイス %s のストリーミングを停止できません: %w", device.ErrStream, s.Name(), err)
	}
	if s.receiver != nil {
		s.receiver.Drain()
		s.receiver = nil
	}
	if err := s.dev.DisableStreaming(); err != nil {
		s.logger.Warn("ストリーミングインターフェースの無効化に失敗しました", "error", err)
	}
	return true, nil
}

// Tree はパラメーターツリーを返す。開いていなければ ErrNotOpen
func (s *Session) Tree() (*genapi.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil || !s.IsOpen() {
		return nil, fmt.Errorf("デバイス %s: %w", s.Name(), ErrNotOpen)
	}
	return s.tree, nil
}

// LatestFrame はパイプラインが最後に変換したフレームを返す
func (s *Session) LatestFrame() (*stream.Frame, bool) {
	return s.pipeline.Latest()
}

// PipelineStats はパイプラインの統計を返す
func (s *Session) PipelineStats() stream.Stats {
	return s.pipeline.Stats()
}

// SetFeature は名前で指定したノードに文字列の値を書き込む
//
// Enumeration は整数コードで指定する。書き込み不可のノードへの書き込みは無視される。
func (s *Session) SetFeature(name, text string) error {
	return s.updateFeature(name, func(k genapi.Kind) (genapi.Msg, error) {
		return genapi.ParseMsg(k, text)
	})
}

// SetFeatureValue は JSON から得た値を書き込む。SetFeature と同じ規則に従う
func (s *Session) SetFeatureValue(name string, v any) error {
	return s.updateFeature(name, func(k genapi.Kind) (genapi.Msg, error) {
		return genapi.ValueMsg(k, v)
	})
}

func (s *Session) updateFeature(name string, build func(genapi.Kind) (genapi.Msg, error)) error {
	tree, err := s.Tree()
	if err != nil {
		return err
	}
	n, p, ok := tree.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", genapi.ErrNodeNotFound, name)
	}
	msg, err := build(n.Kind)
	if err != nil {
		return err
	}
	return tree.Update(p, msg)
}

// Execute はコマンドノードを実行し、完了するまで待つ
//
// 待ち時間の上限は Options.CommandTimeout と ctx の短い方。
func (s *Session) Execute(ctx context.Context, name string) error {
	tree, err := s.Tree()
	if err != nil {
		return err
	}
	n, p, ok := tree.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", genapi.ErrNodeNotFound, name)
	}
	if n.Kind != genapi.KindCommand {
		return fmt.Errorf("%w: %s は %s ノードです", genapi.ErrRange, name, n.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	if err := n.Command.ExecuteAndWait(ctx, s.opts.CommandPollInterval); err != nil {
		return fmt.Errorf("コマンド %s の完了を確認できません: %w", name, err)
	}
	s.opts.Events.Publish(event.NodeValueChanged(s.id.String(), name, p.String(), nil))
	return nil
}

// forceClose はストリーミングと制御チャンネルを停止する。失敗はログに記録して続行する
func (s *Session) forceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopStreamingLocked(); err != nil {
		s.logger.Warn("ストリーミングを停止できませんでした", "error", err)
	}
	s.tree = nil

	s.portMu.Lock()
	err := s.dev.Close()
	s.portMu.Unlock()
	if err != nil {
		s.logger.Warn("デバイスを閉じられませんでした", "error", err)
	}
}

func (s *Session) publishState() {
	s.opts.Events.Publish(event.StateChanged(s.id.String(), string(s.State())))
}
