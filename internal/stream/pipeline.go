// Package stream はデバイスのペイロードチャンネルを消費して表示用フレームに変換する
// ストリーミングパイプラインを提供する
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"camviewer/internal/convert"
	"camviewer/internal/device"
)

// ErrRunning はパイプラインが既に接続されていることを表す
var ErrRunning = errors.New("パイプラインは既に動作中です")

// rateSmoothing はフレームレート推定の指数移動平均の係数
const rateSmoothing = 0.2

// Source はペイロードの受信元。device.PayloadReceiver が実装する
type Source interface {
	Recv(ctx context.Context) (*device.Payload, error)
	SendBack(p *device.Payload)
}

// Stats はパイプラインの統計
type Stats struct {
	Received  uint64  `json:"received"`
	Converted uint64  `json:"converted"`
	Failed    uint64  `json:"failed"`
	Dropped   uint64  `json:"dropped"` // 通知先が詰まっていて捨てたフレーム通知
	FrameRate float64 `json:"frame_rate"`
}

// Options はパイプラインの設定
type Options struct {
	Logger *slog.Logger

	// OnFrame は変換が成功するたびに取得ループから呼ばれる。false を返すと
	// 通知を捨てたものとして数える
	OnFrame func(*Frame) bool
}

// Pipeline は1台のデバイスの取得ループ
//
// 受信したペイロードは成功・失敗にかかわらず必ず1回だけ返却する。
// 最新フレームのみを保持し、途中のフレームは上書きされる。
type Pipeline struct {
	deviceID string
	logger   *slog.Logger
	onFrame  func(*Frame) bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	latest    atomic.Pointer[Frame]
	received  atomic.Uint64
	converted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	rate      atomic.Uint64 // float64 のビット表現
}

// New はデバイス deviceID 用のパイプラインを作成する
func New(deviceID string, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		deviceID: deviceID,
		logger:   logger.With("device_id", deviceID),
		onFrame:  opts.OnFrame,
	}
}

// Attach は src を消費する取得ループを開始する
//
// ループは src がクローズされるか ctx がキャンセルされるか Stop が呼ばれるまで動作する。
func (p *Pipeline) Attach(ctx context.Context, src Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return fmt.Errorf("デバイス %s: %w", p.deviceID, ErrRunning)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.rate.Store(0)
	go p.run(loopCtx, src, p.done)
	p.logger.Debug("パイプラインを開始しました")
	return nil
}

// Stop は取得ループを停止し、終了を待つ。動作していなければ何もしない
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	if cancel != nil {
		cancel()
	}
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	<-done
	p.logger.Debug("パイプラインを停止しました")
}

// Running は取得ループが動作中かを返す
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Latest は最後に変換されたフレームを返す
func (p *Pipeline) Latest() (*Frame, bool) {
	f := p.latest.Load()
	return f, f != nil
}

// Stats は統計を返す
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Converted: p.converted.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		FrameRate: math.Float64frombits(p.rate.Load()),
	}
}

func (p *Pipeline) run(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)

	var last time.Time
	for {
		// 停止後は受信可能なペイロードが残っていても受け取らない
		if ctx.Err() != nil {
			return
		}
		payload, err := src.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, device.ErrChannelClosed):
				p.logger.Debug("ペイロードチャンネルがクローズされました")
			case ctx.Err() != nil:
			default:
				p.logger.Warn("ペイロードの受信に失敗しました", "error", err)
			}
			return
		}

		if f, ok := p.process(src, payload); ok {
			now := time.Now()
			if !last.IsZero() {
				p.updateRate(now.Sub(last))
			}
			last = now
			if p.onFrame != nil && !p.onFrame(f) {
				p.dropped.Add(1)
			}
		}
	}
}

// process は1ペイロードを変換する。ペイロードはどの経路でも返却される
func (p *Pipeline) process(src Source, payload *device.Payload) (*Frame, bool) {
	defer src.SendBack(payload)

	n := p.received.Add(1)
	img, err := convert.Convert(payload)
	if err != nil {
		p.failed.Add(1)
		level := slog.LevelWarn
		if !payload.IsImage() {
			level = slog.LevelDebug
		}
		p.logger.Log(context.Background(), level, "フレームの変換に失敗しました",
			"block_id", payload.BlockID, "type", payload.Type.String(), "error", err)
		return nil, false
	}

	f := newFrame(img, payload, n)
	p.latest.Store(f)
	p.converted.Add(1)
	return f, true
}

func (p *Pipeline) updateRate(interval time.Duration) {
	if interval <= 0 {
		return
	}
	instant := float64(time.Second) / float64(interval)
	prev := math.Float64frombits(p.rate.Load())
	next := instant
	if prev > 0 {
		next = prev + rateSmoothing*(instant-prev)
	}
	p.rate.Store(math.Float64bits(next))
}
