package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"camviewer/internal/device"
)

// Bus はシミュレーションカメラを接続するバス。device.Enumerator を実装する
type Bus struct {
	mu      sync.Mutex
	cameras []*Camera
	logger  *slog.Logger

	enumerateErr   error
	enumerateDelay time.Duration
}

// NewBus は空のバスを作成する
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Plug はカメラを作成してバスに接続する
//
// 同じシリアル番号のカメラを重ねて接続することもできる（識別子の衝突の再現用）。
func (b *Bus) Plug(cfg Config) (*Camera, error) {
	c, err := NewCamera(cfg, b.logger)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.cameras = append(b.cameras, c)
	b.mu.Unlock()
	b.logger.Info("シミュレーションカメラを接続しました", "serial", cfg.SerialNumber)
	return c, nil
}

// Unplug はシリアル番号が一致するカメラをすべて切断する
//
// 切断されたカメラはストリーミングを停止し、以降の操作は ErrControl を返す。
func (b *Bus) Unplug(serial string) bool {
	b.mu.Lock()
	var removed []*Camera
	kept := b.cameras[:0]
	for _, c := range b.cameras {
		if c.cfg.SerialNumber == serial {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}
	b.cameras = kept
	b.mu.Unlock()

	for _, c := range removed {
		c.unplug()
	}
	if len(removed) > 0 {
		b.logger.Info("シミュレーションカメラを切断しました", "serial", serial)
	}
	return len(removed) > 0
}

// Cameras は接続中のカメラを接続順に返す
func (b *Bus) Cameras() []*Camera {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Camera, len(b.cameras))
	copy(out, b.cameras)
	return out
}

// Camera はシリアル番号で接続中のカメラを探す
func (b *Bus) Camera(serial string) (*Camera, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cameras {
		if c.cfg.SerialNumber == serial {
			return c, true
		}
	}
	return nil, false
}

// SetEnumerateError は以降の列挙が返すエラーを設定する。nil で解除
func (b *Bus) SetEnumerateError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enumerateErr = err
}

// SetEnumerateDelay は列挙にかかる時間を設定する（バス I/O の模擬）
func (b *Bus) SetEnumerateDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enumerateDelay = d
}

// Enumerate は接続中のカメラを列挙する
func (b *Bus) Enumerate(ctx context.Context) ([]device.Device, error) {
	b.mu.Lock()
	delay, failure := b.enumerateDelay, b.enumerateErr
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("列挙が中断されました: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	if failure != nil {
		return nil, fmt.Errorf("%w: バスの列挙に失敗しました: %w", device.ErrControl, failure)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	devices := make([]device.Device, len(b.cameras))
	for i, c := range b.cameras {
		devices[i] = c
	}
	return devices, nil
}
