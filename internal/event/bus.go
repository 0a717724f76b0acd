package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer は購読チャンネルの既定のバッファ長
const DefaultBuffer = 64

// Bus は購読者へイベントを配信する
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus は購読者のいないバスを作成する
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]chan Event),
	}
}

// Subscribe は購読を開始し、受信チャンネルと購読解除関数を返す
//
// 購読解除またはバスのクローズでチャンネルはクローズされる。
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish は全ての購読者にイベントを配信する。ブロックしない
//
// バッファが満杯の購読者がいた場合は false を返す。
func (b *Bus) Publish(e Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return true
	}
	b.published.Add(1)
	delivered := true
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			delivered = false
			if b.dropped.Add(1)%100 == 1 {
				b.logger.Warn("購読者の受信が追いつかないためイベントを破棄しました",
					"type", string(e.Type), "dropped_total", b.dropped.Load())
			}
		}
	}
	return delivered
}

// Published は発行されたイベント数を返す
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Subscribers は購読者数を返す
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped は破棄したイベント数（購読者ごとに数える）を返す
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close は全ての購読チャンネルをクローズする。以降の Publish は無視される
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
