package device

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ペイロードチャンネルのエラー
var (
	// ErrChannelClosed は送信側がチャンネルを閉じたことを表す（正常終了）
	ErrChannelClosed = errors.New("ペイロードチャンネルはクローズされています")

	// ErrChannelEmpty は受信可能なペイロードがないことを表す
	ErrChannelEmpty = errors.New("受信可能なペイロードがありません")
)

// PayloadType はペイロードの種別
type PayloadType uint8

const (
	PayloadTypeImage         PayloadType = iota // 画像データ
	PayloadTypeImageExtChunk                    // 画像データ + チャンクデータ
	PayloadTypeChunk                            // チャンクデータのみ
)

// String は種別名を返す
func (t PayloadType) String() string {
	switch t {
	case PayloadTypeImage:
		return "image"
	case PayloadTypeImageExtChunk:
		return "image_ext_chunk"
	case PayloadTypeChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Payload はデバイスから受信した1単位の生データとメタデータ
//
// バッファはデバイス側が所有する。受信側は SendBack で返却した後に
// Payload へアクセスしてはならない。
type Payload struct {
	Type        PayloadType
	BlockID     uint64
	Timestamp   time.Time
	Width       int
	Height      int
	PixelFormat PixelFormat
	Data        []byte // 画像部分（Type がチャンクのみの場合はチャンクデータ）
}

// IsImage は画像データを含むペイロードかを返す
func (p *Payload) IsImage() bool {
	return p.Type == PayloadTypeImage || p.Type == PayloadTypeImageExtChunk
}

// NewPayloadChannel は容量 capacity のペイロードチャンネルを作成する
//
// 送信側はデバイス（ストリーミングループ）、受信側はパイプラインが保持する。
// 返却用のプールも同じ容量を持つ。
func NewPayloadChannel(capacity int) (*PayloadSender, *PayloadReceiver) {
	if capacity < 1 {
		capacity = 1
	}
	ch := make(chan *Payload, capacity)
	pool := make(chan *Payload, capacity)
	s := &PayloadSender{ch: ch, pool: pool}
	r := &PayloadReceiver{ch: ch, pool: pool}
	return s, r
}

// PayloadSender はペイロードチャンネルの送信側
type PayloadSender struct {
	mu     sync.RWMutex
	closed bool
	ch     chan *Payload
	pool   chan *Payload
}

// Send はペイロードを送信する。チャンネルが満杯またはクローズ済みの場合は false を返す
func (s *PayloadSender) Send(p *Payload) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- p:
		return true
	default:
		return false
	}
}

// Reclaim は受信側から返却されたバッファを1つ取り出す
func (s *PayloadSender) Reclaim() (*Payload, bool) {
	select {
	case p := <-s.pool:
		return p, true
	default:
		return nil, false
	}
}

// Close はチャンネルをクローズする。受信側はバッファ済みのペイロードを受信し終えた後に
// ErrChannelClosed を受け取る
func (s *PayloadSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Closed はクローズ済みかを返す
func (s *PayloadSender) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// PayloadReceiver はペイロードチャンネルの受信側
type PayloadReceiver struct {
	ch   <-chan *Payload
	pool chan<- *Payload
}

// Recv はペイロードを受信するまで待機する
//
// 送信側がクローズした場合は ErrChannelClosed を、ctx がキャンセルされた場合は
// ctx.Err() を返す。キャンセル済みの ctx ではペイロードが残っていても受信しない。
func (r *PayloadReceiver) Recv(ctx context.Context) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-r.ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		return p, nil
	}
}

// TryRecv は待機せずにペイロードを受信する
func (r *PayloadReceiver) TryRecv() (*Payload, error) {
	select {
	case p, ok := <-r.ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		return p, nil
	default:
		return nil, ErrChannelEmpty
	}
}

// SendBack は受信したペイロードのバッファをデバイス側へ返却する
//
// プールが満杯の場合（同じバッファの二重返却など）は破棄する。
func (r *PayloadReceiver) SendBack(p *Payload) {
	if p == nil {
		return
	}
	select {
	case r.pool <- p:
	default:
	}
}

// Drain はチャンネルに残っている未受信ペイロードを全てプールへ戻す
func (r *PayloadReceiver) Drain() int {
	n := 0
	for {
		select {
		case p, ok := <-r.ch:
			if !ok {
				return n
			}
			r.SendBack(p)
			n++
		default:
			return n
		}
	}
}
