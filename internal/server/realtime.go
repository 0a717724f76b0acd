package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"camviewer/internal/event"
)

const (
	// wsWriteWait は WebSocket への1回の書き込みの上限
	wsWriteWait = 5 * time.Second
	// defaultFrameInterval は設定がないときのフレーム送信間隔
	defaultFrameInterval = 100 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamEvents はイベントを Server-Sent Events で配信する
//
// device を指定するとそのデバイスのイベントだけを送る。購読が詰まった場合は
// イベントバスが古い通知を捨てるため、クライアントは取りこぼしうる。
func (h *APIHandler) StreamEvents(c *gin.Context) {
	events, cancel := h.events.Subscribe(event.DefaultBuffer)
	defer cancel()
	filter := c.Query("device")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	// 接続直後にヘッダーを送る
	c.Status(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	c.Stream(func(io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case <-h.ctx.Done():
			return false
		case e, ok := <-events:
			if !ok {
				return false
			}
			if filter != "" && e.DeviceID != filter {
				return true
			}
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
}

// FrameWebSocket は最新フレームを PNG のバイナリメッセージで配信する
//
// 送信は設定された間隔ごとに行い、前回から新しいフレームがなければ何も送らない。
// 幅は width クエリ、なければ設定のプレビュー幅に縮小する。
func (h *APIHandler) FrameWebSocket(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	width := h.config.Stream.PreviewWidth
	if v := c.Query("width"); v != "" {
		if n, err := parsePositive(v); err == nil {
			width = n
		}
	}
	interval := h.config.Stream.FrameInterval
	if interval <= 0 {
		interval = defaultFrameInterval
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket へのアップグレードに失敗しました", "error", err)
		return
	}
	defer conn.Close()

	logger := h.logger.With("device_id", s.ID().String())
	logger.Debug("フレーム配信を開始しました")

	// クライアントからの切断を検知する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-closed:
			logger.Debug("フレーム配信を終了しました")
			return
		case <-h.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			f, ok := s.LatestFrame()
			if !ok || f.Sequence == last {
				continue
			}
			data, _, err := encodeFrame(f, "png", width)
			if err != nil {
				logger.Warn("フレームのエンコードに失敗しました", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				logger.Debug("フレームを送信できません", "error", err)
				return
			}
			last = f.Sequence
		}
	}
}
