package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"camviewer/internal/camera"
	"camviewer/internal/config"
	"camviewer/internal/device"
	"camviewer/internal/event"
	"camviewer/internal/genapi"
	"camviewer/internal/stream"
)

// APIHandler は REST API の各エンドポイントを実装する
type APIHandler struct {
	config   *config.Config
	registry *camera.Registry
	events   *event.Bus
	logger   *slog.Logger

	// ctx はサーバーの寿命。リアルタイム配信の終了に使う
	ctx context.Context
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceResponse はデバイス1台の情報
type DeviceResponse struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Info     device.Info   `json:"info"`
	State    camera.State  `json:"state"`
	Selected bool          `json:"selected"`
	Stream   *stream.Stats `json:"stream,omitempty"`
}

// FeatureRequest は機能への書き込み要求
type FeatureRequest struct {
	Value any `json:"value"`
}

// decodeFeatureRequest は数値を json.Number のまま取り出す
func decodeFeatureRequest(r io.Reader, req *FeatureRequest) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(req); err != nil {
		return fmt.Errorf("リクエストを解釈できません: %w", err)
	}
	return nil
}

// SelectRequest はデバイス選択の要求
type SelectRequest struct {
	ID string `json:"id" binding:"required"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *APIHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *APIHandler) GetStatus(c *gin.Context) {
	status := gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"devices": h.registry.Len(),
		"events": gin.H{
			"subscribers": h.events.Subscribers(),
			"published":   h.events.Published(),
			"dropped":     h.events.Dropped(),
		},
		"timestamp": time.Now(),
	}
	if s, ok := h.registry.Selected(); ok {
		status["selected"] = s.ID().String()
	}
	c.JSON(http.StatusOK, status)
}

// ListDevices はデバイス一覧取得エンドポイントの実装
func (h *APIHandler) ListDevices(c *gin.Context) {
	sessions := h.registry.Sessions()
	devices := make([]DeviceResponse, 0, len(sessions))
	for _, s := range sessions {
		devices = append(devices, h.deviceResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// ScanDevices はバスを再スキャンする
func (h *APIHandler) ScanDevices(c *gin.Context) {
	result, err := h.registry.Scan(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSelected は選択中のデバイスを返す
func (h *APIHandler) GetSelected(c *gin.Context) {
	s, ok := h.registry.Selected()
	if !ok {
		h.fail(c, camera.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, h.deviceResponse(s))
}

// SelectDevice は選択するデバイスを変更する
func (h *APIHandler) SelectDevice(c *gin.Context) {
	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := camera.ParseDeviceID(req.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.registry.Select(id); err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.registry.Get(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.deviceResponse(s))
}

// GetDevice はデバイス1台の情報を返す
func (h *APIHandler) GetDevice(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.deviceResponse(s))
}

// OpenDevice は制御チャンネルを開く
func (h *APIHandler) OpenDevice(c *gin.Context) {
	h.lifecycle(c, func(s *camera.Session) error { return s.Open() })
}

// CloseDevice はストリーミングを止めて制御チャンネルを閉じる
func (h *APIHandler) CloseDevice(c *gin.Context) {
	h.lifecycle(c, func(s *camera.Session) error { return s.Close() })
}

// StartStream はストリーミングを開始する。buffers でバッファ数を指定できる
func (h *APIHandler) StartStream(c *gin.Context) {
	buffers := h.config.Camera.BufferCount
	if v := c.Query("buffers"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			h.respondError(c, http.StatusBadRequest, "invalid_request", "buffers は1以上の整数で指定してください")
			return
		}
		buffers = n
	}
	h.lifecycle(c, func(s *camera.Session) error {
		// リクエストのコンテキストでは取得ループがすぐに終わってしまう
		return s.StartAcquisition(h.ctx, buffers)
	})
}

// StopStream はストリーミングを停止する
func (h *APIHandler) StopStream(c *gin.Context) {
	h.lifecycle(c, func(s *camera.Session) error { return s.StopStreaming() })
}

func (h *APIHandler) lifecycle(c *gin.Context, op func(*camera.Session) error) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := op(s); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.deviceResponse(s))
}

// ListFeatures はパラメーターツリーを返す
//
// visible=true なら折りたたまれたカテゴリの子孫を除く。
func (h *APIHandler) ListFeatures(c *gin.Context) {
	tree, ok := h.tree(c)
	if !ok {
		return
	}
	var nodes []genapi.NodeView
	if c.Query("visible") == "true" {
		nodes = tree.Visible()
	} else {
		nodes = tree.Snapshot()
	}
	c.JSON(http.StatusOK, gin.H{"features": nodes})
}

// GetFeature はノード1つの現在値を返す
func (h *APIHandler) GetFeature(c *gin.Context) {
	tree, ok := h.tree(c)
	if !ok {
		return
	}
	h.respondFeature(c, tree, c.Param("name"))
}

// SetFeature はノードに値を書き込む
func (h *APIHandler) SetFeature(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req FeatureRequest
	if err := decodeFeatureRequest(c.Request.Body, &req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	name := c.Param("name")
	if err := s.SetFeatureValue(name, req.Value); err != nil {
		h.fail(c, err)
		return
	}
	tree, err := s.Tree()
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondFeature(c, tree, name)
}

// ExecuteFeature はコマンドノードを実行し、完了を待つ
func (h *APIHandler) ExecuteFeature(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := s.Execute(c.Request.Context(), name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": name, "timestamp": time.Now()})
}

func (h *APIHandler) respondFeature(c *gin.Context, tree *genapi.Tree, name string) {
	_, p, ok := tree.Find(name)
	if !ok {
		h.fail(c, genapi.ErrNodeNotFound)
		return
	}
	view, ok := tree.View(p)
	if !ok {
		h.fail(c, genapi.ErrNodeNotFound)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetFrame は最新フレームを画像として返す
//
// format は png（既定値は設定による）または bmp、width を指定すると縦横比を保って縮小する。
func (h *APIHandler) GetFrame(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	f, ok := s.LatestFrame()
	if !ok {
		h.respondError(c, http.StatusNotFound, "no_frame", "まだフレームを受信していません")
		return
	}

	format := c.DefaultQuery("format", h.config.Stream.DefaultEncoder)
	width := 0
	if v := c.Query("width"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			h.respondError(c, http.StatusBadRequest, "invalid_request", "width は1以上の整数で指定してください")
			return
		}
		width = n
	}

	data, contentType, err := encodeFrame(f, format, width)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			h.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Sequence", strconv.FormatUint(f.Sequence, 10))
	c.Data(http.StatusOK, contentType, data)
}

// GetFrameStats は最新フレームの輝度統計を返す
func (h *APIHandler) GetFrameStats(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	f, ok := s.LatestFrame()
	if !ok {
		h.respondError(c, http.StatusNotFound, "no_frame", "まだフレームを受信していません")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"frame":    stream.Analyze(f),
		"pipeline": s.PipelineStats(),
	})
}

// ヘルパー関数

// parsePositive は1以上の整数を解釈する
func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%d は1未満です", n)
	}
	return n, nil
}

// session は :id のセッションを返す。見つからなければエラー応答を書く
func (h *APIHandler) session(c *gin.Context) (*camera.Session, bool) {
	id, err := camera.ParseDeviceID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	s, err := h.registry.Get(id)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return s, true
}

func (h *APIHandler) tree(c *gin.Context) (*genapi.Tree, bool) {
	s, ok := h.session(c)
	if !ok {
		return nil, false
	}
	tree, err := s.Tree()
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return tree, true
}

func (h *APIHandler) deviceResponse(s *camera.Session) DeviceResponse {
	resp := DeviceResponse{
		ID:    s.ID().String(),
		Name:  s.Name(),
		Info:  s.Info(),
		State: s.State(),
	}
	if selected, ok := h.registry.Selected(); ok && selected == s {
		resp.Selected = true
	}
	if resp.State == camera.StateStreaming {
		stats := s.PipelineStats()
		resp.Stream = &stats
	}
	return resp
}

// fail はエラーの種類に応じたステータスコードで応答する
func (h *APIHandler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("リクエストの処理に失敗しました", "path", c.Request.URL.Path, "error", err)
	}
	h.respondError(c, status, code, err.Error())
}

func (h *APIHandler) respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// classify はエラーを HTTP ステータスとエラーコードに対応づける
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrInvalidID):
		return http.StatusBadRequest, "invalid_id"
	case errors.Is(err, camera.ErrNotFound):
		return http.StatusNotFound, "device_not_found"
	case errors.Is(err, genapi.ErrNodeNotFound):
		return http.StatusNotFound, "feature_not_found"
	case errors.Is(err, camera.ErrNotOpen):
		return http.StatusConflict, "device_not_open"
	case errors.Is(err, camera.ErrAlreadyStreaming):
		return http.StatusConflict, "already_streaming"
	case errors.Is(err, genapi.ErrRange):
		return http.StatusUnprocessableEntity, "out_of_range"
	case errors.Is(err, genapi.ErrNotReadable):
		return http.StatusConflict, "not_readable"
	case errors.Is(err, device.ErrControl), errors.Is(err, device.ErrStream), errors.Is(err, genapi.ErrProtocol):
		return http.StatusBadGateway, "device_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
