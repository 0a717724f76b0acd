package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"camviewer/internal/camera"
	"camviewer/internal/config"
	"camviewer/internal/event"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	router     *gin.Engine
	handler    *APIHandler

	// ctx は取得ループと長時間接続の寿命。Shutdown でキャンセルされる
	ctx    context.Context
	cancel context.CancelFunc
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, registry *camera.Registry, events *event.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	ctx, cancel := context.WithCancel(context.Background())
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config: cfg,
		logger: logger,
		router: router,
		handler: &APIHandler{
			config:   cfg,
			registry: registry,
			events:   events,
			logger:   logger,
			ctx:      ctx,
		},
		ctx:    ctx,
		cancel: cancel,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みの http.Handler を返す
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := s.handler

	// ヘルスチェックエンドポイント
	s.router.GET("/health", h.HealthCheck)

	// APIエンドポイント
	api := s.router.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/events", h.StreamEvents)

	devices := api.Group("/devices")
	devices.GET("", h.ListDevices)
	devices.POST("/scan", h.ScanDevices)
	devices.GET("/selected", h.GetSelected)
	devices.PUT("/selected", h.SelectDevice)
	devices.GET("/:id", h.GetDevice)
	devices.POST("/:id/open", h.OpenDevice)
	devices.POST("/:id/close", h.CloseDevice)
	devices.POST("/:id/stream/start", h.StartStream)
	devices.POST("/:id/stream/stop", h.StopStream)
	devices.GET("/:id/features", h.ListFeatures)
	devices.GET("/:id/features/:name", h.GetFeature)
	devices.PUT("/:id/features/:name", h.SetFeature)
	devices.POST("/:id/features/:name", h.ExecuteFeature)
	devices.GET("/:id/frame", h.GetFrame)
	devices.GET("/:id/frame/stats", h.GetFrameStats)

	// フレーム配信
	s.router.GET("/ws/devices/:id/frames", h.FrameWebSocket)

	// ルートハンドラ（ブラウザ用ビューアー）
	s.router.GET("/", handleRoot)
}

// requestLogger はリクエストごとにアクセスログを出力するミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("リクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Start はサーバーを起動する
//
// ctx のキャンセルか SIGINT/SIGTERM を受けるとグレースフルにシャットダウンする。
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "address", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		s.cancel()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	// SSE と WebSocket を先に終わらせる
	s.cancel()

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
