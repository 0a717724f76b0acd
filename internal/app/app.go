// Package app は設定からコンポーネントを組み立て、プロセス全体の寿命を管理する
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"camviewer/internal/camera"
	"camviewer/internal/config"
	"camviewer/internal/console"
	"camviewer/internal/device"
	"camviewer/internal/device/sim"
	"camviewer/internal/event"
	"camviewer/internal/server"
)

// App は1プロセス分のコンポーネント一式
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	events   *event.Bus
	sim      *sim.Bus
	registry *camera.Registry
	mqtt     *event.MQTTSink

	wg sync.WaitGroup
}

// NewLogger は設定に従った slog.Logger を作成する
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("未対応のログ形式: %q", cfg.Format)
	}
}

// New はコンポーネントを組み立てる。デバイスへのアクセスは Start まで行わない
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		events: event.NewBus(logger),
	}

	var enumerator device.Enumerator = device.EnumeratorFunc(func(context.Context) ([]device.Device, error) {
		return nil, nil
	})
	if cfg.Simulator.Enabled {
		a.sim = sim.NewBus(logger)
		for _, dc := range cfg.Simulator.Devices {
			if _, err := a.sim.Plug(dc); err != nil {
				return nil, fmt.Errorf("シミュレーションカメラ %s を接続できません: %w", dc.SerialNumber, err)
			}
		}
		enumerator = a.sim
	} else {
		logger.Warn("シミュレーターが無効でデバイスの列挙元がありません")
	}

	a.registry = camera.NewRegistry(enumerator, camera.Options{
		Logger:         logger,
		Events:         a.events,
		AutoScan:       cfg.Camera.AutoScan,
		ScanInterval:   cfg.Camera.ScanInterval,
		CommandTimeout: cfg.Camera.CommandTimeout,
	})

	if cfg.MQTT.Enabled {
		a.mqtt = event.NewMQTTSink(event.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Timeout:     cfg.MQTT.Timeout,
		}, logger)
	}
	return a, nil
}

// Registry はデバイスレジストリを返す
func (a *App) Registry() *camera.Registry { return a.registry }

// Events はイベントバスを返す
func (a *App) Events() *event.Bus { return a.events }

// Start は MQTT 転送を開始し、最初のスキャンを行う
func (a *App) Start(ctx context.Context) error {
	if a.mqtt != nil {
		if err := a.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("MQTT 転送を開始できません: %w", err)
		}
		events, unsubscribe := a.events.Subscribe(event.DefaultBuffer)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer unsubscribe()
			a.mqtt.Run(ctx, events)
		}()
	}

	if err := a.registry.Start(ctx); err != nil {
		return fmt.Errorf("デバイスレジストリを開始できません: %w", err)
	}
	a.logger.Info("デバイスをスキャンしました", "devices", a.registry.Len())
	return nil
}

// Serve は HTTP サーバーを起動し、ctx のキャンセルかシグナルで戻る
func (a *App) Serve(ctx context.Context) error {
	srv := server.New(a.cfg, a.registry, a.events, a.logger)
	return srv.Start(ctx)
}

// Console は対話型コンソールを実行する。quit で cancel を呼ぶ
func (a *App) Console(ctx context.Context, cancel context.CancelFunc) error {
	c, err := console.New(console.Options{
		Registry:       a.registry,
		Events:         a.events,
		Simulator:      a.sim,
		BufferCount:    a.cfg.Camera.BufferCount,
		CommandTimeout: a.cfg.Camera.CommandTimeout,
	})
	if err != nil {
		return err
	}
	c.Run(ctx, cancel)
	return nil
}

// Close は全デバイスを閉じ、イベント配信を終了する
func (a *App) Close(ctx context.Context) error {
	err := a.registry.Stop(ctx)
	a.events.Close()
	a.wg.Wait()
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if err != nil {
		return errors.Join(errors.New("デバイスを閉じる際にエラーが発生しました"), err)
	}
	return nil
}
