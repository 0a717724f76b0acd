package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"camviewer/internal/device/sim"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Stream    StreamConfig    `yaml:"stream"`
	Log       LogConfig       `yaml:"log"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はデバイス管理の設定
type CameraConfig struct {
	AutoScan       bool          `yaml:"auto_scan"`       // 定期的にバスを再スキャンする
	ScanInterval   time.Duration `yaml:"scan_interval"`   // 再スキャンの間隔
	BufferCount    int           `yaml:"buffer_count"`    // ストリーミングのバッファ数
	CommandTimeout time.Duration `yaml:"command_timeout"` // コマンド完了待ちの上限
}

// StreamConfig はフレーム配信の設定
type StreamConfig struct {
	PreviewWidth   int           `yaml:"preview_width"`   // WebSocket で配信する画像の幅（0 は等倍）
	FrameInterval  time.Duration `yaml:"frame_interval"`  // WebSocket の最短送信間隔
	DefaultEncoder string        `yaml:"default_encoder"` // png または bmp
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text または json
}

// MQTTConfig はイベントの MQTT 転送の設定
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SimulatorConfig はシミュレーションカメラの設定
type SimulatorConfig struct {
	Enabled bool         `yaml:"enabled"`
	Devices []sim.Config `yaml:"devices"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			AutoScan:       true,
			ScanInterval:   2 * time.Second,
			BufferCount:    4,
			CommandTimeout: time.Second,
		},
		Stream: StreamConfig{
			PreviewWidth:   640,
			FrameInterval:  100 * time.Millisecond,
			DefaultEncoder: "png",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MQTT: MQTTConfig{
			ClientID:    "camviewer",
			TopicPrefix: "camviewer/events",
			Timeout:     5 * time.Second,
		},
		Simulator: SimulatorConfig{
			Enabled: true,
			Devices: []sim.Config{
				{SerialNumber: "SIM0001", UserDefinedName: "Mono", PixelFormat: "Mono8"},
				{SerialNumber: "SIM0002", UserDefinedName: "Color", PixelFormat: "BayerRG8", TestPattern: 2},
			},
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値に path の YAML（空文字列なら読まない）を重ね、環境変数で上書きしてから検証する。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイル %s を読み込めません: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の解析に失敗: %w", path, err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	if c.Camera.BufferCount < 1 {
		errs = append(errs, fmt.Errorf("無効なバッファ数: %d", c.Camera.BufferCount))
	}
	if c.Camera.AutoScan && c.Camera.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("無効なスキャン間隔: %s", c.Camera.ScanInterval))
	}
	if c.Camera.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("無効なコマンドタイムアウト: %s", c.Camera.CommandTimeout))
	}

	if c.Stream.PreviewWidth < 0 {
		errs = append(errs, fmt.Errorf("無効なプレビュー幅: %d", c.Stream.PreviewWidth))
	}
	switch c.Stream.DefaultEncoder {
	case "png", "bmp":
	default:
		errs = append(errs, fmt.Errorf("未対応の画像形式: %q", c.Stream.DefaultEncoder))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("未対応のログ形式: %q", c.Log.Format))
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("MQTT が有効ですがブローカーが指定されていません"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("無効な QoS: %d", c.MQTT.QoS))
		}
	}

	seen := make(map[string]bool)
	for i, d := range c.Simulator.Devices {
		if d.SerialNumber == "" {
			errs = append(errs, fmt.Errorf("シミュレーションカメラ %d のシリアル番号がありません", i))
			continue
		}
		if seen[d.SerialNumber] {
			errs = append(errs, fmt.Errorf("シミュレーションカメラのシリアル番号 %s が重複しています", d.SerialNumber))
		}
		seen[d.SerialNumber] = true
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SlogLevel はログレベルを slog.Level に変換する
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("無効なログレベル: %q", l.Level)
	}
	return level, nil
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
