package camera

import (
	"errors"
	"log/slog"
	"time"

	"camviewer/internal/event"
)

// レジストリとセッションのエラー
var (
	// ErrNotFound は指定されたデバイスがレジストリに存在しないことを表す
	ErrNotFound = errors.New("デバイスが見つかりません")

	// ErrNotOpen は制御チャンネルが開かれていないことを表す
	ErrNotOpen = errors.New("デバイスが開かれていません")

	// ErrAlreadyStreaming はストリーミングが既に開始されていることを表す
	ErrAlreadyStreaming = errors.New("デバイスは既にストリーミング中です")

	// ErrInvalidID はデバイス ID の文字列表現が不正であることを表す
	ErrInvalidID = errors.New("不正なデバイス ID")
)

// State はセッションの状態を表す
type State string

const (
	StateClosed    State = "closed"    // 制御チャンネルが閉じている
	StateOpened    State = "opened"    // 制御チャンネルが開いている
	StateStreaming State = "streaming" // ストリーミングループが動作中
)

// ScanResult はスキャンによるレジストリの差分
type ScanResult struct {
	Added   []DeviceID `json:"added"`
	Removed []DeviceID `json:"removed"`
}

// Changed は差分があるかを返す
func (r ScanResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// Options はレジストリとセッションの設定
type Options struct {
	Logger *slog.Logger
	Events event.Publisher

	// AutoScan が true なら Start 後に ScanInterval ごとにスキャンする
	AutoScan     bool
	ScanInterval time.Duration

	// CommandTimeout はコマンド完了待ちの上限
	CommandTimeout time.Duration
	// CommandPollInterval はコマンド完了の確認間隔
	CommandPollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Events == nil {
		o.Events = event.Discard
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 2 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = time.Second
	}
	if o.CommandPollInterval <= 0 {
		o.CommandPollInterval = 10 * time.Millisecond
	}
	return o
}
