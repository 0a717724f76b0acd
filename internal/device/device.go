package device

import (
	"context"
	"errors"
	"fmt"
)

// トランスポート層のエラー
var (
	// ErrControl は制御チャンネルの操作（open/close/read/write）の失敗を表す
	ErrControl = errors.New("制御チャンネルのエラー")

	// ErrStream はストリーミングループの操作の失敗を表す
	ErrStream = errors.New("ストリームのエラー")
)

// Info はデバイスの不変な識別情報を表す
type Info struct {
	SerialNumber    string `json:"serial_number" yaml:"serial_number"`
	ModelName       string `json:"model_name" yaml:"model_name"`
	VendorName      string `json:"vendor_name" yaml:"vendor_name"`
	GUID            string `json:"guid" yaml:"guid"`
	UserDefinedName string `json:"user_defined_name,omitempty" yaml:"user_defined_name"` // 空文字列は未設定
}

// DisplayName はUIに表示するデバイス名を返す
//
// ユーザー定義名が空でなければそれを、そうでなければモデル名を使い、
// 末尾にシリアル番号を括弧付きで付加する。
func (i Info) DisplayName() string {
	name := i.ModelName
	if i.UserDefinedName != "" {
		name = i.UserDefinedName
	}
	return fmt.Sprintf("%s (%s)", name, i.SerialNumber)
}

// Device はカメラデバイスの能力インターフェース
//
// 実装はスレッドセーフである必要はない。呼び出し側（Session）が
// デバイスごとにアクセスを直列化する。
type Device interface {
	// Info はデバイス情報を返す
	Info() Info

	// Open は制御チャンネルを開く
	Open() error

	// Close は制御チャンネルを閉じる
	Close() error

	// IsOpen は制御チャンネルが開いているかを返す
	IsOpen() bool

	// Read は指定アドレスから length バイトを読み取る
	Read(addr uint64, length int) ([]byte, error)

	// Write は指定アドレスに data を書き込む
	Write(addr uint64, data []byte) error

	// Description はデバイスの機能記述ドキュメント（GenICam XML）を返す
	Description() ([]byte, error)

	// EnableStreaming はデバイス側のストリーミングインターフェースを有効化する
	EnableStreaming() error

	// DisableStreaming はデバイス側のストリーミングインターフェースを無効化する
	DisableStreaming() error

	// StartStreaming は bufferCount 個のバッファでストリーミングループを開始し、
	// ペイロードの受信側を返す
	StartStreaming(bufferCount int) (*PayloadReceiver, error)

	// StopStreaming はストリーミングループを停止し、デバイス側のバッファを解放する
	StopStreaming() error

	// IsLoopRunning はストリーミングループが動作中かを返す
	IsLoopRunning() bool
}

// Enumerator はバス上のデバイスを列挙する
type Enumerator interface {
	// Enumerate は現在接続されているデバイスを列挙する
	Enumerate(ctx context.Context) ([]Device, error)
}

// EnumeratorFunc は関数を Enumerator として扱うアダプタ
type EnumeratorFunc func(ctx context.Context) ([]Device, error)

// Enumerate は f(ctx) を呼び出す
func (f EnumeratorFunc) Enumerate(ctx context.Context) ([]Device, error) {
	return f(ctx)
}
