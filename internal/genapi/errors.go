package genapi

import (
	"errors"
	"fmt"
)

// パラメータツリーのエラー
var (
	// ErrProtocol は記述ドキュメントの解析、またはデバイスメモリの読み書きの失敗を表す
	ErrProtocol = errors.New("プロトコルエラー")

	// ErrNotReadable は現在読み取れないノードの値を要求したことを表す。
	// errors.Is(err, ErrProtocol) も真になる
	ErrNotReadable = fmt.Errorf("%w: ノードは読み取り不可", ErrProtocol)

	// ErrRange は宣言された範囲・増分・エントリ外の値を表す
	ErrRange = errors.New("範囲外の値")

	// ErrInternal は記述ドキュメントに必須の Root カテゴリがないことを表す
	ErrInternal = errors.New("内部エラー")

	// ErrNodeNotFound は存在しないパスまたは名前を指定したことを表す
	ErrNodeNotFound = errors.New("ノードが見つかりません")
)
