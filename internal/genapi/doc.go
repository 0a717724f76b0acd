// Package genapi はデバイスの機能記述ドキュメント（GenICam 形式の XML）から
// パラメータツリーを構築し、レジスタマップを介して値を読み書きする。
//
// ツリーのノードは Category / Boolean / Integer / Float / Enumeration /
// String / Command のいずれかを表すタグ付きユニオン（Node）で、
// 読み書き可否と値は呼び出しのたびにデバイスメモリから評価される。
//
// 主要な型:
//   - Description: 解析済みの記述ドキュメント
//   - Tree: Root カテゴリから構築したノードの森
//   - Port: デバイスメモリへのアクセス手段
//   - Msg: ノード種別付きの更新メッセージ
package genapi
