// Package device はカメラデバイスの能力インターフェースを定義する
//
// # 責務
// - 制御チャンネル（open/close、レジスタの読み書き）の抽象化
// - ストリーミングループの開始・停止とペイロードチャンネルの提供
// - デバイス固有情報（シリアル番号、モデル名、GUID）の公開
//
// # ペイロードチャンネル
// ペイロードのバッファはデバイス側が所有する。受信側は受け取ったペイロードを
// 必ず一度だけ SendBack で返却しなければならない。返却されたバッファは
// デバイス側で再利用される。返却を怠るとデバイスはバッファ不足に陥り、
// ストリーミングは無言で停止する。
//
// # 仕様
// - USB3 Vision などのバスプロトコルは外部の実装が担う
// - コアは Device インターフェースのみに依存する
// - シミュレーションデバイスは sim サブパッケージが提供する
package device
