// Package sim はメモリ上で動作するシミュレーションカメラを提供する
//
// Camera は device.Device を実装し、組み込みの GenICam 形式の記述ドキュメント
// （camera.xml）とそれに対応するレジスタマップを持つ。レジスタへの書き込みには
// 簡単なファームウェア動作が伴う。
//   - ExposureAuto が Off 以外の間は ExposureLocked が立つ
//   - ストリーミング中は TLParamsLocked が立ち、画像サイズとピクセルフォーマットが固定される
//   - コマンドレジスタは一定時間後に自動でクリアされる
//
// Bus はカメラの接続・切断を模擬する device.Enumerator。
package sim
