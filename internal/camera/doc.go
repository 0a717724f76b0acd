// Package camera はカメラデバイスの登録とライフサイクルを管理する
//
// # 責務
// - バスの列挙結果とレジストリの差分による追加・削除（Registry.Scan）
// - 接続し直しても変わらないデバイス識別子（DeviceID）
// - 1台ごとの Closed → Opened → Streaming の状態遷移（Session）
// - オープン時のパラメーターツリー構築とストリーミングパイプラインの接続
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 複数のカメラを識別子で管理し、1台を選択したい
// - カメラを開いて機能（GenICam ノード）を読み書きしたい
// - カメラから画像を取得して最新フレームを表示したい
//
// # 仕様
//   - Registry はセッションの唯一の所有者。消えたデバイスのセッションは
//     最善努力で閉じてから破棄する
//   - 何も選択されていなければ、スキャン後に ID が最小のデバイスを選択する
//   - Session はデバイスハンドルを排他的に所有し、デバイスへの呼び出しを
//     1つのロックで直列化する
//   - 状態はデバイスの IsOpen と IsLoopRunning から導出する
//   - 状態変化はイベントとして event.Publisher に発行する
package camera
