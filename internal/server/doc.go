// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、カメラレジストリをHTTP越しに操作するAPIと、
// イベント・フレームのリアルタイム配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - デバイスの一覧・選択・開閉・ストリーミング操作のREST API
//   - パラメーターツリーの参照と書き込み、コマンド実行
//   - 最新フレームのPNG/BMP配信と輝度統計
//   - イベントのServer-Sent Events配信
//   - WebSocketによるフレーム配信
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - エラーはセンチネルエラーからHTTPステータスに変換する
//   - HTTPから開始した取得ループはサーバーの寿命に従い、リクエストの終了では止まらない
//   - 複数クライアントの同時接続をサポート
package server
