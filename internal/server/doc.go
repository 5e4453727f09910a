// Package server は、カメラマネージャーを操作するHTTPサーバーを提供します。
//
// 責務:
//   - ginによるHTTPサーバーの起動と管理
//   - カメラの開始・停止・切り替え・設定変更・撮影のAPI
//   - リクエストのUser-Agentに基づくカメラ選択
//   - プレビューのMJPEG配信
//   - マネージャーのイベントのWebSocket配信
//
// 仕様:
//   - エラーは ErrorResponse 形式のJSONで返す
//   - カメラエラーのコードはHTTPステータスに対応付ける
//   - グレースフルシャットダウンに対応
package server
