// Package camera 本人確認書類の撮影に使うカメラの選択・解像度判定・ライフサイクル管理を担う
//
// # 責務
// - プラットフォームに応じた物理カメラの選択（Device Selector）
// - 試験ストリームによる対応解像度の判定（Resolution Prober）
// - ストリームの開始・停止・再起動・切り替えと設定の反映（Camera Manager）
// - プレビューからの静止画撮影
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 前面/背面カメラのうち書類撮影に最適な1台を選びたい
// - デバイスが対応するプリセット解像度を縦横両方で知りたい
// - 同時に1本だけのストリームを安全に切り替えたい
//
// # 仕様
// - Manager: 状態機械（Uninitialized/Initializing/Streaming/Restarting/Stopped/Error）
// - 変更を伴う操作は直列化され、重なった呼び出しは前の操作の完了を待つ
// - 新しいストリームを取得する前に必ず既存のストリームを停止する
// - 設定変更に失敗した場合は変更前の設定に戻す
// - 能力判定はマネージャーの生存期間中に一度だけ行う
// - イベントは個別チャンネル、続いてALLへ登録順に同期的に配信される
//   （ハンドラーからマネージャーの操作を同期的に呼んではならない）
//
// # バックエンド
//   - PionMediaDevices: pion/mediadevices経由で実機のカメラを扱う
//   - MockMediaDevices: テストや開発用の仮想カメラ
package camera
