// Package dispatch は同期撮影のトリガーとコマンド配信を担う
//
// # 責務
// - 対象デバイスセットの解決と撮影予定時刻の計算
// - セッションの作成とトークンの発行
// - 複数トランスポート（プッシュ/プル）への撮影コマンドの配信
//
// # 仕様
// - 配信は fire-and-forget: 個別デバイスへの配信失敗はセッションを失敗させない
// - 撮影予定時刻は now + max(最小遅延, 要求遅延) で、コマンド到達が撮影に先行する
// - プッシュはNATSのサブジェクト、プルはハートビートで取り出す保留キュー
// - 中核はデバイスがどちらのトランスポートで到達可能かを知らない
package dispatch
