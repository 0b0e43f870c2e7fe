// Package session は撮影セッションの状態管理を担う
//
// # 責務
// - セッションの作成と対象デバイスセットの固定
// - デバイスごとのアップロード記録の管理
// - targeted/received/missing の照合結果の導出
//
// # 仕様
// - 対象セットはセッション作成時に固定され、以後変更されない
// - アップロード記録は (セッション, デバイス) につき最大1件で、再送は上書きされる
// - 対象外デバイスからのアップロードも記録する（取りすぎは無害、取り漏れが危険）
// - 保持上限を超えた場合は作成が最も古いセッションを追い出す
// - Thread-safe な操作をサポート
package session
