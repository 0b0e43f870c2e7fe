// Package server は、HTTPサーバーとAPIエンドポイントを管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// デバイス・操作者それぞれの認証、リクエスト処理を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - デバイス向けAPI（登録・ハートビート・アップロード・時刻同期）
//   - 操作者向けAPI（トリガー・状態照会・再構成ジョブ）
//   - Bearerトークンによる認証
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - デバイスと操作者で別々の共有クレデンシャルを使う
//   - クレデンシャルの比較は定数時間で行う
//   - グレースフルシャットダウンに対応
package server
