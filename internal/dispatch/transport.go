package dispatch

import (
	"context"
	"sync"
)

// Command はデバイス1台向けの撮影コマンド
type Command struct {
	SessionID   string `json:"session_id"`
	CaptureAtMS int64  `json:"capture_at_ms"` // 撮影予定時刻（エポックミリ秒）
	Token       string `json:"token"`         // このデバイス専用のアップロードトークン
}

// BroadcastCommand は全購読者向けの告知コマンド
// トークンを含まない情報提供であり、対象外のデバイスも自己判断できる
type BroadcastCommand struct {
	SessionID   string   `json:"session_id"`
	CaptureAtMS int64    `json:"capture_at_ms"`
	CameraIDs   []string `json:"camera_ids"` // 対象デバイスの一覧
	DelayMS     int64    `json:"delay_ms"`
}

// Transport は撮影コマンドをデバイスへ届ける経路
// プッシュ（NATS）とプル（保留キュー）が同じ契約を実装する
type Transport interface {
	// Name はトランスポートの識別名を返す（ログ用）
	Name() string

	// Deliver はデバイス1台へコマンドを届ける
	Deliver(ctx context.Context, deviceID string, cmd Command) error

	// Broadcast は全購読者へ告知を届ける
	Broadcast(ctx context.Context, cmd BroadcastCommand) error
}

// PendingQueue はプル型トランスポートの実装
// デバイスごとに最新のコマンドを1件だけ保持し、ハートビートで取り出す
type PendingQueue struct {
	pending map[string]Command
	mu      sync.Mutex
}

// NewPendingQueue は新しいPendingQueueを作成する
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{
		pending: make(map[string]Command),
	}
}

// Name はトランスポートの識別名を返す
func (q *PendingQueue) Name() string { return "pending-queue" }

// Deliver はコマンドを保留キューに積む
// 既存の未取得コマンドは新しいものに置き換えられる
func (q *PendingQueue) Deliver(_ context.Context, deviceID string, cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending[deviceID] = cmd
	return nil
}

// Broadcast はプル型では何もしない
// 購読の概念がなく、対象デバイスには Deliver で個別に届くため
func (q *PendingQueue) Broadcast(_ context.Context, _ BroadcastCommand) error {
	return nil
}

// Pop はデバイスの保留コマンドを取り出して削除する
// ハートビート処理から呼ばれる。保留がなければ ok=false を返す
func (q *PendingQueue) Pop(deviceID string) (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd, ok := q.pending[deviceID]
	if ok {
		delete(q.pending, deviceID)
	}
	return cmd, ok
}
