// Package ingest はデバイスからの画像アップロードの受け入れを担う
//
// # 責務
// - アップロードトークンの検証
// - 画像バイト列の永続化とハッシュ計算
// - セッションストアへのアップロード記録の登録
//
// # 仕様
// - ゲートは順に適用され、途中で失敗した場合は一切の副作用を残さない
// - バイト列の書き込みが完了してから記録を登録する
//   （書き込み後・登録前のクラッシュは再アップロードで回復できる）
// - 同じ (セッション, デバイス) の再送はファイルも記録も上書きする
package ingest

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"hyakume/internal/session"
	"hyakume/internal/storage"
	"hyakume/internal/token"
)

// Request はアップロード要求
type Request struct {
	SessionID   string
	DeviceID    string
	Token       string
	Body        io.Reader // 画像バイト列
	TimestampMS int64     // デバイス申告の撮影時刻。0の場合はサーバー時刻を使う
}

// Result はアップロード受理の結果
type Result struct {
	StoredAs string // 保存先のファイル名
	SHA256   string
	Size     int64
}

// Ingestor はアップロードの受け入れ処理を行う
type Ingestor struct {
	authority *token.Authority
	store     *session.Store
	layout    *storage.Layout

	now func() time.Time // テストで差し替え可能な時計
}

// NewIngestor は新しいIngestorを作成する
func NewIngestor(authority *token.Authority, store *session.Store, layout *storage.Layout) *Ingestor {
	return &Ingestor{
		authority: authority,
		store:     store,
		layout:    layout,
		now:       time.Now,
	}
}

// Ingest はアップロードを受け入れる
// ゲート順: トークン検証 -> セッション存在確認 -> 永続化 -> 記録登録
func (i *Ingestor) Ingest(req Request) (Result, error) {
	// トークンの検証（解析・署名・対象・有効期限）
	if err := i.authority.Verify(req.Token, req.SessionID, req.DeviceID); err != nil {
		return Result{}, err
	}

	// セッションの存在確認。書き込み前に確認して部分的な副作用を防ぐ
	if !i.store.Has(req.SessionID) {
		return Result{}, session.ErrUnknownSession
	}

	// バイト列の永続化。完了するまで記録は登録しない
	saved, err := i.layout.SaveImage(req.SessionID, req.DeviceID, req.Body)
	if err != nil {
		return Result{}, fmt.Errorf("画像の保存に失敗: %w", err)
	}

	ts := req.TimestampMS
	if ts == 0 {
		ts = i.now().UnixMilli()
	}

	rec := session.UploadRecord{
		Filename:    saved.Path,
		TimestampMS: ts,
		SHA256:      saved.SHA256,
		Size:        saved.Size,
	}
	if err := i.store.RecordUpload(req.SessionID, req.DeviceID, rec); err != nil {
		// 存在確認後にセッションが追い出された場合のみ到達する
		return Result{}, err
	}

	log.Info().Str("session_id", req.SessionID).Str("camera_id", req.DeviceID).
		Int64("size", saved.Size).Msg("画像を受理しました")

	return Result{
		StoredAs: filepath.Base(saved.Path),
		SHA256:   saved.SHA256,
		Size:     saved.Size,
	}, nil
}
