package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownSession は存在しないセッションへの操作エラー
	ErrUnknownSession = errors.New("セッションが存在しません")
	// ErrAlreadyExists は重複するセッションIDでの作成エラー
	ErrAlreadyExists = errors.New("セッションIDが既に存在します")
)

// Metadata はセッションに付随する記述的メタデータ
// 中核処理はこの内容を解釈せず、そのまま保持して返す
type Metadata struct {
	PatientID     string `json:"patient_id"`
	WoundLocation string `json:"wound_location"`
	Operator      string `json:"operator"`
	Notes         string `json:"notes"`
}

// UploadRecord はデバイス1台分のアップロード記録
type UploadRecord struct {
	Filename    string `json:"filename"`  // 保存先のパス
	TimestampMS int64  `json:"ts_ms"`     // デバイス申告またはサーバー付与の撮影時刻
	SHA256      string `json:"sha256"`    // 保存済みバイト列のハッシュ
	Size        int64  `json:"size"`      // バイトサイズ
}

// Session は1回の同期撮影の状態
type Session struct {
	ID        string
	CreatedAt time.Time
	CaptureAt time.Time // デバイスに通知した撮影予定時刻
	Metadata  Metadata
	targets   []string                // 作成時に固定される対象デバイスセット
	uploads   map[string]UploadRecord // デバイスID -> アップロード記録
}

// Store はセッションの保管庫
type Store struct {
	sessions map[string]*Session
	order    []string // 作成順（追い出し用）
	mu       sync.RWMutex

	maxSessions int
}

// NewStore は新しいStoreを作成する
func NewStore(maxSessions int) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
	}
}

// Create はセッションを作成する
// 同じIDのセッションが既にある場合は ErrAlreadyExists を返し、既存の状態には触れない
func (s *Store) Create(sessionID string, targets []string, meta Metadata, captureAt, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		return ErrAlreadyExists
	}

	// 保持上限を超える場合は作成が最も古いセッションを追い出す
	for len(s.sessions) >= s.maxSessions && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.sessions, oldest)
		log.Warn().Str("session_id", oldest).Msg("セッション保持上限に達したため最古のセッションを削除しました")
	}

	// 対象セットはコピーして凍結する
	frozen := make([]string, len(targets))
	copy(frozen, targets)

	s.sessions[sessionID] = &Session{
		ID:        sessionID,
		CreatedAt: createdAt,
		CaptureAt: captureAt,
		Metadata:  meta,
		targets:   frozen,
		uploads:   make(map[string]UploadRecord),
	}
	s.order = append(s.order, sessionID)

	return nil
}

// RecordUpload はアップロード記録を登録する
// 同じ (セッション, デバイス) への再登録は上書きとなる
// 対象セット外のデバイスでも記録する
func (s *Store) RecordUpload(sessionID, deviceID string, rec UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists {
		return ErrUnknownSession
	}

	sess.uploads[deviceID] = rec

	return nil
}

// Has はセッションの存在を確認する
func (s *Store) Has(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.sessions[sessionID]
	return exists
}

// Snapshot は対象セットとアップロード記録のコピーを返す
func (s *Store) Snapshot(sessionID string) (targets []string, uploads map[string]UploadRecord, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[sessionID]
	if !exists {
		return nil, nil, ErrUnknownSession
	}

	targets = make([]string, len(sess.targets))
	copy(targets, sess.targets)

	uploads = make(map[string]UploadRecord, len(sess.uploads))
	for id, rec := range sess.uploads {
		uploads[id] = rec
	}

	return targets, uploads, nil
}

// Info はセッションの基本情報を返す
func (s *Store) Info(sessionID string) (createdAt, captureAt time.Time, meta Metadata, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[sessionID]
	if !exists {
		return time.Time{}, time.Time{}, Metadata{}, ErrUnknownSession
	}

	return sess.CreatedAt, sess.CaptureAt, sess.Metadata, nil
}

// Count は保持中のセッション数を返す
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// sortedKeys はマップのキーをソート済みスライスとして返す
func sortedKeys(m map[string]UploadRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
