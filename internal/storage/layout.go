// Package storage はセッションごとのディスク保存レイアウトを担う
//
// # 責務
// - セッションディレクトリの作成と session.json の書き込み
// - 画像バイト列の原子的な保存とハッシュ計算
// - 再構成ジョブへ渡す画像パス一覧の列挙
//
// # 仕様
// - レイアウト: <root>/<session_id>/images/<device_id>.jpg
// - 画像は一時ファイルに書き切ってから rename する（途中状態を見せない）
// - 同じ (セッション, デバイス) への再保存は上書きとなる
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// SavedImage は保存済み画像の情報
type SavedImage struct {
	Path   string // 保存先のフルパス
	SHA256 string // 保存済みバイト列のハッシュ
	Size   int64  // バイトサイズ
}

// Layout はセッションディレクトリの操作を提供する
type Layout struct {
	root string
}

// NewLayout は新しいLayoutを作成する
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// SessionDir はセッションディレクトリを作成して返す
func (l *Layout) SessionDir(sessionID string) (string, error) {
	dir := filepath.Join(l.root, sessionID)
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0755); err != nil {
		return "", fmt.Errorf("セッションディレクトリの作成に失敗: %w", err)
	}
	return dir, nil
}

// WriteMetadata は session.json を書き込む
func (l *Layout) WriteMetadata(sessionID string, meta any) error {
	dir, err := l.SessionDir(sessionID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("メタデータの変換に失敗: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "session.json"), data, 0644); err != nil {
		return fmt.Errorf("session.json の書き込みに失敗: %w", err)
	}

	return nil
}

// SaveImage は画像バイト列を保存する
// 一時ファイルに書き切りハッシュを計算してから rename で確定する
// 同じデバイスの既存ファイルは上書きされる
func (l *Layout) SaveImage(sessionID, deviceID string, r io.Reader) (SavedImage, error) {
	dir, err := l.SessionDir(sessionID)
	if err != nil {
		return SavedImage{}, err
	}

	dest := filepath.Join(dir, "images", deviceID+".jpg")
	tmp := filepath.Join(dir, "images", ".tmp-"+uuid.New().String())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return SavedImage{}, fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}

	// 書き込みと同時にハッシュを計算する
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return SavedImage{}, fmt.Errorf("画像の書き込みに失敗: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return SavedImage{}, fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return SavedImage{}, fmt.Errorf("画像の確定に失敗: %w", err)
	}

	return SavedImage{
		Path:   dest,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   size,
	}, nil
}

// ImagePaths はセッションの画像ファイルのパス一覧をソート済みで返す
// 再構成ジョブへの入力として使われる
func (l *Layout) ImagePaths(sessionID string) ([]string, error) {
	dir := filepath.Join(l.root, sessionID, "images")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("画像ディレクトリの読み込みに失敗: %w", err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	return paths, nil
}

// ImagesDir はセッションの画像ディレクトリのパスを返す
func (l *Layout) ImagesDir(sessionID string) string {
	return filepath.Join(l.root, sessionID, "images")
}
