package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLayoutSaveImage は画像保存の基本動作をテストする
func TestLayoutSaveImage(t *testing.T) {
	l := NewLayout(t.TempDir())

	payload := []byte("fake-jpeg-data")
	saved, err := l.SaveImage("session_A", "cam01", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("画像の保存に失敗しました: %v", err)
	}

	// ファイルが確定位置にあること
	data, err := os.ReadFile(saved.Path)
	if err != nil {
		t.Fatalf("保存先の読み込みに失敗しました: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("保存内容が一致しません")
	}

	// ハッシュとサイズの検証
	sum := sha256.Sum256(payload)
	if saved.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("ハッシュが一致しません: %s", saved.SHA256)
	}
	if saved.Size != int64(len(payload)) {
		t.Errorf("サイズが一致しません: %d", saved.Size)
	}

	// レイアウトの検証: <root>/<session>/images/<device>.jpg
	if filepath.Base(saved.Path) != "cam01.jpg" {
		t.Errorf("ファイル名が不正: %s", saved.Path)
	}
	if filepath.Base(filepath.Dir(saved.Path)) != "images" {
		t.Errorf("ディレクトリ構造が不正: %s", saved.Path)
	}

	// 一時ファイルが残っていないこと
	entries, _ := os.ReadDir(filepath.Dir(saved.Path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("一時ファイルが残っています: %s", e.Name())
		}
	}
}

// TestLayoutSaveImageOverwrite は同一デバイスの再保存をテストする
func TestLayoutSaveImageOverwrite(t *testing.T) {
	l := NewLayout(t.TempDir())

	first, err := l.SaveImage("session_A", "cam01", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("1回目の保存に失敗しました: %v", err)
	}
	second, err := l.SaveImage("session_A", "cam01", strings.NewReader("second"))
	if err != nil {
		t.Fatalf("2回目の保存に失敗しました: %v", err)
	}

	if first.Path != second.Path {
		t.Errorf("保存先が一致しません: %s != %s", first.Path, second.Path)
	}

	data, err := os.ReadFile(second.Path)
	if err != nil {
		t.Fatalf("保存先の読み込みに失敗しました: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("上書きされていません: %s", data)
	}
}

// TestLayoutWriteMetadata は session.json の書き込みをテストする
func TestLayoutWriteMetadata(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)

	meta := map[string]any{
		"session_id": "session_A",
		"patient_id": "pA17",
	}
	if err := l.WriteMetadata("session_A", meta); err != nil {
		t.Fatalf("メタデータの書き込みに失敗しました: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "session_A", "session.json"))
	if err != nil {
		t.Fatalf("session.json の読み込みに失敗しました: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("session.json の解析に失敗しました: %v", err)
	}
	if got["patient_id"] != "pA17" {
		t.Errorf("メタデータの内容が不正: %+v", got)
	}
}

// TestLayoutImagePaths は画像パス一覧の列挙をテストする
func TestLayoutImagePaths(t *testing.T) {
	l := NewLayout(t.TempDir())

	for _, id := range []string{"cam02", "cam01", "cam03"} {
		if _, err := l.SaveImage("session_A", id, strings.NewReader("data-"+id)); err != nil {
			t.Fatalf("画像の保存に失敗しました: %v", err)
		}
	}

	paths, err := l.ImagePaths("session_A")
	if err != nil {
		t.Fatalf("パス一覧の取得に失敗しました: %v", err)
	}

	if len(paths) != 3 {
		t.Fatalf("パス数が不正: %v", paths)
	}
	// ソート済みで返る
	for i, want := range []string{"cam01.jpg", "cam02.jpg", "cam03.jpg"} {
		if filepath.Base(paths[i]) != want {
			t.Errorf("ソート順が不正: %v", paths)
			break
		}
	}
}

// TestLayoutImagePathsNoDir は存在しないセッションの列挙をテストする
func TestLayoutImagePathsNoDir(t *testing.T) {
	l := NewLayout(t.TempDir())

	if _, err := l.ImagePaths("no-such-session"); err == nil {
		t.Error("存在しないセッションでエラーが発生しませんでした")
	}
}
