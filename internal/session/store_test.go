package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var testTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// TestStoreCreate はセッション作成の基本動作をテストする
func TestStoreCreate(t *testing.T) {
	s := NewStore(10)

	meta := Metadata{PatientID: "pA17", WoundLocation: "left_ankle"}
	err := s.Create("session_A", []string{"cam01", "cam02"}, meta, testTime.Add(time.Second), testTime)
	if err != nil {
		t.Fatalf("セッションの作成に失敗しました: %v", err)
	}

	if !s.Has("session_A") {
		t.Error("作成したセッションが存在しません")
	}

	targets, uploads, err := s.Snapshot("session_A")
	if err != nil {
		t.Fatalf("スナップショットの取得に失敗しました: %v", err)
	}
	if len(targets) != 2 {
		t.Errorf("対象デバイス数が不正: %v", targets)
	}
	if len(uploads) != 0 {
		t.Errorf("作成直後にアップロード記録があります: %v", uploads)
	}

	// メタデータはそのまま保持される
	_, _, gotMeta, err := s.Info("session_A")
	if err != nil {
		t.Fatalf("セッション情報の取得に失敗しました: %v", err)
	}
	if gotMeta != meta {
		t.Errorf("メタデータが一致しません: %+v", gotMeta)
	}
}

// TestStoreCreateAlreadyExists は重複IDでの作成をテストする
func TestStoreCreateAlreadyExists(t *testing.T) {
	s := NewStore(10)

	if err := s.Create("session_A", []string{"cam01"}, Metadata{}, testTime, testTime); err != nil {
		t.Fatalf("1回目の作成に失敗しました: %v", err)
	}
	if err := s.RecordUpload("session_A", "cam01", UploadRecord{SHA256: "abc"}); err != nil {
		t.Fatalf("アップロード記録に失敗しました: %v", err)
	}

	// 同じIDでの再作成は失敗し、既存の状態は変わらない
	err := s.Create("session_A", []string{"cam99"}, Metadata{}, testTime, testTime)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("ErrAlreadyExists が期待されましたが: %v", err)
	}

	targets, uploads, err := s.Snapshot("session_A")
	if err != nil {
		t.Fatalf("スナップショットの取得に失敗しました: %v", err)
	}
	if len(targets) != 1 || targets[0] != "cam01" {
		t.Errorf("既存の対象セットが変更されました: %v", targets)
	}
	if len(uploads) != 1 {
		t.Errorf("既存のアップロード記録が失われました: %v", uploads)
	}
}

// TestStoreRecordUploadUnknownSession は存在しないセッションへの記録をテストする
func TestStoreRecordUploadUnknownSession(t *testing.T) {
	s := NewStore(10)

	err := s.RecordUpload("no-such-session", "cam01", UploadRecord{})
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("ErrUnknownSession が期待されましたが: %v", err)
	}
}

// TestStoreRecordUploadOverwrite は再アップロードによる上書きをテストする
func TestStoreRecordUploadOverwrite(t *testing.T) {
	s := NewStore(10)

	if err := s.Create("session_A", []string{"cam01"}, Metadata{}, testTime, testTime); err != nil {
		t.Fatalf("セッションの作成に失敗しました: %v", err)
	}

	first := UploadRecord{Filename: "a.jpg", SHA256: "hash-1", Size: 100}
	second := UploadRecord{Filename: "a.jpg", SHA256: "hash-2", Size: 200}

	if err := s.RecordUpload("session_A", "cam01", first); err != nil {
		t.Fatalf("1回目の記録に失敗しました: %v", err)
	}
	if err := s.RecordUpload("session_A", "cam01", second); err != nil {
		t.Fatalf("2回目の記録に失敗しました: %v", err)
	}

	_, uploads, err := s.Snapshot("session_A")
	if err != nil {
		t.Fatalf("スナップショットの取得に失敗しました: %v", err)
	}
	if len(uploads) != 1 {
		t.Fatalf("記録が1件ではありません: %d", len(uploads))
	}
	if uploads["cam01"].SHA256 != "hash-2" || uploads["cam01"].Size != 200 {
		t.Errorf("最後の記録が反映されていません: %+v", uploads["cam01"])
	}
}

// TestStoreRecordUploadNonTarget は対象外デバイスからの記録をテストする
func TestStoreRecordUploadNonTarget(t *testing.T) {
	s := NewStore(10)

	if err := s.Create("session_A", []string{"cam01"}, Metadata{}, testTime, testTime); err != nil {
		t.Fatalf("セッションの作成に失敗しました: %v", err)
	}

	// 対象外のデバイスでも記録される
	if err := s.RecordUpload("session_A", "cam99", UploadRecord{SHA256: "x"}); err != nil {
		t.Fatalf("対象外デバイスの記録に失敗しました: %v", err)
	}

	st, err := s.Status("session_A")
	if err != nil {
		t.Fatalf("ステータスの取得に失敗しました: %v", err)
	}

	// 対象外デバイスは missing には現れない
	if len(st.Missing) != 1 || st.Missing[0] != "cam01" {
		t.Errorf("missing が不正: %v", st.Missing)
	}
	if _, ok := st.Uploads["cam99"]; !ok {
		t.Error("対象外デバイスの記録が uploads に見えません")
	}
}

// TestStoreStatus は照合結果の導出をテストする
func TestStoreStatus(t *testing.T) {
	s := NewStore(10)

	targets := []string{"cam01", "cam02", "cam03"}
	if err := s.Create("session_A", targets, Metadata{}, testTime, testTime); err != nil {
		t.Fatalf("セッションの作成に失敗しました: %v", err)
	}

	// cam02 だけがアップロード済み
	if err := s.RecordUpload("session_A", "cam02", UploadRecord{SHA256: "h"}); err != nil {
		t.Fatalf("アップロード記録に失敗しました: %v", err)
	}

	st, err := s.Status("session_A")
	if err != nil {
		t.Fatalf("ステータスの取得に失敗しました: %v", err)
	}

	// received ∪ missing = targeted かつ received ∩ missing = ∅
	seen := make(map[string]int)
	for _, id := range st.Received {
		seen[id]++
	}
	for _, id := range st.Missing {
		seen[id]++
	}
	if len(seen) != len(st.Targeted) {
		t.Errorf("received ∪ missing != targeted: %+v", st)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("デバイス %s が received と missing の両方に現れています", id)
		}
	}

	if len(st.Received) != 1 || st.Received[0] != "cam02" {
		t.Errorf("received が不正: %v", st.Received)
	}
	if len(st.Missing) != 2 {
		t.Errorf("missing が不正: %v", st.Missing)
	}
}

// TestStoreStatusUnknownSession は存在しないセッションの照会をテストする
func TestStoreStatusUnknownSession(t *testing.T) {
	s := NewStore(10)

	if _, err := s.Status("no-such-session"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("ErrUnknownSession が期待されましたが: %v", err)
	}
}

// TestStoreRetention は保持上限による追い出しをテストする
func TestStoreRetention(t *testing.T) {
	s := NewStore(2)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("session_%d", i)
		if err := s.Create(id, []string{"cam01"}, Metadata{}, testTime, testTime.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("セッション %s の作成に失敗しました: %v", id, err)
		}
	}

	if s.Count() != 2 {
		t.Fatalf("保持上限を超えています: %d", s.Count())
	}

	// 作成が最も古い session_0 が追い出される
	if s.Has("session_0") {
		t.Error("最古のセッションが追い出されていません")
	}
	if !s.Has("session_1") || !s.Has("session_2") {
		t.Error("新しいセッションが失われました")
	}
}

// TestStoreConcurrentUploads は同一セッションへの並行アップロード記録をテストする
// N台同時のアップロードがすべて記録され、欠落がないこと
func TestStoreConcurrentUploads(t *testing.T) {
	s := NewStore(10)

	const n = 20
	targets := make([]string, n)
	for i := range targets {
		targets[i] = fmt.Sprintf("cam%02d", i)
	}
	if err := s.Create("session_A", targets, Metadata{}, testTime, testTime); err != nil {
		t.Fatalf("セッションの作成に失敗しました: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			err := s.RecordUpload("session_A", deviceID, UploadRecord{SHA256: "hash-" + deviceID})
			if err != nil {
				t.Errorf("デバイス %s の記録に失敗しました: %v", deviceID, err)
			}
		}(id)
	}
	wg.Wait()

	st, err := s.Status("session_A")
	if err != nil {
		t.Fatalf("ステータスの取得に失敗しました: %v", err)
	}
	if len(st.Received) != n {
		t.Errorf("記録数が不正: got %d, want %d", len(st.Received), n)
	}
	if len(st.Missing) != 0 {
		t.Errorf("missing が空ではありません: %v", st.Missing)
	}
}

// TestStoreSnapshotIsolation はスナップショットが内部状態から分離されていることをテストする
func TestStoreSnapshotIsolation(t *testing.T) {
	s := NewStore(10)

	if err := s.Create("session_A", []string{"cam01"}, Metadata{}, testTime, testTime); err != nil {
		t.Fatalf("セッションの作成に失敗しました: %v", err)
	}

	targets, uploads, _ := s.Snapshot("session_A")
	targets[0] = "tampered"
	uploads["injected"] = UploadRecord{}

	st, _ := s.Status("session_A")
	if st.Targeted[0] != "cam01" {
		t.Error("スナップショットの変更が内部状態に影響しました")
	}
	if len(st.Uploads) != 0 {
		t.Error("スナップショットへの追加が内部状態に影響しました")
	}
}
