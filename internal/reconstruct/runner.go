// Package reconstruct は3D再構成バッチジョブの起動と監視を担う
//
// # 責務
// - セッションの画像一式を入力とした再構成パイプラインの起動
// - ジョブ状態（実行中・完了・失敗）の管理
// - 実行中の途中結果の定期スナップショット
//
// # 仕様
// - パイプライン: COLMAP automatic_reconstructor -> LichtFeld-Studio
// - パイプラインの正しさは外部ツールが担い、このパッケージは起動と報告のみ行う
// - ジョブはセッションごとに同時に1つまで
// - スナップショットはベストエフォートで、失敗してもジョブは継続する
//
// # 前提要件
//   - colmap: 疎/密な再構成に使用
//   - LichtFeld-Studio: ガウシアンスプラッティング学習に使用
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"hyakume/internal/storage"
)

var (
	// ErrJobRunning は同一セッションのジョブが既に実行中の場合のエラー
	ErrJobRunning = errors.New("再構成ジョブが既に実行中です")
	// ErrNoImages はセッションに画像がない場合のエラー
	ErrNoImages = errors.New("再構成する画像がありません")
)

// Status はジョブの状態
type Status string

const (
	StatusRunning   Status = "running"   // 実行中
	StatusCompleted Status = "completed" // 完了
	StatusFailed    Status = "failed"    // 失敗
)

// Job は再構成ジョブの情報
type Job struct {
	ID         string    `json:"job_id"`
	SessionID  string    `json:"session_id"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	OutputDir  string    `json:"output_dir"`
	ImageCount int       `json:"image_count"`
}

// Runner は再構成ジョブの実行を管理する
type Runner struct {
	colmapCmd        string
	lichtfeldCmd     string
	workspaceRoot    string
	snapshotInterval time.Duration
	layout           *storage.Layout

	jobs map[string]*Job // セッションID -> ジョブ
	mu   sync.RWMutex
	wg   sync.WaitGroup
}

// NewRunner は新しいRunnerを作成する
func NewRunner(colmapCmd, lichtfeldCmd, workspaceRoot string, snapshotInterval time.Duration, layout *storage.Layout) *Runner {
	return &Runner{
		colmapCmd:        colmapCmd,
		lichtfeldCmd:     lichtfeldCmd,
		workspaceRoot:    workspaceRoot,
		snapshotInterval: snapshotInterval,
		layout:           layout,
		jobs:             make(map[string]*Job),
	}
}

// StartJob はセッションの再構成ジョブを開始する
// 実行は非同期で、結果は JobStatus で照会する
func (r *Runner) StartJob(ctx context.Context, sessionID string) (Job, error) {
	// 入力画像の確認
	images, err := r.layout.ImagePaths(sessionID)
	if err != nil {
		return Job{}, fmt.Errorf("画像一覧の取得に失敗: %w", err)
	}
	if len(images) == 0 {
		return Job{}, ErrNoImages
	}

	r.mu.Lock()
	if existing, ok := r.jobs[sessionID]; ok && existing.Status == StatusRunning {
		r.mu.Unlock()
		return Job{}, ErrJobRunning
	}

	job := &Job{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
		OutputDir:  filepath.Join(r.workspaceRoot, sessionID, "output"),
		ImageCount: len(images),
	}
	r.jobs[sessionID] = job
	// 返すコピーはロック内で取る。起動後は run が同じJobを更新する
	started := *job
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, sessionID, images)

	log.Info().Str("session_id", sessionID).Str("job_id", started.ID).
		Int("images", len(images)).Msg("再構成ジョブを開始しました")

	return started, nil
}

// JobStatus はジョブの現在の状態を返す
func (r *Runner) JobStatus(sessionID string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[sessionID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Wait は実行中の全ジョブの終了を待つ（シャットダウン用）
func (r *Runner) Wait() {
	r.wg.Wait()
}

// run はパイプライン全体を実行する
func (r *Runner) run(ctx context.Context, sessionID string, images []string) {
	defer r.wg.Done()

	workspace := filepath.Join(r.workspaceRoot, sessionID, "colmap_ws")
	outputDir := filepath.Join(r.workspaceRoot, sessionID, "output")
	snapshotDir := filepath.Join(r.workspaceRoot, sessionID, "snapshots")

	// 途中結果のスナップショットをベストエフォートで取り続ける
	stopSnapshot := make(chan struct{})
	var snapWG sync.WaitGroup
	snapWG.Add(1)
	go r.snapshotLoop(outputDir, snapshotDir, stopSnapshot, &snapWG)

	err := r.runPipeline(ctx, sessionID, workspace, outputDir, images)

	close(stopSnapshot)
	snapWG.Wait()

	r.mu.Lock()
	job := r.jobs[sessionID]
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
	}
	r.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("再構成ジョブが失敗しました")
	} else {
		log.Info().Str("session_id", sessionID).Str("output", outputDir).
			Msg("再構成ジョブが完了しました")
	}
}

// runPipeline はCOLMAPとLichtFeld-Studioを順に実行する
func (r *Runner) runPipeline(ctx context.Context, sessionID, workspace, outputDir string, images []string) error {
	for _, dir := range []string{workspace, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("作業ディレクトリの作成に失敗: %w", err)
		}
	}

	imagesDir := r.layout.ImagesDir(sessionID)

	// COLMAP による再構成
	cmd := exec.CommandContext(ctx, r.colmapCmd,
		"automatic_reconstructor",
		"--image_path", imagesDir,
		"--workspace_path", workspace,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("COLMAPの実行に失敗: %w (output: %s)", err, string(output))
	}

	// LichtFeld-Studio は作業ディレクトリ内の images/ を参照する
	if err := r.copyImagesToWorkspace(images, filepath.Join(workspace, "images")); err != nil {
		return fmt.Errorf("作業ディレクトリへの画像コピーに失敗: %w", err)
	}

	cmd = exec.CommandContext(ctx, r.lichtfeldCmd,
		"-d", workspace,
		"-o", outputDir,
	)
	output, err = cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("LichtFeld-Studioの実行に失敗: %w (output: %s)", err, string(output))
	}

	return nil
}

// copyImagesToWorkspace はセッションの画像を作業ディレクトリへコピーする
func (r *Runner) copyImagesToWorkspace(images []string, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	for _, src := range images {
		if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			return err
		}
	}

	return nil
}

// snapshotLoop は実行中の途中結果を定期的に退避する
// 個々の失敗はログに記録して継続する
func (r *Runner) snapshotLoop(outputDir, snapshotDir string, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	if r.snapshotInterval <= 0 {
		return
	}

	ticker := time.NewTicker(r.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := copyDir(outputDir, filepath.Join(snapshotDir, "latest")); err != nil {
				log.Debug().Err(err).Msg("途中結果のスナップショットに失敗しました")
			}
		}
	}
}

// copyDir はディレクトリ直下のファイルをコピーする
func copyDir(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
			return err
		}
	}

	return nil
}

// copyFile はファイルを1つコピーする
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
