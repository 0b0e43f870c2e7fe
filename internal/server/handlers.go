package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"hyakume/internal/dispatch"
	"hyakume/internal/ingest"
	"hyakume/internal/reconstruct"
	"hyakume/internal/session"
	"hyakume/internal/token"
)

// isSafeID はパス要素として使われる識別子を検査する
// ディレクトリトラバーサルを防ぐため、区切り文字や相対参照を拒否する
func isSafeID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

// handleHealthz はヘルスチェックエンドポイントの実装
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.now().Format(time.RFC3339),
	})
}

// handleTime はサーバー時刻を返す
// デバイスは撮影予定時刻との差分計算にこの値を使う
func (s *Server) handleTime(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server_time_ms": s.now().UnixMilli(),
	})
}

// handleRegister はデバイスの登録エンドポイントの実装
func (s *Server) handleRegister(c *gin.Context) {
	cameraID := c.PostForm("camera_id")
	if !isSafeID(cameraID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "camera_idが不正です"})
		return
	}

	s.deps.Registry.RecordContact(cameraID, c.PostForm("firmware"))

	c.JSON(http.StatusOK, gin.H{
		"status":         "registered",
		"camera_id":      cameraID,
		"server_time_ms": s.now().UnixMilli(),
	})
}

// handleHeartbeat はデバイスの生存確認エンドポイントの実装
// 保留中の撮影コマンドがあれば1件取り出して返す
func (s *Server) handleHeartbeat(c *gin.Context) {
	cameraID := c.PostForm("camera_id")
	if !isSafeID(cameraID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "camera_idが不正です"})
		return
	}

	s.deps.Registry.RecordContact(cameraID, "")

	var command any
	if cmd, ok := s.deps.Pending.Pop(cameraID); ok {
		command = cmd
	}

	c.JSON(http.StatusOK, gin.H{
		"server_time_ms": s.now().UnixMilli(),
		"command":        command,
	})
}

// handleUpload は画像アップロードエンドポイントの実装
func (s *Server) handleUpload(c *gin.Context) {
	sessionID := c.PostForm("session_id")
	cameraID := c.PostForm("camera_id")
	uploadToken := c.PostForm("token")
	if uploadToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tokenが必要です"})
		return
	}
	// 両方の識別子は保存先のパス要素になる
	if !isSafeID(sessionID) || !isSafeID(cameraID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_idまたはcamera_idが不正です"})
		return
	}

	// デバイス申告の撮影時刻（任意）
	var tsMS int64
	if v := c.PostForm("ts_ms"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ts_msを解析できません"})
			return
		}
		tsMS = parsed
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileが必要です"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ファイルを開けません"})
		return
	}
	defer file.Close()

	result, err := s.deps.Ingestor.Ingest(ingest.Request{
		SessionID:   sessionID,
		DeviceID:    cameraID,
		Token:       uploadToken,
		Body:        file,
		TimestampMS: tsMS,
	})
	if err != nil {
		switch {
		case errors.Is(err, token.ErrMalformedToken):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, token.ErrTokenMismatch), errors.Is(err, token.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrUnknownSession):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アップロードの保存に失敗しました"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"stored_as": result.StoredAs,
		"sha256":    result.SHA256,
		"size":      result.Size,
	})
}

// handleTrigger は撮影トリガーエンドポイントの実装
func (s *Server) handleTrigger(c *gin.Context) {
	sessionID := c.PostForm("session_id")
	if sessionID != "" && !isSafeID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_idが不正です"})
		return
	}

	req := dispatch.Request{
		SessionID: sessionID,
		Metadata: session.Metadata{
			PatientID:     c.PostForm("patient_id"),
			WoundLocation: c.PostForm("wound_location"),
			Operator:      c.PostForm("operator"),
			Notes:         c.PostForm("notes"),
		},
	}

	// 対象デバイスの明示指定（任意）
	if csv := c.PostForm("cameras_csv"); csv != "" {
		for _, id := range strings.Split(csv, ",") {
			if id = strings.TrimSpace(id); id != "" {
				if !isSafeID(id) {
					c.JSON(http.StatusBadRequest, gin.H{"error": "cameras_csvに不正な識別子が含まれています"})
					return
				}
				req.Targets = append(req.Targets, id)
			}
		}
	}

	if v := c.PostForm("delay_ms"); v != "" {
		delayMS, err := strconv.ParseInt(v, 10, 64)
		if err != nil || delayMS < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "delay_msを解析できません"})
			return
		}
		req.Delay = time.Duration(delayMS) * time.Millisecond
	}

	result, err := s.deps.Dispatcher.StartSession(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNoTargets):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セッションの開始に失敗しました"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":       result.SessionID,
		"capture_at_ms":    result.CaptureAt.UnixMilli(),
		"targeted_cameras": result.Targets,
	})
}

// handleSessionStatus はセッション状態照会エンドポイントの実装
func (s *Server) handleSessionStatus(c *gin.Context) {
	status, err := s.deps.Store.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}

// handleCameras は既知デバイス一覧取得エンドポイントの実装
func (s *Server) handleCameras(c *gin.Context) {
	devices := s.deps.Registry.List()
	cameras := make([]gin.H, 0, len(devices))

	for _, d := range devices {
		entry := gin.H{
			"camera_id":    d.ID,
			"firmware":     d.Firmware,
			"last_contact": d.LastContact.Format(time.RFC3339),
		}
		if age, ok := s.deps.Registry.AgeOf(d.ID); ok {
			entry["age_sec"] = age.Seconds()
		}
		cameras = append(cameras, entry)
	}

	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// handleReconstructStart は再構成ジョブ開始エンドポイントの実装
func (s *Server) handleReconstructStart(c *gin.Context) {
	sessionID := c.Param("id")
	if !s.deps.Store.Has(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrUnknownSession.Error()})
		return
	}

	// 202応答後にリクエストコンテキストが取り消されてもジョブは継続する
	job, err := s.deps.Runner.StartJob(context.WithoutCancel(c.Request.Context()), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, reconstruct.ErrJobRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, reconstruct.ErrNoImages):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ジョブの開始に失敗しました"})
		}
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// handleReconstructStatus は再構成ジョブ状態照会エンドポイントの実装
func (s *Server) handleReconstructStatus(c *gin.Context) {
	job, ok := s.deps.Runner.JobStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "ジョブが存在しません"})
		return
	}

	c.JSON(http.StatusOK, job)
}
