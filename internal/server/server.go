package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"hyakume/internal/config"
	"hyakume/internal/dispatch"
	"hyakume/internal/ingest"
	"hyakume/internal/reconstruct"
	"hyakume/internal/registry"
	"hyakume/internal/session"
)

// Deps はサーバーが依存するコンポーネントの束
type Deps struct {
	Registry   *registry.Registry
	Store      *session.Store
	Dispatcher *dispatch.Dispatcher
	Pending    *dispatch.PendingQueue
	Ingestor   *ingest.Ingestor
	Runner     *reconstruct.Runner
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server

	now func() time.Time // テストで差し替え可能な時計
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config: cfg,
		deps:   deps,
		engine: engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		now: time.Now,
	}
	s.setupRoutes()

	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// 認証不要のエンドポイント
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/time", s.handleTime)

	// デバイス向けエンドポイント
	device := s.engine.Group("/", bearerAuth(s.config.Auth.DeviceBearer))
	device.POST("/register", s.handleRegister)
	device.POST("/heartbeat", s.handleHeartbeat)
	device.POST("/upload", s.handleUpload)

	// 操作者向けエンドポイント
	admin := s.engine.Group("/", bearerAuth(s.config.Auth.AdminBearer))
	admin.POST("/trigger", s.handleTrigger)
	admin.GET("/sessions/:id/status", s.handleSessionStatus)
	admin.GET("/api/cameras", s.handleCameras)
	admin.POST("/api/sessions/:id/reconstruct", s.handleReconstructStart)
	admin.GET("/api/sessions/:id/reconstruct", s.handleReconstructStatus)
}

// bearerAuth は共有クレデンシャルを検査するミドルウェア
// 比較は定数時間で行い、タイミングによる漏えいを防ぐ
func bearerAuth(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		credential, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(credential), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証に失敗しました"})
			return
		}

		c.Next()
	}
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Info().Str("addr", s.config.ServerAddress()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Info().Msg("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("シグナルを受信しました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Info().Msg("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	// 実行中の再構成ジョブの終了を待つ
	if s.deps.Runner != nil {
		s.deps.Runner.Wait()
	}

	log.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}
