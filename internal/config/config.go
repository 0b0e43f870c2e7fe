package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Storage     StorageConfig     `toml:"storage"`
	Dispatch    DispatchConfig    `toml:"dispatch"`
	Retention   RetentionConfig   `toml:"retention"`
	Reconstruct ReconstructConfig `toml:"reconstruct"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `toml:"host"` // リッスンするホスト
	Port int    `toml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `toml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `toml:"write_timeout"` // 書き込みタイムアウト
}

// AuthConfig は認証関連の設定
type AuthConfig struct {
	AdminBearer  string `toml:"admin_bearer"`  // 操作者向けエンドポイントの共有クレデンシャル
	DeviceBearer string `toml:"device_bearer"` // デバイス向けエンドポイントの共有クレデンシャル

	// アップロードトークンの署名鍵。デバイスクレデンシャルとは別の鍵を使う
	TokenSecret string        `toml:"token_secret"`
	TokenTTL    time.Duration `toml:"token_ttl"` // トークンの有効期間
}

// StorageConfig は画像保存先の設定
type StorageConfig struct {
	Root string `toml:"root"` // セッションディレクトリのルート
}

// DispatchConfig は撮影コマンド配信の設定
type DispatchConfig struct {
	DefaultDelay time.Duration `toml:"default_delay"` // 撮影時刻までの標準遅延
	FloorDelay   time.Duration `toml:"floor_delay"`   // コマンド到達を保証する最小遅延

	NATS NATSConfig `toml:"nats"`
}

// NATSConfig はプッシュ配信（NATS）の設定
type NATSConfig struct {
	Enabled bool   `toml:"enabled"` // プッシュ配信の有効/無効
	URL     string `toml:"url"`     // ブローカーURL
	Prefix  string `toml:"prefix"`  // サブジェクトのプレフィックス (例: hyakume.rig01)
}

// RetentionConfig は保持上限の設定
// セッションとデバイスが無制限に増えないよう件数上限を明示する
type RetentionConfig struct {
	MaxSessions int `toml:"max_sessions"` // 保持するセッション数の上限
	MaxDevices  int `toml:"max_devices"`  // 保持するデバイス数の上限
}

// ReconstructConfig は3D再構成ジョブの設定
type ReconstructConfig struct {
	ColmapCmd        string        `toml:"colmap_cmd"`        // COLMAPコマンドのパス
	LichtfeldCmd     string        `toml:"lichtfeld_cmd"`     // LichtFeld-Studioコマンドのパス
	WorkspaceRoot    string        `toml:"workspace_root"`    // ジョブ作業ディレクトリのルート
	SnapshotInterval time.Duration `toml:"snapshot_interval"` // 途中結果スナップショットの間隔
}

// Load は設定を読み込む
// デフォルト値 -> TOMLファイル (HYAKUME_CONFIG) -> 環境変数 の順で上書きする
func Load() (*Config, error) {
	cfg := Default()

	// 設定ファイルがあれば読み込む
	if path := os.Getenv("HYAKUME_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	// 環境変数で上書き
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Auth.AdminBearer = getEnvOrDefault("ADMIN_BEARER", cfg.Auth.AdminBearer)
	cfg.Auth.DeviceBearer = getEnvOrDefault("DEVICE_BEARER", cfg.Auth.DeviceBearer)
	cfg.Auth.TokenSecret = getEnvOrDefault("TOKEN_SECRET", cfg.Auth.TokenSecret)
	cfg.Storage.Root = getEnvOrDefault("STORAGE_ROOT", cfg.Storage.Root)
	cfg.Dispatch.NATS.URL = getEnvOrDefault("NATS_URL", cfg.Dispatch.NATS.URL)

	if ttl := getEnvAsIntOrDefault("TOKEN_TTL_SEC", 0); ttl > 0 {
		cfg.Auth.TokenTTL = time.Duration(ttl) * time.Second
	}
	if delay := getEnvAsIntOrDefault("DEFAULT_TRIGGER_DELAY_MS", 0); delay > 0 {
		cfg.Dispatch.DefaultDelay = time.Duration(delay) * time.Millisecond
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			AdminBearer:  "change-me-admin",
			DeviceBearer: "change-me-device",
			TokenSecret:  "change-me-token-secret",
			TokenTTL:     120 * time.Second,
		},
		Storage: StorageConfig{
			Root: "data/uploads",
		},
		Dispatch: DispatchConfig{
			DefaultDelay: 300 * time.Millisecond,
			FloorDelay:   100 * time.Millisecond,
			NATS: NATSConfig{
				Enabled: false,
				URL:     "nats://127.0.0.1:4222",
				Prefix:  "hyakume.rig01",
			},
		},
		Retention: RetentionConfig{
			MaxSessions: 100,
			MaxDevices:  256,
		},
		Reconstruct: ReconstructConfig{
			ColmapCmd:        "colmap",
			LichtfeldCmd:     "LichtFeld-Studio",
			WorkspaceRoot:    "data/reconstruct",
			SnapshotInterval: 30 * time.Second,
		},
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("トークン署名鍵が設定されていません")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("無効なトークン有効期間: %v", c.Auth.TokenTTL)
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("ストレージルートが設定されていません")
	}

	if c.Dispatch.FloorDelay <= 0 {
		return fmt.Errorf("無効な最小遅延: %v", c.Dispatch.FloorDelay)
	}

	if c.Retention.MaxSessions < 1 {
		return fmt.Errorf("無効なセッション保持上限: %d", c.Retention.MaxSessions)
	}
	if c.Retention.MaxDevices < 1 {
		return fmt.Errorf("無効なデバイス保持上限: %d", c.Retention.MaxDevices)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
