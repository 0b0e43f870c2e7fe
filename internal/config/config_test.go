package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg == nil {
		t.Fatal("設定がnilです")
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}

	// 認証設定の検証
	if cfg.Auth.TokenSecret == "" {
		t.Error("トークン署名鍵が設定されていません")
	}
	if cfg.Auth.TokenTTL != 120*time.Second {
		t.Errorf("トークン有効期間のデフォルト値が不正: %v", cfg.Auth.TokenTTL)
	}

	// 配信設定の検証
	if cfg.Dispatch.FloorDelay != 100*time.Millisecond {
		t.Errorf("最小遅延のデフォルト値が不正: %v", cfg.Dispatch.FloorDelay)
	}
	if cfg.Dispatch.DefaultDelay != 300*time.Millisecond {
		t.Errorf("標準遅延のデフォルト値が不正: %v", cfg.Dispatch.DefaultDelay)
	}

	// 保持上限の検証
	if cfg.Retention.MaxSessions <= 0 {
		t.Error("セッション保持上限が設定されていません")
	}
}

// TestConfigLoadEnvOverride は環境変数による上書きをテストする
func TestConfigLoadEnvOverride(t *testing.T) {
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("TOKEN_TTL_SEC", "60")
	t.Setenv("STORAGE_ROOT", "/tmp/hyakume-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("ホストが上書きされていません: %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("ポートが上書きされていません: %d", cfg.Server.Port)
	}
	if cfg.Auth.TokenTTL != 60*time.Second {
		t.Errorf("トークン有効期間が上書きされていません: %v", cfg.Auth.TokenTTL)
	}
	if cfg.Storage.Root != "/tmp/hyakume-test" {
		t.Errorf("ストレージルートが上書きされていません: %s", cfg.Storage.Root)
	}
}

// TestConfigLoadTOMLFile はTOMLファイルからの読み込みをテストする
func TestConfigLoadTOMLFile(t *testing.T) {
	content := `
[server]
host = "192.168.1.10"
port = 8888

[dispatch.nats]
enabled = true
prefix = "hyakume.rig99"

[retention]
max_sessions = 10
max_devices = 16
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}
	t.Setenv("HYAKUME_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "192.168.1.10" {
		t.Errorf("ホストが読み込まれていません: %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("ポートが読み込まれていません: %d", cfg.Server.Port)
	}
	if !cfg.Dispatch.NATS.Enabled {
		t.Error("NATS有効フラグが読み込まれていません")
	}
	if cfg.Dispatch.NATS.Prefix != "hyakume.rig99" {
		t.Errorf("NATSプレフィックスが読み込まれていません: %s", cfg.Dispatch.NATS.Prefix)
	}
	if cfg.Retention.MaxSessions != 10 {
		t.Errorf("セッション保持上限が読み込まれていません: %d", cfg.Retention.MaxSessions)
	}

	// ファイルで指定していない項目はデフォルト値のまま
	if cfg.Auth.TokenTTL != 120*time.Second {
		t.Errorf("未指定項目がデフォルト値ではありません: %v", cfg.Auth.TokenTTL)
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			mutate:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			expectErr: true,
		},
		{
			name:      "トークン署名鍵が空",
			mutate:    func(c *Config) { c.Auth.TokenSecret = "" },
			expectErr: true,
		},
		{
			name:      "トークン有効期間が0",
			mutate:    func(c *Config) { c.Auth.TokenTTL = 0 },
			expectErr: true,
		},
		{
			name:      "ストレージルートが空",
			mutate:    func(c *Config) { c.Storage.Root = "" },
			expectErr: true,
		},
		{
			name:      "セッション保持上限が0",
			mutate:    func(c *Config) { c.Retention.MaxSessions = 0 },
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラー: %v", err)
			}
		})
	}
}

// TestServerAddress はリッスンアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 8080

	if got := cfg.ServerAddress(); got != "localhost:8080" {
		t.Errorf("予期しないアドレス: %s", got)
	}
}
