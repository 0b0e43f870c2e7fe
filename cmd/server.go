// Package main はHyakumeサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hyakume/internal/config"
	"hyakume/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		host = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		help = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Hyakume")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// コンソール向けのログ出力を設定
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	// サーバーを作成
	srv, err := server.NewFromConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("サーバーの初期化に失敗しました")
	}

	// コンテキストを作成
	ctx := context.Background()

	// サーバーを起動
	log.Info().Str("addr", cfg.ServerAddress()).Msg("Hyakume サーバーを起動します")
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}
