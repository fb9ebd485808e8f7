// Package main はleancaptureサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"leancapture/internal/app"
	"leancapture/internal/config"
	"leancapture/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: $"+config.EnvConfigPath+")")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		backend    = flag.String("backend", "", "キャプチャのバックエンド: ffmpeg または mock")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("leancapture")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Capture.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("オプションが不正です: %v", err)
	}

	logger := logging.Init(cfg.Log.Level, cfg.Log.Format)

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	logger.Info("leancapture サーバーを起動します", "addr", cfg.ServerAddress(), "backend", cfg.Capture.Backend)
	if err := a.Run(context.Background()); err != nil {
		log.Fatalf("サーバーの実行に失敗しました: %v", err)
	}
}
