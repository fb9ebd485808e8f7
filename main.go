package main

import (
	"context"
	"log"

	"leancapture/internal/app"
	"leancapture/internal/config"
	"leancapture/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	logger := logging.Init(cfg.Log.Level, cfg.Log.Format)

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := a.Run(context.Background()); err != nil {
		log.Fatalf("サーバーの実行に失敗しました: %v", err)
	}
}
