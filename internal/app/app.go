// Package app はキャプチャ層とHTTPサーバーを組み立てて起動する
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"leancapture/internal/camera"
	"leancapture/internal/config"
	"leancapture/internal/preview"
	"leancapture/internal/server"
)

// App は起動中のアプリケーション一式
type App struct {
	config  *config.Config
	logger  *slog.Logger
	manager *camera.Manager
	hub     *preview.Hub
	server  *server.Server
}

// New は設定に従ってプラットフォームを起動し、サーバーを作成する
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	manager := camera.NewManager(NewPlatform(cfg, logger), logger)
	manager.SetScanInterval(cfg.Capture.ScanInterval)
	if err := manager.Start(); err != nil {
		return nil, fmt.Errorf("キャプチャの初期化に失敗: %w", err)
	}

	retry := cfg.Capture.Retry.Policy()
	hub := preview.NewHub(manager, preview.HubOptions{
		Retry:  &retry,
		Logger: logger,
	})

	return &App{
		config:  cfg,
		logger:  logger,
		manager: manager,
		hub:     hub,
		server:  server.New(cfg, manager, hub, logger),
	}, nil
}

// NewPlatform は設定されたバックエンドのPlatformを作成する
func NewPlatform(cfg *config.Config, logger *slog.Logger) camera.Platform {
	capture := cfg.Capture
	if capture.Backend == config.BackendMock {
		platform := camera.NewMockPlatform(mockDevices(capture.MockDevices)...)
		platform.SetAutoComplete(capture.MockPeriod, capture.Width, capture.Height)
		return platform
	}

	return camera.NewFFmpegPlatform(camera.FFmpegOptions{
		FFmpegPath: capture.FFmpegPath,
		Width:      capture.Width,
		Height:     capture.Height,
		FPS:        capture.FPS,
		Display:    capture.Display,
		Logger:     logger,
	})
}

func mockDevices(n int) []camera.Device {
	devices := make([]camera.Device, 0, n)
	for i := 0; i < n; i++ {
		devices = append(devices, camera.Device{
			Name:         fmt.Sprintf("テストパターン %d", i),
			SymbolicLink: fmt.Sprintf("mock:cam%d", i),
		})
	}
	return devices
}

// Run はサーバーを起動し、停止後にすべてのセッションとプラットフォームを閉じる
func (a *App) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	serveErr := a.server.Start(ctx)
	return errors.Join(serveErr, a.Close())
}

// Close はセッションを閉じてからプラットフォームを停止する
func (a *App) Close() error {
	var errs []error
	if err := a.hub.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("セッションのクローズに失敗: %w", err))
	}
	if err := a.manager.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("キャプチャの停止に失敗: %w", err))
	}
	return errors.Join(errs...)
}

// Handler はテストなどでサーバーを起動せずに使うHTTPハンドラを返す
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}
