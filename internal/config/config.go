package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"leancapture/internal/camera"
)

// 設定ファイルのパスを指定する環境変数
const EnvConfigPath = "LEANCAPTURE_CONFIG"

// キャプチャのバックエンド
const (
	BackendFFmpeg = "ffmpeg"
	BackendMock   = "mock"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Capture CaptureConfig `yaml:"capture"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの待ち時間
}

// CaptureConfig はキャプチャ関連の設定
type CaptureConfig struct {
	Backend string `yaml:"backend"` // "ffmpeg" または "mock"

	Width  int `yaml:"width"`  // 画像幅
	Height int `yaml:"height"` // 画像高さ
	FPS    int `yaml:"fps"`    // フレームレート (fps)

	FFmpegPath string `yaml:"ffmpeg_path"`
	Display    string `yaml:"display"` // X11 ディスプレイ。空の場合は $DISPLAY

	// デバイスの抜き差しを検出する間隔。0 で無効
	ScanInterval time.Duration `yaml:"scan_interval"`

	// mock バックエンドのデバイス数とフレーム間隔
	MockDevices int           `yaml:"mock_devices"`
	MockPeriod  time.Duration `yaml:"mock_period"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig は一時的な読み取り失敗の再試行設定
type RetryConfig struct {
	AutoRetry  bool          `yaml:"auto_retry"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Policy はReader用の再試行方針に変換する
func (r RetryConfig) Policy() camera.RetryPolicy {
	return camera.RetryPolicy{
		AutoRetry:  r.AutoRetry,
		MaxRetries: r.MaxRetries,
		BaseDelay:  r.BaseDelay,
		MaxDelay:   r.MaxDelay,
	}
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text または json
}

// Default はデフォルト設定を返す
func Default() *Config {
	retry := camera.DefaultRetryPolicy()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			Backend:      BackendFFmpeg,
			Width:        640,
			Height:       480,
			FPS:          15,
			FFmpegPath:   "ffmpeg",
			ScanInterval: 2 * time.Second,
			MockDevices:  2,
			MockPeriod:   66 * time.Millisecond,
			Retry: RetryConfig{
				AutoRetry:  retry.AutoRetry,
				MaxRetries: retry.MaxRetries,
				BaseDelay:  retry.BaseDelay,
				MaxDelay:   retry.MaxDelay,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、設定ファイル、環境変数の順に上書きして検証する
// path が空の場合は LEANCAPTURE_CONFIG を参照し、それも空ならファイルは読まない
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// LoadFile はYAMLファイルの内容で設定を上書きする
// ファイルに書かれていない項目は現在の値のまま残る
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Capture.Backend = getEnvOrDefault("CAPTURE_BACKEND", c.Capture.Backend)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("タイムアウトに負の値は指定できません")
	}

	// キャプチャ設定の検証
	switch c.Capture.Backend {
	case BackendFFmpeg, BackendMock:
	default:
		return fmt.Errorf("不明なキャプチャバックエンド: %q", c.Capture.Backend)
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Capture.Width, c.Capture.Height)
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 120 {
		return fmt.Errorf("無効なフレームレート: %d", c.Capture.FPS)
	}
	if c.Capture.ScanInterval < 0 {
		return fmt.Errorf("スキャン間隔に負の値は指定できません: %v", c.Capture.ScanInterval)
	}
	if c.Capture.Backend == BackendMock && c.Capture.MockPeriod <= 0 {
		return fmt.Errorf("mock_period は正の値が必要です: %v", c.Capture.MockPeriod)
	}

	// 再試行設定の検証
	retry := c.Capture.Retry
	if retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries に負の値は指定できません: %d", retry.MaxRetries)
	}
	if retry.BaseDelay < 0 || retry.MaxDelay < 0 {
		return fmt.Errorf("再試行の待ち時間に負の値は指定できません")
	}
	if retry.MaxDelay > 0 && retry.BaseDelay > retry.MaxDelay {
		return fmt.Errorf("base_delay (%v) が max_delay (%v) を超えています", retry.BaseDelay, retry.MaxDelay)
	}

	// ログ設定の検証
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("不明なログレベル: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("不明なログ形式: %q", c.Log.Format)
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
