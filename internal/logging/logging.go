// Package logging はアプリケーション全体の構造化ログを設定する
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel はレベル名を slog.Level に変換する
// 不明な値は info として扱う
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New は w に出力するロガーを作成する
// format が "json" の場合はJSON、それ以外はテキスト形式
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init は標準エラー出力へのロガーを作成し、slog のデフォルトに設定する
func Init(level, format string) *slog.Logger {
	logger := New(os.Stderr, level, format)
	slog.SetDefault(logger)
	return logger
}
