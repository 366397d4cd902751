// Package logger builds the zap loggers used by the commands.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger. mode "prod"/"production" emits JSON; anything else
// uses the human-readable development encoder. level defaults to info.
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Secret logs a credential as its length and last four characters.
func Secret(key, value string) zap.Field {
	if value == "" {
		return zap.String(key, "")
	}
	r := []rune(value)
	if len(r) <= 4 {
		return zap.String(key, "[REDACTED]")
	}
	return zap.String(key, fmt.Sprintf("[REDACTED …%s]", string(r[len(r)-4:])))
}
