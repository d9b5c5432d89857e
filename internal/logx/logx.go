package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how verbosely the CLI logs.
// Stdout carries result envelopes, so logs always go to a rotated file.
type Options struct {
	Path       string
	Level      string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

func New(opts Options) (*zap.Logger, error) {
	if strings.TrimSpace(opts.Path) == "" || strings.EqualFold(opts.Level, "off") {
		return zap.NewNop(), nil
	}
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 20
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 14
	}
	sink := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxAge:     opts.MaxAgeDays,
		MaxBackups: opts.MaxBackups,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), level)
	return zap.New(core), nil
}

func parseLevel(v string) (zapcore.Level, error) {
	if strings.TrimSpace(v) == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(v)))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", v, err)
	}
	return level, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
