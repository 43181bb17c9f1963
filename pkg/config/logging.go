package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogWriter returns where operational logs go: a rotating file when
// File is set, otherwise fallback. The returned closer releases the file.
func (l LogConfig) LogWriter(fallback io.Writer) (io.Writer, io.Closer, error) {
	if l.File == "" {
		return fallback, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
	return rotator, rotator, nil
}

// NewLogger builds the operational logger writing text records to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
