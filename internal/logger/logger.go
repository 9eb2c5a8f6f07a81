// Package logger builds the daemon's structured logger. Output goes to a
// rotating file when a directory is configured, otherwise to stderr, which
// suits foreground runs and tests.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes the daemon log destination.
type Config struct {
	Dir        string // log directory; empty logs to stderr
	Level      string // debug, info, warn, error
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FilePath returns the daemon log file location, empty for stderr logging.
func (c Config) FilePath() string {
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, "sessiond.log")
}

// New builds the logger. The returned closer is non-nil only for file
// output and flushes the rotation handle on shutdown.
func New(c Config) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, err
		}
		ljw := &lj.Logger{
			Filename:   c.FilePath(),
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
		w = ljw
		closer = ljw
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(c.Level)})
	return slog.New(h), closer, nil
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
