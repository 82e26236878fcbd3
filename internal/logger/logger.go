// Package logger sets up a per-run log session: a timestamped directory
// holding debug.log, info.log and error.log, plus a colored console
// writer, all fed by one zerolog.Logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bt-harness/internal/config"
)

// DirLayout is the time layout of session directory names.
const DirLayout = "2006_01_02_15_04_05"

// Session owns the log files of one harness run. Other components place
// their own artifacts (daemon output, HCI captures, traces) in Dir.
type Session struct {
	Dir    string
	Logger zerolog.Logger

	files []*os.File
}

// NewSession creates <cfg.Root>/<timestamp>_logs and a logger writing to it.
func NewSession(cfg config.LogConfig) (*Session, error) {
	return newSession(cfg, time.Now(), os.Stdout)
}

func newSession(cfg config.LogConfig, now time.Time, console io.Writer) (*Session, error) {
	dir := filepath.Join(cfg.Root, now.Format(DirLayout)+"_logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: create session dir: %w", err)
	}

	s := &Session{Dir: dir}
	var writers []io.Writer
	for _, lf := range []struct {
		name  string
		level zerolog.Level
	}{
		{"debug.log", zerolog.DebugLevel},
		{"info.log", zerolog.InfoLevel},
		{"error.log", zerolog.ErrorLevel},
	} {
		f, err := os.OpenFile(filepath.Join(dir, lf.name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("logger: open %s: %w", lf.name, err)
		}
		s.files = append(s.files, f)
		writers = append(writers, &levelFilter{w: f, min: lf.level})
	}

	if cfg.Console && console != nil {
		cw := zerolog.ConsoleWriter{Out: console, NoColor: cfg.NoColor, TimeFormat: "15:04:05.000"}
		writers = append(writers, &levelFilter{w: cw, min: parseLevel(cfg.Level)})
	}

	s.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.DebugLevel).
		With().Timestamp().Caller().Logger()
	return s, nil
}

// Path returns name joined to the session directory.
func (s *Session) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Close flushes and closes the session's log files.
func (s *Session) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.files = nil
	return first
}

// levelFilter drops records below min.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *levelFilter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
