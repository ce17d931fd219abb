// Package logging provides structured logging for tapstack.
package logging

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Config holds logging configuration.
type Config struct {
	Level      string `yaml:"level" json:"level"`             // debug, info, warn, error
	Format     string `yaml:"format" json:"format"`           // json, text, color
	Output     string `yaml:"output" json:"output"`           // stdout, stderr, or file path
	TimeFormat string `yaml:"time_format" json:"time_format"` // empty keeps slog's default
}

// DefaultConfig returns the default logging configuration.
// Logs go to stderr so that ctl output on stdout stays machine readable.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		Output:     "stderr",
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Validate checks the level and format without opening any output.
func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	_, err := newHandler(c.Format, io.Discard, nil)
	return err
}

// global is the process-wide logger and the file it writes to, if any.
var global = struct {
	sync.RWMutex
	logger *slog.Logger
	file   *os.File
}{
	logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
}

// Setup replaces the process-wide logger. A previously opened log file is
// closed once the new logger is in place.
func Setup(cfg Config) error {
	w, f, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}

	logger, err := New(cfg, w)
	if err != nil {
		if f != nil {
			f.Close()
		}
		return err
	}

	global.Lock()
	old := global.file
	global.logger, global.file = logger, f
	global.Unlock()

	slog.SetDefault(logger)
	if old != nil {
		old.Close()
	}
	return nil
}

// Close closes the log file opened by Setup, if any. Later records go to
// stderr.
func Close() error {
	global.Lock()
	defer global.Unlock()

	if global.file == nil {
		return nil
	}
	err := global.file.Close()
	global.file = nil
	global.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(global.logger)
	return err
}

// New builds a logger writing to w without touching the process-wide default.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(cfg.Format, "color") {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: cfg.TimeFormat,
			NoColor:    !colorable(w),
		})), nil
	}

	opts := &slog.HandlerOptions{Level: level}
	if layout := cfg.TimeFormat; layout != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				return slog.String(slog.TimeKey, a.Value.Time().Format(layout))
			}
			return a
		}
	}

	h, err := newHandler(cfg.Format, w, opts)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

// colorable reports whether w may receive ANSI colors: any writer that is not
// a file, or a file attached to a terminal.
func colorable(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // G115: fd fits in int
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text", "":
		return slog.NewTextHandler(w, opts), nil
	case "color":
		return tint.NewHandler(w, nil), nil
	}
	return nil, fmt.Errorf("unknown log format: %s", format)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
}

// openOutput resolves an output name to a writer. The file is returned too
// when one was opened.
func openOutput(output string) (io.Writer, *os.File, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr", "":
		return os.Stderr, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil { //nolint:gosec // G301: log directory is not secret
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G302: log files are shared with operators
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}

// Default returns the process-wide logger.
func Default() *slog.Logger {
	global.RLock()
	defer global.RUnlock()
	return global.logger
}

// WithComponent returns the process-wide logger tagged with component.
func WithComponent(component string) *slog.Logger {
	return Default().With("component", component)
}

// Component derives a component logger from parent, falling back to the
// process-wide logger when parent is nil.
func Component(parent *slog.Logger, component string) *slog.Logger {
	if parent == nil {
		return WithComponent(component)
	}
	return parent.With("component", component)
}

// Info logs at info level on the process-wide logger.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// MaxDumpBytes caps the bytes rendered by Hex.
const MaxDumpBytes = 64

type hexDump []byte

func (h hexDump) LogValue() slog.Value {
	if len(h) <= MaxDumpBytes {
		return slog.StringValue(hex.EncodeToString(h))
	}
	return slog.StringValue(fmt.Sprintf("%s...(%d bytes)", hex.EncodeToString(h[:MaxDumpBytes]), len(h)))
}

// Hex returns an attribute rendering the leading bytes of b in hex. The
// encoding is done only when the record is actually emitted.
func Hex(key string, b []byte) slog.Attr {
	return slog.Any(key, hexDump(b))
}
