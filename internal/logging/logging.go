// Package logging builds the structured log/slog logger used by the CLI.
//
// Every record carries "service" and "environment" attributes. The file
// destination writes to <log_dir>/glue_etl.log and rotates through
// lumberjack.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rama83/GluwETL2/internal/config"
)

// Service is the value of the "service" attribute.
const Service = "glue-etl"

// FileName is the log file created under Options.LogDir.
const FileName = "glue_etl.log"

// Destinations.
const (
	DestinationConsole = "console"
	DestinationFile    = "file"
)

// Options configures New.
type Options struct {
	// Level is debug, info, warn or error. Default: info.
	Level string

	// Format is json or text. Default: json.
	Format string

	// Destination is console or file. Default: console.
	Destination string

	LogDir      string
	MaxSizeMB   int
	MaxBackups  int
	Environment string

	// Writer overrides the console destination. Used by tests.
	Writer io.Writer
}

// Logger is a slog.Logger with the writer it owns.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// New builds a logger from opts.
func New(opts Options) (*Logger, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if opts.Writer != nil {
		w = opts.Writer
	}

	switch strings.ToLower(opts.Destination) {
	case "", DestinationConsole:
	case DestinationFile:
		dir := opts.LogDir
		if dir == "" {
			dir = "logs"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: creating %s: %w", dir, err)
		}
		lj := &lumberjack.Logger{
			Filename:   filepath.Join(dir, FileName),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		w, closer = lj, lj
	default:
		return nil, fmt.Errorf("logging: unknown destination %q", opts.Destination)
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	case "text", "console":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	env := opts.Environment
	if env == "" {
		env = "development"
	}
	logger := slog.New(handler).With(
		slog.String("service", Service),
		slog.String("environment", env),
	)
	return &Logger{Logger: logger, closer: closer}, nil
}

// FromConfig builds a logger from the logging.* keys.
func FromConfig(cfg *config.Config) (*Logger, error) {
	return New(Options{
		Level:       cfg.GetString("logging.level"),
		Format:      cfg.GetString("logging.format"),
		Destination: cfg.GetString("logging.destination"),
		LogDir:      cfg.GetString("logging.local.log_dir"),
		MaxSizeMB:   cfg.GetInt("logging.local.max_size_mb"),
		MaxBackups:  cfg.GetInt("logging.local.backup_count"),
		Environment: cfg.GetString("environment"),
	})
}

// ParseLevel converts a level name to slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns logger with extra attributes, falling back to slog.Default.
func With(logger *slog.Logger, args ...any) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(args...)
}

type loggerKey struct{}

// NewContext returns ctx carrying logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
