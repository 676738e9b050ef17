package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fairyhunter13/steam-market-monitor/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields. When
// LogDir is set the stream is additionally written to <dir>/<service>.log so
// operators without a log shipper still get history.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	var w io.Writer = os.Stdout
	if cfg.LogDir != "" {
		if f, err := openLogFile(cfg.LogDir, cfg.OTELServiceName); err == nil {
			w = io.MultiWriter(os.Stdout, f)
		} else {
			slog.Warn("log dir unavailable, logging to stdout only", slog.Any("error", err))
		}
	}
	h := slog.NewJSONHandler(w, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, service+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
