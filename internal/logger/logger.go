package logger

import (
	"io"
	"log/slog"
	"os"
)

type Config struct {
	Level  slog.Level
	Format string
	Output io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

func Init(cfg Config) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// ForComponent returns a logger tagged with the owning subsystem name.
func ForComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
