package logger

import (
	"log/slog"
)

func newStdHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.level(),
		AddSource: cfg.AddSource,
	}
	// в stage/prod без zap всё равно пишем JSON, чтобы логи парсились
	if cfg.Env != EnvDev {
		return slog.NewJSONHandler(cfg.Out, opts)
	}
	return slog.NewTextHandler(cfg.Out, opts)
}
