package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// NewInstanceID: hostname + короткий uuid, уникален для процесса.
func NewInstanceID() string {
	hn, err := os.Hostname()
	if err != nil || hn == "" {
		hn = "chat"
	}
	return hn + "-" + uuid.New().String()[:8]
}

func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}
	return NewInstanceID()
}

func commonAttrs(cfg Config) []slog.Attr {
	return []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	}
}
