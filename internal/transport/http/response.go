package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/pkg/logger"
)

type envelope map[string]any

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.FromContext(ctx).Error("write json response failed", "err", err)
	}
}

// writeError: единый формат ошибки; текст инфраструктурных ошибок не отдаём.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	msg := err.Error()
	if !domain.IsClientError(err) {
		msg = http.StatusText(status)
		logger.FromContext(ctx).Error("request failed", "err", err)
	}
	writeJSON(ctx, w, status, envelope{
		"error": envelope{
			"code":    domain.Code(err),
			"message": msg,
		},
	})
}
