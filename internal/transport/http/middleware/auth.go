package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/pkg/logger"
)

type Authenticator interface {
	Authenticate(token string) (domain.UserID, error)
}

// Auth требует валидный Bearer-токен; user id берётся только из него.
func Auth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") || len(h) <= len("Bearer ") {
				unauthorized(w, "missing bearer token")
				return
			}
			uid, err := auth.Authenticate(strings.TrimSpace(h[len("Bearer "):]))
			if err != nil {
				logger.FromContext(r.Context()).Info("http auth failed", "err", err)
				unauthorized(w, "invalid access token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUserID, uid)
			ctx = logger.WithContext(ctx, logger.FromContext(r.Context()).With("user_id", int64(uid)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserIDFromCtx(ctx context.Context) (domain.UserID, bool) {
	uid, ok := ctx.Value(ctxKeyUserID).(domain.UserID)
	return uid, ok && uid > 0
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + msg + `"}}`))
}
