package http

import (
	"context"
	"net/http"
	"time"

	httpmw "github.com/cwrk-planet/chat-service/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Handler        *Handler
	WS             http.HandlerFunc
	Auth           httpmw.Authenticator
	Ready          map[string]Pinger // postgres, redis
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmw.RequestID)
	r.Use(httpmw.RequestLogger)

	// WS: без таймаута и CORS, токен проверяет сам сервер
	r.Get("/ws", d.WS)

	r.Group(func(pr chi.Router) {
		pr.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{httpmw.HeaderRequestID},
			MaxAge:         300,
		}))
		pr.Use(httpmw.Auth(d.Auth))
		pr.Use(middleware.Timeout(30 * time.Second))

		pr.Get("/rooms/{id}/messages", d.Handler.GetHistory)
	})

	// health
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", readyHandler(d.Ready))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func readyHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(ctx, w, status, envelope{"checks": checks})
	}
}
