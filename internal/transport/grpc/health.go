package grpcx

import (
	"context"
	"time"

	"github.com/cwrk-planet/chat-service/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName: имя сервиса в grpc.health.v1.
const ServiceName = "cwrk.chat.v1.ChatService"

type Pinger interface {
	Ping(ctx context.Context) error
}

// Health публикует готовность (postgres + redis) через стандартный health-сервис.
type Health struct {
	srv   *health.Server
	deps  map[string]Pinger
	every time.Duration
}

func NewHealth(deps map[string]Pinger, every time.Duration) *Health {
	if every <= 0 {
		every = 5 * time.Second
	}
	h := &Health{srv: health.NewServer(), deps: deps, every: every}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}

// Check один раз опрашивает зависимости и обновляет статус.
func (h *Health) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ok := true
	for name, p := range h.deps {
		if err := p.Ping(ctx); err != nil {
			logger.FromContext(ctx).Warn("health: dependency down", "dep", name, "err", err)
			ok = false
		}
	}
	if ok {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Run периодически вызывает Check до отмены ctx, затем переводит сервис в NOT_SERVING.
func (h *Health) Run(ctx context.Context) {
	h.Check(ctx)

	t := time.NewTicker(h.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Check(ctx)
		}
	}
}
