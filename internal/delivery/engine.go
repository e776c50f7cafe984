// Package delivery рассылает готовый кадр всем соединениям набора пользователей.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/metrics"
	"github.com/cwrk-planet/chat-service/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/cwrk-planet/chat-service/internal/delivery")

// ErrGone: соединение больше не существует; привязку надо снять.
var ErrGone = errors.New("connection gone")

type Registry interface {
	ConnectionsOf(ctx context.Context, userID domain.UserID) ([]string, error)
	Unbind(ctx context.Context, connID string) error
}

type Pusher interface {
	Push(ctx context.Context, connID string, payload []byte) error
}

type Config struct {
	PushTimeout    time.Duration
	MaxConcurrency int
}

type Engine struct {
	reg    Registry
	pusher Pusher
	cfg    Config
}

// Report: итог одного Broadcast.
type Report struct {
	Recipients  int
	Connections int
	Delivered   int
	Pruned      int
	Failed      int
	Skipped     int
}

func NewEngine(reg Registry, pusher Pusher, cfg Config) *Engine {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 32
	}
	return &Engine{reg: reg, pusher: pusher, cfg: cfg}
}

type target struct {
	userID domain.UserID
	connID string
}

// Broadcast доставляет payload на каждое известное соединение каждого
// получателя, кроме exceptConn. Ошибки отдельных пушей не прерывают рассылку.
func (e *Engine) Broadcast(ctx context.Context, recipients []domain.UserID, payload []byte, exceptConn ...string) (rep Report) {
	ctx, span := tracer.Start(ctx, "delivery.broadcast")
	defer func() {
		span.SetAttributes(
			attribute.Int("delivery.recipients", rep.Recipients),
			attribute.Int("delivery.connections", rep.Connections),
			attribute.Int("delivery.delivered", rep.Delivered),
			attribute.Int("delivery.pruned", rep.Pruned),
		)
		span.End()
	}()
	log := logger.FromContext(ctx)

	skip := make(map[string]struct{}, len(exceptConn))
	for _, id := range exceptConn {
		skip[id] = struct{}{}
	}

	seen := make(map[domain.UserID]struct{}, len(recipients))
	var targets []target

	for _, uid := range recipients {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		rep.Recipients++

		start := time.Now()
		conns, err := e.reg.ConnectionsOf(ctx, uid)
		metrics.RegistryLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			log.Warn("delivery: registry lookup failed", "user", uid, "err", err)
			metrics.RecipientsSkipped.Inc()
			rep.Skipped++
			continue
		}
		for _, c := range conns {
			if _, ok := skip[c]; ok {
				continue
			}
			targets = append(targets, target{userID: uid, connID: c})
		}
	}
	rep.Connections = len(targets)
	if len(targets) == 0 {
		return rep
	}

	var delivered, pruned, failed atomic.Int64

	// контекст без отмены: уход отправителя не должен обрывать доставку остальным
	pushCtx := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, t := range targets {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(pushCtx, e.cfg.PushTimeout)
			defer cancel()

			err := e.pusher.Push(cctx, t.connID, payload)
			switch {
			case err == nil:
				delivered.Add(1)
				metrics.PushesTotal.WithLabelValues("delivered").Inc()
			case errors.Is(err, ErrGone):
				if uerr := e.reg.Unbind(pushCtx, t.connID); uerr != nil {
					log.Warn("delivery: unbind gone connection failed", "conn", t.connID, "err", uerr)
				}
				pruned.Add(1)
				metrics.PushesTotal.WithLabelValues("pruned").Inc()
				log.Debug("delivery: pruned gone connection", "conn", t.connID, "user", t.userID)
			default:
				failed.Add(1)
				metrics.PushesTotal.WithLabelValues("failed").Inc()
				log.Warn("delivery: push failed", "conn", t.connID, "user", t.userID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Delivered = int(delivered.Load())
	rep.Pruned = int(pruned.Load())
	rep.Failed = int(failed.Load())
	return rep
}

// LogValue: компактное представление для slog.
func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("recipients", r.Recipients),
		slog.Int("connections", r.Connections),
		slog.Int("delivered", r.Delivered),
		slog.Int("pruned", r.Pruned),
		slog.Int("failed", r.Failed),
		slog.Int("skipped", r.Skipped),
	)
}
