package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-service/internal/delivery"
	"github.com/cwrk-planet/chat-service/internal/metrics"

	"github.com/redis/go-redis/v9"
)

type Unbinder interface {
	Unbind(ctx context.Context, connID string) error
}

type envelope struct {
	ConnID  string          `json:"conn_id"`
	Payload json.RawMessage `json:"payload"`
}

const (
	relayPushTimeout = 5 * time.Second
	// сколько кадров может ждать одно медленное соединение, дальше дропаем
	relayLaneBuffer = 64
)

func relayChannel(instanceID string) string {
	return fmt.Sprintf("chat:relay:%s", instanceID)
}

// Relay пересылает кадры между инстансами через Redis pub/sub.
// Каждый инстанс слушает только свой канал.
type Relay struct {
	client     redis.UniversalClient
	instanceID string
	table      *Table
	reg        Unbinder
	log        *slog.Logger

	mu    sync.Mutex
	lanes map[string]chan envelope
	wg    sync.WaitGroup
}

func NewRelay(client redis.UniversalClient, instanceID string, table *Table, reg Unbinder, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		client:     client,
		instanceID: instanceID,
		table:      table,
		reg:        reg,
		log:        log,
		lanes:      make(map[string]chan envelope),
	}
}

// Publish отправляет кадр инстансу-владельцу. Если канал никто не слушает,
// инстанс мёртв и соединение считается ушедшим.
func (r *Relay) Publish(ctx context.Context, instanceID, connID string, payload []byte) error {
	if !json.Valid(payload) {
		return errors.New("relay: payload is not valid JSON")
	}
	b, err := json.Marshal(envelope{ConnID: connID, Payload: payload})
	if err != nil {
		return err
	}
	n, err := r.client.Publish(ctx, relayChannel(instanceID), b).Result()
	if err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	if n == 0 {
		metrics.RelayTotal.WithLabelValues("gone").Inc()
		return delivery.ErrGone
	}
	metrics.RelayTotal.WithLabelValues("published").Inc()
	return nil
}

// Run слушает канал своего инстанса до отмены ctx. ready закрывается,
// когда подписка подтверждена Redis.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, relayChannel(r.instanceID))
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info("relay subscribed", "channel", relayChannel(r.instanceID))

	defer r.wg.Wait()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(ctx, msg.Payload)
		}
	}
}

// dispatch не блокирует цикл подписки: у каждого соединения своя очередь
// и свой воркер, так что медленный сокет держит только себя, а порядок
// кадров внутри одного соединения сохраняется.
func (r *Relay) dispatch(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.log.Warn("relay: bad envelope", "err", err)
		return
	}
	metrics.RelayTotal.WithLabelValues("received").Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	lane, ok := r.lanes[env.ConnID]
	if !ok {
		lane = make(chan envelope, relayLaneBuffer)
		r.lanes[env.ConnID] = lane
		r.wg.Add(1)
		go r.drain(ctx, env.ConnID, lane)
	}
	select {
	case lane <- env:
	default:
		metrics.RelayTotal.WithLabelValues("dropped").Inc()
		r.log.Warn("relay: slow connection, frame dropped", "conn", env.ConnID)
	}
}

// drain единственный читатель lane; уходит, когда очередь опустела.
func (r *Relay) drain(ctx context.Context, connID string, lane chan envelope) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(lane) == 0 {
			delete(r.lanes, connID)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.deliver(ctx, <-lane)
	}
}

func (r *Relay) deliver(ctx context.Context, env envelope) {
	pctx, cancel := context.WithTimeout(ctx, relayPushTimeout)
	defer cancel()

	err := r.table.Push(pctx, env.ConnID, env.Payload)
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrGone):
		// отправитель не узнает, что сокета нет; чистим привязку сами
		if uerr := r.reg.Unbind(ctx, env.ConnID); uerr != nil {
			r.log.Warn("relay: unbind failed", "conn", env.ConnID, "err", uerr)
		}
	default:
		r.log.Warn("relay: local push failed", "conn", env.ConnID, "err", err)
	}
}
