package ws

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewConnID: "<instanceID>.<ulid>": по префиксу видно, какой инстанс держит сокет.
func NewConnID(instanceID string) string {
	return instanceID + "." + ulid.Make().String()
}

// InstanceOf возвращает инстанс-владельца соединения.
func InstanceOf(connID string) string {
	i := strings.LastIndexByte(connID, '.')
	if i <= 0 {
		return ""
	}
	return connID[:i]
}

type Publisher interface {
	Publish(ctx context.Context, instanceID, connID string, payload []byte) error
}

// Router: Push для delivery.Engine: локальные соединения пишутся
// напрямую, чужие уходят через relay.
type Router struct {
	instanceID string
	table      *Table
	relay      Publisher
}

func NewRouter(instanceID string, table *Table, relay Publisher) *Router {
	return &Router{instanceID: instanceID, table: table, relay: relay}
}

func (r *Router) Push(ctx context.Context, connID string, payload []byte) error {
	owner := InstanceOf(connID)
	if owner == r.instanceID || owner == "" || r.relay == nil {
		return r.table.Push(ctx, connID, payload)
	}
	return r.relay.Publish(ctx, owner, connID, payload)
}
