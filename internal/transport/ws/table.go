package ws

import (
	"context"
	"sync"

	"github.com/cwrk-planet/chat-service/internal/delivery"
	"github.com/cwrk-planet/chat-service/internal/domain"
)

// Table: сокеты, открытые на этом инстансе.
type Table struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewTable() *Table {
	return &Table{conns: make(map[string]*Conn)}
}

func (t *Table) Add(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c.id] = c
}

func (t *Table) Remove(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.conns[c.id]; ok && cur == c {
		delete(t.conns, c.id)
	}
}

func (t *Table) Get(connID string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[connID]
	return c, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// CountUser: сколько локальных сокетов у пользователя.
func (t *Table) CountUser(userID domain.UserID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.conns {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// Push доставляет кадр в локальный сокет.
func (t *Table) Push(ctx context.Context, connID string, payload []byte) error {
	c, ok := t.Get(connID)
	if !ok || c.isClosed() {
		return delivery.ErrGone
	}
	return c.Enqueue(ctx, payload)
}

// CloseAll закрывает все сокеты (graceful shutdown).
func (t *Table) CloseAll() {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
