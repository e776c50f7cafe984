package chat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-service/internal/delivery"
	"github.com/cwrk-planet/chat-service/internal/domain"
)

type memStore struct {
	mu       sync.Mutex
	rooms    map[string]*domain.Room
	messages map[string]*domain.Message
	unread   map[string]map[domain.UserID]int
	reads    map[string]map[domain.UserID]time.Time
	seq      int
	now      func() time.Time

	failCreate error
	failFind   error
	txs        int
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		rooms:    map[string]*domain.Room{},
		messages: map[string]*domain.Message{},
		unread:   map[string]map[domain.UserID]int{},
		reads:    map[string]map[domain.UserID]time.Time{},
		now:      now,
	}
}

func (s *memStore) addRoom(id string, active bool, users ...domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &domain.Room{ID: id, IsActive: active}
	s.unread[id] = map[domain.UserID]int{}
	for _, u := range users {
		r.Participants = append(r.Participants, domain.Participant{RoomID: id, UserID: u})
		s.unread[id][u] = 0
	}
	s.rooms[id] = r
}

func (s *memStore) addMessage(m domain.Message) *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		s.seq++
		m.ID = fmt.Sprintf("m%d", s.seq)
	}
	if m.Type == "" {
		m.Type = domain.MessageText
	}
	s.messages[m.ID] = &m
	return &m
}

func (s *memStore) unreadOf(roomID string, u domain.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[roomID][u]
}

func (s *memStore) message(id string) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memStore) FindRoomWithParticipants(_ context.Context, roomID string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFind != nil {
		return nil, s.failFind
	}
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	cp := *r
	cp.Participants = append([]domain.Participant(nil), r.Participants...)
	return &cp, nil
}

func (s *memStore) FindMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *m
	if m.ReplyTo != nil {
		if p, ok := s.messages[*m.ReplyTo]; ok {
			cp.ReplyToMessage = p.Preview()
		}
	}
	return &cp, nil
}

func (s *memStore) CreateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	s.seq++
	m.ID = fmt.Sprintf("m%d", s.seq)
	m.CreatedAt = s.now()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *memStore) TouchRoom(_ context.Context, roomID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	r.LastMessageID = &messageID
	r.LastActivityAt = &at
	return nil
}

func (s *memStore) IncrementUnread(_ context.Context, roomID string, exclude domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for u := range s.unread[roomID] {
		if u != exclude {
			s.unread[roomID][u]++
		}
	}
	return nil
}

func (s *memStore) UpdateMessage(_ context.Context, id string, patch domain.MessagePatch) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.IsDeleted {
		return nil, domain.ErrMessageNotFound
	}
	switch {
	case patch.ClearContent:
		m.Content = nil
	case patch.Content != nil:
		c := *patch.Content
		m.Content = &c
	}
	m.IsEdited = true
	m.UpdatedAt = s.now()
	cp := *m
	return &cp, nil
}

func (s *memStore) SoftDeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.IsDeleted = true
	}
	return nil
}

func (s *memStore) UpsertReadMarker(_ context.Context, messageID string, userID domain.UserID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reads[messageID] == nil {
		s.reads[messageID] = map[domain.UserID]time.Time{}
	}
	s.reads[messageID][userID] = at
	if m := s.messages[messageID]; m != nil && m.SenderID != userID {
		m.IsRead = true
	}
	return nil
}

func (s *memStore) ResetUnread(_ context.Context, roomID string, userID domain.UserID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[roomID][userID] = 0
	return nil
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	s.txs++
	s.mu.Unlock()
	return fn(ctx)
}

// memRegistry: реестр соединений в памяти для связки с delivery.Engine.
type memRegistry struct {
	mu    sync.Mutex
	conns map[domain.UserID][]string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{conns: map[domain.UserID][]string{}}
}

func (r *memRegistry) bind(u domain.UserID, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[u] = append(r.conns[u], ids...)
}

func (r *memRegistry) ConnectionsOf(_ context.Context, u domain.UserID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.conns[u]...), nil
}

func (r *memRegistry) Unbind(_ context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for u, ids := range r.conns {
		out := ids[:0]
		for _, id := range ids {
			if id != connID {
				out = append(out, id)
			}
		}
		r.conns[u] = out
	}
	return nil
}

// inbox собирает всё, что пришло в каждое соединение.
type inbox struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newInbox() *inbox {
	return &inbox{frames: map[string][][]byte{}}
}

func (b *inbox) Push(_ context.Context, connID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames[connID] = append(b.frames[connID], payload)
	return nil
}

func (b *inbox) of(connID string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.frames[connID]))
	for _, raw := range b.frames[connID] {
		var ev map[string]any
		_ = json.Unmarshal(raw, &ev)
		out = append(out, ev)
	}
	return out
}

func (b *inbox) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.frames {
		n += len(f)
	}
	return n
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	store *memStore
	reg   *memRegistry
	box   *inbox
	clk   *clock
}

func newEnv(t *testing.T) (*env, *delivery.Engine) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := &env{
		store: newMemStore(clk.now),
		reg:   newMemRegistry(),
		box:   newInbox(),
		clk:   clk,
	}
	return e, delivery.NewEngine(e.reg, e.box, delivery.Config{PushTimeout: time.Second})
}
