package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/delivery"
	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/registry"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

type tokenAuth map[string]domain.UserID

func (a tokenAuth) Authenticate(token string) (domain.UserID, error) {
	if uid, ok := a[token]; ok {
		return uid, nil
	}
	return 0, errors.New("unknown token")
}

// stubHandler: delete всегда отклоняется, остальное подтверждается.
type stubHandler struct{}

func (stubHandler) Handle(_ context.Context, _ chat.Session, raw []byte) (chat.Result, error) {
	f, err := chat.DecodeFrame(raw)
	if err != nil {
		return chat.Result{Stage: chat.StageRejected}, err
	}
	res := chat.Result{Action: f.Action, RequestID: f.RequestID}
	if f.Action == chat.ActionDelete {
		res.Stage = chat.StageRejected
		return res, domain.ErrNotSender
	}
	res.Stage = chat.StageDelivered
	res.Ack, _ = json.Marshal(chat.Event{Type: chat.EventAck, Data: chat.AckData{RequestID: f.RequestID, Action: f.Action}})
	return res, nil
}

type presenceLog struct {
	mu     sync.Mutex
	states []bool
}

func (p *presenceLog) SetPresence(_ context.Context, _ domain.UserID, online bool, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, online)
	return nil
}

func (p *presenceLog) snapshot() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.states...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestRegistry(t *testing.T) (*registry.Registry, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return registry.New(client, time.Minute), client
}

type wsFixture struct {
	url      string
	table    *Table
	reg      *registry.Registry
	presence *presenceLog
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	reg, _ := newTestRegistry(t)
	f := &wsFixture{table: NewTable(), reg: reg, presence: &presenceLog{}}
	srv := NewServer(tokenAuth{"t1": 1}, stubHandler{}, f.table, reg, f.presence, Config{
		InstanceID: "i1",
		PingEvery:  time.Second,
	})
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)
	f.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return f
}

func readEvent(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev map[string]any
	if err := c.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func TestHandleWS_RejectsBadToken(t *testing.T) {
	f := newWSFixture(t)

	for _, q := range []string{"", "?access_token=nope"} {
		_, resp, err := websocket.DefaultDialer.Dial(f.url+q, nil)
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("%q: want bad handshake, got %v", q, err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%q: status = %d", q, resp.StatusCode)
		}
	}
}

func TestHandleWS_Lifecycle(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	hdr := http.Header{"Authorization": []string{"Bearer t1"}}
	client, _, err := websocket.DefaultDialer.Dial(f.url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var connID string
	eventually(t, func() bool {
		ids, _ := f.reg.ConnectionsOf(ctx, 1)
		if len(ids) == 1 {
			connID = ids[0]
			return true
		}
		return false
	})
	if InstanceOf(connID) != "i1" {
		t.Fatalf("conn id %q lacks instance prefix", connID)
	}
	if _, ok := f.table.Get(connID); !ok {
		t.Fatal("connection is not in the local table")
	}

	// push через Router доходит до клиента
	router := NewRouter("i1", f.table, nil)
	if err := router.Push(ctx, connID, []byte(`{"type":"message","data":{"id":"m1"}}`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if ev := readEvent(t, client); ev["type"] != "message" {
		t.Fatalf("unexpected event: %v", ev)
	}

	// ack только в исходное соединение
	_ = client.WriteJSON(map[string]any{"action": "send", "requestId": "r1"})
	ev := readEvent(t, client)
	if ev["type"] != chat.EventAck || ev["data"].(map[string]any)["requestId"] != "r1" {
		t.Fatalf("unexpected ack: %v", ev)
	}

	// отказ превращается в error-кадр
	_ = client.WriteJSON(map[string]any{"action": "delete", "requestId": "r2"})
	ev = readEvent(t, client)
	data := ev["data"].(map[string]any)
	if ev["type"] != chat.EventError || data["code"] != domain.CodeForbidden || data["requestId"] != "r2" {
		t.Fatalf("unexpected error frame: %v", ev)
	}

	_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = client.Close()

	eventually(t, func() bool {
		ids, _ := f.reg.ConnectionsOf(ctx, 1)
		return len(ids) == 0 && f.table.Len() == 0
	})
	eventually(t, func() bool {
		s := f.presence.snapshot()
		return len(s) == 2 && s[0] && !s[1]
	})

	if err := router.Push(ctx, connID, []byte(`{}`)); !errors.Is(err, delivery.ErrGone) {
		t.Fatalf("push to closed connection: want ErrGone, got %v", err)
	}
}

func TestTablePush_Gone(t *testing.T) {
	table := NewTable()
	if err := table.Push(context.Background(), "i1.none", []byte("x")); !errors.Is(err, delivery.ErrGone) {
		t.Fatalf("unknown conn: %v", err)
	}

	c := newConn(nil, "i1.c1", 1, 1)
	table.Add(c)
	_ = c.Close()
	if err := table.Push(context.Background(), "i1.c1", []byte("x")); !errors.Is(err, delivery.ErrGone) {
		t.Fatalf("closed conn: %v", err)
	}
}

func TestConnEnqueue_FullQueueWaitsForContext(t *testing.T) {
	c := newConn(nil, "i1.c1", 1, 1)
	if err := c.Enqueue(context.Background(), []byte("a")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Enqueue(ctx, []byte("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestConnID(t *testing.T) {
	id := NewConnID("host.example-1a2b3c4d")
	if InstanceOf(id) != "host.example-1a2b3c4d" {
		t.Fatalf("instance of %q = %q", id, InstanceOf(id))
	}
	if NewConnID("i1") == NewConnID("i1") {
		t.Fatal("connection ids must be unique")
	}
	if InstanceOf("nodot") != "" {
		t.Fatal("id without instance prefix")
	}
}
