package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-service/internal/delivery"
)

func startRelay(t *testing.T, r *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, ready)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not subscribe")
	}
}

func TestRelay_DeliversToOwningInstance(t *testing.T) {
	reg, client := newTestRegistry(t)

	remote := NewTable()
	c := newConn(nil, "i2.c1", 7, 4)
	remote.Add(c)
	startRelay(t, NewRelay(client, "i2", remote, reg, nil))

	local := NewRelay(client, "i1", NewTable(), reg, nil)
	router := NewRouter("i1", NewTable(), local)

	if err := router.Push(context.Background(), "i2.c1", []byte(`{"type":"typing"}`)); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case got := <-c.send:
		if string(got) != `{"type":"typing"}` {
			t.Fatalf("payload = %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame did not arrive on the owning instance")
	}
}

func TestRelay_DeadInstanceIsGone(t *testing.T) {
	reg, client := newTestRegistry(t)
	relay := NewRelay(client, "i1", NewTable(), reg, nil)

	err := relay.Publish(context.Background(), "i9", "i9.c1", []byte(`{}`))
	if !errors.Is(err, delivery.ErrGone) {
		t.Fatalf("want ErrGone, got %v", err)
	}
}

func TestRelay_UnknownConnectionIsUnbound(t *testing.T) {
	ctx := context.Background()
	reg, client := newTestRegistry(t)
	_ = reg.Bind(ctx, 7, "i2.ghost")

	startRelay(t, NewRelay(client, "i2", NewTable(), reg, nil))

	sender := NewRelay(client, "i1", NewTable(), reg, nil)
	if err := sender.Publish(ctx, "i2", "i2.ghost", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	eventually(t, func() bool {
		_, ok, _ := reg.OwnerOf(ctx, "i2.ghost")
		return !ok
	})
}

func TestRelay_SlowConnectionDoesNotBlockOthers(t *testing.T) {
	reg, client := newTestRegistry(t)

	remote := NewTable()
	slow := newConn(nil, "i2.slow", 7, 1)
	fast := newConn(nil, "i2.fast", 8, 4)
	slow.send <- []byte(`{"type":"filler"}`)
	remote.Add(slow)
	remote.Add(fast)
	startRelay(t, NewRelay(client, "i2", remote, reg, nil))

	router := NewRouter("i1", NewTable(), NewRelay(client, "i1", NewTable(), reg, nil))
	ctx := context.Background()
	if err := router.Push(ctx, "i2.slow", []byte(`{"type":"a"}`)); err != nil {
		t.Fatalf("push slow: %v", err)
	}
	if err := router.Push(ctx, "i2.fast", []byte(`{"type":"b"}`)); err != nil {
		t.Fatalf("push fast: %v", err)
	}

	select {
	case got := <-fast.send:
		if string(got) != `{"type":"b"}` {
			t.Fatalf("payload = %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("fast connection waited behind the slow one")
	}

	// очередь освободилась: кадр медленного соединения доходит следом
	<-slow.send
	select {
	case got := <-slow.send:
		if string(got) != `{"type":"a"}` {
			t.Fatalf("slow payload = %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("slow connection never got its frame")
	}
}

func TestRelay_KeepsOrderPerConnection(t *testing.T) {
	reg, client := newTestRegistry(t)

	remote := NewTable()
	c := newConn(nil, "i2.c1", 7, 16)
	remote.Add(c)
	startRelay(t, NewRelay(client, "i2", remote, reg, nil))

	sender := NewRelay(client, "i1", NewTable(), reg, nil)
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`}
	for _, p := range want {
		if err := sender.Publish(context.Background(), "i2", "i2.c1", []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i, p := range want {
		select {
		case got := <-c.send:
			if string(got) != p {
				t.Fatalf("frame %d = %s, want %s", i, got, p)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %d did not arrive", i)
		}
	}
}
