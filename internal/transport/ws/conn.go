package ws

import (
	"context"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-service/internal/delivery"
	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Conn: одно WS-соединение. Писать в сокет может только writeLoop,
// остальные кладут кадры в очередь send.
type Conn struct {
	id     string
	userID domain.UserID
	ws     *websocket.Conn

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, id string, userID domain.UserID, queue int) *Conn {
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) UserID() domain.UserID { return c.userID }
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Enqueue ставит кадр в очередь. Для закрытого соединения ErrGone,
// переполненная очередь ждёт до отмены ctx.
func (c *Conn) Enqueue(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return delivery.ErrGone
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return delivery.ErrGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			err = c.ws.Close()
		}
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
