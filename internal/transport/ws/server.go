package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/metrics"
	"github.com/cwrk-planet/chat-service/pkg/logger"

	"github.com/gorilla/websocket"
)

type Authenticator interface {
	Authenticate(token string) (domain.UserID, error)
}

type FrameHandler interface {
	Handle(ctx context.Context, s chat.Session, raw []byte) (chat.Result, error)
}

type Registry interface {
	Bind(ctx context.Context, userID domain.UserID, connID string) error
	Unbind(ctx context.Context, connID string) error
	Touch(ctx context.Context, userID domain.UserID, connID string) error
	ConnectionsOf(ctx context.Context, userID domain.UserID) ([]string, error)
}

type Presence interface {
	SetPresence(ctx context.Context, userID domain.UserID, online bool, at time.Time) error
}

type Config struct {
	InstanceID string
	PingEvery  time.Duration
	ReadLimit  int64
	SendQueue  int
}

type Server struct {
	upgrader websocket.Upgrader
	auth     Authenticator
	handler  FrameHandler
	table    *Table
	reg      Registry
	presence Presence
	cfg      Config
}

func NewServer(auth Authenticator, handler FrameHandler, table *Table, reg Registry, presence Presence, cfg Config) *Server {
	if cfg.PingEvery <= 0 {
		cfg.PingEvery = 15 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	return &Server{
		auth:     auth,
		handler:  handler,
		table:    table,
		reg:      reg,
		presence: presence,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// TokenFromRequest: access_token из query или Authorization: Bearer.
func TokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("access_token")); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// WS endpoint: GET /ws?access_token=...
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	if token == "" {
		http.Error(w, `{"error":"missing access token"}`, http.StatusUnauthorized)
		return
	}
	uid, err := s.auth.Authenticate(token)
	if err != nil {
		logger.FromContext(r.Context()).Info("ws auth failed", "err", err)
		http.Error(w, `{"error":"invalid access token"}`, http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		logger.FromContext(r.Context()).Warn("ws upgrade failed", "err", err)
		return
	}

	c := newConn(wsConn, NewConnID(s.cfg.InstanceID), uid, s.cfg.SendQueue)
	log := logger.FromContext(r.Context()).With("conn_id", c.id, "user_id", int64(uid))
	ctx := logger.WithContext(r.Context(), log)

	s.table.Add(c)
	metrics.ConnectionsActive.Inc()

	if err := s.reg.Bind(ctx, uid, c.id); err != nil {
		// без привязки соединение не получит ни одного события
		log.Error("ws bind failed", "err", err)
		s.table.Remove(c)
		metrics.ConnectionsActive.Dec()
		_ = c.Close()
		return
	}
	if err := s.presence.SetPresence(ctx, uid, true, time.Now()); err != nil {
		log.Warn("ws presence online failed", "err", err)
	}
	log.Info("ws connected")

	go s.writeLoop(ctx, c)
	s.readLoop(ctx, c)

	s.disconnect(ctx, c)
}

func (s *Server) disconnect(ctx context.Context, c *Conn) {
	log := logger.FromContext(ctx)
	_ = c.Close()
	s.table.Remove(c)
	metrics.ConnectionsActive.Dec()

	// запрос уже мог быть отменён, а привязку снять нужно
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.reg.Unbind(cctx, c.id); err != nil {
		log.Warn("ws unbind failed", "err", err)
	}

	rest, err := s.reg.ConnectionsOf(cctx, c.userID)
	if err != nil {
		log.Warn("ws presence lookup failed", "err", err)
		return
	}
	if len(rest) == 0 {
		if err := s.presence.SetPresence(cctx, c.userID, false, time.Now()); err != nil {
			log.Warn("ws presence offline failed", "err", err)
		}
	}
	log.Info("ws disconnected", "remaining", len(rest))
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	log := logger.FromContext(ctx)

	c.ws.SetReadLimit(s.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * s.cfg.PingEvery))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * s.cfg.PingEvery))
		if err := s.reg.Touch(ctx, c.userID, c.id); err != nil {
			log.Debug("ws touch failed", "err", err)
		}
		return nil
	})

	session := chat.Session{UserID: c.userID, ConnID: c.id}
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				log.Debug("ws read failed", "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		res, herr := s.handler.Handle(ctx, session, data)
		var reply []byte
		switch {
		case herr != nil:
			reply = chat.ErrorFrame(res.RequestID, herr)
		case res.Ack != nil:
			reply = res.Ack
		}
		if reply == nil {
			continue
		}
		if err := s.reply(ctx, c, reply); err != nil {
			log.Warn("ws reply failed", "err", err, "action", res.Action)
			if errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

func (s *Server) reply(ctx context.Context, c *Conn, payload []byte) error {
	cctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return c.Enqueue(cctx, payload)
}

func (s *Server) writeLoop(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(s.cfg.PingEvery)
	defer ticker.Stop()
	defer func() { _ = c.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.FromContext(ctx).Debug("ws write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}
