// Package chat обрабатывает входящие кадры: валидация, авторизация,
// сохранение и рассылка.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cwrk-planet/chat-service/internal/delivery"
	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/metrics"
	"github.com/cwrk-planet/chat-service/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/cwrk-planet/chat-service/internal/chat")

// Store: всё, что обработчику нужно от хранилища. Методы, вызванные
// с контекстом внутри InTx, выполняются в одной транзакции.
type Store interface {
	FindRoomWithParticipants(ctx context.Context, roomID string) (*domain.Room, error)
	FindMessage(ctx context.Context, id string) (*domain.Message, error)
	CreateMessage(ctx context.Context, m *domain.Message) error
	TouchRoom(ctx context.Context, roomID, messageID string, at time.Time) error
	IncrementUnread(ctx context.Context, roomID string, exclude domain.UserID) error
	UpdateMessage(ctx context.Context, id string, patch domain.MessagePatch) (*domain.Message, error)
	SoftDeleteMessage(ctx context.Context, id string) error
	UpsertReadMarker(ctx context.Context, messageID string, userID domain.UserID, at time.Time) error
	ResetUnread(ctx context.Context, roomID string, userID domain.UserID, at time.Time) error
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, recipients []domain.UserID, payload []byte, exceptConn ...string) delivery.Report
}

// Session: аутентифицированное соединение, с которого пришёл кадр.
type Session struct {
	UserID domain.UserID
	ConnID string
}

type Stage string

const (
	StageReceived   Stage = "received"
	StageAuthorized Stage = "authorized"
	StagePersisted  Stage = "persisted"
	StageDelivered  Stage = "delivered"
	StageRejected   Stage = "rejected"
)

// Result: итог обработки кадра. Ack (если не nil) отправляется
// только в исходное соединение.
type Result struct {
	Action    string
	RequestID string
	Stage     Stage
	Ack       []byte
	Delivery  delivery.Report
}

type Config struct {
	MaxContentLength int
	EditWindow       time.Duration
	FrameTimeout     time.Duration
}

type Handler struct {
	store Store
	out   Broadcaster
	cfg   Config
	now   func() time.Time
}

type Option func(*Handler)

// WithClock подменяет часы (для тестов окна редактирования).
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(store Store, out Broadcaster, cfg Config, opts ...Option) *Handler {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 4000
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = 15 * time.Minute
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 10 * time.Second
	}
	h := &Handler{store: store, out: out, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle обрабатывает один кадр. Ошибка означает Rejected: в хранилище
// ничего не записано и никому ничего не разослано.
func (h *Handler) Handle(ctx context.Context, s Session, raw []byte) (Result, error) {
	start := time.Now()
	res := Result{Stage: StageReceived}

	f, err := DecodeFrame(raw)
	if err != nil {
		res.Stage = StageRejected
		h.observe(ctx, &res, start, err)
		return res, err
	}
	res.Action = f.Action
	res.RequestID = f.RequestID

	ctx, span := tracer.Start(ctx, "chat."+f.Action, trace.WithAttributes(
		attribute.String("chat.action", f.Action),
		attribute.String("chat.conn_id", s.ConnID),
		attribute.Int64("chat.user_id", int64(s.UserID)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.FrameTimeout)
	defer cancel()

	switch f.Action {
	case ActionSend:
		err = h.send(ctx, s, f, &res)
	case ActionEdit:
		err = h.edit(ctx, s, f, &res)
	case ActionDelete:
		err = h.delete(ctx, s, f, &res)
	case ActionTyping:
		err = h.typing(ctx, s, f, &res)
	case ActionReadMessage:
		err = h.readMessage(ctx, s, f, &res)
	default:
		err = domain.Validationf(fmt.Sprintf("unknown action %q", f.Action))
	}

	if err != nil {
		res.Stage = StageRejected
		res.Ack = nil
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("chat.stage", string(res.Stage)))
	h.observe(ctx, &res, start, err)
	return res, err
}

func (h *Handler) observe(ctx context.Context, res *Result, start time.Time, err error) {
	action := res.Action
	if action == "" {
		action = "unknown"
	}
	metrics.FramesTotal.WithLabelValues(action, string(res.Stage)).Inc()
	metrics.FrameDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())

	log := logger.FromContext(ctx)
	switch {
	case err == nil:
		log.Debug("chat: frame handled", "action", action, "stage", res.Stage, "delivery", res.Delivery)
	case domain.IsClientError(err):
		log.Info("chat: frame rejected", "action", action, "err", err)
	default:
		log.Error("chat: frame failed", "action", action, "err", err)
	}
}

// storeErr оставляет доменные ошибки как есть, остальное считает недоступностью хранилища.
func storeErr(err error) error {
	if err == nil || domain.IsClientError(err) || errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

// loadRoom: свежая комната из хранилища плюс проверка, что userID может в ней писать.
func (h *Handler) loadRoom(ctx context.Context, roomID string, userID domain.UserID) (*domain.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, domain.Validationf("roomId is required")
	}
	room, err := h.store.FindRoomWithParticipants(ctx, roomID)
	if err != nil {
		return nil, storeErr(err)
	}
	if err := room.Authorize(userID); err != nil {
		return nil, err
	}
	return room, nil
}

// loadMessage находит сообщение и проверяет, что оно из указанной комнаты (если она задана).
func (h *Handler) loadMessage(ctx context.Context, messageID, roomID string) (*domain.Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, domain.Validationf("messageId is required")
	}
	m, err := h.store.FindMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr(err)
	}
	if roomID != "" && m.RoomID != roomID {
		return nil, domain.ErrMessageNotFound
	}
	return m, nil
}

func (h *Handler) validateContent(t domain.MessageType, content *string, hasFile bool) (*string, error) {
	var text string
	if content != nil {
		text = strings.TrimSpace(*content)
	}
	if n := utf8.RuneCountInString(text); n > h.cfg.MaxContentLength {
		return nil, domain.Validationf(fmt.Sprintf("content is too long: %d > %d characters", n, h.cfg.MaxContentLength))
	}
	switch {
	case t == domain.MessageText && text == "":
		return nil, domain.Validationf("content is required for TEXT messages")
	case t.IsAttachment() && text == "" && !hasFile:
		return nil, domain.Validationf(fmt.Sprintf("%s message needs content or file", t))
	}
	if text == "" {
		return nil, nil
	}
	return &text, nil
}

func (h *Handler) ack(res *Result, data AckData) error {
	data.RequestID = res.RequestID
	data.Action = res.Action
	b, err := encode(EventAck, data)
	if err != nil {
		return err
	}
	res.Ack = b
	return nil
}

func (h *Handler) send(ctx context.Context, s Session, f *Frame, res *Result) error {
	t, err := domain.ParseMessageType(f.Type)
	if err != nil {
		return err
	}
	if t == domain.MessageSystem {
		return domain.Validationf("SYSTEM messages cannot be sent by clients")
	}
	if f.File != nil && !t.IsAttachment() {
		return domain.Validationf(fmt.Sprintf("file is not allowed for %s messages", t))
	}
	if f.File != nil && strings.TrimSpace(f.File.URL) == "" {
		return domain.Validationf("file.url is required")
	}
	content, err := h.validateContent(t, f.Content, f.File != nil)
	if err != nil {
		return err
	}

	room, err := h.loadRoom(ctx, f.RoomID, s.UserID)
	if err != nil {
		return err
	}

	msg := &domain.Message{
		RoomID:   room.ID,
		SenderID: s.UserID,
		Type:     t,
		Content:  content,
	}
	if f.File != nil {
		msg.File = &domain.FileMeta{
			URL:      strings.TrimSpace(f.File.URL),
			Name:     f.File.Name,
			Size:     f.File.Size,
			MimeType: f.File.MimeType,
		}
	}
	if f.ReplyTo != "" {
		parent, err := h.store.FindMessage(ctx, f.ReplyTo)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Validationf("replyTo message does not exist")
			}
			return storeErr(err)
		}
		if parent.RoomID != room.ID {
			return domain.Validationf("replyTo message belongs to another room")
		}
		if parent.IsDeleted {
			return domain.Validationf("cannot reply to a deleted message")
		}
		msg.ReplyTo = &parent.ID
		msg.ReplyToMessage = parent.Preview()
	}
	res.Stage = StageAuthorized

	err = h.store.InTx(ctx, func(ctx context.Context) error {
		if err := h.store.CreateMessage(ctx, msg); err != nil {
			return err
		}
		if err := h.store.TouchRoom(ctx, room.ID, msg.ID, msg.CreatedAt); err != nil {
			return err
		}
		return h.store.IncrementUnread(ctx, room.ID, s.UserID)
	})
	if err != nil {
		return storeErr(err)
	}
	res.Stage = StagePersisted

	view := NewMessageView(msg)
	payload, err := encode(EventMessage, view)
	if err != nil {
		return err
	}
	if err := h.ack(res, AckData{Message: view}); err != nil {
		return err
	}

	res.Delivery = h.out.Broadcast(ctx, room.ParticipantIDs(), payload, s.ConnID)
	res.Stage = StageDelivered
	return nil
}

func (h *Handler) edit(ctx context.Context, s Session, f *Frame, res *Result) error {
	if f.Content == nil {
		return domain.Validationf("content is required")
	}
	msg, err := h.loadMessage(ctx, f.MessageID, f.RoomID)
	if err != nil {
		return err
	}
	if err := msg.CheckEdit(s.UserID, h.now(), h.cfg.EditWindow); err != nil {
		return err
	}
	content, err := h.validateContent(msg.Type, f.Content, msg.File != nil)
	if err != nil {
		return err
	}
	room, err := h.loadRoom(ctx, msg.RoomID, s.UserID)
	if err != nil {
		return err
	}
	res.Stage = StageAuthorized

	patch := domain.MessagePatch{Content: content, ClearContent: content == nil}
	updated, err := h.store.UpdateMessage(ctx, msg.ID, patch)
	if err != nil {
		return storeErr(err)
	}
	res.Stage = StagePersisted

	view := NewMessageView(updated)
	payload, err := encode(EventMessageEdited, view)
	if err != nil {
		return err
	}
	if err := h.ack(res, AckData{Message: view}); err != nil {
		return err
	}

	res.Delivery = h.out.Broadcast(ctx, room.ParticipantIDs(), payload, s.ConnID)
	res.Stage = StageDelivered
	return nil
}

func (h *Handler) delete(ctx context.Context, s Session, f *Frame, res *Result) error {
	msg, err := h.loadMessage(ctx, f.MessageID, f.RoomID)
	if err != nil {
		return err
	}
	if err := msg.CheckDelete(s.UserID); err != nil {
		return err
	}
	room, err := h.loadRoom(ctx, msg.RoomID, s.UserID)
	if err != nil {
		return err
	}
	res.Stage = StageAuthorized

	if err := h.store.SoftDeleteMessage(ctx, msg.ID); err != nil {
		return storeErr(err)
	}
	res.Stage = StagePersisted

	payload, err := encode(EventMessageDeleted, MessageDeletedData{MessageID: msg.ID, RoomID: room.ID})
	if err != nil {
		return err
	}
	if err := h.ack(res, AckData{MessageID: msg.ID}); err != nil {
		return err
	}

	res.Delivery = h.out.Broadcast(ctx, room.ParticipantIDs(), payload, s.ConnID)
	res.Stage = StageDelivered
	return nil
}

func (h *Handler) typing(ctx context.Context, s Session, f *Frame, res *Result) error {
	room, err := h.loadRoom(ctx, f.RoomID, s.UserID)
	if err != nil {
		return err
	}
	res.Stage = StageAuthorized

	isTyping := true
	if f.IsTyping != nil {
		isTyping = *f.IsTyping
	}
	payload, err := encode(EventTyping, TypingData{
		RoomID:   room.ID,
		UserID:   s.UserID.String(),
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}

	res.Delivery = h.out.Broadcast(ctx, room.OtherParticipants(s.UserID), payload)
	res.Stage = StageDelivered
	return nil
}

func (h *Handler) readMessage(ctx context.Context, s Session, f *Frame, res *Result) error {
	room, err := h.loadRoom(ctx, f.RoomID, s.UserID)
	if err != nil {
		return err
	}
	msg, err := h.loadMessage(ctx, f.MessageID, room.ID)
	if err != nil {
		return err
	}
	res.Stage = StageAuthorized

	at := h.now()
	err = h.store.InTx(ctx, func(ctx context.Context) error {
		if err := h.store.UpsertReadMarker(ctx, msg.ID, s.UserID, at); err != nil {
			return err
		}
		return h.store.ResetUnread(ctx, room.ID, s.UserID, at)
	})
	if err != nil {
		return storeErr(err)
	}
	res.Stage = StagePersisted

	if err := h.ack(res, AckData{MessageID: msg.ID}); err != nil {
		return err
	}

	if msg.SenderID != s.UserID {
		payload, err := encode(EventMessageRead, MessageReadData{
			MessageID: msg.ID,
			RoomID:    room.ID,
			UserID:    s.UserID.String(),
			ReadAt:    at.UnixMilli(),
		})
		if err != nil {
			return err
		}
		res.Delivery = h.out.Broadcast(ctx, []domain.UserID{msg.SenderID}, payload)
	}
	res.Stage = StageDelivered
	return nil
}
