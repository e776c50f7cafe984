package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

// Действия входящих кадров
const (
	ActionSend        = "send"
	ActionEdit        = "edit"
	ActionDelete      = "delete"
	ActionTyping      = "typing"
	ActionReadMessage = "readMessage"
)

// Типы исходящих событий
const (
	EventMessage        = "message"
	EventMessageEdited  = "messageEdited"
	EventMessageDeleted = "messageDeleted"
	EventTyping         = "typing"
	EventMessageRead    = "messageRead"
	EventAck            = "ack"
	EventError          = "error"
)

type FileFrame struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Frame: входящий кадр клиента.
type Frame struct {
	Action    string     `json:"action"`
	RequestID string     `json:"requestId,omitempty"`
	RoomID    string     `json:"roomId,omitempty"`
	MessageID string     `json:"messageId,omitempty"`
	Content   *string    `json:"content,omitempty"`
	Type      string     `json:"type,omitempty"`
	ReplyTo   string     `json:"replyTo,omitempty"`
	File      *FileFrame `json:"file,omitempty"`
	IsTyping  *bool      `json:"isTyping,omitempty"`
}

// DecodeFrame разбирает ровно один JSON-объект; лишние поля: ошибка валидации.
func DecodeFrame(raw []byte) (*Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return nil, domain.Validationf(fmt.Sprintf("malformed frame: %v", err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, domain.Validationf("malformed frame: trailing data")
	}

	f.Action = strings.TrimSpace(f.Action)
	if f.Action == "" {
		return nil, domain.Validationf("action is required")
	}
	return &f, nil
}

// Event: исходящий кадр.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type AckData struct {
	RequestID string       `json:"requestId"`
	Action    string       `json:"action"`
	Message   *MessageView `json:"message,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
}

type ErrorData struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type MessageDeletedData struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type TypingData struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageReadData struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	ReadAt    int64  `json:"readAt"`
}

func encode(eventType string, data any) ([]byte, error) {
	return json.Marshal(Event{Type: eventType, Data: data})
}

// ErrorFrame строит error-кадр для клиента. Текст инфраструктурных
// ошибок наружу не отдаётся.
func ErrorFrame(requestID string, err error) []byte {
	msg := err.Error()
	if !domain.IsClientError(err) {
		msg = "internal error"
	}
	b, mErr := encode(EventError, ErrorData{
		RequestID: requestID,
		Code:      domain.Code(err),
		Message:   msg,
	})
	if mErr != nil {
		return []byte(`{"type":"error","data":{"code":"internal","message":"internal error"}}`)
	}
	return b
}
