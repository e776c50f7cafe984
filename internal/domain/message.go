package domain

import (
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageFile   MessageType = "FILE"
	MessageVoice  MessageType = "VOICE"
	MessageSystem MessageType = "SYSTEM"
)

// ParseMessageType принимает тип в любом регистре, пустой означает TEXT.
func ParseMessageType(s string) (MessageType, error) {
	if strings.TrimSpace(s) == "" {
		return MessageText, nil
	}
	switch t := MessageType(strings.ToUpper(strings.TrimSpace(s))); t {
	case MessageText, MessageImage, MessageFile, MessageVoice, MessageSystem:
		return t, nil
	default:
		return "", Validationf(fmt.Sprintf("unknown message type %q", s))
	}
}

// IsAttachment: типы, для которых content может быть пустым.
func (t MessageType) IsAttachment() bool {
	return t == MessageImage || t == MessageFile || t == MessageVoice
}

type FileMeta struct {
	URL      string `db:"file_url"`
	Name     string `db:"file_name"`
	Size     int64  `db:"file_size"`
	MimeType string `db:"file_mime_type"`
}

type Message struct {
	ID        string      `db:"id"`
	RoomID    string      `db:"room_id"`
	SenderID  UserID      `db:"sender_id"`
	Type      MessageType `db:"type"`
	Content   *string     `db:"content"`
	File      *FileMeta   `db:"-"`
	ReplyTo   *string     `db:"reply_to"`
	IsEdited  bool        `db:"is_edited"`
	IsRead    bool        `db:"is_read"`
	IsDeleted bool        `db:"is_deleted"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`

	ReadBy         []UserID        `db:"-"`
	ReplyToMessage *MessagePreview `db:"-"`
}

// MessagePreview: то, что показывается в цитате ответа.
type MessagePreview struct {
	ID        string
	RoomID    string
	SenderID  UserID
	Type      MessageType
	Content   *string
	IsDeleted bool
}

// MessagePatch: изменяемые поля при edit. nil означает «не трогать»,
// ClearContent обнуляет content у вложения.
type MessagePatch struct {
	Content      *string
	ClearContent bool
}

func (m *Message) Preview() *MessagePreview {
	return &MessagePreview{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Content:   m.Content,
		IsDeleted: m.IsDeleted,
	}
}

// CheckEdit: редактировать может только автор и только в пределах окна.
func (m *Message) CheckEdit(by UserID, now time.Time, window time.Duration) error {
	if m.IsDeleted {
		return ErrMessageNotFound
	}
	if m.SenderID != by {
		return ErrNotSender
	}
	if now.Sub(m.CreatedAt) > window {
		return fmt.Errorf("%w: message is older than %s", ErrEditWindowExpired, window)
	}
	return nil
}

// CheckDelete: удалять может только автор, повторное удаление даёт not found.
func (m *Message) CheckDelete(by UserID) error {
	if m.IsDeleted {
		return ErrMessageNotFound
	}
	if m.SenderID != by {
		return ErrNotSender
	}
	return nil
}
