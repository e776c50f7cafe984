package chat

import "github.com/cwrk-planet/chat-service/internal/domain"

type FileView struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type ReplyView struct {
	ID        string  `json:"id"`
	RoomID    string  `json:"roomId"`
	SenderID  string  `json:"senderId"`
	Type      string  `json:"type"`
	Content   *string `json:"content"`
	IsDeleted bool    `json:"isDeleted"`
}

// MessageView: сообщение в том виде, в каком его видит клиент.
type MessageView struct {
	ID             string     `json:"id"`
	RoomID         string     `json:"roomId"`
	SenderID       string     `json:"senderId"`
	Type           string     `json:"type"`
	Content        *string    `json:"content"`
	File           *FileView  `json:"file,omitempty"`
	ReplyTo        *string    `json:"replyTo,omitempty"`
	ReplyToMessage *ReplyView `json:"replyToMessage,omitempty"`
	IsEdited       bool       `json:"isEdited"`
	IsRead         bool       `json:"isRead"`
	IsDeleted      bool       `json:"isDeleted"`
	ReadBy         []string   `json:"readBy"`
	CreatedAt      int64      `json:"createdAt"` // unix ms
	UpdatedAt      int64      `json:"updatedAt"`
}

// NewMessageView скрывает содержимое удалённых сообщений (и цитат на них).
func NewMessageView(m *domain.Message) *MessageView {
	v := &MessageView{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID.String(),
		Type:      string(m.Type),
		Content:   m.Content,
		ReplyTo:   m.ReplyTo,
		IsEdited:  m.IsEdited,
		IsRead:    m.IsRead,
		IsDeleted: m.IsDeleted,
		ReadBy:    make([]string, 0, len(m.ReadBy)),
		CreatedAt: m.CreatedAt.UnixMilli(),
		UpdatedAt: m.UpdatedAt.UnixMilli(),
	}
	for _, id := range m.ReadBy {
		v.ReadBy = append(v.ReadBy, id.String())
	}

	if m.IsDeleted {
		v.Content = nil
	} else if m.File != nil {
		v.File = &FileView{
			URL:      m.File.URL,
			Name:     m.File.Name,
			Size:     m.File.Size,
			MimeType: m.File.MimeType,
		}
	}

	if p := m.ReplyToMessage; p != nil {
		rv := &ReplyView{
			ID:        p.ID,
			RoomID:    p.RoomID,
			SenderID:  p.SenderID.String(),
			Type:      string(p.Type),
			Content:   p.Content,
			IsDeleted: p.IsDeleted,
		}
		if p.IsDeleted {
			rv.Content = nil
		}
		v.ReplyToMessage = rv
	}
	return v
}
