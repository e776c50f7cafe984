package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/jackc/pgx/v5"
)

const messageColumns = `
		m.id, m.room_id, m.sender_id, m.type, m.content,
		m.file_url, m.file_name, m.file_size, m.file_mime_type,
		m.reply_to, m.is_edited, m.is_read, m.is_deleted, m.created_at, m.updated_at,
		r.id, r.room_id, r.sender_id, r.type, r.content, r.is_deleted,
		COALESCE((SELECT array_agg(mr.user_id ORDER BY mr.read_at) FROM chat_message_reads mr WHERE mr.message_id = m.id), '{}'::bigint[])`

const (
	qMessageByID = `
		SELECT` + messageColumns + `
		FROM chat_messages m
		LEFT JOIN chat_messages r ON r.id = m.reply_to
		WHERE m.id = $1`

	qMessageHistory = `
		SELECT` + messageColumns + `
		FROM chat_messages m
		LEFT JOIN chat_messages r ON r.id = m.reply_to
		WHERE m.room_id = $1
		  AND (
		    $2::timestamptz IS NULL
		    OR m.created_at < $2
		    OR (m.created_at = $2 AND m.id < $3)
		  )
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $4`

	qInsertMessage = `
		INSERT INTO chat_messages (room_id, sender_id, type, content, file_url, file_name, file_size, file_mime_type, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	qUpdateMessage = `
		UPDATE chat_messages
		SET content = CASE WHEN $3::boolean THEN NULL ELSE COALESCE($2, content) END,
			is_edited = true, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`

	qSoftDeleteMessage = `
		UPDATE chat_messages
		SET is_deleted = true, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`

	qUpsertReadMarker = `
		INSERT INTO chat_message_reads (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = EXCLUDED.read_at`

	qMarkMessageRead = `
		UPDATE chat_messages
		SET is_read = true
		WHERE id = $1 AND sender_id <> $2 AND NOT is_read`
)

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		m        domain.Message
		senderID int64
		msgType  string

		fileURL, fileName, fileMime *string
		fileSize                    *int64

		replyID, replyRoomID, replyType *string
		replyContent                    *string
		replySender                     *int64
		replyDeleted                    *bool

		readBy []int64
	)

	if err := row.Scan(
		&m.ID, &m.RoomID, &senderID, &msgType, &m.Content,
		&fileURL, &fileName, &fileSize, &fileMime,
		&m.ReplyTo, &m.IsEdited, &m.IsRead, &m.IsDeleted, &m.CreatedAt, &m.UpdatedAt,
		&replyID, &replyRoomID, &replySender, &replyType, &replyContent, &replyDeleted,
		&readBy,
	); err != nil {
		return nil, err
	}

	m.SenderID = domain.UserID(senderID)
	m.Type = domain.MessageType(msgType)

	if fileURL != nil {
		m.File = &domain.FileMeta{URL: *fileURL}
		if fileName != nil {
			m.File.Name = *fileName
		}
		if fileSize != nil {
			m.File.Size = *fileSize
		}
		if fileMime != nil {
			m.File.MimeType = *fileMime
		}
	}

	if replyID != nil {
		p := &domain.MessagePreview{ID: *replyID, Content: replyContent}
		if replyRoomID != nil {
			p.RoomID = *replyRoomID
		}
		if replySender != nil {
			p.SenderID = domain.UserID(*replySender)
		}
		if replyType != nil {
			p.Type = domain.MessageType(*replyType)
		}
		if replyDeleted != nil {
			p.IsDeleted = *replyDeleted
		}
		m.ReplyToMessage = p
	}

	m.ReadBy = make([]domain.UserID, 0, len(readBy))
	for _, id := range readBy {
		m.ReadBy = append(m.ReadBy, domain.UserID(id))
	}

	return &m, nil
}

// FindMessage возвращает сообщение вместе с цитатой ответа, удалённые тоже.
func (s *Store) FindMessage(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(s.q(ctx).QueryRow(ctx, qMessageByID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, mapPgError(err)
	}
	return m, nil
}

// CreateMessage вставляет сообщение и заполняет ID/CreatedAt/UpdatedAt.
func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	var (
		fileURL, fileName, fileMime *string
		fileSize                    *int64
	)
	if m.File != nil {
		fileURL = &m.File.URL
		fileName = nilIfEmpty(m.File.Name)
		fileMime = nilIfEmpty(m.File.MimeType)
		if m.File.Size > 0 {
			fileSize = &m.File.Size
		}
	}

	err := s.q(ctx).QueryRow(ctx, qInsertMessage,
		m.RoomID, int64(m.SenderID), string(m.Type), m.Content,
		fileURL, fileName, fileSize, fileMime,
		m.ReplyTo,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

// UpdateMessage применяет patch и ставит is_edited. Удалённое сообщение не меняется.
func (s *Store) UpdateMessage(ctx context.Context, id string, patch domain.MessagePatch) (*domain.Message, error) {
	cmd, err := s.q(ctx).Exec(ctx, qUpdateMessage, id, patch.Content, patch.ClearContent)
	if err != nil {
		return nil, mapPgError(err)
	}
	if cmd.RowsAffected() == 0 {
		return nil, domain.ErrMessageNotFound
	}
	return s.FindMessage(ctx, id)
}

// SoftDeleteMessage идемпотентен: повторный вызов ничего не меняет и не ошибается.
func (s *Store) SoftDeleteMessage(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, qSoftDeleteMessage, id)
	return mapPgError(err)
}

// UpsertReadMarker фиксирует прочтение; is_read ставится только если читает не автор.
func (s *Store) UpsertReadMarker(ctx context.Context, messageID string, userID domain.UserID, at time.Time) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		if _, err := q.Exec(ctx, qUpsertReadMarker, messageID, int64(userID), at); err != nil {
			return mapPgError(err)
		}
		if _, err := q.Exec(ctx, qMarkMessageRead, messageID, int64(userID)); err != nil {
			return mapPgError(err)
		}
		return nil
	})
}

// History возвращает историю сообщений комнаты с курсорной пагинацией (created_at,id DESC).
func (s *Store) History(ctx context.Context, roomID, after string, limit int) ([]domain.Message, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	cur, err := DecodeCursor(after)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	var createdAt, id any
	if cur != nil {
		createdAt = cur.CreatedAt
		id = cur.ID
	}

	rows, err := s.q(ctx).Query(ctx, qMessageHistory, roomID, createdAt, id, limit)
	if err != nil {
		return nil, "", mapPgError(err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", mapPgError(err)
	}

	var next string
	if len(out) == limit {
		last := out[len(out)-1]
		if c, e := EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID}); e == nil {
			next = c
		}
	}
	return out, next, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
