package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/jackc/pgx/v5"
)

const (
	qRoomByID = `
		SELECT id, order_id, project_id, is_active, last_activity_at, last_message_id, created_at
		FROM chat_rooms
		WHERE id = $1`

	qParticipantsByRoom = `
		SELECT room_id, user_id, unread_count, is_online, last_seen, joined_at
		FROM chat_participants
		WHERE room_id = $1
		ORDER BY joined_at ASC, user_id ASC`

	qTouchRoom = `
		UPDATE chat_rooms
		SET last_message_id = $2, last_activity_at = $3
		WHERE id = $1`

	qIncrementUnread = `
		UPDATE chat_participants
		SET unread_count = unread_count + 1
		WHERE room_id = $1 AND user_id <> $2`

	qResetUnread = `
		UPDATE chat_participants
		SET unread_count = 0, last_seen = $3
		WHERE room_id = $1 AND user_id = $2`

	qSetPresence = `
		UPDATE chat_participants
		SET is_online = $2, last_seen = $3
		WHERE user_id = $1`
)

// FindRoomWithParticipants читает комнату и её участников. Вызывается на каждый кадр:
// членство никогда не берётся из кэша или токена.
func (s *Store) FindRoomWithParticipants(ctx context.Context, roomID string) (*domain.Room, error) {
	q := s.q(ctx)

	var rm domain.Room
	err := q.QueryRow(ctx, qRoomByID, roomID).Scan(
		&rm.ID,
		&rm.OrderID,
		&rm.ProjectID,
		&rm.IsActive,
		&rm.LastActivityAt,
		&rm.LastMessageID,
		&rm.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, mapPgError(err)
	}

	rows, err := q.Query(ctx, qParticipantsByRoom, roomID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p   domain.Participant
			uid int64
		)
		if err := rows.Scan(&p.RoomID, &uid, &p.UnreadCount, &p.IsOnline, &p.LastSeen, &p.JoinedAt); err != nil {
			return nil, err
		}
		p.UserID = domain.UserID(uid)
		rm.Participants = append(rm.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return &rm, nil
}

// TouchRoom двигает денормализованный указатель на последнее сообщение.
func (s *Store) TouchRoom(ctx context.Context, roomID, messageID string, at time.Time) error {
	cmd, err := s.q(ctx).Exec(ctx, qTouchRoom, roomID, messageID, at)
	if err != nil {
		return mapPgError(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// IncrementUnread +1 всем участникам комнаты, кроме отправителя.
func (s *Store) IncrementUnread(ctx context.Context, roomID string, exclude domain.UserID) error {
	_, err := s.q(ctx).Exec(ctx, qIncrementUnread, roomID, int64(exclude))
	return mapPgError(err)
}

func (s *Store) ResetUnread(ctx context.Context, roomID string, userID domain.UserID, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx, qResetUnread, roomID, int64(userID), at)
	return mapPgError(err)
}

// SetPresence обновляет online/last_seen во всех комнатах пользователя.
func (s *Store) SetPresence(ctx context.Context, userID domain.UserID, online bool, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx, qSetPresence, int64(userID), online, at)
	return mapPgError(err)
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `SELECT 1`)
	return err
}
