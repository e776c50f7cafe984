package domain

import "time"

type Participant struct {
	RoomID      string     `db:"room_id"`
	UserID      UserID     `db:"user_id"`
	UnreadCount int        `db:"unread_count"`
	IsOnline    bool       `db:"is_online"`
	LastSeen    *time.Time `db:"last_seen"`
	JoinedAt    time.Time  `db:"joined_at"`
}
