package domain

import "time"

type Room struct {
	ID             string     `db:"id"`
	OrderID        *string    `db:"order_id"`
	ProjectID      *string    `db:"project_id"`
	IsActive       bool       `db:"is_active"`
	LastActivityAt *time.Time `db:"last_activity_at"`
	LastMessageID  *string    `db:"last_message_id"`
	CreatedAt      time.Time  `db:"created_at"`

	Participants []Participant `db:"-"`
}

func (r *Room) HasParticipant(userID UserID) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs: все участники комнаты, без дублей, в порядке вступления.
func (r *Room) ParticipantIDs() []UserID {
	out := make([]UserID, 0, len(r.Participants))
	seen := make(map[UserID]struct{}, len(r.Participants))
	for _, p := range r.Participants {
		if _, ok := seen[p.UserID]; ok {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p.UserID)
	}
	return out
}

// OtherParticipants: все, кроме userID.
func (r *Room) OtherParticipants(userID UserID) []UserID {
	all := r.ParticipantIDs()
	out := all[:0]
	for _, id := range all {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// Authorize проверяет, что userID может писать в комнату.
func (r *Room) Authorize(userID UserID) error {
	if !r.HasParticipant(userID) {
		return ErrNotParticipant
	}
	if !r.IsActive {
		return ErrRoomInactive
	}
	return nil
}
