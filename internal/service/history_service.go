package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

type HistoryStore interface {
	FindRoomWithParticipants(ctx context.Context, roomID string) (*domain.Room, error)
	History(ctx context.Context, roomID, after string, limit int) ([]domain.Message, string, error)
}

// HistoryService отдаёт историю комнаты для догрузки после переподключения.
type HistoryService struct {
	store HistoryStore
}

func NewHistoryService(store HistoryStore) *HistoryService {
	return &HistoryService{store: store}
}

// History: страница сообщений, новые сначала. Читать может любой участник,
// в том числе закрытой комнаты.
func (s *HistoryService) History(ctx context.Context, userID domain.UserID, roomID, cursor string, limit int) ([]domain.Message, string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, "", domain.Validationf("room id is required")
	}
	if limit < 0 {
		return nil, "", domain.Validationf("limit must be positive")
	}

	room, err := s.store.FindRoomWithParticipants(ctx, roomID)
	if err != nil {
		return nil, "", storeErr(err)
	}
	if !room.HasParticipant(userID) {
		return nil, "", domain.ErrNotParticipant
	}

	items, next, err := s.store.History(ctx, roomID, cursor, limit)
	if err != nil {
		return nil, "", storeErr(err)
	}
	return items, next, nil
}

func storeErr(err error) error {
	if domain.IsClientError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
