package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/domain"
	httpmw "github.com/cwrk-planet/chat-service/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
)

type HistoryService interface {
	History(ctx context.Context, userID domain.UserID, roomID, cursor string, limit int) ([]domain.Message, string, error)
}

type Handler struct {
	history HistoryService
}

func NewHandler(history HistoryService) *Handler {
	return &Handler{history: history}
}

type HistoryResponse struct {
	Items      []*chat.MessageView `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

// GET /rooms/{id}/messages?cursor=&limit=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := httpmw.UserIDFromCtx(ctx)
	if !ok {
		writeJSON(ctx, w, http.StatusUnauthorized, envelope{"error": envelope{"code": domain.CodeUnauthorized, "message": "unauthorized"}})
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(ctx, w, domain.Validationf("limit must be a number"))
			return
		}
		limit = n
	}

	items, next, err := h.history.History(ctx, uid, chi.URLParam(r, "id"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	resp := HistoryResponse{Items: make([]*chat.MessageView, 0, len(items)), NextCursor: next}
	for i := range items {
		resp.Items = append(resp.Items, chat.NewMessageView(&items[i]))
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}
