package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/lostfound/internal/middleware"
	"github.com/hitoshi/lostfound/internal/model"
)

// MatchServiceInterface は照合ハンドラーが必要とするサービスインターフェース。
type MatchServiceInterface interface {
	FindMatches(ctx context.Context, query model.MatchQuery) ([]model.RankedMatch, error)
}

// MatchHandler は照合のHTTPハンドラー。
type MatchHandler struct {
	service MatchServiceInterface
}

// NewMatchHandler はMatchHandlerを生成する。
func NewMatchHandler(service MatchServiceInterface) *MatchHandler {
	return &MatchHandler{service: service}
}

// FindMatches は照合クエリに一致する候補を信頼度順に返す。
// POST /api/matches
func (h *MatchHandler) FindMatches(w http.ResponseWriter, r *http.Request) {
	var query model.MatchQuery
	if !decodeJSON(w, r, &query) {
		return
	}

	matches, err := h.service.FindMatches(r.Context(), query)
	if err != nil {
		middleware.WriteAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, matchListResponse{Matches: matches, Count: len(matches)})
}
