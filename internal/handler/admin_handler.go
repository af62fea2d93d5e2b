package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/lostfound/internal/middleware"
)

// SweepServiceInterface は期限切れ処理のサービスインターフェース。
type SweepServiceInterface interface {
	SweepExpired(ctx context.Context) (int, error)
}

// AdminHandler は管理操作のHTTPハンドラー。
type AdminHandler struct {
	sweeper SweepServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(sweeper SweepServiceInterface) *AdminHandler {
	return &AdminHandler{sweeper: sweeper}
}

// sweepResponse は期限切れ処理のレスポンス。
type sweepResponse struct {
	ExpiredCount int `json:"expiredCount"`
}

// Sweep は期限を過ぎた届出をexpiredに遷移させる。外部スケジューラから呼び出される。
// POST /api/admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	count, err := h.sweeper.SweepExpired(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sweepResponse{ExpiredCount: count})
}
