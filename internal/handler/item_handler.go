package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/lostfound/internal/item"
	"github.com/hitoshi/lostfound/internal/middleware"
	"github.com/hitoshi/lostfound/internal/model"
)

// ItemServiceInterface は届出ハンドラーが必要とするサービスインターフェース。item.Serviceが満たす。
type ItemServiceInterface interface {
	ReportItem(ctx context.Context, in item.ReportInput) (*model.Item, error)
	UpdateItem(ctx context.Context, id string, in item.UpdateInput) (*model.Item, error)
	GetItem(ctx context.Context, id string) (*model.Item, error)
	ListItems(ctx context.Context, filter model.ItemFilter) ([]*model.Item, error)
	DeleteItem(ctx context.Context, id string) error
	FindMatchesForItem(ctx context.Context, id string) ([]model.RankedMatch, error)
}

// ItemHandler は届出管理のHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

// --- リクエスト/レスポンス型 ---

// reportItemRequest は届出登録リクエストのボディ。
type reportItemRequest struct {
	ID           string             `json:"id"`
	Category     model.Category     `json:"category"`
	Description  string             `json:"description"`
	Location     string             `json:"location"`
	ReporterRole model.ReporterRole `json:"reporterRole"`
	ReportedBy   string             `json:"reportedBy"`
	ContactName  string             `json:"contactName"`
	ContactPhone string             `json:"contactPhone"`
	Photos       []string           `json:"photos"`
	Tags         []string           `json:"tags"`
}

// updateItemRequest は届出更新リクエストのボディ。省略したフィールドは変更しない。
type updateItemRequest struct {
	Description  *string       `json:"description,omitempty"`
	Location     *string       `json:"location,omitempty"`
	ContactName  *string       `json:"contactName,omitempty"`
	ContactPhone *string       `json:"contactPhone,omitempty"`
	Photos       *[]string     `json:"photos,omitempty"`
	Tags         *[]string     `json:"tags,omitempty"`
	Status       *model.Status `json:"status,omitempty"`
	UpdatedBy    string        `json:"updatedBy,omitempty"`
}

// itemListResponse は届出一覧のレスポンス。
type itemListResponse struct {
	Items []*model.Item `json:"items"`
	Count int           `json:"count"`
}

// matchListResponse は照合結果のレスポンス。
type matchListResponse struct {
	Matches []model.RankedMatch `json:"matches"`
	Count   int                 `json:"count"`
}

// ReportItem は届出を登録する。
// POST /api/items
func (h *ItemHandler) ReportItem(w http.ResponseWriter, r *http.Request) {
	var req reportItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	stored, err := h.service.ReportItem(r.Context(), item.ReportInput{
		ID:           req.ID,
		Category:     req.Category,
		Description:  req.Description,
		Location:     req.Location,
		ReporterRole: req.ReporterRole,
		ReportedBy:   req.ReportedBy,
		ContactName:  req.ContactName,
		ContactPhone: req.ContactPhone,
		Photos:       req.Photos,
		Tags:         req.Tags,
	})
	if err != nil {
		middleware.WriteAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// ListItems は届出一覧を取得する。
// GET /api/items?status=&category=&reporterRole=&side=&search=&expired=
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ItemFilter{
		Status:       model.Status(q.Get("status")),
		Category:     model.Category(q.Get("category")),
		ReporterRole: model.ReporterRole(q.Get("reporterRole")),
		Side:         model.Side(q.Get("side")),
		Search:       q.Get("search"),
	}

	if raw := q.Get("expired"); raw != "" {
		expired, err := strconv.ParseBool(raw)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				model.NewValidationError("expired", "true または false を指定してください"))
			return
		}
		filter.Expired = &expired
	}

	items, err := h.service.ListItems(r.Context(), filter)
	if err != nil {
		middleware.WriteAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, itemListResponse{Items: items, Count: len(items)})
}

// GetItem は届出詳細を取得する。
// GET /api/items/:id
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	found, err := h.service.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, found)
}

// UpdateItem は届出を部分更新する。状態の変更は状態遷移ルールに従う。
// PATCH /api/items/:id
func (h *ItemHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := h.service.UpdateItem(r.Context(), chi.URLParam(r, "id"), item.UpdateInput{
		Description:  req.Description,
		Location:     req.Location,
		ContactName:  req.ContactName,
		ContactPhone: req.ContactPhone,
		Photos:       req.Photos,
		Tags:         req.Tags,
		Status:       req.Status,
		UpdatedBy:    req.UpdatedBy,
	})
	if err != nil {
		middleware.WriteAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeleteItem は届出を削除する。
// DELETE /api/items/:id
func (h *ItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		middleware.WriteAPIError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMatchesForItem は保存済みの届出に対する照合候補を取得する。
// GET /api/items/:id/matches
func (h *ItemHandler) ListMatchesForItem(w http.ResponseWriter, r *http.Request) {
	matches, err := h.service.FindMatchesForItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, matchListResponse{Matches: matches, Count: len(matches)})
}
