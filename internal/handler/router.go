package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/lostfound/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	StatusRecorder    middleware.HTTPStatusRecorder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	AdminToken        string

	// ヘルスチェック・メトリクス
	HealthChecker  HealthChecker // nilの場合は疎通確認を行わない
	MetricsHandler http.Handler  // nilの場合は/metricsを公開しない

	// 届出・照合
	ItemService  ItemServiceInterface
	MatchService MatchServiceInterface
	SweepService SweepServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	itemHandler := NewItemHandler(deps.ItemService)
	matchHandler := NewMatchHandler(deps.MatchService)
	adminHandler := NewAdminHandler(deps.SweepService)

	// --- レート制限対象外のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- APIルート ---
	// ミドルウェアスタック: RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/items", func(r chi.Router) {
			// POST /api/items - 届出登録（登録専用レート制限を追加）
			r.With(deps.RateLimiter.ReportMiddleware()).Post("/", itemHandler.ReportItem)
			r.Get("/", itemHandler.ListItems)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", itemHandler.GetItem)
				r.Patch("/", itemHandler.UpdateItem)
				r.With(middleware.NewAdminTokenMiddleware(deps.AdminToken)).Delete("/", itemHandler.DeleteItem)
				r.Get("/matches", itemHandler.ListMatchesForItem)
			})
		})

		r.Post("/api/matches", matchHandler.FindMatches)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.NewAdminTokenMiddleware(deps.AdminToken))
			r.Post("/sweep", adminHandler.Sweep)
		})
	})

	return r
}
