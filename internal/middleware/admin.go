package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/lostfound/internal/model"
)

// NewAdminTokenMiddleware は管理用エンドポイントのBearerトークンを検証するミドルウェアを返す。
// tokenが空の場合は検証を行わない（スケジューラと同一ネットワーク内での運用を想定）。
func NewAdminTokenMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("admin token rejected",
					slog.String("client_ip", ClientIP(r)),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     ErrCodeUnauthorized,
					Message:  "管理用トークンが正しくありません。",
					Category: "auth",
					Action:   "Authorizationヘッダーに正しいBearerトークンを指定してください。",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
