package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラー内のpanicを500応答に変換するミドルウェアを返す。
// 係員が受付端末に表示されたIDからログを辿れるよう、X-Request-Idを応答に載せる。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// クライアント切断による中断はnet/httpに任せる
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				reqID := chimw.GetReqID(r.Context())
				slog.Error("届出APIのハンドラーでpanicが発生しました",
					slog.Any("panic", rec),
					slog.String("request_id", reqID),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				if reqID != "" {
					w.Header().Set("X-Request-Id", reqID)
				}
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
