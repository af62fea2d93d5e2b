package middleware

import (
	"net/http"
	"strings"
)

// 受付端末のフロントエンドが使うメソッドとヘッダー。
var (
	corsAllowMethods  = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}, ", ")
	corsAllowHeaders  = "Content-Type, Authorization"
	corsExposeHeaders = "Retry-After"
)

// corsPreflightMaxAge はプリフライト結果をブラウザがキャッシュできる秒数。
const corsPreflightMaxAge = "86400"

// NewCORSMiddleware は受付端末のオリジンだけにAPIを開放するCORSミドルウェアを返す。
// Originが一致しないリクエストにはCORSヘッダーを付けず、ブラウザ側で遮断させる。
// プリフライトは後続のハンドラーに渡さず204で応答する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin != "" && origin == allowedOrigin {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if origin == allowedOrigin {
					w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
					w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
					w.Header().Set("Access-Control-Max-Age", corsPreflightMaxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
