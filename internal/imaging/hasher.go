package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
)

// allowedMIME は解析する画像形式。
var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// URLValidator は取得前に写真URLの安全性を検証する。security.PhotoURLGuardが満たす。
type URLValidator interface {
	CheckPhotoURL(rawURL string) error
}

// Hasher は写真URLから画像を取得して平均ハッシュを計算する。
// httpClientにはsecurity.PhotoURLGuard.Clientのクライアントを渡すこと。
type Hasher struct {
	httpClient *http.Client
	validator  URLValidator
	logger     *slog.Logger
	maxSize    int64
}

// NewHasher はHasherを生成する。validatorはnilでもよい。
func NewHasher(httpClient *http.Client, validator URLValidator, logger *slog.Logger, maxSize int64) *Hasher {
	return &Hasher{
		httpClient: httpClient,
		validator:  validator,
		logger:     logger,
		maxSize:    maxSize,
	}
}

// HashURL は1枚の写真を取得し、平均ハッシュを16進文字列で返す。
func (h *Hasher) HashURL(ctx context.Context, rawURL string) (string, error) {
	if h.validator != nil {
		if err := h.validator.CheckPhotoURL(rawURL); err != nil {
			return "", fmt.Errorf("写真URLが不正です: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "LostFound/1.0")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("写真の取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("写真の取得でステータス %d が返されました", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxSize+1))
	if err != nil {
		return "", fmt.Errorf("写真の読み取りに失敗しました: %w", err)
	}
	if int64(len(data)) > h.maxSize {
		return "", fmt.Errorf("写真のサイズが上限 %d バイトを超えています", h.maxSize)
	}

	// Content-Typeヘッダーではなく実データから形式を判定する
	if detected := http.DetectContentType(data); !allowedMIME[detected] {
		return "", fmt.Errorf("未対応の画像形式です: %s", detected)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("画像のデコードに失敗しました: %w", err)
	}

	return FormatHash(AverageHash(img)), nil
}

// HashAll は複数の写真のハッシュを計算する。失敗した写真はログに記録して結果から除外する。
func (h *Hasher) HashAll(ctx context.Context, urls []string) map[string]string {
	hashes := make(map[string]string, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		hash, err := h.HashURL(ctx, u)
		if err != nil {
			h.logger.Warn("写真のハッシュ計算に失敗しました",
				slog.String("photo_url", u),
				slog.String("error", err.Error()),
			)
			continue
		}
		hashes[u] = hash
	}
	return hashes
}
