// Package rerank は外部の関連度スコアラーを用いた照合結果の再順位付けを提供する。
// 上位候補のみを対象とし、外部呼び出しの失敗時はローカルの信頼度を維持する。
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/hitoshi/lostfound/internal/model"
)

// ErrMalformedScore は外部スコアラーの応答から [0,1] の数値を読み取れなかったことを表す。
var ErrMalformedScore = errors.New("malformed relevance score")

// RelevanceScorer はクエリと候補の意味的な関連度を [0,1] で返す外部スコアリング機能。
// 呼び出し側がctxでタイムアウトを指定する。
type RelevanceScorer interface {
	Score(ctx context.Context, query model.MatchQuery, candidate *model.Item) (float64, error)
}

const (
	// maxResponseSize は応答ボディの読み取り上限。
	maxResponseSize = 1 << 20
	// defaultModel は既定のモデル名。
	defaultModel = "gpt-4o-mini"
)

// systemPrompt は関連度判定の指示。
const systemPrompt = "You compare a lost-item report with a found-item report at a pilgrimage event. " +
	"Reply with a single number between 0 and 1 indicating how likely they describe the same object. " +
	"Reply with the number only."

// numberPattern は応答テキスト中の最初の数値にマッチする。
var numberPattern = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// LLMScorer はOpenAI互換のchat completions APIを呼び出すRelevanceScorer。
type LLMScorer struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	apiKey     string
	model      string
}

// NewLLMScorer はLLMScorerの新しいインスタンスを生成する。
// modelが空の場合は既定のモデルを使用する。
func NewLLMScorer(httpClient *http.Client, logger *slog.Logger, endpoint, apiKey, model string) *LLMScorer {
	if model == "" {
		model = defaultModel
	}
	return &LLMScorer{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Score はクエリと候補の要約を送信し、応答の最初の数値を関連度として返す。
func (s *LLMScorer) Score(ctx context.Context, query model.MatchQuery, candidate *model.Item) (float64, error) {
	if s.endpoint == "" {
		return 0, errors.New("再順位付けのエンドポイントが設定されていません")
	}

	body, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(query, candidate)},
		},
		Temperature: 0,
		MaxTokens:   8,
	})
	if err != nil {
		return 0, fmt.Errorf("リクエストのシリアライズに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "LostFound/1.0")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("関連度APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("関連度APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("item_id", candidate.ID),
		)
		return 0, fmt.Errorf("関連度APIがステータス %d を返しました", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}
	if len(parsed.Choices) == 0 {
		return 0, fmt.Errorf("%w: choicesが空です", ErrMalformedScore)
	}

	return ParseScore(parsed.Choices[0].Message.Content)
}

// ParseScore は応答テキストの最初の数値を取り出し、[0,1] の範囲であれば返す。
func ParseScore(text string) (float64, error) {
	match := numberPattern.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("%w: %q", ErrMalformedScore, text)
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedScore, text)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: 範囲外の値 %v", ErrMalformedScore, v)
	}
	return v, nil
}

// buildPrompt はクエリと候補の要約をプロンプトに整形する。
func buildPrompt(query model.MatchQuery, candidate *model.Item) string {
	var b strings.Builder
	b.WriteString("Lost item report:\n")
	writeField(&b, "Category", string(query.Category))
	writeField(&b, "Description", query.Description)
	writeField(&b, "Location", query.Location)
	b.WriteString("\nFound item report:\n")
	writeField(&b, "Category", string(candidate.Category))
	writeField(&b, "Description", candidate.Description)
	writeField(&b, "Location", candidate.Location)
	writeField(&b, "Reported at", candidate.CreatedAt.UTC().Format("2006-01-02 15:04 MST"))
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", name, value)
}
