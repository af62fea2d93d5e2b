package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hitoshi/lostfound/internal/model"
)

// CandidateSource は照合候補の取得元（届出リポジトリ）のインターフェース。
// 返却される届出はコピーであり、パイプラインが変更しても保存内容に影響しない。
type CandidateSource interface {
	List(ctx context.Context, filter model.ItemFilter) ([]*model.Item, error)
}

// Reranker は上位候補に対する外部再順位付けのインターフェース。
// 失敗時も例外を返さず、入力の信頼度を維持した結果を返すこと。
type Reranker interface {
	Rerank(ctx context.Context, query model.MatchQuery, matches []model.RankedMatch) []model.RankedMatch
}

// Pipeline は照合クエリに対して候補を採点・順位付けする照合パイプライン。
// リポジトリに対して読み取り専用であり、複数のgoroutineから同時に呼び出せる。
type Pipeline struct {
	source   CandidateSource
	images   ImageSimilarity
	reranker Reranker // nilの場合は再順位付けしない
	logger   *slog.Logger
	config   Config
	now      func() time.Time
}

// NewPipeline はPipelineの新しいインスタンスを生成する。
// imagesがnilの場合はStemImageScorerを使用する。rerankerはnilでもよい。
func NewPipeline(
	source CandidateSource,
	images ImageSimilarity,
	reranker Reranker,
	logger *slog.Logger,
	config Config,
) *Pipeline {
	if images == nil {
		images = NewStemImageScorer()
	}
	return &Pipeline{
		source:   source,
		images:   images,
		reranker: reranker,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// FindMatches はクエリに一致する候補を信頼度の降順で返す。
// 照合要素を1つも含まないクエリには空のリストを返す。
func (p *Pipeline) FindMatches(ctx context.Context, query model.MatchQuery) ([]model.RankedMatch, error) {
	if query.Empty() {
		return []model.RankedMatch{}, nil
	}

	notExpired := false
	candidates, err := p.source.List(ctx, model.ItemFilter{
		Status:    model.StatusActive,
		Expired:   &notExpired,
		Side:      query.Side.Opposite(),
		ExcludeID: query.ExcludeID,
	})
	if err != nil {
		return nil, fmt.Errorf("照合候補の取得に失敗しました: %w", err)
	}

	matches := p.Rank(query, candidates)

	if p.reranker != nil && len(matches) > 0 {
		matches = p.reranker.Rerank(ctx, query, matches)
	}

	for i := range matches {
		c := matches[i].Confidence
		matches[i].Item.MatchConfidence = &c
	}

	p.logger.Debug("照合が完了しました",
		slog.Int("candidate_count", len(candidates)),
		slog.Int("match_count", len(matches)),
	)

	return matches, nil
}

// Rank は候補を採点し、閾値で絞り込み、信頼度順に並べて上限件数に切り詰めた後、
// 写真・新着ブーストと品質ラベルを適用する。外部呼び出しを行わない決定的な処理。
// 同じ信頼度の候補は入力順を維持する。
func (p *Pipeline) Rank(query model.MatchQuery, candidates []*model.Item) []model.RankedMatch {
	matches := make([]model.RankedMatch, 0, len(candidates))
	for _, item := range candidates {
		total, factors := p.Score(query, item)
		if total < p.config.Threshold || total == 0 {
			continue
		}
		matches = append(matches, model.RankedMatch{
			Item:         item,
			Confidence:   toConfidence(total),
			MatchFactors: factors,
			TotalScore:   total,
		})
	}

	SortByConfidence(matches)
	if len(matches) > p.config.MaxResults {
		matches = matches[:p.config.MaxResults]
	}

	now := p.now()
	for i := range matches {
		matches[i].Confidence = p.boost(matches[i].Confidence, matches[i].Item, now)
	}
	SortByConfidence(matches)
	for i := range matches {
		matches[i].Quality = model.QualityFor(matches[i].Confidence)
	}

	return matches
}

// Score は1候補の重み付き総合スコアと、寄与した照合要素を返す。
// クエリに含まれない要素は採点せず、スコアが0の要素は記録しない。
func (p *Pipeline) Score(query model.MatchQuery, item *model.Item) (float64, []model.MatchFactor) {
	var total float64
	factors := []model.MatchFactor{}

	add := func(name model.FactorName, score, weight float64, explanation string) {
		if score <= 0 {
			return
		}
		total += score * weight
		factors = append(factors, model.MatchFactor{
			Factor:      name,
			Score:       score,
			Weight:      weight,
			Explanation: explanation,
		})
	}

	if query.Description != "" {
		s := TextSimilarity(query.Description, item.Description)
		add(model.FactorText, s, p.config.TextWeight,
			fmt.Sprintf("説明文の一致度 %d%%", percent(s)))
	}

	if query.Category != "" && query.Category == item.Category {
		add(model.FactorCategory, 1, p.config.CategoryWeight,
			fmt.Sprintf("カテゴリが一致 (%s)", item.Category))
	}

	if query.Location != "" {
		s := LocationSimilarity(query.Location, item.Location)
		add(model.FactorLocation, s, p.config.LocationWeight,
			fmt.Sprintf("場所の一致度 %d%% (%s)", percent(s), item.Location))
	}

	if len(query.Photos) > 0 && len(item.Photos) > 0 {
		s := clamp01(p.images.Similarity(query.PhotoSet(), item.PhotoSet()))
		add(model.FactorImage, s, p.config.ImageWeight,
			fmt.Sprintf("写真の類似度 %d%%", percent(s)))
	}

	return total, factors
}

// boost は写真の有無と届出の新しさに応じて信頼度を加点する。上限は100。
// 1日未満と7日未満の加点は排他で、大きい方のみ適用する。
func (p *Pipeline) boost(confidence int, item *model.Item, now time.Time) int {
	if len(item.Photos) > 0 {
		confidence += p.config.PhotoBoost
	}

	age := now.Sub(item.CreatedAt)
	switch {
	case age < dayAge:
		confidence += max(p.config.DayBoost, p.config.WeekBoost)
	case age < weekAge:
		confidence += p.config.WeekBoost
	}

	return min(confidence, 100)
}

// SortByConfidence は信頼度の降順で安定ソートする。
func SortByConfidence(matches []model.RankedMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
}

// toConfidence は総合スコアを0〜100の整数の信頼度に変換する。
func toConfidence(total float64) int {
	c := int(math.Round(total * 100))
	if c > 100 {
		return 100
	}
	if c < 0 {
		return 0
	}
	return c
}

func percent(score float64) int {
	return int(math.Round(score * 100))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
