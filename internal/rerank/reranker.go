package rerank

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/lostfound/internal/matching"
	"github.com/hitoshi/lostfound/internal/metrics"
	"github.com/hitoshi/lostfound/internal/model"
)

// Config は再順位付けの設定。
type Config struct {
	// TopK は外部スコアリングの対象とする上位候補数。
	TopK int
	// Timeout は1候補あたりの外部呼び出しのタイムアウト。
	Timeout time.Duration
	// RatePerSec は外部呼び出しの毎秒上限。0以下の場合は制限しない。
	RatePerSec float64
	// Concurrency は同時に実行する外部呼び出しの上限。
	Concurrency int
}

// DefaultConfig はデフォルトの再順位付け設定を返す。
func DefaultConfig() Config {
	return Config{
		TopK:        6,
		Timeout:     5 * time.Second,
		RatePerSec:  5,
		Concurrency: 6,
	}
}

// ブレンド比率（ローカル信頼度 : 外部スコア）
const (
	localWeight    = 0.6
	externalWeight = 0.4
)

// OutcomeRecorder は外部スコアリングの結果を記録する。metrics.Collectorが満たす。
type OutcomeRecorder interface {
	RecordRerankOutcome(outcome string)
}

// Reranker は上位候補について外部スコアラーの判定を取得し、ローカルの信頼度と合成する。
// 失敗した候補はローカルの信頼度を維持し、エラーは呼び出し元に返さない。
type Reranker struct {
	scorer   RelevanceScorer
	limiter  *rate.Limiter
	recorder OutcomeRecorder
	logger   *slog.Logger
	config   Config
}

// NewReranker はRerankerの新しいインスタンスを生成する。recorderはnilでもよい。
func NewReranker(scorer RelevanceScorer, recorder OutcomeRecorder, logger *slog.Logger, config Config) *Reranker {
	if config.TopK <= 0 {
		config.TopK = DefaultConfig().TopK
	}
	if config.Concurrency <= 0 {
		config.Concurrency = config.TopK
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	limit := rate.Inf
	if config.RatePerSec > 0 {
		limit = rate.Limit(config.RatePerSec)
	}

	return &Reranker{
		scorer:   scorer,
		limiter:  rate.NewLimiter(limit, config.TopK),
		recorder: recorder,
		logger:   logger,
		config:   config,
	}
}

// Rerank は上位TopK件を並行に外部スコアリングし、信頼度を合成した後に
// 全体を信頼度の降順で安定ソートし、品質ラベルを再計算する。
// 各呼び出しは個別のタイムアウトを持ち、1件の失敗が他の候補に影響しない。
func (r *Reranker) Rerank(ctx context.Context, query model.MatchQuery, matches []model.RankedMatch) []model.RankedMatch {
	out := make([]model.RankedMatch, len(matches))
	copy(out, matches)

	k := min(r.config.TopK, len(out))
	if k == 0 {
		return out
	}

	swg := sizedwaitgroup.New(r.config.Concurrency)
	for i := 0; i < k; i++ {
		swg.Add()
		go func(i int) {
			defer swg.Done()
			r.rescore(ctx, query, &out[i])
		}(i)
	}
	swg.Wait()

	matching.SortByConfidence(out)
	for i := range out {
		out[i].Quality = model.QualityFor(out[i].Confidence)
	}
	return out
}

// rescore は1候補の外部スコアを取得して信頼度を合成する。失敗時は変更しない。
func (r *Reranker) rescore(ctx context.Context, query model.MatchQuery, m *model.RankedMatch) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	start := time.Now()
	score, err := r.score(callCtx, query, m.Item)
	if err != nil {
		r.record(metrics.RerankFailure)
		r.logger.Warn("外部関連度スコアリングに失敗しました。ローカルの信頼度を維持します",
			slog.String("item_id", m.Item.ID),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("error", err.Error()),
		)
		return
	}

	r.record(metrics.RerankSuccess)
	m.Confidence = Blend(m.Confidence, score)
}

func (r *Reranker) score(ctx context.Context, query model.MatchQuery, item *model.Item) (float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return r.scorer.Score(ctx, query, item)
}

func (r *Reranker) record(outcome string) {
	if r.recorder != nil {
		r.recorder.RecordRerankOutcome(outcome)
	}
}

// Blend はローカルの信頼度（0〜100）と外部スコア（0〜1）を合成する。
func Blend(local int, external float64) int {
	v := localWeight*float64(local) + externalWeight*external*100
	return int(math.Round(math.Min(100, v)))
}
