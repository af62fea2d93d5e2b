package matching

import (
	"fmt"
	"time"
)

// Config は照合パイプラインの重み・閾値・ブースト値をまとめた設定値オブジェクト。
// 構築時にパイプラインへ渡され、実行中は変更しない。
type Config struct {
	// 各照合要素の重み
	TextWeight     float64
	CategoryWeight float64
	LocationWeight float64
	ImageWeight    float64

	// Threshold 未満の総合スコアの候補は破棄する。
	Threshold float64
	// MaxResults は返却する候補の上限。
	MaxResults int

	// 信頼度への加点（上限100）
	PhotoBoost int
	DayBoost   int // 作成から1日未満
	WeekBoost  int // 作成から7日未満（DayBoostと排他）
}

// 新着判定の境界。
const (
	dayAge  = 24 * time.Hour
	weekAge = 7 * 24 * time.Hour
)

// DefaultConfig はデフォルトの照合設定を返す。
func DefaultConfig() Config {
	return Config{
		TextWeight:     0.4,
		CategoryWeight: 0.3,
		LocationWeight: 0.2,
		ImageWeight:    0.1,
		Threshold:      0.3,
		MaxResults:     10,
		PhotoBoost:     5,
		DayBoost:       10,
		WeekBoost:      5,
	}
}

// Validate は設定値の範囲を検証する。
func (c Config) Validate() error {
	weights := map[string]float64{
		"text":     c.TextWeight,
		"category": c.CategoryWeight,
		"location": c.LocationWeight,
		"image":    c.ImageWeight,
	}
	for name, w := range weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s weight must be within [0,1]: %v", name, w)
		}
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1]: %v", c.Threshold)
	}
	if c.MaxResults <= 0 {
		return fmt.Errorf("max results must be positive: %d", c.MaxResults)
	}
	if c.PhotoBoost < 0 || c.DayBoost < 0 || c.WeekBoost < 0 {
		return fmt.Errorf("boosts must not be negative")
	}
	return nil
}
