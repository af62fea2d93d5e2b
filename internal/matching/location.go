package matching

import "strings"

// 場所の類似度の定数。
const (
	locationExactScore    = 1.0
	locationContainsScore = 0.8
)

// LocationSimilarity は2つの場所表記の類似度を [0,1] で返す。
// 大文字小文字を無視した完全一致は1.0、一方が他方を部分文字列として含む場合は0.8、
// それ以外は単語集合のJaccard係数。どちらかが空なら0。
func LocationSimilarity(a, b string) float64 {
	la := strings.ToLower(strings.TrimSpace(a))
	lb := strings.ToLower(strings.TrimSpace(b))
	if la == "" || lb == "" {
		return 0
	}
	if la == lb {
		return locationExactScore
	}
	if strings.Contains(la, lb) || strings.Contains(lb, la) {
		return locationContainsScore
	}

	wa := strings.Fields(normalize(la))
	wb := strings.Fields(normalize(lb))
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	return jaccard(wa, wb)
}
