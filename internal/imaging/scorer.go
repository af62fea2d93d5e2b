package imaging

import (
	"github.com/hitoshi/lostfound/internal/matching"
	"github.com/hitoshi/lostfound/internal/model"
)

// PerceptualScorer は保存済みの平均ハッシュを比較するImageSimilarityの実装。
// 両側の写真の組み合わせのうち最も類似度の高い組を採用する。
// どちらかの側にハッシュがない場合はfallbackに委譲する。
type PerceptualScorer struct {
	fallback matching.ImageSimilarity
}

// NewPerceptualScorer はPerceptualScorerを生成する。fallbackがnilの場合はStemImageScorerを使用する。
func NewPerceptualScorer(fallback matching.ImageSimilarity) *PerceptualScorer {
	if fallback == nil {
		fallback = matching.NewStemImageScorer()
	}
	return &PerceptualScorer{fallback: fallback}
}

// Similarity はmatching.ImageSimilarityを実装する。
func (s *PerceptualScorer) Similarity(a, b model.PhotoSet) float64 {
	ha := parsedHashes(a)
	hb := parsedHashes(b)
	if len(ha) == 0 || len(hb) == 0 {
		return s.fallback.Similarity(a, b)
	}

	best := 0.0
	for _, x := range ha {
		for _, y := range hb {
			if sim := Similarity(x, y); sim > best {
				best = sim
			}
		}
	}
	return best
}

// parsedHashes は写真集合のうちハッシュを持つ写真のハッシュ値を返す。解析できない値は無視する。
func parsedHashes(set model.PhotoSet) []uint64 {
	hashes := make([]uint64, 0, len(set.URLs))
	for _, u := range set.URLs {
		raw, ok := set.Hashes[u]
		if !ok {
			continue
		}
		h, err := ParseHash(raw)
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes
}
