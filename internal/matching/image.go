package matching

import (
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/lostfound/internal/model"
)

// ImageSimilarity は写真参照集合どうしの類似度を [0,1] で返す差し替え可能な機能。
// 照合パイプラインは両側に写真がある場合にのみ呼び出す。
type ImageSimilarity interface {
	Similarity(a, b model.PhotoSet) float64
}

// StemImageScorer はファイル名の語幹を比較する決定的な既定実装。
// 共通する語幹、または一方が他方を含む語幹があれば強い一致とみなし、
// それ以外は低信頼のプレースホルダ値を返す。
type StemImageScorer struct {
	StrongScore      float64
	PlaceholderScore float64
}

// NewStemImageScorer はデフォルト値（一致0.9、不一致0.2）のStemImageScorerを生成する。
func NewStemImageScorer() *StemImageScorer {
	return &StemImageScorer{
		StrongScore:      0.9,
		PlaceholderScore: 0.2,
	}
}

// minStemLength 未満の語幹は部分一致の判定に使わない（"1"や"im"で誤一致しないように）。
const minStemLength = 3

// Similarity はImageSimilarityを実装する。
func (s *StemImageScorer) Similarity(a, b model.PhotoSet) float64 {
	if a.Empty() || b.Empty() {
		return 0
	}

	stemsA := photoStems(a.URLs)
	stemsB := photoStems(b.URLs)
	for _, sa := range stemsA {
		for _, sb := range stemsB {
			if sa == sb || strings.Contains(sa, sb) || strings.Contains(sb, sa) {
				return s.StrongScore
			}
		}
	}
	return s.PlaceholderScore
}

// photoStems は写真参照（URLまたはパス）から拡張子を除いたファイル名を小文字で取り出す。
func photoStems(refs []string) []string {
	stems := make([]string, 0, len(refs))
	for _, ref := range refs {
		p := ref
		if u, err := url.Parse(ref); err == nil && u.Path != "" {
			p = u.Path
		}
		base := path.Base(p)
		stem := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
		if utf8.RuneCountInString(stem) < minStemLength {
			continue
		}
		stems = append(stems, stem)
	}
	return stems
}
