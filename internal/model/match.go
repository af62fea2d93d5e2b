package model

import "strings"

// PhotoSet は画像類似度の比較単位となる写真参照の集合。
// Hashesは知覚ハッシュが計算済みの写真についてのみ値を持つ。
type PhotoSet struct {
	URLs   []string
	Hashes map[string]string
}

// Empty は写真参照を1件も持たないかを返す。
func (p PhotoSet) Empty() bool {
	return len(p.URLs) == 0
}

// MatchQuery は照合クエリ。空のフィールドは照合要素に含めない。
type MatchQuery struct {
	Description string            `json:"description,omitempty"`
	Category    Category          `json:"category,omitempty"`
	Location    string            `json:"location,omitempty"`
	Photos      []string          `json:"photos,omitempty"`
	PhotoHashes map[string]string `json:"-"`
	// Side はクエリ側の届出種別。指定された場合は反対側の届出のみを候補とする。
	Side Side `json:"side,omitempty"`
	// ExcludeID は候補から除外する届出ID（届出自身との照合を防ぐ）。
	ExcludeID string `json:"-"`
}

// Empty は照合要素となるフィールドを1つも持たないかを返す。
func (q MatchQuery) Empty() bool {
	return strings.TrimSpace(q.Description) == "" &&
		q.Category == "" &&
		strings.TrimSpace(q.Location) == "" &&
		len(q.Photos) == 0
}

// PhotoSet はクエリの写真参照集合を返す。
func (q MatchQuery) PhotoSet() PhotoSet {
	return PhotoSet{URLs: q.Photos, Hashes: q.PhotoHashes}
}

// QueryFromItem は保存済みの届出から、その反対側を探すための照合クエリを組み立てる。
func QueryFromItem(item *Item) MatchQuery {
	return MatchQuery{
		Description: item.Description,
		Category:    item.Category,
		Location:    item.Location,
		Photos:      item.Photos,
		PhotoHashes: item.PhotoHashes,
		Side:        item.Side(),
		ExcludeID:   item.ID,
	}
}

// FactorName は照合要素の名前。
type FactorName string

const (
	FactorText     FactorName = "text"
	FactorCategory FactorName = "category"
	FactorLocation FactorName = "location"
	FactorImage    FactorName = "image"
)

// MatchFactor は総合スコアに寄与した1つの照合要素と、その説明。
type MatchFactor struct {
	Factor      FactorName `json:"factor"`
	Score       float64    `json:"score"`
	Weight      float64    `json:"weight"`
	Explanation string     `json:"explanation"`
}

// Quality は信頼度の帯域ラベル。
type Quality string

const (
	QualityHigh    Quality = "high"
	QualityMedium  Quality = "medium"
	QualityLow     Quality = "low"
	QualityVeryLow Quality = "very-low"
)

// QualityFor は信頼度（0〜100）から品質ラベルを決定する。
func QualityFor(confidence int) Quality {
	switch {
	case confidence >= 80:
		return QualityHigh
	case confidence >= 60:
		return QualityMedium
	case confidence >= 40:
		return QualityLow
	default:
		return QualityVeryLow
	}
}

// RankedMatch は照合結果の1候補。
type RankedMatch struct {
	Item         *Item         `json:"item"`
	Confidence   int           `json:"confidence"`
	MatchFactors []MatchFactor `json:"matchFactors"`
	Quality      Quality       `json:"quality"`
	TotalScore   float64       `json:"totalScore"`
}
