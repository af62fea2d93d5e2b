// Package matching は紛失物と拾得物の照合スコアリングを提供する。
// テキスト・場所・画像の類似度スコアラーと、それらを重み付きで合成して
// 候補を順位付けする照合パイプラインを含む。
package matching

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minTokenLength より短い（2文字以下の）トークンは照合に使わない。
const minTokenLength = 3

// stopWords は照合から除外する英語の機能語。
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "are": {}, "was": {},
	"were": {}, "been": {}, "being": {}, "have": {}, "has": {}, "had": {},
	"does": {}, "did": {}, "will": {}, "would": {}, "could": {}, "should": {},
	"may": {}, "might": {}, "must": {}, "can": {}, "not": {}, "but": {},
	"you": {}, "your": {}, "his": {}, "her": {}, "its": {}, "our": {},
	"their": {}, "they": {}, "them": {}, "she": {}, "him": {}, "who": {},
	"which": {}, "what": {}, "when": {}, "where": {}, "some": {}, "any": {},
	"all": {}, "very": {}, "also": {}, "just": {}, "about": {}, "there": {},
}

// normalize は小文字化し、英数字と空白以外を空白に置き換える。
func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, s)
}

// Tokenize は説明文を照合用のトークン列に分割する。
// 小文字化・句読点除去・空白分割の後、2文字以下のトークンとストップワードを除外する。
// 出現順は保持する（語順類似度の計算に使用するため）。
func Tokenize(s string) []string {
	fields := strings.Fields(normalize(s))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < minTokenLength {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// TextSimilarity は2つの説明文の類似度を [0,1] で返す。
// 0.7×Jaccard係数 + 0.3×語順類似度。どちらかのトークン列が空なら0。
func TextSimilarity(a, b string) float64 {
	ta, tb := Tokenize(a), Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	if equalTokens(ta, tb) {
		return 1
	}
	return 0.7*jaccard(ta, tb) + 0.3*orderSimilarity(ta, tb)
}

// jaccard はトークン集合のJaccard係数 |A∩B| / |A∪B| を返す。
func jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// orderSimilarity は両方に現れるトークンについて、a側で隣接する共通トークンの組のうち
// b側でも同じ前後関係にある組の割合を返す。共通トークンが2つ未満なら0。
func orderSimilarity(a, b []string) float64 {
	posB := make(map[string]int, len(b))
	for i, t := range b {
		if _, seen := posB[t]; !seen {
			posB[t] = i
		}
	}

	seen := make(map[string]struct{}, len(a))
	var common []string
	for _, t := range a {
		if _, ok := posB[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		common = append(common, t)
	}

	if len(common) < 2 {
		return 0
	}

	agree := 0
	for i := 0; i+1 < len(common); i++ {
		if posB[common[i]] < posB[common[i+1]] {
			agree++
		}
	}
	return float64(agree) / float64(len(common)-1)
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
