// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizerService は届出の自由記述欄からマークアップを除去し、
// 一覧画面等での表示時にXSSの原因となる文字列を保存しないようにする。
// PhotoURLGuard は写真URLの取得先を公開ホストに限定する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は自由記述テキストのサニタイズ機能のインターフェースを定義する。
// 届出の作成時と更新時に使用される。
type TextSanitizerService interface {
	// Sanitize は全てのHTMLタグを除去したプレーンテキストを返す。
	// 制御文字を除去し、連続する空白を1つにまとめて前後の空白を取り除く。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
// script, styleタグは内容ごと除去され、その他のタグは内容のテキストのみ残る。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はテキストをサニタイズする。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyはエスケープした文字列を返すため、保存用にプレーンテキストへ戻す
	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, stripped)

	return strings.Join(strings.Fields(cleaned), " ")
}
