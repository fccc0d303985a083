package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力や外部APIから受け取った文字列をプレーンテキストに正規化する。
// 取引の説明文と外部アカウントのユーザー名にはSanitize、投稿本文にはPlainTextを使う。
type TextSanitizer interface {
	// Sanitize はHTMLタグを除去し、前後の空白を取り除き、maxRunes文字で切り詰める。
	// maxRunesが0以下の場合は切り詰めない。
	Sanitize(raw string, maxRunes int) string
	// PlainText はマークアップとして解釈せずに制御文字と前後の空白だけを取り除く。
	// "<" や "&" を含む文字列もそのまま残る。
	PlainText(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyを使うTextSanitizerの実装。
// bluemonday.Policyは並行利用できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したプレーンテキストを返す。
// StrictPolicyはテキスト中の記号をエスケープするため、最後に実体参照を戻す。
func (s *textSanitizer) Sanitize(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.TrimSpace(text)
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return text
}

// PlainText は不正なUTF-8と改行・タブ以外の制御文字を除去する。
// 外部プラットフォームへはプレーンテキストとして渡るため、タグの除去や切り詰めは行わない。
func (s *textSanitizer) PlainText(raw string) string {
	text := strings.ToValidUTF8(raw, "")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}
