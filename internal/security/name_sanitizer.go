package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength はusers.nameカラムに収まる表示名の最大文字数。
const MaxDisplayNameLength = 255

// NameSanitizer は登録時の表示名からHTMLと制御文字を取り除く。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はタグを一切許可しないポリシーでNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLタグと制御文字を除去し、前後の空白を削って最大長に切り詰める。
// bluemondayがエスケープした実体参照は元の文字に戻す。JSONで返すためHTMLエスケープは不要。
func (s *NameSanitizer) Sanitize(name string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(name))
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > MaxDisplayNameLength {
		cleaned = string([]rune(cleaned)[:MaxDisplayNameLength])
	}
	return cleaned
}
