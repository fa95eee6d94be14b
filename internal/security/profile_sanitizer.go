package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はユーザーが入力するプロフィール文字列（氏名・自己紹介など）から
// HTMLを除去する。
type ProfileSanitizer interface {
	// SanitizeText はタグをすべて取り除き、前後の空白を削除したプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す。
	SanitizeText(s string) string
}

type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はStrictPolicyを使うProfileSanitizerを生成する。
func NewProfileSanitizer() ProfileSanitizer {
	return &profileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去する。
// bluemondayはテキストをエスケープして返すため、保存用に一度だけアンエスケープする。
func (s *profileSanitizer) SanitizeText(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}
