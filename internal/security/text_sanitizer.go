// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は氏名や却下理由などの自由入力テキストからHTMLを除去する。
// URLGuard はアバターURLの静的検証と、SSRF防止付きクライアントによる到達確認を行う。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキスト入力のサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// SanitizeText はHTMLタグを除去し、空白を1つに詰めたテキストを返す。
	// maxRunesが正の場合はその文字数で切り詰める。
	SanitizeText(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyでタグをすべて除去する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyがエスケープした文字実体参照は元の文字に戻し、山括弧のみ除去する。
func (s *textSanitizer) SanitizeText(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.NewReplacer("<", "", ">", "").Replace(cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if maxRunes > 0 && utf8.RuneCountInString(cleaned) > maxRunes {
		cleaned = strings.TrimSpace(string([]rune(cleaned)[:maxRunes]))
	}
	return cleaned
}
