// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はアイテム本文のHTML断片をサニタイズし、
// 保存済みの本文をページに埋め込む際のXSSを防ぐ。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// リモート側が本文に使うタグのみを通過させる。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はアイテム本文のサニタイズ機能のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize はHTML断片をサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, i, em, b, strong, pre, code, blockquote, a）のみを通過させ、
	// aタグのhrefはhttp/https/mailtoの絶対URLのみ許可する。
	// aタグにはrel="nofollow"が自動付与される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで除去される
	p.AllowElements(
		"p", "br", "i", "em", "b", "strong",
		"pre", "code", "blockquote",
	)

	p.AllowAttrs("href").OnElements("a")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireNoFollowOnLinks(true)

	return &textSanitizer{
		policy: p,
	}
}

// Sanitize はHTML断片をサニタイズして安全なHTMLを返す。
func (s *textSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// FixParagraphs は段落の区切りにだけ<p>を置く本文を、閉じた段落の並びに変換する。
// 利用者が入力した "<p>" はエスケープ済みで保存されているため影響しない。
func FixParagraphs(text string) string {
	return "<p>" + strings.ReplaceAll(text, "<p>", "</p><p>") + "</p>"
}
