package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTitleLength はグラウンディング元タイトルの最大文字数。
const MaxTitleLength = 200

// Link はグラウンディング元の参照リンク。
type Link struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// LinkSanitizer はバックエンドが返した参照リンクを応答に含める前に整える。
// タイトルからはHTMLを完全に除去し、URIはhttp/httpsの絶対URLのみ残す。
type LinkSanitizer struct {
	policy *bluemonday.Policy
}

// NewLinkSanitizer はLinkSanitizerを生成する。
func NewLinkSanitizer() *LinkSanitizer {
	return &LinkSanitizer{policy: bluemonday.StrictPolicy()}
}

// Title はタイトルをプレーンテキストに変換する。空白は1つにまとめる。
func (s *LinkSanitizer) Title(raw string) string {
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > MaxTitleLength {
		text = string(r[:MaxTitleLength])
	}
	return text
}

// Links は不正なURIを除き、URIの重複を取り除いたリンク一覧を返す。
// 出現順を保つ。タイトルが空の場合はホスト名を使う。
func (s *LinkSanitizer) Links(raw []Link) []Link {
	out := make([]Link, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, l := range raw {
		u, err := url.Parse(strings.TrimSpace(l.URI))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		uri := u.String()
		if seen[uri] {
			continue
		}
		seen[uri] = true

		title := s.Title(l.Title)
		if title == "" {
			title = u.Hostname()
		}
		out = append(out, Link{URI: uri, Title: title})
	}
	return out
}
