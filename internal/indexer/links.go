package indexer

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var playlistURLRe = regexp.MustCompile(`https?://[^\s"'<>]+?\.m3u8?(?:\?[^\s"'<>]*)?(?:["'<>\s]|$)`)

// LooksLikeM3U reports whether body starts like an M3U document (after whitespace/BOM).
func LooksLikeM3U(body []byte) bool {
	b := bytes.TrimLeft(body, "\ufeff \t\r\n")
	return bytes.HasPrefix(b, []byte("#EXTM3U")) || bytes.HasPrefix(b, []byte("#EXTINF"))
}

// LooksLikeHTML reports whether body is an HTML page rather than playlist text.
func LooksLikeHTML(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// PlaylistLinks finds absolute playlist URLs anywhere in plain text (README files, .txt lists).
func PlaylistLinks(text []byte) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range playlistURLRe.FindAll(text, -1) {
		s := strings.TrimRight(string(m), "\"'<> \t\r\n")
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// HTMLPlaylistLinks returns the playlist links (<a href> and <source src>) of an HTML page,
// resolved against baseURL. Parse failures yield no links.
func HTMLPlaylistLinks(body []byte, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(baseURL)
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		abs, ok := resolve(base, raw)
		if !ok || !IsPlaylistURL(abs) || seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, abs)
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href)
	})
	doc.Find("source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src)
	})
	return out
}
