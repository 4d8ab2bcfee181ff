// Package playlist renders the accumulation store's ok entries as an M3U document
// and keeps the on-disk playlist file consistent for readers.
package playlist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/snapetech/iptvharvest/internal/atomicfile"
	"github.com/snapetech/iptvharvest/internal/indexer"
	"github.com/snapetech/iptvharvest/internal/store"
)

// OKSource yields the entries to publish, already in output order.
type OKSource interface {
	SelectOK(ctx context.Context) ([]store.Entry, error)
}

// Header returns the #EXTM3U line, with x-tvg-url when EPG URLs are given.
func Header(epgURLs []string) string {
	if len(epgURLs) == 0 {
		return "#EXTM3U\n"
	}
	return `#EXTM3U x-tvg-url="` + escapeAttr(strings.Join(epgURLs, ",")) + "\"\n"
}

// Render produces the full playlist for every ok entry in src.
// The output depends only on the entries and epgURLs.
func Render(ctx context.Context, src OKSource, epgURLs []string) ([]byte, int, error) {
	entries, err := src.SelectOK(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("playlist: select ok: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(Header(epgURLs))
	for _, e := range entries {
		buf.WriteString(formatEntry(e.URL, e.Title, e.Logo))
	}
	return buf.Bytes(), len(entries), nil
}

// WriteFile replaces path atomically with data.
func WriteFile(path string, data []byte) error {
	return atomicfile.WriteFile(path, data)
}

// EnsureHeader creates path with a bare header, or prepends the header to an existing
// file whose first non-blank line is not #EXTM3U. Existing content is kept.
func EnsureHeader(path string, epgURLs []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("playlist: read %s: %w", path, err)
		}
		return atomicfile.WriteFile(path, []byte(Header(epgURLs)))
	}
	if bytes.HasPrefix(bytes.TrimLeft(data, "\ufeff \t\r\n"), []byte("#EXTM3U")) {
		return nil
	}
	out := make([]byte, 0, len(data)+64)
	out = append(out, Header(epgURLs)...)
	out = append(out, data...)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		out = append(out, '\n')
	}
	return atomicfile.WriteFile(path, out)
}

// DisplayTitle is the title written for an entry: the stored title, else one guessed
// from the URL, else "Channel".
func DisplayTitle(title, url string) string {
	title = sanitizeTitle(title)
	if title == "" {
		title = sanitizeTitle(indexer.GuessTitleFromURL(url))
	}
	if title == "" {
		return "Channel"
	}
	return title
}

func formatEntry(url, title, logo string) string {
	var sb strings.Builder
	sb.WriteString("#EXTINF:-1")
	if logo = strings.TrimSpace(logo); logo != "" {
		sb.WriteString(` tvg-logo="` + escapeAttr(logo) + `"`)
	}
	sb.WriteString("," + DisplayTitle(title, url) + "\n")
	sb.WriteString(url + "\n")
	return sb.String()
}

// sanitizeTitle keeps a title on one line and free of commas, which would split it on re-read.
func sanitizeTitle(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ',', '\r', '\n', '\t':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func escapeAttr(s string) string {
	s = strings.NewReplacer(`"`, "'", "\r", "", "\n", "").Replace(s)
	return s
}

// scanURLs returns the URL lines (non-blank, non-#) of an M3U file.
func scanURLs(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
