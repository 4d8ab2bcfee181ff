package indexer

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/snapetech/iptvharvest/internal/safeurl"
)

const maxLineSize = 1 << 20 // 1 MiB per line

// Entry is one stream candidate pulled from a playlist.
type Entry struct {
	URL   string
	Title string // empty when the stream had no #EXTINF line
	Logo  string
}

// Result is everything Extract found in one document.
type Result struct {
	Entries []Entry
	// Playlists are nested playlist references (bare .m3u/.m3u8 lines with no metadata).
	// They are never returned as entries.
	Playlists []string
}

var playlistExts = []string{".m3u", ".m3u8"}

// Extract parses M3U text and returns stream candidates and nested playlist references.
// Relative lines are resolved against baseURL. Malformed lines are skipped; Extract never fails.
func Extract(body []byte, baseURL string) Result {
	var res Result
	base, _ := url.Parse(baseURL)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(nil, maxLineSize)

	var pending *extinf
	flush := func() {
		if pending != nil && pending.trailingURL != "" {
			res.Entries = append(res.Entries, Entry{URL: pending.trailingURL, Title: pending.title, Logo: pending.logo})
		}
		pending = nil
	}
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXTINF") {
			flush()
			pending = parseEXTINF(line)
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.ContainsAny(line, " \t") {
			continue
		}
		resolved, ok := resolve(base, line)
		if !ok {
			continue
		}
		if pending == nil {
			if IsPlaylistURL(resolved) {
				res.Playlists = append(res.Playlists, resolved)
				continue
			}
			res.Entries = append(res.Entries, Entry{URL: resolved})
			continue
		}
		res.Entries = append(res.Entries, Entry{URL: resolved, Title: pending.title, Logo: pending.logo})
		pending = nil
	}
	// A scanner error (oversized line) still leaves the partial result usable.
	flush()
	return res
}

type extinf struct {
	title       string
	logo        string
	trailingURL string
}

func parseEXTINF(line string) *extinf {
	e := &extinf{logo: attr(line, "tvg-logo")}
	trailing := ""
	if i := strings.LastIndex(line, ","); i >= 0 {
		trailing = strings.TrimSpace(line[i+1:])
	}
	if looksLikeURL(trailing) {
		if safeurl.IsAllowed(trailing) {
			e.trailingURL = trailing
		}
		trailing = ""
	}
	e.title = ChannelName(line, trailing)
	return e
}

// ChannelName picks the display title for a metadata line: the trailing text after the
// last comma, else tvg-name, else a short hash of the line so every entry has a stable title.
func ChannelName(line, trailing string) string {
	if trailing != "" {
		return trailing
	}
	if n := strings.TrimSpace(attr(line, "tvg-name")); n != "" {
		return n
	}
	sum := sha256.Sum256([]byte(line))
	return hex.EncodeToString(sum[:])[:12]
}

// attr returns the value of key="..." (or key='...') in an #EXTINF line.
func attr(line, key string) string {
	for _, q := range []string{`"`, `'`} {
		prefix := key + "=" + q
		i := strings.Index(line, prefix)
		if i < 0 {
			continue
		}
		i += len(prefix)
		j := strings.Index(line[i:], q)
		if j < 0 {
			return ""
		}
		return strings.TrimSpace(line[i : i+j])
	}
	return ""
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "://") && !strings.ContainsAny(s, " \t")
}

// resolve makes line absolute against base and keeps only schemes a channel may use.
func resolve(base *url.URL, line string) (string, bool) {
	u, err := url.Parse(line)
	if err != nil {
		return "", false
	}
	if !u.IsAbs() {
		if base == nil || !base.IsAbs() {
			return "", false
		}
		u = base.ResolveReference(u)
	}
	s := u.String()
	if !safeurl.IsAllowed(s) {
		return "", false
	}
	return s, true
}

// IsPlaylistURL reports whether the URL path ends in a playlist extension.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	for _, e := range playlistExts {
		if ext == e {
			return true
		}
	}
	return false
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// GuessTitleFromURL turns the last path segment into a title:
// ".../bbc_news-hd.m3u8" becomes "Bbc News Hd". Returns "" when nothing usable remains.
func GuessTitleFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	name := path.Base(strings.TrimRight(u.Path, "/"))
	if name == "." || name == "/" {
		return ""
	}
	for {
		ext := path.Ext(name)
		if ext == "" || ext == name {
			break
		}
		name = strings.TrimSuffix(name, ext)
	}
	words := strings.Fields(nonAlnum.ReplaceAllString(name, " "))
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
