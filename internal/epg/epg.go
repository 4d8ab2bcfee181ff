// Package epg downloads the configured XMLTV guides next to the playlist.
package epg

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/snapetech/iptvharvest/internal/atomicfile"
	"github.com/snapetech/iptvharvest/internal/httpclient"
	"github.com/snapetech/iptvharvest/internal/safeurl"
)

// Result is the outcome of one guide download.
type Result struct {
	URL   string
	Path  string
	Bytes int64
	Err   error
}

// FileName is the local name for a guide URL: the last path segment, or "guide.xml".
func FileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "guide.xml"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "guide.xml"
	}
	return name
}

// Fetch downloads every URL into dir, one at a time. Failures are logged and
// reported per URL; a failed download leaves the previous file in place.
// Compressed guides (.gz) are saved as served, without decoding.
func Fetch(ctx context.Context, client *http.Client, urls []string, dir string) []Result {
	if client == nil {
		client = httpclient.Default()
	}
	out := make([]Result, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		r := fetchOne(ctx, client, u, dir)
		if r.Err != nil {
			log.Printf("epg: %s: %v", safeurl.Redact(u), r.Err)
		} else {
			log.Printf("epg: saved %s (%d bytes)", r.Path, r.Bytes)
		}
		out = append(out, r)
	}
	return out
}

func fetchOne(ctx context.Context, client *http.Client, rawURL, dir string) Result {
	res := Result{URL: rawURL, Path: filepath.Join(dir, FileName(rawURL))}
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		res.Err = fmt.Errorf("unsupported url")
		return res
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		res.Err = err
		return res
	}
	if strings.HasSuffix(strings.ToLower(res.Path), ".gz") {
		// Keep the bytes as served; the transport only decodes when it negotiated the encoding.
		req.Header.Set("Accept-Encoding", "identity")
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("status %d", resp.StatusCode)
		return res
	}
	res.Bytes, res.Err = atomicfile.WriteFrom(res.Path, resp.Body)
	return res
}
