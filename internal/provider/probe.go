// Package provider checks configured playlist sources: is each one reachable, is it
// behind a Cloudflare challenge, and how many entries does it offer.
package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/iptvharvest/internal/httpclient"
	"github.com/snapetech/iptvharvest/internal/indexer"
)

// Result is the outcome of probing one source URL.
type Result struct {
	URL        string `json:"url"`
	Status     Status `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Format     string `json:"format,omitempty"` // m3u, html, text
	Entries    int    `json:"entries"`          // stream entries (m3u/text) or playlist links (html)
}

type Status string

const (
	StatusOK         Status = "ok"
	StatusCloudflare Status = "cloudflare"
	StatusBadStatus  Status = "bad_status"
	StatusTimeout    Status = "timeout"
	StatusError      Status = "error"
)

const maxProbeBody = 16 << 20

// ProbeOne fetches the source URL and classifies the result.
func ProbeOne(ctx context.Context, sourceURL string, client *http.Client) Result {
	if client == nil {
		client = httpclient.WithTimeout(15 * time.Second)
	}
	start := time.Now()
	res := Result{URL: sourceURL}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		res.Status = StatusError
		res.LatencyMs = time.Since(start).Milliseconds()
		return res
	}
	resp, err := client.Do(req)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Status = StatusError
		if isTimeout(err) {
			res.Status = StatusTimeout
		}
		return res
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	preview := body
	if len(preview) > 512 {
		preview = preview[:512]
	}
	previewStr := strings.ToLower(string(preview))
	code := resp.StatusCode
	res.StatusCode = code

	// Cloudflare detection: only when we're sure (Server header or classic challenge page).
	server := strings.ToLower(strings.TrimSpace(resp.Header.Get("Server")))
	isCFServer := server == "cloudflare"
	bodyHasCFChallenge := strings.Contains(previewStr, "checking your browser") ||
		strings.Contains(previewStr, "cf-bypass") ||
		strings.Contains(previewStr, "ray id")
	if code == 403 || code == 503 || code == 520 || code == 521 || code == 524 {
		if bodyHasCFChallenge || isCFServer {
			res.Status = StatusCloudflare
			return res
		}
	}
	if isCFServer && code != http.StatusOK {
		res.Status = StatusCloudflare
		return res
	}
	if code != http.StatusOK {
		res.Status = StatusBadStatus
		return res
	}
	res.Status = StatusOK
	base := sourceURL
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL.String()
	}
	switch {
	case indexer.LooksLikeM3U(body):
		res.Format = "m3u"
		res.Entries = len(indexer.Extract(body, base).Entries)
	case indexer.LooksLikeHTML(body, resp.Header.Get("Content-Type")):
		res.Format = "html"
		res.Entries = len(indexer.HTMLPlaylistLinks(body, base))
	default:
		res.Format = "text"
		res.Entries = len(indexer.Extract(body, base).Entries)
	}
	return res
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return true
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline")
}

// ProbeAll probes every URL (at most concurrency at a time) and returns results sorted
// best first: OK before non-OK; among OK, more entries first, then lower latency.
func ProbeAll(ctx context.Context, urls []string, client *http.Client, concurrency int) []Result {
	var (
		mu  sync.Mutex
		out = make([]Result, 0, len(urls))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, concurrency))
	for _, u := range urls {
		if u == "" {
			continue
		}
		g.Go(func() error {
			r := ProbeOne(gctx, u, client)
			mu.Lock()
			out = append(out, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	Rank(out)
	return out
}

// Rank sorts results best first.
func Rank(out []Result) {
	sort.SliceStable(out, func(i, j int) bool {
		okI := out[i].Status == StatusOK
		okJ := out[j].Status == StatusOK
		if okI != okJ {
			return okI
		}
		if okI {
			if out[i].Entries != out[j].Entries {
				return out[i].Entries > out[j].Entries
			}
			return out[i].LatencyMs < out[j].LatencyMs
		}
		return out[i].URL < out[j].URL
	})
}

// Best returns the first OK URL from ProbeAll, or "" if none.
func Best(ctx context.Context, urls []string, client *http.Client, concurrency int) string {
	for _, r := range ProbeAll(ctx, urls, client, concurrency) {
		if r.Status == StatusOK {
			return r.URL
		}
	}
	return ""
}
