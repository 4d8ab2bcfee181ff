// Package discovery turns the static source registry into stream candidates.
//
// Playlist sources are fetched directly (conditional GET, rate limited, per-host
// bounded); repository sources go through the repository miner. Every fetched
// document is run through the playlist extractor, and nested playlist references
// are followed breadth-first up to NestedDepth levels.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/snapetech/iptvharvest/internal/config"
	"github.com/snapetech/iptvharvest/internal/httpclient"
	"github.com/snapetech/iptvharvest/internal/indexer"
	"github.com/snapetech/iptvharvest/internal/repominer"
	"github.com/snapetech/iptvharvest/internal/safeurl"
)

// ErrNotModified is returned by get when the server answers 304 to a conditional request.
var ErrNotModified = errors.New("discovery: 304 not modified")

const defaultMaxBodyBytes = 64 << 20

// errStatusCode is a non-2xx answer to a playlist fetch.
type errStatusCode struct {
	url  string
	code int
}

func (e *errStatusCode) Error() string {
	return fmt.Sprintf("%s: status %d", safeurl.Redact(e.url), e.code)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *errStatusCode
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

// Candidate is one deduplicated stream URL found during a pass.
type Candidate struct {
	URL    string
	Title  string
	Logo   string
	Source string // the configured source it was reached from
}

// Stats summarizes one Discover pass.
type Stats struct {
	Sources     int
	Documents   int
	NotModified int
	Errors      int
	Nested      int
	Candidates  int
}

// Discoverer fetches and expands sources. Safe for reuse across cycles; the
// conditional-GET validators it keeps are what make repeated passes cheap.
type Discoverer struct {
	Client        *http.Client
	Miner         *repominer.Miner
	Limiter       *rate.Limiter
	Hosts         *httpclient.HostSemaphore
	MaxConcurrent int
	NestedDepth   int
	MaxBodyBytes  int64

	mu    sync.Mutex
	cache map[string]cached
}

// cached is the last 200 answer for a URL that carried a validator.
type cached struct {
	etag         string
	lastModified string
	contentType  string
	body         []byte
}

// document is one fetched body plus where it came from.
type document struct {
	url         string
	contentType string
	body        []byte
}

// New builds a Discoverer from cfg.
func New(cfg *config.Config) *Discoverer {
	limit := rate.Inf
	burst := 1
	if cfg.FetchRatePerSecond > 0 {
		limit = rate.Limit(cfg.FetchRatePerSecond)
		burst = max(1, int(cfg.FetchRatePerSecond))
	}
	return &Discoverer{
		Client:        httpclient.New(cfg.FetchTimeout, cfg.UserAgent),
		Miner:         repominer.New(cfg.RepoStrategy, cfg.CloneDir),
		Limiter:       rate.NewLimiter(limit, burst),
		Hosts:         httpclient.NewHostSemaphore(cfg.HostConcurrency),
		MaxConcurrent: cfg.MaxConcurrentFetches,
		NestedDepth:   cfg.NestedDepth,
		MaxBodyBytes:  defaultMaxBodyBytes,
	}
}

// work is one playlist URL to fetch at some nesting level.
type work struct {
	url    string
	source string
}

// found is what one unit of work produced.
type found struct {
	entries []indexer.Entry
	next    []string
	docs    int
	notMod  int
	errs    int
}

// Discover expands sources into candidates. Duplicate URLs keep the first
// title seen, in source order. Individual fetch failures are counted and
// logged, never returned; the error is non-nil only when ctx is done.
func (d *Discoverer) Discover(ctx context.Context, sources []config.Source) ([]Candidate, Stats, error) {
	st := Stats{Sources: len(sources)}
	var (
		out     []Candidate
		seen    = make(map[string]bool)
		visited = make(map[string]bool)
	)
	merge := func(src string, f found) {
		st.Documents += f.docs
		st.NotModified += f.notMod
		st.Errors += f.errs
		for _, e := range f.entries {
			if seen[e.URL] {
				continue
			}
			seen[e.URL] = true
			out = append(out, Candidate{URL: e.URL, Title: e.Title, Logo: e.Logo, Source: src})
		}
	}

	// Level 0: configured sources.
	for _, src := range sources {
		visited[src.URL] = true
	}
	results := make([]found, len(sources))
	d.each(ctx, len(sources), func(ctx context.Context, i int) {
		src := sources[i]
		if src.Kind == config.SourceRepo {
			results[i] = d.mineRepo(ctx, src)
			return
		}
		results[i] = d.expand(ctx, src.URL)
	})
	var level []work
	for i, f := range results {
		merge(sources[i].URL, f)
		for _, u := range f.next {
			level = append(level, work{url: u, source: sources[i].URL})
		}
	}

	for depth := 1; depth <= d.NestedDepth && len(level) > 0; depth++ {
		if ctx.Err() != nil {
			break
		}
		var todo []work
		for _, w := range level {
			if !visited[w.url] {
				visited[w.url] = true
				todo = append(todo, w)
			}
		}
		st.Nested += len(todo)
		results := make([]found, len(todo))
		d.each(ctx, len(todo), func(ctx context.Context, i int) {
			results[i] = d.expand(ctx, todo[i].url)
		})
		level = level[:0]
		for i, f := range results {
			merge(todo[i].source, f)
			for _, u := range f.next {
				level = append(level, work{url: u, source: todo[i].source})
			}
		}
	}

	st.Candidates = len(out)
	log.Printf("discovery: sources=%d docs=%d not-modified=%d nested=%d errors=%d candidates=%d",
		st.Sources, st.Documents, st.NotModified, st.Nested, st.Errors, st.Candidates)
	return out, st, ctx.Err()
}

// each runs fn(i) for i in [0,n) with at most MaxConcurrent in flight.
// fn writes only to its own index, so results need no locking.
func (d *Discoverer) each(ctx context.Context, n int, fn func(context.Context, int)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, d.MaxConcurrent))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(gctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// mineRepo mines one repository source and extracts every document it yields.
func (d *Discoverer) mineRepo(ctx context.Context, src config.Source) found {
	docs, ms := d.Miner.Mine(ctx, src, d.fetchBody)
	f := found{docs: len(docs)}
	if ms.Fetched == 0 {
		f.errs++
	}
	for _, doc := range docs {
		entries, next := classify(doc.Body, doc.BaseURL, "")
		f.entries = append(f.entries, entries...)
		f.next = append(f.next, next...)
	}
	return f
}

// expand fetches one playlist URL and classifies its body.
func (d *Discoverer) expand(ctx context.Context, rawURL string) found {
	doc, notMod, err := d.fetch(ctx, rawURL)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("discovery: fetch %s: %v", safeurl.Redact(rawURL), err)
		}
		return found{errs: 1}
	}
	f := found{docs: 1}
	if notMod {
		f.notMod = 1
	}
	f.entries, f.next = classify(doc.body, doc.url, doc.contentType)
	return f
}

// classify extracts a body: M3U text yields entries, HTML pages contribute their
// playlist links, anything else is treated as a plain URL list.
func classify(body []byte, baseURL, contentType string) ([]indexer.Entry, []string) {
	switch {
	case indexer.LooksLikeM3U(body):
		r := indexer.Extract(body, baseURL)
		return r.Entries, r.Playlists
	case indexer.LooksLikeHTML(body, contentType):
		return nil, indexer.HTMLPlaylistLinks(body, baseURL)
	default:
		r := indexer.Extract(body, baseURL)
		return r.Entries, append(r.Playlists, indexer.PlaylistLinks(body)...)
	}
}

// fetchBody adapts fetch to the repository miner's FetchFunc.
func (d *Discoverer) fetchBody(ctx context.Context, rawURL string) ([]byte, error) {
	doc, _, err := d.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return doc.body, nil
}

// fetch is a rate-limited, host-bounded conditional GET. A 304 answer is served
// from the cached body and reported with notModified=true.
func (d *Discoverer) fetch(ctx context.Context, rawURL string) (document, bool, error) {
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		return document{}, false, fmt.Errorf("unsupported url")
	}
	if err := d.Limiter.Wait(ctx); err != nil {
		return document{}, false, err
	}
	release, err := d.Hosts.Acquire(ctx, rawURL)
	if err != nil {
		return document{}, false, err
	}
	defer release()

	d.mu.Lock()
	prev, hasPrev := d.cache[rawURL]
	d.mu.Unlock()

	doc, etag, lm, err := d.get(ctx, rawURL, prev.etag, prev.lastModified)
	if errors.Is(err, ErrNotModified) && hasPrev {
		return document{url: rawURL, contentType: prev.contentType, body: prev.body}, true, nil
	}
	if err != nil {
		return document{}, false, err
	}
	if etag != "" || lm != "" {
		d.mu.Lock()
		if d.cache == nil {
			d.cache = make(map[string]cached)
		}
		d.cache[rawURL] = cached{etag: etag, lastModified: lm, contentType: doc.contentType, body: doc.body}
		d.mu.Unlock()
	}
	return doc, false, nil
}

// get issues one GET with If-None-Match / If-Modified-Since when validators are known.
func (d *Discoverer) get(ctx context.Context, rawURL, etag, lastModified string) (document, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return document{}, "", "", fmt.Errorf("build request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	start := time.Now()
	resp, err := httpclient.DoWithRetry(ctx, d.Client, req, httpclient.DiscoveryRetryPolicy)
	if err != nil {
		return document{}, "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotModified {
		return document{}, "", "", ErrNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return document{}, "", "", &errStatusCode{url: rawURL, code: resp.StatusCode}
	}
	limit := d.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return document{}, "", "", fmt.Errorf("read body: %w", err)
	}
	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		log.Printf("discovery: slow fetch %s (%s, %d bytes)", safeurl.Redact(rawURL), elapsed.Round(time.Millisecond), len(body))
	}
	return document{url: final, contentType: resp.Header.Get("Content-Type"), body: body},
		resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}
