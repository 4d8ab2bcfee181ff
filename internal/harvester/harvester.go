// Package harvester runs the discover → validate → persist cycle on an interval.
package harvester

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/snapetech/iptvharvest/internal/config"
	"github.com/snapetech/iptvharvest/internal/discovery"
	"github.com/snapetech/iptvharvest/internal/epg"
	"github.com/snapetech/iptvharvest/internal/gitsync"
	"github.com/snapetech/iptvharvest/internal/httpclient"
	"github.com/snapetech/iptvharvest/internal/indexer"
	"github.com/snapetech/iptvharvest/internal/iptvorg"
	"github.com/snapetech/iptvharvest/internal/metrics"
	"github.com/snapetech/iptvharvest/internal/playlist"
	"github.com/snapetech/iptvharvest/internal/probe"
	"github.com/snapetech/iptvharvest/internal/safeurl"
	"github.com/snapetech/iptvharvest/internal/store"
)

// State is the orchestrator's current phase.
type State string

const (
	StateDiscovering State = "discovering"
	StateValidating  State = "validating"
	StatePersisting  State = "persisting"
	StateIdle        State = "idle"
)

// Discoverer produces candidates from the configured sources.
type Discoverer interface {
	Discover(ctx context.Context, sources []config.Source) ([]discovery.Candidate, discovery.Stats, error)
}

// Validator decides whether one URL is a working stream.
type Validator interface {
	Validate(ctx context.Context, rawURL string) probe.Outcome
}

// Publisher ships the rendered playlist somewhere (a Git remote).
type Publisher interface {
	PushAsync(ctx context.Context, playlistPath string) bool
}

// LogoFinder supplies logos for titles published without one.
type LogoFinder interface {
	Refresh(ctx context.Context) error
	LogoFor(title string) string
}

// Cycle is the summary of the last finished cycle.
type Cycle struct {
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
	Stats    store.CycleStats `json:"stats"`
	Err      string           `json:"error,omitempty"`
}

// Status is a point-in-time view for health checks.
type Status struct {
	State     State  `json:"state"`
	Cycles    int    `json:"cycles"`
	LastCycle *Cycle `json:"last_cycle,omitempty"`
}

// Harvester owns one store and one playlist file.
type Harvester struct {
	cfg        *config.Config
	Store      store.Store
	Sources    []config.Source
	Discoverer Discoverer
	Validator  Validator
	Appender   *playlist.Appender
	Publisher  Publisher  // nil disables publishing
	Logos      LogoFinder // nil disables logo lookup
	EPGClient  *http.Client

	mu     sync.RWMutex
	state  State
	cycles int
	last   *Cycle
}

// New wires the default discoverer, validator, playlist appender and publisher for cfg.
func New(cfg *config.Config, st store.Store, sources []config.Source) (*Harvester, error) {
	app, err := playlist.OpenAppender(cfg.PlaylistPath, cfg.EPGURLs)
	if err != nil {
		return nil, err
	}
	h := &Harvester{
		cfg:        cfg,
		Store:      st,
		Sources:    sources,
		Discoverer: discovery.New(cfg),
		Validator:  NewValidator(cfg),
		Appender:   app,
		EPGClient:  httpclient.New(5*time.Minute, cfg.UserAgent),
		state:      StateIdle,
	}
	if p := gitsync.New(cfg); p != nil {
		h.Publisher = p
	}
	if cfg.LogoDBPath != "" {
		h.Logos = &iptvorg.Logos{
			Path:        cfg.LogoDBPath,
			ChannelsURL: cfg.LogoChannelsURL,
			LogosURL:    cfg.LogoListURL,
			MaxAge:      cfg.LogoMaxAge,
			Client:      h.EPGClient,
		}
	}
	metrics.SetState(string(StateIdle))
	return h, nil
}

// NewValidator builds the stream validator described by cfg.
func NewValidator(cfg *config.Config) *probe.Validator {
	return probe.New(probe.Options{
		Timeout:          cfg.ValidateTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		Proxies:          cfg.Proxies,
		ShortLinkDomains: cfg.ShortLinkDomains,
		DeepProbe:        cfg.DeepProbe,
		FFprobePath:      cfg.FFprobePath,
		YtDlpPath:        cfg.YtDlpPath,
	})
}

// Status returns the current state and the last cycle summary.
func (h *Harvester) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Status{State: h.state, Cycles: h.cycles}
	if h.last != nil {
		c := *h.last
		s.LastCycle = &c
	}
	return s
}

func (h *Harvester) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	metrics.SetState(string(s))
}

// Run executes cycles until ctx is cancelled. A failed or panicking cycle is
// logged and followed by ErrorBackoff instead of UpdateInterval.
func (h *Harvester) Run(ctx context.Context) error {
	for {
		_, err := h.safeCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := h.cfg.UpdateInterval
		if err != nil {
			log.Printf("harvest: cycle failed: %v (retrying in %s)", err, h.cfg.ErrorBackoff)
			wait = h.cfg.ErrorBackoff
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (h *Harvester) safeCycle(ctx context.Context) (stats store.CycleStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Printf("harvest: cycle panic: %v\n%s", r, debug.Stack())
			h.setState(StateIdle)
		}
	}()
	return h.RunCycle(ctx)
}

// RunCycle runs one full pass: EPG refresh, discovery, validation, replacement,
// then flush, render and publish.
func (h *Harvester) RunCycle(ctx context.Context) (stats store.CycleStats, err error) {
	start := time.Now()
	rec, _ := h.Store.(store.CycleRecorder)
	var cycleID string
	if rec != nil {
		if id, err := rec.BeginCycle(ctx, start); err == nil {
			cycleID = id
		} else {
			log.Printf("harvest: begin cycle record: %v", err)
		}
	}
	log.Printf("harvest: cycle start (%d sources)", len(h.Sources))
	defer func() {
		finished := time.Now()
		c := &Cycle{Started: start, Finished: finished, Stats: stats}
		if err != nil {
			c.Err = err.Error()
		}
		h.mu.Lock()
		h.cycles++
		h.last = c
		h.mu.Unlock()
		h.setState(StateIdle)
		metrics.RecordCycle(finished.Sub(start), err)
		if rec != nil && cycleID != "" {
			if rerr := rec.EndCycle(context.WithoutCancel(ctx), cycleID, finished, stats, err); rerr != nil {
				log.Printf("harvest: end cycle record: %v", rerr)
			}
		}
		log.Printf("harvest: cycle done in %s: discovered=%d inserted=%d validated=%d valid=%d invalid=%d replaced=%d written=%d",
			finished.Sub(start).Round(time.Millisecond), stats.Discovered, stats.Inserted, stats.Validated,
			stats.Valid, stats.Invalid, stats.Replaced, stats.Written)
	}()

	h.setState(StateDiscovering)
	if len(h.cfg.EPGURLs) > 0 && h.cfg.EPGDir != "" {
		epg.Fetch(ctx, h.EPGClient, h.cfg.EPGURLs, h.cfg.EPGDir)
	}
	if h.Logos != nil {
		if err := h.Logos.Refresh(ctx); err != nil {
			log.Printf("harvest: logo list: %v", err)
		}
	}
	cands, dst, err := h.Discoverer.Discover(ctx, h.Sources)
	if err != nil {
		return stats, fmt.Errorf("discover: %w", err)
	}
	metrics.Discovered.Add(float64(len(cands)))
	metrics.FetchErrors.Add(float64(dst.Errors))
	stats.Discovered = len(cands)
	for _, c := range cands {
		inserted, err := h.Store.RecordDiscovered(ctx, c.URL, c.Title, c.Logo, c.Source)
		if err != nil {
			log.Printf("harvest: record %s: %v", safeurl.Redact(c.URL), err)
			continue
		}
		if inserted {
			stats.Inserted++
		}
	}

	h.setState(StateValidating)
	passStart := time.Now()
	batch, err := h.selectBatch(ctx, passStart)
	if err != nil {
		return stats, err
	}
	outcomes, err := h.validateAll(ctx, batch)
	if err != nil {
		return stats, err
	}
	var lost []store.Entry
	for i, out := range outcomes {
		stats.Validated++
		if out.OK() {
			stats.Valid++
			continue
		}
		stats.Invalid++
		if batch[i].Status == store.StatusOK {
			lost = append(lost, batch[i])
		}
	}
	if h.cfg.Replace && len(lost) > 0 {
		stats.Replaced = h.replaceLost(ctx, lost, passStart)
	}

	h.setState(StatePersisting)
	if err := h.Store.Flush(ctx); err != nil {
		log.Printf("harvest: flush store: %v", err)
	}
	n, err := h.Render(ctx)
	if err != nil {
		return stats, err
	}
	stats.Written = n
	if h.Publisher != nil {
		h.Publisher.PushAsync(ctx, h.cfg.PlaylistPath)
	}
	if counts, err := h.Store.Count(ctx); err == nil {
		metrics.SetChannels(counts.New, counts.OK, counts.Fail, counts.Retired)
	}
	return stats, nil
}

// Render rewrites the playlist file from the store's ok entries. Entries without
// a logo get one from the logo list when their title matches.
func (h *Harvester) Render(ctx context.Context) (int, error) {
	var src playlist.OKSource = h.Store
	if h.Logos != nil {
		src = withLogos{src: h.Store, logos: h.Logos}
	}
	data, n, err := playlist.Render(ctx, src, h.cfg.EPGURLs)
	if err != nil {
		return 0, err
	}
	if err := h.Appender.Rewrite(data); err != nil {
		return 0, fmt.Errorf("write playlist: %w", err)
	}
	metrics.PlaylistEntries.Set(float64(n))
	log.Printf("harvest: playlist written with %d channels", n)
	return n, nil
}

// withLogos fills missing logos on the entries an OKSource yields.
type withLogos struct {
	src   playlist.OKSource
	logos LogoFinder
}

func (w withLogos) SelectOK(ctx context.Context) ([]store.Entry, error) {
	entries, err := w.src.SelectOK(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Logo == "" {
			entries[i].Logo = w.logos.LogoFor(entries[i].Title)
		}
	}
	return entries, nil
}

// selectBatch returns new/failed entries plus stale ok ones, each URL once and at
// most ValidationLimit in total (0 = no limit).
func (h *Harvester) selectBatch(ctx context.Context, now time.Time) ([]store.Entry, error) {
	limit := h.cfg.ValidationLimit
	batch, err := h.Store.SelectForValidation(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("select for validation: %w", err)
	}
	if h.cfg.RevalidateAfter < 0 {
		return batch, nil
	}
	staleLimit := limit
	if limit > 0 {
		if staleLimit = limit - len(batch); staleLimit <= 0 {
			return batch, nil
		}
	}
	stale, err := h.Store.SelectStale(ctx, now.Add(-h.cfg.RevalidateAfter), staleLimit)
	if err != nil {
		return nil, fmt.Errorf("select stale: %w", err)
	}
	seen := make(map[string]bool, len(batch))
	for _, e := range batch {
		seen[e.URL] = true
	}
	for _, e := range stale {
		if !seen[e.URL] {
			seen[e.URL] = true
			batch = append(batch, e)
		}
	}
	if limit > 0 && len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

// validateAll validates batch on a bounded worker pool and waits for every task.
// outcomes[i] belongs to batch[i].
func (h *Harvester) validateAll(ctx context.Context, batch []store.Entry) ([]probe.Outcome, error) {
	outcomes := make([]probe.Outcome, len(batch))
	if len(batch) == 0 {
		return outcomes, nil
	}
	pool, err := ants.NewPool(max(1, h.cfg.MaxValidationWorkers))
	if err != nil {
		return nil, fmt.Errorf("validation pool: %w", err)
	}
	defer pool.Release()

	log.Printf("harvest: validating %d urls with %d workers", len(batch), pool.Cap())
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			outcomes[i] = h.check(ctx, batch[i])
		}
		if err := pool.Submit(task); err != nil {
			// Pool closed under us: run inline so the pass still covers every URL.
			task()
		}
	}
	wg.Wait()
	return outcomes, nil
}

// check validates one entry and records the outcome. It is the unit of work of
// both the validation pass and the replacement search.
func (h *Harvester) check(ctx context.Context, e store.Entry) probe.Outcome {
	out := h.Validator.Validate(ctx, e.URL)
	metrics.RecordValidation(string(out.Verdict), out.Tier)
	title := e.Title
	if title == "" {
		title = indexer.GuessTitleFromURL(out.FinalURL)
	}
	status := store.StatusFail
	if out.OK() {
		status = store.StatusOK
	}

	if out.OK() && out.FinalURL != e.URL {
		// A short link resolved to a working stream: the resolved URL is the channel.
		if _, err := h.Store.RecordDiscovered(ctx, out.FinalURL, title, e.Logo, e.Source); err != nil {
			log.Printf("harvest: record %s: %v", safeurl.Redact(out.FinalURL), err)
		}
		h.record(ctx, store.Result{URL: out.FinalURL, Status: store.StatusOK, Diagnostic: out.Diagnostic, Title: title, Logo: e.Logo})
		h.record(ctx, store.Result{URL: e.URL, Status: store.StatusFail, Diagnostic: "resolved:" + safeurl.Redact(out.FinalURL), Title: title})
		h.appendOK(out.FinalURL, title, e.Logo)
		return out
	}

	h.record(ctx, store.Result{URL: e.URL, Status: status, Diagnostic: out.Diagnostic, Title: title})
	if out.OK() {
		h.appendOK(e.URL, title, e.Logo)
	}
	return out
}

func (h *Harvester) record(ctx context.Context, r store.Result) {
	if err := h.Store.RecordResult(ctx, r); err != nil {
		log.Printf("harvest: record result %s: %v", safeurl.Redact(r.URL), err)
	}
}

func (h *Harvester) appendOK(url, title, logo string) {
	if !h.cfg.RealtimeAppend || h.Appender == nil {
		return
	}
	if logo == "" && h.Logos != nil {
		logo = h.Logos.LogoFor(title)
	}
	if _, err := h.Appender.Append(url, title, logo); err != nil {
		log.Printf("harvest: append %s: %v", safeurl.Redact(url), err)
	}
}

// replaceLost looks for a working alternative for every title that lost its
// only ok stream in this pass. Candidates are stored entries with the same
// title (from the configured sources), tried in store order, at most
// MaxReplacementCandidates per title. Entries already checked since passStart
// are skipped. Returns the number of titles replaced.
func (h *Harvester) replaceLost(ctx context.Context, lost []store.Entry, passStart time.Time) int {
	done := make(map[string]bool)
	replaced := 0
	for _, e := range lost {
		key := strings.ToLower(strings.TrimSpace(e.Title))
		if key == "" || done[key] {
			continue
		}
		done[key] = true
		if ctx.Err() != nil {
			break
		}
		ok, err := h.replaceTitle(ctx, e, passStart)
		if err != nil {
			log.Printf("harvest: replace %q: %v", e.Title, err)
			continue
		}
		if ok {
			replaced++
		}
	}
	return replaced
}

func (h *Harvester) replaceTitle(ctx context.Context, lost store.Entry, passStart time.Time) (bool, error) {
	entries, err := h.Store.SelectByTitle(ctx, lost.Title)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.URL != lost.URL && e.Status == store.StatusOK {
			return false, nil
		}
	}
	tried := 0
	for _, e := range entries {
		if tried >= h.cfg.MaxReplacementCandidates {
			break
		}
		if e.URL == lost.URL || !e.LastChecked.Before(passStart) {
			continue
		}
		tried++
		out := h.check(ctx, e)
		if out.OK() {
			log.Printf("harvest: replaced %q: %s -> %s", lost.Title, safeurl.Redact(lost.URL), safeurl.Redact(out.FinalURL))
			metrics.Replacements.Inc()
			return true, nil
		}
	}
	if tried > 0 {
		log.Printf("harvest: no replacement for %q after %d candidates", lost.Title, tried)
	}
	return false, nil
}
