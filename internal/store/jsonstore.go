package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/snapetech/iptvharvest/internal/atomicfile"
)

// JSON keeps entries in memory and persists them as a snapshot plus an append-only journal.
// Each mutation appends the entry's new state to <path>.journal before returning; Flush writes
// a fresh snapshot atomically and truncates the journal.
type JSON struct {
	mu          sync.RWMutex
	path        string
	entries     map[string]*Entry
	order       map[string]int // insertion sequence, for stable ties
	seq         int
	journal     *os.File
	maxFailures int
	now         func() time.Time
}

var _ Store = (*JSON)(nil)

// OpenJSON loads the snapshot at path (if any) and replays its journal.
func OpenJSON(path string, opts Options) (*JSON, error) {
	s := &JSON{
		path:        filepath.Clean(path),
		entries:     make(map[string]*Entry),
		order:       make(map[string]int),
		maxFailures: opts.MaxFailures,
		now:         time.Now,
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.replayJournal(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.journalPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open journal: %w", err)
	}
	s.journal = f
	return s, nil
}

func (s *JSON) journalPath() string { return s.path + ".journal" }

func (s *JSON) loadSnapshot() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read snapshot: %w", err)
	}
	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("store: parse snapshot %s: %w", s.path, err)
	}
	for i := range list {
		s.put(list[i])
	}
	return nil
}

// replayJournal applies journal lines in order. A torn last line (crash mid-write) is ignored.
func (s *JSON) replayJournal() error {
	f, err := os.Open(s.journalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open journal: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.URL == "" {
			continue
		}
		s.put(e)
	}
	return sc.Err()
}

func (s *JSON) put(e Entry) *Entry {
	if cur, ok := s.entries[e.URL]; ok {
		*cur = e
		return cur
	}
	p := &e
	s.entries[e.URL] = p
	s.seq++
	s.order[e.URL] = s.seq
	return p
}

// appendJournal must be called with s.mu held.
func (s *JSON) appendJournal(e *Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := s.journal.Write(line); err != nil {
		return fmt.Errorf("store: journal %s: %w", e.URL, err)
	}
	return nil
}

func (s *JSON) RecordDiscovered(ctx context.Context, url, title, logo, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[url]; ok {
		changed := false
		if cur.Title == "" && title != "" {
			cur.Title = title
			changed = true
		}
		if cur.Logo == "" && logo != "" {
			cur.Logo = logo
			changed = true
		}
		if !changed {
			return false, nil
		}
		return false, s.appendJournal(cur)
	}
	e := s.put(Entry{URL: url, Title: title, Logo: logo, Status: StatusNew, DiscoveredAt: s.now(), Source: source})
	return true, s.appendJournal(e)
}

func (s *JSON) RecordResult(ctx context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cur, ok := s.entries[r.URL]
	if !ok {
		cur = s.put(Entry{URL: r.URL, DiscoveredAt: now})
	}
	cur.Status = r.Status
	cur.Diagnostic = r.Diagnostic
	cur.LastChecked = now
	if cur.Title == "" {
		cur.Title = r.Title
	}
	if cur.Logo == "" {
		cur.Logo = r.Logo
	}
	if r.Status == StatusFail {
		cur.FailCount++
	} else {
		cur.FailCount = 0
	}
	return s.appendJournal(cur)
}

func (s *JSON) SelectForValidation(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(e *Entry) bool {
		return (e.Status == StatusNew || e.Status == StatusFail) && !retired(e, s.maxFailures)
	})
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := out[i].Status == StatusNew, out[j].Status == StatusNew
		if ni != nj {
			return ni
		}
		if !out[i].LastChecked.Equal(out[j].LastChecked) {
			return out[i].LastChecked.Before(out[j].LastChecked)
		}
		return s.order[out[i].URL] < s.order[out[j].URL]
	})
	return capEntries(out, limit), nil
}

func (s *JSON) SelectStale(ctx context.Context, olderThan time.Time, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(e *Entry) bool {
		return e.Status == StatusOK && !e.LastChecked.After(olderThan)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastChecked.Equal(out[j].LastChecked) {
			return out[i].LastChecked.Before(out[j].LastChecked)
		}
		return s.order[out[i].URL] < s.order[out[j].URL]
	})
	return capEntries(out, limit), nil
}

func (s *JSON) SelectOK(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(e *Entry) bool { return e.Status == StatusOK })
	sortByTitle(out)
	return out, nil
}

func (s *JSON) SelectByTitle(ctx context.Context, title string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(e *Entry) bool { return strings.EqualFold(e.Title, title) })
	sort.SliceStable(out, func(i, j int) bool { return s.order[out[i].URL] < s.order[out[j].URL] })
	return out, nil
}

func (s *JSON) Get(ctx context.Context, url string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[url]; ok {
		return *e, nil
	}
	return Entry{}, ErrNotFound
}

func (s *JSON) Count(ctx context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, e := range s.entries {
		switch e.Status {
		case StatusNew:
			c.New++
		case StatusOK:
			c.OK++
		case StatusFail:
			c.Fail++
		}
		if retired(e, s.maxFailures) {
			c.Retired++
		}
	}
	return c, nil
}

// Flush writes the snapshot atomically, then truncates the journal.
func (s *JSON) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool { return s.order[list[i].URL] < s.order[list[j].URL] })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, data); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.journal.Truncate(0); err != nil {
		return fmt.Errorf("store: truncate journal: %w", err)
	}
	return nil
}

func (s *JSON) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// filter must be called with s.mu held.
func (s *JSON) filter(keep func(*Entry) bool) []Entry {
	var out []Entry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	return out
}

func capEntries(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
