// Package store is the accumulation store: every channel URL ever discovered, keyed by URL,
// with its latest validation outcome. Entries are never deleted.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the validation state of an entry.
type Status string

const (
	StatusNew  Status = "new"
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
)

// ErrNotFound is returned by Get for an unknown URL.
var ErrNotFound = errors.New("store: not found")

// Entry is one channel candidate.
type Entry struct {
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	Logo         string    `json:"logo,omitempty"`
	Status       Status    `json:"status"`
	LastChecked  time.Time `json:"last_checked,omitzero"`
	Diagnostic   string    `json:"diagnostic,omitempty"`
	FailCount    int       `json:"fail_count,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at,omitzero"`
	Source       string    `json:"source,omitempty"`
}

// Result is a validation outcome to record.
// Title and Logo only fill fields that are still empty.
type Result struct {
	URL        string
	Status     Status
	Diagnostic string
	Title      string
	Logo       string
}

// Counts is the number of entries per status. Retired entries are also counted under their status.
type Counts struct {
	New     int `json:"new"`
	OK      int `json:"ok"`
	Fail    int `json:"fail"`
	Retired int `json:"retired"`
}

// Total is the number of entries in the store.
func (c Counts) Total() int { return c.New + c.OK + c.Fail }

// Store is the persistence contract the harvester depends on.
// Every mutation is durable (committed or journaled) before it returns.
type Store interface {
	// RecordDiscovered inserts url with status new, or fills missing title/logo on an existing entry.
	// inserted is true only when the URL was not known before.
	RecordDiscovered(ctx context.Context, url, title, logo, source string) (inserted bool, err error)
	// RecordResult upserts a validation outcome: status and diagnostic are overwritten,
	// title and logo only filled when missing, FailCount incremented on fail and reset on ok.
	RecordResult(ctx context.Context, r Result) error
	// SelectForValidation returns up to limit new/fail entries, new first, excluding retired ones.
	SelectForValidation(ctx context.Context, limit int) ([]Entry, error)
	// SelectStale returns up to limit ok entries last checked at or before olderThan.
	SelectStale(ctx context.Context, olderThan time.Time, limit int) ([]Entry, error)
	// SelectOK returns every ok entry ordered by case-insensitive title, then URL.
	SelectOK(ctx context.Context) ([]Entry, error)
	// SelectByTitle returns entries whose title matches case-insensitively.
	SelectByTitle(ctx context.Context, title string) ([]Entry, error)
	Get(ctx context.Context, url string) (Entry, error)
	Count(ctx context.Context) (Counts, error)
	// Flush compacts/checkpoints on-disk state. Called at the end of each cycle and on shutdown.
	Flush(ctx context.Context) error
	Close() error
}

// CycleStats summarizes one harvest cycle.
type CycleStats struct {
	Discovered int `json:"discovered"`
	Inserted   int `json:"inserted"`
	Validated  int `json:"validated"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Replaced   int `json:"replaced"`
	Written    int `json:"written"`
}

// CycleRecord is one row of cycle history.
type CycleRecord struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	Stats      CycleStats `json:"stats"`
	Err        string     `json:"error,omitempty"`
}

// CycleRecorder is implemented by backends that keep cycle history.
type CycleRecorder interface {
	BeginCycle(ctx context.Context, started time.Time) (id string, err error)
	EndCycle(ctx context.Context, id string, finished time.Time, stats CycleStats, cycleErr error) error
	RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
}

// Options configure a backend.
type Options struct {
	// MaxFailures retires entries after this many consecutive failures (0 = never).
	MaxFailures int
}

// Open opens the backend named by backend ("sqlite" or "json") at path.
func Open(backend, path string, opts Options) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "sqlite":
		return OpenSQLite(path, opts)
	case "json":
		return OpenJSON(path, opts)
	}
	return nil, fmt.Errorf("store: unknown backend %q", backend)
}

func retired(e *Entry, maxFailures int) bool {
	return maxFailures > 0 && e.FailCount >= maxFailures
}

// sortByTitle orders entries the way SelectOK promises.
func sortByTitle(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := strings.ToLower(entries[i].Title), strings.ToLower(entries[j].Title)
		if ti != tj {
			return ti < tj
		}
		return entries[i].URL < entries[j].URL
	})
}
