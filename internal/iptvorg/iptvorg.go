// Package iptvorg keeps a local copy of the iptv-org community channel list
// (https://iptv-org.github.io/api/) and uses it to find logos for channels
// that were published without one.
//
// # Matching strategy
//
//  1. Exact normalised name match (channel.name or alt_names[]).
//  2. Normalised name match after stripping country prefix ("US: ", "DE: ", etc.)
//     and quality markers (HD, 4K, RAW).
//
// A name that maps to more than one channel is ambiguous and yields nothing.
package iptvorg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/snapetech/iptvharvest/internal/atomicfile"
	"github.com/snapetech/iptvharvest/internal/httpclient"
	"github.com/snapetech/iptvharvest/internal/safeurl"
)

const (
	DefaultChannelsURL = "https://iptv-org.github.io/api/channels.json"
	DefaultLogosURL    = "https://iptv-org.github.io/api/logos.json"

	maxListBytes = 128 << 20
)

// Channel is one record from the iptv-org channels.json API.
type Channel struct {
	ID       string   `json:"id"`        // e.g. "cnn.us"
	Name     string   `json:"name"`      // e.g. "CNN"
	AltNames []string `json:"alt_names"` // alternative display names
	Country  string   `json:"country"`   // ISO 3166-1 alpha-2 upper-case, e.g. "US"
	Logo     string   `json:"logo,omitempty"`
	IsNSFW   bool     `json:"is_nsfw"`
}

// logoRecord is one record from logos.json; channel lists without a logo field
// get theirs from here.
type logoRecord struct {
	Channel string `json:"channel"`
	URL     string `json:"url"`
}

// DB is the in-memory channel database with its name index.
type DB struct {
	FetchedAt time.Time `json:"fetched_at"`
	Channels  []Channel `json:"channels"`

	byNormName map[string][]int // normalised name → channel indexes
}

// Len returns the number of channels in the DB.
func (db *DB) Len() int { return len(db.Channels) }

// Load reads the DB from a JSON file. Returns an empty DB if the file does not
// exist.
func Load(path string) (*DB, error) {
	db := &DB{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			db.buildIndex()
			return db, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("iptvorg: parse %s: %w", path, err)
	}
	db.buildIndex()
	return db, nil
}

// Save persists the DB atomically.
func (db *DB) Save(path string) error {
	data, err := json.Marshal(db)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, data)
}

// Stale reports whether the DB is empty or older than maxAge.
func (db *DB) Stale(maxAge time.Duration, now time.Time) bool {
	return len(db.Channels) == 0 || now.Sub(db.FetchedAt) > maxAge
}

// Fetch downloads channels.json (and logos.json when logosURL is set), replaces
// the DB contents and rebuilds the index.
func (db *DB) Fetch(ctx context.Context, client *http.Client, channelsURL, logosURL string) (int, error) {
	if channelsURL == "" {
		channelsURL = DefaultChannelsURL
	}
	var channels []Channel
	if err := getJSON(ctx, client, channelsURL, &channels); err != nil {
		return 0, err
	}
	if logosURL != "" {
		var logos []logoRecord
		if err := getJSON(ctx, client, logosURL, &logos); err != nil {
			log.Printf("iptvorg: logos list: %v", err)
		} else {
			mergeLogos(channels, logos)
		}
	}
	db.Channels = channels
	db.FetchedAt = time.Now()
	db.buildIndex()
	return len(channels), nil
}

// mergeLogos fills Logo from the first logos.json record of each channel.
func mergeLogos(channels []Channel, logos []logoRecord) {
	first := make(map[string]string, len(logos))
	for _, l := range logos {
		id := strings.ToLower(strings.TrimSpace(l.Channel))
		if _, ok := first[id]; !ok && safeurl.IsHTTPOrHTTPS(l.URL) {
			first[id] = l.URL
		}
	}
	for i := range channels {
		if channels[i].Logo == "" {
			channels[i].Logo = first[strings.ToLower(channels[i].ID)]
		}
	}
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("iptvorg: %s: HTTP %d", safeurl.Redact(rawURL), resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("iptvorg: %s parse: %w", safeurl.Redact(rawURL), err)
	}
	return nil
}

// LogoFor returns the logo of the single channel matching displayName, and the
// match method, or ("", "").
func (db *DB) LogoFor(displayName string) (logo, method string) {
	if displayName == "" {
		return "", ""
	}
	n := normName(displayName)
	if ch := db.unique(n); ch != nil {
		return ch.Logo, "name_exact"
	}
	if stripped := stripForMatch(displayName); stripped != "" && stripped != n {
		if ch := db.unique(stripped); ch != nil {
			return ch.Logo, "name_stripped"
		}
	}
	return "", ""
}

func (db *DB) unique(key string) *Channel {
	idx := db.byNormName[key]
	if len(idx) != 1 {
		return nil
	}
	ch := &db.Channels[idx[0]]
	if ch.Logo == "" || ch.IsNSFW {
		return nil
	}
	return ch
}

func (db *DB) buildIndex() {
	db.byNormName = make(map[string][]int, len(db.Channels)*2)
	for i, ch := range db.Channels {
		for _, n := range append([]string{ch.Name}, ch.AltNames...) {
			k := normName(n)
			if k != "" {
				db.byNormName[k] = appendUniq(db.byNormName[k], i)
			}
			if ks := stripForMatch(n); ks != "" && ks != k {
				db.byNormName[ks] = appendUniq(db.byNormName[ks], i)
			}
		}
	}
}

func appendUniq(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// Logos is the harvester-facing logo lookup: a DB cached on disk and refreshed
// from the network once it is older than MaxAge. Safe for concurrent use.
type Logos struct {
	Path        string
	ChannelsURL string
	LogosURL    string
	MaxAge      time.Duration
	Client      *http.Client

	mu sync.RWMutex
	db *DB
}

// Refresh re-downloads the list when the cached copy is stale. A failed download
// keeps the cached copy and is returned for logging.
func (l *Logos) Refresh(ctx context.Context) error {
	if !l.current().Stale(l.MaxAge, time.Now()) {
		return nil
	}
	fresh := &DB{}
	n, err := fresh.Fetch(ctx, l.Client, l.ChannelsURL, l.LogosURL)
	if err != nil {
		return fmt.Errorf("iptvorg: fetch channels: %w", err)
	}
	l.mu.Lock()
	l.db = fresh
	l.mu.Unlock()
	if err := fresh.Save(l.Path); err != nil {
		log.Printf("iptvorg: save %s: %v", l.Path, err)
	}
	log.Printf("iptvorg: %d channels cached in %s", n, l.Path)
	return nil
}

// current returns the DB in memory, reading the cache file on first use.
func (l *Logos) current() *DB {
	l.mu.RLock()
	db := l.db
	l.mu.RUnlock()
	if db != nil {
		return db
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		loaded, err := Load(l.Path)
		if err != nil {
			log.Printf("iptvorg: cache %s unreadable: %v", l.Path, err)
			loaded = &DB{}
			loaded.buildIndex()
		}
		l.db = loaded
	}
	return l.db
}

// LogoFor returns a logo URL for title, or "" when the DB has no single match.
func (l *Logos) LogoFor(title string) string {
	logo, _ := l.current().LogoFor(title)
	return logo
}

// --- normalisation -----------------------------------------------------------

// qualityMarkerRe strips common quality/re-encode suffixes used in IPTV feeds.
var qualityMarkerRe = regexp.MustCompile(
	`(?i)\s*(HD2?|UHD|4K|8K|SD|RAW|FHD|ᴴᴰ|ᵁᴴᴰ|ᴿᴬᵂ)\s*$`,
)

// countryPrefixMatchRe strips "US: ", "DE: ", "UK: " etc from the start of names.
var countryPrefixMatchRe = regexp.MustCompile(`(?i)^[A-Z]{1,5}:\s*`)

var nonAlphanumRe = regexp.MustCompile(`[^a-z0-9 ]`)

func normName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlphanumRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func stripForMatch(s string) string {
	s = strings.TrimSpace(s)
	s = countryPrefixMatchRe.ReplaceAllString(s, "")
	s = qualityMarkerRe.ReplaceAllString(s, "")
	return normName(s)
}
