package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds harvester, validator, store and publishing settings.
// Built once by Load and passed explicitly; no package reads env after that.
type Config struct {
	// Paths
	DataDir      string // e.g. ./data
	PlaylistPath string // rendered M3U, served at /playlist.m3u
	StorePath    string // sqlite db or JSON snapshot
	StoreBackend string // "sqlite" | "json"
	EPGDir       string // downloaded guide files

	// Sources
	SourcesFile string   // optional YAML file with sources: and epg: lists
	Sources     []string // playlist URLs and repositories (".git" suffix or owner/name)
	EPGURLs     []string // also advertised in the playlist header as x-tvg-url

	// Discovery
	FetchTimeout         time.Duration
	MaxConcurrentFetches int
	FetchRatePerSecond   float64 // 0 = unlimited
	HostConcurrency      int     // per-host in-flight requests during discovery
	NestedDepth          int     // how many levels of nested playlists to follow
	RepoStrategy         string  // "raw" | "clone"
	CloneDir             string  // parent for temporary clones ("" = os temp dir)
	UserAgent            string

	// Validation
	ValidateTimeout          time.Duration
	MaxValidationWorkers     int
	ValidationLimit          int           // max entries validated per pass, stale ok ones included; 0 = no limit
	RevalidateAfter          time.Duration // ok entries older than this are re-checked; 0 = every pass, negative = never
	MaxFailures              int           // retire after N consecutive failures; 0 = never
	MaxAttempts              int           // attempt strategies per URL (direct + proxies)
	Proxies                  []string      // http://, https:// or socks5:// proxy URLs
	ShortLinkDomains         []string
	DeepProbe                bool // manifest inspection + ffprobe/yt-dlp tiers
	FFprobePath              string
	YtDlpPath                string
	Replace                  bool // look for same-title replacements when an ok entry fails
	MaxReplacementCandidates int

	// Orchestration
	UpdateInterval time.Duration
	ErrorBackoff   time.Duration
	RealtimeAppend bool // append each newly valid entry as soon as it is confirmed

	// Logos for channels published without one, matched by title against the
	// iptv-org channel list; disabled when LogoDBPath is empty.
	LogoDBPath      string
	LogoChannelsURL string
	LogoListURL     string // logos.json; "" = only logos carried in the channel list
	LogoMaxAge      time.Duration

	// Serving
	ListenAddr string

	// Git publishing; disabled when GitRepoDir is empty.
	GitRepoDir     string
	GitRemote      string
	GitBranch      string
	GitToken       string
	GitPushPath    string // playlist path inside the repo
	GitAuthorName  string
	GitAuthorEmail string
}

// DefaultShortLinkDomains are resolved with a HEAD request before probing.
var DefaultShortLinkDomains = []string{"bit.ly", "tinyurl.com", "goo.gl", "t.co"}

// Load reads config from environment. Call LoadEnvFile(".env") before Load() to use a .env file.
// When IPTV_HARVEST_SOURCES_FILE is set, its sources and epg lists are merged in after the env lists.
func Load() *Config {
	dataDir := getEnv("IPTV_HARVEST_DATA_DIR", "./data")
	backend := strings.ToLower(getEnv("IPTV_HARVEST_STORE_BACKEND", "sqlite"))
	if backend != "json" {
		backend = "sqlite"
	}
	defaultStore := filepath.Join(dataDir, "channels.db")
	if backend == "json" {
		defaultStore = filepath.Join(dataDir, "channels.json")
	}
	c := &Config{
		DataDir:      dataDir,
		PlaylistPath: getEnv("IPTV_HARVEST_PLAYLIST", filepath.Join(dataDir, "playlist.m3u")),
		StorePath:    getEnv("IPTV_HARVEST_STORE", defaultStore),
		StoreBackend: backend,
		EPGDir:       getEnv("IPTV_HARVEST_EPG_DIR", filepath.Join(dataDir, "epg")),

		SourcesFile: os.Getenv("IPTV_HARVEST_SOURCES_FILE"),
		Sources:     getEnvList("IPTV_HARVEST_SOURCES"),
		EPGURLs:     getEnvList("IPTV_HARVEST_EPG_URLS"),

		FetchTimeout:         getEnvDuration("IPTV_HARVEST_FETCH_TIMEOUT", 8*time.Second),
		MaxConcurrentFetches: getEnvInt("IPTV_HARVEST_MAX_FETCHES", 60),
		FetchRatePerSecond:   getEnvFloat("IPTV_HARVEST_FETCH_RATE", 0),
		HostConcurrency:      getEnvInt("IPTV_HARVEST_HOST_CONCURRENCY", 4),
		NestedDepth:          getEnvInt("IPTV_HARVEST_NESTED_DEPTH", 1),
		RepoStrategy:         getEnvChoice("IPTV_HARVEST_REPO_STRATEGY", "raw", "raw", "clone"),
		CloneDir:             os.Getenv("IPTV_HARVEST_CLONE_DIR"),
		UserAgent:            getEnv("IPTV_HARVEST_USER_AGENT", "iptv-harvest/1.0"),

		ValidateTimeout:          getEnvDuration("IPTV_HARVEST_VALIDATE_TIMEOUT", 6*time.Second),
		MaxValidationWorkers:     getEnvInt("IPTV_HARVEST_VALIDATION_WORKERS", 12),
		ValidationLimit:          getEnvInt("IPTV_HARVEST_VALIDATION_LIMIT", 10000),
		RevalidateAfter:          getEnvDuration("IPTV_HARVEST_REVALIDATE_AFTER", 0),
		MaxFailures:              getEnvInt("IPTV_HARVEST_MAX_FAILURES", 0),
		MaxAttempts:              getEnvInt("IPTV_HARVEST_MAX_ATTEMPTS", 2),
		Proxies:                  getEnvList("IPTV_HARVEST_PROXIES"),
		ShortLinkDomains:         getEnvListDefault("IPTV_HARVEST_SHORTLINK_DOMAINS", DefaultShortLinkDomains),
		DeepProbe:                getEnvBool("IPTV_HARVEST_DEEP_PROBE", true),
		FFprobePath:              getEnv("IPTV_HARVEST_FFPROBE", "ffprobe"),
		YtDlpPath:                getEnv("IPTV_HARVEST_YTDLP", "yt-dlp"),
		Replace:                  getEnvBool("IPTV_HARVEST_REPLACE", true),
		MaxReplacementCandidates: getEnvInt("IPTV_HARVEST_REPLACEMENT_CANDIDATES", 3),

		UpdateInterval: getEnvDuration("IPTV_HARVEST_INTERVAL", 30*time.Minute),
		ErrorBackoff:   getEnvDuration("IPTV_HARVEST_ERROR_BACKOFF", 60*time.Second),
		RealtimeAppend: getEnvBool("IPTV_HARVEST_REALTIME_APPEND", true),

		LogoDBPath:      getEnvOff("IPTV_HARVEST_LOGO_DB", filepath.Join(dataDir, "iptvorg.json")),
		LogoChannelsURL: getEnv("IPTV_HARVEST_LOGO_CHANNELS_URL", "https://iptv-org.github.io/api/channels.json"),
		LogoListURL:     getEnvOff("IPTV_HARVEST_LOGO_LIST_URL", "https://iptv-org.github.io/api/logos.json"),
		LogoMaxAge:      getEnvDuration("IPTV_HARVEST_LOGO_MAX_AGE", 30*24*time.Hour),

		ListenAddr: getEnv("IPTV_HARVEST_ADDR", ":8080"),

		GitRepoDir:     os.Getenv("IPTV_HARVEST_GIT_REPO_DIR"),
		GitRemote:      getEnv("IPTV_HARVEST_GIT_REMOTE", "origin"),
		GitBranch:      getEnv("IPTV_HARVEST_GIT_BRANCH", "main"),
		GitToken:       os.Getenv("IPTV_HARVEST_GIT_TOKEN"),
		GitPushPath:    getEnv("IPTV_HARVEST_GIT_PUSH_PATH", "playlist.m3u"),
		GitAuthorName:  getEnv("IPTV_HARVEST_GIT_AUTHOR_NAME", "iptv-harvest"),
		GitAuthorEmail: getEnv("IPTV_HARVEST_GIT_AUTHOR_EMAIL", "iptv-harvest@localhost"),
	}
	if c.MaxConcurrentFetches < 1 {
		c.MaxConcurrentFetches = 1
	}
	if c.MaxValidationWorkers < 1 {
		c.MaxValidationWorkers = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	return c
}

// GitEnabled reports whether playlist publishing is configured.
func (c *Config) GitEnabled() bool {
	return strings.TrimSpace(c.GitRepoDir) != ""
}

// EnsureDirs creates the data, EPG and playlist directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.EPGDir, filepath.Dir(c.PlaylistPath), filepath.Dir(c.StorePath)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// LoadEnvFile reads path and sets environment variables for each line "KEY=value".
// Skips empty lines and lines starting with #; an optional "export " prefix is accepted.
// Variables already present in the environment are not overwritten.
func LoadEnvFile(path string) error {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, unquoteEnv(strings.TrimSpace(value)))
	}
	return nil
}

func unquoteEnv(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func getEnv(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvOff is getEnv where the value "off" yields "".
func getEnvOff(key, defaultVal string) string {
	if v := getEnv(key, defaultVal); !strings.EqualFold(v, "off") {
		return v
	}
	return ""
}

// getEnvChoice returns the lowercased value when it is one of allowed, else defaultVal.
func getEnvChoice(key, defaultVal string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	return splitList(os.Getenv(key))
}

func getEnvListDefault(key string, defaultVal []string) []string {
	if l := getEnvList(key); len(l) > 0 {
		return l
	}
	return append([]string(nil), defaultVal...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
