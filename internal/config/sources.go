package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceKind tells discovery how to expand a source.
type SourceKind string

const (
	SourcePlaylist SourceKind = "playlist" // fetched directly; M3U text or an HTML page linking playlists
	SourceRepo     SourceKind = "repo"     // mined via raw mirrors or a shallow clone
)

// Source is one entry of the static source registry.
type Source struct {
	URL  string
	Kind SourceKind
	// Repo is "owner/name" for GitHub repositories, empty for other hosts.
	Repo string
}

// DefaultSources is used when neither IPTV_HARVEST_SOURCES nor a sources file lists anything.
var DefaultSources = []string{
	"https://github.com/iptv-org/iptv.git",
	"https://github.com/Free-TV/IPTV.git",
	"https://iptv-org.github.io/iptv/index.m3u",
	"https://raw.githubusercontent.com/Free-TV/IPTV/master/playlist.m3u",
}

// DefaultEPGURLs is used when no EPG URLs are configured.
var DefaultEPGURLs = []string{
	"https://iptv-org.github.io/epg/guides/ALL.xml.gz",
}

// sourcesFile is the YAML layout of IPTV_HARVEST_SOURCES_FILE.
type sourcesFile struct {
	Sources []string `yaml:"sources"`
	EPG     []string `yaml:"epg"`
}

// LoadSourcesFile reads a YAML file with "sources" and "epg" string lists.
func LoadSourcesFile(path string) (sources, epg []string, err error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, nil, err
	}
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return trimAll(f.Sources), trimAll(f.EPG), nil
}

// ResolveSources merges the env lists, the optional sources file and the built-in
// defaults into the final source registry and EPG list. Duplicates are dropped, order kept.
func (c *Config) ResolveSources() ([]Source, error) {
	raw := append([]string(nil), c.Sources...)
	epg := append([]string(nil), c.EPGURLs...)
	if c.SourcesFile != "" {
		s, e, err := LoadSourcesFile(c.SourcesFile)
		if err != nil {
			return nil, err
		}
		raw = append(raw, s...)
		epg = append(epg, e...)
	}
	if len(raw) == 0 {
		raw = append(raw, DefaultSources...)
	}
	if len(epg) == 0 {
		epg = append(epg, DefaultEPGURLs...)
	}
	c.EPGURLs = dedupe(epg)

	var out []Source
	for _, s := range dedupe(raw) {
		out = append(out, ClassifySource(s))
	}
	return out, nil
}

// ClassifySource decides whether s is a repository or a direct playlist URL.
// "owner/name", "https://github.com/owner/name" and anything ending in ".git" are repositories.
func ClassifySource(s string) Source {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "://") {
		parts := strings.Split(strings.TrimSuffix(s, ".git"), "/")
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return Source{URL: "https://github.com/" + parts[0] + "/" + parts[1] + ".git", Kind: SourceRepo, Repo: parts[0] + "/" + parts[1]}
		}
		return Source{URL: s, Kind: SourcePlaylist}
	}
	u, err := url.Parse(s)
	if err != nil {
		return Source{URL: s, Kind: SourcePlaylist}
	}
	path := strings.Trim(u.Path, "/")
	isGitHub := strings.EqualFold(u.Host, "github.com") || strings.EqualFold(u.Host, "www.github.com")
	if strings.HasSuffix(path, ".git") || (isGitHub && strings.Count(path, "/") == 1) {
		src := Source{URL: s, Kind: SourceRepo}
		if isGitHub {
			src.Repo = strings.TrimSuffix(path, ".git")
		}
		return src
	}
	return Source{URL: s, Kind: SourcePlaylist}
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
