// Package repominer turns a Git repository reference into playlist documents, either by
// guessing raw-content URLs of well-known filenames or by a shallow clone.
package repominer

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/iptvharvest/internal/config"
	"github.com/snapetech/iptvharvest/internal/gitexec"
	"github.com/snapetech/iptvharvest/internal/safeurl"
)

// Document is one fetched or checked-out playlist body.
type Document struct {
	BaseURL string // for resolving relative lines; may be empty for non-GitHub clones
	Body    []byte
}

// FetchFunc fetches one URL; any error counts as a miss.
type FetchFunc func(ctx context.Context, rawURL string) ([]byte, error)

// Stats counts what one Mine call did.
type Stats struct {
	Tried   int
	Fetched int
	Missed  int
}

// DefaultTemplates are raw-content mirrors; {repo} is "owner/name", {branch} main or master.
// The CDN mirror serves the default branch.
var DefaultTemplates = []string{
	"https://raw.githubusercontent.com/{repo}/{branch}/{file}",
	"https://cdn.jsdelivr.net/gh/{repo}/{file}",
}

// DefaultBranches are tried for every template that has a {branch} placeholder.
var DefaultBranches = []string{"main", "master"}

// DefaultFiles are the well-known playlist names probed in each repository.
var DefaultFiles = []string{
	"playlist.m3u", "index.m3u", "movies.m3u", "series.m3u",
	"playlist.m3u8", "index.m3u8", "movies.m3u8", "series.m3u8",
}

var cloneExts = map[string]bool{".m3u": true, ".m3u8": true, ".txt": true}

const maxCloneFileSize = 32 << 20

// Miner mines repositories. Strategy "raw" probes Templates x Branches x Files;
// "clone" shallow-clones and walks the checkout.
type Miner struct {
	Strategy  string
	Templates []string
	Branches  []string
	Files     []string
	CloneDir  string // parent for temporary checkouts; "" = os.TempDir()
	Git       *gitexec.Runner
	// FetchConcurrency bounds concurrent raw fetches within one repository.
	FetchConcurrency int
}

// New returns a Miner with the default templates and file list.
func New(strategy, cloneDir string) *Miner {
	return &Miner{
		Strategy:         strategy,
		Templates:        DefaultTemplates,
		Branches:         DefaultBranches,
		Files:            DefaultFiles,
		CloneDir:         cloneDir,
		Git:              &gitexec.Runner{Redact: safeurl.Redact},
		FetchConcurrency: 8,
	}
}

// RawURLs lists every raw-content URL tried for repo ("owner/name").
func (m *Miner) RawURLs(repo string) []string {
	repo = strings.Trim(strings.TrimSuffix(repo, ".git"), "/")
	var out []string
	seen := make(map[string]bool)
	for _, tmpl := range m.Templates {
		branches := m.Branches
		if !strings.Contains(tmpl, "{branch}") {
			branches = []string{""}
		}
		for _, br := range branches {
			for _, f := range m.Files {
				u := strings.NewReplacer("{repo}", repo, "{branch}", br, "{file}", f).Replace(tmpl)
				if !seen[u] {
					seen[u] = true
					out = append(out, u)
				}
			}
		}
	}
	return out
}

// Mine returns every document found for src. Misses never abort other combinations.
// Non-GitHub repositories always use the clone strategy.
func (m *Miner) Mine(ctx context.Context, src config.Source, fetch FetchFunc) ([]Document, Stats) {
	if m.Strategy == "clone" || src.Repo == "" {
		docs, err := m.Clone(ctx, src)
		if err != nil {
			log.Printf("repominer: clone %s: %v", safeurl.Redact(src.URL), err)
			return nil, Stats{Tried: 1, Missed: 1}
		}
		return docs, Stats{Tried: 1, Fetched: len(docs)}
	}
	return m.mineRaw(ctx, src.Repo, fetch)
}

// mineRaw fetches every raw URL concurrently. Documents come back in RawURLs order
// whatever the completion order, so the first title for a stream is stable.
func (m *Miner) mineRaw(ctx context.Context, repo string, fetch FetchFunc) ([]Document, Stats) {
	urls := m.RawURLs(repo)
	bodies := make([][]byte, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	limit := m.FetchConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			if body, err := fetch(gctx, u); err == nil {
				bodies[i] = body
			}
			return nil
		})
	}
	_ = g.Wait()

	st := Stats{Tried: len(urls)}
	var docs []Document
	for i, body := range bodies {
		if len(body) == 0 {
			st.Missed++
			continue
		}
		st.Fetched++
		docs = append(docs, Document{BaseURL: urls[i], Body: body})
	}
	log.Printf("repominer: %s raw: tried=%d fetched=%d missed=%d", repo, st.Tried, st.Fetched, st.Missed)
	return docs, st
}

// Clone shallow-clones src, reads every playlist-like file and removes the checkout.
func (m *Miner) Clone(ctx context.Context, src config.Source) ([]Document, error) {
	if m.Git == nil || !m.Git.Available() {
		return nil, gitexec.ErrNotInstalled
	}
	if !safeurl.IsHTTPOrHTTPS(src.URL) {
		return nil, fmt.Errorf("refusing non-http repository URL")
	}
	dir, err := os.MkdirTemp(m.CloneDir, "iptv-harvest-clone-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	if _, err := m.Git.Run(ctx, dir, "clone", "--depth=1", "--quiet", "--single-branch", src.URL, "checkout"); err != nil {
		return nil, err
	}
	root := filepath.Join(dir, "checkout")
	docs, err := readPlaylistFiles(root, src.Repo)
	if err != nil {
		return docs, err
	}
	log.Printf("repominer: %s clone: %d playlist files", safeurl.Redact(src.URL), len(docs))
	return docs, nil
}

// readPlaylistFiles walks root for .m3u/.m3u8/.txt files. For GitHub repos each document's
// BaseURL points at the raw file so relative entries resolve.
func readPlaylistFiles(root, repo string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !cloneExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() == 0 || info.Size() > maxCloneFileSize {
			return nil
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		base := ""
		if repo != "" {
			rel, _ := filepath.Rel(root, path)
			base = "https://raw.githubusercontent.com/" + repo + "/HEAD/" + filepath.ToSlash(rel)
		}
		docs = append(docs, Document{BaseURL: base, Body: body})
		return nil
	})
	return docs, err
}
