// Package gitsync publishes the rendered playlist to a Git remote.
//
// A push copies the playlist into a working repository, commits it when it
// changed and pushes HEAD to the configured branch. Pushes are best effort and
// single-flight: while one is running, further requests are dropped.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapetech/iptvharvest/internal/atomicfile"
	"github.com/snapetech/iptvharvest/internal/config"
	"github.com/snapetech/iptvharvest/internal/gitexec"
	"github.com/snapetech/iptvharvest/internal/metrics"
	"github.com/snapetech/iptvharvest/internal/safeurl"
)

// ErrNoChanges is returned by Push when the playlist is identical to the last commit.
var ErrNoChanges = errors.New("gitsync: nothing to commit")

// Pusher owns one working repository.
type Pusher struct {
	Git         *gitexec.Runner
	RepoDir     string
	Remote      string // remote name, URL or path
	Branch      string
	Token       string
	PushPath    string // playlist path relative to RepoDir
	AuthorName  string
	AuthorEmail string
	Timeout     time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a Pusher from cfg. Returns nil when publishing is disabled.
func New(cfg *config.Config) *Pusher {
	if !cfg.GitEnabled() {
		return nil
	}
	return &Pusher{
		Git:         &gitexec.Runner{Redact: safeurl.Redact},
		RepoDir:     cfg.GitRepoDir,
		Remote:      cfg.GitRemote,
		Branch:      cfg.GitBranch,
		Token:       cfg.GitToken,
		PushPath:    cfg.GitPushPath,
		AuthorName:  cfg.GitAuthorName,
		AuthorEmail: cfg.GitAuthorEmail,
		Timeout:     2 * time.Minute,
	}
}

// PushAsync starts a push of playlistPath in the background unless one is
// already running. It reports whether a push was started.
func (p *Pusher) PushAsync(ctx context.Context, playlistPath string) bool {
	if !p.running.CompareAndSwap(false, true) {
		log.Printf("gitsync: push already in progress; skipping")
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		ctx := context.WithoutCancel(ctx)
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		err := p.Push(ctx, playlistPath)
		switch {
		case errors.Is(err, ErrNoChanges):
			log.Printf("gitsync: playlist unchanged")
			err = nil
		case err != nil:
			log.Printf("gitsync: push failed: %v", err)
		default:
			log.Printf("gitsync: pushed %s to %s", p.PushPath, p.Branch)
		}
		metrics.RecordGitPush(err)
	}()
	return true
}

// Wait blocks until a running background push finishes.
func (p *Pusher) Wait() { p.wg.Wait() }

// Push copies playlistPath into the repository, commits and pushes it.
func (p *Pusher) Push(ctx context.Context, playlistPath string) error {
	if p.Git == nil || !p.Git.Available() {
		return gitexec.ErrNotInstalled
	}
	if err := p.ensureRepo(ctx); err != nil {
		return err
	}
	rel := p.PushPath
	if rel == "" {
		rel = filepath.Base(playlistPath)
	}
	dst := filepath.Join(p.RepoDir, rel)
	if err := copyFile(playlistPath, dst); err != nil {
		return err
	}
	if _, err := p.Git.Run(ctx, p.RepoDir, "add", "--", rel); err != nil {
		return err
	}
	out, err := p.Git.Run(ctx, p.RepoDir, "status", "--porcelain", "--", rel)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(out))) == 0 {
		return ErrNoChanges
	}
	msg := "Update playlist: " + time.Now().UTC().Format("2006-01-02 15:04")
	if _, err := p.Git.Run(ctx, p.RepoDir,
		"-c", "user.name="+p.authorName(), "-c", "user.email="+p.authorEmail(),
		"commit", "--quiet", "-m", msg); err != nil {
		return err
	}
	target, err := p.pushTarget(ctx)
	if err != nil {
		return err
	}
	_, err = p.Git.Run(ctx, p.RepoDir, "push", target, "HEAD:refs/heads/"+p.branch())
	return err
}

// ensureRepo initializes RepoDir when it is not a repository yet.
func (p *Pusher) ensureRepo(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(p.RepoDir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(p.RepoDir, 0o755); err != nil {
		return fmt.Errorf("gitsync: create repo dir: %w", err)
	}
	if _, err := p.Git.Run(ctx, p.RepoDir, "init", "--quiet"); err != nil {
		return err
	}
	_, err := p.Git.Run(ctx, p.RepoDir, "symbolic-ref", "HEAD", "refs/heads/"+p.branch())
	return err
}

// pushTarget resolves Remote to a URL or path and adds the token to https URLs.
func (p *Pusher) pushTarget(ctx context.Context) (string, error) {
	remote := p.Remote
	if remote == "" {
		remote = "origin"
	}
	if !isLocation(remote) {
		out, err := p.Git.Run(ctx, p.RepoDir, "remote", "get-url", remote)
		if err != nil {
			return "", err
		}
		remote = strings.TrimSpace(string(out))
	}
	return WithToken(remote, p.Token), nil
}

// isLocation reports whether remote is a URL or filesystem path rather than a remote name.
func isLocation(remote string) bool {
	return strings.Contains(remote, "://") || strings.ContainsAny(remote, `/\`) || strings.HasSuffix(remote, ".git")
}

// WithToken puts token into the userinfo of an http(s) remote. Other remotes are returned unchanged.
func WithToken(remote, token string) string {
	if token == "" || !safeurl.IsHTTPOrHTTPS(remote) {
		return remote
	}
	u, err := url.Parse(remote)
	if err != nil {
		return remote
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

func (p *Pusher) branch() string {
	if p.Branch == "" {
		return "main"
	}
	return p.Branch
}

func (p *Pusher) authorName() string {
	if p.AuthorName == "" {
		return "iptv-harvest"
	}
	return p.AuthorName
}

func (p *Pusher) authorEmail() string {
	if p.AuthorEmail == "" {
		return "iptv-harvest@localhost"
	}
	return p.AuthorEmail
}

func copyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("gitsync: open playlist: %w", err)
	}
	defer f.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("gitsync: %w", err)
	}
	_, err = atomicfile.WriteFrom(dst, f)
	return err
}
