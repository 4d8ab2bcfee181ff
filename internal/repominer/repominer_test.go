package repominer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/iptvharvest/internal/config"
	"github.com/snapetech/iptvharvest/internal/gitexec"
)

func TestRawURLs(t *testing.T) {
	m := New("raw", "")
	urls := m.RawURLs("iptv-org/iptv.git")
	if len(urls) != 3*len(DefaultFiles) {
		t.Fatalf("len = %d", len(urls))
	}
	want := []string{
		"https://raw.githubusercontent.com/iptv-org/iptv/main/playlist.m3u",
		"https://raw.githubusercontent.com/iptv-org/iptv/master/series.m3u8",
		"https://cdn.jsdelivr.net/gh/iptv-org/iptv/index.m3u",
	}
	have := make(map[string]bool)
	for _, u := range urls {
		have[u] = true
	}
	for _, w := range want {
		if !have[w] {
			t.Errorf("missing %s", w)
		}
	}
}

func TestMine_rawMissesDoNotAbort(t *testing.T) {
	m := New("raw", "")
	m.Files = []string{"playlist.m3u", "index.m3u"}
	var mu sync.Mutex
	var calls []string
	fetch := func(ctx context.Context, u string) ([]byte, error) {
		mu.Lock()
		calls = append(calls, u)
		mu.Unlock()
		switch {
		case strings.Contains(u, "/main/playlist.m3u"):
			return []byte("#EXTM3U\n#EXTINF:-1,A\nhttp://a/1.ts\n"), nil
		case strings.Contains(u, "jsdelivr") && strings.HasSuffix(u, "index.m3u"):
			return []byte("#EXTM3U\n"), nil
		}
		return nil, errors.New("404")
	}
	docs, st := m.Mine(context.Background(), config.Source{URL: "https://github.com/o/r.git", Kind: config.SourceRepo, Repo: "o/r"}, fetch)
	if len(calls) != 6 || st.Tried != 6 {
		t.Errorf("calls = %d, stats = %+v", len(calls), st)
	}
	if len(docs) != 2 || st.Fetched != 2 || st.Missed != 4 {
		t.Errorf("docs = %d, stats = %+v", len(docs), st)
	}
	for _, d := range docs {
		if d.BaseURL == "" {
			t.Error("raw document without BaseURL")
		}
	}
}

func TestMine_rawKeepsTemplateOrder(t *testing.T) {
	m := New("raw", "")
	m.Templates = []string{"http://raw.example/{repo}/{file}"}
	m.Files = []string{"playlist.m3u", "index.m3u"}
	m.FetchConcurrency = 2
	fetch := func(ctx context.Context, u string) ([]byte, error) {
		if strings.HasSuffix(u, "/playlist.m3u") {
			time.Sleep(50 * time.Millisecond)
			return []byte("#EXTM3U\n#EXTINF:-1,Slow Title\nhttp://a/1.ts\n"), nil
		}
		return []byte("#EXTM3U\n#EXTINF:-1,Fast Title\nhttp://a/1.ts\n"), nil
	}
	docs, _ := m.Mine(context.Background(), config.Source{URL: "https://github.com/o/r.git", Kind: config.SourceRepo, Repo: "o/r"}, fetch)
	if len(docs) != 2 {
		t.Fatalf("docs = %d", len(docs))
	}
	if docs[0].BaseURL != "http://raw.example/o/r/playlist.m3u" || docs[1].BaseURL != "http://raw.example/o/r/index.m3u" {
		t.Errorf("order = %s, %s", docs[0].BaseURL, docs[1].BaseURL)
	}
}

func TestReadPlaylistFiles(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "lists", "deep"), 0o755)
	os.MkdirAll(filepath.Join(root, ".git"), 0o755)
	os.WriteFile(filepath.Join(root, "lists", "deep", "news.m3u"), []byte("#EXTM3U\n"), 0o644)
	os.WriteFile(filepath.Join(root, "urls.txt"), []byte("http://a/x.m3u8\n"), 0o644)
	os.WriteFile(filepath.Join(root, "README.md"), []byte("readme"), 0o644)
	os.WriteFile(filepath.Join(root, ".git", "hidden.m3u"), []byte("#EXTM3U\n"), 0o644)
	os.WriteFile(filepath.Join(root, "empty.m3u"), nil, 0o644)

	docs, err := readPlaylistFiles(root, "o/r")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("docs = %+v", docs)
	}
	bases := map[string]bool{}
	for _, d := range docs {
		bases[d.BaseURL] = true
	}
	if !bases["https://raw.githubusercontent.com/o/r/HEAD/lists/deep/news.m3u"] || !bases["https://raw.githubusercontent.com/o/r/HEAD/urls.txt"] {
		t.Errorf("bases = %v", bases)
	}
}

func TestClone_localRepo(t *testing.T) {
	git := &gitexec.Runner{}
	if !git.Available() {
		t.Skip("git not installed")
	}
	m := New("clone", t.TempDir())
	// Clone only accepts http(s) remotes.
	if _, err := m.Clone(context.Background(), config.Source{URL: "file:///tmp/x.git", Kind: config.SourceRepo}); err == nil {
		t.Error("expected refusal for file:// remote")
	}
}

func TestMine_cloneWithoutGit(t *testing.T) {
	m := New("clone", "")
	m.Git = &gitexec.Runner{Path: "definitely-not-git-xyz"}
	docs, st := m.Mine(context.Background(), config.Source{URL: "https://gitlab.com/a/b.git", Kind: config.SourceRepo}, nil)
	if len(docs) != 0 || st.Missed != 1 {
		t.Errorf("docs = %d stats = %+v", len(docs), st)
	}
}
