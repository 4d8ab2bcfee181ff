package playlist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/snapetech/iptvharvest/internal/store"
)

type fakeOK []store.Entry

func (f fakeOK) SelectOK(ctx context.Context) ([]store.Entry, error) { return f, nil }

type errOK struct{}

func (errOK) SelectOK(ctx context.Context) ([]store.Entry, error) { return nil, errors.New("db gone") }

func TestRender(t *testing.T) {
	src := fakeOK{
		{URL: "http://a/1.ts", Title: "Alpha, HD", Logo: `http://img/"a".png`, Status: store.StatusOK},
		{URL: "http://a/bbc_news.m3u8", Status: store.StatusOK},
		{URL: "http://a/", Status: store.StatusOK},
	}
	got, n, err := Render(context.Background(), src, []string{"http://epg/1.xml.gz", "http://epg/2.xml"})
	if err != nil {
		t.Fatal(err)
	}
	want := `#EXTM3U x-tvg-url="http://epg/1.xml.gz,http://epg/2.xml"
#EXTINF:-1 tvg-logo="http://img/'a'.png",Alpha HD
http://a/1.ts
#EXTINF:-1,Bbc News
http://a/bbc_news.m3u8
#EXTINF:-1,Channel
http://a/
`
	if string(got) != want {
		t.Errorf("Render =\n%s\nwant\n%s", got, want)
	}
	if n != 3 {
		t.Errorf("count = %d", n)
	}
}

func TestRender_pure(t *testing.T) {
	src := fakeOK{{URL: "http://a/1.ts", Title: "One"}, {URL: "http://a/2.ts", Title: "Two"}}
	a, _, _ := Render(context.Background(), src, nil)
	b, _, _ := Render(context.Background(), src, nil)
	if string(a) != string(b) {
		t.Error("Render not deterministic")
	}
	if !strings.HasPrefix(string(a), "#EXTM3U\n") {
		t.Errorf("header = %q", a)
	}
	if _, _, err := Render(context.Background(), errOK{}, nil); err == nil {
		t.Error("expected store error")
	}
}

func TestEnsureHeader(t *testing.T) {
	dir := t.TempDir()
	fresh := filepath.Join(dir, "fresh.m3u")
	if err := EnsureHeader(fresh, nil); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(fresh); string(b) != "#EXTM3U\n" {
		t.Errorf("fresh = %q", b)
	}

	headless := filepath.Join(dir, "headless.m3u")
	os.WriteFile(headless, []byte("#EXTINF:-1,A\nhttp://a/1.ts"), 0o644)
	if err := EnsureHeader(headless, []string{"http://epg"}); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(headless)
	if string(b) != "#EXTM3U x-tvg-url=\"http://epg\"\n#EXTINF:-1,A\nhttp://a/1.ts\n" {
		t.Errorf("headless = %q", b)
	}
	// Already headed: untouched.
	if err := EnsureHeader(headless, nil); err != nil {
		t.Fatal(err)
	}
	if b2, _ := os.ReadFile(headless); string(b2) != string(b) {
		t.Errorf("headed file changed: %q", b2)
	}
}

func TestAppender_idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playlist.m3u")
	os.WriteFile(path, []byte("#EXTM3U\n#EXTINF:-1,Existing\nhttp://a/existing.ts\n"), 0o644)
	a, err := OpenAppender(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if wrote, err := a.Append("http://a/existing.ts", "Existing", ""); err != nil || wrote {
		t.Errorf("append existing: wrote=%v err=%v", wrote, err)
	}
	if wrote, err := a.Append("http://a/new.ts", "New", ""); err != nil || !wrote {
		t.Errorf("append new: wrote=%v err=%v", wrote, err)
	}
	before, _ := os.ReadFile(path)
	if wrote, _ := a.Append("http://a/new.ts", "New", ""); wrote {
		t.Error("second append wrote")
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Errorf("file changed on duplicate append:\n%s", after)
	}
	if strings.Count(string(after), "http://a/new.ts") != 1 {
		t.Errorf("file = %q", after)
	}
}

func TestAppender_concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playlist.m3u")
	a, err := OpenAppender(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Append("http://a/same.ts", "Same", "")
		}()
	}
	wg.Wait()
	b, _ := os.ReadFile(path)
	if strings.Count(string(b), "http://a/same.ts") != 1 {
		t.Errorf("file = %q", b)
	}
}

func TestAppender_rewriteReseeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playlist.m3u")
	a, err := OpenAppender(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Append("http://a/gone.ts", "Gone", "")
	data, _, _ := Render(context.Background(), fakeOK{{URL: "http://a/kept.ts", Title: "Kept"}}, nil)
	if err := a.Rewrite(data); err != nil {
		t.Fatal(err)
	}
	if wrote, _ := a.Append("http://a/kept.ts", "Kept", ""); wrote {
		t.Error("URL kept by rewrite was appended again")
	}
	if wrote, _ := a.Append("http://a/gone.ts", "Gone", ""); !wrote {
		t.Error("URL dropped by rewrite should be appendable again")
	}
}
