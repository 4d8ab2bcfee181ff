package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

const playlistBody = "#EXTM3U\n#EXTINF:-1,One\nhttp://a/1.ts\n"

func TestDecodingTransport(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		var buf bytes.Buffer
		switch r.URL.Path {
		case "/br":
			bw := brotli.NewWriter(&buf)
			bw.Write([]byte(playlistBody))
			bw.Close()
			w.Header().Set("Content-Encoding", "br")
		case "/gz":
			zw := gzip.NewWriter(&buf)
			zw.Write([]byte(playlistBody))
			zw.Close()
			w.Header().Set("Content-Encoding", "gzip")
		default:
			buf.WriteString(playlistBody)
		}
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client := New(5*time.Second, "test-agent")
	for _, path := range []string{"/br", "/gz", "/plain"} {
		resp, err := client.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("%s: read: %v", path, err)
		}
		if string(body) != playlistBody {
			t.Errorf("%s: body = %q", path, body)
		}
	}
	if ua, _ := gotUA.Load().(string); ua != "test-agent" {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestHostSemaphore(t *testing.T) {
	sem := NewHostSemaphore(1)
	ctx := context.Background()
	release, err := sem.Acquire(ctx, "http://a.example/x.m3u")
	if err != nil {
		t.Fatal(err)
	}
	// Different host is independent.
	r2, err := sem.Acquire(ctx, "http://b.example/y.m3u")
	if err != nil {
		t.Fatal(err)
	}
	r2()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := sem.Acquire(short, "http://a.example/other"); err == nil {
		t.Fatal("same host should block while slot is held")
	}
	release()
	r3, err := sem.Acquire(ctx, "http://a.example/other")
	if err != nil {
		t.Fatal(err)
	}
	r3()
}
