package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbeOne_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,A\nhttp://a/1.ts\n#EXTINF:-1,B\nhttp://a/2.ts\n"))
	}))
	defer srv.Close()

	r := ProbeOne(context.Background(), srv.URL, nil)
	if r.Status != StatusOK {
		t.Errorf("Status: %s", r.Status)
	}
	if r.StatusCode != 200 {
		t.Errorf("StatusCode: %d", r.StatusCode)
	}
	if r.Format != "m3u" || r.Entries != 2 {
		t.Errorf("Format=%q Entries=%d", r.Format, r.Entries)
	}
}

func TestProbeOne_html(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><a href="/a.m3u">a</a><a href="/b.m3u8">b</a><a href="/c">c</a></html>`))
	}))
	defer srv.Close()

	r := ProbeOne(context.Background(), srv.URL, nil)
	if r.Status != StatusOK || r.Format != "html" || r.Entries != 2 {
		t.Errorf("got %+v", r)
	}
}

func TestProbeOne_badStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := ProbeOne(context.Background(), srv.URL, nil)
	if r.Status != StatusBadStatus {
		t.Errorf("Status: %s", r.Status)
	}
	if r.StatusCode != 404 {
		t.Errorf("StatusCode: %d", r.StatusCode)
	}
}

func TestProbeOne_cloudflare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(503)
		w.Write([]byte("Checking your browser"))
	}))
	defer srv.Close()

	r := ProbeOne(context.Background(), srv.URL, nil)
	if r.Status != StatusCloudflare {
		t.Errorf("Status: %s", r.Status)
	}
}

func TestProbeOne_notCloudflareWithoutSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		w.Write([]byte("maintenance; see cloudflare status page"))
	}))
	defer srv.Close()

	r := ProbeOne(context.Background(), srv.URL, nil)
	if r.Status != StatusBadStatus {
		t.Errorf("Status: %s", r.Status)
	}
}

func TestProbeOne_timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	r := ProbeOne(context.Background(), srv.URL, &http.Client{Timeout: 100 * time.Millisecond})
	if r.Status != StatusTimeout {
		t.Errorf("Status: %s", r.Status)
	}
}

func TestProbeAll_sort(t *testing.T) {
	small := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,A\nhttp://a/1.ts\n"))
	}))
	defer small.Close()
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,A\nhttp://a/1.ts\n#EXTINF:-1,B\nhttp://a/2.ts\n"))
	}))
	defer big.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	results := ProbeAll(context.Background(), []string{bad.URL, small.URL, "", big.URL}, nil, 2)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d", len(results))
	}
	if results[0].URL != big.URL || results[1].URL != small.URL || results[2].URL != bad.URL {
		t.Errorf("order: %s, %s, %s", results[0].URL, results[1].URL, results[2].URL)
	}
}

func TestBest(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	if got := Best(context.Background(), []string{bad.URL, ok.URL}, nil, 2); got != ok.URL {
		t.Errorf("Best = %q", got)
	}
	if got := Best(context.Background(), []string{bad.URL}, nil, 2); got != "" {
		t.Errorf("Best with no OK source = %q", got)
	}
}
