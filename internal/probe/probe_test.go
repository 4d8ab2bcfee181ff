package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// dialMap routes the given hostnames to test listener addresses.
func dialMap(hosts map[string]string) DialFunc {
	d := &net.Dialer{}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err == nil {
			if target, ok := hosts[host]; ok {
				addr = target
			}
		}
		return d.DialContext(ctx, network, addr)
	}
}

func serverAddr(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}

func tsPacket() []byte {
	b := make([]byte, 376)
	b[0], b[188] = 0x47, 0x47
	return b
}

func TestValidate_triState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Host {
		case "good.example":
			w.Header().Set("Content-Type", "video/mp2t")
			w.Write(tsPacket())
		case "hls.example":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Write([]byte("#EXTM3U\n"))
		case "slow.example":
			<-r.Context().Done()
		case "html.example":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<html></html>"))
		case "octet.example":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(tsPacket())
		case "zip.example":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(append([]byte("PK\x03\x04"), make([]byte, 400)...))
		case "nohead.example":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(tsPacket())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	addr := serverAddr(t, srv)
	hosts := map[string]string{}
	for _, h := range []string{"good.example", "hls.example", "slow.example", "html.example", "octet.example", "zip.example", "nohead.example", "dead.example"} {
		hosts[h] = addr
	}
	v := New(Options{Timeout: 300 * time.Millisecond, DialContext: dialMap(hosts)})

	tests := []struct {
		url     string
		verdict Verdict
		diag    string
		tier    string
	}{
		{"http://good.example/stream.ts", VerdictValid, "content-type:video/mp2t", TierHead},
		{"http://hls.example/stream.m3u8", VerdictValid, "content-type:application/vnd.apple.mpegurl", TierHead},
		{"http://dead.example/stream.ts", VerdictInvalid, "status-404", ""},
		{"http://slow.example/stream.ts", VerdictInvalid, "timeout", ""},
		{"http://html.example/", VerdictInvalid, "content-type:text/html", ""},
		{"http://octet.example/live.ts", VerdictValid, "sniff:mpegts", TierGet},
		{"http://zip.example/archive", VerdictInvalid, "content-type:application/octet-stream", ""},
		{"http://nohead.example/live", VerdictValid, "sniff:mpegts", TierGet},
		{"file:///etc/passwd", VerdictInvalid, "unsupported-scheme", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got := v.Validate(context.Background(), tt.url)
			if got.Verdict != tt.verdict || got.Diagnostic != tt.diag || got.Tier != tt.tier {
				t.Errorf("Validate(%s) = %+v, want verdict=%s diag=%q tier=%q", tt.url, got, tt.verdict, tt.diag, tt.tier)
			}
			if got.FinalURL != tt.url {
				t.Errorf("FinalURL = %q", got.FinalURL)
			}
		})
	}
}

func TestValidate_manifestTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		switch r.URL.Path {
		case "/media.m3u8":
			w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\nseg1.ts\n#EXTINF:10.0,\nseg2.ts\n"))
		case "/master.m3u8":
			w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720\nhi/index.m3u8\n"))
		case "/empty.m3u8":
			w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n"))
		}
	}))
	defer srv.Close()
	v := New(Options{Timeout: time.Second, DeepProbe: true})

	tests := []struct {
		path string
		ok   bool
		diag string
	}{
		{"/media.m3u8", true, "manifest:media segments=2"},
		{"/master.m3u8", true, "manifest:master variants=1"},
		{"/empty.m3u8", false, "content-type:text/plain"},
	}
	for _, tt := range tests {
		got := v.Validate(context.Background(), srv.URL+tt.path)
		if got.OK() != tt.ok || got.Diagnostic != tt.diag {
			t.Errorf("%s: %+v, want ok=%v diag=%q", tt.path, got, tt.ok, tt.diag)
		}
	}

	shallow := New(Options{Timeout: time.Second, DeepProbe: false})
	if got := shallow.Validate(context.Background(), srv.URL+"/empty.m3u8"); !got.OK() || got.Diagnostic != "sniff:manifest" {
		t.Errorf("without deep probe, manifest text should pass the sniff: %+v", got)
	}
}

func TestValidate_shortLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Host {
		case "bit.ly":
			http.Redirect(w, r, "http://good.example/final.ts", http.StatusMovedPermanently)
		case "good.example":
			w.Header().Set("Content-Type", "video/mp2t")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	addr := serverAddr(t, srv)
	v := New(Options{
		Timeout:          time.Second,
		ShortLinkDomains: []string{"bit.ly"},
		DialContext:      dialMap(map[string]string{"bit.ly": addr, "good.example": addr}),
	})
	got := v.Validate(context.Background(), "http://bit.ly/abc")
	if !got.OK() || got.FinalURL != "http://good.example/final.ts" || got.URL != "http://bit.ly/abc" {
		t.Errorf("short link outcome = %+v", got)
	}
}

func TestValidate_tcpScheme(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	v := New(Options{Timeout: 500 * time.Millisecond, DialContext: dialMap(map[string]string{"live.example": ln.Addr().String()})})

	got := v.Validate(context.Background(), "rtmp://live.example:"+port+"/app/stream")
	if !got.OK() || got.Tier != TierTCP {
		t.Errorf("open port: %+v", got)
	}
	ln.Close()
	got = v.Validate(context.Background(), "rtmp://127.0.0.1:"+port+"/app/stream")
	if got.OK() || got.Diagnostic == "" {
		t.Errorf("closed port: %+v", got)
	}
}

func TestValidate_cancelled(t *testing.T) {
	v := New(Options{Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := v.Validate(ctx, "http://127.0.0.1:1/x.ts")
	if got.Verdict != VerdictIndeterminate || got.OK() {
		t.Errorf("cancelled = %+v", got)
	}
}

func TestBuildStrategies(t *testing.T) {
	opts := Options{
		Timeout:     time.Second,
		MaxAttempts: 3,
		Proxies:     []string{"ftp://nope:21", "socks5://user:pw@127.0.0.1:1080", "http://127.0.0.1:3128", "http://127.0.0.1:3129"},
	}
	list, skipped := buildStrategies(opts)
	if len(list) != 3 {
		t.Fatalf("strategies = %d", len(list))
	}
	if list[0].name != "direct" || !list[0].direct {
		t.Errorf("first strategy = %+v", list[0].name)
	}
	if !strings.HasPrefix(list[1].name, "proxy:socks5://") || list[1].dial == nil {
		t.Errorf("second strategy = %q", list[1].name)
	}
	if list[2].name != "proxy:http://127.0.0.1:3128" || list[2].dial != nil {
		t.Errorf("third strategy = %q", list[2].name)
	}
	if len(skipped) != 1 {
		t.Errorf("skipped = %v", skipped)
	}

	opts.MaxAttempts = 1
	if list, _ := buildStrategies(opts); len(list) != 1 {
		t.Errorf("MaxAttempts=1 gave %d strategies", len(list))
	}
}

// blockHost fails every dial to host and routes the rest through a plain dialer.
func blockHost(host string) DialFunc {
	d := &net.Dialer{}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if h, _, _ := net.SplitHostPort(addr); h == host {
			return nil, errors.New("connection refused")
		}
		return d.DialContext(ctx, network, addr)
	}
}

func TestValidate_proxyAfterDirectFails(t *testing.T) {
	// An HTTP forward proxy sees absolute-form request URIs and answers for the origin.
	var (
		mu      sync.Mutex
		proxied string
	)
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		proxied = r.URL.Host
		mu.Unlock()
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(tsPacket())
	}))
	defer proxySrv.Close()

	v := New(Options{
		Timeout:     time.Second,
		MaxAttempts: 2,
		Proxies:     []string{proxySrv.URL},
		DialContext: blockHost("blocked.example"),
	})
	got := v.Validate(context.Background(), "http://blocked.example/live.ts")
	if !got.OK() || got.Strategy != "proxy:"+proxySrv.URL || got.Tier != TierHead {
		t.Errorf("outcome = %+v", got)
	}
	mu.Lock()
	if proxied != "blocked.example" {
		t.Errorf("proxy saw host %q", proxied)
	}
	mu.Unlock()

	direct := New(Options{Timeout: time.Second, MaxAttempts: 1, Proxies: []string{proxySrv.URL}, DialContext: blockHost("blocked.example")})
	if got := direct.Validate(context.Background(), "http://blocked.example/live.ts"); got.OK() {
		t.Errorf("with one attempt the proxy must not be used: %+v", got)
	}
}

// socks5Server is a no-auth SOCKS5 CONNECT server that sends every target to upstream.
func socks5Server(t *testing.T, upstream string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSOCKS5(c, upstream)
		}
	}()
	return ln.Addr().String()
}

func serveSOCKS5(c net.Conn, upstream string) {
	defer c.Close()
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c, hdr); err != nil || hdr[0] != 5 {
		return
	}
	if _, err := io.ReadFull(c, make([]byte, hdr[1])); err != nil {
		return
	}
	c.Write([]byte{5, 0})
	req := make([]byte, 4)
	if _, err := io.ReadFull(c, req); err != nil || req[1] != 1 {
		return
	}
	var skip int
	switch req[3] {
	case 1:
		skip = 4
	case 4:
		skip = 16
	case 3:
		n := make([]byte, 1)
		if _, err := io.ReadFull(c, n); err != nil {
			return
		}
		skip = int(n[0])
	default:
		return
	}
	if _, err := io.ReadFull(c, make([]byte, skip+2)); err != nil {
		return
	}
	up, err := net.Dial("tcp", upstream)
	if err != nil {
		c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer up.Close()
	c.Write([]byte{5, 0, 0, 1, 127, 0, 0, 1, 0, 0})
	go io.Copy(up, c)
	io.Copy(c, up)
}

func TestValidate_socks5AfterDirectFails(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(tsPacket())
	}))
	defer origin.Close()
	socks := socks5Server(t, serverAddr(t, origin))

	v := New(Options{
		Timeout:     time.Second,
		MaxAttempts: 2,
		Proxies:     []string{"socks5://" + socks},
		DialContext: blockHost("blocked.example"),
	})
	got := v.Validate(context.Background(), "http://blocked.example/live.ts")
	if !got.OK() || got.Strategy != "proxy:socks5://"+socks {
		t.Errorf("outcome = %+v", got)
	}
}

func TestSniffMedia(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{tsPacket(), "mpegts"},
		{append([]byte{0, 0, 0, 0x18}, []byte("ftypisom")...), "mp4"},
		{[]byte("ID3\x04"), "id3"},
		{[]byte("<html>"), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := sniffMedia(tt.in); got != tt.want {
			t.Errorf("sniffMedia(%q) = %q, want %q", tt.in[:min(len(tt.in), 8)], got, tt.want)
		}
	}
	if !isManifest([]byte("\n#EXTM3U\n")) || isManifest(bytes.Repeat([]byte{0x47}, 10)) {
		t.Error("isManifest")
	}
}
