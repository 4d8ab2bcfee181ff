package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/snapetech/iptvharvest/internal/safeurl"
)

// DialFunc dials a network address; used for raw TCP checks and as the HTTP transport dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// strategy is one network path a validation attempt can take: direct, or through a proxy.
type strategy struct {
	name   string
	client *http.Client
	// dial is nil when the path cannot carry raw TCP (HTTP proxies).
	dial DialFunc
	// direct marks the path subprocess probes (ffprobe, yt-dlp) can use.
	direct bool
}

// buildStrategies returns the ordered attempt list: direct first, then each usable proxy,
// capped at maxAttempts. Unparseable proxies are skipped with an error in skipped.
func buildStrategies(opts Options) (list []strategy, skipped []error) {
	base := opts.DialContext
	if base == nil {
		d := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
		base = d.DialContext
	}
	list = append(list, strategy{name: "direct", client: newClient(base, nil), dial: base, direct: true})
	for _, raw := range opts.Proxies {
		if len(list) >= opts.MaxAttempts {
			break
		}
		s, err := proxyStrategy(raw, base)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		list = append(list, s)
	}
	if len(list) > opts.MaxAttempts {
		list = list[:opts.MaxAttempts]
	}
	return list, skipped
}

func proxyStrategy(raw string, base DialFunc) (strategy, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strategy{}, fmt.Errorf("probe: bad proxy %q", raw)
	}
	name := "proxy:" + safeurl.Redact(u.String())
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return strategy{name: name, client: newClient(base, http.ProxyURL(u))}, nil
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, forwardDialer{base})
		if err != nil {
			return strategy{}, fmt.Errorf("probe: socks5 proxy %q: %w", safeurl.Redact(raw), err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return strategy{}, fmt.Errorf("probe: socks5 proxy %q: no context dialer", safeurl.Redact(raw))
		}
		return strategy{name: name, client: newClient(cd.DialContext, nil), dial: cd.DialContext}, nil
	}
	return strategy{}, fmt.Errorf("probe: unsupported proxy scheme %q", u.Scheme)
}

// forwardDialer adapts a DialFunc to the proxy.Dialer/ContextDialer the SOCKS5 client forwards through.
type forwardDialer struct{ dial DialFunc }

func (f forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return f.dial(context.Background(), network, addr)
}

func (f forwardDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.dial(ctx, network, addr)
}

// newClient builds a probe client. Timeouts come from the per-request context,
// so the client itself has none. Redirects are followed (default policy, max 10).
func newClient(dial DialFunc, proxyFn func(*http.Request) (*url.URL, error)) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               proxyFn,
			DialContext:         dial,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableCompression:  true,
		},
	}
}
