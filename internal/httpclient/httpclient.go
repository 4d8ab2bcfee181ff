package httpclient

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
	DefaultUserAgent       = "iptv-harvest/1.0"
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: NewDecodingTransport(baseTransport(), DefaultUserAgent),
	}
}

func baseTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	}
}

// Default returns the shared tuned HTTP client for discovery, EPG download and source probing.
// Response bodies are transparently decoded from br or gzip.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout on a fresh decoding transport.
func WithTimeout(timeout time.Duration) *http.Client {
	return New(timeout, DefaultUserAgent)
}

// New returns a client with its own connection pool, the given timeout and User-Agent.
func New(timeout time.Duration, userAgent string) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewDecodingTransport(baseTransport(), userAgent),
	}
}

// DecodingTransport advertises br and gzip, decodes the body accordingly and sets a
// default User-Agent. Requests that already carry Accept-Encoding or Range are passed through.
type DecodingTransport struct {
	Base      http.RoundTripper
	UserAgent string
}

func NewDecodingTransport(base http.RoundTripper, userAgent string) *DecodingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DecodingTransport{Base: base, UserAgent: userAgent}
}

func (t *DecodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	decode := req.Header.Get("Accept-Encoding") == "" && req.Header.Get("Range") == ""
	if decode || (t.UserAgent != "" && req.Header.Get("User-Agent") == "") {
		req = req.Clone(req.Context())
		if decode {
			req.Header.Set("Accept-Encoding", "br, gzip")
		}
		if t.UserAgent != "" && req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", t.UserAgent)
		}
	}
	resp, err := t.Base.RoundTrip(req)
	if err != nil || !decode || req.Method == http.MethodHead {
		return resp, err
	}
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		resp.Body = &decodedBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}
	case "gzip":
		zr, zerr := gzip.NewReader(resp.Body)
		if zerr != nil {
			resp.Body.Close()
			return nil, zerr
		}
		resp.Body = &decodedBody{Reader: zr, closer: resp.Body}
	default:
		return resp, nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the base transport.
func (t *DecodingTransport) CloseIdleConnections() {
	if c, ok := t.Base.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

type decodedBody struct {
	io.Reader
	closer io.Closer
}

func (b *decodedBody) Close() error { return b.closer.Close() }
