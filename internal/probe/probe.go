// Package probe decides whether a candidate channel URL is a working media stream.
// Checks run cheapest first and stop at the first positive signal.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/snapetech/iptvharvest/internal/safeurl"
)

// Verdict is the tri-state validation outcome.
type Verdict string

const (
	VerdictValid   Verdict = "valid"
	VerdictInvalid Verdict = "invalid"
	// VerdictIndeterminate means the check could not finish (caller cancelled, internal fault).
	// Callers treat it as invalid.
	VerdictIndeterminate Verdict = "indeterminate"
)

// Tiers, in the order they are tried.
const (
	TierShortLink = "shortlink"
	TierTCP       = "tcp"
	TierHead      = "head"
	TierGet       = "get"
	TierManifest  = "manifest"
	TierFFprobe   = "ffprobe"
	TierYtDlp     = "yt-dlp"
)

// Outcome is the result of validating one URL.
type Outcome struct {
	URL        string  // as given
	FinalURL   string  // after short-link resolution; the identity to store
	Verdict    Verdict // valid, invalid or indeterminate
	Diagnostic string  // short tag: "content-type:video/mp2t", "timeout", "status-404", ...
	Tier       string  // tier that decided a valid verdict
	Strategy   string  // "direct" or "proxy:<url>"
	Elapsed    time.Duration
}

// OK reports whether the outcome counts as a working stream.
func (o Outcome) OK() bool { return o.Verdict == VerdictValid }

// Options configure a Validator.
type Options struct {
	Timeout          time.Duration // per network call; default 6s
	MaxAttempts      int           // strategies tried per URL (direct + proxies); default 2
	Proxies          []string
	ShortLinkDomains []string
	DeepProbe        bool
	FFprobePath      string // looked up with exec.LookPath; "" or missing disables the tier
	YtDlpPath        string
	UserAgent        string
	// DialContext overrides the direct dialer (tests, custom resolvers).
	DialContext DialFunc
}

// Validator runs the validation pipeline. Safe for concurrent use.
type Validator struct {
	opts       Options
	strategies []strategy
	ffprobe    string
	ytdlp      string
	shortLinks map[string]bool
}

// New builds a Validator; external tools are resolved once here.
func New(opts Options) *Validator {
	if opts.Timeout <= 0 {
		opts.Timeout = 6 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	v := &Validator{opts: opts, shortLinks: make(map[string]bool)}
	var skipped []error
	v.strategies, skipped = buildStrategies(opts)
	for _, err := range skipped {
		log.Printf("probe: %v", err)
	}
	for _, d := range opts.ShortLinkDomains {
		v.shortLinks[strings.ToLower(strings.TrimSpace(d))] = true
	}
	if opts.DeepProbe {
		v.ffprobe = lookTool(opts.FFprobePath)
		v.ytdlp = lookTool(opts.YtDlpPath)
	}
	return v
}

func lookTool(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return p
}

// Tools reports which deep-probe binaries were found.
func (v *Validator) Tools() (ffprobe, ytdlp string) { return v.ffprobe, v.ytdlp }

// Validate checks rawURL and never returns an error or panics; failures become diagnostics.
func (v *Validator) Validate(ctx context.Context, rawURL string) (out Outcome) {
	start := time.Now()
	out = Outcome{URL: rawURL, FinalURL: rawURL, Verdict: VerdictInvalid}
	defer func() {
		if r := recover(); r != nil {
			out.Verdict = VerdictIndeterminate
			out.Diagnostic = fmt.Sprintf("panic:%v", r)
		}
		out.Elapsed = time.Since(start)
	}()

	if safeurl.IsStreamScheme(rawURL) {
		return v.validateTCP(ctx, out)
	}
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		out.Diagnostic = "unsupported-scheme"
		return out
	}

	var firstDiag string
	for _, s := range v.strategies {
		if ctx.Err() != nil {
			out.Verdict = VerdictIndeterminate
			out.Diagnostic = "cancelled"
			return out
		}
		target := out.FinalURL
		if v.isShortLink(target) {
			if final, diag := v.resolveShortLink(ctx, s, target); final != "" {
				out.FinalURL = final
				target = final
			} else if firstDiag == "" {
				firstDiag = diag
			}
		}
		tier, diag, ok := v.attempt(ctx, s, target)
		if ok {
			out.Verdict = VerdictValid
			out.Diagnostic = diag
			out.Tier = tier
			out.Strategy = s.name
			return out
		}
		if firstDiag == "" {
			firstDiag = diag
		}
	}
	if ctx.Err() != nil {
		out.Verdict = VerdictIndeterminate
		out.Diagnostic = "cancelled"
		return out
	}
	out.Diagnostic = firstDiag
	if out.Diagnostic == "" {
		out.Diagnostic = "no-attempts"
	}
	return out
}

// attempt runs the HTTP tiers over one strategy. diag is the first failure tag when !ok.
func (v *Validator) attempt(ctx context.Context, s strategy, target string) (tier, diag string, ok bool) {
	headDiag, ok := v.head(ctx, s, target)
	if ok {
		return TierHead, headDiag, true
	}
	getDiag, body, ok := v.rangeGet(ctx, s, target)
	if ok {
		return TierGet, getDiag, true
	}
	firstDiag := headDiag
	if firstDiag == "" {
		firstDiag = getDiag
	}
	if !v.opts.DeepProbe {
		if isManifest(body) {
			return TierGet, "sniff:manifest", true
		}
		return "", firstDiag, false
	}
	if isManifest(body) || looksLikeManifestURL(target) {
		if d, ok := v.manifest(ctx, s, target); ok {
			return TierManifest, d, true
		}
	}
	if s.direct && v.ffprobe != "" {
		if d, ok := v.runFFprobe(ctx, target); ok {
			return TierFFprobe, d, true
		}
	}
	if s.direct && v.ytdlp != "" {
		if d, ok := v.runYtDlp(ctx, target); ok {
			return TierYtDlp, d, true
		}
	}
	return "", firstDiag, false
}

func (v *Validator) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", v.opts.UserAgent)
	req.Header.Set("Accept", "*/*")
	return req, nil
}

// head is the cheapest tier: status + Content-Type without a body.
func (v *Validator) head(ctx context.Context, s strategy, target string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()
	req, err := v.newRequest(ctx, http.MethodHead, target)
	if err != nil {
		return "bad-url", false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return classifyErr(err), false
	}
	resp.Body.Close()
	ct := contentType(resp)
	if resp.StatusCode >= 200 && resp.StatusCode < 400 && isMediaContentType(ct) {
		return "content-type:" + ct, true
	}
	if resp.StatusCode >= 400 {
		return fmt.Sprintf("status-%d", resp.StatusCode), false
	}
	return "content-type:" + orUnknown(ct), false
}

const sniffBytes = 1024

// rangeGet fetches the first bytes of the stream; returns them for later sniffing.
func (v *Validator) rangeGet(ctx context.Context, s strategy, target string) (string, []byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()
	req, err := v.newRequest(ctx, http.MethodGet, target)
	if err != nil {
		return "bad-url", nil, false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffBytes-1))
	resp, err := s.client.Do(req)
	if err != nil {
		return classifyErr(err), nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Sprintf("status-%d", resp.StatusCode), nil, false
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2*sniffBytes))
	ct := contentType(resp)
	if isMediaContentType(ct) {
		return "content-type:" + ct, body, true
	}
	if kind := sniffMedia(body); kind != "" {
		return "sniff:" + kind, body, true
	}
	return "content-type:" + orUnknown(ct), body, false
}

// validateTCP handles non-HTTP stream schemes: a TCP connect within the timeout is valid.
func (v *Validator) validateTCP(ctx context.Context, out Outcome) Outcome {
	addr, ok := safeurl.DialAddress(out.URL)
	if !ok {
		out.Diagnostic = "bad-url"
		return out
	}
	var firstDiag string
	for _, s := range v.strategies {
		if s.dial == nil {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
		conn, err := s.dial(dctx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			out.Verdict = VerdictValid
			out.Diagnostic = "tcp-connect"
			out.Tier = TierTCP
			out.Strategy = s.name
			return out
		}
		if firstDiag == "" {
			firstDiag = classifyErr(err)
		}
	}
	out.Diagnostic = firstDiag
	return out
}

func (v *Validator) isShortLink(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return v.shortLinks[host]
}

// resolveShortLink follows redirects with HEAD and returns the final URL, or "" and a diagnostic.
func (v *Validator) resolveShortLink(ctx context.Context, s strategy, target string) (string, string) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()
	req, err := v.newRequest(ctx, http.MethodHead, target)
	if err != nil {
		return "", "bad-url"
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", "shortlink:" + classifyErr(err)
	}
	resp.Body.Close()
	final := resp.Request.URL.String()
	if final == target {
		return "", "shortlink:unresolved"
	}
	return final, ""
}

func contentType(resp *http.Response) string {
	ct := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func orUnknown(ct string) string {
	if ct == "" {
		return "none"
	}
	return ct
}

// isMediaContentType matches audio/video/playlist types. application/octet-stream is
// not media on its own; the body has to be sniffed.
func isMediaContentType(ct string) bool {
	for _, m := range []string{"mpeg", "video", "audio", "apple.mpegurl", "x-mpegurl", "dash+xml"} {
		if strings.Contains(ct, m) {
			return true
		}
	}
	return false
}

// sniffMedia recognizes binary container signatures at the start of a body.
func sniffMedia(b []byte) string {
	switch {
	case len(b) >= 189 && b[0] == 0x47 && b[188] == 0x47:
		return "mpegts"
	case len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")):
		return "mp4"
	case len(b) >= 3 && bytes.Equal(b[:3], []byte("ID3")):
		return "id3"
	case len(b) >= 3 && bytes.Equal(b[:3], []byte("FLV")):
		return "flv"
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xF6 == 0xF0:
		return "adts"
	}
	return ""
}

func isManifest(b []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(b, "\ufeff \t\r\n"), []byte("#EXTM3U"))
}

func looksLikeManifestURL(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// classifyErr turns a transport error into a short tag.
func classifyErr(err error) string {
	var netErr net.Error
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &dnsErr):
		return "dns-error"
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return "conn-refused"
	case strings.Contains(err.Error(), "tls"), strings.Contains(err.Error(), "x509"):
		return "tls-error"
	}
	return "conn-error"
}
