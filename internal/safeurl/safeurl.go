package safeurl

import (
	"net"
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return (s == "http" || s == "https") && parsed.Host != ""
}

// streamPorts maps non-HTTP streaming schemes to their default TCP port.
var streamPorts = map[string]string{
	"rtmp":  "1935",
	"rtmps": "443",
	"rtmpe": "1935",
	"rtsp":  "554",
	"rtsps": "322",
	"mms":   "1755",
	"mmsh":  "80",
	"srt":   "9000",
}

// IsStreamScheme reports whether u uses a non-HTTP streaming scheme that can be checked with a TCP dial.
func IsStreamScheme(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return false
	}
	_, ok := streamPorts[strings.ToLower(parsed.Scheme)]
	return ok
}

// IsAllowed reports whether u can be stored as a channel URL: http(s) or a known stream scheme.
func IsAllowed(u string) bool {
	return IsHTTPOrHTTPS(u) || IsStreamScheme(u)
}

// DialAddress returns host:port for u, filling in the scheme's default port.
func DialAddress(u string) (string, bool) {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Hostname() == "" {
		return "", false
	}
	port := parsed.Port()
	if port == "" {
		switch s := strings.ToLower(parsed.Scheme); s {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			p, ok := streamPorts[s]
			if !ok {
				return "", false
			}
			port = p
		}
	}
	return net.JoinHostPort(parsed.Hostname(), port), true
}

// Redact hides userinfo and credential-looking query values so URLs can be logged.
func Redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	if parsed.User != nil {
		parsed.User = url.User("xxx")
	}
	q := parsed.Query()
	changed := false
	for k := range q {
		switch strings.ToLower(k) {
		case "password", "pass", "token", "key", "apikey", "api_key", "access_token":
			q.Set(k, "xxx")
			changed = true
		}
	}
	if changed {
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
