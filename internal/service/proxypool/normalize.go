package proxypool

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// Normalize returns the canonical form of a proxy URL so that two spellings
// of the same endpoint collapse to one record. The scheme defaults to http,
// the host is lowercased, default ports and trailing slashes are dropped and
// surrounding quotes are stripped. Credentials keep their case. Normalize is
// idempotent.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	if s == "" {
		return "", fmt.Errorf("op=proxypool.normalize: %w: empty proxy url", domain.ErrInvalidArgument)
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("op=proxypool.normalize: %w: %v", domain.ErrInvalidArgument, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return "", fmt.Errorf("op=proxypool.normalize: %w: unsupported scheme %q", domain.ErrInvalidArgument, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", fmt.Errorf("op=proxypool.normalize: %w: missing host", domain.ErrInvalidArgument)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if p := u.Port(); (scheme == "http" && p == "80") || (scheme == "https" && p == "443") {
		host := u.Hostname()
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u.Host = host
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
