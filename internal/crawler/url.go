package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedURL is returned for URLs that are not absolute http(s) URLs.
var ErrUnsupportedURL = errors.New("unsupported url")

// NormalizeURL returns the canonical form used for request fingerprints:
// lowercase scheme and host, no default port, no fragment, sorted query and a
// non-empty path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%q: %w", rawURL, ErrUnsupportedURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q has no host: %w", rawURL, ErrUnsupportedURL)
	}
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && u.Port() == "80", u.Scheme == "https" && u.Port() == "443":
		u.Host = u.Hostname()
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}
