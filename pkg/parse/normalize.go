package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/scrabg/scra/pkg/utils"
)

// NormalizeURL standardizes a URL for deduplication.
// It lowercases the scheme and host, drops default ports and the fragment,
// trims a trailing slash from non-root paths, and sorts query parameters.
// Query parameters are kept since paginated listings differ only by query.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = normalized.Path[:len(normalized.Path)-1]
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""
	if normalized.RawQuery != "" {
		normalized.RawQuery = normalized.Query().Encode() // Encode sorts by key
	}

	return normalized.String()
}

// ParseAndNormalize parses an absolute URL (scheme and host required) and
// normalizes it
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return "", nil, err
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", nil, fmt.Errorf("%w: '%s' is not an absolute URL", utils.ErrParsing, urlStr)
	}
	return NormalizeURL(parsed), parsed, nil
}

// ResolveURL resolves ref against base. Absolute refs are returned unchanged
// apart from parsing; an empty ref is an error.
func ResolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty URL reference", utils.ErrParsing)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: invalid URL reference '%s': %v", utils.ErrParsing, ref, err)
	}
	if refURL.IsAbs() || base == "" {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base URL '%s': %v", utils.ErrParsing, base, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// IsHTTP reports whether rawURL parses with an http or https scheme and a host
func IsHTTP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
