package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"utm_source":      {},
	"utm_medium":      {},
	"utm_campaign":    {},
	"utm_term":        {},
	"utm_content":     {},
	"utm_id":          {},
	"utm_name":        {},
	"utm_reader":      {},
	"utm_place":       {},
	"utm_social":      {},
	"utm_social-type": {},
	"gclid":           {},
	"dclid":           {},
	"fbclid":          {},
	"msclkid":         {},
	"igshid":          {},
	"mc_cid":          {},
	"mc_eid":          {},
	"ref":             {},
	"ref_src":         {},
	"spm":             {},
}

// CanonicalURL normalises a URL string for duplicate detection. It lowercases
// the whole URL, removes default ports and fragments, cleans path segments,
// strips the trailing slash, drops tracking query parameters (utm_*, fbclid,
// etc.) and sorts the remaining parameters. When the scheme is omitted it
// defaults to https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	parsed, err := parseURLPreserveHost(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	if h, port, ok := strings.Cut(host, ":"); ok {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			host = h
		}
	}
	parsed.Host = host

	cleanPath := path.Clean("/" + strings.ToLower(parsed.Path))
	if cleanPath == "." {
		cleanPath = "/"
	}
	cleanPath = strings.TrimSuffix(cleanPath, "/")
	parsed.Path = cleanPath
	parsed.RawPath = ""

	parsed.Fragment = ""
	query := parsed.Query()
	keys := make([]string, 0, len(query))
	for key := range query {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(strings.ToLower(key)))
			if value != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(strings.ToLower(value)))
			}
		}
	}
	parsed.RawQuery = b.String()

	return parsed.String(), nil
}

// URLFingerprint returns a deterministic SHA-256 hex digest derived from the canonical URL.
func URLFingerprint(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	return Fingerprint(canonical), nil
}

// Fingerprint hashes the given parts joined by "|" into a SHA-256 hex digest.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Host returns the lowercased host of raw without a leading "www.".
func Host(raw string) string {
	parsed, err := parseURLPreserveHost(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

// parseURLPreserveHost attempts to parse raw into a url.URL, handling schemeless URLs.
func parseURLPreserveHost(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		// Attempt schemeless format like example.com/path or //example.com/path.
		if strings.HasPrefix(raw, "//") {
			return url.Parse("https:" + raw)
		}
		return url.Parse("https://" + raw)
	}
	return parsed, nil
}
