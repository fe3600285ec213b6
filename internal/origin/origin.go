// Package origin validates browser Origin headers for the signaling socket and
// the CORS-enabled HTTP endpoints.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allowlist admits every origin.
const Wildcard = "*"

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparisons. Default ports are dropped.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is an origin allowlist. An empty policy admits same-host requests
// only.
type Policy struct {
	allowed []string
}

// NewPolicy builds a policy from already-normalized entries (see
// NormalizeHeader) or Wildcard.
func NewPolicy(allowed []string) Policy {
	return Policy{allowed: append([]string(nil), allowed...)}
}

// AllowsAny reports whether the wildcard entry is present.
func (p Policy) AllowsAny() bool {
	for _, a := range p.allowed {
		if a == Wildcard {
			return true
		}
	}
	return false
}

// Allowed reports whether a normalized origin may talk to requestHost.
func (p Policy) Allowed(normalizedOrigin, originHost, requestHost string) bool {
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == Wildcard || a == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Same host:port only. The scheme is not compared because TLS is usually
	// terminated in front of the server.
	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}

	want, ok := normalizeAuthority(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return originHost == want
}

// CheckRequest applies the policy to r. Requests without an Origin header
// (non-browser clients) are admitted. The normalized origin is returned so
// callers can echo it in CORS headers.
func (p Policy) CheckRequest(r *http.Request) (normalizedOrigin string, ok bool) {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return "", true
	}
	normalized, host, valid := NormalizeHeader(raw)
	if !valid {
		return "", false
	}
	return normalized, p.Allowed(normalized, host, r.Host)
}

func normalizeAuthority(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	// IPv6 zone identifiers never appear in an Origin.
	if hostname == "" || strings.Contains(hostname, "%") {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals come back without brackets.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
