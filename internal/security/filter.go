// Package security performs static request inspection ahead of every other
// pipeline stage. Rejections happen before credential parsing so malformed or
// hostile requests never reach the auth resolver.
package security

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/relaygate/relaygate/internal/config"
)

// Rejection describes why the filter refused a request.
type Rejection struct {
	Status int
	Reason string
}

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\s+select\b|\bselect\s+.+\s+from\b|\binsert\s+into\b|\bdrop\s+table\b|\bdelete\s+from\b|\bor\s+1\s*=\s*1\b|'\s*or\s*')`)
	scriptPattern       = regexp.MustCompile(`(?i)(<script\b|javascript\s*:|\bon(?:error|load|click|mouseover)\s*=|<iframe\b|\beval\s*\()`)
)

// encoded traversal forms checked against the raw (still-escaped) path
var encodedTraversal = []string{"%2e%2e%2f", "%2e%2e/", "..%2f", "%2e%2e%5c", "..%5c"}

// Filter is the static inspection rule set. Built once at startup from
// configuration; safe for concurrent use.
type Filter struct {
	maxBodyBytes  int64
	blockedPaths  []string
	internalPaths []string
	internalNets  []netip.Prefix
}

// NewFilter compiles the configured rule set.
func NewFilter(cfg config.SecurityConfig) *Filter {
	return &Filter{
		maxBodyBytes:  cfg.MaxBodyBytes,
		blockedPaths:  normalizePaths(cfg.BlockedPaths),
		internalPaths: normalizePaths(cfg.InternalPaths),
		internalNets:  ParseCIDRs(cfg.InternalNetworks),
	}
}

// Inspect checks the request against the rule set and returns nil when it may
// proceed. The body is consumed up to the configured ceiling and restored so
// later stages see the original stream.
func (f *Filter) Inspect(r *http.Request) *Rejection {
	path := strings.ToLower(r.URL.Path)

	for _, blocked := range f.blockedPaths {
		if strings.HasPrefix(path, blocked) {
			return &Rejection{Status: http.StatusForbidden, Reason: "path is blocked"}
		}
	}

	if f.IsInternalPath(r.URL.Path) && !f.AllowsInternal(r.RemoteAddr) {
		return &Rejection{Status: http.StatusForbidden, Reason: "internal endpoint"}
	}

	if hasTraversal(r.URL) {
		return &Rejection{Status: http.StatusBadRequest, Reason: "path traversal sequence"}
	}

	if query := rawAndDecodedQuery(r.URL); query != "" {
		if sqlInjectionPattern.MatchString(query) {
			return &Rejection{Status: http.StatusBadRequest, Reason: "sql injection signature in query"}
		}
		if scriptPattern.MatchString(query) {
			return &Rejection{Status: http.StatusBadRequest, Reason: "script injection signature in query"}
		}
	}

	if r.ContentLength > f.maxBodyBytes {
		return &Rejection{Status: http.StatusRequestEntityTooLarge, Reason: "request body exceeds limit"}
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, f.maxBodyBytes+1))
		if err != nil {
			return &Rejection{Status: http.StatusBadRequest, Reason: "unreadable request body"}
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		if int64(len(body)) > f.maxBodyBytes {
			return &Rejection{Status: http.StatusRequestEntityTooLarge, Reason: "request body exceeds limit"}
		}
		if sqlInjectionPattern.Match(body) {
			return &Rejection{Status: http.StatusBadRequest, Reason: "sql injection signature in body"}
		}
		if scriptPattern.Match(body) {
			return &Rejection{Status: http.StatusBadRequest, Reason: "script injection signature in body"}
		}
	}

	return nil
}

// IsInternalPath reports whether the path is restricted to internal callers.
func (f *Filter) IsInternalPath(path string) bool {
	lower := strings.ToLower(path)
	for _, internal := range f.internalPaths {
		if lower == internal || strings.HasPrefix(lower, internal+"/") {
			return true
		}
	}
	return false
}

// AllowsInternal reports whether the remote address belongs to a configured
// internal network.
func (f *Filter) AllowsInternal(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range f.internalNets {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseCIDRs converts CIDR strings into prefixes, skipping unparseable
// entries rather than failing startup on one bad line.
func ParseCIDRs(cidrs []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}

func hasTraversal(u *url.URL) bool {
	decoded := strings.ToLower(u.Path)
	if strings.Contains(decoded, "../") || strings.Contains(decoded, "..\\") {
		return true
	}
	raw := strings.ToLower(u.EscapedPath())
	for _, form := range encodedTraversal {
		if strings.Contains(raw, form) {
			return true
		}
	}
	return false
}

// rawAndDecodedQuery joins the raw query with its decoded form so signatures
// hiding behind percent-encoding are still visible.
func rawAndDecodedQuery(u *url.URL) string {
	raw := u.RawQuery
	if raw == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil || decoded == raw {
		return raw
	}
	return raw + "\n" + decoded
}

func normalizePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		trimmed := strings.ToLower(strings.TrimSpace(p))
		if trimmed == "" {
			continue
		}
		out = append(out, strings.TrimRight(trimmed, "/"))
	}
	return out
}
