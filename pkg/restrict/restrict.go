// Package restrict derives a path-to-authority allow list from an aggregated
// probe URL variable and enforces it on an HTTP handler.
package restrict

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Separator splits entries of the aggregated variable.
const Separator = ";"

// Map maps a request path to the host:port authorities allowed to reach it.
type Map map[string][]string

// Parse groups the URLs in value by path. Entries that are not absolute URLs,
// such as publish-mode expressions, are ignored.
func Parse(value string) Map {
	grouped := make(map[string]map[string]struct{})

	for _, entry := range strings.Split(value, Separator) {
		entry = strings.TrimSpace(entry)
		if entry == "" || strings.ContainsAny(entry, "{}") {
			continue
		}
		u, err := url.Parse(entry)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}

		path := normalizePath(u.Path)
		if grouped[path] == nil {
			grouped[path] = make(map[string]struct{})
		}
		grouped[path][strings.ToLower(u.Host)] = struct{}{}
	}

	m := make(Map, len(grouped))
	for path, hosts := range grouped {
		authorities := make([]string, 0, len(hosts))
		for h := range hosts {
			authorities = append(authorities, h)
		}
		sort.Strings(authorities)
		m[path] = authorities
	}
	return m
}

// Paths returns the restricted paths in sorted order.
func (m Map) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Restricted reports whether path has an allow list.
func (m Map) Restricted(path string) bool {
	_, ok := m[normalizePath(path)]
	return ok
}

// Allowed reports whether authority may request path. Unrestricted paths are
// open to everyone.
func (m Map) Allowed(path, authority string) bool {
	authorities, ok := m[normalizePath(path)]
	if !ok {
		return true
	}
	authority = strings.ToLower(authority)
	for _, a := range authorities {
		if a == authority {
			return true
		}
	}
	return false
}

// Option configures the middleware.
type Option func(*middleware)

// WithLogger logs rejected requests.
func WithLogger(logger zerolog.Logger) Option {
	return func(mw *middleware) {
		mw.logger = logger.With().Str("component", "restrict").Logger()
	}
}

// Middleware rejects requests to restricted paths from authorities outside
// the path's group with 403 Forbidden. The authority is the Host header.
func Middleware(m Map, next http.Handler, opts ...Option) http.Handler {
	mw := &middleware{
		allow:  m,
		next:   next,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(mw)
	}
	return mw
}

type middleware struct {
	allow  Map
	next   http.Handler
	logger zerolog.Logger
}

func (mw *middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !mw.allow.Allowed(r.URL.Path, r.Host) {
		mw.logger.Warn().
			Str("path", r.URL.Path).
			Str("authority", r.Host).
			Msg("Rejected request from unlisted authority")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	mw.next.ServeHTTP(w, r)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
