package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// RouteKind is the routing decision for a request path.
type RouteKind int

const (
	RouteStatic RouteKind = iota
	RouteProxy
)

func (k RouteKind) String() string {
	switch k {
	case RouteProxy:
		return "proxy"
	case RouteStatic:
		return "static"
	default:
		return fmt.Sprintf("RouteKind(%d)", int(k))
	}
}

// DefaultProxyPrefixes are the URL spaces owned by the backend.
var DefaultProxyPrefixes = []string{"/api/", "/video/"}

// Router classifies request paths as proxy or static. It is immutable after
// construction and safe for concurrent use.
type Router struct {
	prefixes []string
	legacy   bool
}

// NewRouter builds a router over the given prefixes.
//
// By default matching is segment-aware: prefix "/api/" matches "/api" and
// "/api/..." but never "/apiary". With legacy set, each prefix is compared as a
// plain string prefix exactly as configured.
func NewRouter(prefixes []string, legacy bool) (*Router, error) {
	if len(prefixes) == 0 {
		return nil, errors.New("router: no proxy prefixes")
	}
	r := &Router{legacy: legacy}
	for _, p := range prefixes {
		trimmed := strings.Trim(strings.TrimSpace(p), "/")
		if trimmed == "" {
			return nil, fmt.Errorf("router: empty prefix %q", p)
		}
		if legacy {
			raw := strings.TrimSpace(p)
			if !strings.HasPrefix(raw, "/") {
				raw = "/" + raw
			}
			r.prefixes = append(r.prefixes, raw)
			continue
		}
		r.prefixes = append(r.prefixes, "/"+trimmed)
	}
	return r, nil
}

// Classify returns RouteProxy when path falls under one of the prefixes.
func (r *Router) Classify(path string) RouteKind {
	for _, p := range r.prefixes {
		if r.legacy {
			if strings.HasPrefix(path, p) {
				return RouteProxy
			}
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return RouteProxy
		}
	}
	return RouteStatic
}

// Prefixes returns the normalized prefixes in match order.
func (r *Router) Prefixes() []string {
	out := make([]string, len(r.prefixes))
	copy(out, r.prefixes)
	return out
}
