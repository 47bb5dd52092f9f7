package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// OriginPolicy decides which browser origins may open a session.
//
// Rules:
//   - A missing Origin header passes only when Required is false (non-browser clients).
//   - An allowlist entry matches the full origin, or just its host (scheme and port ignored).
//   - "*" allows everything and should only be used in development.
type OriginPolicy struct {
	Required bool
	Allowed  []string
}

// Check returns nil when origin is acceptable.
func (p OriginPolicy) Check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.Required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.Allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range p.Allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", a == origin:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns derives host patterns for websocket.AcceptOptions.OriginPatterns so
// the library's own cross-origin check agrees with Check.
func (p OriginPolicy) acceptPatterns() []string {
	var out []string
	for _, a := range p.Allowed {
		h := originHost(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// originHost extracts the lowercase host of "scheme://host[:port]" or "host[:port]".
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
