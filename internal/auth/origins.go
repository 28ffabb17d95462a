package auth

import (
	"net/url"
	"strings"
)

// OriginPolicy decides whether a browser Origin may connect.
type OriginPolicy interface {
	Allowed(origin string) bool
}

// AllowList admits origins by exact scheme://host[:port] match. "*" admits
// everything. An empty list admits nothing, so only requests without an
// Origin header get through.
type AllowList struct {
	any     bool
	origins map[string]struct{}
}

// NewAllowList normalizes origins into an AllowList.
func NewAllowList(origins []string) *AllowList {
	a := &AllowList{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			a.any = true
			continue
		}
		a.origins[normalizeOrigin(o)] = struct{}{}
	}
	return a
}

func (a *AllowList) Allowed(origin string) bool {
	if a == nil {
		return false
	}
	if a.any {
		return true
	}
	_, ok := a.origins[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(o string) string {
	u, err := url.Parse(strings.TrimSpace(o))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimRight(o, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
