package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Admission decides whether a discovered URL may become a fetch target.
type Admission struct {
	Scope *DomainScope
	Deny  *DenyRules
}

// Check returns nil when rawURL is an absolute http(s) URL inside the domain
// scope that matches no deny pattern.
func (a Admission) Check(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsupportedScheme
	}
	if a.Deny.Denied(rawURL) {
		return ErrDenied
	}
	if !a.Scope.Allows(u.Hostname()) {
		return ErrOutOfScope
	}
	return nil
}
