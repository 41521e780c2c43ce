package crawler

import "strings"

// DomainScope matches hosts against the configured allowed domains. An entry
// admits the domain itself and every subdomain of it.
type DomainScope struct {
	suffixes []string
}

// NewDomainScope builds a scope from allowed domain entries. Leading "*." or
// "." prefixes are accepted and ignored.
func NewDomainScope(domains []string) *DomainScope {
	scope := &DomainScope{}
	for _, raw := range domains {
		value := strings.TrimSpace(strings.ToLower(raw))
		value = strings.TrimPrefix(value, "*.")
		value = strings.TrimPrefix(value, ".")
		if value == "" {
			continue
		}
		scope.addSuffix(value)
	}
	return scope
}

func (s *DomainScope) addSuffix(suffix string) {
	for _, existing := range s.suffixes {
		if existing == suffix {
			return
		}
	}
	s.suffixes = append(s.suffixes, suffix)
}

// Allows reports whether host equals an allowed domain or is a subdomain of one.
// An empty scope admits nothing.
func (s *DomainScope) Allows(host string) bool {
	if s == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
