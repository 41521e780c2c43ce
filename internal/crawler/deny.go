package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// DefaultDenyPatterns exclude binary documents and download areas from the
// page frontier.
var DefaultDenyPatterns = []string{
	`\.(pdf|doc|docx|xls|xlsx|ppt|pptx|zip|rar)$`,
	`/download/`,
	`/files/`,
	`/uploads/`,
}

var documentExtensions = map[string]struct{}{
	"pdf": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "ppt": {}, "pptx": {},
}

// DenyRules hold compiled URL deny patterns. Patterns are matched
// case-insensitively against the URL path.
type DenyRules struct {
	patterns []*regexp.Regexp
}

// NewDenyRules compiles DefaultDenyPatterns plus any extra patterns.
func NewDenyRules(extra ...string) (*DenyRules, error) {
	rules := &DenyRules{}
	for _, raw := range append(append([]string(nil), DefaultDenyPatterns...), extra...) {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", raw, err)
		}
		rules.patterns = append(rules.patterns, re)
	}
	return rules, nil
}

// MustDenyRules is NewDenyRules for static pattern sets.
func MustDenyRules(extra ...string) *DenyRules {
	rules, err := NewDenyRules(extra...)
	if err != nil {
		panic(err)
	}
	return rules
}

// Denied reports whether rawURL matches any deny pattern.
func (d *DenyRules) Denied(rawURL string) bool {
	if d == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, re := range d.patterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// DocumentType returns the lowercased extension of rawURL's path when it
// names a document format recorded as an attachment.
func DocumentType(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if _, ok := documentExtensions[ext]; !ok {
		return "", false
	}
	return ext, true
}
