package extract

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleBlock  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	anyTag      = regexp.MustCompile(`<[^>]+>`)
	whitespace  = regexp.MustCompile(`\s+`)
)

const allowedPunctuation = `.,;:!?()（）【】"'“”‘’。，；：！？、·-/%`

// CleanText strips markup, keeps CJK ideographs, latin alphanumerics and
// common punctuation, and collapses whitespace. It is idempotent.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = scriptBlock.ReplaceAllString(s, " ")
	s = styleBlock.ReplaceAllString(s, " ")
	s = anyTag.ReplaceAllString(s, " ")
	s = strings.Map(keepRune, s)
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func keepRune(r rune) rune {
	switch {
	case r >= '\u4e00' && r <= '\u9fa5':
		return r
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return r
	case unicode.IsSpace(r):
		return ' '
	case strings.ContainsRune(allowedPunctuation, r):
		return r
	default:
		return -1
	}
}
