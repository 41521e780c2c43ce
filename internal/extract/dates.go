package extract

import (
	"net/http"
	"regexp"
	"strings"
	"time"
)

const dateScanWindow = 2048

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`发布时间[：:]\s*(\d{4}[-/年]\d{1,2}[-/月]\d{1,2}日?)`),
	regexp.MustCompile(`更新时间[：:]\s*(\d{4}[-/年]\d{1,2}[-/月]\d{1,2}日?)`),
	regexp.MustCompile(`(\d{4}[-/年]\d{1,2}[-/月]\d{1,2}日?)\s*发布`),
	regexp.MustCompile(`datePublished"\s+content="(\d{4}-\d{1,2}-\d{1,2})`),
	regexp.MustCompile(`updated_time"\s+content="(\d{4}-\d{1,2}-\d{1,2})`),
	regexp.MustCompile(`(?i)(?:published|last modified|updated)\s*[:：]?\s*(\d{4}-\d{1,2}-\d{1,2})`),
}

var dateSeparators = strings.NewReplacer("年", "-", "月", "-", "/", "-", "日", "")

// lastModified prefers the Last-Modified header and falls back to date
// markers in the head of the document.
func lastModified(headers http.Header, body []byte, loc *time.Location) *time.Time {
	if raw := headers.Get("Last-Modified"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	head := body
	if len(head) > dateScanWindow {
		head = head[:dateScanWindow]
	}
	text := strings.ToValidUTF8(string(head), "")
	for _, re := range datePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		normalized := dateSeparators.Replace(m[1])
		t, err := time.ParseInLocation("2006-1-2", normalized, loc)
		if err != nil {
			continue
		}
		return &t
	}
	return nil
}
