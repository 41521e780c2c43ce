package crawler

import (
	"net/http"
	"time"
)

// Anchor is an outbound hyperlink discovered on a page.
type Anchor struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// Attachment is a linked document (pdf, office formats) discovered on a page.
// Only the link is recorded; the document itself is never downloaded.
type Attachment struct {
	URL        string     `json:"url"`
	Filename   string     `json:"filename"`
	FileType   string     `json:"file_type"`
	Title      string     `json:"title"`
	Author     *string    `json:"author,omitempty"`
	UploadDate *time.Time `json:"upload_date,omitempty"`
	FileSize   *int64     `json:"file_size,omitempty"`
}

// PageMetadata carries crawl bookkeeping for a page.
type PageMetadata struct {
	CrawlTime    time.Time  `json:"crawl_time"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	ContentType  string     `json:"content_type"`
}

// PageRecord is the extracted representation of one fetched page.
type PageRecord struct {
	URL         string       `json:"url"`
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	HTML        string       `json:"html,omitempty"`
	Anchors     []Anchor     `json:"anchor_texts"`
	Attachments []Attachment `json:"attachments"`
	Metadata    PageMetadata `json:"metadata"`
}

// Document is a PageRecord as persisted in the index, keyed by ID.
type Document struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	PageRecord
}

// NewDocument builds the indexed form of a page.
func NewDocument(id URLHash, page PageRecord) Document {
	return Document{
		ID:         string(id),
		Domain:     Hostname(page.URL),
		PageRecord: page,
	}
}

// Item is the unit handed to the ingestion pipeline. RequestedURL differs
// from Page.URL when the fetch followed a redirect.
type Item struct {
	Page         PageRecord
	RequestedURL string
}

// FetchTask is one URL scheduled for fetching.
type FetchTask struct {
	URL        string
	Attempt    int
	EnqueuedAt time.Time
	NotBefore  time.Time
}

// FetchResponse is the raw result of a single HTTP retrieval.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// EffectiveURL returns the post-redirect URL when known.
func (r FetchResponse) EffectiveURL() string {
	if r.FinalURL != "" {
		return r.FinalURL
	}
	return r.URL
}

// SearchQuery describes a full-text lookup against the index.
type SearchQuery struct {
	Text   string
	Domain string
	Limit  int
}

// SearchHit is one ranked search result.
type SearchHit struct {
	ID      string  `json:"id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// ScanQuery selects documents for frontier sampling. Random asks the store
// for a uniformly shuffled sample; otherwise documents come in ID order.
type ScanQuery struct {
	Random bool
	Limit  int
}
