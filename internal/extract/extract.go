// Package extract turns fetched HTML into PageRecords using goquery.
package extract

import (
	"bytes"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// contentSelectors are tried in order; the first with enough text wins.
var contentSelectors = []string{
	"article .content",
	".article-content",
	"div.content",
	".main-content",
	".entry-content",
	".post-content",
	".text",
	"#content",
	"article",
	"main",
}

var boilerplateAnchors = map[string]struct{}{
	"click here": {},
	"read more":  {},
	"details":    {},
	"link":       {},
	"点击这里":       {},
	"更多":         {},
	"详情":         {},
}

const (
	untitled            = "untitled"
	minAnchorRunes      = 2
	maxAnchorRunes      = 200
	defaultMinContent   = 100
	chinaStandardOffset = 8 * 60 * 60
)

// Config tunes extraction.
type Config struct {
	// StoreHTML keeps the raw document on the record.
	StoreHTML bool
	// MinContentRunes is the length a selector candidate must exceed.
	MinContentRunes int
	// Location interprets dates found in page text. Defaults to UTC+8.
	Location *time.Location
	// Scope limits attachments to allowed hosts. Nil records every
	// attachment.
	Scope *crawler.DomainScope
}

// Extractor builds PageRecords from fetch responses.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.MinContentRunes <= 0 {
		cfg.MinContentRunes = defaultMinContent
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("CST", chinaStandardOffset)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// IsHTML reports whether the response's content type is an HTML document.
// Missing content types are assumed to be HTML.
func IsHTML(resp crawler.FetchResponse) bool {
	ct := resp.Headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.Contains(strings.ToLower(ct), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// Extract parses resp into a PageRecord. Metadata.CrawlTime is left for the
// caller to stamp.
func (e *Extractor) Extract(resp crawler.FetchResponse) crawler.PageRecord {
	pageURL := resp.EffectiveURL()
	record := crawler.PageRecord{
		URL:         pageURL,
		Title:       untitled,
		Anchors:     []crawler.Anchor{},
		Attachments: []crawler.Attachment{},
		Metadata: crawler.PageMetadata{
			ContentType:  resp.Headers.Get("Content-Type"),
			LastModified: lastModified(resp.Headers, resp.Body, e.cfg.Location),
		},
	}
	if e.cfg.StoreHTML {
		record.HTML = string(resp.Body)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		e.logger.Debug("html parse failed", zap.String("url", pageURL), zap.Error(err))
		return record
	}
	base, _ := url.Parse(pageURL)

	record.Title = e.title(doc)
	record.Anchors, record.Attachments = e.links(doc, base)

	doc.Find("script, style, noscript").Remove()
	record.Content = e.content(doc)
	return record
}

func (e *Extractor) title(doc *goquery.Document) string {
	if t := CleanText(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := CleanText(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return untitled
}

func (e *Extractor) content(doc *goquery.Document) string {
	for _, selector := range contentSelectors {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			continue
		}
		candidate := CleanText(textOf(sel))
		if utf8.RuneCountInString(candidate) > e.cfg.MinContentRunes {
			return candidate
		}
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		return CleanText(textOf(doc.Selection))
	}
	return CleanText(textOf(body))
}

func (e *Extractor) links(doc *goquery.Document, base *url.URL) ([]crawler.Anchor, []crawler.Attachment) {
	anchors := []crawler.Anchor{}
	attachments := []crawler.Attachment{}
	seenAttachment := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, ok := resolve(base, href)
		if !ok {
			return
		}
		text := CleanText(textOf(s))

		if fileType, isDoc := crawler.DocumentType(abs); isDoc && e.attachable(abs) {
			if _, dup := seenAttachment[abs]; !dup {
				seenAttachment[abs] = struct{}{}
				attachments = append(attachments, newAttachment(abs, fileType, text))
			}
		}

		n := utf8.RuneCountInString(text)
		if n < minAnchorRunes || n >= maxAnchorRunes {
			return
		}
		if _, boring := boilerplateAnchors[strings.ToLower(text)]; boring {
			return
		}
		anchors = append(anchors, crawler.Anchor{Text: text, Href: abs})
	})
	return anchors, attachments
}

func (e *Extractor) attachable(abs string) bool {
	return e.cfg.Scope == nil || e.cfg.Scope.Allows(crawler.Hostname(abs))
}

func newAttachment(abs, fileType, text string) crawler.Attachment {
	filename := ""
	if u, err := url.Parse(abs); err == nil {
		filename = path.Base(u.Path)
	}
	title := text
	if title == "" {
		title = filename
	}
	return crawler.Attachment{
		URL:      abs,
		Filename: filename,
		FileType: fileType,
		Title:    title,
	}
}

// resolve makes href absolute against base and keeps only http(s) targets.
func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), true
}

// textOf joins the non-empty text nodes beneath the selection with spaces so
// adjacent block elements do not run together.
func textOf(sel *goquery.Selection) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}
