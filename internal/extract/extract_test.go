package extract

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

func response(body string, headers http.Header) crawler.FetchResponse {
	if headers == nil {
		headers = http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	}
	return crawler.FetchResponse{
		URL:        "https://www.nankai.edu.cn/index.htm",
		StatusCode: http.StatusOK,
		Headers:    headers,
		Body:       []byte(body),
	}
}

func TestExtractTitleFallbacks(t *testing.T) {
	t.Parallel()

	e := New(Config{}, nil)

	rec := e.Extract(response(`<html><head><title> Home </title></head><body><h1>Heading</h1></body></html>`, nil))
	require.Equal(t, "Home", rec.Title)

	rec = e.Extract(response(`<html><head></head><body><h1>南开大学 News</h1></body></html>`, nil))
	require.Equal(t, "南开大学 News", rec.Title)

	rec = e.Extract(response(`<html><body><p>nothing</p></body></html>`, nil))
	require.Equal(t, "untitled", rec.Title)
}

func TestExtractContentPrefersSelectorWithEnoughText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("南开大学计算机学院学术报告通知 ", 10)
	page := `<html><body><div id="nav">Menu</div>
<div class="article-content"><p>` + long + `</p><script>var x = 1;</script></div>
<footer>Copyright</footer></body></html>`

	rec := New(Config{}, nil).Extract(response(page, nil))
	require.Contains(t, rec.Content, "南开大学计算机学院学术报告通知")
	require.NotContains(t, rec.Content, "Menu")
	require.NotContains(t, rec.Content, "var x")
	require.NotContains(t, rec.Content, "Copyright")
}

func TestExtractContentFallsBackToBodyWhenCandidatesAreShort(t *testing.T) {
	t.Parallel()

	short := "This article body is forty chars long ok"
	require.Len(t, short, 40)
	page := `<html><body><div class="nav">Navigation</div><article>` + short + `</article><p>Footer text</p></body></html>`

	rec := New(Config{}, nil).Extract(response(page, nil))
	require.Equal(t, "Navigation "+short+" Footer text", rec.Content)
}

func TestExtractAnchors(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<a href="/x">Admissions Office</a>
<a href="https://news.nankai.edu.cn/a.htm#top">新闻</a>
<a href="/more">Read More</a>
<a href="/y">x</a>
<a href="mailto:office@nankai.edu.cn">Email us</a>
<a href="javascript:void(0)">Toggle menu</a>
<a href="#section">Jump</a>
<a href="/long">` + strings.Repeat("a", 250) + `</a>
</body></html>`

	rec := New(Config{}, nil).Extract(response(page, nil))
	require.Equal(t, []crawler.Anchor{
		{Text: "Admissions Office", Href: "https://www.nankai.edu.cn/x"},
		{Text: "新闻", Href: "https://news.nankai.edu.cn/a.htm"},
	}, rec.Anchors)
}

func TestExtractAttachments(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<a href="/files/plan.PDF">2024 Teaching Plan</a>
<a href="/files/plan.PDF">duplicate</a>
<a href="https://jwc.nankai.edu.cn/form.docx"></a>
<a href="/archive.zip">Archive</a>
</body></html>`

	rec := New(Config{}, nil).Extract(response(page, nil))
	require.Len(t, rec.Attachments, 2)
	require.Equal(t, crawler.Attachment{
		URL:      "https://www.nankai.edu.cn/files/plan.PDF",
		Filename: "plan.PDF",
		FileType: "pdf",
		Title:    "2024 Teaching Plan",
	}, rec.Attachments[0])
	require.Equal(t, "form.docx", rec.Attachments[1].Title)
	require.Equal(t, "docx", rec.Attachments[1].FileType)
}

func TestExtractAttachmentsRespectScope(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<a href="/files/plan.pdf">Teaching Plan</a>
<a href="https://cdn.example.com/brochure.pdf">Brochure</a>
</body></html>`

	cfg := Config{Scope: crawler.NewDomainScope([]string{"nankai.edu.cn"})}
	rec := New(cfg, nil).Extract(response(page, nil))
	require.Len(t, rec.Attachments, 1)
	require.Equal(t, "https://www.nankai.edu.cn/files/plan.pdf", rec.Attachments[0].URL)
}

func TestExtractLastModifiedHeaderWins(t *testing.T) {
	t.Parallel()

	headers := http.Header{
		"Content-Type":  {"text/html"},
		"Last-Modified": {"Wed, 01 May 2024 08:00:00 GMT"},
	}
	rec := New(Config{}, nil).Extract(response(`<p>发布时间：2020-01-01</p>`, headers))
	require.NotNil(t, rec.Metadata.LastModified)
	require.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), *rec.Metadata.LastModified)
	require.Equal(t, "text/html", rec.Metadata.ContentType)
}

func TestExtractLastModifiedFromText(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CST", 8*3600)
	cases := map[string]time.Time{
		`<span>发布时间：2023年5月7日</span>`:                           time.Date(2023, 5, 7, 0, 0, 0, 0, loc),
		`<span>更新时间: 2023/12/01</span>`:                          time.Date(2023, 12, 1, 0, 0, 0, 0, loc),
		`<span>2022-03-04 发布</span>`:                              time.Date(2022, 3, 4, 0, 0, 0, 0, loc),
		`<meta itemprop="datePublished" content="2021-09-10">`:    time.Date(2021, 9, 10, 0, 0, 0, 0, loc),
		`<meta property="og:updated_time" content="2020-02-29">`: time.Date(2020, 2, 29, 0, 0, 0, 0, loc),
	}
	e := New(Config{Location: loc}, nil)
	for body, want := range cases {
		rec := e.Extract(response(body, nil))
		require.NotNil(t, rec.Metadata.LastModified, body)
		require.True(t, want.Equal(*rec.Metadata.LastModified), body)
	}

	rec := e.Extract(response(strings.Repeat(" ", 2100)+`发布时间：2023-01-01`, nil))
	require.Nil(t, rec.Metadata.LastModified, "dates beyond the scan window are ignored")
}

func TestExtractStoreHTML(t *testing.T) {
	t.Parallel()

	body := `<html><title>t</title></html>`
	require.Empty(t, New(Config{}, nil).Extract(response(body, nil)).HTML)
	require.Equal(t, body, New(Config{StoreHTML: true}, nil).Extract(response(body, nil)).HTML)
}

func TestExtractUsesFinalURL(t *testing.T) {
	t.Parallel()

	resp := response(`<a href="next.htm">Next page</a>`, nil)
	resp.FinalURL = "https://news.nankai.edu.cn/2024/index.htm"
	rec := New(Config{}, nil).Extract(resp)
	require.Equal(t, "https://news.nankai.edu.cn/2024/index.htm", rec.URL)
	require.Equal(t, "https://news.nankai.edu.cn/2024/next.htm", rec.Anchors[0].Href)
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	require.True(t, IsHTML(response("", nil)))
	require.True(t, IsHTML(response("", http.Header{})))
	require.True(t, IsHTML(response("", http.Header{"Content-Type": {"application/xhtml+xml"}})))
	require.False(t, IsHTML(response("", http.Header{"Content-Type": {"application/pdf"}})))
	require.False(t, IsHTML(response("", http.Header{"Content-Type": {"image/png"}})))
}
