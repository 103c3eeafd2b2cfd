package knowledge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// URL patterns never worth crawling: auth flows, query/fragment permutations,
// and binary or media payloads.
var crawlExcludePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)login`),
	regexp.MustCompile(`(?i)signin`),
	regexp.MustCompile(`(?i)signup`),
	regexp.MustCompile(`(?i)register`),
	regexp.MustCompile(`(?i)logout`),
	regexp.MustCompile(`(?i)signout`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)reset`),
	regexp.MustCompile(`\?`),
	regexp.MustCompile(`#`),
	regexp.MustCompile(`(?i)^javascript:`),
	regexp.MustCompile(`(?i)^mailto:`),
	regexp.MustCompile(`(?i)^tel:`),
	regexp.MustCompile(`(?i)\.(pdf|zip|exe|dmg|jpg|jpeg|png|gif|svg|mp3|mp4|avi|mov)$`),
}

// Elements stripped before text extraction; they carry navigation and
// boilerplate, not content.
const boilerplateSelector = "script, style, nav, header, footer, aside, noscript, iframe, form, button, input, select, textarea, " +
	`[role="navigation"], [role="banner"], [role="contentinfo"], .nav, .navbar, .header, .footer, .sidebar, .menu, .ad, .advertisement, .cookie-banner`

const (
	crawlFetchAttempts  = 3
	crawlFetchTimeout   = 15 * time.Second
	crawlRequestDelay   = 500 * time.Millisecond
	crawlMinPageChars   = 100
	crawlMinBlockChars  = 10
	crawlUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultCrawlDepth   = 2
	defaultCrawlMaxPage = 20
)

// ErrNoContentExtracted signals a crawl that produced zero usable pages.
var ErrNoContentExtracted = errors.New("knowledge: no content extracted")

// Crawler walks a site breadth-first and extracts clean text from each page.
type Crawler struct {
	httpClient *http.Client
	delay      time.Duration
}

// NewCrawler returns a crawler with the standard per-fetch timeout and
// inter-request throttle.
func NewCrawler() *Crawler {
	return &Crawler{
		httpClient: &http.Client{Timeout: crawlFetchTimeout},
		delay:      crawlRequestDelay,
	}
}

// IsValidCrawlURL reports whether raw is an absolute http(s) URL.
func IsValidCrawlURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// CheckReachable probes the URL before a crawl is accepted, falling back to
// GET for servers that reject HEAD.
func (c *Crawler) CheckReachable(ctx context.Context, target string) bool {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return false
		}
		req.Header.Set("User-Agent", crawlUserAgent)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			return true
		}
	}
	return false
}

type crawlTask struct {
	url   string
	depth int
}

// Crawl traverses from startURL breadth-first, bounded by maxDepth and
// maxPages, deduplicating pages by content hash. Individual page failures are
// logged and skipped; only a crawl that extracts nothing at all is an error.
func (c *Crawler) Crawl(ctx context.Context, startURL string, maxDepth int, maxPages int) ([]CrawledPage, error) {
	if !IsValidCrawlURL(startURL) {
		return nil, fmt.Errorf("knowledge: invalid crawl URL %q", startURL)
	}
	if maxDepth <= 0 {
		maxDepth = defaultCrawlDepth
	}
	if maxPages <= 0 {
		maxPages = defaultCrawlMaxPage
	}

	origin := urlOrigin(startURL)
	visited := make(map[string]struct{})
	contentHashes := make(map[string]struct{})
	queue := []crawlTask{{url: startURL, depth: 0}}
	var results []CrawledPage

	log.Printf("knowledge: crawl start %s (depth=%d, maxPages=%d)", startURL, maxDepth, maxPages)

	for len(queue) > 0 && len(results) < maxPages {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		task := queue[0]
		queue = queue[1:]

		if _, seen := visited[task.url]; seen || task.depth > maxDepth {
			continue
		}
		visited[task.url] = struct{}{}

		html, err := c.fetchPage(ctx, task.url)
		if err != nil {
			log.Printf("knowledge: crawl skip %s: %v", task.url, err)
			continue
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			log.Printf("knowledge: crawl parse %s: %v", task.url, err)
			continue
		}

		title, text := extractPageText(doc)

		hash := md5.Sum([]byte(text))
		hashKey := hex.EncodeToString(hash[:])
		if _, dup := contentHashes[hashKey]; dup || len(text) < crawlMinPageChars {
			log.Printf("knowledge: crawl skip %s (duplicate or too short)", task.url)
		} else {
			contentHashes[hashKey] = struct{}{}
			results = append(results, CrawledPage{
				URL:       task.url,
				Title:     title,
				Text:      text,
				CrawledAt: time.Now().UTC(),
			})
		}

		if task.depth < maxDepth {
			for _, link := range extractLinks(doc, task.url, origin) {
				if _, seen := visited[link]; !seen {
					queue = append(queue, crawlTask{url: link, depth: task.depth + 1})
				}
			}
		}

		// Be a polite client.
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-time.After(c.delay):
		}
	}

	log.Printf("knowledge: crawl complete, %d pages extracted", len(results))
	if len(results) == 0 {
		return nil, ErrNoContentExtracted
	}
	return results, nil
}

// fetchPage retrieves one URL with bounded retries and exponential backoff
// starting at one second.
func (c *Crawler) fetchPage(ctx context.Context, target string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= crawlFetchAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", crawlUserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.5")

		resp, err := c.httpClient.Do(req)
		if err == nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				data, readErr := readBodyLimited(resp)
				if readErr == nil {
					return data, nil
				}
				err = readErr
			} else {
				resp.Body.Close()
				err = fmt.Errorf("status %s", resp.Status)
			}
		}
		lastErr = err

		if attempt < crawlFetchAttempts {
			backoff := time.Duration(attempt) * time.Second
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("knowledge: fetch %s: %w", target, lastErr)
}

// Pages above a few megabytes are not worth extracting.
const maxPageBytes = 5 << 20

func readBodyLimited(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// extractPageText pulls headings, paragraphs, lists, and tables out of a
// parsed page, deduplicating blocks by normalized whitespace.
func extractPageText(doc *goquery.Document) (string, string) {
	doc.Find(boilerplateSelector).Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = "Untitled Page"
	}

	var blocks []string

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		heading := strings.TrimSpace(sel.Text())
		if len(heading) > 2 {
			blocks = append(blocks, "## "+heading)
		}
	})

	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if len(text) > 20 {
			blocks = append(blocks, text)
		}
	})

	doc.Find("ul, ol").Each(func(_ int, sel *goquery.Selection) {
		var items []string
		sel.Find("li").Each(func(_ int, li *goquery.Selection) {
			text := strings.TrimSpace(li.Text())
			if len(text) > 5 {
				items = append(items, "- "+text)
			}
		})
		if len(items) > 0 {
			blocks = append(blocks, strings.Join(items, "\n"))
		}
	})

	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		var rows []string
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) > 0 {
				rows = append(rows, strings.Join(cells, " | "))
			}
		})
		if len(rows) > 0 {
			blocks = append(blocks, strings.Join(rows, "\n"))
		}
	})

	seen := make(map[string]struct{}, len(blocks))
	cleaned := make([]string, 0, len(blocks))
	for _, block := range blocks {
		normalized := strings.Join(strings.Fields(strings.ToLower(block)), " ")
		if len(normalized) < crawlMinBlockChars {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		cleaned = append(cleaned, block)
	}

	return title, strings.Join(cleaned, "\n\n")
}

// extractLinks resolves and filters anchors: same-origin only, exclusion
// patterns applied against the resolved URL.
func extractLinks(doc *goquery.Document, pageURL string, origin string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	unique := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		if shouldExcludeLink(href) {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		absolute := resolved.String()
		if !strings.HasPrefix(absolute, origin) || shouldExcludeLink(absolute) {
			return
		}
		if _, dup := unique[absolute]; dup {
			return
		}
		unique[absolute] = struct{}{}
		links = append(links, absolute)
	})
	return links
}

func shouldExcludeLink(href string) bool {
	for _, pattern := range crawlExcludePatterns {
		if pattern.MatchString(href) {
			return true
		}
	}
	return false
}

func urlOrigin(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
