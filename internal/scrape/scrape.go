// Package scrape fetches web pages and reduces them to visible text for the
// fallback path and for knowledge-base ingestion.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/faqflow/internal/reliability"
)

const (
	DefaultMaxURLs      = 3
	DefaultMinRelevance = 0.3
	maxBodyBytes        = 2 << 20
	userAgent           = "faqflow/1.0 (+https://github.com/ent0n29/faqflow)"
)

// Page is the visible text of one fetched document.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Fetcher downloads pages over HTTP.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	res, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return Page{}, &reliability.StatusError{Upstream: url, Code: res.StatusCode, Body: string(body)}
	}

	body := io.LimitReader(res.Body, maxBodyBytes)
	if strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return Page{}, fmt.Errorf("read %s: %w", url, err)
		}
		return Page{URL: url, Text: normalizeSpace(string(raw))}, nil
	}

	title, text, err := ExtractText(body)
	if err != nil {
		return Page{}, fmt.Errorf("parse %s: %w", url, err)
	}
	return Page{URL: url, Title: title, Text: text}, nil
}

// Relevant fetches up to maxURLs pages concurrently and keeps those whose
// relevance to query meets minRelevance. Each fetch is retried under retry.
// Fetches that still fail are reported in errs and otherwise skipped. Pages
// keep the order of urls.
func (f *Fetcher) Relevant(ctx context.Context, query string, urls []string, maxURLs int, minRelevance float64, retry reliability.RetryPolicy) (pages []Page, errs []error) {
	if maxURLs <= 0 {
		maxURLs = DefaultMaxURLs
	}
	if len(urls) > maxURLs {
		urls = urls[:maxURLs]
	}

	fetched := make([]*Page, len(urls))
	failures := make([]error, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxURLs)
	for i, u := range urls {
		g.Go(func() error {
			var page Page
			err := reliability.Retry(gctx, retry, func(ctx context.Context) error {
				var err error
				page, err = f.Fetch(ctx, u)
				return err
			})
			if err != nil {
				failures[i] = err
				return nil
			}
			fetched[i] = &page
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range fetched {
		if failures[i] != nil {
			errs = append(errs, failures[i])
			continue
		}
		if p == nil || p.Text == "" {
			continue
		}
		if Relevance(query, p.Text) >= minRelevance {
			pages = append(pages, *p)
		}
	}
	return pages, errs
}

// ExtractText returns the document title and its visible body text.
func ExtractText(r io.Reader) (title string, text string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "svg", "iframe":
				return
			case "title":
				if title == "" && n.FirstChild != nil {
					title = normalizeSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.Data) {
			b.WriteByte('\n')
		}
	}
	walk(doc)
	return title, normalizeSpace(b.String()), nil
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "section", "article", "li", "tr", "br", "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Relevance is the fraction of whitespace-separated query words that occur
// in content, case-insensitively.
func Relevance(query, content string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

// Chunk splits text into pieces of at most size runes, each overlapping the
// previous one by overlap runes.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
