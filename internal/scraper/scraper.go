package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"folio/internal/config"
	"folio/internal/shared/logging"
)

// ScrapeResult is the outcome of one scrape. Operational failures (page
// unreachable, render timeout) are carried in Success and Error rather than
// raised, so callers always get a renderable result.
type ScrapeResult struct {
	Success  bool           `json:"success"`
	URL      string         `json:"url"`
	Title    string         `json:"title,omitempty"`
	Data     map[string]any `json:"data"`
	Metadata ScrapeMetadata `json:"metadata"`
	Error    string         `json:"error,omitempty"`
}

// ScrapeMetadata describes how the result was produced.
type ScrapeMetadata struct {
	FromCache bool      `json:"from_cache"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// PageFetcher renders a URL and returns its HTML. The production fetcher
// runs a pooled headless browser; tests substitute a stub.
type PageFetcher interface {
	FetchHTML(ctx context.Context, pageURL string) (string, error)
}

// browserFetcher renders pages through the browser pool so JavaScript-built
// content is present in the returned HTML.
type browserFetcher struct {
	pool        *BrowserPool
	pageTimeout time.Duration
}

// NewBrowserFetcher creates the production fetcher.
func NewBrowserFetcher(pool *BrowserPool, pageTimeout time.Duration) PageFetcher {
	if pageTimeout <= 0 {
		pageTimeout = 30 * time.Second
	}
	return &browserFetcher{pool: pool, pageTimeout: pageTimeout}
}

func (f *browserFetcher) FetchHTML(ctx context.Context, pageURL string) (string, error) {
	lease, err := f.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire browser: %w", err)
	}
	defer lease.Release()

	runCtx, cancel := context.WithTimeout(lease.Ctx, f.pageTimeout)
	defer cancel()
	// Propagate caller cancellation into the tab context.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var html string
	err = chromedp.Run(runCtx,
		enableLifecycleEvents(),
		navigateAndWaitIdle(pageURL),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", pageURL, err)
	}
	return html, nil
}

func enableLifecycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

// navigateAndWaitIdle navigates to pageURL and blocks until the page
// reports the networkIdle lifecycle event, so JavaScript-built content is
// present in the DOM before extraction. The listener is installed before
// navigation starts so a fast page cannot report idle unseen; the
// surrounding page timeout bounds the wait.
func navigateAndWaitIdle(pageURL string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		idle := make(chan struct{}, 1)
		listenCtx, stopListening := context.WithCancel(ctx)
		defer stopListening()
		chromedp.ListenTarget(listenCtx, func(ev interface{}) {
			if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
				select {
				case idle <- struct{}{}:
				default:
				}
			}
		})

		_, _, errorText, err := page.Navigate(pageURL).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigate %s: %s", pageURL, errorText)
		}

		select {
		case <-idle:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Scraper runs the cache-fetch-extract pipeline.
type Scraper struct {
	fetcher PageFetcher
	cache   ResultCache
	ttl     time.Duration
	logger  logging.Logger
}

// NewScraper wires the pipeline. cache may be nil to disable caching.
func NewScraper(fetcher PageFetcher, cache ResultCache, cfg config.ScraperConfig, logger logging.Logger) *Scraper {
	return &Scraper{
		fetcher: fetcher,
		cache:   cache,
		ttl:     cfg.CacheTTL,
		logger:  logging.OrNop(logger),
	}
}

// Scrape extracts the ruleset's fields from pageURL. Validation faults are
// returned as errors; fetch and render faults come back inside the result.
// With useCache false the cache is neither consulted nor written.
func (s *Scraper) Scrape(ctx context.Context, pageURL string, rules Ruleset, useCache bool) (*ScrapeResult, error) {
	if err := ValidateURL(pageURL); err != nil {
		return nil, err
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	key := CacheKey(pageURL, rules)
	if useCache && s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			copied := *cached
			copied.Metadata.FromCache = true
			s.logger.Debug("scrape cache hit for %s", pageURL)
			return &copied, nil
		}
	}

	result := &ScrapeResult{
		URL:      pageURL,
		Data:     map[string]any{},
		Metadata: ScrapeMetadata{ScrapedAt: time.Now().UTC()},
	}

	html, err := s.fetcher.FetchHTML(ctx, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("fetch %s failed: %v", pageURL, err)
		result.Error = err.Error()
		return result, nil
	}

	title, data, err := extract(html, rules)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}

	result.Title = title
	result.Data = data
	result.Success = true

	if useCache && s.cache != nil {
		s.cache.Set(ctx, key, result, s.ttl)
	}
	return result, nil
}

// ScrapeJobPosting runs the job posting preset against pageURL.
func (s *Scraper) ScrapeJobPosting(ctx context.Context, pageURL string) (*ScrapeResult, error) {
	return s.Scrape(ctx, pageURL, JobPostingRuleset(), true)
}

// ExtractFields applies rules to already-rendered HTML.
func ExtractFields(html string, rules Ruleset) (map[string]any, error) {
	_, fields, err := extract(html, rules)
	return fields, err
}

func extract(html string, rules Ruleset) (string, map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", nil, fmt.Errorf("parse HTML: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	fields := make(map[string]any, len(rules))
	for _, rule := range rules {
		selection := doc.Find(rule.Selector)
		if rule.Multiple {
			values := make([]string, 0, selection.Length())
			selection.Each(func(_ int, sel *goquery.Selection) {
				if v := extractOne(sel, rule.Attribute); v != "" {
					values = append(values, v)
				}
			})
			fields[rule.Name] = values
			continue
		}
		fields[rule.Name] = extractOne(selection.First(), rule.Attribute)
	}
	return title, fields, nil
}

func extractOne(sel *goquery.Selection, attribute string) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	if attribute != "" {
		value, _ := sel.Attr(attribute)
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(sel.Text())
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}
