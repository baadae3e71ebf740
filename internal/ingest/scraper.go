// Package ingest pulls water-quality readings from a published HTML table
// into the sample catalog.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"waterline/internal/domain"
	"waterline/internal/logging"
)

// ScraperSource labels samples read from the monitoring page.
const ScraperSource = "scraper"

const (
	defaultFetchTimeout = 30 * time.Second
	maxPageBytes        = 4 << 20
)

// Scraper reads rows of location, measure, value, unit and sampled_at from
// the first table body on a page.
type Scraper struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewScraper(url string, client *http.Client, logger *slog.Logger) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Scraper{url: url, client: client, logger: logging.OrDiscard(logger).With("component", "scraper")}
}

// Fetch downloads and parses the page.
func (s *Scraper) Fetch(ctx context.Context) ([]domain.Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxPageBytes))
		return nil, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	samples, skipped, err := Parse(io.LimitReader(res.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "parsed sample page", "samples", len(samples), "skipped", skipped)
	return samples, nil
}

// Parse extracts samples from an HTML document and reports how many rows it
// skipped. Rows with fewer than five cells, unknown measures or non-numeric
// values are skipped.
func Parse(r io.Reader) ([]domain.Sample, int, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, 0, fmt.Errorf("parse page: %w", err)
	}
	var (
		samples []domain.Sample
		skipped int
	)
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 5 {
			skipped++
			return
		}
		text := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }
		location := text(0)
		measure := domain.Measure(strings.ToLower(text(1)))
		value, err := strconv.ParseFloat(strings.ReplaceAll(text(2), ",", "."), 64)
		if location == "" || !measure.Known() || err != nil {
			skipped++
			return
		}
		samples = append(samples, domain.Sample{
			Location:  location,
			Measure:   measure,
			Value:     value,
			Unit:      text(3),
			SampledAt: text(4),
			Source:    ScraperSource,
		})
	})
	return samples, skipped, nil
}
