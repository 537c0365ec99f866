// Package feeds converts supplier B2B stock feeds into product records. A
// feed is one downloadable document, XML or CSV, listing every product the
// supplier stocks, so there is no sitemap walk and no per-page extraction.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/pipeline"
	"github.com/aluiziolira/stock-harvest/transport"
	"github.com/google/uuid"
)

const (
	feedUserAgent = "All4music-FeedImport/1.0"

	// Whole price lists run to tens of megabytes.
	feedMaxBodySize = 512 << 20
)

// Feed describes one supplier feed and how to read it.
type Feed struct {
	Name       string
	URL        string
	OutputFile string
	Timeout    time.Duration

	// Parse turns the downloaded document into records, one per row.
	Parse func(data []byte) ([]models.ProductRecord, error)
}

// Apply copies the feed defaults into cfg. The feed address takes the place
// of the sitemap address, so -sitemap and HARVEST_SITEMAP_URL override it.
func (f Feed) Apply(cfg *config.Config) {
	cfg.Site = f.Name
	cfg.SitemapURL = f.URL
	cfg.SitemapFile = ""
	cfg.OutputFile = f.OutputFile
	cfg.Timeout = f.Timeout
	cfg.MaxAttempts = 3
	cfg.RetryBackoff = 10 * time.Second
	cfg.RetryBackoffMax = 20 * time.Second
	cfg.UserAgent = feedUserAgent
}

var registry = map[string]Feed{
	"kytary": {
		Name:       "kytary",
		URL:        "https://public.kytary.com/VO/GetPriceListXml2?hash=TKOgioclbibdvuWunMPAiC1CUXVQ3MsDmrfhGXZqcHRQ%2bmYfR1AW54rT7ZkBe9k9YJslfeHQTcjsca22lPWa%2fQ%3d%3d&instanceCode=B2B_SK&mode=full",
		OutputFile: "kytary_sklad.csv",
		Timeout:    300 * time.Second,
		Parse:      ParseKytary,
	},
	"pmc": {
		Name:       "pmc",
		URL:        "http://b2b.pmc.cz/xml/XML_PMCOS.xml",
		OutputFile: "pmc_sklad.csv",
		Timeout:    120 * time.Second,
		Parse:      ParsePMC,
	},
	"muziker": {
		Name:       "muziker",
		URL:        "https://pyfeed.muzmuz.tech/feeds/output/bjfifkwodvbba3124emkhfpzf.csv",
		OutputFile: "muziker_sklad.csv",
		Timeout:    120 * time.Second,
		Parse:      ParseMuziker,
	},
}

// Lookup returns the feed registered under name.
func Lookup(name string) (Feed, bool) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Names lists the registered feeds in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Harvest downloads the feed at cfg.SitemapURL, parses it and records every
// row in agg. Rows without a product code are counted as rejects. The feed
// either loads completely or the run fails; there is no partial result.
func Harvest(ctx context.Context, cfg *config.Config, feed Feed, agg *pipeline.Aggregator, opts ...transport.Option) (*models.RunSnapshot, error) {
	if feed.Parse == nil {
		return nil, errors.New("feeds: feed has no parser")
	}
	if agg == nil {
		return nil, errors.New("feeds: aggregator is required")
	}

	snapshot := &models.RunSnapshot{
		RunID:         uuid.NewString(),
		Site:          feed.Name,
		StartTime:     time.Now(),
		RejectsByType: map[string]int{},
	}

	opts = append([]transport.Option{
		transport.WithRawBody(),
		transport.WithMaxBodySize(feedMaxBodySize),
	}, opts...)
	client := transport.NewClient(cfg, opts...)

	slog.Info("downloading feed", slog.String("feed", feed.Name), slog.String("url", cfg.SitemapURL))
	out := client.Fetch(ctx, cfg.SitemapURL)
	snapshot.RetryCount = max(out.Attempts-1, 0)
	if out.Kind != transport.Success {
		return nil, fmt.Errorf("download feed %s: %w", feed.Name, out.Err)
	}
	slog.Info("feed downloaded", slog.String("feed", feed.Name), slog.Int("bytes", len(out.Body)))

	rows, err := feed.Parse(out.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feed.Name, err)
	}

	agg.Reserve(len(rows))
	for _, row := range rows {
		switch err := agg.Record(row); {
		case err == nil:
			snapshot.Recorded++
		case errors.Is(err, pipeline.ErrDuplicate):
			snapshot.Duplicates++
		default:
			snapshot.Rejected++
			snapshot.RejectsByType["invalid_record"]++
		}
	}

	snapshot.Records = agg.Records()
	snapshot.TotalAddresses = len(rows)
	snapshot.Attempted = len(rows)
	snapshot.NextOffset = len(rows)
	snapshot.Completed = true
	snapshot.EndTime = time.Now()

	inStock := 0
	for _, r := range snapshot.Records {
		if r.Quantity > 0 {
			inStock++
		}
	}
	slog.Info("feed parsed",
		slog.String("feed", feed.Name),
		slog.Int("rows", len(rows)),
		slog.Int("recorded", snapshot.Recorded),
		slog.Int("in_stock", inStock),
	)
	return snapshot, nil
}
