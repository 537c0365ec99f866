// Package sitemap turns a seed sitemap into the ordered list of product
// addresses a run will visit.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/transport"
	"github.com/antchfx/xmlquery"
	"golang.org/x/sync/errgroup"
)

// ErrSourceUnavailable is returned when neither the live sitemap nor the
// local fallback copy could be read.
var ErrSourceUnavailable = errors.New("sitemap source unavailable")

const (
	// maxDepth bounds how many sitemap index levels are followed.
	maxDepth = 2
	// childConcurrency bounds concurrent child sitemap fetches.
	childConcurrency = 4
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}
)

// Fetcher retrieves one document. *transport.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, address string) transport.Outcome
}

// Resolver fetches and parses sitemaps for one site.
type Resolver struct {
	cfg       *config.Config
	newClient func() Fetcher
}

// NewResolver builds a resolver whose clients use the sitemap timeout from
// cfg. Extra options are passed to every client it creates.
func NewResolver(cfg *config.Config, opts ...transport.Option) *Resolver {
	clientOpts := append([]transport.Option{
		transport.WithTimeout(cfg.SitemapTimeout),
		transport.WithMaxBodySize(0),
		transport.WithRawBody(),
	}, opts...)
	return &Resolver{
		cfg: cfg,
		newClient: func() Fetcher {
			return transport.NewClient(cfg, clientOpts...)
		},
	}
}

// Resolve returns the filtered, de-duplicated addresses listed by the
// configured sitemap, falling back to the local copy when the live one
// cannot be used.
func (r *Resolver) Resolve(ctx context.Context) ([]string, error) {
	var (
		locs []string
		err  error
	)
	if r.cfg.SitemapURL != "" {
		locs, err = r.resolveRemote(ctx)
	} else {
		err = errors.New("no sitemap URL configured")
	}

	if err != nil {
		if r.cfg.SitemapFile == "" {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		slog.Info("using local sitemap copy",
			slog.String("file", r.cfg.SitemapFile),
			slog.Any("error", err),
		)
		fileLocs, fileErr := r.resolveFile(ctx)
		if fileErr != nil {
			return nil, fmt.Errorf("%w: %w (fallback %s: %w)", ErrSourceUnavailable, err, r.cfg.SitemapFile, fileErr)
		}
		locs = fileLocs
	}

	addresses := Filter(locs, r.cfg.Denylist, r.cfg.Allowlist)
	slog.Info("sitemap resolved",
		slog.Int("locations", len(locs)),
		slog.Int("addresses", len(addresses)),
	)
	return addresses, nil
}

func (r *Resolver) resolveRemote(ctx context.Context) ([]string, error) {
	data, err := r.fetch(ctx, r.newClient(), r.cfg.SitemapURL)
	if err != nil {
		return nil, err
	}
	return r.parse(ctx, data, 1)
}

func (r *Resolver) resolveFile(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(r.cfg.SitemapFile)
	if err != nil {
		return nil, fmt.Errorf("read sitemap file: %w", err)
	}
	return r.parse(ctx, data, 1)
}

func (r *Resolver) fetch(ctx context.Context, client Fetcher, address string) ([]byte, error) {
	out := client.Fetch(ctx, address)
	if out.Kind != transport.Success {
		return nil, fmt.Errorf("fetch sitemap %s: %w", address, out.Err)
	}
	return out.Body, nil
}

// parse extracts locations from one sitemap document. Sitemap indexes are
// expanded until maxDepth.
func (r *Resolver) parse(ctx context.Context, data []byte, depth int) ([]string, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}

	if locs := texts(xmlquery.Find(doc, "//url/loc")); len(locs) > 0 {
		return locs, nil
	}

	if children := texts(xmlquery.Find(doc, "//sitemap/loc")); len(children) > 0 {
		if depth >= maxDepth {
			slog.Debug("sitemap index too deep, skipping", slog.Int("children", len(children)))
			return nil, nil
		}
		return r.expandIndex(ctx, children, depth)
	}

	var locs []string
	for _, n := range xmlquery.Find(doc, "//loc") {
		if !underPrefixed(n) {
			locs = append(locs, strings.TrimSpace(n.InnerText()))
		}
	}
	if len(locs) == 0 && xmlquery.FindOne(doc, "//urlset|//sitemapindex") == nil {
		return nil, errors.New("document is not a sitemap")
	}
	return locs, nil
}

// expandIndex fetches child sitemaps concurrently and merges their locations
// in index order. One failing child is skipped; all failing is an error.
func (r *Resolver) expandIndex(ctx context.Context, children []string, depth int) ([]string, error) {
	results := make([][]string, len(children))
	var (
		mu       sync.Mutex
		failures int
		lastErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(childConcurrency)
	for i, child := range children {
		g.Go(func() error {
			data, err := r.fetch(gctx, r.newClient(), child)
			if err == nil {
				results[i], err = r.parse(gctx, data, depth+1)
			}
			if err != nil {
				slog.Error("child sitemap failed",
					slog.String("url", child),
					slog.Any("error", err),
				)
				mu.Lock()
				failures++
				lastErr = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failures == len(children) {
		return nil, fmt.Errorf("all %d child sitemaps failed: %w", failures, lastErr)
	}

	var merged []string
	for _, locs := range results {
		merged = append(merged, locs...)
	}
	return merged, nil
}

func parseDocument(data []byte) (*xmlquery.Node, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip sitemap: %w", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress sitemap: %w", err)
		}
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	return doc, nil
}

func texts(nodes []*xmlquery.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, strings.TrimSpace(n.InnerText()))
	}
	return out
}

// underPrefixed reports whether n sits inside an extension element such as
// <image:image>, whose locations point at media rather than pages.
func underPrefixed(n *xmlquery.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == xmlquery.ElementNode && p.Prefix != "" {
			return true
		}
	}
	return false
}

// Filter trims addresses, drops empty and denylisted ones, keeps only
// allowlisted ones when an allowlist is given, and removes duplicates while
// preserving first-seen order.
func Filter(addresses, denylist, allowlist []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, address := range addresses {
		address = strings.TrimSpace(address)
		if address == "" {
			continue
		}
		if containsAny(address, denylist) {
			continue
		}
		if len(allowlist) > 0 && !containsAny(address, allowlist) {
			continue
		}
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}
	return out
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
