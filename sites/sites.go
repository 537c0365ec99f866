// Package sites holds the storefront-specific extraction plugins and the
// crawl profile each storefront runs with by default.
package sites

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
)

// Profile describes one storefront: where its sitemap lives, which
// addresses are worth visiting, and how gently to crawl it.
type Profile struct {
	Name           string
	SitemapURL     string
	SitemapFile    string
	OutputFile     string
	MaxConcurrency int
	Delay          time.Duration
	Denylist       []string
	Allowlist      []string

	// New builds the plugin. signalQuantity is recorded when the page only
	// says the product is in stock.
	New func(signalQuantity int) extract.Plugin
}

// Apply copies the profile defaults into cfg. Flags and environment
// overrides are applied afterwards by the caller.
func (p Profile) Apply(cfg *config.Config) {
	cfg.Site = p.Name
	cfg.SitemapURL = p.SitemapURL
	cfg.SitemapFile = p.SitemapFile
	cfg.OutputFile = p.OutputFile
	if p.MaxConcurrency > 0 {
		cfg.MaxConcurrency = p.MaxConcurrency
	}
	cfg.Delay = p.Delay
	cfg.Denylist = append([]string(nil), p.Denylist...)
	cfg.Allowlist = append([]string(nil), p.Allowlist...)
}

var registry = map[string]Profile{}

func register(p Profile) {
	if _, dup := registry[p.Name]; dup {
		panic("sites: duplicate profile " + p.Name)
	}
	registry[p.Name] = p
}

// Lookup returns the profile registered under name.
func Lookup(name string) (Profile, bool) {
	p, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names lists the registered storefronts in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func signalOrDefault(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func document(page []byte, address string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, extract.Failedf(address, err, "parse html")
	}
	return doc, nil
}

// text returns the trimmed text of the first element in sel.
func text(sel *goquery.Selection) string {
	return strings.TrimSpace(sel.First().Text())
}

// firstText returns the first non-empty text among the selectors, tried in
// order.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, selector := range selectors {
		if t := text(doc.Find(selector)); t != "" {
			return t
		}
	}
	return ""
}

// nameOrUnknown returns the trimmed text of the first match, or the unknown
// name sentinel.
func nameOrUnknown(doc *goquery.Document, selector string) string {
	if name := text(doc.Find(selector)); name != "" {
		return name
	}
	return models.UnknownName
}

func product(sku, name string, quantity int, address string) models.ProductRecord {
	return models.ProductRecord{
		SKU:       sku,
		Name:      name,
		Quantity:  quantity,
		SourceURL: address,
	}
}
