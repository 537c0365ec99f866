package sites

import (
	"strings"

	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/parser"
)

func init() {
	register(Profile{
		Name:           "eprodance",
		SitemapURL:     "https://www.eprodance.cz/sitemap.xml",
		OutputFile:     "output/eprodance_stock.csv",
		MaxConcurrency: 10,
		Denylist:       []string{"/znacka/", "/clanky/", "/blog/", "/vyrobce/", "/kontakt", "/o-nas", "/kosik", "/zakaznik"},
		New: func(int) extract.Plugin {
			return Eprodance{}
		},
	})
}

// Eprodance extracts products from eprodance.cz, a Shoptet storefront that
// always prints a piece count, so it has no signal-only policy.
type Eprodance struct{}

func (Eprodance) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	name := text(doc.Find("h1"))
	if name == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing product heading")
	}

	sku := firstText(doc, "span.code", `span[itemprop="sku"]`)
	if sku == "" {
		sku = strings.TrimSpace(doc.Find(`meta[itemprop="sku"]`).First().AttrOr("content", ""))
	}
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing product code")
	}

	quantity := parser.ExtractNumber(firstText(doc, "span.availability-amount", "span.stock-amount"))
	return product(sku, name, quantity, address), nil
}
