package sites

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/parser"
)

// rocksterCountPattern matches "(5 ks)" and "(>10 ks)".
var rocksterCountPattern = regexp.MustCompile(`\(>?\s*(\d+)\s*ks\)`)

func init() {
	register(Profile{
		Name:           "rockster",
		SitemapURL:     "https://www.rockster.cz/sitemap-product-1.xml",
		OutputFile:     "output/rockster_stock.csv",
		MaxConcurrency: 5,
		Delay:          200 * time.Millisecond,
		New: func(signal int) extract.Plugin {
			return Rockster{SignalQuantity: signal}
		},
	})
}

// Rockster extracts products from rockster.cz.
type Rockster struct {
	SignalQuantity int
}

func (p Rockster) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	sku := text(doc.Find("span.js_kod"))
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing product code")
	}

	quantity := 0
	status := strings.ToLower(text(doc.Find("span.status.js_dostupnost")))
	if parser.IsInStock(status) {
		quantity = signalOrDefault(p.SignalQuantity)
		if m := rocksterCountPattern.FindStringSubmatch(status); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				quantity = n
			}
		}
	}
	return product(sku, nameOrUnknown(doc, "h1"), quantity, address), nil
}
