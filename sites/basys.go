package sites

import (
	"time"

	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
)

func init() {
	register(Profile{
		Name:           "basys",
		SitemapURL:     "https://www.basys.sk/sitemap.xml",
		SitemapFile:    "sitemap_basys.xml",
		OutputFile:     "output/basys_stock.csv",
		MaxConcurrency: 5,
		Delay:          300 * time.Millisecond,
		Denylist:       []string{"/c/"},
		Allowlist:      []string{".html"},
		New: func(signal int) extract.Plugin {
			return Basys{SignalQuantity: signal}
		},
	})
}

// Basys extracts products from basys.sk. Stock is only shown as an
// availability icon, so an in-stock page records the signal quantity.
type Basys struct {
	SignalQuantity int
}

func (p Basys) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	sku := text(doc.Find(`span[itemprop="sku"]`))
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing sku")
	}

	quantity := 0
	if doc.Find("i.av-7").Length() > 0 {
		quantity = signalOrDefault(p.SignalQuantity)
	}
	return product(sku, nameOrUnknown(doc, "h1.col-xs-12"), quantity, address), nil
}
