package sites

import (
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/parser"
)

func init() {
	register(Profile{
		Name:           "3dmx",
		SitemapURL:     "https://www.3dmx.cz/sitemap/sitemap_cs.xml",
		OutputFile:     "output/3dmx_stock.csv",
		MaxConcurrency: 15,
		Denylist:       []string{"/c/", "/vyr/"},
		New: func(signal int) extract.Plugin {
			return ThreeDMX{SignalQuantity: signal}
		},
	})
}

// ThreeDMX extracts products from 3dmx.cz catalogue pages.
type ThreeDMX struct {
	SignalQuantity int
}

func (p ThreeDMX) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	sku := text(doc.Find("td.td_katalog_detail_polozka"))
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing product code")
	}

	// The stock badge may carry only a count ("4 ks"), so a number is read
	// before looking for an availability word.
	quantity := 0
	if stock := doc.Find("span.skladem"); stock.Length() > 0 {
		status := text(stock)
		quantity = parser.ExtractNumber(status)
		if quantity == 0 && parser.IsInStock(status) {
			quantity = signalOrDefault(p.SignalQuantity)
		}
	}
	return product(sku, nameOrUnknown(doc, "h1"), quantity, address), nil
}
