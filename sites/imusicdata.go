package sites

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/parser"
)

func init() {
	register(Profile{
		Name:           "imusicdata",
		SitemapURL:     "https://imusicdata.sk/site-map-products-sk.xml",
		OutputFile:     "output/imusicdata_stock.csv",
		MaxConcurrency: 1,
		Delay:          200 * time.Millisecond,
		New: func(signal int) extract.Plugin {
			return IMusicData{SignalQuantity: signal}
		},
	})
}

// IMusicData extracts products from imusicdata.sk, where the code is the
// first bold text on the page.
type IMusicData struct {
	SignalQuantity int
}

func (p IMusicData) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	sku := ""
	doc.Find("strong").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		sku = strings.TrimSpace(s.Text())
		return sku == ""
	})
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing product code")
	}

	quantity := 0
	if stock := doc.Find("span.sign.in-stock"); stock.Length() > 0 {
		quantity = parser.StockQuantity(text(stock), signalOrDefault(p.SignalQuantity))
	}
	return product(sku, nameOrUnknown(doc, "h1.product-name"), quantity, address), nil
}
