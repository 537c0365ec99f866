package sites

import (
	"strings"
	"time"

	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
)

func init() {
	register(Profile{
		Name:           "imusicnetwork",
		SitemapURL:     "https://www.i-musicnetwork.com/sitemap/salesChannel-4b8b064817284071a04cc1a2c7a1d55e-2fbb5fe2e29a4d70aa5854ce7ce3e20b/4b8b064817284071a04cc1a2c7a1d55e-d20bc771d63049b889561b51db39b535-sitemap-www-i-musicnetwork-com-1.xml.gz",
		OutputFile:     "output/imusicnetwork_stock.csv",
		MaxConcurrency: 10,
		Delay:          100 * time.Millisecond,
		Denylist:       []string{"/sitemap/"},
		New: func(signal int) extract.Plugin {
			return IMusicNetwork{SignalQuantity: signal}
		},
	})
}

// IMusicNetwork extracts products from i-musicnetwork.com (Shopware, German
// storefront). Availability is a delivery note, never a count.
type IMusicNetwork struct {
	SignalQuantity int
}

func (p IMusicNetwork) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	sku := text(doc.Find(`span.product-detail-ordernumber[itemprop="sku"]`))
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing order number")
	}

	quantity := 0
	delivery := strings.ToLower(doc.Find("p.delivery-information").First().Text())
	if strings.Contains(delivery, "sofort verfügbar") {
		quantity = signalOrDefault(p.SignalQuantity)
	}
	return product(sku, nameOrUnknown(doc, "h1"), quantity, address), nil
}
