package sites

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/parser"
)

var aleximCodePattern = regexp.MustCompile(`^\d+\.\d+$`)

func init() {
	register(Profile{
		Name:           "alexim",
		SitemapURL:     "https://www.alexim.cz/sitemap.xml",
		OutputFile:     "output/alexim_stock.csv",
		MaxConcurrency: 15,
		Denylist:       []string{"/c/", "/v/", "/clanky/", "/images/", "/p/", ".jpg", ".png", ".pdf"},
		New: func(signal int) extract.Plugin {
			return Alexim{SignalQuantity: signal}
		},
	})
}

// Alexim extracts products from alexim.cz. The order code is printed as a
// bold "1234.56" value; microdata is the fallback.
type Alexim struct {
	SignalQuantity int
}

func (p Alexim) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	sku := ""
	doc.Find("strong").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := strings.TrimSpace(s.Text()); aleximCodePattern.MatchString(t) {
			sku = t
			return false
		}
		return true
	})
	if sku == "" {
		sku = firstText(doc, `strong[itemprop="sku"]`, `span[itemprop="sku"]`)
	}
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing product code")
	}

	quantity := 0
	doc.Find("strong").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := strings.TrimSpace(s.Text())
		if strings.Contains(strings.ToLower(t), "skladem") {
			quantity = parser.StockQuantity(t, signalOrDefault(p.SignalQuantity))
			return false
		}
		return true
	})

	return product(sku, nameOrUnknown(doc, "h1.product-detail__title"), quantity, address), nil
}
