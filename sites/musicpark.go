package sites

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/parser"
)

const musicParkCodeLabel = "Obj. kód:"

func init() {
	register(Profile{
		Name:           "musicpark",
		SitemapURL:     "https://www.music-park.sk/sitemap.xml",
		OutputFile:     "output/musicpark_stock.csv",
		MaxConcurrency: 5,
		Allowlist:      []string{"/produkt/"},
		New: func(signal int) extract.Plugin {
			return MusicPark{SignalQuantity: signal}
		},
	})
}

// MusicPark extracts products from music-park.sk. The order code sits in a
// plain div labelled "Obj. kód:".
type MusicPark struct {
	SignalQuantity int
}

func (p MusicPark) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	sku := ""
	labelled := func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), musicParkCodeLabel)
	}
	innermost := doc.Find("div").FilterFunction(labelled).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find("div").FilterFunction(labelled).Length() == 0
	})
	if innermost.Length() > 0 {
		raw := innermost.First().Text()
		if i := strings.LastIndex(raw, ":"); i >= 0 {
			sku = strings.TrimSpace(strings.ReplaceAll(raw[i+1:], "\u00a0", ""))
		}
	}
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing order code")
	}

	quantity := 0
	if stock := doc.Find("span.dostupnost"); stock.Length() > 0 {
		quantity = parser.StockQuantity(stock.First().Text(), signalOrDefault(p.SignalQuantity))
	}
	return product(sku, nameOrUnknown(doc, "h1"), quantity, address), nil
}
