package sites

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/parser"
)

// musicTradeProductPattern captures the product object pushed to the
// analytics dataLayer. The object always carries priceWithVat.
var musicTradeProductPattern = regexp.MustCompile(`(?s)"product":\s*(\{.*?"priceWithVat":.*?\})\s*,`)

func init() {
	register(Profile{
		Name:           "musictrade",
		SitemapURL:     "https://www.musictrade.cz/sitemap.xml",
		OutputFile:     "output/musictrade_stock.csv",
		MaxConcurrency: 20,
		Denylist:       []string{"/znacka/", "/kategorie/"},
		New: func(signal int) extract.Plugin {
			return MusicTrade{SignalQuantity: signal}
		},
	})
}

// MusicTrade extracts products from musictrade.cz by reading the embedded
// dataLayer JSON instead of the rendered markup.
type MusicTrade struct {
	SignalQuantity int
}

type musicTradeProduct struct {
	Code  any    `json:"code"`
	Name  string `json:"name"`
	Codes []struct {
		Quantity any `json:"quantity"`
	} `json:"codes"`
}

func (p MusicTrade) Extract(page []byte, address string) (models.ProductRecord, error) {
	doc, err := document(page, address)
	if err != nil {
		return models.ProductRecord{}, err
	}

	script := ""
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		body := s.Text()
		if strings.Contains(body, "dataLayer.push") && strings.Contains(body, `"product":`) {
			script = body
			return false
		}
		return true
	})
	if script == "" {
		return models.ProductRecord{}, extract.Failed(address, "missing dataLayer product")
	}

	match := musicTradeProductPattern.FindStringSubmatch(script)
	if match == nil {
		return models.ProductRecord{}, extract.Failed(address, "dataLayer product not recognised")
	}

	var data musicTradeProduct
	dec := json.NewDecoder(strings.NewReader(strings.ReplaceAll(match[1], `\/`, "/")))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return models.ProductRecord{}, extract.Failedf(address, err, "decode dataLayer product")
	}

	sku := scalarString(data.Code)
	if sku == "" {
		return models.ProductRecord{}, extract.Failed(address, "dataLayer product has no code")
	}
	// Script bodies are not entity-decoded by the HTML parser.
	name := parser.CleanText(data.Name)
	if name == "" {
		name = models.UnknownName
	}

	quantity := 0
	if len(data.Codes) > 0 {
		quantity = p.quantity(data.Codes[0].Quantity)
	}
	return product(sku, name, quantity, address), nil
}

// quantity reads values such as 3, "3", ">5" or "ano". Anything present but
// not numeric counts as the signal quantity.
func (p MusicTrade) quantity(v any) int {
	raw := strings.TrimSpace(strings.ReplaceAll(scalarString(v), ">", ""))
	if raw == "" || raw == "0" {
		return 0
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int(f)
	}
	return signalOrDefault(p.SignalQuantity)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "1"
		}
		return ""
	}
	return ""
}
