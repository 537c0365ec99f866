package feeds

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/stock-harvest/models"
	"github.com/antchfx/xmlquery"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	utf8BOM = []byte{0xef, 0xbb, 0xbf}

	// encodingDecl matches the encoding attribute of the XML declaration.
	encodingDecl = regexp.MustCompile(`^(<\?xml[^>]*?encoding\s*=\s*)["'][^"']*["']`)
)

// ParseKytary reads the Kytary price list. Items are VOPriceListItem
// elements, optionally in a default namespace.
func ParseKytary(data []byte) ([]models.ProductRecord, error) {
	doc, err := parseXML(data)
	if err != nil {
		return nil, err
	}
	var rows []models.ProductRecord
	for _, item := range xmlquery.Find(doc, "//VOPriceListItem") {
		rows = append(rows, models.ProductRecord{
			SKU:      childText(item, "ProductCode"),
			Name:     cleanName(childText(item, "ProductName")),
			Quantity: quantity(childText(item, "AvailableVolume")),
		})
	}
	return rows, nil
}

// ParsePMC reads the PMC price list, which is served as UTF-16. The body
// may already have been converted to UTF-8 in transit when the response
// declared its charset, while the XML declaration still says UTF-16.
func ParsePMC(data []byte) ([]models.ProductRecord, error) {
	data, err := decodeUTF16(data)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	data = encodingDecl.ReplaceAll(data, []byte(`${1}"UTF-8"`))
	doc, err := parseXML(data)
	if err != nil {
		return nil, err
	}
	var rows []models.ProductRecord
	for _, item := range xmlquery.Find(doc, "//SHOP_ITEM") {
		rows = append(rows, models.ProductRecord{
			SKU:      childText(item, "ITEM_ID"),
			Name:     cleanName(childText(item, "PRODUCTNAME")),
			Quantity: quantity(childText(item, "AVAILABILITY")),
		})
	}
	return rows, nil
}

// ParseMuziker reads the Muziker CSV export. The EAN is the product key and
// the supplier code stands in for the name, which the export does not carry.
func ParseMuziker(data []byte) ([]models.ProductRecord, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"EAN", "Code", "StockQTY"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("csv header lacks column %q", required)
		}
	}
	field := func(row []string, name string) string {
		if i := columns[name]; i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var rows []models.ProductRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		rows = append(rows, models.ProductRecord{
			SKU:      field(row, "EAN"),
			Name:     cleanName(field(row, "Code")),
			Quantity: quantity(field(row, "StockQTY")),
		})
	}
	return rows, nil
}

func parseXML(data []byte) (*xmlquery.Node, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	return doc, nil
}

// decodeUTF16 converts a UTF-16 document to UTF-8. A byte order mark picks
// the byte order; without one it is guessed from where the zero byte of the
// leading '<' falls. Input that is already ASCII-compatible is returned
// unchanged.
func decodeUTF16(data []byte) ([]byte, error) {
	if !looksUTF16(data) {
		return data, nil
	}
	order := unicode.LittleEndian
	if data[0] == 0 {
		order = unicode.BigEndian
	}
	decoder := unicode.BOMOverride(unicode.UTF16(order, unicode.IgnoreBOM).NewDecoder())
	out, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return nil, fmt.Errorf("decode utf-16: %w", err)
	}
	return out, nil
}

func looksUTF16(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	if (data[0] == 0xff && data[1] == 0xfe) || (data[0] == 0xfe && data[1] == 0xff) {
		return true
	}
	return data[0] == 0 || data[1] == 0
}

func childText(n *xmlquery.Node, name string) string {
	child := n.SelectElement(name)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.InnerText())
}

// cleanName keeps the delimiter out of names for importers that split rows
// on it without honouring quotes.
func cleanName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), ";", ",")
}

// quantity reads a stock count that may be written as a decimal. Anything
// unreadable counts as zero.
func quantity(value string) int {
	value = strings.ReplaceAll(strings.TrimSpace(value), ",", ".")
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return int(f)
}
