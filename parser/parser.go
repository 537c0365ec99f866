// Package parser holds the normalisation helpers shared by site plugins and
// the record validation applied before anything reaches a snapshot.
package parser

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/stock-harvest/models"
	"github.com/kennygrant/sanitize"
)

var numberPattern = regexp.MustCompile(`\d+`)

var inStockWords = []string{
	"skladem", "skladom", "na sklade", "ano", "ihned", "verfügbar", "in stock", "available",
}

var outOfStockWords = []string{
	"není skladem", "nie je skladom", "není k dispozici", "vyprodáno", "vypredané",
	"nicht verfügbar", "out of stock", "not in stock", "unavailable", "sold out",
}

// ValidateRecord ensures a record carries the fields a snapshot requires.
func ValidateRecord(r *models.ProductRecord) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.SKU) == "" {
		return fmt.Errorf("record missing sku for %s", r.SourceURL)
	}
	if r.Quantity < 0 {
		return fmt.Errorf("record %s has negative quantity %d", r.SKU, r.Quantity)
	}
	return nil
}

// NormalizeRecord trims identifiers, collapses whitespace in the display
// name, and clamps the quantity so that absent or malformed stock never goes
// below zero. Names arrive as decoded text, so markup is left alone.
func NormalizeRecord(r *models.ProductRecord) {
	if r == nil {
		return
	}
	r.SKU = strings.TrimSpace(strings.ReplaceAll(r.SKU, "\u00a0", ""))
	r.Name = NormalizeSpace(r.Name)
	if r.Name == "" {
		r.Name = models.UnknownName
	}
	if r.Quantity < 0 {
		r.Quantity = 0
	}
	r.SourceURL = strings.TrimSpace(r.SourceURL)
}

// CleanText strips markup and entities and collapses whitespace. Use it only
// on raw HTML fragments; text taken from a parsed document is already decoded.
func CleanText(text string) string {
	text = sanitize.HTML(text)
	return NormalizeSpace(html.UnescapeString(text))
}

// NormalizeSpace turns non-breaking spaces into spaces and collapses runs of
// whitespace.
func NormalizeSpace(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	return strings.Join(strings.Fields(text), " ")
}

// ExtractNumber returns the first integer found in text ("15 ks" -> 15,
// "> 5" -> 5), or 0 when there is none.
func ExtractNumber(text string) int {
	match := numberPattern.FindString(text)
	if match == "" {
		return 0
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return n
}

// IsInStock reports whether availability text signals stock.
func IsInStock(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	for _, word := range outOfStockWords {
		if strings.Contains(lower, word) {
			return false
		}
	}
	for _, word := range inStockWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// StockQuantity converts availability text into a quantity. Text without an
// in-stock word is 0 even when it mentions a number ("dodanie do 14 dní").
// Otherwise an explicit number wins and a bare availability word yields
// signalQuantity.
func StockQuantity(text string, signalQuantity int) int {
	if !IsInStock(text) {
		return 0
	}
	if n := ExtractNumber(text); n > 0 {
		return n
	}
	if signalQuantity < 0 {
		return 0
	}
	return signalQuantity
}
