// Package models defines data structures for the harvester.
package models

import "time"

// UnknownName is recorded when a product page carries no display name.
const UnknownName = "N/A"

// ProductRecord represents one product row of an inventory snapshot.
type ProductRecord struct {
	SKU       string `csv:"sku" json:"sku"`
	Name      string `csv:"name" json:"name"`
	Quantity  int    `csv:"quantity" json:"quantity"`
	SourceURL string `csv:"source_url" json:"source_url"`
}

// RunSnapshot holds the overall result of one harvest run.
type RunSnapshot struct {
	RunID     string
	Site      string
	Records   []ProductRecord
	StartTime time.Time
	EndTime   time.Time

	// TotalAddresses is the size of the full seed list, not only this batch.
	TotalAddresses int
	Attempted      int
	Recorded       int
	Rejected       int
	Duplicates     int
	RetryCount     int
	RejectsByType  map[string]int
	FailedURLs     []string

	StartOffset int
	NextOffset  int
	Completed   bool
	Canceled    bool
}

// Remaining reports how many seed addresses are left for a later batch.
func (s *RunSnapshot) Remaining() int {
	if s == nil || s.NextOffset >= s.TotalAddresses {
		return 0
	}
	return s.TotalAddresses - s.NextOffset
}
