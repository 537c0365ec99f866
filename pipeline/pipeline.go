// Package pipeline collects validated product records from concurrent
// workers and persists them as one consistent snapshot.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrInvalidRecord is returned by Record for records without a SKU.
	ErrInvalidRecord = errors.New("pipeline: invalid record")
	// ErrDuplicate is returned by Record when the source URL was already
	// recorded.
	ErrDuplicate = errors.New("pipeline: duplicate source url")
	// ErrOutputWriteFailed wraps every failure to persist a snapshot.
	ErrOutputWriteFailed = errors.New("pipeline: output write failed")
)

const defaultDedupeSize = 100000

// Aggregator is the only state shared between workers. All methods are safe
// for concurrent use.
type Aggregator struct {
	appendMode bool

	mu      sync.Mutex
	records []models.ProductRecord
	seen    *lru.Cache[string, struct{}]
	// seenSize is the current capacity of seen.
	seenSize int

	metrics metrics
}

// NewAggregator builds an aggregator using the dedupe size and append mode
// from cfg.
func NewAggregator(cfg *config.Config) *Aggregator {
	size := cfg.DedupeMaxSize
	if size <= 0 {
		size = defaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(fmt.Sprintf("pipeline: dedupe cache: %v", err))
	}
	return &Aggregator{
		appendMode: cfg.Append,
		seen:       seen,
		seenSize:   size,
		metrics:    newMetrics(),
	}
}

// Reserve grows the dedupe set so that n more distinct source URLs fit
// without evicting any already seen. DedupeMaxSize only bounds the set when
// nothing reserves more room.
func (a *Aggregator) Reserve(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if need := a.seen.Len() + n; need > a.seenSize {
		a.seen.Resize(need)
		a.seenSize = need
	}
}

// Record normalises r and adds it to the snapshot. It returns an error
// wrapping ErrInvalidRecord when r has no SKU, and ErrDuplicate when its
// source URL was seen before.
func (a *Aggregator) Record(r models.ProductRecord) error {
	parser.NormalizeRecord(&r)
	if err := parser.ValidateRecord(&r); err != nil {
		a.metrics.addValidation("invalid_record")
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if r.SourceURL != "" {
		if found, _ := a.seen.ContainsOrAdd(r.SourceURL, struct{}{}); found {
			a.metrics.addValidation("duplicate_url")
			return ErrDuplicate
		}
	}
	a.records = append(a.records, r)
	a.metrics.incrementProcessed()
	return nil
}

// Len returns the number of records held.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Records returns a copy of the records sorted by SKU, then source URL.
func (a *Aggregator) Records() []models.ProductRecord {
	a.mu.Lock()
	out := make([]models.ProductRecord, len(a.records))
	copy(out, a.records)
	a.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SKU != out[j].SKU {
			return out[i].SKU < out[j].SKU
		}
		return out[i].SourceURL < out[j].SourceURL
	})
	return out
}

// Flush writes the snapshot as a delimited file at path.
func (a *Aggregator) Flush(path string, delimiter rune) error {
	return a.FlushTo(NewCSVWriter(path, delimiter, a.appendMode))
}

// FlushJSON writes the snapshot as JSON lines at path.
func (a *Aggregator) FlushJSON(path string) error {
	return a.FlushTo(NewJSONWriter(path, a.appendMode))
}

// FlushTo hands the sorted snapshot to w.
func (a *Aggregator) FlushTo(w SnapshotWriter) error {
	records := a.Records()
	start := time.Now()
	if err := w.WriteSnapshot(records); err != nil {
		return err
	}
	slog.Info("snapshot written",
		slog.String("path", w.Path()),
		slog.Int("records", len(records)),
		slog.String("duration", time.Since(start).String()),
	)
	return nil
}

// GetMetrics returns a snapshot of the internal counters.
func (a *Aggregator) GetMetrics() map[string]interface{} {
	return a.metrics.snapshot()
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"recorded_products": m.processed,
		"validation_errors": copyValidation,
	}
}
