// Package scraper runs the fetch-and-extract engine: a fixed pool of workers
// that fetch product pages, hand them to a site plugin and collect the
// resulting records.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/pipeline"
	"github.com/aluiziolira/stock-harvest/transport"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	reasonExtraction    = "extraction"
	reasonPlugin        = "plugin_error"
	reasonInvalidRecord = "invalid_record"
	reasonCanceled      = "canceled"
)

// Progress is reported periodically while a run is in progress.
type Progress struct {
	Processed int
	Total     int
	Recorded  int
	Rejected  int
}

// Option customises an Engine.
type Option func(*Engine)

// WithClientOptions passes options to every worker's transport client.
func WithClientOptions(opts ...transport.Option) Option {
	return func(e *Engine) {
		e.clientOpts = append(e.clientOpts, opts...)
	}
}

// WithProgress registers a callback invoked on every progress tick and once
// when the run ends. It runs on the ticker goroutine, never on a worker.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) {
		e.onProgress = fn
	}
}

// WithMetrics replaces the engine's metrics, for example to share one
// registry between runs.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.Metrics = m
		}
	}
}

// Engine fetches a list of product addresses with a bounded worker pool.
type Engine struct {
	cfg        *config.Config
	plugin     extract.Plugin
	agg        *pipeline.Aggregator
	clientOpts []transport.Option
	onProgress func(Progress)
	Metrics    *Metrics
}

// NewEngine builds an engine that feeds plugin results into agg.
func NewEngine(cfg *config.Config, plugin extract.Plugin, agg *pipeline.Aggregator, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if plugin == nil {
		return nil, errors.New("extraction plugin is required")
	}
	if agg == nil {
		return nil, errors.New("aggregator is required")
	}
	e := &Engine{
		cfg:     cfg,
		plugin:  plugin,
		agg:     agg,
		Metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// job is one batch address together with its position in the batch.
type job struct {
	index   int
	address string
}

// runState holds everything workers share during one run.
type runState struct {
	total int

	// settled[i] is set once batch address i reached a terminal state that
	// a rerun must not repeat. Each index is written by one worker only.
	settled []bool

	processed  int64
	recorded   int64
	rejected   int64
	duplicates int64
	retries    int64

	mu        sync.Mutex
	rejects   map[string]int
	failedURL []string
}

func (st *runState) reject(address, reason string) {
	atomic.AddInt64(&st.rejected, 1)
	st.mu.Lock()
	st.rejects[reason]++
	if reason != reasonCanceled {
		st.failedURL = append(st.failedURL, address)
	}
	st.mu.Unlock()
}

// settledPrefix returns how many leading batch addresses are settled.
func (st *runState) settledPrefix() int {
	for i, ok := range st.settled {
		if !ok {
			return i
		}
	}
	return len(st.settled)
}

func (st *runState) progress() Progress {
	return Progress{
		Processed: int(atomic.LoadInt64(&st.processed)),
		Total:     st.total,
		Recorded:  int(atomic.LoadInt64(&st.recorded)),
		Rejected:  int(atomic.LoadInt64(&st.rejected)),
	}
}

// Run processes the configured batch of addresses and returns a snapshot of
// the outcome. Individual address failures never abort the run. Cancelling
// ctx stops dispatch; addresses already held by a worker are finished and the
// snapshot is marked Canceled. NextOffset only moves past addresses that were
// actually fetched to a final outcome, so a rerun from it loses nothing.
func (e *Engine) Run(ctx context.Context, addresses []string) (*models.RunSnapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	batch, startOffset := e.batch(addresses)
	st := &runState{
		total:   len(batch),
		settled: make([]bool, len(batch)),
		rejects: make(map[string]int),
	}
	e.agg.Reserve(len(batch))

	workers := e.cfg.MaxConcurrency
	if workers > len(batch) {
		workers = len(batch)
	}
	if workers < 1 && len(batch) > 0 {
		workers = 1
	}

	slog.Info("harvest started",
		slog.String("site", e.cfg.Site),
		slog.Int("addresses", len(batch)),
		slog.Int("offset", startOffset),
		slog.Int("workers", workers),
	)

	var limiter *rate.Limiter
	if e.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.RateLimit), 1)
	}

	stopProgress := e.startProgress(st)

	jobs := make(chan job)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		defer close(jobs)
		for i, address := range batch {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- job{index: i, address: address}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		client := transport.NewClient(e.cfg, append([]transport.Option{transport.WithObserver(e.Metrics)}, e.clientOpts...)...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(ctx, client, limiter, jobs, st)
		}()
	}
	wg.Wait()
	<-dispatchDone
	stopProgress()

	canceled := ctx.Err() != nil
	settled := st.settledPrefix()
	snapshot := &models.RunSnapshot{
		RunID:          uuid.NewString(),
		Site:           e.cfg.Site,
		Records:        e.agg.Records(),
		StartTime:      start,
		EndTime:        time.Now(),
		TotalAddresses: len(addresses),
		Attempted:      int(atomic.LoadInt64(&st.processed)),
		Recorded:       int(atomic.LoadInt64(&st.recorded)),
		Rejected:       int(atomic.LoadInt64(&st.rejected)),
		Duplicates:     int(atomic.LoadInt64(&st.duplicates)),
		RetryCount:     int(atomic.LoadInt64(&st.retries)),
		RejectsByType:  st.snapshotRejects(),
		FailedURLs:     st.snapshotFailed(),
		StartOffset:    startOffset,
		NextOffset:     startOffset + settled,
		Completed:      settled == len(batch),
		Canceled:       canceled,
	}

	slog.Info("harvest finished",
		slog.String("run_id", snapshot.RunID),
		slog.Int("recorded", snapshot.Recorded),
		slog.Int("rejected", snapshot.Rejected),
		slog.Int("duplicates", snapshot.Duplicates),
		slog.Int("next_offset", snapshot.NextOffset),
		slog.Bool("canceled", canceled),
		slog.String("duration", snapshot.EndTime.Sub(start).String()),
	)
	return snapshot, nil
}

// batch returns the slice of addresses selected by StartOffset and BatchSize,
// together with the effective start offset.
func (e *Engine) batch(addresses []string) ([]string, int) {
	offset := e.cfg.StartOffset
	if offset < 0 {
		offset = 0
	}
	if offset > len(addresses) {
		slog.Info("start offset beyond address list",
			slog.Int("offset", offset),
			slog.Int("addresses", len(addresses)),
		)
		offset = len(addresses)
	}
	end := len(addresses)
	if size := e.cfg.BatchSize; size > 0 && offset+size < end {
		end = offset + size
	}
	return addresses[offset:end], offset
}

// work takes addresses until the queue closes. The pacing delay and the
// shared limiter are waited for once an address is in hand, so an idle
// worker notices the closed queue without sleeping first. An address left
// unprocessed because ctx ended stays unsettled.
func (e *Engine) work(ctx context.Context, client *transport.Client, limiter *rate.Limiter, jobs <-chan job, st *runState) {
	for j := range jobs {
		if err := pace(ctx, e.cfg.Delay); err != nil {
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		e.Metrics.addInFlight(1)
		st.settled[j.index] = e.process(ctx, client, j.address, st)
		e.Metrics.addInFlight(-1)
		atomic.AddInt64(&st.processed, 1)
	}
}

// process handles one address and reports whether it was settled. A fetch
// cut short by cancellation is not settled, even after partial attempts.
func (e *Engine) process(ctx context.Context, client *transport.Client, address string, st *runState) bool {
	out := client.Fetch(ctx, address)
	if out.Attempts > 1 {
		atomic.AddInt64(&st.retries, int64(out.Attempts-1))
	}
	if out.Kind != transport.Success {
		reason := transport.Label(out.Err)
		e.reject(st, address, reason, out.Err)
		return reason != reasonCanceled
	}

	record, err := e.plugin.Extract(out.Body, address)
	if err != nil {
		reason := reasonExtraction
		if !extract.IsExtractionError(err) {
			reason = reasonPlugin
		}
		e.reject(st, address, reason, err)
		return true
	}
	if record.SourceURL == "" {
		record.SourceURL = address
	}

	err = e.agg.Record(record)
	switch {
	case err == nil:
		atomic.AddInt64(&st.recorded, 1)
		e.Metrics.IncRecords()
	case errors.Is(err, pipeline.ErrDuplicate):
		atomic.AddInt64(&st.duplicates, 1)
		slog.Debug("duplicate address skipped", slog.String("url", address))
	default:
		e.reject(st, address, reasonInvalidRecord, err)
	}
	return true
}

func (e *Engine) reject(st *runState, address, reason string, err error) {
	st.reject(address, reason)
	e.Metrics.IncReject(reason)
	slog.Debug("address rejected",
		slog.String("url", address),
		slog.String("reason", reason),
		slog.Any("error", err),
	)
}

// startProgress launches the progress ticker and returns a function that
// stops it and emits a final report.
func (e *Engine) startProgress(st *runState) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		if e.cfg.ProgressInterval <= 0 {
			<-done
			return
		}
		ticker := time.NewTicker(e.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.report(st.progress())
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		if e.onProgress != nil {
			e.onProgress(st.progress())
		}
	}
}

func (e *Engine) report(p Progress) {
	slog.Info("harvest progress",
		slog.String("processed", fmt.Sprintf("%d/%d", p.Processed, p.Total)),
		slog.Int("recorded", p.Recorded),
		slog.Int("rejected", p.Rejected),
	)
	if e.onProgress != nil {
		e.onProgress(p)
	}
}

func (st *runState) snapshotRejects() map[string]int {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]int, len(st.rejects))
	for k, v := range st.rejects {
		out[k] = v
	}
	return out
}

func (st *runState) snapshotFailed() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, len(st.failedURL))
	copy(out, st.failedURL)
	return out
}

// pace waits the per-worker delay between addresses.
func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
