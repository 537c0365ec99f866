package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/pipeline"
	"github.com/aluiziolira/stock-harvest/transport"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
)

// pipePlugin reads pages of the form "sku|name|quantity[|source]".
var pipePlugin = extract.Func(func(page []byte, address string) (models.ProductRecord, error) {
	parts := strings.Split(string(page), "|")
	if len(parts) < 3 {
		return models.ProductRecord{}, extract.Failed(address, "unexpected page layout")
	}
	qty, err := strconv.Atoi(parts[2])
	if err != nil {
		return models.ProductRecord{}, extract.Failedf(address, err, "quantity %q", parts[2])
	}
	record := models.ProductRecord{SKU: parts[0], Name: parts[1], Quantity: qty, SourceURL: address}
	if len(parts) > 3 {
		record.SourceURL = parts[3]
	}
	return record, nil
})

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Site = "test"
	cfg.SitemapURL = "http://shop.test/sitemap.xml"
	cfg.OutputFile = "unused.csv"
	cfg.Timeout = 2 * time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	cfg.ProgressInterval = 0
	cfg.DedupeMaxSize = 1000
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, mock *httpmock.MockTransport, opts ...Option) (*Engine, *pipeline.Aggregator) {
	t.Helper()
	agg := pipeline.NewAggregator(cfg)
	opts = append([]Option{WithClientOptions(transport.WithTransport(mock))}, opts...)
	engine, err := NewEngine(cfg, pipePlugin, agg, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, agg
}

func addressList(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("http://shop.test/p/P%d", i)
	}
	return out
}

// skuResponder answers every product address with a record named after the
// last path segment.
func skuResponder(latency time.Duration) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		if latency > 0 {
			time.Sleep(latency)
		}
		sku := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]
		return httpmock.NewStringResponse(http.StatusOK, sku+"|Item "+sku+"|3"), nil
	}
}

func TestNewEngineRequiresPlugin(t *testing.T) {
	cfg := testConfig()
	if _, err := NewEngine(cfg, nil, pipeline.NewAggregator(cfg)); err == nil {
		t.Fatalf("expected error for missing plugin")
	}
	if _, err := NewEngine(cfg, pipePlugin, nil); err == nil {
		t.Fatalf("expected error for missing aggregator")
	}
}

func TestEngineExampleScenario(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 3

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://shop.test/a1", httpmock.NewStringResponder(200, "A1|Widget|5"))
	mock.RegisterResponder("GET", "http://shop.test/a2", httpmock.NewStringResponder(200, "A2|Gadget|0"))
	mock.RegisterResponder("GET", "http://shop.test/a3", httpmock.NewErrorResponder(&net.DNSError{Err: "i/o timeout", IsTimeout: true}))

	engine, _ := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(context.Background(), []string{
		"http://shop.test/a1",
		"http://shop.test/a2",
		"http://shop.test/a3",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []models.ProductRecord{
		{SKU: "A1", Name: "Widget", Quantity: 5, SourceURL: "http://shop.test/a1"},
		{SKU: "A2", Name: "Gadget", Quantity: 0, SourceURL: "http://shop.test/a2"},
	}
	if !reflect.DeepEqual(snapshot.Records, want) {
		t.Fatalf("records = %+v, want %+v", snapshot.Records, want)
	}
	if snapshot.Rejected != 1 || snapshot.RejectsByType["timeout"] != 1 {
		t.Fatalf("rejects = %d %v, want one timeout", snapshot.Rejected, snapshot.RejectsByType)
	}
	if snapshot.RetryCount != cfg.MaxAttempts-1 {
		t.Fatalf("retry count = %d, want %d", snapshot.RetryCount, cfg.MaxAttempts-1)
	}
	if got := mock.GetCallCountInfo()["GET http://shop.test/a3"]; got != cfg.MaxAttempts {
		t.Fatalf("timeout address attempts = %d, want %d", got, cfg.MaxAttempts)
	}
	if len(snapshot.FailedURLs) != 1 || snapshot.FailedURLs[0] != "http://shop.test/a3" {
		t.Fatalf("failed urls = %v", snapshot.FailedURLs)
	}
	if !snapshot.Completed || snapshot.Canceled || snapshot.NextOffset != 3 {
		t.Fatalf("snapshot state completed=%v canceled=%v next=%d", snapshot.Completed, snapshot.Canceled, snapshot.NextOffset)
	}
	if snapshot.RunID == "" {
		t.Fatalf("run id should be set")
	}

	if got := counterValue(t, engine.Metrics.Registry, "harvest_records_total", ""); got != 2 {
		t.Fatalf("records metric = %v, want 2", got)
	}
	if got := counterValue(t, engine.Metrics.Registry, "harvest_rejects_total", "timeout"); got != 1 {
		t.Fatalf("timeout rejects metric = %v, want 1", got)
	}
	if got := counterValue(t, engine.Metrics.Registry, "harvest_retries_total", ""); got != float64(cfg.MaxAttempts-1) {
		t.Fatalf("retries metric = %v", got)
	}
}

func TestEngineConcurrencyBound(t *testing.T) {
	const (
		workers   = 5
		addresses = 100
		latency   = 20 * time.Millisecond
	)
	cfg := testConfig()
	cfg.MaxConcurrency = workers

	var inFlight, maxInFlight int64
	responder := skuResponder(latency)
	mock := httpmock.NewMockTransport()
	mock.RegisterNoResponder(func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt64(&inFlight, 1)
		defer atomic.AddInt64(&inFlight, -1)
		for {
			current := atomic.LoadInt64(&maxInFlight)
			if n <= current || atomic.CompareAndSwapInt64(&maxInFlight, current, n) {
				break
			}
		}
		return responder(req)
	})

	engine, _ := newTestEngine(t, cfg, mock)
	start := time.Now()
	snapshot, err := engine.Run(context.Background(), addressList(addresses))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if snapshot.Recorded != addresses {
		t.Fatalf("recorded = %d, want %d (rejects %v)", snapshot.Recorded, addresses, snapshot.RejectsByType)
	}
	if got := atomic.LoadInt64(&maxInFlight); got > workers || got == 0 {
		t.Fatalf("max in flight = %d, want 1..%d", got, workers)
	}
	ideal := latency * addresses / workers
	if elapsed < ideal {
		t.Fatalf("elapsed %v is below the %v floor", elapsed, ideal)
	}
	if elapsed > 3*ideal {
		t.Fatalf("elapsed %v, want close to %v", elapsed, ideal)
	}
}

func TestEngineExtractionFailureNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 2

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://shop.test/ok", httpmock.NewStringResponder(200, "OK1|Fine|2"))
	mock.RegisterResponder("GET", "http://shop.test/broken", httpmock.NewStringResponder(200, "<html>maintenance</html>"))

	engine, _ := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(context.Background(), []string{"http://shop.test/ok", "http://shop.test/broken"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if snapshot.Recorded != 1 || snapshot.RejectsByType["extraction"] != 1 {
		t.Fatalf("recorded=%d rejects=%v", snapshot.Recorded, snapshot.RejectsByType)
	}
	if got := mock.GetCallCountInfo()["GET http://shop.test/broken"]; got != 1 {
		t.Fatalf("broken page fetched %d times, want 1", got)
	}
}

func TestEnginePluginErrorLabel(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1

	mock := httpmock.NewMockTransport()
	mock.RegisterNoResponder(skuResponder(0))

	agg := pipeline.NewAggregator(cfg)
	plain := extract.Func(func(page []byte, address string) (models.ProductRecord, error) {
		return models.ProductRecord{}, errors.New("plugin misconfigured")
	})
	engine, err := NewEngine(cfg, plain, agg, WithClientOptions(transport.WithTransport(mock)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	snapshot, err := engine.Run(context.Background(), addressList(1))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snapshot.RejectsByType["plugin_error"] != 1 || snapshot.RejectsByType["extraction"] != 0 {
		t.Fatalf("rejects = %v", snapshot.RejectsByType)
	}
}

func TestEngineRejectsEmptySKU(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://shop.test/nosku", httpmock.NewStringResponder(200, " |Nameless|4"))

	engine, agg := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(context.Background(), []string{"http://shop.test/nosku"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snapshot.RejectsByType["invalid_record"] != 1 || agg.Len() != 0 {
		t.Fatalf("rejects=%v len=%d", snapshot.RejectsByType, agg.Len())
	}
}

func TestEnginePermanentStatusRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://shop.test/gone", httpmock.NewStringResponder(404, "not here"))
	mock.RegisterResponder("GET", "http://shop.test/busy", httpmock.NewStringResponder(504, "busy"))

	engine, _ := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(context.Background(), []string{"http://shop.test/gone", "http://shop.test/busy"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if snapshot.RejectsByType["not_found"] != 1 || snapshot.RejectsByType["server_error"] != 1 {
		t.Fatalf("rejects = %v", snapshot.RejectsByType)
	}
	info := mock.GetCallCountInfo()
	if info["GET http://shop.test/gone"] != 1 || info["GET http://shop.test/busy"] != cfg.MaxAttempts {
		t.Fatalf("call counts = %v", info)
	}
}

func TestEngineCountsDuplicates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://shop.test/a", httpmock.NewStringResponder(200, "D1|Drum|1|http://shop.test/drum"))
	mock.RegisterResponder("GET", "http://shop.test/b", httpmock.NewStringResponder(200, "D1|Drum|1|http://shop.test/drum"))

	engine, _ := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(context.Background(), []string{"http://shop.test/a", "http://shop.test/b"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snapshot.Recorded != 1 || snapshot.Duplicates != 1 || snapshot.Rejected != 0 {
		t.Fatalf("recorded=%d duplicates=%d rejected=%d", snapshot.Recorded, snapshot.Duplicates, snapshot.Rejected)
	}
}

func TestEngineBatchOffsets(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 2
	cfg.StartOffset = 3
	cfg.BatchSize = 4

	mock := httpmock.NewMockTransport()
	mock.RegisterNoResponder(skuResponder(0))

	engine, _ := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(context.Background(), addressList(10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := mock.GetTotalCallCount(); got != 4 {
		t.Fatalf("calls = %d, want 4", got)
	}
	if snapshot.StartOffset != 3 || snapshot.NextOffset != 7 || snapshot.Remaining() != 3 {
		t.Fatalf("offsets start=%d next=%d remaining=%d", snapshot.StartOffset, snapshot.NextOffset, snapshot.Remaining())
	}
	if !snapshot.Completed {
		t.Fatalf("batch should be completed")
	}
	var skus []string
	for _, r := range snapshot.Records {
		skus = append(skus, r.SKU)
	}
	if strings.Join(skus, ",") != "P3,P4,P5,P6" {
		t.Fatalf("skus = %v", skus)
	}
}

func TestEngineOffsetBeyondList(t *testing.T) {
	cfg := testConfig()
	cfg.StartOffset = 20

	mock := httpmock.NewMockTransport()
	engine, _ := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(context.Background(), addressList(5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mock.GetTotalCallCount() != 0 || snapshot.NextOffset != 5 || !snapshot.Completed {
		t.Fatalf("calls=%d next=%d completed=%v", mock.GetTotalCallCount(), snapshot.NextOffset, snapshot.Completed)
	}
}

func TestEngineCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 2

	mock := httpmock.NewMockTransport()
	mock.RegisterNoResponder(skuResponder(20 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(70*time.Millisecond, cancel)

	engine, _ := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(ctx, addressList(40))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !snapshot.Canceled || snapshot.Completed {
		t.Fatalf("canceled=%v completed=%v", snapshot.Canceled, snapshot.Completed)
	}
	if snapshot.NextOffset >= 40 {
		t.Fatalf("next offset = %d", snapshot.NextOffset)
	}
	if snapshot.NextOffset > snapshot.Attempted {
		t.Fatalf("next offset %d passes attempted %d", snapshot.NextOffset, snapshot.Attempted)
	}
	if snapshot.Recorded+snapshot.Rejected != snapshot.Attempted {
		t.Fatalf("recorded %d + rejected %d != attempted %d", snapshot.Recorded, snapshot.Rejected, snapshot.Attempted)
	}
	calls := mock.GetCallCountInfo()
	for _, address := range addressList(40)[:snapshot.NextOffset] {
		if calls["GET "+address] == 0 {
			t.Fatalf("%s is below next offset %d but was never fetched", address, snapshot.NextOffset)
		}
	}
}

func TestEngineCanceledRunResumesWithoutLoss(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour
	addresses := addressList(3)

	mock := httpmock.NewMockTransport()
	mock.RegisterNoResponder(httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	engine, _ := newTestEngine(t, cfg, mock)
	snapshot, err := engine.Run(ctx, addresses)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !snapshot.Canceled || snapshot.Completed {
		t.Fatalf("canceled=%v completed=%v", snapshot.Canceled, snapshot.Completed)
	}
	if snapshot.NextOffset != 0 {
		t.Fatalf("next offset = %d, want 0", snapshot.NextOffset)
	}
	if snapshot.RejectsByType["canceled"] != 1 {
		t.Fatalf("rejects = %v, want one canceled", snapshot.RejectsByType)
	}
	if len(snapshot.FailedURLs) != 0 {
		t.Fatalf("failed urls = %v, canceled addresses are not failures", snapshot.FailedURLs)
	}

	resumed := testConfig()
	resumed.MaxConcurrency = 1
	resumed.StartOffset = snapshot.NextOffset
	retry := httpmock.NewMockTransport()
	retry.RegisterNoResponder(skuResponder(0))

	engine, _ = newTestEngine(t, resumed, retry)
	second, err := engine.Run(context.Background(), addresses)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !second.Completed || second.NextOffset != 3 {
		t.Fatalf("completed=%v next=%d", second.Completed, second.NextOffset)
	}
	if got := retry.GetCallCountInfo()["GET "+addresses[0]]; got != 1 {
		t.Fatalf("first address fetched %d times on resume, want 1", got)
	}
	if len(second.Records) != 3 || second.Records[0].SKU != "P0" {
		t.Fatalf("records = %+v", second.Records)
	}
}

func TestEngineNextOffsetCoversOnlyFetched(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 4
	addresses := addressList(20)

	for i := 0; i < 50; i++ {
		mock := httpmock.NewMockTransport()
		mock.RegisterNoResponder(skuResponder(time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Millisecond)
		engine, _ := newTestEngine(t, cfg, mock)
		snapshot, err := engine.Run(ctx, addresses)
		cancel()
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}

		calls := mock.GetCallCountInfo()
		for _, address := range addresses[:snapshot.NextOffset] {
			if calls["GET "+address] == 0 {
				t.Fatalf("run %d: %s below next offset %d was never fetched", i, address, snapshot.NextOffset)
			}
		}
		if snapshot.Completed && snapshot.NextOffset != len(addresses) {
			t.Fatalf("run %d: completed with next offset %d", i, snapshot.NextOffset)
		}
	}
}

func TestEngineNoTrailingDelay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.Delay = 100 * time.Millisecond

	mock := httpmock.NewMockTransport()
	mock.RegisterNoResponder(skuResponder(0))

	engine, _ := newTestEngine(t, cfg, mock)
	start := time.Now()
	snapshot, err := engine.Run(context.Background(), addressList(2))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snapshot.Recorded != 2 {
		t.Fatalf("recorded = %d, want 2", snapshot.Recorded)
	}
	if elapsed < 200*time.Millisecond || elapsed >= 290*time.Millisecond {
		t.Fatalf("elapsed = %v, want one delay per address and none after the last", elapsed)
	}
}

func TestEngineIdempotentRuns(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 4

	run := func() []models.ProductRecord {
		mock := httpmock.NewMockTransport()
		mock.RegisterNoResponder(skuResponder(time.Millisecond))
		engine, _ := newTestEngine(t, cfg, mock)
		snapshot, err := engine.Run(context.Background(), addressList(25))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return snapshot.Records
	}

	first, second := run(), run()
	if len(first) != 25 || !reflect.DeepEqual(first, second) {
		t.Fatalf("runs differ: %d vs %d records", len(first), len(second))
	}
}

func TestEngineRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 5
	cfg.RateLimit = 50

	mock := httpmock.NewMockTransport()
	mock.RegisterNoResponder(skuResponder(0))

	engine, _ := newTestEngine(t, cfg, mock)
	start := time.Now()
	if _, err := engine.Run(context.Background(), addressList(6)); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Burst of one, then one token every 20ms.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("elapsed %v, want at least 100ms under a 50/s limit", elapsed)
	}
}

func TestEngineReportsProgress(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.ProgressInterval = 5 * time.Millisecond

	mock := httpmock.NewMockTransport()
	mock.RegisterNoResponder(skuResponder(5 * time.Millisecond))

	var mu sync.Mutex
	var reports []Progress
	engine, _ := newTestEngine(t, cfg, mock, WithProgress(func(p Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	}))
	if _, err := engine.Run(context.Background(), addressList(8)); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) < 2 {
		t.Fatalf("reports = %d, want periodic ticks plus a final report", len(reports))
	}
	last := reports[len(reports)-1]
	if last.Processed != 8 || last.Total != 8 || last.Recorded != 8 {
		t.Fatalf("final progress = %+v", last)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncRequest("started")
	m.ObserveDuration(time.Second)
	m.IncRecords()
	m.IncReject("timeout")
	m.IncRetries()
	m.IncError("timeout")
	m.addInFlight(1)
}

// counterValue sums the counter samples of name, optionally restricted to
// samples carrying label value.
func counterValue(t *testing.T, registry *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if label != "" {
				matched := false
				for _, pair := range metric.GetLabel() {
					if pair.GetValue() == label {
						matched = true
					}
				}
				if !matched {
					continue
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
