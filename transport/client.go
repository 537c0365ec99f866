// Package transport fetches single pages with bounded retries. Each worker
// owns one Client, so a Client is never shared between goroutines.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"
)

const responseKey = "response"

// Kind classifies the final result of a fetch.
type Kind int

const (
	Success Kind = iota
	TransientFailure
	PermanentFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the result of fetching one address, after all attempts.
type Outcome struct {
	Address     string
	Kind        Kind
	StatusCode  int
	Body        []byte // valid UTF-8 on success unless WithRawBody is set
	ContentType string
	Attempts    int
	Err         error
}

// Observer receives per-attempt measurements. *scraper.Metrics satisfies it.
type Observer interface {
	IncRequest(phase string)
	ObserveDuration(d time.Duration)
	IncRetries()
	IncError(errorType string)
}

type nopObserver struct{}

func (nopObserver) IncRequest(string)             {}
func (nopObserver) ObserveDuration(time.Duration) {}
func (nopObserver) IncRetries()                   {}
func (nopObserver) IncError(string)               {}

// Option customises a Client.
type Option func(*Client)

// WithTransport replaces the HTTP round tripper, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.collector.WithTransport(rt)
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithTimeout overrides the per-request timeout taken from the config.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.collector.SetRequestTimeout(d)
		}
	}
}

// WithMaxBodySize overrides the response size limit. Zero means unlimited.
func WithMaxBodySize(n int) Option {
	return func(c *Client) {
		c.collector.MaxBodySize = n
	}
}

// WithRawBody skips character decoding, for payloads such as gzip archives
// or XML documents that carry their own encoding declaration.
func WithRawBody() Option {
	return func(c *Client) {
		c.raw = true
	}
}

// Client wraps a synchronous colly collector with the retry policy from the
// config.
type Client struct {
	cfg       *config.Config
	collector *colly.Collector
	observer  Observer
	header    http.Header
	raw       bool
}

// NewClient builds a client configured from cfg.
func NewClient(cfg *config.Config, opts ...Option) *Client {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	header := http.Header{}
	header.Set("User-Agent", cfg.UserAgent)
	header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	header.Set("Accept-Language", "sk,cs;q=0.9,en;q=0.8")

	c := &Client{
		cfg:       cfg,
		collector: collector,
		observer:  nopObserver{},
		header:    header,
	}
	for _, opt := range opts {
		opt(c)
	}

	collector.OnResponseHeaders(func(r *colly.Response) {
		dropUnknownCharset(r.Headers)
	})
	collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(responseKey, r)
	})
	return c
}

// Fetch retrieves address, retrying transient failures with exponential
// backoff. It never returns a nil Err unless Kind is Success.
func (c *Client) Fetch(ctx context.Context, address string) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	out := Outcome{Address: address}
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Kind = TransientFailure
			out.Err = fmt.Errorf("fetch %s: %w", address, err)
			return out
		}

		out.Attempts = attempt
		start := time.Now()
		c.observer.IncRequest("started")
		resp, err := c.do(address)
		c.observer.ObserveDuration(time.Since(start))

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		out.StatusCode = status

		classified := classifyError(err, status, c.cfg.IsRetryStatus)
		if classified == nil {
			c.observer.IncRequest("succeeded")
			out.Kind = Success
			out.Err = nil
			out.ContentType = resp.Headers.Get("Content-Type")
			out.Body = resp.Body
			if !c.raw {
				out.Body = decodeBody(resp.Body, out.ContentType)
			}
			return out
		}

		category := Label(classified)
		c.observer.IncError(category)
		out.Err = classified

		if !IsTransient(classified) {
			c.observer.IncRequest("failed")
			out.Kind = PermanentFailure
			return out
		}
		out.Kind = TransientFailure
		if attempt >= maxAttempts {
			c.observer.IncRequest("failed")
			return out
		}

		delay := c.backoff(attempt)
		slog.Debug("retrying request",
			slog.String("url", address),
			slog.String("category", category),
			slog.Int("attempt", attempt),
			slog.String("delay", delay.String()),
		)
		c.observer.IncRetries()
		if err := wait(ctx, delay); err != nil {
			out.Err = fmt.Errorf("retry %s after %s: %w", address, category, err)
			return out
		}
	}
}

func (c *Client) do(address string) (*colly.Response, error) {
	ctx := colly.NewContext()
	if err := c.collector.Request(http.MethodGet, address, nil, ctx, c.header.Clone()); err != nil {
		return nil, err
	}
	resp, ok := ctx.GetAny(responseKey).(*colly.Response)
	if !ok {
		return nil, errors.New("no response received")
	}
	return resp, nil
}

// backoff returns RetryBackoff * 2^(attempt-1), capped by RetryBackoffMax.
func (c *Client) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := c.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}
	delay := base * time.Duration(1<<(attempt-1))
	if max := c.cfg.RetryBackoffMax; max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	return delay
}

func wait(ctx context.Context, d time.Duration) error {
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

// dropUnknownCharset removes a charset parameter that no decoder understands,
// so a bogus label leaves the body to sniffing instead of failing the fetch.
func dropUnknownCharset(h *http.Header) {
	if h == nil {
		return
	}
	contentType := h.Get("Content-Type")
	if contentType == "" {
		return
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		if i := strings.Index(contentType, ";"); i >= 0 {
			h.Set("Content-Type", strings.TrimSpace(contentType[:i]))
		}
		return
	}
	label, ok := params["charset"]
	if !ok {
		return
	}
	if enc, _ := charset.Lookup(label); enc != nil {
		return
	}
	h.Set("Content-Type", mediaType)
}
