package config

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"
)

// Config holds the settings for one harvest run. It is built once before the
// run starts and treated as read-only afterwards.
type Config struct {
	Site             string
	SitemapURL       string
	SitemapFile      string // local copy used when the live sitemap is unavailable
	OutputFile       string
	OutputFormat     string // csv, json, or dual
	MaxConcurrency   int
	Delay            time.Duration
	RateLimit        float64 // requests per second shared by all workers, 0 disables
	Timeout          time.Duration
	SitemapTimeout   time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	RetryStatuses    []int
	Delimiter        rune
	Denylist         []string
	Allowlist        []string
	ProgressInterval time.Duration
	StartOffset      int
	BatchSize        int // 0 processes everything from StartOffset on
	Append           bool
	DedupeMaxSize    int
	UserAgent        string
	MetricsAddr      string
	Verbose          bool
}

// DefaultConfig returns conservative defaults suited to small storefronts.
func DefaultConfig() *Config {
	return &Config{
		OutputFormat:     "csv",
		MaxConcurrency:   10,
		Delay:            0,
		RateLimit:        0,
		Timeout:          15 * time.Second,
		SitemapTimeout:   30 * time.Second,
		MaxAttempts:      3,
		RetryBackoff:     time.Second,
		RetryBackoffMax:  30 * time.Second,
		RetryStatuses:    DefaultRetryStatuses(),
		Delimiter:        ';',
		ProgressInterval: 10 * time.Second,
		DedupeMaxSize:    200000,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
}

// DefaultRetryStatuses lists the HTTP statuses treated as transient.
func DefaultRetryStatuses() []int {
	return []int{
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.SitemapURL == "" && c.SitemapFile == "" {
		return fmt.Errorf("sitemap URL or sitemap file is required")
	}
	if c.SitemapURL != "" {
		parsedURL, err := url.Parse(c.SitemapURL)
		if err != nil {
			return fmt.Errorf("invalid sitemap URL: %w", err)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("sitemap URL must include a host")
		}
	}

	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.SitemapTimeout <= 0 {
		return fmt.Errorf("sitemap timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	for _, status := range c.RetryStatuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("retry status %d is not an HTTP status", status)
		}
	}
	if c.Delimiter == 0 || c.Delimiter == '"' || c.Delimiter == '\r' || c.Delimiter == '\n' || c.Delimiter == utf8.RuneError {
		return fmt.Errorf("delimiter %q cannot be used", c.Delimiter)
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("progress interval cannot be negative")
	}
	if c.StartOffset < 0 {
		return fmt.Errorf("start offset cannot be negative")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// IsRetryStatus reports whether status belongs to the transient set.
func (c *Config) IsRetryStatus(status int) bool {
	for _, s := range c.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}
