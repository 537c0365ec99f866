package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/extract"
	"github.com/aluiziolira/stock-harvest/feeds"
	"github.com/aluiziolira/stock-harvest/sites"
)

const envPrefix = "HARVEST_"

// options is the result of command line and environment parsing.
type options struct {
	cfg            *config.Config
	profile        sites.Profile
	feed           *feeds.Feed
	signalQuantity int
	listSites      bool
}

// loadOptions builds the run configuration. Precedence, lowest first:
// defaults, the site profile or feed, HARVEST_* environment variables, flags
// that were set explicitly on the command line.
func loadOptions(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("harvester", flag.ContinueOnError)
	fs.SetOutput(stderr)

	defaults := config.DefaultConfig()
	site := fs.String("site", "", "Storefront profile to harvest ("+strings.Join(sites.Names(), ", ")+")")
	feedName := fs.String("feed", "", "Supplier stock feed to convert instead of crawling a site ("+strings.Join(feeds.Names(), ", ")+")")
	listSites := fs.Bool("list-sites", false, "Print the known storefront profiles and feeds and exit")
	sitemapURL := fs.String("sitemap", "", "Sitemap URL, overrides the profile")
	sitemapFile := fs.String("sitemap-file", "", "Local sitemap copy used when the live one is unavailable")
	output := fs.String("output", "", "Output file path")
	format := fs.String("format", defaults.OutputFormat, "Output format: csv, json, or dual")
	workers := fs.Int("workers", defaults.MaxConcurrency, "Number of concurrent workers")
	delay := fs.Duration("delay", defaults.Delay, "Pause each worker takes before the next address")
	rateLimit := fs.Float64("rate", defaults.RateLimit, "Requests per second across all workers, 0 disables")
	timeout := fs.Duration("timeout", defaults.Timeout, "Per-request timeout")
	retries := fs.Int("retries", defaults.MaxAttempts, "Maximum attempts per address")
	backoff := fs.Duration("backoff", defaults.RetryBackoff, "Initial retry backoff")
	backoffMax := fs.Duration("backoff-max", defaults.RetryBackoffMax, "Maximum retry backoff")
	delimiter := fs.String("delimiter", string(defaults.Delimiter), "CSV field delimiter (single character, \"tab\" for a tab)")
	deny := fs.String("deny", "", "Comma separated substrings; matching addresses are skipped")
	allow := fs.String("allow", "", "Comma separated substrings; only matching addresses are kept")
	progress := fs.Duration("progress", defaults.ProgressInterval, "Progress report interval, 0 disables")
	offset := fs.Int("offset", 0, "Index of the first sitemap address to process")
	batch := fs.Int("batch", 0, "Number of addresses to process, 0 for all")
	appendMode := fs.Bool("append", false, "Append rows to an existing output file")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	signalQty := fs.Int("signal-qty", extract.DefaultSignalQuantity, "Quantity recorded when a page only says \"in stock\"")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	opts := &options{cfg: config.DefaultConfig(), listSites: *listSites, signalQuantity: extract.DefaultSignalQuantity}
	if opts.listSites {
		return opts, nil
	}

	name := *site
	if !set["site"] {
		if value, ok := config.EnvString(envPrefix + "SITE"); ok {
			name = value
		}
	}
	feedChoice := *feedName
	if !set["feed"] {
		if value, ok := config.EnvString(envPrefix + "FEED"); ok {
			feedChoice = value
		}
	}
	switch {
	case name != "" && feedChoice != "":
		return nil, errors.New("choose either a site or a feed, not both")
	case feedChoice != "":
		feed, ok := feeds.Lookup(feedChoice)
		if !ok {
			return nil, fmt.Errorf("unknown feed %q (known: %s)", feedChoice, strings.Join(feeds.Names(), ", "))
		}
		opts.feed = &feed
		feed.Apply(opts.cfg)
	case name != "":
		profile, ok := sites.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown site %q (known: %s)", name, strings.Join(sites.Names(), ", "))
		}
		opts.profile = profile
		profile.Apply(opts.cfg)
	default:
		return nil, errors.New("a site or a feed is required (-site, -feed, HARVEST_SITE or HARVEST_FEED)")
	}

	if err := applyEnv(opts); err != nil {
		return nil, err
	}

	cfg := opts.cfg
	var errs []error
	for flagName := range set {
		switch flagName {
		case "sitemap":
			cfg.SitemapURL = *sitemapURL
		case "sitemap-file":
			cfg.SitemapFile = *sitemapFile
		case "output":
			cfg.OutputFile = *output
		case "format":
			cfg.OutputFormat = strings.ToLower(*format)
		case "workers":
			cfg.MaxConcurrency = *workers
		case "delay":
			cfg.Delay = *delay
		case "rate":
			cfg.RateLimit = *rateLimit
		case "timeout":
			cfg.Timeout = *timeout
		case "retries":
			cfg.MaxAttempts = *retries
		case "backoff":
			cfg.RetryBackoff = *backoff
		case "backoff-max":
			cfg.RetryBackoffMax = *backoffMax
		case "delimiter":
			r, err := parseDelimiter(*delimiter)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			cfg.Delimiter = r
		case "deny":
			cfg.Denylist = config.SplitList(*deny)
		case "allow":
			cfg.Allowlist = config.SplitList(*allow)
		case "progress":
			cfg.ProgressInterval = *progress
		case "offset":
			cfg.StartOffset = *offset
		case "batch":
			cfg.BatchSize = *batch
		case "append":
			cfg.Append = *appendMode
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		case "signal-qty":
			opts.signalQuantity = *signalQty
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return opts, nil
}

// applyEnv overrides opts with HARVEST_* variables.
func applyEnv(opts *options) error {
	cfg := opts.cfg
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if v, ok := config.EnvString(envPrefix + "SITEMAP_URL"); ok {
		cfg.SitemapURL = v
	}
	if v, ok := config.EnvString(envPrefix + "SITEMAP_FILE"); ok {
		cfg.SitemapFile = v
	}
	if v, ok := config.EnvString(envPrefix + "OUTPUT"); ok {
		cfg.OutputFile = v
	}
	if v, ok := config.EnvString(envPrefix + "FORMAT"); ok {
		cfg.OutputFormat = strings.ToLower(v)
	}
	if v, ok := config.EnvString(envPrefix + "METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := config.EnvString(envPrefix + "DELIMITER"); ok {
		r, err := parseDelimiter(v)
		collect(err)
		if err == nil {
			cfg.Delimiter = r
		}
	}
	if v, ok := config.EnvList(envPrefix + "DENY"); ok {
		cfg.Denylist = v
	}
	if v, ok := config.EnvList(envPrefix + "ALLOW"); ok {
		cfg.Allowlist = v
	}
	if v, ok := config.EnvString(envPrefix + "RATE"); ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			collect(fmt.Errorf("%sRATE: %w", envPrefix, err))
		} else {
			cfg.RateLimit = parsed
		}
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"WORKERS", &cfg.MaxConcurrency},
		{"RETRIES", &cfg.MaxAttempts},
		{"OFFSET", &cfg.StartOffset},
		{"BATCH", &cfg.BatchSize},
		{"SIGNAL_QTY", &opts.signalQuantity},
	}
	for _, item := range ints {
		v, ok, err := config.EnvInt(envPrefix + item.key)
		collect(err)
		if ok && err == nil {
			*item.target = v
		}
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"DELAY", &cfg.Delay},
		{"TIMEOUT", &cfg.Timeout},
		{"BACKOFF", &cfg.RetryBackoff},
		{"BACKOFF_MAX", &cfg.RetryBackoffMax},
		{"PROGRESS", &cfg.ProgressInterval},
	}
	for _, item := range durations {
		v, ok, err := config.EnvDuration(envPrefix + item.key)
		collect(err)
		if ok && err == nil {
			*item.target = v
		}
	}

	bools := []struct {
		key    string
		target *bool
	}{
		{"APPEND", &cfg.Append},
		{"VERBOSE", &cfg.Verbose},
	}
	for _, item := range bools {
		v, ok, err := config.EnvBool(envPrefix + item.key)
		collect(err)
		if ok && err == nil {
			*item.target = v
		}
	}

	return errors.Join(errs...)
}

func parseDelimiter(value string) (rune, error) {
	switch strings.ToLower(value) {
	case "tab", `\t`:
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(value)
	if size == 0 || size != len(value) || r == utf8.RuneError {
		return 0, fmt.Errorf("delimiter %q must be a single character", value)
	}
	return r, nil
}
