package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/feeds"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/pipeline"
	"github.com/aluiziolira/stock-harvest/scraper"
	"github.com/aluiziolira/stock-harvest/sitemap"
	"github.com/aluiziolira/stock-harvest/sites"
	"github.com/aluiziolira/stock-harvest/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := loadOptions(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "harvester: %v\n", err)
		return 2
	}
	if opts.listSites {
		for _, name := range sites.Names() {
			fmt.Fprintln(stdout, name)
		}
		for _, name := range feeds.Names() {
			fmt.Fprintf(stdout, "%s (feed)\n", name)
		}
		return 0
	}

	cfg := opts.cfg
	logger, level := newLogger(stdout, cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}
	writer, err := pipeline.NewWriter(cfg)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Unregistered before stop runs, so only a real signal logs.
	stopNotice := context.AfterFunc(ctx, func() {
		slog.Info("shutdown signal received, finishing in-flight addresses")
	})
	defer stopNotice()

	metrics := scraper.NewMetrics()
	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	if opts.feed != nil {
		return runFeed(ctx, stdout, cfg, *opts.feed, writer, transport.WithObserver(metrics))
	}

	slog.Info("starting harvest",
		slog.String("site", cfg.Site),
		slog.String("sitemap", cfg.SitemapURL),
		slog.Int("workers", cfg.MaxConcurrency),
		slog.String("output", writer.Path()),
	)

	addresses, err := sitemap.NewResolver(cfg).Resolve(ctx)
	if err != nil {
		slog.Error("sitemap unavailable, no output written", slog.Any("error", err))
		return 1
	}

	agg := pipeline.NewAggregator(cfg)
	engine, err := scraper.NewEngine(cfg, opts.profile.New(opts.signalQuantity), agg, scraper.WithMetrics(metrics))
	if err != nil {
		slog.Error("initialising engine", slog.Any("error", err))
		return 1
	}

	snapshot, err := engine.Run(ctx, addresses)
	if err != nil {
		slog.Error("harvest failed", slog.Any("error", err))
		return 1
	}

	if err := agg.FlushTo(writer); err != nil {
		slog.Error("writing output failed", slog.Any("error", err))
		return 1
	}

	printSummary(stdout, snapshot, writer.Path(), agg.GetMetrics())
	if snapshot.Canceled {
		slog.Info("run interrupted", slog.Int("resume_offset", snapshot.NextOffset))
	}
	return 0
}

// runFeed converts one supplier feed into the output file.
func runFeed(ctx context.Context, stdout io.Writer, cfg *config.Config, feed feeds.Feed, writer pipeline.SnapshotWriter, clientOpts ...transport.Option) int {
	slog.Info("starting feed import",
		slog.String("feed", feed.Name),
		slog.String("url", cfg.SitemapURL),
		slog.String("output", writer.Path()),
	)

	agg := pipeline.NewAggregator(cfg)
	snapshot, err := feeds.Harvest(ctx, cfg, feed, agg, clientOpts...)
	if err != nil {
		slog.Error("feed import failed, no output written", slog.Any("error", err))
		return 1
	}
	if err := agg.FlushTo(writer); err != nil {
		slog.Error("writing output failed", slog.Any("error", err))
		return 1
	}
	printSummary(stdout, snapshot, writer.Path(), agg.GetMetrics())
	return 0
}

func printSummary(w io.Writer, snapshot *models.RunSnapshot, outputFile string, metrics map[string]interface{}) {
	separator := strings.Repeat("-", 50)
	duration := snapshot.EndTime.Sub(snapshot.StartTime)
	perSec := 0.0
	if duration.Seconds() > 0 {
		perSec = float64(snapshot.Attempted) / duration.Seconds()
	}

	fmt.Fprintln(w, "\n"+separator)
	if snapshot.Canceled {
		fmt.Fprintln(w, "Harvest interrupted")
	} else {
		fmt.Fprintln(w, "Harvest complete")
	}
	fmt.Fprintf(w, "  Run:           %s (%s)\n", snapshot.RunID, snapshot.Site)
	fmt.Fprintf(w, "  Addresses:     %d of %d\n", snapshot.Attempted, snapshot.TotalAddresses)
	fmt.Fprintf(w, "  Recorded:      %d\n", snapshot.Recorded)
	fmt.Fprintf(w, "  Rejected:      %d\n", snapshot.Rejected)
	fmt.Fprintf(w, "  Duplicates:    %d\n", snapshot.Duplicates)
	fmt.Fprintf(w, "  Retries:       %d\n", snapshot.RetryCount)
	if len(snapshot.RejectsByType) > 0 {
		fmt.Fprintf(w, "  Reject types:  %v\n", snapshot.RejectsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Fprintf(w, "  Validation:    %v\n", valErrors)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Pages/sec:     %.2f\n", perSec)
	fmt.Fprintf(w, "  Next offset:   %d\n", snapshot.NextOffset)
	if remaining := snapshot.Remaining(); remaining > 0 {
		fmt.Fprintf(w, "  Remaining:     %d (rerun with -offset %d -append)\n", remaining, snapshot.NextOffset)
	}
	fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	fmt.Fprintln(w, separator)
}

func newLogger(w io.Writer, verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

