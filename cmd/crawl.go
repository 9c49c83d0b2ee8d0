// Package cmd defines the harvester CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/api"
	"github.com/JakeFAU/codepaper-harvester/internal/clock/system"
	"github.com/JakeFAU/codepaper-harvester/internal/config"
	"github.com/JakeFAU/codepaper-harvester/internal/download"
	collyfetcher "github.com/JakeFAU/codepaper-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/codepaper-harvester/internal/id/uuid"
	"github.com/JakeFAU/codepaper-harvester/internal/listing"
	"github.com/JakeFAU/codepaper-harvester/internal/metrics"
	"github.com/JakeFAU/codepaper-harvester/internal/parser"
	"github.com/JakeFAU/codepaper-harvester/internal/pipeline"
	"github.com/JakeFAU/codepaper-harvester/internal/progress"
	"github.com/JakeFAU/codepaper-harvester/internal/progress/sinks"
	"github.com/JakeFAU/codepaper-harvester/internal/robots"
	"github.com/JakeFAU/codepaper-harvester/internal/screening"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
	"github.com/JakeFAU/codepaper-harvester/internal/store"
)

const hubCloseTimeout = 10 * time.Second

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Walks the journal listings and harvests qualifying articles",
		Long: `Walks each journal listing newest first, screens every article in the year
range, and downloads the artifacts of the ones that pass. Interrupting the
command finishes the article in flight and still writes summary.csv.`,
		RunE: runCrawlCommand,
	}

	f := cmd.Flags()
	f.Int("n", 10, "screened-in articles to collect per journal")
	f.Int("start-year", 2023, "first publication year (inclusive)")
	f.Int("end-year", 2026, "last publication year (inclusive)")
	f.Float64("delay", 1.0, "seconds between requests to the same host")
	f.Float64("timeout", 30, "seconds a request may stall before it fails")
	f.Float64("request-deadline", 600, "seconds one request attempt may take in total (0 disables)")
	f.Int("retries", 3, "attempts per request")
	f.Int("max-pages", 400, "listing pages to walk per journal")
	f.Bool("dry-run", false, "screen and record articles without downloading")
	f.Bool("resume", true, "skip harvested articles and cached rejections")
	f.Int("download-concurrency", 4, "resources of one article fetched at once")
	f.String("user-agent", config.DefaultUserAgent, "User-Agent sent with every request")
	f.String("journals", "", "YAML journal registry merged over the built-in journals")
	f.String("metrics-addr", "", "serve /metrics, /healthz, and /api on this address")
	bindFlags(v, f, map[string]string{
		"n":                    "crawl.n",
		"start-year":           "crawl.start_year",
		"end-year":             "crawl.end_year",
		"max-pages":            "crawl.max_pages",
		"dry-run":              "crawl.dry_run",
		"resume":               "crawl.resume",
		"download-concurrency": "crawl.download_concurrency",
		"delay":                "http.delay_seconds",
		"timeout":              "http.timeout_seconds",
		"request-deadline":     "http.deadline_seconds",
		"retries":              "http.retries",
		"user-agent":           "http.user_agent",
		"journals":             "journals_file",
		"metrics-addr":         "metrics.addr",
	})
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg, logger := rt.Config, rt.Logger

	runID, err := uuid.NewRunID()
	if err != nil {
		return err
	}
	logger = logger.With(zap.Stringer("run_id", runID))

	blobs, err := local.New(local.Config{BaseDir: cfg.Output.Dir})
	if err != nil {
		return fmt.Errorf("open output dir: %w", err)
	}

	metrics.Init()
	if cfg.Metrics.Addr != "" {
		serveCtx, stopServe := context.WithCancel(ctx)
		defer stopServe()
		router := metrics.NewRouter(api.NewHandler(blobs, store.New(blobs, logger), logger).Routes)
		go func() {
			if err := metrics.Serve(serveCtx, cfg.Metrics.Addr, router, logger); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	hub, err := buildHub(blobs, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hubCloseTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	pl, err := buildPipeline(cfg, runID, blobs, hub, logger)
	if err != nil {
		return err
	}

	out, err := pl.Run(ctx)
	printRunSummary(cmd.OutOrStdout(), out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run harvest: %w", err)
	}
	return nil
}

func buildHub(blobs *local.BlobStore, logger *zap.Logger) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	return progress.NewHub(
		progress.Config{Logger: logger},
		sinks.NewLogSink(logger),
		promSink,
		sinks.NewLedgerSink(blobs, logger),
	), nil
}

func buildPipeline(
	cfg config.Config,
	runID uuid.RunID,
	blobs *local.BlobStore,
	hub *progress.Hub,
	logger *zap.Logger,
) (*pipeline.Pipeline, error) {
	clock := system.New()
	gate := robots.New(robots.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Delay:     cfg.HTTP.Delay(),
		Timeout:   cfg.HTTP.Timeout(),
		Deadline:  cfg.HTTP.Deadline(),
		Retries:   cfg.HTTP.Retries,
	}, nil, clock, clock, logger)

	pages := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTP.Timeout(),
		MaxBodySize: cfg.HTTP.MaxPageBytes,
	}, gate.Transport(), logger)
	p := parser.New(cfg.Crawl.ESMHosts)

	deps := pipeline.Deps{
		Pages:     pages,
		Paginator: listing.New(listing.Config{MaxPages: cfg.Crawl.MaxPages}, pages, p, logger),
		Parser:    p,
		Screener: screening.New(screening.Config{
			StartYear: cfg.Crawl.StartYear,
			EndYear:   cfg.Crawl.EndYear,
		}, gate, logger),
		Downloads: download.New(download.Config{
			Concurrency: cfg.Crawl.DownloadConcurrency,
			Resume:      cfg.Crawl.Resume,
			RunID:       runID.Bytes(),
		}, gate, blobs, hub, logger),
		Store:    store.New(blobs, logger),
		Blobs:    blobs,
		Progress: hub,
		Clock:    clock,
	}
	return pipeline.New(pipeline.Config{
		RunID:     runID.String(),
		Journals:  cfg.Journals,
		N:         cfg.Crawl.N,
		StartYear: cfg.Crawl.StartYear,
		EndYear:   cfg.Crawl.EndYear,
		DryRun:    cfg.Crawl.DryRun,
		Resume:    cfg.Crawl.Resume,
	}, deps, logger)
}

func printRunSummary(w io.Writer, out pipeline.RunSummary) {
	_, _ = fmt.Fprintf(w, "run %s\n", out.RunID)
	for _, j := range out.Journals {
		_, _ = fmt.Fprintf(w, "  %-14s screened_in=%d existing=%d rejected=%d skipped=%d failed=%d pages=%d",
			j.Slug, j.ScreenedIn, j.Existing, j.Rejected, j.Skipped, j.Failed, j.Pages)
		if j.Truncated {
			_, _ = fmt.Fprint(w, " (page cap reached)")
		}
		if j.Stopped {
			_, _ = fmt.Fprint(w, " (stopped)")
		}
		if j.Error != "" {
			_, _ = fmt.Fprintf(w, " error=%q", j.Error)
		}
		_, _ = fmt.Fprintln(w)
	}
	if len(out.Manual) > 0 {
		_, _ = fmt.Fprintln(w, "manual supplementation required:")
		for _, m := range out.Manual {
			_, _ = fmt.Fprintf(w, "  %s %s %s (%s)\n", m.DOI, m.Item.Kind, m.Item.URL, m.Item.Reason)
		}
	}
	_, _ = fmt.Fprintf(w, "summary.csv rows: %d\n", out.SummaryRows)
}
