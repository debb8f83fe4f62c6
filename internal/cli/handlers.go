package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/BartekS5/indexsync/internal/config"
	"github.com/BartekS5/indexsync/internal/etl"
	"github.com/BartekS5/indexsync/internal/telemetry"
	"github.com/BartekS5/indexsync/internal/upstream"
	"github.com/BartekS5/indexsync/pkg/logger"
)

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg, opts)

	partitions, err := selectPartitions(cfg, opts.Partitions)
	if err != nil {
		return err
	}

	var registrations *etl.RegistrationFetcher
	if cfg.FetchRegistrations {
		registrations = etl.NewRegistrationFetcher(cfg.IPFSGateway, cfg.RequestTimeout, cfg.CacheTTL, nil)
	}
	sections, err := etl.SelectSections(etl.Sections(etl.TransformOptions{Registrations: registrations}), opts.Sections)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var targets []target
	if opts.DryRun {
		targets = []target{dryRunTarget()}
	} else {
		targets, err = openTargets(ctx, cfg, opts.Target)
		if err != nil {
			return err
		}
	}
	defer closeTargets(context.Background(), targets)

	log := logger.L()
	health := telemetry.NewHealth()
	var metrics *telemetry.SyncMetrics
	if opts.MetricsAddr != "" {
		provider, err := telemetry.NewPrometheusProvider()
		if err != nil {
			return err
		}
		defer func() { _ = provider.Shutdown(context.Background()) }()
		otel.SetMeterProvider(provider.MeterProvider())
		if metrics, err = telemetry.NewSyncMetrics(provider.MeterProvider()); err != nil {
			return err
		}
		go func() {
			if err := telemetry.Serve(ctx, opts.MetricsAddr, telemetry.NewRouter(provider, health), log); err != nil {
				log.Errorw("metrics server stopped", "error", err)
			}
		}()
	}

	var pipelines []*etl.Pipeline
	for _, t := range targets {
		for _, p := range partitions {
			client := upstream.NewClient(p.Endpoint,
				upstream.WithToken(p.Token),
				upstream.WithTimeout(cfg.RequestTimeout))
			pipelines = append(pipelines, etl.NewPipeline(etl.Deps{
				Partition:   p.Name,
				Target:      t.name,
				Querier:     client,
				Sink:        t.sink,
				Checkpoints: t.checkpoints,
				Sections:    sections,
				Logger:      log.With("component", "pipeline"),
				Metrics:     metrics,
			}, etl.Options{
				PageSize:    cfg.PageSize,
				BatchSize:   cfg.BatchSize,
				ReadPolicy:  etl.DefaultReadPolicy(cfg.MaxRetries),
				IsTransient: t.isTransient,
			}))
		}
	}

	reset := opts.Reset
	pass := func(ctx context.Context) error {
		summaries := runPass(ctx, pipelines, reset)
		reset = false
		for _, s := range summaries {
			health.Observe(s.Target, s.Partition, s.Err())
		}
		printSummaries(cmd.OutOrStdout(), summaries)
		return failedPasses(summaries)
	}

	if !opts.Watch {
		return pass(ctx)
	}
	logger.Infof("Watching %d partition(s) across %d target(s); interval %s, min delay %s",
		len(partitions), len(targets), cfg.WatchInterval, cfg.WatchMinDelay)
	return etl.Watch(ctx, cfg.WatchInterval, cfg.WatchMinDelay, log.With("component", "watch"), pass)
}

// applyFlagOverrides lets explicitly set flags win over the environment.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config, opts *SyncOptions) {
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		cfg.BatchSize = opts.BatchSize
	}
	if flags.Changed("page-size") {
		cfg.PageSize = opts.PageSize
	}
	if flags.Changed("fetch-registrations") {
		cfg.FetchRegistrations = opts.FetchRegistrations
	}
	if flags.Changed("interval") {
		cfg.WatchInterval = opts.Interval
	}
	if flags.Changed("min-delay") {
		cfg.WatchMinDelay = opts.MinDelay
	}
}

func selectPartitions(cfg *config.Config, names []string) ([]config.Partition, error) {
	if len(names) == 0 {
		return cfg.Partitions, nil
	}
	out := make([]config.Partition, 0, len(names))
	for _, n := range names {
		p, ok := cfg.Partition(n)
		if !ok {
			return nil, fmt.Errorf("unknown partition %q", n)
		}
		out = append(out, p)
	}
	return out, nil
}

// runPass runs every pipeline concurrently. Failures are reported through
// the summaries, so one partition never cancels another.
func runPass(ctx context.Context, pipelines []*etl.Pipeline, reset bool) []etl.PassSummary {
	var (
		mu        sync.Mutex
		summaries = make([]etl.PassSummary, len(pipelines))
		g         errgroup.Group
	)
	for i, p := range pipelines {
		g.Go(func() error {
			s := p.Run(ctx, reset)
			mu.Lock()
			summaries[i] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summaries
}

func failedPasses(summaries []etl.PassSummary) error {
	var errs []error
	for _, s := range summaries {
		if err := s.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s -> %s: %w", s.Partition, s.Target, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d partition passes failed: %w", len(errs), len(summaries), errors.Join(errs...))
}

func printSummaries(w io.Writer, summaries []etl.PassSummary) {
	table := tablewriter.NewWriter(w)
	table.Header("Partition", "Target", "Section", "Fetched", "Written", "Skipped", "Errored", "Checkpoint", "Duration", "Status")
	for _, s := range summaries {
		for _, r := range s.Sections {
			_ = table.Append([]string{
				s.Partition, s.Target, r.Section,
				fmt.Sprint(r.Fetched), fmt.Sprint(r.Written), fmt.Sprint(r.Skipped), fmt.Sprint(r.Errored),
				r.Checkpoint.String(), r.Duration.Round(time.Millisecond).String(), sectionStatus(r),
			})
		}
	}
	if err := table.Render(); err != nil {
		logger.Warnf("rendering summary: %v", err)
	}
}

func sectionStatus(r etl.SectionResult) string {
	switch {
	case r.StopReason == "not_run":
		return "not run"
	case r.Err != nil && r.Optional:
		return "skipped: " + r.Err.Error()
	case r.Err != nil:
		return "failed: " + r.Err.Error()
	case r.Partial:
		return "ok (partial)"
	default:
		return "ok"
	}
}

func runStatus(cmd *cobra.Command, which string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	targets, err := openTargets(ctx, cfg, which)
	if err != nil {
		return err
	}
	defer closeTargets(context.Background(), targets)

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Target", "Partition", "Section", "Cursor", "Updated")
	for _, t := range targets {
		cps, err := t.checkpoints.List(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		for _, cp := range cps {
			updated := ""
			if !cp.UpdatedAt.IsZero() {
				updated = cp.UpdatedAt.Format(time.RFC3339)
			}
			_ = table.Append([]string{t.name, cp.Partition, cp.Section, cp.Cursor.String(), updated})
		}
	}
	return table.Render()
}

func runReset(cmd *cobra.Command, partitions, sections []string, which string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if _, err := selectPartitions(cfg, partitions); err != nil {
		return err
	}
	if len(sections) == 0 {
		sections = etl.SectionNames()
	} else if _, err := etl.SelectSections(etl.Sections(etl.TransformOptions{}), sections); err != nil {
		return err
	}

	ctx := cmd.Context()
	targets, err := openTargets(ctx, cfg, which)
	if err != nil {
		return err
	}
	defer closeTargets(context.Background(), targets)

	for _, t := range targets {
		for _, p := range partitions {
			if err := t.checkpoints.Reset(ctx, p); err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			if r, ok := t.sink.(etl.Resetter); ok {
				if err := r.Reset(ctx, p, sections); err != nil {
					return fmt.Errorf("%s: %w", t.name, err)
				}
			}
			logger.Infof("Reset %s on %s", p, t.name)
		}
	}
	return nil
}
