package cli

import (
	"time"

	"github.com/spf13/cobra"
)

const (
	TargetRelational = "relational"
	TargetGraph      = "graph"
	TargetAll        = "all"
)

type SyncOptions struct {
	Sections           []string
	Partitions         []string
	Reset              bool
	BatchSize          int
	PageSize           int
	Target             string
	DryRun             bool
	FetchRegistrations bool
	Watch              bool
	Interval           time.Duration
	MinDelay           time.Duration
	MetricsAddr        string
}

func NewSyncCmd() *cobra.Command {
	opts := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass (or keep running with --watch)",
		Long: `Fetch every requested section of every requested partition and apply it to
the configured targets. Each section resumes from its checkpoint; --reset
replays from the origin. The command exits non-zero when a required section
failed in any partition.`,
		RunE: func(c *cobra.Command, args []string) error {
			return runSync(c, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&opts.Sections, "sections", "s", nil, "Sections to sync (default: all)")
	f.StringSliceVarP(&opts.Partitions, "partitions", "p", nil, "Partitions to sync (default: all configured)")
	f.BoolVar(&opts.Reset, "reset", false, "Clear checkpoints and replay from the origin")
	f.IntVarP(&opts.BatchSize, "batch-size", "b", 200, "Write ops per batch; overrides SYNC_BATCH_SIZE")
	f.IntVar(&opts.PageSize, "page-size", 500, "Upstream page size; overrides SYNC_PAGE_SIZE")
	f.StringVarP(&opts.Target, "target", "t", TargetAll, "Target stores: relational, graph or all")
	f.BoolVar(&opts.DryRun, "dry-run", false, "Fetch and transform into memory without touching any store")
	f.BoolVar(&opts.FetchRegistrations, "fetch-registrations", false, "Fetch agent registration files from their URIs")
	f.BoolVarP(&opts.Watch, "watch", "w", false, "Keep running passes until interrupted")
	f.DurationVar(&opts.Interval, "interval", time.Minute, "Watch: time between pass starts; overrides SYNC_WATCH_INTERVAL")
	f.DurationVar(&opts.MinDelay, "min-delay", 10*time.Second, "Watch: minimum pause between passes; overrides SYNC_WATCH_MIN_DELAY")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address (e.g. :9464)")

	return cmd
}

func NewStatusCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the stored checkpoints",
		RunE: func(c *cobra.Command, args []string) error {
			return runStatus(c, target)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", TargetAll, "Target stores: relational, graph or all")
	return cmd
}

func NewResetCmd() *cobra.Command {
	var (
		partitions []string
		sections   []string
		target     string
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear checkpoints and graph contexts of partitions",
		RunE: func(c *cobra.Command, args []string) error {
			return runReset(c, partitions, sections, target)
		},
	}
	cmd.Flags().StringSliceVarP(&partitions, "partitions", "p", nil, "Partitions to reset (required)")
	cmd.Flags().StringSliceVarP(&sections, "sections", "s", nil, "Graph contexts to clear (default: all sections)")
	cmd.Flags().StringVarP(&target, "target", "t", TargetAll, "Target stores: relational, graph or all")
	_ = cmd.MarkFlagRequired("partitions")
	return cmd
}
