package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/app"
	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/orchestrator"
)

// newRunCmd creates the 'run' subcommand, which processes and publishes subsets.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Filter every pending subset and publish it to the result dataset",
		Long: `Builds (or loads) the shard catalog, then for each subset: skips it when the
result dataset already has it, fills the shard cache, publishes the aggregate and
evicts the cache. A failed subset keeps its cache and the run moves on; SIGINT or
SIGTERM stops the run after the current shard and exits with status 130.`,
		RunE: withApp(runRunCommand),
	}
	flags := cmd.Flags()
	flags.String("result", "", "result dataset identity (overrides result.identity)")
	flags.String("visibility", "", "visibility of created result datasets: public or private")
	flags.Int("subset-limit", 0, "process at most this many subsets (0 = all)")
	flags.Bool("reverse", false, "process subsets in reverse catalog order")
	flags.Int("concurrency", 0, "shards processed in parallel within a subset")
	flags.StringSlice("subset", nil, "only process the named subsets (repeatable)")
	flags.Bool("keep-cache", false, "keep cache entries of published subsets instead of evicting them")
	flags.Bool("dry-run", false, "publish to an in-memory registry and keep the cache (implies --keep-cache)")
	flags.String("metrics-addr", "", "serve /metrics and run status on this address while running")
	return cmd
}

func runRunCommand(cmd *cobra.Command, a *app.App, _ []string) error {
	cfg := a.Config()
	if err := cfg.ValidateRun(); err != nil {
		return err
	}
	logger := a.Logger()

	o, err := a.Orchestrator()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if cfg.Metrics.Addr != "" {
		serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.Status().Serve(serveCtx, cfg.Metrics.Addr); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	started := time.Now()
	report, err := o.Run(ctx)
	printReport(cmd.OutOrStdout(), report, time.Since(started))
	return err
}

// printReport writes the run summary, listing failed subsets by name and reason.
func printReport(w io.Writer, report orchestrator.Report, elapsed time.Duration) {
	_, _ = fmt.Fprintf(w, "run %s finished in %s: %d cleaned, %d published, %d skipped, %d failed, %d aborted\n",
		report.RunID,
		elapsed.Round(time.Millisecond),
		report.Count(extract.StateCleaned),
		report.Count(extract.StatePublished),
		report.Count(extract.StateSkipped),
		report.Count(extract.StateFailed),
		report.Count(extract.StateAborted),
	)
	for _, s := range report.Failed() {
		_, _ = fmt.Fprintf(w, "  FAILED %s: %v\n", s.Name, s.Err)
	}
}
