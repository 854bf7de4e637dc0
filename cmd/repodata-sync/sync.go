package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/batcher"
	"github.com/regro/repodata-tools/internal/budget"
	"github.com/regro/repodata-tools/internal/builder"
	"github.com/regro/repodata-tools/internal/partition"
	"github.com/regro/repodata-tools/internal/reconcile"
	"github.com/regro/repodata-tools/internal/ui"
)

// errBuildFailures fails the command after an otherwise complete run.
var errBuildFailures = errors.New("some packages failed to build")

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile this rank's subdirs against the upstream index",
	Long: `Reconcile the shard tree with the upstream channel.

For every label, busiest first, and every subdir owned by this rank:
  1. Legacy shard copies are moved to the current layout
  2. Existing shards gain the label (and a canonical URL for main)
  3. Missing shards are built from the downloaded artifact
  4. Changes are committed per chunk and pushed with rebase

The run stops cleanly at a chunk boundary once the time limit is reached;
the next run picks up where it left off.

Example usage:
  repodata-sync sync --rank 0 --n-ranks 3 --time-limit 3000`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Int("rank", 0, "This process's rank")
	syncCmd.Flags().Int("n-ranks", 1, "Number of cooperating ranks")
	syncCmd.Flags().Int("time-limit", int(budget.DefaultLimit.Seconds()), "Time budget in seconds")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.sync()

	if err := a.cfg.RequireBinstarToken(); err != nil {
		return err
	}

	// the budget covers the whole run, including the initial read
	governor := budget.New(clockwork.NewRealClock(), a.cfg.TimeLimit())
	ctx := cmd.Context()

	st, repo, err := a.openStore()
	if err != nil {
		return err
	}
	set, err := a.loadShards(st)
	if err != nil {
		return err
	}

	client, err := a.upstreamClient()
	if err != nil {
		return err
	}
	labels, err := client.Labels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list labels: %w", err)
	}
	a.logger.Info("labels", zap.Int("count", len(labels)))

	pool := builder.NewPool(
		builder.NewHTTPBuilder(client, a.logger.Named("builder")),
		client.PackageURL,
		builder.WithLogger(a.logger.Named("pool")),
	)
	b := batcher.New(st, repo, batcher.WithLogger(a.logger.Named("batcher")))

	engine, err := reconcile.New(
		reconcile.Config{Rank: a.cfg.Rank, NRanks: a.cfg.NRanks},
		reconcile.Deps{
			Store:    st,
			Index:    client,
			Channel:  client.Channel,
			Pool:     pool,
			Batcher:  b,
			Governor: governor,
		},
		reconcile.WithLogger(a.logger.Named("reconcile")),
	)
	if err != nil {
		return err
	}

	report, runErr := engine.Run(ctx, set, labels)
	fmt.Fprint(cmd.OutOrStdout(), renderSyncReport(report, a.cfg.Rank, a.cfg.NRanks, governor))
	if runErr != nil {
		return runErr
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%w: %d", errBuildFailures, len(report.Failures))
	}
	return nil
}

func renderSyncReport(r *reconcile.Report, rank, n int, g *budget.Governor) string {
	outcome := ui.RenderPass(r.Outcome.String())
	if r.Outcome == reconcile.BudgetExceeded {
		outcome = ui.RenderWarn(r.Outcome.String())
	}
	failures := strconv.Itoa(len(r.Failures))
	if len(r.Failures) > 0 {
		failures = ui.RenderFail(failures)
	}
	deferred := strconv.Itoa(r.DeferredPushes)
	if r.DeferredPushes > 0 {
		deferred = ui.RenderWarn(deferred)
	}

	out := ui.TitleStyle.Render(fmt.Sprintf("sync rank %d of %d", rank, n)) + "\n" + ui.KV(
		[2]string{"outcome", outcome},
		[2]string{"elapsed", formatDuration(g.Elapsed())},
		[2]string{"subdirs", fmt.Sprintf("%v", partition.OwnedSubdirs(rank, n))},
		[2]string{"labels", strconv.Itoa(r.Labels)},
		[2]string{"chunks", strconv.Itoa(r.Chunks)},
		[2]string{"built", strconv.Itoa(r.Built)},
		[2]string{"patched", strconv.Itoa(r.Patched)},
		[2]string{"migrated", strconv.Itoa(r.Migrated)},
		[2]string{"removed", strconv.Itoa(r.Removed)},
		[2]string{"commits", strconv.Itoa(r.Commits)},
		[2]string{"deferred pushes", deferred},
		[2]string{"failures", failures},
	)

	if len(r.Failures) > 0 {
		tbl := ui.NewTable("Build failures", "package", "label", "error")
		for _, f := range r.Failures {
			tbl.AddRow(f.Key.String(), f.Label, f.Err.Error())
		}
		out += "\n" + tbl.String()
	}
	return out
}
