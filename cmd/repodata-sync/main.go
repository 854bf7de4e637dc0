// Command repodata-sync maintains the per-package repodata shard tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/regro/repodata-tools/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "repodata-sync",
	Short: "Keep the repodata shard tree in sync with the upstream channel",
	Long: `repodata-sync mirrors the upstream channel index into one JSON shard per
package file, committed to the git repository that holds the tree.

Several ranks may run at once against clones of the same repository: each
owns a deterministic share of the subdirs and pushes its own commits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
	)

	rootCmd.PersistentFlags().String("config", "", "TOML config file")
	rootCmd.PersistentFlags().String("repo", ".", "Path inside the shard repository")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Also write JSON logs to this rotated file")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		cancel()
		os.Exit(exitCode(err))
	}
}

// exitCode is 130 for an interrupted run and 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}
