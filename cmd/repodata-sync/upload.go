package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/regro/repodata-tools/internal/batcher"
	"github.com/regro/repodata-tools/internal/release"
	"github.com/regro/repodata-tools/internal/ui"
	"github.com/regro/repodata-tools/internal/upstream"
)

var uploadCmd = &cobra.Command{
	Use:     "upload",
	GroupID: "sync",
	Short:   "Re-host mirror artifacts as GitHub release assets",
	Long: `Re-host package artifacts that are still served from the upstream mirror.

Each owned shard whose URL points at the mirror is downloaded, verified
against its md5, uploaded to a release tagged <subdir>/<package> along with
its updated shard, then committed with the new download URL.

A checksum mismatch stops the run. Requires GITHUB_TOKEN.

Example usage:
  repodata-sync upload --rank 0 --n-ranks 4 --max-uploads 200`,
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().Int("rank", 0, "This process's rank")
	uploadCmd.Flags().Int("n-ranks", 1, "Number of cooperating ranks")
	uploadCmd.Flags().Int("max-uploads", release.DefaultMaxUploads, "Maximum uploads in this run")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.sync()

	if err := a.cfg.RequireGitHubToken(); err != nil {
		return err
	}
	ctx := cmd.Context()
	start := time.Now()

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

	ucfg := a.upstreamConfig()
	hc := upstream.NewHTTPClient(ucfg.RetryMax, ucfg.RetryWaitMin, ucfg.RetryWaitMax, a.logger.Named("github"))
	releases, err := release.NewGitHub(hc.StandardClient(), a.cfg.GitHubToken, a.cfg.ReleaseRepo,
		release.WithGitHubLogger(a.logger.Named("github")),
	)
	if err != nil {
		return err
	}

	uploader, err := release.NewUploader(
		release.Config{Rank: a.cfg.Rank, NRanks: a.cfg.NRanks, MaxUploads: a.cfg.MaxUploads},
		releases,
		client,
		client.Channel,
		batcher.New(st, repo, batcher.WithLogger(a.logger.Named("batcher"))),
		release.WithLogger(a.logger.Named("release")),
	)
	if err != nil {
		return err
	}

	report, runErr := uploader.Run(ctx, set)
	fmt.Fprint(cmd.OutOrStdout(), renderUploadReport(report, time.Since(start)))
	return runErr
}

func renderUploadReport(r *release.Report, elapsed time.Duration) string {
	failures := strconv.Itoa(len(r.Failures))
	if len(r.Failures) > 0 {
		failures = ui.RenderWarn(failures)
	}

	out := ui.TitleStyle.Render("upload") + "\n" + ui.KV(
		[2]string{"elapsed", formatDuration(elapsed)},
		[2]string{"considered", strconv.Itoa(r.Considered)},
		[2]string{"uploaded", ui.RenderPass(strconv.Itoa(r.Uploaded))},
		[2]string{"commits", strconv.Itoa(r.Commits)},
		[2]string{"deferred pushes", strconv.Itoa(r.DeferredPushes)},
		[2]string{"failures", failures},
	)

	if len(r.Failures) > 0 {
		tbl := ui.NewTable("Skipped", "package", "error")
		for _, f := range r.Failures {
			tbl.AddRow(f.Key.String(), f.Err.Error())
		}
		out += "\n" + tbl.String()
	}
	return out
}
