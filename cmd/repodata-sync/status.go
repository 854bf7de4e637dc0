package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/regro/repodata-tools/internal/index"
	"github.com/regro/repodata-tools/internal/ui"
	"github.com/regro/repodata-tools/internal/upstream"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Summarize the shard tree",
	Long: `Rebuild the SQLite status index from the shard tree and print
per-subdir totals, re-hosted versus mirror counts and per-label counts.

Example usage:
  repodata-sync status --index .repodata-index.db`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("index", ".repodata-index.db", "Path of the SQLite status index")
	statusCmd.Flags().Int("pending", 0, "Also list up to this many shards still on the mirror")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.sync()
	ctx := cmd.Context()

	st, _, err := a.openStore()
	if err != nil {
		return err
	}
	set, err := a.loadShards(st)
	if err != nil {
		return err
	}

	ch, err := upstream.NewChannel(a.cfg.ChannelURL)
	if err != nil {
		return err
	}

	db, err := index.Open(ctx, a.cfg.IndexPath, index.WithLogger(a.logger.Named("index")))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Rebuild(ctx, set, ch.IsMirrorURL); err != nil {
		return err
	}

	subdirs, err := db.Subdirs(ctx)
	if err != nil {
		return err
	}
	labels, err := db.Labels(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, renderSubdirs(subdirs))
	fmt.Fprintln(out)
	fmt.Fprint(out, renderLabels(labels))

	if n, _ := cmd.Flags().GetInt("pending"); n > 0 {
		keys, err := db.Pending(ctx, n)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, ui.TitleStyle.Render("On the mirror"))
		for _, k := range keys {
			fmt.Fprintln(out, "  "+k.String())
		}
	}
	return nil
}

func renderSubdirs(rows []index.SubdirStatus) string {
	if len(rows) == 0 {
		return ui.RenderMuted("no shards") + "\n"
	}
	tbl := ui.NewTable("Shards", "subdir", "total", "re-hosted", "mirror", "bytes")
	var total, rehosted int
	var bytes int64
	for _, s := range rows {
		tbl.AddRow(s.Subdir, strconv.Itoa(s.Total), strconv.Itoa(s.Rehosted), strconv.Itoa(s.Mirror()), strconv.FormatInt(s.Bytes, 10))
		total += s.Total
		rehosted += s.Rehosted
		bytes += s.Bytes
	}
	tbl.AddRow(ui.RenderAccent("all"), strconv.Itoa(total), strconv.Itoa(rehosted), strconv.Itoa(total-rehosted), strconv.FormatInt(bytes, 10))
	return tbl.String()
}

func renderLabels(rows []index.LabelCount) string {
	if len(rows) == 0 {
		return ""
	}
	tbl := ui.NewTable("Labels", "label", "shards")
	for _, l := range rows {
		tbl.AddRow(l.Label, strconv.Itoa(l.Count))
	}
	return tbl.String()
}
