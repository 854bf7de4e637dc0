package main

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/config"
	"github.com/regro/repodata-tools/internal/logging"
	"github.com/regro/repodata-tools/internal/partition"
	"github.com/regro/repodata-tools/internal/shard"
	"github.com/regro/repodata-tools/internal/store"
	"github.com/regro/repodata-tools/internal/upstream"
	"github.com/regro/repodata-tools/internal/vcs/git"
)

// app is the state shared by every command after setup.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	sync   func()
}

// setup loads and validates the configuration and builds the logger.
func setup(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := logging.DefaultOptions()
	opts.Level = cfg.LogLevel
	opts.File = cfg.LogFile
	logger, sync, err := logging.New(opts)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger.With(zap.Int("rank", cfg.Rank)), sync: sync}, nil
}

// openStore opens the shard store on the git worktree containing repo_dir.
func (a *app) openStore() (*store.Store, *git.Git, error) {
	g, err := git.New(a.cfg.RepoDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open repository %s: %w", a.cfg.RepoDir, err)
	}
	fsys := afero.NewBasePathFs(afero.NewOsFs(), g.RepoRoot())
	return store.New(fsys, g, store.WithLogger(a.logger.Named("store"))), g, nil
}

// loadShards reads every subdir, owned or not, so the upload pass and the
// status index see the whole tree.
func (a *app) loadShards(st *store.Store) (*shard.Set, error) {
	set := shard.NewSet()
	for _, subdir := range partition.Subdirs {
		n, err := st.ReadAll(set, subdir)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("read shards", zap.String("subdir", subdir), zap.Int("count", n))
	}
	a.logger.Info("loaded shard tree", zap.Int("shards", set.Len()))
	return set, nil
}

func (a *app) upstreamConfig() upstream.Config {
	cfg := upstream.DefaultConfig()
	cfg.ChannelURL = a.cfg.ChannelURL
	cfg.APIURL = a.cfg.APIURL
	cfg.Channel = a.cfg.Channel
	cfg.Token = a.cfg.BinstarToken
	cfg.RetryMax = a.cfg.HTTPRetryMax
	return cfg
}

func (a *app) upstreamClient() (*upstream.Client, error) {
	return upstream.New(a.upstreamConfig(), upstream.WithLogger(a.logger.Named("upstream")))
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
