// Package config holds the settings shared by every repodata-sync command.
//
// Values are layered: Default, then an optional TOML file, then REPODATA_*
// environment variables, then command-line flags that were set explicitly.
// The two credentials are read only from BINSTAR_TOKEN and GITHUB_TOKEN.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/regro/repodata-tools/internal/partition"
)

// EnvPrefix prefixes the environment overrides, e.g. REPODATA_N_RANKS.
const EnvPrefix = "REPODATA"

var (
	// ErrMissingToken is returned when a command needs a credential that
	// is not set.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidConfig wraps validation failures.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the merged configuration.
type Config struct {
	Rank             int    `toml:"rank"`
	NRanks           int    `toml:"n_ranks"`
	TimeLimitSeconds int    `toml:"time_limit_seconds"`
	RepoDir          string `toml:"repo_dir"`

	ChannelURL   string `toml:"channel_url"`
	APIURL       string `toml:"api_url"`
	Channel      string `toml:"channel"`
	HTTPRetryMax int    `toml:"http_retry_max"`

	ReleaseRepo string `toml:"release_repo"`
	MaxUploads  int    `toml:"max_uploads"`
	IndexPath   string `toml:"index_path"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	BinstarToken string `toml:"-"`
	GitHubToken  string `toml:"-"`
}

// Default returns the settings used by the conda-forge deployment.
func Default() Config {
	return Config{
		Rank:             0,
		NRanks:           1,
		TimeLimitSeconds: 3000,
		RepoDir:          ".",
		ChannelURL:       "https://conda.anaconda.org/conda-forge",
		APIURL:           "https://api.anaconda.org",
		Channel:          "conda-forge",
		HTTPRetryMax:     3,
		ReleaseRepo:      "regro/releases",
		MaxUploads:       200,
		IndexPath:        ".repodata-index.db",
		LogLevel:         "info",
	}
}

// TimeLimit returns the run budget.
func (c Config) TimeLimit() time.Duration {
	return time.Duration(c.TimeLimitSeconds) * time.Second
}

// Validate checks the settings every command relies on.
func (c Config) Validate() error {
	if err := partition.Validate(c.Rank, c.NRanks); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.TimeLimitSeconds < 0 {
		return fmt.Errorf("%w: time_limit_seconds must not be negative", ErrInvalidConfig)
	}
	if c.ChannelURL == "" {
		return fmt.Errorf("%w: channel_url is required", ErrInvalidConfig)
	}
	if c.RepoDir == "" {
		return fmt.Errorf("%w: repo_dir is required", ErrInvalidConfig)
	}
	if c.HTTPRetryMax < 0 {
		return fmt.Errorf("%w: http_retry_max must not be negative", ErrInvalidConfig)
	}
	return nil
}

// RequireBinstarToken fails when the labels API token is not set.
func (c Config) RequireBinstarToken() error {
	if c.BinstarToken == "" {
		return fmt.Errorf("%w: BINSTAR_TOKEN", ErrMissingToken)
	}
	return nil
}

// RequireGitHubToken fails when the release store token is not set.
func (c Config) RequireGitHubToken() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("%w: GITHUB_TOKEN", ErrMissingToken)
	}
	return nil
}

// FlagNames maps config keys to the command-line flags that override them.
var FlagNames = map[string]string{
	"rank":               "rank",
	"n_ranks":            "n-ranks",
	"time_limit_seconds": "time-limit",
	"repo_dir":           "repo",
	"max_uploads":        "max-uploads",
	"index_path":         "index",
	"log_level":          "log-level",
	"log_file":           "log-file",
}

type field struct {
	key string
	set func(*Config, *viper.Viper, string)
}

func intField(key string, dst func(*Config) *int) field {
	return field{key, func(c *Config, v *viper.Viper, k string) { *dst(c) = v.GetInt(k) }}
}

func stringField(key string, dst func(*Config) *string) field {
	return field{key, func(c *Config, v *viper.Viper, k string) { *dst(c) = v.GetString(k) }}
}

var fields = []field{
	intField("rank", func(c *Config) *int { return &c.Rank }),
	intField("n_ranks", func(c *Config) *int { return &c.NRanks }),
	intField("time_limit_seconds", func(c *Config) *int { return &c.TimeLimitSeconds }),
	stringField("repo_dir", func(c *Config) *string { return &c.RepoDir }),
	stringField("channel_url", func(c *Config) *string { return &c.ChannelURL }),
	stringField("api_url", func(c *Config) *string { return &c.APIURL }),
	stringField("channel", func(c *Config) *string { return &c.Channel }),
	intField("http_retry_max", func(c *Config) *int { return &c.HTTPRetryMax }),
	stringField("release_repo", func(c *Config) *string { return &c.ReleaseRepo }),
	intField("max_uploads", func(c *Config) *int { return &c.MaxUploads }),
	stringField("index_path", func(c *Config) *string { return &c.IndexPath }),
	stringField("log_level", func(c *Config) *string { return &c.LogLevel }),
	stringField("log_file", func(c *Config) *string { return &c.LogFile }),
}

// Load builds the configuration from path (optional) and the environment,
// then applies every flag in flags that was set explicitly. flags may be
// nil. The result is not validated.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("%w: unknown keys %v in %s", ErrInvalidConfig, undecoded, path)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	for _, f := range fields {
		if err := v.BindEnv(f.key); err != nil {
			return cfg, err
		}
	}
	if err := v.BindEnv("binstar_token", "BINSTAR_TOKEN"); err != nil {
		return cfg, err
	}
	if err := v.BindEnv("github_token", "GITHUB_TOKEN"); err != nil {
		return cfg, err
	}

	if flags != nil {
		for key, name := range FlagNames {
			if fl := flags.Lookup(name); fl != nil {
				if err := v.BindPFlag(key, fl); err != nil {
					return cfg, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	// IsSet is true only for an env var that is present or a flag that
	// was changed, so file values survive unset overrides.
	for _, f := range fields {
		if v.IsSet(f.key) {
			f.set(&cfg, v, f.key)
		}
	}
	cfg.BinstarToken = v.GetString("binstar_token")
	cfg.GitHubToken = v.GetString("github_token")

	return cfg, nil
}
