// Package config binds the validator's configuration, mixing the three
// options spec.md §6 says the core consumes directly (tal, shuffle-tal-uris,
// validation-interval) with the ambient knobs every collaborator needs
// (cache directory, metrics address, log level, fetch tunables). Bound
// with spf13/viper and spf13/cobra the way sigstore-policy-controller
// binds its own CLI flags, with the cache directory defaulting under the
// user's home via mitchellh/go-homedir.
package config

import (
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of options the validator runs with.
type Config struct {
	// TALDir is the directory of *.tal files (spec.md §6, "tal").
	TALDir string
	// ShuffleTALURIs randomizes TAL URI order per task run (spec.md §6,
	// "shuffle-tal-uris").
	ShuffleTALURIs bool
	// ValidationInterval is the sleep between daemon cycles (spec.md §6,
	// "validation-interval").
	ValidationInterval time.Duration

	// CacheDir is the working repository cache root (spec.md §6,
	// "Persisted state layout").
	CacheDir string
	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint; empty disables it.
	MetricsAddr string
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string
	// FallbackToLocalCache permits serving the last-known-good table when
	// a validation cycle fails outright, rather than going stale with no
	// data at all (an explicit operator knob, not a silent default).
	FallbackToLocalCache bool

	// RsyncBin and RsyncTimeout tune the rsync fetch backend.
	RsyncBin     string
	RsyncTimeout time.Duration
	// HTTPTimeout and HTTPRetryMax tune the HTTPS fetch backend.
	HTTPTimeout  time.Duration
	HTTPRetryMax int
}

// BindFlags registers this package's flags on fs and binds them into v,
// mirroring the flag-then-viper-bind pattern the wider example pack's
// cobra/viper commands use.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("tal-dir", "/etc/rpki-validator/tal", "directory of *.tal trust anchor locator files")
	fs.Bool("shuffle-tal-uris", false, "shuffle each tal's uri list before validation to spread mirror load")
	fs.Duration("validation-interval", 10*time.Minute, "time between validation cycles")
	fs.String("cache-dir", "", "working repository cache directory (defaults under the user's home)")
	fs.String("metrics-addr", ":9099", "listen address for the prometheus /metrics endpoint; empty disables it")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Bool("fallback-to-local-cache", true, "serve the last published table when a validation cycle fails outright")
	fs.String("rsync-bin", "rsync", "rsync binary to invoke for rsync:// fetches")
	fs.Duration("rsync-timeout", 20*time.Minute, "timeout for one rsync fetch")
	fs.Duration("http-timeout", 30*time.Second, "timeout for one https fetch")
	fs.Int("http-retry-max", 3, "maximum retries for a failed https fetch")

	return v.BindPFlags(fs)
}

// Load resolves a Config from v, filling CacheDir under the user's home
// directory when not explicitly set.
func Load(v *viper.Viper) (Config, error) {
	cacheDir := v.GetString("cache-dir")
	if cacheDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return Config{}, errors.Wrap(err, "resolving home directory for default cache-dir")
		}
		cacheDir = home + "/.cache/rpki-validator"
	}

	talDir := v.GetString("tal-dir")
	if talDir == "" {
		return Config{}, errors.New("tal-dir must not be empty")
	}

	return Config{
		TALDir:               talDir,
		ShuffleTALURIs:       v.GetBool("shuffle-tal-uris"),
		ValidationInterval:   v.GetDuration("validation-interval"),
		CacheDir:             cacheDir,
		MetricsAddr:          v.GetString("metrics-addr"),
		LogLevel:             v.GetString("log-level"),
		FallbackToLocalCache: v.GetBool("fallback-to-local-cache"),
		RsyncBin:             v.GetString("rsync-bin"),
		RsyncTimeout:         v.GetDuration("rsync-timeout"),
		HTTPTimeout:          v.GetDuration("http-timeout"),
		HTTPRetryMax:         v.GetInt("http-retry-max"),
	}, nil
}
