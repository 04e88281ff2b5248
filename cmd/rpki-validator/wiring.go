package main

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/relyingparty/rpki-validator/internal/config"
	"github.com/relyingparty/rpki-validator/internal/fetch"
	"github.com/relyingparty/rpki-validator/internal/rpp"
	"github.com/relyingparty/rpki-validator/internal/runner"
	"github.com/relyingparty/rpki-validator/internal/task"
	"github.com/relyingparty/rpki-validator/internal/validate"
	"github.com/relyingparty/rpki-validator/internal/vrp"
)

// buildRunnerConfig wires one cycle's worth of collaborators from cfg:
// the fetch dispatcher, the RPP manifest-hash cache, and the per-TAL
// task factory runner.RunAll uses to build a fresh task.Task for each
// trust anchor it discovers.
func buildRunnerConfig(cfg config.Config) (runner.Config, error) {
	fetcher := fetch.New(fetch.Config{
		RsyncBin:     cfg.RsyncBin,
		RsyncTimeout: cfg.RsyncTimeout,
		RsyncArgs:    fetch.DefaultConfig().RsyncArgs,
		HTTPTimeout:  cfg.HTTPTimeout,
		RetryMax:     cfg.HTTPRetryMax,
	})

	hashCache, err := rpp.NewHashCache()
	if err != nil {
		return runner.Config{}, errors.Wrap(err, "building manifest hash cache")
	}

	factory := func(handler vrp.Handler) runner.Runner {
		engine := validate.NewEngine(fetcher, handler, hashCache, cfg.CacheDir)
		var rng *rand.Rand
		if cfg.ShuffleTALURIs {
			rng = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec
		}
		return task.New(engine, cfg.ShuffleTALURIs, rng)
	}

	return runner.Config{
		TALDir:      cfg.TALDir,
		CacheRoot:   cfg.CacheDir,
		TaskFactory: factory,
	}, nil
}
