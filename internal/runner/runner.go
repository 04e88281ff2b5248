// Package runner implements component F, the parallel TAL runner from
// spec.md §4.F: it enumerates *.tal files, spawns one task per file via
// golang.org/x/sync/errgroup (the same fan-out/join primitive
// sigstore-policy-controller uses for its own parallel reconciler work),
// aggregates every worker's error with hashicorp/go-multierror, and gates
// publication on a clean join.
package runner

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/relyingparty/rpki-validator/internal/logging"
	"github.com/relyingparty/rpki-validator/internal/tal"
	"github.com/relyingparty/rpki-validator/internal/vrp"
)

// TaskFactory builds the per-TAL task used to validate one loaded TAL.
// Tasks are stateless beyond the shared vrp.Handler they were built with,
// so one factory safely serves every worker in a cycle.
type TaskFactory func(handler vrp.Handler) Runner

// Runner is the subset of *task.Task a TAL worker needs; named here so
// tests can substitute a fake without a real certificate corpus.
type Runner interface {
	Run(ctx context.Context, tl *tal.TAL) error
}

// RRDPBracket resets and prunes the shared RRDP repository database
// around one cycle's parallel region (spec.md §5, "this requires the
// reset and the prune to bracket the parallel region"). A no-op
// implementation is fine for deployments with no RRDP-backed TALs.
type RRDPBracket interface {
	ResetAll()
	PruneUnvisited()
}

type noopBracket struct{}

func (noopBracket) ResetAll()       {}
func (noopBracket) PruneUnvisited() {}

// Config binds the runner to a TAL directory and the collaborators it
// needs to build and join per-TAL workers.
type Config struct {
	TALDir      string
	CacheRoot   string
	TaskFactory TaskFactory
	Bracket     RRDPBracket
}

// RunAll implements spec.md §4.F's run_all(tal_dir, handler) operation:
// enumerate *.tal files, run one worker per file concurrently, and gate
// the result on every worker joining without error.
func RunAll(ctx context.Context, cfg Config, handler vrp.Handler) error {
	log := logging.FromContext(ctx)
	bracket := cfg.Bracket
	if bracket == nil {
		bracket = noopBracket{}
	}

	talPaths, err := enumerateTALs(cfg.TALDir)
	if err != nil {
		return errors.Wrap(err, "enumerating tal directory")
	}
	if len(talPaths) == 0 {
		log.Warnw("no tal files found", "dir", cfg.TALDir)
		return nil
	}

	tals := make([]*tal.TAL, 0, len(talPaths))
	for _, path := range talPaths {
		loaded, err := tal.Load(path, cfg.CacheRoot)
		if err != nil {
			return errors.Wrapf(err, "loading tal %q", path)
		}
		tals = append(tals, loaded)
	}

	bracket.ResetAll()

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var joinErrs error

	for _, loaded := range tals {
		loaded := loaded
		worker := cfg.TaskFactory(handler)
		g.Go(func() error {
			if err := worker.Run(gctx, loaded); err != nil {
				mu.Lock()
				joinErrs = multierror.Append(joinErrs, errors.Wrapf(err, "tal %q", loaded.FileName))
				mu.Unlock()
				return err
			}
			return nil
		})
	}

	// errgroup.Wait joins every goroutine regardless of earlier errors,
	// satisfying spec.md §4.F step 4's "never abandon a join."
	_ = g.Wait()

	if joinErrs != nil {
		log.Errorw("validation cycle failed, discarding aggregate table", "error", joinErrs.Error())
		return joinErrs
	}

	bracket.PruneUnvisited()
	return nil
}

// enumerateTALs lists *.tal files in dir, sorted for deterministic
// iteration order (the concurrency itself is unordered; this only makes
// logs and tests reproducible).
func enumerateTALs(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tal"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
