// Package task implements component E, the per-TAL validation task from
// spec.md §4.E: bootstraps the root certificate from a TAL's URI list,
// drives the traverse engine (component D) across it, and owns the
// per-task traversal stack.
package task

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/relyingparty/rpki-validator/internal/fetch"
	"github.com/relyingparty/rpki-validator/internal/logging"
	"github.com/relyingparty/rpki-validator/internal/rpp"
	"github.com/relyingparty/rpki-validator/internal/stack"
	"github.com/relyingparty/rpki-validator/internal/tal"
	"github.com/relyingparty/rpki-validator/internal/uri"
	"github.com/relyingparty/rpki-validator/internal/validate"
)

// ErrNoURISucceeded is returned when no URI in a TAL yielded a completed
// walk and none failed with a root SPKI mismatch (spec.md §4.E step 4);
// when one did, Run returns the last such mismatch error instead.
var ErrNoURISucceeded = errors.New("task: no tal uri yielded a completed walk")

// RRDPVisitResetter is called once per TAL URI before that URI's root is
// traversed, corresponding to spec.md §4.E step 2.3 ("reset RRDP
// visitation so every repository is refreshed this cycle"). The full
// RRDP visited-flag bracketing across a cycle's parallel region lives in
// internal/runner; this hook lets a task participate in it without
// depending on the runner package.
type RRDPVisitResetter interface {
	ResetVisited()
}

type noopResetter struct{}

func (noopResetter) ResetVisited() {}

// Traverser is the subset of *validate.Engine a task depends on; naming it
// here lets tests substitute a fake without exercising the real decode
// and algorithm collaborators.
type Traverser interface {
	Traverse(ctx context.Context, parent *rpp.RPP, certURI *uri.URI, talSPKI []byte, s *stack.Stack) (validate.PubKeyState, error)
}

// Task drives one TAL's validation: the traverser used to walk each root,
// the fetcher used to retrieve root certificates, and an optional seeded
// RNG that makes URI shuffling deterministic in tests (spec.md §8
// invariant 2).
type Task struct {
	Engine        Traverser
	Fetcher       fetch.Fetcher
	Shuffle       bool
	Rand          *rand.Rand
	VisitResetter RRDPVisitResetter
}

// New builds a Task bound to a real validation engine. If shuffle is
// requested without an explicit rng, a process-default source is used;
// callers wanting deterministic test runs should pass their own seeded
// *rand.Rand.
func New(engine *validate.Engine, shuffle bool, rng *rand.Rand) *Task {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec
	}
	return &Task{Engine: engine, Fetcher: engine.Fetcher, Shuffle: shuffle, Rand: rng, VisitResetter: noopResetter{}}
}

// Run implements spec.md §4.E's run(tal, handler) operation end to end:
// it bootstraps a root from tal's URI list, classifies failures into the
// soft/hard discipline, then drains the traversal stack.
func (t *Task) Run(ctx context.Context, tl *tal.TAL) error {
	log := logging.FromContext(ctx)
	s := stack.New()
	defer s.Drain()

	uris := append([]*uri.URI(nil), tl.URIs...)
	if t.Shuffle {
		fisherYates(uris, t.Rand)
	}

	var handled bool
	var lastSoftErr error

	for _, u := range uris {
		outcome := t.Fetcher.Fetch(ctx, u)
		if outcome.Err != nil {
			log.Warnw("soft fetch failure, trying next tal uri", "tal", tl.FileName, "uri", u.String(), "error", outcome.Err.Error())
			continue
		}

		if !u.IsCertificate() {
			return errors.Errorf("tal %q: fetched object at %s is not a certificate file", tl.FileName, u)
		}

		t.VisitResetter.ResetVisited()

		state, err := t.Engine.Traverse(ctx, nil, u, tl.SPKI, s)
		if err == nil {
			handled = true
			break
		}

		switch state {
		case validate.PKSInvalid:
			log.Warnw("root spki mismatch, soft error, trying next tal uri", "tal", tl.FileName, "uri", u.String(), "error", err.Error())
			lastSoftErr = err
			continue
		default:
			// PKSValid or PKSUntested: an infrastructure problem or a
			// post-bootstrap failure, neither of which is a trust
			// mismatch. Hard error: abandon this TAL.
			return errors.Wrapf(err, "tal %q: hard error on uri %s (state=%s)", tl.FileName, u, state)
		}
	}

	if !handled {
		if lastSoftErr != nil {
			return lastSoftErr
		}
		return errors.Wrapf(ErrNoURISucceeded, "tal %q", tl.FileName)
	}

	for {
		d, ok := s.Pop()
		if !ok {
			break
		}
		if _, err := t.Engine.Traverse(ctx, d.RPP, d.CertURI, nil, s); err != nil {
			log.Warnw("subordinate ca traversal failed, isolated subtree", "uri", d.CertURI.String(), "error", err.Error())
		}
		d.CertURI.Release()
		d.RPP.Release()
	}

	return nil
}

// fisherYates shuffles uris in place using rng, distributing fetch load
// across mirrors when TAL URI randomization is configured (spec.md §4.E
// step 1).
func fisherYates(uris []*uri.URI, rng *rand.Rand) {
	for i := len(uris) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		uris[i], uris[j] = uris[j], uris[i]
	}
}
