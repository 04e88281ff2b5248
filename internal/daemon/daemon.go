// Package daemon implements component G, the update daemon from
// spec.md §4.G: a single long-running loop that runs a full validation
// cycle into a fresh ROA table, installs it as the initial snapshot or
// diffs it against the previous cycle, and sleeps between cycles with
// cooperative cancellation at the sleep boundary.
package daemon

import (
	"context"
	"time"

	"github.com/relyingparty/rpki-validator/internal/logging"
	"github.com/relyingparty/rpki-validator/internal/publish"
	"github.com/relyingparty/rpki-validator/internal/vrp"
)

// CycleRunner runs one full validation cycle (component F) into table and
// reports whether it succeeded.
type CycleRunner func(ctx context.Context, table *vrp.Table) error

// Daemon drives the periodic loop described in spec.md §4.G.
type Daemon struct {
	RunCycle CycleRunner
	Publish  *publish.Publisher
	Interval time.Duration

	// FallbackToLocalCache keeps the previously published table when a
	// cycle fails outright. When false, a failed cycle instead withdraws
	// every VRP and router key, matching an operator who would rather go
	// stale-and-empty than serve data that may no longer be accurate.
	FallbackToLocalCache bool

	prev *vrp.Table
}

// New builds a Daemon bound to runCycle, publisher, and interval, with
// FallbackToLocalCache on by default.
func New(runCycle CycleRunner, pub *publish.Publisher, interval time.Duration) *Daemon {
	return &Daemon{RunCycle: runCycle, Publish: pub, Interval: interval, FallbackToLocalCache: true}
}

// Run executes the daemon loop until ctx is cancelled. Cancellation is
// observed at the sleep boundary between cycles (spec.md §4.G,
// "Lifecycle"); a cycle already in flight runs to completion or is
// cancelled by ctx being passed through to RunCycle.
func (d *Daemon) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	for {
		d.runOneCycle(ctx)

		select {
		case <-ctx.Done():
			log.Infow("daemon stopping, cancelled at sleep boundary")
			return
		case <-time.After(d.Interval):
		}
	}
}

func (d *Daemon) runOneCycle(ctx context.Context) {
	log := logging.FromContext(ctx)
	newTable := vrp.NewTable()

	if err := d.RunCycle(ctx, newTable); err != nil {
		if d.FallbackToLocalCache {
			log.Errorw("validation cycle failed, keeping previous table", "error", err.Error())
			return
		}
		log.Errorw("validation cycle failed, withdrawing previous table", "error", err.Error())
		d.publishEmpty()
		return
	}

	if d.prev == nil {
		d.Publish.VRPsUpdate(newTable, vrp.Delta{})
		d.prev = newTable
		log.Infow("published initial snapshot", "vrps", newTable.Len())
		return
	}

	delta := vrp.ComputeDeltas(d.prev, newTable)
	if delta.Empty() {
		log.Infow("no change this cycle")
		d.prev = newTable
		return
	}

	d.Publish.VRPsUpdate(newTable, delta)
	d.prev = newTable
	d.Publish.NotifyClients()
	log.Infow("published delta",
		"added_vrps", len(delta.AddedVRPs),
		"withdrawn_vrps", len(delta.WithdrawnVRPs),
		"added_router_keys", len(delta.AddedRouterKeys),
		"withdrawn_router_keys", len(delta.WithdrawnRouterKeys),
	)
}

// publishEmpty withdraws everything in d.prev, used when a cycle fails
// and FallbackToLocalCache is disabled.
func (d *Daemon) publishEmpty() {
	if d.prev == nil {
		return
	}
	empty := vrp.NewTable()
	delta := vrp.ComputeDeltas(d.prev, empty)
	d.prev = empty
	if delta.Empty() {
		return
	}
	d.Publish.VRPsUpdate(empty, delta)
	d.Publish.NotifyClients()
}
