// Package vrp implements the ROA Table data-model object from spec.md §3:
// a mapping from (origin-AS, IP-prefix, max-length) triples to a set of
// provenance tags, built incrementally during validation and published
// atomically at the end of a cycle. It also carries the Router Key table
// and the capability interface the traverse engine (internal/validate)
// holds as its callback bundle (spec.md §9, "replace the callback bundle
// with a capability interface").
package vrp

import (
	"net/netip"
	"sync"

	"github.com/relyingparty/rpki-validator/internal/routerkey"
)

// VRP is a Validated ROA Payload: the triple emitted when a ROA passes
// validation (spec.md GLOSSARY).
type VRP struct {
	AS        uint32
	Prefix    netip.Prefix
	MaxLength uint8
}

// Handler is the capability interface the certificate traverse engine
// invokes as it discovers ROAs and router keys. It replaces the
// original's five-function-pointer validation_handler bundle (spec.md §6,
// "Callback interface", and §9's REDESIGN FLAGS).
//
// A non-nil error return aborts the current traversal step, mirroring the
// original's "non-zero return aborts" contract.
type Handler interface {
	HandleROAv4(as uint32, prefix netip.Prefix, maxLength uint8, provenance string) error
	HandleROAv6(as uint32, prefix netip.Prefix, maxLength uint8, provenance string) error
	HandleRouterKey(rk routerkey.RouterKey, provenance string) error
	Reset() error
}

// Table is the ROA Table: safe for concurrent inserts from multiple
// per-TAL tasks in the same validation cycle (spec.md §5, "No task reads
// another task's writes"). Insertion is commutative and idempotent on the
// key triple, so a single mutex guarding the whole map is sufficient; no
// task needs a consistent read of another task's in-progress writes.
type Table struct {
	mu         sync.RWMutex
	vrps       map[VRP]map[string]struct{}
	routerKeys map[routerkey.RouterKey]map[string]struct{}
}

// NewTable returns an empty ROA table.
func NewTable() *Table {
	return &Table{
		vrps:       make(map[VRP]map[string]struct{}),
		routerKeys: make(map[routerkey.RouterKey]map[string]struct{}),
	}
}

// Reset is a no-op for a fresh table; it satisfies Handler for the
// "reset(ctx)" call made at the start of each cycle (spec.md §6).
func (t *Table) Reset() error { return nil }

// HandleROAv4 and HandleROAv6 insert one VRP with its discovering TAL or
// RPP as provenance. Both share the same storage; the split mirrors the
// original's separate v4/v6 callbacks, which exist there only because C
// has no union-friendly netip.Prefix equivalent.
func (t *Table) HandleROAv4(as uint32, prefix netip.Prefix, maxLength uint8, provenance string) error {
	return t.insertVRP(VRP{AS: as, Prefix: prefix, MaxLength: maxLength}, provenance)
}

func (t *Table) HandleROAv6(as uint32, prefix netip.Prefix, maxLength uint8, provenance string) error {
	return t.insertVRP(VRP{AS: as, Prefix: prefix, MaxLength: maxLength}, provenance)
}

func (t *Table) insertVRP(v VRP, provenance string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tags, ok := t.vrps[v]
	if !ok {
		tags = make(map[string]struct{})
		t.vrps[v] = tags
	}
	tags[provenance] = struct{}{}
	return nil
}

// HandleRouterKey inserts one Router Key with its discovering provenance.
func (t *Table) HandleRouterKey(rk routerkey.RouterKey, provenance string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tags, ok := t.routerKeys[rk]
	if !ok {
		tags = make(map[string]struct{})
		t.routerKeys[rk] = tags
	}
	tags[provenance] = struct{}{}
	return nil
}

// VRPs returns a snapshot slice of every VRP currently in the table. The
// snapshot is taken under lock so callers never observe a partially built
// table (spec.md §5, "Delta computation is performed against a fully
// quiesced new table").
func (t *Table) VRPs() []VRP {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]VRP, 0, len(t.vrps))
	for v := range t.vrps {
		out = append(out, v)
	}
	return out
}

// RouterKeys returns a snapshot slice of every Router Key in the table.
func (t *Table) RouterKeys() []routerkey.RouterKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]routerkey.RouterKey, 0, len(t.routerKeys))
	for rk := range t.routerKeys {
		out = append(out, rk)
	}
	return out
}

// Len reports the number of distinct VRPs in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.vrps)
}

// Provenance returns the set of provenance tags v was inserted with
// (internal/validate passes the issuing CA's caRepository URI), or nil if
// v is not present.
func (t *Table) Provenance(v VRP) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tags, ok := t.vrps[v]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	return out
}

// vrpSet and rkSet snapshot the table's domains as plain sets, used by
// ComputeDeltas without holding the lock across the whole diff.
func (t *Table) vrpSet() map[VRP]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[VRP]struct{}, len(t.vrps))
	for v := range t.vrps {
		out[v] = struct{}{}
	}
	return out
}

func (t *Table) rkSet() map[routerkey.RouterKey]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[routerkey.RouterKey]struct{}, len(t.routerKeys))
	for rk := range t.routerKeys {
		out[rk] = struct{}{}
	}
	return out
}
