package vrp

import "github.com/relyingparty/rpki-validator/internal/routerkey"

// Delta is the disjoint added/withdrawn sets published to downstream RTR
// clients between two validation cycles (spec.md §3, "Deltas").
type Delta struct {
	AddedVRPs     []VRP
	WithdrawnVRPs []VRP

	AddedRouterKeys     []routerkey.RouterKey
	WithdrawnRouterKeys []routerkey.RouterKey
}

// Empty reports whether applying this delta would change nothing,
// matching spec.md §3's "Empty iff the two tables have equal domain."
func (d Delta) Empty() bool {
	return len(d.AddedVRPs) == 0 && len(d.WithdrawnVRPs) == 0 &&
		len(d.AddedRouterKeys) == 0 && len(d.WithdrawnRouterKeys) == 0
}

// ComputeDeltas diffs the domains of old and new, returning what was
// added and withdrawn (spec.md §4.H, compute_deltas). Equal tables
// produce an empty Delta (spec.md §8 invariant 4).
func ComputeDeltas(old, new *Table) Delta {
	oldVRPs := old.vrpSet()
	newVRPs := new.vrpSet()
	oldKeys := old.rkSet()
	newKeys := new.rkSet()

	var d Delta
	for v := range newVRPs {
		if _, ok := oldVRPs[v]; !ok {
			d.AddedVRPs = append(d.AddedVRPs, v)
		}
	}
	for v := range oldVRPs {
		if _, ok := newVRPs[v]; !ok {
			d.WithdrawnVRPs = append(d.WithdrawnVRPs, v)
		}
	}
	for rk := range newKeys {
		if _, ok := oldKeys[rk]; !ok {
			d.AddedRouterKeys = append(d.AddedRouterKeys, rk)
		}
	}
	for rk := range oldKeys {
		if _, ok := newKeys[rk]; !ok {
			d.WithdrawnRouterKeys = append(d.WithdrawnRouterKeys, rk)
		}
	}
	return d
}

// Apply builds a new table representing base with d's additions inserted
// and withdrawals removed, ignoring provenance (used to check spec.md §8
// invariant 4, apply(deltas(A, B), A) = B, in tests).
func Apply(base *Table, d Delta) *Table {
	out := NewTable()
	withdrawn := make(map[VRP]struct{}, len(d.WithdrawnVRPs))
	for _, v := range d.WithdrawnVRPs {
		withdrawn[v] = struct{}{}
	}
	withdrawnKeys := make(map[routerkey.RouterKey]struct{}, len(d.WithdrawnRouterKeys))
	for _, rk := range d.WithdrawnRouterKeys {
		withdrawnKeys[rk] = struct{}{}
	}

	for _, v := range base.VRPs() {
		if _, gone := withdrawn[v]; gone {
			continue
		}
		_ = out.HandleROAv4(v.AS, v.Prefix, v.MaxLength, "base")
	}
	for _, v := range d.AddedVRPs {
		_ = out.HandleROAv4(v.AS, v.Prefix, v.MaxLength, "delta")
	}
	for _, rk := range base.RouterKeys() {
		if _, gone := withdrawnKeys[rk]; gone {
			continue
		}
		_ = out.HandleRouterKey(rk, "base")
	}
	for _, rk := range d.AddedRouterKeys {
		_ = out.HandleRouterKey(rk, "delta")
	}
	return out
}
