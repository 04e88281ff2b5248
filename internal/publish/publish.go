// Package publish implements component H, the VRP/delta publication
// contract from spec.md §4.H: an atomic current-table swap with a bounded
// delta history for the RTR server (out of scope) to stream to routers,
// and a subscriber-notification mechanism for sessions waiting on new
// data.
package publish

import (
	"sync"

	"github.com/relyingparty/rpki-validator/internal/vrp"
)

// DefaultDeltaHistory bounds how many past deltas are retained for RTR
// sessions that reconnect after missing one cycle but not many.
const DefaultDeltaHistory = 16

// Publisher holds the current table, single-writer (the daemon),
// multi-reader (RTR sessions), per spec.md §5's shared-state rule for the
// published VRP table.
type Publisher struct {
	mu           sync.RWMutex
	current      *vrp.Table
	history      []vrp.Delta
	historyLimit int
	subscribers  []chan struct{}
}

// New returns an empty Publisher with no current table; Current returns
// nil until the first VRPsUpdate call.
func New() *Publisher {
	return &Publisher{historyLimit: DefaultDeltaHistory}
}

// NewWithHistoryLimit returns a Publisher retaining at most limit deltas.
func NewWithHistoryLimit(limit int) *Publisher {
	return &Publisher{historyLimit: limit}
}

// Current returns the currently published table, or nil before the first
// publication.
func (p *Publisher) Current() *vrp.Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// History returns a snapshot of the retained delta history, oldest first.
func (p *Publisher) History() []vrp.Delta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]vrp.Delta, len(p.history))
	copy(out, p.history)
	return out
}

// VRPsUpdate atomically swaps the current table and appends delta to the
// bounded history, implementing spec.md §4.H's vrps_update(new_table,
// deltas). delta may be a zero-value Delta for a full initial snapshot
// (spec.md §4.G step 3, "publish T_new with a null delta").
func (p *Publisher) VRPsUpdate(newTable *vrp.Table, delta vrp.Delta) {
	p.mu.Lock()
	p.current = newTable
	p.history = append(p.history, delta)
	if len(p.history) > p.historyLimit {
		p.history = p.history[len(p.history)-p.historyLimit:]
	}
	p.mu.Unlock()
}

// Subscribe registers a channel that the next NotifyClients call closes
// and then forgets, waking any RTR session blocked on it. Callers should
// re-Subscribe after being woken if they want to wait again.
func (p *Publisher) Subscribe() <-chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

// NotifyClients wakes every subscribed session, implementing spec.md
// §4.H's notify_clients().
func (p *Publisher) NotifyClients() {
	p.mu.Lock()
	subs := p.subscribers
	p.subscribers = nil
	p.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
