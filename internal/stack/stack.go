// Package stack implements component C, the deferred-traversal stack from
// spec.md §4.C: a LIFO of (RPP, certificate-URI) pairs belonging to one
// per-TAL validation task, enforcing depth-first visitation of the signed
// certificate tree.
package stack

import (
	"github.com/relyingparty/rpki-validator/internal/rpp"
	"github.com/relyingparty/rpki-validator/internal/uri"
)

// Deferred is one certificate pending traversal, paired with the RPP it
// was discovered under (spec.md §3, "Deferred Certificate").
type Deferred struct {
	RPP     *rpp.RPP
	CertURI *uri.URI
}

// Stack is a LIFO owned by exactly one per-TAL validation task. It is not
// safe for concurrent use; ownership never crosses goroutines (spec.md §5,
// "Mutated only by the owning task").
type Stack struct {
	items []Deferred
}

// New returns an empty stack.
func New() *Stack {
	return &Stack{}
}

// Push takes a fresh reference on both point and certURI and enqueues them
// for later traversal (spec.md §4.C).
func (s *Stack) Push(point *rpp.RPP, certURI *uri.URI) {
	s.items = append(s.items, Deferred{
		RPP:     point.Retain(),
		CertURI: certURI.Retain(),
	})
}

// Pop removes and returns the most recently pushed entry, transferring
// ownership of both references to the caller. The second return value is
// false when the stack is empty.
func (s *Stack) Pop() (Deferred, bool) {
	if len(s.items) == 0 {
		return Deferred{}, false
	}
	last := len(s.items) - 1
	d := s.items[last]
	s.items[last] = Deferred{}
	s.items = s.items[:last]
	return d, true
}

// Empty reports whether the stack has no pending entries.
func (s *Stack) Empty() bool { return len(s.items) == 0 }

// Len reports the number of pending entries.
func (s *Stack) Len() int { return len(s.items) }

// Drain releases every remaining entry's references without traversing
// them. Used on an error exit path so that spec.md §8 invariant 6
// ("traversal stack is empty at task exit on every path") holds even when
// the task aborts mid-walk.
func (s *Stack) Drain() {
	for {
		d, ok := s.Pop()
		if !ok {
			return
		}
		d.CertURI.Release()
		d.RPP.Release()
	}
}
