// Package rpp implements the Repository Publication Point data-model
// object from spec.md §3: the set of files fetched from one publication
// directory (a manifest, a CRL, and the enumerated signed objects),
// reference counted because every certificate whose validation consumes
// objects from it shares the same RPP.
package rpp

import (
	"crypto/sha256"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/relyingparty/rpki-validator/internal/uri"
)

// ObjectKind classifies one manifest-listed file for the traverse engine's
// type dispatch (spec.md §4.D.6).
type ObjectKind int

const (
	KindUnknown ObjectKind = iota
	KindCRL
	KindCACertificate
	KindROA
	KindRouterKey
	KindGhostbusters
)

// ManifestEntry is one file listed on an RPP's manifest, with the hash the
// manifest claims for it (spec.md §4.D.5).
type ManifestEntry struct {
	Name string
	Hash [32]byte
	Kind ObjectKind
}

// Manifest is the parsed, not-yet-validated content of an RPP's manifest
// object. Validating it (eeCertificate, signature, per-file hash match) is
// the decode/algorithm collaborators' job; RPP only carries the result.
type Manifest struct {
	Entries []ManifestEntry
	// Degraded marks a manifest that failed verification; per spec.md
	// §4.D.5 its objects are not trusted by default.
	Degraded bool
}

// RPP is the reference-counted set of files published at one directory.
type RPP struct {
	// Point is the caRepository URI this RPP was fetched from.
	Point *uri.URI
	// Manifest is nil until the traverse engine has tried to locate and
	// parse this RPP's manifest.
	Manifest *Manifest

	refs *atomic.Int32
}

// New wraps point (whose reference is now owned by the RPP) into a fresh
// RPP with a single reference held by the caller.
func New(point *uri.URI) *RPP {
	refs := &atomic.Int32{}
	refs.Store(1)
	return &RPP{Point: point, refs: refs}
}

// Retain takes a fresh reference, mirroring the push side of spec.md §4.C.
func (r *RPP) Retain() *RPP {
	n := r.refs.Add(1)
	if n <= 1 {
		panic(fmt.Sprintf("rpp: retain on released rpp %q", r.Point.Global()))
	}
	return r
}

// Release drops a reference, releasing the underlying point URI's
// reference once the RPP itself has none left.
func (r *RPP) Release() {
	n := r.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("rpp: double release of %q", r.Point.Global()))
	}
	if n == 0 {
		r.Point.Release()
	}
}

// RefCount exposes the live reference count for leak assertions in tests.
func (r *RPP) RefCount() int32 { return r.refs.Load() }

// Trusted reports whether objects listed on this RPP's manifest should be
// validated at all (spec.md §4.D.5: a failed manifest downgrades the RPP).
func (r *RPP) Trusted() bool {
	return r.Manifest != nil && !r.Manifest.Degraded
}

// HashCacheSize bounds the manifest-hash memoization cache (spec.md §5,
// "RRDP repository database (fetched-content cache)"): a manifest whose
// hash hasn't changed since the previous validation cycle does not need
// to be re-parsed.
const HashCacheSize = 4096

// HashCache memoizes the last-seen manifest hash and its classified
// entries per publication point (keyed by the string the caller passes;
// internal/validate passes the caRepository URI), backed by
// github.com/hashicorp/golang-lru (a teacher dependency) so memory stays
// bounded under an unbounded number of repositories across long daemon
// uptimes. A manifest whose hash is unchanged since the last cycle skips
// re-parsing (the CMS unwrap and per-entry classification), since the
// cached entries are still an accurate description of the RPP.
type HashCache struct {
	cache *lru.Cache
}

type manifestCacheEntry struct {
	hash    [32]byte
	entries []ManifestEntry
}

// NewHashCache constructs a bounded manifest-hash cache.
func NewHashCache() (*HashCache, error) {
	c, err := lru.New(HashCacheSize)
	if err != nil {
		return nil, err
	}
	return &HashCache{cache: c}, nil
}

// Lookup returns the entries cached for authority if manifestBody hashes
// the same as the last time it was stored, so the caller can skip
// re-parsing an unchanged manifest.
func (h *HashCache) Lookup(authority string, manifestBody []byte) ([]ManifestEntry, bool) {
	v, ok := h.cache.Get(authority)
	if !ok {
		return nil, false
	}
	cached := v.(manifestCacheEntry)
	if cached.hash != sha256.Sum256(manifestBody) {
		return nil, false
	}
	return cached.entries, true
}

// Store remembers manifestBody's hash and its classified entries for
// authority, replacing whatever was previously cached.
func (h *HashCache) Store(authority string, manifestBody []byte, entries []ManifestEntry) {
	h.cache.Add(authority, manifestCacheEntry{hash: sha256.Sum256(manifestBody), entries: entries})
}
