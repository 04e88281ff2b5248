// Package uri implements the Fetch URI data-model object from spec.md §3:
// a tagged rsync/https URI carrying both its canonical "global" form (for
// logging and dedup) and its local filesystem cache path, reference
// counted because a single URI is shared between the traversal stack, a
// manifest entry, and a log line simultaneously (spec.md §5, "Reference-
// counting discipline").
package uri

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Scheme identifies the transport a URI must be fetched through.
type Scheme int

const (
	// SchemeUnknown marks a URI whose scheme failed validation.
	SchemeUnknown Scheme = iota
	SchemeRsync
	SchemeHTTPS
)

func (s Scheme) String() string {
	switch s {
	case SchemeRsync:
		return "rsync"
	case SchemeHTTPS:
		return "https"
	default:
		return "unknown"
	}
}

// ErrUnsupportedScheme is returned when a TAL or SIA URI uses a scheme
// other than rsync or https (spec.md §4.A, "UnsupportedScheme").
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// URI is a reference-counted fetch location. The zero value is not valid;
// construct with New.
type URI struct {
	scheme    Scheme
	global    string
	localPath string

	refs *atomic.Int32
}

// New parses raw (as it appears in a TAL or an SIA extension) and resolves
// its local cache path under cacheRoot. The returned URI starts with a
// single reference held by the caller.
func New(raw string, cacheRoot string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing uri %q", raw)
	}

	var scheme Scheme
	switch strings.ToLower(u.Scheme) {
	case "rsync":
		scheme = SchemeRsync
	case "https":
		scheme = SchemeHTTPS
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", raw)
	}

	local := filepath.Join(cacheRoot, u.Host, filepath.FromSlash(u.Path))

	refs := &atomic.Int32{}
	refs.Store(1)
	return &URI{
		scheme:    scheme,
		global:    raw,
		localPath: local,
		refs:      refs,
	}, nil
}

// Scheme returns the transport this URI must be fetched through.
func (u *URI) Scheme() Scheme { return u.scheme }

// IsRsync reports whether this URI's scheme is rsync.
func (u *URI) IsRsync() bool { return u.scheme == SchemeRsync }

// Global returns the canonical form used for logging and deduplication.
func (u *URI) Global() string { return u.global }

// LocalPath returns the path under the working repository cache this URI
// fetches to.
func (u *URI) LocalPath() string { return u.localPath }

// IsCertificate reports whether the local path looks like an RPKI
// certificate file, matching FORT's uri_is_certificate() check used to
// reject TAL URIs that don't point at a .cer (spec.md §4.E.2.2).
func (u *URI) IsCertificate() bool {
	return strings.EqualFold(filepath.Ext(u.localPath), ".cer")
}

// Retain takes a fresh reference and returns the same URI, mirroring
// uri_refget() / the push side of spec.md §4.C.
func (u *URI) Retain() *URI {
	n := u.refs.Add(1)
	if n <= 1 {
		panic(fmt.Sprintf("uri: retain on released uri %q", u.global))
	}
	return u
}

// Release drops a reference. Releasing past zero is a programmer error
// (spec.md §7, "Fatal-invariant") and panics rather than silently
// corrupting the count.
func (u *URI) Release() {
	n := u.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("uri: double release of %q", u.global))
	}
}

// RefCount reports the current reference count; exposed for leak assertions
// in tests (spec.md §8 invariant 7).
func (u *URI) RefCount() int32 { return u.refs.Load() }

func (u *URI) String() string { return u.global }
