// Package validate implements the certificate traverse engine, component D
// from spec.md §4.D: the recursive/deferred walk of the signed RPKI tree
// that invokes the decode, algorithm, and fetch collaborators and emits
// ROA/router-key callbacks into a vrp.Handler.
package validate

import (
	"context"
	"crypto/sha256"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/relyingparty/rpki-validator/internal/algorithm"
	"github.com/relyingparty/rpki-validator/internal/decode"
	"github.com/relyingparty/rpki-validator/internal/fetch"
	"github.com/relyingparty/rpki-validator/internal/logging"
	"github.com/relyingparty/rpki-validator/internal/routerkey"
	"github.com/relyingparty/rpki-validator/internal/rpp"
	"github.com/relyingparty/rpki-validator/internal/stack"
	"github.com/relyingparty/rpki-validator/internal/uri"
	"github.com/relyingparty/rpki-validator/internal/vrp"
)

// PubKeyState is the per-task public-key state machine from spec.md §4.D:
// set the first time a root certificate's SPKI is checked against its
// TAL, and consulted by the per-TAL task to classify a root failure as
// soft or hard.
type PubKeyState int

const (
	PKSUntested PubKeyState = iota
	PKSValid
	PKSInvalid
)

func (s PubKeyState) String() string {
	switch s {
	case PKSValid:
		return "valid"
	case PKSInvalid:
		return "invalid"
	default:
		return "untested"
	}
}

// ErrRootSPKIMismatch is returned when a trust-anchor certificate's SPKI
// does not match the bytes loaded from its TAL.
var ErrRootSPKIMismatch = errors.New("root certificate spki does not match tal spki")

// ErrManifestMissing and ErrRRDPUnsupported mark known thin-collaborator
// limits: an RPP with no manifest file on disk, and an RRDP (https)
// publication point, whose snapshot/delta XML grammar is explicitly out
// of scope (spec.md §1, "we do not specify... the RTR wire format... only
// the shape of the calls").
var (
	ErrManifestMissing = errors.New("rpp has no manifest file")
	ErrRRDPUnsupported = errors.New("rrdp publication points are not fetched by this collaborator")
)

// Engine holds everything the traverse algorithm needs to cross package
// boundaries: the decode/algorithm/fetch collaborators, the output
// handler, and the manifest hash cache. The calling task's stack is not
// held here; it is passed to each Traverse call.
type Engine struct {
	Decoder   decode.Decoder
	Profile   algorithm.Profile
	Fetcher   fetch.Fetcher
	Handler   vrp.Handler
	HashCache *rpp.HashCache
	CacheRoot string
}

// NewEngine wires the default stdlib decoder and RFC 7935 profile around a
// caller-supplied fetcher and handler.
func NewEngine(fetcher fetch.Fetcher, handler vrp.Handler, hashCache *rpp.HashCache, cacheRoot string) *Engine {
	return &Engine{
		Decoder:   decode.StdlibDecoder{},
		Profile:   algorithm.DefaultProfile,
		Fetcher:   fetcher,
		Handler:   handler,
		HashCache: hashCache,
		CacheRoot: cacheRoot,
	}
}

// Traverse is the public entry from spec.md §4.D: when parent is nil the
// certificate is a trust-anchor root checked against talSPKI; otherwise it
// is a subordinate CA whose RPP is parent. It returns the final public-key
// state (meaningful only for the root case) and an error.
func (e *Engine) Traverse(ctx context.Context, parent *rpp.RPP, certURI *uri.URI, talSPKI []byte, s *stack.Stack) (PubKeyState, error) {
	log := logging.FromContext(ctx)
	cert, err := e.Decoder.Certificate(certURI.LocalPath())
	if err != nil {
		return PKSUntested, errors.Wrapf(err, "decoding certificate %s", certURI)
	}

	state := PKSUntested
	isRoot := parent == nil
	if isRoot {
		if !spkiEqual(cert.SPKI, talSPKI) {
			return PKSInvalid, errors.Wrapf(ErrRootSPKIMismatch, "%s", certURI)
		}
		state = PKSValid
	} else {
		state = PKSValid
	}

	if err := e.Profile.Check(cert.Raw); err != nil {
		return state, errors.Wrapf(err, "algorithm profile check for %s", certURI)
	}

	if cert.CARepository == "" {
		return state, errors.Errorf("%s: CA certificate has no caRepository SIA", certURI)
	}

	point, err := uri.New(cert.CARepository, e.CacheRoot)
	if err != nil {
		return state, errors.Wrapf(err, "resolving caRepository for %s", certURI)
	}

	if point.Scheme() == uri.SchemeHTTPS {
		return state, errors.Wrapf(ErrRRDPUnsupported, "%s", point)
	}

	outcome := e.Fetcher.Fetch(ctx, point)
	if outcome.Err != nil {
		return state, errors.Wrapf(outcome.Err, "fetching rpp %s", point)
	}

	this := rpp.New(point)
	defer this.Release()

	mftPath, err := findManifest(point.LocalPath())
	if err != nil {
		this.Manifest = &rpp.Manifest{Degraded: true}
		log.Warnw("manifest missing, rpp degraded", "rpp", point.String(), "error", err.Error())
		return state, nil
	}

	entries, err := e.manifestEntries(point, mftPath, cert)
	if err != nil {
		this.Manifest = &rpp.Manifest{Degraded: true}
		log.Warnw("manifest failed to parse, rpp degraded", "rpp", point.String(), "error", err.Error())
		return state, nil
	}
	this.Manifest = &rpp.Manifest{Entries: entries}

	if !this.Trusted() {
		return state, nil
	}

	for _, entry := range this.Manifest.Entries {
		objPath := filepath.Join(point.LocalPath(), entry.Name)
		if err := e.dispatchObject(ctx, this, entry, objPath, cert, s); err != nil {
			log.Warnw("object validation failed, isolated to this object", "file", entry.Name, "rpp", point.String(), "error", err.Error())
		}
	}

	return state, nil
}

// dispatchObject implements spec.md §4.D step 6: type dispatch by
// manifest entry kind, each object's fate isolated from its siblings.
// Every object is first checked against the hash the manifest claims for
// it, so a file substituted or corrupted on disk under a manifest-listed
// name is never processed as if it matched the signed manifest.
func (e *Engine) dispatchObject(ctx context.Context, this *rpp.RPP, entry rpp.ManifestEntry, objPath string, issuer *decode.Certificate, s *stack.Stack) error {
	if err := verifyManifestHash(objPath, entry.Hash); err != nil {
		return errors.Wrapf(err, "manifest hash check for %s", entry.Name)
	}

	switch entry.Kind {
	case rpp.KindCRL:
		if _, err := e.Decoder.CRL(objPath); err != nil {
			return errors.Wrapf(err, "decoding crl %s", entry.Name)
		}
		return nil

	case rpp.KindROA:
		return e.validateROA(objPath, issuer)

	case rpp.KindGhostbusters:
		signer, err := e.Decoder.Ghostbusters(objPath)
		if err != nil {
			return errors.Wrapf(err, "decoding ghostbusters %s", entry.Name)
		}
		if err := signer.Raw.CheckSignatureFrom(issuer.Raw); err != nil {
			return errors.Wrapf(err, "ghostbusters %s signature check", entry.Name)
		}
		return nil

	case rpp.KindUnknown:
		// Extension ".cer": could be a subordinate CA (push for later
		// traversal) or a router-key EE certificate, distinguished only
		// by decoding it.
		cert, err := e.Decoder.Certificate(objPath)
		if err != nil {
			return errors.Wrapf(err, "decoding certificate %s", entry.Name)
		}
		if cert.IsCA {
			if err := cert.Raw.CheckSignatureFrom(issuer.Raw); err != nil {
				return errors.Wrapf(err, "subordinate ca %s chain check", entry.Name)
			}
			objURI, err := uri.New(talURIForLocalPath(this.Point, entry.Name), e.CacheRoot)
			if err != nil {
				return errors.Wrapf(err, "building uri for %s", entry.Name)
			}
			s.Push(this, objURI)
			objURI.Release()
			return nil
		}
		return e.validateRouterKey(cert, issuer)

	default:
		return nil
	}
}

// validateROA implements spec.md §4.D step 6's ROA bullet: chain the
// signing EE certificate to the issuing CA, confirm the attested prefixes
// are a subset of the issuer's RFC 3779 resources, then emit one
// handle_roa_v4/v6 call per prefix.
func (e *Engine) validateROA(path string, issuer *decode.Certificate) error {
	roa, err := e.Decoder.ROA(path)
	if err != nil {
		return errors.Wrap(err, "decoding roa")
	}
	if roa.Signer == nil {
		return errors.New("roa has no signing certificate")
	}
	if err := roa.Signer.Raw.CheckSignatureFrom(issuer.Raw); err != nil {
		return errors.Wrap(err, "roa signer chain check")
	}

	for _, p := range roa.Prefixes {
		if !resourcesCover(issuer.Resources, p.Prefix) {
			return errors.Errorf("roa prefix %s exceeds issuer resources", p.Prefix)
		}
		var handleErr error
		if p.Prefix.Addr().Is4() {
			handleErr = e.Handler.HandleROAv4(roa.AS, p.Prefix, p.MaxLength, issuer.CARepository)
		} else {
			handleErr = e.Handler.HandleROAv6(roa.AS, p.Prefix, p.MaxLength, issuer.CARepository)
		}
		if handleErr != nil {
			return errors.Wrap(handleErr, "handler rejected roa prefix")
		}
	}
	return nil
}

// validateRouterKey implements the BGPsec router-key bullet: chain to the
// issuer, then emit handle_router_key.
func (e *Engine) validateRouterKey(cert *decode.Certificate, issuer *decode.Certificate) error {
	if err := cert.Raw.CheckSignatureFrom(issuer.Raw); err != nil {
		return errors.Wrap(err, "router key chain check")
	}
	var as uint32
	if len(cert.Resources.ASNs) > 0 {
		as = cert.Resources.ASNs[0].Min
	}
	rk, err := routerkey.New(cert.SKI, as, cert.SPKI)
	if err != nil {
		return errors.Wrap(err, "constructing router key")
	}
	if err := e.Handler.HandleRouterKey(rk, issuer.CARepository); err != nil {
		return errors.Wrap(err, "handler rejected router key")
	}
	return nil
}

func spkiEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resourcesCover reports whether prefix is covered by res, conservatively
// treating an inherited resource set as covering everything; a full
// ancestor-chain inheritance walk is outside this collaborator's thin
// contract (spec.md §1).
func resourcesCover(res decode.Resources, prefix netip.Prefix) bool {
	if res.Inherit {
		return true
	}
	list := res.IPv4
	if prefix.Addr().Is6() {
		list = res.IPv6
	}
	for _, candidate := range list {
		if candidate.Bits() <= prefix.Bits() && candidate.Contains(prefix.Addr()) {
			return true
		}
	}
	return false
}

// verifyManifestHash confirms the file at path hashes to want, the value
// the manifest lists for it (spec.md §4.D step 5, "every file listed
// exists with matching hash").
func verifyManifestHash(path string, want [32]byte) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	if sha256.Sum256(body) != want {
		return errors.New("file contents do not match manifest-listed hash")
	}
	return nil
}

// manifestEntries returns the classified entries for the manifest at
// mftPath, reusing the engine's hash cache when the manifest body hasn't
// changed since the last time this publication point was visited rather than
// re-running the CMS unwrap and per-entry classification. On every actual
// decode (cache miss) the manifest's own eeCertificate is chained to
// issuer, the CA whose RPP this manifest belongs to (spec.md §4.D step 5,
// "verify the manifest's eeCertificate, signature..."); the CMS signature
// over the manifest's eContent itself is checked inside the decode
// collaborator before Manifest returns.
func (e *Engine) manifestEntries(point *uri.URI, mftPath string, issuer *decode.Certificate) ([]rpp.ManifestEntry, error) {
	body, err := os.ReadFile(mftPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", mftPath)
	}

	if e.HashCache != nil {
		if cached, ok := e.HashCache.Lookup(point.Global(), body); ok {
			return cached, nil
		}
	}

	mft, err := e.Decoder.Manifest(mftPath)
	if err != nil {
		return nil, err
	}
	if mft.Signer == nil {
		return nil, errors.New("manifest has no signing certificate")
	}
	if err := mft.Signer.Raw.CheckSignatureFrom(issuer.Raw); err != nil {
		return nil, errors.Wrap(err, "manifest signer chain check")
	}

	entries := classifyEntries(mft.Entries)

	if e.HashCache != nil {
		e.HashCache.Store(point.Global(), body, entries)
	}
	return entries, nil
}

// findManifest locates the single .mft file inside an RPP's local
// directory.
func findManifest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.mft"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrManifestMissing
	}
	return matches[0], nil
}

// classifyEntries assigns an ObjectKind to each manifest entry by file
// extension; ".cer" is left KindUnknown because distinguishing a
// subordinate CA from a router-key EE certificate requires decoding it
// (spec.md §4.D step 6).
func classifyEntries(entries []decode.FileAndHash) []rpp.ManifestEntry {
	out := make([]rpp.ManifestEntry, 0, len(entries))
	for _, e := range entries {
		kind := rpp.KindUnknown
		switch strings.ToLower(filepath.Ext(e.File)) {
		case ".crl":
			kind = rpp.KindCRL
		case ".roa":
			kind = rpp.KindROA
		case ".gbr":
			kind = rpp.KindGhostbusters
		case ".cer":
			kind = rpp.KindUnknown
		}
		var hash [32]byte
		copy(hash[:], e.Hash)
		out = append(out, rpp.ManifestEntry{Name: e.File, Hash: hash, Kind: kind})
	}
	return out
}

// talURIForLocalPath rebuilds a global URI string for a file discovered
// inside an already-fetched RPP directory, joining the RPP's own global
// form with the manifest-listed relative file name.
func talURIForLocalPath(point *uri.URI, name string) string {
	base := point.Global()
	if strings.HasSuffix(base, "/") {
		return base + name
	}
	return base + "/" + name
}
