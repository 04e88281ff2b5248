package validate

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relyingparty/rpki-validator/internal/algorithm"
	"github.com/relyingparty/rpki-validator/internal/decode"
	"github.com/relyingparty/rpki-validator/internal/fetch"
	"github.com/relyingparty/rpki-validator/internal/rpp"
	"github.com/relyingparty/rpki-validator/internal/stack"
	"github.com/relyingparty/rpki-validator/internal/uri"
	"github.com/relyingparty/rpki-validator/internal/vrp"
)

// noopFetcher treats every RPP fetch as already present on disk; the
// engine tests exercise dispatch logic against a fake decoder, not
// transport behavior (covered separately in internal/fetch).
type noopFetcher struct{}

func (noopFetcher) Fetch(ctx context.Context, u *uri.URI) fetch.Outcome {
	return fetch.Outcome{URI: u}
}

// fakeDecoder serves pre-built decode results keyed by the path the
// engine requests, so tests can drive the traverse algorithm without a
// real on-disk ASN.1/CMS corpus.
type fakeDecoder struct {
	certs        map[string]*decode.Certificate
	manifests    map[string]*decode.Manifest
	roas         map[string]*decode.ROA
	crls         map[string]*decode.CRL
	ghostbusters map[string]*decode.Certificate
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		certs:        map[string]*decode.Certificate{},
		manifests:    map[string]*decode.Manifest{},
		roas:         map[string]*decode.ROA{},
		crls:         map[string]*decode.CRL{},
		ghostbusters: map[string]*decode.Certificate{},
	}
}

func (f *fakeDecoder) Certificate(path string) (*decode.Certificate, error) {
	c, ok := f.certs[path]
	if !ok {
		return nil, fmt.Errorf("fakeDecoder: no certificate registered for %s", path)
	}
	return c, nil
}

func (f *fakeDecoder) Manifest(path string) (*decode.Manifest, error) {
	m, ok := f.manifests[path]
	if !ok {
		return nil, fmt.Errorf("fakeDecoder: no manifest registered for %s", path)
	}
	return m, nil
}

func (f *fakeDecoder) ROA(path string) (*decode.ROA, error) {
	r, ok := f.roas[path]
	if !ok {
		return nil, fmt.Errorf("fakeDecoder: no roa registered for %s", path)
	}
	return r, nil
}

func (f *fakeDecoder) RouterKeyCertificate(path string) (*decode.Certificate, error) {
	return f.Certificate(path)
}

func (f *fakeDecoder) Ghostbusters(path string) (*decode.Certificate, error) {
	c, ok := f.ghostbusters[path]
	if !ok {
		return nil, fmt.Errorf("fakeDecoder: no ghostbusters registered for %s", path)
	}
	return c, nil
}

func (f *fakeDecoder) CRL(path string) (*decode.CRL, error) {
	c, ok := f.crls[path]
	if !ok {
		return nil, fmt.Errorf("fakeDecoder: no crl registered for %s", path)
	}
	return c, nil
}

var _ decode.Decoder = (*fakeDecoder)(nil)

// issuedCert generates a real, signature-verifiable leaf certificate so
// that engine.Traverse's CheckSignatureFrom chain checks exercise genuine
// crypto rather than stubs.
func issuedCert(t *testing.T, cn string, isCA bool, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	ski := sha1.Sum(pubDER)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		SubjectKeyId:          ski[:],
	}

	signer := parent
	signerKey := parentKey
	if signer == nil {
		signer = template
		signerKey = key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signerKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

// fileWithHash writes content to path and returns its SHA-256 sum, so a
// manifest fixture's claimed hash always matches the bytes dispatchObject
// will actually read back.
func fileWithHash(t *testing.T, path string, content []byte) []byte {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sum := sha256.Sum256(content)
	return sum[:]
}

func setupTraversal(t *testing.T) (*Engine, *fakeDecoder, *stack.Stack, *vrp.Table, *uri.URI, []byte, string) {
	t.Helper()
	cacheRoot := t.TempDir()

	rootCert, rootKey := issuedCert(t, "root", true, nil, nil)
	roaEE, _ := issuedCert(t, "roa-ee", false, rootCert, rootKey)
	routerEE, _ := issuedCert(t, "router-ee", false, rootCert, rootKey)
	gbrEE, _ := issuedCert(t, "gbr-ee", false, rootCert, rootKey)
	ca2Cert, _ := issuedCert(t, "ca2", true, rootCert, rootKey)

	fd := newFakeDecoder()

	rootURI, err := uri.New("rsync://repo.example.org/ta/root.cer", cacheRoot)
	require.NoError(t, err)

	rootDecoded := &decode.Certificate{
		Raw:          rootCert,
		SPKI:         rootCert.RawSubjectPublicKeyInfo,
		SKI:          rootCert.SubjectKeyId,
		IsCA:         true,
		CARepository: "rsync://repo.example.org/module/ca1/",
		Resources: decode.Resources{
			IPv4: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
		},
	}
	fd.certs[rootURI.LocalPath()] = rootDecoded

	caDir := filepath.Join(cacheRoot, "repo.example.org", "module", "ca1")
	require.NoError(t, os.MkdirAll(caDir, 0o755))
	mftPath := filepath.Join(caDir, "ca1.mft")
	require.NoError(t, os.WriteFile(mftPath, []byte("placeholder"), 0o644))

	roaHash := fileWithHash(t, filepath.Join(caDir, "roa1.roa"), []byte("roa1-content"))
	routerHash := fileWithHash(t, filepath.Join(caDir, "routerkey1.cer"), []byte("routerkey1-content"))
	gbrHash := fileWithHash(t, filepath.Join(caDir, "ghostbusters1.gbr"), []byte("ghostbusters1-content"))
	crlHash := fileWithHash(t, filepath.Join(caDir, "crl1.crl"), []byte("crl1-content"))
	ca2Hash := fileWithHash(t, filepath.Join(caDir, "ca2.cer"), []byte("ca2-content"))

	mftEE, _ := issuedCert(t, "mft-ee", false, rootCert, rootKey)

	fd.manifests[mftPath] = &decode.Manifest{
		Signer: &decode.Certificate{Raw: mftEE},
		Entries: []decode.FileAndHash{
			{File: "roa1.roa", Hash: roaHash},
			{File: "routerkey1.cer", Hash: routerHash},
			{File: "ghostbusters1.gbr", Hash: gbrHash},
			{File: "crl1.crl", Hash: crlHash},
			{File: "ca2.cer", Hash: ca2Hash},
		},
	}

	fd.roas[filepath.Join(caDir, "roa1.roa")] = &decode.ROA{
		Signer: &decode.Certificate{Raw: roaEE},
		AS:     64500,
		Prefixes: []decode.ROAPrefix{
			{Prefix: netip.MustParsePrefix("10.0.0.0/24"), MaxLength: 24},
		},
	}

	routerPub, err := x509.MarshalPKIXPublicKey(&routerEE.PublicKey)
	require.NoError(t, err)
	require.Len(t, routerPub, 91, "P-256 SPKI DER must be exactly 91 bytes per RFC 8209")

	fd.certs[filepath.Join(caDir, "routerkey1.cer")] = &decode.Certificate{
		Raw:  routerEE,
		IsCA: false,
		SKI:  routerEE.SubjectKeyId,
		SPKI: routerPub,
		Resources: decode.Resources{
			ASNs: []decode.ASRange{{Min: 64501, Max: 64501}},
		},
	}

	fd.ghostbusters[filepath.Join(caDir, "ghostbusters1.gbr")] = &decode.Certificate{Raw: gbrEE}
	fd.crls[filepath.Join(caDir, "crl1.crl")] = &decode.CRL{}

	fd.certs[filepath.Join(caDir, "ca2.cer")] = &decode.Certificate{
		Raw:          ca2Cert,
		IsCA:         true,
		CARepository: "rsync://repo.example.org/module/ca2/",
	}

	table := vrp.NewTable()
	engine := &Engine{
		Decoder: fd,
		// The test certificates are ECDSA P-256; ECDSAProfile accepts
		// them. internal/algorithm's own tests cover profile rejection.
		Profile:   algorithm.ECDSAProfile,
		Fetcher:   noopFetcher{},
		Handler:   table,
		CacheRoot: cacheRoot,
	}

	return engine, fd, stack.New(), table, rootURI, rootCert.RawSubjectPublicKeyInfo, cacheRoot
}

func TestTraverseRootWalksManifestAndEmitsVRP(t *testing.T) {
	engine, _, s, table, rootURI, talSPKI, _ := setupTraversal(t)

	state, err := engine.Traverse(context.Background(), nil, rootURI, talSPKI, s)
	require.NoError(t, err)
	require.Equal(t, PKSValid, state)

	vrps := table.VRPs()
	require.Len(t, vrps, 1)
	require.Equal(t, uint32(64500), vrps[0].AS)
	require.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), vrps[0].Prefix)

	require.Equal(t, 1, s.Len())
	d, ok := s.Pop()
	require.True(t, ok)
	require.Contains(t, d.CertURI.String(), "ca2.cer")
	d.CertURI.Release()
	d.RPP.Release()
}

func TestTraverseRootSPKIMismatchIsInvalid(t *testing.T) {
	engine, _, s, _, rootURI, _, _ := setupTraversal(t)

	state, err := engine.Traverse(context.Background(), nil, rootURI, []byte("not the real spki"), s)
	require.Error(t, err)
	require.Equal(t, PKSInvalid, state)
	require.ErrorIs(t, err, ErrRootSPKIMismatch)
}

func TestTraverseMissingManifestDegradesRPP(t *testing.T) {
	engine, _, s, table, rootURI, talSPKI, cacheRoot := setupTraversal(t)

	mftPath := filepath.Join(cacheRoot, "repo.example.org", "module", "ca1", "ca1.mft")
	require.NoError(t, os.Remove(mftPath))

	state, err := engine.Traverse(context.Background(), nil, rootURI, talSPKI, s)
	require.NoError(t, err)
	require.Equal(t, PKSValid, state)
	require.Equal(t, 0, table.Len())
	require.True(t, s.Empty())
}

// countingManifestDecoder wraps a fakeDecoder and counts Manifest calls,
// so a test can assert the hash cache actually skips re-parsing.
type countingManifestDecoder struct {
	*fakeDecoder
	manifestCalls int
}

func (c *countingManifestDecoder) Manifest(path string) (*decode.Manifest, error) {
	c.manifestCalls++
	return c.fakeDecoder.Manifest(path)
}

func TestTraverseReusesCachedManifestEntriesWhenUnchanged(t *testing.T) {
	engine, fd, s, table, rootURI, talSPKI, _ := setupTraversal(t)
	counting := &countingManifestDecoder{fakeDecoder: fd}
	engine.Decoder = counting
	hashCache, err := rpp.NewHashCache()
	require.NoError(t, err)
	engine.HashCache = hashCache

	_, err = engine.Traverse(context.Background(), nil, rootURI, talSPKI, s)
	require.NoError(t, err)
	require.Equal(t, 1, counting.manifestCalls)
	d, ok := s.Pop()
	require.True(t, ok)
	d.CertURI.Release()
	d.RPP.Release()
	require.Equal(t, 1, table.Len())

	// Second visit to the same root with an unchanged manifest body must
	// reuse the cached entries (and still emit the VRP again) rather than
	// calling the decoder's Manifest method a second time.
	s2 := stack.New()
	table2 := vrp.NewTable()
	engine.Handler = table2
	_, err = engine.Traverse(context.Background(), nil, rootURI, talSPKI, s2)
	require.NoError(t, err)
	require.Equal(t, 1, counting.manifestCalls, "manifest must not be re-parsed when its hash is unchanged")
	require.Equal(t, 1, table2.Len())
	d2, ok := s2.Pop()
	require.True(t, ok)
	d2.CertURI.Release()
	d2.RPP.Release()
}
