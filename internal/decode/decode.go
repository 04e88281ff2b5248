// Package decode is the thin ASN.1/X.509/CMS decode collaborator named in
// spec.md §1 and §6: "we do not specify the ASN.1 grammar itself... only
// the shape of the calls made into them and the semantic contract expected
// back." The certificate path is a real, if minimal, implementation built
// on crypto/x509 and encoding/asn1; the CMS-wrapped object types (manifest,
// ROA, ghostbusters) get a correspondingly minimal CMS SignedData unwrap —
// enough to hand the traverse engine (internal/validate) real eContent and
// a real signing certificate, without reimplementing a general CMS
// library.
package decode

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net/netip"
	"os"

	"github.com/pkg/errors"

	"github.com/relyingparty/rpki-validator/internal/algorithm"
)

// OIDs used to locate the SIA caRepository access method and the RFC 3779
// extensions, the same constants octoRPKI defines at package scope
// (CertRepository, CertRRDP in _examples/ties-octorpki/cmd/octorpki/octorpki.go).
var (
	oidSubjectInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	oidCARepository      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 5}
	oidRRDPNotify        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 13}
	oidIPAddrBlocks      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
	oidASIdentifiers     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}
	oidMessageDigest     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
)

// ASRange is an inclusive range of autonomous system numbers, the decoded
// form of one ASIdentifierChoice entry
// (_examples/original_source/src/asn1/asn1c/ASIdentifierChoice.h).
type ASRange struct {
	Min, Max uint32
}

// Contains reports whether as falls within the range.
func (r ASRange) Contains(as uint32) bool { return as >= r.Min && as <= r.Max }

// Resources is the decoded RFC 3779 resource extension set carried by a
// resource certificate.
type Resources struct {
	IPv4 []netip.Prefix
	IPv6 []netip.Prefix
	ASNs []ASRange
	// Inherit is true when the certificate inherits its issuer's resources
	// wholesale rather than listing them explicitly.
	Inherit bool
}

// Certificate is the decoded form of an X.509 v3 resource certificate.
type Certificate struct {
	Raw          *x509.Certificate
	SPKI         []byte // RawSubjectPublicKeyInfo, exact DER bytes
	SKI          []byte
	IsCA         bool
	CARepository string // caRepository SIA access location, CA certs only
	RRDPNotify   string // RRDP notification URL, if present
	Resources    Resources
}

// Manifest is the decoded eContent of a manifest CMS object (RFC 6486).
type Manifest struct {
	Signer  *Certificate
	Entries []FileAndHash
}

// FileAndHash is one manifest entry.
type FileAndHash struct {
	File string
	Hash []byte
}

// ROAPrefix is one prefix entry from a Route Origin Attestation.
type ROAPrefix struct {
	Prefix    netip.Prefix
	MaxLength uint8
}

// ROA is the decoded eContent of a ROA CMS object (RFC 6482).
type ROA struct {
	Signer   *Certificate
	AS       uint32
	Prefixes []ROAPrefix
}

// CRL is the decoded form of a certificate revocation list.
type CRL struct {
	Raw *x509.RevocationList
}

// Decoder is the collaborator interface the traverse engine depends on.
// StdlibDecoder is the production implementation; tests in
// internal/validate substitute a fake.
type Decoder interface {
	Certificate(path string) (*Certificate, error)
	Manifest(path string) (*Manifest, error)
	ROA(path string) (*ROA, error)
	RouterKeyCertificate(path string) (*Certificate, error)
	Ghostbusters(path string) (*Certificate, error)
	CRL(path string) (*CRL, error)
}

// StdlibDecoder decodes RPKI objects using crypto/x509 and encoding/asn1
// only, per spec.md's instruction to leave the ASN.1 grammar itself
// unspecified.
type StdlibDecoder struct{}

var _ Decoder = StdlibDecoder{}

// Certificate parses a DER-encoded X.509 resource certificate.
func (StdlibDecoder) Certificate(path string) (*Certificate, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading certificate %q", path)
	}
	return parseCertificate(der)
}

func parseCertificate(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing x509 certificate")
	}

	out := &Certificate{
		Raw:  cert,
		SPKI: cert.RawSubjectPublicKeyInfo,
		SKI:  cert.SubjectKeyId,
		IsCA: cert.IsCA,
	}

	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidSubjectInfoAccess):
			loc, rrdp, err := parseSIA(ext.Value)
			if err != nil {
				return nil, errors.Wrap(err, "parsing SIA extension")
			}
			out.CARepository = loc
			out.RRDPNotify = rrdp
		case ext.Id.Equal(oidIPAddrBlocks):
			v4, v6, inherit, err := parseIPAddrBlocks(ext.Value)
			if err != nil {
				return nil, errors.Wrap(err, "parsing IPAddrBlocks extension")
			}
			out.Resources.IPv4 = v4
			out.Resources.IPv6 = v6
			out.Resources.Inherit = out.Resources.Inherit || inherit
		case ext.Id.Equal(oidASIdentifiers):
			ranges, inherit, err := parseASIdentifiers(ext.Value)
			if err != nil {
				return nil, errors.Wrap(err, "parsing ASIdentifiers extension")
			}
			out.Resources.ASNs = ranges
			out.Resources.Inherit = out.Resources.Inherit || inherit
		}
	}

	return out, nil
}

type accessDescription struct {
	Method    asn1.ObjectIdentifier
	Location  asn1.RawValue
}

// parseSIA walks a SubjectInfoAccess SEQUENCE OF AccessDescription looking
// for the caRepository and RRDP-notify access methods.
func parseSIA(value []byte) (caRepo, rrdpNotify string, err error) {
	var descs []accessDescription
	if _, err := asn1.Unmarshal(value, &descs); err != nil {
		return "", "", err
	}
	for _, d := range descs {
		uri := string(d.Location.Bytes)
		switch {
		case d.Method.Equal(oidCARepository):
			caRepo = uri
		case d.Method.Equal(oidRRDPNotify):
			rrdpNotify = uri
		}
	}
	return caRepo, rrdpNotify, nil
}

// parseIPAddrBlocks decodes the subset of RFC 3779 IPAddrBlocks this
// validator needs: inherit vs. an explicit prefix list, per address
// family. Ranges (as opposed to prefixes) are not supported by this thin
// collaborator: an address family that lists a range fails to unmarshal,
// and the whole extension is rejected with that error.
func parseIPAddrBlocks(value []byte) (v4, v6 []netip.Prefix, inherit bool, err error) {
	type ipAddressFamily struct {
		AddressFamily []byte
		Choice        asn1.RawValue
	}
	var families []ipAddressFamily
	if _, err := asn1.Unmarshal(value, &families); err != nil {
		return nil, nil, false, err
	}

	for _, fam := range families {
		if len(fam.AddressFamily) < 2 {
			continue
		}
		is6 := fam.AddressFamily[1] == 2
		if fam.Choice.Tag == asn1.TagNull {
			inherit = true
			continue
		}
		var addrs []asn1.BitString
		if _, err := asn1.Unmarshal(fam.Choice.FullBytes, &addrs); err != nil {
			return nil, nil, false, err
		}
		for _, bits := range addrs {
			p, err := bitStringToPrefix(bits, is6)
			if err != nil {
				continue
			}
			if is6 {
				v6 = append(v6, p)
			} else {
				v4 = append(v4, p)
			}
		}
	}
	return v4, v6, inherit, nil
}

func bitStringToPrefix(bits asn1.BitString, is6 bool) (netip.Prefix, error) {
	width := 4
	if is6 {
		width = 16
	}
	buf := make([]byte, width)
	copy(buf, bits.Bytes)

	var addr netip.Addr
	if is6 {
		var a [16]byte
		copy(a[:], buf)
		addr = netip.AddrFrom16(a)
	} else {
		var a [4]byte
		copy(a[:], buf)
		addr = netip.AddrFrom4(a)
	}
	return netip.PrefixFrom(addr, bits.BitLength), nil
}

// parseASIdentifiers decodes the subset of RFC 3779 ASIdentifiers this
// validator needs: inherit vs. an explicit list of ranges/singletons.
func parseASIdentifiers(value []byte) ([]ASRange, bool, error) {
	type asIDOrRange struct {
		Raw asn1.RawValue
	}
	type asIdentifierChoice struct {
		Choice asn1.RawValue
	}
	type asIdentifiers struct {
		ASNum asIdentifierChoice `asn1:"optional,tag:0"`
	}

	var ids asIdentifiers
	if _, err := asn1.Unmarshal(value, &ids); err != nil {
		return nil, false, err
	}
	if ids.ASNum.Choice.Tag == asn1.TagNull {
		return nil, true, nil
	}

	var entries []asIDOrRange
	if _, err := asn1.Unmarshal(ids.ASNum.Choice.FullBytes, &entries); err != nil {
		return nil, false, err
	}

	var ranges []ASRange
	for _, e := range entries {
		switch e.Raw.Tag {
		case asn1.TagInteger:
			var as int64
			if _, err := asn1.Unmarshal(e.Raw.FullBytes, &as); err == nil {
				ranges = append(ranges, ASRange{Min: uint32(as), Max: uint32(as)})
			}
		default:
			var r struct{ Min, Max int64 }
			if _, err := asn1.Unmarshal(e.Raw.FullBytes, &r); err == nil {
				ranges = append(ranges, ASRange{Min: uint32(r.Min), Max: uint32(r.Max)})
			}
		}
	}
	return ranges, false, nil
}

// cmsContentInfo and cmsSignedData describe just enough of RFC 5652's CMS
// structures to extract eContent and the embedded signing certificate;
// signature verification itself is the algorithm collaborator's job.
type cmsContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type cmsSignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue `asn1:"set"`
	EncapContentInfo struct {
		EContentType asn1.ObjectIdentifier
		EContent     []byte `asn1:"explicit,optional,tag:0"`
	}
	Certificates asn1.RawValue `asn1:"optional,tag:0"`
	SignerInfos  asn1.RawValue `asn1:"set"`
}

// cmsSignerInfo is RFC 5652's SignerInfo, far enough decoded to recover
// the signed attributes and the signature itself.
type cmsSignerInfo struct {
	Version            int
	Sid                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
}

// cmsAttribute is one entry of a SignerInfo's signedAttrs SET OF
// Attribute.
type cmsAttribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}

// signedAttr returns the first (and, for RPKI signed objects, only) value
// of the signed attribute identified by oid.
func signedAttr(signedAttrs []byte, oid asn1.ObjectIdentifier) (asn1.RawValue, bool) {
	rest := signedAttrs
	for len(rest) > 0 {
		var attr cmsAttribute
		r, err := asn1.Unmarshal(rest, &attr)
		if err != nil {
			return asn1.RawValue{}, false
		}
		rest = r
		if !attr.Type.Equal(oid) {
			continue
		}
		var val asn1.RawValue
		if _, err := asn1.Unmarshal(attr.Values.Bytes, &val); err != nil {
			return asn1.RawValue{}, false
		}
		return val, true
	}
	return asn1.RawValue{}, false
}

func parseCMS(der []byte) (econtent []byte, signer *Certificate, err error) {
	var ci cmsContentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, nil, errors.Wrap(err, "parsing ContentInfo")
	}

	var sd cmsSignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, nil, errors.Wrap(err, "parsing SignedData")
	}

	if len(sd.Certificates.Bytes) == 0 {
		return nil, nil, errors.New("cms signedData carries no certificates")
	}
	// The certificates field is an implicit SET OF Certificate; the first
	// one is the object's signing EE certificate.
	var rawCert asn1.RawValue
	if _, err := asn1.Unmarshal(sd.Certificates.Bytes, &rawCert); err != nil {
		return nil, nil, errors.Wrap(err, "parsing signing certificate")
	}
	signer, err = parseCertificate(rawCert.FullBytes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing signing certificate")
	}

	var si cmsSignerInfo
	if _, err := asn1.Unmarshal(sd.SignerInfos.Bytes, &si); err != nil {
		return nil, nil, errors.Wrap(err, "parsing SignerInfo")
	}
	if len(si.SignedAttrs.FullBytes) == 0 {
		return nil, nil, errors.New("cms signerInfo carries no signed attributes")
	}

	md, ok := signedAttr(si.SignedAttrs.Bytes, oidMessageDigest)
	if !ok {
		return nil, nil, errors.New("cms signerInfo missing messageDigest attribute")
	}
	computed := sha256.Sum256(sd.EncapContentInfo.EContent)
	if !bytes.Equal(md.Bytes, computed[:]) {
		return nil, nil, errors.New("cms messageDigest does not match eContent")
	}

	// The signature covers the DER encoding of signedAttrs as a SET OF
	// Attribute, not as the implicit [0] context tag it carries inside
	// SignerInfo (RFC 5652 §5.4): swap the tag byte before verifying.
	signedAttrsForVerify := append([]byte(nil), si.SignedAttrs.FullBytes...)
	signedAttrsForVerify[0] = asn1.TagSet | 0x20

	if err := algorithm.VerifySignature(signer.Raw.PublicKey, signedAttrsForVerify, si.Signature); err != nil {
		return nil, nil, errors.Wrap(err, "cms signature verification")
	}

	return sd.EncapContentInfo.EContent, signer, nil
}

// Manifest decodes a CMS-wrapped manifest object.
func (StdlibDecoder) Manifest(path string) (*Manifest, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %q", path)
	}
	econtent, signer, err := parseCMS(der)
	if err != nil {
		return nil, err
	}

	type fileAndHash struct {
		File string
		Hash asn1.BitString
	}
	type manifestContent struct {
		Version     int `asn1:"optional,default:0"`
		ManifestNum int
		ThisUpdate  asn1.RawValue
		NextUpdate  asn1.RawValue
		FileHashAlg asn1.ObjectIdentifier
		FileList    []fileAndHash
	}

	var mft manifestContent
	if _, err := asn1.Unmarshal(econtent, &mft); err != nil {
		return nil, errors.Wrap(err, "parsing manifest eContent")
	}

	entries := make([]FileAndHash, 0, len(mft.FileList))
	for _, f := range mft.FileList {
		entries = append(entries, FileAndHash{File: f.File, Hash: f.Hash.Bytes})
	}

	return &Manifest{Signer: signer, Entries: entries}, nil
}

// ROA decodes a CMS-wrapped Route Origin Attestation object.
func (StdlibDecoder) ROA(path string) (*ROA, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading roa %q", path)
	}
	econtent, signer, err := parseCMS(der)
	if err != nil {
		return nil, err
	}

	type roaIPAddress struct {
		Address   asn1.BitString
		MaxLength int `asn1:"optional,default:-1"`
	}
	type roaIPAddressFamily struct {
		AddressFamily []byte
		Addresses     []roaIPAddress
	}
	type routeOriginAttestation struct {
		Version        int `asn1:"optional,default:0,tag:0"`
		ASID           int64
		IPAddrBlocks   []roaIPAddressFamily
	}

	var att routeOriginAttestation
	if _, err := asn1.Unmarshal(econtent, &att); err != nil {
		return nil, errors.Wrap(err, "parsing ROA eContent")
	}

	var prefixes []ROAPrefix
	for _, fam := range att.IPAddrBlocks {
		if len(fam.AddressFamily) < 2 {
			continue
		}
		is6 := fam.AddressFamily[1] == 2
		for _, addr := range fam.Addresses {
			p, err := bitStringToPrefix(addr.Address, is6)
			if err != nil {
				continue
			}
			maxLen := addr.MaxLength
			if maxLen < 0 {
				maxLen = p.Bits()
			}
			prefixes = append(prefixes, ROAPrefix{Prefix: p, MaxLength: uint8(maxLen)})
		}
	}

	return &ROA{Signer: signer, AS: uint32(att.ASID), Prefixes: prefixes}, nil
}

// RouterKeyCertificate decodes a BGPsec router key EE certificate
// (RFC 8209); unlike manifest/ROA/ghostbusters it is not CMS-wrapped.
func (StdlibDecoder) RouterKeyCertificate(path string) (*Certificate, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading router key cert %q", path)
	}
	return parseCertificate(der)
}

// Ghostbusters decodes a CMS-wrapped ghostbusters object far enough to
// return its signing certificate; the vCard content itself is advisory
// and not parsed (spec.md §4.D.6, "content is advisory").
func (StdlibDecoder) Ghostbusters(path string) (*Certificate, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ghostbusters %q", path)
	}
	_, signer, err := parseCMS(der)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, fmt.Errorf("ghostbusters %q: no signing certificate in CMS", path)
	}
	return signer, nil
}

// CRL decodes a certificate revocation list.
func (StdlibDecoder) CRL(path string) (*CRL, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading crl %q", path)
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing crl")
	}
	return &CRL{Raw: crl}, nil
}

// issuerName is a small helper retained for callers that need a
// human-readable name for logging; pkix.Name.String() is not always what
// operators expect for RPKI certs (often just a serial-derived CN).
func issuerName(c *x509.Certificate) string {
	var n pkix.Name = c.Issuer
	if n.CommonName != "" {
		return n.CommonName
	}
	return n.String()
}
