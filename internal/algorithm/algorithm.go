// Package algorithm is the RFC 7935 algorithm-policy collaborator named in
// spec.md §6: a thin contract over crypto/x509's OID tables answering one
// question, "is this signature algorithm / key type allowed in the
// current RPKI profile," so that internal/validate never has to hardcode
// an OID comparison inline.
package algorithm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/pkg/errors"
)

// ErrDisallowedSignatureAlgorithm and ErrDisallowedPublicKey are returned
// by Check when a certificate uses an algorithm outside the RFC 7935
// profile (spec.md §4.D.3, "resource certificate profile checks").
var (
	ErrDisallowedSignatureAlgorithm = errors.New("signature algorithm not permitted by resource certificate profile")
	ErrDisallowedPublicKey          = errors.New("public key algorithm or curve not permitted by resource certificate profile")
)

// Profile names which signature algorithm and key parameters are
// currently permitted. RFC 7935's original RSA/SHA-256 profile is kept as
// the default; a second profile anticipates the ECDSA P-256 migration
// that FORT and other relying parties already accept behind a flag.
type Profile struct {
	AllowRSA   bool
	AllowECDSA bool
}

// DefaultProfile is RFC 7935's RSA-with-SHA-256, 2048-bit profile.
var DefaultProfile = Profile{AllowRSA: true}

// ECDSAProfile additionally accepts P-256 ECDSA signatures, for
// deployments that have adopted the algorithm-agility profile.
var ECDSAProfile = Profile{AllowRSA: true, AllowECDSA: true}

// CheckSignatureAlgorithm validates that cert was signed with an algorithm
// the profile permits.
func (p Profile) CheckSignatureAlgorithm(cert *x509.Certificate) error {
	switch cert.SignatureAlgorithm {
	case x509.SHA256WithRSA:
		if p.AllowRSA {
			return nil
		}
	case x509.ECDSAWithSHA256:
		if p.AllowECDSA {
			return nil
		}
	}
	return errors.Wrapf(ErrDisallowedSignatureAlgorithm, "%s", cert.SignatureAlgorithm)
}

// CheckPublicKey validates that cert's subject public key matches the
// profile: 2048-bit RSA, or P-256 ECDSA.
func (p Profile) CheckPublicKey(cert *x509.Certificate) error {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if p.AllowRSA && pub.N.BitLen() == 2048 {
			return nil
		}
	case *ecdsa.PublicKey:
		if p.AllowECDSA && pub.Curve == elliptic.P256() {
			return nil
		}
	}
	return errors.Wrapf(ErrDisallowedPublicKey, "%T", cert.PublicKey)
}

// Check runs both the signature-algorithm and public-key checks.
func (p Profile) Check(cert *x509.Certificate) error {
	if err := p.CheckSignatureAlgorithm(cert); err != nil {
		return err
	}
	return p.CheckPublicKey(cert)
}

// ErrSignatureInvalid is returned by VerifySignature when signature does
// not validate against signed under pub.
var ErrSignatureInvalid = errors.New("cryptographic signature verification failed")

// VerifySignature checks signature over signed using pub, the public key
// carried by a CMS object's embedded signing certificate. RFC 7935's two
// profiles only ever pair SHA-256 with RSA PKCS#1 v1.5 or ECDSA, so the
// digest algorithm itself is fixed rather than read from the CMS
// SignerInfo (spec.md §6's verify_signature(cert, data) collaborator
// contract).
func VerifySignature(pub crypto.PublicKey, signed, signature []byte) error {
	digest := sha256.Sum256(signed)
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
			return errors.Wrapf(ErrSignatureInvalid, "rsa: %s", err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return errors.Wrap(ErrSignatureInvalid, "ecdsa")
		}
		return nil
	default:
		return errors.Wrapf(ErrSignatureInvalid, "unsupported public key type %T", pub)
	}
}
