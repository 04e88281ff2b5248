package algorithm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedRSA(t *testing.T, bits int) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "rsa"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func selfSignedECDSA(t *testing.T, curve elliptic.Curve) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ecdsa"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestDefaultProfileAcceptsRSA2048(t *testing.T) {
	cert := selfSignedRSA(t, 2048)
	require.NoError(t, DefaultProfile.Check(cert))
}

func TestDefaultProfileRejectsRSA4096(t *testing.T) {
	cert := selfSignedRSA(t, 4096)
	require.ErrorIs(t, DefaultProfile.CheckPublicKey(cert), ErrDisallowedPublicKey)
}

func TestDefaultProfileRejectsECDSA(t *testing.T) {
	cert := selfSignedECDSA(t, elliptic.P256())
	require.ErrorIs(t, DefaultProfile.Check(cert), ErrDisallowedSignatureAlgorithm)
}

func TestECDSAProfileAcceptsP256(t *testing.T) {
	cert := selfSignedECDSA(t, elliptic.P256())
	require.NoError(t, ECDSAProfile.Check(cert))
}

func TestECDSAProfileRejectsP384(t *testing.T) {
	cert := selfSignedECDSA(t, elliptic.P384())
	require.ErrorIs(t, ECDSAProfile.CheckPublicKey(cert), ErrDisallowedPublicKey)
}

func TestECDSAProfileStillAcceptsRSA2048(t *testing.T) {
	cert := selfSignedRSA(t, 2048)
	require.NoError(t, ECDSAProfile.Check(cert))
}
