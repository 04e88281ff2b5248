package decode

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeDER(t *testing.T, der []byte, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, der, 0o644))
	return path
}

type accessDescriptionFixture struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

func siaExtension(t *testing.T, caRepo, rrdpNotify string) pkix.Extension {
	t.Helper()
	var descs []accessDescriptionFixture
	if caRepo != "" {
		descs = append(descs, accessDescriptionFixture{
			Method:   oidCARepository,
			Location: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(caRepo)},
		})
	}
	if rrdpNotify != "" {
		descs = append(descs, accessDescriptionFixture{
			Method:   oidRRDPNotify,
			Location: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(rrdpNotify)},
		})
	}
	value, err := asn1.Marshal(descs)
	require.NoError(t, err)
	return pkix.Extension{Id: oidSubjectInfoAccess, Value: value}
}

func issueCertWithExtensions(t *testing.T, isCA bool, extra []pkix.Extension) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
		ExtraExtensions:       extra,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestCertificateParsesCARepositorySIA(t *testing.T) {
	ext := siaExtension(t, "rsync://repo.example.org/module/ca/", "https://repo.example.org/notify.xml")
	cert := issueCertWithExtensions(t, true, []pkix.Extension{ext})
	path := writeDER(t, cert.Raw, "ca.cer")

	decoded, err := StdlibDecoder{}.Certificate(path)
	require.NoError(t, err)
	require.True(t, decoded.IsCA)
	require.Equal(t, "rsync://repo.example.org/module/ca/", decoded.CARepository)
	require.Equal(t, "https://repo.example.org/notify.xml", decoded.RRDPNotify)
	require.Equal(t, cert.RawSubjectPublicKeyInfo, decoded.SPKI)
}

func TestCertificateWithoutSIAHasNoCARepository(t *testing.T) {
	cert := issueCertWithExtensions(t, false, nil)
	path := writeDER(t, cert.Raw, "ee.cer")

	decoded, err := StdlibDecoder{}.Certificate(path)
	require.NoError(t, err)
	require.False(t, decoded.IsCA)
	require.Empty(t, decoded.CARepository)
}

func TestRouterKeyCertificateIsAPlainEECertificate(t *testing.T) {
	cert := issueCertWithExtensions(t, false, nil)
	path := writeDER(t, cert.Raw, "router.cer")

	decoded, err := StdlibDecoder{}.RouterKeyCertificate(path)
	require.NoError(t, err)
	require.False(t, decoded.IsCA)
	require.Equal(t, cert.SubjectKeyId, decoded.SKI)
}

func TestCRLDecodesARealRevocationList(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	issuer := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "issuer"},
	}

	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: time.Now().Add(time.Hour),
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, issuer, key)
	require.NoError(t, err)
	path := writeDER(t, der, "crl.crl")

	decoded, err := StdlibDecoder{}.CRL(path)
	require.NoError(t, err)
	require.EqualValues(t, 1, decoded.Raw.Number.Int64())
}

func TestASRangeContains(t *testing.T) {
	r := ASRange{Min: 64500, Max: 64510}
	require.True(t, r.Contains(64500))
	require.True(t, r.Contains(64510))
	require.True(t, r.Contains(64505))
	require.False(t, r.Contains(64499))
	require.False(t, r.Contains(64511))
}
