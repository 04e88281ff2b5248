package tal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func genSPKI(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return der
}

func writeTAL(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.tal")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadHappyPath(t *testing.T) {
	spki := genSPKI(t)
	body := fmt.Sprintf("rsync://rpki.example.net/repo/root.cer\n\n%s",
		base64.StdEncoding.EncodeToString(spki))

	path := writeTAL(t, body)
	cache := t.TempDir()

	got, err := Load(path, cache)
	require.NoError(t, err)
	require.Len(t, got.URIs, 1)
	require.Equal(t, "rsync://rpki.example.net/repo/root.cer", got.URIs[0].Global())
	require.Equal(t, spki, got.SPKI)
}

func TestLoadMultipleURIsAndComments(t *testing.T) {
	spki := genSPKI(t)
	body := fmt.Sprintf("# comment one\n# comment two\nrsync://a.example/root.cer\nhttps://b.example/root.cer\n\n%s",
		base64.StdEncoding.EncodeToString(spki))

	got, err := Load(writeTAL(t, body), t.TempDir())
	require.NoError(t, err)
	require.Len(t, got.URIs, 2)
	require.True(t, got.URIs[0].IsRsync())
	require.False(t, got.URIs[1].IsRsync())
}

func TestLoadRejectsUnsupportedScheme(t *testing.T) {
	spki := genSPKI(t)
	body := fmt.Sprintf("ftp://a.example/root.cer\n\n%s", base64.StdEncoding.EncodeToString(spki))

	_, err := Load(writeTAL(t, body), t.TempDir())
	require.Error(t, err)
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	_, err := Load(writeTAL(t, ""), t.TempDir())
	require.ErrorIs(t, err, ErrEmptyFile)
}

func TestLoadRejectsMissingBlankLine(t *testing.T) {
	spki := genSPKI(t)
	body := "rsync://a.example/root.cer\n" + base64.StdEncoding.EncodeToString(spki)

	_, err := Load(writeTAL(t, body), t.TempDir())
	require.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestLoadRejectsMalformedSPKI(t *testing.T) {
	body := "rsync://a.example/root.cer\n\n" + base64.StdEncoding.EncodeToString([]byte("not a real spki"))

	_, err := Load(writeTAL(t, body), t.TempDir())
	require.ErrorIs(t, err, ErrMalformedSPKI)
}

func TestLoadRewrapsLongBase64Lines(t *testing.T) {
	spki := genSPKI(t)
	encoded := base64.StdEncoding.EncodeToString(spki)
	// Write the whole body on a single very long line; the loader must
	// still decode it correctly after re-wrapping.
	body := "rsync://a.example/root.cer\n\n" + encoded + "\n"

	got, err := Load(writeTAL(t, body), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, spki, got.SPKI)
}
