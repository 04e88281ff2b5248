package stack

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relyingparty/rpki-validator/internal/rpp"
	"github.com/relyingparty/rpki-validator/internal/uri"
)

func mustURI(t *testing.T, raw string) *uri.URI {
	t.Helper()
	u, err := uri.New(raw, t.TempDir())
	require.NoError(t, err)
	return u
}

func TestLIFOOrder(t *testing.T) {
	s := New()
	p := rpp.New(mustURI(t, "rsync://a.example/repo/"))
	u1 := mustURI(t, "rsync://a.example/repo/1.cer")
	u2 := mustURI(t, "rsync://a.example/repo/2.cer")

	s.Push(p, u1)
	s.Push(p, u2)

	d, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, u2.Global(), d.CertURI.Global())
	d.CertURI.Release()
	d.RPP.Release()

	d, ok = s.Pop()
	require.True(t, ok)
	require.Equal(t, u1.Global(), d.CertURI.Global())
	d.CertURI.Release()
	d.RPP.Release()

	_, ok = s.Pop()
	require.False(t, ok)

	p.Release()
	u1.Release()
	u2.Release()
}

func TestPushRetainsReferences(t *testing.T) {
	s := New()
	p := rpp.New(mustURI(t, "rsync://a.example/repo/"))
	u := mustURI(t, "rsync://a.example/repo/1.cer")

	require.EqualValues(t, 1, p.RefCount())
	s.Push(p, u)
	require.EqualValues(t, 2, p.RefCount())

	d, ok := s.Pop()
	require.True(t, ok)
	d.RPP.Release()
	require.EqualValues(t, 1, p.RefCount())
	d.CertURI.Release()

	p.Release()
	u.Release()
}

func TestDrainReleasesEverything(t *testing.T) {
	s := New()
	p := rpp.New(mustURI(t, "rsync://a.example/repo/"))
	u1 := mustURI(t, "rsync://a.example/repo/1.cer")
	u2 := mustURI(t, "rsync://a.example/repo/2.cer")

	s.Push(p, u1)
	s.Push(p, u2)
	s.Drain()

	require.True(t, s.Empty())
	require.EqualValues(t, 1, p.RefCount())
	require.EqualValues(t, 1, u1.RefCount())
	require.EqualValues(t, 1, u2.RefCount())

	p.Release()
	u1.Release()
	u2.Release()
}
