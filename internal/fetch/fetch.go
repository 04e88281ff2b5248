// Package fetch implements the Fetcher dispatch named in spec.md §3 and
// §4.B: given a Fetch URI, retrieve the bytes (or, for rsync, the mirrored
// tree) backing it using the scheme-appropriate transport. The rsync
// backend shells out to a real rsync binary the way
// _examples/ties-octorpki/cmd/octorpki/octorpki.go's RsyncBin/RsyncTimeout
// flags anticipate; the HTTPS backend uses the retrying HTTP client
// sigstore-policy-controller wires for its own registry fetches
// (pkg/cosign, pkg/policy reference hashicorp/go-retryablehttp).
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/relyingparty/rpki-validator/internal/logging"
	"github.com/relyingparty/rpki-validator/internal/uri"
)

// Outcome records one fetch attempt: the URI, the error if any, and how
// long the attempt took.
type Outcome struct {
	URI      *uri.URI
	Err      error
	Duration time.Duration
}

// Fetcher retrieves the object (or subtree, for rsync) backing a Fetch
// URI. Implementations must be safe for concurrent use by multiple
// per-TAL tasks (spec.md §5).
type Fetcher interface {
	Fetch(ctx context.Context, u *uri.URI) Outcome
}

// Config holds the fetcher's tunables, bound from internal/config.
type Config struct {
	RsyncBin     string
	RsyncTimeout time.Duration
	RsyncArgs    []string
	HTTPTimeout  time.Duration
	RetryMax     int
}

// DefaultConfig mirrors octoRPKI's defaults: a twenty minute rsync
// timeout and a conservative HTTP retry budget.
func DefaultConfig() Config {
	return Config{
		RsyncBin:     "rsync",
		RsyncTimeout: 20 * time.Minute,
		RsyncArgs:    []string{"-rtz", "--delete"},
		HTTPTimeout:  30 * time.Second,
		RetryMax:     3,
	}
}

// Dispatcher routes a Fetch URI to the rsync or HTTPS backend by scheme,
// the "Fetcher dispatch" contract from spec.md §4.B.
type Dispatcher struct {
	rsync *rsyncFetcher
	https *httpsFetcher
}

// New builds a Dispatcher with both backends wired from cfg.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		rsync: newRsyncFetcher(cfg),
		https: newHTTPSFetcher(cfg),
	}
}

// Fetch dispatches u to the backend matching its scheme.
func (d *Dispatcher) Fetch(ctx context.Context, u *uri.URI) Outcome {
	start := time.Now()
	var err error
	switch u.Scheme() {
	case uri.SchemeRsync:
		err = d.rsync.fetch(ctx, u)
	case uri.SchemeHTTPS:
		err = d.https.fetch(ctx, u)
	default:
		err = uri.ErrUnsupportedScheme
	}
	return Outcome{URI: u, Err: err, Duration: time.Since(start)}
}

// rsyncFetcher mirrors one rsync module tree into the local cache by
// shelling out to a real rsync binary, the same approach octoRPKI takes
// behind its RsyncBin flag.
type rsyncFetcher struct {
	bin     string
	timeout time.Duration
	args    []string
}

func newRsyncFetcher(cfg Config) *rsyncFetcher {
	return &rsyncFetcher{bin: cfg.RsyncBin, timeout: cfg.RsyncTimeout, args: cfg.RsyncArgs}
}

func (f *rsyncFetcher) fetch(ctx context.Context, u *uri.URI) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	dest := u.LocalPath()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "creating rsync destination for %s", u)
	}

	args := append(append([]string{}, f.args...), u.Global(), dest)
	cmd := exec.CommandContext(ctx, f.bin, args...)

	logging.FromContext(ctx).Debugw("rsync fetch", "uri", u.String(), "bin", f.bin)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "rsync %s: %s", u, out)
	}
	return nil
}

// httpsFetcher fetches RRDP-referenced objects over HTTPS using a
// retrying client, grounded on sigstore-policy-controller's use of
// hashicorp/go-retryablehttp and go-cleanhttp for its own outbound calls.
type httpsFetcher struct {
	client *retryablehttp.Client
}

func newHTTPSFetcher(cfg Config) *httpsFetcher {
	transport := cleanhttp.DefaultPooledTransport()
	base := &http.Client{Transport: transport, Timeout: cfg.HTTPTimeout}

	client := retryablehttp.NewClient()
	client.HTTPClient = base
	client.RetryMax = cfg.RetryMax
	client.Logger = nil

	return &httpsFetcher{client: client}
}

func (f *httpsFetcher) fetch(ctx context.Context, u *uri.URI) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.Global(), nil)
	if err != nil {
		return errors.Wrapf(err, "building request for %s", u)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetching %s", u)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetching %s: unexpected status %s", u, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(u.LocalPath()), 0o755); err != nil {
		return errors.Wrapf(err, "creating destination for %s", u)
	}

	dst, err := os.Create(u.LocalPath())
	if err != nil {
		return errors.Wrapf(err, "creating local file for %s", u)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return errors.Wrapf(err, "writing local copy of %s", u)
	}
	return nil
}
