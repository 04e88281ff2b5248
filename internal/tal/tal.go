// Package tal implements component A of the validation orchestrator: the
// Trust Anchor Locator loader (spec.md §4.A). It parses the line-oriented
// TAL grammar from spec.md §6 into an immutable TAL record, grounded on
// FORT-validator's tal_load()/read_uris()/base64_sanitize()
// (_examples/original_source/src/object/tal.c).
package tal

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/pem"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sigstore/sigstore/pkg/cryptoutils"

	"github.com/relyingparty/rpki-validator/internal/uri"
)

// Base64LineWidth is the maximum number of content characters per line
// once the SPKI body is re-wrapped, before handing it to the decoder.
// FORT uses 64 content chars (65 including the newline) because some
// crypto backends reject long base64 lines; spec.md §4.A settles on 64.
const Base64LineWidth = 64

// Errors surfaced by Load, one per spec.md §4.A failure condition.
var (
	ErrEmptyFile         = errors.New("tal: file is empty")
	ErrEmptyFirstLine    = errors.New("tal: first non-comment line is empty")
	ErrUnexpectedEOF     = errors.New("tal: file ended prematurely during uri block")
	ErrMissingSeparator  = errors.New("tal: missing blank line between uris and spki body")
	ErrBase64Decode      = errors.New("tal: spki body failed to base64-decode")
	ErrMalformedSPKI     = errors.New("tal: decoded spki is not a well-formed SubjectPublicKeyInfo")
	ErrNoURIs            = errors.New("tal: no uris found")
)

// TAL is the immutable record produced by loading one *.tal file
// (spec.md §3, "TAL"). FileName is borrowed from the caller and must
// outlive the TAL, matching the original's file_name contract.
type TAL struct {
	FileName string
	URIs     []*uri.URI
	SPKI     []byte
}

// Load parses the TAL file at path. cacheRoot is the working repository
// cache directory each URI's local path is resolved under.
func Load(path string, cacheRoot string) (*TAL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening tal %q", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, ErrEmptyFile
	}

	// Skip leading comment lines.
	for strings.HasPrefix(*line, "#") {
		line, err = readLine(br)
		if err != nil {
			return nil, err
		}
		if line == nil {
			return nil, errors.Wrap(ErrUnexpectedEOF, "expected more comments or a uri list")
		}
		if *line == "" {
			return nil, errors.Wrap(ErrEmptyFirstLine, "blank line inside comment block")
		}
	}
	if *line == "" {
		return nil, ErrEmptyFirstLine
	}

	rawURIs, err := readURIBlock(br, *line)
	if err != nil {
		return nil, err
	}

	spkiBody, err := io.ReadAll(br)
	if err != nil {
		return nil, errors.Wrap(err, "reading spki body")
	}

	spki, err := decodeSPKI(spkiBody)
	if err != nil {
		return nil, err
	}

	parsed := make([]*uri.URI, 0, len(rawURIs))
	for _, raw := range rawURIs {
		u, err := uri.New(raw, cacheRoot)
		if err != nil {
			for _, done := range parsed {
				done.Release()
			}
			return nil, errors.Wrapf(err, "tal %q", path)
		}
		parsed = append(parsed, u)
	}
	if len(parsed) == 0 {
		return nil, ErrNoURIs
	}

	return &TAL{
		FileName: path,
		URIs:     parsed,
		SPKI:     spki,
	}, nil
}

// readURIBlock consumes URI lines starting with first, stopping at the
// first blank line (the happy path) and erroring on EOF, matching
// read_uris() in tal.c.
func readURIBlock(br *bufio.Reader, first string) ([]string, error) {
	uris := []string{first}
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == nil {
			return nil, errors.Wrap(ErrUnexpectedEOF, "expected uri list, blank line, and public key")
		}
		if *line == "" {
			return uris, nil
		}
		uris = append(uris, *line)
	}
}

// readLine reads one LF-terminated line, trimming the trailing \r\n or \n.
// It returns (nil, nil) at a clean EOF with no data read.
func readLine(br *bufio.Reader) (*string, error) {
	s, err := br.ReadString('\n')
	if err != nil {
		if err != io.EOF {
			return nil, errors.Wrap(err, "reading line")
		}
		if s == "" {
			return nil, nil
		}
		// Last line of the file with no trailing newline.
	}
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return &s, nil
}

// decodeSPKI re-wraps the base64 body to Base64LineWidth-character lines
// (base64_sanitize() in tal.c) and decodes it, then verifies the result is
// a well-formed DER SubjectPublicKeyInfo (spec.md §8 invariant 1).
func decodeSPKI(body []byte) ([]byte, error) {
	wrapped := rewrapBase64(body)

	der, err := base64DecodeCollaborator(wrapped)
	if err != nil {
		return nil, errors.Wrap(ErrBase64Decode, err.Error())
	}
	if len(der) == 0 {
		return nil, ErrBase64Decode
	}

	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	if _, err := cryptoutils.UnmarshalPEMToPublicKey(pem.EncodeToMemory(block)); err != nil {
		return nil, errors.Wrap(ErrMalformedSPKI, err.Error())
	}

	return der, nil
}

// base64DecodeCollaborator stands in for the "base64_decode(input,
// capacity) -> bytes, length | err" collaborator named in spec.md §6; it is
// explicitly out of scope for the core, so a direct stdlib call is
// appropriate here.
func base64DecodeCollaborator(wrapped []byte) ([]byte, error) {
	joined := strings.ReplaceAll(string(wrapped), "\n", "")
	return base64.StdEncoding.DecodeString(joined)
}

// rewrapBase64 strips all whitespace from body and re-emits it in lines of
// at most Base64LineWidth content characters, one LF per line. This mirrors
// base64_sanitize()'s streaming buffer-at-a-time approach in spirit, though
// the whole body is small enough here to hold in memory at once.
func rewrapBase64(body []byte) []byte {
	var stripped bytes.Buffer
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			stripped.WriteByte(b)
		}
	}

	clean := stripped.Bytes()
	var out bytes.Buffer
	for i := 0; i < len(clean); i += Base64LineWidth {
		end := i + Base64LineWidth
		if end > len(clean) {
			end = len(clean)
		}
		out.Write(clean[i:end])
		out.WriteByte('\n')
	}
	return out.Bytes()
}
