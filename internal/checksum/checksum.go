// ABOUTME: Digest algorithms, checksum records, and the pure Validate function.
// ABOUTME: Records map artifact relative paths to hex digests and round-trip as path=digest manifests.

package checksum

import (
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrChecksumMismatch is returned when an artifact's digest differs from its record.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrUnknownAlgorithm is returned for an unsupported digest algorithm.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// Algorithm names a digest function.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// New returns a fresh hasher for a. The empty algorithm means MD5.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5, "":
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
}

// Compute hashes everything read from r and returns the hex digest.
func Compute(a Algorithm, r io.Reader) (string, error) {
	h, err := a.New()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Outcome is the result of validating one artifact.
type Outcome int

const (
	Match Outcome = iota
	Mismatch
	NotFound
	RecordMissing
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	case NotFound:
		return "not_found"
	case RecordMissing:
		return "record_missing"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Record maps artifact relative paths to digests. It is read-only once
// handed to the validator.
type Record struct {
	Algorithm Algorithm         `json:"algorithm"`
	Digests   map[string]string `json:"digests"`
}

// NewRecord returns an empty record for algorithm a.
func NewRecord(a Algorithm) *Record {
	return &Record{Algorithm: a, Digests: make(map[string]string)}
}

// Add records digest for p.
func (r *Record) Add(p, digest string) {
	if r.Digests == nil {
		r.Digests = make(map[string]string)
	}
	r.Digests[Normalize(p)] = strings.ToLower(digest)
}

// DigestFor returns the recorded digest for p.
func (r *Record) DigestFor(p string) (string, bool) {
	d, ok := r.Digests[Normalize(p)]
	return d, ok
}

// Normalize turns p into the slash-separated relative form used as a record key.
func Normalize(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	return strings.TrimLeft(strings.TrimPrefix(p, "./"), "/")
}

// Validate compares computed against the record entry for p. Digests are
// compared exactly; Compute and Add both produce lowercase hex.
func Validate(p, computed string, record *Record) Outcome {
	if record == nil {
		return RecordMissing
	}
	expected, ok := record.DigestFor(p)
	if !ok {
		return NotFound
	}
	if expected == computed {
		return Match
	}
	return Mismatch
}

// WriteManifest writes the record as sorted path=digest lines.
func (r *Record) WriteManifest(w io.Writer) error {
	keys := make([]string, 0, len(r.Digests))
	for k := range r.Digests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s=%s\n", k, r.Digests[k]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ParseManifest reads path=digest lines. Blank lines and lines starting with
// '#' are skipped.
func ParseManifest(rd io.Reader, a Algorithm) (*Record, error) {
	rec := NewRecord(a)
	sc := bufio.NewScanner(rd)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		i := strings.LastIndex(text, "=")
		if i <= 0 || i == len(text)-1 {
			return nil, fmt.Errorf("manifest line %d: expected path=digest", line)
		}
		rec.Add(text[:i], text[i+1:])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return rec, nil
}
