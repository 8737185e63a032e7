// ABOUTME: Publication applies checksum outcomes across one artifact publish.
// ABOUTME: Mismatches fail the publish; a missing record is warned once, unknown paths per file.

package checksum

import (
	"fmt"
	"strings"
	"sync"
)

// Publication accumulates validation outcomes for one publish. It is safe
// for concurrent use by parallel uploads.
type Publication struct {
	mu            sync.Mutex
	record        *Record
	warnings      []string
	mismatches    []string
	missingWarned bool
}

// NewPublication starts a publish against record, which may be nil.
func NewPublication(record *Record) *Publication {
	return &Publication{record: record}
}

// Check validates one artifact. It returns an error wrapping
// ErrChecksumMismatch on Mismatch and nil otherwise.
func (p *Publication) Check(path, computed string) (Outcome, error) {
	outcome := Validate(path, computed, p.record)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch outcome {
	case Mismatch:
		p.mismatches = append(p.mismatches, path)
		expected, _ := p.record.DigestFor(path)
		return outcome, fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, path, expected, computed)
	case NotFound:
		p.warnings = append(p.warnings, fmt.Sprintf("no checksum recorded for %s", path))
	case RecordMissing:
		if !p.missingWarned {
			p.missingWarned = true
			p.warnings = append(p.warnings, "checksum record missing; artifacts not verified")
		}
	}
	return outcome, nil
}

// Warnings returns the soft warnings collected so far.
func (p *Publication) Warnings() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.warnings...)
}

// Err returns a single error naming every mismatched path, or nil.
func (p *Publication) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mismatches) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrChecksumMismatch, strings.Join(p.mismatches, ", "))
}

// Algorithm is the digest algorithm uploads must be hashed with.
func (p *Publication) Algorithm() Algorithm {
	if p.record == nil || p.record.Algorithm == "" {
		return MD5
	}
	return p.record.Algorithm
}
