// ABOUTME: Tests for checksum validation outcomes, digest computation, and manifests.
// ABOUTME: Covers the out.jar scenario and once-per-publish reporting of a missing record.

package checksum

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	record := &Record{Algorithm: MD5, Digests: map[string]string{"out.jar": "abc123"}}

	tests := []struct {
		name     string
		path     string
		digest   string
		record   *Record
		expected Outcome
	}{
		{"match", "out.jar", "abc123", record, Match},
		{"mismatch", "out.jar", "zzz999", record, Mismatch},
		{"not found", "missing.txt", "abc123", record, NotFound},
		{"record missing", "out.jar", "abc123", nil, RecordMissing},
		{"leading dot slash", "./out.jar", "abc123", record, Match},
		{"empty record", "out.jar", "abc123", &Record{}, NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Validate(tt.path, tt.digest, tt.record))
		})
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		alg      Algorithm
		expected string
	}{
		{MD5, "5d41402abc4b2a76b9719d911017c592"},
		{SHA256, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{"", "5d41402abc4b2a76b9719d911017c592"},
	}
	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			got, err := Compute(tt.alg, strings.NewReader("hello"))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("blake3", func(t *testing.T) {
		got, err := Compute(BLAKE3, strings.NewReader("hello"))
		require.NoError(t, err)
		assert.Len(t, got, 64)

		again, err := Compute(BLAKE3, strings.NewReader("hello"))
		require.NoError(t, err)
		assert.Equal(t, got, again)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Compute("crc32", strings.NewReader("hello"))
		assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	})
}

func TestManifest_RoundTrip(t *testing.T) {
	rec := NewRecord(SHA256)
	rec.Add("build/out.jar", "ABC123")
	rec.Add("./reports/junit.xml", "def456")

	var buf bytes.Buffer
	require.NoError(t, rec.WriteManifest(&buf))
	assert.Equal(t, "build/out.jar=abc123\nreports/junit.xml=def456\n", buf.String())

	parsed, err := ParseManifest(&buf, SHA256)
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)
}

func TestParseManifest_Errors(t *testing.T) {
	_, err := ParseManifest(strings.NewReader("# comment\n\nno-separator\n"), MD5)
	assert.Error(t, err)

	_, err = ParseManifest(strings.NewReader("path=\n"), MD5)
	assert.Error(t, err)
}

func TestPublication(t *testing.T) {
	t.Run("mismatch fails the publish", func(t *testing.T) {
		p := NewPublication(&Record{Digests: map[string]string{"out.jar": "abc123"}})

		outcome, err := p.Check("out.jar", "abc123")
		assert.Equal(t, Match, outcome)
		assert.NoError(t, err)

		outcome, err = p.Check("out.jar", "zzz999")
		assert.Equal(t, Mismatch, outcome)
		assert.ErrorIs(t, err, ErrChecksumMismatch)
		assert.ErrorIs(t, p.Err(), ErrChecksumMismatch)
	})

	t.Run("not found is a warning", func(t *testing.T) {
		p := NewPublication(&Record{Digests: map[string]string{}})
		outcome, err := p.Check("a.txt", "abc")
		assert.Equal(t, NotFound, outcome)
		assert.NoError(t, err)
		assert.Len(t, p.Warnings(), 1)
		assert.NoError(t, p.Err())
	})

	t.Run("missing record warned once", func(t *testing.T) {
		p := NewPublication(nil)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcome, err := p.Check("a.txt", "abc")
				assert.Equal(t, RecordMissing, outcome)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, []string{"checksum record missing; artifacts not verified"}, p.Warnings())
		assert.NoError(t, p.Err())
	})
}
