// ABOUTME: Tests for console logs: activity tracking, notes and zstd archival.
// ABOUTME: Uses a temp directory per test.

package console

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_AppendTracksActivity(t *testing.T) {
	l := newTestLog(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, ok := l.LastActivity(7)
	assert.False(t, ok)

	require.NoError(t, l.Append(7, []string{"compiling", "linking"}, at))
	last, ok := l.LastActivity(7)
	require.True(t, ok)
	assert.Equal(t, at, last)

	data, err := l.Read(7)
	require.NoError(t, err)
	assert.Equal(t, "compiling\nlinking\n", string(data))
}

func TestLog_NoteIsNotActivity(t *testing.T) {
	l := newTestLog(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, l.Note(9, "[gantry] cancelled", at))
	_, ok := l.LastActivity(9)
	assert.False(t, ok)

	data, err := l.Read(9)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z [gantry] cancelled\n", string(data))
}

func TestLog_ArchiveRoundTrip(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(3, []string{"step 1", "step 2"}, time.Now()))

	require.NoError(t, l.Archive(3))

	_, err := os.Stat(filepath.Join(l.dir, "3.log"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(l.dir, "3.log.zst"))
	require.NoError(t, err)

	data, err := l.Read(3)
	require.NoError(t, err)
	assert.Equal(t, "step 1\nstep 2\n", string(data))

	_, ok := l.LastActivity(3)
	assert.False(t, ok, "archived builds are no longer tracked")
}

func TestLog_ArchiveWithoutOutput(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Archive(42))
	_, err := l.Read(42)
	assert.ErrorIs(t, err, ErrNotFound)
}
