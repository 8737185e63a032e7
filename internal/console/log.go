// ABOUTME: Per-build console log files with activity timestamps and zstd archival.
// ABOUTME: Safe for concurrent use by transport sessions and the dispatch sweeps.

package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned when a build has no console log.
var ErrNotFound = errors.New("console log not found")

// zstd.Encoder and zstd.Decoder are safe for concurrent use with the
// *All methods, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("console: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("console: zstd decoder initialization failed: " + err.Error())
	}
}

type buildLog struct {
	f    *os.File
	w    *bufio.Writer
	last time.Time
	seen bool
}

// Log is the console store rooted at one directory.
type Log struct {
	dir    string
	mu     sync.Mutex
	builds map[int64]*buildLog
	logger *slog.Logger
}

// New creates the directory if needed and returns a Log.
func New(dir string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating console dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		dir:    dir,
		builds: make(map[int64]*buildLog),
		logger: logger.With("component", "console"),
	}, nil
}

func (l *Log) plainPath(buildID int64) string {
	return filepath.Join(l.dir, strconv.FormatInt(buildID, 10)+".log")
}

func (l *Log) archivePath(buildID int64) string {
	return l.plainPath(buildID) + ".zst"
}

// open returns the build's log, opening the file on first use. Callers hold l.mu.
func (l *Log) open(buildID int64) (*buildLog, error) {
	if b, ok := l.builds[buildID]; ok && b.f != nil {
		return b, nil
	}
	f, err := os.OpenFile(l.plainPath(buildID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening console log: %w", err)
	}
	b := l.builds[buildID]
	if b == nil {
		b = &buildLog{}
		l.builds[buildID] = b
	}
	b.f = f
	b.w = bufio.NewWriter(f)
	return b, nil
}

func (b *buildLog) write(lines ...string) error {
	for _, line := range lines {
		if _, err := b.w.WriteString(line); err != nil {
			return err
		}
		if err := b.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return b.w.Flush()
}

// Append writes agent output and records activity at at.
func (l *Log) Append(buildID int64, lines []string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.open(buildID)
	if err != nil {
		return err
	}
	if err := b.write(lines...); err != nil {
		return fmt.Errorf("writing console log: %w", err)
	}
	b.last = at
	b.seen = true
	return nil
}

// Note writes a server line without touching the activity time.
func (l *Log) Note(buildID int64, line string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.open(buildID)
	if err != nil {
		return err
	}
	stamped := at.UTC().Format(time.RFC3339) + " " + line
	if err := b.write(stamped); err != nil {
		return fmt.Errorf("writing console note: %w", err)
	}
	return nil
}

// LastActivity reports when the agent last sent output for the build.
func (l *Log) LastActivity(buildID int64) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.builds[buildID]
	if !ok || !b.seen {
		return time.Time{}, false
	}
	return b.last, true
}

// Archive closes the build's log and replaces it with a zstd copy. A build
// that never wrote anything is a no-op.
func (l *Log) Archive(buildID int64) error {
	l.mu.Lock()
	if b, ok := l.builds[buildID]; ok {
		if b.f != nil {
			_ = b.w.Flush()
			_ = b.f.Close()
		}
		delete(l.builds, buildID)
	}
	l.mu.Unlock()

	plain := l.plainPath(buildID)
	data, err := os.ReadFile(plain)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading console log: %w", err)
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	tmp := l.archivePath(buildID) + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("writing console archive: %w", err)
	}
	if err := os.Rename(tmp, l.archivePath(buildID)); err != nil {
		return fmt.Errorf("renaming console archive: %w", err)
	}
	if err := os.Remove(plain); err != nil {
		return fmt.Errorf("removing plain console log: %w", err)
	}
	l.logger.Debug("console log archived", "build_id", buildID, "bytes", len(data), "compressed", len(compressed))
	return nil
}

// Read returns the full console text for a build, live or archived.
func (l *Log) Read(buildID int64) ([]byte, error) {
	l.mu.Lock()
	if b, ok := l.builds[buildID]; ok && b.w != nil {
		_ = b.w.Flush()
	}
	l.mu.Unlock()

	data, err := os.ReadFile(l.plainPath(buildID))
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading console log: %w", err)
	}

	compressed, err := os.ReadFile(l.archivePath(buildID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading console archive: %w", err)
	}
	data, err = zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return data, nil
}

// WriteTo streams a build's console to w.
func (l *Log) WriteTo(buildID int64, w io.Writer) (int64, error) {
	data, err := l.Read(buildID)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Close closes every open log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for id, b := range l.builds {
		if b.f == nil {
			continue
		}
		if err := b.w.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := b.f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.builds, id)
	}
	return errors.Join(errs...)
}
