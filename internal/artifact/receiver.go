// ABOUTME: HTTP receiver for artifact and checksum-manifest uploads, plus artifact downloads.
// ABOUTME: Hashes while writing, validates with a per-build checksum Publication.

package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/2389/gantry/internal/agent"
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/metrics"
	"github.com/2389/gantry/internal/store"
)

// Request headers identifying the uploading agent.
const (
	HeaderAgentUUID   = "X-Agent-UUID"
	HeaderAgentCookie = "X-Agent-Cookie"
	HeaderAlgorithm   = "X-Checksum-Algorithm"
	HeaderWarning     = "X-Checksum-Warning"
)

// ErrInvalidPath is returned for artifact paths escaping the build directory.
var ErrInvalidPath = errors.New("invalid artifact path")

// Checksums is the checksum persistence the receiver needs.
type Checksums interface {
	SaveChecksums(ctx context.Context, buildID int64, record *checksum.Record) error
	GetChecksums(ctx context.Context, buildID int64) (*checksum.Record, error)
}

// Agents looks up who holds a build.
type Agents interface {
	Lookup(id string) (agent.Agent, bool)
}

// CookieVerifier checks an agent cookie.
type CookieVerifier interface {
	Verify(cookie, agentUUID string) error
}

// Receiver handles artifact uploads for in-flight builds.
type Receiver struct {
	dir       string
	checksums Checksums
	agents    Agents
	cookies   CookieVerifier
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu           sync.Mutex
	publications map[int64]*checksum.Publication
}

// NewReceiver stores artifacts under dir.
func NewReceiver(dir string, checksums Checksums, agents Agents, cookies CookieVerifier, m *metrics.Metrics, logger *slog.Logger) (*Receiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		dir:          dir,
		checksums:    checksums,
		agents:       agents,
		cookies:      cookies,
		metrics:      m,
		logger:       logger.With("component", "artifact"),
		publications: make(map[int64]*checksum.Publication),
	}, nil
}

// Routes mounts the receiver:
//
//	PUT /checksums/{buildID}      checksum manifest (path=digest lines)
//	PUT /artifacts/{buildID}/*    one artifact file
//	GET /artifacts/{buildID}/*    download
func (rc *Receiver) Routes(r chi.Router) {
	r.Put("/checksums/{buildID}", rc.handlePutManifest)
	r.Put("/artifacts/{buildID}/*", rc.handlePutArtifact)
	r.Get("/artifacts/{buildID}/*", rc.handleGetArtifact)
}

// Forget drops the publication state of a finished build.
func (rc *Receiver) Forget(buildID int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.publications, buildID)
}

// Warnings returns the checksum warnings collected for a build so far.
func (rc *Receiver) Warnings(buildID int64) []string {
	rc.mu.Lock()
	p, ok := rc.publications[buildID]
	rc.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Warnings()
}

// Err reports the checksum mismatches recorded for a build, or nil. A
// mismatch stays recorded even if the file is uploaded again.
func (rc *Receiver) Err(buildID int64) error {
	rc.mu.Lock()
	p, ok := rc.publications[buildID]
	rc.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Err()
}

func (rc *Receiver) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	buildID, ok := rc.authorize(w, r)
	if !ok {
		return
	}
	alg := checksum.Algorithm(r.Header.Get(HeaderAlgorithm))
	if alg == "" {
		alg = checksum.MD5
	}
	if _, err := alg.New(); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := checksum.ParseManifest(io.LimitReader(r.Body, 16<<20), alg)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rc.checksums.SaveChecksums(r.Context(), buildID, record); err != nil {
		rc.logger.Error("failed to save checksums", "build_id", buildID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to save checksums")
		return
	}

	rc.mu.Lock()
	rc.publications[buildID] = checksum.NewPublication(record)
	rc.mu.Unlock()

	rc.logger.Info("checksum manifest received", "build_id", buildID, "files", len(record.Digests))
	w.WriteHeader(http.StatusNoContent)
}

func (rc *Receiver) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	buildID, ok := rc.authorize(w, r)
	if !ok {
		return
	}
	rel := chi.URLParam(r, "*")
	dest, err := rc.resolve(buildID, rel)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	pub, err := rc.publication(r.Context(), buildID)
	if err != nil {
		rc.logger.Error("failed to load checksums", "build_id", buildID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to load checksums")
		return
	}

	digest, err := rc.writeFile(dest, r.Body, pub.Algorithm())
	if err != nil {
		rc.logger.Error("failed to store artifact", "build_id", buildID, "path", rel, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}

	outcome, err := pub.Check(rel, digest)
	rc.metrics.ChecksumOutcome(outcome.String())
	if err != nil {
		_ = os.Remove(dest)
		rc.logger.Warn("artifact checksum mismatch", "build_id", buildID, "path", rel, "error", err)
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if outcome != checksum.Match {
		w.Header().Set(HeaderWarning, outcome.String())
		rc.logger.Warn("artifact not verified", "build_id", buildID, "path", rel, "outcome", outcome.String())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"path":    checksum.Normalize(rel),
		"digest":  digest,
		"outcome": outcome.String(),
	})
}

func (rc *Receiver) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	buildID, err := strconv.ParseInt(chi.URLParam(r, "buildID"), 10, 64)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid build id")
		return
	}
	path, err := rc.resolve(buildID, chi.URLParam(r, "*"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		sendJSONError(w, http.StatusNotFound, "artifact not found")
		return
	}
	http.ServeFile(w, r, path)
}

// authorize checks the agent cookie and that the agent holds the build.
func (rc *Receiver) authorize(w http.ResponseWriter, r *http.Request) (int64, bool) {
	buildID, err := strconv.ParseInt(chi.URLParam(r, "buildID"), 10, 64)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid build id")
		return 0, false
	}
	id := r.Header.Get(HeaderAgentUUID)
	if err := rc.cookies.Verify(r.Header.Get(HeaderAgentCookie), id); err != nil {
		sendJSONError(w, http.StatusUnauthorized, "invalid agent cookie")
		return 0, false
	}
	a, ok := rc.agents.Lookup(id)
	if !ok || !a.State.Holds(a.State.Job) || a.State.Job.BuildID != buildID {
		sendJSONError(w, http.StatusForbidden, "agent does not hold this build")
		return 0, false
	}
	return buildID, true
}

func (rc *Receiver) publication(ctx context.Context, buildID int64) (*checksum.Publication, error) {
	rc.mu.Lock()
	p, ok := rc.publications[buildID]
	rc.mu.Unlock()
	if ok {
		return p, nil
	}

	record, err := rc.checksums.GetChecksums(ctx, buildID)
	if errors.Is(err, store.ErrNotFound) {
		record, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if p, ok := rc.publications[buildID]; ok {
		return p, nil
	}
	p = checksum.NewPublication(record)
	rc.publications[buildID] = p
	return p, nil
}

// resolve maps a relative artifact path into the build's directory.
func (rc *Receiver) resolve(buildID int64, rel string) (string, error) {
	clean := checksum.Normalize(rel)
	if clean == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(rc.dir, strconv.FormatInt(buildID, 10), filepath.FromSlash(clean)), nil
}

// writeFile stores body at dest via a temp file and returns its digest.
func (rc *Receiver) writeFile(dest string, body io.Reader, alg checksum.Algorithm) (string, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
