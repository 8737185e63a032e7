// ABOUTME: Tests for artifact uploads, checksum validation outcomes and downloads.
// ABOUTME: Runs the receiver behind a chi router with a mock store and real cookies.

package artifact

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gantry/internal/agent"
	"github.com/2389/gantry/internal/auth"
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/metrics"
	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/store"
	"github.com/2389/gantry/internal/work"
)

type agentTable map[string]agent.Agent

func (t agentTable) Lookup(id string) (agent.Agent, bool) {
	a, ok := t[id]
	return a, ok
}

type harness struct {
	dir     string
	st      *store.MockStore
	metrics *metrics.Metrics
	rc      *Receiver
	server  *httptest.Server
	cookie  string
}

const buildID = 42

func newHarness(t *testing.T) *harness {
	t.Helper()
	cookies, err := auth.NewCookieIssuer(nil, "gantry", 0)
	require.NoError(t, err)
	cookie, err := cookies.Issue("a1")
	require.NoError(t, err)

	job := work.JobIdentifier{PipelineName: "p", PipelineCounter: 1, StageName: "s", StageCounter: 1, JobName: "j", BuildID: buildID}
	agents := agentTable{
		"a1": {UUID: "a1", State: agent.State{Status: protocol.StatusBuilding, Job: job}},
		"a2": {UUID: "a2", State: agent.Idle()},
	}

	h := &harness{dir: t.TempDir(), st: store.NewMockStore(), metrics: metrics.New(), cookie: cookie}
	h.rc, err = NewReceiver(h.dir, h.st, agents, cookies, h.metrics, slog.Default())
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api", h.rc.Routes)
	h.server = httptest.NewServer(r)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) put(t *testing.T, path, agentUUID, cookie, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(HeaderAgentUUID, agentUUID)
	req.Header.Set(HeaderAgentCookie, cookie)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestUpload_MatchingChecksum(t *testing.T) {
	h := newHarness(t)
	manifest := "dist/app.bin=" + md5Hex("binary") + "\n"
	resp := h.put(t, "/api/checksums/42", "a1", h.cookie, manifest)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.put(t, "/api/artifacts/42/dist/app.bin", "a1", h.cookie, "binary")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderWarning))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "match", body["outcome"])

	data, err := os.ReadFile(filepath.Join(h.dir, "42", "dist", "app.bin"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))

	record, err := h.st.GetChecksums(context.Background(), buildID)
	require.NoError(t, err)
	assert.Equal(t, md5Hex("binary"), record.Digests["dist/app.bin"])
}

func TestUpload_MismatchIsRejectedAndRemoved(t *testing.T) {
	h := newHarness(t)
	record := checksum.NewRecord(checksum.MD5)
	record.Add("out.txt", md5Hex("expected"))
	require.NoError(t, h.st.SaveChecksums(context.Background(), buildID, record))

	resp := h.put(t, "/api/artifacts/42/out.txt", "a1", h.cookie, "tampered")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_, err := os.Stat(filepath.Join(h.dir, "42", "out.txt"))
	assert.True(t, os.IsNotExist(err))

	require.ErrorIs(t, h.rc.Err(buildID), checksum.ErrChecksumMismatch)

	resp = h.put(t, "/api/artifacts/42/out.txt", "a1", h.cookie, "expected")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.ErrorContains(t, h.rc.Err(buildID), "out.txt", "a later good upload does not clear the mismatch")

	h.rc.Forget(buildID)
	assert.NoError(t, h.rc.Err(buildID))

	expected := `
# HELP gantry_artifact_checksum_outcomes_total Artifact checksum validation outcomes
# TYPE gantry_artifact_checksum_outcomes_total counter
gantry_artifact_checksum_outcomes_total{outcome="match"} 1
gantry_artifact_checksum_outcomes_total{outcome="mismatch"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected),
		"gantry_artifact_checksum_outcomes_total"))
}

func TestUpload_WarningsDoNotFail(t *testing.T) {
	h := newHarness(t)

	resp := h.put(t, "/api/artifacts/42/a.txt", "a1", h.cookie, "a")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "record_missing", resp.Header.Get(HeaderWarning))
	resp = h.put(t, "/api/artifacts/42/b.txt", "a1", h.cookie, "b")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Len(t, h.rc.Warnings(buildID), 1, "missing record is warned once")

	h.rc.Forget(buildID)
	assert.Empty(t, h.rc.Warnings(buildID))
}

func TestUpload_UnknownPathWarns(t *testing.T) {
	h := newHarness(t)
	record := checksum.NewRecord(checksum.SHA256)
	record.Add("known.txt", "00")
	require.NoError(t, h.st.SaveChecksums(context.Background(), buildID, record))

	resp := h.put(t, "/api/artifacts/42/other.txt", "a1", h.cookie, "x")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "not_found", resp.Header.Get(HeaderWarning))
	assert.Equal(t, []string{"no checksum recorded for other.txt"}, h.rc.Warnings(buildID))
}

func TestUpload_Authorization(t *testing.T) {
	h := newHarness(t)

	resp := h.put(t, "/api/artifacts/42/x", "a1", "garbage", "x")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.put(t, "/api/artifacts/42/x", "a2", h.cookie, "x")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "cookie belongs to a1")

	resp = h.put(t, "/api/artifacts/7/x", "a1", h.cookie, "x")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.put(t, "/api/artifacts/nope/x", "a1", h.cookie, "x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolve_RejectsEscapes(t *testing.T) {
	rc := &Receiver{dir: "/data"}
	for _, p := range []string{"", ".", "..", "../x", "a/../../x"} {
		_, err := rc.resolve(1, p)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
	got, err := rc.resolve(1, "a/./b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "1", "a", "b"), got)
}

func TestDownload(t *testing.T) {
	h := newHarness(t)
	resp := h.put(t, "/api/artifacts/42/report.html", "a1", h.cookie, "<html/>")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	get, err := http.Get(h.server.URL + "/api/artifacts/42/report.html")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	data, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html/>", string(data))

	missing, err := http.Get(h.server.URL + "/api/artifacts/42/none")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestManifest_RejectsUnknownAlgorithm(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodPut, h.server.URL+"/api/checksums/42", strings.NewReader("a=00\n"))
	require.NoError(t, err)
	req.Header.Set(HeaderAgentUUID, "a1")
	req.Header.Set(HeaderAgentCookie, h.cookie)
	req.Header.Set(HeaderAlgorithm, "crc32")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClient_RoundTrip(t *testing.T) {
	h := newHarness(t)
	client := NewClient(h.server.URL, nil)
	creds := Credentials{AgentUUID: "a1", Cookie: h.cookie}
	ctx := context.Background()

	record := checksum.NewRecord(checksum.MD5)
	record.Add("lib/out.jar", md5Hex("jar"))
	require.NoError(t, client.PutManifest(ctx, creds, buildID, record))

	outcome, err := client.Upload(ctx, creds, buildID, "lib/out.jar", strings.NewReader("jar"))
	require.NoError(t, err)
	assert.Equal(t, "match", outcome)

	_, err = client.Upload(ctx, creds, buildID, "lib/out.jar", strings.NewReader("not the jar"))
	assert.ErrorIs(t, err, checksum.ErrChecksumMismatch)

	_, err = client.Upload(ctx, Credentials{AgentUUID: "a1", Cookie: "bad"}, buildID, "x", strings.NewReader("x"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, checksum.ErrChecksumMismatch)
}
