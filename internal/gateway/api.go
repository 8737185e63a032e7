// ABOUTME: HTTP API for operators: agents, jobs, console logs, checksums and an SSE event feed.
// ABOUTME: Mounted on a chi router next to the agent websocket and artifact routes.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/gantry/internal/agent"
	"github.com/2389/gantry/internal/console"
	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/store"
	"github.com/2389/gantry/internal/work"
)

// AgentInfoResponse is one entry of GET /api/agents.
type AgentInfoResponse struct {
	UUID         string              `json:"uuid"`
	HostName     string              `json:"host_name"`
	IPAddress    string              `json:"ip_address,omitempty"`
	Status       string              `json:"status"`
	Job          *work.JobIdentifier `json:"job,omitempty"`
	Resources    []string            `json:"resources,omitempty"`
	Environments []string            `json:"environments,omitempty"`
	Enabled      bool                `json:"enabled"`
	Connected    bool                `json:"connected"`
	RegisteredAt time.Time           `json:"registered_at"`
	LastHeard    time.Time           `json:"last_heard"`
}

// JobResponse is the JSON form of a job.
type JobResponse struct {
	BuildID         int64              `json:"build_id"`
	Identifier      work.JobIdentifier `json:"identifier"`
	Plan            work.JobPlan       `json:"plan"`
	State           work.JobState      `json:"state"`
	Result          work.Result        `json:"result"`
	AgentUUID       string             `json:"agent_uuid,omitempty"`
	CancelRequested bool               `json:"cancel_requested"`
	ScheduledAt     time.Time          `json:"scheduled_at"`
	AssignedAt      *time.Time         `json:"assigned_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	Warnings        []string           `json:"checksum_warnings,omitempty"`
}

// ScheduleRequest is the body of POST /api/jobs.
type ScheduleRequest struct {
	Plan  work.JobPlan    `json:"plan"`
	Cause work.BuildCause `json:"cause"`
}

// routes builds the HTTP router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Handle("/agent/ws", g.sessions.WebsocketHandler(g.config.Agents.SilenceTimeout))

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", g.handleListAgents)
		r.Post("/agents/{uuid}/enable", g.handleSetEnabled(true))
		r.Post("/agents/{uuid}/disable", g.handleSetEnabled(false))

		r.Post("/jobs", g.handleSchedule)
		r.Get("/jobs", g.handleListJobs)
		r.Get("/jobs/{buildID}", g.handleGetJob)
		r.Post("/jobs/{buildID}/cancel", g.handleCancel)
		r.Get("/jobs/{buildID}/console", g.handleConsole)
		r.Get("/jobs/{buildID}/checksums", g.handleChecksums)

		r.Get("/events", g.handleEvents)
		r.Get("/events/history", g.handleEventHistory)

		g.receiver.Routes(r)
	})

	return r
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports ready once at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	n := g.registry.ConnectedCount()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	snapshot := g.registry.Snapshot()
	out := make([]AgentInfoResponse, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, agentResponse(a))
	}
	g.writeJSON(w, http.StatusOK, out)
}

func agentResponse(a agent.Agent) AgentInfoResponse {
	resp := AgentInfoResponse{
		UUID:         a.UUID,
		HostName:     a.Info.Identifier.HostName,
		IPAddress:    a.Info.Identifier.IPAddress,
		Status:       string(a.State.Status),
		Resources:    a.Info.Resources,
		Environments: a.Info.Environments,
		Enabled:      a.Enabled,
		Connected:    a.Connected,
		RegisteredAt: a.RegisteredAt,
		LastHeard:    a.LastHeard,
	}
	if job, ok := a.State.HeldJob(); ok {
		resp.Job = &job
	}
	return resp
}

func (g *Gateway) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "uuid")
		if err := g.coord.SetEnabled(r.Context(), id, enabled); err != nil {
			if errors.Is(err, agent.ErrAgentNotFound) {
				g.sendJSONError(w, http.StatusNotFound, "agent not found")
				return
			}
			g.logger.Error("failed to update agent", "agent_uuid", id, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		a, _ := g.registry.Lookup(id)
		g.writeJSON(w, http.StatusOK, agentResponse(a))
	}
}

func (g *Gateway) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := g.coord.Enqueue(r.Context(), req.Plan, req.Cause)
	if err != nil {
		switch {
		case errors.Is(err, work.ErrInvalidPlan):
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrDuplicateJob):
			g.sendJSONError(w, http.StatusConflict, "job already scheduled")
		default:
			g.logger.Error("failed to schedule job", "job", req.Plan.Identifier.String(), "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	g.writeJSON(w, http.StatusCreated, g.jobResponse(job))
}

func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var states []work.JobState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			states = append(states, work.JobState(strings.TrimSpace(s)))
		}
	}
	jobs, err := g.store.ListJobs(r.Context(), states...)
	if err != nil {
		g.logger.Error("failed to list jobs", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, g.jobResponse(j))
	}
	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) jobResponse(j *store.Job) JobResponse {
	return JobResponse{
		BuildID:         j.BuildID,
		Identifier:      j.Identifier(),
		Plan:            j.Plan,
		State:           j.State,
		Result:          j.Result,
		AgentUUID:       j.AgentUUID,
		CancelRequested: j.CancelRequested,
		ScheduledAt:     j.ScheduledAt,
		AssignedAt:      j.AssignedAt,
		CompletedAt:     j.CompletedAt,
		Warnings:        g.receiver.Warnings(j.BuildID),
	}
}

// lookupJob resolves the {buildID} parameter, writing the error response
// when it fails.
func (g *Gateway) lookupJob(w http.ResponseWriter, r *http.Request) (*store.Job, bool) {
	buildID, err := strconv.ParseInt(chi.URLParam(r, "buildID"), 10, 64)
	if err != nil || buildID <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid build id")
		return nil, false
	}
	job, err := g.store.GetJob(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "job not found")
			return nil, false
		}
		g.logger.Error("failed to load job", "build_id", buildID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return job, true
}

func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := g.lookupJob(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, g.jobResponse(job))
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := g.lookupJob(w, r)
	if !ok {
		return
	}
	if err := g.coord.Cancel(r.Context(), job.Identifier()); err != nil {
		g.logger.Error("failed to cancel job", "build_id", job.BuildID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]any{"build_id": job.BuildID, "cancel_requested": true})
}

func (g *Gateway) handleConsole(w http.ResponseWriter, r *http.Request) {
	job, ok := g.lookupJob(w, r)
	if !ok {
		return
	}
	data, err := g.console.Read(job.BuildID)
	if err != nil {
		if errors.Is(err, console.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "no console output")
			return
		}
		g.logger.Error("failed to read console", "build_id", job.BuildID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (g *Gateway) handleChecksums(w http.ResponseWriter, r *http.Request) {
	job, ok := g.lookupJob(w, r)
	if !ok {
		return
	}
	record, err := g.store.GetChecksums(r.Context(), job.BuildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "no checksums recorded")
			return
		}
		g.logger.Error("failed to load checksums", "build_id", job.BuildID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Checksum-Algorithm", string(record.Algorithm))
	if err := record.WriteManifest(w); err != nil {
		g.logger.Warn("failed to write manifest", "build_id", job.BuildID, "error", err)
	}
}

// handleEvents streams coordinator events as server-sent events. The
// optional topic query parameter narrows the feed to agents or jobs.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := events.TopicAll
	switch t := events.Topic(r.URL.Query().Get("topic")); t {
	case "":
	case events.TopicAgents, events.TopicJobs:
		topic = t
	default:
		g.sendJSONError(w, http.StatusBadRequest, "unknown topic")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, subID := g.broadcaster.Subscribe(r.Context(), topic)
	defer g.broadcaster.Unsubscribe(topic, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"topic": string(topic)})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, ch)
}

func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, ch <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

// handleEventHistory returns the most recent persisted events.
func (g *Gateway) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}
	evs, err := g.store.ListEvents(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if evs == nil {
		evs = []*events.Event{}
	}
	g.writeJSON(w, http.StatusOK, evs)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
