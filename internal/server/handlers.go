package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loopworks/cadence/internal/clients"
	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/service/decision"
	"github.com/loopworks/cadence/internal/storage"
)

// Orchestrator runs one decision tick.
type Orchestrator interface {
	Decide(ctx context.Context, projectID string, opts model.OrchestrationOptions) (model.DecisionResponse, error)
}

// ReadyProbe is one named dependency check for the readiness endpoint.
type ReadyProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              Orchestrator
	db                  *storage.DB
	probes              []ReadyProbe
	queueDepth          func() int
	defaults            model.OrchestrationOptions
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Probes, QueueDepth.
type HandlersDeps struct {
	Engine              Orchestrator
	DB                  *storage.DB
	Probes              []ReadyProbe
	QueueDepth          func() int
	Defaults            model.OrchestrationOptions
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		engine:              d.Engine,
		db:                  d.DB,
		probes:              d.Probes,
		queueDepth:          d.QueueDepth,
		defaults:            d.Defaults,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// orchestrateRequest is the POST body; all options are optional and
// default from configuration.
type orchestrateRequest struct {
	Options *model.OrchestrationOptions `json:"options"`
}

// HandleOrchestrate handles POST /v1/projects/{project_id}/orchestrate.
func (h *Handlers) HandleOrchestrate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if projectID == "" {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalid, "missing project_id")
		return
	}

	opts := h.defaults
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req orchestrateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalid,
			fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Options != nil {
		opts = *req.Options
		if opts.Schedule == "" {
			opts.Schedule = h.defaults.Schedule
		}
		if opts.SprintDurationWeeks <= 0 {
			opts.SprintDurationWeeks = h.defaults.SprintDurationWeeks
		}
		if opts.MaxTasksPerSprint <= 0 {
			opts.MaxTasksPerSprint = h.defaults.MaxTasksPerSprint
		}
	}

	ctx := decision.WithCorrelationID(r.Context(), RequestIDFromContext(r.Context()))
	resp, err := h.engine.Decide(ctx, projectID, opts)
	if err != nil {
		h.writeDecideError(w, r, projectID, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) writeDecideError(w http.ResponseWriter, r *http.Request, projectID string, err error) {
	switch {
	case errors.Is(err, decision.ErrProjectNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
			fmt.Sprintf("project %s not found", projectID))
	case errors.Is(err, clients.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, clients.ErrInvalid):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalid, err.Error())
	case errors.Is(err, clients.ErrCircuitOpen):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeCircuitBroken,
			"a downstream service is circuit-broken")
	default:
		h.logger.Error("orchestration failed", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "orchestration failed")
	}
}

// HandleListEpisodes handles GET /v1/projects/{project_id}/episodes.
func (h *Handlers) HandleListEpisodes(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	episodes, err := h.db.GetEpisodesByProject(r.Context(), projectID, limit, offset, nil, nil)
	if err != nil {
		h.logger.Error("episode list failed", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "episode lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"project_id": projectID,
		"episodes":   episodes,
		"count":      len(episodes),
	})
}

// HandleHealth handles GET /healthz: process liveness only.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if h.queueDepth != nil {
		depth = h.queueDepth()
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		EpisodeQueue:  depth,
	})
}

// HandleReady handles GET /readyz: every dependency probe must pass or
// the whole endpoint reports not_ready with 503.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	resp := model.ReadyResponse{
		Status:       "ok",
		Dependencies: make(map[string]model.DependencyHealth, len(h.probes)),
	}

	for _, probe := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := probe.Check(ctx)
		cancel()

		dep := model.DependencyHealth{Status: "ok"}
		if err != nil {
			dep.Status = "not_ready"
			dep.Detail = err.Error()
			resp.Status = "not_ready"
		}
		resp.Dependencies[probe.Name] = dep
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
