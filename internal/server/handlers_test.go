package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/cadence/internal/clients"
	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/server"
	"github.com/loopworks/cadence/internal/service/decision"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engineStub struct {
	projectID string
	opts      model.OrchestrationOptions
	resp      model.DecisionResponse
	err       error
}

func (e *engineStub) Decide(_ context.Context, projectID string, opts model.OrchestrationOptions) (model.DecisionResponse, error) {
	e.projectID = projectID
	e.opts = opts
	if e.err != nil {
		return model.DecisionResponse{}, e.err
	}
	e.resp.ProjectID = projectID
	return e.resp, nil
}

func newHandler(engine *engineStub, probes ...server.ReadyProbe) http.Handler {
	h := server.NewHandlers(server.HandlersDeps{
		Engine:     engine,
		Probes:     probes,
		QueueDepth: func() int { return 3 },
		Defaults:   model.DefaultOptions(),
		Logger:     testLogger(),
		Version:    "test",
	})
	return server.New(server.Config{Handlers: h, Logger: testLogger()}).Handler()
}

type errorEnvelope struct {
	Error model.ErrorDetail `json:"error"`
}

func TestOrchestrate_EmptyBodyUsesDefaults(t *testing.T) {
	engine := &engineStub{}
	handler := newHandler(engine)

	req := httptest.NewRequest(http.MethodPost, "/v1/projects/PROJ1/orchestrate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PROJ1", engine.projectID)
	assert.Equal(t, model.DefaultOptions(), engine.opts)

	var env struct {
		Data model.DecisionResponse `json:"data"`
		Meta model.ResponseMeta     `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "PROJ1", env.Data.ProjectID)
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestOrchestrate_PartialOptionsBackfilled(t *testing.T) {
	engine := &engineStub{}
	handler := newHandler(engine)

	body := `{"options":{"create_sprint_if_needed":false,"assign_tasks":true,"create_cronjob":true}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/projects/PROJ1/orchestrate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, engine.opts.CreateSprintIfNeeded)
	assert.Equal(t, model.DefaultSchedule, engine.opts.Schedule, "omitted schedule backfills")
	assert.Equal(t, 2, engine.opts.SprintDurationWeeks)
	assert.Equal(t, 10, engine.opts.MaxTasksPerSprint)
}

func TestOrchestrate_UnknownBodyFieldRejected(t *testing.T) {
	handler := newHandler(&engineStub{})

	req := httptest.NewRequest(http.MethodPost, "/v1/projects/PROJ1/orchestrate",
		strings.NewReader(`{"optionz":{}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeInvalid, env.Error.Code)
}

func TestOrchestrate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unknown project", decision.ErrProjectNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{"downstream conflict", clients.ErrConflict, http.StatusConflict, model.ErrCodeConflict},
		{"downstream rejection", clients.ErrInvalid, http.StatusUnprocessableEntity, model.ErrCodeInvalid},
		{"circuit broken", clients.ErrCircuitOpen, http.StatusServiceUnavailable, model.ErrCodeCircuitBroken},
		{"unexpected failure", errors.New("boom"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newHandler(&engineStub{err: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/v1/projects/PROJ1/orchestrate", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var env errorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

func TestOrchestrate_RequestIDEchoed(t *testing.T) {
	handler := newHandler(&engineStub{})

	req := httptest.NewRequest(http.MethodPost, "/v1/projects/PROJ1/orchestrate", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	var env struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "req-42", env.Meta.RequestID)
}

func TestHealth_ReportsQueueDepth(t *testing.T) {
	handler := newHandler(&engineStub{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "ok", env.Data.Status)
	assert.Equal(t, "test", env.Data.Version)
	assert.Equal(t, 3, env.Data.EpisodeQueue)
}

func TestReady_AllProbesPass(t *testing.T) {
	handler := newHandler(&engineStub{},
		server.ReadyProbe{Name: "postgres", Check: func(context.Context) error { return nil }},
		server.ReadyProbe{Name: "redis", Check: func(context.Context) error { return nil }},
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data model.ReadyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "ok", env.Data.Status)
	assert.Len(t, env.Data.Dependencies, 2)
	assert.Equal(t, "ok", env.Data.Dependencies["postgres"].Status)
}

func TestReady_SingleFailureMakesNotReady(t *testing.T) {
	handler := newHandler(&engineStub{},
		server.ReadyProbe{Name: "postgres", Check: func(context.Context) error { return nil }},
		server.ReadyProbe{Name: "redis", Check: func(context.Context) error { return errors.New("dial refused") }},
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var env struct {
		Data model.ReadyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "not_ready", env.Data.Status)
	assert.Equal(t, "ok", env.Data.Dependencies["postgres"].Status)
	assert.Equal(t, "not_ready", env.Data.Dependencies["redis"].Status)
	assert.Equal(t, "dial refused", env.Data.Dependencies["redis"].Detail)
}
