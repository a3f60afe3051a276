package decision_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/cadence/internal/clients"
	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/service/decision"
)

// fakeServices is one httptest server standing in for the Project,
// Backlog, and Sprint services at once.
type fakeServices struct {
	projectID string
	teamSize  int
	counts    clients.BacklogCounts
	sprints   []model.Sprint
	summary   model.TaskSummary

	projectStatus int
	countsStatus  int
}

func (f *fakeServices) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f.projectStatus != 0 {
			w.WriteHeader(f.projectStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        f.projectID,
			"team_size": f.teamSize,
		})
	})
	mux.HandleFunc("GET /projects/{id}/backlog/counts", func(w http.ResponseWriter, r *http.Request) {
		if f.countsStatus != 0 {
			w.WriteHeader(f.countsStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(f.counts)
	})
	mux.HandleFunc("GET /projects/{id}/sprints", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(f.sprints)
	})
	mux.HandleFunc("GET /projects/{id}/sprints/{sid}/tasks/summary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(f.summary)
	})
	return mux
}

func newPerceiver(t *testing.T, f *fakeServices) *decision.Perceiver {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	bc := clients.BreakerConfig{ErrorRatio: 0.5, MonitorWindow: time.Minute, BrokenTime: time.Second}
	logger := slog.Default()
	return decision.NewPerceiver(
		clients.NewProjectClient(srv.URL, time.Second, bc, logger),
		clients.NewBacklogClient(srv.URL, time.Second, bc, logger),
		clients.NewSprintClient(srv.URL, time.Second, bc, logger),
		logger,
	)
}

func TestPerceiver_AssemblesFullSnapshot(t *testing.T) {
	f := &fakeServices{
		projectID: "PROJ1",
		teamSize:  4,
		counts:    clients.BacklogCounts{Total: 20, Unassigned: 12},
		sprints:   []model.Sprint{{ID: "PROJ1-S03", ProjectID: "PROJ1", Status: model.SprintInProgress}},
		summary:   model.TaskSummary{PendingTasks: 2, CompletedTasks: 5},
	}
	p := newPerceiver(t, f)

	snapshot, err := p.Snapshot(context.Background(), "PROJ1")
	require.NoError(t, err)

	assert.Equal(t, "PROJ1", snapshot.ProjectID)
	assert.Equal(t, 4, snapshot.TeamSize)
	assert.Equal(t, 20, snapshot.BacklogTasks)
	assert.Equal(t, 12, snapshot.UnassignedTasks)
	require.NotNil(t, snapshot.ActiveSprint)
	assert.Equal(t, "PROJ1-S03", snapshot.ActiveSprint.ID)
	assert.Equal(t, 3, snapshot.ActiveSprintCount, "ordinal parsed from the sprint id")
	require.NotNil(t, snapshot.SprintTaskSummary)
	assert.Equal(t, 2, snapshot.SprintTaskSummary.PendingTasks)
}

func TestPerceiver_NoActiveSprint(t *testing.T) {
	f := &fakeServices{
		projectID: "PROJ1",
		teamSize:  4,
		counts:    clients.BacklogCounts{Total: 5, Unassigned: 5},
	}
	p := newPerceiver(t, f)

	snapshot, err := p.Snapshot(context.Background(), "PROJ1")
	require.NoError(t, err)
	assert.Nil(t, snapshot.ActiveSprint)
	assert.Nil(t, snapshot.SprintTaskSummary)
}

func TestPerceiver_MissingProject(t *testing.T) {
	f := &fakeServices{projectStatus: http.StatusNotFound}
	p := newPerceiver(t, f)

	_, err := p.Snapshot(context.Background(), "NOPE")
	assert.ErrorIs(t, err, decision.ErrProjectNotFound)
}

func TestPerceiver_DownstreamFailureAbortsTick(t *testing.T) {
	f := &fakeServices{
		projectID:    "PROJ1",
		countsStatus: http.StatusUnprocessableEntity,
	}
	p := newPerceiver(t, f)

	_, err := p.Snapshot(context.Background(), "PROJ1")
	require.Error(t, err)
	assert.ErrorIs(t, err, clients.ErrInvalid)
}

func TestPerceiver_UnparseableSprintIDCountsAsOne(t *testing.T) {
	f := &fakeServices{
		projectID: "PROJ1",
		sprints:   []model.Sprint{{ID: "legacy-sprint", Status: model.SprintInProgress}},
	}
	p := newPerceiver(t, f)

	snapshot, err := p.Snapshot(context.Background(), "PROJ1")
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.ActiveSprintCount)
}
