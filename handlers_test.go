package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/coreg/collab"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// registeredSession returns a session in which agents a and b have a short
// trajectory and an accepted transform backed by three candidates.
func registeredSession(t *testing.T) (*collab.Context, *collab.Counters) {
	t.Helper()
	metrics := collab.NewCounters()
	session := collab.NewContext("test-session", nil, metrics)
	est, err := collab.NewEstimator(session, collab.DefaultEstimatorConfig(), nil, metrics)
	require.NoError(t, err)

	require.NoError(t, session.AppendTrajectoryPose("a", collab.Identity()))
	require.NoError(t, session.AppendTrajectoryPose("a", collab.Translation(1, 0, 0)))
	require.NoError(t, session.AppendTrajectoryPose("b", collab.Identity()))

	for i := 0; i < 3; i++ {
		require.NoError(t, session.SubmitCandidate("a", "b", collab.Translation(2, 0, 0), 0.9))
	}
	est.Process(time.Now())
	return session, metrics
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	session, metrics := registeredSession(t)
	h := newHTTPServer(session, metrics, nil)

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status    string          `json:"status"`
		SessionID string          `json:"sessionId"`
		Agents    int             `json:"agents"`
		Accepted  int             `json:"accepted"`
		Counters  collab.Snapshot `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test-session", body.SessionID)
	assert.Equal(t, 2, body.Agents)
	assert.Equal(t, 1, body.Accepted)
	assert.Equal(t, int64(3), body.Counters.CandidatesAccepted)
	assert.Equal(t, int64(1), body.Counters.Acceptances)
}

func TestHealthEndpoint_EmptySession(t *testing.T) {
	h := newHTTPServer(collab.NewContext("empty", nil, nil), nil, nil)

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	if body["accepted"] != float64(0) {
		t.Errorf("expected no accepted transforms, got %v", body["accepted"])
	}
}

// ---------------------------------------------------------------------------
// /transforms and /pairs
// ---------------------------------------------------------------------------

func TestTransformsEndpoint(t *testing.T) {
	session, metrics := registeredSession(t)
	h := newHTTPServer(session, metrics, nil)

	rec := get(t, h, "/transforms")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []collab.TransformPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].AgentA)
	assert.Equal(t, "b", list[0].AgentB)
	assert.Equal(t, 3, list[0].Support)
	assert.InDelta(t, 2.0, list[0].Matrix[3], 1e-9, "x translation of the row-major matrix")
	assert.False(t, list[0].Stale)
}

func TestTransformsEndpoint_Empty(t *testing.T) {
	h := newHTTPServer(collab.NewContext("empty", nil, nil), nil, nil)
	rec := get(t, h, "/transforms")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestPairsEndpoint(t *testing.T) {
	session, metrics := registeredSession(t)
	h := newHTTPServer(session, metrics, nil)

	rec := get(t, h, "/pairs")
	require.Equal(t, http.StatusOK, rec.Code)

	var pairs []struct {
		Pair     collab.AgentPair `json:"pair"`
		State    string           `json:"state"`
		Updates  int              `json:"updates"`
		Clusters []json.RawMessage
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pairs))
	require.Len(t, pairs, 1)
	assert.Equal(t, collab.NewAgentPair("a", "b"), pairs[0].Pair)
	assert.Equal(t, "accepted", pairs[0].State)
	assert.Equal(t, 1, pairs[0].Updates)
	assert.Len(t, pairs[0].Clusters, 1)
}

// ---------------------------------------------------------------------------
// /trajectory
// ---------------------------------------------------------------------------

func TestTrajectoryEndpoint(t *testing.T) {
	session, metrics := registeredSession(t)
	h := newHTTPServer(session, metrics, nil)

	tests := []struct {
		name   string
		target string
		code   int
		poses  int
	}{
		{"missing agent", "/trajectory", http.StatusBadRequest, 0},
		{"unknown agent", "/trajectory?agent=zed", http.StatusNotFound, 0},
		{"two poses", "/trajectory?agent=a", http.StatusOK, 2},
		{"one pose", "/trajectory?agent=b", http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.target)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var poses []trajectoryPose
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &poses))
			assert.Len(t, poses, tt.poses)
		})
	}

	rec := get(t, h, "/trajectory?agent=a")
	var poses []trajectoryPose
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &poses))
	assert.Equal(t, 1, poses[1].Frame)
	assert.InDelta(t, 1.0, poses[1].Matrix[3], 1e-9)
	assert.InDelta(t, 1.0, poses[1].Matrix[15], 1e-9)
}

func TestUnknownRoute(t *testing.T) {
	h := newHTTPServer(collab.NewContext("s", nil, nil), nil, nil)
	rec := get(t, h, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
