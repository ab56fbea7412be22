package main

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/coreg/collab"
)

// trajectoryPose is one trajectory entry as served over HTTP
type trajectoryPose struct {
	Frame  int         `json:"frame"`
	Matrix [16]float64 `json:"matrix"` // row-major 4x4
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(session *collab.Context, metrics *collab.Counters, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("http")
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, endpoint string, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Warn("error encoding response", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string          `json:"status"`
			SessionID string          `json:"sessionId"`
			Closed    bool            `json:"closed"`
			Agents    int             `json:"agents"`
			Accepted  int             `json:"accepted"`
			Timestamp time.Time       `json:"timestamp"`
			Counters  collab.Snapshot `json:"counters"`
		}{
			Status:    "ok",
			SessionID: session.ID(),
			Closed:    session.Closed(),
			Agents:    len(session.Agents()),
			Accepted:  len(session.AcceptedTransforms()),
			Timestamp: time.Now(),
			Counters:  metrics.Snapshot(),
		}
		writeJSON(w, "/health", status)
	})

	// Accepted transforms, one per registered pair
	mux.HandleFunc("/transforms", func(w http.ResponseWriter, r *http.Request) {
		accepted := session.AcceptedTransforms()
		out := make([]collab.TransformPayload, len(accepted))
		for i, at := range accepted {
			out[i] = collab.NewTransformPayload(at)
		}
		writeJSON(w, "/transforms", out)
	})

	// Consensus state of every pair seen so far
	mux.HandleFunc("/pairs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, "/pairs", session.PairStatuses())
	})

	// Trajectory of one agent
	mux.HandleFunc("/trajectory", func(w http.ResponseWriter, r *http.Request) {
		agent := r.URL.Query().Get("agent")
		if agent == "" {
			http.Error(w, "missing agent parameter", http.StatusBadRequest)
			return
		}
		if !slices.Contains(session.Agents(), agent) {
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}
		poses := session.Trajectory(agent)
		out := make([]trajectoryPose, len(poses))
		for i, p := range poses {
			out[i] = trajectoryPose{Frame: i, Matrix: p.Matrix()}
		}
		writeJSON(w, "/trajectory", out)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
		mux.ServeHTTP(w, r)
	})
}
