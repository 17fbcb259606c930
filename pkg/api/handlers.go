package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-boottest/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// submitResponse is the intake result: either a freshly queued run or a
// pointer to the earlier duplicate. A duplicate is a success outcome, not
// an error.
type submitResponse struct {
	Status         string  `json:"status"`
	TestID         string  `json:"test_id,omitempty"`
	PreviousTestID string  `json:"previous_test_id,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
}

// handleSubmit validates a test request and either queues a new run or
// short-circuits to a recent duplicate.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	version, err := req.validate(s.cfg.Intake.OriginRepo)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	run := req.toRun(version)

	prior, created, err := s.store.CreateRunDeduped(
		r.Context(), run, s.cfg.DedupWindow(),
	)
	if err != nil {
		s.log.WithError(err).Error("Failed to create run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if !created {
		s.log.WithFields(logrus.Fields{
			"previous_test_id": prior.ID,
			"image":            version,
		}).Info("Duplicate submission ignored")

		writeJSON(w, http.StatusOK, submitResponse{
			Status:         "ignored",
			PreviousTestID: prior.ID,
			ElapsedSeconds: time.Since(prior.CreatedAt).Seconds(),
		})

		return
	}

	s.log.WithFields(logrus.Fields{
		"test_id": run.ID,
		"image":   version,
		"trigger": run.TriggeredBy,
	}).Info("Test queued")

	// Wake the scheduler so the run starts without waiting for a poll.
	s.notifier.Notify()

	writeJSON(w, http.StatusAccepted, submitResponse{
		Status: "queued",
		TestID: run.ID,
	})
}

// statusResponse summarizes the queue and active configuration.
type statusResponse struct {
	QueueSize  int64          `json:"queue_size"`
	Processing bool           `json:"processing"`
	Config     map[string]any `json:"config"`
}

// handleStatus returns the queue depth and a configuration summary.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queued, err := s.store.CountByStatus(r.Context(), store.StatusQueued)
	if err != nil {
		s.log.WithError(err).Error("Failed to count queued runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	running, err := s.store.CountByStatus(r.Context(), store.StatusRunning)
	if err != nil {
		s.log.WithError(err).Error("Failed to count running runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		QueueSize:  queued,
		Processing: running > 0,
		Config: map[string]any{
			"origin_repo":          s.cfg.Intake.OriginRepo,
			"timeout_minutes":      s.cfg.Scheduler.TimeoutMinutes,
			"dedup_window_minutes": s.cfg.Scheduler.DedupWindowMinutes,
			"github_reporting":     s.cfg.GitHub.Enabled,
		},
	})
}

// healthResponse is the health endpoint payload.
type healthResponse struct {
	Status     string `json:"status"`
	Credential any    `json:"credential,omitempty"`
}

// handleHealth reports store reachability and, when reporting is enabled,
// the credential state. An expiring credential is a warning, not an
// unhealthy status.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.WithError(err).Error("Store ping failed")
		writeJSON(w, http.StatusServiceUnavailable,
			healthResponse{Status: "unhealthy"})

		return
	}

	resp := healthResponse{Status: "healthy"}

	if s.credential != nil {
		resp.Credential = s.credential.Health()
	}

	writeJSON(w, http.StatusOK, resp)
}
