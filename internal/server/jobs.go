package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"echopilot/internal/processor"
	"echopilot/pkg/domain"
	"echopilot/pkg/store"
)

type intakeResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req processor.SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	job, err := s.processor.Submit(r.Context(), req)
	if err != nil {
		var verr *processor.ValidationError
		switch {
		case errors.As(err, &verr):
			s.writeError(w, r, http.StatusBadRequest, "bad_request", verr.Detail)
		case errors.Is(err, processor.ErrPayloadTooLarge):
			s.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		default:
			s.logger.Error("job intake failed", "error", err)
			s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not accept job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, intakeResponse{JobID: job.ID, Status: string(domain.JobQueued)})
}

type jobStatusResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	QAScore   *int   `json:"qa_score,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/status/")
	if jobID == "" || strings.Contains(jobID, "/") {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	job, found, err := s.store.GetJob(jobID)
	if err != nil {
		s.logger.Error("job lookup failed", "job_id", jobID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load job")
		return
	}
	if !found {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:     job.ID,
		Status:    string(job.State),
		CreatedAt: job.CreatedAt.UTC().Format(timeLayout),
		Result:    job.Result,
		Error:     job.Error,
		QAScore:   job.QAScore,
	})
}

type sandboxResponse struct {
	OK             bool           `json:"ok"`
	Route          string         `json:"route"`
	Echo           map[string]any `json:"echo,omitempty"`
	Tier           string         `json:"tier"`
	CallsUsed      int64          `json:"calls_used"`
	CallsLimit     int64          `json:"calls_limit"`
	CallsRemaining int64          `json:"calls_remaining"`
}

// handleSandbox serves the quota-gated developer routes. Every call spends
// one unit of the presented key's monthly allowance and returns a canned
// echo of the request.
func (s *Server) handleSandbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	raw, ok := bearerToken(r)
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing developer key")
		return
	}
	key, err := s.quota.Consume(raw)
	if err != nil {
		var quotaErr *store.QuotaExceededError
		switch {
		case errors.As(err, &quotaErr):
			w.Header().Set("X-Quota-Reset", quotaErr.ResetAt.UTC().Format(timeLayout))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":          "quota_exceeded",
				"reset_at":       quotaErr.ResetAt.UTC().Format(timeLayout),
				"correlation_id": correlationID(r),
			})
		case errors.Is(err, store.ErrKeyNotFound), errors.Is(err, store.ErrKeyRevoked):
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid developer key")
		default:
			s.logger.Error("quota check failed", "error", err)
			s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not check quota")
		}
		return
	}

	var echo map[string]any
	_ = json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&echo)
	writeJSON(w, http.StatusOK, sandboxResponse{
		OK:             true,
		Route:          strings.TrimPrefix(r.URL.Path, "/api/sandbox"),
		Echo:           echo,
		Tier:           string(key.Tier),
		CallsUsed:      key.CallsUsed,
		CallsLimit:     key.CallsLimit,
		CallsRemaining: key.CallsLimit - key.CallsUsed,
	})
}
