package server

import (
	"net/http"
	"strings"
	"time"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	counts, err := s.store.CountJobsByState()
	if err != nil {
		s.logger.Error("job counts failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load metrics")
		return
	}
	jobs := make(map[string]int64, len(counts))
	for state, n := range counts {
		jobs[string(state)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":           jobs,
		"uptime_seconds": int64(s.clock.Now().UTC().Sub(s.startedAt) / time.Second),
	})
}

func (s *Server) handleOpsQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	depths, err := s.dispatcher.Depths(r.Context())
	if err != nil {
		s.logger.Error("queue depths failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not read queue depths")
		return
	}
	bands := make(map[string]int64, len(depths))
	for priority, depth := range depths {
		bands[string(priority)] = depth
	}
	writeJSON(w, http.StatusOK, map[string]any{"depths": bands})
}

// handleOpsDunning reports reminders currently due; with ?invoice_id= it
// returns the full schedule for one invoice instead.
func (s *Server) handleOpsDunning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	if invoiceID := strings.TrimSpace(r.URL.Query().Get("invoice_id")); invoiceID != "" {
		events, err := s.store.ListDunningByInvoice(invoiceID)
		if err != nil {
			s.logger.Error("dunning list failed", "invoice_id", invoiceID, "error", err)
			s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load schedule")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"invoice_id": invoiceID,
			"events":     events,
			"count":      len(events),
		})
		return
	}
	due, err := s.store.PendingDunningDue(s.clock.Now().UTC(), 100)
	if err != nil {
		s.logger.Error("dunning due failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load due reminders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"due":   due,
		"count": len(due),
	})
}
