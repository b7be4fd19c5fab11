package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/coveragecheck/coveragecheck/internal/consensus"
	"github.com/coveragecheck/coveragecheck/internal/model"
)

type submitRequest struct {
	ProviderID         string `json:"provider_id"`
	PlanID             string `json:"plan_id"`
	LocationID         string `json:"location_id,omitempty"`
	Status             string `json:"status"`
	Source             string `json:"source,omitempty"`
	Note               string `json:"note,omitempty"`
	EvidenceURL        string `json:"evidence_url,omitempty"`
	SubmitterIdentity  string `json:"submitter_identity,omitempty"`
	AcceptsNewPatients *bool  `json:"accepts_new_patients,omitempty"`
	PhoneReachable     *bool  `json:"phone_reachable,omitempty"`
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ProviderID == "" || req.PlanID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider_id and plan_id are required"})
		return
	}

	result, err := s.engine.SubmitReport(r.Context(), consensus.SubmitInput{
		ProviderID:    req.ProviderID,
		PlanID:        req.PlanID,
		LocationID:    req.LocationID,
		ClaimedStatus: model.AcceptanceStatus(req.Status),
		Source:        model.SourceChannel(req.Source),
		Value: model.ReportValue{
			AcceptsNewPatients: req.AcceptsNewPatients,
			PhoneReachable:     req.PhoneReachable,
		},
		Note:              req.Note,
		EvidenceURL:       req.EvidenceURL,
		SubmitterAddress:  clientAddr(r),
		SubmitterIdentity: req.SubmitterIdentity,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"report":     result.Report.Redact(),
		"acceptance": result.Acceptance,
	})
}

type voteRequest struct {
	Direction string `json:"direction"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := s.ledger.Vote(r.Context(), reportID, model.VoteDirection(req.Direction), clientAddr(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"report":       result.Report.Redact(),
		"vote_changed": result.VoteChanged,
	})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	planID := chi.URLParam(r, "planID")
	locationID := r.URL.Query().Get("location_id")
	includeExpired := r.URL.Query().Get("include_expired") == "true"

	agg, err := s.engine.GetAggregateForPair(r.Context(), providerID, planID, locationID, includeExpired)
	if err != nil {
		writeError(w, err)
		return
	}

	// Strip submitter address/identity before the payload leaves the edge.
	redacted := make([]model.ReportLogEntry, len(agg.Reports))
	for i, rep := range agg.Reports {
		redacted[i] = rep.Redact()
	}
	agg.Reports = redacted

	writeJSON(w, http.StatusOK, agg)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case consensus.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case consensus.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case consensus.IsBadRequest(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
