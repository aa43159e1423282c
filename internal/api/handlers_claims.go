package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/reward-settlement/internal/service"
)

// PrepareClaimRequest represents the request body for preparing a claim
type PrepareClaimRequest struct {
	WalletPubkey string `json:"walletPubkey"`
}

// handlePrepareClaim handles POST /api/claims/prepare
func (s *Server) handlePrepareClaim(w http.ResponseWriter, r *http.Request) {
	var req PrepareClaimRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	wallet := strings.TrimSpace(req.WalletPubkey)
	if wallet == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "walletPubkey is required", nil)
		return
	}

	result, err := s.claimService.Prepare(r.Context(), wallet)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	// a reservation from an earlier attempt landed; nothing new to sign
	if result.Settled != nil {
		respondJSON(w, http.StatusOK, result.Settled)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleSettleClaim handles POST /api/claims/settle
func (s *Server) handleSettleClaim(w http.ResponseWriter, r *http.Request) {
	var req service.SettleRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if req.SignedTransaction == "" || req.WalletPubkey == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "signedTransaction and walletPubkey are required", nil)
		return
	}
	if len(req.EpochIDs) == 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "epochIds must not be empty", nil)
		return
	}

	result, err := s.claimService.Settle(r.Context(), &req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleClaimStatus handles GET /api/claims/status?signature=
func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	sig := strings.TrimSpace(r.URL.Query().Get("signature"))
	if sig == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "signature query parameter is required", nil)
		return
	}

	status, err := s.claimService.Status(r.Context(), sig)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleClaimSummary handles GET /api/claims/{wallet}
func (s *Server) handleClaimSummary(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]

	summary, err := s.claimService.Summary(r.Context(), wallet)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}
