package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	apperrors "github.com/reward-settlement/internal/errors"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/service"
)

// maxSweepLimit caps the limit a scheduler may request for one batch
const maxSweepLimit = 500

// schedulerAuth guards /internal routes with the shared scheduler secret.
// An unset secret is a deployment error, never an open door.
func (s *Server) schedulerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.SchedulerSecret == "" {
			s.respondServiceError(w, r, apperrors.NewConfigurationError(fmt.Errorf("scheduler secret is not set")))
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.SchedulerSecret)) != 1 {
			respondCategorized(w, apperrors.NewUnauthorizedError("invalid scheduler credentials"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleSweep handles POST /internal/sweep?tokenMint=&limit=
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweepService == nil {
		respondCategorized(w, apperrors.NewServiceUnavailableError("sweep"))
		return
	}

	var opts service.BatchOptions
	query := r.URL.Query()

	if mint := strings.TrimSpace(query.Get("tokenMint")); mint != "" {
		if _, err := solana.PublicKeyFromBase58(mint); err != nil {
			respondCategorized(w, apperrors.NewInvalidAddressError(mint))
			return
		}
		opts.TokenMint = mint
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > maxSweepLimit {
			respondCategorized(w, apperrors.NewInvalidParameterError("limit", fmt.Sprintf("must be between 1 and %d", maxSweepLimit)))
			return
		}
		opts.Limit = limit
	}

	result, err := s.sweepService.RunBatch(r.Context(), opts)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	logging.FromContext(r.Context(), s.logger).WithFields(map[string]interface{}{
		"run_id":   result.RunID,
		"swept":    result.Swept,
		"targeted": result.Targeted,
	}).Info("sweep batch finished")

	respondJSON(w, http.StatusOK, result)
}
