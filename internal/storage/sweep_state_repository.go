package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settlement/internal/models"
)

// ErrVersionConflict is returned when a sweep state row changed under the writer
var ErrVersionConflict = errors.New("sweep state version conflict")

// SweepStateRepository stores the per fee source sweep state machine
type SweepStateRepository struct {
	q Querier
}

// NewSweepStateRepository creates a new sweep state repository
func NewSweepStateRepository(q Querier) *SweepStateRepository {
	return &SweepStateRepository{q: q}
}

// Get returns the state row for a fee source, or nil when it has never swept
func (r *SweepStateRepository) Get(ctx context.Context, feeSourceID int64) (*models.SweepStateRow, error) {
	query := `
		SELECT fee_source_id, state, version, source, claimed, holder_share, creator_share,
		       transferred, keep_reserve, claim_sig, escrow_sig, payout_sig,
		       campaign_id, escrow_address, updated_at
		FROM sweep_state
		WHERE fee_source_id = $1
	`

	var s models.SweepStateRow
	err := r.q.QueryRow(ctx, query, feeSourceID).Scan(
		&s.FeeSourceID,
		&s.State,
		&s.Version,
		&s.Source,
		&s.Claimed,
		&s.HolderShare,
		&s.CreatorShare,
		&s.Transferred,
		&s.KeepReserve,
		&s.ClaimSig,
		&s.EscrowSig,
		&s.PayoutSig,
		&s.CampaignID,
		&s.EscrowAddress,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sweep state: %w", err)
	}
	return &s, nil
}

// Save writes s if the stored version still equals expectedVersion (0 for a
// fee source with no row yet) and bumps s.Version on success.
func (r *SweepStateRepository) Save(ctx context.Context, s *models.SweepStateRow, expectedVersion int64) error {
	query := `
		UPDATE sweep_state
		SET state = $2,
		    version = version + 1,
		    source = $3,
		    claimed = $4,
		    holder_share = $5,
		    creator_share = $6,
		    transferred = $7,
		    keep_reserve = $8,
		    claim_sig = $9,
		    escrow_sig = $10,
		    payout_sig = $11,
		    campaign_id = $13,
		    escrow_address = $14,
		    updated_at = NOW()
		WHERE fee_source_id = $1 AND version = $12
		RETURNING version, updated_at
	`
	if expectedVersion == 0 {
		query = `
			INSERT INTO sweep_state (
				fee_source_id, state, version, source, claimed, holder_share, creator_share,
				transferred, keep_reserve, claim_sig, escrow_sig, payout_sig,
				campaign_id, escrow_address, updated_at
			)
			VALUES ($1, $2, $12::BIGINT + 1, $3, $4, $5, $6, $7, $8, $9, $10, $11, $13, $14, NOW())
			ON CONFLICT (fee_source_id) DO NOTHING
			RETURNING version, updated_at
		`
	}

	err := r.q.QueryRow(ctx, query,
		s.FeeSourceID,
		s.State,
		s.Source,
		s.Claimed,
		s.HolderShare,
		s.CreatorShare,
		s.Transferred,
		s.KeepReserve,
		s.ClaimSig,
		s.EscrowSig,
		s.PayoutSig,
		expectedVersion,
		s.CampaignID,
		s.EscrowAddress,
	).Scan(&s.Version, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("fee source %d at version %d: %w", s.FeeSourceID, expectedVersion, ErrVersionConflict)
		}
		return fmt.Errorf("failed to save sweep state: %w", err)
	}
	return nil
}
