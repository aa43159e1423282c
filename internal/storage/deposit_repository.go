package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/types"
)

// DepositRepository records inbound campaign funding
type DepositRepository struct {
	q Querier
}

// NewDepositRepository creates a new deposit repository
func NewDepositRepository(q Querier) *DepositRepository {
	return &DepositRepository{q: q}
}

// InsertIdempotent inserts d unless its transaction signature is already
// recorded. It reports whether a row was written.
func (r *DepositRepository) InsertIdempotent(ctx context.Context, d *models.CampaignDeposit) (bool, error) {
	if d.Source == "" {
		d.Source = types.DepositFeeSweep
	}
	if d.Status == "" {
		d.Status = "confirmed"
	}

	query := `
		INSERT INTO campaign_deposits (campaign_id, amount, tx_signature, depositor, source, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_signature) DO NOTHING
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query, d.CampaignID, d.Amount, d.TxSignature, d.Depositor, d.Source, d.Status).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert deposit: %w", err)
	}
	return true, nil
}

// GetBySignature returns the deposit recorded for a transaction signature
func (r *DepositRepository) GetBySignature(ctx context.Context, sig string) (*models.CampaignDeposit, error) {
	query := `
		SELECT id, campaign_id, amount, tx_signature, depositor, source, status, created_at
		FROM campaign_deposits
		WHERE tx_signature = $1
	`

	var d models.CampaignDeposit
	err := r.q.QueryRow(ctx, query, sig).Scan(
		&d.ID, &d.CampaignID, &d.Amount, &d.TxSignature, &d.Depositor, &d.Source, &d.Status, &d.CreatedAt,
	)
	if err != nil {
		return nil, notFoundOr(err, "deposit", "failed to get deposit")
	}
	return &d, nil
}
