package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/types"
)

const sweepAuditColumns = `
	id, event, COALESCE(fee_source_id, 0), token_mint, claimed, holder_share, creator_share,
	transferred, keep_reserve, claim_sig, escrow_sig, payout_sig, source, epochs_updated,
	note, created_at`

// SweepAuditRepository appends and reads sweep facts
type SweepAuditRepository struct {
	q Querier
}

// NewSweepAuditRepository creates a new sweep audit repository
func NewSweepAuditRepository(q Querier) *SweepAuditRepository {
	return &SweepAuditRepository{q: q}
}

func scanSweepAudit(row pgx.Row) (*models.SweepAuditRecord, error) {
	var a models.SweepAuditRecord
	err := row.Scan(
		&a.ID,
		&a.Event,
		&a.FeeSourceID,
		&a.TokenMint,
		&a.Claimed,
		&a.HolderShare,
		&a.CreatorShare,
		&a.Transferred,
		&a.KeepReserve,
		&a.ClaimSig,
		&a.EscrowSig,
		&a.PayoutSig,
		&a.Source,
		&a.EpochsUpdated,
		&a.Note,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Append writes one fact and fills in its ID and timestamp
func (r *SweepAuditRepository) Append(ctx context.Context, a *models.SweepAuditRecord) error {
	if a.Source == "" {
		a.Source = types.SourceNormal
	}

	query := `
		INSERT INTO sweep_audit (
			event, fee_source_id, token_mint, claimed, holder_share, creator_share,
			transferred, keep_reserve, claim_sig, escrow_sig, payout_sig, source,
			epochs_updated, note
		)
		VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query,
		a.Event,
		a.FeeSourceID,
		a.TokenMint,
		a.Claimed,
		a.HolderShare,
		a.CreatorShare,
		a.Transferred,
		a.KeepReserve,
		a.ClaimSig,
		a.EscrowSig,
		a.PayoutSig,
		a.Source,
		a.EpochsUpdated,
		a.Note,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append sweep audit: %w", err)
	}
	return nil
}

// FindUnpaidSweep returns the most recent fee_sweep_ok fact for the token that
// has no creator_payout_ok fact at or after it, or nil when there is none.
func (r *SweepAuditRepository) FindUnpaidSweep(ctx context.Context, tokenMint string) (*models.SweepAuditRecord, error) {
	query := `
		SELECT ` + sweepAuditColumns + `
		FROM sweep_audit s
		WHERE s.token_mint = $1
		  AND s.event = 'fee_sweep_ok'
		  AND NOT EXISTS (
			SELECT 1 FROM sweep_audit p
			WHERE p.token_mint = s.token_mint
			  AND p.event = 'creator_payout_ok'
			  AND p.created_at >= s.created_at
		  )
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT 1
	`

	a, err := scanSweepAudit(r.q.QueryRow(ctx, query, tokenMint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find unpaid sweep: %w", err)
	}
	return a, nil
}

// ListByToken returns the newest facts for a token
func (r *SweepAuditRepository) ListByToken(ctx context.Context, tokenMint string, limit int) ([]models.SweepAuditRecord, error) {
	query := `
		SELECT ` + sweepAuditColumns + `
		FROM sweep_audit
		WHERE token_mint = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, tokenMint, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep audit: %w", err)
	}
	defer rows.Close()

	var out []models.SweepAuditRecord
	for rows.Next() {
		a, err := scanSweepAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sweep audit: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sweep audit: %w", err)
	}
	return out, nil
}
