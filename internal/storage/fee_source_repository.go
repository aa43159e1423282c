package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/types"
)

// FeeSourceFilter narrows a sweep batch
type FeeSourceFilter struct {
	TokenMint string
	Limit     int
}

// FeeSourceRepository handles fee source persistence
type FeeSourceRepository struct {
	q Querier
}

// NewFeeSourceRepository creates a new fee source repository
func NewFeeSourceRepository(q Querier) *FeeSourceRepository {
	return &FeeSourceRepository{q: q}
}

// Create enrolls a fee source
func (r *FeeSourceRepository) Create(ctx context.Context, f *models.FeeSource) error {
	if f.Status == "" {
		f.Status = types.FeeSourceActive
	}
	if f.CreatorFeeMode == "" {
		f.CreatorFeeMode = types.FeeModeManaged
	}

	query := `
		INSERT INTO fee_sources (token_mint, creator_authority, creator_fee_mode, signer_ref, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query, f.TokenMint, f.CreatorAuthority, f.CreatorFeeMode, f.SignerRef, f.Status).
		Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create fee source: %w", err)
	}
	return nil
}

// GetByID retrieves a fee source by ID
func (r *FeeSourceRepository) GetByID(ctx context.Context, id int64) (*models.FeeSource, error) {
	var f models.FeeSource
	err := r.q.QueryRow(ctx, `
		SELECT id, token_mint, creator_authority, creator_fee_mode, signer_ref, status, created_at
		FROM fee_sources
		WHERE id = $1
	`, id).Scan(&f.ID, &f.TokenMint, &f.CreatorAuthority, &f.CreatorFeeMode, &f.SignerRef, &f.Status, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("fee source %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get fee source: %w", err)
	}
	return &f, nil
}

// ListActive returns active fee sources in enrollment order.
// Eligibility beyond status is decided by the sweeper, which skips silently.
func (r *FeeSourceRepository) ListActive(ctx context.Context, filter FeeSourceFilter) ([]models.FeeSource, error) {
	query := `
		SELECT id, token_mint, creator_authority, creator_fee_mode, signer_ref, status, created_at
		FROM fee_sources
		WHERE status = 'active'
		  AND ($1 = '' OR token_mint = $1)
		ORDER BY id ASC
	`
	args := []any{filter.TokenMint}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fee sources: %w", err)
	}
	defer rows.Close()

	var sources []models.FeeSource
	for rows.Next() {
		var f models.FeeSource
		if err := rows.Scan(&f.ID, &f.TokenMint, &f.CreatorAuthority, &f.CreatorFeeMode, &f.SignerRef, &f.Status, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fee source: %w", err)
		}
		sources = append(sources, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fee sources: %w", err)
	}
	return sources, nil
}

// CountActive returns how many fee sources match the filter's token, ignoring its limit
func (r *FeeSourceRepository) CountActive(ctx context.Context, filter FeeSourceFilter) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM fee_sources WHERE status = 'active' AND ($1 = '' OR token_mint = $1)`, filter.TokenMint).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count fee sources: %w", err)
	}
	return n, nil
}
