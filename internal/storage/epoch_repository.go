package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/types"
)

// EpochRepository handles epoch persistence
type EpochRepository struct {
	q Querier
}

// NewEpochRepository creates a new epoch repository
func NewEpochRepository(q Querier) *EpochRepository {
	return &EpochRepository{q: q}
}

// Create inserts an epoch
func (r *EpochRepository) Create(ctx context.Context, e *models.Epoch) error {
	if e.Status == "" {
		e.Status = types.EpochActive
	}

	query := `
		INSERT INTO epochs (campaign_id, start_time, end_time, reward_pool_balance, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	if err := r.q.QueryRow(ctx, query, e.CampaignID, e.StartTime, e.EndTime, e.RewardPoolBalance, e.Status).Scan(&e.ID); err != nil {
		return fmt.Errorf("failed to create epoch: %w", err)
	}
	return nil
}

// ListEligible returns the campaign's active epochs that have not ended as of
// now, ordered by start time ascending. The allocator's remainder rule depends
// on this order being stable.
func (r *EpochRepository) ListEligible(ctx context.Context, campaignID int64, now int64) ([]models.Epoch, error) {
	query := `
		SELECT id, campaign_id, start_time, end_time, reward_pool_balance, status
		FROM epochs
		WHERE campaign_id = $1
		  AND status = 'active'
		  AND end_time > $2
		ORDER BY start_time ASC, id ASC
	`

	rows, err := r.q.Query(ctx, query, campaignID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible epochs: %w", err)
	}
	defer rows.Close()

	var epochs []models.Epoch
	for rows.Next() {
		var e models.Epoch
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.StartTime, &e.EndTime, &e.RewardPoolBalance, &e.Status); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		epochs = append(epochs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating epochs: %w", err)
	}

	return epochs, nil
}

// GetByID retrieves an epoch by ID
func (r *EpochRepository) GetByID(ctx context.Context, id int64) (*models.Epoch, error) {
	query := `
		SELECT id, campaign_id, start_time, end_time, reward_pool_balance, status
		FROM epochs
		WHERE id = $1
	`

	var e models.Epoch
	err := r.q.QueryRow(ctx, query, id).Scan(&e.ID, &e.CampaignID, &e.StartTime, &e.EndTime, &e.RewardPoolBalance, &e.Status)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("epoch %d", id), "failed to get epoch")
	}
	return &e, nil
}

// Credit atomically adds amount to one epoch's pool
func (r *EpochRepository) Credit(ctx context.Context, id int64, amount uint64) error {
	tag, err := r.q.Exec(ctx, `UPDATE epochs SET reward_pool_balance = reward_pool_balance + $2 WHERE id = $1`, id, amount)
	if err != nil {
		return fmt.Errorf("failed to credit epoch %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("epoch %d: %w", id, ErrNotFound)
	}
	return nil
}

// Debit atomically subtracts a paid claim from one epoch's pool, floored at zero
func (r *EpochRepository) Debit(ctx context.Context, id int64, amount uint64) error {
	query := `
		UPDATE epochs
		SET reward_pool_balance = reward_pool_balance - LEAST(reward_pool_balance, $2)
		WHERE id = $1
	`
	if _, err := r.q.Exec(ctx, query, id, amount); err != nil {
		return fmt.Errorf("failed to debit epoch %d: %w", id, err)
	}
	return nil
}

// EndExpired closes active epochs whose end time has passed
func (r *EpochRepository) EndExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `UPDATE epochs SET status = 'ended' WHERE status = 'active' AND end_time <= $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to end expired epochs: %w", err)
	}
	return tag.RowsAffected(), nil
}
