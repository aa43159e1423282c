package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/types"
)

// ErrNotFound is returned when a lookup by key matches no row
var ErrNotFound = errors.New("not found")

const campaignColumns = `
	id, token_mint, payout_address, escrow_address, reward_pool_balance,
	platform_fee_accrued, total_fee_accrued, is_manual_lockup, reward_asset_type,
	reward_mint, reward_decimals, status, ends_at, created_at, updated_at`

// CampaignRepository handles campaign persistence
type CampaignRepository struct {
	q Querier
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(q Querier) *CampaignRepository {
	return &CampaignRepository{q: q}
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(
		&c.ID,
		&c.TokenMint,
		&c.PayoutAddress,
		&c.EscrowAddress,
		&c.RewardPoolBalance,
		&c.PlatformFeeAccrued,
		&c.TotalFeeAccrued,
		&c.IsManualLockup,
		&c.RewardAssetType,
		&c.RewardMint,
		&c.RewardDecimals,
		&c.Status,
		&c.EndsAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a campaign and fills in its generated fields
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	if c.Status == "" {
		c.Status = types.CampaignActive
	}
	if c.RewardAssetType == "" {
		c.RewardAssetType = types.AssetNative
	}

	query := `
		INSERT INTO campaigns (
			token_mint, payout_address, escrow_address, reward_pool_balance,
			is_manual_lockup, reward_asset_type, reward_mint, reward_decimals, status, ends_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		c.TokenMint,
		c.PayoutAddress,
		c.EscrowAddress,
		c.RewardPoolBalance,
		c.IsManualLockup,
		c.RewardAssetType,
		c.RewardMint,
		c.RewardDecimals,
		c.Status,
		c.EndsAt,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetByID retrieves a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("campaign %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// FindFundableByToken returns the newest active, manual-lockup, SOL denominated
// campaign for a token, or nil when none exists. Only one active campaign per
// token is expected; the ordering makes the choice deterministic if that slips.
func (r *CampaignRepository) FindFundableByToken(ctx context.Context, tokenMint string) (*models.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE token_mint = $1
		  AND status = 'active'
		  AND is_manual_lockup
		  AND reward_asset_type = 'native'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	c, err := scanCampaign(r.q.QueryRow(ctx, query, tokenMint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find fundable campaign: %w", err)
	}
	return c, nil
}

// SetEscrowAddress records the escrow address on first funding.
// An address that is already set is never replaced; the stored value is returned.
func (r *CampaignRepository) SetEscrowAddress(ctx context.Context, id int64, address string) (string, error) {
	query := `
		UPDATE campaigns
		SET escrow_address = COALESCE(escrow_address, $2), updated_at = NOW()
		WHERE id = $1
		RETURNING escrow_address
	`

	var stored string
	if err := r.q.QueryRow(ctx, query, id, address).Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("campaign %d: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("failed to set escrow address: %w", err)
	}
	return stored, nil
}

// CreditRewardPool atomically adds a swept amount to the campaign pool
func (r *CampaignRepository) CreditRewardPool(ctx context.Context, id int64, amount uint64) error {
	query := `
		UPDATE campaigns
		SET reward_pool_balance = reward_pool_balance + $2,
		    total_fee_accrued = total_fee_accrued + $2,
		    updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("failed to credit campaign pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	return nil
}

// DebitRewardPool atomically subtracts a paid claim from the campaign pool.
// The balance is floored at zero: the transfer already happened on chain.
func (r *CampaignRepository) DebitRewardPool(ctx context.Context, id int64, amount uint64) error {
	query := `
		UPDATE campaigns
		SET reward_pool_balance = reward_pool_balance - LEAST(reward_pool_balance, $2),
		    updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.q.Exec(ctx, query, id, amount); err != nil {
		return fmt.Errorf("failed to debit campaign pool: %w", err)
	}
	return nil
}

// EndExpired moves active or paused campaigns past their end time to ended
func (r *CampaignRepository) EndExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE campaigns
		SET status = 'ended', updated_at = NOW()
		WHERE status IN ('active', 'paused')
		  AND ends_at IS NOT NULL
		  AND ends_at <= $1
	`

	tag, err := r.q.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to end expired campaigns: %w", err)
	}
	return tag.RowsAffected(), nil
}
