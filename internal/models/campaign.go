package models

import (
	"time"

	"github.com/reward-settlement/internal/types"
)

// Campaign represents one reward program tied to one token.
// Balances are in the smallest unit of the reward asset.
type Campaign struct {
	ID                 int64                 `json:"id" db:"id"`
	TokenMint          string                `json:"tokenMint" db:"token_mint"`
	PayoutAddress      string                `json:"payoutAddress" db:"payout_address"`
	EscrowAddress      *string               `json:"escrowAddress,omitempty" db:"escrow_address"`
	RewardPoolBalance  uint64                `json:"rewardPoolBalance" db:"reward_pool_balance"`
	PlatformFeeAccrued uint64                `json:"platformFeeAccrued" db:"platform_fee_accrued"`
	TotalFeeAccrued    uint64                `json:"totalFeeAccrued" db:"total_fee_accrued"`
	IsManualLockup     bool                  `json:"isManualLockup" db:"is_manual_lockup"`
	RewardAssetType    types.RewardAssetType `json:"rewardAssetType" db:"reward_asset_type"`
	RewardMint         *string               `json:"rewardMint,omitempty" db:"reward_mint"`
	RewardDecimals     uint8                 `json:"rewardDecimals" db:"reward_decimals"`
	Status             types.CampaignStatus  `json:"status" db:"status"`
	EndsAt             *time.Time            `json:"endsAt,omitempty" db:"ends_at"`
	CreatedAt          time.Time             `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time             `json:"updatedAt" db:"updated_at"`
}

// Fundable reports whether fee sweeps may credit this campaign:
// active, manual lockup and SOL denominated.
func (c *Campaign) Fundable() bool {
	return c.Status == types.CampaignActive && c.IsManualLockup && c.RewardAssetType == types.AssetNative
}

// Epoch is a bounded time window within a campaign holding its own pool sub-balance
type Epoch struct {
	ID                int64             `json:"id" db:"id"`
	CampaignID        int64             `json:"campaignId" db:"campaign_id"`
	StartTime         int64             `json:"startTime" db:"start_time"`
	EndTime           int64             `json:"endTime" db:"end_time"`
	RewardPoolBalance uint64            `json:"rewardPoolBalance" db:"reward_pool_balance"`
	Status            types.EpochStatus `json:"status" db:"status"`
}

// Remaining returns the seconds left in the epoch as of now, floored at 0
func (e *Epoch) Remaining(now int64) int64 {
	from := e.StartTime
	if now > from {
		from = now
	}
	if r := e.EndTime - from; r > 0 {
		return r
	}
	return 0
}

// CampaignDeposit records one inbound funding event.
// TxSignature is unique; a replayed signature never produces a second row.
type CampaignDeposit struct {
	ID          int64               `json:"id" db:"id"`
	CampaignID  int64               `json:"campaignId" db:"campaign_id"`
	Amount      uint64              `json:"amount" db:"amount"`
	TxSignature string              `json:"txSignature" db:"tx_signature"`
	Depositor   string              `json:"depositor" db:"depositor"`
	Source      types.DepositSource `json:"source" db:"source"`
	Status      string              `json:"status" db:"status"`
	CreatedAt   time.Time           `json:"createdAt" db:"created_at"`
}
