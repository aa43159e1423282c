package models

import (
	"time"

	"github.com/reward-settlement/internal/types"
)

// RewardClaim is a reservation or settlement record for one (epoch, wallet) pair
type RewardClaim struct {
	ID          int64             `json:"id" db:"id"`
	EpochID     int64             `json:"epochId" db:"epoch_id"`
	Wallet      string            `json:"walletPubkey" db:"wallet_pubkey"`
	Amount      uint64            `json:"amount" db:"amount"`
	TxSignature *string           `json:"txSignature,omitempty" db:"tx_signature"`
	Status      types.ClaimStatus `json:"status" db:"status"`
	ReservedAt  time.Time         `json:"reservedAt" db:"reserved_at"`
	BroadcastAt *time.Time        `json:"broadcastAt,omitempty" db:"broadcast_at"`
	CompletedAt *time.Time        `json:"completedAt,omitempty" db:"completed_at"`
}

// Stale reports whether a pending reservation has outlived ttl without being broadcast.
// The TTL runs from reservation time.
func (c *RewardClaim) Stale(now time.Time, ttl time.Duration) bool {
	return c.Status == types.ClaimPending && c.BroadcastAt == nil && now.Sub(c.ReservedAt) >= ttl
}

// Expired reports whether a pending reservation has outlived ttl regardless of broadcast
func (c *RewardClaim) Expired(now time.Time, ttl time.Duration) bool {
	return c.Status == types.ClaimPending && now.Sub(c.ReservedAt) >= ttl
}

// ClaimableReward is one amount owed to a wallet for one epoch, joined with
// the campaign fields that decide how it can be paid.
type ClaimableReward struct {
	EpochID         int64                 `json:"epochId" db:"epoch_id"`
	CampaignID      int64                 `json:"campaignId" db:"campaign_id"`
	Wallet          string                `json:"walletPubkey" db:"wallet_pubkey"`
	Amount          uint64                `json:"amount" db:"amount"`
	RewardAssetType types.RewardAssetType `json:"rewardAssetType" db:"reward_asset_type"`
	RewardMint      *string               `json:"rewardMint,omitempty" db:"reward_mint"`
	RewardDecimals  uint8                 `json:"rewardDecimals" db:"reward_decimals"`
	IsManualLockup  bool                  `json:"isManualLockup" db:"is_manual_lockup"`
}

// Asset returns the tagged reward variant for this row
func (r *ClaimableReward) Asset() RewardAsset {
	if r.RewardAssetType == types.AssetFungibleToken && r.RewardMint != nil {
		return FungibleTokenReward{Mint: *r.RewardMint, Decimals: r.RewardDecimals}
	}
	return NativeReward{}
}

// RewardAsset is implemented by NativeReward and FungibleTokenReward only
type RewardAsset interface {
	AssetType() types.RewardAssetType
	isRewardAsset()
}

// NativeReward pays lamports with a system transfer
type NativeReward struct{}

// AssetType implements RewardAsset
func (NativeReward) AssetType() types.RewardAssetType { return types.AssetNative }
func (NativeReward) isRewardAsset()                   {}

// FungibleTokenReward pays an SPL token with a checked transfer
type FungibleTokenReward struct {
	Mint     string
	Decimals uint8
}

// AssetType implements RewardAsset
func (FungibleTokenReward) AssetType() types.RewardAssetType { return types.AssetFungibleToken }
func (FungibleTokenReward) isRewardAsset()                   {}

// PayoutSource is implemented by ManagedPayout and EscrowPayout only
type PayoutSource interface {
	Address() string
	isPayoutSource()
}

// ManagedPayout pays from the platform custodied payout wallet. The wallet
// co-signs at settle time, after the reservation is held.
type ManagedPayout struct {
	SignerRef     string
	PayoutAddress string
}

// Address implements PayoutSource
func (m ManagedPayout) Address() string { return m.PayoutAddress }
func (ManagedPayout) isPayoutSource()   {}

// EscrowPayout pays from a per-campaign escrow signed server side at settle time
type EscrowPayout struct {
	CampaignID    int64
	EscrowAddress string
}

// Address implements PayoutSource
func (e EscrowPayout) Address() string { return e.EscrowAddress }
func (EscrowPayout) isPayoutSource()   {}

// ClaimPlan is a validated, single-asset, single-source set of rewards for one wallet
type ClaimPlan struct {
	Wallet  string
	Asset   RewardAsset
	Source  PayoutSource
	Rewards []ClaimableReward
	Total   uint64
}

// EpochIDs returns the epochs covered by the plan, in row order
func (p *ClaimPlan) EpochIDs() []int64 {
	ids := make([]int64, len(p.Rewards))
	for i, r := range p.Rewards {
		ids[i] = r.EpochID
	}
	return ids
}
