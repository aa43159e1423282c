package models

import (
	"time"

	"github.com/reward-settlement/internal/types"
)

// FeeSource is a creator/token pair enrolled in automated fee management
type FeeSource struct {
	ID               int64                 `json:"id" db:"id"`
	TokenMint        string                `json:"tokenMint" db:"token_mint"`
	CreatorAuthority string                `json:"creatorAuthority" db:"creator_authority"`
	CreatorFeeMode   types.FeeMode         `json:"creatorFeeMode" db:"creator_fee_mode"`
	SignerRef        string                `json:"signerRef" db:"signer_ref"`
	Status           types.FeeSourceStatus `json:"status" db:"status"`
	CreatedAt        time.Time             `json:"createdAt" db:"created_at"`
}

// Eligible reports whether the sweep state machine should act on this source
func (f *FeeSource) Eligible() bool {
	if f == nil || f.ID == 0 || f.TokenMint == "" || f.CreatorAuthority == "" || f.SignerRef == "" {
		return false
	}
	return f.Status == types.FeeSourceActive && f.CreatorFeeMode == types.FeeModeManaged
}

// SweepAuditRecord is an append-only fact of one sweep attempt's outcome
type SweepAuditRecord struct {
	ID            int64             `json:"id" db:"id"`
	Event         types.AuditEvent  `json:"event" db:"event"`
	FeeSourceID   int64             `json:"feeSourceId" db:"fee_source_id"`
	TokenMint     string            `json:"tokenMint" db:"token_mint"`
	Claimed       uint64            `json:"claimed" db:"claimed"`
	HolderShare   uint64            `json:"holderShare" db:"holder_share"`
	CreatorShare  uint64            `json:"creatorShare" db:"creator_share"`
	Transferred   uint64            `json:"transferred" db:"transferred"`
	KeepReserve   uint64            `json:"keepReserve" db:"keep_reserve"`
	ClaimSig      *string           `json:"claimSig,omitempty" db:"claim_sig"`
	EscrowSig     *string           `json:"escrowSig,omitempty" db:"escrow_sig"`
	PayoutSig     *string           `json:"payoutSig,omitempty" db:"payout_sig"`
	Source        types.SweepSource `json:"source" db:"source"`
	EpochsUpdated int               `json:"epochsUpdated" db:"epochs_updated"`
	Note          *string           `json:"note,omitempty" db:"note"`
	CreatedAt     time.Time         `json:"createdAt" db:"created_at"`
}

// SweepStateRow is the explicit per fee source sweep progress row.
// Every write is a compare-and-set on Version.
type SweepStateRow struct {
	FeeSourceID  int64             `json:"feeSourceId" db:"fee_source_id"`
	State        types.SweepState  `json:"state" db:"state"`
	Version      int64             `json:"version" db:"version"`
	Source       types.SweepSource `json:"source" db:"source"`
	Claimed      uint64            `json:"claimed" db:"claimed"`
	HolderShare  uint64            `json:"holderShare" db:"holder_share"`
	CreatorShare uint64            `json:"creatorShare" db:"creator_share"`
	Transferred  uint64            `json:"transferred" db:"transferred"`
	KeepReserve  uint64            `json:"keepReserve" db:"keep_reserve"`
	ClaimSig     *string           `json:"claimSig,omitempty" db:"claim_sig"`
	EscrowSig    *string           `json:"escrowSig,omitempty" db:"escrow_sig"`
	PayoutSig    *string           `json:"payoutSig,omitempty" db:"payout_sig"`
	// CampaignID and EscrowAddress pin the campaign a transfer was built for
	CampaignID    *int64    `json:"campaignId,omitempty" db:"campaign_id"`
	EscrowAddress *string   `json:"escrowAddress,omitempty" db:"escrow_address"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// Shortfall is the creator amount still owed for a funded but unpaid sweep
func (s *SweepStateRow) Shortfall() uint64 {
	return CreatorShortfall(s.Claimed, s.Transferred, s.KeepReserve)
}

// CreatorShortfall returns max(0, claimed - transferred - keepReserve)
func CreatorShortfall(claimed, transferred, keepReserve uint64) uint64 {
	spent := transferred + keepReserve
	if spent < transferred || claimed <= spent {
		return 0
	}
	return claimed - spent
}
