// Package types provides common type definitions for the reward settlement system.
package types

// CampaignStatus represents the lifecycle state of a reward campaign
type CampaignStatus string

const (
	// CampaignActive represents a campaign accepting deposits and claims
	CampaignActive CampaignStatus = "active"
	// CampaignPaused represents a campaign temporarily closed to deposits
	CampaignPaused CampaignStatus = "paused"
	// CampaignEnded represents a campaign past its end time
	CampaignEnded CampaignStatus = "ended"
)

// EpochStatus represents the lifecycle state of an epoch
type EpochStatus string

const (
	// EpochActive represents an epoch that can receive allocations
	EpochActive EpochStatus = "active"
	// EpochEnded represents a closed epoch
	EpochEnded EpochStatus = "ended"
)

// RewardAssetType represents the asset a campaign pays rewards in
type RewardAssetType string

const (
	// AssetNative represents rewards paid in SOL lamports
	AssetNative RewardAssetType = "native"
	// AssetFungibleToken represents rewards paid in an SPL token
	AssetFungibleToken RewardAssetType = "fungible_token"
)

// Valid reports whether the asset type is known
func (a RewardAssetType) Valid() bool {
	return a == AssetNative || a == AssetFungibleToken
}

// FeeMode represents whether creator fees are managed by the platform
type FeeMode string

const (
	// FeeModeManaged represents fee sources swept automatically
	FeeModeManaged FeeMode = "managed"
	// FeeModeUnmanaged represents fee sources the creator handles themselves
	FeeModeUnmanaged FeeMode = "unmanaged"
)

// FeeSourceStatus represents enrollment state of a fee source
type FeeSourceStatus string

const (
	// FeeSourceActive represents an enrolled fee source
	FeeSourceActive FeeSourceStatus = "active"
	// FeeSourceArchived represents a fee source no longer swept
	FeeSourceArchived FeeSourceStatus = "archived"
)

// ClaimStatus represents the state of a reward claim reservation
type ClaimStatus string

const (
	// ClaimPending represents a reserved, not yet confirmed claim
	ClaimPending ClaimStatus = "pending"
	// ClaimCompleted represents a claim paid on chain
	ClaimCompleted ClaimStatus = "completed"
)

// SweepState is the per fee source settlement progress marker.
// Transitions: idle -> claiming -> claimed -> funded -> paid -> idle.
type SweepState string

const (
	// SweepIdle represents no sweep in flight
	SweepIdle SweepState = "idle"
	// SweepClaiming represents a claim transaction being submitted
	SweepClaiming SweepState = "claiming"
	// SweepClaimed represents fees claimed into the fee-holding address
	SweepClaimed SweepState = "claimed"
	// SweepFunded represents the holder share moved to escrow
	SweepFunded SweepState = "funded"
	// SweepPaid represents the creator share paid out
	SweepPaid SweepState = "paid"
)

// AuditEvent names an append-only sweep fact
type AuditEvent string

const (
	// EventFeeSweepOK records a completed sweep split
	EventFeeSweepOK AuditEvent = "fee_sweep_ok"
	// EventCreatorPayoutOK records a creator share transfer
	EventCreatorPayoutOK AuditEvent = "creator_payout_ok"
	// EventFeeSweepError records a failed sweep attempt
	EventFeeSweepError AuditEvent = "fee_sweep_error"
	// EventFeeClaimOnly records a claim that produced nothing to split or fund
	EventFeeClaimOnly AuditEvent = "fee_claim_only"
	// EventClaimPayout records a confirmed reward claim payout
	EventClaimPayout AuditEvent = "claim_payout_ok"
)

// SweepSource tags how a sweep fact was produced
type SweepSource string

const (
	// SourceNormal represents a sweep of newly claimed fees
	SourceNormal SweepSource = "normal"
	// SourceRecovery represents a creator shortfall paid after a stalled sweep
	SourceRecovery SweepSource = "recovery"
	// SourceTreasuryRecovery represents a sweep of idle fee-holding balance
	SourceTreasuryRecovery SweepSource = "treasury_recovery"
)

// DepositSource tags the origin of a campaign deposit
type DepositSource string

const (
	// DepositFeeSweep represents a deposit from a fee sweep
	DepositFeeSweep DepositSource = "fee_sweep"
	// DepositTopUp represents an external top-up
	DepositTopUp DepositSource = "top_up"
)

// ConfirmationOutcome represents the result of waiting on a signature
type ConfirmationOutcome string

const (
	// ConfirmSuccess represents a signature confirmed without error
	ConfirmSuccess ConfirmationOutcome = "success"
	// ConfirmFailure represents a signature that landed with an error
	ConfirmFailure ConfirmationOutcome = "failure"
	// ConfirmTimeout represents an unknown outcome after the wait elapsed
	ConfirmTimeout ConfirmationOutcome = "timeout"
)

// SignatureState represents a one-shot chain status lookup
type SignatureState string

const (
	// SignatureConfirmed represents a landed, successful transaction
	SignatureConfirmed SignatureState = "confirmed"
	// SignatureFailed represents a landed, failed transaction
	SignatureFailed SignatureState = "failed"
	// SignatureUnknown represents a signature the cluster has not reported
	SignatureUnknown SignatureState = "unknown"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
