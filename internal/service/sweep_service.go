package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/adapter"
	"github.com/reward-settlement/internal/config"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/metrics"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/storage"
	"github.com/reward-settlement/internal/types"
)

// droppedAfter bounds how long an unseen signature is waited on. A blockhash
// expires after 150 slots, so an older transaction the cluster has never
// reported can no longer land.
const droppedAfter = 2 * time.Minute

// FeeSourceStore lists fee sources for a batch
type FeeSourceStore interface {
	ListActive(ctx context.Context, filter storage.FeeSourceFilter) ([]models.FeeSource, error)
	CountActive(ctx context.Context, filter storage.FeeSourceFilter) (int, error)
}

// SweepStateStore persists the per fee source progress row
type SweepStateStore interface {
	Get(ctx context.Context, feeSourceID int64) (*models.SweepStateRow, error)
	Save(ctx context.Context, row *models.SweepStateRow, expectedVersion int64) error
}

// SweepAuditStore is the append-only fact log
type SweepAuditStore interface {
	Append(ctx context.Context, a *models.SweepAuditRecord) error
	FindUnpaidSweep(ctx context.Context, tokenMint string) (*models.SweepAuditRecord, error)
}

// SweepCampaignStore resolves the campaign a token's fees fund
type SweepCampaignStore interface {
	FindFundableByToken(ctx context.Context, tokenMint string) (*models.Campaign, error)
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	SetEscrowAddress(ctx context.Context, id int64, address string) (string, error)
}

// SweepLease fences a fee source against concurrent batches
type SweepLease interface {
	AcquireSweepLease(ctx context.Context, feeSourceID int64, ttl time.Duration) (*storage.Lease, error)
	ReleaseSweepLease(ctx context.Context, lease *storage.Lease) error
}

// SweepFactMirror receives a copy of every appended fact
type SweepFactMirror interface {
	RecordSweepFact(ctx context.Context, a *models.SweepAuditRecord) error
}

// SweepChain is the chain surface the sweep needs
type SweepChain interface {
	GetClaimableAmount(ctx context.Context, authority string) (uint64, error)
	GetBalance(ctx context.Context, address string) (uint64, error)
	SignatureStatus(ctx context.Context, sig string) (types.SignatureState, error)
	CustodiedAddress(signerRef string) (string, error)
	EscrowAddress(campaignID int64) (string, error)
	PrepareClaim(ctx context.Context, signerRef string) (*adapter.PreparedTx, error)
	PrepareTransfer(ctx context.Context, signerRef, to string, amount uint64) (*adapter.PreparedTx, error)
	Execute(ctx context.Context, prepared *adapter.PreparedTx) (*adapter.Receipt, error)
}

// SweepAction is what one fee source invocation did
type SweepAction string

const (
	ActionSwept     SweepAction = "swept"
	ActionClaimOnly SweepAction = "claim_only"
	ActionRecovery  SweepAction = "recovery"
	ActionTreasury  SweepAction = "treasury_recovery"
	ActionPending   SweepAction = "pending"
	ActionSkipped   SweepAction = "skipped"
	ActionError     SweepAction = "error"
)

// moved reports whether the action claimed or transferred funds
func (a SweepAction) moved() bool {
	switch a {
	case ActionSwept, ActionClaimOnly, ActionRecovery, ActionTreasury:
		return true
	}
	return false
}

// SweepResult is one fee source's entry in a batch summary
type SweepResult struct {
	FeeSourceID   int64            `json:"feeSourceId"`
	TokenMint     string           `json:"tokenMint"`
	Action        SweepAction      `json:"action"`
	State         types.SweepState `json:"state,omitempty"`
	Claimed       uint64           `json:"claimed,omitempty"`
	HolderShare   uint64           `json:"holderShare,omitempty"`
	CreatorShare  uint64           `json:"creatorShare,omitempty"`
	Transferred   uint64           `json:"transferred,omitempty"`
	EpochsUpdated int              `json:"epochsUpdated,omitempty"`
	ClaimSig      string           `json:"claimSig,omitempty"`
	EscrowSig     string           `json:"escrowSig,omitempty"`
	PayoutSig     string           `json:"payoutSig,omitempty"`
	Note          string           `json:"note,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// BatchOptions narrows one sweep batch
type BatchOptions struct {
	TokenMint string
	Limit     int
}

// BatchResult is the summary returned to the scheduler
type BatchResult struct {
	OK                bool          `json:"ok"`
	RunID             string        `json:"runId"`
	Swept             int           `json:"swept"`
	Targeted          int           `json:"targeted"`
	Remaining         int           `json:"remaining"`
	TimeBudgetReached bool          `json:"timeBudgetReached"`
	Results           []SweepResult `json:"results"`
}

// SweepDeps are the collaborators of a SweepService. Lease and Mirror are optional.
type SweepDeps struct {
	FeeSources FeeSourceStore
	State      SweepStateStore
	Audit      SweepAuditStore
	Campaigns  SweepCampaignStore
	Allocator  *Allocator
	Chain      SweepChain
	Lease      SweepLease
	Mirror     SweepFactMirror
	Metrics    *metrics.Metrics
	Clock      clockwork.Clock
	Logger     *logging.Logger
}

// SweepService runs the per fee source settlement state machine:
// claim, fund the campaign escrow, pay the creator, and recover whatever a
// previous run left unfinished.
type SweepService struct {
	SweepDeps
	cfg    config.SweepConfig
	policy SplitPolicy
}

// NewSweepService creates a sweep service
func NewSweepService(deps SweepDeps, cfg config.SweepConfig) *SweepService {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &SweepService{
		SweepDeps: deps,
		cfg:       cfg,
		policy:    SplitPolicyFromConfig(&cfg),
	}
}

// errContended marks a state row another worker changed under us
var errContended = errors.New("sweep state changed concurrently")

// RunBatch sweeps up to one batch of active fee sources. Per source failures
// become error entries; only failing to list the batch is returned as an error.
func (s *SweepService) RunBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	start := s.Clock.Now()
	runID := uuid.NewString()
	log := s.Logger.WithComponent("sweep").WithField("run_id", runID)

	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.BatchLimit
	}
	filter := storage.FeeSourceFilter{TokenMint: opts.TokenMint}
	total, err := s.FeeSources.CountActive(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count fee sources: %w", err)
	}
	filter.Limit = limit
	sources, err := s.FeeSources.ListActive(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list fee sources: %w", err)
	}

	batch := &BatchResult{
		OK:       true,
		RunID:    runID,
		Targeted: len(sources),
		Results:  make([]SweepResult, 0, len(sources)),
	}
	processed := 0
	for _, fs := range sources {
		if s.cfg.TimeBudget > 0 && s.Clock.Since(start) >= s.cfg.TimeBudget {
			batch.TimeBudgetReached = true
			break
		}
		res := s.SweepOne(ctx, &fs)
		processed++
		if res.Action.moved() {
			batch.Swept++
		}
		batch.Results = append(batch.Results, *res)
	}
	batch.Remaining = total - processed
	if batch.Remaining < 0 {
		batch.Remaining = 0
	}

	s.Metrics.SweepBatch(s.Clock.Since(start))
	log.WithFields(map[string]interface{}{
		"targeted":            batch.Targeted,
		"swept":               batch.Swept,
		"remaining":           batch.Remaining,
		"time_budget_reached": batch.TimeBudgetReached,
	}).Info("sweep batch finished")
	return batch, nil
}

// SweepOne runs the state machine for one fee source. It never panics and
// never returns an error; failures are reported in the result and recorded
// as a fee_sweep_error fact.
func (s *SweepService) SweepOne(ctx context.Context, fs *models.FeeSource) (res *SweepResult) {
	log := s.Logger.WithComponent("sweep").WithFields(map[string]interface{}{
		"fee_source_id": fs.ID,
		"token_mint":    fs.TokenMint,
	})

	defer func() {
		if r := recover(); r != nil {
			res = s.failed(ctx, fs, fmt.Errorf("panic: %v", r), log)
		}
		s.Metrics.Sweep(string(res.Action))
	}()

	if !fs.Eligible() {
		return &SweepResult{FeeSourceID: fs.ID, TokenMint: fs.TokenMint, Action: ActionSkipped, Note: "not eligible"}
	}

	if s.Lease != nil {
		lease, err := s.Lease.AcquireSweepLease(ctx, fs.ID, s.cfg.LeaseTTL)
		switch {
		case errors.Is(err, storage.ErrLeaseHeld):
			return &SweepResult{FeeSourceID: fs.ID, TokenMint: fs.TokenMint, Action: ActionSkipped, Note: "sweep in progress elsewhere"}
		case err != nil:
			log.WithError(err).Warn("sweep lease unavailable, continuing without it")
		default:
			defer func() {
				if err := s.Lease.ReleaseSweepLease(context.WithoutCancel(ctx), lease); err != nil {
					log.WithError(err).Warn("failed to release sweep lease")
				}
			}()
		}
	}

	res, err := s.process(ctx, fs)
	if errors.Is(err, errContended) {
		return &SweepResult{FeeSourceID: fs.ID, TokenMint: fs.TokenMint, Action: ActionSkipped, Note: errContended.Error()}
	}
	if err != nil {
		return s.failed(ctx, fs, err, log)
	}
	log.WithFields(map[string]interface{}{
		"action":      res.Action,
		"claimed_sol": FormatSOL(res.Claimed, nativeDecimals),
		"holder_sol":  FormatSOL(res.HolderShare, nativeDecimals),
	}).Info("fee source processed")
	return res
}

func (s *SweepService) failed(ctx context.Context, fs *models.FeeSource, err error, log *logging.Logger) *SweepResult {
	log.WithError(err).Error("fee sweep failed")
	note := err.Error()
	s.record(ctx, &models.SweepAuditRecord{
		Event:       types.EventFeeSweepError,
		FeeSourceID: fs.ID,
		TokenMint:   fs.TokenMint,
		Source:      types.SourceNormal,
		Note:        &note,
	})
	return &SweepResult{FeeSourceID: fs.ID, TokenMint: fs.TokenMint, Action: ActionError, Error: note}
}

// process picks the first matching branch: an unfinished row, fresh
// claimable fees, then the two recovery paths.
func (s *SweepService) process(ctx context.Context, fs *models.FeeSource) (*SweepResult, error) {
	holder, err := s.Chain.CustodiedAddress(fs.SignerRef)
	if err != nil {
		return nil, fmt.Errorf("signer %s: %w", fs.SignerRef, err)
	}
	if holder != fs.CreatorAuthority {
		return nil, fmt.Errorf("signer %s does not control creator authority %s", fs.SignerRef, fs.CreatorAuthority)
	}

	row, err := s.State.Get(ctx, fs.ID)
	if err != nil {
		return nil, err
	}
	if row != nil && inFlight(row.State) {
		res, err := s.resume(ctx, fs, row)
		if res != nil || err != nil {
			return res, err
		}
	}

	claimable, err := s.Chain.GetClaimableAmount(ctx, fs.CreatorAuthority)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimable fees: %w", err)
	}
	if claimable > 0 {
		return s.claim(ctx, fs, row, claimable)
	}
	return s.recover(ctx, fs, row)
}

func inFlight(state types.SweepState) bool {
	return state == types.SweepClaiming || state == types.SweepClaimed || state == types.SweepFunded
}

// sigOutcome is how a recorded signature stands on chain
type sigOutcome int

const (
	sigLanded sigOutcome = iota
	sigDead
	sigWaiting
)

// settled resolves a signature recorded before a crash or a confirmation timeout
func (s *SweepService) settled(ctx context.Context, row *models.SweepStateRow, sig string) (sigOutcome, error) {
	state, err := s.Chain.SignatureStatus(ctx, sig)
	if err != nil {
		return sigWaiting, fmt.Errorf("failed to check signature %s: %w", sig, err)
	}
	switch state {
	case types.SignatureConfirmed:
		return sigLanded, nil
	case types.SignatureFailed:
		return sigDead, nil
	}
	if s.Clock.Since(row.UpdatedAt) >= droppedAfter {
		return sigDead, nil
	}
	return sigWaiting, nil
}

func (s *SweepService) pending(fs *models.FeeSource, row *models.SweepStateRow, note string) *SweepResult {
	res := resultFrom(fs, row, ActionPending)
	res.Note = note
	return res
}

// resume continues an unfinished row. A nil result and nil error mean the
// row was reset to idle and the caller decides afresh.
func (s *SweepService) resume(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow) (*SweepResult, error) {
	switch row.State {
	case types.SweepClaiming:
		if row.ClaimSig == nil {
			return nil, s.advance(ctx, row, types.SweepIdle)
		}
		outcome, err := s.settled(ctx, row, *row.ClaimSig)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case sigWaiting:
			return s.pending(fs, row, "claim confirmation pending"), nil
		case sigDead:
			return nil, s.advance(ctx, row, types.SweepIdle)
		}
		return s.claimConfirmed(ctx, fs, row)

	case types.SweepClaimed:
		if row.EscrowSig == nil {
			return s.fund(ctx, fs, row)
		}
		outcome, err := s.settled(ctx, row, *row.EscrowSig)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case sigWaiting:
			return s.pending(fs, row, "escrow transfer confirmation pending"), nil
		case sigDead:
			row.EscrowSig = nil
			return s.fund(ctx, fs, row)
		}
		campaign, err := s.pinnedCampaign(ctx, fs, row)
		if err != nil {
			return nil, err
		}
		if campaign == nil {
			return nil, fmt.Errorf("escrow transfer %s confirmed but token has no fundable campaign", *row.EscrowSig)
		}
		return s.deposit(ctx, fs, row, campaign)

	case types.SweepFunded:
		campaign, err := s.pinnedCampaign(ctx, fs, row)
		if err != nil {
			return nil, err
		}
		if campaign == nil {
			return nil, fmt.Errorf("creator shortfall of %d owed but token has no campaign payout address", row.Shortfall())
		}
		if row.PayoutSig != nil {
			outcome, err := s.settled(ctx, row, *row.PayoutSig)
			if err != nil {
				return nil, err
			}
			switch outcome {
			case sigWaiting:
				return s.pending(fs, row, "creator payout confirmation pending"), nil
			case sigDead:
				row.PayoutSig = nil
			case sigLanded:
				return s.creatorPaid(ctx, fs, row, 0)
			}
		}
		return s.payCreator(ctx, fs, row, campaign, 0)
	}
	return nil, nil
}

// advance moves row to state with a compare-and-set on its version
func (s *SweepService) advance(ctx context.Context, row *models.SweepStateRow, state types.SweepState) error {
	expected := row.Version
	row.State = state
	if err := s.State.Save(ctx, row, expected); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return errContended
		}
		return err
	}
	return nil
}

// claim collects freshly claimable fees into the fee-holding address
func (s *SweepService) claim(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow, claimable uint64) (*SweepResult, error) {
	if row == nil {
		row = &models.SweepStateRow{FeeSourceID: fs.ID}
	}
	row.Source = types.SourceNormal
	row.Claimed = claimable
	row.HolderShare, row.CreatorShare, row.Transferred = 0, 0, 0
	row.KeepReserve = s.policy.KeepReserve
	row.ClaimSig, row.EscrowSig, row.PayoutSig = nil, nil, nil
	row.CampaignID, row.EscrowAddress = nil, nil
	if err := s.advance(ctx, row, types.SweepClaiming); err != nil {
		return nil, err
	}

	prepared, err := s.Chain.PrepareClaim(ctx, fs.SignerRef)
	if err != nil {
		return nil, s.abandonClaim(ctx, row, fmt.Errorf("failed to build claim: %w", err))
	}
	row.ClaimSig = &prepared.Signature
	if err := s.advance(ctx, row, types.SweepClaiming); err != nil {
		return nil, err
	}

	receipt, err := s.Chain.Execute(ctx, prepared)
	switch {
	case receipt != nil && receipt.Outcome == types.ConfirmTimeout:
		return s.pending(fs, row, "claim confirmation pending"), nil
	case err != nil:
		return nil, s.abandonClaim(ctx, row, fmt.Errorf("claim %s failed: %w", prepared.Signature, err))
	case !receipt.Confirmed():
		return nil, s.abandonClaim(ctx, row, fmt.Errorf("claim %s failed on chain", prepared.Signature))
	}
	return s.claimConfirmed(ctx, fs, row)
}

func (s *SweepService) abandonClaim(ctx context.Context, row *models.SweepStateRow, cause error) error {
	if err := s.advance(ctx, row, types.SweepIdle); err != nil {
		return fmt.Errorf("%w (and failed to reset state: %v)", cause, err)
	}
	return cause
}

// claimConfirmed splits a confirmed claim and moves on to funding
func (s *SweepService) claimConfirmed(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow) (*SweepResult, error) {
	split := s.policy.Split(row.Claimed)
	row.HolderShare = split.HolderShare
	row.CreatorShare = split.CreatorShare
	row.KeepReserve = split.KeepReserve
	if err := s.advance(ctx, row, types.SweepClaimed); err != nil {
		return nil, err
	}
	return s.fund(ctx, fs, row)
}

func (s *SweepService) fundableCampaign(ctx context.Context, fs *models.FeeSource) (*models.Campaign, error) {
	campaign, err := s.Campaigns.FindFundableByToken(ctx, fs.TokenMint)
	if err != nil {
		return nil, err
	}
	if campaign != nil && !campaign.Fundable() {
		return nil, nil
	}
	return campaign, nil
}

// pinnedCampaign returns the campaign a row's transfer was built for,
// whatever its status is now. Rows saved before the campaign was pinned
// fall back to the token's fundable campaign.
func (s *SweepService) pinnedCampaign(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow) (*models.Campaign, error) {
	if row.CampaignID == nil {
		return s.fundableCampaign(ctx, fs)
	}
	campaign, err := s.Campaigns.GetByID(ctx, *row.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %d for fee source %d: %w", *row.CampaignID, fs.ID, err)
	}
	if row.EscrowAddress != nil && (campaign.EscrowAddress == nil || *campaign.EscrowAddress != *row.EscrowAddress) {
		return nil, fmt.Errorf("campaign %d escrow no longer matches %s", campaign.ID, *row.EscrowAddress)
	}
	return campaign, nil
}

// pin records the campaign and escrow a transfer is about to fund
func pin(row *models.SweepStateRow, campaign *models.Campaign, escrow string) {
	id := campaign.ID
	row.CampaignID = &id
	if escrow == "" {
		row.EscrowAddress = nil
		return
	}
	row.EscrowAddress = &escrow
}

// provisionEscrow records the campaign's escrow address on first funding
func (s *SweepService) provisionEscrow(ctx context.Context, campaign *models.Campaign) (string, error) {
	if campaign.EscrowAddress != nil && *campaign.EscrowAddress != "" {
		return *campaign.EscrowAddress, nil
	}
	derived, err := s.Chain.EscrowAddress(campaign.ID)
	if err != nil {
		return "", err
	}
	stored, err := s.Campaigns.SetEscrowAddress(ctx, campaign.ID, derived)
	if err != nil {
		return "", err
	}
	campaign.EscrowAddress = &stored
	return stored, nil
}

// fund moves the holder share of a claimed row into the campaign escrow
func (s *SweepService) fund(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow) (*SweepResult, error) {
	if row.HolderShare == 0 {
		return s.claimOnly(ctx, fs, row, "holder share rounds to zero")
	}
	campaign, err := s.fundableCampaign(ctx, fs)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return s.claimOnly(ctx, fs, row, "no fundable campaign for token")
	}

	escrow, err := s.provisionEscrow(ctx, campaign)
	if err != nil {
		return nil, fmt.Errorf("failed to provision escrow for campaign %d: %w", campaign.ID, err)
	}
	balance, err := s.Chain.GetBalance(ctx, escrow)
	if err != nil {
		return nil, fmt.Errorf("failed to read escrow balance: %w", err)
	}
	if balance+row.HolderShare < s.cfg.EscrowRentFloor {
		return s.retainHolderShare(ctx, fs, row, campaign, "holder share below escrow rent floor")
	}

	prepared, err := s.Chain.PrepareTransfer(ctx, fs.SignerRef, escrow, row.HolderShare)
	if err != nil {
		return nil, fmt.Errorf("failed to build escrow transfer: %w", err)
	}
	row.EscrowSig = &prepared.Signature
	pin(row, campaign, escrow)
	if err := s.advance(ctx, row, types.SweepClaimed); err != nil {
		return nil, err
	}

	receipt, err := s.Chain.Execute(ctx, prepared)
	switch {
	case receipt != nil && receipt.Outcome == types.ConfirmTimeout:
		return s.pending(fs, row, "escrow transfer confirmation pending"), nil
	case err != nil:
		return nil, fmt.Errorf("escrow transfer %s failed: %w", prepared.Signature, err)
	case !receipt.Confirmed():
		return nil, fmt.Errorf("escrow transfer %s failed on chain", prepared.Signature)
	}
	s.Metrics.Swept("escrow", row.HolderShare)
	return s.deposit(ctx, fs, row, campaign)
}

// deposit books a confirmed escrow transfer. The deposit is keyed by the
// transfer signature so a replay credits nothing.
func (s *SweepService) deposit(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow, campaign *models.Campaign) (*SweepResult, error) {
	res, err := s.Allocator.Fund(ctx, &models.CampaignDeposit{
		CampaignID:  campaign.ID,
		Amount:      row.HolderShare,
		TxSignature: *row.EscrowSig,
		Depositor:   fs.CreatorAuthority,
		Source:      types.DepositFeeSweep,
		Status:      "confirmed",
	})
	if err != nil {
		return nil, err
	}

	row.Transferred = row.HolderShare
	if err := s.advance(ctx, row, types.SweepFunded); err != nil {
		return nil, err
	}
	return s.payCreator(ctx, fs, row, campaign, res.EpochsUpdated)
}

// payCreator pays the creator whatever the row still owes them
func (s *SweepService) payCreator(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow, campaign *models.Campaign, epochs int) (*SweepResult, error) {
	owed := row.Shortfall()
	if owed == 0 {
		return s.creatorPaid(ctx, fs, row, epochs)
	}

	prepared, err := s.Chain.PrepareTransfer(ctx, fs.SignerRef, campaign.PayoutAddress, owed)
	if err != nil {
		return s.creatorUnpaid(ctx, fs, row, epochs, fmt.Errorf("failed to build creator payout: %w", err))
	}
	row.PayoutSig = &prepared.Signature
	if err := s.advance(ctx, row, types.SweepFunded); err != nil {
		return nil, err
	}

	receipt, err := s.Chain.Execute(ctx, prepared)
	switch {
	case receipt != nil && receipt.Outcome == types.ConfirmTimeout:
		return s.pending(fs, row, "creator payout confirmation pending"), nil
	case err != nil:
		return s.creatorUnpaid(ctx, fs, row, epochs, fmt.Errorf("creator payout %s failed: %w", prepared.Signature, err))
	case !receipt.Confirmed():
		return s.creatorUnpaid(ctx, fs, row, epochs, fmt.Errorf("creator payout %s failed on chain", prepared.Signature))
	}
	return s.creatorPaid(ctx, fs, row, epochs)
}

// creatorPaid closes a funded row once the payout (if any) has landed
func (s *SweepService) creatorPaid(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow, epochs int) (*SweepResult, error) {
	if owed := row.Shortfall(); owed > 0 && row.PayoutSig != nil {
		row.Transferred += owed
		s.Metrics.Swept("creator", owed)
		s.record(ctx, s.fact(fs, row, types.EventCreatorPayoutOK, func(a *models.SweepAuditRecord) {
			a.Transferred = owed
			a.EscrowSig = nil
		}))
	}

	action := actionFor(row.Source)
	switch {
	case retained(row):
		action = ActionClaimOnly
	case row.Source != types.SourceRecovery:
		s.record(ctx, s.fact(fs, row, types.EventFeeSweepOK, func(a *models.SweepAuditRecord) {
			a.EpochsUpdated = epochs
		}))
	}
	if err := s.advance(ctx, row, types.SweepPaid); err != nil {
		return nil, err
	}
	res := resultFrom(fs, row, action)
	res.EpochsUpdated = epochs
	return res, nil
}

// creatorUnpaid books the sweep without the creator share. The row stays
// funded and is tagged recovery so the next run pays only the shortfall.
func (s *SweepService) creatorUnpaid(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow, epochs int, cause error) (*SweepResult, error) {
	row.PayoutSig = nil
	if row.Source != types.SourceRecovery {
		if !retained(row) {
			s.record(ctx, s.fact(fs, row, types.EventFeeSweepOK, func(a *models.SweepAuditRecord) {
				a.EpochsUpdated = epochs
			}))
		}
		row.Source = types.SourceRecovery
	}
	if err := s.advance(ctx, row, types.SweepFunded); err != nil {
		return nil, fmt.Errorf("%w (and failed to save state: %v)", cause, err)
	}
	return nil, cause
}

// claimOnly records a claim that funds nothing and closes the row
func (s *SweepService) claimOnly(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow, note string) (*SweepResult, error) {
	s.Logger.WithComponent("sweep").WithFields(map[string]interface{}{
		"fee_source_id": fs.ID,
		"claimed":       row.Claimed,
	}).Info(note)
	s.record(ctx, s.fact(fs, row, types.EventFeeClaimOnly, func(a *models.SweepAuditRecord) {
		a.Note = &note
	}))
	if err := s.advance(ctx, row, types.SweepPaid); err != nil {
		return nil, err
	}
	res := resultFrom(fs, row, ActionClaimOnly)
	res.Note = note
	return res, nil
}

// retainHolderShare leaves a holder share too small to open the escrow in the
// fee-holding address, where a later treasury sweep picks it up, and still
// pays the creator share. Counting the retained share as transferred keeps
// the shortfall equal to the creator share.
func (s *SweepService) retainHolderShare(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow, campaign *models.Campaign, note string) (*SweepResult, error) {
	if row.CreatorShare == 0 {
		return s.claimOnly(ctx, fs, row, note)
	}
	s.Logger.WithComponent("sweep").WithFields(map[string]interface{}{
		"fee_source_id": fs.ID,
		"claimed":       row.Claimed,
		"retained":      row.HolderShare,
	}).Info(note)
	s.record(ctx, s.fact(fs, row, types.EventFeeClaimOnly, func(a *models.SweepAuditRecord) {
		a.Note = &note
	}))

	row.EscrowSig = nil
	row.Transferred = row.HolderShare
	pin(row, campaign, "")
	if err := s.advance(ctx, row, types.SweepFunded); err != nil {
		return nil, err
	}
	res, err := s.payCreator(ctx, fs, row, campaign, 0)
	if res != nil {
		res.Note = note
	}
	return res, err
}

// recover runs when nothing is claimable: first any creator shortfall left
// by an earlier sweep, then the idle fee-holding balance.
func (s *SweepService) recover(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow) (*SweepResult, error) {
	if row == nil {
		res, err := s.recoverFromAudit(ctx, fs)
		if res != nil || err != nil {
			return res, err
		}
	}
	return s.sweepTreasury(ctx, fs, row)
}

// recoverFromAudit handles sources whose last sweep predates the state row
func (s *SweepService) recoverFromAudit(ctx context.Context, fs *models.FeeSource) (*SweepResult, error) {
	unpaid, err := s.Audit.FindUnpaidSweep(ctx, fs.TokenMint)
	if err != nil {
		return nil, err
	}
	if unpaid == nil || models.CreatorShortfall(unpaid.Claimed, unpaid.Transferred, unpaid.KeepReserve) == 0 {
		return nil, nil
	}

	campaign, err := s.fundableCampaign(ctx, fs)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return &SweepResult{FeeSourceID: fs.ID, TokenMint: fs.TokenMint, Action: ActionSkipped, Note: "creator shortfall owed but no campaign payout address"}, nil
	}

	row := &models.SweepStateRow{
		FeeSourceID:  fs.ID,
		Source:       types.SourceRecovery,
		Claimed:      unpaid.Claimed,
		HolderShare:  unpaid.HolderShare,
		CreatorShare: unpaid.CreatorShare,
		Transferred:  unpaid.Transferred,
		KeepReserve:  unpaid.KeepReserve,
		ClaimSig:     unpaid.ClaimSig,
		EscrowSig:    unpaid.EscrowSig,
	}
	pin(row, campaign, "")
	if err := s.advance(ctx, row, types.SweepFunded); err != nil {
		return nil, err
	}
	return s.payCreator(ctx, fs, row, campaign, 0)
}

// sweepTreasury splits an idle fee-holding balance above the keep reserve
func (s *SweepService) sweepTreasury(ctx context.Context, fs *models.FeeSource, row *models.SweepStateRow) (*SweepResult, error) {
	balance, err := s.Chain.GetBalance(ctx, fs.CreatorAuthority)
	if err != nil {
		return nil, fmt.Errorf("failed to read fee-holding balance: %w", err)
	}
	available, ok := s.policy.TreasuryAvailable(balance)
	if !ok {
		return &SweepResult{FeeSourceID: fs.ID, TokenMint: fs.TokenMint, Action: ActionSkipped, Note: "below sweep threshold"}, nil
	}
	campaign, err := s.fundableCampaign(ctx, fs)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return &SweepResult{FeeSourceID: fs.ID, TokenMint: fs.TokenMint, Action: ActionSkipped, Note: "no fundable campaign for token"}, nil
	}

	if row == nil {
		row = &models.SweepStateRow{FeeSourceID: fs.ID}
	}
	split := s.policy.SplitTreasury(available)
	row.Source = types.SourceTreasuryRecovery
	row.Claimed = split.Claimed
	row.HolderShare = split.HolderShare
	row.CreatorShare = split.CreatorShare
	row.KeepReserve = 0
	row.Transferred = 0
	row.ClaimSig, row.EscrowSig, row.PayoutSig = nil, nil, nil
	row.CampaignID, row.EscrowAddress = nil, nil
	if err := s.advance(ctx, row, types.SweepClaimed); err != nil {
		return nil, err
	}
	return s.fund(ctx, fs, row)
}

// retained reports whether a funded row kept its holder share back instead
// of sending it to escrow
func retained(row *models.SweepStateRow) bool {
	return row.EscrowSig == nil && row.Source != types.SourceRecovery && row.HolderShare > 0
}

func actionFor(source types.SweepSource) SweepAction {
	switch source {
	case types.SourceRecovery:
		return ActionRecovery
	case types.SourceTreasuryRecovery:
		return ActionTreasury
	}
	return ActionSwept
}

// fact builds an audit record from row and applies edit
func (s *SweepService) fact(fs *models.FeeSource, row *models.SweepStateRow, event types.AuditEvent, edit func(a *models.SweepAuditRecord)) *models.SweepAuditRecord {
	a := &models.SweepAuditRecord{
		Event:        event,
		FeeSourceID:  fs.ID,
		TokenMint:    fs.TokenMint,
		Claimed:      row.Claimed,
		HolderShare:  row.HolderShare,
		CreatorShare: row.CreatorShare,
		Transferred:  row.Transferred,
		KeepReserve:  row.KeepReserve,
		ClaimSig:     row.ClaimSig,
		EscrowSig:    row.EscrowSig,
		PayoutSig:    row.PayoutSig,
		Source:       row.Source,
		CreatedAt:    s.Clock.Now().UTC(),
	}
	if edit != nil {
		edit(a)
	}
	return a
}

// record appends a fact and mirrors it. Neither failure blocks the sweep.
func (s *SweepService) record(ctx context.Context, a *models.SweepAuditRecord) {
	log := s.Logger.WithComponent("sweep").WithFields(map[string]interface{}{
		"event":         a.Event,
		"fee_source_id": a.FeeSourceID,
	})
	if err := s.Audit.Append(ctx, a); err != nil {
		log.WithError(err).Error("failed to append sweep fact")
	}
	if s.Mirror != nil {
		if err := s.Mirror.RecordSweepFact(ctx, a); err != nil {
			log.WithError(err).Warn("failed to mirror sweep fact")
		}
	}
}

func resultFrom(fs *models.FeeSource, row *models.SweepStateRow, action SweepAction) *SweepResult {
	res := &SweepResult{
		FeeSourceID:  fs.ID,
		TokenMint:    fs.TokenMint,
		Action:       action,
		State:        row.State,
		Claimed:      row.Claimed,
		HolderShare:  row.HolderShare,
		CreatorShare: row.CreatorShare,
		Transferred:  row.Transferred,
	}
	if row.ClaimSig != nil {
		res.ClaimSig = *row.ClaimSig
	}
	if row.EscrowSig != nil {
		res.EscrowSig = *row.EscrowSig
	}
	if row.PayoutSig != nil {
		res.PayoutSig = *row.PayoutSig
	}
	return res
}
