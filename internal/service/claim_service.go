package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/adapter"
	"github.com/reward-settlement/internal/config"
	apperrors "github.com/reward-settlement/internal/errors"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/metrics"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/storage"
	"github.com/reward-settlement/internal/types"
	"github.com/shopspring/decimal"
)

const (
	nativeDecimals     = 9
	recentClaimsLimit  = 20
	claimStatusPending = "pending"
	claimStatusPaid    = "completed"
	claimStatusFreed   = "released"
)

// ClaimStore reads and releases reward claim rows
type ClaimStore interface {
	ListUnclaimed(ctx context.Context, wallet string) ([]models.ClaimableReward, error)
	ListRewardsBySignature(ctx context.Context, sig string) ([]models.ClaimableReward, error)
	FindPendingByWallet(ctx context.Context, wallet string) ([]models.RewardClaim, error)
	ListBySignature(ctx context.Context, sig string) ([]models.RewardClaim, error)
	ListCompletedByWallet(ctx context.Context, wallet string, limit int) ([]models.RewardClaim, error)
	MarkBroadcast(ctx context.Context, sig string) (int64, error)
	DeleteBySignature(ctx context.Context, sig string) (int64, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// ClaimLedger runs the transactional reservation and settlement writes
type ClaimLedger interface {
	ReserveClaims(ctx context.Context, wallet, sig string, rewards []models.ClaimableReward, ttl time.Duration) ([]models.RewardClaim, error)
	CompleteClaims(ctx context.Context, sig string) ([]models.RewardClaim, error)
}

// ClaimChain is the chain surface claim settlement needs
type ClaimChain interface {
	SignatureStatus(ctx context.Context, sig string) (types.SignatureState, error)
	CustodiedAddress(signerRef string) (string, error)
	EscrowAddress(campaignID int64) (string, error)
	SourceBalance(ctx context.Context, source models.PayoutSource, asset models.RewardAsset) (uint64, error)
	BuildPayout(ctx context.Context, plan *models.ClaimPlan) (*adapter.PayoutTx, error)
	RebuildPayout(plan *models.ClaimPlan, blockhash solana.Hash) (*solana.Transaction, error)
	SignPayout(tx *solana.Transaction, source models.PayoutSource) error
	Execute(ctx context.Context, prepared *adapter.PreparedTx) (*adapter.Receipt, error)
}

// ClaimAudit receives a fact for every confirmed payout
type ClaimAudit interface {
	Append(ctx context.Context, a *models.SweepAuditRecord) error
}

// ClaimPayoutMirror copies confirmed payouts to the analytics store
type ClaimPayoutMirror interface {
	RecordClaimPayout(ctx context.Context, f *storage.ClaimPayoutFact) error
}

// PrepareResult is what a claimant countersigns. When an earlier reservation
// turned out to have landed, Settled carries it and nothing else is set.
type PrepareResult struct {
	Transaction          string                `json:"transaction,omitempty"`
	TotalAmount          uint64                `json:"totalAmount"`
	EpochIDs             []int64               `json:"epochIds"`
	Blockhash            string                `json:"blockhash,omitempty"`
	LastValidBlockHeight uint64                `json:"lastValidBlockHeight,omitempty"`
	RewardAssetType      types.RewardAssetType `json:"rewardAssetType,omitempty"`
	RewardMint           *string               `json:"rewardMint,omitempty"`
	Settled              *SettleResult         `json:"settled,omitempty"`
}

// SettleRequest is the countersigned transaction submitted by the claimant
type SettleRequest struct {
	SignedTransaction string  `json:"signedTransaction"`
	WalletPubkey      string  `json:"walletPubkey"`
	EpochIDs          []int64 `json:"epochIds"`
}

// SettleResult describes a confirmed payout
type SettleResult struct {
	Success       bool                 `json:"success"`
	TxSig         string               `json:"txSig"`
	TotalAmount   uint64               `json:"totalAmount"`
	EpochsClaimed []int64              `json:"epochsClaimed"`
	Claims        []models.RewardClaim `json:"claims"`
}

// ClaimStatus is the reconciled state of one payout signature
type ClaimStatus struct {
	TxSig       string  `json:"txSig"`
	Status      string  `json:"status"`
	Wallet      string  `json:"walletPubkey,omitempty"`
	TotalAmount uint64  `json:"totalAmount"`
	EpochIDs    []int64 `json:"epochIds"`
}

// AssetTotal is a wallet's unclaimed balance in one asset
type AssetTotal struct {
	RewardAssetType types.RewardAssetType `json:"rewardAssetType"`
	RewardMint      string                `json:"rewardMint,omitempty"`
	Amount          uint64                `json:"amount"`
	Display         string                `json:"display"`
	EpochIDs        []int64               `json:"epochIds"`
}

// ClaimSummary is the wallet overview served to claimants
type ClaimSummary struct {
	Wallet            string               `json:"walletPubkey"`
	Claimable         []AssetTotal         `json:"claimable"`
	PendingSignatures []string             `json:"pendingSignatures"`
	RecentClaims      []models.RewardClaim `json:"recentClaims"`
}

// ClaimDeps are the collaborators of a ClaimService. Audit, Mirror and Cache are optional.
type ClaimDeps struct {
	Claims  ClaimStore
	Ledger  ClaimLedger
	Chain   ClaimChain
	Audit   ClaimAudit
	Mirror  ClaimPayoutMirror
	Cache   *storage.CacheService
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Logger  *logging.Logger
}

// ClaimService runs the two round trip claim protocol: prepare builds an
// unsigned payout for the claimant to countersign, settle reserves the rows
// under the wallet lock and broadcasts exactly once.
type ClaimService struct {
	ClaimDeps
	cfg       config.ClaimsConfig
	summaries *storage.ReadThrough[ClaimSummary]
}

// NewClaimService creates a claim service
func NewClaimService(deps ClaimDeps, cfg config.ClaimsConfig) *ClaimService {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &ClaimService{
		ClaimDeps: deps,
		cfg:       cfg,
		summaries: storage.NewReadThrough[ClaimSummary](deps.Cache),
	}
}

func (s *ClaimService) logger(ctx context.Context, wallet string) *logging.Logger {
	return logging.FromContext(ctx, s.Logger).WithComponent("claims").WithField("wallet", wallet)
}

func (s *ClaimService) observe(phase string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.Categorize(err).Category)
	}
	s.Metrics.Claim(phase, outcome)
}

func parseWallet(wallet string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return solana.PublicKey{}, apperrors.NewInvalidAddressError(wallet)
	}
	return pk, nil
}

// Prepare builds the payout transaction for the wallet's unclaimed rewards.
// It writes nothing except clearing reservations that can no longer land.
func (s *ClaimService) Prepare(ctx context.Context, wallet string) (res *PrepareResult, err error) {
	defer func() { s.observe("prepare", err) }()

	if _, err := parseWallet(wallet); err != nil {
		return nil, err
	}

	settled, err := s.clearReservations(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		return &PrepareResult{TotalAmount: settled.TotalAmount, EpochIDs: settled.EpochsClaimed, Settled: settled}, nil
	}

	plan, err := s.plan(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if err := s.checkLiquidity(ctx, plan); err != nil {
		return nil, err
	}

	payout, err := s.Chain.BuildPayout(ctx, plan)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build payout transaction", err)
	}
	encoded, err := adapter.EncodeTransaction(payout.Tx)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode payout transaction", err)
	}

	res = &PrepareResult{
		Transaction:          encoded,
		TotalAmount:          plan.Total,
		EpochIDs:             plan.EpochIDs(),
		Blockhash:            payout.Tx.Message.RecentBlockhash.String(),
		LastValidBlockHeight: payout.LastValidBlockHeight,
		RewardAssetType:      plan.Asset.AssetType(),
	}
	if tok, ok := plan.Asset.(models.FungibleTokenReward); ok {
		mint := tok.Mint
		res.RewardMint = &mint
	}
	s.logger(ctx, wallet).WithFields(map[string]interface{}{
		"total":  plan.Total,
		"epochs": len(plan.Rewards),
		"asset":  plan.Asset.AssetType(),
	}).Info("claim prepared")
	return res, nil
}

// Settle verifies a countersigned payout, reserves its rows and broadcasts it.
// A confirmation timeout keeps the reservation and returns a pending error so
// the caller polls instead of resubmitting.
func (s *ClaimService) Settle(ctx context.Context, req *SettleRequest) (res *SettleResult, err error) {
	defer func() { s.observe("settle", err) }()

	claimant, err := parseWallet(req.WalletPubkey)
	if err != nil {
		return nil, err
	}
	wallet := claimant.String()
	if req.SignedTransaction == "" {
		return nil, apperrors.NewInvalidParameterError("signedTransaction", "required")
	}
	if len(req.EpochIDs) == 0 {
		return nil, apperrors.NewInvalidParameterError("epochIds", "required")
	}
	tx, err := adapter.DecodeTransaction(req.SignedTransaction)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("signedTransaction", err.Error())
	}
	userSig, err := adapter.VerifyFeePayerSignature(tx, claimant)
	if err != nil {
		return nil, apperrors.NewInvalidSignatureError(wallet)
	}
	sig := userSig.String()
	log := s.logger(ctx, wallet).WithField("signature", sig)

	settled, err := s.clearReservations(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if settled != nil && settled.TxSig == sig {
		return settled, nil
	}

	plan, err := s.plan(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !sameEpochs(req.EpochIDs, plan.EpochIDs()) {
		return nil, apperrors.NewTransactionMismatchError("claimable epochs changed since prepare")
	}
	expected, err := s.Chain.RebuildPayout(plan, tx.Message.RecentBlockhash)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to rebuild payout transaction", err)
	}
	if err := adapter.MatchesCanonical(expected, tx); err != nil {
		log.WithError(err).Warn("countersigned transaction differs from prepared payout")
		return nil, apperrors.NewTransactionMismatchError("transaction does not match the prepared claim")
	}
	if err := s.checkLiquidity(ctx, plan); err != nil {
		return nil, err
	}

	if _, err := s.Ledger.ReserveClaims(ctx, wallet, sig, plan.Rewards, s.cfg.ReservationTTL); err != nil {
		if errors.Is(err, storage.ErrReservationConflict) {
			return nil, apperrors.NewClaimInProgressError(wallet, "")
		}
		return nil, apperrors.NewDatabaseError("reserve claims", err)
	}

	if err := s.Chain.SignPayout(tx, plan.Source); err != nil {
		s.release(ctx, sig, log)
		return nil, apperrors.NewConfigurationError(err)
	}
	if _, err := s.Claims.MarkBroadcast(ctx, sig); err != nil {
		s.release(ctx, sig, log)
		return nil, apperrors.NewDatabaseError("mark claims broadcast", err)
	}

	receipt, execErr := s.Chain.Execute(ctx, &adapter.PreparedTx{Signature: sig, Tx: tx})
	if execErr == nil && receipt != nil {
		switch receipt.Outcome {
		case types.ConfirmSuccess:
			log.Info("claim payout confirmed")
			return s.complete(ctx, wallet, sig, plan.Asset)
		case types.ConfirmTimeout:
			log.Warn("claim payout confirmation timed out, reservation kept")
			return nil, apperrors.NewConfirmationPendingError(sig, plan.Total)
		case types.ConfirmFailure:
			s.release(ctx, sig, log)
			return nil, apperrors.NewOnChainFailureError(sig, fmt.Errorf("payout transaction failed"))
		}
	}

	// the submission errored; only the chain knows whether it landed
	log = log.WithError(execErr)
	state, err := s.Chain.SignatureStatus(ctx, sig)
	if err != nil {
		log.WithField("status_error", err.Error()).Warn("signature status lookup failed after submission error")
		state = types.SignatureUnknown
	}
	switch state {
	case types.SignatureConfirmed:
		log.Info("claim payout landed despite submission error")
		return s.complete(ctx, wallet, sig, plan.Asset)
	case types.SignatureFailed:
		s.release(ctx, sig, log)
		return nil, apperrors.NewOnChainFailureError(sig, execErr)
	}
	if errors.Is(execErr, adapter.ErrSubmissionRejected) {
		s.release(ctx, sig, log)
		return nil, apperrors.NewSubmissionError(execErr)
	}
	log.Warn("claim payout outcome unknown after submission error")
	return nil, apperrors.NewClaimInProgressError(wallet, sig)
}

// Status reconciles a payout signature against the chain. Confirmed rows are
// completed, failed or dropped ones released, anything else stays pending.
func (s *ClaimService) Status(ctx context.Context, sig string) (*ClaimStatus, error) {
	if _, err := solana.SignatureFromBase58(sig); err != nil {
		return nil, apperrors.NewInvalidParameterError("signature", "not a transaction signature")
	}
	rows, err := s.Claims.ListBySignature(ctx, sig)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list claims by signature", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NewNotFoundError("claim", sig)
	}
	status := statusOf(sig, rows)

	pending := pendingOnly(rows)
	if len(pending) == 0 {
		status.Status = claimStatusPaid
		return status, nil
	}

	outcome, err := s.reconcile(ctx, sig, pending)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case reconcileLanded:
		if _, err := s.complete(ctx, status.Wallet, sig, nil); err != nil {
			return nil, err
		}
		status.Status = claimStatusPaid
	case reconcileReleased:
		s.invalidate(ctx, status.Wallet)
		status.Status = claimStatusFreed
	}
	return status, nil
}

// Summary returns the wallet's claimable totals per asset, pending payout
// signatures and latest settled claims. Results are cached briefly.
func (s *ClaimService) Summary(ctx context.Context, wallet string) (*ClaimSummary, error) {
	if _, err := parseWallet(wallet); err != nil {
		return nil, err
	}
	key := s.Cache.ClaimSummaryKey(wallet)
	summary, err := s.summaries.Get(ctx, key, func(ctx context.Context) (*ClaimSummary, error) {
		return s.loadSummary(ctx, wallet)
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("load claim summary", err)
	}
	return summary, nil
}

func (s *ClaimService) loadSummary(ctx context.Context, wallet string) (*ClaimSummary, error) {
	rows, err := s.Claims.ListUnclaimed(ctx, wallet)
	if err != nil {
		return nil, err
	}
	pending, err := s.Claims.FindPendingByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	recent, err := s.Claims.ListCompletedByWallet(ctx, wallet, recentClaimsLimit)
	if err != nil {
		return nil, err
	}

	summary := &ClaimSummary{
		Wallet:            wallet,
		Claimable:         []AssetTotal{},
		PendingSignatures: []string{},
		RecentClaims:      recent,
	}
	if summary.RecentClaims == nil {
		summary.RecentClaims = []models.RewardClaim{}
	}

	index := make(map[string]int)
	var decimals []uint8
	for _, r := range rows {
		asset := r.Asset()
		key := string(asset.AssetType())
		var mint string
		var places uint8 = nativeDecimals
		if tok, ok := asset.(models.FungibleTokenReward); ok {
			mint, places = tok.Mint, tok.Decimals
			key += ":" + mint
		}
		i, ok := index[key]
		if !ok {
			i = len(summary.Claimable)
			index[key] = i
			decimals = append(decimals, places)
			summary.Claimable = append(summary.Claimable, AssetTotal{
				RewardAssetType: asset.AssetType(),
				RewardMint:      mint,
			})
		}
		summary.Claimable[i].Amount += r.Amount
		summary.Claimable[i].EpochIDs = append(summary.Claimable[i].EpochIDs, r.EpochID)
	}
	for i := range summary.Claimable {
		t := &summary.Claimable[i]
		if t.RewardAssetType == types.AssetNative {
			t.Display = FormatSOL(t.Amount, s.cfg.SolDisplayDigits)
		} else {
			t.Display = FormatUnits(t.Amount, decimals[i])
		}
	}
	sort.SliceStable(summary.Claimable, func(i, j int) bool {
		return summary.Claimable[i].RewardAssetType == types.AssetNative && summary.Claimable[j].RewardAssetType != types.AssetNative
	})

	seen := make(map[string]bool)
	for _, c := range pending {
		if c.TxSignature == nil || seen[*c.TxSignature] {
			continue
		}
		seen[*c.TxSignature] = true
		summary.PendingSignatures = append(summary.PendingSignatures, *c.TxSignature)
	}
	return summary, nil
}

// FormatUnits renders a raw amount with the asset's decimals
func FormatUnits(amount uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals)).String()
}

// FormatSOL renders lamports as SOL rounded to digits places
func FormatSOL(lamports uint64, digits int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -nativeDecimals).StringFixed(digits)
}

// plan resolves the wallet's unclaimed rows into one single-asset,
// single-source claim
func (s *ClaimService) plan(ctx context.Context, wallet string) (*models.ClaimPlan, error) {
	rows, err := s.Claims.ListUnclaimed(ctx, wallet)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list unclaimed rewards", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NewNothingToClaimError(wallet)
	}

	var native, tokens []models.ClaimableReward
	for _, r := range rows {
		switch r.Asset().(type) {
		case models.NativeReward:
			native = append(native, r)
		case models.FungibleTokenReward:
			tokens = append(tokens, r)
		}
	}
	chosen := native
	if len(chosen) == 0 {
		chosen = tokens
	}

	manual := chosen[0].IsManualLockup
	var total uint64
	for _, r := range chosen {
		if r.IsManualLockup != manual {
			return nil, apperrors.NewMixedClaimError("manual lockup rewards cannot be claimed together with other rewards")
		}
		if total+r.Amount < total {
			return nil, apperrors.NewInvalidParameterError("amount", "claimable total overflows")
		}
		total += r.Amount
	}

	asset := chosen[0].Asset()
	source, err := s.source(asset, chosen, manual)
	if err != nil {
		return nil, err
	}

	minimum := s.cfg.MinNativeClaim
	if asset.AssetType() == types.AssetFungibleToken {
		minimum = s.cfg.MinTokenClaim
	}
	if total < minimum {
		return nil, apperrors.NewBelowMinimumError(total, minimum, asset.AssetType())
	}

	return &models.ClaimPlan{
		Wallet:  wallet,
		Asset:   asset,
		Source:  source,
		Rewards: chosen,
		Total:   total,
	}, nil
}

// source picks where the payout is signed from: the custodied payout wallet
// for plain SOL rewards, the campaign escrow otherwise
func (s *ClaimService) source(asset models.RewardAsset, rows []models.ClaimableReward, manual bool) (models.PayoutSource, error) {
	campaignID := rows[0].CampaignID
	switch a := asset.(type) {
	case models.FungibleTokenReward:
		for _, r := range rows {
			if r.RewardMint == nil || *r.RewardMint != a.Mint {
				return nil, apperrors.NewMixedClaimError("token rewards span more than one mint")
			}
			if r.CampaignID != campaignID {
				return nil, apperrors.NewMixedClaimError("token rewards span more than one campaign")
			}
		}
		return s.escrowSource(campaignID)
	case models.NativeReward:
		if !manual {
			addr, err := s.Chain.CustodiedAddress(s.cfg.PayoutSignerRef)
			if err != nil {
				return nil, apperrors.NewConfigurationError(err)
			}
			return models.ManagedPayout{SignerRef: s.cfg.PayoutSignerRef, PayoutAddress: addr}, nil
		}
		for _, r := range rows {
			if r.CampaignID != campaignID {
				return nil, apperrors.NewMixedClaimError("manual lockup rewards span more than one campaign")
			}
		}
		return s.escrowSource(campaignID)
	default:
		return nil, apperrors.NewInternalError(fmt.Sprintf("unsupported reward asset %T", asset), nil)
	}
}

func (s *ClaimService) escrowSource(campaignID int64) (models.PayoutSource, error) {
	addr, err := s.Chain.EscrowAddress(campaignID)
	if err != nil {
		return nil, apperrors.NewConfigurationError(err)
	}
	return models.EscrowPayout{CampaignID: campaignID, EscrowAddress: addr}, nil
}

// checkLiquidity rejects a claim the source cannot cover in full. SOL
// sources must also keep PayoutReserve for rent and fees.
func (s *ClaimService) checkLiquidity(ctx context.Context, plan *models.ClaimPlan) error {
	balance, err := s.Chain.SourceBalance(ctx, plan.Source, plan.Asset)
	if err != nil {
		return apperrors.NewServiceUnavailableError("payout balance")
	}
	required := plan.Total
	if _, ok := plan.Asset.(models.NativeReward); ok {
		required += s.cfg.PayoutReserve
		if required < plan.Total {
			required = ^uint64(0)
		}
	}
	if balance < required {
		return apperrors.NewPoolInsufficientError(plan.Source.Address(), balance, required)
	}
	return nil
}

// clearReservations resolves the wallet's existing reservations before a new
// claim. A reservation that landed is completed and returned; one that can no
// longer land is released; one still in flight blocks the claim.
func (s *ClaimService) clearReservations(ctx context.Context, wallet string) (*SettleResult, error) {
	pending, err := s.Claims.FindPendingByWallet(ctx, wallet)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find pending claims", err)
	}

	var order []string
	bySig := make(map[string][]models.RewardClaim)
	for _, c := range pending {
		sig := ""
		if c.TxSignature != nil {
			sig = *c.TxSignature
		}
		if _, ok := bySig[sig]; !ok {
			order = append(order, sig)
		}
		bySig[sig] = append(bySig[sig], c)
	}

	var settled *SettleResult
	for _, sig := range order {
		outcome, err := s.reconcile(ctx, sig, bySig[sig])
		if err != nil {
			return nil, err
		}
		switch outcome {
		case reconcilePending:
			return nil, apperrors.NewClaimInProgressError(wallet, sig)
		case reconcileLanded:
			if settled, err = s.complete(ctx, wallet, sig, nil); err != nil {
				return nil, err
			}
		}
	}
	return settled, nil
}

type reconcileOutcome int

const (
	reconcilePending reconcileOutcome = iota
	reconcileLanded
	reconcileReleased
)

// reconcile decides what a group of pending rows sharing sig has become.
// Rows never handed to the chain are released once past the TTL. Broadcast
// rows follow the chain; an unseen signature past the TTL is far beyond
// blockhash expiry and is released as dropped.
func (s *ClaimService) reconcile(ctx context.Context, sig string, rows []models.RewardClaim) (reconcileOutcome, error) {
	now := s.Clock.Now()
	log := s.Logger.WithComponent("claims").WithField("signature", sig)

	broadcast, expired := false, true
	ids := make([]int64, 0, len(rows))
	for _, c := range rows {
		ids = append(ids, c.ID)
		if c.BroadcastAt != nil {
			broadcast = true
		}
		if !c.Expired(now, s.cfg.ReservationTTL) {
			expired = false
		}
	}

	if !broadcast || sig == "" {
		if !expired {
			return reconcilePending, nil
		}
		if _, err := s.Claims.DeleteByIDs(ctx, ids); err != nil {
			return reconcilePending, apperrors.NewDatabaseError("delete stale claims", err)
		}
		log.Info("released stale reservation")
		return reconcileReleased, nil
	}

	state, err := s.Chain.SignatureStatus(ctx, sig)
	if err != nil {
		log.WithError(err).Warn("signature status lookup failed")
		return reconcilePending, nil
	}
	switch state {
	case types.SignatureConfirmed:
		return reconcileLanded, nil
	case types.SignatureFailed:
		log.Info("reservation failed on chain, releasing")
	default:
		if !expired {
			return reconcilePending, nil
		}
		log.Warn("reservation never landed, releasing as dropped")
	}
	if _, err := s.Claims.DeleteBySignature(ctx, sig); err != nil {
		return reconcilePending, apperrors.NewDatabaseError("delete claims", err)
	}
	return reconcileReleased, nil
}

// complete settles a landed signature. Only rows this call moved produce
// facts, so a replay records nothing twice.
func (s *ClaimService) complete(ctx context.Context, wallet, sig string, asset models.RewardAsset) (*SettleResult, error) {
	moved, err := s.Ledger.CompleteClaims(ctx, sig)
	if err != nil {
		return nil, apperrors.NewDatabaseError("complete claims", err)
	}
	rows := moved
	if len(rows) == 0 {
		if rows, err = s.Claims.ListBySignature(ctx, sig); err != nil {
			return nil, apperrors.NewDatabaseError("list claims by signature", err)
		}
	}

	res := &SettleResult{Success: true, TxSig: sig, EpochsClaimed: []int64{}, Claims: rows}
	for _, c := range rows {
		res.TotalAmount += c.Amount
		res.EpochsClaimed = append(res.EpochsClaimed, c.EpochID)
	}
	if len(moved) > 0 {
		s.paid(ctx, wallet, sig, res, asset)
	}
	s.invalidate(ctx, wallet)
	return res, nil
}

// paid records the payout facts. Neither failure affects the settled claim.
func (s *ClaimService) paid(ctx context.Context, wallet, sig string, res *SettleResult, asset models.RewardAsset) {
	log := s.logger(ctx, wallet).WithField("signature", sig)
	if asset == nil {
		asset = models.NativeReward{}
		if rewards, err := s.Claims.ListRewardsBySignature(ctx, sig); err != nil {
			log.WithError(err).Warn("failed to resolve payout asset")
		} else if len(rewards) > 0 {
			asset = rewards[0].Asset()
		}
	}

	mint := solana.SolMint.String()
	var rewardMint string
	if tok, ok := asset.(models.FungibleTokenReward); ok {
		mint, rewardMint = tok.Mint, tok.Mint
	}
	s.Metrics.Claimed(string(asset.AssetType()), res.TotalAmount)

	now := s.Clock.Now().UTC()
	if s.Audit != nil {
		note := wallet
		payoutSig := sig
		err := s.Audit.Append(ctx, &models.SweepAuditRecord{
			Event:         types.EventClaimPayout,
			TokenMint:     mint,
			Transferred:   res.TotalAmount,
			PayoutSig:     &payoutSig,
			Source:        types.SourceNormal,
			EpochsUpdated: len(res.EpochsClaimed),
			Note:          &note,
			CreatedAt:     now,
		})
		if err != nil {
			log.WithError(err).Error("failed to append claim payout fact")
		}
	}
	if s.Mirror != nil {
		err := s.Mirror.RecordClaimPayout(ctx, &storage.ClaimPayoutFact{
			Wallet:      wallet,
			TxSignature: sig,
			TotalAmount: res.TotalAmount,
			EpochIDs:    res.EpochsClaimed,
			AssetType:   string(asset.AssetType()),
			RewardMint:  rewardMint,
			CreatedAt:   now,
		})
		if err != nil {
			log.WithError(err).Warn("failed to mirror claim payout")
		}
	}
	log.WithField("total", res.TotalAmount).Info("claim settled")
}

// release deletes a reservation that can be retried
func (s *ClaimService) release(ctx context.Context, sig string, log *logging.Logger) {
	if _, err := s.Claims.DeleteBySignature(ctx, sig); err != nil {
		log.WithError(err).Error("failed to release reservation")
		return
	}
	log.Info("reservation released")
}

func (s *ClaimService) invalidate(ctx context.Context, wallet string) {
	if wallet == "" {
		return
	}
	if err := s.summaries.Invalidate(ctx, s.Cache.ClaimSummaryKey(wallet)); err != nil {
		s.logger(ctx, wallet).WithError(err).Warn("failed to invalidate claim summary")
	}
}

func sameEpochs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]int64(nil), a...)
	y := append([]int64(nil), b...)
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
	sort.Slice(y, func(i, j int) bool { return y[i] < y[j] })
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func pendingOnly(rows []models.RewardClaim) []models.RewardClaim {
	var out []models.RewardClaim
	for _, c := range rows {
		if c.Status == types.ClaimPending {
			out = append(out, c)
		}
	}
	return out
}

func statusOf(sig string, rows []models.RewardClaim) *ClaimStatus {
	st := &ClaimStatus{TxSig: sig, Status: claimStatusPending, EpochIDs: []int64{}}
	for _, c := range rows {
		st.Wallet = c.Wallet
		st.TotalAmount += c.Amount
		st.EpochIDs = append(st.EpochIDs, c.EpochID)
	}
	return st
}
