package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/reward-settlement/internal/adapter"
	"github.com/reward-settlement/internal/config"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/storage"
	"github.com/reward-settlement/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock stores for testing

type mockFeeSourceStore struct {
	sources []models.FeeSource
}

func (m *mockFeeSourceStore) ListActive(ctx context.Context, filter storage.FeeSourceFilter) ([]models.FeeSource, error) {
	var out []models.FeeSource
	for _, fs := range m.sources {
		if filter.TokenMint != "" && fs.TokenMint != filter.TokenMint {
			continue
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		out = append(out, fs)
	}
	return out, nil
}

func (m *mockFeeSourceStore) CountActive(ctx context.Context, filter storage.FeeSourceFilter) (int, error) {
	all, _ := m.ListActive(ctx, storage.FeeSourceFilter{TokenMint: filter.TokenMint})
	return len(all), nil
}

type mockSweepStateStore struct {
	clock clockwork.Clock
	rows  map[int64]models.SweepStateRow
	saves []types.SweepState
}

func (m *mockSweepStateStore) Get(ctx context.Context, feeSourceID int64) (*models.SweepStateRow, error) {
	row, ok := m.rows[feeSourceID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *mockSweepStateStore) Save(ctx context.Context, row *models.SweepStateRow, expectedVersion int64) error {
	current, ok := m.rows[row.FeeSourceID]
	if (ok && current.Version != expectedVersion) || (!ok && expectedVersion != 0) {
		return storage.ErrVersionConflict
	}
	row.Version = expectedVersion + 1
	row.UpdatedAt = m.clock.Now()
	m.rows[row.FeeSourceID] = *row
	m.saves = append(m.saves, row.State)
	return nil
}

type mockSweepAuditStore struct {
	facts []models.SweepAuditRecord
}

func (m *mockSweepAuditStore) Append(ctx context.Context, a *models.SweepAuditRecord) error {
	a.ID = int64(len(m.facts) + 1)
	m.facts = append(m.facts, *a)
	return nil
}

func (m *mockSweepAuditStore) FindUnpaidSweep(ctx context.Context, tokenMint string) (*models.SweepAuditRecord, error) {
	for i := len(m.facts) - 1; i >= 0; i-- {
		f := m.facts[i]
		if f.TokenMint != tokenMint || f.Event != types.EventFeeSweepOK {
			continue
		}
		for _, later := range m.facts[i:] {
			if later.TokenMint == tokenMint && later.Event == types.EventCreatorPayoutOK {
				return nil, nil
			}
		}
		return &f, nil
	}
	return nil, nil
}

func (m *mockSweepAuditStore) events() []types.AuditEvent {
	out := make([]types.AuditEvent, len(m.facts))
	for i, f := range m.facts {
		out[i] = f.Event
	}
	return out
}

func (m *mockSweepAuditStore) last(event types.AuditEvent) *models.SweepAuditRecord {
	for i := len(m.facts) - 1; i >= 0; i-- {
		if m.facts[i].Event == event {
			return &m.facts[i]
		}
	}
	return nil
}

type mockSweepCampaignStore struct {
	campaign *models.Campaign
	retired  []models.Campaign
}

func (m *mockSweepCampaignStore) FindFundableByToken(ctx context.Context, tokenMint string) (*models.Campaign, error) {
	if m.campaign == nil || m.campaign.TokenMint != tokenMint {
		return nil, nil
	}
	c := *m.campaign
	return &c, nil
}

func (m *mockSweepCampaignStore) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	if m.campaign != nil && m.campaign.ID == id {
		c := *m.campaign
		return &c, nil
	}
	for _, c := range m.retired {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("campaign %d: %w", id, storage.ErrNotFound)
}

// retire ends the active campaign and optionally activates next in its place
func (m *mockSweepCampaignStore) retire(next *models.Campaign) {
	ended := *m.campaign
	ended.Status = types.CampaignEnded
	m.retired = append(m.retired, ended)
	m.campaign = next
}

func (m *mockSweepCampaignStore) SetEscrowAddress(ctx context.Context, id int64, address string) (string, error) {
	if m.campaign.EscrowAddress == nil {
		m.campaign.EscrowAddress = &address
	}
	return *m.campaign.EscrowAddress, nil
}

type transferCall struct {
	to     string
	amount uint64
}

// fakeSweepChain scripts the chain. Execute outcomes are consumed in order
// and default to success.
type fakeSweepChain struct {
	clock        *clockwork.FakeClock
	tick         time.Duration
	custodied    map[string]string
	claimable    map[string]uint64
	claimableErr error
	balances     map[string]uint64
	statuses     map[string]types.SignatureState
	outcomes     []types.ConfirmationOutcome

	seq       int
	prepared  map[string]*transferCall
	claims    int
	transfers []transferCall
}

func newFakeSweepChain(clock *clockwork.FakeClock) *fakeSweepChain {
	return &fakeSweepChain{
		clock:     clock,
		custodied: map[string]string{"creator": "creator-wallet"},
		claimable: make(map[string]uint64),
		balances:  make(map[string]uint64),
		statuses:  make(map[string]types.SignatureState),
		prepared:  make(map[string]*transferCall),
	}
}

func (f *fakeSweepChain) GetClaimableAmount(ctx context.Context, authority string) (uint64, error) {
	if f.tick > 0 {
		f.clock.Advance(f.tick)
	}
	if f.claimableErr != nil && authority == "broken-wallet" {
		return 0, f.claimableErr
	}
	return f.claimable[authority], nil
}

func (f *fakeSweepChain) GetBalance(ctx context.Context, address string) (uint64, error) {
	return f.balances[address], nil
}

func (f *fakeSweepChain) SignatureStatus(ctx context.Context, sig string) (types.SignatureState, error) {
	if st, ok := f.statuses[sig]; ok {
		return st, nil
	}
	return types.SignatureUnknown, nil
}

func (f *fakeSweepChain) CustodiedAddress(signerRef string) (string, error) {
	addr, ok := f.custodied[signerRef]
	if !ok {
		return "", adapter.ErrUnknownSigner
	}
	return addr, nil
}

func (f *fakeSweepChain) EscrowAddress(campaignID int64) (string, error) {
	return fmt.Sprintf("escrow-%d", campaignID), nil
}

func (f *fakeSweepChain) next() string {
	f.seq++
	return fmt.Sprintf("sig-%d", f.seq)
}

func (f *fakeSweepChain) PrepareClaim(ctx context.Context, signerRef string) (*adapter.PreparedTx, error) {
	sig := f.next()
	f.prepared[sig] = nil
	return &adapter.PreparedTx{Signature: sig}, nil
}

func (f *fakeSweepChain) PrepareTransfer(ctx context.Context, signerRef, to string, amount uint64) (*adapter.PreparedTx, error) {
	sig := f.next()
	f.prepared[sig] = &transferCall{to: to, amount: amount}
	return &adapter.PreparedTx{Signature: sig}, nil
}

func (f *fakeSweepChain) Execute(ctx context.Context, prepared *adapter.PreparedTx) (*adapter.Receipt, error) {
	outcome := types.ConfirmSuccess
	if len(f.outcomes) > 0 {
		outcome, f.outcomes = f.outcomes[0], f.outcomes[1:]
	}
	receipt := &adapter.Receipt{Signature: prepared.Signature, Outcome: outcome}
	if outcome != types.ConfirmSuccess {
		return receipt, nil
	}
	if call := f.prepared[prepared.Signature]; call != nil {
		f.transfers = append(f.transfers, *call)
	} else {
		f.claims++
	}
	f.statuses[prepared.Signature] = types.SignatureConfirmed
	return receipt, nil
}

type sweepFixture struct {
	clock     *clockwork.FakeClock
	chain     *fakeSweepChain
	state     *mockSweepStateStore
	audit     *mockSweepAuditStore
	campaigns *mockSweepCampaignStore
	funding   *mockAllocationStore
	sources   *mockFeeSourceStore
	cfg       config.SweepConfig
}

func newSweepFixture() *sweepFixture {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	return &sweepFixture{
		clock:   clock,
		chain:   newFakeSweepChain(clock),
		state:   &mockSweepStateStore{clock: clock, rows: make(map[int64]models.SweepStateRow)},
		audit:   &mockSweepAuditStore{},
		sources: &mockFeeSourceStore{sources: []models.FeeSource{testFeeSource(1, "MintA", "creator-wallet")}},
		campaigns: &mockSweepCampaignStore{campaign: &models.Campaign{
			ID:              7,
			TokenMint:       "MintA",
			PayoutAddress:   "project-wallet",
			IsManualLockup:  true,
			RewardAssetType: types.AssetNative,
			Status:          types.CampaignActive,
		}},
		funding: &mockAllocationStore{epochs: []models.Epoch{
			{ID: 11, StartTime: 1_600_000_000, EndTime: 1_800_000_000},
			{ID: 12, StartTime: 1_700_000_000, EndTime: 1_900_000_000},
		}},
		cfg: config.SweepConfig{
			KeepReserve:     5_000_000,
			MinSweep:        10_000_000,
			HolderShareBps:  5000,
			TimeBudget:      50 * time.Second,
			BatchLimit:      50,
			LeaseTTL:        2 * time.Minute,
			EscrowRentFloor: 890_880,
		},
	}
}

func testFeeSource(id int64, mint, authority string) models.FeeSource {
	return models.FeeSource{
		ID:               id,
		TokenMint:        mint,
		CreatorAuthority: authority,
		CreatorFeeMode:   types.FeeModeManaged,
		SignerRef:        "creator",
		Status:           types.FeeSourceActive,
	}
}

func (f *sweepFixture) service(lease SweepLease) *SweepService {
	return NewSweepService(SweepDeps{
		FeeSources: f.sources,
		State:      f.state,
		Audit:      f.audit,
		Campaigns:  f.campaigns,
		Allocator:  NewAllocator(f.funding, f.clock),
		Chain:      f.chain,
		Lease:      lease,
		Clock:      f.clock,
	}, f.cfg)
}

func (f *sweepFixture) sweep(t *testing.T) *SweepResult {
	t.Helper()
	fs := f.sources.sources[0]
	return f.service(nil).SweepOne(context.Background(), &fs)
}

func TestSweep_ClaimFundAndPay(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000

	res := f.sweep(t)

	require.Equal(t, ActionSwept, res.Action, res.Error)
	assert.Equal(t, 1, f.chain.claims)
	assert.Equal(t, []transferCall{
		{to: "escrow-7", amount: 15_000_000},
		{to: "project-wallet", amount: 10_000_000},
	}, f.chain.transfers)
	assert.Equal(t, []types.AuditEvent{types.EventCreatorPayoutOK, types.EventFeeSweepOK}, f.audit.events())

	ok := f.audit.last(types.EventFeeSweepOK)
	assert.Equal(t, uint64(25_000_000), ok.Transferred)
	assert.Equal(t, 2, ok.EpochsUpdated)
	require.NotNil(t, ok.EscrowSig)
	require.NotNil(t, ok.PayoutSig)
	assert.Equal(t, types.SourceNormal, ok.Source)

	deposit := f.funding.deposits[*ok.EscrowSig]
	require.NotNil(t, deposit, "deposit is keyed by the escrow transfer signature")
	assert.Equal(t, uint64(15_000_000), deposit.Amount)
	assert.Equal(t, int64(7), deposit.CampaignID)
	assert.Equal(t, "escrow-7", *f.campaigns.campaign.EscrowAddress, "escrow provisioned on first funding")

	row := f.state.rows[1]
	assert.Equal(t, types.SweepPaid, row.State)
	assert.Equal(t, []types.SweepState{
		types.SweepClaiming, types.SweepClaiming, types.SweepClaimed, types.SweepClaimed,
		types.SweepFunded, types.SweepFunded, types.SweepPaid,
	}, f.state.saves)
}

func TestSweep_ReserveAbsorbsCreatorShare(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 10_000_000

	res := f.sweep(t)

	require.Equal(t, ActionSwept, res.Action, res.Error)
	assert.Equal(t, []transferCall{{to: "escrow-7", amount: 5_000_000}}, f.chain.transfers)
	assert.Equal(t, []types.AuditEvent{types.EventFeeSweepOK}, f.audit.events())
	assert.Equal(t, uint64(5_000_000), f.funding.amount, "allocator runs with the holder share")
}

func TestSweep_DustClaimRecordsClaimOnly(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 1

	res := f.sweep(t)

	assert.Equal(t, ActionClaimOnly, res.Action)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, f.chain.claims)
	assert.Empty(t, f.chain.transfers)
	assert.Equal(t, []types.AuditEvent{types.EventFeeClaimOnly}, f.audit.events())
	assert.Equal(t, types.SweepPaid, f.state.rows[1].State)
}

func TestSweep_NoFundableCampaign(t *testing.T) {
	f := newSweepFixture()
	f.campaigns.campaign = nil
	f.chain.claimable["creator-wallet"] = 30_000_000

	res := f.sweep(t)

	assert.Equal(t, ActionClaimOnly, res.Action)
	assert.Equal(t, "no fundable campaign for token", res.Note)
	assert.Empty(t, f.chain.transfers)
}

func TestSweep_NotEligibleIsSkippedSilently(t *testing.T) {
	f := newSweepFixture()
	f.sources.sources[0].CreatorFeeMode = types.FeeModeUnmanaged
	f.chain.claimable["creator-wallet"] = 30_000_000

	res := f.sweep(t)

	assert.Equal(t, ActionSkipped, res.Action)
	assert.Zero(t, f.chain.claims)
	assert.Empty(t, f.audit.facts)
}

func TestSweep_RecoveryPaysShortfallFromAudit(t *testing.T) {
	f := newSweepFixture()
	require.NoError(t, f.audit.Append(context.Background(), &models.SweepAuditRecord{
		Event:       types.EventFeeSweepOK,
		FeeSourceID: 1,
		TokenMint:   "MintA",
		Claimed:     1_000_000,
		Transferred: 400_000,
		KeepReserve: 50_000,
		Source:      types.SourceNormal,
	}))

	res := f.sweep(t)

	require.Equal(t, ActionRecovery, res.Action, res.Error)
	assert.Zero(t, f.chain.claims)
	assert.Equal(t, []transferCall{{to: "project-wallet", amount: 550_000}}, f.chain.transfers)

	payout := f.audit.last(types.EventCreatorPayoutOK)
	require.NotNil(t, payout)
	assert.Equal(t, uint64(550_000), payout.Transferred)
	assert.Equal(t, types.SourceRecovery, payout.Source)
	assert.Equal(t, types.SweepPaid, f.state.rows[1].State)

	// resolved: a second run finds nothing owed and the balance is below threshold
	res = f.sweep(t)
	assert.Equal(t, ActionSkipped, res.Action)
	assert.Len(t, f.chain.transfers, 1)
}

func TestSweep_TreasuryBelowThreshold(t *testing.T) {
	f := newSweepFixture()
	f.chain.balances["creator-wallet"] = 9_000_000

	res := f.sweep(t)

	assert.Equal(t, ActionSkipped, res.Action)
	assert.Equal(t, "below sweep threshold", res.Note)
	assert.Empty(t, f.chain.transfers)
	assert.Empty(t, f.audit.facts)
}

func TestSweep_TreasuryRecovery(t *testing.T) {
	f := newSweepFixture()
	f.chain.balances["creator-wallet"] = 30_000_000

	res := f.sweep(t)

	require.Equal(t, ActionTreasury, res.Action, res.Error)
	assert.Equal(t, []transferCall{
		{to: "escrow-7", amount: 12_500_000},
		{to: "project-wallet", amount: 12_500_000},
	}, f.chain.transfers)
	ok := f.audit.last(types.EventFeeSweepOK)
	require.NotNil(t, ok)
	assert.Equal(t, types.SourceTreasuryRecovery, ok.Source)
	assert.Equal(t, uint64(25_000_000), ok.Transferred)
}

func TestSweep_ClaimTimeoutIsResumedNotResubmitted(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000
	f.chain.outcomes = []types.ConfirmationOutcome{types.ConfirmTimeout}

	res := f.sweep(t)
	require.Equal(t, ActionPending, res.Action)
	assert.Equal(t, types.SweepClaiming, f.state.rows[1].State)
	require.NotNil(t, f.state.rows[1].ClaimSig)
	claimSig := *f.state.rows[1].ClaimSig

	// still unseen on the next run: wait, do not resubmit
	res = f.sweep(t)
	assert.Equal(t, ActionPending, res.Action)
	assert.Equal(t, 1, f.chain.seq, "no new transaction prepared")

	// the claim landed after all
	f.chain.statuses[claimSig] = types.SignatureConfirmed
	f.chain.claimable["creator-wallet"] = 0
	res = f.sweep(t)
	require.Equal(t, ActionSwept, res.Action, res.Error)
	assert.Equal(t, claimSig, res.ClaimSig)
	assert.Len(t, f.chain.transfers, 2)
}

func TestSweep_DroppedClaimStartsOver(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000
	f.chain.outcomes = []types.ConfirmationOutcome{types.ConfirmTimeout}

	require.Equal(t, ActionPending, f.sweep(t).Action)
	f.clock.Advance(droppedAfter)

	res := f.sweep(t)
	require.Equal(t, ActionSwept, res.Action, res.Error)
	assert.Equal(t, "sig-2", res.ClaimSig)
	assert.Equal(t, 1, f.chain.claims)
}

func TestSweep_CreatorPayoutFailureRecoveredNextRun(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000
	f.chain.outcomes = []types.ConfirmationOutcome{types.ConfirmSuccess, types.ConfirmSuccess, types.ConfirmFailure}

	res := f.sweep(t)
	require.Equal(t, ActionError, res.Action)
	assert.Equal(t, []types.AuditEvent{types.EventFeeSweepOK, types.EventFeeSweepError}, f.audit.events())
	assert.Equal(t, uint64(15_000_000), f.audit.last(types.EventFeeSweepOK).Transferred)
	assert.Nil(t, f.audit.last(types.EventFeeSweepOK).PayoutSig)

	row := f.state.rows[1]
	assert.Equal(t, types.SweepFunded, row.State)
	assert.Equal(t, types.SourceRecovery, row.Source)

	f.chain.claimable["creator-wallet"] = 0
	res = f.sweep(t)
	require.Equal(t, ActionRecovery, res.Action, res.Error)
	assert.Equal(t, transferCall{to: "project-wallet", amount: 10_000_000}, f.chain.transfers[len(f.chain.transfers)-1])
	payout := f.audit.last(types.EventCreatorPayoutOK)
	require.NotNil(t, payout)
	assert.Equal(t, types.SourceRecovery, payout.Source)
	assert.Len(t, f.funding.deposits, 1, "escrow funded once")
}

func TestSweep_EscrowConfirmedAfterCampaignEnded(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000
	f.chain.outcomes = []types.ConfirmationOutcome{types.ConfirmSuccess, types.ConfirmTimeout}

	res := f.sweep(t)
	require.Equal(t, ActionPending, res.Action, res.Error)
	row := f.state.rows[1]
	require.Equal(t, types.SweepClaimed, row.State)
	require.NotNil(t, row.CampaignID)
	require.NotNil(t, row.EscrowAddress)
	assert.Equal(t, int64(7), *row.CampaignID)
	assert.Equal(t, "escrow-7", *row.EscrowAddress)
	escrowSig := *row.EscrowSig

	f.campaigns.retire(nil)
	f.chain.statuses[escrowSig] = types.SignatureConfirmed
	f.chain.claimable["creator-wallet"] = 0

	res = f.sweep(t)
	require.Equal(t, ActionSwept, res.Action, res.Error)
	require.Contains(t, f.funding.deposits, escrowSig)
	assert.Equal(t, int64(7), f.funding.deposits[escrowSig].CampaignID)
	assert.Equal(t, uint64(15_000_000), f.funding.deposits[escrowSig].Amount)
	assert.Equal(t, []transferCall{{to: "project-wallet", amount: 10_000_000}}, f.chain.transfers)
	assert.Equal(t, types.SweepPaid, f.state.rows[1].State)
	assert.Nil(t, f.audit.last(types.EventFeeSweepError))

	// later fees are claimed again instead of stalling behind the old row
	f.chain.claimable["creator-wallet"] = 40_000_000
	res = f.sweep(t)
	assert.Equal(t, ActionClaimOnly, res.Action, res.Error)
	assert.Equal(t, "no fundable campaign for token", res.Note)
	assert.Equal(t, 2, f.chain.claims)
}

func TestSweep_EscrowConfirmedAfterCampaignReplaced(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000
	f.chain.outcomes = []types.ConfirmationOutcome{types.ConfirmSuccess, types.ConfirmTimeout}

	require.Equal(t, ActionPending, f.sweep(t).Action)
	escrowSig := *f.state.rows[1].EscrowSig

	f.campaigns.retire(&models.Campaign{
		ID:              8,
		TokenMint:       "MintA",
		PayoutAddress:   "next-project-wallet",
		IsManualLockup:  true,
		RewardAssetType: types.AssetNative,
		Status:          types.CampaignActive,
	})
	f.chain.statuses[escrowSig] = types.SignatureConfirmed
	f.chain.claimable["creator-wallet"] = 0

	res := f.sweep(t)
	require.Equal(t, ActionSwept, res.Action, res.Error)
	assert.Equal(t, int64(7), f.funding.deposits[escrowSig].CampaignID, "booked where the lamports went")
	assert.Equal(t, []transferCall{{to: "project-wallet", amount: 10_000_000}}, f.chain.transfers)

	// the next sweep funds the replacement campaign
	f.chain.claimable["creator-wallet"] = 40_000_000
	res = f.sweep(t)
	require.Equal(t, ActionSwept, res.Action, res.Error)
	require.Contains(t, f.funding.deposits, res.EscrowSig)
	assert.Equal(t, int64(8), f.funding.deposits[res.EscrowSig].CampaignID)
	assert.Equal(t, []transferCall{
		{to: "project-wallet", amount: 10_000_000},
		{to: "escrow-8", amount: 20_000_000},
		{to: "next-project-wallet", amount: 15_000_000},
	}, f.chain.transfers)
	assert.Equal(t, int64(8), *f.state.rows[1].CampaignID)
}

func TestSweep_ShortfallPaidToCampaignThatWasFunded(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000
	f.chain.outcomes = []types.ConfirmationOutcome{types.ConfirmSuccess, types.ConfirmSuccess, types.ConfirmFailure}

	require.Equal(t, ActionError, f.sweep(t).Action)
	require.Equal(t, types.SweepFunded, f.state.rows[1].State)

	f.campaigns.retire(&models.Campaign{
		ID:              8,
		TokenMint:       "MintA",
		PayoutAddress:   "next-project-wallet",
		IsManualLockup:  true,
		RewardAssetType: types.AssetNative,
		Status:          types.CampaignActive,
	})
	f.chain.claimable["creator-wallet"] = 0

	res := f.sweep(t)
	require.Equal(t, ActionRecovery, res.Action, res.Error)
	assert.Equal(t, transferCall{to: "project-wallet", amount: 10_000_000}, f.chain.transfers[len(f.chain.transfers)-1])
}

func TestSweep_ResumeFailsWhenPinnedCampaignIsMissing(t *testing.T) {
	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000
	f.chain.outcomes = []types.ConfirmationOutcome{types.ConfirmSuccess, types.ConfirmTimeout}

	require.Equal(t, ActionPending, f.sweep(t).Action)
	f.chain.statuses[*f.state.rows[1].EscrowSig] = types.SignatureConfirmed
	f.campaigns.campaign = nil

	res := f.sweep(t)
	assert.Equal(t, ActionError, res.Action)
	assert.Contains(t, res.Error, "failed to load campaign 7")
	assert.Empty(t, f.funding.deposits)
	assert.Equal(t, types.SweepClaimed, f.state.rows[1].State)
}

func TestSweep_HolderShareBelowRentFloorStillPaysCreator(t *testing.T) {
	f := newSweepFixture()
	f.cfg.EscrowRentFloor = 20_000_000
	f.chain.claimable["creator-wallet"] = 30_000_000

	res := f.sweep(t)

	require.Equal(t, ActionClaimOnly, res.Action, res.Error)
	assert.Equal(t, "holder share below escrow rent floor", res.Note)
	assert.Equal(t, []transferCall{{to: "project-wallet", amount: 10_000_000}}, f.chain.transfers)
	assert.Empty(t, f.funding.deposits)
	assert.Equal(t, []types.AuditEvent{types.EventFeeClaimOnly, types.EventCreatorPayoutOK}, f.audit.events())

	row := f.state.rows[1]
	assert.Equal(t, types.SweepPaid, row.State)
	assert.Equal(t, uint64(25_000_000), row.Transferred, "retained holder share plus creator payout")
	assert.Zero(t, row.Shortfall())
}

func TestSweep_RetainedHolderShareCreatorPayoutRetried(t *testing.T) {
	f := newSweepFixture()
	f.cfg.EscrowRentFloor = 20_000_000
	f.chain.claimable["creator-wallet"] = 30_000_000
	f.chain.outcomes = []types.ConfirmationOutcome{types.ConfirmSuccess, types.ConfirmFailure}

	res := f.sweep(t)
	require.Equal(t, ActionError, res.Action)
	assert.Equal(t, []types.AuditEvent{types.EventFeeClaimOnly, types.EventFeeSweepError}, f.audit.events())
	pending := f.state.rows[1]
	assert.Equal(t, uint64(10_000_000), pending.Shortfall())

	f.chain.claimable["creator-wallet"] = 0
	res = f.sweep(t)
	require.Equal(t, ActionRecovery, res.Action, res.Error)
	assert.Equal(t, []transferCall{{to: "project-wallet", amount: 10_000_000}}, f.chain.transfers)
	assert.Empty(t, f.funding.deposits)
}

func TestSweep_SignerMustControlAuthority(t *testing.T) {
	f := newSweepFixture()
	f.sources.sources[0].CreatorAuthority = "someone-else"

	res := f.sweep(t)

	assert.Equal(t, ActionError, res.Action)
	assert.Contains(t, res.Error, "does not control")
	assert.Equal(t, []types.AuditEvent{types.EventFeeSweepError}, f.audit.events())
}

func TestRunBatch_IsolatesFailures(t *testing.T) {
	f := newSweepFixture()
	f.chain.custodied["broken"] = "broken-wallet"
	broken := testFeeSource(2, "MintB", "broken-wallet")
	broken.SignerRef = "broken"
	f.sources.sources = append([]models.FeeSource{broken}, f.sources.sources...)
	f.chain.claimableErr = errors.New("rpc unavailable")
	f.chain.claimable["creator-wallet"] = 30_000_000

	batch, err := f.service(nil).RunBatch(context.Background(), BatchOptions{})
	require.NoError(t, err)

	assert.True(t, batch.OK)
	assert.NotEmpty(t, batch.RunID)
	assert.Equal(t, 2, batch.Targeted)
	assert.Equal(t, 1, batch.Swept)
	assert.Zero(t, batch.Remaining)
	require.Len(t, batch.Results, 2)
	assert.Equal(t, ActionError, batch.Results[0].Action)
	assert.Contains(t, batch.Results[0].Error, "rpc unavailable")
	assert.Equal(t, ActionSwept, batch.Results[1].Action)
	assert.Contains(t, f.audit.events(), types.EventFeeSweepError)
}

func TestRunBatch_TimeBudget(t *testing.T) {
	f := newSweepFixture()
	f.sources.sources = []models.FeeSource{
		testFeeSource(1, "MintA", "creator-wallet"),
		testFeeSource(2, "MintA", "creator-wallet"),
		testFeeSource(3, "MintA", "creator-wallet"),
	}
	f.chain.tick = 30 * time.Second

	batch, err := f.service(nil).RunBatch(context.Background(), BatchOptions{})
	require.NoError(t, err)

	assert.True(t, batch.TimeBudgetReached)
	assert.Len(t, batch.Results, 2)
	assert.Equal(t, 1, batch.Remaining)
	assert.Equal(t, 3, batch.Targeted)
}

func TestRunBatch_LimitLeavesRemaining(t *testing.T) {
	f := newSweepFixture()
	f.sources.sources = []models.FeeSource{
		testFeeSource(1, "MintA", "creator-wallet"),
		testFeeSource(2, "MintA", "creator-wallet"),
		testFeeSource(3, "MintA", "creator-wallet"),
	}

	batch, err := f.service(nil).RunBatch(context.Background(), BatchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Targeted)
	assert.Equal(t, 2, batch.Remaining)
	assert.False(t, batch.TimeBudgetReached)
}

func TestSweep_LeaseHeldElsewhere(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cache := storage.NewCacheService(storage.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), time.Minute)
	ctx := context.Background()

	f := newSweepFixture()
	f.chain.claimable["creator-wallet"] = 30_000_000
	svc := f.service(cache)
	fs := f.sources.sources[0]

	held, err := cache.AcquireSweepLease(ctx, fs.ID, time.Minute)
	require.NoError(t, err)

	res := svc.SweepOne(ctx, &fs)
	assert.Equal(t, ActionSkipped, res.Action)
	assert.Zero(t, f.chain.claims)

	require.NoError(t, cache.ReleaseSweepLease(ctx, held))
	res = svc.SweepOne(ctx, &fs)
	assert.Equal(t, ActionSwept, res.Action, res.Error)
	assert.False(t, mr.Exists(cache.SweepLeaseKey(fs.ID)), "lease released after the sweep")
}
