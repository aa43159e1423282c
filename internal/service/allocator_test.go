package service

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(shares []uint64) uint64 {
	var total uint64
	for _, s := range shares {
		total += s
	}
	return total
}

// Property: the credited shares always add up to the deposit
func TestProperty_AllocatorExactness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("shares sum to the deposit", prop.ForAll(
		func(amount uint64, weights []int64) bool {
			if len(weights) == 0 {
				return true
			}
			return sum(SplitByWeight(amount, weights)) == amount
		},
		gen.UInt64(),
		gen.SliceOf(gen.Int64Range(0, 90*24*3600)),
	))

	properties.Property("zero weight epochs get nothing unless all are zero", prop.ForAll(
		func(amount uint64, weights []int64) bool {
			shares := SplitByWeight(amount, weights)
			var total int64
			for _, w := range weights {
				total += w
			}
			if total == 0 {
				return sum(shares) == amount
			}
			for i := 0; i < len(weights)-1; i++ {
				if weights[i] == 0 && shares[i] != 0 {
					return false
				}
			}
			return true
		},
		gen.UInt64Range(0, 1<<53),
		gen.SliceOfN(5, gen.Int64Range(0, 1000)),
	))

	properties.TestingRun(t)
}

func TestSplitByWeight(t *testing.T) {
	tests := []struct {
		name    string
		amount  uint64
		weights []int64
		want    []uint64
	}{
		{name: "proportional", amount: 1_000, weights: []int64{1, 3}, want: []uint64{250, 750}},
		{name: "remainder to last", amount: 10, weights: []int64{1, 1, 1}, want: []uint64{3, 3, 4}},
		{name: "zero weight skipped", amount: 100, weights: []int64{0, 50, 50}, want: []uint64{0, 50, 50}},
		{name: "equal fallback", amount: 7, weights: []int64{0, 0}, want: []uint64{3, 4}},
		{name: "zero deposit", amount: 0, weights: []int64{5, 5}, want: []uint64{0, 0}},
		{name: "no overflow", amount: ^uint64(0), weights: []int64{1 << 40, 1 << 40}, want: []uint64{^uint64(0) / 2, ^uint64(0) - ^uint64(0)/2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitByWeight(tt.amount, tt.weights))
		})
	}

	assert.Nil(t, SplitByWeight(5, nil))
}

func TestWeightedPlan_RemainingDuration(t *testing.T) {
	now := int64(1_000)
	epochs := []models.Epoch{
		{ID: 1, StartTime: 0, EndTime: 1_100},     // 100 left
		{ID: 2, StartTime: 1_100, EndTime: 1_400}, // 300, not started yet
	}

	credits := WeightedPlan(1_000, epochs, now)
	require.Len(t, credits, 2)
	assert.Equal(t, storage.EpochCredit{EpochID: 1, Amount: 250}, credits[0])
	assert.Equal(t, storage.EpochCredit{EpochID: 2, Amount: 750}, credits[1])
}

func TestWeightedPlan_EqualWeightFallback(t *testing.T) {
	// clock skew: every epoch reports zero remaining
	epochs := []models.Epoch{{ID: 1, EndTime: 10}, {ID: 2, EndTime: 10}, {ID: 3, EndTime: 10}}

	credits := WeightedPlan(100, epochs, 50)
	assert.Equal(t, uint64(33), credits[0].Amount)
	assert.Equal(t, uint64(33), credits[1].Amount)
	assert.Equal(t, uint64(34), credits[2].Amount)
}

type mockAllocationStore struct {
	campaignID int64
	amount     uint64
	now        int64
	epochs     []models.Epoch
	deposits   map[string]*models.CampaignDeposit
}

func (m *mockAllocationStore) Allocate(ctx context.Context, campaignID int64, amount uint64, now int64, plan storage.AllocationPlan) (*storage.FundingResult, error) {
	m.campaignID, m.amount, m.now = campaignID, amount, now
	res := &storage.FundingResult{Inserted: true}
	for _, c := range plan(amount, m.epochs, now) {
		if c.Amount > 0 {
			res.Credits = append(res.Credits, c)
		}
	}
	res.EpochsUpdated = len(res.Credits)
	return res, nil
}

func (m *mockAllocationStore) FundCampaign(ctx context.Context, d *models.CampaignDeposit, now int64, plan storage.AllocationPlan) (*storage.FundingResult, error) {
	if m.deposits == nil {
		m.deposits = make(map[string]*models.CampaignDeposit)
	}
	if _, seen := m.deposits[d.TxSignature]; seen {
		return &storage.FundingResult{}, nil
	}
	m.deposits[d.TxSignature] = d
	return m.Allocate(ctx, d.CampaignID, d.Amount, now, plan)
}

func TestAllocator_CountsOnlyCreditedEpochs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_000, 0))
	store := &mockAllocationStore{epochs: []models.Epoch{
		{ID: 1, StartTime: 0, EndTime: 1_000_000},
		{ID: 2, StartTime: 0, EndTime: 1_000_000},
	}}
	alloc := NewAllocator(store, clock)

	updated, err := alloc.Allocate(context.Background(), 9, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, updated, "a zero share is not counted")
	assert.Equal(t, int64(9), store.campaignID)
	assert.Equal(t, int64(1_000), store.now)

	store.epochs = nil
	updated, err = alloc.Allocate(context.Background(), 9, 500)
	require.NoError(t, err)
	assert.Zero(t, updated)
}
