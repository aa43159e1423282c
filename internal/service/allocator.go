package service

import (
	"context"
	"math/big"

	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/storage"
)

// SplitByWeight divides amount proportionally to weights. Every share but the
// last is floor(amount*w/total); the last takes the exact remainder so the
// shares always sum to amount. A zero total weight splits equally.
func SplitByWeight(amount uint64, weights []int64) []uint64 {
	if len(weights) == 0 {
		return nil
	}

	total := new(big.Int)
	for _, w := range weights {
		if w > 0 {
			total.Add(total, big.NewInt(w))
		}
	}
	if total.Sign() == 0 {
		equal := make([]int64, len(weights))
		for i := range equal {
			equal[i] = 1
		}
		return SplitByWeight(amount, equal)
	}

	shares := make([]uint64, len(weights))
	deposit := new(big.Int).SetUint64(amount)
	var assigned uint64
	for i, w := range weights[:len(weights)-1] {
		if w <= 0 {
			continue
		}
		share := new(big.Int).Mul(deposit, big.NewInt(w))
		share.Quo(share, total)
		shares[i] = share.Uint64()
		assigned += shares[i]
	}
	shares[len(shares)-1] = amount - assigned
	return shares
}

// EpochWeights returns each epoch's remaining seconds as of now
func EpochWeights(epochs []models.Epoch, now int64) []int64 {
	weights := make([]int64, len(epochs))
	for i := range epochs {
		weights[i] = epochs[i].Remaining(now)
	}
	return weights
}

// WeightedPlan is the allocation plan used for every deposit: epochs are
// credited in the order given, weighted by remaining duration.
func WeightedPlan(amount uint64, epochs []models.Epoch, now int64) []storage.EpochCredit {
	shares := SplitByWeight(amount, EpochWeights(epochs, now))
	credits := make([]storage.EpochCredit, len(epochs))
	for i := range epochs {
		credits[i] = storage.EpochCredit{EpochID: epochs[i].ID, Amount: shares[i]}
	}
	return credits
}

// AllocationStore runs an allocation plan in one transaction
type AllocationStore interface {
	Allocate(ctx context.Context, campaignID int64, amount uint64, now int64, plan storage.AllocationPlan) (*storage.FundingResult, error)
	FundCampaign(ctx context.Context, d *models.CampaignDeposit, now int64, plan storage.AllocationPlan) (*storage.FundingResult, error)
}

// Allocator credits deposits to a campaign's open epochs
type Allocator struct {
	store AllocationStore
	clock clockwork.Clock
}

// NewAllocator creates an allocator over store
func NewAllocator(store AllocationStore, clock clockwork.Clock) *Allocator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Allocator{store: store, clock: clock}
}

// Allocate distributes amount across the campaign's eligible epochs and
// reports how many epochs were credited. No eligible epochs is not an error.
func (a *Allocator) Allocate(ctx context.Context, campaignID int64, amount uint64) (int, error) {
	res, err := a.store.Allocate(ctx, campaignID, amount, a.clock.Now().Unix(), WeightedPlan)
	if err != nil {
		return 0, err
	}
	return res.EpochsUpdated, nil
}

// Fund records a deposit, credits its campaign and allocates it to epochs.
// A deposit signature seen before commits nothing and reports Inserted=false.
func (a *Allocator) Fund(ctx context.Context, d *models.CampaignDeposit) (*storage.FundingResult, error) {
	return a.store.FundCampaign(ctx, d, a.clock.Now().Unix(), WeightedPlan)
}
