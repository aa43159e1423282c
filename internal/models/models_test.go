package models

import (
	"testing"
	"time"

	"github.com/reward-settlement/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestEpochRemaining(t *testing.T) {
	e := Epoch{StartTime: 1_000, EndTime: 2_000}

	assert.Equal(t, int64(1_000), e.Remaining(500), "not started yet counts full window")
	assert.Equal(t, int64(400), e.Remaining(1_600))
	assert.Equal(t, int64(0), e.Remaining(2_000))
	assert.Equal(t, int64(0), e.Remaining(9_999))
}

func TestCreatorShortfall(t *testing.T) {
	assert.Equal(t, uint64(550_000), CreatorShortfall(1_000_000, 400_000, 50_000))
	assert.Equal(t, uint64(0), CreatorShortfall(1_000_000, 950_000, 50_000))
	assert.Equal(t, uint64(0), CreatorShortfall(10, 20, 0))
	assert.Equal(t, uint64(0), CreatorShortfall(10, ^uint64(0), 5), "overflowing spend is never a shortfall")
}

func TestFeeSourceEligible(t *testing.T) {
	base := FeeSource{
		ID:               1,
		TokenMint:        "Mint",
		CreatorAuthority: "Auth",
		CreatorFeeMode:   types.FeeModeManaged,
		SignerRef:        "ref",
		Status:           types.FeeSourceActive,
	}
	assert.True(t, base.Eligible())

	archived := base
	archived.Status = types.FeeSourceArchived
	assert.False(t, archived.Eligible())

	unmanaged := base
	unmanaged.CreatorFeeMode = types.FeeModeUnmanaged
	assert.False(t, unmanaged.Eligible())

	noAuthority := base
	noAuthority.CreatorAuthority = ""
	assert.False(t, noAuthority.Eligible())

	var missing *FeeSource
	assert.False(t, missing.Eligible())
}

func TestRewardClaimStale(t *testing.T) {
	now := time.Unix(10_000, 0)
	ttl := 5 * time.Minute
	sig := "sig"
	broadcast := now.Add(-6 * time.Minute)

	fresh := RewardClaim{Status: types.ClaimPending, ReservedAt: now.Add(-time.Minute)}
	old := RewardClaim{Status: types.ClaimPending, ReservedAt: now.Add(-6 * time.Minute)}
	oldBroadcast := RewardClaim{Status: types.ClaimPending, ReservedAt: now.Add(-6 * time.Minute), TxSignature: &sig, BroadcastAt: &broadcast}
	done := RewardClaim{Status: types.ClaimCompleted, ReservedAt: now.Add(-time.Hour)}

	assert.False(t, fresh.Stale(now, ttl))
	assert.True(t, old.Stale(now, ttl))
	assert.False(t, oldBroadcast.Stale(now, ttl))
	assert.True(t, oldBroadcast.Expired(now, ttl))
	assert.False(t, done.Stale(now, ttl))
}

func TestClaimableRewardAsset(t *testing.T) {
	mint := "TokenMint"
	token := ClaimableReward{RewardAssetType: types.AssetFungibleToken, RewardMint: &mint, RewardDecimals: 6}
	native := ClaimableReward{RewardAssetType: types.AssetNative}

	switch a := token.Asset().(type) {
	case FungibleTokenReward:
		assert.Equal(t, "TokenMint", a.Mint)
		assert.Equal(t, uint8(6), a.Decimals)
	default:
		t.Fatalf("unexpected asset %T", a)
	}
	assert.Equal(t, types.AssetNative, native.Asset().AssetType())
}
