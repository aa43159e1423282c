package service

import (
	"math/bits"

	"github.com/reward-settlement/internal/config"
)

const bpsDenominator = 10_000

// SplitPolicy decides how swept fees are divided. The same policy serves
// claim-time splits and treasury sweeps.
type SplitPolicy struct {
	HolderShareBps uint64
	KeepReserve    uint64
	MinSweep       uint64
}

// SplitPolicyFromConfig builds the policy from sweep configuration
func SplitPolicyFromConfig(cfg *config.SweepConfig) SplitPolicy {
	return SplitPolicy{
		HolderShareBps: cfg.HolderShareBps,
		KeepReserve:    cfg.KeepReserve,
		MinSweep:       cfg.MinSweep,
	}
}

// Split is the division of one claimed amount
type Split struct {
	Claimed      uint64 `json:"claimed"`
	HolderShare  uint64 `json:"holderShare"`
	CreatorShare uint64 `json:"creatorShare"`
	KeepReserve  uint64 `json:"keepReserve"`
}

func (p SplitPolicy) holderShare(amount uint64) uint64 {
	bps := p.HolderShareBps
	if bps > bpsDenominator {
		bps = bpsDenominator
	}
	hi, lo := bits.Mul64(amount, bps)
	q, _ := bits.Div64(hi, lo, bpsDenominator)
	return q
}

// Split divides freshly claimed fees. The keep reserve stays behind in the
// fee-holding address, so the creator receives what is left after it.
func (p SplitPolicy) Split(claimed uint64) Split {
	holder := p.holderShare(claimed)
	creator := uint64(0)
	if spent := holder + p.KeepReserve; spent >= holder && claimed > spent {
		creator = claimed - spent
	}
	return Split{
		Claimed:      claimed,
		HolderShare:  holder,
		CreatorShare: creator,
		KeepReserve:  p.KeepReserve,
	}
}

// TreasuryAvailable returns the fee-holding balance above the keep reserve
// and whether it clears the sweep threshold
func (p SplitPolicy) TreasuryAvailable(balance uint64) (uint64, bool) {
	if balance <= p.KeepReserve {
		return 0, false
	}
	available := balance - p.KeepReserve
	return available, available > p.MinSweep
}

// SplitTreasury divides an idle balance that is already net of the keep reserve
func (p SplitPolicy) SplitTreasury(available uint64) Split {
	holder := p.holderShare(available)
	return Split{
		Claimed:      available,
		HolderShare:  holder,
		CreatorShare: available - holder,
	}
}
