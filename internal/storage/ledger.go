package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settlement/internal/models"
)

// EpochCredit is one epoch's share of a deposit
type EpochCredit struct {
	EpochID int64  `json:"epochId"`
	Amount  uint64 `json:"amount"`
}

// AllocationPlan splits amount across eligible epochs. Credits with a zero
// amount are skipped by the ledger.
type AllocationPlan func(amount uint64, epochs []models.Epoch, now int64) []EpochCredit

// FundingResult reports what a FundCampaign call committed
type FundingResult struct {
	Inserted      bool          `json:"inserted"`
	EpochsUpdated int           `json:"epochsUpdated"`
	Credits       []EpochCredit `json:"credits,omitempty"`
}

// Ledger groups the repositories behind one injected handle and owns the
// multi-statement transactions.
type Ledger struct {
	db *PostgresDB

	Campaigns  *CampaignRepository
	Epochs     *EpochRepository
	FeeSources *FeeSourceRepository
	Audit      *SweepAuditRepository
	SweepState *SweepStateRepository
	Deposits   *DepositRepository
	Claims     *ClaimRepository
}

// NewLedger builds a ledger on an open database
func NewLedger(db *PostgresDB) *Ledger {
	return newLedger(db, db.Pool())
}

func newLedger(db *PostgresDB, q Querier) *Ledger {
	return &Ledger{
		db:         db,
		Campaigns:  NewCampaignRepository(q),
		Epochs:     NewEpochRepository(q),
		FeeSources: NewFeeSourceRepository(q),
		Audit:      NewSweepAuditRepository(q),
		SweepState: NewSweepStateRepository(q),
		Deposits:   NewDepositRepository(q),
		Claims:     NewClaimRepository(q),
	}
}

// InTx runs fn with a ledger whose repositories share one transaction
func (l *Ledger) InTx(ctx context.Context, fn func(tx *Ledger) error) error {
	return l.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(newLedger(l.db, tx))
	})
}

// Allocate distributes amount over the campaign's eligible epochs in one transaction
func (l *Ledger) Allocate(ctx context.Context, campaignID int64, amount uint64, now int64, plan AllocationPlan) (*FundingResult, error) {
	res := &FundingResult{Inserted: true}
	err := l.InTx(ctx, func(tx *Ledger) error {
		credits, err := tx.allocate(ctx, campaignID, amount, now, plan)
		if err != nil {
			return err
		}
		res.Credits = credits
		res.EpochsUpdated = len(credits)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Ledger) allocate(ctx context.Context, campaignID int64, amount uint64, now int64, plan AllocationPlan) ([]EpochCredit, error) {
	epochs, err := l.Epochs.ListEligible(ctx, campaignID, now)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, nil
	}

	var applied []EpochCredit
	for _, c := range plan(amount, epochs, now) {
		if c.Amount == 0 {
			continue
		}
		if err := l.Epochs.Credit(ctx, c.EpochID, c.Amount); err != nil {
			return nil, err
		}
		applied = append(applied, c)
	}
	return applied, nil
}

// FundCampaign records a deposit, credits the campaign and allocates the
// amount to epochs, all in one transaction. A deposit whose signature is
// already recorded commits nothing and reports Inserted=false.
func (l *Ledger) FundCampaign(ctx context.Context, d *models.CampaignDeposit, now int64, plan AllocationPlan) (*FundingResult, error) {
	res := &FundingResult{}
	err := l.InTx(ctx, func(tx *Ledger) error {
		inserted, err := tx.Deposits.InsertIdempotent(ctx, d)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if err := tx.Campaigns.CreditRewardPool(ctx, d.CampaignID, d.Amount); err != nil {
			return err
		}
		credits, err := tx.allocate(ctx, d.CampaignID, d.Amount, now, plan)
		if err != nil {
			return err
		}
		res.Inserted = true
		res.Credits = credits
		res.EpochsUpdated = len(credits)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fund campaign %d: %w", d.CampaignID, err)
	}
	return res, nil
}

// ReserveClaims reserves rewards for wallet under sig while holding the
// wallet's advisory lock: stale reservations are purged, a remaining live
// reservation fails with ErrReservationConflict, then the rows are inserted.
func (l *Ledger) ReserveClaims(ctx context.Context, wallet, sig string, rewards []models.ClaimableReward, ttl time.Duration) ([]models.RewardClaim, error) {
	var claims []models.RewardClaim
	err := l.InTx(ctx, func(tx *Ledger) error {
		if err := tx.Claims.LockWallet(ctx, wallet); err != nil {
			return err
		}
		if _, err := tx.Claims.DeleteStale(ctx, wallet, ttl); err != nil {
			return err
		}
		live, err := tx.Claims.CountLive(ctx, wallet, ttl)
		if err != nil {
			return err
		}
		if live > 0 {
			return fmt.Errorf("wallet %s has %d live reservations: %w", wallet, live, ErrReservationConflict)
		}
		claims, err = tx.Claims.Reserve(ctx, wallet, sig, rewards, ttl)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// CompleteClaims marks the signature's pending rows completed and debits the
// paid amounts from their epochs and campaigns in the same transaction. Rows
// that were already completed are left alone, so replays debit nothing.
func (l *Ledger) CompleteClaims(ctx context.Context, sig string) ([]models.RewardClaim, error) {
	var completed []models.RewardClaim
	err := l.InTx(ctx, func(tx *Ledger) error {
		var err error
		completed, err = tx.Claims.MarkCompleted(ctx, sig)
		if err != nil {
			return err
		}

		perCampaign := make(map[int64]uint64)
		for _, c := range completed {
			epoch, err := tx.Epochs.GetByID(ctx, c.EpochID)
			if err != nil {
				return err
			}
			if err := tx.Epochs.Debit(ctx, c.EpochID, c.Amount); err != nil {
				return err
			}
			perCampaign[epoch.CampaignID] += c.Amount
		}
		for campaignID, amount := range perCampaign {
			if err := tx.Campaigns.DebitRewardPool(ctx, campaignID, amount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete claims: %w", err)
	}
	return completed, nil
}
