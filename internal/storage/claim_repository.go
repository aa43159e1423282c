package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settlement/internal/models"
)

// ErrReservationConflict is returned when another live reservation holds one of the rows
var ErrReservationConflict = errors.New("reward already reserved")

const claimColumns = `id, epoch_id, wallet_pubkey, amount, tx_signature, status, reserved_at, broadcast_at, completed_at`

// ClaimRepository handles claimable rewards and reward claim reservations
type ClaimRepository struct {
	q Querier
}

// NewClaimRepository creates a new claim repository
func NewClaimRepository(q Querier) *ClaimRepository {
	return &ClaimRepository{q: q}
}

func scanClaims(rows pgx.Rows) ([]models.RewardClaim, error) {
	defer rows.Close()

	var claims []models.RewardClaim
	for rows.Next() {
		var c models.RewardClaim
		if err := rows.Scan(
			&c.ID,
			&c.EpochID,
			&c.Wallet,
			&c.Amount,
			&c.TxSignature,
			&c.Status,
			&c.ReservedAt,
			&c.BroadcastAt,
			&c.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reward claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reward claims: %w", err)
	}
	return claims, nil
}

// ListUnclaimed returns the wallet's claimable rows that have no reward claim
// row at all, joined with the campaign fields that decide the payout path.
func (r *ClaimRepository) ListUnclaimed(ctx context.Context, wallet string) ([]models.ClaimableReward, error) {
	query := `
		SELECT cr.epoch_id, e.campaign_id, cr.wallet_pubkey, cr.amount,
		       c.reward_asset_type, c.reward_mint, c.reward_decimals, c.is_manual_lockup
		FROM claimable_rewards cr
		JOIN epochs e ON e.id = cr.epoch_id
		JOIN campaigns c ON c.id = e.campaign_id
		WHERE cr.wallet_pubkey = $1
		  AND NOT EXISTS (
			SELECT 1 FROM reward_claims rc
			WHERE rc.epoch_id = cr.epoch_id AND rc.wallet_pubkey = cr.wallet_pubkey
		  )
		ORDER BY cr.epoch_id ASC
	`

	rows, err := r.q.Query(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable rewards: %w", err)
	}
	return scanClaimable(rows)
}

func scanClaimable(rows pgx.Rows) ([]models.ClaimableReward, error) {
	defer rows.Close()

	var out []models.ClaimableReward
	for rows.Next() {
		var cr models.ClaimableReward
		if err := rows.Scan(
			&cr.EpochID,
			&cr.CampaignID,
			&cr.Wallet,
			&cr.Amount,
			&cr.RewardAssetType,
			&cr.RewardMint,
			&cr.RewardDecimals,
			&cr.IsManualLockup,
		); err != nil {
			return nil, fmt.Errorf("failed to scan claimable reward: %w", err)
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimable rewards: %w", err)
	}
	return out, nil
}

// ListRewardsBySignature returns the claimable rows a reservation covers,
// joined with the same campaign fields as ListUnclaimed
func (r *ClaimRepository) ListRewardsBySignature(ctx context.Context, sig string) ([]models.ClaimableReward, error) {
	rows, err := r.q.Query(ctx, `
		SELECT rc.epoch_id, e.campaign_id, rc.wallet_pubkey, rc.amount,
		       c.reward_asset_type, c.reward_mint, c.reward_decimals, c.is_manual_lockup
		FROM reward_claims rc
		JOIN epochs e ON e.id = rc.epoch_id
		JOIN campaigns c ON c.id = e.campaign_id
		WHERE rc.tx_signature = $1
		ORDER BY rc.epoch_id ASC
	`, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards by signature: %w", err)
	}
	return scanClaimable(rows)
}

// InsertClaimable records an amount owed, as written by the scoring pipeline
func (r *ClaimRepository) InsertClaimable(ctx context.Context, epochID int64, wallet string, amount uint64) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO claimable_rewards (epoch_id, wallet_pubkey, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (epoch_id, wallet_pubkey) DO NOTHING
	`, epochID, wallet, amount)
	if err != nil {
		return fmt.Errorf("failed to insert claimable reward: %w", err)
	}
	return nil
}

// FindPendingByWallet returns the wallet's pending reservations, oldest first
func (r *ClaimRepository) FindPendingByWallet(ctx context.Context, wallet string) ([]models.RewardClaim, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+claimColumns+`
		FROM reward_claims
		WHERE wallet_pubkey = $1 AND status = 'pending'
		ORDER BY reserved_at ASC, id ASC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending claims: %w", err)
	}
	return scanClaims(rows)
}

// ListBySignature returns every claim row tied to a transaction signature
func (r *ClaimRepository) ListBySignature(ctx context.Context, sig string) ([]models.RewardClaim, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+claimColumns+`
		FROM reward_claims
		WHERE tx_signature = $1
		ORDER BY epoch_id ASC
	`, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims by signature: %w", err)
	}
	return scanClaims(rows)
}

// ListCompletedByWallet returns the wallet's settled claims, newest first
func (r *ClaimRepository) ListCompletedByWallet(ctx context.Context, wallet string, limit int) ([]models.RewardClaim, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+claimColumns+`
		FROM reward_claims
		WHERE wallet_pubkey = $1 AND status = 'completed'
		ORDER BY completed_at DESC, id DESC
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed claims: %w", err)
	}
	return scanClaims(rows)
}

// LockWallet takes a transaction scoped advisory lock on the wallet.
// It must run inside a transaction.
func (r *ClaimRepository) LockWallet(ctx context.Context, wallet string) error {
	if _, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, wallet); err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}
	return nil
}

// DeleteStale removes the wallet's pending reservations that were never
// broadcast and are older than ttl.
func (r *ClaimRepository) DeleteStale(ctx context.Context, wallet string, ttl time.Duration) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM reward_claims
		WHERE wallet_pubkey = $1
		  AND status = 'pending'
		  AND broadcast_at IS NULL
		  AND reserved_at < NOW() - make_interval(secs => $2)
	`, wallet, ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountLive returns how many pending reservations of the wallet are not stale
func (r *ClaimRepository) CountLive(ctx context.Context, wallet string, ttl time.Duration) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM reward_claims
		WHERE wallet_pubkey = $1
		  AND status = 'pending'
		  AND (broadcast_at IS NOT NULL OR reserved_at >= NOW() - make_interval(secs => $2))
	`, wallet, ttl.Seconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count live claims: %w", err)
	}
	return n, nil
}

// Reserve inserts one pending row per reward under sig. An existing row is
// only taken over when it is itself pending, unbroadcast and stale; any
// other existing row fails the whole reservation with ErrReservationConflict.
// Callers run it inside a transaction after LockWallet.
func (r *ClaimRepository) Reserve(ctx context.Context, wallet, sig string, rewards []models.ClaimableReward, ttl time.Duration) ([]models.RewardClaim, error) {
	query := `
		INSERT INTO reward_claims (epoch_id, wallet_pubkey, amount, tx_signature, status, reserved_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())
		ON CONFLICT (epoch_id, wallet_pubkey) DO UPDATE
		SET amount = EXCLUDED.amount,
		    tx_signature = EXCLUDED.tx_signature,
		    reserved_at = NOW(),
		    broadcast_at = NULL,
		    completed_at = NULL
		WHERE reward_claims.status = 'pending'
		  AND reward_claims.broadcast_at IS NULL
		  AND reward_claims.reserved_at < NOW() - make_interval(secs => $5)
		RETURNING ` + claimColumns

	claims := make([]models.RewardClaim, 0, len(rewards))
	for _, rw := range rewards {
		var c models.RewardClaim
		err := r.q.QueryRow(ctx, query, rw.EpochID, wallet, rw.Amount, sig, ttl.Seconds()).Scan(
			&c.ID,
			&c.EpochID,
			&c.Wallet,
			&c.Amount,
			&c.TxSignature,
			&c.Status,
			&c.ReservedAt,
			&c.BroadcastAt,
			&c.CompletedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("epoch %d: %w", rw.EpochID, ErrReservationConflict)
			}
			return nil, fmt.Errorf("failed to reserve claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// MarkBroadcast stamps the reservation as handed to the chain
func (r *ClaimRepository) MarkBroadcast(ctx context.Context, sig string) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE reward_claims
		SET broadcast_at = NOW()
		WHERE tx_signature = $1 AND status = 'pending' AND broadcast_at IS NULL
	`, sig)
	if err != nil {
		return 0, fmt.Errorf("failed to mark claims broadcast: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkCompleted moves the signature's pending rows to completed and returns
// exactly the rows it moved. Rows already completed are not returned again.
func (r *ClaimRepository) MarkCompleted(ctx context.Context, sig string) ([]models.RewardClaim, error) {
	rows, err := r.q.Query(ctx, `
		UPDATE reward_claims
		SET status = 'completed', completed_at = NOW()
		WHERE tx_signature = $1 AND status = 'pending'
		RETURNING `+claimColumns, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to mark claims completed: %w", err)
	}
	return scanClaims(rows)
}

// DeleteBySignature removes the signature's pending rows so the wallet can retry
func (r *ClaimRepository) DeleteBySignature(ctx context.Context, sig string) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM reward_claims
		WHERE tx_signature = $1 AND status = 'pending'
	`, sig)
	if err != nil {
		return 0, fmt.Errorf("failed to delete claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByIDs removes specific pending rows
func (r *ClaimRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.q.Exec(ctx, `
		DELETE FROM reward_claims
		WHERE id = ANY($1) AND status = 'pending'
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneStale removes every pending, never broadcast reservation older than ttl
func (r *ClaimRepository) PruneStale(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM reward_claims
		WHERE status = 'pending'
		  AND broadcast_at IS NULL
		  AND reserved_at < NOW() - make_interval(secs => $1)
	`, ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListUnresolvedSignatures returns signatures of broadcast reservations that
// are still pending after ttl, for reconciliation against chain status.
func (r *ClaimRepository) ListUnresolvedSignatures(ctx context.Context, ttl time.Duration, limit int) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT tx_signature
		FROM reward_claims
		WHERE status = 'pending'
		  AND broadcast_at IS NOT NULL
		  AND tx_signature IS NOT NULL
		  AND reserved_at < NOW() - make_interval(secs => $1)
		GROUP BY tx_signature
		ORDER BY MIN(reserved_at) ASC
		LIMIT $2
	`, ttl.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved signatures: %w", err)
	}
	defer rows.Close()

	var sigs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		sigs = append(sigs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signatures: %w", err)
	}
	return sigs, nil
}
