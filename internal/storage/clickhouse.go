package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/reward-settlement/internal/config"
	"github.com/reward-settlement/internal/models"
)

// ClickHouseDB wraps the ClickHouse connection
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// ClaimPayoutFact is one settled claim as mirrored for analytics
type ClaimPayoutFact struct {
	Wallet      string
	TxSignature string
	TotalAmount uint64
	EpochIDs    []int64
	AssetType   string
	RewardMint  string
	CreatedAt   time.Time
}

// AuditMirror copies sweep and payout facts into ClickHouse
type AuditMirror struct {
	db *ClickHouseDB
}

// NewAuditMirror creates a mirror writing to db
func NewAuditMirror(db *ClickHouseDB) *AuditMirror {
	return &AuditMirror{db: db}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// RecordSweepFact mirrors one sweep_audit row
func (m *AuditMirror) RecordSweepFact(ctx context.Context, a *models.SweepAuditRecord) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err := m.db.Exec(ctx, `
		INSERT INTO sweep_facts (
			event, fee_source_id, token_mint, claimed, holder_share, creator_share,
			transferred, keep_reserve, claim_sig, escrow_sig, payout_sig, source,
			epochs_updated, note, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.Event),
		a.FeeSourceID,
		a.TokenMint,
		a.Claimed,
		a.HolderShare,
		a.CreatorShare,
		a.Transferred,
		a.KeepReserve,
		deref(a.ClaimSig),
		deref(a.EscrowSig),
		deref(a.PayoutSig),
		string(a.Source),
		int32(a.EpochsUpdated),
		deref(a.Note),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mirror sweep fact: %w", err)
	}
	return nil
}

// RecordClaimPayout mirrors one settled claim
func (m *AuditMirror) RecordClaimPayout(ctx context.Context, f *ClaimPayoutFact) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err := m.db.Exec(ctx, `
		INSERT INTO claim_payouts (
			wallet_pubkey, tx_signature, total_amount, epochs, asset_type, reward_mint, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Wallet,
		f.TxSignature,
		f.TotalAmount,
		f.EpochIDs,
		f.AssetType,
		f.RewardMint,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mirror claim payout: %w", err)
	}
	return nil
}
