// Package config provides configuration management for the reward settlement service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Solana    SolanaConfig
	Sweep     SweepConfig
	Claims    ClaimsConfig
	Keys      KeysConfig
	Scheduler SchedulerConfig
	Workers   WorkersConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// ClickHouseConfig holds configuration for the audit mirror.
// An empty Host disables the mirror.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// Enabled reports whether the audit mirror is configured
func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// SolanaConfig holds chain RPC configuration
type SolanaConfig struct {
	RPCURL string
	// FallbackRPCURL is used for reads while the primary endpoint is unhealthy
	FallbackRPCURL string
	// FailoverAfter consecutive read failures, or a success rate under
	// MinSuccessRate after ten reads, switch reads to the other endpoint
	FailoverAfter  int
	MinSuccessRate float64
	Commitment     string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// FeeProgramID is the program holding creator fee vaults
	FeeProgramID string
	// ClaimDiscriminator is the hex encoded instruction prefix for collecting creator fees
	ClaimDiscriminator string
	EventAuthority     string
}

// SweepConfig holds fee-sweep policy configuration.
// All amounts are in lamports.
type SweepConfig struct {
	KeepReserve     uint64
	MinSweep        uint64
	HolderShareBps  uint64
	TimeBudget      time.Duration
	BatchLimit      int
	LeaseTTL        time.Duration
	EscrowRentFloor uint64
}

// ClaimsConfig holds claim reservation configuration
type ClaimsConfig struct {
	ReservationTTL   time.Duration
	MinNativeClaim   uint64
	MinTokenClaim    uint64
	PayoutSignerRef  string
	PayoutReserve    uint64
	SummaryCacheTTL  time.Duration
	SolDisplayDigits int32
}

// KeysConfig holds signing key material locations
type KeysConfig struct {
	// CustodialKeys is a comma separated list of ref=base58secret pairs
	CustodialKeys string
	// EscrowMasterSecret seeds per-campaign escrow keys
	EscrowMasterSecret string
	// SponsorRef selects the custodial key that pays sweep transaction fees
	SponsorRef string
}

// SchedulerConfig holds scheduler trigger configuration
type SchedulerConfig struct {
	Secret string
}

// WorkersConfig holds background loop configuration
type WorkersConfig struct {
	SweepInterval   time.Duration
	PruneInterval   time.Duration
	HygieneInterval time.Duration
}

// RateLimitConfig holds per-client API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "rewards"),
				User:           getEnv("POSTGRES_USER", "rewards"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "rewards"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Solana: SolanaConfig{
			RPCURL:             getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
			FallbackRPCURL:     getEnv("SOLANA_FALLBACK_RPC_URL", ""),
			FailoverAfter:      getEnvAsInt("SOLANA_RPC_FAILOVER_AFTER", 3),
			MinSuccessRate:     getEnvAsFloat("SOLANA_RPC_MIN_SUCCESS_RATE", 0.5),
			Commitment:         getEnv("SOLANA_COMMITMENT", "confirmed"),
			ConfirmTimeout:     getEnvAsDuration("SOLANA_CONFIRM_TIMEOUT", 45*time.Second),
			PollInterval:       getEnvAsDuration("SOLANA_POLL_INTERVAL", 2*time.Second),
			FeeProgramID:       getEnv("FEE_PROGRAM_ID", "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"),
			ClaimDiscriminator: getEnv("FEE_CLAIM_DISCRIMINATOR", "1416567bc61cdb84"),
			EventAuthority:     getEnv("FEE_EVENT_AUTHORITY", "Ce6TQqeHC9p8KetsN6JsjHK7UTZk7nasjjnr7XxXp9F1"),
		},
		Sweep: SweepConfig{
			KeepReserve:     getEnvAsUint64("SWEEP_KEEP_RESERVE_LAMPORTS", 5_000_000),
			MinSweep:        getEnvAsUint64("SWEEP_MIN_LAMPORTS", 10_000_000),
			HolderShareBps:  getEnvAsUint64("SWEEP_HOLDER_SHARE_BPS", 5000),
			TimeBudget:      getEnvAsDuration("SWEEP_TIME_BUDGET", 50*time.Second),
			BatchLimit:      getEnvAsInt("SWEEP_BATCH_LIMIT", 50),
			LeaseTTL:        getEnvAsDuration("SWEEP_LEASE_TTL", 2*time.Minute),
			EscrowRentFloor: getEnvAsUint64("SWEEP_ESCROW_RENT_FLOOR", 890_880),
		},
		Claims: ClaimsConfig{
			ReservationTTL:   getEnvAsDuration("CLAIM_RESERVATION_TTL", 5*time.Minute),
			MinNativeClaim:   getEnvAsUint64("CLAIM_MIN_NATIVE_LAMPORTS", 1_000_000),
			MinTokenClaim:    getEnvAsUint64("CLAIM_MIN_TOKEN_UNITS", 1),
			PayoutSignerRef:  getEnv("CLAIM_PAYOUT_SIGNER_REF", "payout"),
			PayoutReserve:    getEnvAsUint64("CLAIM_PAYOUT_RESERVE_LAMPORTS", 5_000_000),
			SummaryCacheTTL:  getEnvAsDuration("CLAIM_SUMMARY_CACHE_TTL", 15*time.Second),
			SolDisplayDigits: int32(getEnvAsInt("CLAIM_SOL_DISPLAY_DIGITS", 9)),
		},
		Keys: KeysConfig{
			CustodialKeys:      getEnv("CUSTODIAL_KEYS", ""),
			EscrowMasterSecret: getEnv("ESCROW_MASTER_SECRET", ""),
			SponsorRef:         getEnv("SWEEP_SPONSOR_REF", "sponsor"),
		},
		Scheduler: SchedulerConfig{
			Secret: getEnv("CRON_SECRET", ""),
		},
		Workers: WorkersConfig{
			SweepInterval:   getEnvAsDuration("WORKER_SWEEP_INTERVAL", 10*time.Minute),
			PruneInterval:   getEnvAsDuration("WORKER_PRUNE_INTERVAL", time.Minute),
			HygieneInterval: getEnvAsDuration("WORKER_HYGIENE_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate reports configuration that makes settlement impossible.
// These are fatal setup errors and must be checked before serving.
func (c *Config) Validate() error {
	var missing []string
	if c.Keys.EscrowMasterSecret == "" {
		missing = append(missing, "ESCROW_MASTER_SECRET")
	}
	if c.Keys.CustodialKeys == "" {
		missing = append(missing, "CUSTODIAL_KEYS")
	}
	if c.Solana.RPCURL == "" {
		missing = append(missing, "SOLANA_RPC_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(c.Keys.EscrowMasterSecret) < 32 {
		return fmt.Errorf("ESCROW_MASTER_SECRET must be at least 32 bytes")
	}
	if c.Sweep.HolderShareBps > 10_000 {
		return fmt.Errorf("SWEEP_HOLDER_SHARE_BPS must be at most 10000, got %d", c.Sweep.HolderShareBps)
	}
	if c.Claims.ReservationTTL <= 0 {
		return fmt.Errorf("CLAIM_RESERVATION_TTL must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsUint64 gets an environment variable as a lamport amount with a default value
func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := strings.ReplaceAll(getEnv(key, ""), "_", "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
