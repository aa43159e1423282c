package adapter

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/reward-settlement/internal/types"
)

// Gateway defines the chain operations the settlement services depend on
type Gateway interface {
	// GetBalance returns the lamport balance of address
	GetBalance(ctx context.Context, address string) (uint64, error)

	// GetTokenBalance returns the raw token amount held in owner's associated
	// token account for mint. A missing account has a zero balance.
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error)

	// GetClaimableAmount returns the creator fees currently claimable by authority
	GetClaimableAmount(ctx context.Context, authority string) (uint64, error)

	// LatestBlockhash returns a recent blockhash for building transactions
	LatestBlockhash(ctx context.Context) (*Blockhash, error)

	// SubmitTransaction broadcasts a fully signed transaction once.
	// Callers must never re-sign and resend on error: check SignatureStatus first.
	SubmitTransaction(ctx context.Context, tx *solana.Transaction) (string, error)

	// ConfirmSignature polls until sig is confirmed, fails or the confirm timeout elapses
	ConfirmSignature(ctx context.Context, sig string) (types.ConfirmationOutcome, error)

	// SignatureStatus performs a single status lookup for sig
	SignatureStatus(ctx context.Context, sig string) (types.SignatureState, error)
}

// Blockhash is a recent blockhash and the last block height at which a
// transaction built on it can still land
type Blockhash struct {
	Hash                 solana.Hash `json:"blockhash"`
	LastValidBlockHeight uint64      `json:"lastValidBlockHeight"`
}

// Receipt is the outcome of one submit-and-confirm cycle
type Receipt struct {
	Signature string                    `json:"signature"`
	Outcome   types.ConfirmationOutcome `json:"outcome"`
}

// Confirmed reports whether the transaction landed without error
func (r *Receipt) Confirmed() bool {
	return r != nil && r.Outcome == types.ConfirmSuccess
}

// Common error types for the chain gateway

var (
	// ErrInvalidTransaction indicates the transaction format is invalid
	ErrInvalidTransaction = fmt.Errorf("invalid transaction format")

	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = fmt.Errorf("invalid address format")

	// ErrProviderUnavailable indicates no RPC endpoint is usable
	ErrProviderUnavailable = fmt.Errorf("data provider unavailable")

	// ErrSubmissionRejected indicates the node refused the transaction before broadcast
	ErrSubmissionRejected = fmt.Errorf("transaction rejected by node")

	// ErrSubmissionUnknown indicates the send call failed in a way that leaves
	// the broadcast state unknown
	ErrSubmissionUnknown = fmt.Errorf("transaction submission outcome unknown")

	// ErrUnknownSigner indicates a signer reference with no key material
	ErrUnknownSigner = fmt.Errorf("unknown signer reference")

	// ErrEscrowUnavailable indicates escrow signing is not configured
	ErrEscrowUnavailable = fmt.Errorf("escrow signing unavailable")

	// ErrThrottled indicates the shared RPC credit budget refused the call; nothing was sent
	ErrThrottled = fmt.Errorf("rpc credit budget exhausted")
)

// Budget paces RPC calls against a credit budget shared by every process
type Budget interface {
	Wait(ctx context.Context, method string) error
}

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   string
	Op      string // Operation that failed (e.g., "GetBalance", "SubmitTransaction")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError for the Solana gateway
func NewAdapterError(op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   "solana",
		Op:      op,
		Err:     err,
		Details: details,
	}
}
