package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/circuitbreaker"
	"github.com/reward-settlement/internal/config"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/retry"
	"github.com/reward-settlement/internal/types"
)

// RPCClient is the subset of *rpc.Client the gateway calls
type RPCClient interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// invalidParamsCode is returned for token queries on accounts that do not exist
const invalidParamsCode = -32602

// ClientFactory opens an RPC client for an endpoint URL
type ClientFactory func(url string) RPCClient

// DefaultClientFactory opens a solana-go JSON-RPC client
func DefaultClientFactory(url string) RPCClient {
	return rpc.New(url)
}

// SolanaGateway implements Gateway over JSON-RPC.
// Reads are retried with backoff behind a circuit breaker and fail over to
// the fallback endpoint when the current one turns unhealthy. Sends are not
// retried.
type SolanaGateway struct {
	provider   DataProvider
	factory    ClientFactory
	commitment rpc.CommitmentType
	program    *FeeProgram

	confirmTimeout time.Duration
	pollInterval   time.Duration

	retryConfig *retry.RetryConfig
	breaker     *circuitbreaker.CircuitBreaker
	budget      Budget
	clock       clockwork.Clock
	log         *logging.Logger

	mu      sync.Mutex
	clients map[string]RPCClient
}

// GatewayOption customizes a SolanaGateway
type GatewayOption func(*SolanaGateway)

// WithClientFactory overrides how RPC clients are opened
func WithClientFactory(f ClientFactory) GatewayOption {
	return func(g *SolanaGateway) { g.factory = f }
}

// WithClock overrides the gateway clock
func WithClock(c clockwork.Clock) GatewayOption {
	return func(g *SolanaGateway) { g.clock = c }
}

// WithRetryConfig overrides the read retry policy
func WithRetryConfig(rc *retry.RetryConfig) GatewayOption {
	return func(g *SolanaGateway) { g.retryConfig = rc }
}

// WithBudget paces every RPC call against a shared credit budget
func WithBudget(b Budget) GatewayOption {
	return func(g *SolanaGateway) { g.budget = b }
}

// NewSolanaGateway creates a gateway from configuration
func NewSolanaGateway(cfg *config.SolanaConfig, log *logging.Logger, opts ...GatewayOption) (*SolanaGateway, error) {
	if log == nil {
		log = logging.Discard()
	}
	program, err := NewFeeProgram(cfg.FeeProgramID, cfg.ClaimDiscriminator, cfg.EventAuthority)
	if err != nil {
		return nil, err
	}

	g := &SolanaGateway{
		factory:        DefaultClientFactory,
		commitment:     rpc.CommitmentType(cfg.Commitment),
		program:        program,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		retryConfig:    retry.DefaultRetryConfig(),
		clock:          clockwork.NewRealClock(),
		log:            log.WithComponent("solana-gateway"),
		clients:        make(map[string]RPCClient),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.commitment == "" {
		g.commitment = rpc.CommitmentConfirmed
	}
	if g.pollInterval <= 0 {
		g.pollInterval = 2 * time.Second
	}

	provider, err := NewRPCProvider(cfg.RPCURL, cfg.FallbackRPCURL, g.clock)
	if err != nil {
		return nil, err
	}
	provider.SetHealthThresholds(cfg.FailoverAfter, cfg.MinSuccessRate)
	g.provider = provider

	rc := *g.retryConfig
	rc.Clock = g.clock
	rc.Logger = g.log
	g.retryConfig = &rc

	cbCfg := circuitbreaker.DefaultConfig("solana-rpc")
	cbCfg.Clock = g.clock
	cbCfg.Logger = g.log
	cbCfg.IsFailure = func(err error) bool {
		return !errors.Is(err, rpc.ErrNotFound) && !errors.Is(err, ErrSubmissionRejected) && !errors.Is(err, ErrThrottled)
	}
	g.breaker = circuitbreaker.NewCircuitBreaker(cbCfg)

	return g, nil
}

// Program returns the fee program the gateway claims from
func (g *SolanaGateway) Program() *FeeProgram {
	return g.program
}

// Health reports the RPC endpoint health
func (g *SolanaGateway) Health() *ProviderHealth {
	return g.provider.GetHealth()
}

func (g *SolanaGateway) client() RPCClient {
	url := g.provider.GetCurrentURL()
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[url]
	if !ok {
		c = g.factory(url)
		g.clients[url] = c
	}
	return c
}

// spend takes credits for one call from the shared budget, when one is configured
func (g *SolanaGateway) spend(ctx context.Context, op string) error {
	if g.budget == nil {
		return nil
	}
	if err := g.budget.Wait(ctx, op); err != nil {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return nil
}

// read runs an idempotent call with retries, breaker protection and failover
func (g *SolanaGateway) read(ctx context.Context, op string, fn func(ctx context.Context, c RPCClient) error) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, g.retryConfig, func(ctx context.Context, attempt int) error {
			if err := g.spend(ctx, op); err != nil {
				return retry.Permanent(err)
			}
			start := g.clock.Now()
			err := fn(ctx, g.client())
			if err == nil {
				g.provider.RecordSuccess(g.clock.Since(start))
				return nil
			}
			if errors.Is(err, rpc.ErrNotFound) {
				return retry.Permanent(err)
			}
			g.provider.RecordFailure(err)
			if !g.provider.IsHealthy() {
				if ferr := g.provider.Failover(); ferr == nil {
					g.log.WithField("url", g.provider.GetCurrentURL()).Warn("rpc endpoint unhealthy, failed over")
				}
			}
			return err
		})
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return NewAdapterError(op, err, nil)
	}
	return nil
}

// GetBalance returns the lamport balance of address
func (g *SolanaGateway) GetBalance(ctx context.Context, address string) (uint64, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, NewAdapterError("GetBalance", ErrInvalidAddress, map[string]interface{}{"address": address})
	}
	var balance uint64
	err = g.read(ctx, "GetBalance", func(ctx context.Context, c RPCClient) error {
		out, err := c.GetBalance(ctx, pk, g.commitment)
		if err != nil {
			return err
		}
		balance = out.Value
		return nil
	})
	return balance, err
}

// GetTokenBalance returns the raw amount in owner's associated token account for mint
func (g *SolanaGateway) GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	ownerPK, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return 0, NewAdapterError("GetTokenBalance", ErrInvalidAddress, map[string]interface{}{"address": owner})
	}
	mintPK, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, NewAdapterError("GetTokenBalance", ErrInvalidAddress, map[string]interface{}{"address": mint})
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerPK, mintPK)
	if err != nil {
		return 0, NewAdapterError("GetTokenBalance", err, nil)
	}

	var amount uint64
	err = g.read(ctx, "GetTokenBalance", func(ctx context.Context, c RPCClient) error {
		out, err := c.GetTokenAccountBalance(ctx, ata, g.commitment)
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == invalidParamsCode {
			// the token account does not exist yet
			amount = 0
			return nil
		}
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return nil
		}
		amount, err = strconv.ParseUint(out.Value.Amount, 10, 64)
		if err != nil {
			return retry.Permanent(fmt.Errorf("invalid token amount %q: %w", out.Value.Amount, err))
		}
		return nil
	})
	if err != nil && errors.Is(err, rpc.ErrNotFound) {
		return 0, nil
	}
	return amount, err
}

// GetClaimableAmount returns the creator vault's lamports above its rent-exempt minimum
func (g *SolanaGateway) GetClaimableAmount(ctx context.Context, authority string) (uint64, error) {
	authPK, err := solana.PublicKeyFromBase58(authority)
	if err != nil {
		return 0, NewAdapterError("GetClaimableAmount", ErrInvalidAddress, map[string]interface{}{"address": authority})
	}
	vault, err := g.program.VaultAddress(authPK)
	if err != nil {
		return 0, NewAdapterError("GetClaimableAmount", err, nil)
	}

	var lamports, dataLen uint64
	err = g.read(ctx, "GetClaimableAmount", func(ctx context.Context, c RPCClient) error {
		out, err := c.GetAccountInfoWithOpts(ctx, vault, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: g.commitment,
		})
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return rpc.ErrNotFound
		}
		lamports = out.Value.Lamports
		dataLen = uint64(len(out.GetBinary()))
		return nil
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var rent uint64
	err = g.read(ctx, "GetMinimumBalanceForRentExemption", func(ctx context.Context, c RPCClient) error {
		var err error
		rent, err = c.GetMinimumBalanceForRentExemption(ctx, dataLen, g.commitment)
		return err
	})
	if err != nil {
		return 0, err
	}
	if lamports <= rent {
		return 0, nil
	}
	return lamports - rent, nil
}

// LatestBlockhash returns a recent blockhash
func (g *SolanaGateway) LatestBlockhash(ctx context.Context) (*Blockhash, error) {
	var bh *Blockhash
	err := g.read(ctx, "LatestBlockhash", func(ctx context.Context, c RPCClient) error {
		out, err := c.GetLatestBlockhash(ctx, g.commitment)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return errors.New("empty blockhash response")
		}
		bh = &Blockhash{Hash: out.Value.Blockhash, LastValidBlockHeight: out.Value.LastValidBlockHeight}
		return nil
	})
	return bh, err
}

// SubmitTransaction broadcasts tx exactly once. The returned signature is the
// transaction's first signature and is set even when err is non-nil, so
// callers can look up its status.
func (g *SolanaGateway) SubmitTransaction(ctx context.Context, tx *solana.Transaction) (string, error) {
	if tx == nil || len(tx.Signatures) == 0 {
		return "", NewAdapterError("SubmitTransaction", ErrInvalidTransaction, nil)
	}
	sig := tx.Signatures[0].String()

	if err := g.spend(ctx, "SubmitTransaction"); err != nil {
		// nothing was sent
		return sig, NewAdapterError("SubmitTransaction", fmt.Errorf("%w: %v", ErrSubmissionRejected, err), map[string]interface{}{"signature": sig})
	}

	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := g.client().SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: g.commitment,
		})
		if err == nil {
			return nil
		}
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%w: %s", ErrSubmissionRejected, rpcErr.Message)
		}
		return fmt.Errorf("%w: %v", ErrSubmissionUnknown, err)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			// nothing was sent
			err = fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
		}
		g.log.WithField("signature", sig).WithError(err).Warn("transaction submission failed")
		return sig, NewAdapterError("SubmitTransaction", err, map[string]interface{}{"signature": sig})
	}
	g.log.WithField("signature", sig).Debugf("transaction submitted")
	return sig, nil
}

// SignatureStatus looks sig up once, searching transaction history
func (g *SolanaGateway) SignatureStatus(ctx context.Context, sig string) (types.SignatureState, error) {
	parsed, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return types.SignatureUnknown, NewAdapterError("SignatureStatus", ErrInvalidTransaction, map[string]interface{}{"signature": sig})
	}

	state := types.SignatureUnknown
	err = g.read(ctx, "SignatureStatus", func(ctx context.Context, c RPCClient) error {
		out, err := c.GetSignatureStatuses(ctx, true, parsed)
		if err != nil {
			return err
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			state = types.SignatureUnknown
			return nil
		}
		state = g.classify(out.Value[0])
		return nil
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return types.SignatureUnknown, nil
		}
		return types.SignatureUnknown, err
	}
	return state, nil
}

func (g *SolanaGateway) classify(st *rpc.SignatureStatusesResult) types.SignatureState {
	if st.Err != nil {
		return types.SignatureFailed
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return types.SignatureConfirmed
	case rpc.ConfirmationStatusConfirmed:
		if g.commitment != rpc.CommitmentFinalized {
			return types.SignatureConfirmed
		}
	}
	return types.SignatureUnknown
}

// ConfirmSignature polls the signature until it resolves or the confirm
// timeout elapses. A timeout is reported as ConfirmTimeout with a nil error:
// the transaction may still land.
func (g *SolanaGateway) ConfirmSignature(ctx context.Context, sig string) (types.ConfirmationOutcome, error) {
	deadline := g.clock.Now().Add(g.confirmTimeout)
	log := g.log.WithField("signature", sig)

	for {
		state, err := g.SignatureStatus(ctx, sig)
		if err != nil {
			log.WithError(err).Debugf("signature status lookup failed, polling again")
		}
		switch state {
		case types.SignatureConfirmed:
			return types.ConfirmSuccess, nil
		case types.SignatureFailed:
			return types.ConfirmFailure, nil
		}

		if !g.clock.Now().Before(deadline) {
			log.Warn("confirmation timed out, outcome unknown")
			return types.ConfirmTimeout, nil
		}
		select {
		case <-ctx.Done():
			return types.ConfirmTimeout, ctx.Err()
		case <-g.clock.After(g.pollInterval):
		}
	}
}
