package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/reward-settlement/internal/models"
	"github.com/reward-settlement/internal/types"
)

// PreparedTx is a signed transaction and the signature that will identify it
// on chain. The signature is known before broadcast so it can be recorded first.
type PreparedTx struct {
	Signature string
	Tx        *solana.Transaction
}

// Executor builds, signs and submits custodied transactions.
// Sweep transactions are paid by the sponsor wallet; reward payouts are paid
// by the claimant.
type Executor struct {
	Gateway

	program    *FeeProgram
	custodian  Custodian
	escrow     *EscrowSigner
	sponsorRef string
}

// NewExecutor wires an executor over a gateway and key material
func NewExecutor(gw Gateway, program *FeeProgram, custodian Custodian, escrow *EscrowSigner, sponsorRef string) *Executor {
	return &Executor{
		Gateway:    gw,
		program:    program,
		custodian:  custodian,
		escrow:     escrow,
		sponsorRef: sponsorRef,
	}
}

// CustodiedAddress returns the wallet address behind a signer reference
func (e *Executor) CustodiedAddress(signerRef string) (string, error) {
	pk, err := e.custodian.Address(signerRef)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

// EscrowAddress returns the deterministic escrow address for a campaign
func (e *Executor) EscrowAddress(campaignID int64) (string, error) {
	pk, err := e.escrow.Address(campaignID)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

// sponsored builds a transaction paid by the sponsor and signed by it and signerRef
func (e *Executor) sponsored(ctx context.Context, instructions []solana.Instruction, signerRef string) (*PreparedTx, error) {
	payer, err := e.custodian.Address(e.sponsorRef)
	if err != nil {
		return nil, fmt.Errorf("sponsor wallet: %w", err)
	}
	blockhash, err := e.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := BuildTransaction(instructions, blockhash.Hash, payer)
	if err != nil {
		return nil, err
	}
	if err := e.custodian.Sign(tx, e.sponsorRef, signerRef); err != nil {
		return nil, err
	}
	return &PreparedTx{Signature: tx.Signatures[0].String(), Tx: tx}, nil
}

// PrepareClaim builds and signs the creator fee claim for the wallet behind signerRef
func (e *Executor) PrepareClaim(ctx context.Context, signerRef string) (*PreparedTx, error) {
	authority, err := e.custodian.Address(signerRef)
	if err != nil {
		return nil, err
	}
	ix, err := e.program.ClaimInstruction(authority)
	if err != nil {
		return nil, err
	}
	return e.sponsored(ctx, []solana.Instruction{ix}, signerRef)
}

// PrepareTransfer builds and signs a lamport transfer out of the wallet behind signerRef
func (e *Executor) PrepareTransfer(ctx context.Context, signerRef, to string, amount uint64) (*PreparedTx, error) {
	from, err := e.custodian.Address(signerRef)
	if err != nil {
		return nil, err
	}
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, to)
	}
	instrs, err := Transfer{FeePayer: from, Source: from, Recipient: dest, Amount: amount}.Instructions()
	if err != nil {
		return nil, err
	}
	return e.sponsored(ctx, instrs, signerRef)
}

// Execute submits prepared once and waits for confirmation.
// A rejected submission reports ConfirmFailure; any other submission error
// reports ConfirmTimeout because the transaction may have been broadcast.
func (e *Executor) Execute(ctx context.Context, prepared *PreparedTx) (*Receipt, error) {
	sig, err := e.SubmitTransaction(ctx, prepared.Tx)
	if sig == "" {
		sig = prepared.Signature
	}
	if err != nil {
		if errors.Is(err, ErrSubmissionRejected) {
			return &Receipt{Signature: sig, Outcome: types.ConfirmFailure}, err
		}
		return &Receipt{Signature: sig, Outcome: types.ConfirmTimeout}, err
	}
	outcome, err := e.ConfirmSignature(ctx, sig)
	return &Receipt{Signature: sig, Outcome: outcome}, err
}

// TransferFromCustodiedWallet moves lamports out of a custodied wallet and
// waits for confirmation
func (e *Executor) TransferFromCustodiedWallet(ctx context.Context, signerRef, to string, amount uint64) (*Receipt, error) {
	prepared, err := e.PrepareTransfer(ctx, signerRef, to, amount)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, prepared)
}

// PayoutAddress resolves the on-chain address a payout source spends from
func (e *Executor) PayoutAddress(source models.PayoutSource) (solana.PublicKey, error) {
	switch s := source.(type) {
	case models.ManagedPayout:
		return e.custodian.Address(s.SignerRef)
	case models.EscrowPayout:
		return e.escrow.Address(s.CampaignID)
	default:
		return solana.PublicKey{}, fmt.Errorf("unsupported payout source %T", source)
	}
}

// SourceBalance returns what the payout source holds of the plan's asset
func (e *Executor) SourceBalance(ctx context.Context, source models.PayoutSource, asset models.RewardAsset) (uint64, error) {
	addr, err := e.PayoutAddress(source)
	if err != nil {
		return 0, err
	}
	if tok, ok := asset.(models.FungibleTokenReward); ok {
		return e.GetTokenBalance(ctx, addr.String(), tok.Mint)
	}
	return e.GetBalance(ctx, addr.String())
}

// PayoutTx is an unsigned reward payout and the block height it expires at
type PayoutTx struct {
	Tx                   *solana.Transaction
	LastValidBlockHeight uint64
}

// BuildPayout assembles the unsigned transfer for plan with the claimant as fee payer
func (e *Executor) BuildPayout(ctx context.Context, plan *models.ClaimPlan) (*PayoutTx, error) {
	blockhash, err := e.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := e.RebuildPayout(plan, blockhash.Hash)
	if err != nil {
		return nil, err
	}
	return &PayoutTx{Tx: tx, LastValidBlockHeight: blockhash.LastValidBlockHeight}, nil
}

// RebuildPayout derives the payout transaction for plan on a known blockhash.
// Settlement compares a countersigned transaction against this form.
func (e *Executor) RebuildPayout(plan *models.ClaimPlan, blockhash solana.Hash) (*solana.Transaction, error) {
	claimant, err := solana.PublicKeyFromBase58(plan.Wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, plan.Wallet)
	}
	source, err := e.PayoutAddress(plan.Source)
	if err != nil {
		return nil, err
	}

	t := Transfer{FeePayer: claimant, Source: source, Recipient: claimant, Amount: plan.Total}
	if tok, ok := plan.Asset.(models.FungibleTokenReward); ok {
		mint, err := solana.PublicKeyFromBase58(tok.Mint)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, tok.Mint)
		}
		t.Mint = &mint
		t.Decimals = tok.Decimals
	}
	instrs, err := t.Instructions()
	if err != nil {
		return nil, err
	}
	return BuildTransaction(instrs, blockhash, claimant)
}

// SignPayout adds the payout source's signature to a claimant-signed transaction
func (e *Executor) SignPayout(tx *solana.Transaction, source models.PayoutSource) error {
	switch s := source.(type) {
	case models.ManagedPayout:
		return e.custodian.Sign(tx, s.SignerRef)
	case models.EscrowPayout:
		return e.escrow.Sign(tx, s.CampaignID)
	default:
		return fmt.Errorf("unsupported payout source %T", source)
	}
}
