package adapter

import (
	"bytes"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// createIdempotent is the associated token account instruction that succeeds
// when the account already exists
const createIdempotent = 1

// Transfer describes one payout movement. A nil Mint moves lamports; otherwise
// tokens move between the associated token accounts of Source and Recipient.
type Transfer struct {
	FeePayer  solana.PublicKey
	Source    solana.PublicKey
	Recipient solana.PublicKey
	Amount    uint64
	Mint      *solana.PublicKey
	Decimals  uint8
}

// Instructions returns the instructions that carry out t
func (t Transfer) Instructions() ([]solana.Instruction, error) {
	if t.Amount == 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	if t.Mint == nil {
		return []solana.Instruction{
			system.NewTransferInstruction(t.Amount, t.Source, t.Recipient).Build(),
		}, nil
	}

	mint := *t.Mint
	sourceATA, _, err := solana.FindAssociatedTokenAddress(t.Source, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(t.Recipient, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	createATA := solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(t.FeePayer).WRITE().SIGNER(),
			solana.Meta(destATA).WRITE(),
			solana.Meta(t.Recipient),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(solana.TokenProgramID),
		},
		[]byte{createIdempotent},
	)
	transfer := token.NewTransferCheckedInstruction(
		t.Amount, t.Decimals, sourceATA, mint, destATA, t.Source, nil,
	).Build()

	return []solana.Instruction{createATA, transfer}, nil
}

// BuildTransaction assembles an unsigned legacy transaction paid by feePayer
func BuildTransaction(instructions []solana.Instruction, blockhash solana.Hash, feePayer solana.PublicKey) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx, nil
}

// EncodeTransaction serializes tx as base64 wire format
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64 wire format transaction
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64: %v", ErrInvalidTransaction, err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return tx, nil
}

// CanonicalMessage serializes the parts of tx that decide where funds go:
// fee payer, blockhash and every instruction except compute budget ones,
// with each account's signer and writable flags.
func CanonicalMessage(tx *solana.Transaction) ([]byte, error) {
	msg := tx.Message
	if msg.IsVersioned() && msg.NumLookups() > 0 {
		return nil, fmt.Errorf("%w: address lookup tables are not accepted", ErrInvalidTransaction)
	}
	if len(msg.AccountKeys) == 0 {
		return nil, fmt.Errorf("%w: no account keys", ErrInvalidTransaction)
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_, _ = enc.Write(msg.AccountKeys[0].Bytes())
	_, _ = enc.Write(msg.RecentBlockhash[:])

	for i, ci := range msg.Instructions {
		program, err := msg.Program(ci.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("%w: instruction %d: %v", ErrInvalidTransaction, i, err)
		}
		if program.Equals(solana.ComputeBudget) {
			continue
		}
		_, _ = enc.Write(program.Bytes())
		if err := enc.WriteCompactU16Length(len(ci.Accounts)); err != nil {
			return nil, err
		}
		for _, idx := range ci.Accounts {
			acct, err := msg.Account(idx)
			if err != nil {
				return nil, fmt.Errorf("%w: instruction %d: %v", ErrInvalidTransaction, i, err)
			}
			writable, err := msg.IsWritable(acct)
			if err != nil {
				return nil, fmt.Errorf("%w: instruction %d: %v", ErrInvalidTransaction, i, err)
			}
			_, _ = enc.Write(acct.Bytes())
			_ = enc.WriteBool(msg.IsSigner(acct))
			_ = enc.WriteBool(writable)
		}
		if err := enc.WriteBytes(ci.Data, true); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// MatchesCanonical reports an error when submitted differs from prepared in
// anything other than compute budget instructions and signatures
func MatchesCanonical(prepared, submitted *solana.Transaction) error {
	want, err := CanonicalMessage(prepared)
	if err != nil {
		return err
	}
	got, err := CanonicalMessage(submitted)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("%w: transaction does not match the prepared claim", ErrInvalidTransaction)
	}
	return nil
}

// VerifyFeePayerSignature checks that wallet is the fee payer and that its
// signature over the message is valid. The returned signature identifies the
// transaction on chain.
func VerifyFeePayerSignature(tx *solana.Transaction, wallet solana.PublicKey) (solana.Signature, error) {
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(wallet) {
		return solana.Signature{}, fmt.Errorf("fee payer is not %s", wallet)
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return solana.Signature{}, fmt.Errorf("missing fee payer signature")
	}
	content, err := tx.Message.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to encode message: %w", err)
	}
	if !tx.Signatures[0].Verify(wallet, content) {
		return solana.Signature{}, fmt.Errorf("fee payer signature does not verify")
	}
	return tx.Signatures[0], nil
}
