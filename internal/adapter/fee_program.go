package adapter

import (
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var creatorVaultSeed = []byte("creator-vault")

// FeeProgram describes the on-chain program that accrues creator fees
type FeeProgram struct {
	ProgramID      solana.PublicKey
	Discriminator  []byte
	EventAuthority solana.PublicKey
}

// NewFeeProgram parses the program id, hex claim discriminator and event authority
func NewFeeProgram(programID, discriminatorHex, eventAuthority string) (*FeeProgram, error) {
	pid, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("invalid fee program id %q: %w", programID, err)
	}
	disc, err := hex.DecodeString(discriminatorHex)
	if err != nil || len(disc) != 8 {
		return nil, fmt.Errorf("claim discriminator must be 8 hex encoded bytes, got %q", discriminatorHex)
	}
	ea, err := solana.PublicKeyFromBase58(eventAuthority)
	if err != nil {
		return nil, fmt.Errorf("invalid event authority %q: %w", eventAuthority, err)
	}
	return &FeeProgram{ProgramID: pid, Discriminator: disc, EventAuthority: ea}, nil
}

// VaultAddress derives the creator vault holding authority's uncollected fees
func (p *FeeProgram) VaultAddress(authority solana.PublicKey) (solana.PublicKey, error) {
	vault, _, err := solana.FindProgramAddress([][]byte{creatorVaultSeed, authority.Bytes()}, p.ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive creator vault: %w", err)
	}
	return vault, nil
}

// ClaimInstruction builds the instruction that moves the vault's fees to authority.
// authority must sign.
func (p *FeeProgram) ClaimInstruction(authority solana.PublicKey) (solana.Instruction, error) {
	vault, err := p.VaultAddress(authority)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(authority).WRITE().SIGNER(),
		solana.Meta(vault).WRITE(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(p.EventAuthority),
		solana.Meta(p.ProgramID),
	}
	data := make([]byte, len(p.Discriminator))
	copy(data, p.Discriminator)
	return solana.NewInstruction(p.ProgramID, accounts, data), nil
}
