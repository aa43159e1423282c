package adapter

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/crypto/hkdf"
)

var escrowSalt = []byte("reward-settlement/campaign-escrow/v1")

// EscrowSigner derives one deterministic escrow keypair per campaign from a
// master secret, so escrow keys never need to be stored.
type EscrowSigner struct {
	master []byte
}

// NewEscrowSigner creates a signer from the master secret.
// An empty secret yields a signer that refuses every operation.
func NewEscrowSigner(masterSecret string) *EscrowSigner {
	return &EscrowSigner{master: []byte(masterSecret)}
}

// Enabled reports whether escrow keys can be derived
func (e *EscrowSigner) Enabled() bool {
	return e != nil && len(e.master) >= 32
}

func (e *EscrowSigner) key(campaignID int64) (solana.PrivateKey, error) {
	if !e.Enabled() {
		return nil, ErrEscrowUnavailable
	}
	info := []byte("campaign:" + strconv.FormatInt(campaignID, 10))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, e.master, escrowSalt, info), seed); err != nil {
		return nil, fmt.Errorf("failed to derive escrow key: %w", err)
	}
	return solana.PrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

// Address returns the escrow address for campaignID
func (e *EscrowSigner) Address(campaignID int64) (solana.PublicKey, error) {
	k, err := e.key(campaignID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return k.PublicKey(), nil
}

// Sign adds the campaign escrow's signature to tx
func (e *EscrowSigner) Sign(tx *solana.Transaction, campaignID int64) error {
	k, err := e.key(campaignID)
	if err != nil {
		return err
	}
	return partialSign(tx, map[solana.PublicKey]solana.PrivateKey{k.PublicKey(): k})
}
