package adapter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Custodian resolves signer references to custodied keys
type Custodian interface {
	// Address returns the public key of the wallet behind ref
	Address(ref string) (solana.PublicKey, error)

	// Sign adds ref's signature to tx for every signer slot it owns
	Sign(tx *solana.Transaction, refs ...string) error
}

// Keystore is an in-memory Custodian loaded from configuration
type Keystore struct {
	keys map[string]solana.PrivateKey
}

// ParseKeystore parses a comma separated list of ref=base58secret pairs
func ParseKeystore(list string) (*Keystore, error) {
	ks := &Keystore{keys: make(map[string]solana.PrivateKey)}
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ref, secret, ok := strings.Cut(pair, "=")
		ref = strings.TrimSpace(ref)
		if !ok || ref == "" {
			return nil, fmt.Errorf("custodial key entry must be ref=secret")
		}
		raw, err := base58.Decode(strings.TrimSpace(secret))
		if err != nil {
			return nil, fmt.Errorf("custodial key %q is not base58: %w", ref, err)
		}
		key := solana.PrivateKey(raw)
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("custodial key %q is invalid: %w", ref, err)
		}
		if _, dup := ks.keys[ref]; dup {
			return nil, fmt.Errorf("custodial key %q listed twice", ref)
		}
		ks.keys[ref] = key
	}
	return ks, nil
}

// NewKeystore builds a keystore from already decoded keys
func NewKeystore(keys map[string]solana.PrivateKey) *Keystore {
	ks := &Keystore{keys: make(map[string]solana.PrivateKey, len(keys))}
	for ref, k := range keys {
		ks.keys[ref] = k
	}
	return ks
}

// Refs lists the configured signer references
func (k *Keystore) Refs() []string {
	refs := make([]string, 0, len(k.keys))
	for ref := range k.keys {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Address implements Custodian
func (k *Keystore) Address(ref string) (solana.PublicKey, error) {
	key, ok := k.keys[ref]
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownSigner, ref)
	}
	return key.PublicKey(), nil
}

// Sign implements Custodian
func (k *Keystore) Sign(tx *solana.Transaction, refs ...string) error {
	signers := make(map[solana.PublicKey]solana.PrivateKey, len(refs))
	for _, ref := range refs {
		key, ok := k.keys[ref]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSigner, ref)
		}
		signers[key.PublicKey()] = key
	}
	return partialSign(tx, signers)
}

func partialSign(tx *solana.Transaction, signers map[solana.PublicKey]solana.PrivateKey) error {
	_, err := tx.PartialSign(func(pk solana.PublicKey) *solana.PrivateKey {
		if key, ok := signers[pk]; ok {
			return &key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}
