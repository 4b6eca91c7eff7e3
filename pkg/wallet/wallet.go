// Package wallet wraps the signing keypair used to pay out tokens.
package wallet

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Wallet signs outgoing transactions. Implementations hold key material;
// nothing else in the repo does.
type Wallet interface {
	PublicKey() solana.PublicKey
	SignTransaction(tx *solana.Transaction) error
}

type keypairWallet struct {
	key solana.PrivateKey
}

// LoadKeypair reads a standard solana-keygen JSON keypair file.
func LoadKeypair(path string) (Wallet, error) {
	if path == "" {
		return nil, errors.New("keypair path is required")
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair from %s: %w", path, err)
	}
	return &keypairWallet{key: key}, nil
}

// FromPrivateKey wraps an in-memory private key. Used by tests and dry
// runs.
func FromPrivateKey(key solana.PrivateKey) Wallet {
	return &keypairWallet{key: key}
}

func (w *keypairWallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

func (w *keypairWallet) SignTransaction(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.key.PublicKey()) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}
