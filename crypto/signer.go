package crypto

import (
	"context"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
)

// SponsorSigner is the only server-side holder of private key material.
// Implementations must be safe for concurrent use.
type SponsorSigner interface {
	Sign(ctx context.Context, tx types.Transaction) ([]byte, error)
	Address() types.Address
	AssertMatches(expected string) error
}

// LocalSigner signs with an in-process key.
type LocalSigner struct {
	key *PrivateKey
}

// NewLocalSigner wraps key.
func NewLocalSigner(key *PrivateKey) (*LocalSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("crypto: nil sponsor key")
	}
	return &LocalSigner{key: key}, nil
}

// NewMnemonicSigner derives the sponsor key from a mnemonic.
func NewMnemonicSigner(words string) (*LocalSigner, error) {
	key, err := PrivateKeyFromMnemonic(words)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(key)
}

func (s *LocalSigner) Address() types.Address { return s.key.Address() }

// Sign returns the encoded signed transaction. The sponsor only signs its own
// transactions.
func (s *LocalSigner) Sign(ctx context.Context, tx types.Transaction) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx.Sender != s.Address() {
		return nil, fmt.Errorf("crypto: refusing to sign for %s", tx.Sender.String())
	}
	return txn.SignWith(s.key.key, tx), nil
}

func (s *LocalSigner) AssertMatches(expected string) error {
	return assertMatches(s.Address(), expected)
}

func assertMatches(signer types.Address, expected string) error {
	want, err := ParseAddress(expected)
	if err != nil {
		return stoerrors.SponsorMisconfigured(expected, signer.String())
	}
	if want != signer {
		return stoerrors.SponsorMisconfigured(want.String(), signer.String())
	}
	return nil
}

var _ SponsorSigner = (*LocalSigner)(nil)
