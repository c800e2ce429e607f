package crypto

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// PrivateKey is an ed25519 account key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PrivateKeyFromMnemonic derives the account key from a 25-word mnemonic.
func PrivateKeyFromMnemonic(words string) (*PrivateKey, error) {
	normalized := strings.Join(strings.Fields(words), " ")
	if normalized == "" {
		return nil, fmt.Errorf("crypto: empty mnemonic")
	}
	sk, err := mnemonic.ToPrivateKey(normalized)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid mnemonic: %w", err)
	}
	return &PrivateKey{key: ed25519.PrivateKey(sk)}, nil
}

// PrivateKeyFromSeed builds a key from a 32-byte seed.
func PrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes", ed25519.SeedSize)
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Mnemonic renders the key as its 25-word backup phrase.
func (k *PrivateKey) Mnemonic() (string, error) {
	return mnemonic.FromPrivateKey(k.key)
}

func (k *PrivateKey) PubKey() ed25519.PublicKey {
	return k.key.Public().(ed25519.PublicKey)
}

func (k *PrivateKey) Address() types.Address {
	var addr types.Address
	copy(addr[:], k.PubKey())
	return addr
}

// ParseAddress decodes a 58-character checksummed account address.
func ParseAddress(s string) (types.Address, error) {
	addr, err := types.DecodeAddress(strings.TrimSpace(s))
	if err != nil {
		return types.Address{}, fmt.Errorf("crypto: invalid address %q: %w", s, err)
	}
	return addr, nil
}
