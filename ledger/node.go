package ledger

import (
	"context"
	"errors"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"confio/core/txn"
)

// ErrNotFound is returned by a Node when the requested object does not exist.
var ErrNotFound = errors.New("ledger: not found")

// TealValue is one entry of application global state.
type TealValue struct {
	Bytes   []byte
	Uint    uint64
	IsBytes bool
}

// AppInfo is the view of an application the orchestrator needs.
type AppInfo struct {
	AppID        uint64
	Creator      string
	ApprovalHash [32]byte
	Global       map[string]TealValue
}

// GlobalAddress reads a 32-byte address stored under key.
func (a AppInfo) GlobalAddress(key string) (types.Address, bool) {
	v, ok := a.Global[key]
	if !ok || !v.IsBytes || len(v.Bytes) != len(types.Address{}) {
		return types.Address{}, false
	}
	var addr types.Address
	copy(addr[:], v.Bytes)
	return addr, true
}

// GlobalUint reads an integer stored under key.
func (a AppInfo) GlobalUint(key string) (uint64, bool) {
	v, ok := a.Global[key]
	if !ok || v.IsBytes {
		return 0, false
	}
	return v.Uint, true
}

// Account is the ALGO balance view of an address.
type Account struct {
	Amount     uint64
	MinBalance uint64
}

// Spendable returns the balance above the minimum balance requirement.
func (a Account) Spendable() uint64 {
	if a.Amount < a.MinBalance {
		return 0
	}
	return a.Amount - a.MinBalance
}

// Pending is the node's view of a submitted transaction.
type Pending struct {
	ConfirmedRound uint64
	PoolError      string
}

// Node is the raw node plus indexer surface. Implementations report missing
// objects with ErrNotFound.
type Node interface {
	SuggestedParams(ctx context.Context) (txn.Params, error)
	Application(ctx context.Context, appID uint64) (AppInfo, error)
	AssetHolding(ctx context.Context, addr types.Address, assetID uint64) (uint64, error)
	Account(ctx context.Context, addr types.Address) (Account, error)
	Box(ctx context.Context, appID uint64, name []byte) ([]byte, error)
	SendRaw(ctx context.Context, raw []byte) (string, error)
	PendingInfo(ctx context.Context, txID string) (Pending, error)
	LastRound(ctx context.Context) (uint64, error)
	WaitForRound(ctx context.Context, round uint64) (uint64, error)
	// LookupTransaction asks the indexer for a confirmed transaction and
	// returns its round, or ErrNotFound.
	LookupTransaction(ctx context.Context, txID string) (uint64, error)
	Endpoint() string
}
