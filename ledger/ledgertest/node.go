// Package ledgertest provides an in-memory ledger.Node for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"confio/core/txn"
	"confio/ledger"
)

// SubmitHook decides the fate of a submitted group. It may mutate the node
// (e.g. write boxes) and returns the confirmation round (0 for never) or an
// error to reject the submit.
type SubmitHook func(n *Node, group []types.SignedTxn) (round uint64, err error)

// Node is a programmable fake chain.
type Node struct {
	mu sync.Mutex

	Params   txn.Params
	Round    uint64
	Apps     map[uint64]ledger.AppInfo
	Holdings map[string]uint64
	Accounts map[types.Address]ledger.Account
	Boxes    map[string][]byte

	OnSubmit SubmitHook

	pending   map[string]ledger.Pending
	confirmed map[string]uint64
	Submitted [][]types.SignedTxn
	Calls     map[string]int
	// Fail injects an error for the named operation.
	Fail map[string]error
}

// New returns a node at round 1000 with default parameters.
func New() *Node {
	var gh [32]byte
	copy(gh[:], "confio-testnet-genesis-hash-0001")
	return &Node{
		Params:    txn.Params{FirstValid: 1000, LastValid: 2000, GenesisID: "testnet-v1.0", GenesisHash: gh, MinFee: 1000},
		Round:     1000,
		Apps:      map[uint64]ledger.AppInfo{},
		Holdings:  map[string]uint64{},
		Accounts:  map[types.Address]ledger.Account{},
		Boxes:     map[string][]byte{},
		pending:   map[string]ledger.Pending{},
		confirmed: map[string]uint64{},
		Calls:     map[string]int{},
		Fail:      map[string]error{},
	}
}

func holdingKey(addr types.Address, assetID uint64) string {
	return fmt.Sprintf("%s/%d", addr.String(), assetID)
}

func boxKey(appID uint64, name []byte) string { return fmt.Sprintf("%d/%x", appID, name) }

func (n *Node) call(op string) error {
	n.Calls[op]++
	if err := n.Fail[op]; err != nil {
		return err
	}
	return nil
}

// SetHolding opts addr in to assetID with amount.
func (n *Node) SetHolding(addr types.Address, assetID, amount uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Holdings[holdingKey(addr, assetID)] = amount
}

// SetBox writes a box.
func (n *Node) SetBox(appID uint64, name, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Boxes[boxKey(appID, name)] = append([]byte(nil), value...)
}

// WriteBox, PeekBox and EraseBox are the box accessors for SubmitHooks,
// which run with the node lock held.
func (n *Node) WriteBox(appID uint64, name, value []byte) {
	n.Boxes[boxKey(appID, name)] = append([]byte(nil), value...)
}

func (n *Node) PeekBox(appID uint64, name []byte) ([]byte, bool) {
	v, ok := n.Boxes[boxKey(appID, name)]
	return v, ok
}

func (n *Node) EraseBox(appID uint64, name []byte) {
	delete(n.Boxes, boxKey(appID, name))
}

// DeleteBox removes a box.
func (n *Node) DeleteBox(appID uint64, name []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.Boxes, boxKey(appID, name))
}

// SetApp installs an application with the given global state.
func (n *Node) SetApp(appID uint64, global map[string]ledger.TealValue) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Apps[appID] = ledger.AppInfo{AppID: appID, Global: global}
}

// MarkConfirmed records txID as confirmed at round, visible to the indexer.
func (n *Node) MarkConfirmed(txID string, round uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed[txID] = round
	n.pending[txID] = ledger.Pending{ConfirmedRound: round}
}

// CallCount reports how often op was invoked.
func (n *Node) CallCount(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Calls[op]
}

func (n *Node) Endpoint() string { return "fake://node" }

func (n *Node) SuggestedParams(ctx context.Context) (txn.Params, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("params"); err != nil {
		return txn.Params{}, err
	}
	return n.Params, nil
}

func (n *Node) Application(ctx context.Context, appID uint64) (ledger.AppInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("app"); err != nil {
		return ledger.AppInfo{}, err
	}
	info, ok := n.Apps[appID]
	if !ok {
		return ledger.AppInfo{}, ledger.ErrNotFound
	}
	return info, nil
}

func (n *Node) AssetHolding(ctx context.Context, addr types.Address, assetID uint64) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("holding"); err != nil {
		return 0, err
	}
	amount, ok := n.Holdings[holdingKey(addr, assetID)]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	return amount, nil
}

func (n *Node) Account(ctx context.Context, addr types.Address) (ledger.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("account"); err != nil {
		return ledger.Account{}, err
	}
	acct, ok := n.Accounts[addr]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return acct, nil
}

func (n *Node) Box(ctx context.Context, appID uint64, name []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("box"); err != nil {
		return nil, err
	}
	v, ok := n.Boxes[boxKey(appID, name)]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// SendRaw decodes the concatenated group and hands it to OnSubmit. Without a
// hook every group confirms at the next round.
func (n *Node) SendRaw(ctx context.Context, raw []byte) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("submit"); err != nil {
		return "", err
	}
	group, err := splitGroup(raw)
	if err != nil {
		return "", err
	}
	n.Submitted = append(n.Submitted, group)
	round := n.Round + 1
	if n.OnSubmit != nil {
		round, err = n.OnSubmit(n, group)
		if err != nil {
			return "", err
		}
	}
	txID := crypto.GetTxID(group[0].Txn)
	if round > 0 {
		n.pending[txID] = ledger.Pending{ConfirmedRound: round}
		n.confirmed[txID] = round
	} else {
		n.pending[txID] = ledger.Pending{}
	}
	return txID, nil
}

func splitGroup(raw []byte) ([]types.SignedTxn, error) {
	var out []types.SignedTxn
	dec := msgpackDecoder(raw)
	for {
		var stx types.SignedTxn
		err := dec.Decode(&stx)
		if err != nil {
			if isEOF(err) {
				break
			}
			return nil, fmt.Errorf("ledgertest: decode group: %w", err)
		}
		out = append(out, stx)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ledgertest: empty group")
	}
	return out, nil
}

func (n *Node) PendingInfo(ctx context.Context, txID string) (ledger.Pending, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("pending"); err != nil {
		return ledger.Pending{}, err
	}
	p, ok := n.pending[txID]
	if !ok {
		return ledger.Pending{}, ledger.ErrNotFound
	}
	return p, nil
}

func (n *Node) LastRound(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("status"); err != nil {
		return 0, err
	}
	return n.Round, nil
}

// WaitForRound advances the fake chain immediately.
func (n *Node) WaitForRound(ctx context.Context, round uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("wait"); err != nil {
		return 0, err
	}
	if n.Round < round {
		n.Round = round
	}
	return n.Round, nil
}

func (n *Node) LookupTransaction(ctx context.Context, txID string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("lookup"); err != nil {
		return 0, err
	}
	round, ok := n.confirmed[txID]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	return round, nil
}

var _ ledger.Node = (*Node)(nil)
