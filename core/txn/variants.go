package txn

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Resource reference limits enforced by the ledger for application calls.
const (
	MaxAppArgs      = 16
	MaxAppAccounts  = 4
	MaxAppTotalRefs = 8
	MaxGroupSize    = 16
	MaxNoteBytes    = 1024
)

// Variant is one of the three transaction kinds the orchestrator emits. It is
// the single source of truth for the canonical encoding and therefore for the
// group id.
type Variant interface {
	Kind() types.TxType
	Common() Header
	lower(p Params) (types.Transaction, error)
}

// Header carries the fields every variant shares. Chain parameters are not
// part of the variant; they are applied at group assembly.
type Header struct {
	Sender types.Address
	Fee    uint64
	Note   []byte
}

func (h Header) lower(p Params) (types.Header, error) {
	if h.Sender.IsZero() {
		return types.Header{}, fmt.Errorf("txn: sender required")
	}
	if len(h.Note) > MaxNoteBytes {
		return types.Header{}, fmt.Errorf("txn: note exceeds %d bytes", MaxNoteBytes)
	}
	return types.Header{
		Sender:      h.Sender,
		Fee:         types.MicroAlgos(h.Fee),
		FirstValid:  types.Round(p.FirstValid),
		LastValid:   types.Round(p.LastValid),
		Note:        h.Note,
		GenesisID:   p.GenesisID,
		GenesisHash: types.Digest(p.GenesisHash),
	}, nil
}

// Payment moves microAlgos.
type Payment struct {
	Header
	Receiver types.Address
	Amount   uint64
}

func (Payment) Kind() types.TxType { return types.PaymentTx }
func (t Payment) Common() Header   { return t.Header }

func (t Payment) lower(p Params) (types.Transaction, error) {
	hdr, err := t.Header.lower(p)
	if err != nil {
		return types.Transaction{}, err
	}
	return types.Transaction{
		Type:   types.PaymentTx,
		Header: hdr,
		PaymentTxnFields: types.PaymentTxnFields{
			Receiver: t.Receiver,
			Amount:   types.MicroAlgos(t.Amount),
		},
	}, nil
}

// AssetTransfer moves units of a standard asset.
type AssetTransfer struct {
	Header
	Receiver types.Address
	AssetID  uint64
	Amount   uint64
}

func (AssetTransfer) Kind() types.TxType { return types.AssetTransferTx }
func (t AssetTransfer) Common() Header   { return t.Header }

func (t AssetTransfer) lower(p Params) (types.Transaction, error) {
	if t.AssetID == 0 {
		return types.Transaction{}, fmt.Errorf("txn: asset id required")
	}
	hdr, err := t.Header.lower(p)
	if err != nil {
		return types.Transaction{}, err
	}
	return types.Transaction{
		Type:   types.AssetTransferTx,
		Header: hdr,
		AssetTransferTxnFields: types.AssetTransferTxnFields{
			XferAsset:     types.AssetIndex(t.AssetID),
			AssetAmount:   t.Amount,
			AssetReceiver: t.Receiver,
		},
	}, nil
}

// BoxRef names a box of the called application (AppIndex 0) or of an
// application listed in ForeignApps (1-based).
type BoxRef struct {
	AppIndex uint64
	Name     []byte
}

// AppCall is a NoOp ABI method invocation.
type AppCall struct {
	Header
	AppID         uint64
	Selector      []byte
	Args          [][]byte
	Accounts      []types.Address
	ForeignAssets []uint64
	ForeignApps   []uint64
	Boxes         []BoxRef
}

func (AppCall) Kind() types.TxType { return types.ApplicationCallTx }
func (t AppCall) Common() Header   { return t.Header }

// CheckReferences enforces the per-transaction resource limits.
func (t AppCall) CheckReferences() error {
	if len(t.Accounts) > MaxAppAccounts {
		return fmt.Errorf("txn: %d account references exceed %d", len(t.Accounts), MaxAppAccounts)
	}
	if 1+len(t.Args) > MaxAppArgs {
		return fmt.Errorf("txn: %d application args exceed %d", 1+len(t.Args), MaxAppArgs)
	}
	total := len(t.Accounts) + len(t.ForeignAssets) + len(t.ForeignApps) + len(t.Boxes)
	if total > MaxAppTotalRefs {
		return fmt.Errorf("txn: %d resource references exceed %d", total, MaxAppTotalRefs)
	}
	return nil
}

func (t AppCall) lower(p Params) (types.Transaction, error) {
	if t.AppID == 0 {
		return types.Transaction{}, fmt.Errorf("txn: app id required")
	}
	if len(t.Selector) != 4 {
		return types.Transaction{}, fmt.Errorf("txn: method selector must be 4 bytes")
	}
	if err := t.CheckReferences(); err != nil {
		return types.Transaction{}, err
	}
	hdr, err := t.Header.lower(p)
	if err != nil {
		return types.Transaction{}, err
	}
	args := make([][]byte, 0, 1+len(t.Args))
	args = append(args, t.Selector)
	args = append(args, t.Args...)

	var assets []types.AssetIndex
	for _, id := range t.ForeignAssets {
		assets = append(assets, types.AssetIndex(id))
	}
	var apps []types.AppIndex
	for _, id := range t.ForeignApps {
		apps = append(apps, types.AppIndex(id))
	}
	var boxes []types.BoxReference
	for _, ref := range t.Boxes {
		boxes = append(boxes, types.BoxReference{ForeignAppIdx: ref.AppIndex, Name: ref.Name})
	}
	return types.Transaction{
		Type:   types.ApplicationCallTx,
		Header: hdr,
		ApplicationFields: types.ApplicationFields{
			ApplicationCallTxnFields: types.ApplicationCallTxnFields{
				ApplicationID:   types.AppIndex(t.AppID),
				OnCompletion:    types.NoOpOC,
				ApplicationArgs: args,
				Accounts:        t.Accounts,
				ForeignApps:     apps,
				ForeignAssets:   assets,
				BoxReferences:   boxes,
			},
		},
	}, nil
}

// VariantOf recovers the tagged variant of a decoded transaction.
func VariantOf(tx types.Transaction) (Variant, error) {
	hdr := Header{Sender: tx.Sender, Fee: uint64(tx.Fee), Note: tx.Note}
	switch tx.Type {
	case types.PaymentTx:
		return Payment{Header: hdr, Receiver: tx.Receiver, Amount: uint64(tx.Amount)}, nil
	case types.AssetTransferTx:
		return AssetTransfer{
			Header:   hdr,
			Receiver: tx.AssetReceiver,
			AssetID:  uint64(tx.XferAsset),
			Amount:   tx.AssetAmount,
		}, nil
	case types.ApplicationCallTx:
		if tx.OnCompletion != types.NoOpOC {
			return nil, fmt.Errorf("txn: unsupported on-completion %d", tx.OnCompletion)
		}
		call := AppCall{Header: hdr, AppID: uint64(tx.ApplicationID), Accounts: tx.Accounts}
		if len(tx.ApplicationArgs) > 0 {
			call.Selector = tx.ApplicationArgs[0]
			if len(tx.ApplicationArgs) > 1 {
				call.Args = tx.ApplicationArgs[1:]
			}
		}
		for _, id := range tx.ForeignAssets {
			call.ForeignAssets = append(call.ForeignAssets, uint64(id))
		}
		for _, id := range tx.ForeignApps {
			call.ForeignApps = append(call.ForeignApps, uint64(id))
		}
		for _, ref := range tx.BoxReferences {
			call.Boxes = append(call.Boxes, BoxRef{AppIndex: ref.ForeignAppIdx, Name: ref.Name})
		}
		return call, nil
	default:
		return nil, fmt.Errorf("txn: unsupported transaction type %q", tx.Type)
	}
}
