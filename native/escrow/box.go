package escrow

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/native/common"
)

// Box sizes and limits of the P2P trade application.
const (
	TradeBoxSize    = 137
	PaidBoxSize     = 41
	DisputeBoxSize  = 104
	MaxTradeIDBytes = 56
	MaxPaymentRef   = PaidBoxSize - 8
	MaxReasonBytes  = 64

	PaidSuffix    = "_paid"
	DisputeSuffix = "_dispute"

	// CancelGrace is how long after expiry an ACTIVE trade stays uncancellable.
	CancelGrace = 120 * time.Second
	// AcceptWindow is the on-chain expiry after accept.
	AcceptWindow = 15 * time.Minute
	// PaidExtension is added to the expiry when the buyer marks payment.
	PaidExtension = 10 * time.Minute
)

// ValidateTradeID enforces the box key length limits.
func ValidateTradeID(tradeID string) error {
	if n := len(tradeID); n == 0 || n > MaxTradeIDBytes {
		return stoerrors.InvalidIntent("trade id must be 1..%d bytes, got %d", MaxTradeIDBytes, n)
	}
	return nil
}

func TradeKey(tradeID string) []byte   { return []byte(tradeID) }
func PaidKey(tradeID string) []byte    { return []byte(tradeID + PaidSuffix) }
func DisputeKey(tradeID string) []byte { return []byte(tradeID + DisputeSuffix) }

func TradeBoxMBR(tradeID string) uint64 { return common.BoxMBR(len(TradeKey(tradeID)), TradeBoxSize) }
func PaidBoxMBR(tradeID string) uint64  { return common.BoxMBR(len(PaidKey(tradeID)), PaidBoxSize) }
func DisputeBoxMBR(tradeID string) uint64 {
	return common.BoxMBR(len(DisputeKey(tradeID)), DisputeBoxSize)
}

// TradeBox is the decoded 137-byte trade box.
type TradeBox struct {
	Seller     types.Address
	AssetID    uint64
	Amount     uint64
	CreatedAt  int64
	ExpiresAt  int64
	Status     BoxStatus
	AcceptedAt int64
	Buyer      types.Address
	MBRPayer   types.Address
}

// DecodeTradeBox parses the fixed trade box layout.
func DecodeTradeBox(raw []byte) (*TradeBox, error) {
	if len(raw) < TradeBoxSize {
		return nil, fmt.Errorf("escrow: trade box is %d bytes, want %d", len(raw), TradeBoxSize)
	}
	box := &TradeBox{
		AssetID:    binary.BigEndian.Uint64(raw[32:40]),
		Amount:     binary.BigEndian.Uint64(raw[40:48]),
		CreatedAt:  int64(binary.BigEndian.Uint64(raw[48:56])),
		ExpiresAt:  int64(binary.BigEndian.Uint64(raw[56:64])),
		Status:     BoxStatus(raw[64]),
		AcceptedAt: int64(binary.BigEndian.Uint64(raw[65:73])),
	}
	copy(box.Seller[:], raw[0:32])
	copy(box.Buyer[:], raw[73:105])
	copy(box.MBRPayer[:], raw[105:137])
	return box, nil
}

// Encode renders the box in its on-chain layout.
func (b *TradeBox) Encode() []byte {
	out := make([]byte, TradeBoxSize)
	copy(out[0:32], b.Seller[:])
	binary.BigEndian.PutUint64(out[32:40], b.AssetID)
	binary.BigEndian.PutUint64(out[40:48], b.Amount)
	binary.BigEndian.PutUint64(out[48:56], uint64(b.CreatedAt))
	binary.BigEndian.PutUint64(out[56:64], uint64(b.ExpiresAt))
	out[64] = byte(b.Status)
	binary.BigEndian.PutUint64(out[65:73], uint64(b.AcceptedAt))
	copy(out[73:105], b.Buyer[:])
	copy(out[105:137], b.MBRPayer[:])
	return out
}

// HasBuyer reports whether the trade was accepted on chain.
func (b *TradeBox) HasBuyer() bool { return !b.Buyer.IsZero() }

// PaidBox is the decoded paid marker.
type PaidBox struct {
	PaidAt     int64
	PaymentRef string
}

func DecodePaidBox(raw []byte) (*PaidBox, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("escrow: paid box is %d bytes", len(raw))
	}
	return &PaidBox{
		PaidAt:     int64(binary.BigEndian.Uint64(raw[0:8])),
		PaymentRef: string(bytes.TrimRight(raw[8:], "\x00")),
	}, nil
}

func (p *PaidBox) Encode() []byte {
	out := make([]byte, PaidBoxSize)
	binary.BigEndian.PutUint64(out[0:8], uint64(p.PaidAt))
	copy(out[8:], p.PaymentRef)
	return out
}

// DisputeBox is the decoded dispute record.
type DisputeBox struct {
	Reason   string
	OpenedAt int64
	Payer    types.Address
}

func DecodeDisputeBox(raw []byte) (*DisputeBox, error) {
	if len(raw) < DisputeBoxSize {
		return nil, fmt.Errorf("escrow: dispute box is %d bytes, want %d", len(raw), DisputeBoxSize)
	}
	d := &DisputeBox{
		Reason:   string(bytes.TrimRight(raw[0:MaxReasonBytes], "\x00")),
		OpenedAt: int64(binary.BigEndian.Uint64(raw[64:72])),
	}
	copy(d.Payer[:], raw[72:104])
	return d, nil
}

func (d *DisputeBox) Encode() []byte {
	out := make([]byte, DisputeBoxSize)
	copy(out[0:MaxReasonBytes], d.Reason)
	binary.BigEndian.PutUint64(out[64:72], uint64(d.OpenedAt))
	copy(out[72:104], d.Payer[:])
	return out
}

// CheckCancel applies the cancel rules against the current box. paid is nil
// when no paid box exists. It returns TimeGate with the seconds left while the
// grace window is open.
func CheckCancel(box *TradeBox, paid *PaidBox, caller types.Address, now time.Time) error {
	switch box.Status {
	case BoxPending:
		if caller != box.Seller {
			return stoerrors.PrecondFailed("only the seller can cancel a pending trade")
		}
		return nil
	case BoxActive:
		if caller != box.Seller && caller != box.Buyer {
			return stoerrors.PrecondFailed("only trade parties can cancel")
		}
		if paid != nil && paid.PaidAt != 0 {
			return stoerrors.PrecondFailed("payment already marked as sent")
		}
		opensAt := box.ExpiresAt + int64(CancelGrace/time.Second)
		if remaining := opensAt - now.Unix(); remaining >= 0 {
			if remaining < 1 {
				remaining = 1
			}
			return stoerrors.TimeGate(remaining)
		}
		return nil
	default:
		return stoerrors.PrecondFailed(fmt.Sprintf("trade cannot be cancelled in status %s", box.Status))
	}
}

// ExtendOnPaid returns the new expiry after mark-as-paid confirms at now.
// Expiry only moves when the trade is still within its window.
func ExtendOnPaid(expiresAt, now time.Time) time.Time {
	if now.After(expiresAt) {
		return expiresAt
	}
	return expiresAt.Add(PaidExtension)
}
