package escrow

import "fmt"

// TradeStatus is the off-chain lifecycle phase of a P2P trade.
type TradeStatus string

const (
	TradePending        TradeStatus = "PENDING"
	TradePaymentPending TradeStatus = "PAYMENT_PENDING"
	TradeDisputed       TradeStatus = "DISPUTED"
	TradeCryptoReleased TradeStatus = "CRYPTO_RELEASED"
	TradeCancelled      TradeStatus = "CANCELLED"
	TradeRefunded       TradeStatus = "REFUNDED"
)

// Valid reports whether the trade status value is supported.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradePending, TradePaymentPending, TradeDisputed, TradeCryptoReleased, TradeCancelled, TradeRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave s.
func (s TradeStatus) Terminal() bool {
	return s == TradeCryptoReleased || s == TradeCancelled || s == TradeRefunded
}

// CanTransition reports whether from -> to is an edge of the trade FSM.
func CanTransition(from, to TradeStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case TradePending:
		return to == TradePaymentPending || to == TradeCancelled
	case TradePaymentPending:
		return to == TradeCryptoReleased || to == TradeCancelled || to == TradeDisputed
	case TradeDisputed:
		return to == TradeCryptoReleased || to == TradeRefunded
	default:
		return false
	}
}

// Reachable reports whether to can be reached from from along one or more
// trade FSM edges.
func Reachable(from, to TradeStatus) bool {
	seen := map[TradeStatus]bool{from: true}
	frontier := []TradeStatus{from}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, next := range tradeStatuses {
			if next == cur || seen[next] || !CanTransition(cur, next) {
				continue
			}
			if next == to {
				return true
			}
			seen[next] = true
			frontier = append(frontier, next)
		}
	}
	return false
}

var tradeStatuses = []TradeStatus{
	TradePending, TradePaymentPending, TradeDisputed, TradeCryptoReleased, TradeCancelled, TradeRefunded,
}

// BoxStatus is the status byte stored at offset 64 of the trade box.
type BoxStatus byte

const (
	BoxPending  BoxStatus = 0x00
	BoxActive   BoxStatus = 0x01
	BoxDisputed BoxStatus = 0x02
	BoxResolved BoxStatus = 0x03
)

func (b BoxStatus) String() string {
	switch b {
	case BoxPending:
		return "PENDING"
	case BoxActive:
		return "ACTIVE"
	case BoxDisputed:
		return "DISPUTED"
	case BoxResolved:
		return "RESOLVED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(b))
	}
}

// TradeStatus maps the on-chain byte to the FSM state. RESOLVED is terminal on
// chain; the concrete terminal state is the one recorded off-chain, so ok is
// false and callers keep their own terminal value.
func (b BoxStatus) TradeStatus() (status TradeStatus, ok bool) {
	switch b {
	case BoxPending:
		return TradePending, true
	case BoxActive:
		return TradePaymentPending, true
	case BoxDisputed:
		return TradeDisputed, true
	default:
		return "", false
	}
}

// Winner of a dispute resolution.
type Winner string

const (
	WinnerBuyer  Winner = "buyer"
	WinnerSeller Winner = "seller"
)

// ResolvedStatus is the terminal FSM state for a dispute won by w.
func (w Winner) ResolvedStatus() (TradeStatus, error) {
	switch w {
	case WinnerBuyer:
		return TradeCryptoReleased, nil
	case WinnerSeller:
		return TradeRefunded, nil
	default:
		return "", fmt.Errorf("escrow: unknown dispute winner %q", string(w))
	}
}

// Release types recorded on escrow bookkeeping.
const (
	ReleaseNormal  = "NORMAL"
	ReleaseRefund  = "REFUND"
	ReleaseDispute = "DISPUTE_RELEASE"
)
