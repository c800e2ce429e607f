package recon

import (
	"context"

	stoerrors "confio/core/errors"
	"confio/native/common"
	"confio/native/escrow"
	"confio/services/sto/fsm"
	"confio/services/sto/preflight"
	"confio/services/sto/submit"
)

// BoxReader reads the on-chain view of a trade.
type BoxReader interface {
	ReadTrade(ctx context.Context, tradeID string) (*preflight.TradeState, error)
}

// TradeOutcome reports whether the post-condition of action holds for
// tradeID on chain, with the facts the transition needs. A settled trade
// (box gone or marked resolved) satisfies every settling action.
func TradeOutcome(ctx context.Context, r BoxReader, tradeID string, action common.Action) (bool, fsm.Confirmation, error) {
	state, err := r.ReadTrade(ctx, tradeID)
	if err != nil {
		if !stoerrors.IsKind(err, stoerrors.KindBoxMissing) {
			return false, fsm.Confirmation{}, err
		}
		state = nil
	}
	var conf fsm.Confirmation
	if state != nil && state.Trade.HasBuyer() {
		conf.Buyer = state.Trade.Buyer.String()
	}
	settled := state == nil || state.Trade.Status == escrow.BoxResolved
	switch action {
	case common.ActionCreateTrade:
		return state != nil, conf, nil
	case common.ActionAcceptTrade:
		if state == nil || !state.Trade.HasBuyer() || state.Trade.Status == escrow.BoxPending {
			return false, conf, nil
		}
		return true, conf, nil
	case common.ActionMarkPaid:
		if state == nil || state.Paid == nil || state.Paid.PaidAt == 0 {
			return false, conf, nil
		}
		conf.PaymentRef = state.Paid.PaymentRef
		return true, conf, nil
	case common.ActionOpenDispute:
		if state == nil || state.Dispute == nil {
			return false, conf, nil
		}
		conf.Reason = state.Dispute.Reason
		return true, conf, nil
	case common.ActionConfirmReceived, common.ActionCancelTrade, common.ActionResolveDispute:
		return settled, conf, nil
	default:
		return false, conf, stoerrors.InvalidIntent("action %q does not drive a trade", action)
	}
}

// TradeRecheck adapts TradeOutcome to the submit coordinator. The recheck
// carries no transaction id.
func TradeRecheck(r BoxReader, tradeID string, action common.Action) submit.Recheck {
	return func(ctx context.Context) (submit.Outcome, error) {
		held, _, err := TradeOutcome(ctx, r, tradeID, action)
		if err != nil {
			return submit.Outcome{}, err
		}
		return submit.Outcome{Holds: held}, nil
	}
}
