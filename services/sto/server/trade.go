package server

import (
	"bytes"
	"context"

	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/native/common"
	"confio/native/escrow"
	"confio/services/sto/auth"
	"confio/services/sto/fsm"
	"confio/services/sto/models"
	"confio/services/sto/recon"
	"confio/services/sto/session"
	"confio/services/sto/submit"
)

// settling actions close the trade and delete its boxes.
func settling(action common.Action) bool {
	switch action {
	case common.ActionConfirmReceived, common.ActionCancelTrade, common.ActionResolveDispute:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) prepareTrade(ctx context.Context, p *auth.Principal, caller types.Address, req session.PrepareRequest) (common.Pack, error) {
	trade, err := o.machine.LoadTrade(ctx, req.IntentID)
	if err != nil {
		return common.Pack{}, err
	}
	if trade.Status.Terminal() {
		if settling(req.Action) {
			return common.EmptyPack(), nil
		}
		return common.Pack{}, stoerrors.InvalidIntent("trade %s is %s", trade.ID, trade.Status)
	}
	built, done, err := o.buildTrade(ctx, p, caller, trade, req)
	if stoerrors.IsKind(err, stoerrors.KindBoxMissing) && settling(req.Action) && trade.PendingAction == string(req.Action) {
		done, err = true, nil
	}
	if err != nil {
		return common.Pack{}, err
	}
	if done {
		o.heal(ctx, trade, req.Action)
		return common.EmptyPack(), nil
	}
	pack, err := o.sponsor(ctx, p, built)
	if err != nil {
		return common.Pack{}, err
	}
	o.groups.put(preparedKey(req.Action, trade.ID, caller.String()), prepared{
		Sponsor:     built.SponsorEntries(),
		UserIndexes: userIndexes(built),
		LastValid:   pack.LastValid,
	})
	return pack, nil
}

// buildTrade runs the per-action preflight and builder. done is true when the
// action's post-condition already holds on chain.
func (o *Orchestrator) buildTrade(ctx context.Context, p *auth.Principal, caller types.Address, trade *models.Trade, req session.PrepareRequest) (*common.Built, bool, error) {
	cfg := o.cfg.P2P
	id := trade.ID
	switch req.Action {
	case common.ActionCreateTrade:
		if trade.SellerAddress != caller.String() {
			return nil, false, stoerrors.Forbidden("only the seller can fund trade %s", id)
		}
		done, err := o.checker.CreateTrade(ctx, id, caller, trade.AssetID, trade.CryptoAmount)
		if err != nil || done {
			return nil, done, err
		}
		params, err := o.params(ctx)
		if err != nil {
			return nil, false, err
		}
		built, err := escrow.BuildCreate(params, cfg, escrow.CreateArgs{TradeID: id, Seller: caller, AssetID: trade.AssetID, Amount: trade.CryptoAmount})
		return built, false, err

	case common.ActionAcceptTrade:
		if trade.BuyerUserID != "" && trade.BuyerUserID != p.UserID {
			return nil, false, stoerrors.Forbidden("trade %s is reserved for another buyer", id)
		}
		_, done, err := o.checker.AcceptTrade(ctx, id, caller)
		if err != nil || done {
			return nil, done, err
		}
		params, err := o.params(ctx)
		if err != nil {
			return nil, false, err
		}
		built, err := escrow.BuildAccept(params, cfg, id, caller)
		return built, false, err

	case common.ActionMarkPaid:
		_, done, err := o.checker.MarkPaid(ctx, id, caller)
		if err != nil || done {
			return nil, done, err
		}
		params, err := o.params(ctx)
		if err != nil {
			return nil, false, err
		}
		built, err := escrow.BuildMarkPaid(params, cfg, id, caller, req.PaymentRef)
		return built, false, err

	case common.ActionConfirmReceived:
		state, err := o.checker.ConfirmReceived(ctx, id, caller)
		if err != nil {
			return nil, false, err
		}
		params, err := o.params(ctx)
		if err != nil {
			return nil, false, err
		}
		built, err := escrow.BuildConfirmReceived(params, cfg, id, state.Trade.Seller, state.Trade.Buyer)
		return built, false, err

	case common.ActionCancelTrade:
		state, err := o.checker.Cancel(ctx, id, caller)
		if err != nil {
			return nil, false, err
		}
		params, err := o.params(ctx)
		if err != nil {
			return nil, false, err
		}
		built, err := escrow.BuildCancel(params, cfg, id, caller, state.Trade.Buyer)
		return built, false, err

	case common.ActionOpenDispute:
		_, done, err := o.checker.OpenDispute(ctx, id, caller)
		if err != nil || done {
			return nil, done, err
		}
		params, err := o.params(ctx)
		if err != nil {
			return nil, false, err
		}
		built, err := escrow.BuildOpenDispute(params, cfg, id, caller, req.Reason)
		return built, false, err

	case common.ActionResolveDispute:
		args, err := o.checker.ResolveDispute(ctx, id, caller, p.Has(auth.PermResolveDispute), escrow.Winner(req.Winner))
		if err != nil {
			return nil, false, err
		}
		params, err := o.params(ctx)
		if err != nil {
			return nil, false, err
		}
		built, err := escrow.BuildResolveDispute(params, cfg, args)
		return built, false, err
	}
	return nil, false, stoerrors.InvalidIntent("action %q does not drive a trade", req.Action)
}

// heal applies a transition whose group landed without the store noticing.
func (o *Orchestrator) heal(ctx context.Context, trade *models.Trade, action common.Action) {
	held, conf, err := recon.TradeOutcome(ctx, o.checker, trade.ID, action)
	if err != nil || !held {
		return
	}
	if trade.PendingAction == string(action) {
		conf.TxID = trade.PendingTxID
		conf.Winner = escrow.Winner(trade.PendingWinner)
		conf.Initiator = trade.PendingInitiator
	}
	applied, err := o.machine.TradeConfirmed(ctx, trade.ID, action, conf)
	if err != nil {
		o.logger.Debug("trade already past action", "trade_id", trade.ID, "action", string(action), "error", err)
		return
	}
	if applied {
		o.logger.Warn("applied unobserved trade transition", "trade_id", trade.ID, "action", string(action))
	}
}

func (o *Orchestrator) submitTrade(ctx context.Context, caller types.Address, req session.SubmitRequest) (session.SubmitResult, error) {
	trade, err := o.machine.LoadTrade(ctx, req.IntentID)
	if err != nil {
		return session.SubmitResult{}, err
	}
	if trade.Status.Terminal() {
		return session.SubmitResult{}, stoerrors.InvalidIntent("trade %s is %s", trade.ID, trade.Status)
	}
	key := preparedKey(req.Action, trade.ID, caller.String())
	stored, ok := o.groups.get(key)
	sponsor := req.SponsorTransactions
	if len(sponsor) == 0 {
		if !ok {
			return session.SubmitResult{}, stoerrors.InvalidIntent("no prepared group for %s on trade %s", req.Action, trade.ID)
		}
		sponsor = stored.Sponsor
	}
	user, err := userEntries(req, sponsor, stored.UserIndexes)
	if err != nil {
		return session.SubmitResult{}, err
	}
	a, err := o.coord.Assemble(submit.Request{Action: req.Action, Caller: caller, User: user, Sponsor: sponsor})
	if err != nil {
		return session.SubmitResult{}, err
	}
	call, err := o.tradeCall(a, req.Action, trade.ID)
	if err != nil {
		return session.SubmitResult{}, err
	}
	conf := confirmationFor(req.Action, call, trade, caller)
	res, err := o.broadcastTrade(ctx, trade.ID, req.Action, a, conf)
	if err != nil {
		return session.SubmitResult{}, err
	}
	o.groups.drop(key)
	return res, nil
}

// AutoAccept accepts tradeID for buyer with a fully sponsor-signed group.
func (o *Orchestrator) AutoAccept(ctx context.Context, tradeID string, buyer types.Address) (session.SubmitResult, error) {
	if buyer == o.signer.Address() {
		return session.SubmitResult{}, stoerrors.PrecondFailed("sponsor cannot accept trades")
	}
	unlock := o.locks.Lock(lockKey(common.ActionAcceptTrade, tradeID))
	defer unlock()

	trade, err := o.machine.LoadTrade(ctx, tradeID)
	if err != nil {
		return session.SubmitResult{}, err
	}
	if trade.Status.Terminal() {
		return session.SubmitResult{}, stoerrors.InvalidIntent("trade %s is %s", tradeID, trade.Status)
	}
	_, done, err := o.checker.AcceptTrade(ctx, tradeID, buyer)
	if err != nil {
		return session.SubmitResult{}, err
	}
	if done {
		o.heal(ctx, trade, common.ActionAcceptTrade)
		return session.SubmitResult{}, nil
	}
	params, err := o.params(ctx)
	if err != nil {
		return session.SubmitResult{}, err
	}
	built, err := escrow.BuildSponsorAccept(params, o.cfg.P2P, tradeID, buyer)
	if err != nil {
		return session.SubmitResult{}, err
	}
	if err := built.SignSponsor(ctx, o.signer); err != nil {
		return session.SubmitResult{}, stoerrors.Transient(err)
	}
	a, err := o.coord.Assemble(submit.Request{Action: common.ActionAcceptTrade, Caller: buyer, Sponsor: built.SponsorEntries()})
	if err != nil {
		return session.SubmitResult{}, err
	}
	o.logger.Info("auto-accepting trade", "trade_id", tradeID, "buyer", buyer.String())
	return o.broadcastTrade(ctx, tradeID, common.ActionAcceptTrade, a, fsm.Confirmation{Buyer: buyer.String()})
}

// broadcastTrade records the pending marker, submits a and applies the
// confirmed transition.
func (o *Orchestrator) broadcastTrade(ctx context.Context, tradeID string, action common.Action, a *submit.Assembled, conf fsm.Confirmation) (session.SubmitResult, error) {
	if err := o.machine.TradeBroadcast(ctx, tradeID, fsm.Pending{
		Action:    action,
		TxID:      a.TxID,
		LastValid: a.LastValid,
		Winner:    conf.Winner,
		Initiator: conf.Initiator,
	}); err != nil {
		return session.SubmitResult{}, err
	}
	res, err := o.coord.Submit(ctx, action, a, recon.TradeRecheck(o.checker, tradeID, action))
	if err != nil {
		if definite(err) {
			if ferr := o.machine.TradeBroadcastFailed(ctx, tradeID, action, err.Error()); ferr != nil {
				o.logger.Warn("clear trade marker", "trade_id", tradeID, "error", ferr)
			}
		}
		return session.SubmitResult{}, err
	}
	conf.TxID = a.TxID
	conf.Round = res.ConfirmedRound
	if _, err := o.machine.TradeConfirmed(ctx, tradeID, action, conf); err != nil {
		return session.SubmitResult{}, err
	}
	return session.SubmitResult{TxID: res.TxID, ConfirmedRound: res.ConfirmedRound}, nil
}

// tradeCall finds the trade-app call of a and checks it invokes action on
// tradeID.
func (o *Orchestrator) tradeCall(a *submit.Assembled, action common.Action, tradeID string) (types.Transaction, error) {
	selector, _ := escrow.SelectorFor(action)
	for i := range a.Signed {
		tx := a.Txn(i)
		if tx.Type != types.ApplicationCallTx || uint64(tx.ApplicationID) != o.cfg.P2P.AppID {
			continue
		}
		if len(tx.ApplicationArgs) < 2 || !bytes.Equal(tx.ApplicationArgs[0], selector) {
			return types.Transaction{}, stoerrors.GroupMismatch("group does not call %s", action)
		}
		id, err := txn.DecodeStringArg(tx.ApplicationArgs[1])
		if err != nil || id != tradeID {
			return types.Transaction{}, stoerrors.GroupMismatch("group targets another trade")
		}
		return tx, nil
	}
	return types.Transaction{}, stoerrors.GroupMismatch("group has no trade application call")
}

// confirmationFor derives the transition facts from the submitted call.
func confirmationFor(action common.Action, call types.Transaction, trade *models.Trade, caller types.Address) fsm.Confirmation {
	var conf fsm.Confirmation
	switch action {
	case common.ActionAcceptTrade:
		conf.Buyer = caller.String()
	case common.ActionMarkPaid:
		conf.PaymentRef = stringArg(call, 2)
	case common.ActionOpenDispute:
		conf.Reason = stringArg(call, 2)
		conf.Initiator = caller.String()
	case common.ActionResolveDispute:
		conf.Winner = escrow.WinnerSeller
		if len(call.ApplicationArgs) > 2 && trade.BuyerAddress != "" {
			var winner types.Address
			copy(winner[:], call.ApplicationArgs[2])
			if winner.String() == trade.BuyerAddress {
				conf.Winner = escrow.WinnerBuyer
			}
		}
	}
	return conf
}

func stringArg(call types.Transaction, i int) string {
	if len(call.ApplicationArgs) <= i {
		return ""
	}
	s, err := txn.DecodeStringArg(call.ApplicationArgs[i])
	if err != nil {
		return ""
	}
	return s
}
