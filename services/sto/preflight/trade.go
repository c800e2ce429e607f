package preflight

import (
	"context"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/sync/errgroup"

	stoerrors "confio/core/errors"
	"confio/native/escrow"
)

// TradeState is the decoded on-chain view of a trade.
type TradeState struct {
	Trade   *escrow.TradeBox
	Paid    *escrow.PaidBox
	Dispute *escrow.DisputeBox
}

// ReadTrade reads the trade box and its companion boxes, bypassing caches.
// A missing trade box is BoxMissing; missing companions stay nil.
func (c *Checker) ReadTrade(ctx context.Context, tradeID string) (*TradeState, error) {
	appID := c.cfg.P2P.AppID
	var tradeRaw, paidRaw, disputeRaw []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tradeRaw, err = c.gw.Box(gctx, appID, escrow.TradeKey(tradeID))
		return err
	})
	g.Go(func() error {
		var err error
		paidRaw, err = c.gw.BoxIfExists(gctx, appID, escrow.PaidKey(tradeID))
		return err
	})
	g.Go(func() error {
		var err error
		disputeRaw, err = c.gw.BoxIfExists(gctx, appID, escrow.DisputeKey(tradeID))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	state := &TradeState{}
	var err error
	if state.Trade, err = escrow.DecodeTradeBox(tradeRaw); err != nil {
		return nil, stoerrors.Internal(err, "decode trade box %s", tradeID)
	}
	if paidRaw != nil {
		if state.Paid, err = escrow.DecodePaidBox(paidRaw); err != nil {
			return nil, stoerrors.Internal(err, "decode paid box %s", tradeID)
		}
	}
	if disputeRaw != nil {
		if state.Dispute, err = escrow.DecodeDisputeBox(disputeRaw); err != nil {
			return nil, stoerrors.Internal(err, "decode dispute box %s", tradeID)
		}
	}
	return state, nil
}

// withTrade runs the sponsor checks concurrently with the box reads.
func (c *Checker) withTrade(ctx context.Context, tradeID string, assetIDs ...uint64) (*TradeState, error) {
	if err := escrow.ValidateTradeID(tradeID); err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.common(gctx, c.cfg.P2P.AppID, assetIDs...)
		return err
	})
	var state *TradeState
	g.Go(func() error {
		var err error
		state, err = c.ReadTrade(gctx, tradeID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return state, nil
}

// CreateTrade checks a new escrow deposit. done is true when the trade box
// already exists, in which case the caller short-circuits with success.
func (c *Checker) CreateTrade(ctx context.Context, tradeID string, seller types.Address, assetID, amount uint64) (done bool, err error) {
	if err := escrow.ValidateTradeID(tradeID); err != nil {
		return false, err
	}
	if !c.cfg.P2P.Supports(assetID) {
		return false, stoerrors.UnsupportedAsset(assetID)
	}
	// The box is read first: a deposit that already landed leaves the seller
	// short, and the existing box must win over InsufficientBalance.
	existing, err := c.gw.BoxIfExists(ctx, c.cfg.P2P.AppID, escrow.TradeKey(tradeID))
	if err != nil {
		return false, err
	}
	if existing != nil {
		return true, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.common(gctx, c.cfg.P2P.AppID, assetID)
		return err
	})
	g.Go(func() error { return c.balanceAtLeast(gctx, seller, assetID, amount) })
	return false, g.Wait()
}

// AcceptTrade checks a buyer accepting tradeID. done is true when the box
// already records caller as the buyer of an active trade.
func (c *Checker) AcceptTrade(ctx context.Context, tradeID string, buyer types.Address) (*TradeState, bool, error) {
	if buyer == c.sponsor.Address() {
		return nil, false, stoerrors.PrecondFailed("sponsor cannot accept trades")
	}
	state, err := c.withTrade(ctx, tradeID)
	if err != nil {
		return nil, false, err
	}
	box := state.Trade
	if box.Status == escrow.BoxActive && box.Buyer == buyer {
		return state, true, nil
	}
	if box.Status != escrow.BoxPending {
		return nil, false, stoerrors.PrecondFailed(fmt.Sprintf("trade is %s", box.Status))
	}
	if box.Seller == buyer {
		return nil, false, stoerrors.PrecondFailed("self-trade is not allowed")
	}
	if _, err := c.gw.AccountAssetHolding(ctx, buyer, box.AssetID); err != nil {
		return nil, false, err
	}
	return state, false, nil
}

// MarkPaid checks the buyer marking fiat payment as sent.
func (c *Checker) MarkPaid(ctx context.Context, tradeID string, caller types.Address) (*TradeState, bool, error) {
	state, err := c.withTrade(ctx, tradeID)
	if err != nil {
		return nil, false, err
	}
	if state.Trade.Buyer != caller {
		return nil, false, stoerrors.PrecondFailed("only the buyer can mark payment")
	}
	if state.Paid != nil && state.Paid.PaidAt != 0 {
		return state, true, nil
	}
	if state.Trade.Status != escrow.BoxActive {
		return nil, false, stoerrors.PrecondFailed(fmt.Sprintf("trade is %s", state.Trade.Status))
	}
	return state, false, nil
}

// ConfirmReceived checks the seller releasing the escrow.
func (c *Checker) ConfirmReceived(ctx context.Context, tradeID string, caller types.Address) (*TradeState, error) {
	state, err := c.withTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if state.Trade.Seller != caller {
		return nil, stoerrors.PrecondFailed("only the seller can confirm receipt")
	}
	if state.Trade.Status != escrow.BoxActive {
		return nil, stoerrors.PrecondFailed(fmt.Sprintf("trade is %s", state.Trade.Status))
	}
	if state.Paid == nil {
		return nil, stoerrors.BoxMissing(string(escrow.PaidKey(tradeID)))
	}
	return state, nil
}

// Cancel checks the cancel rules, including the post-expiry grace window.
func (c *Checker) Cancel(ctx context.Context, tradeID string, caller types.Address) (*TradeState, error) {
	state, err := c.withTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := escrow.CheckCancel(state.Trade, state.Paid, caller, c.nowFn()); err != nil {
		return nil, err
	}
	return state, nil
}

// OpenDispute checks a trade party opening a dispute. done is true when the
// dispute is already recorded on chain.
func (c *Checker) OpenDispute(ctx context.Context, tradeID string, caller types.Address) (*TradeState, bool, error) {
	state, err := c.withTrade(ctx, tradeID)
	if err != nil {
		return nil, false, err
	}
	box := state.Trade
	if caller != box.Seller && caller != box.Buyer {
		return nil, false, stoerrors.PrecondFailed("only trade parties can open a dispute")
	}
	if box.Status == escrow.BoxDisputed && state.Dispute != nil {
		return state, true, nil
	}
	if box.Status != escrow.BoxActive {
		return nil, false, stoerrors.PrecondFailed(fmt.Sprintf("trade is %s", box.Status))
	}
	return state, false, nil
}

// ResolveDispute checks an admin resolution and returns the builder inputs.
func (c *Checker) ResolveDispute(ctx context.Context, tradeID string, admin types.Address, isAdmin bool, winner escrow.Winner) (escrow.ResolveArgs, error) {
	if !isAdmin {
		return escrow.ResolveArgs{}, stoerrors.Forbidden("dispute resolution requires admin permission")
	}
	if _, err := winner.ResolvedStatus(); err != nil {
		return escrow.ResolveArgs{}, stoerrors.InvalidIntent("winner must be buyer or seller")
	}
	if err := escrow.ValidateTradeID(tradeID); err != nil {
		return escrow.ResolveArgs{}, err
	}
	var state *TradeState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := c.common(gctx, c.cfg.P2P.AppID)
		if err != nil {
			return err
		}
		if onChain, ok := info.GlobalAddress(KeyAdmin); ok && onChain != admin {
			return stoerrors.Forbidden("caller is not the trade application admin")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		state, err = c.ReadTrade(gctx, tradeID)
		return err
	})
	if err := g.Wait(); err != nil {
		return escrow.ResolveArgs{}, err
	}
	if state.Trade.Status != escrow.BoxDisputed {
		return escrow.ResolveArgs{}, stoerrors.PrecondFailed(fmt.Sprintf("trade is %s", state.Trade.Status))
	}
	args := escrow.ResolveArgs{
		TradeID:    tradeID,
		Admin:      admin,
		Trade:      state.Trade,
		HasPaidBox: state.Paid != nil,
	}
	if winner == escrow.WinnerBuyer {
		args.Winner = state.Trade.Buyer
	} else {
		args.Winner = state.Trade.Seller
	}
	if state.Dispute != nil {
		args.DisputePayer = state.Dispute.Payer
	}
	return args, nil
}
