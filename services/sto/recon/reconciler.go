// Package recon settles intents whose submit outcome was never observed and
// expires intents that can no longer land.
package recon

import (
	"context"
	"log/slog"

	stoerrors "confio/core/errors"
	"confio/ledger"
	"confio/native/common"
	"confio/native/escrow"
	"confio/services/sto/fsm"
	"confio/services/sto/models"
)

// Report summarises one reconciliation pass.
type Report struct {
	Confirmed int
	Failed    int
	Expired   int
	Pending   int
}

// Reconciler resolves ghost submits from the indexer and box state.
type Reconciler struct {
	machine *fsm.Machine
	gw      *ledger.Gateway
	boxes   BoxReader
	logger  *slog.Logger

	BatchSize int
}

func NewReconciler(machine *fsm.Machine, gw *ledger.Gateway, boxes BoxReader, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{machine: machine, gw: gw, boxes: boxes, logger: logger.With("component", "recon"), BatchSize: 200}
}

// Run executes one pass. Individual intent failures are logged and skipped;
// only store and chain-status failures abort the pass.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report
	if err := r.expirePayments(ctx, &report); err != nil {
		return report, err
	}
	lastRound, err := r.gw.LastRound(ctx)
	if err != nil {
		return report, err
	}
	pending, err := r.machine.PendingBroadcasts(ctx, r.BatchSize)
	if err != nil {
		return report, err
	}
	for i := range pending.Payments {
		r.settlePayment(ctx, &pending.Payments[i], lastRound, &report)
	}
	for i := range pending.Sends {
		r.settleSend(ctx, &pending.Sends[i], lastRound, &report)
	}
	trades, err := r.machine.PendingTrades(ctx, r.BatchSize)
	if err != nil {
		return report, err
	}
	for i := range trades {
		r.settleTrade(ctx, &trades[i], lastRound, &report)
	}
	if report.Confirmed+report.Failed+report.Expired > 0 {
		r.logger.Info("reconciliation pass", "confirmed", report.Confirmed, "failed", report.Failed, "expired", report.Expired, "pending", report.Pending)
	}
	return report, nil
}

func (r *Reconciler) expirePayments(ctx context.Context, report *Report) error {
	ids, err := r.machine.ExpiredPayments(ctx, r.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		expired, err := r.machine.PaymentExpired(ctx, id)
		if err != nil {
			r.logger.Warn("expire payment failed", "intent_id", id, "error", err)
			continue
		}
		if expired {
			report.Expired++
		}
	}
	return nil
}

func (r *Reconciler) settlePayment(ctx context.Context, intent *models.PaymentIntent, lastRound uint64, report *Report) {
	logger := r.logger.With("intent_id", intent.ID, "tx_id", intent.TxHash)
	if intent.TxHash != "" {
		round, found, err := r.gw.LookupConfirmed(ctx, intent.TxHash)
		if err != nil {
			logger.Warn("payment lookup failed", "error", err)
			return
		}
		if found {
			if _, err := r.machine.PaymentConfirmed(ctx, intent.ID, intent.TxHash, round); err != nil {
				logger.Warn("apply payment confirmation failed", "error", err)
				return
			}
			logger.Warn("recovered unobserved payment confirmation", "round", round)
			report.Confirmed++
			return
		}
	}
	var lastValid uint64
	if g, err := intent.Prepared(); err == nil && g != nil {
		lastValid = g.LastValid
	}
	if lastValid > 0 && lastRound > lastValid {
		if err := r.machine.PaymentFailed(ctx, intent.ID, "validity window passed without confirmation"); err != nil {
			logger.Warn("fail payment failed", "error", err)
			return
		}
		report.Failed++
		return
	}
	report.Pending++
}

func (r *Reconciler) settleSend(ctx context.Context, intent *models.SendIntent, lastRound uint64, report *Report) {
	logger := r.logger.With("intent_id", intent.ID, "tx_id", intent.TxHash)
	if intent.TxHash != "" {
		round, found, err := r.gw.LookupConfirmed(ctx, intent.TxHash)
		if err != nil {
			logger.Warn("send lookup failed", "error", err)
			return
		}
		if found {
			if _, err := r.machine.SendConfirmed(ctx, intent.ID, intent.TxHash, round); err != nil {
				logger.Warn("apply send confirmation failed", "error", err)
				return
			}
			report.Confirmed++
			return
		}
	}
	if intent.LastValid > 0 && lastRound > intent.LastValid {
		if err := r.machine.SendFailed(ctx, intent.ID, "validity window passed without confirmation"); err != nil {
			logger.Warn("fail send failed", "error", err)
			return
		}
		report.Failed++
		return
	}
	report.Pending++
}

func (r *Reconciler) settleTrade(ctx context.Context, trade *models.Trade, lastRound uint64, report *Report) {
	action := common.Action(trade.PendingAction)
	logger := r.logger.With("trade_id", trade.ID, "action", trade.PendingAction, "tx_id", trade.PendingTxID)
	held, conf, err := TradeOutcome(ctx, r.boxes, trade.ID, action)
	if err != nil {
		logger.Warn("trade box read failed", "error", err)
		return
	}
	if held {
		conf.TxID = trade.PendingTxID
		if round, found, err := r.gw.LookupConfirmed(ctx, trade.PendingTxID); err == nil && found {
			conf.Round = round
		}
		conf.Winner = escrow.Winner(trade.PendingWinner)
		conf.Initiator = trade.PendingInitiator
		conf.Observed = true
		if _, err := r.machine.TradeConfirmed(ctx, trade.ID, action, conf); err != nil {
			if !stoerrors.IsKind(err, stoerrors.KindInvalidIntent) {
				logger.Warn("apply trade confirmation failed", "error", err)
				return
			}
			// The store cannot follow the chain; retrying would never succeed.
			if err := r.machine.TradeNeedsAttention(ctx, trade.ID, action, err.Error()); err != nil {
				logger.Warn("flag trade for attention failed", "error", err)
				return
			}
			report.Failed++
			return
		}
		logger.Warn("recovered unobserved trade confirmation")
		report.Confirmed++
		return
	}
	if trade.PendingLastValid > 0 && lastRound > trade.PendingLastValid {
		if err := r.machine.TradeBroadcastFailed(ctx, trade.ID, action, "validity window passed without confirmation"); err != nil {
			logger.Warn("clear trade broadcast failed", "error", err)
			return
		}
		report.Failed++
		return
	}
	report.Pending++
}
