package fsm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	stoerrors "confio/core/errors"
	"confio/native/common"
	"confio/native/escrow"
	"confio/services/sto/models"
)

// Confirmation carries the chain facts of a confirmed trade action.
type Confirmation struct {
	TxID  string
	Round uint64
	// Buyer is set by accept.
	Buyer string
	// PaymentRef is set by mark_paid.
	PaymentRef string
	// Winner is set by resolve_dispute.
	Winner escrow.Winner
	// Reason and Initiator are set by open_dispute.
	Reason    string
	Initiator string
	// Observed marks facts read back from the trade box. The chain is ahead
	// of the store, so a missed intermediate transition is healed.
	Observed bool
}

// TradeUpdate is the payload broadcast to the trade's chat room.
type TradeUpdate struct {
	Type       string            `json:"type"`
	TradeID    string            `json:"trade_id"`
	Status     string            `json:"status"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	TxID       string            `json:"tx_id,omitempty"`
	Event      string            `json:"event,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (m *Machine) lockTrade(tx *gorm.DB, id string) (*models.Trade, error) {
	var trade models.Trade
	if err := locked(tx).First(&trade, "id = ?", id).Error; err != nil {
		return nil, notFound(err, models.KindTrade, id)
	}
	return &trade, nil
}

// LoadTrade reads a trade with its escrow and dispute records.
func (m *Machine) LoadTrade(ctx context.Context, id string) (*models.Trade, error) {
	var trade models.Trade
	if err := m.db.WithContext(ctx).Preload("Escrow").Preload("Dispute").First(&trade, "id = ?", id).Error; err != nil {
		return nil, notFound(err, models.KindTrade, id)
	}
	return &trade, nil
}

// PendingTrades lists trades with a broadcast group awaiting confirmation.
func (m *Machine) PendingTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	var out []models.Trade
	err := m.db.WithContext(ctx).
		Where("pending_action <> ''").
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Pending describes a broadcast trade group awaiting confirmation.
type Pending struct {
	Action    common.Action
	TxID      string
	LastValid uint64
	Winner    escrow.Winner
	Initiator string
}

// TradeBroadcast records the in-flight group for later reconciliation.
func (m *Machine) TradeBroadcast(ctx context.Context, id string, p Pending) error {
	return m.transaction(ctx, func(tx *gorm.DB) error {
		trade, err := m.lockTrade(tx, id)
		if err != nil {
			return err
		}
		if trade.Status.Terminal() {
			return stoerrors.InvalidIntent("trade %s is %s", id, trade.Status)
		}
		trade.PendingAction = string(p.Action)
		trade.PendingTxID = p.TxID
		trade.PendingLastValid = p.LastValid
		trade.PendingWinner = string(p.Winner)
		trade.PendingInitiator = p.Initiator
		trade.UpdatedAt = m.now()
		return tx.Save(trade).Error
	})
}

// TradeBroadcastFailed clears the in-flight marker of action. The trade
// status is untouched; the chain is the source of truth for trades.
func (m *Machine) TradeBroadcastFailed(ctx context.Context, id string, action common.Action, reason string) error {
	return m.transaction(ctx, func(tx *gorm.DB) error {
		trade, err := m.lockTrade(tx, id)
		if err != nil {
			return err
		}
		if trade.PendingAction != string(action) {
			return nil
		}
		m.logger.Warn("trade action failed", "trade_id", id, "action", string(action), "reason", reason)
		clearPending(trade)
		trade.UpdatedAt = m.now()
		return tx.Save(trade).Error
	})
}

// TradeNeedsAttention clears the in-flight marker of action and records why
// its confirmation could not be applied, so reconciliation stops retrying.
func (m *Machine) TradeNeedsAttention(ctx context.Context, id string, action common.Action, reason string) error {
	return m.transaction(ctx, func(tx *gorm.DB) error {
		trade, err := m.lockTrade(tx, id)
		if err != nil {
			return err
		}
		if trade.PendingAction != string(action) {
			return nil
		}
		m.logger.Error("trade needs operator attention", "trade_id", id, "action", string(action), "tx_id", trade.PendingTxID, "reason", reason)
		clearPending(trade)
		trade.AttentionReason = truncate(string(action)+": "+reason, 160)
		trade.UpdatedAt = m.now()
		return tx.Save(trade).Error
	})
}

func clearPending(t *models.Trade) {
	t.PendingAction = ""
	t.PendingTxID = ""
	t.PendingLastValid = 0
	t.PendingWinner = ""
	t.PendingInitiator = ""
}

func targetStatus(action common.Action, c Confirmation) (escrow.TradeStatus, error) {
	switch action {
	case common.ActionCreateTrade:
		return escrow.TradePending, nil
	case common.ActionAcceptTrade, common.ActionMarkPaid:
		return escrow.TradePaymentPending, nil
	case common.ActionConfirmReceived:
		return escrow.TradeCryptoReleased, nil
	case common.ActionCancelTrade:
		return escrow.TradeCancelled, nil
	case common.ActionOpenDispute:
		return escrow.TradeDisputed, nil
	case common.ActionResolveDispute:
		to, err := c.Winner.ResolvedStatus()
		if err != nil {
			return "", stoerrors.InvalidIntent("%v", err)
		}
		return to, nil
	default:
		return "", stoerrors.InvalidIntent("action %q does not drive a trade", action)
	}
}

// TradeConfirmed applies a confirmed trade action once. applied is false when
// the action was already recorded.
func (m *Machine) TradeConfirmed(ctx context.Context, id string, action common.Action, c Confirmation) (applied bool, err error) {
	var to escrow.TradeStatus
	err = m.transaction(ctx, func(tx *gorm.DB) error {
		trade, err := m.lockTrade(tx, id)
		if err != nil {
			return err
		}
		to, err = targetStatus(action, c)
		if err != nil {
			return err
		}
		now := m.now()
		from := trade.Status
		ok, err := logTransition(tx, models.KindTrade, id, string(action), string(from), string(to), c.TxID, now)
		if err != nil || !ok {
			return err
		}
		healed := false
		if !escrow.CanTransition(from, to) {
			if !c.Observed || from.Terminal() || !escrow.Reachable(from, to) {
				return stoerrors.InvalidIntent("trade %s cannot move from %s to %s", id, from, to)
			}
			healed = true
		}
		if action == common.ActionMarkPaid && from != escrow.TradePaymentPending {
			if !c.Observed || from != escrow.TradePending {
				return stoerrors.InvalidIntent("trade %s is %s", id, from)
			}
			healed = true
		}
		if healed {
			m.logger.Warn("healing trade past a missed transition", "trade_id", id, "action", string(action), "from", string(from), "to", string(to))
			if trade.BuyerAddress == "" && c.Buyer != "" {
				trade.BuyerAddress = c.Buyer
				trade.BuyerUserID = userOf(tx, c.Buyer)
			}
		}
		if err := m.applyTrade(tx, trade, action, c, now); err != nil {
			return err
		}
		clearPending(trade)
		trade.AttentionReason = ""
		if c.TxID != "" {
			trade.LastTxID = c.TxID
		}
		trade.Status = to
		trade.UpdatedAt = now
		if err := tx.Save(trade).Error; err != nil {
			return err
		}
		if err := upsertUnified(tx, models.UnifiedTransaction{
			IntentKind:     models.KindTrade,
			IntentID:       id,
			Type:           "p2p_trade",
			FromAddress:    trade.SellerAddress,
			ToAddress:      trade.BuyerAddress,
			AssetID:        trade.AssetID,
			Amount:         trade.CryptoAmount,
			TxHash:         trade.LastTxID,
			Status:         string(to),
			ConfirmedRound: c.Round,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		m.emit(tx, "trade update", func(tx *gorm.DB) error {
			return m.tradeEmissions(tx, trade, action, c.TxID, now)
		})
		applied = true
		return nil
	})
	if applied {
		recordTransition(models.KindTrade, string(to))
	}
	return applied, err
}

func (m *Machine) applyTrade(tx *gorm.DB, trade *models.Trade, action common.Action, c Confirmation, now time.Time) error {
	switch action {
	case common.ActionCreateTrade:
		return m.saveEscrow(tx, trade.ID, now, func(e *models.TradeEscrow) {
			e.AssetID = trade.AssetID
			e.EscrowAmount = trade.CryptoAmount
			e.IsEscrowed = true
			e.EscrowTransactionHash = c.TxID
		})
	case common.ActionAcceptTrade:
		expires := now.Add(escrow.AcceptWindow)
		trade.AcceptedAt = &now
		trade.ExpiresAt = &expires
		if c.Buyer != "" {
			trade.BuyerAddress = c.Buyer
		}
		if trade.BuyerUserID == "" {
			trade.BuyerUserID = userOf(tx, trade.BuyerAddress)
		}
	case common.ActionMarkPaid:
		if trade.ExpiresAt != nil {
			extended := escrow.ExtendOnPaid(*trade.ExpiresAt, now)
			trade.ExpiresAt = &extended
		}
		trade.PaidAt = &now
		trade.PaymentRef = c.PaymentRef
	case common.ActionConfirmReceived:
		trade.CompletedAt = &now
		return m.release(tx, trade.ID, escrow.ReleaseNormal, c.TxID, now)
	case common.ActionCancelTrade:
		trade.CompletedAt = &now
		var e models.TradeEscrow
		err := tx.Where("trade_id = ?", trade.ID).First(&e).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.IsEscrowed && !e.IsReleased {
			return m.release(tx, trade.ID, escrow.ReleaseRefund, c.TxID, now)
		}
	case common.ActionOpenDispute:
		var d models.TradeDispute
		err := tx.Where("trade_id = ?", trade.ID).First(&d).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&models.TradeDispute{
			ID:               uuid.New(),
			TradeID:          trade.ID,
			InitiatorAddress: c.Initiator,
			Reason:           truncate(c.Reason, 64),
			Status:           models.DisputeOpen,
			OpenedAt:         now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}).Error
	case common.ActionResolveDispute:
		trade.CompletedAt = &now
		if err := m.release(tx, trade.ID, escrow.ReleaseDispute, c.TxID, now); err != nil {
			return err
		}
		return tx.Model(&models.TradeDispute{}).Where("trade_id = ?", trade.ID).Updates(map[string]any{
			"status":             models.DisputeResolved,
			"winner":             string(c.Winner),
			"resolution_tx_hash": c.TxID,
			"resolved_at":        now,
			"updated_at":         now,
		}).Error
	}
	return nil
}

func (m *Machine) saveEscrow(tx *gorm.DB, tradeID string, now time.Time, fn func(e *models.TradeEscrow)) error {
	var e models.TradeEscrow
	err := tx.Where("trade_id = ?", tradeID).First(&e).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		e = models.TradeEscrow{ID: uuid.New(), TradeID: tradeID, CreatedAt: now}
	case err != nil:
		return err
	}
	fn(&e)
	e.UpdatedAt = now
	return tx.Save(&e).Error
}

func (m *Machine) release(tx *gorm.DB, tradeID, releaseType, txID string, now time.Time) error {
	return m.saveEscrow(tx, tradeID, now, func(e *models.TradeEscrow) {
		e.IsReleased = true
		e.ReleaseType = releaseType
		e.ReleaseTransactionHash = txID
		e.ReleasedAt = &now
	})
}

func (m *Machine) tradeEmissions(tx *gorm.DB, trade *models.Trade, action common.Action, txID string, now time.Time) error {
	snapshot := escrow.TradeSnapshot{
		TradeID: trade.ID,
		Status:  trade.Status,
		Seller:  trade.SellerAddress,
		Buyer:   trade.BuyerAddress,
		AssetID: trade.AssetID,
		Amount:  trade.CryptoAmount,
		TxID:    txID,
	}
	if trade.ExpiresAt != nil {
		snapshot.ExpiresAt = *trade.ExpiresAt
	}
	event := escrow.NewTradeEvent(escrow.EventTypeFor(action), snapshot, "")
	update := TradeUpdate{
		Type:       models.TopicTradeStatus,
		TradeID:    trade.ID,
		Status:     string(trade.Status),
		ExpiresAt:  trade.ExpiresAt,
		TxID:       txID,
		Event:      event.Type,
		Attributes: event.Attributes,
	}
	if err := m.enqueue(tx, models.TopicTradeStatus, escrow.ChatRoom(trade.ID), "", update, now); err != nil {
		return err
	}

	base := NotificationPayload{
		Amount:    stoerrors.FormatUnits(trade.CryptoAmount),
		TokenType: m.assets.TokenType(trade.AssetID),
		TxID:      txID,
		TradeID:   trade.ID,
		Status:    string(trade.Status),
	}
	seller := base
	seller.CounterpartyName = displayName(tx, trade.BuyerAddress)
	if err := m.notify(tx, trade.SellerUserID, models.NotifyTradeUpdate, models.KindTrade, trade.ID, seller, now); err != nil {
		return err
	}
	buyerID := trade.BuyerUserID
	if buyerID == "" {
		buyerID = userOf(tx, trade.BuyerAddress)
	}
	buyer := base
	buyer.CounterpartyName = displayName(tx, trade.SellerAddress)
	return m.notify(tx, buyerID, models.NotifyTradeUpdate, models.KindTrade, trade.ID, buyer, now)
}
