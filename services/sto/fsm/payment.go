package fsm

import (
	"context"
	"time"

	"gorm.io/gorm"

	stoerrors "confio/core/errors"
	"confio/services/sto/models"
)

const actionPaymentConfirm = "payment_confirmed"

func (m *Machine) lockPayment(tx *gorm.DB, id string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := locked(tx).First(&intent, "id = ?", id).Error; err != nil {
		return nil, notFound(err, models.KindPayment, id)
	}
	return &intent, nil
}

// LoadPayment reads a payment intent without locking.
func (m *Machine) LoadPayment(ctx context.Context, id string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := m.db.WithContext(ctx).First(&intent, "id = ?", id).Error; err != nil {
		return nil, notFound(err, models.KindPayment, id)
	}
	return &intent, nil
}

// PaymentPrepared stores the prepared group and moves the intent to
// PENDING_SIGNATURE.
func (m *Machine) PaymentPrepared(ctx context.Context, id string, group models.PreparedGroup, net, fee uint64) error {
	return m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockPayment(tx, id)
		if err != nil {
			return err
		}
		switch intent.Status {
		case models.PaymentPending, models.PaymentPendingSignature, models.PaymentFailed:
		default:
			return stoerrors.InvalidIntent("payment %s is %s", id, intent.Status)
		}
		if err := intent.SetPrepared(group); err != nil {
			return err
		}
		intent.Status = models.PaymentPendingSignature
		intent.NetAmount = net
		intent.FeeAmount = fee
		intent.ErrorMessage = ""
		intent.UpdatedAt = m.now()
		return tx.Save(intent).Error
	})
}

// PaymentBroadcast records the group as in flight.
func (m *Machine) PaymentBroadcast(ctx context.Context, id, txID string) error {
	return m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockPayment(tx, id)
		if err != nil {
			return err
		}
		switch intent.Status {
		case models.PaymentPendingSignature, models.PaymentFailed, models.PaymentPendingBlockchain:
		default:
			return stoerrors.InvalidIntent("payment %s is %s", id, intent.Status)
		}
		intent.Status = models.PaymentPendingBlockchain
		intent.TxHash = txID
		intent.UpdatedAt = m.now()
		return tx.Save(intent).Error
	})
}

// PaymentConfirmed applies the confirmation at most once. applied is false
// when the intent was already confirmed.
func (m *Machine) PaymentConfirmed(ctx context.Context, id, txID string, round uint64) (applied bool, err error) {
	err = m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockPayment(tx, id)
		if err != nil {
			return err
		}
		if intent.Status == models.PaymentConfirmed {
			return nil
		}
		now := m.now()
		ok, err := logTransition(tx, models.KindPayment, id, actionPaymentConfirm, string(intent.Status), string(models.PaymentConfirmed), txID, now)
		if err != nil || !ok {
			return err
		}
		intent.Status = models.PaymentConfirmed
		intent.TxHash = txID
		intent.ConfirmedRound = round
		intent.ErrorMessage = ""
		intent.UpdatedAt = now
		if err := tx.Save(intent).Error; err != nil {
			return err
		}
		if intent.InvoiceID != "" {
			if err := tx.Model(&models.Invoice{}).Where("id = ?", intent.InvoiceID).Updates(map[string]any{
				"status":          models.InvoicePaid,
				"paid_at":         now,
				"paid_by_user_id": intent.PayerUserID,
				"updated_at":      now,
			}).Error; err != nil {
				return err
			}
		}
		if err := upsertUnified(tx, models.UnifiedTransaction{
			IntentKind:     models.KindPayment,
			IntentID:       id,
			Type:           "payment",
			FromAddress:    intent.PayerAddress,
			ToAddress:      intent.MerchantAddress,
			AssetID:        intent.AssetID,
			Amount:         intent.GrossAmount,
			TxHash:         txID,
			Status:         string(models.PaymentConfirmed),
			ConfirmedRound: round,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		m.emit(tx, "payment notifications", func(tx *gorm.DB) error {
			return m.paymentNotifications(tx, intent, now)
		})
		applied = true
		return nil
	})
	if applied {
		recordTransition(models.KindPayment, string(models.PaymentConfirmed))
	}
	return applied, err
}

func (m *Machine) paymentNotifications(tx *gorm.DB, intent *models.PaymentIntent, now time.Time) error {
	amount := stoerrors.FormatUnits(intent.GrossAmount)
	base := NotificationPayload{TokenType: m.assets.TokenType(intent.AssetID), TxID: intent.TxHash, Status: string(intent.Status)}

	sent := base
	sent.Amount = "-" + amount
	sent.CounterpartyName = displayName(tx, intent.MerchantAddress)
	if err := m.notify(tx, intent.PayerUserID, models.NotifyPaymentSent, models.KindPayment, intent.ID, sent, now); err != nil {
		return err
	}
	received := base
	received.Amount = "+" + amount
	received.CounterpartyName = displayName(tx, intent.PayerAddress)
	return m.notify(tx, userOf(tx, intent.MerchantAddress), models.NotifyPaymentReceived, models.KindPayment, intent.ID, received, now)
}

// PaymentFailed marks a failed submit. A confirmed intent is never
// overwritten.
func (m *Machine) PaymentFailed(ctx context.Context, id, reason string) error {
	return m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockPayment(tx, id)
		if err != nil {
			return err
		}
		switch intent.Status {
		case models.PaymentConfirmed, models.PaymentExpired, models.PaymentFailed:
			return nil
		}
		intent.Status = models.PaymentFailed
		intent.ErrorMessage = truncate(reason, 512)
		intent.UpdatedAt = m.now()
		if err := tx.Save(intent).Error; err != nil {
			return err
		}
		recordTransition(models.KindPayment, string(models.PaymentFailed))
		return nil
	})
}

// PaymentExpired expires an unsigned intent and its pending invoice.
func (m *Machine) PaymentExpired(ctx context.Context, id string) (bool, error) {
	expired := false
	err := m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockPayment(tx, id)
		if err != nil {
			return err
		}
		if intent.Status != models.PaymentPending && intent.Status != models.PaymentPendingSignature {
			return nil
		}
		now := m.now()
		intent.Status = models.PaymentExpired
		intent.UpdatedAt = now
		if err := tx.Save(intent).Error; err != nil {
			return err
		}
		if intent.InvoiceID != "" {
			if err := tx.Model(&models.Invoice{}).
				Where("id = ? AND status = ?", intent.InvoiceID, models.InvoicePending).
				Updates(map[string]any{"status": models.InvoiceExpired, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		expired = true
		return nil
	})
	if expired {
		recordTransition(models.KindPayment, string(models.PaymentExpired))
	}
	return expired, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
