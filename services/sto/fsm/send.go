package fsm

import (
	"context"
	"time"

	"gorm.io/gorm"

	stoerrors "confio/core/errors"
	"confio/services/sto/models"
)

func (m *Machine) lockSend(tx *gorm.DB, id string) (*models.SendIntent, error) {
	var intent models.SendIntent
	if err := locked(tx).First(&intent, "id = ?", id).Error; err != nil {
		return nil, notFound(err, models.KindSend, id)
	}
	return &intent, nil
}

// LoadSend reads a send intent without locking.
func (m *Machine) LoadSend(ctx context.Context, id string) (*models.SendIntent, error) {
	var intent models.SendIntent
	if err := m.db.WithContext(ctx).First(&intent, "id = ?", id).Error; err != nil {
		return nil, notFound(err, models.KindSend, id)
	}
	return &intent, nil
}

// ResolveRecipient fills the recipient address of a phone-addressed send.
func (m *Machine) ResolveRecipient(ctx context.Context, id string) (*models.SendIntent, error) {
	var out *models.SendIntent
	err := m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockSend(tx, id)
		if err != nil {
			return err
		}
		out = intent
		if intent.RecipientAddress != "" {
			return nil
		}
		if intent.RecipientPhone == "" {
			return stoerrors.InvalidIntent("send %s has no recipient", id)
		}
		acct, err := models.AccountByPhone(tx, intent.RecipientPhone)
		if err != nil {
			return stoerrors.InvalidIntent("no account for recipient phone")
		}
		intent.RecipientAddress = acct.Address
		intent.RecipientUserID = acct.UserID
		intent.UpdatedAt = m.now()
		return tx.Save(intent).Error
	})
	return out, err
}

// SendBroadcast records the group as in flight until lastValid.
func (m *Machine) SendBroadcast(ctx context.Context, id, txID string, lastValid uint64) error {
	return m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockSend(tx, id)
		if err != nil {
			return err
		}
		switch intent.Status {
		case models.SendPending, models.SendFailed, models.SendPendingBlockchain:
		default:
			return stoerrors.InvalidIntent("send %s is %s", id, intent.Status)
		}
		intent.Status = models.SendPendingBlockchain
		intent.TxHash = txID
		intent.LastValid = lastValid
		intent.UpdatedAt = m.now()
		return tx.Save(intent).Error
	})
}

// SendConfirmed applies the confirmation at most once.
func (m *Machine) SendConfirmed(ctx context.Context, id, txID string, round uint64) (applied bool, err error) {
	err = m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockSend(tx, id)
		if err != nil {
			return err
		}
		if intent.Status == models.SendConfirmed {
			return nil
		}
		now := m.now()
		ok, err := logTransition(tx, models.KindSend, id, "send_confirmed", string(intent.Status), string(models.SendConfirmed), txID, now)
		if err != nil || !ok {
			return err
		}
		intent.Status = models.SendConfirmed
		intent.TxHash = txID
		intent.ConfirmedRound = round
		intent.ErrorMessage = ""
		intent.UpdatedAt = now
		if intent.RecipientUserID == "" {
			intent.RecipientUserID = userOf(tx, intent.RecipientAddress)
		}
		if err := tx.Save(intent).Error; err != nil {
			return err
		}
		if err := upsertUnified(tx, models.UnifiedTransaction{
			IntentKind:     models.KindSend,
			IntentID:       id,
			Type:           "send",
			FromAddress:    intent.SenderAddress,
			ToAddress:      intent.RecipientAddress,
			AssetID:        intent.AssetID,
			Amount:         intent.Amount,
			TxHash:         txID,
			Status:         string(models.SendConfirmed),
			ConfirmedRound: round,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		m.emit(tx, "send notifications", func(tx *gorm.DB) error {
			return m.sendNotifications(tx, intent, now)
		})
		applied = true
		return nil
	})
	if applied {
		recordTransition(models.KindSend, string(models.SendConfirmed))
	}
	return applied, err
}

func (m *Machine) sendNotifications(tx *gorm.DB, intent *models.SendIntent, now time.Time) error {
	amount := stoerrors.FormatUnits(intent.Amount)
	base := NotificationPayload{TokenType: m.assets.TokenType(intent.AssetID), TxID: intent.TxHash, Status: string(intent.Status)}

	sent := base
	sent.Amount = "-" + amount
	sent.CounterpartyName = displayName(tx, intent.RecipientAddress)
	if err := m.notify(tx, intent.SenderUserID, models.NotifySendSent, models.KindSend, intent.ID, sent, now); err != nil {
		return err
	}
	received := base
	received.Amount = "+" + amount
	received.CounterpartyName = displayName(tx, intent.SenderAddress)
	return m.notify(tx, intent.RecipientUserID, models.NotifySendReceived, models.KindSend, intent.ID, received, now)
}

// SendFailed marks a failed send unless it already confirmed.
func (m *Machine) SendFailed(ctx context.Context, id, reason string) error {
	return m.transaction(ctx, func(tx *gorm.DB) error {
		intent, err := m.lockSend(tx, id)
		if err != nil {
			return err
		}
		if intent.Status == models.SendConfirmed || intent.Status == models.SendFailed {
			return nil
		}
		intent.Status = models.SendFailed
		intent.ErrorMessage = truncate(reason, 512)
		intent.UpdatedAt = m.now()
		if err := tx.Save(intent).Error; err != nil {
			return err
		}
		recordTransition(models.KindSend, string(models.SendFailed))
		return nil
	})
}

// Broadcasts lists payment and send intents waiting on the chain.
type Broadcasts struct {
	Payments []models.PaymentIntent
	Sends    []models.SendIntent
}

// PendingBroadcasts returns intents in PENDING_BLOCKCHAIN.
func (m *Machine) PendingBroadcasts(ctx context.Context, limit int) (Broadcasts, error) {
	var out Broadcasts
	db := m.db.WithContext(ctx)
	if err := db.Where("status = ?", models.PaymentPendingBlockchain).Order("updated_at ASC").Limit(limit).Find(&out.Payments).Error; err != nil {
		return out, err
	}
	if err := db.Where("status = ?", models.SendPendingBlockchain).Order("updated_at ASC").Limit(limit).Find(&out.Sends).Error; err != nil {
		return out, err
	}
	return out, nil
}

// ExpiredPayments lists unsigned payment intents past their expiry.
func (m *Machine) ExpiredPayments(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := m.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at < ?",
			[]models.PaymentStatus{models.PaymentPending, models.PaymentPendingSignature}, m.now()).
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
