package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	stoerrors "confio/core/errors"
	"confio/observability"
	"confio/services/sto/models"
)

// Assets names the stable assets for notification payloads.
type Assets struct {
	CUSD   uint64
	CONFIO uint64
}

// TokenType returns the client-facing token name of assetID.
func (a Assets) TokenType(assetID uint64) string {
	switch assetID {
	case a.CUSD:
		return "cUSD"
	case a.CONFIO:
		return "CONFIO"
	default:
		return "UNKNOWN"
	}
}

// Machine applies intent transitions. Every transition runs in one database
// transaction holding the intent's row lock; emissions are written to the
// outbox in the same commit.
type Machine struct {
	db     *gorm.DB
	assets Assets
	logger *slog.Logger
	nowFn  func() time.Time
}

func New(db *gorm.DB, assets Assets, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{db: db, assets: assets, logger: logger.With("component", "fsm"), nowFn: time.Now}
}

// SetNowFunc overrides the clock.
func (m *Machine) SetNowFunc(now func() time.Time) {
	if now == nil {
		m.nowFn = time.Now
		return
	}
	m.nowFn = now
}

func (m *Machine) now() time.Time { return m.nowFn().UTC() }

func locked(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error, kind models.IntentKind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return stoerrors.InvalidIntent("unknown %s intent %q", kind, id)
	}
	return stoerrors.Internal(err, "load %s intent %s", kind, id)
}

// logTransition claims the (kind, id, action) slot. It returns false when the
// transition was already applied.
func logTransition(tx *gorm.DB, kind models.IntentKind, id, action, from, to, txHash string, now time.Time) (bool, error) {
	var existing models.TransitionLog
	err := tx.Where("intent_kind = ? AND intent_id = ? AND action = ?", kind, id, action).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	entry := models.TransitionLog{
		ID:         uuid.New(),
		IntentKind: kind,
		IntentID:   id,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		TxHash:     txHash,
		CreatedAt:  now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return false, err
	}
	return true, nil
}

// emit runs fn inside a savepoint. Failures are logged and rolled back to the
// savepoint without failing the transition.
func (m *Machine) emit(tx *gorm.DB, what string, fn func(tx *gorm.DB) error) {
	if err := tx.Transaction(fn); err != nil {
		m.logger.Warn("emission dropped", "what", what, "error", err)
	}
}

func (m *Machine) enqueue(tx *gorm.DB, topic, room, userID string, payload any, now time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.Create(&models.OutboxEvent{
		ID:            uuid.New(),
		Topic:         topic,
		Room:          room,
		UserID:        userID,
		Payload:       string(raw),
		NextAttemptAt: now,
		CreatedAt:     now,
	}).Error
}

// NotificationPayload is the body of a notification row and its outbox
// delivery.
type NotificationPayload struct {
	Type             string `json:"type"`
	NotificationID   string `json:"notification_id"`
	Kind             string `json:"kind"`
	IntentID         string `json:"intent_id"`
	Amount           string `json:"amount"`
	TokenType        string `json:"token_type"`
	TxID             string `json:"tx_id,omitempty"`
	TradeID          string `json:"trade_id,omitempty"`
	Status           string `json:"status,omitempty"`
	CounterpartyName string `json:"counterparty_name,omitempty"`
}

func (m *Machine) notify(tx *gorm.DB, userID, kind string, intentKind models.IntentKind, intentID string, p NotificationPayload, now time.Time) error {
	if userID == "" {
		return nil
	}
	id := uuid.New()
	p.Type = models.TopicNotification
	p.NotificationID = id.String()
	p.Kind = kind
	p.IntentID = intentID
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	row := models.Notification{
		ID:         id,
		UserID:     userID,
		Type:       kind,
		IntentKind: string(intentKind),
		IntentID:   intentID,
		Amount:     p.Amount,
		Payload:    string(raw),
		CreatedAt:  now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	return m.enqueue(tx, models.TopicNotification, "", userID, json.RawMessage(raw), now)
}

func upsertUnified(tx *gorm.DB, row models.UnifiedTransaction) error {
	row.ID = uuid.New()
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "intent_kind"}, {Name: "intent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "from_address", "to_address", "asset_id", "amount", "tx_hash", "status", "confirmed_round", "updated_at"}),
	}).Create(&row).Error
}

// displayName returns the account label of addr, or "" when unknown.
func displayName(tx *gorm.DB, addr string) string {
	if addr == "" {
		return ""
	}
	acct, err := models.AccountByAddress(tx, addr)
	if err != nil {
		return ""
	}
	return acct.DisplayName
}

func userOf(tx *gorm.DB, addr string) string {
	if addr == "" {
		return ""
	}
	acct, err := models.AccountByAddress(tx, addr)
	if err != nil {
		return ""
	}
	return acct.UserID
}

func (m *Machine) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := m.db.WithContext(ctx).Transaction(fn)
	if err == nil {
		return nil
	}
	if _, typed := stoerrors.As(err); typed {
		return err
	}
	return stoerrors.Internal(err, "apply transition")
}

func recordTransition(kind models.IntentKind, status string) {
	observability.Events().RecordTransition(string(kind), status)
}
