package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"confio/native/common"
	"confio/native/escrow"
)

// AccountType distinguishes personal and business accounts of a user.
type AccountType string

const (
	AccountPersonal AccountType = "personal"
	AccountBusiness AccountType = "business"
)

// PaymentStatus captures the lifecycle of a payment intent.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPendingSignature  PaymentStatus = "PENDING_SIGNATURE"
	PaymentPendingBlockchain PaymentStatus = "PENDING_BLOCKCHAIN"
	PaymentConfirmed         PaymentStatus = "CONFIRMED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentExpired           PaymentStatus = "EXPIRED"
)

// InvoiceStatus captures the merchant-facing invoice state.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceExpired   InvoiceStatus = "EXPIRED"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// SendStatus captures the lifecycle of a send intent.
type SendStatus string

const (
	SendPending           SendStatus = "PENDING"
	SendPendingBlockchain SendStatus = "PENDING_BLOCKCHAIN"
	SendConfirmed         SendStatus = "CONFIRMED"
	SendFailed            SendStatus = "FAILED"
)

// IntentKind names the intent tables driven by the orchestrator.
type IntentKind string

const (
	KindPayment IntentKind = "payment"
	KindTrade   IntentKind = "trade"
	KindSend    IntentKind = "send"
)

// Account maps a user's wallet slot to its ledger address.
type Account struct {
	ID           uuid.UUID   `gorm:"type:uuid;primaryKey"`
	UserID       string      `gorm:"size:64;uniqueIndex:idx_account_slot"`
	AccountType  AccountType `gorm:"size:16;uniqueIndex:idx_account_slot"`
	AccountIndex int         `gorm:"uniqueIndex:idx_account_slot"`
	BusinessID   string      `gorm:"size:64;uniqueIndex:idx_account_slot"`
	Address      string      `gorm:"size:58;index"`
	PhoneNumber  string      `gorm:"size:32;index"`
	DisplayName  string      `gorm:"size:128"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Invoice is the merchant request a payment intent settles.
type Invoice struct {
	ID                 string        `gorm:"primaryKey;size:64"`
	MerchantBusinessID string        `gorm:"size:64;index"`
	MerchantAddress    string        `gorm:"size:58"`
	AssetID            uint64        `gorm:"index"`
	Amount             uint64
	Status             InvoiceStatus `gorm:"size:16;index"`
	PaidAt             *time.Time
	PaidByUserID       string `gorm:"size:64"`
	ExpiresAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PreparedGroup is the prepared payment group persisted for resubmission.
type PreparedGroup struct {
	GroupID     string              `json:"group_id"`
	SponsorTxns []common.SponsorTxn `json:"sponsor_txns"`
	FirstValid  uint64              `json:"first_valid"`
	LastValid   uint64              `json:"last_valid"`
	GenesisID   string              `json:"genesis_id"`
	InternalID  string              `json:"internal_id,omitempty"`
}

// PaymentIntent is a payer's attempt to settle an invoice.
type PaymentIntent struct {
	ID              string        `gorm:"primaryKey;size:64"`
	InvoiceID       string        `gorm:"size:64;index"`
	PayerUserID     string        `gorm:"size:64;index"`
	PayerAddress    string        `gorm:"size:58"`
	MerchantAddress string        `gorm:"size:58"`
	AssetID         uint64
	GrossAmount     uint64
	NetAmount       uint64
	FeeAmount       uint64
	Status          PaymentStatus `gorm:"size:24;index"`
	TxHash          string        `gorm:"size:64;index"`
	ConfirmedRound  uint64
	BlockchainData  string `gorm:"type:text"`
	ErrorMessage    string `gorm:"size:512"`
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Prepared decodes the stored prepared group, or nil when none is stored.
func (p *PaymentIntent) Prepared() (*PreparedGroup, error) {
	if p.BlockchainData == "" {
		return nil, nil
	}
	var out PreparedGroup
	if err := json.Unmarshal([]byte(p.BlockchainData), &out); err != nil {
		return nil, err
	}
	if out.GroupID == "" || len(out.SponsorTxns) == 0 {
		return nil, nil
	}
	return &out, nil
}

// SetPrepared stores g as the intent's blockchain data.
func (p *PaymentIntent) SetPrepared(g PreparedGroup) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	p.BlockchainData = string(raw)
	return nil
}

// Trade is a P2P escrow trade between a seller and a buyer.
type Trade struct {
	ID               string             `gorm:"primaryKey;size:56"`
	SellerUserID     string             `gorm:"size:64;index"`
	SellerAddress    string             `gorm:"size:58"`
	BuyerUserID      string             `gorm:"size:64;index"`
	BuyerAddress     string             `gorm:"size:58"`
	AssetID          uint64
	CryptoAmount     uint64
	FiatAmount       string             `gorm:"size:32"`
	FiatCurrency     string             `gorm:"size:8"`
	Status           escrow.TradeStatus `gorm:"size:24;index"`
	AcceptedAt       *time.Time
	PaidAt           *time.Time
	PaymentRef       string             `gorm:"size:64"`
	ExpiresAt        *time.Time
	CompletedAt      *time.Time
	PendingAction    string             `gorm:"size:32;index"`
	PendingTxID      string             `gorm:"size:64"`
	PendingLastValid uint64
	PendingWinner    string             `gorm:"size:8"`
	PendingInitiator string             `gorm:"size:58"`
	LastTxID         string             `gorm:"size:64"`
	AttentionReason  string             `gorm:"size:160"`
	Escrow           *TradeEscrow       `gorm:"foreignKey:TradeID"`
	Dispute          *TradeDispute      `gorm:"foreignKey:TradeID"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TradeEscrow tracks the funds locked by the trade application.
type TradeEscrow struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	TradeID                string    `gorm:"size:56;uniqueIndex"`
	AssetID                uint64
	EscrowAmount           uint64
	IsEscrowed             bool
	EscrowTransactionHash  string `gorm:"size:64"`
	IsReleased             bool
	ReleaseType            string `gorm:"size:24"`
	ReleaseTransactionHash string `gorm:"size:64"`
	ReleasedAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Dispute states.
const (
	DisputeOpen     = "OPEN"
	DisputeResolved = "RESOLVED"
)

// TradeDispute is the dispute record of a trade.
type TradeDispute struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TradeID          string    `gorm:"size:56;uniqueIndex"`
	InitiatorAddress string    `gorm:"size:58"`
	Reason           string    `gorm:"size:64"`
	Status           string    `gorm:"size:16"`
	Winner           string    `gorm:"size:8"`
	ResolutionTxHash string    `gorm:"size:64"`
	OpenedAt         time.Time
	ResolvedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SendIntent is a sponsored transfer between two users.
type SendIntent struct {
	ID               string     `gorm:"primaryKey;size:64"`
	SenderUserID     string     `gorm:"size:64;index"`
	SenderAddress    string     `gorm:"size:58"`
	RecipientAddress string     `gorm:"size:58"`
	RecipientPhone   string     `gorm:"size:32"`
	RecipientUserID  string     `gorm:"size:64"`
	AssetID          uint64
	Amount           uint64
	Memo             string     `gorm:"size:256"`
	Status           SendStatus `gorm:"size:24;index"`
	TxHash           string     `gorm:"size:64;index"`
	ConfirmedRound   uint64
	LastValid        uint64
	ErrorMessage     string `gorm:"size:512"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Notification types written on confirmed transitions.
const (
	NotifyPaymentSent     = "PAYMENT_SENT"
	NotifyPaymentReceived = "PAYMENT_RECEIVED"
	NotifySendSent        = "SEND_SENT"
	NotifySendReceived    = "SEND_RECEIVED"
	NotifyTradeUpdate     = "P2P_TRADE_UPDATE"
)

// Notification is a per-user record surfaced by the client inbox.
type Notification struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"size:64;index"`
	Type       string    `gorm:"size:32"`
	IntentKind string    `gorm:"size:16"`
	IntentID   string    `gorm:"size:64;index"`
	Amount     string    `gorm:"size:32"`
	Payload    string    `gorm:"type:text"`
	Read       bool
	CreatedAt  time.Time
}

// Outbox topics.
const (
	TopicTradeStatus  = "trade_status_update"
	TopicNotification = "notification"
)

// OutboxEvent is a post-commit emission awaiting delivery.
type OutboxEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Topic         string    `gorm:"size:32;index"`
	Room          string    `gorm:"size:128"`
	UserID        string    `gorm:"size:64"`
	Payload       string    `gorm:"type:text"`
	Attempts      int
	NextAttemptAt time.Time `gorm:"index"`
	DeliveredAt   *time.Time
	LastError     string `gorm:"size:512"`
	CreatedAt     time.Time
}

// UnifiedTransaction is the read model row materialised per confirmed intent.
type UnifiedTransaction struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	IntentKind     IntentKind `gorm:"size:16;uniqueIndex:idx_unified_intent"`
	IntentID       string     `gorm:"size:64;uniqueIndex:idx_unified_intent"`
	Type           string     `gorm:"size:32"`
	FromAddress    string     `gorm:"size:58;index"`
	ToAddress      string     `gorm:"size:58;index"`
	AssetID        uint64
	Amount         uint64
	TxHash         string `gorm:"size:64"`
	Status         string `gorm:"size:24"`
	ConfirmedRound uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionLog records each chain-confirmed transition exactly once.
type TransitionLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	IntentKind IntentKind `gorm:"size:16;uniqueIndex:idx_transition"`
	IntentID   string     `gorm:"size:64;uniqueIndex:idx_transition"`
	Action     string     `gorm:"size:32;uniqueIndex:idx_transition"`
	FromStatus string     `gorm:"size:24"`
	ToStatus   string     `gorm:"size:24"`
	TxHash     string     `gorm:"size:64"`
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Invoice{},
		&PaymentIntent{},
		&Trade{},
		&TradeEscrow{},
		&TradeDispute{},
		&SendIntent{},
		&Notification{},
		&OutboxEvent{},
		&UnifiedTransaction{},
		&TransitionLog{},
	)
}
