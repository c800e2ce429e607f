package escrow

import (
	"strconv"
	"strings"
	"time"

	"confio/native/common"
)

const (
	EventTypeTradeEscrowed  = "p2p.trade.escrowed"
	EventTypeTradeAccepted  = "p2p.trade.accepted"
	EventTypeTradePaid      = "p2p.trade.paid"
	EventTypeTradeReleased  = "p2p.trade.released"
	EventTypeTradeCancelled = "p2p.trade.cancelled"
	EventTypeTradeDisputed  = "p2p.trade.disputed"
	EventTypeTradeResolved  = "p2p.trade.resolved"
)

// Event is a flat, string-keyed record of a confirmed trade transition.
type Event struct {
	Type       string
	Attributes map[string]string
}

// TradeSnapshot is the trade state captured after a transition commits.
type TradeSnapshot struct {
	TradeID   string
	Status    TradeStatus
	Seller    string
	Buyer     string
	AssetID   uint64
	Amount    uint64
	ExpiresAt time.Time
	TxID      string
}

// EventTypeFor returns the event emitted when action confirms.
func EventTypeFor(action common.Action) string {
	switch action {
	case common.ActionCreateTrade:
		return EventTypeTradeEscrowed
	case common.ActionAcceptTrade:
		return EventTypeTradeAccepted
	case common.ActionMarkPaid:
		return EventTypeTradePaid
	case common.ActionConfirmReceived:
		return EventTypeTradeReleased
	case common.ActionCancelTrade:
		return EventTypeTradeCancelled
	case common.ActionOpenDispute:
		return EventTypeTradeDisputed
	case common.ActionResolveDispute:
		return EventTypeTradeResolved
	default:
		return ""
	}
}

// NewTradeEvent returns the canonical event payload for a trade snapshot.
func NewTradeEvent(eventType string, t TradeSnapshot, outcome string) Event {
	attrs := map[string]string{
		"tradeId": t.TradeID,
		"status":  string(t.Status),
	}
	if t.Seller != "" {
		attrs["seller"] = t.Seller
	}
	if t.Buyer != "" {
		attrs["buyer"] = t.Buyer
	}
	if t.AssetID != 0 {
		attrs["assetId"] = strconv.FormatUint(t.AssetID, 10)
		attrs["amount"] = strconv.FormatUint(t.Amount, 10)
	}
	if !t.ExpiresAt.IsZero() {
		attrs["expiresAt"] = t.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if t.TxID != "" {
		attrs["txId"] = t.TxID
	}
	if strings.TrimSpace(outcome) != "" {
		attrs["outcome"] = outcome
	}
	return Event{Type: eventType, Attributes: attrs}
}

// ChatRoom is the session room that receives updates for tradeID.
func ChatRoom(tradeID string) string { return "trade_chat_" + tradeID }
