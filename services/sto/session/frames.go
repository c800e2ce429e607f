package session

import (
	"context"
	"encoding/json"

	stoerrors "confio/core/errors"
	"confio/native/common"
	"confio/services/sto/auth"
	"confio/services/sto/submit"
)

// Frame types on the wire.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeServerPing   = "server_ping"
	TypePrepare      = "prepare"
	TypePrepareReady = "prepare_ready"
	TypeSubmit       = "submit"
	TypeSubmitOK     = "submit_ok"
	TypeError        = "error"
)

// PrepareRequest asks for a sponsored group.
type PrepareRequest struct {
	Action     common.Action `json:"action"`
	IntentID   string        `json:"intent_id"`
	Winner     string        `json:"winner,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	PaymentRef string        `json:"payment_ref,omitempty"`
}

// SubmitRequest carries the client's signed positions. SignedUserTxn is the
// shorthand for groups with a single user position.
type SubmitRequest struct {
	Action              common.Action       `json:"action"`
	IntentID            string              `json:"intent_id"`
	SignedUserTxns      []submit.UserEntry  `json:"signed_user_txns,omitempty"`
	SignedUserTxn       string              `json:"signed_user_txn,omitempty"`
	SponsorTransactions []common.SponsorTxn `json:"sponsor_transactions,omitempty"`
}

// SubmitResult is what a successful submit reports. TxID is empty when the
// outcome was established by recheck without a transaction id.
type SubmitResult struct {
	TxID           string
	ConfirmedRound uint64
}

// Handler executes session operations for an authenticated principal.
type Handler interface {
	Prepare(ctx context.Context, p *auth.Principal, req PrepareRequest) (common.Pack, error)
	Submit(ctx context.Context, p *auth.Principal, req SubmitRequest) (SubmitResult, error)
}

type inbound struct {
	Type string `json:"type"`
	SubmitRequest
	Winner     string `json:"winner,omitempty"`
	Reason     string `json:"reason,omitempty"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

func (in inbound) prepare() PrepareRequest {
	return PrepareRequest{
		Action:     in.Action,
		IntentID:   in.IntentID,
		Winner:     in.Winner,
		Reason:     in.Reason,
		PaymentRef: in.PaymentRef,
	}
}

type typeFrame struct {
	Type string `json:"type"`
}

type prepareReadyFrame struct {
	Type     string        `json:"type"`
	Action   common.Action `json:"action"`
	IntentID string        `json:"intent_id,omitempty"`
	Pack     common.Pack   `json:"pack"`
}

type submitOKFrame struct {
	Type           string        `json:"type"`
	Action         common.Action `json:"action"`
	IntentID       string        `json:"intent_id,omitempty"`
	TxID           *string       `json:"tx_id"`
	ConfirmedRound uint64        `json:"confirmed_round,omitempty"`
}

type errorFrame struct {
	Type             string        `json:"type"`
	Code             string        `json:"code"`
	Message          string        `json:"message"`
	Action           common.Action `json:"action,omitempty"`
	SecondsRemaining int64         `json:"seconds_remaining,omitempty"`
}

func newErrorFrame(action common.Action, err error) errorFrame {
	f := errorFrame{Type: TypeError, Code: string(stoerrors.KindOf(err)), Message: stoerrors.Localize(err), Action: action}
	if typed, ok := stoerrors.As(err); ok && typed.Kind == stoerrors.KindTimeGate {
		f.SecondsRemaining = typed.SecondsRemaining
	}
	return f
}

func encode(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(newErrorFrame("", stoerrors.Internal(err, "encode frame")))
	}
	return raw
}
