package common

// Action names a sponsored operation on the session wire.
type Action string

const (
	ActionPayment         Action = "payment"
	ActionCreateTrade     Action = "create_trade"
	ActionAcceptTrade     Action = "accept_trade"
	ActionMarkPaid        Action = "mark_paid"
	ActionConfirmReceived Action = "confirm_received"
	ActionCancelTrade     Action = "cancel_trade"
	ActionOpenDispute     Action = "open_dispute"
	ActionResolveDispute  Action = "resolve_dispute"
	ActionSend            Action = "send"
)

// Actions lists every supported action.
var Actions = []Action{
	ActionPayment, ActionCreateTrade, ActionAcceptTrade, ActionMarkPaid,
	ActionConfirmReceived, ActionCancelTrade, ActionOpenDispute, ActionResolveDispute, ActionSend,
}

// Valid reports whether a is a supported action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// IsTrade reports whether a drives the P2P trade application.
func (a Action) IsTrade() bool {
	switch a {
	case ActionCreateTrade, ActionAcceptTrade, ActionMarkPaid, ActionConfirmReceived,
		ActionCancelTrade, ActionOpenDispute, ActionResolveDispute:
		return true
	default:
		return false
	}
}
