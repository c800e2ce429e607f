package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrActionPaused is returned by Guard for an action the operator switched off.
var ErrActionPaused = errors.New("sponsored action paused")

// PauseAllTrades in paused_actions switches off every P2P trade action at once.
const PauseAllTrades = "trades"

// PauseView reports whether the sponsor should refuse to build groups for a.
type PauseView interface {
	IsPaused(a Action) bool
}

// ActionPauses is the set of sponsored actions the operator has paused.
type ActionPauses struct {
	actions map[Action]struct{}
	trades  bool
}

// ParsePauses reads configured pause names. Names are case-insensitive and an
// unknown name is an error, so a misspelt pause never leaves an action live.
func ParsePauses(names []string) (ActionPauses, error) {
	p := ActionPauses{actions: make(map[Action]struct{}, len(names))}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case name == "":
		case name == PauseAllTrades:
			p.trades = true
		case Action(name).Valid():
			p.actions[Action(name)] = struct{}{}
		default:
			return ActionPauses{}, fmt.Errorf("paused_actions: unknown action %q", raw)
		}
	}
	return p, nil
}

// IsPaused implements PauseView.
func (p ActionPauses) IsPaused(a Action) bool {
	if p.trades && a.IsTrade() {
		return true
	}
	_, ok := p.actions[a]
	return ok
}

// Paused lists the paused actions in declaration order.
func (p ActionPauses) Paused() []Action {
	var out []Action
	for _, a := range Actions {
		if p.IsPaused(a) {
			out = append(out, a)
		}
	}
	return out
}

// Guard refuses a paused action before any chain read or signing is done.
func Guard(p PauseView, a Action) error {
	if p == nil || !p.IsPaused(a) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrActionPaused, a)
}
