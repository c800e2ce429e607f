package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	stoerrors "confio/core/errors"
)

var pcPattern = regexp.MustCompile(`pc=(\d+)`)

func mapNodeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "HTTP 404") || strings.Contains(strings.ToLower(msg), "not found") {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return err
}

// IsLogicEvalError reports whether msg describes a rejected program.
func IsLogicEvalError(msg string) bool {
	return strings.Contains(msg, "logic eval error") || strings.Contains(msg, "rejected by logic")
}

// parsePoolError extracts the TEAL program counter from a pool rejection.
func parsePoolError(msg string) *stoerrors.Error {
	pc := -1
	if m := pcPattern.FindStringSubmatch(msg); len(m) == 2 {
		if v, err := strconv.Atoi(m[1]); err == nil {
			pc = v
		}
	}
	return stoerrors.PoolError(pc, msg)
}

// isTransient reports whether err is worth retrying unchanged.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, code := range []string{"HTTP 500", "HTTP 502", "HTTP 503", "HTTP 504", "HTTP 429"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF")
}

// classifyRead converts a read failure into the orchestrator's error kinds.
func classifyRead(op string, err error) error {
	if err == nil {
		return nil
	}
	if typed, ok := stoerrors.As(err); ok {
		return typed
	}
	if isTransient(err) {
		return stoerrors.Transient(fmt.Errorf("%s: %w", op, err))
	}
	return stoerrors.Internal(err, "%s", op)
}
