package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind classifies orchestrator failures. The session channel maps kinds to
// stable client codes; clients react to the kind, never to the message text.
type Kind string

const (
	KindUnauthenticated      Kind = "UNAUTHENTICATED"
	KindForbidden            Kind = "FORBIDDEN"
	KindInvalidIntent        Kind = "INVALID_INTENT"
	KindNotOptedIn           Kind = "NOT_OPTED_IN"
	KindInsufficientBalance  Kind = "INSUFFICIENT_BALANCE"
	KindBoxMissing           Kind = "BOX_MISSING"
	KindBoxAlreadyExists     Kind = "BOX_ALREADY_EXISTS"
	KindGroupMismatch        Kind = "GROUP_MISMATCH"
	KindSponsorMisconfigured Kind = "SPONSOR_MISCONFIGURED"
	KindAppMisconfigured     Kind = "APP_MISCONFIGURED"
	KindTimeGate             Kind = "TIME_GATE"
	KindPrecondFailed        Kind = "PRECONDITION_FAILED"
	KindChainTimeout         Kind = "CHAIN_TIMEOUT"
	KindTransient            Kind = "TRANSIENT"
	KindAmountTooSmall       Kind = "AMOUNT_TOO_SMALL"
	KindUnsupportedAsset     Kind = "UNSUPPORTED_ASSET"
	KindPoolError            Kind = "POOL_ERROR"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindInternal             Kind = "INTERNAL"
)

// Error is the typed failure returned by every public STO operation.
type Error struct {
	Kind    Kind
	Message string

	Address          string
	AssetID          uint64
	Need             uint64
	Have             uint64
	SecondsRemaining int64
	Reason           string
	TealPC           int

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two *Error values by kind so sentinel comparisons such as
// errors.Is(err, &Error{Kind: KindBoxMissing}) work through wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) || other == nil {
		return false
	}
	return other.Kind == e.Kind
}

// Retryable reports whether the caller may retry the same operation unchanged.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindTransient || e.Kind == KindChainTimeout
}

// KindOf extracts the kind of err, defaulting to KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the supplied kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var typed *Error
	for err != nil {
		if stderrors.As(err, &typed) {
			if typed.Kind == kind {
				return true
			}
			err = typed.cause
			continue
		}
		return false
	}
	return false
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) *Error {
	return newf(KindUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) *Error { return newf(KindForbidden, format, args...) }

func InvalidIntent(format string, args ...any) *Error {
	return newf(KindInvalidIntent, format, args...)
}

func NotOptedIn(address string, assetID uint64) *Error {
	return &Error{
		Kind:    KindNotOptedIn,
		Message: fmt.Sprintf("%s is not opted in to asset %d", address, assetID),
		Address: address,
		AssetID: assetID,
	}
}

func InsufficientBalance(need, have, assetID uint64) *Error {
	return &Error{
		Kind:    KindInsufficientBalance,
		Message: fmt.Sprintf("need %d have %d of asset %d", need, have, assetID),
		Need:    need,
		Have:    have,
		AssetID: assetID,
	}
}

func BoxMissing(name string) *Error { return newf(KindBoxMissing, "box %q not found", name) }

func BoxAlreadyExists(name string) *Error {
	return newf(KindBoxAlreadyExists, "box %q already exists", name)
}

func GroupMismatch(format string, args ...any) *Error {
	return newf(KindGroupMismatch, format, args...)
}

func SponsorMisconfigured(onChain, signer string) *Error {
	return &Error{
		Kind:    KindSponsorMisconfigured,
		Message: fmt.Sprintf("on-chain sponsor %s does not match signer %s", onChain, signer),
		Address: onChain,
	}
}

func AppMisconfigured(format string, args ...any) *Error {
	return newf(KindAppMisconfigured, format, args...)
}

func TimeGate(secondsRemaining int64) *Error {
	return &Error{
		Kind:             KindTimeGate,
		Message:          fmt.Sprintf("available in %ds", secondsRemaining),
		SecondsRemaining: secondsRemaining,
	}
}

func PrecondFailed(reason string) *Error {
	return &Error{Kind: KindPrecondFailed, Message: reason, Reason: reason}
}

func ChainTimeout(txID string) *Error {
	return newf(KindChainTimeout, "transaction %s not confirmed in time", txID)
}

func AmountTooSmall(amount uint64) *Error {
	return newf(KindAmountTooSmall, "amount %d too small to split", amount)
}

func UnsupportedAsset(assetID uint64) *Error {
	return &Error{Kind: KindUnsupportedAsset, Message: fmt.Sprintf("asset %d not supported", assetID), AssetID: assetID}
}

// PoolError reports a rejection from the node's transaction pool. pc is -1 when
// the node did not report a program counter.
func PoolError(pc int, msg string) *Error {
	return &Error{Kind: KindPoolError, Message: msg, TealPC: pc}
}

// RateLimited rejects a request over the caller's message rate or sponsorship
// quota.
func RateLimited(format string, args ...any) *Error {
	return newf(KindRateLimited, format, args...)
}

// Transient wraps a retriable network or 5xx failure.
func Transient(cause error) *Error {
	return &Error{Kind: KindTransient, Message: "temporary chain failure", cause: cause}
}

// Internal wraps an unexpected failure, keeping the cause for logs.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Wrap attaches a cause to an existing typed error.
func (e *Error) Wrap(cause error) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.cause = cause
	return &clone
}
