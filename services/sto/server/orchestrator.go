// Package server drives prepare and submit for every sponsored action and
// exposes the session channel over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/crypto"
	"confio/ledger"
	"confio/native/common"
	"confio/services/sto/auth"
	"confio/services/sto/fsm"
	"confio/services/sto/preflight"
	"confio/services/sto/session"
	"confio/services/sto/submit"
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Gateway     *ledger.Gateway
	Signer      crypto.SponsorSigner
	Checker     *preflight.Checker
	Coordinator *submit.Coordinator
	Machine     *fsm.Machine
	Config      preflight.Config
	Pauses      common.PauseView
	Quota       *common.QuotaBook
	Logger      *slog.Logger

	// PreparedTTL bounds how long a prepared group is kept for submit.
	PreparedTTL time.Duration
}

// Orchestrator implements the session operations.
type Orchestrator struct {
	gw      *ledger.Gateway
	signer  crypto.SponsorSigner
	checker *preflight.Checker
	coord   *submit.Coordinator
	machine *fsm.Machine
	cfg     preflight.Config
	pauses  common.PauseView
	quota   *common.QuotaBook
	logger  *slog.Logger
	tracer  trace.Tracer

	locks  *keyedMutex
	groups *preparedStore
	nowFn  func() time.Time
}

func NewOrchestrator(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gw:      d.Gateway,
		signer:  d.Signer,
		checker: d.Checker,
		coord:   d.Coordinator,
		machine: d.Machine,
		cfg:     d.Config,
		pauses:  d.Pauses,
		quota:   d.Quota,
		logger:  logger.With("component", "orchestrator"),
		tracer:  otel.Tracer("confio/sto"),
		locks:   newKeyedMutex(),
		groups:  newPreparedStore(0, d.PreparedTTL),
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the clock used for intent expiry.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	o.nowFn = now
}

var _ session.Handler = (*Orchestrator)(nil)

// Prepare builds, checks and sponsor-signs the group for req.
func (o *Orchestrator) Prepare(ctx context.Context, p *auth.Principal, req session.PrepareRequest) (pack common.Pack, err error) {
	ctx, span := o.tracer.Start(ctx, "sto.prepare", trace.WithAttributes(
		attribute.String("action", string(req.Action)),
		attribute.String("intent_id", req.IntentID),
	))
	defer func() { endSpan(span, err) }()

	caller, err := o.admit(p, req.Action, req.IntentID)
	if err != nil {
		return common.Pack{}, err
	}
	unlock := o.locks.Lock(lockKey(req.Action, req.IntentID))
	defer unlock()

	switch {
	case req.Action == common.ActionPayment:
		return o.preparePayment(ctx, p, caller, req)
	case req.Action == common.ActionSend:
		return o.prepareSend(ctx, p, caller, req)
	case req.Action.IsTrade():
		return o.prepareTrade(ctx, p, caller, req)
	default:
		return common.Pack{}, stoerrors.InvalidIntent("unsupported action %q", req.Action)
	}
}

// Submit verifies the client's signatures, broadcasts the group and applies
// the confirmed transition.
func (o *Orchestrator) Submit(ctx context.Context, p *auth.Principal, req session.SubmitRequest) (res session.SubmitResult, err error) {
	ctx, span := o.tracer.Start(ctx, "sto.submit", trace.WithAttributes(
		attribute.String("action", string(req.Action)),
		attribute.String("intent_id", req.IntentID),
	))
	defer func() { endSpan(span, err) }()

	caller, err := o.admit(p, req.Action, req.IntentID)
	if err != nil {
		return session.SubmitResult{}, err
	}
	unlock := o.locks.Lock(lockKey(req.Action, req.IntentID))
	defer unlock()

	switch {
	case req.Action == common.ActionPayment:
		return o.submitPayment(ctx, caller, req)
	case req.Action == common.ActionSend:
		return o.submitSend(ctx, caller, req)
	case req.Action.IsTrade():
		return o.submitTrade(ctx, caller, req)
	default:
		return session.SubmitResult{}, stoerrors.InvalidIntent("unsupported action %q", req.Action)
	}
}

func (o *Orchestrator) admit(p *auth.Principal, action common.Action, intentID string) (types.Address, error) {
	if p == nil {
		return types.Address{}, stoerrors.Unauthenticated("no principal")
	}
	if !action.Valid() {
		return types.Address{}, stoerrors.InvalidIntent("unsupported action %q", action)
	}
	if intentID == "" {
		return types.Address{}, stoerrors.InvalidIntent("intent_id is required")
	}
	if err := common.Guard(o.pauses, action); err != nil {
		return types.Address{}, stoerrors.PrecondFailed(err.Error())
	}
	caller, err := crypto.ParseAddress(p.Address)
	if err != nil {
		return types.Address{}, stoerrors.Unauthenticated("principal has no valid address")
	}
	return caller, nil
}

// lockKey groups every trade action under the trade id so that concurrent
// actions on one trade are serialised.
func lockKey(action common.Action, intentID string) string {
	switch {
	case action.IsTrade():
		return "trade/" + intentID
	default:
		return string(action) + "/" + intentID
	}
}

// sponsor charges the caller's quota for b and signs its sponsor positions.
func (o *Orchestrator) sponsor(ctx context.Context, p *auth.Principal, b *common.Built) (common.Pack, error) {
	if err := o.quota.Charge(p.UserID, b.Group.TotalFee()); err != nil {
		if errors.Is(err, common.ErrQuotaRequestsExceeded) || errors.Is(err, common.ErrQuotaFeeCapExceeded) {
			return common.Pack{}, stoerrors.RateLimited("sponsorship quota exhausted for %s", p.UserID)
		}
		return common.Pack{}, stoerrors.Internal(err, "charge quota")
	}
	if err := b.SignSponsor(ctx, o.signer); err != nil {
		if _, typed := stoerrors.As(err); typed {
			return common.Pack{}, err
		}
		return common.Pack{}, stoerrors.Transient(err)
	}
	pack, err := b.Pack()
	if err != nil {
		return common.Pack{}, stoerrors.Internal(err, "render pack")
	}
	return pack, nil
}

func (o *Orchestrator) params(ctx context.Context) (txn.Params, error) {
	return o.gw.SuggestedParams(ctx)
}

// userEntries normalises the two submit shapes. The single-entry shorthand
// takes the one index not covered by sponsor positions.
func userEntries(req session.SubmitRequest, sponsor []common.SponsorTxn, known []int) ([]submit.UserEntry, error) {
	if len(req.SignedUserTxns) > 0 {
		return req.SignedUserTxns, nil
	}
	if req.SignedUserTxn == "" {
		return nil, nil
	}
	if len(known) == 1 {
		return []submit.UserEntry{{Index: known[0], Signed: req.SignedUserTxn}}, nil
	}
	if len(known) > 1 {
		return nil, stoerrors.InvalidIntent("group has %d user positions, signed_user_txns is required", len(known))
	}
	taken := make(map[int]bool, len(sponsor))
	for _, s := range sponsor {
		taken[s.Index] = true
	}
	for i := 0; i <= len(sponsor); i++ {
		if !taken[i] {
			return []submit.UserEntry{{Index: i, Signed: req.SignedUserTxn}}, nil
		}
	}
	return nil, stoerrors.GroupMismatch("no free user position")
}

func userIndexes(b *common.Built) []int {
	return b.Group.Indexes(txn.RoleUser)
}

// definite reports whether a submit error is final; otherwise the outcome is
// left to reconciliation.
func definite(err error) bool {
	switch stoerrors.KindOf(err) {
	case stoerrors.KindChainTimeout, stoerrors.KindTransient:
		return false
	default:
		return true
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stoerrors.KindOf(err)))
	}
	span.End()
}
