package submit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/cenkalti/backoff/v4"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/ledger"
	"confio/native/common"
	"confio/observability"
)

// UserEntry is one client-signed position.
type UserEntry struct {
	Index  int    `json:"index"`
	Signed string `json:"signed"`
}

// Request is a submit for a prepared group.
type Request struct {
	Action  common.Action
	Caller  types.Address
	User    []UserEntry
	Sponsor []common.SponsorTxn
}

// Assembled is a verified group ready for broadcast.
type Assembled struct {
	Signed    []types.SignedTxn
	Raw       [][]byte
	GroupID   types.Digest
	TxID      string
	LastValid uint64
}

// Txn returns the unsigned transaction at index i.
func (a *Assembled) Txn(i int) types.Transaction { return a.Signed[i].Txn }

// Outcome is the result of a post-condition recheck.
type Outcome struct {
	Holds bool
	TxID  string
	Round uint64
}

// Recheck evaluates whether an action's post-condition holds on chain.
type Recheck func(ctx context.Context) (Outcome, error)

// Result of a submit.
type Result struct {
	TxID           string
	ConfirmedRound uint64
	// Recovered is set when success was established by recheck rather than
	// by observing the confirmation.
	Recovered bool
}

// Coordinator verifies, broadcasts and confirms sponsored groups.
type Coordinator struct {
	gw      *ledger.Gateway
	sponsor types.Address
	logger  *slog.Logger

	RecheckAttempts uint64
	RecheckInterval time.Duration
}

func NewCoordinator(gw *ledger.Gateway, sponsor types.Address, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		gw:              gw,
		sponsor:         sponsor,
		logger:          logger.With("component", "submit"),
		RecheckAttempts: 3,
		RecheckInterval: time.Second,
	}
}

// Assemble decodes every position, enforces index coverage and signer rules,
// and recomputes the group id.
func (c *Coordinator) Assemble(req Request) (*Assembled, error) {
	n := len(req.User) + len(req.Sponsor)
	if n == 0 || n > txn.MaxGroupSize {
		return nil, stoerrors.GroupMismatch("group has %d transactions", n)
	}
	signed := make([]types.SignedTxn, n)
	raw := make([][]byte, n)
	seen := make([]bool, n)
	place := func(i int) error {
		if i < 0 || i >= n {
			return stoerrors.GroupMismatch("index %d outside group of %d", i, n)
		}
		if seen[i] {
			return stoerrors.GroupMismatch("index %d supplied twice", i)
		}
		seen[i] = true
		return nil
	}

	for _, e := range req.Sponsor {
		if err := place(e.Index); err != nil {
			return nil, err
		}
		stx, b, err := decodeSigned(e.Signed, e.Index)
		if err != nil {
			return nil, err
		}
		if stx.Txn.Sender != c.sponsor {
			return nil, stoerrors.GroupMismatch("sponsor position %d sent by %s", e.Index, stx.Txn.Sender.String())
		}
		if !txn.VerifySignature(stx, c.sponsor) {
			return nil, stoerrors.GroupMismatch("sponsor position %d has an invalid signature", e.Index)
		}
		if e.Txn != "" {
			unsigned, err := txn.DecodeB64(e.Txn)
			if err != nil || string(unsigned) != string(txn.Encode(stx.Txn)) {
				return nil, stoerrors.GroupMismatch("sponsor position %d does not match its signed form", e.Index)
			}
		}
		signed[e.Index], raw[e.Index] = stx, b
	}
	for _, e := range req.User {
		if err := place(e.Index); err != nil {
			return nil, err
		}
		stx, b, err := decodeSigned(e.Signed, e.Index)
		if err != nil {
			return nil, err
		}
		if stx.Txn.Sender != req.Caller {
			return nil, stoerrors.Forbidden("position %d is not sent by the caller", e.Index)
		}
		if stx.Txn.Fee != 0 {
			return nil, stoerrors.GroupMismatch("user position %d carries a fee", e.Index)
		}
		if !txn.IsSigned(stx) {
			return nil, stoerrors.InvalidIntent("position %d is not signed", e.Index)
		}
		if stx.Sig != (types.Signature{}) && !txn.VerifySignature(stx, req.Caller) {
			return nil, stoerrors.InvalidIntent("position %d has an invalid signature", e.Index)
		}
		signed[e.Index], raw[e.Index] = stx, b
	}

	txns := make([]types.Transaction, n)
	for i := range signed {
		txns[i] = signed[i].Txn
	}
	gid, err := txn.GroupID(txns)
	if err != nil {
		return nil, stoerrors.Internal(err, "recompute group id")
	}
	for i, tx := range txns {
		if tx.Group != gid {
			return nil, stoerrors.GroupMismatch("position %d belongs to another group", i)
		}
	}
	return &Assembled{
		Signed:    signed,
		Raw:       raw,
		GroupID:   gid,
		TxID:      crypto.GetTxID(txns[0]),
		LastValid: uint64(txns[0].LastValid),
	}, nil
}

func decodeSigned(b64 string, index int) (types.SignedTxn, []byte, error) {
	b, err := txn.DecodeB64(b64)
	if err != nil {
		return types.SignedTxn{}, nil, stoerrors.InvalidIntent("position %d is not base64", index)
	}
	stx, err := txn.DecodeSigned(b)
	if err != nil {
		return types.SignedTxn{}, nil, stoerrors.InvalidIntent("position %d is not a signed transaction", index)
	}
	return stx, b, nil
}

// Submit broadcasts a, waits for confirmation and falls back to recheck when
// the outcome is ambiguous.
func (c *Coordinator) Submit(ctx context.Context, action common.Action, a *Assembled, recheck Recheck) (Result, error) {
	logger := c.logger.With("action", string(action), "tx_id", a.TxID)
	if _, err := c.gw.Submit(ctx, txn.Concat(a.Raw)); err != nil {
		if !ambiguous(err) {
			return Result{}, err
		}
		logger.Warn("submit outcome ambiguous, rechecking", "error", err)
		return c.recover(ctx, action, recheck, err)
	}
	round, err := c.gw.WaitConfirmation(ctx, a.TxID, 0)
	if err != nil {
		if !ambiguous(err) {
			return Result{}, err
		}
		logger.Warn("confirmation not observed, rechecking", "error", err)
		return c.recover(ctx, action, recheck, err)
	}
	return Result{TxID: a.TxID, ConfirmedRound: round}, nil
}

// recover retries recheck a bounded number of times. When the post-condition
// holds the original failure is dropped.
func (c *Coordinator) recover(ctx context.Context, action common.Action, recheck Recheck, cause error) (Result, error) {
	if recheck == nil {
		observability.Actions().RecordRecheck(string(action), "none")
		return Result{}, cause
	}
	var out Outcome
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RecheckInterval), c.RecheckAttempts), ctx)
	err := backoff.Retry(func() error {
		var err error
		out, err = recheck(ctx)
		if err != nil {
			if stoerrors.IsKind(err, stoerrors.KindTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !out.Holds {
			return errPending
		}
		return nil
	}, policy)
	if err != nil || !out.Holds {
		observability.Actions().RecordRecheck(string(action), "miss")
		return Result{}, cause
	}
	observability.Actions().RecordRecheck(string(action), "hit")
	c.logger.Warn("post-condition holds after failed submit", "action", string(action), "tx_id", out.TxID, "error", cause)
	return Result{TxID: out.TxID, ConfirmedRound: out.Round, Recovered: true}, nil
}

var errPending = stoerrors.ChainTimeout("recheck")

// ambiguous reports whether err leaves the group's fate unknown.
func ambiguous(err error) bool {
	switch stoerrors.KindOf(err) {
	case stoerrors.KindChainTimeout, stoerrors.KindTransient:
		return true
	case stoerrors.KindPoolError:
		msg := err.Error()
		return ledger.IsLogicEvalError(msg) || strings.Contains(msg, "already in ledger")
	default:
		return false
	}
}

// IndexerRecheck treats any confirmed round of txID as success.
func IndexerRecheck(gw *ledger.Gateway, txID string) Recheck {
	return func(ctx context.Context) (Outcome, error) {
		round, found, err := gw.LookupConfirmed(ctx, txID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Holds: found, TxID: txID, Round: round}, nil
	}
}
