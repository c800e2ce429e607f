package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/observability"
)

// Config tunes cache lifetimes, call deadlines and retries.
type Config struct {
	TTLSuggestedParams time.Duration
	TTLAppInfo         time.Duration
	TTLAppOptIn        time.Duration
	TTLRecipientOptIn  time.Duration

	ParamsTimeout  time.Duration
	ReadTimeout    time.Duration
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration

	ConfirmationRounds uint64
	MaxReadRetries     uint64
	CacheSize          int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTLSuggestedParams: 3 * time.Second,
		TTLAppInfo:         120 * time.Second,
		TTLAppOptIn:        60 * time.Second,
		TTLRecipientOptIn:  120 * time.Second,
		ParamsTimeout:      2 * time.Second,
		ReadTimeout:        3 * time.Second,
		SubmitTimeout:      5 * time.Second,
		ConfirmTimeout:     10 * time.Second,
		ConfirmationRounds: 10,
		MaxReadRetries:     2,
		CacheSize:          4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTLSuggestedParams <= 0 {
		c.TTLSuggestedParams = d.TTLSuggestedParams
	}
	if c.TTLAppInfo <= 0 {
		c.TTLAppInfo = d.TTLAppInfo
	}
	if c.TTLAppOptIn <= 0 {
		c.TTLAppOptIn = d.TTLAppOptIn
	}
	if c.TTLRecipientOptIn <= 0 {
		c.TTLRecipientOptIn = d.TTLRecipientOptIn
	}
	if c.ParamsTimeout <= 0 {
		c.ParamsTimeout = d.ParamsTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.ConfirmationRounds == 0 {
		c.ConfirmationRounds = d.ConfirmationRounds
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	return c
}

// Gateway is the orchestrator's only path to the chain. It owns the chain
// view caches; entries are immutable values that expire per kind. Box reads
// and balance reads are never served from cache.
type Gateway struct {
	node   Node
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	params     *expirable.LRU[string, txn.Params]
	apps       *expirable.LRU[string, AppInfo]
	appOptIns  *expirable.LRU[string, bool]
	recipients *expirable.LRU[string, bool]
}

// NewGateway wraps node.
func NewGateway(node Node, cfg Config, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		node:       node,
		cfg:        cfg,
		logger:     logger.With("component", "ledger"),
		params:     expirable.NewLRU[string, txn.Params](8, nil, cfg.TTLSuggestedParams),
		apps:       expirable.NewLRU[string, AppInfo](64, nil, cfg.TTLAppInfo),
		appOptIns:  expirable.NewLRU[string, bool](cfg.CacheSize, nil, cfg.TTLAppOptIn),
		recipients: expirable.NewLRU[string, bool](cfg.CacheSize, nil, cfg.TTLRecipientOptIn),
	}
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config { return g.cfg }

func (g *Gateway) key(op string, args ...string) string {
	k := op + "|" + g.node.Endpoint()
	for _, a := range args {
		k += "|" + a
	}
	return k
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// read runs fn under timeout with bounded retries on transient failures.
func (g *Gateway) read(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newReadBackoff(), g.cfg.MaxReadRetries), ctx)
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		err := fn(callCtx)
		observability.Chain().ObserveCall(op, time.Since(start), err)
		if err == nil {
			return nil
		}
		if isTransient(err) && ctx.Err() == nil {
			g.logger.Debug("transient chain read", "op", op, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	return err
}

// shared de-duplicates concurrent cache fills for key. The fill runs on a
// context detached from the caller that started it, bounded by the per-call
// timeouts in read, so one caller's cancellation does not fail the others.
// Each caller still stops waiting when its own ctx ends.
func (g *Gateway) shared(ctx context.Context, key string, fill func(context.Context) (any, error)) (any, error) {
	flight := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) { return fill(flight) })
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, stoerrors.Transient(fmt.Errorf("%s: %w", key, ctx.Err()))
	}
}

func newReadBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// SuggestedParams returns cached chain parameters.
func (g *Gateway) SuggestedParams(ctx context.Context) (txn.Params, error) {
	key := g.key("params")
	if p, ok := g.params.Get(key); ok {
		observability.Chain().RecordCache("params", true)
		return p, nil
	}
	observability.Chain().RecordCache("params", false)
	v, err := g.shared(ctx, key, func(ctx context.Context) (any, error) {
		var p txn.Params
		err := g.read(ctx, "params", g.cfg.ParamsTimeout, func(c context.Context) error {
			var err error
			p, err = g.node.SuggestedParams(c)
			return err
		})
		if err != nil {
			return nil, classifyRead("suggested params", err)
		}
		g.params.Add(key, p)
		return p, nil
	})
	if err != nil {
		return txn.Params{}, err
	}
	return v.(txn.Params), nil
}

// AppInfo returns cached application state.
func (g *Gateway) AppInfo(ctx context.Context, appID uint64) (AppInfo, error) {
	key := g.key("app", u64(appID))
	if info, ok := g.apps.Get(key); ok {
		observability.Chain().RecordCache("app", true)
		return info, nil
	}
	observability.Chain().RecordCache("app", false)
	v, err := g.shared(ctx, key, func(ctx context.Context) (any, error) {
		var info AppInfo
		err := g.read(ctx, "app", g.cfg.ReadTimeout, func(c context.Context) error {
			var err error
			info, err = g.node.Application(c, appID)
			return err
		})
		if errors.Is(err, ErrNotFound) {
			return nil, stoerrors.AppMisconfigured("application %d not found", appID)
		}
		if err != nil {
			return nil, classifyRead("app info", err)
		}
		g.apps.Add(key, info)
		return info, nil
	})
	if err != nil {
		return AppInfo{}, err
	}
	return v.(AppInfo), nil
}

// AccountAssetHolding reads the live holding of addr. A missing holding is
// NotOptedIn.
func (g *Gateway) AccountAssetHolding(ctx context.Context, addr types.Address, assetID uint64) (uint64, error) {
	var amount uint64
	err := g.read(ctx, "holding", g.cfg.ReadTimeout, func(c context.Context) error {
		var err error
		amount, err = g.node.AssetHolding(c, addr, assetID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return 0, stoerrors.NotOptedIn(addr.String(), assetID)
	}
	if err != nil {
		return 0, classifyRead("asset holding", err)
	}
	return amount, nil
}

// AppAssetOptIn reports whether the application account holds assetID.
func (g *Gateway) AppAssetOptIn(ctx context.Context, appAddr types.Address, assetID uint64) (bool, error) {
	key := g.key("app_optin", appAddr.String(), u64(assetID))
	if ok, hit := g.appOptIns.Get(key); hit {
		observability.Chain().RecordCache("app_optin", true)
		return ok, nil
	}
	observability.Chain().RecordCache("app_optin", false)
	_, err := g.AccountAssetHolding(ctx, appAddr, assetID)
	if stoerrors.IsKind(err, stoerrors.KindNotOptedIn) {
		g.appOptIns.Add(key, false)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	g.appOptIns.Add(key, true)
	return true, nil
}

// RecipientOptedIn reports whether addr can receive assetID. Only positive
// answers are cached so freshly opted-in accounts are seen immediately.
func (g *Gateway) RecipientOptedIn(ctx context.Context, addr types.Address, assetID uint64) (bool, error) {
	key := g.key("recipient_optin", addr.String(), u64(assetID))
	if _, hit := g.recipients.Get(key); hit {
		observability.Chain().RecordCache("recipient_optin", true)
		return true, nil
	}
	observability.Chain().RecordCache("recipient_optin", false)
	_, err := g.AccountAssetHolding(ctx, addr, assetID)
	if stoerrors.IsKind(err, stoerrors.KindNotOptedIn) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	g.recipients.Add(key, true)
	return true, nil
}

// Account reads the live ALGO balance of addr.
func (g *Gateway) Account(ctx context.Context, addr types.Address) (Account, error) {
	var acct Account
	err := g.read(ctx, "account", g.cfg.ReadTimeout, func(c context.Context) error {
		var err error
		acct, err = g.node.Account(c, addr)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Account{}, nil
	}
	if err != nil {
		return Account{}, classifyRead("account", err)
	}
	return acct, nil
}

// Box reads a box of appID. A missing box is BoxMissing.
func (g *Gateway) Box(ctx context.Context, appID uint64, name []byte) ([]byte, error) {
	var value []byte
	err := g.read(ctx, "box", g.cfg.ReadTimeout, func(c context.Context) error {
		var err error
		value, err = g.node.Box(c, appID, name)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, stoerrors.BoxMissing(string(name))
	}
	if err != nil {
		return nil, classifyRead("box", err)
	}
	return value, nil
}

// BoxIfExists is Box returning nil, nil when the box is absent.
func (g *Gateway) BoxIfExists(ctx context.Context, appID uint64, name []byte) ([]byte, error) {
	value, err := g.Box(ctx, appID, name)
	if stoerrors.IsKind(err, stoerrors.KindBoxMissing) {
		return nil, nil
	}
	return value, err
}

// Submit broadcasts a concatenated signed group. Submits are never retried.
func (g *Gateway) Submit(ctx context.Context, raw []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	defer cancel()
	start := time.Now()
	txID, err := g.node.SendRaw(callCtx, raw)
	observability.Chain().ObserveCall("submit", time.Since(start), err)
	if err == nil {
		return txID, nil
	}
	if isTransient(err) {
		return "", stoerrors.Transient(fmt.Errorf("submit: %w", err))
	}
	return "", parsePoolError(err.Error())
}

// WaitConfirmation waits up to maxRounds rounds (0 uses the configured value)
// for txID. Exhaustion is ChainTimeout, which is not a failure: callers must
// recheck their post-condition.
func (g *Gateway) WaitConfirmation(ctx context.Context, txID string, maxRounds uint64) (uint64, error) {
	if maxRounds == 0 {
		maxRounds = g.cfg.ConfirmationRounds
	}
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()
	start := time.Now()
	round, err := g.waitConfirmation(waitCtx, txID, maxRounds)
	observability.Chain().ObserveCall("confirm", time.Since(start), err)
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		return 0, stoerrors.ChainTimeout(txID)
	}
	return round, err
}

func (g *Gateway) waitConfirmation(ctx context.Context, txID string, maxRounds uint64) (uint64, error) {
	current, err := g.node.LastRound(ctx)
	if err != nil {
		return 0, classifyRead("status", err)
	}
	last := current + maxRounds
	for current < last {
		info, err := g.node.PendingInfo(ctx, txID)
		switch {
		case err == nil && info.ConfirmedRound > 0:
			return info.ConfirmedRound, nil
		case err == nil && info.PoolError != "":
			return 0, parsePoolError(info.PoolError)
		case err != nil && !errors.Is(err, ErrNotFound) && !isTransient(err):
			return 0, classifyRead("pending info", err)
		}
		next, err := g.node.WaitForRound(ctx, current+1)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if !isTransient(err) {
				return 0, classifyRead("wait for round", err)
			}
			continue
		}
		if next > current {
			current = next
		} else {
			current++
		}
	}
	return 0, stoerrors.ChainTimeout(txID)
}

// LookupConfirmed asks the indexer whether txID is confirmed.
func (g *Gateway) LookupConfirmed(ctx context.Context, txID string) (uint64, bool, error) {
	var round uint64
	err := g.read(ctx, "lookup", g.cfg.ReadTimeout, func(c context.Context) error {
		var err error
		round, err = g.node.LookupTransaction(c, txID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classifyRead("lookup transaction", err)
	}
	return round, true, nil
}

// LastRound returns the node's latest round.
func (g *Gateway) LastRound(ctx context.Context) (uint64, error) {
	var round uint64
	err := g.read(ctx, "status", g.cfg.ReadTimeout, func(c context.Context) error {
		var err error
		round, err = g.node.LastRound(c)
		return err
	})
	if err != nil {
		return 0, classifyRead("status", err)
	}
	return round, nil
}

// InvalidateApp drops the cached application view, e.g. after a
// configuration error that an operator may have fixed.
func (g *Gateway) InvalidateApp(appID uint64) {
	g.apps.Remove(g.key("app", u64(appID)))
}
