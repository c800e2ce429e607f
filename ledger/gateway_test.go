package ledger_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/ledger"
	"confio/ledger/ledgertest"
)

func addr(seed byte) types.Address {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	var a types.Address
	copy(a[:], ed25519.NewKeyFromSeed(s).Public().(ed25519.PublicKey))
	return a
}

func newGateway(node *ledgertest.Node) *ledger.Gateway {
	cfg := ledger.DefaultConfig()
	cfg.MaxReadRetries = 1
	return ledger.NewGateway(node, cfg, nil)
}

func TestSuggestedParamsAreCached(t *testing.T) {
	node := ledgertest.New()
	gw := newGateway(node)
	for i := 0; i < 3; i++ {
		p, err := gw.SuggestedParams(context.Background())
		if err != nil {
			t.Fatalf("params: %v", err)
		}
		if p.MinFee != 1000 {
			t.Fatalf("unexpected min fee %d", p.MinFee)
		}
	}
	if node.CallCount("params") != 1 {
		t.Fatalf("expected one node call, got %d", node.CallCount("params"))
	}
}

// gatedNode holds SuggestedParams until release is closed.
type gatedNode struct {
	*ledgertest.Node
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (n *gatedNode) SuggestedParams(ctx context.Context) (txn.Params, error) {
	n.calls.Add(1)
	select {
	case n.entered <- struct{}{}:
	default:
	}
	select {
	case <-n.release:
	case <-ctx.Done():
		return txn.Params{}, ctx.Err()
	}
	return n.Node.SuggestedParams(ctx)
}

func TestSharedParamsFillSurvivesFirstCallerCancel(t *testing.T) {
	node := &gatedNode{
		Node:    ledgertest.New(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	cfg := ledger.DefaultConfig()
	cfg.MaxReadRetries = 1
	gw := ledger.NewGateway(node, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := gw.SuggestedParams(ctx)
		first <- err
	}()
	<-node.entered
	cancel()
	if err := <-first; stoerrors.KindOf(err) != stoerrors.KindTransient {
		t.Fatalf("cancelled caller: expected TRANSIENT, got %v", err)
	}

	second := make(chan error, 1)
	go func() {
		p, err := gw.SuggestedParams(context.Background())
		if err == nil && p.MinFee != 1000 {
			err = fmt.Errorf("unexpected min fee %d", p.MinFee)
		}
		second <- err
	}()
	close(node.release)
	if err := <-second; err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if got := node.calls.Load(); got != 1 {
		t.Fatalf("expected the first fill to complete and be shared, got %d node calls", got)
	}
}

func TestBoxReadsBypassCache(t *testing.T) {
	node := ledgertest.New()
	gw := newGateway(node)
	if _, err := gw.Box(context.Background(), 7, []byte("T001")); stoerrors.KindOf(err) != stoerrors.KindBoxMissing {
		t.Fatalf("expected BOX_MISSING, got %v", err)
	}
	node.SetBox(7, []byte("T001"), []byte{1, 2, 3})
	v, err := gw.Box(context.Background(), 7, []byte("T001"))
	if err != nil || len(v) != 3 {
		t.Fatalf("expected fresh box, got %v (%v)", v, err)
	}
	missing, err := gw.BoxIfExists(context.Background(), 7, []byte("nope"))
	if err != nil || missing != nil {
		t.Fatalf("expected nil for absent box")
	}
}

func TestHoldingAndOptIns(t *testing.T) {
	node := ledgertest.New()
	gw := newGateway(node)
	user := addr(1)
	if _, err := gw.AccountAssetHolding(context.Background(), user, 10); stoerrors.KindOf(err) != stoerrors.KindNotOptedIn {
		t.Fatalf("expected NOT_OPTED_IN, got %v", err)
	}
	ok, err := gw.RecipientOptedIn(context.Background(), user, 10)
	if err != nil || ok {
		t.Fatalf("expected not opted in")
	}
	node.SetHolding(user, 10, 5)
	ok, err = gw.RecipientOptedIn(context.Background(), user, 10)
	if err != nil || !ok {
		t.Fatalf("negative answers must not be cached (%v)", err)
	}
	before := node.CallCount("holding")
	if ok, _ := gw.RecipientOptedIn(context.Background(), user, 10); !ok {
		t.Fatalf("expected cached positive")
	}
	if node.CallCount("holding") != before {
		t.Fatalf("positive opt-in should be served from cache")
	}
}

func TestTransientReadsAreRetried(t *testing.T) {
	node := ledgertest.New()
	node.SetApp(5, map[string]ledger.TealValue{"cusd_asset_id": {Uint: 10}})
	node.Fail["app"] = errors.New("HTTP 503: upstream unavailable")
	gw := newGateway(node)
	_, err := gw.AppInfo(context.Background(), 5)
	if stoerrors.KindOf(err) != stoerrors.KindTransient {
		t.Fatalf("expected TRANSIENT, got %v", err)
	}
	if node.CallCount("app") != 2 {
		t.Fatalf("expected one retry, got %d calls", node.CallCount("app"))
	}
	delete(node.Fail, "app")
	info, err := gw.AppInfo(context.Background(), 5)
	if err != nil {
		t.Fatalf("app info: %v", err)
	}
	if v, ok := info.GlobalUint("cusd_asset_id"); !ok || v != 10 {
		t.Fatalf("unexpected global state")
	}
	if _, err := gw.AppInfo(context.Background(), 99); stoerrors.KindOf(err) != stoerrors.KindAppMisconfigured {
		t.Fatalf("expected APP_MISCONFIGURED for missing app, got %v", err)
	}
}

func TestSubmitPoolErrorCarriesPC(t *testing.T) {
	node := ledgertest.New()
	node.Fail["submit"] = fmt.Errorf("HTTP 400: TransactionPool.Remember: transaction XYZ: logic eval error: assert failed pc=312")
	gw := newGateway(node)
	_, err := gw.Submit(context.Background(), []byte{0x80})
	typed, ok := stoerrors.As(err)
	if !ok || typed.Kind != stoerrors.KindPoolError || typed.TealPC != 312 {
		t.Fatalf("expected POOL_ERROR pc=312, got %v", err)
	}
	if !ledger.IsLogicEvalError(typed.Message) {
		t.Fatalf("expected logic eval error detection")
	}
}

func TestWaitConfirmationTimesOut(t *testing.T) {
	node := ledgertest.New()
	gw := newGateway(node)
	_, err := gw.WaitConfirmation(context.Background(), "NEVER", 3)
	if stoerrors.KindOf(err) != stoerrors.KindChainTimeout {
		t.Fatalf("expected CHAIN_TIMEOUT, got %v", err)
	}
	node.MarkConfirmed("TX1", 1001)
	round, err := gw.WaitConfirmation(context.Background(), "TX1", 3)
	if err != nil || round != 1001 {
		t.Fatalf("expected confirmation at 1001, got %d (%v)", round, err)
	}
	found, ok, err := gw.LookupConfirmed(context.Background(), "TX1")
	if err != nil || !ok || found != 1001 {
		t.Fatalf("expected indexer hit, got %d %v %v", found, ok, err)
	}
	if _, ok, _ := gw.LookupConfirmed(context.Background(), "NEVER"); ok {
		t.Fatalf("unconfirmed tx must not be found")
	}
}

func TestWaitConfirmationHonoursDeadline(t *testing.T) {
	node := ledgertest.New()
	cfg := ledger.DefaultConfig()
	cfg.ConfirmTimeout = 20 * time.Millisecond
	node.Fail["wait"] = context.DeadlineExceeded
	gw := ledger.NewGateway(node, cfg, nil)
	_, err := gw.WaitConfirmation(context.Background(), "SLOW", 1_000_000)
	if stoerrors.KindOf(err) != stoerrors.KindChainTimeout {
		t.Fatalf("expected CHAIN_TIMEOUT, got %v", err)
	}
}
