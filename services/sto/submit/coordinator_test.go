package submit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/ledger/ledgertest"
	"confio/native/common"
	"confio/native/payment"
	"confio/services/sto/stotest"
	"confio/services/sto/submit"
)

func preparePayment(t *testing.T, f *stotest.Fixture) *common.Built {
	t.Helper()
	built, _, err := payment.Build(f.Params(), f.Config.Payment, payment.Intent{
		Payer: stotest.Addr("payer"), Merchant: stotest.Addr("merchant"), AssetID: stotest.CUSD, Amount: 1_000_000, InternalID: "inv_1",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := built.SignSponsor(context.Background(), f.Signer); err != nil {
		t.Fatalf("sign sponsor: %v", err)
	}
	return built
}

func userEntries(built *common.Built, signer string) []submit.UserEntry {
	var out []submit.UserEntry
	for _, i := range built.Group.Indexes(txn.RoleUser) {
		out = append(out, submit.UserEntry{Index: i, Signed: stotest.SignUser(signer, built.Group.Txns[i])})
	}
	return out
}

func newCoordinator(f *stotest.Fixture) *submit.Coordinator {
	c := submit.NewCoordinator(f.Gateway, f.Sponsor, nil)
	c.RecheckInterval = time.Millisecond
	return c
}

func TestSubmitConfirmsPaymentGroup(t *testing.T) {
	f := stotest.New(t)
	built := preparePayment(t, f)
	c := newCoordinator(f)

	a, err := c.Assemble(submit.Request{
		Action:  common.ActionPayment,
		Caller:  stotest.Addr("payer"),
		User:    userEntries(built, "payer"),
		Sponsor: built.SponsorEntries(),
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if a.GroupID != built.Group.ID {
		t.Fatalf("recomputed group id differs")
	}
	res, err := c.Submit(context.Background(), common.ActionPayment, a, submit.IndexerRecheck(f.Gateway, a.TxID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.TxID != crypto.GetTxID(built.Group.Txns[0]) || res.ConfirmedRound != 1001 || res.Recovered {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.Node.Submitted) != 1 || len(f.Node.Submitted[0]) != payment.GroupSize {
		t.Fatalf("expected one 4-txn group on chain")
	}
}

func TestAssembleRejectsBadGroups(t *testing.T) {
	f := stotest.New(t)
	built := preparePayment(t, f)
	c := newCoordinator(f)
	payer := stotest.Addr("payer")
	users := userEntries(built, "payer")
	sponsors := built.SponsorEntries()

	tampered := built.Group.Txns[payment.IndexNet]
	tampered.AssetAmount++
	forgedSponsor := sponsors[0]
	forgedSponsor.Signed = stotest.SignUser("payer", built.Group.Txns[sponsors[0].Index])

	cases := map[string]struct {
		req  submit.Request
		kind stoerrors.Kind
	}{
		"missing index": {
			req:  submit.Request{Caller: payer, User: users[:1], Sponsor: sponsors},
			kind: stoerrors.KindGroupMismatch,
		},
		"duplicate index": {
			req:  submit.Request{Caller: payer, User: []submit.UserEntry{users[0], users[0]}, Sponsor: sponsors},
			kind: stoerrors.KindGroupMismatch,
		},
		"mutated user txn": {
			req: submit.Request{Caller: payer, User: []submit.UserEntry{
				{Index: payment.IndexNet, Signed: stotest.SignUser("payer", tampered)}, users[1],
			}, Sponsor: sponsors},
			kind: stoerrors.KindGroupMismatch,
		},
		"wrong caller": {
			req:  submit.Request{Caller: stotest.Addr("mallory"), User: users, Sponsor: sponsors},
			kind: stoerrors.KindForbidden,
		},
		"bad user signature": {
			req:  submit.Request{Caller: payer, User: userEntries(built, "mallory"), Sponsor: sponsors},
			kind: stoerrors.KindInvalidIntent,
		},
		"forged sponsor": {
			req:  submit.Request{Caller: payer, User: users, Sponsor: []common.SponsorTxn{forgedSponsor, sponsors[1]}},
			kind: stoerrors.KindGroupMismatch,
		},
		"garbage": {
			req:  submit.Request{Caller: payer, User: []submit.UserEntry{{Index: 1, Signed: "!!"}, users[1]}, Sponsor: sponsors},
			kind: stoerrors.KindInvalidIntent,
		},
	}
	for name, tc := range cases {
		if _, err := c.Assemble(tc.req); stoerrors.KindOf(err) != tc.kind {
			t.Fatalf("%s: expected %s, got %v", name, tc.kind, err)
		}
	}
}

func TestSubmitRecoversGhostPayment(t *testing.T) {
	f := stotest.New(t)
	built := preparePayment(t, f)
	c := newCoordinator(f)
	f.Node.OnSubmit = func(n *ledgertest.Node, _ []types.SignedTxn) (uint64, error) { return 0, nil }

	a, err := c.Assemble(submit.Request{Caller: stotest.Addr("payer"), User: userEntries(built, "payer"), Sponsor: built.SponsorEntries()})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	calls := 0
	recheck := func(ctx context.Context) (submit.Outcome, error) {
		calls++
		if calls == 2 {
			// the indexer catches up on the second look
			f.Node.MarkConfirmed(a.TxID, 1005)
		}
		return submit.IndexerRecheck(f.Gateway, a.TxID)(ctx)
	}
	res, err := c.Submit(context.Background(), common.ActionPayment, a, recheck)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if !res.Recovered || res.TxID != a.TxID || res.ConfirmedRound != 1005 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmitSurfacesTimeoutWhenRecheckMisses(t *testing.T) {
	f := stotest.New(t)
	built := preparePayment(t, f)
	c := newCoordinator(f)
	f.Node.OnSubmit = func(n *ledgertest.Node, _ []types.SignedTxn) (uint64, error) { return 0, nil }

	a, err := c.Assemble(submit.Request{Caller: stotest.Addr("payer"), User: userEntries(built, "payer"), Sponsor: built.SponsorEntries()})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	_, err = c.Submit(context.Background(), common.ActionPayment, a, submit.IndexerRecheck(f.Gateway, a.TxID))
	if stoerrors.KindOf(err) != stoerrors.KindChainTimeout {
		t.Fatalf("expected CHAIN_TIMEOUT, got %v", err)
	}
}

func TestSubmitPoolErrors(t *testing.T) {
	f := stotest.New(t)
	built := preparePayment(t, f)
	c := newCoordinator(f)
	a, err := c.Assemble(submit.Request{Caller: stotest.Addr("payer"), User: userEntries(built, "payer"), Sponsor: built.SponsorEntries()})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	rechecked := false
	holds := func(context.Context) (submit.Outcome, error) {
		rechecked = true
		return submit.Outcome{Holds: true}, nil
	}

	f.Node.OnSubmit = func(*ledgertest.Node, []types.SignedTxn) (uint64, error) {
		return 0, errors.New("HTTP 400: TransactionPool.Remember: overspend")
	}
	if _, err := c.Submit(context.Background(), common.ActionPayment, a, holds); stoerrors.KindOf(err) != stoerrors.KindPoolError || rechecked {
		t.Fatalf("plain pool rejection must surface without recheck, got %v", err)
	}

	f.Node.OnSubmit = func(*ledgertest.Node, []types.SignedTxn) (uint64, error) {
		return 0, errors.New("HTTP 400: transaction rejected: logic eval error: assert failed pc=312")
	}
	res, err := c.Submit(context.Background(), common.ActionMarkPaid, a, holds)
	if err != nil || !rechecked {
		t.Fatalf("logic eval error must be rechecked, got %v", err)
	}
	if !res.Recovered || res.TxID != "" {
		t.Fatalf("box recheck success reports no tx id, got %+v", res)
	}
}
