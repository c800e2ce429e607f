package preflight_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	stoerrors "confio/core/errors"
	"confio/ledger"
	"confio/native/escrow"
	"confio/services/sto/preflight"
	"confio/services/sto/stotest"
)

func newChecker(f *stotest.Fixture) *preflight.Checker {
	return preflight.New(f.Gateway, f.Signer, f.Config, nil)
}

func TestPaymentChecks(t *testing.T) {
	payer, merchant := stotest.Addr("payer"), stotest.Addr("merchant")
	args := preflight.PaymentArgs{Payer: payer, Merchant: merchant, AssetID: stotest.CUSD, Amount: 1_000_000}

	cases := []struct {
		name  string
		setup func(f *stotest.Fixture)
		skip  bool
		kind  stoerrors.Kind
	}{
		{name: "ok", setup: func(f *stotest.Fixture) {}},
		{name: "sponsor mismatch", setup: func(f *stotest.Fixture) {
			f.InstallApp(stotest.PaymentAppID, stotest.Addr("someone-else"))
		}, kind: stoerrors.KindSponsorMisconfigured},
		{name: "merchant not opted in", setup: func(f *stotest.Fixture) {
			f.Node.Holdings = map[string]uint64{}
			f.InstallApp(stotest.PaymentAppID, f.Sponsor)
			f.Node.SetHolding(payer, stotest.CUSD, 5_000_000)
		}, kind: stoerrors.KindNotOptedIn},
		{name: "merchant check skipped", setup: func(f *stotest.Fixture) {
			f.Node.Holdings = map[string]uint64{}
			f.InstallApp(stotest.PaymentAppID, f.Sponsor)
			f.Node.SetHolding(payer, stotest.CUSD, 5_000_000)
		}, skip: true},
		{name: "insufficient balance", setup: func(f *stotest.Fixture) {
			f.Node.SetHolding(payer, stotest.CUSD, 999_999)
		}, kind: stoerrors.KindInsufficientBalance},
		{name: "app not opted in", setup: func(f *stotest.Fixture) {
			f.Node.Holdings = map[string]uint64{}
			f.Fund(payer, 5_000_000)
			f.Fund(merchant, 0)
		}, kind: stoerrors.KindAppMisconfigured},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := stotest.New(t)
			f.Fund(payer, 5_000_000)
			f.Fund(merchant, 0)
			tc.setup(f)
			cfg := f.Config
			cfg.SkipRecipientOptInCheck = tc.skip
			report, err := preflight.New(f.Gateway, f.Signer, cfg, nil).Payment(context.Background(), args)
			if tc.kind == "" {
				require.NoError(t, err)
				require.Equal(t, f.FeeRecipient, report.FeeRecipient)
				return
			}
			require.Equal(t, tc.kind, stoerrors.KindOf(err), "got %v", err)
		})
	}
}

func TestPaymentReportsFundingNeed(t *testing.T) {
	f := stotest.New(t)
	payer, merchant := stotest.Addr("payer"), stotest.Addr("merchant")
	f.Node.SetHolding(payer, stotest.CUSD, 5_000_000)
	f.Fund(merchant, 0)
	report, err := newChecker(f).Payment(context.Background(), preflight.PaymentArgs{Payer: payer, Merchant: merchant, AssetID: stotest.CUSD, Amount: 1_000})
	require.NoError(t, err)
	require.True(t, report.NeedsFunding)
}

func TestPaymentFundingNeedIgnoresFees(t *testing.T) {
	f := stotest.New(t)
	payer, merchant := stotest.Addr("payer"), stotest.Addr("merchant")
	f.Node.SetHolding(payer, stotest.CUSD, 5_000_000)
	f.Fund(merchant, 0)
	args := preflight.PaymentArgs{Payer: payer, Merchant: merchant, AssetID: stotest.CUSD, Amount: 1_000}

	f.Node.Accounts[payer] = ledger.Account{Amount: 300_000, MinBalance: 300_000}
	report, err := newChecker(f).Payment(context.Background(), args)
	require.NoError(t, err)
	require.False(t, report.NeedsFunding, "exactly the minimum balance is enough because the sponsor pays every fee")

	f.Node.Accounts[payer] = ledger.Account{Amount: 299_999, MinBalance: 300_000}
	report, err = newChecker(f).Payment(context.Background(), args)
	require.NoError(t, err)
	require.True(t, report.NeedsFunding)
}

func TestCreateTradeShortCircuitsOnExistingBox(t *testing.T) {
	f := stotest.New(t)
	seller := stotest.Addr("seller")
	f.Fund(seller, 50_000_000)
	c := newChecker(f)

	done, err := c.CreateTrade(context.Background(), "T001", seller, stotest.CONFIO, 50_000_000)
	require.NoError(t, err)
	require.False(t, done)

	// after the deposit landed the seller's balance no longer covers it
	f.Node.SetHolding(seller, stotest.CONFIO, 0)
	f.PutTrade("T001", escrow.TradeBox{Seller: seller, AssetID: stotest.CONFIO, Amount: 50_000_000})
	for i := 0; i < 2; i++ {
		done, err = c.CreateTrade(context.Background(), "T001", seller, stotest.CONFIO, 50_000_000)
		require.NoError(t, err)
		require.True(t, done)
	}

	_, err = c.CreateTrade(context.Background(), "T002", seller, stotest.CONFIO, 50_000_000)
	require.Equal(t, stoerrors.KindInsufficientBalance, stoerrors.KindOf(err))
	_, err = c.CreateTrade(context.Background(), "", seller, stotest.CONFIO, 1)
	require.Equal(t, stoerrors.KindInvalidIntent, stoerrors.KindOf(err))
}

func TestAcceptTradeRules(t *testing.T) {
	f := stotest.New(t)
	seller, buyer := stotest.Addr("seller"), stotest.Addr("buyer")
	f.Fund(buyer, 0)
	f.PutTrade("T001", escrow.TradeBox{Seller: seller, AssetID: stotest.CONFIO, Amount: 50_000_000, Status: escrow.BoxPending})
	c := newChecker(f)

	_, done, err := c.AcceptTrade(context.Background(), "T001", buyer)
	require.NoError(t, err)
	require.False(t, done)

	_, _, err = c.AcceptTrade(context.Background(), "T001", seller)
	require.Equal(t, stoerrors.KindPrecondFailed, stoerrors.KindOf(err))
	_, _, err = c.AcceptTrade(context.Background(), "T001", f.Sponsor)
	require.Equal(t, stoerrors.KindPrecondFailed, stoerrors.KindOf(err))
	_, _, err = c.AcceptTrade(context.Background(), "T404", buyer)
	require.Equal(t, stoerrors.KindBoxMissing, stoerrors.KindOf(err))

	f.PutTrade("T001", escrow.TradeBox{Seller: seller, AssetID: stotest.CONFIO, Amount: 50_000_000, Status: escrow.BoxActive, Buyer: buyer})
	_, done, err = c.AcceptTrade(context.Background(), "T001", buyer)
	require.NoError(t, err)
	require.True(t, done)
}

func TestMarkPaidAndConfirmCallers(t *testing.T) {
	f := stotest.New(t)
	seller, buyer := stotest.Addr("seller"), stotest.Addr("buyer")
	f.PutTrade("T001", escrow.TradeBox{Seller: seller, AssetID: stotest.CUSD, Amount: 10, Status: escrow.BoxActive, Buyer: buyer})
	c := newChecker(f)

	_, _, err := c.MarkPaid(context.Background(), "T001", seller)
	require.Equal(t, stoerrors.KindPrecondFailed, stoerrors.KindOf(err))
	_, done, err := c.MarkPaid(context.Background(), "T001", buyer)
	require.NoError(t, err)
	require.False(t, done)

	_, err = c.ConfirmReceived(context.Background(), "T001", seller)
	require.Equal(t, stoerrors.KindBoxMissing, stoerrors.KindOf(err))

	f.PutPaid("T001", 1_700_000_000, "REF123")
	_, done, err = c.MarkPaid(context.Background(), "T001", buyer)
	require.NoError(t, err)
	require.True(t, done)
	_, err = c.ConfirmReceived(context.Background(), "T001", buyer)
	require.Equal(t, stoerrors.KindPrecondFailed, stoerrors.KindOf(err))
	state, err := c.ConfirmReceived(context.Background(), "T001", seller)
	require.NoError(t, err)
	require.Equal(t, "REF123", state.Paid.PaymentRef)
}

func TestCancelGraceWindow(t *testing.T) {
	f := stotest.New(t)
	seller, buyer := stotest.Addr("seller"), stotest.Addr("buyer")
	now := time.Unix(1_700_000_000, 0)
	f.PutTrade("T001", escrow.TradeBox{Seller: seller, AssetID: stotest.CUSD, Amount: 10, Status: escrow.BoxActive, Buyer: buyer, ExpiresAt: now.Unix() - 60})
	c := newChecker(f)

	c.SetNowFunc(func() time.Time { return now })
	_, err := c.Cancel(context.Background(), "T001", seller)
	typed, ok := stoerrors.As(err)
	require.True(t, ok, "expected typed error, got %v", err)
	require.Equal(t, stoerrors.KindTimeGate, typed.Kind)
	require.EqualValues(t, 60, typed.SecondsRemaining)

	c.SetNowFunc(func() time.Time { return now.Add(61 * time.Second) })
	_, err = c.Cancel(context.Background(), "T001", buyer)
	require.NoError(t, err)
}

func TestResolveDisputeRequiresAdmin(t *testing.T) {
	f := stotest.New(t)
	seller, buyer := stotest.Addr("seller"), stotest.Addr("buyer")
	f.PutTrade("T001", escrow.TradeBox{Seller: seller, AssetID: stotest.CUSD, Amount: 10, Status: escrow.BoxDisputed, Buyer: buyer, MBRPayer: f.Sponsor})
	f.PutDispute("T001", "no payment", 1_700_000_000, f.Sponsor)
	c := newChecker(f)

	_, err := c.ResolveDispute(context.Background(), "T001", f.Admin, false, escrow.WinnerBuyer)
	require.Equal(t, stoerrors.KindForbidden, stoerrors.KindOf(err))
	_, err = c.ResolveDispute(context.Background(), "T001", stotest.Addr("impostor"), true, escrow.WinnerBuyer)
	require.Equal(t, stoerrors.KindForbidden, stoerrors.KindOf(err))

	args, err := c.ResolveDispute(context.Background(), "T001", f.Admin, true, escrow.WinnerSeller)
	require.NoError(t, err)
	require.Equal(t, seller, args.Winner)
	require.Equal(t, f.Sponsor, args.DisputePayer)
	require.False(t, args.HasPaidBox)
}

func TestSendChecks(t *testing.T) {
	f := stotest.New(t)
	sender, recipient := stotest.Addr("sender"), stotest.Addr("recipient")
	f.Fund(sender, 100)
	c := newChecker(f)

	err := c.Send(context.Background(), preflight.SendArgs{Sender: sender, Recipient: recipient, AssetID: stotest.CUSD, Amount: 50})
	require.Equal(t, stoerrors.KindNotOptedIn, stoerrors.KindOf(err))

	f.Fund(recipient, 0)
	require.NoError(t, c.Send(context.Background(), preflight.SendArgs{Sender: sender, Recipient: recipient, AssetID: stotest.CUSD, Amount: 50}))

	err = c.Send(context.Background(), preflight.SendArgs{Sender: sender, Recipient: recipient, AssetID: 42, Amount: 50})
	require.Equal(t, stoerrors.KindUnsupportedAsset, stoerrors.KindOf(err))
}

func TestDeployment(t *testing.T) {
	f := stotest.New(t)
	require.NoError(t, newChecker(f).Deployment(context.Background()))

	drifted := stotest.New(t)
	drifted.InstallApp(stotest.P2PAppID, stotest.Addr("rotated-sponsor"))
	err := newChecker(drifted).Deployment(context.Background())
	require.Equal(t, stoerrors.KindSponsorMisconfigured, stoerrors.KindOf(err), "got %v", err)
}
