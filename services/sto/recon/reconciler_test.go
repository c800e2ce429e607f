package recon_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"confio/native/common"
	"confio/native/escrow"
	"confio/services/sto/fsm"
	"confio/services/sto/models"
	"confio/services/sto/preflight"
	"confio/services/sto/recon"
	"confio/services/sto/stotest"
)

type harness struct {
	f       *stotest.Fixture
	db      *gorm.DB
	machine *fsm.Machine
	rec     *recon.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := stotest.New(t)
	db := stotest.DB(t)
	machine := fsm.New(db, fsm.Assets{CUSD: stotest.CUSD, CONFIO: stotest.CONFIO}, nil)
	checker := preflight.New(f.Gateway, f.Signer, f.Config, nil)
	return &harness{f: f, db: db, machine: machine, rec: recon.NewReconciler(machine, f.Gateway, checker, nil)}
}

func (h *harness) account(t *testing.T, userID, name string) string {
	t.Helper()
	addr := stotest.Addr(name).String()
	acct := models.Account{ID: uuid.New(), UserID: userID, AccountType: models.AccountPersonal, Address: addr, PhoneNumber: "+58" + userID}
	if err := h.db.Create(&acct).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return addr
}

func TestReconcilerRecoversGhostPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.account(t, "u1", "payer")
	merchant := h.account(t, "u2", "merchant")
	intent := models.PaymentIntent{ID: "pay_1", PayerUserID: "u1", PayerAddress: payer, MerchantAddress: merchant, AssetID: stotest.CUSD, GrossAmount: 1_000_000, Status: models.PaymentPending}
	if err := h.db.Create(&intent).Error; err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	group := models.PreparedGroup{GroupID: "g", SponsorTxns: []common.SponsorTxn{{Index: 0, Signed: "AA=="}}, FirstValid: 1000, LastValid: 2000}
	if err := h.machine.PaymentPrepared(ctx, "pay_1", group, 991_000, 9_000); err != nil {
		t.Fatalf("prepared: %v", err)
	}
	if err := h.machine.PaymentBroadcast(ctx, "pay_1", "TXGHOST"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	report, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Pending != 1 || report.Confirmed != 0 {
		t.Fatalf("unconfirmed payment must stay pending, got %+v", report)
	}

	h.f.Node.MarkConfirmed("TXGHOST", 1003)
	report, err = h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Confirmed != 1 {
		t.Fatalf("expected recovery, got %+v", report)
	}
	got, err := h.machine.LoadPayment(ctx, "pay_1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != models.PaymentConfirmed || got.ConfirmedRound != 1003 {
		t.Fatalf("unexpected intent %+v", got)
	}

	report, err = h.rec.Run(ctx)
	if err != nil || report.Confirmed != 0 {
		t.Fatalf("second pass must be a no-op, got %+v %v", report, err)
	}
}

func TestReconcilerFailsSendPastValidity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sender := h.account(t, "u1", "sender")
	if err := h.db.Create(&models.SendIntent{ID: "send_1", SenderUserID: "u1", SenderAddress: sender, AssetID: stotest.CONFIO, Amount: 1, Status: models.SendPending}).Error; err != nil {
		t.Fatalf("seed send: %v", err)
	}
	if err := h.machine.SendBroadcast(ctx, "send_1", "TXLOST", 1500); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	h.f.Node.Round = 1501

	report, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected a failed send, got %+v", report)
	}
	got, _ := h.machine.LoadSend(ctx, "send_1")
	if got.Status != models.SendFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
}

func TestReconcilerExpiresPayments(t *testing.T) {
	h := newHarness(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	for _, p := range []models.PaymentIntent{
		{ID: "stale", Status: models.PaymentPending, ExpiresAt: &past},
		{ID: "fresh", Status: models.PaymentPending, ExpiresAt: &future},
	} {
		p := p
		if err := h.db.Create(&p).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	report, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Expired != 1 {
		t.Fatalf("expected one expiry, got %+v", report)
	}
	stale, _ := h.machine.LoadPayment(context.Background(), "stale")
	fresh, _ := h.machine.LoadPayment(context.Background(), "fresh")
	if stale.Status != models.PaymentExpired || fresh.Status != models.PaymentPending {
		t.Fatalf("unexpected statuses %s %s", stale.Status, fresh.Status)
	}
}

func TestReconcilerSettlesTradeFromBoxes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller := h.account(t, "s1", "seller")
	h.account(t, "b1", "buyer")
	trade := models.Trade{ID: "T001", SellerUserID: "s1", SellerAddress: seller, AssetID: stotest.CONFIO, CryptoAmount: 5, Status: escrow.TradePending}
	if err := h.db.Create(&trade).Error; err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	if err := h.machine.TradeBroadcast(ctx, "T001", fsm.Pending{Action: common.ActionAcceptTrade, TxID: "TXACC", LastValid: 2000}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	h.f.PutTrade("T001", escrow.TradeBox{Seller: stotest.Addr("seller"), AssetID: stotest.CONFIO, Amount: 5, Status: escrow.BoxPending})
	report, err := h.rec.Run(ctx)
	if err != nil || report.Pending != 1 {
		t.Fatalf("box without buyer must stay pending, got %+v %v", report, err)
	}

	h.f.PutTrade("T001", escrow.TradeBox{Seller: stotest.Addr("seller"), AssetID: stotest.CONFIO, Amount: 5, Status: escrow.BoxActive, Buyer: stotest.Addr("buyer")})
	report, err = h.rec.Run(ctx)
	if err != nil || report.Confirmed != 1 {
		t.Fatalf("expected trade recovery, got %+v %v", report, err)
	}
	got, err := h.machine.LoadTrade(ctx, "T001")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != escrow.TradePaymentPending || got.BuyerUserID != "b1" || got.PendingAction != "" || got.LastTxID != "TXACC" {
		t.Fatalf("unexpected trade %+v", got)
	}
}

func TestReconcilerClearsTradePastValidity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller := h.account(t, "s1", "seller")
	trade := models.Trade{ID: "T002", SellerUserID: "s1", SellerAddress: seller, Status: escrow.TradePending}
	if err := h.db.Create(&trade).Error; err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	if err := h.machine.TradeBroadcast(ctx, "T002", fsm.Pending{Action: common.ActionCreateTrade, TxID: "TXC", LastValid: 1100}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	h.f.Node.Round = 1200
	report, err := h.rec.Run(ctx)
	if err != nil || report.Failed != 1 {
		t.Fatalf("expected cleared marker, got %+v %v", report, err)
	}
	got, _ := h.machine.LoadTrade(ctx, "T002")
	if got.PendingAction != "" || got.Status != escrow.TradePending {
		t.Fatalf("unexpected trade %+v", got)
	}
}

func TestTradeOutcomeSettledWhenBoxGone(t *testing.T) {
	h := newHarness(t)
	checker := preflight.New(h.f.Gateway, h.f.Signer, h.f.Config, nil)
	held, _, err := recon.TradeOutcome(context.Background(), checker, "T404", common.ActionConfirmReceived)
	if err != nil || !held {
		t.Fatalf("deleted box settles a confirm, got %v %v", held, err)
	}
	held, _, err = recon.TradeOutcome(context.Background(), checker, "T404", common.ActionCreateTrade)
	if err != nil || held {
		t.Fatalf("missing box must not satisfy create, got %v %v", held, err)
	}
	if _, _, err := recon.TradeOutcome(context.Background(), checker, "T404", common.ActionSend); err == nil {
		t.Fatalf("send is not a trade action")
	}
}

func TestReconcilerHealsTradeFromBoxState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller := h.account(t, "s1", "seller")
	h.account(t, "b1", "buyer")
	trade := models.Trade{ID: "T003", SellerUserID: "s1", SellerAddress: seller, AssetID: stotest.CONFIO, CryptoAmount: 5, Status: escrow.TradePending}
	if err := h.db.Create(&trade).Error; err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	if err := h.machine.TradeBroadcast(ctx, "T003", fsm.Pending{Action: common.ActionMarkPaid, TxID: "TXPAID", LastValid: 2000}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	h.f.PutTrade("T003", escrow.TradeBox{Seller: stotest.Addr("seller"), AssetID: stotest.CONFIO, Amount: 5, Status: escrow.BoxActive, Buyer: stotest.Addr("buyer")})
	h.f.PutPaid("T003", 1_700_000_000, "REF9")

	report, err := h.rec.Run(ctx)
	if err != nil || report.Confirmed != 1 {
		t.Fatalf("expected healed confirmation, got %+v %v", report, err)
	}
	got, err := h.machine.LoadTrade(ctx, "T003")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != escrow.TradePaymentPending || got.BuyerUserID != "b1" || got.PaymentRef != "REF9" || got.PendingAction != "" {
		t.Fatalf("unexpected trade %+v", got)
	}
}

func TestReconcilerFlagsUnappliableTradeConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller := h.account(t, "s1", "seller")
	trade := models.Trade{
		ID:               "T004",
		SellerUserID:     "s1",
		SellerAddress:    seller,
		AssetID:          stotest.CONFIO,
		CryptoAmount:     5,
		Status:           escrow.TradeCancelled,
		PendingAction:    string(common.ActionConfirmReceived),
		PendingTxID:      "TXREL",
		PendingLastValid: 2000,
	}
	if err := h.db.Create(&trade).Error; err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	report, err := h.rec.Run(ctx)
	if err != nil || report.Failed != 1 || report.Confirmed != 0 {
		t.Fatalf("expected flagged trade, got %+v %v", report, err)
	}
	got, _ := h.machine.LoadTrade(ctx, "T004")
	if got.PendingAction != "" || got.Status != escrow.TradeCancelled || got.AttentionReason == "" {
		t.Fatalf("unexpected trade %+v", got)
	}

	report, err = h.rec.Run(ctx)
	if err != nil || report.Failed+report.Confirmed+report.Pending != 0 {
		t.Fatalf("flagged trade must not be retried, got %+v %v", report, err)
	}
}
