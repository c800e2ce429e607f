package escrow

import "testing"

func TestWinnerResolvedStatus(t *testing.T) {
	cases := []struct {
		winner Winner
		want   TradeStatus
	}{
		{WinnerBuyer, TradeCryptoReleased},
		// A seller win returns the escrowed funds to the seller.
		{WinnerSeller, TradeRefunded},
	}
	for _, tc := range cases {
		got, err := tc.winner.ResolvedStatus()
		if err != nil {
			t.Fatalf("%s: %v", tc.winner, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.winner, tc.want, got)
		}
		if !CanTransition(TradeDisputed, got) {
			t.Fatalf("%s: DISPUTED -> %s must be a trade edge", tc.winner, got)
		}
		if !got.Terminal() {
			t.Fatalf("%s: resolved status %s must be terminal", tc.winner, got)
		}
	}
	if _, err := Winner("arbiter").ResolvedStatus(); err == nil {
		t.Fatalf("unknown winner must be rejected")
	}
}

func TestReachable(t *testing.T) {
	if !Reachable(TradePending, TradeCryptoReleased) || !Reachable(TradePending, TradeRefunded) {
		t.Fatalf("settled statuses must be reachable from PENDING")
	}
	if Reachable(TradeCancelled, TradeCryptoReleased) || Reachable(TradeDisputed, TradePending) {
		t.Fatalf("unexpected path")
	}
}

func TestTradeTransitions(t *testing.T) {
	allowed := [][2]TradeStatus{
		{TradePending, TradePaymentPending},
		{TradePending, TradeCancelled},
		{TradePaymentPending, TradeDisputed},
		{TradePaymentPending, TradeCryptoReleased},
		{TradeDisputed, TradeRefunded},
	}
	for _, e := range allowed {
		if !CanTransition(e[0], e[1]) {
			t.Fatalf("expected %s -> %s to be allowed", e[0], e[1])
		}
	}
	denied := [][2]TradeStatus{
		{TradePending, TradeCryptoReleased},
		{TradePaymentPending, TradeRefunded},
		{TradeRefunded, TradeCryptoReleased},
		{TradeCancelled, TradeCancelled},
	}
	for _, e := range denied {
		if CanTransition(e[0], e[1]) {
			t.Fatalf("expected %s -> %s to be rejected", e[0], e[1])
		}
	}
}
