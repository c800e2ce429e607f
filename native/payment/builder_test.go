package payment

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
)

const (
	cusd   = 31566704
	confio = 744368179
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

func params() txn.Params {
	var gh [32]byte
	gh[31] = 7
	return txn.Params{FirstValid: 50, LastValid: 1050, GenesisID: "testnet-v1.0", GenesisHash: gh, MinFee: 1000}
}

func config() Config {
	return Config{AppID: 9001, CUSDAssetID: cusd, CONFIOAssetID: confio, Sponsor: addr(1), FeeRecipient: addr(4)}
}

func TestSplitAmount(t *testing.T) {
	cases := []struct {
		gross, fee, net uint64
	}{
		{1_000_000, 9_000, 991_000},
		{200, 2, 198},
		{10_001, 91, 9_910},
		{112, 2, 110},
	}
	for _, tc := range cases {
		split, err := SplitAmount(tc.gross)
		if err != nil {
			t.Fatalf("split %d: %v", tc.gross, err)
		}
		if split.Fee != tc.fee || split.Net != tc.net || split.Gross != tc.gross {
			t.Fatalf("split %d = %+v want fee %d net %d", tc.gross, split, tc.fee, tc.net)
		}
	}
	for _, gross := range []uint64{0, 1} {
		if _, err := SplitAmount(gross); stoerrors.KindOf(err) != stoerrors.KindAmountTooSmall {
			t.Fatalf("gross %d: expected AMOUNT_TOO_SMALL, got %v", gross, err)
		}
	}
}

func TestBuildHappyPath(t *testing.T) {
	payer, merchant := addr(2), addr(3)
	built, split, err := Build(params(), config(), Intent{Payer: payer, Merchant: merchant, AssetID: cusd, Amount: 1_000_000, InternalID: "inv_42"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if split.Gross != 1_000_000 || split.Fee != 9_000 || split.Net != 991_000 {
		t.Fatalf("unexpected split %+v", split)
	}
	g := built.Group
	if g.Len() != GroupSize {
		t.Fatalf("expected 4 txns, got %d", g.Len())
	}
	wantFees := []uint64{3000, 0, 0, 2000}
	for i, tx := range g.Txns {
		if uint64(tx.Fee) != wantFees[i] {
			t.Fatalf("txn %d fee %d want %d", i, tx.Fee, wantFees[i])
		}
	}
	call := g.Txns[IndexAppCall]
	if len(call.Accounts) != 2 || call.Accounts[0] != payer || call.Accounts[1] != merchant {
		t.Fatalf("unexpected app call accounts %v", call.Accounts)
	}
	if !bytes.Equal(call.ApplicationArgs[0], methodPayCUSD.Selector) {
		t.Fatalf("expected pay_with_cusd selector")
	}
	if g.Txns[IndexNet].AssetAmount != 991_000 || g.Txns[IndexFee].AssetAmount != 9_000 {
		t.Fatalf("unexpected transfer amounts")
	}
	if g.Txns[IndexSponsorPay].Amount != 0 {
		t.Fatalf("mbr top-up must be zero")
	}
	for _, i := range g.Indexes(txn.RoleUser) {
		if g.Txns[i].Fee != 0 {
			t.Fatalf("user txn %d has non-zero fee", i)
		}
		if len(built.UserSigners[i]) != 1 || built.UserSigners[i][0] != payer {
			t.Fatalf("user txn %d should be signed by payer", i)
		}
	}
}

func TestBuildSelectsMethodByAsset(t *testing.T) {
	built, _, err := Build(params(), config(), Intent{Payer: addr(2), Merchant: addr(3), AssetID: confio, Amount: 5_000_000})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Equal(built.Group.Txns[IndexAppCall].ApplicationArgs[0], methodPayCONFIO.Selector) {
		t.Fatalf("expected pay_with_confio selector")
	}
	_, _, err = Build(params(), config(), Intent{Payer: addr(2), Merchant: addr(3), AssetID: 12345, Amount: 5_000_000})
	if stoerrors.KindOf(err) != stoerrors.KindUnsupportedAsset {
		t.Fatalf("expected UNSUPPORTED_ASSET, got %v", err)
	}
}

func TestBuildIsByteReproducible(t *testing.T) {
	in := Intent{Payer: addr(2), Merchant: addr(3), AssetID: cusd, Amount: 2_500_000, InternalID: "x"}
	a, _, err := Build(params(), config(), in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, _, err := Build(params(), config(), in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := 0; i < GroupSize; i++ {
		if !bytes.Equal(a.Group.Bytes(i), b.Group.Bytes(i)) {
			t.Fatalf("txn %d differs between builds", i)
		}
	}
}

func TestRebuildFromUserTransfers(t *testing.T) {
	in := Intent{Payer: addr(2), Merchant: addr(3), AssetID: cusd, Amount: 1_000_000, InternalID: "inv_42"}
	built, _, err := Build(params(), config(), in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	g := built.Group
	rebuilt, err := Rebuild(config(), 1000, g.Txns[IndexNet], g.Txns[IndexFee], "inv_42")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Group.ID != g.ID {
		t.Fatalf("rebuild produced a different group id")
	}
	for _, i := range []int{IndexSponsorPay, IndexAppCall} {
		if !bytes.Equal(rebuilt.Group.Bytes(i), g.Bytes(i)) {
			t.Fatalf("sponsor txn %d not reproduced byte-for-byte", i)
		}
	}

	if _, err := Rebuild(config(), 1000, g.Txns[IndexNet], g.Txns[IndexFee], "other"); stoerrors.KindOf(err) != stoerrors.KindGroupMismatch {
		t.Fatalf("expected GROUP_MISMATCH for a different internal id, got %v", err)
	}
	tampered := g.Txns[IndexNet]
	tampered.LastValid++
	if _, err := Rebuild(config(), 1000, tampered, g.Txns[IndexFee], "inv_42"); stoerrors.KindOf(err) != stoerrors.KindGroupMismatch {
		t.Fatalf("expected GROUP_MISMATCH for mismatched params, got %v", err)
	}
}
