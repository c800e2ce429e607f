package txn

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

func testKey(seed byte) (ed25519.PrivateKey, types.Address) {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	sk := ed25519.NewKeyFromSeed(s)
	var addr types.Address
	copy(addr[:], sk.Public().(ed25519.PublicKey))
	return sk, addr
}

func testParams() Params {
	var gh [32]byte
	gh[0] = 0x42
	return Params{FirstValid: 1000, LastValid: 2000, GenesisID: "testnet-v1.0", GenesisHash: gh, MinFee: 1000}
}

func sampleGroup(t *testing.T) *Group {
	t.Helper()
	_, sponsor := testKey(1)
	_, user := testKey(2)
	_, merchant := testKey(3)
	call := AppCall{
		Header:        Header{Sender: sponsor, Fee: 2000},
		AppID:         77,
		Selector:      MustMethod("pay_with_cusd(address,string)void").Selector,
		Args:          [][]byte{AddressArg(merchant), StringArg("inv-1")},
		Accounts:      []types.Address{user, merchant},
		ForeignAssets: []uint64{31566704},
	}
	g, err := Assemble(testParams(),
		Sponsor(Payment{Header: Header{Sender: sponsor, Fee: 3000}, Receiver: user}),
		User(AssetTransfer{Header: Header{Sender: user}, Receiver: merchant, AssetID: 31566704, Amount: 991000}),
		Sponsor(call),
	)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return g
}

func TestAssembleStampsGroupID(t *testing.T) {
	g := sampleGroup(t)
	if g.ID == (types.Digest{}) {
		t.Fatalf("expected group id")
	}
	for i, tx := range g.Txns {
		if tx.Group != g.ID {
			t.Fatalf("txn %d missing group id", i)
		}
		if uint64(tx.FirstValid) != 1000 || uint64(tx.LastValid) != 2000 {
			t.Fatalf("txn %d has wrong validity window", i)
		}
	}
	if err := g.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got := g.Indexes(RoleSponsor); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("unexpected sponsor indexes %v", got)
	}
	if g.TotalFee() != 5000 {
		t.Fatalf("unexpected total fee %d", g.TotalFee())
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	a := sampleGroup(t)
	b := sampleGroup(t)
	if a.ID != b.ID {
		t.Fatalf("group id differs between identical builds")
	}
	for i := range a.Txns {
		if !bytes.Equal(a.Bytes(i), b.Bytes(i)) {
			t.Fatalf("txn %d bytes differ", i)
		}
	}
}

func TestGroupIDChangesOnReorderAndMutation(t *testing.T) {
	g := sampleGroup(t)
	swapped := []types.Transaction{g.Txns[1], g.Txns[0], g.Txns[2]}
	gid, err := GroupID(swapped)
	if err != nil {
		t.Fatalf("group id: %v", err)
	}
	if gid == g.ID {
		t.Fatalf("reorder must change group id")
	}
	mutated := append([]types.Transaction(nil), g.Txns...)
	mutated[1].AssetAmount++
	gid, err = GroupID(mutated)
	if err != nil {
		t.Fatalf("group id: %v", err)
	}
	if gid == g.ID {
		t.Fatalf("mutation must change group id")
	}
}

func TestAssembleRejectsUserFee(t *testing.T) {
	_, user := testKey(2)
	_, merchant := testKey(3)
	_, err := Assemble(testParams(), User(Payment{Header: Header{Sender: user, Fee: 1000}, Receiver: merchant}))
	if err == nil {
		t.Fatalf("expected user fee rejection")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	g := sampleGroup(t)
	for i, tx := range g.Txns {
		decoded, err := Decode(g.Bytes(i))
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if !bytes.Equal(Encode(decoded), g.Bytes(i)) {
			t.Fatalf("txn %d does not round-trip", i)
		}
		v, err := VariantOf(decoded)
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		if v.Kind() != tx.Type {
			t.Fatalf("txn %d kind %s want %s", i, v.Kind(), tx.Type)
		}
	}
	call, err := VariantOf(g.Txns[2])
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	app := call.(AppCall)
	ref, err := DecodeStringArg(app.Args[1])
	if err != nil || ref != "inv-1" {
		t.Fatalf("unexpected internal id %q (%v)", ref, err)
	}
}

func TestSignedHelpers(t *testing.T) {
	g := sampleGroup(t)
	sk, sponsor := testKey(1)
	raw := SignWith(sk, g.Txns[0])
	stx, err := DecodeSigned(raw)
	if err != nil {
		t.Fatalf("decode signed: %v", err)
	}
	if !IsSigned(stx) || !VerifySignature(stx, sponsor) {
		t.Fatalf("expected valid sponsor signature")
	}
	_, other := testKey(9)
	if VerifySignature(stx, other) {
		t.Fatalf("signature must not verify for another key")
	}
	stx.Txn.Fee++
	if VerifySignature(stx, sponsor) {
		t.Fatalf("tampered body must not verify")
	}
	if _, err := DecodeSigned(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestAppCallReferenceLimits(t *testing.T) {
	_, a := testKey(1)
	call := AppCall{
		Header:   Header{Sender: a},
		AppID:    1,
		Selector: []byte{1, 2, 3, 4},
		Accounts: []types.Address{a, a, a, a, a},
	}
	if err := call.CheckReferences(); err == nil {
		t.Fatalf("expected account limit error")
	}
	call.Accounts = []types.Address{a, a, a, a}
	call.ForeignAssets = []uint64{1, 2, 3}
	call.Boxes = []BoxRef{{Name: []byte("x")}, {Name: []byte("y")}}
	if err := call.CheckReferences(); err == nil {
		t.Fatalf("expected total reference limit error")
	}
}
