package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
)

func testKey(t *testing.T, seed byte) *PrivateKey {
	t.Helper()
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	key, err := PrivateKeyFromSeed(s)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return key
}

func sponsorTxn(sender types.Address) types.Transaction {
	var gh [32]byte
	gh[0] = 1
	g, err := txn.Assemble(txn.Params{FirstValid: 1, LastValid: 100, GenesisID: "testnet-v1.0", GenesisHash: gh, MinFee: 1000},
		txn.Sponsor(txn.Payment{Header: txn.Header{Sender: sender, Fee: 2000}, Receiver: sender}))
	if err != nil {
		panic(err)
	}
	return g.Txns[0]
}

func TestMnemonicRoundTrip(t *testing.T) {
	key := testKey(t, 7)
	words, err := key.Mnemonic()
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	restored, err := PrivateKeyFromMnemonic("  " + words + "\n")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Address() != key.Address() {
		t.Fatalf("address mismatch after mnemonic round trip")
	}
	if _, err := PrivateKeyFromMnemonic("not a mnemonic"); err == nil {
		t.Fatalf("expected invalid mnemonic error")
	}
}

func TestLocalSignerSignsOnlyOwnTransactions(t *testing.T) {
	key := testKey(t, 1)
	signer, err := NewLocalSigner(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	raw, err := signer.Sign(context.Background(), sponsorTxn(signer.Address()))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	stx, err := txn.DecodeSigned(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !txn.VerifySignature(stx, signer.Address()) {
		t.Fatalf("signature must verify")
	}
	other := testKey(t, 2).Address()
	if _, err := signer.Sign(context.Background(), sponsorTxn(other)); err == nil {
		t.Fatalf("expected refusal for a foreign sender")
	}
}

func TestAssertMatches(t *testing.T) {
	signer, _ := NewLocalSigner(testKey(t, 1))
	if err := signer.AssertMatches(signer.Address().String()); err != nil {
		t.Fatalf("expected match: %v", err)
	}
	err := signer.AssertMatches(testKey(t, 2).Address().String())
	if stoerrors.KindOf(err) != stoerrors.KindSponsorMisconfigured {
		t.Fatalf("expected SPONSOR_MISCONFIGURED, got %v", err)
	}
}

func TestKMSSignerVerifiesRemoteSignature(t *testing.T) {
	key := testKey(t, 3)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req kmsSignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.KeyLabel != "sponsor" {
			t.Errorf("unexpected key label %q", req.KeyLabel)
		}
		msg, _ := base64.StdEncoding.DecodeString(req.Message)
		sig := ed25519.Sign(key.key, msg)
		_ = json.NewEncoder(w).Encode(kmsSignResponse{Signature: base64.StdEncoding.EncodeToString(sig)})
	}))
	defer srv.Close()

	signer := newKMSSigner(KMSConfig{BaseURL: srv.URL, KeyLabel: "sponsor"}, key.Address(), http.DefaultTransport)
	raw, err := signer.Sign(context.Background(), sponsorTxn(key.Address()))
	if err != nil {
		t.Fatalf("kms sign: %v", err)
	}
	stx, err := txn.DecodeSigned(raw)
	if err != nil || !txn.VerifySignature(stx, key.Address()) {
		t.Fatalf("kms signature must verify (%v)", err)
	}
	if calls != 1 {
		t.Fatalf("expected one kms call, got %d", calls)
	}

	wrong := newKMSSigner(KMSConfig{BaseURL: srv.URL, KeyLabel: "sponsor"}, testKey(t, 4).Address(), http.DefaultTransport)
	if _, err := wrong.Sign(context.Background(), sponsorTxn(testKey(t, 4).Address())); err == nil {
		t.Fatalf("expected verification failure for a mismatched key")
	}
}
