package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"confio/config"
	"confio/crypto"
	"confio/observability/logging"
)

type stubSource struct {
	words string
	err   error
	calls int
}

func (s *stubSource) Get() (string, error) {
	s.calls++
	return s.words, s.err
}

func sponsorKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	seed := sha256.Sum256([]byte("confio-sto/sponsor"))
	key, err := crypto.PrivateKeyFromSeed(seed[:])
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return key
}

func TestSponsorSignerFromMnemonicAndPrompt(t *testing.T) {
	key := sponsorKey(t)
	words, err := key.Mnemonic()
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	cfg := &config.Config{SponsorAddress: key.Address().String(), SponsorKeyRef: words}

	src := &stubSource{}
	signer, err := sponsorSigner(cfg, src)
	if err != nil {
		t.Fatalf("mnemonic signer: %v", err)
	}
	if err := signer.AssertMatches(cfg.SponsorAddress); err != nil {
		t.Fatalf("address mismatch: %v", err)
	}
	if src.calls != 0 {
		t.Fatalf("prompt must not be consulted for inline mnemonics")
	}

	cfg.SponsorKeyRef = "prompt"
	src.words = words
	signer, err = sponsorSigner(cfg, src)
	if err != nil {
		t.Fatalf("prompt signer: %v", err)
	}
	if signer.Address() != key.Address() || src.calls != 1 {
		t.Fatalf("unexpected prompt signer %s after %d calls", signer.Address(), src.calls)
	}

	src.err = errors.New("no terminal")
	if _, err := sponsorSigner(cfg, src); err == nil {
		t.Fatalf("expected prompt failure to surface")
	}
}

func TestSponsorSignerKMSRequiresBaseURL(t *testing.T) {
	cfg := &config.Config{SponsorAddress: sponsorKey(t).Address().String(), SponsorKeyRef: "kms:main"}
	if _, err := sponsorSigner(cfg, &stubSource{}); err == nil {
		t.Fatalf("expected kms config error")
	}
}

func TestPreflightConfigMapsApps(t *testing.T) {
	sponsor := sponsorKey(t).Address()
	cfg := &config.Config{
		PaymentAppID:            11,
		P2PAppID:                12,
		CUSDAssetID:             21,
		CONFIOAssetID:           22,
		SkipRecipientOptInCheck: true,
	}
	got := preflightConfig(cfg, sponsor)
	if got.Payment.AppID != 11 || got.P2P.AppID != 12 || !got.SkipRecipientOptInCheck {
		t.Fatalf("unexpected app mapping %+v", got)
	}
	if got.Send.Sponsor != sponsor || got.P2P.CONFIOAssetID != 22 || got.Payment.CUSDAssetID != 21 {
		t.Fatalf("unexpected sponsor or assets %+v", got)
	}
	if lc := ledgerConfig(&config.Config{ConfirmationRounds: 8}); lc.ConfirmationRounds != 8 {
		t.Fatalf("unexpected ledger config %+v", lc)
	}
}

func TestBuildWarnsWhenOptInCheckSkipped(t *testing.T) {
	key := sponsorKey(t)
	words, _ := key.Mnemonic()
	var buf bytes.Buffer
	logger, _ := logging.SetupWithOptions(logging.Options{Service: "sto-test", Output: &buf})
	cfg := &config.Config{
		SponsorAddress:          key.Address().String(),
		SponsorKeyRef:           words,
		AlgodEndpoint:           "http://127.0.0.1:1",
		IndexerEndpoint:         "http://127.0.0.1:2",
		PaymentAppID:            1,
		P2PAppID:                2,
		CUSDAssetID:             3,
		CONFIOAssetID:           4,
		SkipRecipientOptInCheck: true,
		Database:                config.Database{DSN: "file:wire-test?mode=memory&cache=shared", AutoMigrate: true},
		Auth:                    config.Auth{JWTSecret: "s"},
	}
	a, err := build(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if a.handler == nil || a.dispatcher == nil || a.scheduler == nil {
		t.Fatalf("incomplete app %+v", a)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"severity":"WARN"`)) {
		t.Fatalf("expected opt-in override warning, got %s", buf.String())
	}
}
