// Package stotest wires a fake chain, a deterministic sponsor and an
// in-memory store for orchestrator tests.
package stotest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"testing"

	gocrypto "github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"confio/core/txn"
	"confio/crypto"
	"confio/ledger"
	"confio/ledger/ledgertest"
	"confio/native/escrow"
	"confio/native/payment"
	"confio/native/send"
	"confio/services/sto/models"
	"confio/services/sto/preflight"
)

// Identifiers of the fake deployment.
const (
	PaymentAppID uint64 = 1001
	P2PAppID     uint64 = 1002
	CUSD         uint64 = 31566704
	CONFIO       uint64 = 744368179
)

// Fixture is a ready-to-use fake deployment.
type Fixture struct {
	Node    *ledgertest.Node
	Gateway *ledger.Gateway
	Signer  *crypto.LocalSigner

	Sponsor      types.Address
	FeeRecipient types.Address
	Admin        types.Address

	Config preflight.Config
}

// Key derives a deterministic user key from name.
func Key(name string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte("confio-test/" + name))
	return ed25519.NewKeyFromSeed(seed[:])
}

// Addr is the address of Key(name).
func Addr(name string) types.Address {
	var a types.Address
	copy(a[:], Key(name).Public().(ed25519.PublicKey))
	return a
}

// New installs both applications with the sponsor configured and opted in
// to both stable assets.
func New(t testing.TB) *Fixture {
	t.Helper()
	seed := sha256.Sum256([]byte("confio-test/sponsor"))
	key, err := crypto.PrivateKeyFromSeed(seed[:])
	if err != nil {
		t.Fatalf("sponsor key: %v", err)
	}
	signer, err := crypto.NewLocalSigner(key)
	if err != nil {
		t.Fatalf("sponsor signer: %v", err)
	}
	f := &Fixture{
		Node:         ledgertest.New(),
		Signer:       signer,
		Sponsor:      signer.Address(),
		FeeRecipient: Addr("fee-recipient"),
		Admin:        Addr("admin"),
	}
	f.Gateway = ledger.NewGateway(f.Node, ledger.Config{MaxReadRetries: 1}, nil)
	f.Config = preflight.Config{
		Payment: payment.Config{AppID: PaymentAppID, CUSDAssetID: CUSD, CONFIOAssetID: CONFIO, Sponsor: f.Sponsor, FeeRecipient: f.FeeRecipient},
		P2P:     escrow.Config{AppID: P2PAppID, Sponsor: f.Sponsor, CUSDAssetID: CUSD, CONFIOAssetID: CONFIO},
		Send:    send.Config{Sponsor: f.Sponsor, CUSDAssetID: CUSD, CONFIOAssetID: CONFIO},
	}
	f.InstallApp(PaymentAppID, f.Sponsor)
	f.InstallApp(P2PAppID, f.Sponsor)
	return f
}

// InstallApp (re)installs appID with sponsor in its global state.
func (f *Fixture) InstallApp(appID uint64, sponsor types.Address) {
	f.Node.SetApp(appID, map[string]ledger.TealValue{
		preflight.KeySponsor:      {Bytes: sponsor[:], IsBytes: true},
		preflight.KeyFeeRecipient: {Bytes: f.FeeRecipient[:], IsBytes: true},
		preflight.KeyAdmin:        {Bytes: f.Admin[:], IsBytes: true},
		preflight.KeyCUSD:         {Uint: CUSD},
		preflight.KeyCONFIO:       {Uint: CONFIO},
	})
	appAddr := gocrypto.GetApplicationAddress(appID)
	f.Node.SetHolding(appAddr, CUSD, 0)
	f.Node.SetHolding(appAddr, CONFIO, 0)
}

// Fund opts addr in to both assets with amount of each and a funded ALGO
// balance.
func (f *Fixture) Fund(addr types.Address, amount uint64) {
	f.Node.SetHolding(addr, CUSD, amount)
	f.Node.SetHolding(addr, CONFIO, amount)
	f.Node.Accounts[addr] = ledger.Account{Amount: 1_000_000, MinBalance: 300_000}
}

// Params returns the fake node's current parameters.
func (f *Fixture) Params() txn.Params { return f.Node.Params }

// PutTrade writes the trade box for tradeID.
func (f *Fixture) PutTrade(tradeID string, box escrow.TradeBox) {
	f.Node.SetBox(P2PAppID, escrow.TradeKey(tradeID), box.Encode())
}

// PutPaid writes the paid box for tradeID.
func (f *Fixture) PutPaid(tradeID string, paidAt int64, ref string) {
	p := escrow.PaidBox{PaidAt: paidAt, PaymentRef: ref}
	f.Node.SetBox(P2PAppID, escrow.PaidKey(tradeID), p.Encode())
}

// PutDispute writes the dispute box for tradeID.
func (f *Fixture) PutDispute(tradeID, reason string, openedAt int64, payer types.Address) {
	d := escrow.DisputeBox{Reason: reason, OpenedAt: openedAt, Payer: payer}
	f.Node.SetBox(P2PAppID, escrow.DisputeKey(tradeID), d.Encode())
}

// SignUser signs tx with the named test key.
func SignUser(name string, tx types.Transaction) string {
	return txn.EncodeB64(txn.SignWith(Key(name), tx))
}

// DB opens a migrated in-memory store.
func DB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// AppCallMethod returns the trade-app method selector of an app call group
// member, for hooks that emulate the contract.
func AppCallMethod(stx types.SignedTxn) []byte {
	if stx.Txn.Type != types.ApplicationCallTx || len(stx.Txn.ApplicationArgs) == 0 {
		return nil
	}
	return stx.Txn.ApplicationArgs[0]
}

// TradeIDArg decodes the ABI string trade id of an app call.
func TradeIDArg(stx types.SignedTxn) string {
	if len(stx.Txn.ApplicationArgs) < 2 {
		return ""
	}
	id, err := txn.DecodeStringArg(stx.Txn.ApplicationArgs[1])
	if err != nil {
		return ""
	}
	return id
}
