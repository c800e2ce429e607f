package escrow

import (
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/native/common"
)

var (
	methodCreateTrade     = txn.MustMethod("create_trade(string,axfer)void")
	methodAcceptTrade     = txn.MustMethod("accept_trade(string)void")
	methodMarkAsPaid      = txn.MustMethod("mark_as_paid(string,string)void")
	methodConfirmReceived = txn.MustMethod("confirm_payment_received(string)void")
	methodCancelTrade     = txn.MustMethod("cancel_trade(string)void")
	methodOpenDispute     = txn.MustMethod("open_dispute(string,string)void")
	methodResolveDispute  = txn.MustMethod("resolve_dispute(string,address)void")
)

// SelectorFor returns the trade-app method selector invoked by action.
func SelectorFor(action common.Action) ([]byte, bool) {
	switch action {
	case common.ActionCreateTrade:
		return methodCreateTrade.Selector, true
	case common.ActionAcceptTrade:
		return methodAcceptTrade.Selector, true
	case common.ActionMarkPaid:
		return methodMarkAsPaid.Selector, true
	case common.ActionConfirmReceived:
		return methodConfirmReceived.Selector, true
	case common.ActionCancelTrade:
		return methodCancelTrade.Selector, true
	case common.ActionOpenDispute:
		return methodOpenDispute.Selector, true
	case common.ActionResolveDispute:
		return methodResolveDispute.Selector, true
	default:
		return nil, false
	}
}

// Config identifies the P2P trade application and the sponsor.
type Config struct {
	AppID         uint64
	Sponsor       types.Address
	CUSDAssetID   uint64
	CONFIOAssetID uint64
}

// AppAddress is the escrow account of the trade application.
func (c Config) AppAddress() types.Address { return crypto.GetApplicationAddress(c.AppID) }

// Supports reports whether assetID can be escrowed.
func (c Config) Supports(assetID uint64) bool {
	return assetID != 0 && (assetID == c.CUSDAssetID || assetID == c.CONFIOAssetID)
}

func (c Config) stableAssets() []uint64 { return []uint64{c.CUSDAssetID, c.CONFIOAssetID} }

func (c Config) validate() error {
	if c.AppID == 0 || c.Sponsor.IsZero() {
		return stoerrors.AppMisconfigured("p2p app id and sponsor are required")
	}
	return nil
}

func (c Config) sponsorPay(p txn.Params, amount, feeMultiple uint64) txn.Entry {
	return txn.Sponsor(txn.Payment{
		Header:   txn.Header{Sender: c.Sponsor, Fee: common.Fee(p, feeMultiple)},
		Receiver: c.AppAddress(),
		Amount:   amount,
	})
}

func assemble(p txn.Params, entries ...txn.Entry) (*common.Built, error) {
	g, err := txn.Assemble(p, entries...)
	if err != nil {
		return nil, stoerrors.Internal(err, "assemble trade group")
	}
	return common.NewBuilt(g), nil
}

func (c Config) preamble(tradeID string, caller types.Address) error {
	if err := c.validate(); err != nil {
		return err
	}
	if err := ValidateTradeID(tradeID); err != nil {
		return err
	}
	if caller.IsZero() {
		return stoerrors.Unauthenticated("caller address required")
	}
	return nil
}

// CreateArgs are the inputs of create_trade.
type CreateArgs struct {
	TradeID string
	Seller  types.Address
	AssetID uint64
	Amount  uint64
}

// BuildCreate produces [sponsor MBR payment, seller deposit, seller app call].
func BuildCreate(p txn.Params, c Config, a CreateArgs) (*common.Built, error) {
	if err := c.preamble(a.TradeID, a.Seller); err != nil {
		return nil, err
	}
	if !c.Supports(a.AssetID) {
		return nil, stoerrors.UnsupportedAsset(a.AssetID)
	}
	if a.Amount == 0 {
		return nil, stoerrors.InvalidIntent("trade amount must be positive")
	}
	return assemble(p,
		c.sponsorPay(p, TradeBoxMBR(a.TradeID), 3),
		txn.User(txn.AssetTransfer{
			Header:   txn.Header{Sender: a.Seller},
			Receiver: c.AppAddress(),
			AssetID:  a.AssetID,
			Amount:   a.Amount,
		}),
		txn.User(txn.AppCall{
			Header:        txn.Header{Sender: a.Seller},
			AppID:         c.AppID,
			Selector:      methodCreateTrade.Selector,
			Args:          [][]byte{txn.StringArg(a.TradeID)},
			Accounts:      []types.Address{a.Seller},
			ForeignAssets: []uint64{a.AssetID},
			Boxes:         []txn.BoxRef{{Name: TradeKey(a.TradeID)}},
		}),
	)
}

// BuildAccept produces the buyer-signed accept group.
func BuildAccept(p txn.Params, c Config, tradeID string, buyer types.Address) (*common.Built, error) {
	if err := c.preamble(tradeID, buyer); err != nil {
		return nil, err
	}
	if buyer == c.Sponsor {
		return nil, stoerrors.PrecondFailed("sponsor cannot accept trades")
	}
	return assemble(p,
		c.sponsorPay(p, 0, 2),
		txn.User(txn.AppCall{
			Header:        txn.Header{Sender: buyer},
			AppID:         c.AppID,
			Selector:      methodAcceptTrade.Selector,
			Args:          [][]byte{txn.StringArg(tradeID)},
			ForeignAssets: c.stableAssets(),
			Boxes:         []txn.BoxRef{{Name: TradeKey(tradeID)}},
		}),
	)
}

// BuildSponsorAccept produces the sponsor-only accept variant. Every position
// is sponsor-signed and the buyer is passed as an account reference.
func BuildSponsorAccept(p txn.Params, c Config, tradeID string, buyer types.Address) (*common.Built, error) {
	if err := c.preamble(tradeID, buyer); err != nil {
		return nil, err
	}
	if buyer == c.Sponsor {
		return nil, stoerrors.PrecondFailed("sponsor cannot accept trades")
	}
	return assemble(p,
		c.sponsorPay(p, 0, 2),
		txn.Sponsor(txn.AppCall{
			Header:        txn.Header{Sender: c.Sponsor},
			AppID:         c.AppID,
			Selector:      methodAcceptTrade.Selector,
			Args:          [][]byte{txn.StringArg(tradeID)},
			Accounts:      []types.Address{buyer},
			ForeignAssets: c.stableAssets(),
			Boxes:         []txn.BoxRef{{Name: TradeKey(tradeID)}},
		}),
	)
}

// BuildMarkPaid produces the buyer's mark_as_paid group.
func BuildMarkPaid(p txn.Params, c Config, tradeID string, buyer types.Address, paymentRef string) (*common.Built, error) {
	if err := c.preamble(tradeID, buyer); err != nil {
		return nil, err
	}
	if len(paymentRef) > MaxPaymentRef {
		return nil, stoerrors.InvalidIntent("payment reference exceeds %d bytes", MaxPaymentRef)
	}
	return assemble(p,
		c.sponsorPay(p, PaidBoxMBR(tradeID), 2),
		txn.User(txn.AppCall{
			Header:   txn.Header{Sender: buyer},
			AppID:    c.AppID,
			Selector: methodMarkAsPaid.Selector,
			Args:     [][]byte{txn.StringArg(tradeID), txn.StringArg(paymentRef)},
			Boxes:    []txn.BoxRef{{Name: TradeKey(tradeID)}, {Name: PaidKey(tradeID)}},
		}),
	)
}

// BuildConfirmReceived produces the seller's release group. buyer is decoded
// from the trade box.
func BuildConfirmReceived(p txn.Params, c Config, tradeID string, seller, buyer types.Address) (*common.Built, error) {
	return c.buildSettle(p, methodConfirmReceived, 6, tradeID, seller, buyer)
}

// BuildCancel produces the cancel group; the caller is seller or buyer.
func BuildCancel(p txn.Params, c Config, tradeID string, caller, buyer types.Address) (*common.Built, error) {
	return c.buildSettle(p, methodCancelTrade, 5, tradeID, caller, buyer)
}

func (c Config) buildSettle(p txn.Params, method txn.Method, feeMultiple uint64, tradeID string, caller, buyer types.Address) (*common.Built, error) {
	if err := c.preamble(tradeID, caller); err != nil {
		return nil, err
	}
	accounts := []types.Address{c.Sponsor}
	if !buyer.IsZero() {
		accounts = append(accounts, buyer)
	}
	return assemble(p,
		c.sponsorPay(p, 0, feeMultiple),
		txn.User(txn.AppCall{
			Header:        txn.Header{Sender: caller},
			AppID:         c.AppID,
			Selector:      method.Selector,
			Args:          [][]byte{txn.StringArg(tradeID)},
			Accounts:      accounts,
			ForeignAssets: c.stableAssets(),
			Boxes:         []txn.BoxRef{{Name: TradeKey(tradeID)}, {Name: PaidKey(tradeID)}},
		}),
	)
}

// BuildOpenDispute produces the dispute group for a trade party.
func BuildOpenDispute(p txn.Params, c Config, tradeID string, caller types.Address, reason string) (*common.Built, error) {
	if err := c.preamble(tradeID, caller); err != nil {
		return nil, err
	}
	if len(reason) > MaxReasonBytes {
		return nil, stoerrors.InvalidIntent("dispute reason exceeds %d bytes", MaxReasonBytes)
	}
	return assemble(p,
		c.sponsorPay(p, DisputeBoxMBR(tradeID), 2),
		txn.User(txn.AppCall{
			Header:   txn.Header{Sender: caller},
			AppID:    c.AppID,
			Selector: methodOpenDispute.Selector,
			Args:     [][]byte{txn.StringArg(tradeID), txn.StringArg(reason)},
			Boxes:    []txn.BoxRef{{Name: TradeKey(tradeID)}, {Name: DisputeKey(tradeID)}},
		}),
	)
}

// ResolveArgs are the inputs of resolve_dispute, decoded from the boxes.
type ResolveArgs struct {
	TradeID      string
	Admin        types.Address
	Winner       types.Address
	Trade        *TradeBox
	DisputePayer types.Address
	HasPaidBox   bool
}

// BuildResolveDispute produces the admin-signed resolution group. The account
// list carries every address an inner refund may pay.
func BuildResolveDispute(p txn.Params, c Config, a ResolveArgs) (*common.Built, error) {
	if err := c.preamble(a.TradeID, a.Admin); err != nil {
		return nil, err
	}
	if a.Trade == nil {
		return nil, stoerrors.BoxMissing(a.TradeID)
	}
	if a.Winner != a.Trade.Buyer && a.Winner != a.Trade.Seller {
		return nil, stoerrors.PrecondFailed("winner must be buyer or seller")
	}
	accounts := dedupAccounts(a.Admin, a.Winner, c.Sponsor, a.Trade.Buyer, a.Trade.MBRPayer, a.DisputePayer)
	if len(accounts) > txn.MaxAppAccounts {
		return nil, stoerrors.AppMisconfigured("resolution needs %d account references", len(accounts))
	}
	boxes := []txn.BoxRef{{Name: TradeKey(a.TradeID)}, {Name: DisputeKey(a.TradeID)}}
	if a.HasPaidBox {
		boxes = append(boxes, txn.BoxRef{Name: PaidKey(a.TradeID)})
	}
	return assemble(p,
		c.sponsorPay(p, 0, 6),
		txn.User(txn.AppCall{
			Header:        txn.Header{Sender: a.Admin},
			AppID:         c.AppID,
			Selector:      methodResolveDispute.Selector,
			Args:          [][]byte{txn.StringArg(a.TradeID), txn.AddressArg(a.Winner)},
			Accounts:      accounts,
			ForeignAssets: []uint64{a.Trade.AssetID},
			Boxes:         boxes,
		}),
	)
}

// dedupAccounts keeps the first occurrence of each non-zero address, skipping
// the transaction sender which is always available.
func dedupAccounts(sender types.Address, addrs ...types.Address) []types.Address {
	seen := map[types.Address]bool{sender: true}
	var out []types.Address
	for _, a := range addrs {
		if a.IsZero() || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
