package payment

import (
	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/native/common"
)

var (
	methodPayCUSD   = txn.MustMethod("pay_with_cusd(address,string)void")
	methodPayCONFIO = txn.MustMethod("pay_with_confio(address,string)void")
)

// Group positions of the fee-split payment.
const (
	IndexSponsorPay = 0
	IndexNet        = 1
	IndexFee        = 2
	IndexAppCall    = 3
	GroupSize       = 4
)

// MaxInternalIDBytes bounds the internal invoice reference carried in the call.
const MaxInternalIDBytes = 64

// Config holds the deployment identifiers the builder needs.
type Config struct {
	AppID         uint64
	CUSDAssetID   uint64
	CONFIOAssetID uint64
	Sponsor       types.Address
	FeeRecipient  types.Address
}

// Intent is the input to a payment build.
type Intent struct {
	Payer      types.Address
	Merchant   types.Address
	AssetID    uint64
	Amount     uint64
	InternalID string
}

// MethodFor selects the app method for assetID.
func (c Config) MethodFor(assetID uint64) (txn.Method, error) {
	switch {
	case assetID != 0 && assetID == c.CUSDAssetID:
		return methodPayCUSD, nil
	case assetID != 0 && assetID == c.CONFIOAssetID:
		return methodPayCONFIO, nil
	default:
		return txn.Method{}, stoerrors.UnsupportedAsset(assetID)
	}
}

// Build produces the canonical 4-transaction fee-split group. Its output is a
// pure function of p, c and in.
func Build(p txn.Params, c Config, in Intent) (*common.Built, Split, error) {
	split, err := SplitAmount(in.Amount)
	if err != nil {
		return nil, Split{}, err
	}
	method, err := c.MethodFor(in.AssetID)
	if err != nil {
		return nil, Split{}, err
	}
	if c.Sponsor.IsZero() || c.FeeRecipient.IsZero() || c.AppID == 0 {
		return nil, Split{}, stoerrors.AppMisconfigured("payment app, sponsor and fee recipient are required")
	}
	if in.Payer.IsZero() || in.Merchant.IsZero() {
		return nil, Split{}, stoerrors.InvalidIntent("payer and merchant are required")
	}
	if in.Payer == c.Sponsor {
		return nil, Split{}, stoerrors.PrecondFailed("payer cannot be the sponsor")
	}
	if len(in.InternalID) > MaxInternalIDBytes {
		return nil, Split{}, stoerrors.InvalidIntent("internal id exceeds %d bytes", MaxInternalIDBytes)
	}

	g, err := txn.Assemble(p,
		txn.Sponsor(txn.Payment{
			Header:   txn.Header{Sender: c.Sponsor, Fee: common.Fee(p, 3)},
			Receiver: in.Payer,
			Amount:   0,
		}),
		txn.User(txn.AssetTransfer{
			Header:   txn.Header{Sender: in.Payer},
			Receiver: in.Merchant,
			AssetID:  in.AssetID,
			Amount:   split.Net,
		}),
		txn.User(txn.AssetTransfer{
			Header:   txn.Header{Sender: in.Payer},
			Receiver: c.FeeRecipient,
			AssetID:  in.AssetID,
			Amount:   split.Fee,
		}),
		txn.Sponsor(txn.AppCall{
			Header:        txn.Header{Sender: c.Sponsor, Fee: common.Fee(p, 2)},
			AppID:         c.AppID,
			Selector:      method.Selector,
			Args:          [][]byte{txn.AddressArg(in.Merchant), txn.StringArg(in.InternalID)},
			Accounts:      []types.Address{in.Payer, in.Merchant},
			ForeignAssets: []uint64{in.AssetID},
		}),
	)
	if err != nil {
		return nil, Split{}, stoerrors.Internal(err, "assemble payment group")
	}
	return common.NewBuilt(g), split, nil
}

// Rebuild reconstructs the canonical group from the two user-signed transfers
// and checks it reproduces their group id.
func Rebuild(c Config, minFee uint64, netTxn, feeTxn types.Transaction, internalID string) (*common.Built, error) {
	if netTxn.Type != types.AssetTransferTx || feeTxn.Type != types.AssetTransferTx {
		return nil, stoerrors.GroupMismatch("user transactions must be asset transfers")
	}
	if netTxn.Sender != feeTxn.Sender || netTxn.XferAsset != feeTxn.XferAsset {
		return nil, stoerrors.GroupMismatch("user transfers disagree on payer or asset")
	}
	if netTxn.Group != feeTxn.Group || netTxn.Group == (types.Digest{}) {
		return nil, stoerrors.GroupMismatch("user transfers disagree on group id")
	}
	if feeTxn.AssetReceiver != c.FeeRecipient {
		return nil, stoerrors.GroupMismatch("fee transfer does not pay the fee recipient")
	}
	p := txn.ParamsOf(netTxn, minFee)
	if txn.ParamsOf(feeTxn, minFee) != p {
		return nil, stoerrors.GroupMismatch("user transfers disagree on chain parameters")
	}
	gross := netTxn.AssetAmount + feeTxn.AssetAmount
	if gross < netTxn.AssetAmount {
		return nil, stoerrors.GroupMismatch("amount overflow")
	}
	built, split, err := Build(p, c, Intent{
		Payer:      netTxn.Sender,
		Merchant:   netTxn.AssetReceiver,
		AssetID:    uint64(netTxn.XferAsset),
		Amount:     gross,
		InternalID: internalID,
	})
	if err != nil {
		return nil, err
	}
	if split.Net != netTxn.AssetAmount || split.Fee != feeTxn.AssetAmount {
		return nil, stoerrors.GroupMismatch("fee split %d/%d does not match signed transfers", split.Net, split.Fee)
	}
	if built.Group.ID != netTxn.Group {
		return nil, stoerrors.GroupMismatch("rebuilt group id %x differs from signed group", built.Group.ID[:4])
	}
	return built, nil
}
