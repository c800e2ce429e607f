package send

import (
	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/native/common"
)

// Config identifies the sponsor and the assets that may be sent.
type Config struct {
	Sponsor       types.Address
	CUSDAssetID   uint64
	CONFIOAssetID uint64
}

// Intent is the input to a sponsored send.
type Intent struct {
	Sender    types.Address
	Recipient types.Address
	AssetID   uint64
	Amount    uint64
	Memo      string
}

// Build produces [sponsor fee payment, sender transfer]. The memo becomes the
// transfer note so the group stays reproducible from the stored intent.
func Build(p txn.Params, c Config, in Intent) (*common.Built, error) {
	if c.Sponsor.IsZero() {
		return nil, stoerrors.AppMisconfigured("sponsor address required")
	}
	if in.AssetID == 0 || (in.AssetID != c.CUSDAssetID && in.AssetID != c.CONFIOAssetID) {
		return nil, stoerrors.UnsupportedAsset(in.AssetID)
	}
	if in.Sender.IsZero() || in.Recipient.IsZero() {
		return nil, stoerrors.InvalidIntent("sender and recipient are required")
	}
	if in.Sender == in.Recipient {
		return nil, stoerrors.PrecondFailed("cannot send to yourself")
	}
	if in.Amount == 0 {
		return nil, stoerrors.AmountTooSmall(in.Amount)
	}
	if len(in.Memo) > txn.MaxNoteBytes {
		return nil, stoerrors.InvalidIntent("memo exceeds %d bytes", txn.MaxNoteBytes)
	}
	var note []byte
	if in.Memo != "" {
		note = []byte(in.Memo)
	}
	g, err := txn.Assemble(p,
		txn.Sponsor(txn.Payment{
			Header:   txn.Header{Sender: c.Sponsor, Fee: common.Fee(p, 2)},
			Receiver: in.Sender,
		}),
		txn.User(txn.AssetTransfer{
			Header:   txn.Header{Sender: in.Sender, Note: note},
			Receiver: in.Recipient,
			AssetID:  in.AssetID,
			Amount:   in.Amount,
		}),
	)
	if err != nil {
		return nil, stoerrors.Internal(err, "assemble send group")
	}
	return common.NewBuilt(g), nil
}
