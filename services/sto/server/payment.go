package server

import (
	"context"

	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/core/txn"
	"confio/crypto"
	"confio/native/common"
	"confio/native/payment"
	"confio/services/sto/auth"
	"confio/services/sto/models"
	"confio/services/sto/preflight"
	"confio/services/sto/session"
	"confio/services/sto/submit"
)

func internalID(intent *models.PaymentIntent) string {
	if intent.InvoiceID != "" {
		return intent.InvoiceID
	}
	return intent.ID
}

func (o *Orchestrator) preparePayment(ctx context.Context, p *auth.Principal, caller types.Address, req session.PrepareRequest) (common.Pack, error) {
	intent, err := o.machine.LoadPayment(ctx, req.IntentID)
	if err != nil {
		return common.Pack{}, err
	}
	if intent.PayerAddress != caller.String() {
		return common.Pack{}, stoerrors.Forbidden("payment %s belongs to another payer", intent.ID)
	}
	switch intent.Status {
	case models.PaymentConfirmed:
		return common.EmptyPack(), nil
	case models.PaymentPendingBlockchain:
		return common.Pack{}, stoerrors.PrecondFailed("payment is awaiting confirmation")
	}
	if intent.ExpiresAt != nil && intent.ExpiresAt.Before(o.nowFn()) {
		return common.Pack{}, stoerrors.InvalidIntent("payment %s has expired", intent.ID)
	}
	merchant, err := crypto.ParseAddress(intent.MerchantAddress)
	if err != nil {
		return common.Pack{}, stoerrors.InvalidIntent("payment %s has no valid merchant", intent.ID)
	}
	report, err := o.checker.Payment(ctx, preflight.PaymentArgs{
		Payer:    caller,
		Merchant: merchant,
		AssetID:  intent.AssetID,
		Amount:   intent.GrossAmount,
	})
	if err != nil {
		return common.Pack{}, err
	}
	params, err := o.params(ctx)
	if err != nil {
		return common.Pack{}, err
	}
	cfg := o.cfg.Payment
	cfg.FeeRecipient = report.FeeRecipient
	built, split, err := payment.Build(params, cfg, payment.Intent{
		Payer:      caller,
		Merchant:   merchant,
		AssetID:    intent.AssetID,
		Amount:     intent.GrossAmount,
		InternalID: internalID(intent),
	})
	if err != nil {
		return common.Pack{}, err
	}
	pack, err := o.sponsor(ctx, p, built)
	if err != nil {
		return common.Pack{}, err
	}
	group := models.PreparedGroup{
		GroupID:     pack.GroupID,
		SponsorTxns: built.SponsorEntries(),
		FirstValid:  pack.FirstValid,
		LastValid:   pack.LastValid,
		GenesisID:   pack.GenesisID,
		InternalID:  internalID(intent),
	}
	if err := o.machine.PaymentPrepared(ctx, intent.ID, group, split.Net, split.Fee); err != nil {
		return common.Pack{}, err
	}
	pack.Gross, pack.Fee, pack.Net = split.Gross, split.Fee, split.Net
	pack.NeedsFunding = report.NeedsFunding
	if report.NeedsFunding {
		o.logger.Info("payer needs ALGO funding before submit", "intent_id", intent.ID)
	}
	return pack, nil
}

func (o *Orchestrator) submitPayment(ctx context.Context, caller types.Address, req session.SubmitRequest) (session.SubmitResult, error) {
	intent, err := o.machine.LoadPayment(ctx, req.IntentID)
	if err != nil {
		return session.SubmitResult{}, err
	}
	if intent.PayerAddress != caller.String() {
		return session.SubmitResult{}, stoerrors.Forbidden("payment %s belongs to another payer", intent.ID)
	}
	switch intent.Status {
	case models.PaymentConfirmed:
		return session.SubmitResult{TxID: intent.TxHash, ConfirmedRound: intent.ConfirmedRound}, nil
	case models.PaymentPendingSignature, models.PaymentPendingBlockchain:
	default:
		return session.SubmitResult{}, stoerrors.InvalidIntent("payment %s is %s", intent.ID, intent.Status)
	}
	if len(req.SignedUserTxns) != 2 {
		return session.SubmitResult{}, stoerrors.InvalidIntent("payment submit needs both signed transfers")
	}
	sponsor, err := o.paymentSponsor(ctx, intent, req.SignedUserTxns)
	if err != nil {
		return session.SubmitResult{}, err
	}
	a, err := o.coord.Assemble(submit.Request{Action: common.ActionPayment, Caller: caller, User: req.SignedUserTxns, Sponsor: sponsor})
	if err != nil {
		return session.SubmitResult{}, err
	}
	if err := matchPayment(a, intent); err != nil {
		return session.SubmitResult{}, err
	}
	if err := o.machine.PaymentBroadcast(ctx, intent.ID, a.TxID); err != nil {
		return session.SubmitResult{}, err
	}
	res, err := o.coord.Submit(ctx, common.ActionPayment, a, submit.IndexerRecheck(o.gw, a.TxID))
	if err != nil {
		if definite(err) {
			if ferr := o.machine.PaymentFailed(ctx, intent.ID, err.Error()); ferr != nil {
				o.logger.Warn("record payment failure", "intent_id", intent.ID, "error", ferr)
			}
		}
		return session.SubmitResult{}, err
	}
	if _, err := o.machine.PaymentConfirmed(ctx, intent.ID, a.TxID, res.ConfirmedRound); err != nil {
		return session.SubmitResult{}, err
	}
	return session.SubmitResult{TxID: res.TxID, ConfirmedRound: res.ConfirmedRound}, nil
}

// paymentSponsor returns the stored sponsor positions, or rebuilds and
// re-signs them from the two signed transfers.
func (o *Orchestrator) paymentSponsor(ctx context.Context, intent *models.PaymentIntent, user []submit.UserEntry) ([]common.SponsorTxn, error) {
	stored, err := intent.Prepared()
	if err != nil {
		return nil, stoerrors.Internal(err, "decode prepared group of %s", intent.ID)
	}
	if stored != nil {
		return stored.SponsorTxns, nil
	}
	var net, fee types.Transaction
	for _, e := range user {
		raw, err := txn.DecodeB64(e.Signed)
		if err != nil {
			return nil, stoerrors.InvalidIntent("position %d is not base64", e.Index)
		}
		stx, err := txn.DecodeSigned(raw)
		if err != nil {
			return nil, stoerrors.InvalidIntent("position %d is not a signed transaction", e.Index)
		}
		switch e.Index {
		case payment.IndexNet:
			net = stx.Txn
		case payment.IndexFee:
			fee = stx.Txn
		default:
			return nil, stoerrors.GroupMismatch("payment user position %d", e.Index)
		}
	}
	params, err := o.params(ctx)
	if err != nil {
		return nil, err
	}
	info, err := o.gw.AppInfo(ctx, o.cfg.Payment.AppID)
	if err != nil {
		return nil, err
	}
	cfg := o.cfg.Payment
	if recipient, ok := info.GlobalAddress(preflight.KeyFeeRecipient); ok {
		cfg.FeeRecipient = recipient
	}
	built, err := payment.Rebuild(cfg, params.MinFee, net, fee, internalID(intent))
	if err != nil {
		return nil, err
	}
	if err := built.SignSponsor(ctx, o.signer); err != nil {
		return nil, stoerrors.Transient(err)
	}
	o.logger.Info("rebuilt payment sponsor transactions", "intent_id", intent.ID)
	return built.SponsorEntries(), nil
}

// matchPayment binds the assembled group to the intent it is submitted for.
func matchPayment(a *submit.Assembled, intent *models.PaymentIntent) error {
	if len(a.Signed) != payment.GroupSize {
		return stoerrors.GroupMismatch("payment group has %d transactions", len(a.Signed))
	}
	net, fee := a.Txn(payment.IndexNet), a.Txn(payment.IndexFee)
	if net.AssetReceiver.String() != intent.MerchantAddress || uint64(net.XferAsset) != intent.AssetID {
		return stoerrors.GroupMismatch("group pays another merchant or asset")
	}
	if net.AssetAmount+fee.AssetAmount != intent.GrossAmount {
		return stoerrors.GroupMismatch("group amount differs from payment %s", intent.ID)
	}
	return nil
}
