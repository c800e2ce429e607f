package server

import (
	"context"

	"github.com/algorand/go-algorand-sdk/v2/types"

	stoerrors "confio/core/errors"
	"confio/crypto"
	"confio/native/common"
	"confio/native/send"
	"confio/services/sto/auth"
	"confio/services/sto/models"
	"confio/services/sto/preflight"
	"confio/services/sto/session"
	"confio/services/sto/submit"
)

func (o *Orchestrator) loadOwnSend(ctx context.Context, id string, caller types.Address) (*models.SendIntent, error) {
	intent, err := o.machine.LoadSend(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.SenderAddress != caller.String() {
		return nil, stoerrors.Forbidden("send %s belongs to another sender", id)
	}
	return intent, nil
}

func (o *Orchestrator) prepareSend(ctx context.Context, p *auth.Principal, caller types.Address, req session.PrepareRequest) (common.Pack, error) {
	intent, err := o.loadOwnSend(ctx, req.IntentID, caller)
	if err != nil {
		return common.Pack{}, err
	}
	switch intent.Status {
	case models.SendConfirmed:
		return common.EmptyPack(), nil
	case models.SendPendingBlockchain:
		return common.Pack{}, stoerrors.PrecondFailed("send is awaiting confirmation")
	}
	intent, err = o.machine.ResolveRecipient(ctx, intent.ID)
	if err != nil {
		return common.Pack{}, err
	}
	recipient, err := crypto.ParseAddress(intent.RecipientAddress)
	if err != nil {
		return common.Pack{}, stoerrors.InvalidIntent("send %s has no valid recipient", intent.ID)
	}
	if err := o.checker.Send(ctx, preflight.SendArgs{
		Sender:    caller,
		Recipient: recipient,
		AssetID:   intent.AssetID,
		Amount:    intent.Amount,
	}); err != nil {
		return common.Pack{}, err
	}
	params, err := o.params(ctx)
	if err != nil {
		return common.Pack{}, err
	}
	built, err := send.Build(params, o.cfg.Send, send.Intent{
		Sender:    caller,
		Recipient: recipient,
		AssetID:   intent.AssetID,
		Amount:    intent.Amount,
		Memo:      intent.Memo,
	})
	if err != nil {
		return common.Pack{}, err
	}
	pack, err := o.sponsor(ctx, p, built)
	if err != nil {
		return common.Pack{}, err
	}
	o.groups.put(preparedKey(common.ActionSend, intent.ID, caller.String()), prepared{
		Sponsor:     built.SponsorEntries(),
		UserIndexes: userIndexes(built),
		LastValid:   pack.LastValid,
	})
	return pack, nil
}

func (o *Orchestrator) submitSend(ctx context.Context, caller types.Address, req session.SubmitRequest) (session.SubmitResult, error) {
	intent, err := o.loadOwnSend(ctx, req.IntentID, caller)
	if err != nil {
		return session.SubmitResult{}, err
	}
	if intent.Status == models.SendConfirmed {
		return session.SubmitResult{TxID: intent.TxHash, ConfirmedRound: intent.ConfirmedRound}, nil
	}
	key := preparedKey(common.ActionSend, intent.ID, caller.String())
	stored, ok := o.groups.get(key)
	sponsor := req.SponsorTransactions
	if len(sponsor) == 0 {
		if !ok {
			return session.SubmitResult{}, stoerrors.InvalidIntent("no prepared group for send %s", intent.ID)
		}
		sponsor = stored.Sponsor
	}
	user, err := userEntries(req, sponsor, stored.UserIndexes)
	if err != nil {
		return session.SubmitResult{}, err
	}
	a, err := o.coord.Assemble(submit.Request{Action: common.ActionSend, Caller: caller, User: user, Sponsor: sponsor})
	if err != nil {
		return session.SubmitResult{}, err
	}
	if err := matchSend(a, intent); err != nil {
		return session.SubmitResult{}, err
	}
	if err := o.machine.SendBroadcast(ctx, intent.ID, a.TxID, a.LastValid); err != nil {
		return session.SubmitResult{}, err
	}
	res, err := o.coord.Submit(ctx, common.ActionSend, a, submit.IndexerRecheck(o.gw, a.TxID))
	if err != nil {
		if definite(err) {
			if ferr := o.machine.SendFailed(ctx, intent.ID, err.Error()); ferr != nil {
				o.logger.Warn("record send failure", "intent_id", intent.ID, "error", ferr)
			}
		}
		return session.SubmitResult{}, err
	}
	if _, err := o.machine.SendConfirmed(ctx, intent.ID, a.TxID, res.ConfirmedRound); err != nil {
		return session.SubmitResult{}, err
	}
	o.groups.drop(key)
	return session.SubmitResult{TxID: res.TxID, ConfirmedRound: res.ConfirmedRound}, nil
}

// matchSend binds the assembled transfer to the intent.
func matchSend(a *submit.Assembled, intent *models.SendIntent) error {
	for i := range a.Signed {
		tx := a.Txn(i)
		if tx.Type != types.AssetTransferTx {
			continue
		}
		if tx.AssetReceiver.String() != intent.RecipientAddress || uint64(tx.XferAsset) != intent.AssetID || tx.AssetAmount != intent.Amount {
			return stoerrors.GroupMismatch("transfer differs from send %s", intent.ID)
		}
		return nil
	}
	return stoerrors.GroupMismatch("send group has no transfer")
}
