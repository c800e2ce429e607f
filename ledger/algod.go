package ledger

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"confio/core/txn"
)

// AlgodConfig locates the node and indexer.
type AlgodConfig struct {
	AlgodURL     string
	AlgodToken   string
	IndexerURL   string
	IndexerToken string
}

// AlgodNode implements Node over the algod and indexer REST APIs.
type AlgodNode struct {
	algod    *algod.Client
	indexer  *indexer.Client
	endpoint string
}

// NewAlgodNode builds SDK clients for cfg.
func NewAlgodNode(cfg AlgodConfig) (*AlgodNode, error) {
	if strings.TrimSpace(cfg.AlgodURL) == "" {
		return nil, fmt.Errorf("ledger: algod endpoint required")
	}
	ac, err := algod.MakeClient(cfg.AlgodURL, cfg.AlgodToken)
	if err != nil {
		return nil, fmt.Errorf("ledger: algod client: %w", err)
	}
	node := &AlgodNode{algod: ac, endpoint: strings.TrimRight(cfg.AlgodURL, "/")}
	if strings.TrimSpace(cfg.IndexerURL) != "" {
		ic, err := indexer.MakeClient(cfg.IndexerURL, cfg.IndexerToken)
		if err != nil {
			return nil, fmt.Errorf("ledger: indexer client: %w", err)
		}
		node.indexer = ic
	}
	return node, nil
}

func (n *AlgodNode) Endpoint() string { return n.endpoint }

func (n *AlgodNode) SuggestedParams(ctx context.Context) (txn.Params, error) {
	sp, err := n.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return txn.Params{}, mapNodeError(err)
	}
	return txn.FromSuggested(sp), nil
}

func (n *AlgodNode) Application(ctx context.Context, appID uint64) (AppInfo, error) {
	app, err := n.algod.GetApplicationByID(appID).Do(ctx)
	if err != nil {
		return AppInfo{}, mapNodeError(err)
	}
	info := AppInfo{
		AppID:        app.Id,
		Creator:      app.Params.Creator,
		ApprovalHash: sha512.Sum512_256(app.Params.ApprovalProgram),
		Global:       make(map[string]TealValue, len(app.Params.GlobalState)),
	}
	for _, kv := range app.Params.GlobalState {
		key, err := base64.StdEncoding.DecodeString(kv.Key)
		if err != nil {
			return AppInfo{}, fmt.Errorf("ledger: global key: %w", err)
		}
		info.Global[string(key)] = tealValue(kv.Value)
	}
	return info, nil
}

func tealValue(v models.TealValue) TealValue {
	if v.Type == 1 {
		raw, err := base64.StdEncoding.DecodeString(v.Bytes)
		if err != nil {
			raw = []byte(v.Bytes)
		}
		return TealValue{Bytes: raw, IsBytes: true}
	}
	return TealValue{Uint: v.Uint}
}

func (n *AlgodNode) AssetHolding(ctx context.Context, addr types.Address, assetID uint64) (uint64, error) {
	resp, err := n.algod.AccountAssetInformation(addr.String(), assetID).Do(ctx)
	if err != nil {
		return 0, mapNodeError(err)
	}
	return resp.AssetHolding.Amount, nil
}

func (n *AlgodNode) Account(ctx context.Context, addr types.Address) (Account, error) {
	acct, err := n.algod.AccountInformation(addr.String()).Do(ctx)
	if err != nil {
		return Account{}, mapNodeError(err)
	}
	return Account{Amount: acct.Amount, MinBalance: acct.MinBalance}, nil
}

func (n *AlgodNode) Box(ctx context.Context, appID uint64, name []byte) ([]byte, error) {
	box, err := n.algod.GetApplicationBoxByName(appID, name).Do(ctx)
	if err != nil {
		return nil, mapNodeError(err)
	}
	return box.Value, nil
}

func (n *AlgodNode) SendRaw(ctx context.Context, raw []byte) (string, error) {
	txID, err := n.algod.SendRawTransaction(raw).Do(ctx)
	if err != nil {
		return "", mapNodeError(err)
	}
	return txID, nil
}

func (n *AlgodNode) PendingInfo(ctx context.Context, txID string) (Pending, error) {
	info, _, err := n.algod.PendingTransactionInformation(txID).Do(ctx)
	if err != nil {
		return Pending{}, mapNodeError(err)
	}
	return Pending{ConfirmedRound: info.ConfirmedRound, PoolError: info.PoolError}, nil
}

func (n *AlgodNode) LastRound(ctx context.Context) (uint64, error) {
	status, err := n.algod.Status().Do(ctx)
	if err != nil {
		return 0, mapNodeError(err)
	}
	return status.LastRound, nil
}

func (n *AlgodNode) WaitForRound(ctx context.Context, round uint64) (uint64, error) {
	status, err := n.algod.StatusAfterBlock(round).Do(ctx)
	if err != nil {
		return 0, mapNodeError(err)
	}
	return status.LastRound, nil
}

func (n *AlgodNode) LookupTransaction(ctx context.Context, txID string) (uint64, error) {
	if n.indexer == nil {
		info, err := n.PendingInfo(ctx, txID)
		if err != nil {
			return 0, err
		}
		if info.ConfirmedRound == 0 {
			return 0, ErrNotFound
		}
		return info.ConfirmedRound, nil
	}
	resp, err := n.indexer.LookupTransaction(txID).Do(ctx)
	if err != nil {
		return 0, mapNodeError(err)
	}
	if resp.Transaction.ConfirmedRound == 0 {
		return 0, ErrNotFound
	}
	return resp.Transaction.ConfirmedRound, nil
}

var _ Node = (*AlgodNode)(nil)
