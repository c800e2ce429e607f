package common

import (
	"context"
	"fmt"
	"sort"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"confio/core/txn"
)

// Box minimum balance constants, in microAlgos.
const (
	BoxFlatMBR    uint64 = 2500
	BoxPerByteMBR uint64 = 400
)

// BoxMBR returns the minimum balance locked by a box with the given key and
// value sizes.
func BoxMBR(keyLen, valueLen int) uint64 {
	return BoxFlatMBR + BoxPerByteMBR*uint64(keyLen+valueLen)
}

// Fee returns n times the minimum fee of p.
func Fee(p txn.Params, n uint64) uint64 { return n * p.MinFee }

// Signer produces an encoded signed transaction for the sponsor.
type Signer interface {
	Sign(ctx context.Context, tx types.Transaction) ([]byte, error)
}

// Built is the output of every group builder.
type Built struct {
	Group *txn.Group
	// UserSigners lists, per user index, the addresses expected to sign.
	UserSigners map[int][]types.Address
	// SponsorSigned holds the sponsor's signed bytes per sponsor index.
	SponsorSigned map[int][]byte
}

// NewBuilt wraps an assembled group, assigning signer to every user index.
func NewBuilt(g *txn.Group) *Built {
	b := &Built{Group: g, UserSigners: make(map[int][]types.Address)}
	for _, i := range g.Indexes(txn.RoleUser) {
		b.UserSigners[i] = []types.Address{g.Txns[i].Sender}
	}
	return b
}

// SignSponsor asks signer for every sponsor position of b.
func (b *Built) SignSponsor(ctx context.Context, signer Signer) error {
	if b == nil || b.Group == nil {
		return fmt.Errorf("builder: empty group")
	}
	signed := make(map[int][]byte)
	for _, i := range b.Group.Indexes(txn.RoleSponsor) {
		raw, err := signer.Sign(ctx, b.Group.Txns[i])
		if err != nil {
			return fmt.Errorf("builder: sign index %d: %w", i, err)
		}
		signed[i] = raw
	}
	b.SponsorSigned = signed
	return nil
}

// UserTxn is a position the client must sign.
type UserTxn struct {
	Index   int      `json:"index"`
	Txn     string   `json:"txn"`
	Signers []string `json:"signers"`
}

// SponsorTxn is a sponsor position, shipped pre-signed.
type SponsorTxn struct {
	Index  int    `json:"index"`
	Txn    string `json:"txn"`
	Signed string `json:"signed"`
}

// Pack is the wire representation of a prepared group.
type Pack struct {
	GroupID     string       `json:"group_id,omitempty"`
	UserTxns    []UserTxn    `json:"user_txns"`
	SponsorTxns []SponsorTxn `json:"sponsor_txns"`
	FirstValid  uint64       `json:"first_valid,omitempty"`
	LastValid   uint64       `json:"last_valid,omitempty"`
	GenesisID   string       `json:"genesis_id,omitempty"`
	Noop        bool         `json:"noop,omitempty"`

	// Payment groups only: the split of the gross amount and whether the
	// payer must be topped up with ALGO before submitting.
	Gross        uint64 `json:"gross,omitempty"`
	Fee          uint64 `json:"fee,omitempty"`
	Net          uint64 `json:"net,omitempty"`
	NeedsFunding bool   `json:"needs_funding,omitempty"`
}

// EmptyPack is returned when the post-condition of an action already holds.
func EmptyPack() Pack {
	return Pack{UserTxns: []UserTxn{}, SponsorTxns: []SponsorTxn{}, Noop: true}
}

// Pack renders b for the client. SignSponsor must have been called.
func (b *Built) Pack() (Pack, error) {
	g := b.Group
	out := Pack{
		GroupID:     txn.EncodeB64(g.ID[:]),
		UserTxns:    []UserTxn{},
		SponsorTxns: []SponsorTxn{},
		FirstValid:  uint64(g.Txns[0].FirstValid),
		LastValid:   uint64(g.Txns[0].LastValid),
		GenesisID:   g.Txns[0].GenesisID,
	}
	for i, role := range g.Roles {
		switch role {
		case txn.RoleUser:
			var signers []string
			for _, addr := range b.UserSigners[i] {
				signers = append(signers, addr.String())
			}
			out.UserTxns = append(out.UserTxns, UserTxn{Index: i, Txn: txn.EncodeB64(g.Bytes(i)), Signers: signers})
		case txn.RoleSponsor:
			signed, ok := b.SponsorSigned[i]
			if !ok {
				return Pack{}, fmt.Errorf("builder: sponsor index %d unsigned", i)
			}
			out.SponsorTxns = append(out.SponsorTxns, SponsorTxn{Index: i, Txn: txn.EncodeB64(g.Bytes(i)), Signed: txn.EncodeB64(signed)})
		}
	}
	return out, nil
}

// SponsorEntries returns the signed sponsor positions sorted by index.
func (b *Built) SponsorEntries() []SponsorTxn {
	idx := make([]int, 0, len(b.SponsorSigned))
	for i := range b.SponsorSigned {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]SponsorTxn, 0, len(idx))
	for _, i := range idx {
		out = append(out, SponsorTxn{Index: i, Txn: txn.EncodeB64(b.Group.Bytes(i)), Signed: txn.EncodeB64(b.SponsorSigned[i])})
	}
	return out
}
