package txn

import (
	"bytes"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Role identifies who signs a group position.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleSponsor
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleSponsor:
		return "sponsor"
	default:
		return "unknown"
	}
}

// Entry is one position of a group before assembly.
type Entry struct {
	Role Role
	Txn  Variant
}

// User marks v as signed by the end user.
func User(v Variant) Entry { return Entry{Role: RoleUser, Txn: v} }

// Sponsor marks v as signed by the sponsor.
func Sponsor(v Variant) Entry { return Entry{Role: RoleSponsor, Txn: v} }

// Group is an assembled atomic group. Txns carry the group id.
type Group struct {
	ID    types.Digest
	Txns  []types.Transaction
	Roles []Role
}

// Assemble lowers the entries with p, computes the group id over the canonical
// encoding in index order and stamps it on every transaction.
func Assemble(p Params, entries ...Entry) (*Group, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(entries) == 0 || len(entries) > MaxGroupSize {
		return nil, fmt.Errorf("txn: group size %d out of range", len(entries))
	}
	txns := make([]types.Transaction, len(entries))
	roles := make([]Role, len(entries))
	for i, entry := range entries {
		if entry.Txn == nil {
			return nil, fmt.Errorf("txn: entry %d empty", i)
		}
		if entry.Role != RoleUser && entry.Role != RoleSponsor {
			return nil, fmt.Errorf("txn: entry %d has no signer role", i)
		}
		if entry.Role == RoleUser && entry.Txn.Common().Fee != 0 {
			return nil, fmt.Errorf("txn: user entry %d must carry zero fee", i)
		}
		tx, err := entry.Txn.lower(p)
		if err != nil {
			return nil, fmt.Errorf("txn: entry %d: %w", i, err)
		}
		txns[i] = tx
		roles[i] = entry.Role
	}
	gid, err := crypto.ComputeGroupID(txns)
	if err != nil {
		return nil, fmt.Errorf("txn: group id: %w", err)
	}
	for i := range txns {
		txns[i].Group = gid
	}
	return &Group{ID: gid, Txns: txns, Roles: roles}, nil
}

// Len returns the number of transactions.
func (g *Group) Len() int { return len(g.Txns) }

// Bytes returns the canonical encoding of the transaction at index i.
func (g *Group) Bytes(i int) []byte { return Encode(g.Txns[i]) }

// TxID returns the transaction id at index i.
func (g *Group) TxID(i int) string { return crypto.GetTxID(g.Txns[i]) }

// Indexes lists the positions signed by role, ascending.
func (g *Group) Indexes(role Role) []int {
	var out []int
	for i, r := range g.Roles {
		if r == role {
			out = append(out, i)
		}
	}
	return out
}

// TotalFee sums the fees of every transaction in the group.
func (g *Group) TotalFee() uint64 {
	var total uint64
	for _, tx := range g.Txns {
		total += uint64(tx.Fee)
	}
	return total
}

// Verify recomputes the group id from scratch and checks every member agrees.
func (g *Group) Verify() error {
	gid, err := GroupID(g.Txns)
	if err != nil {
		return err
	}
	if gid != g.ID {
		return fmt.Errorf("txn: group id mismatch")
	}
	for i, tx := range g.Txns {
		if tx.Group != gid {
			return fmt.Errorf("txn: transaction %d carries foreign group id", i)
		}
	}
	return nil
}

// GroupID computes the group id of txns, ignoring any group field they carry.
func GroupID(txns []types.Transaction) (types.Digest, error) {
	if len(txns) == 0 || len(txns) > MaxGroupSize {
		return types.Digest{}, fmt.Errorf("txn: group size %d out of range", len(txns))
	}
	cleared := make([]types.Transaction, len(txns))
	for i, tx := range txns {
		tx.Group = types.Digest{}
		cleared[i] = tx
	}
	return crypto.ComputeGroupID(cleared)
}

// Encode returns the canonical msgpack encoding of tx.
func Encode(tx types.Transaction) []byte { return msgpack.Encode(tx) }

// Decode parses an unsigned transaction and rejects non-canonical input.
func Decode(raw []byte) (types.Transaction, error) {
	var tx types.Transaction
	if err := msgpack.Decode(raw, &tx); err != nil {
		return types.Transaction{}, fmt.Errorf("txn: decode: %w", err)
	}
	if !bytes.Equal(msgpack.Encode(tx), raw) {
		return types.Transaction{}, fmt.Errorf("txn: non-canonical encoding")
	}
	return tx, nil
}
