package txn

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Params are the chain parameters every transaction in a group is stamped
// with. Builders are pure functions of Params and their intent arguments, so
// two builds with equal Params produce byte-identical groups.
type Params struct {
	FirstValid  uint64
	LastValid   uint64
	GenesisID   string
	GenesisHash [32]byte
	MinFee      uint64
}

// Validate rejects parameter sets that cannot produce a submittable group.
func (p Params) Validate() error {
	if p.FirstValid == 0 || p.LastValid < p.FirstValid {
		return fmt.Errorf("txn: invalid validity window [%d,%d]", p.FirstValid, p.LastValid)
	}
	if p.GenesisHash == ([32]byte{}) {
		return fmt.Errorf("txn: genesis hash required")
	}
	if p.MinFee == 0 {
		return fmt.Errorf("txn: min fee required")
	}
	return nil
}

// Window returns the number of rounds the prepared group stays valid.
func (p Params) Window() uint64 {
	if p.LastValid < p.FirstValid {
		return 0
	}
	return p.LastValid - p.FirstValid
}

// ParamsOf recovers the chain parameters from a transaction that was built by
// this package. MinFee is not carried on the wire and is supplied by the caller.
func ParamsOf(tx types.Transaction, minFee uint64) Params {
	return Params{
		FirstValid:  uint64(tx.FirstValid),
		LastValid:   uint64(tx.LastValid),
		GenesisID:   tx.GenesisID,
		GenesisHash: [32]byte(tx.GenesisHash),
		MinFee:      minFee,
	}
}

// FromSuggested converts node suggested parameters into Params.
func FromSuggested(sp types.SuggestedParams) Params {
	var gh [32]byte
	copy(gh[:], sp.GenesisHash)
	minFee := sp.MinFee
	if minFee == 0 {
		minFee = 1000
	}
	return Params{
		FirstValid:  uint64(sp.FirstRoundValid),
		LastValid:   uint64(sp.LastRoundValid),
		GenesisID:   sp.GenesisID,
		GenesisHash: gh,
		MinFee:      minFee,
	}
}
