package payment

import (
	stoerrors "confio/core/errors"
)

const (
	// FeeBps is the merchant discount rate charged on sponsored payments.
	FeeBps         uint64 = 90
	bpsDenominator uint64 = 10_000
)

// Split is the fee breakdown of a gross payment amount.
type Split struct {
	Gross uint64 `json:"gross"`
	Fee   uint64 `json:"fee"`
	Net   uint64 `json:"net"`
}

// SplitAmount computes fee = ceil(gross*FeeBps/10000) and net = gross-fee.
// Both parts must be positive.
func SplitAmount(gross uint64) (Split, error) {
	q, r := gross/bpsDenominator, gross%bpsDenominator
	fee := q*FeeBps + (r*FeeBps+bpsDenominator-1)/bpsDenominator
	if fee == 0 || fee >= gross {
		return Split{}, stoerrors.AmountTooSmall(gross)
	}
	return Split{Gross: gross, Fee: fee, Net: gross - fee}, nil
}
