package common

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaFeeCapExceeded   = errors.New("quota sponsored fee cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the sponsorship usage of a principal in the current epoch.
type QuotaNow struct {
	Groups  uint32
	FeeUsed uint64
	EpochID uint64
}

// Quota bounds how much a single principal can be sponsored per epoch.
// Zero limits disable the corresponding check.
type Quota struct {
	MaxGroupsPerEpoch uint32
	MaxFeePerEpoch    uint64
	EpochSeconds      uint32
}

// Epoch maps a unix timestamp to the quota epoch.
func (q Quota) Epoch(unix int64) uint64 {
	if q.EpochSeconds == 0 || unix <= 0 {
		return 0
	}
	return uint64(unix) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether one more sponsored group costing addFee fits in
// the quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addGroups uint32, addFee uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addGroups > 0 {
		if next.Groups > math.MaxUint32-addGroups {
			return prev, ErrQuotaCounterOverflow
		}
		next.Groups += addGroups
	}
	if q.MaxGroupsPerEpoch > 0 && next.Groups > q.MaxGroupsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addFee > 0 {
		if next.FeeUsed > math.MaxUint64-addFee {
			return prev, ErrQuotaCounterOverflow
		}
		next.FeeUsed += addFee
	}
	if q.MaxFeePerEpoch > 0 && next.FeeUsed > q.MaxFeePerEpoch {
		return prev, ErrQuotaFeeCapExceeded
	}

	return next, nil
}

// QuotaBook tracks quota usage per principal in memory.
type QuotaBook struct {
	mu    sync.Mutex
	quota Quota
	usage map[string]QuotaNow
	nowFn func() int64
}

func NewQuotaBook(q Quota) *QuotaBook {
	return &QuotaBook{quota: q, usage: make(map[string]QuotaNow), nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (b *QuotaBook) SetNowFunc(now func() int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	b.nowFn = now
}

// Charge records one sponsored group costing fee against key.
func (b *QuotaBook) Charge(key string, fee uint64) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	epoch := b.quota.Epoch(b.nowFn())
	next, err := CheckQuota(b.quota, epoch, b.usage[key], 1, fee)
	if err != nil {
		return err
	}
	b.usage[key] = next
	return nil
}
