// Package spend enforces the hourly spending budget and accumulates
// lifetime payment metrics for a single wallet session. All state is
// guarded by one mutex: independent wallets get independent trackers and
// run fully in parallel.
package spend

import (
	"fmt"
	"sync"
	"time"

	"github.com/x402tap/agentpay"
)

// retentionBuckets is the rolling window of hour buckets kept after every
// write. Older buckets are evicted to bound memory.
const retentionBuckets = 24

// Tracker owns the per-session payment ledger, the hourly spending buckets,
// and the derived lifetime metrics. Metrics are maintained incrementally on
// each append, never recomputed from full history.
type Tracker struct {
	mu sync.Mutex

	// limit is the hourly spending ceiling in asset-native units.
	// Zero means unlimited.
	limit float64

	hourly  map[int64]float64
	records []agentpay.PaymentRecord
	metrics agentpay.PaymentMetrics

	// now is injectable for bucket tests.
	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHourlyLimit sets the hourly spending ceiling. Non-positive values
// leave the tracker unlimited.
func WithHourlyLimit(limit float64) Option {
	return func(t *Tracker) {
		if limit > 0 {
			t.limit = limit
		}
	}
}

// WithClock overrides the tracker's clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a tracker with the given options.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		hourly: make(map[int64]float64),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) currentHour() int64 {
	return t.now().Unix() / 3600
}

// Authorize reports whether spending amount now would stay within the
// remaining hourly budget. Called by the payment executor before any
// broadcast; refusal means no funds have moved.
func (t *Tracker) Authorize(amount float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit <= 0 {
		return nil
	}

	remaining := t.limit - t.hourly[t.currentHour()]
	if remaining < 0 {
		remaining = 0
	}
	if amount > remaining {
		return agentpay.NewPaymentError(agentpay.ErrCodeBudgetExceeded,
			fmt.Sprintf("amount %.9f exceeds remaining hourly budget %.9f", amount, remaining),
			agentpay.ErrBudgetExceeded).
			WithDetails("amount", amount).
			WithDetails("remaining", remaining).
			WithDetails("limit", t.limit)
	}
	return nil
}

// Track appends a ledger record, updates the hour bucket for sent amounts,
// updates the lifetime metrics in O(1), and evicts buckets older than the
// retention window. Records are immutable after append.
func (t *Tracker) Track(rec agentpay.PaymentRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Timestamp == 0 {
		rec.Timestamp = t.now().UnixMilli()
	}

	hour := t.currentHour()

	switch rec.Direction {
	case agentpay.DirectionSent:
		t.metrics.TotalSpent += rec.Amount
		t.hourly[hour] += rec.Amount
	case agentpay.DirectionReceived:
		t.metrics.TotalEarned += rec.Amount
	}

	t.metrics.NetProfit = t.metrics.TotalEarned - t.metrics.TotalSpent
	t.metrics.TransactionCount++
	t.metrics.AverageCostPerCall = t.metrics.TotalSpent / float64(t.metrics.TransactionCount)

	t.records = append(t.records, rec)

	t.evictLocked(hour)
}

// RecordEarnings is the inbound counterpart of Track, used by sessions that
// act as both payer and payee.
func (t *Tracker) RecordEarnings(amount float64, asset, from, to string) {
	t.Track(agentpay.PaymentRecord{
		Amount:    amount,
		Asset:     asset,
		Direction: agentpay.DirectionReceived,
		From:      from,
		To:        to,
	})
}

// evictLocked drops hour buckets older than the retention window.
// Caller holds t.mu.
func (t *Tracker) evictLocked(currentHour int64) {
	cutoff := currentHour - retentionBuckets
	for hour := range t.hourly {
		if hour < cutoff {
			delete(t.hourly, hour)
		}
	}
}

// SpentThisHour returns the amount spent in the current hour bucket.
func (t *Tracker) SpentThisHour() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hourly[t.currentHour()]
}

// RemainingHourlyBudget returns max(0, limit - spent this hour), or +Inf
// semantics via a false second return when the tracker is unlimited.
func (t *Tracker) RemainingHourlyBudget() (remaining float64, limited bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit <= 0 {
		return 0, false
	}
	remaining = t.limit - t.hourly[t.currentHour()]
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Metrics returns a copy of the lifetime metrics.
func (t *Tracker) Metrics() agentpay.PaymentMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// History returns ledger records newest-first. A non-positive limit returns
// the full history.
func (t *Tracker) History(limit int) []agentpay.PaymentRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]agentpay.PaymentRecord, 0, len(t.records))
	for i := len(t.records) - 1; i >= 0; i-- {
		out = append(out, t.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// BucketCount reports the number of retained hour buckets. Intended for
// eviction checks in tests and diagnostics.
func (t *Tracker) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hourly)
}
