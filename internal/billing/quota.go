package billing

import (
	"context"
	"sync"
	"time"

	"github.com/tollgatehq/tollgate/internal/storage"
)

// QuotaTracker answers whether an upstream has exhausted its daily or
// monthly spending cap. Spend totals are loaded from the log store by the
// quota-sync worker and advanced locally between syncs, so the selector's
// probe never touches the database.
type QuotaTracker struct {
	mu         sync.Mutex
	daySpend   map[string]float64
	monthSpend map[string]float64
	syncedAt   time.Time
}

// NewQuotaTracker creates an empty tracker. Until the first Sync every
// upstream is considered within budget.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{
		daySpend:   make(map[string]float64),
		monthSpend: make(map[string]float64),
	}
}

// Exceeded reports whether the upstream's accumulated spend has reached
// either configured limit. Nil limits never bound.
func (q *QuotaTracker) Exceeded(upstreamID string, dailyLimit, monthlyLimit *float64) bool {
	if dailyLimit == nil && monthlyLimit == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if dailyLimit != nil && q.daySpend[upstreamID] >= *dailyLimit {
		return true
	}
	if monthlyLimit != nil && q.monthSpend[upstreamID] >= *monthlyLimit {
		return true
	}
	return false
}

// Consume advances local spend between syncs so a burst of expensive
// requests cannot overshoot a cap for a full sync interval.
func (q *QuotaTracker) Consume(upstreamID string, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	q.mu.Lock()
	q.daySpend[upstreamID] += costUSD
	q.monthSpend[upstreamID] += costUSD
	q.mu.Unlock()
}

// Sync reloads day-to-date and month-to-date spend from the store,
// replacing local accumulation. Windows are UTC calendar bounds.
func (q *QuotaTracker) Sync(ctx context.Context, store storage.RequestLogStore) error {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	day, err := store.SpendSince(ctx, dayStart)
	if err != nil {
		return err
	}
	month, err := store.SpendSince(ctx, monthStart)
	if err != nil {
		return err
	}
	if day == nil {
		day = make(map[string]float64)
	}
	if month == nil {
		month = make(map[string]float64)
	}

	q.mu.Lock()
	q.daySpend = day
	q.monthSpend = month
	q.syncedAt = now
	q.mu.Unlock()
	return nil
}

// SyncedAt returns the time of the last successful Sync.
func (q *QuotaTracker) SyncedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncedAt
}

// Spend returns the current day and month totals for one upstream.
func (q *QuotaTracker) Spend(upstreamID string) (day, month float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.daySpend[upstreamID], q.monthSpend[upstreamID]
}
