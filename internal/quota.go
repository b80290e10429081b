package internal

import (
	"context"
	"fmt"
	"time"
)

// quotaLedger tracks per-provider daily call budgets in the shared KV.
// Counters are day-bucketed on UTC dates and never roll over. The ledger is
// advisory: a small read-modify-write race on hot keys is acceptable because
// providers also throttle at the transport.
type quotaLedger struct {
	kv     keyval
	limits map[string]int // Provider name → daily ceiling. 0 means unlimited.

	// now is swappable so tests can cross day boundaries.
	now func() time.Time
}

func newQuotaLedger(kv keyval, limits map[string]int) *quotaLedger {
	return &quotaLedger{kv: kv, limits: limits, now: time.Now}
}

func quotaKey(provider string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s", provider, day.UTC().Format(time.DateOnly))
}

// Spend consumes one unit of today's budget, before the outbound call goes
// out. Returns errQuotaExhausted once the ceiling is reached; the provider
// stays blocked until the next UTC day.
func (l *quotaLedger) Spend(ctx context.Context, provider string) error {
	limit, ok := l.limits[provider]
	if !ok || limit <= 0 {
		return nil
	}

	// 48h TTL so yesterday's bucket lingers for inspection but never
	// resurrects.
	used, _, err := l.kv.IncrWindow(ctx, quotaKey(provider, l.now()), 48*time.Hour)
	if err != nil {
		// The ledger is advisory; a KV hiccup shouldn't block calls.
		Log(ctx).Warn("quota ledger unavailable, allowing call", "provider", provider, "err", err)
		return nil
	}
	if used > int64(limit) {
		return fmt.Errorf("%w: %s used %d of %d", errQuotaExhausted, provider, used, limit)
	}
	return nil
}

// Exhausted reports whether the provider's budget for today is spent, without
// consuming any of it. Providers consult this from Available.
func (l *quotaLedger) Exhausted(ctx context.Context, provider string) bool {
	limit, ok := l.limits[provider]
	if !ok || limit <= 0 {
		return false
	}
	value, _, ok := l.kv.GetWithTTL(ctx, quotaKey(provider, l.now()))
	if !ok {
		return false
	}
	var used int64
	if _, err := fmt.Sscanf(string(value), "%d", &used); err != nil {
		return false
	}
	return used >= int64(limit)
}
