package quota

import (
	"context"

	"github.com/justice-rest/the-romy/internal/types"
)

// Reporter builds read-only usage snapshots without mutating any counter.
// A snapshot reflects pending resets (a stale counter whose window already
// rolled over is reported as zero) so the numbers a caller sees always match
// what the next Check would enforce.
type Reporter struct {
	store  Store
	policy Policy
	clock  Clock
}

// ReporterOption is a functional option for configuring a Reporter.
type ReporterOption func(*Reporter)

// WithReporterClock overrides the clock, for deterministic tests.
func WithReporterClock(c Clock) ReporterOption {
	return func(r *Reporter) { r.clock = c }
}

// NewReporter creates a Reporter over the given store and policy.
func NewReporter(store Store, policy Policy, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		store:  store,
		policy: policy,
		clock:  RealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns current usage against limits for every window the user's
// tier bounds. Unbounded windows are included with Limit zero so clients can
// distinguish "no cap" from "cap of N".
func (r *Reporter) Snapshot(ctx context.Context, userID string) (*types.UsageSnapshot, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	tier := rec.EffectiveTier()
	limits := r.policy.LimitsFor(tier)
	midnight := NextUTCMidnight(now)

	snap := &types.UsageSnapshot{
		Tier:    tier,
		Windows: make(map[types.QuotaWindow]types.WindowUsage, 4),
	}

	snap.Windows[types.WindowDaily] = types.WindowUsage{
		Used:    effectiveCount(rec.DailyMessageCount, CalendarDayDue(now, rec.DailyResetAt)),
		Limit:   limits.DailyMessageLimit,
		ResetAt: &midnight,
	}

	if tier == types.TierPro {
		snap.Windows[types.WindowMonthly] = types.WindowUsage{
			Used:    effectiveCount(rec.MonthlyMessageCount, BillingPeriodDue(now, rec.BillingPeriodEnd)),
			Limit:   limits.MonthlyMessageLimit,
			ResetAt: rec.BillingPeriodEnd,
		}
	}

	if limits.ProModelAllowed {
		snap.Windows[types.WindowProModelDaily] = types.WindowUsage{
			Used:    effectiveCount(rec.ProModelDailyCount, CalendarDayDue(now, rec.ProModelResetAt)),
			Limit:   limits.ProModelDailyLimit,
			ResetAt: &midnight,
		}
	}

	snap.Windows[types.WindowUploadDaily] = types.WindowUsage{
		Used:    effectiveCount(rec.UploadDailyCount, CalendarDayDue(now, rec.UploadResetAt)),
		Limit:   limits.FileUploadDailyLimit,
		ResetAt: &midnight,
	}

	return snap, nil
}

// effectiveCount folds a pending window reset into the reported value.
func effectiveCount(count int, resetDue bool) int {
	if resetDue {
		return 0
	}
	return count
}
