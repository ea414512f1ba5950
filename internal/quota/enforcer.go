package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/justice-rest/the-romy/internal/types"
)

// defaultConflictRetries is how many times Check and Commit re-read and
// re-apply after a version conflict before giving up. Conflicts are expected
// only when requests for the same user race, so a small bound suffices.
const defaultConflictRetries = 3

// Enforcer orchestrates a quota check: resolve tier, evaluate window resets,
// check limits. One Check call per inbound request. Resets that come due are
// persisted through a conditional store update before the decision is
// returned, so a stale window is never observed by the limit comparison.
type Enforcer struct {
	store  Store
	policy Policy
	clock  Clock
	logger *slog.Logger

	conflictRetries int
}

// EnforcerOption is a functional option for configuring an Enforcer.
type EnforcerOption func(*Enforcer)

// WithClock overrides the clock, for deterministic tests.
func WithClock(c Clock) EnforcerOption {
	return func(e *Enforcer) { e.clock = c }
}

// WithConflictRetries overrides the conflict retry bound.
func WithConflictRetries(n int) EnforcerOption {
	return func(e *Enforcer) { e.conflictRetries = n }
}

// NewEnforcer creates an Enforcer over the given store and policy.
func NewEnforcer(store Store, policy Policy, logger *slog.Logger, opts ...EnforcerOption) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enforcer{
		store:           store,
		policy:          policy,
		clock:           RealClock(),
		logger:          logger,
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check decides whether the user may perform one action of the given
// capability. Policy denials come back inside the Decision; the error return
// is reserved for infrastructure failures:
//
//   - ErrCodeQuotaRecordMissing: no record exists (fatal precondition --
//     record creation is the provisioning collaborator's job).
//   - ErrCodeStoreUnavailable: transient store failure. The engine never
//     converts this into an allow; failing open is the boundary's decision.
//   - ErrCodeConflictConcurrent: retries exhausted under contention.
//
// Check does not increment anything; on success the caller performs the
// guarded action and then calls Incrementer.Commit.
func (e *Enforcer) Check(ctx context.Context, userID string, capability types.Capability) (types.Decision, error) {
	if !capability.Valid() {
		return types.Decision{}, types.NewAppError(types.ErrCodeInternalUnexpected,
			"unknown capability: "+string(capability), nil)
	}

	var lastErr error
	for attempt := 0; attempt <= e.conflictRetries; attempt++ {
		rec, err := e.store.Get(ctx, userID)
		if err != nil {
			return types.Decision{}, err
		}

		now := e.clock.Now().UTC()
		limits := e.policy.LimitsFor(rec.EffectiveTier())
		dec, mut := evaluate(rec, limits, capability, now)

		if !mut.HasChanges() {
			return dec, nil
		}

		// Persist due resets transactionally with the check so a concurrent
		// request crossing the same boundary cannot double-reset over a
		// legitimate increment.
		err = e.store.Update(ctx, userID, mut)
		if err == nil {
			return dec, nil
		}
		if !types.IsCode(err, types.ErrCodeConflictConcurrent) {
			return types.Decision{}, err
		}
		lastErr = err
		e.logger.Debug("quota check retrying after version conflict",
			slog.String("user_id", userID),
			slog.Int("attempt", attempt+1),
		)
	}

	return types.Decision{}, types.NewAppError(types.ErrCodeConflictConcurrent,
		"quota check lost the update race repeatedly for user "+userID, lastErr)
}

// CheckAnonymous enforces the fixed daily cap for unauthenticated callers.
// Anonymous visitors have no tier and no entitlement; the cap is supplied by
// the caller. A missing record is not fatal here: first-time visitors are
// simply at zero usage (the incrementer creates the record on first commit).
func (e *Enforcer) CheckAnonymous(ctx context.Context, anonID string, dailyCap int) (types.Decision, error) {
	now := e.clock.Now().UTC()

	rec, err := e.store.Get(ctx, anonID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeQuotaRecordMissing) {
			resetAt := NextUTCMidnight(now)
			return types.Decision{Allowed: true, Remaining: dailyCap, ResetAt: &resetAt}, nil
		}
		return types.Decision{}, err
	}

	count := rec.DailyMessageCount
	if CalendarDayDue(now, rec.DailyResetAt) {
		count = 0
		if err := e.store.Update(ctx, anonID, types.QuotaMutation{
			ExpectedVersion: rec.Version,
			ResetDailyAt:    &now,
		}); err != nil && !types.IsCode(err, types.ErrCodeConflictConcurrent) {
			return types.Decision{}, err
		}
		// A conflict means another request already stamped the window; the
		// zeroed view is still correct for this decision.
	}

	resetAt := NextUTCMidnight(now)
	if dailyCap > types.Unbounded && count >= dailyCap {
		return types.Decision{Reason: types.ErrCodeQuotaExceeded, Remaining: 0, ResetAt: &resetAt}, nil
	}
	remaining := types.RemainingUnbounded
	if dailyCap > types.Unbounded {
		remaining = dailyCap - count
	}
	return types.Decision{Allowed: true, Remaining: remaining, ResetAt: &resetAt}, nil
}

// evaluate computes the decision for one capability against a record, along
// with the mutation persisting any window resets that came due. It is pure:
// all clock and store effects live in the caller. Resets computed here are
// persisted even when the decision is a denial, so the stored window state
// stays consistent with what the check observed.
func evaluate(rec *types.QuotaRecord, limits types.TierLimits, capability types.Capability, now time.Time) (types.Decision, types.QuotaMutation) {
	mut := types.QuotaMutation{ExpectedVersion: rec.Version}

	switch capability {
	case types.CapabilityProModel:
		// The capability gate is independent of counters; no window is
		// touched when the tier has no pro-model access at all.
		if !limits.ProModelAllowed {
			return types.Decision{Reason: types.ErrCodeCapabilityNotPermitted}, mut
		}
		count := rec.ProModelDailyCount
		if CalendarDayDue(now, rec.ProModelResetAt) {
			count = 0
			mut.ResetProModelAt = &now
		}
		return decideDailyWindow(count, limits.ProModelDailyLimit, now), mut

	case types.CapabilityUpload:
		count := rec.UploadDailyCount
		if CalendarDayDue(now, rec.UploadResetAt) {
			count = 0
			mut.ResetUploadAt = &now
		}
		return decideDailyWindow(count, limits.FileUploadDailyLimit, now), mut

	default: // types.CapabilityStandard
		remaining := types.RemainingUnbounded
		var resetAt *time.Time

		// Monthly before daily: a Pro subscriber who has exhausted the
		// billing period is denied even with a fresh daily window, so daily
		// resets can never mask a monthly-exhausted state.
		if rec.EffectiveTier() == types.TierPro {
			mcount := rec.MonthlyMessageCount
			if BillingPeriodDue(now, rec.BillingPeriodEnd) {
				mcount = 0
				mut.ResetMonthlyAt = &now
			}
			if limits.MonthlyMessageLimit > types.Unbounded {
				if mcount >= limits.MonthlyMessageLimit {
					return types.Decision{
						Reason:    types.ErrCodeQuotaExceeded,
						Remaining: 0,
						ResetAt:   rec.BillingPeriodEnd,
					}, mut
				}
				remaining = limits.MonthlyMessageLimit - mcount
				resetAt = rec.BillingPeriodEnd
			}
		}

		dcount := rec.DailyMessageCount
		if CalendarDayDue(now, rec.DailyResetAt) {
			dcount = 0
			mut.ResetDailyAt = &now
		}
		if limits.DailyMessageLimit > types.Unbounded {
			dailyReset := NextUTCMidnight(now)
			if dcount >= limits.DailyMessageLimit {
				return types.Decision{
					Reason:    types.ErrCodeQuotaExceeded,
					Remaining: 0,
					ResetAt:   &dailyReset,
				}, mut
			}
			if dr := limits.DailyMessageLimit - dcount; remaining == types.RemainingUnbounded || dr < remaining {
				remaining = dr
				resetAt = &dailyReset
			}
		}

		return types.Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, mut
	}
}

// decideDailyWindow applies a calendar-day cap to an already-reset count.
func decideDailyWindow(count, limit int, now time.Time) types.Decision {
	if limit <= types.Unbounded {
		return types.Decision{Allowed: true, Remaining: types.RemainingUnbounded}
	}
	resetAt := NextUTCMidnight(now)
	if count >= limit {
		return types.Decision{Reason: types.ErrCodeQuotaExceeded, Remaining: 0, ResetAt: &resetAt}
	}
	return types.Decision{Allowed: true, Remaining: limit - count, ResetAt: &resetAt}
}
