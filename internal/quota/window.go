package quota

import "time"

// The two boundary rules for counting windows. Both are pure: the caller
// (Enforcer) is responsible for persisting the zeroed counter and the new
// reset timestamp transactionally with the check.

// CalendarDayDue reports whether a daily window must restart. The rule is a
// UTC calendar-day comparison, not an elapsed-duration check: a request at
// 23:59 and one at 00:01 the next minute cross the boundary, while two
// requests 23 hours apart on the same calendar day do not. An absent reset
// timestamp is always due.
func CalendarDayDue(now time.Time, lastResetAt *time.Time) bool {
	if lastResetAt == nil {
		return true
	}
	a, b := now.UTC(), lastResetAt.UTC()
	return a.Year() != b.Year() || a.Month() != b.Month() || a.Day() != b.Day()
}

// BillingPeriodDue reports whether the monthly window must restart. The reset
// is anchored to the billing period end supplied by the payment processor,
// not to a fixed 30-day window: if the processor has not advanced the anchor,
// the count must not reset no matter how old the prior reset is. An absent
// anchor never resets (monthly counting is inert until the processor supplies
// a period end).
func BillingPeriodDue(now time.Time, billingPeriodEnd *time.Time) bool {
	return billingPeriodEnd != nil && !now.Before(*billingPeriodEnd)
}

// NextUTCMidnight returns the next UTC midnight after the given time. Used to
// report when a daily window restarts.
func NextUTCMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}
