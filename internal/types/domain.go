package types

import "time"

// Unbounded is the sentinel for a limit with no cap. The registry convention
// throughout the codebase is that a limit of 0 means unbounded; enforcement
// code must never treat 0 as "deny everything".
const Unbounded = 0

// RemainingUnbounded is reported in Decision.Remaining when no finite limit
// constrains the request.
const RemainingUnbounded = -1

// TierLimits defines the immutable quota shape for one tier. Instances live
// only in the quota policy registry; enforcement code receives them by value
// and never mutates them.
type TierLimits struct {
	// DailyMessageLimit caps standard messages per UTC calendar day.
	// 0 = unbounded.
	DailyMessageLimit int `json:"daily_message_limit"`

	// MonthlyMessageLimit caps standard messages per billing period.
	// Meaningful only for Pro; 0 = unbounded / not tracked.
	MonthlyMessageLimit int `json:"monthly_message_limit"`

	// ProModelAllowed gates access to pro-capability models, independent of
	// any counter.
	ProModelAllowed bool `json:"pro_model_allowed"`

	// PremiumModelAllowed gates access to premium models (Max/Ultra only).
	PremiumModelAllowed bool `json:"premium_model_allowed"`

	// ProModelDailyLimit caps pro-model requests per UTC calendar day.
	// 0 = unbounded.
	ProModelDailyLimit int `json:"pro_model_daily_limit"`

	// FileUploadDailyLimit caps file uploads per UTC calendar day.
	// 0 = unbounded.
	FileUploadDailyLimit int `json:"file_upload_daily_limit"`
}

// QuotaRecord is the durable per-user counter state, owned by the QuotaStore.
// Counters are mutated by the quota engine (resets and increments); the
// entitlement fields (Tier, SubscriptionActive, BillingPeriodEnd) are written
// exclusively by the entitlement sync collaborator.
type QuotaRecord struct {
	UserID string `json:"user_id" db:"user_id"`

	// Entitlement fields (externally owned).
	Tier               Tier       `json:"tier" db:"tier"`
	SubscriptionActive bool       `json:"subscription_active" db:"subscription_active"`
	BillingPeriodEnd   *time.Time `json:"billing_period_end,omitempty" db:"billing_period_end"`
	StripeCustomerID   string     `json:"-" db:"stripe_customer_id"`

	// Counter families. A nil reset timestamp means the window has never
	// been stamped and is due for reset on first use.
	DailyMessageCount   int        `json:"daily_message_count" db:"daily_message_count"`
	DailyResetAt        *time.Time `json:"daily_reset_at,omitempty" db:"daily_reset_at"`
	MonthlyMessageCount int        `json:"monthly_message_count" db:"monthly_message_count"`
	MonthlyResetAt      *time.Time `json:"monthly_reset_at,omitempty" db:"monthly_reset_at"`
	ProModelDailyCount  int        `json:"pro_model_daily_count" db:"pro_model_daily_count"`
	ProModelResetAt     *time.Time `json:"pro_model_reset_at,omitempty" db:"pro_model_reset_at"`
	UploadDailyCount    int        `json:"upload_daily_count" db:"upload_daily_count"`
	UploadResetAt       *time.Time `json:"upload_reset_at,omitempty" db:"upload_reset_at"`

	// Version is the optimistic concurrency token. Every successful Update
	// increments it; mutations carry the expected value.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveTier resolves the tier used for enforcement. A paid tier whose
// subscription is not active counts as Free.
func (r *QuotaRecord) EffectiveTier() Tier {
	if r.Tier != TierFree && !r.SubscriptionActive {
		return TierFree
	}
	return r.Tier
}

// Clone returns a deep copy of the record. Pointer fields are duplicated so
// callers can mutate the copy without aliasing store-owned state.
func (r *QuotaRecord) Clone() *QuotaRecord {
	cp := *r
	cp.BillingPeriodEnd = cloneTime(r.BillingPeriodEnd)
	cp.DailyResetAt = cloneTime(r.DailyResetAt)
	cp.MonthlyResetAt = cloneTime(r.MonthlyResetAt)
	cp.ProModelResetAt = cloneTime(r.ProModelResetAt)
	cp.UploadResetAt = cloneTime(r.UploadResetAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// QuotaMutation describes a conditional update to a QuotaRecord. The store
// applies it only when the stored version equals ExpectedVersion, returning
// a conflict error otherwise.
//
// Resets and deltas target disjoint call sites: the enforcer persists resets
// (zero the counter, stamp the window), the incrementer persists deltas. When
// both are present for the same window the reset applies first.
type QuotaMutation struct {
	ExpectedVersion int64

	// Counter deltas, applied per counter family.
	DailyDelta    int
	MonthlyDelta  int
	ProModelDelta int
	UploadDelta   int

	// Window resets: zero the counter and stamp the reset timestamp.
	ResetDailyAt    *time.Time
	ResetMonthlyAt  *time.Time
	ResetProModelAt *time.Time
	ResetUploadAt   *time.Time

	// Entitlement fields, written only by the entitlement sync collaborator.
	SetTier               *Tier
	SetSubscriptionActive *bool
	SetBillingPeriodEnd   *time.Time
	ClearBillingPeriodEnd bool
	SetStripeCustomerID   *string
}

// HasChanges reports whether the mutation would modify any field. Stores may
// skip the write entirely for an empty mutation.
func (m QuotaMutation) HasChanges() bool {
	return m.DailyDelta != 0 || m.MonthlyDelta != 0 || m.ProModelDelta != 0 || m.UploadDelta != 0 ||
		m.ResetDailyAt != nil || m.ResetMonthlyAt != nil || m.ResetProModelAt != nil || m.ResetUploadAt != nil ||
		m.SetTier != nil || m.SetSubscriptionActive != nil || m.SetBillingPeriodEnd != nil || m.ClearBillingPeriodEnd ||
		m.SetStripeCustomerID != nil
}

// Decision is the outcome of a quota check. Policy denials are expressed here
// (never as Go errors) so that callers can distinguish "not allowed" from
// "could not decide".
type Decision struct {
	Allowed bool `json:"allowed"`

	// Reason is set when Allowed is false. It is one of ErrCodeQuotaExceeded
	// or ErrCodeCapabilityNotPermitted.
	Reason ErrorCode `json:"reason,omitempty"`

	// Remaining is the number of requests left under the tightest finite
	// limit, or RemainingUnbounded when no finite limit applies.
	Remaining int `json:"remaining"`

	// ResetAt is when the limiting window restarts, when known. Nil for
	// capability denials and unbounded allowances.
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// Err converts a denial into a typed AppError for callers that propagate
// decisions through error channels (e.g., the HTTP layer). Returns nil for
// an allowed decision.
func (d Decision) Err() *AppError {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ErrCodeCapabilityNotPermitted:
		return NewAppError(d.Reason, "requested capability is not permitted for the current tier", nil)
	default:
		return NewAppErrorWithDetails(ErrCodeQuotaExceeded, "usage quota exceeded for the current tier", nil,
			map[string]any{"remaining": d.Remaining})
	}
}

// Entitlement is the externally-sourced subscription state for a user. The
// quota engine treats it as read-only input; only the entitlement sync
// collaborator writes it to the record.
type Entitlement struct {
	Tier               Tier       `json:"tier"`
	SubscriptionActive bool       `json:"subscription_active"`
	BillingPeriodEnd   *time.Time `json:"billing_period_end,omitempty"`

	// StripeCustomerID, when known, is recorded so the reconcile sweep can
	// query the billing provider for this user later.
	StripeCustomerID string `json:"-"`
}

// WindowUsage describes one counting window for usage reporting.
type WindowUsage struct {
	Used    int        `json:"used"`
	Limit   int        `json:"limit"` // 0 = unbounded
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// UsageSnapshot combines tier limits with current consumption across all
// windows, for dashboards and the usage endpoint.
type UsageSnapshot struct {
	Tier    Tier                        `json:"tier"`
	Windows map[QuotaWindow]WindowUsage `json:"windows"`
}

// ResponseMeta conveys non-blocking warnings in API response envelopes.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}
