package types

// Tier identifies the subscription level for a user. The tier determines
// quota limits and capability access via the TierPolicy registry.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierMax   Tier = "max"
	TierUltra Tier = "ultra"
)

// Capability classifies a guarded action. Each capability maps to exactly one
// counter family on the QuotaRecord.
type Capability string

const (
	// CapabilityStandard is an ordinary chat message. Consumes the daily
	// counter, plus the monthly counter for active Pro subscribers.
	CapabilityStandard Capability = "standard"
	// CapabilityProModel is a request routed to a pro-capability model.
	// Consumes only the pro-model daily counter.
	CapabilityProModel Capability = "pro_model"
	// CapabilityUpload is a file upload. Consumes only the upload daily counter.
	CapabilityUpload Capability = "upload"
)

// Valid reports whether the capability is one of the defined constants.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityStandard, CapabilityProModel, CapabilityUpload:
		return true
	}
	return false
}

// QuotaWindow identifies a counting period with its own counter and reset
// timestamp on the QuotaRecord.
type QuotaWindow string

const (
	WindowDaily         QuotaWindow = "daily"
	WindowMonthly       QuotaWindow = "monthly"
	WindowProModelDaily QuotaWindow = "pro_model_daily"
	WindowUploadDaily   QuotaWindow = "upload_daily"
)

// SubscriptionStatus represents the state of a billing subscription as
// reported by the payment processor.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// Entitles reports whether the subscription status grants paid-tier access.
// Everything except active and trialing collapses to the Free tier.
func (s SubscriptionStatus) Entitles() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}
