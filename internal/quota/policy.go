package quota

import "github.com/justice-rest/the-romy/internal/types"

// staticPolicy is a compile-time tier registry backed by an in-memory map.
// It implements Policy and is the standard implementation for production use.
type staticPolicy struct {
	limits map[types.Tier]types.TierLimits
}

// tierDefaults defines the hardcoded tier limits. This is the single source
// of truth for what each tier allows; enforcement consumes it uniformly and
// never branches on tier names directly.
//
//	| Tier  | Daily     | Monthly   | Pro model    | Premium | Uploads/day |
//	|-------|-----------|-----------|--------------|---------|-------------|
//	| Free  | 1,000     | --        | No           | No      | 10          |
//	| Pro   | unbounded | 3,000     | 500/day      | No      | 100         |
//	| Max   | unbounded | unbounded | unbounded    | Yes     | unbounded   |
//	| Ultra | unbounded | unbounded | unbounded    | Yes     | unbounded   |
//
// 0 represents "unbounded" -- enforcement code must treat 0 as no limit.
var tierDefaults = map[types.Tier]types.TierLimits{
	types.TierFree: {
		DailyMessageLimit:    1000,
		MonthlyMessageLimit:  types.Unbounded,
		ProModelAllowed:      false,
		PremiumModelAllowed:  false,
		ProModelDailyLimit:   types.Unbounded,
		FileUploadDailyLimit: 10,
	},
	types.TierPro: {
		DailyMessageLimit:    types.Unbounded,
		MonthlyMessageLimit:  3000,
		ProModelAllowed:      true,
		PremiumModelAllowed:  false,
		ProModelDailyLimit:   500,
		FileUploadDailyLimit: 100,
	},
	types.TierMax: {
		DailyMessageLimit:    types.Unbounded,
		MonthlyMessageLimit:  types.Unbounded,
		ProModelAllowed:      true,
		PremiumModelAllowed:  true,
		ProModelDailyLimit:   types.Unbounded,
		FileUploadDailyLimit: types.Unbounded,
	},
	types.TierUltra: {
		DailyMessageLimit:    types.Unbounded,
		MonthlyMessageLimit:  types.Unbounded,
		ProModelAllowed:      true,
		PremiumModelAllowed:  true,
		ProModelDailyLimit:   types.Unbounded,
		FileUploadDailyLimit: types.Unbounded,
	},
}

// freeLimits is cached to avoid map lookups on the fallback path.
var freeLimits = tierDefaults[types.TierFree]

// NewStaticPolicy returns a Policy backed by the hardcoded tier table. This
// is the standard production implementation; no database or external service
// is required.
func NewStaticPolicy() Policy {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.Tier]types.TierLimits, len(tierDefaults))
	for k, v := range tierDefaults {
		m[k] = v
	}
	return &staticPolicy{limits: m}
}

// LimitsFor returns the limits for the given tier. An unrecognized tier value
// resolves to the Free limits as a defensive default, never an error.
func (p *staticPolicy) LimitsFor(tier types.Tier) types.TierLimits {
	if limits, ok := p.limits[tier]; ok {
		return limits
	}
	return freeLimits
}
