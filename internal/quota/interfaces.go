// Package quota implements the usage-quota engine for the Romy chat service.
//
// The engine decides, per inbound request, whether a user may proceed based
// on their tier, daily/monthly/pro-model counters, and time-window resets
// aligned to UTC calendar days and billing-cycle boundaries. It is a library
// boundary: no wire format or transport belongs here. The surrounding
// application calls Check before the guarded action and Commit after it
// succeeds.
package quota

import (
	"context"
	"time"

	"github.com/justice-rest/the-romy/internal/types"
)

// Store abstracts the durable per-user counter state. Implementations must
// honor the optimistic concurrency discipline: Update applies a mutation only
// when the stored version matches QuotaMutation.ExpectedVersion and returns
// ErrCodeConflictConcurrent otherwise, so two requests racing across a reset
// boundary can never silently discard each other's writes.
type Store interface {
	// Get returns the record for the user, or an AppError with
	// ErrCodeQuotaRecordMissing when none exists. Transport failures map to
	// ErrCodeStoreUnavailable.
	Get(ctx context.Context, userID string) (*types.QuotaRecord, error)

	// Update applies the mutation conditionally on the expected version.
	Update(ctx context.Context, userID string, m types.QuotaMutation) error

	// Create inserts a zeroed record. Used by the provisioning and
	// entitlement collaborators and for anonymous visitors on first sight;
	// the engine itself never creates records for authenticated users.
	// Returns ErrCodeConflictConcurrent when the record already exists.
	Create(ctx context.Context, rec *types.QuotaRecord) error
}

// Policy resolves tier limits. Implementations must be total: an unknown
// tier resolves to the Free limits, never an error.
type Policy interface {
	LimitsFor(tier types.Tier) types.TierLimits
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// clockFunc adapts a function to the Clock interface.
type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// RealClock returns a Clock backed by time.Now in UTC.
func RealClock() Clock {
	return clockFunc(func() time.Time { return time.Now().UTC() })
}
