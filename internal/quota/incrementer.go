package quota

import (
	"context"
	"log/slog"

	"github.com/justice-rest/the-romy/internal/types"
)

// Incrementer applies the counter increment after the guarded action
// succeeded -- never before, and never if the action failed midway, so quota
// is not consumed for work that was not delivered.
//
// Idempotence is NOT guaranteed at this layer: each Commit increments, and
// callers must not call it twice for one logical action. If a request is
// aborted between a successful Check and Commit, the record is simply left
// unincremented (undercounting is the intentional failure direction).
type Incrementer struct {
	store  Store
	clock  Clock
	logger *slog.Logger

	conflictRetries int
}

// IncrementerOption is a functional option for configuring an Incrementer.
type IncrementerOption func(*Incrementer)

// WithIncrementerClock overrides the clock, for deterministic tests.
func WithIncrementerClock(c Clock) IncrementerOption {
	return func(i *Incrementer) { i.clock = c }
}

// NewIncrementer creates an Incrementer over the given store.
func NewIncrementer(store Store, logger *slog.Logger, opts ...IncrementerOption) *Incrementer {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Incrementer{
		store:           store,
		clock:           RealClock(),
		logger:          logger,
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Commit increments exactly one counter family for the capability:
//
//   - standard: daily message count, plus the monthly count iff the record
//     is an active Pro subscription.
//   - proModel: pro-model daily count only.
//   - upload: upload daily count only.
//
// The increment is a conditional update retried on version conflict, so a
// commit racing a reset (or another commit) is re-applied against the fresh
// record rather than lost.
func (i *Incrementer) Commit(ctx context.Context, userID string, capability types.Capability) error {
	if !capability.Valid() {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"unknown capability: "+string(capability), nil)
	}

	var lastErr error
	for attempt := 0; attempt <= i.conflictRetries; attempt++ {
		rec, err := i.store.Get(ctx, userID)
		if err != nil {
			return err
		}

		mut := types.QuotaMutation{ExpectedVersion: rec.Version}
		switch capability {
		case types.CapabilityProModel:
			mut.ProModelDelta = 1
		case types.CapabilityUpload:
			mut.UploadDelta = 1
		default:
			mut.DailyDelta = 1
			// Only an active Pro subscription consumes the monthly window;
			// other tiers never touch it.
			if rec.Tier == types.TierPro && rec.SubscriptionActive {
				mut.MonthlyDelta = 1
			}
		}

		err = i.store.Update(ctx, userID, mut)
		if err == nil {
			return nil
		}
		if !types.IsCode(err, types.ErrCodeConflictConcurrent) {
			return err
		}
		lastErr = err
	}

	return types.NewAppError(types.ErrCodeConflictConcurrent,
		"usage commit lost the update race repeatedly for user "+userID, lastErr)
}

// CommitAnonymous increments the daily counter for an unauthenticated
// visitor, creating the record on first sight. Anonymous records are always
// Free-shaped; only the daily counter family is ever used.
func (i *Incrementer) CommitAnonymous(ctx context.Context, anonID string) error {
	var lastErr error
	for attempt := 0; attempt <= i.conflictRetries; attempt++ {
		rec, err := i.store.Get(ctx, anonID)
		if err != nil {
			if !types.IsCode(err, types.ErrCodeQuotaRecordMissing) {
				return err
			}
			now := i.clock.Now().UTC()
			created := &types.QuotaRecord{
				UserID:            anonID,
				Tier:              types.TierFree,
				DailyMessageCount: 1,
				DailyResetAt:      &now,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			err = i.store.Create(ctx, created)
			if err == nil {
				return nil
			}
			if !types.IsCode(err, types.ErrCodeConflictConcurrent) {
				return err
			}
			// Lost the creation race; re-read and increment normally.
			lastErr = err
			continue
		}

		err = i.store.Update(ctx, anonID, types.QuotaMutation{
			ExpectedVersion: rec.Version,
			DailyDelta:      1,
		})
		if err == nil {
			return nil
		}
		if !types.IsCode(err, types.ErrCodeConflictConcurrent) {
			return err
		}
		lastErr = err
	}

	return types.NewAppError(types.ErrCodeConflictConcurrent,
		"anonymous usage commit lost the update race repeatedly", lastErr)
}
