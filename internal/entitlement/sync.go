package entitlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/justice-rest/the-romy/internal/quota"
	"github.com/justice-rest/the-romy/internal/types"
)

// syncConflictRetries bounds how often Apply re-reads after losing a
// version race to a concurrent quota check or commit.
const syncConflictRetries = 3

// UserLister enumerates users whose entitlements are worth refreshing on a
// schedule. Free-tier records never go stale, so implementations only
// return paid users.
type UserLister interface {
	ListPaidUserIDs(ctx context.Context) ([]string, error)
}

// Syncer writes entitlements onto quota records. Webhook events and the
// periodic reconcile loop both funnel through Apply, so the record update
// rules live in exactly one place.
type Syncer struct {
	store    quota.Store
	provider Provider
	logger   *slog.Logger
}

// NewSyncer creates a Syncer over the given store and provider.
func NewSyncer(store quota.Store, provider Provider, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: store, provider: provider, logger: logger}
}

// Refresh resolves the user's entitlement from the provider and applies it.
func (s *Syncer) Refresh(ctx context.Context, userID string) error {
	ent, err := s.provider.Entitlement(ctx, userID)
	if err != nil {
		return err
	}
	return s.Apply(ctx, userID, ent)
}

// Apply stamps the entitlement onto the user's quota record, creating the
// record if this is the first time we see the user. Only changed fields are
// written, and a no-op entitlement does not bump the record version.
//
// When the billing period end moves forward the monthly counter is reset
// here rather than left to the lazy check path: a check that happens after
// the new period end is stamped would otherwise never see the old period
// expire.
func (s *Syncer) Apply(ctx context.Context, userID string, ent *types.Entitlement) error {
	var lastErr error
	for attempt := 0; attempt <= syncConflictRetries; attempt++ {
		rec, err := s.store.Get(ctx, userID)
		if err != nil {
			if !types.IsCode(err, types.ErrCodeQuotaRecordMissing) {
				return err
			}
			err = s.store.Create(ctx, newRecord(userID, ent))
			if err == nil {
				return nil
			}
			if !types.IsCode(err, types.ErrCodeConflictConcurrent) {
				return err
			}
			// Lost the creation race; re-read and apply as an update.
			lastErr = err
			continue
		}

		mut := buildMutation(rec, ent)
		if !mut.HasChanges() {
			return nil
		}

		err = s.store.Update(ctx, userID, mut)
		if err == nil {
			s.logger.Info("entitlement applied",
				slog.String("user_id", userID),
				slog.String("tier", string(ent.Tier)),
				slog.Bool("subscription_active", ent.SubscriptionActive),
			)
			return nil
		}
		if !types.IsCode(err, types.ErrCodeConflictConcurrent) {
			return err
		}
		lastErr = err
	}

	return types.NewAppError(types.ErrCodeConflictConcurrent,
		"entitlement sync lost the update race repeatedly for user "+userID, lastErr)
}

// LinkCustomer records the Stripe customer ID on the user's quota record
// without touching tier or subscription state. Checkout completion is the
// first moment the linkage exists, usually before any subscription event
// for the user arrives; the reconcile sweep needs it to query the provider.
func (s *Syncer) LinkCustomer(ctx context.Context, userID, customerID string) error {
	var lastErr error
	for attempt := 0; attempt <= syncConflictRetries; attempt++ {
		rec, err := s.store.Get(ctx, userID)
		if err != nil {
			if !types.IsCode(err, types.ErrCodeQuotaRecordMissing) {
				return err
			}
			err = s.store.Create(ctx, &types.QuotaRecord{
				UserID:           userID,
				Tier:             types.TierFree,
				StripeCustomerID: customerID,
			})
			if err == nil {
				return nil
			}
			if !types.IsCode(err, types.ErrCodeConflictConcurrent) {
				return err
			}
			lastErr = err
			continue
		}

		if rec.StripeCustomerID == customerID {
			return nil
		}

		id := customerID
		err = s.store.Update(ctx, userID, types.QuotaMutation{
			ExpectedVersion:     rec.Version,
			SetStripeCustomerID: &id,
		})
		if err == nil {
			s.logger.Info("stripe customer linked",
				slog.String("user_id", userID),
				slog.String("stripe_customer_id", customerID),
			)
			return nil
		}
		if !types.IsCode(err, types.ErrCodeConflictConcurrent) {
			return err
		}
		lastErr = err
	}

	return types.NewAppError(types.ErrCodeConflictConcurrent,
		"customer link lost the update race repeatedly for user "+userID, lastErr)
}

// Run reconciles paid users against the provider on a fixed interval until
// the context is canceled. Per-user failures are logged and skipped so one
// broken account cannot stall the sweep.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, users UserLister) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ids, err := users.ListPaidUserIDs(ctx)
		if err != nil {
			s.logger.Error("entitlement sweep: listing users failed",
				slog.String("error", err.Error()))
			continue
		}

		for _, id := range ids {
			if err := s.Refresh(ctx, id); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("entitlement sweep: refresh failed",
					slog.String("user_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
}

// newRecord builds a fresh quota record for a user first seen through
// entitlement sync.
func newRecord(userID string, ent *types.Entitlement) *types.QuotaRecord {
	rec := &types.QuotaRecord{
		UserID:             userID,
		Tier:               ent.Tier,
		SubscriptionActive: ent.SubscriptionActive,
		StripeCustomerID:   ent.StripeCustomerID,
	}
	if ent.BillingPeriodEnd != nil {
		end := *ent.BillingPeriodEnd
		rec.BillingPeriodEnd = &end
	}
	return rec
}

// buildMutation diffs the entitlement against the stored record.
func buildMutation(rec *types.QuotaRecord, ent *types.Entitlement) types.QuotaMutation {
	mut := types.QuotaMutation{ExpectedVersion: rec.Version}

	if rec.Tier != ent.Tier {
		tier := ent.Tier
		mut.SetTier = &tier
	}
	if rec.SubscriptionActive != ent.SubscriptionActive {
		active := ent.SubscriptionActive
		mut.SetSubscriptionActive = &active
	}
	if ent.StripeCustomerID != "" && rec.StripeCustomerID != ent.StripeCustomerID {
		customerID := ent.StripeCustomerID
		mut.SetStripeCustomerID = &customerID
	}

	switch {
	case ent.BillingPeriodEnd == nil && rec.BillingPeriodEnd != nil:
		mut.ClearBillingPeriodEnd = true
	case ent.BillingPeriodEnd != nil &&
		(rec.BillingPeriodEnd == nil || !rec.BillingPeriodEnd.Equal(*ent.BillingPeriodEnd)):
		end := *ent.BillingPeriodEnd
		mut.SetBillingPeriodEnd = &end
		// Period rollover: a new anchor starts a new monthly window.
		if rec.BillingPeriodEnd != nil && ent.BillingPeriodEnd.After(*rec.BillingPeriodEnd) {
			now := time.Now().UTC()
			mut.ResetMonthlyAt = &now
		}
	}

	return mut
}
