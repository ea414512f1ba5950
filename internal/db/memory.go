package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/justice-rest/the-romy/internal/quota"
	"github.com/justice-rest/the-romy/internal/types"
)

// MemoryStore is an in-memory quota store with the same conditional-update
// semantics as QuotaRepo. It backs local development and tests where a
// PostgreSQL instance is not available. Not suitable for multi-process
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*types.QuotaRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*types.QuotaRecord)}
}

// Compile-time interface assertion.
var _ quota.Store = (*MemoryStore)(nil)

// Get returns a copy of the stored record so callers cannot mutate shared
// state behind the version check.
func (s *MemoryStore) Get(_ context.Context, userID string) (*types.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeQuotaRecordMissing,
			fmt.Sprintf("no quota record for user %s", userID), nil)
	}
	return rec.Clone(), nil
}

// Create inserts a new record, initializing its version to 1.
func (s *MemoryStore) Create(_ context.Context, rec *types.QuotaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.UserID]; ok {
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			fmt.Sprintf("quota record for user %s already exists", rec.UserID), nil)
	}

	stored := rec.Clone()
	stored.Version = 1
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.records[rec.UserID] = stored
	return nil
}

// Update applies the mutation iff the stored version matches the expected
// one, mirroring the SQL repository's conditional UPDATE.
func (s *MemoryStore) Update(_ context.Context, userID string, m types.QuotaMutation) error {
	if !m.HasChanges() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return types.NewAppError(types.ErrCodeQuotaRecordMissing,
			fmt.Sprintf("no quota record for user %s", userID), nil)
	}
	if rec.Version != m.ExpectedVersion {
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			fmt.Sprintf("quota record for user %s was modified concurrently", userID), nil)
	}

	if m.ResetDailyAt != nil {
		rec.DailyMessageCount = m.DailyDelta
		at := *m.ResetDailyAt
		rec.DailyResetAt = &at
	} else {
		rec.DailyMessageCount += m.DailyDelta
	}

	if m.ResetMonthlyAt != nil {
		rec.MonthlyMessageCount = m.MonthlyDelta
		at := *m.ResetMonthlyAt
		rec.MonthlyResetAt = &at
	} else {
		rec.MonthlyMessageCount += m.MonthlyDelta
	}

	if m.ResetProModelAt != nil {
		rec.ProModelDailyCount = m.ProModelDelta
		at := *m.ResetProModelAt
		rec.ProModelResetAt = &at
	} else {
		rec.ProModelDailyCount += m.ProModelDelta
	}

	if m.ResetUploadAt != nil {
		rec.UploadDailyCount = m.UploadDelta
		at := *m.ResetUploadAt
		rec.UploadResetAt = &at
	} else {
		rec.UploadDailyCount += m.UploadDelta
	}

	if m.SetTier != nil {
		rec.Tier = *m.SetTier
	}
	if m.SetSubscriptionActive != nil {
		rec.SubscriptionActive = *m.SetSubscriptionActive
	}
	if m.ClearBillingPeriodEnd {
		rec.BillingPeriodEnd = nil
	} else if m.SetBillingPeriodEnd != nil {
		at := *m.SetBillingPeriodEnd
		rec.BillingPeriodEnd = &at
	}
	if m.SetStripeCustomerID != nil {
		rec.StripeCustomerID = *m.SetStripeCustomerID
	}

	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
