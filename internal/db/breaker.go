package db

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/justice-rest/the-romy/internal/quota"
	"github.com/justice-rest/the-romy/internal/types"
)

// defaultStoreTimeout bounds each store call so a hung database connection
// cannot stall request handling.
const defaultStoreTimeout = 2 * time.Second

// ResilientStore wraps an inner quota.Store with a circuit breaker and a
// per-call timeout. When the database misbehaves repeatedly the breaker
// opens and calls fail fast with a store-unavailable error, which the HTTP
// layer can turn into a deny or a fail-open allow depending on configuration.
//
// Conflicts and missing records count as successful calls for breaker
// purposes: they are answers from a healthy store, not outages.
type ResilientStore struct {
	inner   quota.Store
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
}

// ResilientStoreOption is a functional option for configuring a ResilientStore.
type ResilientStoreOption func(*ResilientStore)

// WithStoreTimeout overrides the per-call timeout.
func WithStoreTimeout(d time.Duration) ResilientStoreOption {
	return func(s *ResilientStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewResilientStore wraps the inner store with a named circuit breaker.
func NewResilientStore(inner quota.Store, breakerName string, opts ...ResilientStoreOption) *ResilientStore {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch types.CodeOf(err) {
			case types.ErrCodeConflictConcurrent, types.ErrCodeQuotaRecordMissing:
				return true
			}
			return false
		},
	})

	s := &ResilientStore{
		inner:   inner,
		breaker: cb,
		timeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time interface assertion.
var _ quota.Store = (*ResilientStore)(nil)

// Get delegates to the inner store through the breaker.
func (s *ResilientStore) Get(ctx context.Context, userID string) (*types.QuotaRecord, error) {
	res, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		return s.inner.Get(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.QuotaRecord), nil
}

// Create delegates to the inner store through the breaker.
func (s *ResilientStore) Create(ctx context.Context, rec *types.QuotaRecord) error {
	_, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, s.inner.Create(ctx, rec)
	})
	return err
}

// Update delegates to the inner store through the breaker.
func (s *ResilientStore) Update(ctx context.Context, userID string, m types.QuotaMutation) error {
	_, err := s.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, s.inner.Update(ctx, userID, m)
	})
	return err
}

func (s *ResilientStore) execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.NewAppError(types.ErrCodeStoreUnavailable,
				"quota store circuit breaker is open", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewAppError(types.ErrCodeStoreUnavailable,
				"quota store call timed out", err)
		}
		return nil, err
	}
	return res, nil
}
