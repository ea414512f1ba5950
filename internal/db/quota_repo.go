package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/justice-rest/the-romy/internal/quota"
	"github.com/justice-rest/the-romy/internal/types"
)

// pgUniqueViolation is the PostgreSQL error code for unique_violation.
const pgUniqueViolation = "23505"

// QuotaRepo provides data access for the quota_records table. One row per
// user, guarded by a version column: every UPDATE is conditioned on the
// version the caller read, so concurrent writers cannot silently overwrite
// each other.
type QuotaRepo struct {
	db DBTX
}

// NewQuotaRepo creates a new QuotaRepo backed by the given database
// connection (pool or transaction).
func NewQuotaRepo(db DBTX) *QuotaRepo {
	return &QuotaRepo{db: db}
}

// Compile-time interface assertion.
var _ quota.Store = (*QuotaRepo)(nil)

// quotaColumns defines the standard set of columns selected for quota
// queries. Used consistently across all query methods to avoid column drift.
const quotaColumns = `user_id, tier, subscription_active, billing_period_end, stripe_customer_id,
	daily_message_count, daily_reset_at,
	monthly_message_count, monthly_reset_at,
	pro_model_daily_count, pro_model_reset_at,
	upload_daily_count, upload_reset_at,
	version, created_at, updated_at`

// scanQuotaRecord scans a single row into a types.QuotaRecord. The columns
// must match the order defined in quotaColumns.
func scanQuotaRecord(row pgx.Row) (*types.QuotaRecord, error) {
	var rec types.QuotaRecord
	var stripeCustomerID *string
	err := row.Scan(
		&rec.UserID,
		&rec.Tier,
		&rec.SubscriptionActive,
		&rec.BillingPeriodEnd,
		&stripeCustomerID,
		&rec.DailyMessageCount,
		&rec.DailyResetAt,
		&rec.MonthlyMessageCount,
		&rec.MonthlyResetAt,
		&rec.ProModelDailyCount,
		&rec.ProModelResetAt,
		&rec.UploadDailyCount,
		&rec.UploadResetAt,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stripeCustomerID != nil {
		rec.StripeCustomerID = *stripeCustomerID
	}
	return &rec, nil
}

// Get retrieves the quota record for the given user.
func (r *QuotaRepo) Get(ctx context.Context, userID string) (*types.QuotaRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM quota_records WHERE user_id = $1`,
		userID,
	)
	rec, err := scanQuotaRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeQuotaRecordMissing,
				fmt.Sprintf("no quota record for user %s", userID), err)
		}
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable,
			"failed to load quota record", err)
	}
	return rec, nil
}

// Create inserts a new quota record. A duplicate user_id surfaces as a
// concurrent-modification conflict so callers can re-read and retry.
func (r *QuotaRepo) Create(ctx context.Context, rec *types.QuotaRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO quota_records (
			user_id, tier, subscription_active, billing_period_end, stripe_customer_id,
			daily_message_count, daily_reset_at,
			monthly_message_count, monthly_reset_at,
			pro_model_daily_count, pro_model_reset_at,
			upload_daily_count, upload_reset_at,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, NOW(), NOW())`,
		rec.UserID,
		rec.Tier,
		rec.SubscriptionActive,
		rec.BillingPeriodEnd,
		nullIfEmpty(rec.StripeCustomerID),
		rec.DailyMessageCount,
		rec.DailyResetAt,
		rec.MonthlyMessageCount,
		rec.MonthlyResetAt,
		rec.ProModelDailyCount,
		rec.ProModelResetAt,
		rec.UploadDailyCount,
		rec.UploadResetAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return types.NewAppError(types.ErrCodeConflictConcurrent,
				fmt.Sprintf("quota record for user %s already exists", rec.UserID), err)
		}
		return types.NewAppError(types.ErrCodeStoreUnavailable,
			"failed to create quota record", err)
	}
	return nil
}

// Update applies the mutation in a single conditional UPDATE. The statement
// only matches when the stored version equals the version the caller read;
// zero rows affected means another writer got there first.
//
// Reset fields replace the counter with the delta instead of adding to it,
// so a reset and an increment carried in the same mutation land atomically.
func (r *QuotaRepo) Update(ctx context.Context, userID string, m types.QuotaMutation) error {
	if !m.HasChanges() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if m.ResetDailyAt != nil {
		sets = append(sets,
			"daily_message_count = "+arg(m.DailyDelta),
			"daily_reset_at = "+arg(*m.ResetDailyAt))
	} else if m.DailyDelta != 0 {
		sets = append(sets, "daily_message_count = daily_message_count + "+arg(m.DailyDelta))
	}

	if m.ResetMonthlyAt != nil {
		sets = append(sets,
			"monthly_message_count = "+arg(m.MonthlyDelta),
			"monthly_reset_at = "+arg(*m.ResetMonthlyAt))
	} else if m.MonthlyDelta != 0 {
		sets = append(sets, "monthly_message_count = monthly_message_count + "+arg(m.MonthlyDelta))
	}

	if m.ResetProModelAt != nil {
		sets = append(sets,
			"pro_model_daily_count = "+arg(m.ProModelDelta),
			"pro_model_reset_at = "+arg(*m.ResetProModelAt))
	} else if m.ProModelDelta != 0 {
		sets = append(sets, "pro_model_daily_count = pro_model_daily_count + "+arg(m.ProModelDelta))
	}

	if m.ResetUploadAt != nil {
		sets = append(sets,
			"upload_daily_count = "+arg(m.UploadDelta),
			"upload_reset_at = "+arg(*m.ResetUploadAt))
	} else if m.UploadDelta != 0 {
		sets = append(sets, "upload_daily_count = upload_daily_count + "+arg(m.UploadDelta))
	}

	if m.SetTier != nil {
		sets = append(sets, "tier = "+arg(*m.SetTier))
	}
	if m.SetSubscriptionActive != nil {
		sets = append(sets, "subscription_active = "+arg(*m.SetSubscriptionActive))
	}
	if m.ClearBillingPeriodEnd {
		sets = append(sets, "billing_period_end = NULL")
	} else if m.SetBillingPeriodEnd != nil {
		sets = append(sets, "billing_period_end = "+arg(*m.SetBillingPeriodEnd))
	}
	if m.SetStripeCustomerID != nil {
		sets = append(sets, "stripe_customer_id = "+arg(*m.SetStripeCustomerID))
	}

	sets = append(sets, "version = version + 1", "updated_at = NOW()")

	query := fmt.Sprintf(
		`UPDATE quota_records SET %s WHERE user_id = %s AND version = %s`,
		strings.Join(sets, ", "),
		arg(userID),
		arg(m.ExpectedVersion),
	)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeStoreUnavailable,
			"failed to update quota record", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row vanished or another writer bumped the version.
		// Distinguish so callers retry only the recoverable case.
		var exists bool
		if scanErr := r.db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM quota_records WHERE user_id = $1)`,
			userID,
		).Scan(&exists); scanErr == nil && !exists {
			return types.NewAppError(types.ErrCodeQuotaRecordMissing,
				fmt.Sprintf("no quota record for user %s", userID), nil)
		}
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			fmt.Sprintf("quota record for user %s was modified concurrently", userID), nil)
	}
	return nil
}

// nullIfEmpty maps an empty string to NULL for optional text columns.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StripeCustomerID returns the Stripe customer ID recorded for the user, or
// an empty string if none has been seen yet.
func (r *QuotaRepo) StripeCustomerID(ctx context.Context, userID string) (string, error) {
	var customerID *string
	err := r.db.QueryRow(ctx,
		`SELECT stripe_customer_id FROM quota_records WHERE user_id = $1`,
		userID,
	).Scan(&customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", types.NewAppError(types.ErrCodeStoreUnavailable,
			"failed to load stripe customer id", err)
	}
	if customerID == nil {
		return "", nil
	}
	return *customerID, nil
}

// ListPaidUserIDs returns the user IDs of all non-free records. Used by the
// entitlement reconcile sweep; free-tier records have nothing to refresh.
func (r *QuotaRepo) ListPaidUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM quota_records WHERE tier <> $1 ORDER BY user_id`,
		types.TierFree,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable,
			"failed to list paid quota records", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB,
				"failed to scan quota record row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB,
			"error iterating quota record rows", err)
	}
	return ids, nil
}
