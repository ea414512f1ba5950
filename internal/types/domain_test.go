package types

import (
	"testing"
	"time"
)

// TestEffectiveTier verifies paid tiers collapse to Free when the
// subscription is inactive.
func TestEffectiveTier(t *testing.T) {
	tests := []struct {
		name   string
		tier   Tier
		active bool
		want   Tier
	}{
		{"free always free", TierFree, false, TierFree},
		{"free with active flag stays free", TierFree, true, TierFree},
		{"active pro stays pro", TierPro, true, TierPro},
		{"inactive pro collapses to free", TierPro, false, TierFree},
		{"active max stays max", TierMax, true, TierMax},
		{"inactive ultra collapses to free", TierUltra, false, TierFree},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &QuotaRecord{Tier: tc.tier, SubscriptionActive: tc.active}
			if got := r.EffectiveTier(); got != tc.want {
				t.Errorf("EffectiveTier() = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestQuotaRecordClone verifies the copy shares no pointer state with the original.
func TestQuotaRecordClone(t *testing.T) {
	daily := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	period := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)
	orig := &QuotaRecord{
		UserID:            "user_1",
		Tier:              TierPro,
		DailyResetAt:      &daily,
		BillingPeriodEnd:  &period,
		DailyMessageCount: 7,
		Version:           3,
	}

	cp := orig.Clone()

	if cp.UserID != "user_1" || cp.DailyMessageCount != 7 || cp.Version != 3 {
		t.Errorf("clone lost scalar fields: %+v", cp)
	}
	if cp.DailyResetAt == orig.DailyResetAt {
		t.Error("clone must not share the DailyResetAt pointer")
	}
	if !cp.DailyResetAt.Equal(*orig.DailyResetAt) {
		t.Error("cloned DailyResetAt should be equal in value")
	}

	*cp.BillingPeriodEnd = cp.BillingPeriodEnd.Add(time.Hour)
	if !orig.BillingPeriodEnd.Equal(period) {
		t.Error("mutating the clone must not affect the original")
	}
}

// TestQuotaRecordCloneNilPointers verifies nil reset stamps survive cloning.
func TestQuotaRecordCloneNilPointers(t *testing.T) {
	orig := &QuotaRecord{UserID: "user_1"}
	cp := orig.Clone()

	if cp.DailyResetAt != nil || cp.MonthlyResetAt != nil ||
		cp.ProModelResetAt != nil || cp.UploadResetAt != nil || cp.BillingPeriodEnd != nil {
		t.Errorf("expected nil pointers preserved, got %+v", cp)
	}
}

// TestQuotaMutationHasChanges verifies empty-mutation detection across all fields.
func TestQuotaMutationHasChanges(t *testing.T) {
	if (QuotaMutation{ExpectedVersion: 5}).HasChanges() {
		t.Error("mutation with only ExpectedVersion should report no changes")
	}

	now := time.Now().UTC()
	tier := TierPro
	active := true
	customer := "cus_1"
	changed := []QuotaMutation{
		{DailyDelta: 1},
		{MonthlyDelta: 1},
		{ProModelDelta: 1},
		{UploadDelta: 1},
		{ResetDailyAt: &now},
		{ResetMonthlyAt: &now},
		{ResetProModelAt: &now},
		{ResetUploadAt: &now},
		{SetTier: &tier},
		{SetSubscriptionActive: &active},
		{SetBillingPeriodEnd: &now},
		{ClearBillingPeriodEnd: true},
		{SetStripeCustomerID: &customer},
	}
	for i, m := range changed {
		if !m.HasChanges() {
			t.Errorf("mutation %d should report changes: %+v", i, m)
		}
	}
}

// TestDecisionErrAllowed verifies allowed decisions produce no error.
func TestDecisionErrAllowed(t *testing.T) {
	d := Decision{Allowed: true, Remaining: 10}
	if d.Err() != nil {
		t.Errorf("allowed decision should have nil Err, got %v", d.Err())
	}
}

// TestDecisionErrQuotaExceeded verifies the denial error carries the remaining count.
func TestDecisionErrQuotaExceeded(t *testing.T) {
	d := Decision{Allowed: false, Reason: ErrCodeQuotaExceeded, Remaining: 0}

	err := d.Err()
	if err == nil {
		t.Fatal("denied decision should produce an error")
	}
	if err.Code != ErrCodeQuotaExceeded {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeQuotaExceeded)
	}
	if err.Details["remaining"] != 0 {
		t.Errorf("Details[remaining] = %v, want 0", err.Details["remaining"])
	}
}

// TestDecisionErrCapability verifies capability denials keep their reason code.
func TestDecisionErrCapability(t *testing.T) {
	d := Decision{Allowed: false, Reason: ErrCodeCapabilityNotPermitted}

	err := d.Err()
	if err == nil {
		t.Fatal("denied decision should produce an error")
	}
	if err.Code != ErrCodeCapabilityNotPermitted {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeCapabilityNotPermitted)
	}
}

// TestCapabilityValid verifies the capability enum guard.
func TestCapabilityValid(t *testing.T) {
	for _, c := range []Capability{CapabilityStandard, CapabilityProModel, CapabilityUpload} {
		if !c.Valid() {
			t.Errorf("%q should be valid", c)
		}
	}
	if Capability("premium").Valid() {
		t.Error("unknown capability should be invalid")
	}
	if Capability("").Valid() {
		t.Error("empty capability should be invalid")
	}
}

// TestSubscriptionStatusEntitles verifies only active and trialing entitle.
func TestSubscriptionStatusEntitles(t *testing.T) {
	entitling := []SubscriptionStatus{SubStatusActive, SubStatusTrialing}
	for _, s := range entitling {
		if !s.Entitles() {
			t.Errorf("%q should entitle", s)
		}
	}

	nonEntitling := []SubscriptionStatus{
		SubStatusPastDue, SubStatusCanceled, SubStatusIncomplete,
		SubStatusIncompleteExpired, SubStatusUnpaid, SubscriptionStatus("garbage"),
	}
	for _, s := range nonEntitling {
		if s.Entitles() {
			t.Errorf("%q should not entitle", s)
		}
	}
}
