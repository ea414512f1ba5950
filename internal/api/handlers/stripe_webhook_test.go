package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/justice-rest/the-romy/internal/external"
	"github.com/justice-rest/the-romy/internal/types"
)

type fakeVerifier struct {
	err         error
	lastPayload []byte
	lastHeader  string
	lastSecret  string
}

func (f *fakeVerifier) Verify(payload []byte, header string, secret string) error {
	f.lastPayload = payload
	f.lastHeader = header
	f.lastSecret = secret
	return f.err
}

type applyCall struct {
	userID string
	ent    *types.Entitlement
}

type linkCall struct {
	userID     string
	customerID string
}

type fakeApplier struct {
	err   error
	calls []applyCall
	links []linkCall
}

func (f *fakeApplier) Apply(_ context.Context, userID string, ent *types.Entitlement) error {
	f.calls = append(f.calls, applyCall{userID: userID, ent: ent})
	return f.err
}

func (f *fakeApplier) LinkCustomer(_ context.Context, userID, customerID string) error {
	f.links = append(f.links, linkCall{userID: userID, customerID: customerID})
	return f.err
}

type webhookFixture struct {
	handler  *StripeWebhookHandler
	verifier *fakeVerifier
	applier  *fakeApplier
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	verifier := &fakeVerifier{}
	applier := &fakeApplier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &webhookFixture{
		handler:  NewStripeWebhookHandler(verifier, applier, "whsec_test", logger),
		verifier: verifier,
		applier:  applier,
	}
}

func postWebhook(t *testing.T, h *StripeWebhookHandler, signature, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(body))
	if signature != "" {
		r.Header.Set("Stripe-Signature", signature)
	}
	h.Handle(w, r)
	return w
}

// withPriceMap swaps the package-level price mapping for the duration of a test.
func withPriceMap(t *testing.T, m map[string]types.Tier) {
	t.Helper()
	old := external.PriceToTier
	external.PriceToTier = m
	t.Cleanup(func() { external.PriceToTier = old })
}

func subscriptionEvent(eventType, status, priceID string) string {
	return `{
		"id": "evt_1",
		"type": "` + eventType + `",
		"created": 1767225600,
		"data": {
			"object": {
				"status": "` + status + `",
				"customer": "cus_abc123",
				"current_period_end": 1772323200,
				"metadata": {"user_id": "user_1"},
				"items": {"data": [{"price": {"id": "` + priceID + `"}}]}
			}
		}
	}`
}

func TestWebhook_MissingSignature(t *testing.T) {
	fx := newWebhookFixture(t)

	w := postWebhook(t, fx.handler, "", subscriptionEvent(external.EventStripeSubCreated, "active", "price_pro"))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
	errResp := decodeErrorBody(t, w)
	if errResp.Error.Code != string(types.ErrCodeAuthSignatureMissing) {
		t.Errorf("expected code %s, got %s", types.ErrCodeAuthSignatureMissing, errResp.Error.Code)
	}
	if len(fx.applier.calls) != 0 {
		t.Error("unsigned events must never be applied")
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	fx := newWebhookFixture(t)
	fx.verifier.err = types.NewAppError(types.ErrCodeAuthSignatureInvalid, "signature mismatch", nil)

	w := postWebhook(t, fx.handler, "t=1,v1=bad", subscriptionEvent(external.EventStripeSubCreated, "active", "price_pro"))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
	errResp := decodeErrorBody(t, w)
	if errResp.Error.Code != string(types.ErrCodeAuthSignatureInvalid) {
		t.Errorf("expected code %s, got %s", types.ErrCodeAuthSignatureInvalid, errResp.Error.Code)
	}
	if len(fx.applier.calls) != 0 {
		t.Error("events with bad signatures must never be applied")
	}
}

func TestWebhook_VerifierReceivesPayloadAndSecret(t *testing.T) {
	fx := newWebhookFixture(t)
	body := subscriptionEvent(external.EventStripeSubCreated, "active", "price_pro")

	postWebhook(t, fx.handler, "t=1,v1=sig", body)

	if string(fx.verifier.lastPayload) != body {
		t.Error("verifier should receive the raw body")
	}
	if fx.verifier.lastHeader != "t=1,v1=sig" {
		t.Errorf("verifier should receive the signature header, got %q", fx.verifier.lastHeader)
	}
	if fx.verifier.lastSecret != "whsec_test" {
		t.Errorf("verifier should receive the signing secret, got %q", fx.verifier.lastSecret)
	}
}

func TestWebhook_MalformedEventJSON(t *testing.T) {
	fx := newWebhookFixture(t)

	w := postWebhook(t, fx.handler, "t=1,v1=sig", `not json`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	errResp := decodeErrorBody(t, w)
	if errResp.Error.Code != string(types.ErrCodeValidationInvalidBody) {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidBody, errResp.Error.Code)
	}
}

func TestWebhook_SubscriptionCreated(t *testing.T) {
	fx := newWebhookFixture(t)
	withPriceMap(t, map[string]types.Tier{"price_pro": types.TierPro})

	w := postWebhook(t, fx.handler, "t=1,v1=sig",
		subscriptionEvent(external.EventStripeSubCreated, "active", "price_pro"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(fx.applier.calls) != 1 {
		t.Fatalf("expected one apply, got %d", len(fx.applier.calls))
	}

	call := fx.applier.calls[0]
	if call.userID != "user_1" {
		t.Errorf("expected user_1 from metadata, got %q", call.userID)
	}
	if call.ent.Tier != types.TierPro {
		t.Errorf("expected pro tier from price mapping, got %v", call.ent.Tier)
	}
	if !call.ent.SubscriptionActive {
		t.Error("active status should entitle")
	}
	if call.ent.StripeCustomerID != "cus_abc123" {
		t.Errorf("expected customer ID recorded, got %q", call.ent.StripeCustomerID)
	}
	if call.ent.BillingPeriodEnd == nil {
		t.Fatal("expected billing period end")
	}
	want := time.Unix(1772323200, 0).UTC()
	if !call.ent.BillingPeriodEnd.Equal(want) {
		t.Errorf("expected billing period end %v, got %v", want, call.ent.BillingPeriodEnd)
	}
}

func TestWebhook_SubscriptionUpdated_Trialing(t *testing.T) {
	fx := newWebhookFixture(t)
	withPriceMap(t, map[string]types.Tier{"price_max": types.TierMax})

	w := postWebhook(t, fx.handler, "t=1,v1=sig",
		subscriptionEvent(external.EventStripeSubUpdated, "trialing", "price_max"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	call := fx.applier.calls[0]
	if call.ent.Tier != types.TierMax {
		t.Errorf("expected max tier, got %v", call.ent.Tier)
	}
	if !call.ent.SubscriptionActive {
		t.Error("trialing status should entitle")
	}
}

func TestWebhook_SubscriptionUpdated_PastDue(t *testing.T) {
	fx := newWebhookFixture(t)
	withPriceMap(t, map[string]types.Tier{"price_pro": types.TierPro})

	postWebhook(t, fx.handler, "t=1,v1=sig",
		subscriptionEvent(external.EventStripeSubUpdated, "past_due", "price_pro"))

	call := fx.applier.calls[0]
	// The tier stays mapped from the price; enforcement collapses an
	// inactive subscription to free.
	if call.ent.Tier != types.TierPro {
		t.Errorf("expected pro tier, got %v", call.ent.Tier)
	}
	if call.ent.SubscriptionActive {
		t.Error("past_due status must not entitle")
	}
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	fx := newWebhookFixture(t)

	w := postWebhook(t, fx.handler, "t=1,v1=sig",
		subscriptionEvent(external.EventStripeSubDeleted, "canceled", "price_pro"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	call := fx.applier.calls[0]
	if call.ent.Tier != types.TierFree {
		t.Errorf("deleted subscription should revert to free, got %v", call.ent.Tier)
	}
	if call.ent.SubscriptionActive {
		t.Error("deleted subscription must not be active")
	}
	// The customer ID is kept so a later resubscribe can be reconciled.
	if call.ent.StripeCustomerID != "cus_abc123" {
		t.Errorf("expected customer ID retained, got %q", call.ent.StripeCustomerID)
	}
	if call.ent.BillingPeriodEnd != nil {
		t.Error("deleted subscription should clear the billing period")
	}
}

func TestWebhook_UnknownPriceFallsBackToFree(t *testing.T) {
	fx := newWebhookFixture(t)
	withPriceMap(t, map[string]types.Tier{})

	postWebhook(t, fx.handler, "t=1,v1=sig",
		subscriptionEvent(external.EventStripeSubCreated, "active", "price_unknown"))

	if fx.applier.calls[0].ent.Tier != types.TierFree {
		t.Errorf("unknown price should map to free, got %v", fx.applier.calls[0].ent.Tier)
	}
}

func checkoutEvent(customer, userID string) string {
	meta := `{}`
	if userID != "" {
		meta = `{"user_id": "` + userID + `"}`
	}
	return `{
		"id": "evt_4",
		"type": "` + external.EventStripeCheckoutCompleted + `",
		"data": {
			"object": {
				"customer": "` + customer + `",
				"metadata": ` + meta + `
			}
		}
	}`
}

func TestWebhook_CheckoutCompletedLinksCustomer(t *testing.T) {
	fx := newWebhookFixture(t)

	w := postWebhook(t, fx.handler, "t=1,v1=sig", checkoutEvent("cus_abc123", "user_1"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(fx.applier.links) != 1 {
		t.Fatalf("expected one customer link, got %d", len(fx.applier.links))
	}
	link := fx.applier.links[0]
	if link.userID != "user_1" || link.customerID != "cus_abc123" {
		t.Errorf("expected user_1 linked to cus_abc123, got %+v", link)
	}
	// Linkage only; tier and subscription state wait for the subscription events.
	if len(fx.applier.calls) != 0 {
		t.Errorf("checkout completion must not apply an entitlement, got %+v", fx.applier.calls)
	}
}

func TestWebhook_CheckoutCompletedMissingMetadataAcknowledged(t *testing.T) {
	fx := newWebhookFixture(t)

	w := postWebhook(t, fx.handler, "t=1,v1=sig", checkoutEvent("cus_abc123", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(fx.applier.links) != 0 {
		t.Error("sessions without user metadata must not be linked")
	}
}

func TestWebhook_UnhandledEventTypeAcknowledged(t *testing.T) {
	fx := newWebhookFixture(t)

	w := postWebhook(t, fx.handler, "t=1,v1=sig",
		`{"id":"evt_2","type":"invoice.paid","data":{"object":{}}}`)

	if w.Code != http.StatusOK {
		t.Fatalf("unhandled event types should be acknowledged, got %d", w.Code)
	}
	if len(fx.applier.calls) != 0 {
		t.Error("unhandled event types must not be applied")
	}
}

func TestWebhook_MissingUserMetadataAcknowledged(t *testing.T) {
	fx := newWebhookFixture(t)

	body := `{
		"id": "evt_3",
		"type": "` + external.EventStripeSubCreated + `",
		"data": {"object": {"status": "active", "customer": "cus_abc123", "metadata": {}}}
	}`
	w := postWebhook(t, fx.handler, "t=1,v1=sig", body)

	// Processing failed, but Stripe still gets a 200 so it stops retrying.
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(fx.applier.calls) != 0 {
		t.Error("events without user metadata must not be applied")
	}
}

func TestWebhook_ApplyFailureAcknowledged(t *testing.T) {
	fx := newWebhookFixture(t)
	fx.applier.err = types.NewAppError(types.ErrCodeStoreUnavailable, "store down", nil)

	w := postWebhook(t, fx.handler, "t=1,v1=sig",
		subscriptionEvent(external.EventStripeSubCreated, "active", "price_pro"))

	if w.Code != http.StatusOK {
		t.Fatalf("apply failures are logged, not surfaced to Stripe; got %d", w.Code)
	}
}
