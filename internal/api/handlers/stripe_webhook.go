package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/justice-rest/the-romy/internal/core"
	"github.com/justice-rest/the-romy/internal/external"
	"github.com/justice-rest/the-romy/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook
// payload (64 KB). Stripe webhook payloads are typically small; this limit
// protects against abuse.
const maxWebhookBodySize = 64 * 1024

// EntitlementApplier stamps a resolved entitlement onto the user's quota
// record. This is the subset of the entitlement syncer the webhook needs.
type EntitlementApplier interface {
	Apply(ctx context.Context, userID string, ent *types.Entitlement) error
	LinkCustomer(ctx context.Context, userID, customerID string) error
}

// stripeWebhookEvent is the envelope Stripe wraps every event in.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// webhookSubscription is the subset of the subscription object carried in
// customer.subscription.* events. The platform user ID rides in metadata,
// set when the checkout session is created.
type webhookSubscription struct {
	Status           string `json:"status"`
	Customer         string `json:"customer"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Metadata         struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
	Items struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// webhookCheckoutSession is the subset of the checkout session object
// carried in checkout.session.completed events.
type webhookCheckoutSession struct {
	Customer string `json:"customer"`
	Metadata struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

// StripeWebhookHandler handles asynchronous billing events from Stripe.
// It is unauthenticated (no user identity) but verifies the provider
// signature before trusting anything in the payload.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	applier  EntitlementApplier
	secret   string
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	applier EntitlementApplier,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		applier:  applier,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint. Webhook routes carry no
// user identity headers, so they stay out of the chat/usage groups.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events:
//  1. Reads the body and Stripe-Signature header.
//  2. Verifies the signature using the webhook signing secret.
//  3. Parses the event JSON and routes by event type.
//  4. Returns 200 OK even when internal processing fails, so Stripe does
//     not retry indefinitely; failures are logged for investigation.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			slog.String("error", err.Error()))
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			slog.String("error", err.Error()))
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			slog.String("error", err.Error()))
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		// Acknowledge receipt anyway to avoid infinite retry loops.
	}

	w.WriteHeader(http.StatusOK)
}

// routeEvent dispatches the webhook event by type. Unhandled event types
// are acknowledged and ignored.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case external.EventStripeCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)

	case external.EventStripeSubCreated,
		external.EventStripeSubUpdated:
		return h.handleSubscriptionChanged(ctx, event)

	case external.EventStripeSubDeleted:
		return h.handleSubscriptionDeleted(ctx, event)

	default:
		h.logger.DebugContext(ctx, "ignoring unhandled webhook event type",
			slog.String("event_type", event.Type))
		return nil
	}
}

// handleCheckoutCompleted records the customer linkage on the user's quota
// record. Checkout completion precedes the subscription events, and the
// reconcile sweep cannot query the provider without the customer ID. Tier
// and subscription state are left to the subscription events.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripeWebhookEvent) error {
	var sess webhookCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &sess); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidBody,
			"failed to decode checkout session object", err)
	}
	if sess.Metadata.UserID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"checkout session has no user_id metadata", nil)
	}
	if sess.Customer == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"checkout session has no customer", nil)
	}

	return h.applier.LinkCustomer(ctx, sess.Metadata.UserID, sess.Customer)
}

// handleSubscriptionChanged applies the new subscription state to the
// user's quota record.
func (h *StripeWebhookHandler) handleSubscriptionChanged(ctx context.Context, event *stripeWebhookEvent) error {
	sub, err := decodeWebhookSubscription(event)
	if err != nil {
		return err
	}

	ent := &types.Entitlement{
		Tier:               types.TierFree,
		SubscriptionActive: types.SubscriptionStatus(sub.Status).Entitles(),
		StripeCustomerID:   sub.Customer,
	}
	if len(sub.Items.Data) > 0 {
		ent.Tier = external.MapPriceIDToTier(sub.Items.Data[0].Price.ID)
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ent.BillingPeriodEnd = &end
	}

	return h.applier.Apply(ctx, sub.Metadata.UserID, ent)
}

// handleSubscriptionDeleted reverts the user to the free tier.
func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *stripeWebhookEvent) error {
	sub, err := decodeWebhookSubscription(event)
	if err != nil {
		return err
	}

	return h.applier.Apply(ctx, sub.Metadata.UserID, &types.Entitlement{
		Tier:             types.TierFree,
		StripeCustomerID: sub.Customer,
	})
}

// decodeWebhookSubscription extracts the subscription object from the event
// payload and checks the user reference is present.
func decodeWebhookSubscription(event *stripeWebhookEvent) (*webhookSubscription, error) {
	var sub webhookSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody,
			"failed to decode subscription object", err)
	}
	if sub.Metadata.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"subscription event has no user_id metadata", nil)
	}
	return &sub, nil
}
