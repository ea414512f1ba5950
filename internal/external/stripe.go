package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/justice-rest/the-romy/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// Stripe webhook event types the service reacts to.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeSubCreated        = "customer.subscription.created"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
)

// WebhookVerifier validates inbound webhook signatures.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification: HMAC-SHA256 with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}

// CustomerLookup resolves a platform user to their Stripe customer ID.
// This is a focused interface so the client does not depend on the full
// account storage layer.
type CustomerLookup interface {
	// StripeCustomerID returns the Stripe customer ID for the user.
	// Returns ("", nil) if the user exists but has never had a checkout.
	StripeCustomerID(ctx context.Context, userID string) (string, error)
}

// PriceToTier maps Stripe Price IDs to subscription tiers. Populated from
// configuration at startup; unknown price IDs resolve to the free tier.
var PriceToTier = map[string]types.Tier{}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient resolves subscription entitlements by making direct HTTP
// calls to the Stripe REST API through BaseClient. This routes all requests
// through the resilience infrastructure (circuit breaker, retries, error
// mapping) and makes testing with httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	customers CustomerLookup
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient.
func NewStripeClient(
	httpClient *http.Client,
	customers CustomerLookup,
	cfg StripeClientConfig,
) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"TheRomy/1.0",
	)
	return NewStripeClientWithBase(base, customers, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewStripeClientWithBase(
	base *BaseClient,
	customers CustomerLookup,
	cfg StripeClientConfig,
) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		customers: customers,
		logger:    logger,
	}
}

// stripeSubscription is the subset of the Stripe subscription object we
// decode. Period fields are Unix timestamps.
type stripeSubscription struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Customer         string `json:"customer"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionList struct {
	Data []stripeSubscription `json:"data"`
}

// stripeErrorResponse is the envelope Stripe wraps API errors in.
type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Entitlement resolves the current subscription entitlement for the user.
// A customer without any subscription is a free-tier entitlement; a user
// with no recorded Stripe customer is an error, never a free-tier answer.
func (s *StripeClient) Entitlement(ctx context.Context, userID string) (*types.Entitlement, error) {
	customerID, err := s.customers.StripeCustomerID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		// Unknown customer: refuse to answer rather than report free tier,
		// so a reconcile sweep cannot downgrade a paid user whose customer
		// mapping has not been recorded yet.
		return nil, types.NewAppError(types.ErrCodeUpstreamBilling,
			fmt.Sprintf("no Stripe customer recorded for user %s", userID), nil)
	}

	// List subscriptions for the customer. There should be at most one
	// relevant subscription; "all" status lets us see past_due and canceled
	// states instead of silently treating them as absent.
	queryParams := url.Values{}
	queryParams.Set("customer", customerID)
	queryParams.Set("status", "all")
	queryParams.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/subscriptions", queryParams)
	if err != nil {
		return nil, s.wrapStripeError("Entitlement", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "Entitlement")
	}

	var listResp stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}

	if len(listResp.Data) == 0 {
		return &types.Entitlement{Tier: types.TierFree}, nil
	}

	return mapStripeSubscription(&listResp.Data[0]), nil
}

// mapStripeSubscription converts a decoded Stripe subscription into a
// domain entitlement.
func mapStripeSubscription(sub *stripeSubscription) *types.Entitlement {
	ent := &types.Entitlement{
		Tier:               types.TierFree,
		SubscriptionActive: types.SubscriptionStatus(sub.Status).Entitles(),
		StripeCustomerID:   sub.Customer,
	}
	if len(sub.Items.Data) > 0 {
		ent.Tier = MapPriceIDToTier(sub.Items.Data[0].Price.ID)
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ent.BillingPeriodEnd = &end
	}
	return ent
}

// MapPriceIDToTier returns the domain tier for a Stripe Price ID.
// Unknown price IDs fall back to the free tier.
func MapPriceIDToTier(priceID string) types.Tier {
	if tier, ok := PriceToTier[priceID]; ok {
		return tier
	}
	return types.TierFree
}

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// handleErrorResponse decodes a non-200 Stripe response into an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var stripeErr stripeErrorResponse
	msg := fmt.Sprintf("Stripe %s failed with status %d", op, resp.StatusCode)
	if err := json.Unmarshal(body, &stripeErr); err == nil && stripeErr.Error.Message != "" {
		msg = fmt.Sprintf("Stripe %s failed: %s", op, stripeErr.Error.Message)
	}

	s.logger.Error("stripe API error",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.String("stripe_code", stripeErr.Error.Code),
	)

	return types.NewAppError(types.ErrCodeUpstreamBilling, msg, nil)
}

// wrapStripeError annotates transport-level failures with the operation name.
func (s *StripeClient) wrapStripeError(op string, err error) error {
	if types.IsCode(err, types.ErrCodeUpstreamRateLimited) ||
		types.IsCode(err, types.ErrCodeUpstreamBilling) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamBilling,
		fmt.Sprintf("Stripe %s request failed", op), err)
}
