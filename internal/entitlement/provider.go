// Package entitlement resolves what tier a user is entitled to and keeps
// quota records aligned with the billing system. The quota engine itself
// never talks to billing; it trusts the tier and billing period stamped on
// the record, and this package is what keeps those stamps fresh.
package entitlement

import (
	"context"

	"github.com/justice-rest/the-romy/internal/types"
)

// Provider resolves the current entitlement for a user from the billing
// system of record. Implemented by external.StripeClient in production and
// by StaticProvider in local development.
type Provider interface {
	Entitlement(ctx context.Context, userID string) (*types.Entitlement, error)
}

// StaticProvider serves fixed entitlements from an in-memory map, with a
// free-tier default for unknown users. Used in local mode and tests.
type StaticProvider struct {
	entitlements map[string]types.Entitlement
}

// NewStaticProvider creates a StaticProvider over a copy of the given map.
func NewStaticProvider(entitlements map[string]types.Entitlement) *StaticProvider {
	copied := make(map[string]types.Entitlement, len(entitlements))
	for k, v := range entitlements {
		copied[k] = v
	}
	return &StaticProvider{entitlements: copied}
}

// Compile-time interface assertion.
var _ Provider = (*StaticProvider)(nil)

// Entitlement returns the configured entitlement, or a free-tier one for
// users the map does not know.
func (p *StaticProvider) Entitlement(_ context.Context, userID string) (*types.Entitlement, error) {
	if ent, ok := p.entitlements[userID]; ok {
		e := ent
		return &e, nil
	}
	return &types.Entitlement{Tier: types.TierFree}, nil
}
