// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"context"
	"sync"

	"github.com/growvia/tracking/core"
)

// Resolver answers whether referenced entities exist and supplies the
// campaign's commission rule. Unresolvable entities are hard rejects,
// never silently dropped.
type Resolver interface {
	ResolveOrganization(ctx context.Context, orgID string) error
	ResolveCampaign(ctx context.Context, orgID, campaignID string) (*core.CommissionRule, error)
	ResolveAffiliate(ctx context.Context, affiliateID string) error
}

// StaticResolver is a map-backed Resolver for tests and single-tenant
// deployments.
type StaticResolver struct {
	mu         sync.RWMutex
	orgs       map[string]struct{}
	affiliates map[string]struct{}
	campaigns  map[string]*core.CommissionRule // org|campaign -> rule (nil = no commission rule)
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		orgs:       make(map[string]struct{}),
		affiliates: make(map[string]struct{}),
		campaigns:  make(map[string]*core.CommissionRule),
	}
}

// AddOrganization registers an organization.
func (r *StaticResolver) AddOrganization(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orgs[orgID] = struct{}{}
}

// AddAffiliate registers an affiliate.
func (r *StaticResolver) AddAffiliate(affiliateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.affiliates[affiliateID] = struct{}{}
}

// AddCampaign registers a campaign with an optional commission rule.
func (r *StaticResolver) AddCampaign(orgID, campaignID string, rule *core.CommissionRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[orgID+"|"+campaignID] = rule
}

func (r *StaticResolver) ResolveOrganization(ctx context.Context, orgID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.orgs[orgID]; !ok {
		return core.NewError(core.KindInvalidOrganization, "unknown organization %q", orgID)
	}
	return nil
}

func (r *StaticResolver) ResolveCampaign(ctx context.Context, orgID, campaignID string) (*core.CommissionRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.campaigns[orgID+"|"+campaignID]
	if !ok {
		return nil, core.NewError(core.KindInvalidCampaign, "unknown campaign %q", campaignID)
	}
	return rule, nil
}

func (r *StaticResolver) ResolveAffiliate(ctx context.Context, affiliateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.affiliates[affiliateID]; !ok {
		return core.NewError(core.KindInvalidAffiliate, "unknown affiliate %q", affiliateID)
	}
	return nil
}
