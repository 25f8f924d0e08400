// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fraud

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/growvia/tracking/core"
)

// History supplies the recent-event lookups the rule set needs. Lookups
// may hit external storage, so they carry a context and can fail; the
// engine maps failures to a deterministic rejection rather than
// guessing.
type History interface {
	// IPSeen reports whether the IP already produced a conversion for
	// the campaign since the given time (zero time means ever).
	IPSeen(ctx context.Context, campaignID, ip string, since time.Time) (bool, error)

	// FingerprintSeen reports whether the device fingerprint already
	// converted for the campaign.
	FingerprintSeen(ctx context.Context, campaignID, fingerprint string) (bool, error)

	// ContactSeen reports whether the email or phone already produced a
	// validated conversion for the campaign.
	ContactSeen(ctx context.Context, campaignID, email, phone string) (bool, error)

	// AffiliateStats returns the affiliate's click and conversion counts
	// within the trailing window ending at now.
	AffiliateStats(ctx context.Context, affiliateID string, window time.Duration, now time.Time) (clicks, conversions int, err error)
}

// conversionRecord is one remembered conversion for duplicate checks.
type conversionRecord struct {
	ip          string
	fingerprint string
	timestamp   time.Time
}

// MemoryHistory is an in-process History. It doubles as the stats
// aggregator behind the velocity and spike rules: the orchestrator
// feeds it every click and terminal conversion.
type MemoryHistory struct {
	mu          sync.RWMutex
	conversions map[string][]conversionRecord // campaign id -> conversions
	contacts    map[string]struct{}           // campaign|contact -> seen
	clickTimes  map[string][]time.Time        // affiliate id -> click times
	convTimes   map[string][]time.Time        // affiliate id -> conversion times
}

// NewMemoryHistory creates an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		conversions: make(map[string][]conversionRecord),
		contacts:    make(map[string]struct{}),
		clickTimes:  make(map[string][]time.Time),
		convTimes:   make(map[string][]time.Time),
	}
}

// RecordClick remembers a click for velocity accounting.
func (h *MemoryHistory) RecordClick(affiliateID string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clickTimes[affiliateID] = append(h.clickTimes[affiliateID], at)
}

// RecordConversion remembers a validated conversion for duplicate and
// velocity accounting.
func (h *MemoryHistory) RecordConversion(evt *core.TrackingEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conversions[evt.CampaignID] = append(h.conversions[evt.CampaignID], conversionRecord{
		ip:          evt.Context.IP,
		fingerprint: evt.Context.DeviceFingerprint,
		timestamp:   evt.Timestamp,
	})
	if evt.Email != "" {
		h.contacts[contactKey(evt.CampaignID, evt.Email)] = struct{}{}
	}
	if evt.Phone != "" {
		h.contacts[contactKey(evt.CampaignID, evt.Phone)] = struct{}{}
	}

	affiliate := evt.AffiliateID
	if evt.Attribution != nil && evt.Attribution.AttributedAffiliateID != "" {
		affiliate = evt.Attribution.AttributedAffiliateID
	}
	h.convTimes[affiliate] = append(h.convTimes[affiliate], evt.Timestamp)
}

func (h *MemoryHistory) IPSeen(ctx context.Context, campaignID, ip string, since time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, rec := range h.conversions[campaignID] {
		if rec.ip == ip && !rec.timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (h *MemoryHistory) FingerprintSeen(ctx context.Context, campaignID, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if fingerprint == "" {
		return false, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, rec := range h.conversions[campaignID] {
		if rec.fingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (h *MemoryHistory) ContactSeen(ctx context.Context, campaignID, email, phone string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if email != "" {
		if _, ok := h.contacts[contactKey(campaignID, email)]; ok {
			return true, nil
		}
	}
	if phone != "" {
		if _, ok := h.contacts[contactKey(campaignID, phone)]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (h *MemoryHistory) AffiliateStats(ctx context.Context, affiliateID string, window time.Duration, now time.Time) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	cutoff := now.Add(-window)
	clicks := countSince(h.clickTimes[affiliateID], cutoff)
	conversions := countSince(h.convTimes[affiliateID], cutoff)
	return clicks, conversions, nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

func contactKey(campaignID, contact string) string {
	return campaignID + "|" + strings.ToLower(strings.TrimSpace(contact))
}
