// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/log"
)

var convTime = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func conversion(typ core.EventType) *core.TrackingEvent {
	return &core.TrackingEvent{
		ID:         "evt_conv",
		Type:       typ,
		Timestamp:  convTime,
		CampaignID: "camp_1",
		AffiliateID: "aff_1",
		Context: core.EventContext{
			IP:                "203.0.113.7",
			DeviceFingerprint: "fp_abc",
			Geo:               &core.GeoData{Country: "US"},
		},
	}
}

func attributionAt(clickAge time.Duration) *core.AttributionData {
	at := convTime.Add(-clickAge)
	return &core.AttributionData{
		Model: core.ModelLastClick,
		Touchpoints: []core.Touchpoint{{
			ClickID:     "clk_1",
			AffiliateID: "aff_1",
			Timestamp:   at,
			Weight:      1.0,
		}},
		AttributedAffiliateID: "aff_1",
		ConversionWindow:      7 * 24 * time.Hour,
	}
}

func newEngine(h History) *Engine {
	return NewEngine(h, log.NoOp())
}

func TestCleanConversionAccepted(t *testing.T) {
	require := require.New(t)
	e := newEngine(NewMemoryHistory())

	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, core.FraudDetectionConfig{})
	require.NoError(err)
	require.True(verdict.Accepted)
	require.Empty(verdict.Flags)
}

func TestConversionDelayTooFast(t *testing.T) {
	require := require.New(t)
	e := newEngine(NewMemoryHistory())

	cfg := core.FraudDetectionConfig{ConversionDelay: 10 * time.Minute}

	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Minute), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagTooFast)

	verdict, err = e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.True(verdict.Accepted)
}

func TestDuplicateIP(t *testing.T) {
	require := require.New(t)
	history := NewMemoryHistory()
	e := newEngine(history)

	prior := conversion(core.EventPurchase)
	prior.Timestamp = convTime.Add(-48 * time.Hour)
	history.RecordConversion(prior)

	cfg := core.FraudDetectionConfig{IPRestriction: core.IPRestrictionUniquePerConv}
	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagDuplicateIP)

	// Per-day restriction only looks back 24h.
	cfg.IPRestriction = core.IPRestrictionUniquePerDay
	verdict, err = e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.True(verdict.Accepted)
}

func TestDuplicateFingerprint(t *testing.T) {
	require := require.New(t)
	history := NewMemoryHistory()
	e := newEngine(history)

	history.RecordConversion(conversion(core.EventPurchase))

	cfg := core.FraudDetectionConfig{DeviceFingerprintChecks: true}
	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagDuplicateFingerprint)
}

func TestDuplicateContact(t *testing.T) {
	require := require.New(t)
	history := NewMemoryHistory()
	e := newEngine(history)

	prior := conversion(core.EventSignup)
	prior.Email = "User@Example.com"
	history.RecordConversion(prior)

	evt := conversion(core.EventSignup)
	evt.Email = "user@example.com" // case-insensitive match

	cfg := core.FraudDetectionConfig{DuplicateEmailPhoneBlock: true}
	verdict, err := e.Evaluate(context.Background(), evt, attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagDuplicateContact)
}

func TestGeoRules(t *testing.T) {
	require := require.New(t)
	e := newEngine(NewMemoryHistory())

	// Not in targeting list.
	cfg := core.FraudDetectionConfig{GeoTargeting: []string{"DE", "FR"}}
	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagGeoNotTargeted)

	// Blacklist wins over targeting.
	cfg = core.FraudDetectionConfig{
		GeoTargeting: []string{"US"},
		GeoBlacklist: []string{"US"},
	}
	verdict, err = e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagGeoBlacklisted)
	require.NotContains(verdict.Flags, FlagGeoNotTargeted)
}

func TestOrderValueBounds(t *testing.T) {
	require := require.New(t)
	e := newEngine(NewMemoryHistory())

	min := decimal.NewFromInt(10)
	max := decimal.NewFromInt(1000)
	cfg := core.FraudDetectionConfig{MinimumOrderValue: &min, MaximumOrderValue: &max}

	low := conversion(core.EventPurchase)
	amount := decimal.NewFromInt(5)
	low.Amount = &amount
	verdict, err := e.Evaluate(context.Background(), low, attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagOrderBelowMinimum)

	high := conversion(core.EventPurchase)
	big := decimal.NewFromInt(5000)
	high.Amount = &big
	verdict, err = e.Evaluate(context.Background(), high, attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagOrderAboveMaximum)

	// Order bounds apply to purchases only.
	signup := conversion(core.EventSignup)
	signup.Amount = &amount
	verdict, err = e.Evaluate(context.Background(), signup, attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.True(verdict.Accepted)
}

func TestSessionThresholds(t *testing.T) {
	require := require.New(t)
	e := newEngine(NewMemoryHistory())

	cfg := core.FraudDetectionConfig{
		MinimumTimeOnSite: 5 * time.Minute,
		MinimumPageViews:  3,
	}
	sess := &core.SessionData{
		StartTime:        convTime.Add(-time.Minute),
		LastActivityTime: convTime,
		PageViews:        1,
	}

	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), sess, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagTimeOnSite)
	require.Contains(verdict.Flags, FlagPageViews)

	engaged := &core.SessionData{
		StartTime:        convTime.Add(-time.Hour),
		LastActivityTime: convTime,
		PageViews:        8,
	}
	verdict, err = e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), engaged, cfg)
	require.NoError(err)
	require.True(verdict.Accepted)
}

func TestVelocityIsInformational(t *testing.T) {
	require := require.New(t)
	history := NewMemoryHistory()
	e := newEngine(history)

	// Two clicks, two conversions inside the window: 100% conversion rate.
	history.RecordClick("aff_1", convTime.Add(-time.Hour))
	history.RecordClick("aff_1", convTime.Add(-time.Hour))
	for i := 0; i < 2; i++ {
		history.RecordConversion(conversion(core.EventPurchase))
	}

	cfg := core.FraudDetectionConfig{
		VelocityThreshold:    0.5,
		ConversionSpikeAlert: true,
	}
	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.True(verdict.Accepted, "velocity flags for review, never auto-rejects")
	require.Contains(verdict.Flags, FlagVelocity)
}

func TestAffiliateBlacklistShortCircuits(t *testing.T) {
	require := require.New(t)
	e := newEngine(NewMemoryHistory())

	cfg := core.FraudDetectionConfig{
		AffiliateBlacklist: []string{"aff_1"},
		GeoTargeting:       []string{"DE"}, // would also fail, but never evaluated
	}
	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Equal([]string{FlagAffiliateBlacklisted}, verdict.Flags)
}

func TestMultipleFlagsCollected(t *testing.T) {
	require := require.New(t)
	e := newEngine(NewMemoryHistory())

	cfg := core.FraudDetectionConfig{
		ConversionDelay: time.Hour,
		GeoTargeting:    []string{"DE"},
	}
	verdict, err := e.Evaluate(context.Background(), conversion(core.EventPurchase), attributionAt(time.Minute), nil, cfg)
	require.NoError(err)
	require.False(verdict.Accepted)
	require.Contains(verdict.Flags, FlagTooFast)
	require.Contains(verdict.Flags, FlagGeoNotTargeted)
}

func TestHistoryFailurePropagates(t *testing.T) {
	require := require.New(t)
	e := newEngine(NewMemoryHistory())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := core.FraudDetectionConfig{IPRestriction: core.IPRestrictionUniquePerConv}
	_, err := e.Evaluate(ctx, conversion(core.EventPurchase), attributionAt(time.Hour), nil, cfg)
	require.Error(err)
}

func TestMemoryHistoryAffiliateStats(t *testing.T) {
	require := require.New(t)
	history := NewMemoryHistory()

	history.RecordClick("aff_1", convTime.Add(-2*time.Hour))
	history.RecordClick("aff_1", convTime.Add(-30*time.Hour)) // outside window

	clicks, conversions, err := history.AffiliateStats(context.Background(), "aff_1", 24*time.Hour, convTime)
	require.NoError(err)
	require.Equal(1, clicks)
	require.Equal(0, conversions)
}
