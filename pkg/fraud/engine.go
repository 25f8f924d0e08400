// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fraud

import (
	"context"
	"time"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/log"
)

// Rule flag names appended to the verdict when a rule fails.
const (
	FlagTooFast              = "too-fast"
	FlagExpiredClick         = "EXPIRED_CLICK"
	FlagDuplicateIP          = "duplicate-ip"
	FlagDuplicateFingerprint = "duplicate-fingerprint"
	FlagDuplicateContact     = "duplicate-email-phone"
	FlagGeoBlacklisted       = "geo-blacklisted"
	FlagGeoNotTargeted       = "geo-not-targeted"
	FlagOrderBelowMinimum    = "order-value-below-minimum"
	FlagOrderAboveMaximum    = "order-value-above-maximum"
	FlagTimeOnSite           = "below-minimum-time-on-site"
	FlagPageViews            = "below-minimum-page-views"
	FlagVelocity             = "velocity-exceeded"
	FlagAffiliateBlacklisted = "affiliate-blacklisted"
)

// Verdict is the outcome of rule evaluation. Suspicion is expressed as
// flags, never exceptions; only structurally invalid input or a failed
// history lookup is an error.
type Verdict struct {
	Accepted bool     `json:"accepted"`
	Flags    []string `json:"flags"`
}

// Engine evaluates the configured fraud rules against a conversion.
type Engine struct {
	history History
	log     log.Logger
}

// NewEngine creates a fraud engine backed by the given history.
func NewEngine(history History, logger log.Logger) *Engine {
	return &Engine{history: history, log: logger}
}

// Evaluate runs every enabled rule. A failing rule appends its flag
// and, unless informational (velocity/spike), forces rejection. The
// returned error is reserved for history-lookup failures (timeouts);
// callers map it to a VALIDATION_FAILED rejection.
func (e *Engine) Evaluate(
	ctx context.Context,
	evt *core.TrackingEvent,
	attr *core.AttributionData,
	sess *core.SessionData,
	cfg core.FraudDetectionConfig,
) (Verdict, error) {
	var flags []string
	rejected := false

	reject := func(flag string) {
		flags = append(flags, flag)
		rejected = true
	}

	// Blacklist overrides everything else.
	affiliate := evt.AffiliateID
	if attr != nil && attr.AttributedAffiliateID != "" {
		affiliate = attr.AttributedAffiliateID
	}
	if contains(cfg.AffiliateBlacklist, affiliate) || contains(cfg.AffiliateBlacklist, evt.AffiliateID) {
		reject(FlagAffiliateBlacklisted)
		return Verdict{Accepted: false, Flags: flags}, nil
	}

	if attr != nil && len(attr.Touchpoints) > 0 {
		primary := primaryTouchpoint(attr)

		if cfg.ConversionDelay > 0 && evt.Timestamp.Sub(primary.Timestamp) < cfg.ConversionDelay {
			reject(FlagTooFast)
		}

		if attr.ConversionWindow > 0 {
			earliest := attr.Touchpoints[0].Timestamp
			for _, tp := range attr.Touchpoints[1:] {
				if tp.Timestamp.Before(earliest) {
					earliest = tp.Timestamp
				}
			}
			if evt.Timestamp.Sub(earliest) > attr.ConversionWindow {
				reject(FlagExpiredClick)
			}
		}
	}

	switch cfg.IPRestriction {
	case core.IPRestrictionUniquePerConv:
		seen, err := e.history.IPSeen(ctx, evt.CampaignID, evt.Context.IP, time.Time{})
		if err != nil {
			return Verdict{}, err
		}
		if seen {
			reject(FlagDuplicateIP)
		}
	case core.IPRestrictionUniquePerDay:
		seen, err := e.history.IPSeen(ctx, evt.CampaignID, evt.Context.IP, evt.Timestamp.Add(-24*time.Hour))
		if err != nil {
			return Verdict{}, err
		}
		if seen {
			reject(FlagDuplicateIP)
		}
	}

	if cfg.DeviceFingerprintChecks {
		seen, err := e.history.FingerprintSeen(ctx, evt.CampaignID, evt.Context.DeviceFingerprint)
		if err != nil {
			return Verdict{}, err
		}
		if seen {
			reject(FlagDuplicateFingerprint)
		}
	}

	if cfg.DuplicateEmailPhoneBlock && (evt.Email != "" || evt.Phone != "") {
		seen, err := e.history.ContactSeen(ctx, evt.CampaignID, evt.Email, evt.Phone)
		if err != nil {
			return Verdict{}, err
		}
		if seen {
			reject(FlagDuplicateContact)
		}
	}

	// Blacklist takes precedence over targeting.
	if country := geoCountry(evt); len(cfg.GeoBlacklist) > 0 && contains(cfg.GeoBlacklist, country) {
		reject(FlagGeoBlacklisted)
	} else if len(cfg.GeoTargeting) > 0 && !contains(cfg.GeoTargeting, country) {
		reject(FlagGeoNotTargeted)
	}

	if evt.Type == core.EventPurchase && evt.Amount != nil {
		if cfg.MinimumOrderValue != nil && evt.Amount.LessThan(*cfg.MinimumOrderValue) {
			reject(FlagOrderBelowMinimum)
		}
		if cfg.MaximumOrderValue != nil && evt.Amount.GreaterThan(*cfg.MaximumOrderValue) {
			reject(FlagOrderAboveMaximum)
		}
	}

	if sess != nil {
		if cfg.MinimumTimeOnSite > 0 && sess.TimeOnSite() < cfg.MinimumTimeOnSite {
			reject(FlagTimeOnSite)
		}
		if cfg.MinimumPageViews > 0 && sess.PageViews < cfg.MinimumPageViews {
			reject(FlagPageViews)
		}
	}

	// Velocity is informational: flagged for manual review, never an
	// automatic rejection.
	if cfg.VelocityThreshold > 0 && cfg.ConversionSpikeAlert {
		window := cfg.VelocityWindow
		if window <= 0 {
			window = 24 * time.Hour
		}
		clicks, conversions, err := e.history.AffiliateStats(ctx, affiliate, window, evt.Timestamp)
		if err != nil {
			return Verdict{}, err
		}
		if clicks > 0 && float64(conversions)/float64(clicks) > cfg.VelocityThreshold {
			flags = append(flags, FlagVelocity)
		}
	}

	if len(flags) > 0 {
		e.log.Debug("fraud rules flagged conversion",
			log.String("event", evt.ID),
			log.Int("flags", len(flags)))
	}

	return Verdict{Accepted: !rejected, Flags: flags}, nil
}

func primaryTouchpoint(attr *core.AttributionData) core.Touchpoint {
	idx := 0
	for i := 1; i < len(attr.Touchpoints); i++ {
		if attr.Touchpoints[i].Weight > attr.Touchpoints[idx].Weight {
			idx = i
		}
	}
	return attr.Touchpoints[idx]
}

func geoCountry(evt *core.TrackingEvent) string {
	if evt.Context.Geo == nil {
		return ""
	}
	return evt.Context.Geo.Country
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
