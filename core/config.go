// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults applied when campaign or SDK configuration is silent.
const (
	// DefaultConversionWindow is the attribution window for clicks.
	DefaultConversionWindow = 7 * 24 * time.Hour

	// DefaultHalfLife is the time-decay half-life: a touchpoint seven
	// days before the conversion carries half the weight of one at the
	// conversion instant.
	DefaultHalfLife = 7 * 24 * time.Hour
)

// ValidationMethod gates how a conversion reaches a terminal status.
type ValidationMethod string

const (
	ValidationAuto    ValidationMethod = "auto"
	ValidationManual  ValidationMethod = "manual"
	ValidationWebhook ValidationMethod = "webhook"
)

// Valid reports whether the method is known.
func (v ValidationMethod) Valid() bool {
	switch v {
	case ValidationAuto, ValidationManual, ValidationWebhook:
		return true
	}
	return false
}

// IPRestriction controls duplicate-IP handling within a campaign.
type IPRestriction string

const (
	IPRestrictionNone              IPRestriction = "none"
	IPRestrictionUniquePerConv     IPRestriction = "unique-per-conversion"
	IPRestrictionUniquePerDay      IPRestriction = "unique-per-day"
)

// PayoutConfig describes how a commission is computed for a conversion.
type PayoutConfig struct {
	Amount       decimal.Decimal  `json:"amount"`
	IsPercentage bool             `json:"is_percentage"`
	Currency     string           `json:"currency"`
	BaseField    string           `json:"base_field,omitempty"`
	MinPayout    *decimal.Decimal `json:"min_payout,omitempty"`
	MaxPayout    *decimal.Decimal `json:"max_payout,omitempty"`
}

// Validate collects every violated constraint.
func (p PayoutConfig) Validate() []string {
	var violations []string
	if p.Amount.IsNegative() {
		violations = append(violations, "payout amount must not be negative")
	}
	if p.IsPercentage && p.Amount.GreaterThan(decimal.NewFromInt(100)) {
		violations = append(violations, "percentage payout must not exceed 100")
	}
	if p.Currency == "" {
		violations = append(violations, "payout currency is required")
	}
	if p.MinPayout != nil && p.MaxPayout != nil && p.MinPayout.GreaterThan(*p.MaxPayout) {
		violations = append(violations, "min payout exceeds max payout")
	}
	return violations
}

// FraudDetectionConfig holds the rule set evaluated against each
// conversion. Zero values disable individual rules.
type FraudDetectionConfig struct {
	ConversionDelay          time.Duration    `json:"conversion_delay,omitempty"`
	IPRestriction            IPRestriction    `json:"ip_restriction,omitempty"`
	DeviceFingerprintChecks  bool             `json:"device_fingerprint_checks,omitempty"`
	DuplicateEmailPhoneBlock bool             `json:"duplicate_email_phone_block,omitempty"`
	GeoTargeting             []string         `json:"geo_targeting,omitempty"`
	GeoBlacklist             []string         `json:"geo_blacklist,omitempty"`
	MinimumOrderValue        *decimal.Decimal `json:"minimum_order_value,omitempty"`
	MaximumOrderValue        *decimal.Decimal `json:"maximum_order_value,omitempty"`
	MinimumTimeOnSite        time.Duration    `json:"minimum_time_on_site,omitempty"`
	MinimumPageViews         int              `json:"minimum_page_views,omitempty"`
	VelocityThreshold        float64          `json:"velocity_threshold,omitempty"`
	VelocityWindow           time.Duration    `json:"velocity_window,omitempty"`
	ConversionSpikeAlert     bool             `json:"conversion_spike_alert,omitempty"`
	AffiliateBlacklist       []string         `json:"affiliate_blacklist,omitempty"`
}

// Validate collects every violated constraint.
func (f FraudDetectionConfig) Validate() []string {
	var violations []string
	switch f.IPRestriction {
	case "", IPRestrictionNone, IPRestrictionUniquePerConv, IPRestrictionUniquePerDay:
	default:
		violations = append(violations, fmt.Sprintf("unknown ip restriction %q", f.IPRestriction))
	}
	if f.ConversionDelay < 0 {
		violations = append(violations, "conversion delay must not be negative")
	}
	if f.MinimumOrderValue != nil && f.MaximumOrderValue != nil &&
		f.MinimumOrderValue.GreaterThan(*f.MaximumOrderValue) {
		violations = append(violations, "minimum order value exceeds maximum")
	}
	if f.VelocityThreshold < 0 || f.VelocityThreshold > 1 {
		violations = append(violations, "velocity threshold must be within [0,1]")
	}
	if f.MinimumPageViews < 0 {
		violations = append(violations, "minimum page views must not be negative")
	}
	return violations
}

// CommissionRule is the per-campaign configuration consumed read-only
// by the pipeline.
type CommissionRule struct {
	EventType        EventType            `json:"event_type"`
	Payout           PayoutConfig         `json:"payout"`
	ValidationMethod ValidationMethod     `json:"validation_method"`
	Fraud            FraudDetectionConfig `json:"fraud"`
	AttributionModel AttributionModel     `json:"attribution_model,omitempty"`
	ConversionWindow time.Duration        `json:"conversion_window,omitempty"`
	HalfLife         time.Duration        `json:"half_life,omitempty"`
}

// Validate returns a KindValidationFailed error listing every violated
// constraint, or nil.
func (r CommissionRule) Validate() error {
	var violations []string
	if !r.EventType.Valid() || !r.EventType.IsConversion() {
		violations = append(violations, fmt.Sprintf("event type %q cannot trigger a commission", r.EventType))
	}
	if !r.ValidationMethod.Valid() {
		violations = append(violations, fmt.Sprintf("unknown validation method %q", r.ValidationMethod))
	}
	if r.AttributionModel != "" && !r.AttributionModel.Valid() {
		violations = append(violations, fmt.Sprintf("unknown attribution model %q", r.AttributionModel))
	}
	if r.ConversionWindow < 0 {
		violations = append(violations, "conversion window must not be negative")
	}
	if r.HalfLife < 0 {
		violations = append(violations, "half life must not be negative")
	}
	violations = append(violations, r.Payout.Validate()...)
	violations = append(violations, r.Fraud.Validate()...)

	if len(violations) > 0 {
		return &Error{
			Kind:       KindValidationFailed,
			Message:    "invalid commission rule",
			Violations: violations,
		}
	}
	return nil
}

// Window returns the effective conversion window.
func (r CommissionRule) Window() time.Duration {
	if r.ConversionWindow > 0 {
		return r.ConversionWindow
	}
	return DefaultConversionWindow
}

// Model returns the effective attribution model.
func (r CommissionRule) Model() AttributionModel {
	if r.AttributionModel != "" {
		return r.AttributionModel
	}
	return DefaultModel
}

// Decay returns the effective time-decay half-life.
func (r CommissionRule) Decay() time.Duration {
	if r.HalfLife > 0 {
		return r.HalfLife
	}
	return DefaultHalfLife
}

// SDKConfig carries client-side defaults the server must honor when an
// event declares them.
type SDKConfig struct {
	ConversionWindow time.Duration    `json:"conversion_window,omitempty"`
	AttributionModel AttributionModel `json:"attribution_model,omitempty"`
	BatchSize        int              `json:"batch_size,omitempty"`
	FlushInterval    time.Duration    `json:"flush_interval,omitempty"`
}

// Validate returns a KindValidationFailed error listing every violated
// constraint, or nil.
func (c SDKConfig) Validate() error {
	var violations []string
	if c.ConversionWindow < 0 {
		violations = append(violations, "conversion window must not be negative")
	}
	if c.AttributionModel != "" && !c.AttributionModel.Valid() {
		violations = append(violations, fmt.Sprintf("unknown attribution model %q", c.AttributionModel))
	}
	if c.BatchSize < 0 {
		violations = append(violations, "batch size must not be negative")
	}
	if c.FlushInterval < 0 {
		violations = append(violations, "flush interval must not be negative")
	}
	if len(violations) > 0 {
		return &Error{
			Kind:       KindValidationFailed,
			Message:    "invalid sdk config",
			Violations: violations,
		}
	}
	return nil
}
