// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawContext is the partial, attacker-controlled context accepted at
// ingestion. The pipeline completes missing ip/user-agent/timestamp
// from the surrounding request before sanitization.
type RawContext struct {
	URL              string   `json:"url"`
	Referrer         string   `json:"referrer,omitempty"`
	Title            string   `json:"title,omitempty"`
	UTMSource        string   `json:"utm_source,omitempty"`
	UTMMedium        string   `json:"utm_medium,omitempty"`
	UTMCampaign      string   `json:"utm_campaign,omitempty"`
	UTMTerm          string   `json:"utm_term,omitempty"`
	UTMContent       string   `json:"utm_content,omitempty"`
	UserAgent        string   `json:"user_agent,omitempty"`
	IP               string   `json:"ip,omitempty"`
	Language         string   `json:"language,omitempty"`
	ScreenResolution string   `json:"screen_resolution,omitempty"`
	Fingerprint      string   `json:"device_fingerprint,omitempty"`
	Geo              *GeoData `json:"geo,omitempty"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
}

// TrackEventRequest is the ingestion input contract.
type TrackEventRequest struct {
	EventID         string           `json:"event_id,omitempty"` // client-supplied for idempotent replay
	Type            EventType        `json:"type"`
	OrganizationID  string           `json:"organization_id"`
	CampaignID      string           `json:"campaign_id"`
	AffiliateID     string           `json:"affiliate_id"`
	UserID          string           `json:"user_id,omitempty"`
	Email           string           `json:"email,omitempty"`
	Phone           string           `json:"phone,omitempty"`
	Metadata        Metadata         `json:"metadata,omitempty"`
	OrderID         string           `json:"order_id,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	CustomEventName string           `json:"custom_event_name,omitempty"`
	Context         RawContext       `json:"context"`
	SessionID       string           `json:"session_id,omitempty"`
	ClickID         string           `json:"click_id,omitempty"`
	VisitorID       string           `json:"visitor_id,omitempty"`
	SDK             *SDKConfig       `json:"sdk,omitempty"` // client-declared defaults, honored server-side
}

// Validate returns a typed error listing every violated structural
// constraint, or nil.
func (r *TrackEventRequest) Validate() error {
	var violations []string
	if !r.Type.Valid() {
		violations = append(violations, "type must be one of click, visit, signup, purchase, custom")
	}
	if r.OrganizationID == "" {
		violations = append(violations, "organization_id is required")
	}
	if r.CampaignID == "" {
		violations = append(violations, "campaign_id is required")
	}
	if r.AffiliateID == "" {
		violations = append(violations, "affiliate_id is required")
	}
	if r.Type == EventCustom && r.CustomEventName == "" {
		violations = append(violations, "custom_event_name is required for custom events")
	}
	if r.Amount != nil && r.Amount.IsNegative() {
		violations = append(violations, "amount must not be negative")
	}
	if r.SDK != nil {
		if err := r.SDK.Validate(); err != nil {
			if e, ok := err.(*Error); ok {
				violations = append(violations, e.Violations...)
			}
		}
	}
	if len(violations) > 0 {
		return &Error{
			Kind:       KindInvalidEvent,
			Message:    "invalid track request",
			Violations: violations,
		}
	}
	return nil
}

// TrackEventResponse is the ingestion output contract. Business-rule
// rejections surface here with Success=false, never as transport errors.
type TrackEventResponse struct {
	Success               bool     `json:"success"`
	EventID               string   `json:"event_id"`
	Message               string   `json:"message,omitempty"`
	Attributed            bool     `json:"attributed"`
	AttributedAffiliateID string   `json:"attributed_affiliate_id,omitempty"`
	Validated             bool     `json:"validated"`
	FraudFlags            []string `json:"fraud_flags,omitempty"`
}

// ValidateConversionRequest transitions a pending-review conversion.
type ValidateConversionRequest struct {
	EventID         string `json:"event_id"`
	OrganizationID  string `json:"organization_id"`
	Approved        bool   `json:"approved"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// Validate returns a typed error listing every violated constraint.
func (r *ValidateConversionRequest) Validate() error {
	var violations []string
	if r.EventID == "" {
		violations = append(violations, "event_id is required")
	}
	if r.OrganizationID == "" {
		violations = append(violations, "organization_id is required")
	}
	if len(violations) > 0 {
		return &Error{
			Kind:       KindInvalidEvent,
			Message:    "invalid validate request",
			Violations: violations,
		}
	}
	return nil
}

// ValidateConversionResponse reports the review outcome.
type ValidateConversionResponse struct {
	Success bool             `json:"success"`
	EventID string           `json:"event_id"`
	Status  EventStatus      `json:"status"`
	Payout  *decimal.Decimal `json:"payout,omitempty"`
	Message string           `json:"message,omitempty"`
}
