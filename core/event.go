// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType defines the kind of interaction being tracked
type EventType string

const (
	EventClick    EventType = "click"
	EventVisit    EventType = "visit"
	EventSignup   EventType = "signup"
	EventPurchase EventType = "purchase"
	EventCustom   EventType = "custom"
)

// Valid reports whether the event type is one of the known kinds.
func (t EventType) Valid() bool {
	switch t {
	case EventClick, EventVisit, EventSignup, EventPurchase, EventCustom:
		return true
	}
	return false
}

// IsConversion reports whether events of this type can carry a payout.
func (t EventType) IsConversion() bool {
	switch t {
	case EventSignup, EventPurchase, EventCustom:
		return true
	}
	return false
}

// EventStatus is the lifecycle state of a tracking event. An event is
// created pending and transitions exactly once to a terminal status.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusValidated EventStatus = "validated"
	StatusRejected  EventStatus = "rejected"
	StatusFraud     EventStatus = "fraud"
)

// Terminal reports whether no further transitions are permitted.
func (s EventStatus) Terminal() bool {
	return s == StatusValidated || s == StatusRejected || s == StatusFraud
}

// GeoData is best-effort geographic context for an event.
type GeoData struct {
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	City     string `json:"city,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// EventContext is the point-in-time request context captured with an
// event. URL, UserAgent, IP and Timestamp are always present after
// sanitization; everything else is best-effort.
type EventContext struct {
	URL               string    `json:"url"`
	Referrer          string    `json:"referrer,omitempty"`
	Title             string    `json:"title,omitempty"`
	UTMSource         string    `json:"utm_source,omitempty"`
	UTMMedium         string    `json:"utm_medium,omitempty"`
	UTMCampaign       string    `json:"utm_campaign,omitempty"`
	UTMTerm           string    `json:"utm_term,omitempty"`
	UTMContent        string    `json:"utm_content,omitempty"`
	UserAgent         string    `json:"user_agent"`
	IP                string    `json:"ip"`
	Language          string    `json:"language,omitempty"`
	ScreenResolution  string    `json:"screen_resolution,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	Geo               *GeoData  `json:"geo,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// AttributionModel selects how touchpoint credit is distributed.
type AttributionModel string

const (
	ModelFirstClick AttributionModel = "first-click"
	ModelLastClick  AttributionModel = "last-click"
	ModelLinear     AttributionModel = "linear"
	ModelTimeDecay  AttributionModel = "time-decay"
)

// DefaultModel is used when neither the campaign nor the SDK declares one.
const DefaultModel = ModelLastClick

// Valid reports whether the model is one of the known models.
func (m AttributionModel) Valid() bool {
	switch m {
	case ModelFirstClick, ModelLastClick, ModelLinear, ModelTimeDecay:
		return true
	}
	return false
}

// Touchpoint is one affiliate-attributed interaction inside a
// conversion's attribution window.
type Touchpoint struct {
	ClickID     string    `json:"click_id"`
	AffiliateID string    `json:"affiliate_id"`
	CampaignID  string    `json:"campaign_id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"type"`
	Weight      float64   `json:"weight,omitempty"`
}

// AttributionData is attached to a conversion once resolved. Touchpoints
// are a snapshot taken at attribution time and are never recomputed.
type AttributionData struct {
	Model                 AttributionModel `json:"model"`
	Touchpoints           []Touchpoint     `json:"touchpoints"`
	AttributedAffiliateID string           `json:"attributed_affiliate_id"`
	AttributionWeight     float64          `json:"attribution_weight"`
	ConversionWindow      time.Duration    `json:"conversion_window"`
}

// TrackingEvent is an immutable record of one interaction. Created
// pending on ingestion; transitions exactly once to a terminal status
// and is never mutated thereafter except to attach the payout at
// validation time.
type TrackingEvent struct {
	ID              string           `json:"id"`
	Type            EventType        `json:"type"`
	Timestamp       time.Time        `json:"timestamp"`
	OrganizationID  string           `json:"organization_id"`
	CampaignID      string           `json:"campaign_id"`
	AffiliateID     string           `json:"affiliate_id"`
	SessionID       string           `json:"session_id"`
	ClickID         string           `json:"click_id,omitempty"`
	VisitorID       string           `json:"visitor_id,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	Email           string           `json:"email,omitempty"`
	Phone           string           `json:"phone,omitempty"`
	OrderID         string           `json:"order_id,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	CustomEventName string           `json:"custom_event_name,omitempty"`
	Metadata        Metadata         `json:"metadata,omitempty"`
	Context         EventContext     `json:"context"`
	Attribution     *AttributionData `json:"attribution,omitempty"`
	Status          EventStatus      `json:"status"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	Payout          *decimal.Decimal `json:"payout,omitempty"`
	PayoutCurrency  string           `json:"payout_currency,omitempty"`
}

// ClickData is a pending attribution window opened by a click event.
// At most one conversion may ever be recorded against a click, and
// ExpiresAt is a hard attribution boundary.
type ClickData struct {
	ID             string       `json:"id"`
	Timestamp      time.Time    `json:"timestamp"`
	AffiliateID    string       `json:"affiliate_id"`
	CampaignID     string       `json:"campaign_id"`
	OrganizationID string       `json:"organization_id"`
	SessionID      string       `json:"session_id"`
	VisitorID      string       `json:"visitor_id"`
	Context        EventContext `json:"context"`
	ExpiresAt      time.Time    `json:"expires_at"`
	Converted      bool         `json:"converted"`
	ConversionID   string       `json:"conversion_id,omitempty"`
	ConversionType EventType    `json:"conversion_type,omitempty"`
	ConversionTime time.Time    `json:"conversion_time,omitempty"`
}

// Expired reports whether the click window is closed at the given time.
func (c *ClickData) Expired(at time.Time) bool {
	return at.After(c.ExpiresAt)
}

// SessionData is a visitor-scoped aggregate, mutated on every event
// belonging to the visitor. AllClickIDs is append-only and chronological.
type SessionData struct {
	ID                string    `json:"id"`
	VisitorID         string    `json:"visitor_id"`
	StartTime         time.Time `json:"start_time"`
	LastActivityTime  time.Time `json:"last_activity_time"`
	PageViews         int       `json:"page_views"`
	EventIDs          []string  `json:"event_ids"`
	FirstClickID      string    `json:"first_click_id,omitempty"`
	LastClickID       string    `json:"last_click_id,omitempty"`
	AllClickIDs       []string  `json:"all_click_ids"`
	InitialReferrer   string    `json:"initial_referrer,omitempty"`
	InitialURL        string    `json:"initial_url,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	IP                string    `json:"ip,omitempty"`
}

// TimeOnSite is the elapsed time between the first and latest activity.
func (s *SessionData) TimeOnSite() time.Duration {
	return s.LastActivityTime.Sub(s.StartTime)
}
