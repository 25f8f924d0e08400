// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sanitize

import (
	"net"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/crypto"
	"github.com/growvia/tracking/pkg/log"
)

// Field length caps applied to optional pass-through fields.
const (
	MaxURLLen   = 2048
	MaxFieldLen = 512
)

// Config controls sanitizer behavior.
type Config struct {
	// AnonymizeIP masks IPs before storage: last octet for IPv4, last
	// 80 bits for IPv6. Deterministic and one-way.
	AnonymizeIP bool

	// MetadataCap bounds serialized metadata size in bytes.
	// Defaults to core.DefaultMetadataCap.
	MetadataCap int
}

// Sanitizer normalizes and validates inbound event context.
type Sanitizer struct {
	cfg Config
	log log.Logger
}

// New creates a sanitizer.
func New(cfg Config, logger log.Logger) *Sanitizer {
	return &Sanitizer{cfg: cfg, log: logger}
}

// Sanitize validates raw attacker-controlled context and returns a
// completed EventContext. URL, user agent and IP are mandatory.
func (s *Sanitizer) Sanitize(raw core.RawContext) (core.EventContext, error) {
	var violations []string

	pageURL := strings.TrimSpace(raw.URL)
	if pageURL == "" {
		violations = append(violations, "url is required")
	} else if len(pageURL) > MaxURLLen {
		violations = append(violations, "url exceeds maximum length")
	} else if u, err := url.Parse(pageURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		violations = append(violations, "url must be an absolute http(s) url")
	}

	ua := strings.TrimSpace(raw.UserAgent)
	if ua == "" {
		violations = append(violations, "user agent is required")
	}

	ip := strings.TrimSpace(raw.IP)
	if ip == "" {
		violations = append(violations, "ip is required")
	} else if net.ParseIP(ip) == nil {
		violations = append(violations, "ip is not a valid address")
	}

	if len(violations) > 0 {
		return core.EventContext{}, &core.Error{
			Kind:       core.KindInvalidEvent,
			Message:    "invalid event context",
			Violations: violations,
		}
	}

	ctx := core.EventContext{
		URL:              pageURL,
		Referrer:         truncate(raw.Referrer, MaxURLLen),
		Title:            truncate(raw.Title, MaxFieldLen),
		UTMSource:        truncate(raw.UTMSource, MaxFieldLen),
		UTMMedium:        truncate(raw.UTMMedium, MaxFieldLen),
		UTMCampaign:      truncate(raw.UTMCampaign, MaxFieldLen),
		UTMTerm:          truncate(raw.UTMTerm, MaxFieldLen),
		UTMContent:       truncate(raw.UTMContent, MaxFieldLen),
		UserAgent:        truncate(ua, MaxFieldLen),
		Language:         truncate(raw.Language, 64),
		ScreenResolution: truncate(raw.ScreenResolution, 32),
		Timestamp:        raw.Timestamp,
	}

	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now().UTC()
	}

	if raw.Geo != nil {
		ctx.Geo = &core.GeoData{
			Country:  strings.ToUpper(truncate(raw.Geo.Country, 2)),
			Region:   truncate(raw.Geo.Region, MaxFieldLen),
			City:     truncate(raw.Geo.City, MaxFieldLen),
			Timezone: truncate(raw.Geo.Timezone, 64),
		}
	}

	// Fingerprint derivation uses the raw IP so two visitors behind
	// different addresses in the same /24 stay distinguishable.
	ctx.DeviceFingerprint = truncate(raw.Fingerprint, 128)
	if ctx.DeviceFingerprint == "" {
		ctx.DeviceFingerprint = crypto.DeriveFingerprint(ua, raw.ScreenResolution, raw.Language, ip)
	}

	if s.cfg.AnonymizeIP {
		ctx.IP = AnonymizeIP(ip)
	} else {
		ctx.IP = ip
	}

	return ctx, nil
}

// SanitizeMetadata enforces the metadata type and size bounds.
// Oversized blobs are rejected, not truncated.
func (s *Sanitizer) SanitizeMetadata(md core.Metadata) error {
	return md.Validate(s.cfg.MetadataCap)
}

// AnonymizeIP deterministically masks an address: the last octet of an
// IPv4 address or the last 80 bits of an IPv6 address are zeroed.
// There is no path back to the original address.
func AnonymizeIP(raw string) string {
	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		masked := make(net.IP, len(v4))
		copy(masked, v4)
		masked[3] = 0
		return masked.String()
	}
	v6 := ip.To16()
	masked := make(net.IP, len(v6))
	copy(masked, v6)
	for i := 6; i < 16; i++ {
		masked[i] = 0
	}
	return masked.String()
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary so a multi-byte character is never split.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
