// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTrackEventRequestValidate(t *testing.T) {
	require := require.New(t)

	req := &TrackEventRequest{
		Type:           EventPurchase,
		OrganizationID: "org_1",
		CampaignID:     "camp_1",
		AffiliateID:    "aff_1",
	}
	require.NoError(req.Validate())

	// All violations collected at once.
	neg := decimal.NewFromInt(-5)
	bad := &TrackEventRequest{
		Type:   EventCustom,
		Amount: &neg,
	}
	err := bad.Validate()
	require.Error(err)
	require.Equal(KindInvalidEvent, KindOf(err))

	typed := err.(*Error)
	require.Len(typed.Violations, 5)
}

func TestCommissionRuleValidate(t *testing.T) {
	require := require.New(t)

	rule := CommissionRule{
		EventType:        EventPurchase,
		ValidationMethod: ValidationAuto,
		Payout: PayoutConfig{
			Amount:       decimal.NewFromInt(10),
			IsPercentage: true,
			Currency:     "USD",
		},
	}
	require.NoError(rule.Validate())

	// Clicks never pay out directly.
	rule.EventType = EventClick
	err := rule.Validate()
	require.Error(err)
	require.Equal(KindValidationFailed, KindOf(err))

	over := CommissionRule{
		EventType:        EventPurchase,
		ValidationMethod: ValidationAuto,
		Payout: PayoutConfig{
			Amount:       decimal.NewFromInt(150),
			IsPercentage: true,
			Currency:     "USD",
		},
	}
	err = over.Validate()
	require.Error(err)
	require.Contains(err.Error(), "percentage payout must not exceed 100")
}

func TestCommissionRuleDefaults(t *testing.T) {
	require := require.New(t)

	var rule CommissionRule
	require.Equal(DefaultConversionWindow, rule.Window())
	require.Equal(DefaultModel, rule.Model())
	require.Equal(DefaultHalfLife, rule.Decay())

	rule.ConversionWindow = time.Hour
	rule.AttributionModel = ModelLinear
	rule.HalfLife = 2 * time.Hour
	require.Equal(time.Hour, rule.Window())
	require.Equal(ModelLinear, rule.Model())
	require.Equal(2*time.Hour, rule.Decay())
}

func TestMetadataValidate(t *testing.T) {
	require := require.New(t)

	ok := Metadata{
		"plan":     "pro",
		"seats":    3,
		"annual":   true,
		"discount": 0.2,
	}
	require.NoError(ok.Validate(0))

	nested := Metadata{
		"nested": map[string]interface{}{"a": 1},
		"list":   []string{"x"},
	}
	err := nested.Validate(0)
	require.Error(err)
	require.Equal(KindInvalidEvent, KindOf(err))
	require.Len(err.(*Error).Violations, 2)

	// Oversized metadata is rejected, never truncated.
	big := Metadata{"blob": strings.Repeat("x", DefaultMetadataCap)}
	err = big.Validate(0)
	require.Error(err)
	require.Contains(err.Error(), "exceeds cap")

	require.NoError(Metadata{"k": "v"}.Validate(64))
}

func TestEventStatusTerminal(t *testing.T) {
	require := require.New(t)

	require.False(StatusPending.Terminal())
	require.True(StatusValidated.Terminal())
	require.True(StatusRejected.Terminal())
	require.True(StatusFraud.Terminal())
}

func TestClickDataExpired(t *testing.T) {
	require := require.New(t)

	now := time.Now()
	click := &ClickData{ExpiresAt: now.Add(time.Hour)}
	require.False(click.Expired(now))
	require.False(click.Expired(now.Add(time.Hour)), "boundary instant is still inside the window")
	require.True(click.Expired(now.Add(time.Hour + time.Nanosecond)))
}
