// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package attribution

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/log"
)

var convTime = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func conversion() *core.TrackingEvent {
	return &core.TrackingEvent{
		ID:        "evt_conv",
		Type:      core.EventPurchase,
		Timestamp: convTime,
	}
}

func click(id, affiliate string, age time.Duration) *core.ClickData {
	at := convTime.Add(-age)
	return &core.ClickData{
		ID:          id,
		AffiliateID: affiliate,
		CampaignID:  "camp_1",
		Timestamp:   at,
		ExpiresAt:   at.Add(7 * 24 * time.Hour),
	}
}

func TestFirstClickModel(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	clicks := []*core.ClickData{
		click("clk_1", "aff_a", 48*time.Hour),
		click("clk_2", "aff_b", 24*time.Hour),
		click("clk_3", "aff_c", time.Hour),
	}

	attr, err := e.Attribute(conversion(), clicks, core.ModelFirstClick, 0, 0)
	require.NoError(err)
	require.Equal("aff_a", attr.AttributedAffiliateID)
	require.Equal(1.0, attr.AttributionWeight)

	for _, tp := range attr.Touchpoints {
		if tp.ClickID == "clk_1" {
			require.Equal(1.0, tp.Weight)
		} else {
			require.Zero(tp.Weight)
		}
	}
}

func TestLastClickModel(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	clicks := []*core.ClickData{
		click("clk_1", "aff_a", 48*time.Hour),
		click("clk_2", "aff_b", time.Hour),
	}

	attr, err := e.Attribute(conversion(), clicks, core.ModelLastClick, 0, 0)
	require.NoError(err)
	require.Equal("aff_b", attr.AttributedAffiliateID)
	require.Equal(1.0, attr.AttributionWeight)
}

func TestLinearModel(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	clicks := []*core.ClickData{
		click("clk_1", "aff_a", 48*time.Hour),
		click("clk_2", "aff_b", 24*time.Hour),
		click("clk_3", "aff_c", time.Hour),
		click("clk_4", "aff_d", time.Minute),
	}

	attr, err := e.Attribute(conversion(), clicks, core.ModelLinear, 0, 0)
	require.NoError(err)
	require.Len(attr.Touchpoints, 4)

	sum := 0.0
	for _, tp := range attr.Touchpoints {
		require.Equal(0.25, tp.Weight)
		sum += tp.Weight
	}
	require.InDelta(1.0, sum, 1e-9)
	// Equal weights pay the earliest-appended touchpoint.
	require.Equal("aff_a", attr.AttributedAffiliateID)
}

func TestTimeDecayModel(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	halfLife := 24 * time.Hour
	clicks := []*core.ClickData{
		click("clk_old", "aff_a", 48*time.Hour),
		click("clk_new", "aff_b", 24*time.Hour),
	}

	attr, err := e.Attribute(conversion(), clicks, core.ModelTimeDecay, 0, halfLife)
	require.NoError(err)
	require.Equal("aff_b", attr.AttributedAffiliateID)

	sum := 0.0
	var oldW, newW float64
	for _, tp := range attr.Touchpoints {
		sum += tp.Weight
		switch tp.ClickID {
		case "clk_old":
			oldW = tp.Weight
		case "clk_new":
			newW = tp.Weight
		}
	}
	require.InDelta(1.0, sum, 1e-9)
	// One half-life apart means exactly half the raw weight.
	require.InDelta(2.0, newW/oldW, 1e-9)
	require.True(math.Abs(newW-2.0/3.0) < 1e-9)
}

func TestWindowFiltering(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	clicks := []*core.ClickData{
		click("clk_stale", "aff_a", 8*24*time.Hour), // outside 7d window
		click("clk_live", "aff_b", time.Hour),
	}

	attr, err := e.Attribute(conversion(), clicks, core.ModelLastClick, 7*24*time.Hour, 0)
	require.NoError(err)
	require.Len(attr.Touchpoints, 1)
	require.Equal("clk_live", attr.Touchpoints[0].ClickID)
}

func TestExpiredClickExcluded(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	stale := click("clk_1", "aff_a", 48*time.Hour)
	stale.ExpiresAt = convTime.Add(-time.Hour) // per-click window already closed

	_, err := e.Attribute(conversion(), []*core.ClickData{stale}, core.ModelLastClick, 0, 0)
	require.ErrorIs(err, ErrNoTouchpoints)
}

func TestFutureClickExcluded(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	future := click("clk_1", "aff_a", 0)
	future.Timestamp = convTime.Add(time.Minute)
	future.ExpiresAt = future.Timestamp.Add(24 * time.Hour)

	_, err := e.Attribute(conversion(), []*core.ClickData{future}, core.ModelLastClick, 0, 0)
	require.ErrorIs(err, ErrNoTouchpoints)
}

func TestTimestampTieBreaksToEarlierAppended(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	clicks := []*core.ClickData{
		click("clk_1", "aff_a", time.Hour),
		click("clk_2", "aff_b", time.Hour), // identical timestamp
	}

	for _, model := range []core.AttributionModel{core.ModelFirstClick, core.ModelLastClick} {
		attr, err := e.Attribute(conversion(), clicks, model, 0, 0)
		require.NoError(err)
		require.Equal("aff_a", attr.AttributedAffiliateID, "model %s", model)
	}
}

func TestUnknownModel(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	_, err := e.Attribute(conversion(), []*core.ClickData{click("clk_1", "aff_a", time.Hour)}, "position-based", 0, 0)
	require.ErrorIs(err, ErrUnknownModel)
}

func TestNoTouchpoints(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	_, err := e.Attribute(conversion(), nil, core.ModelLastClick, 0, 0)
	require.ErrorIs(err, ErrNoTouchpoints)
}

func TestSingleTouchpointAllModels(t *testing.T) {
	require := require.New(t)
	e := NewEngine(log.NoOp())

	clicks := []*core.ClickData{click("clk_1", "aff_a", time.Hour)}
	for _, model := range []core.AttributionModel{
		core.ModelFirstClick, core.ModelLastClick, core.ModelLinear, core.ModelTimeDecay,
	} {
		attr, err := e.Attribute(conversion(), clicks, model, 0, 0)
		require.NoError(err, "model %s", model)
		require.Equal("aff_a", attr.AttributedAffiliateID)
		require.InDelta(1.0, attr.Touchpoints[0].Weight, 1e-9)
	}
}
