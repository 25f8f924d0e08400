// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package attribution

import (
	"errors"
	"math"
	"time"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/log"
)

var (
	ErrNoTouchpoints = errors.New("no unexpired touchpoints for conversion")
	ErrUnknownModel  = errors.New("unknown attribution model")
)

// Engine computes attribution for conversion events. Pure computation:
// the orchestrator supplies the touchpoint candidates, the engine never
// touches shared state.
type Engine struct {
	log log.Logger
}

// NewEngine creates an attribution engine.
func NewEngine(logger log.Logger) *Engine {
	return &Engine{log: logger}
}

// Attribute resolves the touchpoints for a conversion under the given
// model. clicks must be the visitor's click windows in original append
// order; entries outside the conversion window, already expired at the
// conversion timestamp, or timestamped after the conversion are
// excluded. Ties at identical timestamps resolve to the touchpoint
// appended earlier.
func (e *Engine) Attribute(
	conv *core.TrackingEvent,
	clicks []*core.ClickData,
	model core.AttributionModel,
	window time.Duration,
	halfLife time.Duration,
) (*core.AttributionData, error) {
	if !model.Valid() {
		return nil, ErrUnknownModel
	}
	if window <= 0 {
		window = core.DefaultConversionWindow
	}
	if halfLife <= 0 {
		halfLife = core.DefaultHalfLife
	}

	touchpoints := make([]core.Touchpoint, 0, len(clicks))
	for _, click := range clicks {
		if click.Timestamp.After(conv.Timestamp) {
			continue
		}
		if conv.Timestamp.After(click.ExpiresAt) {
			continue
		}
		if conv.Timestamp.Sub(click.Timestamp) > window {
			continue
		}
		touchpoints = append(touchpoints, core.Touchpoint{
			ClickID:     click.ID,
			AffiliateID: click.AffiliateID,
			CampaignID:  click.CampaignID,
			Timestamp:   click.Timestamp,
			Type:        core.EventClick,
		})
	}

	if len(touchpoints) == 0 {
		return nil, ErrNoTouchpoints
	}

	switch model {
	case core.ModelFirstClick:
		weighSingle(touchpoints, earliestIndex(touchpoints))
	case core.ModelLastClick:
		weighSingle(touchpoints, latestIndex(touchpoints))
	case core.ModelLinear:
		w := 1.0 / float64(len(touchpoints))
		for i := range touchpoints {
			touchpoints[i].Weight = w
		}
	case core.ModelTimeDecay:
		weighTimeDecay(touchpoints, conv.Timestamp, halfLife)
	}

	primary := highestWeightIndex(touchpoints)

	e.log.Debug("conversion attributed",
		log.String("event", conv.ID),
		log.String("model", string(model)),
		log.Int("touchpoints", len(touchpoints)),
		log.String("affiliate", touchpoints[primary].AffiliateID))

	return &core.AttributionData{
		Model:                 model,
		Touchpoints:           touchpoints,
		AttributedAffiliateID: touchpoints[primary].AffiliateID,
		AttributionWeight:     touchpoints[primary].Weight,
		ConversionWindow:      window,
	}, nil
}

// weighSingle assigns 100% weight to one touchpoint.
func weighSingle(tps []core.Touchpoint, idx int) {
	for i := range tps {
		tps[i].Weight = 0
	}
	tps[idx].Weight = 1.0
}

// earliestIndex returns the earliest touchpoint; a strict comparison
// keeps the first-appended entry on timestamp ties.
func earliestIndex(tps []core.Touchpoint) int {
	idx := 0
	for i := 1; i < len(tps); i++ {
		if tps[i].Timestamp.Before(tps[idx].Timestamp) {
			idx = i
		}
	}
	return idx
}

// latestIndex returns the latest touchpoint; a strict comparison keeps
// the first-appended entry on timestamp ties.
func latestIndex(tps []core.Touchpoint) int {
	idx := 0
	for i := 1; i < len(tps); i++ {
		if tps[i].Timestamp.After(tps[idx].Timestamp) {
			idx = i
		}
	}
	return idx
}

// weighTimeDecay assigns weights proportional to 2^(-age/halfLife),
// normalized to sum to 1.
func weighTimeDecay(tps []core.Touchpoint, convTime time.Time, halfLife time.Duration) {
	total := 0.0
	raw := make([]float64, len(tps))
	for i, tp := range tps {
		age := convTime.Sub(tp.Timestamp)
		raw[i] = math.Exp2(-float64(age) / float64(halfLife))
		total += raw[i]
	}
	for i := range tps {
		tps[i].Weight = raw[i] / total
	}
}

// highestWeightIndex returns the payable touchpoint: the highest
// weight, ties broken by original append order.
func highestWeightIndex(tps []core.Touchpoint) int {
	idx := 0
	for i := 1; i < len(tps); i++ {
		if tps[i].Weight > tps[idx].Weight {
			idx = i
		}
	}
	return idx
}
