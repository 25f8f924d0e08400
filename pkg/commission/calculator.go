// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package commission

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/log"
)

// Calculator applies a payout rule to a validated conversion. Pure
// computation over its inputs.
type Calculator struct {
	log log.Logger
}

// NewCalculator creates a commission calculator.
func NewCalculator(logger log.Logger) *Calculator {
	return &Calculator{log: logger}
}

// Calculate returns the payout in cfg.Currency, rounded to two places.
// Percentage rules resolve their base from cfg.BaseField (the event
// amount when empty). A percentage rule with no resolvable base is a
// configuration error, never a silent zero payout. Clamping to
// [MinPayout, MaxPayout] bounds the number without rejecting.
func (c *Calculator) Calculate(evt *core.TrackingEvent, cfg core.PayoutConfig) (decimal.Decimal, error) {
	var payout decimal.Decimal

	if cfg.IsPercentage {
		base, err := resolveBase(evt, cfg.BaseField)
		if err != nil {
			return decimal.Zero, err
		}
		payout = base.Mul(cfg.Amount).Div(decimal.NewFromInt(100))
	} else {
		payout = cfg.Amount
	}

	if cfg.MinPayout != nil && payout.LessThan(*cfg.MinPayout) {
		payout = *cfg.MinPayout
	}
	if cfg.MaxPayout != nil && payout.GreaterThan(*cfg.MaxPayout) {
		payout = *cfg.MaxPayout
	}

	return payout.Round(2), nil
}

func resolveBase(evt *core.TrackingEvent, baseField string) (decimal.Decimal, error) {
	if baseField == "" || baseField == "amount" {
		if evt.Amount == nil {
			return decimal.Zero, core.NewError(core.KindValidationFailed,
				"percentage payout requires an amount on %s events", evt.Type)
		}
		return *evt.Amount, nil
	}

	value, ok := evt.Metadata[baseField]
	if !ok {
		return decimal.Zero, core.NewError(core.KindValidationFailed,
			"percentage payout base field %q missing from event metadata", baseField)
	}

	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d, nil
		}
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err == nil {
			return d, nil
		}
	}
	return decimal.Zero, core.NewError(core.KindValidationFailed,
		"percentage payout base field %q is not numeric", baseField)
}
