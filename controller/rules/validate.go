package rules

import (
	"fmt"

	"github.com/solarctl/solarctl/controller/store"
)

var validHorizons = map[int]bool{15: true, 30: true, 60: true}

// ValidateRule rejects rules the evaluator cannot interpret: unknown
// operators, out-of-range forecast horizons, unparseable time windows or
// an action missing its required fields. The cycle engine skips such
// rules with reason invalid_config instead of guessing.
func ValidateRule(r *store.Rule) error {
	check := func(name string, c *store.ThresholdCondition) error {
		if c == nil || !c.Enabled {
			return nil
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("condition %s: unknown operator %q", name, c.Operator)
		}
		return nil
	}

	conds := []struct {
		name string
		c    *store.ThresholdCondition
	}{
		{"feedInPrice", r.Conditions.FeedInPrice},
		{"buyPrice", r.Conditions.BuyPrice},
		{"soc", r.Conditions.SoC},
		{"batteryTemp", r.Conditions.BatteryTemp},
		{"ambientTemp", r.Conditions.AmbientTemp},
		{"inverterTemp", r.Conditions.InverterTemp},
		{"solarRadiation", r.Conditions.SolarRadiation},
		{"cloudCover", r.Conditions.CloudCover},
		{"uvIndex", r.Conditions.UVIndex},
	}
	for _, c := range conds {
		if err := check(c.name, c.c); err != nil {
			return err
		}
	}

	if fc := r.Conditions.ForecastPrice; fc != nil && fc.Enabled {
		if !fc.Operator.Valid() {
			return fmt.Errorf("condition forecastPrice: unknown operator %q", fc.Operator)
		}
		if fc.Channel != store.ChannelFeedIn && fc.Channel != store.ChannelBuy {
			return fmt.Errorf("condition forecastPrice: unknown channel %q", fc.Channel)
		}
		if !validHorizons[fc.HorizonMinutes] {
			return fmt.Errorf("condition forecastPrice: horizon %d not one of 15/30/60", fc.HorizonMinutes)
		}
	}

	if tc := r.Conditions.Time; tc != nil && tc.Enabled {
		if _, err := parseHHMM(tc.Start); err != nil {
			return fmt.Errorf("condition time: %w", err)
		}
		if _, err := parseHHMM(tc.End); err != nil {
			return fmt.Errorf("condition time: %w", err)
		}
	}

	switch r.Action.WorkMode {
	case store.WorkModeSelfUse, store.WorkModeForceDischarge, store.WorkModeForceCharge, store.WorkModeBackup:
	default:
		return fmt.Errorf("action: unknown workMode %q", r.Action.WorkMode)
	}
	if r.Action.DurationMinutes <= 0 {
		return fmt.Errorf("action: durationMinutes must be positive")
	}
	return nil
}

// UsesPrices reports whether any enabled condition needs price data.
func UsesPrices(c store.Conditions) bool {
	if c.FeedInPrice != nil && c.FeedInPrice.Enabled {
		return true
	}
	if c.BuyPrice != nil && c.BuyPrice.Enabled {
		return true
	}
	return c.ForecastPrice != nil && c.ForecastPrice.Enabled
}

// WeatherHorizonHours exposes the duration-to-hours clamp used for
// weather aggregation, so fetch sizing matches evaluation.
func WeatherHorizonHours(durationMinutes int) int {
	return weatherHorizonHours(durationMinutes)
}

// UsesWeather reports whether any enabled condition needs weather data.
func UsesWeather(c store.Conditions) bool {
	for _, tc := range []*store.ThresholdCondition{c.SolarRadiation, c.CloudCover, c.UVIndex} {
		if tc != nil && tc.Enabled {
			return true
		}
	}
	return false
}
