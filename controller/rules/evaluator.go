// Package rules evaluates user-authored rule conditions against a
// snapshot of observed signals. Evaluation is pure: no I/O, no clock
// reads, no mutation of the rule.
package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/solarctl/solarctl/controller/store"
)

// Outcome is the three-valued result of evaluating a rule. NoData is
// distinct from NotMet: missing signals must never silently become
// "conditions failed", because the cycle engine treats NoData as "do not
// change active-rule state this cycle".
type Outcome int

const (
	Met Outcome = iota
	NotMet
	NoData
)

func (o Outcome) String() string {
	switch o {
	case Met:
		return "met"
	case NotMet:
		return "not_met"
	case NoData:
		return "no_data"
	default:
		return "unknown"
	}
}

// Per-condition reason strings recorded in the audit trail.
const (
	ReasonOK             = "ok"
	ReasonNoData         = "no_data"
	ReasonThresholdUnmet = "threshold_not_met"
	ReasonTimeOutOfWin   = "time_out_of_window"
)

// ForecastKey addresses one forecast price lookup in the signal snapshot.
type ForecastKey struct {
	Channel store.ForecastChannel
	Horizon int // minutes
}

// WeatherSample is one hour of weather signals, starting at the hour
// covering "now" in the tenant's timezone.
type WeatherSample struct {
	SolarRadiation float64
	CloudCover     float64
	UVIndex        float64
}

// Signals is the immutable snapshot a cycle hands to the evaluator.
// Nil pointers mean the signal could not be acquired this cycle.
type Signals struct {
	SoC          *float64
	BatteryTemp  *float64
	AmbientTemp  *float64
	InverterTemp *float64

	// Prices in cents/kWh; feed-in is the canonical positive-if-earning
	// quantity (sign conversion happens in the price client).
	CurrentBuy    *float64
	CurrentFeedIn *float64
	Forecast      map[ForecastKey]float64

	// Weather hours from the current local hour forward.
	Weather []WeatherSample

	// Now is the tenant-local wall clock for time-window conditions.
	Now time.Time
}

// Evaluation is the full result for one rule.
type Evaluation struct {
	Outcome    Outcome
	Conditions []store.ConditionResult
}

// Evaluate runs every enabled condition of the rule against the signals.
// Disabled or absent conditions contribute nothing. If any enabled
// condition lacks data the overall outcome is NoData, even when another
// condition already failed: a cycle must not act on a partial picture.
func Evaluate(cond store.Conditions, action store.RuleAction, sig Signals) Evaluation {
	var results []store.ConditionResult

	threshold := func(name string, c *store.ThresholdCondition, actual *float64) {
		if c == nil || !c.Enabled {
			return
		}
		results = append(results, compareThreshold(name, c, actual))
	}

	threshold("feedInPrice", cond.FeedInPrice, sig.CurrentFeedIn)
	threshold("buyPrice", cond.BuyPrice, sig.CurrentBuy)

	if c := cond.ForecastPrice; c != nil && c.Enabled {
		var actual *float64
		if v, ok := sig.Forecast[ForecastKey{Channel: c.Channel, Horizon: c.HorizonMinutes}]; ok {
			actual = &v
		}
		results = append(results, compareThreshold("forecastPrice", &store.ThresholdCondition{
			Enabled: true, Operator: c.Operator, Value: c.Value,
		}, actual))
	}

	threshold("soc", cond.SoC, sig.SoC)
	threshold("batteryTemp", cond.BatteryTemp, sig.BatteryTemp)
	threshold("ambientTemp", cond.AmbientTemp, sig.AmbientTemp)
	threshold("inverterTemp", cond.InverterTemp, sig.InverterTemp)

	horizon := weatherHorizonHours(action.DurationMinutes)
	threshold("solarRadiation", cond.SolarRadiation, weatherAggregate(sig.Weather, horizon, func(s WeatherSample) float64 { return s.SolarRadiation }))
	threshold("cloudCover", cond.CloudCover, weatherAggregate(sig.Weather, horizon, func(s WeatherSample) float64 { return s.CloudCover }))
	threshold("uvIndex", cond.UVIndex, weatherAggregate(sig.Weather, horizon, func(s WeatherSample) float64 { return s.UVIndex }))

	if c := cond.Time; c != nil && c.Enabled {
		results = append(results, evalTimeWindow(c, sig.Now))
	}

	outcome := Met
	for _, r := range results {
		if r.Reason == ReasonNoData {
			outcome = NoData
			break
		}
		if !r.Met {
			outcome = NotMet
		}
	}
	return Evaluation{Outcome: outcome, Conditions: results}
}

func compareThreshold(name string, c *store.ThresholdCondition, actual *float64) store.ConditionResult {
	res := store.ConditionResult{Name: name, Target: c.Value}
	if actual == nil || math.IsNaN(*actual) {
		res.Reason = ReasonNoData
		return res
	}
	res.Actual = actual
	if compare(c.Operator, *actual, c.Value) {
		res.Met = true
		res.Reason = ReasonOK
	} else {
		res.Reason = ReasonThresholdUnmet
	}
	return res
}

func compare(op store.Operator, actual, target float64) bool {
	switch op {
	case store.OpLess:
		return actual < target
	case store.OpLessEqual:
		return actual <= target
	case store.OpEqual:
		return actual == target
	case store.OpGreaterEqual:
		return actual >= target
	case store.OpGreater:
		return actual > target
	default:
		return false
	}
}

// weatherHorizonHours derives how many forecast hours a weather condition
// aggregates over: the rule's duration rounded up to whole hours, at
// least 1 and at most 12.
func weatherHorizonHours(durationMinutes int) int {
	hours := (durationMinutes + 59) / 60
	if hours < 1 {
		hours = 1
	}
	if hours > 12 {
		hours = 12
	}
	return hours
}

// weatherAggregate averages the next `hours` samples. Returns nil when
// no samples are available so the condition reads as no_data.
func weatherAggregate(samples []WeatherSample, hours int, pick func(WeatherSample) float64) *float64 {
	if len(samples) == 0 {
		return nil
	}
	if hours > len(samples) {
		hours = len(samples)
	}
	sum := 0.0
	for _, s := range samples[:hours] {
		sum += pick(s)
	}
	avg := sum / float64(hours)
	return &avg
}

func evalTimeWindow(c *store.TimeCondition, now time.Time) store.ConditionResult {
	res := store.ConditionResult{Name: "time"}
	start, errS := parseHHMM(c.Start)
	end, errE := parseHHMM(c.End)
	if errS != nil || errE != nil {
		res.Reason = ReasonNoData
		return res
	}
	minute := now.Hour()*60 + now.Minute()
	actual := float64(minute)
	res.Actual = &actual
	res.Target = float64(start)

	if InWindow(minute, start, end) {
		res.Met = true
		res.Reason = ReasonOK
	} else {
		res.Reason = ReasonTimeOutOfWin
	}
	return res
}

// InWindow reports whether a minute-of-day falls in [start, end),
// wrapping over midnight when end < start.
func InWindow(minute, start, end int) bool {
	if start == end {
		return true // degenerate window covers the whole day
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// ParseHHMM converts "HH:MM" to minute-of-day.
func ParseHHMM(s string) (int, error) {
	return parseHHMM(s)
}

func parseHHMM(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q: %w", s, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid HH:MM %q: out of range", s)
	}
	return hh*60 + mm, nil
}
