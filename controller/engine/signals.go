package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/solarctl/solarctl/controller/cache"
	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/rules"
	"github.com/solarctl/solarctl/controller/store"
)

// signalReport is everything one cycle fetched, plus which acquisitions
// failed so the audit can name the unavailable signal.
type signalReport struct {
	sig         rules.Signals
	priceWindow []clients.PriceInterval

	mu          sync.Mutex
	unavailable []string
}

// markUnavailable records a failed acquisition. Fetches run concurrently.
func (r *signalReport) markUnavailable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = append(r.unavailable, name)
}

// feedInNow is the canonical current feed-in price, nil when unknown.
func (r *signalReport) feedInNow() *float64 {
	return r.sig.CurrentFeedIn
}

func channelName(c store.ForecastChannel) string {
	if c == store.ChannelBuy {
		return clients.ChannelGeneral
	}
	return clients.ChannelFeedIn
}

// gatherSignals fetches, in parallel, only what the enabled rules (and
// the curtailment machine) actually need: telemetry always, prices and
// weather on demand. Failures leave the corresponding signals nil so
// evaluation answers no_data instead of guessing.
func (e *Engine) gatherSignals(ctx context.Context, cfg *store.Config, state *store.AutomationState, enabled []*store.Rule, nowLocal time.Time) *signalReport {
	needPrices := cfg.Curtailment.Enabled || state.Curtailment.Active
	needWeather := false
	maxWeatherHours := 0
	for _, r := range enabled {
		if rules.UsesPrices(r.Conditions) {
			needPrices = true
		}
		if rules.UsesWeather(r.Conditions) {
			needWeather = true
			if h := rules.WeatherHorizonHours(r.Action.DurationMinutes); h > maxWeatherHours {
				maxWeatherHours = h
			}
		}
	}

	report := &signalReport{sig: rules.Signals{Now: nowLocal}}
	now := e.now()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ttl := cache.TTLOrDefault(cfg.CacheTTL.TelemetryMs, cache.DefaultTelemetryTTL)
		rt, _, err := e.telemetry.Get(ctx, foxAccount(cfg), ttl)
		if err != nil {
			log.Printf("engine %s: telemetry unavailable: %v", cfg.UID, err)
			report.markUnavailable("telemetry")
			return
		}
		report.sig.SoC = rt.SoC
		report.sig.BatteryTemp = rt.BatteryTemp
		report.sig.AmbientTemp = rt.AmbientTemp
		report.sig.InverterTemp = rt.InverterTemp
	}()

	if needPrices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ttl := cache.TTLOrDefault(cfg.CacheTTL.PriceCurrentMs, cache.DefaultPriceCurrentTTL)
			window, _, err := e.prices.Current(ctx, amberAccount(cfg), ttl)
			if err != nil {
				log.Printf("engine %s: prices unavailable: %v", cfg.UID, err)
				report.markUnavailable("prices")
				return
			}
			report.priceWindow = window
			report.sig.CurrentBuy = cache.PriceAt(window, now, clients.ChannelGeneral)
			report.sig.CurrentFeedIn = cache.PriceAt(window, now, clients.ChannelFeedIn)
			report.sig.Forecast = forecastLookups(window, enabled, now)
		}()
	}

	if needWeather {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ttl := cache.TTLOrDefault(cfg.CacheTTL.WeatherMs, cache.DefaultWeatherTTL)
			days := cache.DaysForHorizon(maxWeatherHours)
			fc, _, err := e.weather.Forecast(ctx, cfg.UID, cfg.Latitude, cfg.Longitude, cfg.Timezone, days, ttl)
			if err != nil {
				log.Printf("engine %s: weather unavailable: %v", cfg.UID, err)
				report.markUnavailable("weather")
				return
			}
			idx := fc.HourIndex(nowLocal)
			if idx < 0 {
				report.markUnavailable("weather")
				return
			}
			for _, h := range fc.Hours[idx:] {
				report.sig.Weather = append(report.sig.Weather, rules.WeatherSample{
					SolarRadiation: h.SolarRadiation,
					CloudCover:     h.CloudCover,
					UVIndex:        h.UVIndex,
				})
			}
		}()
	}

	wg.Wait()
	return report
}

// forecastLookups resolves every distinct (channel, horizon) pair the
// rules reference against the fetched window. Horizons with no covering
// interval stay absent so the evaluator answers no_data.
func forecastLookups(window []clients.PriceInterval, enabled []*store.Rule, now time.Time) map[rules.ForecastKey]float64 {
	out := map[rules.ForecastKey]float64{}
	for _, r := range enabled {
		fc := r.Conditions.ForecastPrice
		if fc == nil || !fc.Enabled {
			continue
		}
		key := rules.ForecastKey{Channel: fc.Channel, Horizon: fc.HorizonMinutes}
		if _, done := out[key]; done {
			continue
		}
		target := now.Add(time.Duration(fc.HorizonMinutes) * time.Minute)
		if v := cache.PriceAt(window, target, channelName(fc.Channel)); v != nil {
			out[key] = *v
		}
	}
	return out
}
