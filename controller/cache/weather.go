package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/store"
)

const maxForecastDays = 7

// Weather caches hourly forecasts keyed by place and horizon, so every
// tenant at the same coordinates asking for the same span shares one
// upstream fetch.
type Weather struct {
	layer   *Layer
	weather *clients.Weather
}

// NewWeather creates the weather cache.
func NewWeather(st store.Store, w *clients.Weather) *Weather {
	return &Weather{layer: NewLayer("weather", st), weather: w}
}

// DaysForHorizon converts the longest rule horizon in hours into whole
// forecast days, clamped to [1, maxForecastDays]. Over-fetching a little
// keeps the cache key stable across rules with nearby horizons.
func DaysForHorizon(hours int) int {
	days := (hours + 23) / 24
	if days < 1 {
		days = 1
	}
	if days > maxForecastDays {
		days = maxForecastDays
	}
	return days
}

// Forecast returns a cached hourly forecast for the location.
func (w *Weather) Forecast(ctx context.Context, uid string, lat, lon float64, timezone string, days int, ttl time.Duration) (*clients.WeatherForecast, bool, error) {
	if days < 1 {
		days = 1
	}
	if days > maxForecastDays {
		days = maxForecastDays
	}
	key := fmt.Sprintf("weather:%.4f:%.4f:%dd", lat, lon, days)
	res, err := w.layer.Get(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return w.weather.Forecast(ctx, uid, lat, lon, timezone, days, clients.CallOpts{Metered: true})
	})
	if err != nil {
		return nil, false, err
	}
	var fc clients.WeatherForecast
	if err := json.Unmarshal(res.Data, &fc); err != nil {
		return nil, false, err
	}
	return &fc, res.CacheHit, nil
}
