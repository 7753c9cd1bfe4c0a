package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// WeatherHour is one hour of forecast signals.
type WeatherHour struct {
	Time           string  `json:"time"`           // local "2006-01-02T15:04"
	SolarRadiation float64 `json:"solarRadiation"` // W/m²
	CloudCover     float64 `json:"cloudCover"`     // %
	UVIndex        float64 `json:"uvIndex"`
	Temperature    float64 `json:"temperature"` // °C
}

// WeatherForecast is an hourly sequence starting at local midnight of the
// first forecast day. Consumers must index by the tenant-local wall
// clock hour, never assume index 0 is "now".
type WeatherForecast struct {
	Timezone string        `json:"timezone"`
	Hours    []WeatherHour `json:"hours"`
}

// HourIndex returns the index of the hour covering the local time t, or
// -1 if the forecast does not cover it.
func (f *WeatherForecast) HourIndex(t time.Time) int {
	want := t.Format("2006-01-02T15") + ":00"
	for i, h := range f.Hours {
		if h.Time == want {
			return i
		}
	}
	return -1
}

// Weather is the hourly forecast client (Open-Meteo compatible).
type Weather struct {
	base    string
	http    *http.Client
	harness *Harness
}

// NewWeather creates the weather client against the given base URL.
func NewWeather(base string, harness *Harness) *Weather {
	return &Weather{
		base:    base,
		http:    &http.Client{Timeout: 10 * time.Second},
		harness: harness,
	}
}

// Forecast fetches `days` days of hourly radiation, cloud, UV and
// temperature for a location, in the given IANA timezone.
func (w *Weather) Forecast(ctx context.Context, uid string, lat, lon float64, timezone string, days int, opts CallOpts) (*WeatherForecast, error) {
	query := url.Values{}
	query.Set("latitude", fmt.Sprintf("%.4f", lat))
	query.Set("longitude", fmt.Sprintf("%.4f", lon))
	query.Set("hourly", "shortwave_radiation,cloud_cover,uv_index,temperature_2m")
	query.Set("forecast_days", fmt.Sprintf("%d", days))
	query.Set("timezone", timezone)

	var forecast *WeatherForecast
	err := w.harness.Do(ctx, ProviderWeather, uid, opts, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.base+"/v1/forecast?"+query.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return &RateLimitError{Provider: ProviderWeather}
		}
		if resp.StatusCode != http.StatusOK {
			return &ProviderError{
				Provider:   ProviderWeather,
				StatusCode: resp.StatusCode,
				Msg:        http.StatusText(resp.StatusCode),
				Temporary:  resp.StatusCode >= 500,
			}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var wire struct {
			Timezone string `json:"timezone"`
			Hourly   struct {
				Time          []string  `json:"time"`
				Radiation     []float64 `json:"shortwave_radiation"`
				CloudCover    []float64 `json:"cloud_cover"`
				UVIndex       []float64 `json:"uv_index"`
				Temperature2m []float64 `json:"temperature_2m"`
			} `json:"hourly"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return &ProviderError{Provider: ProviderWeather, Msg: "malformed response", Temporary: true}
		}

		fc := &WeatherForecast{Timezone: wire.Timezone}
		for i, ts := range wire.Hourly.Time {
			h := WeatherHour{Time: ts}
			if i < len(wire.Hourly.Radiation) {
				h.SolarRadiation = wire.Hourly.Radiation[i]
			}
			if i < len(wire.Hourly.CloudCover) {
				h.CloudCover = wire.Hourly.CloudCover[i]
			}
			if i < len(wire.Hourly.UVIndex) {
				h.UVIndex = wire.Hourly.UVIndex[i]
			}
			if i < len(wire.Hourly.Temperature2m) {
				h.Temperature = wire.Hourly.Temperature2m[i]
			}
			fc.Hours = append(fc.Hours, h)
		}
		forecast = fc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return forecast, nil
}
