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

// Price channel identifiers as Amber delivers them.
const (
	ChannelGeneral = "general" // buy side
	ChannelFeedIn  = "feedIn"  // export side
)

// PriceInterval is one pricing interval with the feed-in sign already
// canonicalised: Cents is positive when the tenant earns money. Amber
// reports feed-in perKwh as a negative cost, so for the feedIn channel
// Cents = -PerKwh. This conversion happens here and nowhere else.
type PriceInterval struct {
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Channel   string    `json:"channelType"`
	PerKwh    float64   `json:"perKwh"`
	Cents     float64   `json:"cents"`
	Forecast  bool      `json:"forecast"`
}

// Covers reports whether t falls inside [StartTime, EndTime).
func (p PriceInterval) Covers(t time.Time) bool {
	return !t.Before(p.StartTime) && t.Before(p.EndTime)
}

// AmberAccount carries the per-tenant credentials for price calls.
type AmberAccount struct {
	UID    string
	APIKey string
	SiteID string
}

// Amber is the spot price client.
type Amber struct {
	base    string
	http    *http.Client
	harness *Harness
}

// NewAmber creates the price client against the given base URL.
func NewAmber(base string, harness *Harness) *Amber {
	return &Amber{
		base:    base,
		http:    &http.Client{Timeout: 10 * time.Second},
		harness: harness,
	}
}

type amberInterval struct {
	Type        string  `json:"type"` // CurrentInterval, ForecastInterval, ActualInterval
	StartTime   string  `json:"startTime"`
	EndTime     string  `json:"endTime"`
	PerKwh      float64 `json:"perKwh"`
	ChannelType string  `json:"channelType"`
}

func (a *Amber) get(ctx context.Context, acct AmberAccount, path string, query url.Values) ([]amberInterval, error) {
	u := a.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+acct.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Provider: ProviderAmber}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:   ProviderAmber,
			StatusCode: resp.StatusCode,
			Msg:        http.StatusText(resp.StatusCode),
			Temporary:  resp.StatusCode >= 500,
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var intervals []amberInterval
	if err := json.Unmarshal(data, &intervals); err != nil {
		return nil, &ProviderError{Provider: ProviderAmber, Msg: "malformed response", Temporary: true}
	}
	return intervals, nil
}

func canonicalise(raw []amberInterval) ([]PriceInterval, error) {
	out := make([]PriceInterval, 0, len(raw))
	for _, r := range raw {
		start, err := time.Parse(time.RFC3339, r.StartTime)
		if err != nil {
			return nil, fmt.Errorf("interval startTime %q: %w", r.StartTime, err)
		}
		end, err := time.Parse(time.RFC3339, r.EndTime)
		if err != nil {
			return nil, fmt.Errorf("interval endTime %q: %w", r.EndTime, err)
		}
		cents := r.PerKwh
		if r.ChannelType == ChannelFeedIn {
			cents = -r.PerKwh
		}
		out = append(out, PriceInterval{
			StartTime: start,
			EndTime:   end,
			Channel:   r.ChannelType,
			PerKwh:    r.PerKwh,
			Cents:     cents,
			Forecast:  r.Type == "ForecastInterval",
		})
	}
	return out, nil
}

// CurrentAndForecast returns the current interval plus the next
// `lookahead` forecast intervals for both channels.
func (a *Amber) CurrentAndForecast(ctx context.Context, acct AmberAccount, lookahead int, opts CallOpts) ([]PriceInterval, error) {
	query := url.Values{}
	query.Set("next", fmt.Sprintf("%d", lookahead))
	query.Set("previous", "0")
	query.Set("resolution", "30")

	var intervals []PriceInterval
	err := a.harness.Do(ctx, ProviderAmber, acct.UID, opts, func(ctx context.Context) error {
		raw, err := a.get(ctx, acct, "/sites/"+acct.SiteID+"/prices/current", query)
		if err != nil {
			return err
		}
		intervals, err = canonicalise(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return intervals, nil
}

// Range returns historical intervals between two dates inclusive. The
// cache layer chunks requests to at most 30 days before calling this.
func (a *Amber) Range(ctx context.Context, acct AmberAccount, start, end time.Time, opts CallOpts) ([]PriceInterval, error) {
	query := url.Values{}
	query.Set("startDate", start.Format("2006-01-02"))
	query.Set("endDate", end.Format("2006-01-02"))
	query.Set("resolution", "30")

	var intervals []PriceInterval
	err := a.harness.Do(ctx, ProviderAmber, acct.UID, opts, func(ctx context.Context) error {
		raw, err := a.get(ctx, acct, "/sites/"+acct.SiteID+"/prices", query)
		if err != nil {
			return err
		}
		intervals, err = canonicalise(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return intervals, nil
}
