package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/store"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func interval(start time.Time, channel string, cents float64, forecast bool) clients.PriceInterval {
	return clients.PriceInterval{
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Channel:   channel,
		Cents:     cents,
		Forecast:  forecast,
	}
}

func TestPriceAt(t *testing.T) {
	base := day(2026, 1, 15).Add(10 * time.Hour)
	intervals := []clients.PriceInterval{
		interval(base, clients.ChannelGeneral, 25, false),
		interval(base, clients.ChannelFeedIn, 9, false),
		interval(base.Add(30*time.Minute), clients.ChannelFeedIn, 11, true),
	}

	got := PriceAt(intervals, base.Add(10*time.Minute), clients.ChannelFeedIn)
	require.NotNil(t, got)
	assert.Equal(t, 9.0, *got)

	got = PriceAt(intervals, base.Add(45*time.Minute), clients.ChannelFeedIn)
	require.NotNil(t, got)
	assert.Equal(t, 11.0, *got)

	assert.Nil(t, PriceAt(intervals, base.Add(45*time.Minute), clients.ChannelGeneral))
	assert.Nil(t, PriceAt(intervals, base.Add(2*time.Hour), clients.ChannelFeedIn))
}

func TestDedupeSortActualBeatsForecast(t *testing.T) {
	base := day(2026, 1, 15).Add(10 * time.Hour)
	merged := dedupeSort([]clients.PriceInterval{
		interval(base, clients.ChannelGeneral, 30, true),  // forecast first
		interval(base, clients.ChannelGeneral, 28, false), // actual replaces it
		interval(base.Add(-30*time.Minute), clients.ChannelGeneral, 26, false),
	})

	require.Len(t, merged, 2)
	assert.True(t, merged[0].StartTime.Before(merged[1].StartTime))
	assert.Equal(t, 28.0, merged[1].Cents)
	assert.False(t, merged[1].Forecast)
}

func TestDedupeSortActualNotReplacedByForecast(t *testing.T) {
	base := day(2026, 1, 15).Add(10 * time.Hour)
	merged := dedupeSort([]clients.PriceInterval{
		interval(base, clients.ChannelFeedIn, 9, false),
		interval(base, clients.ChannelFeedIn, 99, true),
	})
	require.Len(t, merged, 1)
	assert.Equal(t, 9.0, merged[0].Cents)
}

func TestChannelsImbalanced(t *testing.T) {
	start, end := day(2026, 1, 15), day(2026, 1, 15)
	base := start.Add(10 * time.Hour)

	balanced := []clients.PriceInterval{
		interval(base, clients.ChannelGeneral, 25, false),
		interval(base, clients.ChannelFeedIn, 9, false),
	}
	assert.False(t, channelsImbalanced(balanced, start, end))

	holes := append(balanced, interval(base.Add(30*time.Minute), clients.ChannelGeneral, 26, false))
	assert.True(t, channelsImbalanced(holes, start, end))

	// Imbalance outside the requested range does not count.
	outside := append(balanced, interval(start.AddDate(0, 0, 5), clients.ChannelGeneral, 26, false))
	assert.False(t, channelsImbalanced(outside, start, end))
}

func TestDaysForHorizon(t *testing.T) {
	assert.Equal(t, 1, DaysForHorizon(0))
	assert.Equal(t, 1, DaysForHorizon(12))
	assert.Equal(t, 1, DaysForHorizon(24))
	assert.Equal(t, 2, DaysForHorizon(25))
	assert.Equal(t, 7, DaysForHorizon(24*30))
}

// priceServer serves one general and one feedIn interval per requested day
// and counts range requests.
func priceServer(t *testing.T, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		start, err := time.Parse("2006-01-02", r.URL.Query().Get("startDate"))
		require.NoError(t, err)
		end, err := time.Parse("2006-01-02", r.URL.Query().Get("endDate"))
		require.NoError(t, err)

		var out []map[string]any
		for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, 1) {
			ts := cur.Add(12 * time.Hour)
			for _, ch := range []string{clients.ChannelGeneral, clients.ChannelFeedIn} {
				out = append(out, map[string]any{
					"type":        "ActualInterval",
					"startTime":   ts.Format(time.RFC3339),
					"endTime":     ts.Add(30 * time.Minute).Format(time.RFC3339),
					"perKwh":      20.0,
					"channelType": ch,
				})
			}
		}
		json.NewEncoder(w).Encode(out)
	}))
}

func TestHistoryFetchesOnlyGaps(t *testing.T) {
	var requests atomic.Int64
	srv := priceServer(t, &requests)
	defer srv.Close()

	p := NewPrices(store.NewMemoryStore(), clients.NewAmber(srv.URL, clients.NewHarness(nil)))
	acct := clients.AmberAccount{UID: "u1", APIKey: "k", SiteID: "site1"}

	got, err := p.History(context.Background(), acct, day(2026, 1, 10), day(2026, 1, 12))
	require.NoError(t, err)
	assert.Len(t, got, 6, "3 days, 2 channels each")
	assert.Equal(t, int64(1), requests.Load())

	// Fully covered range: no upstream traffic.
	got, err = p.History(context.Background(), acct, day(2026, 1, 10), day(2026, 1, 12))
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, int64(1), requests.Load())

	// Extending the range fetches only the uncovered tail.
	got, err = p.History(context.Background(), acct, day(2026, 1, 10), day(2026, 1, 14))
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Equal(t, int64(2), requests.Load())

	// And only the uncovered head.
	got, err = p.History(context.Background(), acct, day(2026, 1, 8), day(2026, 1, 14))
	require.NoError(t, err)
	assert.Len(t, got, 14)
	assert.Equal(t, int64(3), requests.Load())
}

func TestHistoryDisjointRangeBridgesGap(t *testing.T) {
	var requests atomic.Int64
	srv := priceServer(t, &requests)
	defer srv.Close()

	p := NewPrices(store.NewMemoryStore(), clients.NewAmber(srv.URL, clients.NewHarness(nil)))
	acct := clients.AmberAccount{UID: "u1", APIKey: "k", SiteID: "site1"}

	_, err := p.History(context.Background(), acct, day(2026, 1, 10), day(2026, 1, 12))
	require.NoError(t, err)
	require.Equal(t, int64(1), requests.Load())

	// A disjoint earlier range fetches the bridging days too, so the
	// contiguous coverage span stays honest.
	got, err := p.History(context.Background(), acct, day(2026, 1, 1), day(2026, 1, 3))
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, int64(2), requests.Load())

	// Days inside the bridge were genuinely fetched, not just claimed.
	got, err = p.History(context.Background(), acct, day(2026, 1, 5), day(2026, 1, 8))
	require.NoError(t, err)
	assert.Len(t, got, 8, "4 days, 2 channels each")
	assert.Equal(t, int64(2), requests.Load())

	// Disjoint later ranges bridge forward the same way.
	got, err = p.History(context.Background(), acct, day(2026, 1, 20), day(2026, 1, 21))
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, int64(3), requests.Load())

	got, err = p.History(context.Background(), acct, day(2026, 1, 14), day(2026, 1, 16))
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, int64(3), requests.Load())
}
