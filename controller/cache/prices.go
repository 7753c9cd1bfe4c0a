package cache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/store"
)

// currentLookahead covers the longest forecast horizon (60 minutes) at
// 30-minute resolution with a spare interval.
const currentLookahead = 4

// historyRetention keeps merged history documents alive in the store.
const historyRetention = 90 * 24 * time.Hour

// maxRangeChunk is the widest date span one history request may cover.
const maxRangeChunk = 30 * 24 * time.Hour

// Prices caches Amber price data: a short-lived current window per site
// and a gap-filled merged history document.
type Prices struct {
	layer *Layer
	amber *clients.Amber
	store store.Store
	now   func() time.Time
}

// NewPrices creates the price cache.
func NewPrices(st store.Store, amber *clients.Amber) *Prices {
	return &Prices{
		layer: NewLayer("prices_current", st),
		amber: amber,
		store: st,
		now:   time.Now,
	}
}

// Current returns the current-and-forecast window for the site, cached
// for at most MaxPriceCurrentTTL whatever the tenant asked for.
func (p *Prices) Current(ctx context.Context, acct clients.AmberAccount, ttl time.Duration) ([]clients.PriceInterval, bool, error) {
	if ttl <= 0 || ttl > MaxPriceCurrentTTL {
		ttl = MaxPriceCurrentTTL
	}
	key := "prices:current:" + acct.SiteID
	res, err := p.layer.Get(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return p.amber.CurrentAndForecast(ctx, acct, currentLookahead, clients.CallOpts{Metered: true})
	})
	if err != nil {
		return nil, false, err
	}
	var intervals []clients.PriceInterval
	if err := json.Unmarshal(res.Data, &intervals); err != nil {
		return nil, false, err
	}
	return intervals, res.CacheHit, nil
}

// PriceAt finds the interval covering t on the given channel and returns
// its canonical cents value, or nil when the window has no coverage.
func PriceAt(intervals []clients.PriceInterval, t time.Time, channel string) *float64 {
	for _, iv := range intervals {
		if iv.Channel == channel && iv.Covers(t) {
			v := iv.Cents
			return &v
		}
	}
	return nil
}

type historyDoc struct {
	From      int64                   `json:"from"` // unix seconds, inclusive
	To        int64                   `json:"to"`   // unix seconds, inclusive
	Intervals []clients.PriceInterval `json:"intervals"`
}

type intervalKey struct {
	start   int64
	channel string
}

// History returns price intervals between start and end (whole days),
// fetching only the date ranges the stored document does not already
// cover. Fetches are chunked to at most 30 days. If the merged document
// ends up with unequal channel counts inside the requested range the
// whole range is refetched: an imbalance means one channel has holes the
// coverage bookkeeping cannot see.
func (p *Prices) History(ctx context.Context, acct clients.AmberAccount, start, end time.Time) ([]clients.PriceInterval, error) {
	start = startOfDay(start)
	end = startOfDay(end)
	key := "prices:history:" + acct.SiteID

	var doc historyDoc
	if raw, err := p.store.CacheGet(ctx, key); err == nil {
		if err := json.Unmarshal(raw.Data, &doc); err != nil {
			doc = historyDoc{}
		}
	}

	var gaps [][2]time.Time
	switch {
	case len(doc.Intervals) == 0:
		gaps = append(gaps, [2]time.Time{start, end})
	default:
		// Coverage is one contiguous [From,To] span. A request disjoint
		// from it fetches the bridging days as well, so extending the
		// span never claims days nobody fetched.
		from, to := time.Unix(doc.From, 0).UTC(), time.Unix(doc.To, 0).UTC()
		if start.Before(from) {
			gaps = append(gaps, [2]time.Time{start, from.AddDate(0, 0, -1)})
		}
		if end.After(to) {
			gaps = append(gaps, [2]time.Time{to.AddDate(0, 0, 1), end})
		}
	}

	merged := doc.Intervals
	for _, gap := range gaps {
		fetched, err := p.fetchChunked(ctx, acct, gap[0], gap[1])
		if err != nil {
			return nil, err
		}
		merged = append(merged, fetched...)
	}
	merged = dedupeSort(merged)

	if channelsImbalanced(merged, start, end) {
		refetched, err := p.fetchChunked(ctx, acct, start, end)
		if err != nil {
			return nil, err
		}
		merged = dedupeSort(refetched)
		doc = historyDoc{}
	}

	from, to := doc.From, doc.To
	if from == 0 || start.Unix() < from {
		from = start.Unix()
	}
	if end.Unix() > to {
		to = end.Unix()
	}
	out := historyDoc{From: from, To: to, Intervals: merged}
	if raw, err := json.Marshal(out); err == nil {
		now := p.now()
		_ = p.store.CachePut(ctx, key, &store.CacheDoc{
			Data:      raw,
			Timestamp: now.UnixMilli(),
			TTLMs:     historyRetention.Milliseconds(),
			ExpiresAt: now.Add(historyRetention).Unix(),
		})
	}

	rangeEnd := end.AddDate(0, 0, 1)
	return lo.Filter(merged, func(iv clients.PriceInterval, _ int) bool {
		return !iv.StartTime.Before(start) && iv.StartTime.Before(rangeEnd)
	}), nil
}

func (p *Prices) fetchChunked(ctx context.Context, acct clients.AmberAccount, start, end time.Time) ([]clients.PriceInterval, error) {
	var all []clients.PriceInterval
	for cur := start; !cur.After(end); {
		chunkEnd := cur.Add(maxRangeChunk - 24*time.Hour)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		intervals, err := p.amber.Range(ctx, acct, cur, chunkEnd, clients.CallOpts{Metered: true})
		if err != nil {
			return nil, err
		}
		all = append(all, intervals...)
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return all, nil
}

// dedupeSort collapses duplicate (startTime, channel) intervals, letting
// actuals win over forecasts, and orders the result by start time.
func dedupeSort(intervals []clients.PriceInterval) []clients.PriceInterval {
	seen := make(map[intervalKey]clients.PriceInterval, len(intervals))
	for _, iv := range intervals {
		k := intervalKey{start: iv.StartTime.Unix(), channel: iv.Channel}
		if prev, ok := seen[k]; ok && !prev.Forecast {
			continue
		}
		seen[k] = iv
	}
	out := lo.Values(seen)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func channelsImbalanced(intervals []clients.PriceInterval, start, end time.Time) bool {
	rangeEnd := end.AddDate(0, 0, 1)
	var general, feedIn int
	for _, iv := range intervals {
		if iv.StartTime.Before(start) || !iv.StartTime.Before(rangeEnd) {
			continue
		}
		switch iv.Channel {
		case clients.ChannelGeneral:
			general++
		case clients.ChannelFeedIn:
			feedIn++
		}
	}
	return general != feedIn
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
