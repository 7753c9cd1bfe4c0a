package engine

import (
	"context"
	"sync"
	"time"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/store"
)

// -- Fakes --

type invCall struct {
	method  string // apply, clear, flag, get, export
	seg     store.SchedulerSegments
	metered bool
	flagOn  bool
	watts   int
}

type fakeInverter struct {
	mu    sync.Mutex
	calls []invCall

	applyErr       error // fails segment writes
	clearErr       error // fails cleared-payload writes
	flagErr        error
	getErr         error
	exportErr      error
	verifyMismatch bool

	lastApplied *store.SchedulerSegments
}

func isClearedPayload(seg store.SchedulerSegments) bool {
	return len(seg.Slots) > 0 && seg.Slots[0].Enable == 0
}

func (f *fakeInverter) record(c invCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeInverter) ApplyScheduler(ctx context.Context, acct clients.FoxAccount, seg store.SchedulerSegments, opts clients.CallOpts) error {
	if isClearedPayload(seg) {
		f.record(invCall{method: "clear", seg: seg, metered: opts.Metered})
		if f.clearErr != nil {
			return f.clearErr
		}
		f.mu.Lock()
		f.lastApplied = &seg
		f.mu.Unlock()
		return nil
	}
	f.record(invCall{method: "apply", seg: seg, metered: opts.Metered})
	if f.applyErr != nil {
		return f.applyErr
	}
	f.mu.Lock()
	f.lastApplied = &seg
	f.mu.Unlock()
	return nil
}

func (f *fakeInverter) SetFlag(ctx context.Context, acct clients.FoxAccount, enabled bool, opts clients.CallOpts) error {
	f.record(invCall{method: "flag", flagOn: enabled, metered: opts.Metered})
	return f.flagErr
}

func (f *fakeInverter) GetScheduler(ctx context.Context, acct clients.FoxAccount, opts clients.CallOpts) (*store.SchedulerSegments, error) {
	f.record(invCall{method: "get", metered: opts.Metered})
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.verifyMismatch {
		seg := store.ClearedSegments()
		return &seg, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastApplied != nil {
		seg := *f.lastApplied
		return &seg, nil
	}
	seg := store.ClearedSegments()
	return &seg, nil
}

func (f *fakeInverter) SetExportLimit(ctx context.Context, acct clients.FoxAccount, watts int, opts clients.CallOpts) error {
	f.record(invCall{method: "export", watts: watts, metered: opts.Metered})
	return f.exportErr
}

func (f *fakeInverter) of(method string) []invCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeInverter) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

func (f *fakeInverter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type fakeTelemetry struct {
	rt  *clients.RealTimeData
	err error
}

func (f *fakeTelemetry) Get(ctx context.Context, acct clients.FoxAccount, ttl time.Duration) (*clients.RealTimeData, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return f.rt, false, nil
}

type fakePrices struct {
	mu     sync.Mutex
	window []clients.PriceInterval
	err    error
}

func (f *fakePrices) set(window []clients.PriceInterval) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = window
}

func (f *fakePrices) Current(ctx context.Context, acct clients.AmberAccount, ttl time.Duration) ([]clients.PriceInterval, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	return f.window, false, nil
}

type fakeWeather struct {
	fc  *clients.WeatherForecast
	err error
}

func (f *fakeWeather) Forecast(ctx context.Context, uid string, lat, lon float64, timezone string, days int, ttl time.Duration) (*clients.WeatherForecast, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return f.fc, false, nil
}

// -- Harness --

type testRig struct {
	engine  *Engine
	store   *store.MemoryStore
	inv     *fakeInverter
	tel     *fakeTelemetry
	prices  *fakePrices
	weather *fakeWeather
	now     time.Time
}

func newTestRig() *testRig {
	st := store.NewMemoryStore()
	rig := &testRig{
		store:   st,
		inv:     &fakeInverter{},
		tel:     &fakeTelemetry{rt: &clients.RealTimeData{SoC: fptr(80)}},
		prices:  &fakePrices{},
		weather: &fakeWeather{},
		now:     time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	rig.engine = New(st, nil, rig.inv, rig.tel, rig.prices, rig.weather, nil)
	rig.engine.now = func() time.Time { return rig.now }
	rig.engine.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return rig
}

func (r *testRig) advance(d time.Duration) { r.now = r.now.Add(d) }

// window builds 30-minute price intervals for both channels covering now
// and the following interval.
func (r *testRig) window(feedIn, buy float64) []clients.PriceInterval {
	start := r.now.Truncate(30 * time.Minute)
	var out []clients.PriceInterval
	for i := 0; i < 4; i++ {
		s := start.Add(time.Duration(i) * 30 * time.Minute)
		out = append(out,
			clients.PriceInterval{StartTime: s, EndTime: s.Add(30 * time.Minute), Channel: clients.ChannelGeneral, Cents: buy, Forecast: i > 0},
			clients.PriceInterval{StartTime: s, EndTime: s.Add(30 * time.Minute), Channel: clients.ChannelFeedIn, Cents: feedIn, Forecast: i > 0},
		)
	}
	return out
}

func (r *testRig) putConfig(cfg *store.Config) {
	if err := r.store.PutConfig(context.Background(), cfg.UID, cfg); err != nil {
		panic(err)
	}
}

func (r *testRig) putRule(rule *store.Rule) {
	if err := r.store.PutRule(context.Background(), rule.UID, rule); err != nil {
		panic(err)
	}
}

func (r *testRig) rule(id string) *store.Rule {
	rule, err := r.store.GetRule(context.Background(), "t1", id)
	if err != nil {
		panic(err)
	}
	return rule
}

func (r *testRig) state() *store.AutomationState {
	st, err := r.store.GetState(context.Background(), "t1")
	if err == store.ErrNotFound {
		return &store.AutomationState{UID: "t1"}
	}
	if err != nil {
		panic(err)
	}
	return st
}

func fptr(v float64) *float64 { return &v }

func baseConfig() *store.Config {
	return &store.Config{
		UID:               "t1",
		DeviceSN:          "SN1",
		FoxESSToken:       "tok",
		AmberSiteID:       "site1",
		AutomationEnabled: true,
	}
}

func feedInRule(id string, priority int, minCents float64) *store.Rule {
	return &store.Rule{
		UID:      "t1",
		RuleID:   id,
		Name:     "rule " + id,
		Priority: priority,
		Enabled:  true,
		Conditions: store.Conditions{
			FeedInPrice: &store.ThresholdCondition{Enabled: true, Operator: store.OpGreaterEqual, Value: minCents},
		},
		Action: store.RuleAction{
			WorkMode:        store.WorkModeForceDischarge,
			DurationMinutes: 30,
			DischargePowerW: 5000,
			TargetMinSoC:    20,
		},
	}
}
