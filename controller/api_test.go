package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarctl/solarctl/controller/cache"
	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/engine"
	"github.com/solarctl/solarctl/controller/middleware"
	"github.com/solarctl/solarctl/controller/store"
)

// nullInverter satisfies the engine without a device; API tests never
// reach the apply/clear protocols.
type nullInverter struct{}

func (nullInverter) GetScheduler(ctx context.Context, acct clients.FoxAccount, opts clients.CallOpts) (*store.SchedulerSegments, error) {
	seg := store.ClearedSegments()
	return &seg, nil
}

func (nullInverter) ApplyScheduler(ctx context.Context, acct clients.FoxAccount, seg store.SchedulerSegments, opts clients.CallOpts) error {
	return nil
}

func (nullInverter) SetFlag(ctx context.Context, acct clients.FoxAccount, enabled bool, opts clients.CallOpts) error {
	return nil
}

func (nullInverter) SetExportLimit(ctx context.Context, acct clients.FoxAccount, watts int, opts clients.CallOpts) error {
	return nil
}

type nullTelemetry struct{}

func (nullTelemetry) Get(ctx context.Context, acct clients.FoxAccount, ttl time.Duration) (*clients.RealTimeData, bool, error) {
	return &clients.RealTimeData{}, false, nil
}

type nullPrices struct{}

func (nullPrices) Current(ctx context.Context, acct clients.AmberAccount, ttl time.Duration) ([]clients.PriceInterval, bool, error) {
	return nil, false, nil
}

type nullWeather struct{}

func (nullWeather) Forecast(ctx context.Context, uid string, lat, lon float64, timezone string, days int, ttl time.Duration) (*clients.WeatherForecast, bool, error) {
	return &clients.WeatherForecast{}, false, nil
}

func newTestAPI() (*API, *store.MemoryStore) {
	st := store.NewMemoryStore()
	eng := engine.New(st, nil, nullInverter{}, nullTelemetry{}, nullPrices{}, nullWeather{}, nil)
	return NewAPI(st, nil, eng, nil), st
}

func tenantRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	ctx := context.WithValue(req.Context(), middleware.TenantKey, "t1")
	return req.WithContext(ctx)
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Errno  int             `json:"errno"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 0, envelope.Errno)
	if out != nil {
		require.NoError(t, json.Unmarshal(envelope.Result, out))
	}
}

func TestHandleConfigMergeSemantics(t *testing.T) {
	api, st := newTestAPI()

	rec := httptest.NewRecorder()
	api.handleConfig(rec, tenantRequest(http.MethodPost, "/api/config",
		`{"deviceSN":"SN1","foxessToken":"tok","automationEnabled":true}`))
	require.Equal(t, http.StatusOK, rec.Code)

	// A partial update must not blank absent fields.
	rec = httptest.NewRecorder()
	api.handleConfig(rec, tenantRequest(http.MethodPost, "/api/config",
		`{"timezone":"Australia/Sydney","automationEnabled":true}`))
	require.Equal(t, http.StatusOK, rec.Code)

	cfg, err := st.GetConfig(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "SN1", cfg.DeviceSN)
	assert.Equal(t, "tok", cfg.FoxESSToken)
	assert.Equal(t, "Australia/Sydney", cfg.Timezone)
	assert.NotZero(t, cfg.UpdatedAt)
}

func TestHandleConfigDisableArmsClear(t *testing.T) {
	api, st := newTestAPI()
	require.NoError(t, st.PutConfig(context.Background(), "t1", &store.Config{AutomationEnabled: true}))
	require.NoError(t, st.MergeState(context.Background(), "t1", store.StatePatch{
		SegmentsCleared: func() *bool { v := true; return &v }(),
	}))

	rec := httptest.NewRecorder()
	api.handleConfig(rec, tenantRequest(http.MethodPost, "/api/config", `{"automationEnabled":false}`))
	require.Equal(t, http.StatusOK, rec.Code)

	state, err := st.GetState(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, state.SegmentsCleared, "next cycle performs the one-shot clear")
}

func TestHandleConfigNotFound(t *testing.T) {
	api, _ := newTestAPI()
	rec := httptest.NewRecorder()
	api.handleConfig(rec, tenantRequest(http.MethodGet, "/api/config", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRulesCreateAndValidate(t *testing.T) {
	api, st := newTestAPI()

	rec := httptest.NewRecorder()
	api.handleRules(rec, tenantRequest(http.MethodPost, "/api/rules",
		`{"name":"export","priority":1,"enabled":true,
		  "conditions":{"feedInPrice":{"enabled":true,"operator":">=","value":20}},
		  "action":{"workMode":"ForceDischarge","durationMinutes":30}}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var rule store.Rule
	decodeResult(t, rec, &rule)
	assert.NotEmpty(t, rule.RuleID, "server assigns the id")
	assert.NotZero(t, rule.CreatedAt)

	list, err := st.ListRules(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Invalid rules are rejected before they reach the store.
	rec = httptest.NewRecorder()
	api.handleRules(rec, tenantRequest(http.MethodPost, "/api/rules",
		`{"name":"bad","enabled":true,"action":{"workMode":"Turbo","durationMinutes":30}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	list, err = st.ListRules(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestHandleRuleByIDPatchAndDelete(t *testing.T) {
	api, st := newTestAPI()
	require.NoError(t, st.PutRule(context.Background(), "t1", &store.Rule{
		RuleID:  "r1",
		Name:    "export",
		Enabled: true,
		Action:  store.RuleAction{WorkMode: store.WorkModeForceDischarge, DurationMinutes: 30},
	}))

	rec := httptest.NewRecorder()
	api.handleRuleByID(rec, tenantRequest(http.MethodPatch, "/api/rules/r1", `{"enabled":false}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rule, err := st.GetRule(context.Background(), "t1", "r1")
	require.NoError(t, err)
	assert.False(t, rule.Enabled)
	assert.Equal(t, "export", rule.Name, "patch preserves absent fields")

	rec = httptest.NewRecorder()
	api.handleRuleByID(rec, tenantRequest(http.MethodDelete, "/api/rules/r1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = st.GetRule(context.Background(), "t1", "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleRuleByIDBadPath(t *testing.T) {
	api, _ := newTestAPI()
	rec := httptest.NewRecorder()
	api.handleRuleByID(rec, tenantRequest(http.MethodGet, "/api/rules/", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	api.handleRuleByID(rec, tenantRequest(http.MethodGet, "/api/rules/a/b", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithIdempotencyReplays(t *testing.T) {
	api, st := newTestAPI()
	handler := api.withIdempotency(api.handleRules)
	body := `{"name":"export","enabled":true,
	  "action":{"workMode":"ForceDischarge","durationMinutes":30}}`

	req := tenantRequest(http.MethodPost, "/api/rules", body)
	req.Header.Set("X-Idempotency-Key", "key-1")
	rec1 := httptest.NewRecorder()
	handler(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	req = tenantRequest(http.MethodPost, "/api/rules", body)
	req.Header.Set("X-Idempotency-Key", "key-1")
	rec2 := httptest.NewRecorder()
	handler(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	assert.Equal(t, rec1.Body.String(), rec2.Body.String(), "retry replays the recorded response")
	list, err := st.ListRules(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1, "the mutation ran once")

	// A different key executes fresh.
	req = tenantRequest(http.MethodPost, "/api/rules", body)
	req.Header.Set("X-Idempotency-Key", "key-2")
	rec3 := httptest.NewRecorder()
	handler(rec3, req)
	require.Equal(t, http.StatusOK, rec3.Code)
	list, err = st.ListRules(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestHandleAutomationEnable(t *testing.T) {
	api, st := newTestAPI()
	require.NoError(t, st.PutConfig(context.Background(), "t1", &store.Config{AutomationEnabled: true}))
	require.NoError(t, st.MergeState(context.Background(), "t1", store.StatePatch{
		SegmentsCleared: func() *bool { v := true; return &v }(),
	}))

	rec := httptest.NewRecorder()
	api.handleAutomationEnable(rec, tenantRequest(http.MethodPost, "/api/automation/enable", `{"enabled":false}`))
	require.Equal(t, http.StatusOK, rec.Code)

	cfg, err := st.GetConfig(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, cfg.AutomationEnabled)
	state, err := st.GetState(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, state.SegmentsCleared)
}

func TestHandleHistoryUsesStoreWithoutArchive(t *testing.T) {
	api, st := newTestAPI()
	nowMs := time.Now().UnixMilli()
	require.NoError(t, st.AppendAudit(context.Background(), "t1", &store.AuditEntry{CycleID: "c1", StartedAt: nowMs}))
	require.NoError(t, st.AppendAudit(context.Background(), "t1", &store.AuditEntry{
		CycleID: "ancient", StartedAt: nowMs - 100*24*3600_000,
	}))

	rec := httptest.NewRecorder()
	api.handleHistory(rec, tenantRequest(http.MethodGet, "/api/automation/history?days=7", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []*store.AuditEntry
	decodeResult(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "c1", entries[0].CycleID)
}

func TestHandlePriceHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"type":"ActualInterval","startTime":"2026-01-10T12:00:00Z","endTime":"2026-01-10T12:30:00Z","perKwh":25.0,"channelType":"general"},
			{"type":"ActualInterval","startTime":"2026-01-10T12:00:00Z","endTime":"2026-01-10T12:30:00Z","perKwh":-8.0,"channelType":"feedIn"}
		]`))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	require.NoError(t, st.PutConfig(context.Background(), "t1", &store.Config{
		AmberAPIKey: "key", AmberSiteID: "site1",
	}))
	amber := clients.NewAmber(srv.URL, clients.NewHarness(nil))
	eng := engine.New(st, nil, nullInverter{}, nullTelemetry{}, nullPrices{}, nullWeather{}, nil)
	api := NewAPI(st, nil, eng, cache.NewPrices(st, amber))

	rec := httptest.NewRecorder()
	api.handlePriceHistory(rec, tenantRequest(http.MethodGet,
		"/api/prices/history?start=2026-01-10&end=2026-01-12", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var intervals []clients.PriceInterval
	decodeResult(t, rec, &intervals)
	require.Len(t, intervals, 2)
	for _, iv := range intervals {
		if iv.Channel == clients.ChannelFeedIn {
			assert.Equal(t, 8.0, iv.Cents, "feed-in sign is canonical on the way out")
		}
	}

	rec = httptest.NewRecorder()
	api.handlePriceHistory(rec, tenantRequest(http.MethodGet,
		"/api/prices/history?start=2026-01-12&end=2026-01-10", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePriceHistoryUnconfigured(t *testing.T) {
	api, _ := newTestAPI()
	rec := httptest.NewRecorder()
	api.handlePriceHistory(rec, tenantRequest(http.MethodGet, "/api/prices/history", ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDaysParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?days=30", nil)
	assert.Equal(t, 30, daysParam(req, 7, 90))

	req = httptest.NewRequest(http.MethodGet, "/x?days=500", nil)
	assert.Equal(t, 90, daysParam(req, 7, 90))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, 7, daysParam(req, 7, 90))

	req = httptest.NewRequest(http.MethodGet, "/x?days=junk", nil)
	assert.Equal(t, 7, daysParam(req, 7, 90))
}
