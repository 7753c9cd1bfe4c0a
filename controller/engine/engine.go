// Package engine runs the per-tenant automation cycle: acquire signals,
// evaluate rules by priority, drive the inverter scheduler through the
// apply/verify and clear protocols, and keep state, audit and the
// curtailment machine consistent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/store"
	"github.com/solarctl/solarctl/controller/streaming"
)

// Settle times between an inverter write and the next interaction. The
// device firmware applies schedules asynchronously; reading back or
// writing again too early observes the previous schedule.
const (
	applySettle = 3 * time.Second
	clearSettle = 2500 * time.Millisecond
)

// clearAlertThreshold is how many consecutive clear failures escalate to
// a critical alert.
const clearAlertThreshold = 5

var (
	// ErrApplyFailed marks an apply that did not reach verified state.
	ErrApplyFailed = errors.New("segment apply failed")
	// ErrClearFailed marks a clear protocol that exhausted its retries.
	ErrClearFailed = errors.New("segment clear failed")
	// ErrBusy is returned when another cycle already runs for the tenant.
	ErrBusy = errors.New("cycle already running for tenant")
	// ErrBadRequest marks caller input rejected before any device call.
	ErrBadRequest = errors.New("invalid request")
)

// Inverter is the scheduler-facing slice of the inverter client.
type Inverter interface {
	GetScheduler(ctx context.Context, acct clients.FoxAccount, opts clients.CallOpts) (*store.SchedulerSegments, error)
	ApplyScheduler(ctx context.Context, acct clients.FoxAccount, seg store.SchedulerSegments, opts clients.CallOpts) error
	SetFlag(ctx context.Context, acct clients.FoxAccount, enabled bool, opts clients.CallOpts) error
	SetExportLimit(ctx context.Context, acct clients.FoxAccount, watts int, opts clients.CallOpts) error
}

// TelemetrySource yields cached real-time device telemetry.
type TelemetrySource interface {
	Get(ctx context.Context, acct clients.FoxAccount, ttl time.Duration) (*clients.RealTimeData, bool, error)
}

// PriceSource yields the cached current-and-forecast price window.
type PriceSource interface {
	Current(ctx context.Context, acct clients.AmberAccount, ttl time.Duration) ([]clients.PriceInterval, bool, error)
}

// WeatherSource yields a cached hourly forecast.
type WeatherSource interface {
	Forecast(ctx context.Context, uid string, lat, lon float64, timezone string, days int, ttl time.Duration) (*clients.WeatherForecast, bool, error)
}

// Engine owns all per-tenant automation decisions. One Engine serves
// every tenant; per-tenant exclusivity is enforced internally.
type Engine struct {
	store     store.Store
	archive   store.AuditArchive // nil when no durable archive is configured
	inverter  Inverter
	telemetry TelemetrySource
	prices    PriceSource
	weather   WeatherSource
	publisher streaming.Publisher

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// New builds an engine. archive and publisher may be nil.
func New(st store.Store, archive store.AuditArchive, inv Inverter, tel TelemetrySource, pr PriceSource, we WeatherSource, pub streaming.Publisher) *Engine {
	if pub == nil {
		pub = streaming.LogPublisher{}
	}
	return &Engine{
		store:     st,
		archive:   archive,
		inverter:  inv,
		telemetry: tel,
		prices:    pr,
		weather:   we,
		publisher: pub,
		now:       time.Now,
		sleep:     sleepCtx,
		tenants:   map[string]*sync.Mutex{},
	}
}

// SetPublisher swaps the event sink. Call before any cycles run.
func (e *Engine) SetPublisher(pub streaming.Publisher) {
	if pub != nil {
		e.publisher = pub
	}
}

// tenantLock serialises all inverter-touching operations for one uid:
// cycles, quick-control start/stop and expiry cleanup.
func (e *Engine) tenantLock(uid string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.tenants[uid]
	if !ok {
		m = &sync.Mutex{}
		e.tenants[uid] = m
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("engine: bad timezone %q, using UTC: %v", tz, err)
		return time.UTC
	}
	return loc
}

func foxAccount(cfg *store.Config) clients.FoxAccount {
	return clients.FoxAccount{UID: cfg.UID, Token: cfg.FoxESSToken, DeviceSN: cfg.DeviceSN}
}

func amberAccount(cfg *store.Config) clients.AmberAccount {
	return clients.AmberAccount{UID: cfg.UID, APIKey: cfg.AmberAPIKey, SiteID: cfg.AmberSiteID}
}

// publish emits a best-effort event with a JSON payload.
func (e *Engine) publish(typ streaming.EventType, uid string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(string(typ)).Inc()
		return
	}
	e.publisher.Publish(streaming.Event{Type: typ, UID: uid, At: e.now().UnixMilli(), Payload: raw})
}

// finishAudit persists the cycle record and mirrors it to the archive.
func (e *Engine) finishAudit(ctx context.Context, entry *store.AuditEntry) {
	entry.CompletedAt = e.now().UnixMilli()
	entry.CycleDurationMs = entry.CompletedAt - entry.StartedAt
	if err := e.store.AppendAudit(ctx, entry.UID, entry); err != nil {
		log.Printf("engine %s: audit append failed: %v", entry.UID, err)
	}
	if e.archive != nil {
		if err := e.archive.ArchiveAudit(ctx, entry); err != nil {
			log.Printf("engine %s: audit archive failed: %v", entry.UID, err)
		}
	}
	observability.CyclesTotal.WithLabelValues(entry.ActionTaken).Inc()
	observability.CycleDuration.Observe(float64(entry.CycleDurationMs) / 1000)
	e.publish(streaming.EventCycleCompleted, entry.UID, entry)
}

// mergeState wraps the store call with logging; a lost merge of derived
// booleans is recoverable on the next cycle.
func (e *Engine) mergeState(ctx context.Context, uid string, patch store.StatePatch) {
	if err := e.store.MergeState(ctx, uid, patch); err != nil {
		log.Printf("engine %s: state merge failed: %v", uid, err)
	}
}

func ptr[T any](v T) *T { return &v }

// nullable builds the double-pointer "set to null" patch value.
func nullable[T any](v *T) **T { return &v }
