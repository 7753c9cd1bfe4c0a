package main

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/multierr"

	"github.com/solarctl/solarctl/controller/engine"
	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/store"
)

// tickSpec fires at every minute boundary (seconds-resolution cron).
const tickSpec = "0 * * * * *"

// Driver is the fixed heartbeat that fans one tick out into per-tenant
// cycles. Tenants run concurrently; each cycle is sequential internally
// and carries its own deadline so an overrun never bleeds into the next
// tick.
type Driver struct {
	engine   *engine.Engine
	store    store.Store
	deadline time.Duration
	cron     *cron.Cron

	mu   sync.Mutex
	busy map[string]bool
}

// NewDriver builds the tick driver. deadline caps each tenant cycle.
func NewDriver(eng *engine.Engine, st store.Store, deadline time.Duration) *Driver {
	if deadline <= 0 || deadline > 50*time.Second {
		deadline = 50 * time.Second
	}
	return &Driver{
		engine:   eng,
		store:    st,
		deadline: deadline,
		busy:     map[string]bool{},
	}
}

// Start begins ticking. The cron scheduler owns its own goroutine.
func (d *Driver) Start() error {
	d.cron = cron.New()
	if err := d.cron.AddFunc(tickSpec, d.tick); err != nil {
		return err
	}
	d.cron.Start()
	log.Printf("driver: ticking on %q, cycle deadline %s", tickSpec, d.deadline)
	return nil
}

// Stop halts the heartbeat. In-flight cycles finish on their own.
func (d *Driver) Stop() {
	if d.cron != nil {
		d.cron.Stop()
	}
}

// Tick runs one dispatch round. Exported for the manual trigger path.
func (d *Driver) Tick() {
	d.tick()
}

func (d *Driver) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), d.deadline+5*time.Second)
	defer cancel()

	tenants, err := d.store.ListAutomationTenants(ctx)
	if err != nil {
		log.Printf("driver: listing tenants failed: %v", err)
		return
	}
	observability.TickTenants.Set(float64(len(tenants)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(tenants))
	for _, uid := range tenants {
		if !d.acquire(uid) {
			observability.TickSkipped.WithLabelValues("busy").Inc()
			continue
		}
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			defer d.release(uid)
			if err := d.runTenant(uid); err != nil {
				errCh <- err
			}
		}(uid)
	}
	wg.Wait()
	close(errCh)

	var errs error
	for err := range errCh {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		log.Printf("driver: tick finished with errors: %v", errs)
	}
}

// runTenant executes one gated cycle with its own deadline. A panic in
// one tenant's cycle must never take down the driver or other tenants.
func (d *Driver) runTenant(uid string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.CycleErrors.WithLabelValues("panic").Inc()
			log.Printf("driver: cycle panic for tenant %s: %v\n%s", uid, r, debug.Stack())
			err = nil
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.deadline)
	defer cancel()

	_, ran, err := d.engine.RunCycleIfDue(ctx, uid)
	if !ran && err == nil {
		observability.TickSkipped.WithLabelValues("interval").Inc()
		return nil
	}
	if errors.Is(err, engine.ErrBusy) {
		observability.TickSkipped.WithLabelValues("busy").Inc()
		return nil
	}
	if err != nil {
		log.Printf("driver: cycle for tenant %s failed: %v", uid, err)
	}
	return err
}

func (d *Driver) acquire(uid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy[uid] {
		return false
	}
	d.busy[uid] = true
	return true
}

func (d *Driver) release(uid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, uid)
}
