package clients

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/avast/retry-go"

	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/store"
)

// CallOpts discriminates how a provider call is made. Metered calls count
// against the tenant's daily API quota; system-originated housekeeping
// (clears, verifies, toggle-off cleanup) sets Metered=false.
type CallOpts struct {
	Metered bool
	Preset  Preset // zero value falls back to PresetDefault
}

func (o CallOpts) preset() Preset {
	if o.Preset.Attempts == 0 {
		return PresetDefault
	}
	return o.Preset
}

// Meter records quota-consuming external calls per tenant per day.
type Meter interface {
	RecordCall(ctx context.Context, uid string, provider Provider)
}

// StoreMeter implements Meter on the persistence store's daily counters.
type StoreMeter struct {
	store store.Store
}

// NewStoreMeter wraps a store as a call meter.
func NewStoreMeter(s store.Store) *StoreMeter {
	return &StoreMeter{store: s}
}

func (m *StoreMeter) RecordCall(ctx context.Context, uid string, provider Provider) {
	if uid == "" {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	if err := m.store.IncrementAPICall(ctx, uid, string(provider), day); err != nil {
		// Metering is bookkeeping; the call itself already happened.
		log.Printf("api counter increment failed for tenant %s provider %s: %v", uid, provider, err)
	}
}

// Harness is the shared call path for all provider clients: circuit
// breaker, per-provider rate limit, retry policy and quota metering.
type Harness struct {
	breakers map[Provider]*Breaker
	limiter  *ProviderLimiter
	meter    Meter
}

// NewHarness builds the instrumented call path shared by every client.
func NewHarness(meter Meter) *Harness {
	return &Harness{
		breakers: map[Provider]*Breaker{
			ProviderFoxESS:  NewBreaker(ProviderFoxESS),
			ProviderAmber:   NewBreaker(ProviderAmber),
			ProviderWeather: NewBreaker(ProviderWeather),
		},
		// Providers rate-limit well below this; the bucket only guards
		// against pathological tenant fan-out in a single tick.
		limiter: NewProviderLimiter(10, 5),
		meter:   meter,
	}
}

// Do runs fn under the harness policy. Each attempt that reaches the
// provider and is not rate-limited consumes quota, so metering happens
// per attempt, not per logical call.
func (h *Harness) Do(ctx context.Context, provider Provider, uid string, opts CallOpts, fn func(ctx context.Context) error) error {
	breaker := h.breakers[provider]
	if breaker != nil && !breaker.Allow() {
		return &CircuitOpenError{Provider: provider}
	}

	attempt := func() error {
		if err := h.limiter.Wait(ctx, provider); err != nil {
			return retry.Unrecoverable(err)
		}

		start := time.Now()
		err := fn(ctx)
		observability.ProviderLatency.WithLabelValues(string(provider)).Observe(time.Since(start).Seconds())

		outcome := "ok"
		switch {
		case IsRateLimited(err):
			outcome = "rate_limited"
		case err != nil:
			outcome = "error"
		}
		observability.ProviderCalls.WithLabelValues(string(provider), strconv.FormatBool(opts.Metered), outcome).Inc()

		// Rate-limited responses did not consume the quota.
		if opts.Metered && !IsRateLimited(err) && h.meter != nil {
			h.meter.RecordCall(ctx, uid, provider)
		}

		if breaker != nil {
			if err == nil {
				breaker.RecordSuccess()
			} else if !IsRateLimited(err) {
				breaker.RecordFailure()
			}
		}
		if err != nil {
			log.Printf("%s call failed for tenant %s: %v", provider, uid, err)
		}
		return err
	}

	return retry.Do(attempt, opts.preset().options(ctx)...)
}
