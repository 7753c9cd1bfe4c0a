package engine

import (
	"context"
	"log"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/store"
	"github.com/solarctl/solarctl/controller/streaming"
)

// runCurtailment drives the export-limit state machine off the feed-in
// price the cycle already fetched. The inverter is touched only on
// transitions; staying on the same side of the threshold is free. With
// the price unknown the machine holds its state.
func (e *Engine) runCurtailment(ctx context.Context, cfg *store.Config, state *store.AutomationState, feedIn *float64) string {
	cur := state.Curtailment
	threshold := cfg.Curtailment.ThresholdCents

	switch {
	case !cur.Active && cfg.Curtailment.Enabled && feedIn != nil && *feedIn < threshold:
		if err := e.inverter.SetExportLimit(ctx, foxAccount(cfg), 0, clients.CallOpts{Metered: true}); err != nil {
			log.Printf("engine %s: curtailment activate failed: %v", cfg.UID, err)
			return "curtailment_activate_failed"
		}
		e.setCurtailment(ctx, cfg.UID, state, true)
		observability.CurtailmentTransitions.WithLabelValues("activated").Inc()
		e.publish(streaming.EventCurtailment, cfg.UID, map[string]any{"active": true, "feedInCents": *feedIn})
		return "curtailment_activated"

	case cur.Active && (!cfg.Curtailment.Enabled || (feedIn != nil && *feedIn >= threshold)):
		if err := e.inverter.SetExportLimit(ctx, foxAccount(cfg), cfg.Curtailment.RestoreWatts, clients.CallOpts{Metered: true}); err != nil {
			log.Printf("engine %s: curtailment restore failed: %v", cfg.UID, err)
			return "curtailment_restore_failed"
		}
		e.setCurtailment(ctx, cfg.UID, state, false)
		observability.CurtailmentTransitions.WithLabelValues("deactivated").Inc()
		e.publish(streaming.EventCurtailment, cfg.UID, map[string]any{"active": false})
		return "curtailment_deactivated"
	}
	return ""
}

func (e *Engine) setCurtailment(ctx context.Context, uid string, state *store.AutomationState, active bool) {
	cs := store.CurtailmentState{Active: active, LastChange: e.now().UnixMilli()}
	state.Curtailment = cs
	e.mergeState(ctx, uid, store.StatePatch{Curtailment: &cs})
}
