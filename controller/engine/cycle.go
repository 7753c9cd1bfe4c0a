package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/rules"
	"github.com/solarctl/solarctl/controller/store"
)

// RunCycle executes one automation cycle for the tenant. It returns the
// audit entry describing what happened. ErrBusy means another cycle or
// quick-control operation currently holds the tenant.
func (e *Engine) RunCycle(ctx context.Context, uid string) (*store.AuditEntry, error) {
	lock := e.tenantLock(uid)
	if !lock.TryLock() {
		return nil, ErrBusy
	}
	defer lock.Unlock()
	return e.runCycle(ctx, uid)
}

func (e *Engine) runCycle(ctx context.Context, uid string) (*store.AuditEntry, error) {
	started := e.now()
	audit := &store.AuditEntry{
		UID:       uid,
		CycleID:   uuid.NewString(),
		StartedAt: started.UnixMilli(),
	}

	cfg, err := e.store.GetConfig(ctx, uid)
	if err != nil {
		observability.CycleErrors.WithLabelValues("config").Inc()
		return nil, fmt.Errorf("load config: %w", err)
	}
	state, err := e.loadState(ctx, uid)
	if err != nil {
		observability.CycleErrors.WithLabelValues("state").Inc()
		return nil, fmt.Errorf("load state: %w", err)
	}
	audit.ActiveRuleBefore = state.ActiveRule

	loc := e.location(cfg.Timezone)
	nowLocal := started.In(loc)
	lastCheck := started.UnixMilli()

	finish := func(action string) *store.AuditEntry {
		audit.ActionTaken = action
		audit.ActiveRuleAfter = state.ActiveRule
		e.finishAudit(ctx, audit)
		return audit
	}

	// Automation off: one-shot clear, then idle heartbeats.
	if !cfg.AutomationEnabled {
		if !state.SegmentsCleared {
			if err := e.disableCleanup(ctx, cfg); err != nil {
				observability.CycleErrors.WithLabelValues("disable_clear").Inc()
				e.mergeState(ctx, uid, store.StatePatch{LastCheck: ptr(lastCheck), Enabled: ptr(false)})
				audit.Reason = err.Error()
				return finish("disable_clear_failed"), nil
			}
			// The one-shot clear wiped any override slot with it, so an
			// active quick control is retired here rather than left
			// claiming the device.
			if qc, err := e.store.GetQuickControl(ctx, uid); err == nil && qc.Active {
				qc.Active = false
				qc.Segment = nil
				if err := e.store.PutQuickControl(ctx, uid, qc); err != nil {
					log.Printf("engine %s: retiring quick control on disable failed: %v", uid, err)
				}
			}
			state.ActiveRule = nil
			state.ActiveRuleName = ""
			state.SegmentsCleared = true
			e.mergeState(ctx, uid, store.StatePatch{
				Enabled:              ptr(false),
				LastCheck:            ptr(lastCheck),
				ActiveRule:           nullable[string](nil),
				ActiveRuleName:       ptr(""),
				ActiveSegment:        nullable[store.SchedulerSegments](nil),
				ActiveSegmentEnabled: ptr(false),
				SegmentsCleared:      ptr(true),
			})
			return finish("disabled_cleared"), nil
		}
		e.mergeState(ctx, uid, store.StatePatch{Enabled: ptr(false), LastCheck: ptr(lastCheck)})
		return finish("disabled"), nil
	}

	// Blackout: hold nothing active, fetch nothing.
	if InBlackout(cfg.BlackoutWindows, nowLocal) {
		if state.ActiveRule != nil {
			if err := e.clearActive(ctx, cfg, state, "blackout"); err != nil {
				e.mergeState(ctx, uid, store.StatePatch{LastCheck: ptr(lastCheck)})
				audit.Reason = err.Error()
				return finish("clear_failed"), nil
			}
		}
		state.InBlackout = true
		e.mergeState(ctx, uid, store.StatePatch{
			Enabled:    ptr(true),
			InBlackout: ptr(true),
			LastCheck:  ptr(lastCheck),
		})
		return finish("blackout"), nil
	}
	if state.InBlackout {
		state.InBlackout = false
		e.mergeState(ctx, uid, store.StatePatch{InBlackout: ptr(false)})
	}

	// Quick-control override: stand down while active, clean up on the
	// first cycle past expiry.
	if qc, err := e.store.GetQuickControl(ctx, uid); err == nil && qc.Active {
		if started.UnixMilli() <= qc.ExpiresAt {
			e.mergeState(ctx, uid, store.StatePatch{Enabled: ptr(true), LastCheck: ptr(lastCheck)})
			return finish("quick_control_hold"), nil
		}
		if err := e.expireQuickControl(ctx, cfg, "cycle"); err != nil {
			observability.CycleErrors.WithLabelValues("quick_control").Inc()
			e.mergeState(ctx, uid, store.StatePatch{LastCheck: ptr(lastCheck)})
			audit.Reason = err.Error()
			return finish("quick_control_cleanup_failed"), nil
		}
	}

	ruleList, err := e.store.ListRules(ctx, uid)
	if err != nil {
		observability.CycleErrors.WithLabelValues("rules").Inc()
		return nil, fmt.Errorf("list rules: %w", err)
	}

	// Deferred-clear flags left by rule mutations while a rule was live.
	for _, r := range ruleList {
		if !r.ClearSegmentsOnNextCycle {
			continue
		}
		if state.ActiveRule != nil && *state.ActiveRule == r.RuleID {
			if err := e.clearActive(ctx, cfg, state, "rule_flagged"); err != nil {
				e.mergeState(ctx, uid, store.StatePatch{LastCheck: ptr(lastCheck)})
				audit.Reason = err.Error()
				return finish("clear_failed"), nil
			}
		}
		r.ClearSegmentsOnNextCycle = false
		if err := e.store.PutRule(ctx, uid, r); err != nil {
			log.Printf("engine %s: clearing rule flag %s failed: %v", uid, r.RuleID, err)
		}
	}

	// A failed clear from a previous cycle is retried before anything
	// else; the stuck segment must come off the device first.
	if state.ClearFailureAttempts > 0 && state.ActiveRule != nil {
		if err := e.clearActive(ctx, cfg, state, "retry_clear"); err != nil {
			e.mergeState(ctx, uid, store.StatePatch{LastCheck: ptr(lastCheck)})
			audit.Reason = err.Error()
			return finish("clear_failed"), nil
		}
	}

	enabled, invalid := partitionRules(ruleList)
	audit.RulesEvaluated = len(enabled) + len(invalid)
	for _, r := range invalid {
		audit.Evaluations = append(audit.Evaluations, store.RuleEvaluation{
			RuleID: r.RuleID, RuleName: r.Name, Priority: r.Priority, Outcome: "invalid_config",
		})
	}

	report := e.gatherSignals(ctx, cfg, state, enabled, nowLocal)
	if len(report.unavailable) > 0 {
		audit.Reason = "unavailable: " + strings.Join(report.unavailable, ",")
	}

	evals := make(map[string]rules.Evaluation, len(enabled))
	for _, r := range enabled {
		ev := rules.Evaluate(r.Conditions, r.Action, report.sig)
		evals[r.RuleID] = ev
		outcome := ev.Outcome.String()
		if ev.Outcome == rules.Met && !cooldownReady(r, started.UnixMilli()) {
			outcome = "cooldown"
		}
		audit.Evaluations = append(audit.Evaluations, store.RuleEvaluation{
			RuleID: r.RuleID, RuleName: r.Name, Priority: r.Priority,
			Outcome: outcome, Conditions: ev.Conditions,
		})
	}

	action := e.transition(ctx, cfg, state, enabled, evals, started, loc, audit)

	if curtail := e.runCurtailment(ctx, cfg, state, report.feedInNow()); curtail != "" {
		if audit.Reason != "" {
			audit.Reason += "; "
		}
		audit.Reason += curtail
	}

	e.mergeState(ctx, uid, store.StatePatch{Enabled: ptr(true), LastCheck: ptr(lastCheck)})
	return finish(action), nil
}

// transition decides and executes the active-rule state change for this
// cycle, returning the action name for the audit record.
func (e *Engine) transition(ctx context.Context, cfg *store.Config, state *store.AutomationState, enabled []*store.Rule, evals map[string]rules.Evaluation, started time.Time, loc *time.Location, audit *store.AuditEntry) string {
	nowMs := started.UnixMilli()
	continuedEvaluation := false

	if state.ActiveRule != nil {
		active := findRule(enabled, *state.ActiveRule)
		if active == nil {
			// Active rule deleted or disabled out from under us.
			if err := e.clearActive(ctx, cfg, state, "rule_missing"); err != nil {
				audit.Reason = err.Error()
				return "clear_failed"
			}
			continuedEvaluation = true
		} else {
			ev := evals[active.RuleID]
			withinDuration := state.ActiveUntil == 0 || nowMs < state.ActiveUntil
			next := preemptCandidate(enabled, evals, active.Priority, nowMs)

			switch {
			case ev.Outcome == rules.NoData:
				// Partial picture: hold everything as-is.
				return "no_data_hold"
			case next != nil:
				prev := *state.ActiveRule
				if err := e.preempt(ctx, cfg, state, next, loc); err != nil {
					audit.Reason = err.Error()
					if errors.Is(err, ErrClearFailed) {
						return "clear_failed"
					}
					observability.CycleErrors.WithLabelValues("apply").Inc()
					return "apply_failed"
				}
				audit.Triggered = true
				audit.RuleID = next.RuleID
				audit.RuleName = next.Name
				log.Printf("engine %s: rule %s preempted %s", cfg.UID, next.RuleID, prev)
				return "preempted"
			case ev.Outcome == rules.Met && withinDuration:
				// Conditions hold: stay silent, no inverter call.
				return "continued"
			default:
				if err := e.clearActive(ctx, cfg, state, "conditions_lost"); err != nil {
					audit.Reason = err.Error()
					return "clear_failed"
				}
				continuedEvaluation = true
			}
		}
	}

	// Idle (or just cleared): look for a rule to start.
	cand := startCandidate(enabled, evals, nowMs)
	if cand == nil {
		if continuedEvaluation {
			audit.ContinuedEvaluation = true
			return "cleared"
		}
		return "idle"
	}
	audit.ContinuedEvaluation = continuedEvaluation

	if _, err := e.startRule(ctx, cfg, cand, e.now().In(loc), nil); err != nil {
		observability.CycleErrors.WithLabelValues("apply").Inc()
		audit.Reason = err.Error()
		return "apply_failed"
	}
	state.ActiveRule = ptr(cand.RuleID)
	state.ActiveRuleName = cand.Name
	audit.Triggered = true
	audit.RuleID = cand.RuleID
	audit.RuleName = cand.Name
	return "started"
}

// preempt replaces the active rule with a more urgent one: device clear,
// settle, verified apply, then one commit carrying the new active rule,
// its lastTriggered, and the cancelled rule's cooldown reset together.
func (e *Engine) preempt(ctx context.Context, cfg *store.Config, state *store.AutomationState, next *store.Rule, loc *time.Location) error {
	prev := *state.ActiveRule
	err := e.inverter.ApplyScheduler(ctx, foxAccount(cfg), store.ClearedSegments(), clients.CallOpts{Preset: clients.PresetClear})
	if err != nil {
		observability.SegmentApplies.WithLabelValues("clear", "failed").Inc()
		observability.ClearFailures.Inc()
		attempts := state.ClearFailureAttempts + 1
		state.ClearFailureAttempts = attempts
		e.mergeState(ctx, cfg.UID, store.StatePatch{ClearFailureAttempts: ptr(attempts)})
		if attempts >= clearAlertThreshold {
			e.alertClearStuck(ctx, cfg.UID, state, attempts)
		}
		return fmt.Errorf("%w: %v", ErrClearFailed, err)
	}
	observability.SegmentApplies.WithLabelValues("clear", "ok").Inc()
	if err := e.sleep(ctx, clearSettle); err != nil {
		return err
	}

	if _, err := e.startRule(ctx, cfg, next, e.now().In(loc), []string{prev}); err != nil {
		// Device is cleared but the new rule did not land: commit the
		// cleared reality so state matches the device.
		patch := store.StatePatch{
			ActiveRule:           nullable[string](nil),
			ActiveRuleName:       ptr(""),
			ActiveSegment:        nullable[store.SchedulerSegments](nil),
			ActiveSegmentEnabled: ptr(false),
			ActiveUntil:          ptr(int64(0)),
			ClearFailureAttempts: ptr(0),
		}
		if cerr := e.store.CommitTransition(ctx, cfg.UID, patch, nil, []string{prev}); cerr != nil {
			log.Printf("engine %s: commit after failed preempt apply: %v", cfg.UID, cerr)
		}
		state.ActiveRule = nil
		state.ActiveRuleName = ""
		observability.ActiveRules.Dec()
		return err
	}
	state.ActiveRule = ptr(next.RuleID)
	state.ActiveRuleName = next.Name
	return nil
}

func cooldownReady(r *store.Rule, nowMs int64) bool {
	if r.LastTriggered == nil {
		return true
	}
	return nowMs-*r.LastTriggered >= int64(r.CooldownMinutes)*60_000
}

// partitionRules keeps enabled rules the evaluator can interpret, in
// deterministic priority order, and returns the invalid ones separately.
func partitionRules(all []*store.Rule) (enabled, invalid []*store.Rule) {
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		if err := rules.ValidateRule(r); err != nil {
			log.Printf("engine %s: rule %s skipped: %v", r.UID, r.RuleID, err)
			invalid = append(invalid, r)
			continue
		}
		enabled = append(enabled, r)
	}
	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].RuleID < enabled[j].RuleID
	})
	return enabled, invalid
}

func findRule(list []*store.Rule, id string) *store.Rule {
	for _, r := range list {
		if r.RuleID == id {
			return r
		}
	}
	return nil
}

// preemptCandidate returns the most urgent rule strictly above the
// active priority whose conditions are met and cooldown has expired.
func preemptCandidate(enabled []*store.Rule, evals map[string]rules.Evaluation, activePriority int, nowMs int64) *store.Rule {
	for _, r := range enabled {
		if r.Priority >= activePriority {
			return nil // sorted: nothing more urgent follows
		}
		if evals[r.RuleID].Outcome == rules.Met && cooldownReady(r, nowMs) {
			return r
		}
	}
	return nil
}

// startCandidate returns the most urgent startable rule.
func startCandidate(enabled []*store.Rule, evals map[string]rules.Evaluation, nowMs int64) *store.Rule {
	for _, r := range enabled {
		if evals[r.RuleID].Outcome == rules.Met && cooldownReady(r, nowMs) {
			return r
		}
	}
	return nil
}
