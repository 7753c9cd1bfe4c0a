package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/store"
	"github.com/solarctl/solarctl/controller/streaming"
)

// ComposeSegment builds the 8-slot payload for a rule action: slot 0
// runs from now for the action's duration, every other slot disabled.
func ComposeSegment(action store.RuleAction, nowLocal time.Time) store.SchedulerSegments {
	seg := store.ClearedSegments()
	end := nowLocal.Add(time.Duration(action.DurationMinutes) * time.Minute)
	maxSoc := action.MaxSoC
	if maxSoc <= 0 {
		maxSoc = 100
	}
	seg.Slots[0] = store.SchedulerSlot{
		Enable:       1,
		WorkMode:     action.WorkMode,
		StartHour:    nowLocal.Hour(),
		StartMinute:  nowLocal.Minute(),
		EndHour:      end.Hour(),
		EndMinute:    end.Minute(),
		MinSocOnGrid: action.TargetMinSoC,
		FdSoc:        action.TargetMinSoC,
		FdPwr:        action.DischargePowerW,
		MaxSoc:       maxSoc,
	}
	seg.Enabled = true
	return seg
}

// segmentVerified matches the device's slot 0 against what was sent:
// enable plus the start/end wall-clock minutes. Other fields are not
// compared; firmware normalises some of them.
func segmentVerified(sent, got store.SchedulerSegments) bool {
	if len(got.Slots) == 0 || len(sent.Slots) == 0 {
		return false
	}
	s, g := sent.Slots[0], got.Slots[0]
	return g.Enable == 1 &&
		g.StartHour == s.StartHour && g.StartMinute == s.StartMinute &&
		g.EndHour == s.EndHour && g.EndMinute == s.EndMinute
}

// applyVerified runs the full apply protocol: write the segment, raise
// the enable flag, wait for the device to settle, and read the schedule
// back. It returns nil only for a verified apply; callers must not
// record an active rule on any other outcome. The segment write is the
// one metered call; flag and verification are housekeeping.
func (e *Engine) applyVerified(ctx context.Context, acct clients.FoxAccount, seg store.SchedulerSegments) error {
	if err := e.inverter.ApplyScheduler(ctx, acct, seg, clients.CallOpts{Metered: true, Preset: clients.PresetCritical}); err != nil {
		observability.SegmentApplies.WithLabelValues("apply", "failed").Inc()
		return fmt.Errorf("%w: scheduler write: %v", ErrApplyFailed, err)
	}
	if err := e.inverter.SetFlag(ctx, acct, true, clients.CallOpts{Preset: clients.PresetCritical}); err != nil {
		observability.SegmentApplies.WithLabelValues("apply", "failed").Inc()
		return fmt.Errorf("%w: enable flag: %v", ErrApplyFailed, err)
	}
	if err := e.sleep(ctx, applySettle); err != nil {
		return fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	got, err := e.inverter.GetScheduler(ctx, acct, clients.CallOpts{Preset: clients.PresetVerify})
	if err != nil {
		observability.SegmentApplies.WithLabelValues("apply", "failed").Inc()
		return fmt.Errorf("%w: verification read: %v", ErrApplyFailed, err)
	}
	if !segmentVerified(seg, *got) {
		observability.SegmentApplies.WithLabelValues("apply", "verify_mismatch").Inc()
		return fmt.Errorf("%w: verification mismatch on slot 0", ErrApplyFailed)
	}
	observability.SegmentApplies.WithLabelValues("apply", "ok").Inc()
	return nil
}

// startRule applies a rule's segment and, only once verified, commits
// the active-rule transition together with the cooldown bookkeeping.
// cancelled carries the rule ids whose lastTriggered must reset in the
// same commit (the preempted rule).
func (e *Engine) startRule(ctx context.Context, cfg *store.Config, r *store.Rule, nowLocal time.Time, cancelled []string) (store.SchedulerSegments, error) {
	seg := ComposeSegment(r.Action, nowLocal)
	if err := e.applyVerified(ctx, foxAccount(cfg), seg); err != nil {
		return seg, err
	}

	nowMs := e.now().UnixMilli()
	until := nowMs + int64(r.Action.DurationMinutes)*60_000
	patch := store.StatePatch{
		ActiveRule:           nullable(ptr(r.RuleID)),
		ActiveRuleName:       ptr(r.Name),
		ActiveSegment:        nullable(&seg),
		ActiveSegmentEnabled: ptr(true),
		ActiveUntil:          ptr(until),
		ClearFailureAttempts: ptr(0),
	}
	if err := e.store.CommitTransition(ctx, cfg.UID, patch, &store.RuleTrigger{RuleID: r.RuleID, At: nowMs}, cancelled); err != nil {
		return seg, fmt.Errorf("commit transition for rule %s: %w", r.RuleID, err)
	}
	if len(cancelled) == 0 {
		observability.ActiveRules.Inc()
	}
	e.publish(streaming.EventRuleStarted, cfg.UID, map[string]any{
		"ruleId": r.RuleID, "ruleName": r.Name, "until": until,
	})
	return seg, nil
}

// clearActive runs the clear protocol: write the all-disabled payload
// with fixed short retries, and only on device success null the active
// rule and reset the cancelled rule's cooldown in one commit. On failure
// the active rule is preserved on purpose so the next cycle retries.
func (e *Engine) clearActive(ctx context.Context, cfg *store.Config, state *store.AutomationState, reason string) error {
	err := e.inverter.ApplyScheduler(ctx, foxAccount(cfg), store.ClearedSegments(), clients.CallOpts{Preset: clients.PresetClear})
	if err != nil {
		observability.SegmentApplies.WithLabelValues("clear", "failed").Inc()
		observability.ClearFailures.Inc()
		attempts := state.ClearFailureAttempts + 1
		state.ClearFailureAttempts = attempts
		e.mergeState(ctx, cfg.UID, store.StatePatch{ClearFailureAttempts: ptr(attempts)})
		log.Printf("engine %s: clear failed (attempt %d, reason %s): %v", cfg.UID, attempts, reason, err)
		if attempts >= clearAlertThreshold {
			e.alertClearStuck(ctx, cfg.UID, state, attempts)
		}
		return fmt.Errorf("%w: %v", ErrClearFailed, err)
	}

	var cancelled []string
	if state.ActiveRule != nil {
		cancelled = append(cancelled, *state.ActiveRule)
	}
	patch := store.StatePatch{
		ActiveRule:           nullable[string](nil),
		ActiveRuleName:       ptr(""),
		ActiveSegment:        nullable[store.SchedulerSegments](nil),
		ActiveSegmentEnabled: ptr(false),
		ActiveUntil:          ptr(int64(0)),
		ClearFailureAttempts: ptr(0),
	}
	if err := e.store.CommitTransition(ctx, cfg.UID, patch, nil, cancelled); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	observability.SegmentApplies.WithLabelValues("clear", "ok").Inc()
	prev := state.ActiveRule
	if prev != nil {
		observability.ActiveRules.Dec()
	}
	state.ActiveRule = nil
	state.ActiveRuleName = ""
	state.ActiveSegment = nil
	state.ActiveSegmentEnabled = false
	state.ClearFailureAttempts = 0
	if prev != nil {
		e.publish(streaming.EventRuleEnded, cfg.UID, map[string]any{"ruleId": *prev, "reason": reason})
	}
	return e.sleep(ctx, clearSettle)
}

// alertClearStuck records a critical audit entry when the clear protocol
// has been failing long enough that a human needs to look at the device.
func (e *Engine) alertClearStuck(ctx context.Context, uid string, state *store.AutomationState, attempts int) {
	ruleID := ""
	if state.ActiveRule != nil {
		ruleID = *state.ActiveRule
	}
	entry := &store.AuditEntry{
		UID:              uid,
		CycleID:          "alert-" + fmt.Sprint(e.now().UnixMilli()),
		StartedAt:        e.now().UnixMilli(),
		ActionTaken:      "alert",
		Reason:           fmt.Sprintf("clear failed %d times, segment stuck on device", attempts),
		Severity:         "critical",
		RuleID:           ruleID,
		ActiveRuleBefore: state.ActiveRule,
		ActiveRuleAfter:  state.ActiveRule,
	}
	e.finishAudit(ctx, entry)
	e.publish(streaming.EventAlert, uid, entry)
}

// disableCleanup is the one-shot clear performed when automation is
// switched off: all slots disabled and the global flag lowered, both
// housekeeping calls.
func (e *Engine) disableCleanup(ctx context.Context, cfg *store.Config) error {
	acct := foxAccount(cfg)
	if err := e.inverter.ApplyScheduler(ctx, acct, store.ClearedSegments(), clients.CallOpts{Preset: clients.PresetClear}); err != nil {
		return err
	}
	return e.inverter.SetFlag(ctx, acct, false, clients.CallOpts{Preset: clients.PresetClear})
}
