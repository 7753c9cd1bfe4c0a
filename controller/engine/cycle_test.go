package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarctl/solarctl/controller/store"
)

func socRule(id string, priority int, minSoC float64) *store.Rule {
	r := feedInRule(id, priority, 0)
	r.Conditions = store.Conditions{
		SoC: &store.ThresholdCondition{Enabled: true, Operator: store.OpGreaterEqual, Value: minSoC},
	}
	return r
}

func TestCycleStartsRule(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "started", entry.ActionTaken)
	assert.True(t, entry.Triggered)
	assert.Equal(t, "r1", entry.RuleID)
	assert.Nil(t, entry.ActiveRuleBefore)
	require.NotNil(t, entry.ActiveRuleAfter)
	assert.Equal(t, "r1", *entry.ActiveRuleAfter)

	st := rig.state()
	require.NotNil(t, st.ActiveRule)
	assert.Equal(t, "r1", *st.ActiveRule)
	assert.True(t, st.ActiveSegmentEnabled)
	assert.Equal(t, rig.now.UnixMilli()+30*60_000, st.ActiveUntil)

	// Cooldown bookkeeping landed in the same commit as the activation.
	require.NotNil(t, rig.rule("r1").LastTriggered)
	assert.Equal(t, rig.now.UnixMilli(), *rig.rule("r1").LastTriggered)

	// Full protocol: segment write, enable flag, verification read.
	assert.Equal(t, []string{"apply", "flag", "get"}, rig.inv.methods())
	applies := rig.inv.of("apply")
	assert.True(t, applies[0].metered, "segment write is the metered call")
	assert.Equal(t, 1, applies[0].seg.Slots[0].Enable)
	assert.Equal(t, store.WorkModeForceDischarge, applies[0].seg.Slots[0].WorkMode)
	flags := rig.inv.of("flag")
	assert.True(t, flags[0].flagOn)
	assert.False(t, flags[0].metered)
	assert.False(t, rig.inv.of("get")[0].metered)
}

func TestCycleContinuedIsSilent(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	rig.inv.reset()

	rig.advance(time.Minute)
	rig.prices.set(rig.window(25, 30))
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "continued", entry.ActionTaken)
	assert.Empty(t, rig.inv.methods(), "holding a met rule touches nothing")
	require.NotNil(t, rig.state().ActiveRule)
}

func TestCycleConditionsLostClears(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	rig.inv.reset()

	rig.advance(time.Minute)
	rig.prices.set(rig.window(5, 30))
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "cleared", entry.ActionTaken)
	assert.True(t, entry.ContinuedEvaluation)
	assert.Nil(t, rig.state().ActiveRule)
	assert.Nil(t, rig.rule("r1").LastTriggered, "ending a rule resets its cooldown")
	require.Len(t, rig.inv.of("clear"), 1)
	assert.False(t, rig.inv.of("clear")[0].metered, "clears are housekeeping")
}

func TestCyclePreempt(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("urgent", 1, 40))
	rig.putRule(feedInRule("normal", 2, 20))
	rig.prices.set(rig.window(25, 30))

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "started", entry.ActionTaken)
	assert.Equal(t, "normal", entry.RuleID)
	rig.inv.reset()

	rig.advance(time.Minute)
	rig.prices.set(rig.window(50, 30))
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "preempted", entry.ActionTaken)
	assert.Equal(t, "urgent", entry.RuleID)
	assert.Equal(t, []string{"clear", "apply", "flag", "get"}, rig.inv.methods())

	st := rig.state()
	require.NotNil(t, st.ActiveRule)
	assert.Equal(t, "urgent", *st.ActiveRule)
	require.NotNil(t, rig.rule("urgent").LastTriggered)
	assert.Nil(t, rig.rule("normal").LastTriggered, "preempted rule cooldown resets in the same commit")
}

func TestCyclePreemptApplyFailureCommitsClearedState(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("urgent", 1, 40))
	rig.putRule(feedInRule("normal", 2, 20))
	rig.prices.set(rig.window(25, 30))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	rig.advance(time.Minute)
	rig.prices.set(rig.window(50, 30))
	rig.inv.applyErr = errors.New("device refused")
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "apply_failed", entry.ActionTaken)
	// The device was cleared before the failed apply; state must say so.
	assert.Nil(t, rig.state().ActiveRule)
	assert.Nil(t, rig.rule("normal").LastTriggered)
	assert.Nil(t, rig.rule("urgent").LastTriggered)
}

func TestCycleVerifyMismatchLeavesNoActiveRule(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))
	rig.inv.verifyMismatch = true

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "apply_failed", entry.ActionTaken)
	assert.Nil(t, rig.state().ActiveRule)
	assert.Nil(t, rig.rule("r1").LastTriggered)
	assert.Equal(t, []string{"apply", "flag", "get"}, rig.inv.methods())
}

func TestCycleNoDataHolds(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(socRule("r1", 1, 50))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	rig.inv.reset()

	rig.advance(time.Minute)
	rig.tel.err = errors.New("cloud timeout")
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "no_data_hold", entry.ActionTaken)
	assert.Contains(t, entry.Reason, "telemetry")
	assert.Empty(t, rig.inv.methods())
	require.NotNil(t, rig.state().ActiveRule)
	assert.Equal(t, "r1", *rig.state().ActiveRule)
}

func TestCycleNoDataNeverStartsRule(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(socRule("r1", 1, 50))
	rig.tel.err = errors.New("cloud timeout")

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "idle", entry.ActionTaken)
	assert.Empty(t, rig.inv.methods())
	assert.Nil(t, rig.state().ActiveRule)
}

func TestCycleClearFailureKeepsActiveAndRetries(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	// Conditions lost but the device refuses the clear.
	rig.advance(time.Minute)
	rig.prices.set(rig.window(5, 30))
	rig.inv.clearErr = errors.New("device refused")
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "clear_failed", entry.ActionTaken)
	require.NotNil(t, rig.state().ActiveRule, "active rule preserved so the clear is retried")
	assert.Equal(t, 1, rig.state().ClearFailureAttempts)
	assert.NotNil(t, rig.rule("r1").LastTriggered)

	// Next cycle retries the clear before any evaluation.
	rig.advance(time.Minute)
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "clear_failed", entry.ActionTaken)
	assert.Equal(t, 2, rig.state().ClearFailureAttempts)

	// Device recovers: pending clear completes and the cycle moves on.
	rig.inv.clearErr = nil
	rig.advance(time.Minute)
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "idle", entry.ActionTaken)
	assert.Nil(t, rig.state().ActiveRule)
	assert.Equal(t, 0, rig.state().ClearFailureAttempts)
	assert.Nil(t, rig.rule("r1").LastTriggered)
}

func TestCycleClearFailureAlertsAfterThreshold(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	rig.prices.set(rig.window(5, 30))
	rig.inv.clearErr = errors.New("device refused")
	for i := 0; i < clearAlertThreshold; i++ {
		rig.advance(time.Minute)
		_, err := rig.engine.RunCycle(context.Background(), "t1")
		require.NoError(t, err)
	}
	assert.Equal(t, clearAlertThreshold, rig.state().ClearFailureAttempts)

	entries, err := rig.store.ListAudit(context.Background(), "t1", 0, 0)
	require.NoError(t, err)
	var alerts int
	for _, e := range entries {
		if e.ActionTaken == "alert" {
			alerts++
			assert.Equal(t, "critical", e.Severity)
		}
	}
	assert.Equal(t, 1, alerts)
}

func TestCycleCooldownBlocksStart(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	r := feedInRule("r1", 1, 20)
	r.CooldownMinutes = 60
	r.LastTriggered = ptr(rig.now.Add(-10 * time.Minute).UnixMilli())
	rig.putRule(r)
	rig.prices.set(rig.window(25, 30))

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "idle", entry.ActionTaken)
	require.Len(t, entry.Evaluations, 1)
	assert.Equal(t, "cooldown", entry.Evaluations[0].Outcome)
	assert.Empty(t, rig.inv.methods())

	// Past the cooldown the same conditions start the rule.
	rig.advance(51 * time.Minute)
	rig.prices.set(rig.window(25, 30))
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "started", entry.ActionTaken)
}

func TestCycleBlackoutClearsAndHolds(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	rig.inv.reset()

	cfg := baseConfig()
	cfg.BlackoutWindows = []store.BlackoutWindow{{Start: "09:00", End: "11:00"}}
	rig.putConfig(cfg)

	rig.advance(time.Minute)
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "blackout", entry.ActionTaken)
	assert.Nil(t, rig.state().ActiveRule)
	assert.True(t, rig.state().InBlackout)
	require.Len(t, rig.inv.of("clear"), 1)

	// Out the other side the flag resets and evaluation resumes.
	rig.advance(2 * time.Hour)
	rig.prices.set(rig.window(5, 30))
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "idle", entry.ActionTaken)
	assert.False(t, rig.state().InBlackout)
}

func TestCycleCurtailmentTransitionsOnly(t *testing.T) {
	rig := newTestRig()
	cfg := baseConfig()
	cfg.Curtailment = store.CurtailmentConfig{Enabled: true, ThresholdCents: 1, RestoreWatts: 5000}
	rig.putConfig(cfg)

	// Below threshold: activate once.
	rig.prices.set(rig.window(-2, 30))
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Contains(t, entry.Reason, "curtailment_activated")
	assert.True(t, rig.state().Curtailment.Active)

	// Still below: no further device traffic.
	rig.advance(time.Minute)
	rig.prices.set(rig.window(-2, 30))
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotContains(t, entry.Reason, "curtailment")

	// Recovered: restore once.
	rig.advance(time.Minute)
	rig.prices.set(rig.window(5, 30))
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Contains(t, entry.Reason, "curtailment_deactivated")
	assert.False(t, rig.state().Curtailment.Active)

	rig.advance(time.Minute)
	rig.prices.set(rig.window(5, 30))
	_, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	exports := rig.inv.of("export")
	require.Len(t, exports, 2, "four cycles, two transitions, two device calls")
	assert.Equal(t, 0, exports[0].watts)
	assert.True(t, exports[0].metered)
	assert.Equal(t, 5000, exports[1].watts)
}

func TestCycleCurtailmentHoldsOnUnknownPrice(t *testing.T) {
	rig := newTestRig()
	cfg := baseConfig()
	cfg.Curtailment = store.CurtailmentConfig{Enabled: true, ThresholdCents: 1, RestoreWatts: 5000}
	rig.putConfig(cfg)

	rig.prices.set(rig.window(-2, 30))
	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, rig.state().Curtailment.Active)

	rig.advance(time.Minute)
	rig.prices.err = errors.New("amber down")
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotContains(t, entry.Reason, "curtailment_deactivated")
	assert.True(t, rig.state().Curtailment.Active, "unknown price holds the machine")
	assert.Len(t, rig.inv.of("export"), 1)
}

func TestCycleDeferredClearFlag(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	rig.inv.reset()

	r := rig.rule("r1")
	r.ClearSegmentsOnNextCycle = true
	rig.putRule(r)

	rig.advance(time.Minute)
	rig.prices.set(rig.window(5, 30))
	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "idle", entry.ActionTaken)
	assert.Nil(t, rig.state().ActiveRule)
	assert.False(t, rig.rule("r1").ClearSegmentsOnNextCycle)
	require.Len(t, rig.inv.of("clear"), 1)
}

func TestCycleInvalidRuleAudited(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	r := feedInRule("bad", 1, 20)
	r.Conditions.FeedInPrice.Operator = "!="
	rig.putRule(r)

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "idle", entry.ActionTaken)
	assert.Equal(t, 1, entry.RulesEvaluated)
	require.Len(t, entry.Evaluations, 1)
	assert.Equal(t, "invalid_config", entry.Evaluations[0].Outcome)
	assert.Empty(t, rig.inv.methods())
}

func TestCycleDisabledOneShotClear(t *testing.T) {
	rig := newTestRig()
	cfg := baseConfig()
	cfg.AutomationEnabled = false
	rig.putConfig(cfg)

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "disabled_cleared", entry.ActionTaken)
	assert.True(t, rig.state().SegmentsCleared)
	require.Len(t, rig.inv.of("clear"), 1)
	flags := rig.inv.of("flag")
	require.Len(t, flags, 1)
	assert.False(t, flags[0].flagOn)

	rig.inv.reset()
	rig.advance(time.Minute)
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "disabled", entry.ActionTaken)
	assert.Empty(t, rig.inv.methods(), "the clear happens once, not every heartbeat")
}

func TestCycleDisabledRetiresQuickControl(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())

	_, err := rig.engine.StartQuickControl(context.Background(), "t1", store.WorkModeSelfUse, 0, 30, "api")
	require.NoError(t, err)
	rig.inv.reset()

	cfg := baseConfig()
	cfg.AutomationEnabled = false
	rig.putConfig(cfg)

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "disabled_cleared", entry.ActionTaken)
	require.Len(t, rig.inv.of("clear"), 1)

	// The one-shot clear wiped the override's slot; the override document
	// must not keep claiming the device.
	qc, err := rig.store.GetQuickControl(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, qc.Active)
	assert.Nil(t, qc.Segment)

	// Re-enabling resumes normal evaluation with no stale hold.
	rig.putConfig(baseConfig())
	rig.advance(time.Minute)
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "idle", entry.ActionTaken)
}

func TestCycleDisabledClearFailureRetriesNextCycle(t *testing.T) {
	rig := newTestRig()
	cfg := baseConfig()
	cfg.AutomationEnabled = false
	rig.putConfig(cfg)
	rig.inv.clearErr = errors.New("device refused")

	entry, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "disable_clear_failed", entry.ActionTaken)
	assert.False(t, rig.state().SegmentsCleared)

	rig.inv.clearErr = nil
	rig.advance(time.Minute)
	entry, err = rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "disabled_cleared", entry.ActionTaken)
	assert.True(t, rig.state().SegmentsCleared)
}

func TestRunCycleBusy(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())

	lock := rig.engine.tenantLock("t1")
	lock.Lock()
	defer lock.Unlock()

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestRunCycleIfDueGate(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())

	_, ran, err := rig.engine.RunCycleIfDue(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ran, "first cycle always runs")

	_, ran, err = rig.engine.RunCycleIfDue(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ran, "interval not elapsed")

	rig.advance(61 * time.Second)
	_, ran, err = rig.engine.RunCycleIfDue(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ran)

	// Per-tenant override stretches the gate.
	cfg := baseConfig()
	cfg.CycleIntervalMs = 5 * 60_000
	rig.putConfig(cfg)
	rig.advance(2 * time.Minute)
	_, ran, err = rig.engine.RunCycleIfDue(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ran)
	rig.advance(4 * time.Minute)
	_, ran, err = rig.engine.RunCycleIfDue(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestClearIfActive(t *testing.T) {
	rig := newTestRig()
	rig.putConfig(baseConfig())
	rig.putRule(feedInRule("r1", 1, 20))
	rig.prices.set(rig.window(25, 30))

	_, err := rig.engine.RunCycle(context.Background(), "t1")
	require.NoError(t, err)
	rig.inv.reset()

	// A different rule id is a no-op.
	require.NoError(t, rig.engine.ClearIfActive(context.Background(), "t1", "other"))
	assert.Empty(t, rig.inv.methods())
	require.NotNil(t, rig.state().ActiveRule)

	require.NoError(t, rig.engine.ClearIfActive(context.Background(), "t1", "r1"))
	assert.Nil(t, rig.state().ActiveRule)
	require.Len(t, rig.inv.of("clear"), 1)

	entries, err := rig.store.ListAudit(context.Background(), "t1", 0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cleared", entries[0].ActionTaken)
	assert.True(t, entries[0].ManualEnd)
}
