package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/solarctl/solarctl/controller/store"
)

// defaultCycleInterval is the per-tenant dispatch gate when the config
// carries no override.
const defaultCycleInterval = 60 * time.Second

// RunCycleIfDue runs a cycle only when the tenant's configured interval
// has elapsed since lastCheck. The driver heartbeats every minute for
// everyone; this gate is what makes per-tenant intervals real.
func (e *Engine) RunCycleIfDue(ctx context.Context, uid string) (*store.AuditEntry, bool, error) {
	cfg, err := e.store.GetConfig(ctx, uid)
	if err != nil {
		return nil, false, err
	}
	state, err := e.loadState(ctx, uid)
	if err != nil {
		return nil, false, err
	}
	interval := defaultCycleInterval.Milliseconds()
	if cfg.CycleIntervalMs > 0 {
		interval = cfg.CycleIntervalMs
	}
	if state.LastCheck > 0 && e.now().UnixMilli()-state.LastCheck < interval {
		return nil, false, nil
	}
	entry, err := e.RunCycle(ctx, uid)
	return entry, true, err
}

// ClearIfActive synchronously ends the given rule when it is currently
// driving the inverter. Rule disable and delete call this so the device
// does not keep running a schedule whose rule no longer exists.
func (e *Engine) ClearIfActive(ctx context.Context, uid, ruleID string) error {
	lock := e.tenantLock(uid)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.loadState(ctx, uid)
	if err != nil {
		return err
	}
	if state.ActiveRule == nil || *state.ActiveRule != ruleID {
		return nil
	}
	cfg, err := e.store.GetConfig(ctx, uid)
	if err != nil {
		return err
	}
	before := state.ActiveRule
	if err := e.clearActive(ctx, cfg, state, "rule_mutation"); err != nil {
		return err
	}
	e.finishAudit(ctx, &store.AuditEntry{
		UID:              uid,
		CycleID:          uuid.NewString(),
		StartedAt:        e.now().UnixMilli(),
		ActionTaken:      "cleared",
		ActiveRuleBefore: before,
		ActiveRuleAfter:  nil,
		RuleID:           ruleID,
		ManualEnd:        true,
		Reason:           "rule_mutation",
	})
	return nil
}

// Status is the live view served by the status endpoint.
type Status struct {
	Enabled        bool                   `json:"enabled"`
	ActiveRule     *string                `json:"activeRule"`
	ActiveRuleName string                 `json:"activeRuleName,omitempty"`
	ActiveUntil    int64                  `json:"activeUntil,omitempty"`
	LastCheck      int64                  `json:"lastCheck"`
	InBlackout     bool                   `json:"inBlackout"`
	Curtailment    store.CurtailmentState `json:"curtailment"`
}

// AutomationStatus summarises the tenant's engine state.
func (e *Engine) AutomationStatus(ctx context.Context, uid string) (*Status, error) {
	cfg, err := e.store.GetConfig(ctx, uid)
	if err != nil {
		return nil, err
	}
	state, err := e.loadState(ctx, uid)
	if err != nil {
		return nil, err
	}
	return &Status{
		Enabled:        cfg.AutomationEnabled,
		ActiveRule:     state.ActiveRule,
		ActiveRuleName: state.ActiveRuleName,
		ActiveUntil:    state.ActiveUntil,
		LastCheck:      state.LastCheck,
		InBlackout:     state.InBlackout,
		Curtailment:    state.Curtailment,
	}, nil
}
