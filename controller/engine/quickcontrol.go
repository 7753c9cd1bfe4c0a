package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/store"
	"github.com/solarctl/solarctl/controller/streaming"
)

const maxQuickControlMinutes = 24 * 60

// StartQuickControl applies a bounded manual override. While the
// override is active the cycle engine stands down for the tenant. Any
// currently active rule is cleared first so slot 0 is free.
func (e *Engine) StartQuickControl(ctx context.Context, uid string, workMode store.WorkMode, powerW, minutes int, source string) (*store.QuickControl, error) {
	if minutes <= 0 || minutes > maxQuickControlMinutes {
		return nil, fmt.Errorf("%w: quick control duration %d minutes out of range", ErrBadRequest, minutes)
	}
	switch workMode {
	case store.WorkModeSelfUse, store.WorkModeForceDischarge, store.WorkModeForceCharge, store.WorkModeBackup:
	default:
		return nil, fmt.Errorf("%w: unknown workMode %q", ErrBadRequest, workMode)
	}

	lock := e.tenantLock(uid)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := e.store.GetConfig(ctx, uid)
	if err != nil {
		return nil, err
	}
	state, err := e.loadState(ctx, uid)
	if err != nil {
		return nil, err
	}
	if state.ActiveRule != nil {
		if err := e.clearActive(ctx, cfg, state, "quick_control"); err != nil {
			return nil, err
		}
	}

	nowLocal := e.now().In(e.location(cfg.Timezone))
	action := store.RuleAction{
		WorkMode:        workMode,
		DurationMinutes: minutes,
		DischargePowerW: powerW,
		TargetMinSoC:    10,
		MaxSoC:          100,
	}
	seg := ComposeSegment(action, nowLocal)
	if err := e.applyVerified(ctx, foxAccount(cfg), seg); err != nil {
		observability.SegmentApplies.WithLabelValues("quickcontrol", "failed").Inc()
		return nil, err
	}
	observability.SegmentApplies.WithLabelValues("quickcontrol", "ok").Inc()

	nowMs := e.now().UnixMilli()
	qc := &store.QuickControl{
		UID:       uid,
		Active:    true,
		Segment:   &seg,
		StartedAt: nowMs,
		ExpiresAt: nowMs + int64(minutes)*60_000,
		Source:    source,
	}
	if err := e.store.PutQuickControl(ctx, uid, qc); err != nil {
		return nil, err
	}
	e.auditQuickControl(ctx, uid, "quick_control_started", fmt.Sprintf("%s for %dm", workMode, minutes))
	e.publish(streaming.EventQuickControl, uid, qc)
	return qc, nil
}

// StopQuickControl ends an override early, clearing the device.
func (e *Engine) StopQuickControl(ctx context.Context, uid string) error {
	lock := e.tenantLock(uid)
	lock.Lock()
	defer lock.Unlock()

	qc, err := e.store.GetQuickControl(ctx, uid)
	if err != nil {
		return err
	}
	if !qc.Active {
		return nil
	}
	cfg, err := e.store.GetConfig(ctx, uid)
	if err != nil {
		return err
	}
	if err := e.inverter.ApplyScheduler(ctx, foxAccount(cfg), store.ClearedSegments(), clients.CallOpts{Preset: clients.PresetClear}); err != nil {
		return fmt.Errorf("%w: %v", ErrClearFailed, err)
	}
	qc.Active = false
	qc.Segment = nil
	if err := e.store.PutQuickControl(ctx, uid, qc); err != nil {
		return err
	}
	e.auditQuickControl(ctx, uid, "quick_control_stopped", "")
	e.publish(streaming.EventQuickControl, uid, qc)
	return nil
}

// QuickControlStatus reports the override, running the expiry cleanup
// on first observation so a status poll closes an expired override even
// when no cycle runs.
func (e *Engine) QuickControlStatus(ctx context.Context, uid string) (*store.QuickControl, error) {
	qc, err := e.store.GetQuickControl(ctx, uid)
	if err == store.ErrNotFound {
		return &store.QuickControl{UID: uid}, nil
	}
	if err != nil {
		return nil, err
	}
	if qc.Active && e.now().UnixMilli() > qc.ExpiresAt {
		lock := e.tenantLock(uid)
		lock.Lock()
		defer lock.Unlock()
		cfg, err := e.store.GetConfig(ctx, uid)
		if err != nil {
			return nil, err
		}
		if err := e.expireQuickControl(ctx, cfg, "poll"); err != nil {
			return nil, err
		}
		return e.store.GetQuickControl(ctx, uid)
	}
	return qc, nil
}

// expireQuickControl performs the exactly-once expiry cleanup. The
// caller must hold the tenant lock; the override is re-read under it so
// a racing cycle and poll cannot both clear.
func (e *Engine) expireQuickControl(ctx context.Context, cfg *store.Config, trigger string) error {
	qc, err := e.store.GetQuickControl(ctx, cfg.UID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if !qc.Active || e.now().UnixMilli() <= qc.ExpiresAt {
		return nil
	}
	if err := e.inverter.ApplyScheduler(ctx, foxAccount(cfg), store.ClearedSegments(), clients.CallOpts{Preset: clients.PresetClear}); err != nil {
		return fmt.Errorf("%w: %v", ErrClearFailed, err)
	}
	qc.Active = false
	qc.Segment = nil
	if err := e.store.PutQuickControl(ctx, cfg.UID, qc); err != nil {
		return err
	}
	observability.QuickControlCleanups.WithLabelValues(trigger).Inc()
	e.auditQuickControl(ctx, cfg.UID, "quick_control_expired", trigger)
	e.publish(streaming.EventQuickControl, cfg.UID, qc)
	return nil
}

func (e *Engine) auditQuickControl(ctx context.Context, uid, action, reason string) {
	now := e.now().UnixMilli()
	e.finishAudit(ctx, &store.AuditEntry{
		UID:         uid,
		CycleID:     uuid.NewString(),
		StartedAt:   now,
		ActionTaken: action,
		Reason:      reason,
		ManualEnd:   action == "quick_control_stopped",
	})
}

// loadState returns the live state document, or a fresh zero state for
// a tenant that has never cycled.
func (e *Engine) loadState(ctx context.Context, uid string) (*store.AutomationState, error) {
	state, err := e.store.GetState(ctx, uid)
	if err == store.ErrNotFound {
		return &store.AutomationState{UID: uid}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}
