package store

import "encoding/json"

// WorkMode is the inverter scheduler operating mode for a slot.
type WorkMode string

const (
	WorkModeSelfUse        WorkMode = "SelfUse"
	WorkModeForceDischarge WorkMode = "ForceDischarge"
	WorkModeForceCharge    WorkMode = "ForceCharge"
	WorkModeBackup         WorkMode = "Backup"
)

// SlotCount is the number of time-window slots the inverter scheduler holds.
const SlotCount = 8

// SchedulerSlot is one of the inverter's eight scheduler time windows.
type SchedulerSlot struct {
	Enable       int      `json:"enable"`
	WorkMode     WorkMode `json:"workMode"`
	StartHour    int      `json:"startHour"`
	StartMinute  int      `json:"startMinute"`
	EndHour      int      `json:"endHour"`
	EndMinute    int      `json:"endMinute"`
	MinSocOnGrid int      `json:"minSocOnGrid"`
	FdSoc        int      `json:"fdSoc"`
	FdPwr        int      `json:"fdPwr"`
	MaxSoc       int      `json:"maxSoc"`
}

// SchedulerSegments is the full 8-slot snapshot plus the global enable flag.
type SchedulerSegments struct {
	Slots   []SchedulerSlot `json:"slots"`
	Enabled bool            `json:"enabled"`
}

// ClearedSegments returns an 8-slot payload with every slot disabled and
// workMode SelfUse, the payload used by the clear-active protocol.
func ClearedSegments() SchedulerSegments {
	slots := make([]SchedulerSlot, SlotCount)
	for i := range slots {
		slots[i] = SchedulerSlot{Enable: 0, WorkMode: WorkModeSelfUse}
	}
	return SchedulerSegments{Slots: slots, Enabled: false}
}

// BlackoutWindow is a daily time range during which no rule may be active.
// Times are "HH:MM" in the tenant's timezone; End < Start wraps midnight.
type BlackoutWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// CurtailmentConfig controls export capping when the feed-in credit is poor.
type CurtailmentConfig struct {
	Enabled        bool    `json:"enabled"`
	ThresholdCents float64 `json:"thresholdCents"`
	RestoreWatts   int     `json:"restoreWatts"`
}

// CacheTTLConfig carries per-tenant overrides for data-acquisition caches.
// Zero values mean "use the engine default".
type CacheTTLConfig struct {
	TelemetryMs    int64 `json:"telemetryMs,omitempty"`
	WeatherMs      int64 `json:"weatherMs,omitempty"`
	PriceCurrentMs int64 `json:"priceCurrentMs,omitempty"`
}

// Config is the per-tenant configuration document.
type Config struct {
	UID         string  `json:"uid"`
	DeviceSN    string  `json:"deviceSN"`
	FoxESSToken string  `json:"foxessToken"`
	AmberAPIKey string  `json:"amberApiKey"`
	AmberSiteID string  `json:"amberSiteId"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`

	// Older clients write the site location as lat/lng. Both stores fold
	// these into latitude/longitude on write; a persisted document only
	// ever carries the canonical pair.
	LegacyLat float64 `json:"lat,omitempty"`
	LegacyLng float64 `json:"lng,omitempty"`

	Timezone          string            `json:"timezone"`
	AutomationEnabled bool              `json:"automationEnabled"`
	CycleIntervalMs   int64             `json:"cycleIntervalMs,omitempty"`
	CacheTTL          CacheTTLConfig    `json:"cacheTtl"`
	BlackoutWindows   []BlackoutWindow  `json:"blackoutWindows,omitempty"`
	Curtailment       CurtailmentConfig `json:"curtailment"`
	UpdatedAt         int64             `json:"updatedAt,omitempty"`
}

// Canonicalise folds the legacy location synonyms into the canonical
// fields. Explicit canonical values always win over the synonyms.
func (c *Config) Canonicalise() {
	if c.Latitude == 0 && c.LegacyLat != 0 {
		c.Latitude = c.LegacyLat
	}
	if c.Longitude == 0 && c.LegacyLng != 0 {
		c.Longitude = c.LegacyLng
	}
	c.LegacyLat, c.LegacyLng = 0, 0
}

// Operator is a numeric comparison operator in a rule condition.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpGreaterEqual Operator = ">="
	OpGreater      Operator = ">"
)

// Valid reports whether the operator is one the evaluator recognises.
func (o Operator) Valid() bool {
	switch o {
	case OpLess, OpLessEqual, OpEqual, OpGreaterEqual, OpGreater:
		return true
	}
	return false
}

// ForecastChannel selects which price channel a forecast condition reads.
type ForecastChannel string

const (
	ChannelFeedIn ForecastChannel = "feedIn"
	ChannelBuy    ForecastChannel = "buy"
)

// ThresholdCondition compares a single observed signal against a value.
type ThresholdCondition struct {
	Enabled  bool     `json:"enabled"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// ForecastCondition compares the price interval covering now+horizon.
type ForecastCondition struct {
	Enabled        bool            `json:"enabled"`
	Channel        ForecastChannel `json:"channel"`
	HorizonMinutes int             `json:"horizonMinutes"`
	Operator       Operator        `json:"operator"`
	Value          float64         `json:"value"`
}

// TimeCondition restricts a rule to a daily window in the tenant timezone.
// End < Start wraps over midnight.
type TimeCondition struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Conditions is the set of optional predicates on a rule. A nil or
// disabled condition is absent from evaluation entirely.
type Conditions struct {
	FeedInPrice    *ThresholdCondition `json:"feedInPrice,omitempty"`
	BuyPrice       *ThresholdCondition `json:"buyPrice,omitempty"`
	ForecastPrice  *ForecastCondition  `json:"forecastPrice,omitempty"`
	SoC            *ThresholdCondition `json:"soc,omitempty"`
	BatteryTemp    *ThresholdCondition `json:"batteryTemp,omitempty"`
	AmbientTemp    *ThresholdCondition `json:"ambientTemp,omitempty"`
	InverterTemp   *ThresholdCondition `json:"inverterTemp,omitempty"`
	SolarRadiation *ThresholdCondition `json:"solarRadiation,omitempty"`
	CloudCover     *ThresholdCondition `json:"cloudCover,omitempty"`
	UVIndex        *ThresholdCondition `json:"uvIndex,omitempty"`
	Time           *TimeCondition      `json:"time,omitempty"`
}

// RuleAction describes what to program into slot 0 when the rule fires.
type RuleAction struct {
	WorkMode        WorkMode `json:"workMode"`
	DurationMinutes int      `json:"durationMinutes"`
	DischargePowerW int      `json:"dischargePowerW"`
	TargetMinSoC    int      `json:"targetMinSoC"`
	MaxSoC          int      `json:"maxSoC"`
}

// Rule is a user-authored automation rule. Priority 1 is the most urgent.
type Rule struct {
	UID                      string     `json:"uid"`
	RuleID                   string     `json:"ruleId"`
	Name                     string     `json:"name"`
	Priority                 int        `json:"priority"`
	Enabled                  bool       `json:"enabled"`
	CooldownMinutes          int        `json:"cooldownMinutes"`
	Conditions               Conditions `json:"conditions"`
	Action                   RuleAction `json:"action"`
	LastTriggered            *int64     `json:"lastTriggered,omitempty"`
	ClearSegmentsOnNextCycle bool       `json:"clearSegmentsOnNextCycle,omitempty"`
	CreatedAt                int64      `json:"createdAt,omitempty"`
	UpdatedAt                int64      `json:"updatedAt,omitempty"`
}

// CurtailmentState is the engine-owned half of the curtailment machine.
type CurtailmentState struct {
	Active     bool  `json:"active"`
	LastChange int64 `json:"lastChange,omitempty"`
}

// AutomationState is the single live engine-state document per tenant.
type AutomationState struct {
	UID                  string             `json:"uid"`
	Enabled              bool               `json:"enabled"`
	LastCheck            int64              `json:"lastCheck"`
	ActiveRule           *string            `json:"activeRule"`
	ActiveRuleName       string             `json:"activeRuleName,omitempty"`
	ActiveSegment        *SchedulerSegments `json:"activeSegment,omitempty"`
	ActiveSegmentEnabled bool               `json:"activeSegmentEnabled"`
	ActiveUntil          int64              `json:"activeUntil,omitempty"`
	InBlackout           bool               `json:"inBlackout"`
	SegmentsCleared      bool               `json:"segmentsCleared"`
	Curtailment          CurtailmentState   `json:"curtailment"`
	ClearFailureAttempts int                `json:"clearFailureAttempts,omitempty"`
}

// StatePatch is a partial AutomationState merge. Nil fields are preserved
// by the store; double pointers distinguish "set to null" from "leave".
type StatePatch struct {
	Enabled              *bool
	LastCheck            *int64
	ActiveRule           **string
	ActiveRuleName       *string
	ActiveSegment        **SchedulerSegments
	ActiveSegmentEnabled *bool
	ActiveUntil          *int64
	InBlackout           *bool
	SegmentsCleared      *bool
	Curtailment          *CurtailmentState
	ClearFailureAttempts *int
}

// Apply merges the patch into the state in place.
func (p StatePatch) Apply(s *AutomationState) {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.LastCheck != nil {
		s.LastCheck = *p.LastCheck
	}
	if p.ActiveRule != nil {
		s.ActiveRule = *p.ActiveRule
	}
	if p.ActiveRuleName != nil {
		s.ActiveRuleName = *p.ActiveRuleName
	}
	if p.ActiveSegment != nil {
		s.ActiveSegment = *p.ActiveSegment
	}
	if p.ActiveSegmentEnabled != nil {
		s.ActiveSegmentEnabled = *p.ActiveSegmentEnabled
	}
	if p.ActiveUntil != nil {
		s.ActiveUntil = *p.ActiveUntil
	}
	if p.InBlackout != nil {
		s.InBlackout = *p.InBlackout
	}
	if p.SegmentsCleared != nil {
		s.SegmentsCleared = *p.SegmentsCleared
	}
	if p.Curtailment != nil {
		s.Curtailment = *p.Curtailment
	}
	if p.ClearFailureAttempts != nil {
		s.ClearFailureAttempts = *p.ClearFailureAttempts
	}
}

// RuleTrigger marks a rule's lastTriggered inside an atomic transition commit.
type RuleTrigger struct {
	RuleID string
	At     int64
}

// ConditionResult is the per-condition breakdown of one rule evaluation.
type ConditionResult struct {
	Name   string   `json:"name"`
	Met    bool     `json:"met"`
	Actual *float64 `json:"actual,omitempty"`
	Target float64  `json:"target"`
	Reason string   `json:"reason"`
}

// RuleEvaluation records how one rule evaluated during a cycle.
type RuleEvaluation struct {
	RuleID     string            `json:"ruleId"`
	RuleName   string            `json:"ruleName"`
	Priority   int               `json:"priority"`
	Outcome    string            `json:"outcome"` // met, not_met, no_data, cooldown, invalid_config
	Conditions []ConditionResult `json:"conditions,omitempty"`
}

// AuditEntry is one append-only record per tenant cycle.
type AuditEntry struct {
	UID                 string           `json:"uid"`
	CycleID             string           `json:"cycleId"`
	StartedAt           int64            `json:"startedAt"`
	CompletedAt         int64            `json:"completedAt"`
	Triggered           bool             `json:"triggered"`
	RuleID              string           `json:"ruleId,omitempty"`
	RuleName            string           `json:"ruleName,omitempty"`
	Evaluations         []RuleEvaluation `json:"evaluations,omitempty"`
	ActionTaken         string           `json:"actionTaken"`
	ActiveRuleBefore    *string          `json:"activeRuleBefore"`
	ActiveRuleAfter     *string          `json:"activeRuleAfter"`
	RulesEvaluated      int              `json:"rulesEvaluated"`
	CycleDurationMs     int64            `json:"cycleDurationMs"`
	ContinuedEvaluation bool             `json:"continuedEvaluation,omitempty"`
	ManualEnd           bool             `json:"manualEnd,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	Severity            string           `json:"severity,omitempty"`
}

// CacheDoc is the stored shape of every TTL cache document. ExpiresAt is
// epoch seconds so the store's reclamation policy can act on it; readers
// must still check Timestamp+TTLMs themselves.
type CacheDoc struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTLMs     int64           `json:"ttlMs"`
	ExpiresAt int64           `json:"expiresAt"`
}

// QuickControl is a bounded-duration manual override document.
type QuickControl struct {
	UID       string             `json:"uid"`
	Active    bool               `json:"active"`
	Segment   *SchedulerSegments `json:"segment,omitempty"`
	StartedAt int64              `json:"startedAt"`
	ExpiresAt int64              `json:"expiresAt"`
	Source    string             `json:"source,omitempty"`
}

// DailyCounters is the per-tenant per-day external API call tally.
type DailyCounters struct {
	Day     string `json:"day"` // YYYY-MM-DD in UTC
	FoxESS  int64  `json:"foxess"`
	Amber   int64  `json:"amber"`
	Weather int64  `json:"weather"`
}
