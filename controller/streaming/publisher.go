// Package streaming carries best-effort engine events to live
// subscribers. Publishing never blocks a cycle and never fails it.
package streaming

import (
	"encoding/json"
	"log"

	"github.com/solarctl/solarctl/controller/observability"
)

// EventType classifies a published engine event.
type EventType string

const (
	EventCycleCompleted EventType = "cycle_completed"
	EventRuleStarted    EventType = "rule_started"
	EventRuleEnded      EventType = "rule_ended"
	EventCurtailment    EventType = "curtailment"
	EventQuickControl   EventType = "quick_control"
	EventAlert          EventType = "alert"
)

// Event is one engine occurrence for live consumers.
type Event struct {
	Type    EventType       `json:"type"`
	UID     string          `json:"uid"`
	At      int64           `json:"at"` // ms
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Publisher delivers events best-effort. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// LogPublisher writes each event as a single JSON log line. It is the
// fallback sink when no live hub is attached, and keeps a durable
// decision record in the process log either way.
type LogPublisher struct{}

func (LogPublisher) Publish(ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(string(ev.Type)).Inc()
		return
	}
	log.Printf("event %s", raw)
}

// Fanout publishes to several sinks.
type Fanout []Publisher

func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		p.Publish(ev)
	}
}
