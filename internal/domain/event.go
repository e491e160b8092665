package domain

import (
	"fmt"
	"strconv"
	"time"
)

// EventKind names a business event on the wire.
type EventKind string

const (
	EventLifecycleStart    EventKind = "LIFECYCLE_START"
	EventLifecycleComplete EventKind = "LIFECYCLE_COMPLETE"
	EventCountIncrement    EventKind = "COUNT_INCREMENT"
	EventQualityAlarm      EventKind = "QUALITY_ALARM"
)

// AlarmCode identifies which quality threshold was exceeded.
type AlarmCode string

const (
	AlarmHighTemp      AlarmCode = "HIGH_TEMP"
	AlarmHighVibration AlarmCode = "HIGH_VIBRATION"
)

// Event is a business event derived from telemetry. Delta is set only for
// COUNT_INCREMENT, Code and Reason only for QUALITY_ALARM.
type Event struct {
	Kind   EventKind
	Delta  int64
	Code   AlarmCode
	Reason string
}

// LifecycleStart marks the machine entering the running status.
func LifecycleStart() Event { return Event{Kind: EventLifecycleStart} }

// LifecycleComplete marks the machine leaving the running status.
func LifecycleComplete() Event { return Event{Kind: EventLifecycleComplete} }

// CountIncrement reports delta new pieces since the last accepted count.
func CountIncrement(delta int64) Event {
	return Event{Kind: EventCountIncrement, Delta: delta}
}

// QualityAlarm reports a threshold breach with a human-readable reason.
func QualityAlarm(code AlarmCode, reason string) Event {
	return Event{Kind: EventQualityAlarm, Code: code, Reason: reason}
}

// Subpath is the MES step resource the event is posted to.
func (e Event) Subpath() string {
	switch e.Kind {
	case EventLifecycleStart:
		return "start"
	case EventLifecycleComplete:
		return "complete"
	case EventCountIncrement:
		return "count"
	case EventQualityAlarm:
		return "quality"
	default:
		return ""
	}
}

// CountPayload is the body posted for COUNT_INCREMENT.
type CountPayload struct {
	Count int64 `json:"count"`
}

// QualityPayload is the body posted for QUALITY_ALARM.
type QualityPayload struct {
	Code   AlarmCode `json:"code"`
	Reason string    `json:"reason"`
}

// Payload returns the JSON body for the event, or nil for lifecycle events
// which are posted without a body.
func (e Event) Payload() any {
	switch e.Kind {
	case EventCountIncrement:
		return CountPayload{Count: e.Delta}
	case EventQualityAlarm:
		return QualityPayload{Code: e.Code, Reason: e.Reason}
	default:
		return nil
	}
}

func (e Event) String() string {
	switch e.Kind {
	case EventCountIncrement:
		return fmt.Sprintf("%s{%d}", e.Kind, e.Delta)
	case EventQualityAlarm:
		return fmt.Sprintf("%s{%s}", e.Kind, e.Code)
	default:
		return string(e.Kind)
	}
}

// QualityRule is a threshold check on one numeric reading. A rule fires when
// the reading is present and strictly above Threshold.
type QualityRule struct {
	Code      AlarmCode
	Label     string
	Threshold float64
	Reading   func(r TelemetryRecord) *float64
}

func (q QualityRule) Evaluate(r TelemetryRecord) (Event, bool) {
	v := q.Reading(r)
	if v == nil || *v <= q.Threshold {
		return Event{}, false
	}
	reason := fmt.Sprintf("%s %s exceeded threshold %s", q.Label, formatReading(*v), formatReading(q.Threshold))
	return QualityAlarm(q.Code, reason), true
}

// QualityRules returns the rule table in evaluation order: temperature first,
// then vibration.
func QualityRules(temperatureThreshold, vibrationThreshold float64) []QualityRule {
	return []QualityRule{
		{
			Code:      AlarmHighTemp,
			Label:     "Temperature",
			Threshold: temperatureThreshold,
			Reading:   func(r TelemetryRecord) *float64 { return r.Temperature },
		},
		{
			Code:      AlarmHighVibration,
			Label:     "Vibration",
			Threshold: vibrationThreshold,
			Reading:   func(r TelemetryRecord) *float64 { return r.Vibration },
		},
	}
}

func formatReading(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DispatchRecord is one journaled MES call.
type DispatchRecord struct {
	EventID    string
	Kind       EventKind
	Subpath    string
	Payload    []byte
	Method     string
	URL        string
	StatusCode int
	OK         bool
	Suppressed bool
	Error      string
	Attempts   int
	DurationMS int64
	DerivedAt  time.Time
	SentAt     time.Time
}
