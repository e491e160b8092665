package pipeline

import (
	"encoding/json"
	"time"

	"telemetry-bridge/bridge/internal/derive"
	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/mes"
)

// Envelope is a derived event waiting for dispatch. ID doubles as the MES
// idempotency key.
type Envelope struct {
	ID        string
	Event     domain.Event
	DerivedAt time.Time
}

// Outcome is what happened to one envelope.
type Outcome struct {
	Envelope   Envelope
	Result     mes.Result
	Suppressed bool
	SentAt     time.Time
}

// StateSnapshot is the operational state after a processed message.
type StateSnapshot struct {
	State     derive.State
	UpdatedAt time.Time
}

// Observer receives every dispatch outcome. Implementations must not block.
type Observer interface {
	Observe(o Outcome)
}

type outcomeView struct {
	EventID    string           `json:"event_id"`
	Kind       domain.EventKind `json:"kind"`
	Delta      int64            `json:"delta,omitempty"`
	Code       domain.AlarmCode `json:"code,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	URL        string           `json:"url,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	OK         bool             `json:"ok"`
	Suppressed bool             `json:"suppressed,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts"`
	DerivedAt  int64            `json:"derived_at"`
	SentAt     int64            `json:"sent_at"`
}

// MarshalJSON renders the outcome for the live feeds.
func (o Outcome) MarshalJSON() ([]byte, error) {
	v := outcomeView{
		EventID:    o.Envelope.ID,
		Kind:       o.Envelope.Event.Kind,
		Delta:      o.Envelope.Event.Delta,
		Code:       o.Envelope.Event.Code,
		Reason:     o.Envelope.Event.Reason,
		URL:        o.Result.URL,
		StatusCode: o.Result.StatusCode,
		OK:         o.Result.OK() && !o.Suppressed,
		Suppressed: o.Suppressed,
		Attempts:   o.Result.Attempts,
		DerivedAt:  o.Envelope.DerivedAt.UnixMilli(),
		SentAt:     o.SentAt.UnixMilli(),
	}
	if o.Result.Err != nil {
		v.Error = o.Result.Err.Error()
	}
	return json.Marshal(v)
}

// Record converts the outcome to a journal row.
func (o Outcome) Record() domain.DispatchRecord {
	rec := domain.DispatchRecord{
		EventID:    o.Envelope.ID,
		Kind:       o.Envelope.Event.Kind,
		Subpath:    o.Envelope.Event.Subpath(),
		Method:     o.Result.Method,
		URL:        o.Result.URL,
		StatusCode: o.Result.StatusCode,
		OK:         o.Result.OK() && !o.Suppressed,
		Suppressed: o.Suppressed,
		Attempts:   o.Result.Attempts,
		DurationMS: o.Result.Duration.Milliseconds(),
		DerivedAt:  o.Envelope.DerivedAt,
		SentAt:     o.SentAt,
	}
	if payload := o.Envelope.Event.Payload(); payload != nil {
		rec.Payload, _ = json.Marshal(payload)
	}
	if o.Result.Err != nil {
		rec.Error = o.Result.Err.Error()
	}
	return rec
}
