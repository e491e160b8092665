// Package derive turns decoded telemetry into MES business events.
//
// The engine has no I/O and holds no mutable state: operational state is
// passed in and returned, so the caller owns it and decides when the new
// state takes effect.
package derive

import "telemetry-bridge/bridge/internal/domain"

const (
	// StatusUnknown is the status before any telemetry reported one.
	StatusUnknown = "unknown"

	DefaultRunningStatus = "running"
	DefaultCountCeiling  = 1000
)

// State is the operational state carried between messages.
type State struct {
	CurrentStatus string
	LastCount     int64
}

func NewState() State {
	return State{CurrentStatus: StatusUnknown}
}

type Options struct {
	// RunningStatus is the status label that marks an active run.
	RunningStatus string
	// CountCeiling is the smallest single-step count increase treated as a
	// counter anomaly instead of production.
	CountCeiling int64
	Rules        []domain.QualityRule
}

type Engine struct {
	running string
	ceiling int64
	rules   []domain.QualityRule
}

func NewEngine(opts Options) *Engine {
	if opts.RunningStatus == "" {
		opts.RunningStatus = DefaultRunningStatus
	}
	if opts.CountCeiling <= 0 {
		opts.CountCeiling = DefaultCountCeiling
	}
	rules := make([]domain.QualityRule, len(opts.Rules))
	copy(rules, opts.Rules)

	return &Engine{
		running: opts.RunningStatus,
		ceiling: opts.CountCeiling,
		rules:   rules,
	}
}

// Derive applies one record to state. Events come back ordered: lifecycle,
// count, then quality alarms in rule order.
func (e *Engine) Derive(state State, rec domain.TelemetryRecord) (State, []domain.Event) {
	var events []domain.Event

	if ev, ok := e.transition(&state, rec); ok {
		events = append(events, ev)
	}
	if ev, ok := e.count(&state, rec); ok {
		events = append(events, ev)
	}
	for _, rule := range e.rules {
		if ev, ok := rule.Evaluate(rec); ok {
			events = append(events, ev)
		}
	}

	return state, events
}

func (e *Engine) transition(state *State, rec domain.TelemetryRecord) (domain.Event, bool) {
	if rec.Status == nil || *rec.Status == state.CurrentStatus {
		return domain.Event{}, false
	}

	prev := state.CurrentStatus
	state.CurrentStatus = *rec.Status

	switch {
	case *rec.Status == e.running:
		return domain.LifecycleStart(), true
	case prev == e.running:
		return domain.LifecycleComplete(), true
	default:
		return domain.Event{}, false
	}
}

// count emits the increase over the last accepted count. Jumps at or above
// the ceiling are ignored and leave the baseline where it was.
func (e *Engine) count(state *State, rec domain.TelemetryRecord) (domain.Event, bool) {
	if rec.WoodCount == nil {
		return domain.Event{}, false
	}

	delta := *rec.WoodCount - state.LastCount
	if delta <= 0 || delta >= e.ceiling {
		return domain.Event{}, false
	}

	state.LastCount = *rec.WoodCount
	return domain.CountIncrement(delta), true
}
