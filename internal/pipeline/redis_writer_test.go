package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-bridge/bridge/internal/derive"
	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/mes"
)

type fakeLive struct {
	mu       sync.Mutex
	states   []derive.State
	outcomes []map[string]any
}

func (f *fakeLive) PipelineStateUpdate(_ context.Context, s derive.State, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
	return nil
}

func (f *fakeLive) PublishOutcome(_ context.Context, payload []byte) error {
	var v map[string]any
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, v)
	return nil
}

func TestRedisWriter_CoalescesStateAndPublishesOutcomes(t *testing.T) {
	states := make(chan StateSnapshot, 8)
	outcomes := make(chan Outcome, 8)
	live := &fakeLive{}
	w := NewRedisWriter(states, outcomes, live, discardLogger())
	w.interval = time.Hour

	states <- StateSnapshot{State: derive.State{CurrentStatus: "running"}}
	states <- StateSnapshot{State: derive.State{CurrentStatus: "running", LastCount: 8}}
	outcomes <- Outcome{
		Envelope: Envelope{ID: "e1", Event: domain.CountIncrement(8)},
		Result:   mes.Result{URL: "http://mes/count", StatusCode: 200, Attempts: 1},
	}
	close(states)
	close(outcomes)

	w.Run(context.Background())

	require.Len(t, live.states, 1)
	assert.Equal(t, derive.State{CurrentStatus: "running", LastCount: 8}, live.states[0])

	require.Len(t, live.outcomes, 1)
	assert.Equal(t, "e1", live.outcomes[0]["event_id"])
	assert.Equal(t, "COUNT_INCREMENT", live.outcomes[0]["kind"])
	assert.Equal(t, true, live.outcomes[0]["ok"])
	assert.Equal(t, 8.0, live.outcomes[0]["delta"])
}

func TestRedisWriter_StopsWithOnlyOneChannel(t *testing.T) {
	states := make(chan StateSnapshot, 1)
	live := &fakeLive{}
	w := NewRedisWriter(states, nil, live, discardLogger())

	states <- StateSnapshot{State: derive.State{CurrentStatus: "idle"}}
	close(states)

	w.Run(context.Background())
	assert.Len(t, live.states, 1)
}
