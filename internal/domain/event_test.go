package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_SubpathAndPayload(t *testing.T) {
	tests := []struct {
		event   Event
		subpath string
		body    string
	}{
		{event: LifecycleStart(), subpath: "start"},
		{event: LifecycleComplete(), subpath: "complete"},
		{event: CountIncrement(7), subpath: "count", body: `{"count":7}`},
		{
			event:   QualityAlarm(AlarmHighTemp, "Temperature 95 exceeded threshold 80"),
			subpath: "quality",
			body:    `{"code":"HIGH_TEMP","reason":"Temperature 95 exceeded threshold 80"}`,
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.event.Kind), func(t *testing.T) {
			assert.Equal(t, tt.subpath, tt.event.Subpath())

			payload := tt.event.Payload()
			if tt.body == "" {
				assert.Nil(t, payload)
				return
			}
			data, err := json.Marshal(payload)
			require.NoError(t, err)
			assert.JSONEq(t, tt.body, string(data))
		})
	}
}

func TestQualityRules_Order(t *testing.T) {
	rules := QualityRules(80, 10)
	require.Len(t, rules, 2)
	assert.Equal(t, AlarmHighTemp, rules[0].Code)
	assert.Equal(t, AlarmHighVibration, rules[1].Code)
}

func TestQualityRule_Evaluate(t *testing.T) {
	rule := QualityRules(80, 10)[0]

	_, fired := rule.Evaluate(TelemetryRecord{})
	assert.False(t, fired, "absent reading")

	_, fired = rule.Evaluate(TelemetryRecord{Temperature: ptr(80.0)})
	assert.False(t, fired, "reading at threshold")

	ev, fired := rule.Evaluate(TelemetryRecord{Temperature: ptr(80.25)})
	require.True(t, fired)
	assert.Equal(t, EventQualityAlarm, ev.Kind)
	assert.Equal(t, AlarmHighTemp, ev.Code)
	assert.Equal(t, "Temperature 80.25 exceeded threshold 80", ev.Reason)
}
