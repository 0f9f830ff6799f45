package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/suderra/edge-agent/internal/model"
	"github.com/suderra/edge-agent/internal/scriptcontext"
)

func TestStartupFiresOnce(t *testing.T) {
	m := New()
	ctx := scriptcontext.New()
	scripts := map[string]model.ScriptDefinition{
		"s1": {ID: "s1", Triggers: []model.Trigger{{Kind: model.TriggerStartup}}},
	}

	due := m.Evaluate(scripts, ctx, time.Now())
	require.Len(t, due, 1)

	due = m.Evaluate(scripts, ctx, time.Now())
	require.Empty(t, due)
}

func TestPeriodicRespectsInterval(t *testing.T) {
	m := New()
	ctx := scriptcontext.New()
	scripts := map[string]model.ScriptDefinition{
		"s1": {ID: "s1", Triggers: []model.Trigger{{Kind: model.TriggerPeriodic, IntervalMS: 100}}},
	}

	now := time.Now()
	due := m.Evaluate(scripts, ctx, now)
	require.Len(t, due, 1)

	due = m.Evaluate(scripts, ctx, now.Add(50*time.Millisecond))
	require.Empty(t, due)

	due = m.Evaluate(scripts, ctx, now.Add(150*time.Millisecond))
	require.Len(t, due, 1)
}

func TestThresholdWithDebounce(t *testing.T) {
	m := New()
	ctx := scriptcontext.New()
	ctx.SetSensor("temp1", 80.0)
	scripts := map[string]model.ScriptDefinition{
		"s1": {ID: "s1", Triggers: []model.Trigger{{
			Kind: model.TriggerThreshold, Source: "sensor.temp1",
			Operator: model.OpGt, Value: 75.0, DebounceMS: 200,
		}}},
	}

	now := time.Now()
	due := m.Evaluate(scripts, ctx, now)
	require.Empty(t, due, "first true reading only starts the debounce timer")

	due = m.Evaluate(scripts, ctx, now.Add(50*time.Millisecond))
	require.Empty(t, due, "debounce window has not elapsed yet")

	due = m.Evaluate(scripts, ctx, now.Add(250*time.Millisecond))
	require.Len(t, due, 1, "condition has now been true continuously for >= debounce_ms")
}

func TestThresholdDebounceResetsOnFalseTransition(t *testing.T) {
	m := New()
	ctx := scriptcontext.New()
	ctx.SetSensor("temp1", 80.0)
	scripts := map[string]model.ScriptDefinition{
		"s1": {ID: "s1", Triggers: []model.Trigger{{
			Kind: model.TriggerThreshold, Source: "sensor.temp1",
			Operator: model.OpGt, Value: 75.0, DebounceMS: 200,
		}}},
	}

	now := time.Now()
	due := m.Evaluate(scripts, ctx, now)
	require.Empty(t, due)

	ctx.SetSensor("temp1", 70.0)
	due = m.Evaluate(scripts, ctx, now.Add(100*time.Millisecond))
	require.Empty(t, due, "condition went false, timer must clear")

	ctx.SetSensor("temp1", 80.0)
	due = m.Evaluate(scripts, ctx, now.Add(150*time.Millisecond))
	require.Empty(t, due, "timer restarted, debounce has not elapsed")

	due = m.Evaluate(scripts, ctx, now.Add(400*time.Millisecond))
	require.Len(t, due, 1)
}

func TestEdgeRising(t *testing.T) {
	m := New()
	ctx := scriptcontext.New()
	ctx.SetGPIO("17", false)
	scripts := map[string]model.ScriptDefinition{
		"s1": {ID: "s1", Triggers: []model.Trigger{{
			Kind: model.TriggerEdge, Source: "gpio.17", Direction: model.EdgeRising,
		}}},
	}

	now := time.Now()
	due := m.Evaluate(scripts, ctx, now)
	require.Empty(t, due, "first observation establishes baseline, no fire")

	ctx.SetGPIO("17", true)
	due = m.Evaluate(scripts, ctx, now.Add(time.Millisecond))
	require.Len(t, due, 1)

	due = m.Evaluate(scripts, ctx, now.Add(2*time.Millisecond))
	require.Empty(t, due, "no transition, no fire")
}

func TestResetScriptClearsState(t *testing.T) {
	m := New()
	ctx := scriptcontext.New()
	scripts := map[string]model.ScriptDefinition{
		"s1": {ID: "s1", Triggers: []model.Trigger{{Kind: model.TriggerStartup}}},
	}
	m.Evaluate(scripts, ctx, time.Now())
	m.ResetScript("s1")

	due := m.Evaluate(scripts, ctx, time.Now())
	require.Len(t, due, 1, "reset must allow startup to fire again")
}
