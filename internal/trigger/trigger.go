// Package trigger decides, once per engine tick, which scripts are due to
// run (spec.md §4.5). Each trigger kind keeps its own small piece of state
// (last fired time, last observed value, debounce deadline) keyed by
// (script id, trigger index) so two triggers on the same script don't
// clobber each other's state.
package trigger

import (
	"time"

	"github.com/suderra/edge-agent/internal/model"
	"github.com/suderra/edge-agent/internal/scriptcontext"
)

type stateKey struct {
	scriptID string
	index    int
}

// triggerState is the mutable bookkeeping for one trigger instance.
type triggerState struct {
	fired          bool // startup: has this ever fired
	lastRun        time.Time
	lastValue      model.Value
	lastValueSet   bool
	thresholdOn    bool // threshold: comparison has been true since thresholdSince
	thresholdSince time.Time
}

// Manager evaluates triggers against a ScriptContext and reports which
// (script, trigger index) pairs are due. Not safe for concurrent use; the
// engine drives it from its single tick goroutine.
type Manager struct {
	states map[stateKey]*triggerState
}

// New builds an empty trigger manager.
func New() *Manager {
	return &Manager{states: make(map[stateKey]*triggerState)}
}

// Due is one fired trigger: which script, which trigger index within it.
type Due struct {
	ScriptID string
	Index    int
}

// Evaluate checks every trigger of every given script against ctx and
// returns the ones due to fire this tick. now is passed in explicitly so
// periodic/debounce math is deterministic across a single tick's checks.
func (m *Manager) Evaluate(scripts map[string]model.ScriptDefinition, ctx *scriptcontext.ScriptContext, now time.Time) []Due {
	var due []Due
	for id, def := range scripts {
		for idx, trig := range def.Triggers {
			key := stateKey{scriptID: id, index: idx}
			st, ok := m.states[key]
			if !ok {
				st = &triggerState{}
				m.states[key] = st
			}
			if m.check(trig, ctx, st, now) {
				due = append(due, Due{ScriptID: id, Index: idx})
				st.lastRun = now
			}
		}
	}
	return due
}

func (m *Manager) check(trig model.Trigger, ctx *scriptcontext.ScriptContext, st *triggerState, now time.Time) bool {
	switch trig.Kind {
	case model.TriggerStartup:
		if st.fired {
			return false
		}
		st.fired = true
		return true

	case model.TriggerPeriodic:
		if trig.IntervalMS <= 0 {
			return false
		}
		if st.lastRun.IsZero() {
			return true
		}
		return now.Sub(st.lastRun) >= time.Duration(trig.IntervalMS)*time.Millisecond

	case model.TriggerThreshold:
		v := ctx.GetValue(trig.Source)
		if v == nil || !model.Compare(v, trig.Operator, trig.Value) {
			st.thresholdOn = false
			return false
		}
		if !st.thresholdOn {
			st.thresholdOn = true
			st.thresholdSince = now
		}
		if trig.DebounceMS <= 0 {
			return true
		}
		return now.Sub(st.thresholdSince) >= time.Duration(trig.DebounceMS)*time.Millisecond

	case model.TriggerEdge:
		v := ctx.GetValue(trig.Source)
		if v == nil {
			return false
		}
		prev := st.lastValue
		hadPrev := st.lastValueSet
		st.lastValue = v
		st.lastValueSet = true
		if !hadPrev {
			return false
		}
		return edgeMatches(prev, v, trig.Direction)

	case model.TriggerSchedule:
		if st.lastRun.After(now.Truncate(time.Minute)) {
			return false
		}
		if !scheduleMatches(trig, now) {
			return false
		}
		return now.Truncate(time.Minute).After(st.lastRun.Truncate(time.Minute)) || st.lastRun.IsZero()

	case model.TriggerMQTT:
		// MQTT delivery is an external collaborator (spec.md §1 non-goal for
		// the transport itself); an mqtt trigger is never due from
		// Evaluate.
		return false

	default:
		return false
	}
}

// FireMQTT records now as an mqtt-kind trigger's last fire time, for callers
// that receive messages out of band from the tick loop (e.g. a command
// handler bridging an external MQTT client). It does not make the script
// due: Evaluate never reports an mqtt trigger.
func (m *Manager) FireMQTT(scriptID string, index int, now time.Time) {
	key := stateKey{scriptID: scriptID, index: index}
	st, ok := m.states[key]
	if !ok {
		st = &triggerState{}
		m.states[key] = st
	}
	st.lastRun = now
}

func edgeMatches(prev, cur model.Value, dir model.EdgeDirection) bool {
	pb, pok := prev.(bool)
	cb, cok := cur.(bool)
	if !pok || !cok {
		return false
	}
	switch dir {
	case model.EdgeRising:
		return !pb && cb
	case model.EdgeFalling:
		return pb && !cb
	case model.EdgeBoth:
		return pb != cb
	default:
		return false
	}
}

func scheduleMatches(trig model.Trigger, now time.Time) bool {
	if len(trig.Weekdays) > 0 && !containsInt(trig.Weekdays, int(now.Weekday())) {
		return false
	}
	if len(trig.Hours) > 0 && !containsInt(trig.Hours, now.Hour()) {
		return false
	}
	if len(trig.Minutes) > 0 && !containsInt(trig.Minutes, now.Minute()) {
		return false
	}
	return true
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ResetScript clears all trigger state for a script. The agent's enable,
// disable and delete paths do not call it, so a re-enabled script keeps
// its earlier trigger state.
func (m *Manager) ResetScript(scriptID string) {
	for key := range m.states {
		if key.scriptID == scriptID {
			delete(m.states, key)
		}
	}
}
