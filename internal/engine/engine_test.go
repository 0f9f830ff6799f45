package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/suderra/edge-agent/internal/audit"
	"github.com/suderra/edge-agent/internal/conflict"
	"github.com/suderra/edge-agent/internal/limits"
	"github.com/suderra/edge-agent/internal/model"
	"github.com/suderra/edge-agent/internal/observability"
	"github.com/suderra/edge-agent/internal/scriptcontext"
	"github.com/suderra/edge-agent/internal/storage"
	"github.com/suderra/edge-agent/internal/trigger"
)

// fakeDispatcher records every action it's asked to dispatch and always
// succeeds, so engine-level tests can assert on execution flow without
// touching real hardware actors.
type fakeDispatcher struct {
	calls []model.Action
	fail  map[model.ActionKind]bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, action model.Action, scriptID string, ectx *limits.ExecutionContext, cd *conflict.ConflictDetector) model.ActionResult {
	f.calls = append(f.calls, action)
	if f.fail[action.Kind] {
		return model.FailureResult(action.Kind, "forced failure")
	}
	return model.SuccessResult(action.Kind, "ok")
}

func newTestEngine(t *testing.T) (*Engine, *storage.Store, *fakeDispatcher) {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)

	ledger, err := audit.Open(t.TempDir()+"/audit.db", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	fd := &fakeDispatcher{fail: make(map[model.ActionKind]bool)}
	eng := New(store, scriptcontext.New(), trigger.New(), limits.NewScriptRateLimiter(), ledger, observability.NewMetrics(), fd, limits.Default(), log)
	return eng, store, fd
}

func TestExecuteRunsActionsInOrder(t *testing.T) {
	eng, store, fd := newTestEngine(t)
	def := model.ScriptDefinition{
		ID: "s1", Enabled: true,
		Actions: []model.Action{
			{Kind: model.ActionLog, Message: "hi"},
			{Kind: model.ActionSetVariable, Target: "x", Value: 1.0},
		},
	}
	require.NoError(t, store.AddScript(def))

	result := eng.execute(context.Background(), def, limits.NewExecutionContext(def.ID, limits.Default()), 0)
	require.True(t, result.Success)
	require.Equal(t, 2, result.ActionsExecuted)
	require.Len(t, fd.calls, 2, "every non-call_script action goes through the dispatcher in definition order")
	require.Equal(t, model.ActionLog, fd.calls[0].Kind)
	require.Equal(t, model.ActionSetVariable, fd.calls[1].Kind)
}

func TestExecuteSkipsWhenConditionFalse(t *testing.T) {
	eng, store, fd := newTestEngine(t)
	def := model.ScriptDefinition{
		ID: "s1", Enabled: true,
		Conditions: []model.Condition{{Source: "var.missing", Operator: model.OpEq, Value: 1.0}},
		Actions:    []model.Action{{Kind: model.ActionLog, Message: "should not run"}},
	}
	require.NoError(t, store.AddScript(def))

	result := eng.execute(context.Background(), def, limits.NewExecutionContext(def.ID, limits.Default()), 0)
	require.True(t, result.Success)
	require.Zero(t, result.ActionsExecuted)
	require.Empty(t, fd.calls)
}

func TestExecuteDepthExceeded(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	def := model.ScriptDefinition{ID: "s1", Enabled: true, LimitsPreset: "high_frequency"}
	require.NoError(t, store.AddScript(def))

	lim := limits.HighFrequency()
	ectx := limits.NewExecutionContext(def.ID, lim)
	for i := 0; i < lim.MaxDepth; i++ {
		ectx.EnterNested()
	}

	result := eng.execute(context.Background(), def, ectx, lim.MaxDepth)
	require.False(t, result.Success)
	require.Equal(t, 1, result.ActionsFailed)
}

func TestExecuteRunsOnErrorWhenActionFails(t *testing.T) {
	eng, store, fd := newTestEngine(t)
	fd.fail[model.ActionAlert] = true

	def := model.ScriptDefinition{
		ID: "s1", Enabled: true,
		Actions: []model.Action{{Kind: model.ActionAlert, Message: "boom"}},
		OnError: []model.Action{{Kind: model.ActionLog, Message: "handled"}},
	}
	require.NoError(t, store.AddScript(def))

	result := eng.execute(context.Background(), def, limits.NewExecutionContext(def.ID, limits.Default()), 0)
	require.False(t, result.Success)
	require.Len(t, fd.calls, 2, "primary action plus the on_error handler both go through dispatch")
}

func TestRunStartupScriptsFiresOnce(t *testing.T) {
	eng, store, fd := newTestEngine(t)
	def := model.ScriptDefinition{
		ID: "s1", Enabled: true,
		Triggers: []model.Trigger{{Kind: model.TriggerStartup}},
		Actions:  []model.Action{{Kind: model.ActionLog, Message: "booted"}},
	}
	require.NoError(t, store.AddScript(def))

	eng.RunStartupScripts(context.Background())
	require.Len(t, fd.calls, 1)
}

func TestCallScriptRecursesAndSharesBudget(t *testing.T) {
	eng, store, fd := newTestEngine(t)
	child := model.ScriptDefinition{ID: "child", Enabled: true, Actions: []model.Action{{Kind: model.ActionLog, Message: "child ran"}}}
	parent := model.ScriptDefinition{ID: "parent", Enabled: true, Actions: []model.Action{{Kind: model.ActionCallScript, ScriptID: "child"}}}
	require.NoError(t, store.AddScript(child))
	require.NoError(t, store.AddScript(parent))

	ectx := limits.NewExecutionContext(parent.ID, limits.Default())
	result := eng.execute(context.Background(), parent, ectx, 0)
	require.True(t, result.Success)
	require.Len(t, fd.calls, 1, "only the child's log action reaches the dispatcher; call_script itself is handled by the engine")
	require.Equal(t, 2, ectx.ActionsTaken(), "the parent's call_script and the child's log action count against one shared budget")
}

func TestCallScriptMissingTargetFails(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	def := model.ScriptDefinition{ID: "parent", Enabled: true, Actions: []model.Action{{Kind: model.ActionCallScript, ScriptID: "does-not-exist"}}}
	require.NoError(t, store.AddScript(def))

	result := eng.execute(context.Background(), def, limits.NewExecutionContext(def.ID, limits.Default()), 0)
	require.False(t, result.Success)
}

func TestRateLimitRejectionDoesNotBumpErrorCount(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	def := model.ScriptDefinition{ID: "s1", Enabled: true, LimitsPreset: "low_frequency"}
	require.NoError(t, store.AddScript(def))

	for i := 0; i < limits.LowFrequency().MaxPerMinute; i++ {
		eng.executeTop(context.Background(), def)
	}
	sc, ok := store.Get(def.ID)
	require.True(t, ok)
	require.Zero(t, sc.ErrorCount, "successful runs within budget must not touch error_count")

	// One more triggering this minute is rate-limited; executeTop must skip
	// storage.UpdateResult for it entirely (spec.md §4.3, §8 scenario 5).
	eng.executeTop(context.Background(), def)
	sc, ok = store.Get(def.ID)
	require.True(t, ok)
	require.Zero(t, sc.ErrorCount, "a rate-limited execution must not increment error_count")
}

func TestDepthExceededDoesNotBumpErrorCount(t *testing.T) {
	log := zaptest.NewLogger(t)
	store, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	ledger, err := audit.Open(t.TempDir()+"/audit.db", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	// A zero max-depth configuration makes the very first top-level
	// executeTop trip IsDepthExceeded immediately, exercising the same
	// terminal-result path a deeply nested call_script chain would.
	zeroDepth := limits.Default()
	zeroDepth.MaxDepth = 0
	eng := New(store, scriptcontext.New(), trigger.New(), limits.NewScriptRateLimiter(), ledger, observability.NewMetrics(),
		&fakeDispatcher{fail: make(map[model.ActionKind]bool)}, zeroDepth, log)

	def := model.ScriptDefinition{ID: "s1", Enabled: true, Actions: []model.Action{{Kind: model.ActionLog, Message: "hi"}}}
	require.NoError(t, store.AddScript(def))

	eng.executeTop(context.Background(), def)

	sc, ok := store.Get(def.ID)
	require.True(t, ok)
	require.Zero(t, sc.ErrorCount, "a depth-exceeded terminal result must not increment error_count")
}

func TestTickRunsScriptOnceDespiteMultipleFiredTriggers(t *testing.T) {
	eng, store, fd := newTestEngine(t)
	def := model.ScriptDefinition{
		ID: "s1", Enabled: true,
		Triggers: []model.Trigger{
			{Kind: model.TriggerPeriodic, IntervalMS: 1000},
			{Kind: model.TriggerStartup},
		},
		Actions: []model.Action{{Kind: model.ActionLog, Message: "hi"}},
	}
	require.NoError(t, store.AddScript(def))

	eng.tick(context.Background())
	require.Len(t, fd.calls, 1, "a script with two triggers firing the same tick must still run exactly once")
}
