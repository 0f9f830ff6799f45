// Package engine implements the script execution loop (spec.md §4): once
// per tick it refreshes the live context's time fields, evaluates every
// script's triggers, and dispatches the due ones through the safety
// envelope and the conflict detector to the hardware actors (a Modbus
// request also passes its device's circuit breaker). The tick does not
// read the hardware actors itself.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/suderra/edge-agent/internal/audit"
	"github.com/suderra/edge-agent/internal/conflict"
	"github.com/suderra/edge-agent/internal/limits"
	"github.com/suderra/edge-agent/internal/model"
	"github.com/suderra/edge-agent/internal/observability"
	"github.com/suderra/edge-agent/internal/scriptcontext"
	"github.com/suderra/edge-agent/internal/storage"
	"github.com/suderra/edge-agent/internal/trigger"
)

// reloadEveryTicks is how many ticks elapse between storage reload-merge
// passes, matching original_source's engine.rs 30-tick reload counter.
const reloadEveryTicks = 30

// TickInterval is the engine's fixed tick period.
const TickInterval = time.Second

// ActionDispatcher performs the actual hardware side effect for one action.
// Implemented by the concrete dispatcher wired up in cmd/edge-agent, kept
// as an interface here so the core loop is independently testable.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action model.Action, scriptID string, ectx *limits.ExecutionContext, cd *conflict.ConflictDetector) model.ActionResult
}

// Engine drives the tick loop described in spec.md §4.
type Engine struct {
	store    *storage.Store
	ctx      *scriptcontext.ScriptContext
	triggers *trigger.Manager
	conflict *conflict.ConflictDetector
	rate     *limits.ScriptRateLimiter
	ledger   *audit.Ledger
	metrics  *observability.Metrics
	dispatch ActionDispatcher
	log      *zap.Logger

	defaultLimits limits.ScriptLimits
	tickCount     int
}

// New builds an Engine. ledger may be nil (audit recording then no-ops),
// matching the teacher's pattern of tolerating an unavailable storage
// backend rather than refusing to start.
func New(
	store *storage.Store,
	ctx *scriptcontext.ScriptContext,
	triggers *trigger.Manager,
	rate *limits.ScriptRateLimiter,
	ledger *audit.Ledger,
	metrics *observability.Metrics,
	dispatch ActionDispatcher,
	defaultLimits limits.ScriptLimits,
	log *zap.Logger,
) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:         store,
		ctx:           ctx,
		triggers:      triggers,
		conflict:      conflict.New(),
		rate:          rate,
		ledger:        ledger,
		metrics:       metrics,
		dispatch:      dispatch,
		defaultLimits: defaultLimits,
		log:           log,
	}
}

// resolveLimits maps a script's configured preset to concrete ScriptLimits.
// An empty or "default" preset uses the engine's configured default limits
// (e.defaultLimits), which may differ from the package-level
// limits.Default() if the operator configured a custom baseline; named
// presets (high_frequency, low_frequency) always resolve to their fixed
// values.
func (e *Engine) resolveLimits(preset string) limits.ScriptLimits {
	switch preset {
	case "high_frequency":
		return limits.HighFrequency()
	case "low_frequency":
		return limits.LowFrequency()
	default:
		return e.defaultLimits
	}
}

// RunStartupScripts fires every script's startup trigger once, before the
// tick loop begins, matching original_source's run_startup_scripts.
func (e *Engine) RunStartupScripts(ctx context.Context) {
	for _, sc := range e.store.GetActive() {
		for _, trig := range sc.Definition.Triggers {
			if trig.Kind == model.TriggerStartup {
				e.executeTop(ctx, sc.Definition)
				break
			}
		}
	}
}

// Run drives the tick loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.TicksTotal.Inc()
			e.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	e.tickCount++
	if e.tickCount%reloadEveryTicks == 0 {
		added, updated, err := e.store.ReloadMerge()
		if err != nil {
			e.log.Error("script reload failed", zap.Error(err))
		} else if added > 0 || updated > 0 {
			e.log.Info("reloaded scripts", zap.Int("added", added), zap.Int("updated", updated))
		}
	}

	e.ctx.RefreshTime()
	e.conflict.Reset()

	active := e.store.GetActive()
	byID := make(map[string]model.ScriptDefinition, len(active))
	for _, sc := range active {
		byID[sc.Definition.ID] = sc.Definition
	}

	if e.metrics != nil {
		e.metrics.ScriptsLoaded.Set(float64(e.store.Count()))
	}

	// A script with several triggers may have more than one fire in the same
	// tick (spec.md §4.5: "if multiple triggers of one script fire, the
	// script runs exactly once"); dedup by script id, keeping the
	// first-fired trigger's kind for the metric and running the script once.
	due := e.triggers.Evaluate(byID, e.ctx, time.Now())
	seen := make(map[string]bool, len(due))
	for _, d := range due {
		if seen[d.ScriptID] {
			continue
		}
		seen[d.ScriptID] = true

		def := byID[d.ScriptID]
		if e.metrics != nil {
			e.metrics.ScriptsTriggeredTotal.WithLabelValues(string(def.Triggers[d.Index].Kind)).Inc()
		}
		e.executeTop(ctx, def)
	}
}

// executeTop runs one top-level script execution and records its result.
func (e *Engine) executeTop(ctx context.Context, def model.ScriptDefinition) {
	lim := e.resolveLimits(def.LimitsPreset)
	ectx := limits.NewExecutionContext(def.ID, lim)
	result := e.execute(ctx, def, ectx, 0)

	// Rate-limit rejections and depth-exceeded results never dispatched a
	// single action: spec.md §4.3 requires they leave the script's status
	// and error streak untouched, so storage.UpdateResult is skipped for
	// them. They are still recorded to the audit ledger and metrics below.
	if !result.SkipBookkeeping {
		if err := e.store.UpdateResult(def.ID, result); err != nil {
			e.log.Error("failed to record script result", zap.String("script_id", def.ID), zap.Error(err))
		}
	}
	if e.ledger != nil {
		if err := e.ledger.Record(result); err != nil {
			e.log.Error("failed to record audit entry", zap.String("script_id", def.ID), zap.Error(err))
		}
	}
	if e.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		e.metrics.ScriptsExecutedTotal.WithLabelValues(outcome).Inc()
		if sc, ok := e.store.Get(def.ID); ok {
			e.metrics.ScriptErrorStreak.WithLabelValues(def.ID).Set(float64(sc.ErrorCount))
		}
	}
}

// execute runs a script's conditions and actions within its safety
// envelope, exactly following spec.md §4.8 / original_source's
// execute_with_depth: depth check first, rate limit second, then
// conditions short-circuit, then actions dispatch one at a time against
// the shared ExecutionContext, with on_error sharing the same action
// quota. depth is the current nesting level (0 for a top-level call).
func (e *Engine) execute(ctx context.Context, def model.ScriptDefinition, ectx *limits.ExecutionContext, depth int) model.ExecutionResult {
	start := time.Now()
	result := model.ExecutionResult{ScriptID: def.ID, Timestamp: start.UTC()}

	if ectx.IsDepthExceeded() {
		result.Results = append(result.Results, model.FailureResult("", fmt.Sprintf("call depth %d exceeded", ectx.Limits.MaxDepth)))
		result.ActionsFailed++
		result.SkipBookkeeping = true
		if e.metrics != nil {
			e.metrics.LimitViolationsTotal.WithLabelValues("depth").Inc()
		}
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	if depth == 0 {
		if !e.rate.Check(def.ID, ectx.Limits.MaxPerMinute) {
			if e.metrics != nil {
				e.metrics.RateLimitRejectionsTotal.WithLabelValues(def.ID).Inc()
			}
			result.Results = append(result.Results, model.FailureResult("", "rate limit exceeded"))
			result.ActionsFailed++
			result.SkipBookkeeping = true
			result.DurationMS = time.Since(start).Milliseconds()
			return result
		}
	}

	for _, cond := range def.Conditions {
		v := e.ctx.GetValue(cond.Source)
		if !model.Compare(v, cond.Operator, cond.Value) {
			// Conditions failing is not an error: the script simply doesn't
			// run this tick.
			result.Success = true
			result.DurationMS = time.Since(start).Milliseconds()
			return result
		}
	}

	success := e.runActions(ctx, def.Actions, def.ID, ectx, depth, &result)
	if !success {
		if errSuccess := e.runActions(ctx, def.OnError, def.ID, ectx, depth, &result); !errSuccess {
			e.log.Warn("on_error handler also failed", zap.String("script_id", def.ID))
		}
	}

	result.Success = success
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// runActions dispatches a list of actions in order, stopping early if the
// time or action budget is spent. Returns false if any action failed.
func (e *Engine) runActions(ctx context.Context, actions []model.Action, scriptID string, ectx *limits.ExecutionContext, depth int, result *model.ExecutionResult) bool {
	allOK := true
	for _, action := range actions {
		if ectx.IsTimeExceeded() {
			result.Results = append(result.Results, model.FailureResult(action.Kind, "execution time budget exceeded"))
			result.ActionsFailed++
			if e.metrics != nil {
				e.metrics.LimitViolationsTotal.WithLabelValues("time").Inc()
			}
			return false
		}
		if ectx.IsActionLimitExceeded() {
			result.Results = append(result.Results, model.FailureResult(action.Kind, "action count budget exceeded"))
			result.ActionsFailed++
			if e.metrics != nil {
				e.metrics.LimitViolationsTotal.WithLabelValues("action_count").Inc()
			}
			return false
		}

		if action.Guard != nil {
			v := e.ctx.GetValue(action.Guard.Source)
			if !model.Compare(v, action.Guard.Operator, action.Guard.Value) {
				continue
			}
		}

		ectx.RecordAction()

		var ar model.ActionResult
		if action.Kind == model.ActionCallScript {
			ar = e.dispatchCallScript(ctx, action, ectx, depth)
		} else {
			ar = e.dispatch.Dispatch(ctx, action, scriptID, ectx, e.conflict)
		}

		result.Results = append(result.Results, ar)
		result.ActionsExecuted++
		if !ar.Success {
			result.ActionsFailed++
			allOK = false
		}
		if e.metrics != nil {
			outcome := "success"
			if !ar.Success {
				outcome = "failure"
			}
			e.metrics.ActionsExecutedTotal.WithLabelValues(string(action.Kind), outcome).Inc()
			if ar.Conflict {
				e.metrics.ConflictsTotal.WithLabelValues(string(action.Kind)).Inc()
			}
		}
	}
	return allOK
}

// dispatchCallScript recursively executes another script, sharing ectx's
// action/time budget and incrementing its depth counter for the duration of
// the nested call (spec.md §4.8 Open Question 1: nested calls consult the
// rate limiter under their own script_id too).
func (e *Engine) dispatchCallScript(ctx context.Context, action model.Action, ectx *limits.ExecutionContext, depth int) model.ActionResult {
	target, ok := e.store.Get(action.ScriptID)
	if !ok {
		return model.FailureResult(model.ActionCallScript, fmt.Sprintf("call_script: %q not found", action.ScriptID))
	}

	ectx.EnterNested()
	defer ectx.ExitNested()

	// Depth first: a call that is already too deep fails in execute without
	// consuming the target's rate budget.
	if !ectx.IsDepthExceeded() {
		nestedLimits := e.resolveLimits(target.Definition.LimitsPreset)
		if !e.rate.Check(target.Definition.ID, nestedLimits.MaxPerMinute) {
			if e.metrics != nil {
				e.metrics.RateLimitRejectionsTotal.WithLabelValues(target.Definition.ID).Inc()
			}
			return model.FailureResult(model.ActionCallScript, fmt.Sprintf("call_script: %q rate limited", action.ScriptID))
		}
	}

	nested := e.execute(ctx, target.Definition, ectx, depth+1)
	if nested.Success {
		return model.SuccessResult(model.ActionCallScript, fmt.Sprintf("called %q: %d actions ok", action.ScriptID, nested.ActionsExecuted))
	}
	return model.FailureResult(model.ActionCallScript, fmt.Sprintf("called %q: %d/%d actions failed", action.ScriptID, nested.ActionsFailed, nested.ActionsExecuted))
}
