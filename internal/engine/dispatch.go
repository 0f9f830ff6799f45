// dispatch.go implements the concrete ActionDispatcher that turns a
// model.Action into an actual hardware write, context update, or log/alert
// side effect (spec.md §4 action handlers). Every write-capable action
// is checked against the conflict detector before touching hardware: a
// duplicate of a write already made this tick is not sent to the actor
// again, while a conflicting write is still performed and its result is
// flagged as a conflict.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/suderra/edge-agent/internal/conflict"
	"github.com/suderra/edge-agent/internal/gpioactor"
	"github.com/suderra/edge-agent/internal/limits"
	"github.com/suderra/edge-agent/internal/model"
	"github.com/suderra/edge-agent/internal/modbusactor"
	"github.com/suderra/edge-agent/internal/scriptcontext"
)

// Publisher is the minimal surface the dispatcher needs to emit MQTT
// messages. A real client lives outside this module's scope (spec.md §1
// non-goal); the default implementation just logs what would be
// published, matching original_source's own placeholder behavior for
// these two action kinds.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// NopPublisher logs instead of publishing, used when no MQTT client is
// configured.
type NopPublisher struct {
	Log *zap.Logger
}

// Publish logs the message it would have sent.
func (p NopPublisher) Publish(topic string, payload []byte) error {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("would publish mqtt message", zap.String("topic", topic), zap.ByteString("payload", payload))
	return nil
}

// Dispatcher is the default ActionDispatcher: GPIO/Modbus writes through
// the actor handles, context mutation for variables, log/alert emission,
// and a real delay.
type Dispatcher struct {
	ctx    *scriptcontext.ScriptContext
	gpio   map[string]gpioactor.Handle // line offset as a decimal string (Action.Target) -> handle; one chip handle may serve several keys
	modbus map[string]modbusactor.Handle
	pub    Publisher
	log    *zap.Logger
}

// NewDispatcher builds a Dispatcher. gpio maps a GPIO line offset written
// as a decimal string (as used in Action.Target) to the actor handle
// serving it; modbus maps a
// device name (Action.Device) to its actor handle.
func NewDispatcher(ctx *scriptcontext.ScriptContext, gpio map[string]gpioactor.Handle, modbus map[string]modbusactor.Handle, pub Publisher, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = NopPublisher{Log: log}
	}
	return &Dispatcher{ctx: ctx, gpio: gpio, modbus: modbus, pub: pub, log: log}
}

// Dispatch performs one action. Delay, set_variable, log, alert, and
// publish_mqtt never touch the conflict detector since they don't target
// shared hardware. call_script is handled by the engine itself before
// reaching here.
func (d *Dispatcher) Dispatch(ctx context.Context, action model.Action, scriptID string, ectx *limits.ExecutionContext, cd *conflict.ConflictDetector) model.ActionResult {
	switch action.Kind {
	case model.ActionSetGPIO:
		return d.dispatchSetGPIO(ctx, action, scriptID, cd)
	case model.ActionWriteModbus:
		return d.dispatchWriteModbus(ctx, action, scriptID, cd)
	case model.ActionWriteCoil:
		return d.dispatchWriteCoil(ctx, action, scriptID, cd)
	case model.ActionSetVariable:
		d.ctx.SetVariable(action.Target, action.Value)
		return model.SuccessResult(action.Kind, fmt.Sprintf("var.%s = %s", action.Target, model.FormatValue(action.Value)))
	case model.ActionLog:
		d.log.Info("script log", zap.String("script_id", scriptID), zap.String("message", d.ctx.Interpolate(action.Message)))
		return model.SuccessResult(action.Kind, "logged")
	case model.ActionAlert:
		msg := d.ctx.Interpolate(action.Message)
		d.log.Warn("script alert", zap.String("script_id", scriptID), zap.String("level", string(action.Level)), zap.String("message", msg))
		return model.SuccessResult(action.Kind, msg)
	case model.ActionPublishMQTT:
		msg := d.ctx.Interpolate(action.Message)
		if err := d.pub.Publish(action.Target, []byte(msg)); err != nil {
			return model.FailureResult(action.Kind, err.Error())
		}
		return model.SuccessResult(action.Kind, "published")
	case model.ActionDelay:
		if !ectx.IsDelayAllowed(action.DelayMS) {
			return model.FailureResult(action.Kind, fmt.Sprintf("delay %dms exceeds max-delay ceiling", action.DelayMS))
		}
		return d.delay(ctx, action.DelayMS)
	case model.ActionNoop:
		return model.SuccessResult(action.Kind, "noop")
	default:
		return model.FailureResult(action.Kind, fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}

func (d *Dispatcher) delay(ctx context.Context, ms int64) model.ActionResult {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return model.FailureResult(model.ActionDelay, "cancelled")
	case <-timer.C:
		return model.SuccessResult(model.ActionDelay, fmt.Sprintf("delayed %dms", ms))
	}
}

func (d *Dispatcher) dispatchSetGPIO(ctx context.Context, action model.Action, scriptID string, cd *conflict.ConflictDetector) model.ActionResult {
	handle, ok := d.gpio[action.Target]
	if !ok {
		return model.FailureResult(action.Kind, fmt.Sprintf("unknown gpio target %q", action.Target))
	}
	val, ok := action.Value.(bool)
	if !ok {
		return model.FailureResult(action.Kind, "set_gpio value must be boolean")
	}

	// action.Target is the bare GPIO line identifier, the same key used for
	// the context's gpio.<target> lookups and the dispatcher's gpio handle
	// map — not the dotted "gpio.N" form trigger/condition sources use.
	pin, err := strconv.Atoi(action.Target)
	if err != nil {
		return model.FailureResult(action.Kind, fmt.Sprintf("invalid gpio target %q: %v", action.Target, err))
	}

	res := cd.CheckGPIOWrite(action.Target, scriptID, conflict.BoolValue(val))
	if res.Kind == conflict.Duplicate {
		return model.SuccessResult(action.Kind, "duplicate write, skipped")
	}

	if err := handle.Write(ctx, pin, val); err != nil {
		return model.FailureResult(action.Kind, err.Error())
	}
	d.ctx.SetGPIO(action.Target, val)
	if res.Kind == conflict.Conflict {
		return model.ActionResult{Action: action.Kind, Success: true, Message: res.Message, Conflict: true}
	}
	return model.SuccessResult(action.Kind, fmt.Sprintf("%s = %v", action.Target, val))
}

func (d *Dispatcher) dispatchWriteModbus(ctx context.Context, action model.Action, scriptID string, cd *conflict.ConflictDetector) model.ActionResult {
	handle, ok := d.modbus[action.Device]
	if !ok {
		return model.FailureResult(action.Kind, fmt.Sprintf("unknown modbus device %q", action.Device))
	}
	raw, ok := toUint16(action.Value)
	if !ok {
		return model.FailureResult(action.Kind, "write_modbus value must be numeric")
	}

	target := fmt.Sprintf("%s.hr.%d", action.Device, action.Address)
	res := cd.CheckModbusWrite(target, scriptID, conflict.U16Value(raw))
	if res.Kind == conflict.Duplicate {
		return model.SuccessResult(action.Kind, "duplicate write, skipped")
	}

	if err := handle.WriteSingleRegister(ctx, action.Address, raw); err != nil {
		return model.FailureResult(action.Kind, err.Error())
	}
	d.ctx.SetSensor(target, float64(raw))
	if res.Kind == conflict.Conflict {
		return model.ActionResult{Action: action.Kind, Success: true, Message: res.Message, Conflict: true}
	}
	return model.SuccessResult(action.Kind, fmt.Sprintf("%s = %d", target, raw))
}

func (d *Dispatcher) dispatchWriteCoil(ctx context.Context, action model.Action, scriptID string, cd *conflict.ConflictDetector) model.ActionResult {
	handle, ok := d.modbus[action.Device]
	if !ok {
		return model.FailureResult(action.Kind, fmt.Sprintf("unknown modbus device %q", action.Device))
	}
	val, ok := action.Value.(bool)
	if !ok {
		return model.FailureResult(action.Kind, "write_coil value must be boolean")
	}

	target := fmt.Sprintf("%s.coil.%d", action.Device, action.Address)
	res := cd.CheckCoilWrite(target, scriptID, conflict.BoolValue(val))
	if res.Kind == conflict.Duplicate {
		return model.SuccessResult(action.Kind, "duplicate write, skipped")
	}

	if err := handle.WriteSingleCoil(ctx, action.Address, val); err != nil {
		return model.FailureResult(action.Kind, err.Error())
	}
	d.ctx.SetSensor(target, val)
	if res.Kind == conflict.Conflict {
		return model.ActionResult{Action: action.Kind, Success: true, Message: res.Message, Conflict: true}
	}
	return model.SuccessResult(action.Kind, fmt.Sprintf("%s = %v", target, val))
}

func toUint16(v model.Value) (uint16, bool) {
	switch n := v.(type) {
	case float64:
		return uint16(n), true
	case int:
		return uint16(n), true
	default:
		return 0, false
	}
}
