// Package scriptcontext holds the live data scripts read conditions and
// triggers against, and the variables/GPIO/sensor values actions write
// (spec.md §4.4). One ScriptContext is shared by the whole engine. Sensor
// readings are written by the Modbus telemetry poller on its own interval
// and written values by the action dispatcher; the engine's tick refreshes
// only the time fields and does not read the hardware actors.
package scriptcontext

import (
	"strings"
	"sync"
	"time"

	"github.com/suderra/edge-agent/internal/model"
)

// ScriptContext is the engine's live data plane: the most recent sensor
// readings, GPIO pin states, user-defined script variables, and the current
// time fields scripts can branch on. Safe for concurrent use.
type ScriptContext struct {
	mu        sync.RWMutex
	sensors   map[string]model.Value
	gpio      map[string]model.Value
	variables map[string]model.Value
	now       time.Time
}

// New builds an empty context with the clock set to the current time.
func New() *ScriptContext {
	return &ScriptContext{
		sensors:   make(map[string]model.Value),
		gpio:      make(map[string]model.Value),
		variables: make(map[string]model.Value),
		now:       time.Now(),
	}
}

// RefreshTime updates the time.* fields the context exposes. Called once
// per tick before trigger evaluation.
func (c *ScriptContext) RefreshTime() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Now()
}

// SetSensor records the latest reading for a named sensor source, e.g.
// "plc1.hr.40001" or "temp_probe_1".
func (c *ScriptContext) SetSensor(name string, v model.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors[name] = v
}

// SetGPIO records the latest observed or commanded state of a GPIO pin.
func (c *ScriptContext) SetGPIO(pin string, v model.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gpio[pin] = v
}

// SetVariable stores a user-defined script variable (set by the
// set_variable action, read back via var.NAME).
func (c *ScriptContext) SetVariable(name string, v model.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = v
}

// GetValue resolves a dotted path against the context. Supported prefixes:
//
//	sensor.NAME  -> latest sensor reading
//	gpio.PIN     -> latest gpio state
//	var.NAME     -> script variable
//	time.FIELD   -> hour, minute, weekday, epoch_ms
//
// A path with no matching entry resolves to nil, not an error — conditions
// over missing data evaluate false rather than aborting (spec.md §4.4).
func (c *ScriptContext) GetValue(path string) model.Value {
	prefix, rest, ok := splitPath(path)
	if !ok {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	switch prefix {
	case "sensor":
		return c.sensors[rest]
	case "gpio":
		return c.gpio[rest]
	case "var":
		return c.variables[rest]
	case "time":
		return c.timeField(rest)
	default:
		return nil
	}
}

func (c *ScriptContext) timeField(field string) model.Value {
	switch field {
	case "hour":
		return float64(c.now.Hour())
	case "minute":
		return float64(c.now.Minute())
	case "weekday":
		return float64(int(c.now.Weekday()))
	case "epoch_ms":
		return float64(c.now.UnixMilli())
	default:
		return nil
	}
}

func splitPath(path string) (prefix, rest string, ok bool) {
	idx := strings.IndexByte(path, '.')
	if idx < 0 {
		return "", "", false
	}
	return path[:idx], path[idx+1:], true
}

// Interpolate replaces {path} placeholders in a template string (used by
// alert/log/publish_mqtt message bodies) with the resolved context value.
func (c *ScriptContext) Interpolate(template string) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		b.WriteString(template[i : i+open])
		close := strings.IndexByte(template[i+open:], '}')
		if close < 0 {
			b.WriteString(template[i+open:])
			break
		}
		path := template[i+open+1 : i+open+close]
		b.WriteString(model.FormatValue(c.GetValue(path)))
		i = i + open + close + 1
	}
	return b.String()
}
