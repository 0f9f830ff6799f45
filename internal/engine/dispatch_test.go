package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/suderra/edge-agent/internal/conflict"
	"github.com/suderra/edge-agent/internal/gpioactor"
	"github.com/suderra/edge-agent/internal/limits"
	"github.com/suderra/edge-agent/internal/model"
	"github.com/suderra/edge-agent/internal/scriptcontext"
)

func newTestGPIO(t *testing.T) (gpioactor.Handle, func()) {
	t.Helper()
	a := gpioactor.New("/dev/gpiochip-does-not-exist", []gpioactor.LineConfig{
		{Name: "17", Pin: 17, Direction: gpioactor.DirectionOutput},
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	return a.Handle(), cancel
}

func TestDispatchSetGPIOParsesBareTarget(t *testing.T) {
	h, cancel := newTestGPIO(t)
	defer cancel()

	sctx := scriptcontext.New()
	d := NewDispatcher(sctx, map[string]gpioactor.Handle{"17": h}, nil, nil, nil)

	action := model.Action{Kind: model.ActionSetGPIO, Target: "17", Value: true}
	res := d.Dispatch(context.Background(), action, "s1", limits.NewExecutionContext("s1", limits.Default()), conflict.New())

	require.True(t, res.Success, "set_gpio on a bare numeric target must dispatch successfully: %s", res.Message)
	require.Equal(t, true, sctx.GetValue("gpio.17"))
}

func TestDispatchConflictStillWritesLastValue(t *testing.T) {
	h, cancel := newTestGPIO(t)
	defer cancel()

	sctx := scriptcontext.New()
	d := NewDispatcher(sctx, map[string]gpioactor.Handle{"17": h}, nil, nil, nil)
	cd := conflict.New()
	ectx := limits.NewExecutionContext("s1", limits.Default())

	first := model.Action{Kind: model.ActionSetGPIO, Target: "17", Value: true}
	res1 := d.Dispatch(context.Background(), first, "scriptA", ectx, cd)
	require.True(t, res1.Success)
	require.False(t, res1.Conflict)

	second := model.Action{Kind: model.ActionSetGPIO, Target: "17", Value: false}
	res2 := d.Dispatch(context.Background(), second, "scriptB", ectx, cd)

	require.True(t, res2.Success, "a conflicting write must still reach hardware, not just fail out")
	require.True(t, res2.Conflict)
	require.Equal(t, false, sctx.GetValue("gpio.17"), "final context state must reflect the later write")
}

func TestDispatchDuplicateWriteSkipsHardware(t *testing.T) {
	h, cancel := newTestGPIO(t)
	defer cancel()

	sctx := scriptcontext.New()
	d := NewDispatcher(sctx, map[string]gpioactor.Handle{"17": h}, nil, nil, nil)
	cd := conflict.New()
	ectx := limits.NewExecutionContext("s1", limits.Default())

	action := model.Action{Kind: model.ActionSetGPIO, Target: "17", Value: true}
	res1 := d.Dispatch(context.Background(), action, "scriptA", ectx, cd)
	require.True(t, res1.Success)

	res2 := d.Dispatch(context.Background(), action, "scriptB", ectx, cd)
	require.True(t, res2.Success)
	require.False(t, res2.Conflict, "identical value from a second script within the same tick is a duplicate, not a conflict")
}

func TestDispatchUnknownGPIOTarget(t *testing.T) {
	sctx := scriptcontext.New()
	d := NewDispatcher(sctx, map[string]gpioactor.Handle{}, nil, nil, nil)
	action := model.Action{Kind: model.ActionSetGPIO, Target: "99", Value: true}
	res := d.Dispatch(context.Background(), action, "s1", limits.NewExecutionContext("s1", limits.Default()), conflict.New())
	require.False(t, res.Success)
}

func TestDispatchSetVariableAlwaysSucceeds(t *testing.T) {
	sctx := scriptcontext.New()
	d := NewDispatcher(sctx, nil, nil, nil, nil)
	action := model.Action{Kind: model.ActionSetVariable, Target: "counter", Value: 5.0}
	res := d.Dispatch(context.Background(), action, "s1", limits.NewExecutionContext("s1", limits.Default()), conflict.New())
	require.True(t, res.Success)
	require.Equal(t, 5.0, sctx.GetValue("var.counter"))
}

func TestDispatchNoop(t *testing.T) {
	sctx := scriptcontext.New()
	d := NewDispatcher(sctx, nil, nil, nil, nil)
	res := d.Dispatch(context.Background(), model.Action{Kind: model.ActionNoop}, "s1", limits.NewExecutionContext("s1", limits.Default()), conflict.New())
	require.True(t, res.Success)
}
