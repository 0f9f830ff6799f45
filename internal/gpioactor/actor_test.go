package gpioactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimulationReadWriteRoundtrip(t *testing.T) {
	lines := []LineConfig{{Name: "relay1", Pin: 17, Direction: DirectionOutput}}
	a := New("/dev/gpiochip-does-not-exist", lines, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	h := a.Handle()
	time.Sleep(10 * time.Millisecond) // let Run reach its select loop

	require.NoError(t, h.Write(context.Background(), 17, true))
	v, err := h.Read(context.Background(), 17)
	require.NoError(t, err)
	require.True(t, v)
}

func TestInvertFlag(t *testing.T) {
	lines := []LineConfig{{Name: "valve", Pin: 27, Direction: DirectionOutput, Invert: true}}
	a := New("/dev/gpiochip-does-not-exist", lines, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	h := a.Handle()
	require.NoError(t, h.Write(context.Background(), 27, true))
	v, err := h.Read(context.Background(), 27)
	require.NoError(t, err)
	require.True(t, v, "logical read should reflect the inverted-then-inverted-back value")
}

func TestShutdownDrainsQueue(t *testing.T) {
	lines := []LineConfig{{Name: "relay1", Pin: 17, Direction: DirectionOutput}}
	a := New("/dev/gpiochip-does-not-exist", lines, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	h := a.Handle()
	readCtx, readCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer readCancel()
	_, err := h.Read(readCtx, 17)
	require.Error(t, err, "actor goroutine has exited, request is never served before the context deadline")
}
