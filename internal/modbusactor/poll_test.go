package modbusactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/suderra/edge-agent/internal/scriptcontext"
)

func newUnreachableHandle(t *testing.T) Handle {
	t.Helper()
	a := New(DeviceConfig{Name: "plc1", Conn: ConnTCP, Address: "127.0.0.1:1", Timeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = a.Run(ctx) }()
	return a.Handle()
}

func TestReadAllCollectsPerRegisterErrorsWithoutAborting(t *testing.T) {
	h := newUnreachableHandle(t)
	registers := []RegisterConfig{
		{Name: "temp", Address: 100, DataType: TypeU16, Scale: 0.1},
		{Name: "flow", Address: 102, DataType: TypeF32, ByteOrder: BigEndian},
	}

	res := h.ReadAll(context.Background(), registers)
	require.Equal(t, "plc1", res.DeviceName)
	require.Empty(t, res.Readings, "an unreachable device yields no readings")
	require.Len(t, res.Errors, 2, "both registers fail independently, neither aborts the other")
}

func TestConnectAllReportsPerDeviceFailuresWithoutAborting(t *testing.T) {
	h1 := newUnreachableHandle(t)
	h2 := newUnreachableHandle(t)

	errs := ConnectAll(context.Background(), map[string]Handle{"plc1": h1, "plc2": h2})
	require.Len(t, errs, 2, "one failure per unreachable device, neither blocks the other")
}

func TestPollerSweepSkipsDevicesWithNoRegisters(t *testing.T) {
	h := newUnreachableHandle(t)
	sctx := scriptcontext.New()
	p := NewPoller(map[string]Handle{"plc1": h}, map[string][]RegisterConfig{}, sctx, time.Second, zaptest.NewLogger(t))

	require.NotPanics(t, func() { p.sweep(context.Background()) })
	require.Nil(t, sctx.GetValue("sensor.plc1.temp"))
}

func TestPollerSweepLogsFailuresWithoutSettingSensors(t *testing.T) {
	h := newUnreachableHandle(t)
	sctx := scriptcontext.New()
	registers := map[string][]RegisterConfig{
		"plc1": {{Name: "temp", Address: 100, DataType: TypeU16, Scale: 0.1}},
	}
	p := NewPoller(map[string]Handle{"plc1": h}, registers, sctx, time.Second, zaptest.NewLogger(t))

	p.sweep(context.Background())
	require.Nil(t, sctx.GetValue("sensor.plc1.temp"), "a failed read must never publish a stale or zero sensor value")
}

func TestNewPollerDefaultsInterval(t *testing.T) {
	p := NewPoller(nil, nil, scriptcontext.New(), 0, nil)
	require.Equal(t, 5*time.Second, p.interval)
}
