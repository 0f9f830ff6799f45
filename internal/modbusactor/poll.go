// poll.go implements the read_all telemetry sweep spec.md §4.7 names, and
// the periodic collector task spec.md §5 describes ("one for the
// telemetry collector"). Each configured register is read and decoded
// independently so one bad register never blocks the rest of a device's
// sweep; a failing register contributes to DeviceResult.Errors instead of
// aborting the pass.
package modbusactor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/suderra/edge-agent/internal/scriptcontext"
)

// DeviceResult is the outcome of one read_all sweep over a single device's
// configured registers.
type DeviceResult struct {
	DeviceName string
	Readings   []Reading
	Errors     []string
}

// ReadAll reads and decodes every configured register for this device in
// order, collecting per-register failures rather than stopping at the
// first one (spec.md §4.7: "failures do not abort other devices" applies
// equally to registers within one device's sweep here).
func (h Handle) ReadAll(ctx context.Context, registers []RegisterConfig) DeviceResult {
	res := DeviceResult{DeviceName: h.name}
	for _, reg := range registers {
		raw, err := h.ReadHoldingRegisters(ctx, reg.Address, registerWidth(reg.DataType))
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", reg.Name, err))
			continue
		}
		reading, err := Decode(reg, raw)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", reg.Name, err))
			continue
		}
		res.Readings = append(res.Readings, reading)
	}
	return res
}

// ConnectAll forces every given device handle to establish its connection
// (or report why it can't), matching spec.md §4.7's connect_all: best
// effort, one failure never blocks another device. Each actor already
// tries to connect when its Run starts; this issues one holding-register
// read per device so the devices unreachable at startup are reported.
func ConnectAll(ctx context.Context, handles map[string]Handle) []error {
	var errs []error
	for name, h := range handles {
		if _, err := h.ReadHoldingRegisters(ctx, 0, 1); err != nil {
			errs = append(errs, fmt.Errorf("connect %q: %w", name, err))
		}
	}
	return errs
}

// Poller periodically sweeps every configured device's registers and
// publishes the scaled readings into the shared ScriptContext under
// "<device>.<register>", so trigger/condition sources can address them.
// This is the telemetry collector task spec.md §5 names alongside the
// engine loop and command router.
type Poller struct {
	handles   map[string]Handle
	registers map[string][]RegisterConfig
	ctx       *scriptcontext.ScriptContext
	interval  time.Duration
	log       *zap.Logger
}

// NewPoller builds a telemetry poller over the given devices. registers
// maps device name to the set of registers configured for it.
func NewPoller(handles map[string]Handle, registers map[string][]RegisterConfig, sctx *scriptcontext.ScriptContext, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{handles: handles, registers: registers, ctx: sctx, interval: interval, log: log}
}

// Run sweeps every device on a fixed interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	for device, h := range p.handles {
		regs := p.registers[device]
		if len(regs) == 0 {
			continue
		}
		res := h.ReadAll(ctx, regs)
		for _, reading := range res.Readings {
			p.ctx.SetSensor(fmt.Sprintf("%s.%s", device, reading.Name), reading.ScaledValue)
		}
		for _, errMsg := range res.Errors {
			p.log.Warn("modbus register read failed", zap.String("device", device), zap.String("error", errMsg))
		}
	}
}
