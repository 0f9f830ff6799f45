// Package gpioactor — actor.go
//
// GPIO actuator/sensor actor for the script engine.
//
// Linux GPIO character-device ioctls are not meaningfully concurrent per
// chip, so one actor goroutine owns the chip file descriptor and serializes
// every line request against it, the same shape kernel.Processor uses for
// its BPF ring buffer: a single owner goroutine, a bounded request channel,
// cloneable Handles for callers.
//
// When no GPIO character device is present (development, CI, a PLC-only
// deployment with no local GPIO), the actor runs in simulation mode: reads
// and writes are served from an in-memory map instead of touching hardware,
// and the fallback is logged as a warning. Handle offers Read and Write
// only; whether the actor runs in simulation mode is not reported to
// callers.
package gpioactor

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Direction is a GPIO line's configured direction.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Pull is a GPIO line's bias configuration.
type Pull string

const (
	PullNone Pull = "none"
	PullUp   Pull = "up"
	PullDown Pull = "down"
)

// LineConfig describes one configured GPIO line.
type LineConfig struct {
	Name       string
	Pin        int
	Direction  Direction
	Pull       Pull
	Invert     bool
	DebounceMS int
}

type opKind int

const (
	opRead opKind = iota
	opWrite
)

type request struct {
	kind  opKind
	pin   int
	value bool
	reply chan response
}

type response struct {
	value bool
	err   error
}

// lineDriver is the subset of chip-level operations the actor needs,
// implemented either by the real chardev backend or the simulation
// backend.
type lineDriver interface {
	read(pin int) (bool, error)
	write(pin int, value bool) error
	close() error
	available() bool
}

// Actor owns one GPIO chip and serializes all line access through a single
// goroutine.
type Actor struct {
	chipPath string
	lines    map[int]LineConfig
	log      *zap.Logger
	reqs     chan request
	driver   lineDriver
}

// New builds a GPIO actor for the given chip device path (e.g.
// "/dev/gpiochip0") and configured lines.
func New(chipPath string, lines []LineConfig, log *zap.Logger) *Actor {
	if log == nil {
		log = zap.NewNop()
	}
	byPin := make(map[int]LineConfig, len(lines))
	for _, l := range lines {
		byPin[l.Pin] = l
	}
	return &Actor{
		chipPath: chipPath,
		lines:    byPin,
		log:      log,
		reqs:     make(chan request, 64),
	}
}

// Handle is a lightweight, cloneable reference to a running Actor.
type Handle struct {
	reqs chan request
}

// Handle returns a Handle bound to this actor's request channel.
func (a *Actor) Handle() Handle {
	return Handle{reqs: a.reqs}
}

// Run opens the chip (falling back to simulation if unavailable) and serves
// requests until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	driver, err := openChip(a.chipPath, a.lines)
	if err != nil {
		a.log.Warn("gpio chardev unavailable, running in simulation mode",
			zap.String("chip", a.chipPath), zap.Error(err))
		driver = newSimDriver(a.lines)
	}
	a.driver = driver
	defer func() { _ = a.driver.close() }()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case req := <-a.reqs:
					req.reply <- response{err: ctx.Err()}
				default:
					return nil
				}
			}
		case req := <-a.reqs:
			a.serve(req)
		}
	}
}

func (a *Actor) serve(req request) {
	switch req.kind {
	case opRead:
		v, err := a.driver.read(req.pin)
		if cfg, ok := a.lines[req.pin]; ok && cfg.Invert && err == nil {
			v = !v
		}
		req.reply <- response{value: v, err: err}
	case opWrite:
		v := req.value
		if cfg, ok := a.lines[req.pin]; ok && cfg.Invert {
			v = !v
		}
		err := a.driver.write(req.pin, v)
		req.reply <- response{err: err}
	}
}

// Read returns the current logical state of a pin (post invert).
func (h Handle) Read(ctx context.Context, pin int) (bool, error) {
	reply := make(chan response, 1)
	select {
	case h.reqs <- request{kind: opRead, pin: pin, reply: reply}:
	default:
		return false, fmt.Errorf("gpioactor: request queue full for pin %d", pin)
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case resp := <-reply:
		return resp.value, resp.err
	}
}

// Write sets the logical state of a pin (pre invert).
func (h Handle) Write(ctx context.Context, pin int, value bool) error {
	reply := make(chan response, 1)
	select {
	case h.reqs <- request{kind: opWrite, pin: pin, value: value, reply: reply}:
	default:
		return fmt.Errorf("gpioactor: request queue full for pin %d", pin)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-reply:
		return resp.err
	}
}

// simDriver backs the actor when no real chardev is present.
type simDriver struct {
	mu    sync.Mutex
	state map[int]bool
}

func newSimDriver(lines map[int]LineConfig) *simDriver {
	d := &simDriver{state: make(map[int]bool, len(lines))}
	for pin := range lines {
		d.state[pin] = false
	}
	return d
}

func (d *simDriver) read(pin int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[pin], nil
}

func (d *simDriver) write(pin int, value bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[pin] = value
	return nil
}

func (d *simDriver) close() error    { return nil }
func (d *simDriver) available() bool { return false }

// chipFileExists is used by openChip to short-circuit straight to
// simulation mode when the device node simply isn't there, rather than
// attempting and failing an ioctl open.
func chipFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
