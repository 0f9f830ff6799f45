//go:build linux

// chardev_linux.go drives the Linux GPIO character-device uAPI
// (linux/gpio.h) directly via golang.org/x/sys/unix ioctls: one
// GPIOHANDLE_GET_LINE_HANDLE_IOCTL per configured line at chip-open time,
// then GPIOHANDLE_GET_LINE_VALUES_IOCTL / GPIOHANDLE_SET_LINE_VALUES_IOCTL
// per read/write. This is the nearest Linux uAPI analog to the kernel-level
// syscalls a BPF loader makes, used here for actuator I/O instead of
// kernel tracing.
package gpioactor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	gpiohandleMaxLines = 64

	gpioGetLineHandleIoctl       = 0xc16cb403
	gpiohandleGetLineValuesIoctl = 0xc040b408
	gpiohandleSetLineValuesIoctl = 0xc040b409

	gpiohandleRequestOutput = 1 << 1
	gpiohandleRequestInput  = 1 << 0
)

type gpiohandleRequest struct {
	lineOffsets   [gpiohandleMaxLines]uint32
	flags         uint32
	defaultVals   [gpiohandleMaxLines]uint8
	consumerLabel [32]byte
	lines         uint32
	fd            int32
}

type gpiohandleData struct {
	values [gpiohandleMaxLines]uint8
}

type chardevDriver struct {
	chipFD  int
	lineFDs map[int]int // pin -> line handle fd
}

func openChip(path string, lines map[int]LineConfig) (lineDriver, error) {
	if !chipFileExists(path) {
		return nil, fmt.Errorf("gpioactor: chip device %q not found", path)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gpioactor: open %q: %w", path, err)
	}

	d := &chardevDriver{chipFD: fd, lineFDs: make(map[int]int, len(lines))}
	for pin, cfg := range lines {
		lfd, err := requestLine(fd, pin, cfg)
		if err != nil {
			_ = d.close()
			return nil, fmt.Errorf("gpioactor: request line %d: %w", pin, err)
		}
		d.lineFDs[pin] = lfd
	}
	return d, nil
}

func requestLine(chipFD int, pin int, cfg LineConfig) (int, error) {
	var req gpiohandleRequest
	req.lineOffsets[0] = uint32(pin)
	req.lines = 1
	copy(req.consumerLabel[:], "suderra-edge-agent")

	if cfg.Direction == DirectionOutput {
		req.flags = gpiohandleRequestOutput
	} else {
		req.flags = gpiohandleRequestInput
	}

	if err := ioctl(chipFD, gpioGetLineHandleIoctl, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, err
	}
	return int(req.fd), nil
}

func (d *chardevDriver) read(pin int) (bool, error) {
	fd, ok := d.lineFDs[pin]
	if !ok {
		return false, fmt.Errorf("gpioactor: pin %d not requested", pin)
	}
	var data gpiohandleData
	if err := ioctl(fd, gpiohandleGetLineValuesIoctl, uintptr(unsafe.Pointer(&data))); err != nil {
		return false, err
	}
	return data.values[0] != 0, nil
}

func (d *chardevDriver) write(pin int, value bool) error {
	fd, ok := d.lineFDs[pin]
	if !ok {
		return fmt.Errorf("gpioactor: pin %d not requested", pin)
	}
	var data gpiohandleData
	if value {
		data.values[0] = 1
	}
	return ioctl(fd, gpiohandleSetLineValuesIoctl, uintptr(unsafe.Pointer(&data)))
}

func (d *chardevDriver) close() error {
	for _, fd := range d.lineFDs {
		_ = unix.Close(fd)
	}
	return unix.Close(d.chipFD)
}

func (d *chardevDriver) available() bool { return true }

func ioctl(fd int, request uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
