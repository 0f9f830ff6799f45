//go:build !linux

package gpioactor

import "fmt"

// openChip always fails off Linux; Actor.Run falls back to simulation mode.
func openChip(path string, lines map[int]LineConfig) (lineDriver, error) {
	return nil, fmt.Errorf("gpioactor: chardev backend only available on linux")
}
