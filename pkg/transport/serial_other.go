//go:build !linux

package transport

import "errors"

// ErrSerialUnsupported is returned by OpenSerial on platforms without
// a goserial backend (only linux/termios is wired).
var ErrSerialUnsupported = errors.New("transport: serial channel not supported on this platform")

// SerialChannel is the non-linux stand-in; OpenSerial always fails.
type SerialChannel struct{}

func OpenSerial(device string, baud int) (*SerialChannel, error) {
	return nil, ErrSerialUnsupported
}

func (c *SerialChannel) Read(p []byte) (int, error)  { return 0, ErrSerialUnsupported }
func (c *SerialChannel) Write(p []byte) (int, error) { return 0, ErrSerialUnsupported }
func (c *SerialChannel) Flush() error                { return ErrSerialUnsupported }
func (c *SerialChannel) ID() uintptr                 { return 0 }
func (c *SerialChannel) Close() error                { return nil }
