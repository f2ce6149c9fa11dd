package transport

import (
	serial "github.com/daedaluz/goserial"
)

// SerialChannel is an osdp.Channel backed by a local UART, the
// physical layer OSDP (spec section 3) actually runs over. Reads are
// non-blocking: the port's read timeout is pinned to zero so a Read
// call with nothing waiting returns immediately with zero bytes
// instead of blocking the caller, per the Channel contract.
type SerialChannel struct {
	port *serial.Port
}

// OpenSerial opens device (e.g. "/dev/ttyUSB0") at baud, puts the port
// into raw mode, and returns a ready Channel.
func OpenSerial(device string, baud int) (*SerialChannel, error) {
	port, err := serial.Open(device, serial.NewOptions().SetReadTimeout(0))
	if err != nil {
		return nil, err
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, err
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return nil, err
	}
	attrs.SetCustomSpeed(uint32(baud))
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, err
	}
	return &SerialChannel{port: port}, nil
}

func (c *SerialChannel) Read(p []byte) (int, error) {
	n, err := c.port.ReadTimeout(p, 0)
	if err != nil {
		return n, nil // timeout with nothing available is not a Channel error
	}
	return n, nil
}

func (c *SerialChannel) Write(p []byte) (int, error) { return c.port.Write(p) }

func (c *SerialChannel) Flush() error { return c.port.Flush(serial.TCIOFLUSH) }

// ID is the open file descriptor number, stable for the port's
// lifetime and suitable as a shared-bus key.
func (c *SerialChannel) ID() uintptr { return uintptr(c.port.Fd()) }

func (c *SerialChannel) Close() error { return c.port.Close() }
