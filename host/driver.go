package host

import "github.com/ardnew/usbenum/host/hal"

// Driver consumes descriptor frames produced by device discovery.
//
// The engine calls Descriptor once per frame, in the order frames appear in
// the transfer buffer, for every registered driver in registration order.
// The device descriptor arrives as a single frame; each configuration
// arrives as its header frame followed by its interface, endpoint, and
// class-specific frames.
//
// data excludes the two-byte descriptor header and aliases the bus receive
// buffer: it is only valid for the duration of the call. Implementations
// that retain descriptor contents must copy them.
type Driver interface {
	Descriptor(addr hal.DeviceAddress, descType uint8, data []byte)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(addr hal.DeviceAddress, descType uint8, data []byte)

// Descriptor calls f(addr, descType, data).
func (f DriverFunc) Descriptor(addr hal.DeviceAddress, descType uint8, data []byte) {
	f(addr, descType, data)
}
