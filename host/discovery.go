package host

import (
	"encoding/hex"
	"fmt"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// DiscoveryPhase identifies the stage of device discovery.
type DiscoveryPhase uint8

// Discovery phases.
const (
	PhaseDeviceDesc    DiscoveryPhase = iota // Awaiting the device descriptor
	PhaseConfigDescLen                       // Awaiting a configuration descriptor header
	PhaseConfigDesc                          // Awaiting a full configuration bundle
	PhaseDone                                // Discovery complete
	PhaseParseError                          // Discovery aborted on malformed data
)

// String returns a human-readable phase name.
func (p DiscoveryPhase) String() string {
	switch p {
	case PhaseDeviceDesc:
		return "DeviceDesc"
	case PhaseConfigDescLen:
		return "ConfigDescLen"
	case PhaseConfigDesc:
		return "ConfigDesc"
	case PhaseDone:
		return "Done"
	case PhaseParseError:
		return "ParseError"
	default:
		return "Unknown"
	}
}

// DiscoveryState tracks the discovery progress of one device.
//
// The state is a value advanced only by [ProcessDiscovery]: the caller keeps
// the returned state and passes it back with the next event. Index and Count
// are meaningful once the device descriptor has been read: Index is the
// configuration currently being fetched and Count the total number of
// configurations the device declared. Index < Count holds in both
// configuration phases.
type DiscoveryState struct {
	Phase DiscoveryPhase
	Index uint8 // Configuration currently being fetched
	Count uint8 // Configurations declared by the device descriptor
}

// Terminal returns true if discovery has finished, successfully or not.
func (s DiscoveryState) Terminal() bool {
	return s.Phase == PhaseDone || s.Phase == PhaseParseError
}

// String returns a short state summary, e.g. "ConfigDesc(1/2)".
func (s DiscoveryState) String() string {
	switch s.Phase {
	case PhaseConfigDescLen, PhaseConfigDesc:
		return fmt.Sprintf("%s(%d/%d)", s.Phase, s.Index, s.Count)
	default:
		return s.Phase.String()
	}
}

// StartDiscovery begins discovery for the device at addr by requesting its
// device descriptor, and returns the initial state.
//
// The bus must be idle: discovery owns the bus's single control transfer
// slot from here until the returned state turns terminal. A rejected
// submission is a caller contract violation and panics. [Host.DiscoverDevice]
// provides a checked entry point that queues instead.
func StartDiscovery(addr hal.DeviceAddress, host *Host) DiscoveryState {
	if err := host.GetDescriptor(addr, hal.RequestRecipientDevice,
		DescriptorTypeDevice, 0, 0, DeviceDescriptorSize); err != nil {
		panic(fmt.Sprintf("usb discovery: device descriptor request for addr %d: %v", addr, err))
	}
	pkg.LogDebug(pkg.ComponentDiscovery, "discovery started", "addr", addr)
	return DiscoveryState{Phase: PhaseDeviceDesc}
}

// ProcessDiscovery advances the discovery state machine for the device at
// addr with one bus event and returns the next state.
//
// Only [hal.EventControlInData] events advance the machine; any other event
// returns the state unchanged with no side effects. Each advancing call
// consumes the bus receive buffer (bounded by the event's length), notifies
// drivers of the frames it dispatches, and issues at most one follow-up
// control transfer. When the returned state is terminal the bus is idle and
// no further transfer will be issued.
//
// Calling ProcessDiscovery with a ControlInData event on a terminal state is
// a caller contract violation and panics.
func ProcessDiscovery(event hal.Event, addr hal.DeviceAddress, state DiscoveryState, drivers []Driver, host *Host) DiscoveryState {
	if event.Kind != hal.EventControlInData {
		return state
	}

	// The data event completes the outstanding transfer and frees the
	// bus's control slot for the follow-up request.
	host.transferDone()

	switch state.Phase {
	case PhaseDeviceDesc:
		buf := host.ReceivedData(event.Length)
		desc, _, err := ParseDescriptor(buf)
		if err != nil {
			return discoveryFailed(addr, state, buf, err)
		}
		dispatchDescriptor(drivers, addr, desc)

		var device DeviceDescriptor
		if err := ParseDeviceDescriptor(desc, &device); err != nil {
			return discoveryFailed(addr, state, buf, err)
		}
		pkg.LogDebug(pkg.ComponentDiscovery, "device descriptor",
			"addr", addr,
			"vendorID", device.VendorID,
			"productID", device.ProductID,
			"numConfigurations", device.NumConfigurations)

		if device.NumConfigurations == 0 {
			// Nothing to fetch; the device is fully described.
			return DiscoveryState{Phase: PhaseDone}
		}
		requestConfiguration(host, addr, 0, ConfigurationDescriptorSize, state)
		return DiscoveryState{Phase: PhaseConfigDescLen, Index: 0, Count: device.NumConfigurations}

	case PhaseConfigDescLen:
		buf := host.ReceivedData(event.Length)
		desc, _, err := ParseDescriptor(buf)
		if err != nil {
			return discoveryFailed(addr, state, buf, err)
		}
		// The header is not dispatched to drivers: it arrives again at the
		// front of the full bundle in the next phase.
		var config ConfigurationDescriptor
		if err := ParseConfigurationDescriptor(desc, &config); err != nil {
			return discoveryFailed(addr, state, buf, err)
		}
		pkg.LogDebug(pkg.ComponentDiscovery, "configuration descriptor header",
			"addr", addr,
			"index", state.Index,
			"totalLength", config.TotalLength)

		requestConfiguration(host, addr, state.Index, config.TotalLength, state)
		return DiscoveryState{Phase: PhaseConfigDesc, Index: state.Index, Count: state.Count}

	case PhaseConfigDesc:
		rest := host.ReceivedData(event.Length)
		for len(rest) > 0 {
			desc, remaining, err := ParseDescriptor(rest)
			if err != nil {
				return discoveryFailed(addr, state, rest, err)
			}
			dispatchDescriptor(drivers, addr, desc)
			rest = remaining
		}

		next := state.Index + 1
		if next < state.Count {
			requestConfiguration(host, addr, next, ConfigurationDescriptorSize, state)
			return DiscoveryState{Phase: PhaseConfigDescLen, Index: next, Count: state.Count}
		}
		return DiscoveryState{Phase: PhaseDone, Index: state.Index, Count: state.Count}

	case PhaseDone, PhaseParseError:
		panic(fmt.Sprintf("usb discovery: data event for addr %d in terminal state %s", addr, state))

	default:
		panic(fmt.Sprintf("usb discovery: invalid state %d for addr %d", state.Phase, addr))
	}
}

// dispatchDescriptor delivers one frame to every driver in registration order.
func dispatchDescriptor(drivers []Driver, addr hal.DeviceAddress, desc Descriptor) {
	for _, d := range drivers {
		d.Descriptor(addr, desc.Type, desc.Data)
	}
}

// requestConfiguration issues a GET_DESCRIPTOR for the configuration at
// index, panicking on rejection: discovery holds the bus's only transfer
// slot, so a pending transfer here is an engine invariant violation.
func requestConfiguration(host *Host, addr hal.DeviceAddress, index uint8, length uint16, state DiscoveryState) {
	if err := host.GetDescriptor(addr, hal.RequestRecipientDevice,
		DescriptorTypeConfiguration, index, 0, length); err != nil {
		panic(fmt.Sprintf("usb discovery: configuration %d request for addr %d in state %s: %v",
			index, addr, state, err))
	}
}

// discoveryFailed records a malformed buffer and moves discovery to its
// failure state. No transfer is issued; the bus is left idle.
func discoveryFailed(addr hal.DeviceAddress, state DiscoveryState, buf []byte, err error) DiscoveryState {
	pkg.LogDebug(pkg.ComponentDiscovery, "descriptor parse failed",
		"addr", addr,
		"state", state.String(),
		"error", err,
		"data", hex.EncodeToString(buf))
	pkg.LogWarn(pkg.ComponentDiscovery, "discovery aborted on malformed descriptor",
		"addr", addr,
		"state", state.String(),
		"error", err)
	return DiscoveryState{Phase: PhaseParseError, Index: state.Index, Count: state.Count}
}
