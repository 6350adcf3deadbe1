// Package host implements event-driven USB descriptor discovery.
//
// It is platform-agnostic and interacts with hardware via the [hal.HostBus]
// interface defined in the github.com/ardnew/usbenum/host/hal package. The
// bus exposes generic operations for submitting control IN transfers and
// reporting completions as events, allowing bus vendors to provide concrete
// implementations without changing the discovery engine. Two implementations
// ship with this module: an in-memory simulated bus in
// [github.com/ardnew/usbenum/host/hal/sim] and a bus that replays captured
// descriptor blobs in [github.com/ardnew/usbenum/host/hal/replay].
//
// # Architecture
//
// The package is organized into several layers:
//
//   - Host owns the bus, routes events, and runs one discovery at a time
//   - DiscoveryState and ProcessDiscovery form the per-device state machine
//   - Descriptor and the typed Parse functions decode descriptor frames
//   - Driver receives each decoded frame; Collector is the built-in driver
//     that assembles DeviceInfo trees
//
// # Discovery
//
// Discovery walks a device's descriptors with GET_DESCRIPTOR control
// transfers: the 18-byte device descriptor first, then for each
// configuration a 9-byte header to learn wTotalLength, then the full
// configuration bundle. Every frame split out of a transfer is dispatched to
// the registered drivers in order. The walk ends in PhaseDone, or in
// PhaseParseError when a transfer returns malformed descriptor data.
//
// The state machine is a pure function: ProcessDiscovery maps an event and
// the current DiscoveryState to the next state, submitting follow-up
// transfers through the Host as a side effect. Only control IN data events
// advance it; any other event leaves the state unchanged. Exactly one
// transfer is outstanding in every non-terminal state and none in a terminal
// state, so the bus's single control slot is never contended.
//
// # Drivers
//
// A Driver is notified of every descriptor frame as it arrives, including
// frames of class- or vendor-specific types the engine does not interpret.
// Frame payloads alias the bus receive buffer and must be copied if
// retained. [Collector] does this and exposes the assembled trees.
//
// # Zero-Allocation Design
//
// The decode path is designed to stay off the heap:
//
//   - Parse functions with output parameters
//   - Descriptor frames alias the receive buffer instead of copying
//   - Setup packets built into caller-provided structs
//
// # Example
//
//	bus := sim.New()
//	h := host.New(bus)
//	devices := host.NewCollector()
//	h.RegisterDriver(devices)
//
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	h.SetOnDiscoveryComplete(func(addr hal.DeviceAddress, s host.DiscoveryState) {
//	    if dev, ok := devices.Device(addr); ok {
//	        fmt.Println(dev.Descriptor.VendorID, dev.Descriptor.ProductID)
//	    }
//	})
//
//	bus.Attach(sim.Keyboard())
//	h.Run(ctx)
package host
