// Package sim provides an in-memory bus implementation for USB host stacks.
//
// This package implements the [hal.HostBus] interface against declarative
// device models instead of hardware. It's designed for testing, examples,
// and demos: attach a [DeviceModel], run a host against the bus, and every
// GET_DESCRIPTOR request is answered from the model, truncated to the
// request's wLength exactly as a real device would answer it.
//
// # Device Models
//
// A [DeviceModel] declares the device descriptor fields and a tree of
// configurations, interfaces, and endpoints. The bus marshals the model on
// demand: an 18-byte device descriptor, or a configuration bundle holding
// the configuration header followed by interface, class-specific, and
// endpoint descriptors. Canned models for common device types are provided
// by [Keyboard], [SerialAdapter], and [MassStorage].
//
// # Events
//
// The bus is event-driven. [Bus.Attach] and [Bus.Detach] queue attach and
// detach events; each [Bus.SubmitControlIn] queues its completion event
// before returning. Transfer-level failures, such as requests to absent
// devices or descriptor types the model does not serve, surface as control
// error events carrying a transfer status, never as submission errors.
//
// # Fault Injection
//
// A [ResponseFilter] installed with [Bus.SetResponseFilter] sees every
// successful response before delivery and may rewrite the bytes or fail the
// transfer with a chosen status. This is how tests exercise malformed
// descriptor handling and stall recovery paths.
//
// # Usage
//
//	bus := sim.New()
//	h := host.New(bus)
//
//	ctx := context.Background()
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	bus.Attach(sim.Keyboard())
//	bus.Attach(sim.MassStorage())
//
//	if err := h.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package sim
