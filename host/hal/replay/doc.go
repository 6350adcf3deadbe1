// Package replay provides a bus implementation that serves descriptors
// captured from real hardware.
//
// This package implements the [hal.HostBus] interface against descriptor
// blobs instead of live devices. Load a capture, run a host against the
// bus, and discovery walks the recorded device exactly as it would the
// physical one. Captures of problematic hardware become regression tests;
// captures of exotic hardware become demos that need no lab bench.
//
// # Capture Format
//
// A capture is the binary layout Linux exposes as the descriptors
// attribute under /sys/bus/usb/devices: the 18-byte device descriptor
// followed immediately by the full bundle of each configuration it
// declares. Collecting one needs no tooling:
//
//	cp /sys/bus/usb/devices/1-4/descriptors mouse.bin
//
// [Parse] validates a blob and slices it into a [Capture] without copying.
// Bytes past the last declared configuration, such as an appended BOS
// descriptor on USB 3 devices, are ignored.
//
// # Replay Semantics
//
// [Bus.Start] queues an attach event for every loaded capture, in load
// order, so a host sees the recorded devices appear just as physical
// devices would. Captures loaded while the bus is running are announced
// immediately. GET_DESCRIPTOR requests are answered from the capture,
// truncated to the request's wLength; descriptor types a capture cannot
// answer, such as string descriptors, stall.
//
// # Usage
//
//	bus := replay.New()
//	if _, err := bus.LoadFile("mouse.bin"); err != nil {
//	    log.Fatal(err)
//	}
//
//	h := host.New(bus)
//	if err := h.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
package replay
