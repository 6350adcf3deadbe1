package sim

import (
	"context"
	"sync"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// MaxResponseSize is the size of the bus receive buffer. It covers the
// largest configuration bundle the simulated devices serve.
const MaxResponseSize = 512

// eventQueueSize bounds the number of undelivered bus events.
const eventQueueSize = 64

// ResponseFilter inspects or rewrites a control IN response before the bus
// delivers it. It receives the responding device's address, the setup packet
// that solicited the response, and the marshaled response bytes. Returning
// a status other than pkg.TransferStatusSuccess fails the transfer with that
// status; otherwise the returned bytes are delivered in place of data.
//
// Filters are how tests inject faults: truncate data, flip bytes, or stall
// chosen requests.
type ResponseFilter func(addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) ([]byte, pkg.TransferStatus)

// Bus is an in-memory hal.HostBus serving descriptor requests from attached
// [DeviceModel] values. It exists for tests, examples, and exercising hosts
// without hardware.
//
// Responses are synchronous: each submission immediately queues its
// completion event. The transfer still counts as outstanding until that
// event is read, so a second submission before then returns
// pkg.ErrTransferPending just as a hardware bus would.
type Bus struct {
	devices  map[hal.DeviceAddress]*DeviceModel
	nextAddr hal.DeviceAddress

	events chan hal.Event

	// Receive buffer for the most recent control IN response.
	respBuf [MaxResponseSize]byte
	respLen int

	pending bool
	filter  ResponseFilter
	running bool
	mutex   sync.Mutex
}

// New creates an empty simulated bus.
func New() *Bus {
	return &Bus{
		devices:  make(map[hal.DeviceAddress]*DeviceModel),
		nextAddr: 1,
		events:   make(chan hal.Event, eventQueueSize),
	}
}

// Init initializes the bus.
func (b *Bus) Init(ctx context.Context) error {
	pkg.LogDebug(pkg.ComponentSim, "simulated bus initialized")
	return nil
}

// Start starts the bus.
func (b *Bus) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.running = true
	pkg.LogInfo(pkg.ComponentSim, "simulated bus started")
	return nil
}

// Stop stops the bus and abandons any outstanding transfer.
func (b *Bus) Stop() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.running = false
	b.pending = false
	pkg.LogInfo(pkg.ComponentSim, "simulated bus stopped")
	return nil
}

// Close releases the bus.
func (b *Bus) Close() error {
	return nil
}

// SetResponseFilter installs f as the bus's response filter, replacing any
// previous one. A nil filter delivers responses unmodified.
func (b *Bus) SetResponseFilter(f ResponseFilter) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.filter = f
}

// Attach adds a device to the bus, assigns it an address, and queues the
// attach event. The model must not be modified while attached.
func (b *Bus) Attach(model *DeviceModel) hal.DeviceAddress {
	b.mutex.Lock()
	for b.devices[b.nextAddr] != nil {
		b.nextAddr++
		if b.nextAddr > 127 {
			b.nextAddr = 1
		}
	}
	addr := b.nextAddr
	b.nextAddr++
	b.devices[addr] = model
	b.mutex.Unlock()

	speed := model.Speed
	if speed == hal.SpeedUnknown {
		speed = hal.SpeedFull
	}
	pkg.LogDebug(pkg.ComponentSim, "device attached",
		"addr", addr,
		"vendorID", model.VendorID,
		"productID", model.ProductID)
	b.events <- hal.Event{Kind: hal.EventAttached, Addr: addr, Speed: speed}
	return addr
}

// Detach removes the device at addr and queues the detach event.
// Returns pkg.ErrNoDevice if no device is attached there.
func (b *Bus) Detach(addr hal.DeviceAddress) error {
	b.mutex.Lock()
	if b.devices[addr] == nil {
		b.mutex.Unlock()
		return pkg.ErrNoDevice
	}
	delete(b.devices, addr)
	b.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentSim, "device detached", "addr", addr)
	b.events <- hal.Event{Kind: hal.EventDetached, Addr: addr}
	return nil
}

// SubmitControlIn serves one control IN transfer from the device model at
// addr. The completion event is queued before SubmitControlIn returns;
// transfer-level failures (no device, stall) surface as error events, not
// as a return value.
func (b *Bus) SubmitControlIn(addr hal.DeviceAddress, setup *hal.SetupPacket) error {
	b.mutex.Lock()
	if !b.running {
		b.mutex.Unlock()
		return pkg.ErrNotRunning
	}
	if b.pending {
		b.mutex.Unlock()
		return pkg.ErrTransferPending
	}

	model := b.devices[addr]
	if model == nil {
		b.pending = true
		b.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentSim, "transfer to absent device", "addr", addr)
		b.events <- hal.Event{
			Kind:   hal.EventControlError,
			Addr:   addr,
			Status: pkg.TransferStatusTimeout,
		}
		return nil
	}

	n, status := b.serveDescriptor(model, setup)
	if status == pkg.TransferStatusSuccess && b.filter != nil {
		var data []byte
		data, status = b.filter(addr, setup, b.respBuf[:n])
		if status == pkg.TransferStatusSuccess {
			n = copy(b.respBuf[:], data)
		}
	}
	b.pending = true
	b.respLen = n
	b.mutex.Unlock()

	if status != pkg.TransferStatusSuccess {
		pkg.LogDebug(pkg.ComponentSim, "control transfer failed",
			"addr", addr,
			"setup", setup.String(),
			"status", status.String())
		b.events <- hal.Event{Kind: hal.EventControlError, Addr: addr, Status: status}
		return nil
	}

	pkg.LogDebug(pkg.ComponentSim, "control transfer served",
		"addr", addr,
		"setup", setup.String(),
		"length", n)
	b.events <- hal.Event{Kind: hal.EventControlInData, Addr: addr, Length: n}
	return nil
}

// serveDescriptor marshals the requested descriptor into the receive
// buffer, truncated to the request's wLength. The caller must hold b.mutex.
func (b *Bus) serveDescriptor(model *DeviceModel, setup *hal.SetupPacket) (int, pkg.TransferStatus) {
	if !setup.IsGetDescriptor() || !setup.IsDeviceRecipient() {
		// Only standard device-level GET_DESCRIPTOR is modeled.
		return 0, pkg.TransferStatusStall
	}

	var n int
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		n = model.MarshalTo(b.respBuf[:])

	case DescriptorTypeConfiguration:
		index := int(setup.DescriptorIndex())
		if index >= len(model.Configs) {
			return 0, pkg.TransferStatusStall
		}
		n = model.Configs[index].MarshalBundleTo(b.respBuf[:])

	default:
		// String and other descriptor types are not modeled.
		return 0, pkg.TransferStatusStall
	}

	if n == 0 {
		return 0, pkg.TransferStatusError
	}
	if n > int(setup.Length) {
		n = int(setup.Length)
	}
	return n, pkg.TransferStatusSuccess
}

// ReceivedData returns a view of the most recent control IN response,
// truncated to n bytes when more were captured. The view is only valid
// until the next submission.
func (b *Bus) ReceivedData(n int) []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if n > b.respLen {
		n = b.respLen
	}
	return b.respBuf[:n]
}

// NextEvent blocks until an event is available or ctx is done. Reading a
// control completion event releases the transfer slot.
func (b *Bus) NextEvent(ctx context.Context) (hal.Event, error) {
	select {
	case <-ctx.Done():
		return hal.Event{}, ctx.Err()
	case ev := <-b.events:
		switch ev.Kind {
		case hal.EventControlInData, hal.EventControlOutComplete, hal.EventControlError:
			b.mutex.Lock()
			b.pending = false
			b.mutex.Unlock()
		}
		return ev, nil
	}
}

// Ensure Bus implements hal.HostBus.
var _ hal.HostBus = (*Bus)(nil)
