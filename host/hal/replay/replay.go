package replay

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Descriptor framing constants for capture validation.
const (
	descriptorTypeDevice        = 0x01
	descriptorTypeConfiguration = 0x02

	deviceDescriptorSize        = 18
	configurationDescriptorSize = 9
)

// eventQueueSize bounds the number of undelivered bus events.
const eventQueueSize = 64

// Capture holds one device's descriptors as captured from hardware: the
// 18-byte device descriptor followed by the full bundle of every
// configuration it declares. This is the layout of the binary descriptors
// attribute Linux exposes under /sys/bus/usb/devices.
type Capture struct {
	device  []byte
	configs [][]byte
}

// Parse validates blob and slices it into a Capture. The capture aliases
// blob; callers must not modify it afterward.
//
// Bytes past the last declared configuration are ignored. Kernels append
// other material there, such as the BOS descriptor on USB 3 devices.
func Parse(blob []byte) (*Capture, error) {
	if len(blob) < deviceDescriptorSize {
		return nil, fmt.Errorf("device descriptor: %w", pkg.ErrBlobTooShort)
	}
	if blob[1] != descriptorTypeDevice {
		return nil, fmt.Errorf("device descriptor type 0x%02X: %w",
			blob[1], pkg.ErrDescriptorTypeMismatch)
	}
	if blob[0] != deviceDescriptorSize {
		return nil, fmt.Errorf("device descriptor length %d: %w",
			blob[0], pkg.ErrDescriptorLengthInvalid)
	}

	c := &Capture{device: blob[:deviceDescriptorSize]}

	numConfigs := int(blob[17])
	off := deviceDescriptorSize
	for i := 0; i < numConfigs; i++ {
		if off+configurationDescriptorSize > len(blob) {
			return nil, fmt.Errorf("configuration %d header: %w", i, pkg.ErrBlobTooShort)
		}
		if blob[off+1] != descriptorTypeConfiguration {
			return nil, fmt.Errorf("configuration %d type 0x%02X: %w",
				i, blob[off+1], pkg.ErrDescriptorTypeMismatch)
		}
		total := int(binary.LittleEndian.Uint16(blob[off+2 : off+4]))
		if total < configurationDescriptorSize {
			return nil, fmt.Errorf("configuration %d total length %d: %w",
				i, total, pkg.ErrDescriptorLengthInvalid)
		}
		if off+total > len(blob) {
			return nil, fmt.Errorf("configuration %d bundle: %w", i, pkg.ErrBlobTooShort)
		}
		c.configs = append(c.configs, blob[off:off+total])
		off += total
	}

	if off < len(blob) {
		pkg.LogDebug(pkg.ComponentReplay, "trailing capture bytes ignored",
			"count", len(blob)-off)
	}
	return c, nil
}

// DeviceDescriptor returns the raw 18-byte device descriptor.
// Callers must not modify the returned slice.
func (c *Capture) DeviceDescriptor() []byte {
	return c.device
}

// NumConfigurations returns the number of configuration bundles captured.
func (c *Capture) NumConfigurations() int {
	return len(c.configs)
}

// Configuration returns the raw bundle of the configuration at index:
// its header descriptor followed by all subordinate descriptors. Returns
// pkg.ErrConfigIndexOutOfRange if index is not a captured configuration.
// Callers must not modify the returned slice.
func (c *Capture) Configuration(index int) ([]byte, error) {
	if index < 0 || index >= len(c.configs) {
		return nil, fmt.Errorf("configuration %d of %d: %w",
			index, len(c.configs), pkg.ErrConfigIndexOutOfRange)
	}
	return c.configs[index], nil
}

// Respond answers a control IN setup packet from the capture, truncating
// the data to the request's wLength. Requests the capture cannot answer,
// which is anything other than a standard device-level GET_DESCRIPTOR for
// a device or configuration descriptor, report a stall. The returned data
// aliases the capture; callers must not modify it.
func (c *Capture) Respond(setup *hal.SetupPacket) ([]byte, pkg.TransferStatus) {
	if !setup.IsGetDescriptor() || !setup.IsDeviceRecipient() {
		return nil, pkg.TransferStatusStall
	}

	var data []byte
	switch setup.DescriptorType() {
	case descriptorTypeDevice:
		data = c.device

	case descriptorTypeConfiguration:
		bundle, err := c.Configuration(int(setup.DescriptorIndex()))
		if err != nil {
			return nil, pkg.TransferStatusStall
		}
		data = bundle

	default:
		// String and other descriptor types are not captured.
		return nil, pkg.TransferStatusStall
	}

	if len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	return data, pkg.TransferStatusSuccess
}

// device pairs a capture with the speed to report on attach.
type device struct {
	capture *Capture
	speed   hal.Speed
}

// Bus is a hal.HostBus serving descriptor requests from captures of real
// hardware instead of live devices. Load captures before starting; Start
// announces each one with an attach event, in load order, so a host
// discovers replayed devices exactly as it would physical ones.
//
// Responses are synchronous, as on the simulated bus: each submission
// immediately queues its completion event, and the transfer counts as
// outstanding until that event is read.
type Bus struct {
	devices  map[hal.DeviceAddress]device
	order    []hal.DeviceAddress
	nextAddr hal.DeviceAddress

	events chan hal.Event

	// View into the responding capture for the most recent transfer.
	resp []byte

	pending bool
	running bool
	mutex   sync.Mutex
}

// New creates a replay bus with no captures loaded.
func New() *Bus {
	return &Bus{
		devices:  make(map[hal.DeviceAddress]device),
		nextAddr: 1,
		events:   make(chan hal.Event, eventQueueSize),
	}
}

// Load adds a capture to the bus, reporting speed on attach, and returns
// its assigned address. If the bus is already running the attach event is
// queued immediately; otherwise it is queued by the next Start.
func (b *Bus) Load(c *Capture, speed hal.Speed) hal.DeviceAddress {
	b.mutex.Lock()
	for _, ok := b.devices[b.nextAddr]; ok; _, ok = b.devices[b.nextAddr] {
		b.nextAddr++
		if b.nextAddr > 127 {
			b.nextAddr = 1
		}
	}
	addr := b.nextAddr
	b.nextAddr++
	b.devices[addr] = device{capture: c, speed: speed}
	b.order = append(b.order, addr)
	running := b.running
	b.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentReplay, "capture loaded",
		"addr", addr,
		"configurations", c.NumConfigurations())
	if running {
		b.events <- hal.Event{Kind: hal.EventAttached, Addr: addr, Speed: speed}
	}
	return addr
}

// LoadFile reads a capture blob from path and loads it at full speed.
// The blob's layout is the sysfs descriptors attribute: device descriptor
// followed by each configuration's full bundle.
func (b *Bus) LoadFile(path string) (hal.DeviceAddress, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read capture: %w", err)
	}
	c, err := Parse(blob)
	if err != nil {
		return 0, fmt.Errorf("parse capture %s: %w", path, err)
	}
	return b.Load(c, hal.SpeedFull), nil
}

// Init initializes the bus.
func (b *Bus) Init(ctx context.Context) error {
	pkg.LogDebug(pkg.ComponentReplay, "replay bus initialized")
	return nil
}

// Start starts the bus and queues an attach event for every loaded
// capture, in load order. Stopping and starting again replays the
// attach sequence from the top.
func (b *Bus) Start() error {
	b.mutex.Lock()
	b.running = true
	announce := make([]hal.Event, 0, len(b.order))
	for _, addr := range b.order {
		dev := b.devices[addr]
		announce = append(announce, hal.Event{
			Kind:  hal.EventAttached,
			Addr:  addr,
			Speed: dev.speed,
		})
	}
	b.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentReplay, "replay bus started", "devices", len(announce))
	for _, ev := range announce {
		b.events <- ev
	}
	return nil
}

// Stop stops the bus and abandons any outstanding transfer.
func (b *Bus) Stop() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.running = false
	b.pending = false
	pkg.LogInfo(pkg.ComponentReplay, "replay bus stopped")
	return nil
}

// Close releases the bus.
func (b *Bus) Close() error {
	return nil
}

// SubmitControlIn serves one control IN transfer from the capture at addr.
// The completion event is queued before SubmitControlIn returns;
// transfer-level failures (no capture, stall) surface as error events, not
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

	dev, ok := b.devices[addr]
	if !ok {
		b.pending = true
		b.resp = nil
		b.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentReplay, "transfer to absent device", "addr", addr)
		b.events <- hal.Event{
			Kind:   hal.EventControlError,
			Addr:   addr,
			Status: pkg.TransferStatusTimeout,
		}
		return nil
	}

	data, status := dev.capture.Respond(setup)
	b.pending = true
	b.resp = data
	b.mutex.Unlock()

	if status != pkg.TransferStatusSuccess {
		pkg.LogDebug(pkg.ComponentReplay, "control transfer failed",
			"addr", addr,
			"setup", setup.String(),
			"status", status.String())
		b.events <- hal.Event{Kind: hal.EventControlError, Addr: addr, Status: status}
		return nil
	}

	pkg.LogDebug(pkg.ComponentReplay, "control transfer served",
		"addr", addr,
		"setup", setup.String(),
		"length", len(data))
	b.events <- hal.Event{Kind: hal.EventControlInData, Addr: addr, Length: len(data)}
	return nil
}

// ReceivedData returns a view of the most recent control IN response,
// truncated to n bytes when more were captured. The view is only valid
// until the next submission.
func (b *Bus) ReceivedData(n int) []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if n > len(b.resp) {
		n = len(b.resp)
	}
	return b.resp[:n]
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
