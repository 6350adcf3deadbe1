//go:build linux

package linux

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Bus is a hal.HostBus exposing the machine's USB devices through sysfs.
//
// Start scans /sys/bus/usb/devices and announces every device found,
// including root hubs; thereafter a netlink uevent monitor announces
// devices as they come and go. Control transfers are served from each
// device's kernel-cached descriptors blob, so responses are synchronous:
// the completion event is queued before SubmitControlIn returns, and the
// transfer counts as outstanding until that event is read.
type Bus struct {
	root    string // sysfs devices directory
	monitor *hotplugMonitor

	devices map[hal.DeviceAddress]*sysDevice
	byName  map[string]hal.DeviceAddress
	// nextAddr rotates through the address space as devices come and go.
	nextAddr hal.DeviceAddress

	events chan hal.Event

	// View into the responding capture for the most recent transfer.
	resp []byte

	pending  bool
	running  bool
	hotplug  bool // subscribe to uevents in Init
	watching bool // uevent reader goroutine started
	mutex    sync.Mutex
	wg       sync.WaitGroup
}

// New creates a bus over the standard sysfs location with hotplug
// monitoring enabled.
func New() *Bus {
	return newBus(SysfsUSBPath, true)
}

// newBus creates a bus over an arbitrary device directory. Tests point
// root at a synthetic tree, which has no uevent source.
func newBus(root string, hotplug bool) *Bus {
	return &Bus{
		root:     root,
		devices:  make(map[hal.DeviceAddress]*sysDevice),
		byName:   make(map[string]hal.DeviceAddress),
		nextAddr: 1,
		events:   make(chan hal.Event, eventQueueSize),
		hotplug:  hotplug,
	}
}

// Init subscribes to kernel uevents. When the subscription fails, for
// example in a sandbox that denies netlink sockets, the bus degrades to
// the Start-time scan and logs the reason.
func (b *Bus) Init(ctx context.Context) error {
	if !b.hotplug {
		return nil
	}
	monitor, err := newHotplugMonitor()
	if err != nil {
		pkg.LogWarn(pkg.ComponentLinux, "hotplug monitor unavailable", "error", err)
		return nil
	}
	b.monitor = monitor
	pkg.LogDebug(pkg.ComponentLinux, "hotplug monitor subscribed")
	return nil
}

// Start scans for devices already present and announces each with an
// attach event, then begins delivering hotplug events. A stopped bus may
// be started again; it rescans from scratch.
func (b *Bus) Start() error {
	devices, err := scanDevices(b.root)
	if err != nil {
		return err
	}

	b.mutex.Lock()
	b.running = true
	clear(b.devices)
	clear(b.byName)

	announce := make([]hal.Event, 0, len(devices))
	for _, dev := range devices {
		addr := b.assignLocked(dev)
		announce = append(announce, hal.Event{
			Kind:  hal.EventAttached,
			Addr:  addr,
			Speed: dev.speed,
		})
	}

	var monitor *hotplugMonitor
	if b.monitor != nil && !b.watching {
		b.watching = true
		monitor = b.monitor
	}
	b.mutex.Unlock()

	if monitor != nil {
		b.wg.Add(1)
		go b.watchHotplug(monitor)
	}

	pkg.LogInfo(pkg.ComponentLinux, "sysfs bus started", "devices", len(announce))
	for _, ev := range announce {
		b.events <- ev
	}
	return nil
}

// assignLocked registers dev under the next free address.
func (b *Bus) assignLocked(dev *sysDevice) hal.DeviceAddress {
	for _, ok := b.devices[b.nextAddr]; ok; _, ok = b.devices[b.nextAddr] {
		b.nextAddr++
		if b.nextAddr > 127 {
			b.nextAddr = 1
		}
	}
	addr := b.nextAddr
	b.nextAddr++
	b.devices[addr] = dev
	b.byName[dev.name] = addr

	pkg.LogDebug(pkg.ComponentLinux, "device tracked",
		"addr", addr,
		"name", dev.name,
		"bus", dev.busNum,
		"device", dev.devNum,
		"speed", dev.speed.String())
	return addr
}

// Stop stops event delivery and abandons any outstanding transfer. The
// uevent subscription stays open for a later Start.
func (b *Bus) Stop() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.running = false
	b.pending = false
	pkg.LogInfo(pkg.ComponentLinux, "sysfs bus stopped")
	return nil
}

// Close releases the uevent subscription and waits for its reader to exit.
func (b *Bus) Close() error {
	b.mutex.Lock()
	b.running = false
	monitor := b.monitor
	b.monitor = nil
	b.mutex.Unlock()

	if monitor == nil {
		return nil
	}
	err := monitor.close()
	b.wg.Wait()
	return err
}

// watchHotplug delivers uevents until the monitor is closed.
func (b *Bus) watchHotplug(monitor *hotplugMonitor) {
	defer b.wg.Done()
	for {
		evt, err := monitor.next()
		if err != nil {
			// Closed by Close; anything else is equally fatal to
			// the subscription.
			pkg.LogDebug(pkg.ComponentLinux, "uevent monitor exiting", "error", err)
			return
		}
		b.handleUEvent(evt)
	}
}

// handleUEvent turns a device add or remove uevent into a bus event.
func (b *Bus) handleUEvent(evt uevent) {
	if !evt.isUSBDevice() {
		return
	}
	name := filepath.Base(evt.devpath)

	switch evt.action {
	case ueventAdd:
		// Parse outside the lock; sysfs reads can be slow.
		dev, err := parseSysDevice(filepath.Join(b.root, name))
		if err != nil {
			pkg.LogDebug(pkg.ComponentLinux, "added device unreadable",
				"name", name,
				"error", err)
			return
		}

		b.mutex.Lock()
		if !b.running {
			b.mutex.Unlock()
			return
		}
		if _, ok := b.byName[name]; ok {
			// Already announced by the Start-time scan.
			b.mutex.Unlock()
			return
		}
		addr := b.assignLocked(dev)
		b.mutex.Unlock()

		b.events <- hal.Event{Kind: hal.EventAttached, Addr: addr, Speed: dev.speed}

	case ueventRemove:
		b.mutex.Lock()
		if !b.running {
			b.mutex.Unlock()
			return
		}
		addr, ok := b.byName[name]
		if !ok {
			b.mutex.Unlock()
			return
		}
		delete(b.byName, name)
		delete(b.devices, addr)
		b.mutex.Unlock()

		pkg.LogDebug(pkg.ComponentLinux, "device removed", "addr", addr, "name", name)
		b.events <- hal.Event{Kind: hal.EventDetached, Addr: addr}
	}
}

// SubmitControlIn serves one control IN transfer from the kernel-cached
// descriptors of the device at addr. Transfer-level failures (absent
// device, stall) surface as error events, not as a return value.
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
		pkg.LogDebug(pkg.ComponentLinux, "transfer to absent device", "addr", addr)
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
		pkg.LogDebug(pkg.ComponentLinux, "control transfer failed",
			"addr", addr,
			"setup", setup.String(),
			"status", status.String())
		b.events <- hal.Event{Kind: hal.EventControlError, Addr: addr, Status: status}
		return nil
	}

	pkg.LogDebug(pkg.ComponentLinux, "control transfer served",
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
