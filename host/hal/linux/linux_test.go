//go:build linux

package linux

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/usbenum/host"
	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// nextEvent reads one bus event, failing the test if none arrives.
func nextEvent(t *testing.T, b *Bus) hal.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := b.NextEvent(ctx)
	if err != nil {
		t.Fatalf("NextEvent() error = %v", err)
	}
	return ev
}

// getDescriptor builds a standard device-recipient GET_DESCRIPTOR setup.
func getDescriptor(descType, descIndex uint8, length uint16) *hal.SetupPacket {
	var setup hal.SetupPacket
	hal.GetDescriptorSetup(&setup, hal.RequestRecipientDevice, descType, descIndex, 0, length)
	return &setup
}

// startedBus builds a bus over a fake sysfs root holding a hub and a
// mouse, started and with both attach events consumed. Returns the bus,
// the root directory, and the mouse's assigned address.
func startedBus(t *testing.T) (*Bus, string, hal.DeviceAddress) {
	t.Helper()
	root := t.TempDir()
	writeSysDevice(t, root, "1-4", 1, 5, "1.5", mouseBlob())
	writeSysDevice(t, root, "usb1", 1, 1, "480", hubBlob())

	b := newBus(root, false)
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		b.Stop()
		b.Close()
	})

	var mouseAddr hal.DeviceAddress
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, b)
		if ev.Kind != hal.EventAttached {
			t.Fatalf("event %d kind = %v, want %v", i, ev.Kind, hal.EventAttached)
		}
		if ev.Speed == hal.SpeedLow {
			mouseAddr = ev.Addr
		}
	}
	if mouseAddr == 0 {
		t.Fatal("no low-speed attach event for the mouse")
	}
	return b, root, mouseAddr
}

// =============================================================================
// Start Scan Tests
// =============================================================================

func TestBus_StartAnnouncesScan(t *testing.T) {
	root := t.TempDir()
	writeSysDevice(t, root, "1-4", 1, 5, "1.5", mouseBlob())
	writeSysDevice(t, root, "usb1", 1, 1, "480", hubBlob())

	b := newBus(root, false)
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer b.Close()

	// Scan order is directory order: 1-4 before usb1.
	first := nextEvent(t, b)
	if first.Kind != hal.EventAttached || first.Speed != hal.SpeedLow {
		t.Errorf("first event = %v %v, want Attached Low Speed", first.Kind, first.Speed)
	}
	second := nextEvent(t, b)
	if second.Kind != hal.EventAttached || second.Speed != hal.SpeedHigh {
		t.Errorf("second event = %v %v, want Attached High Speed", second.Kind, second.Speed)
	}
	if first.Addr == second.Addr {
		t.Errorf("both devices assigned address %d", first.Addr)
	}
}

func TestBus_StartMissingRoot(t *testing.T) {
	b := newBus("/nonexistent/usb/devices", false)
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Start(); err == nil {
		t.Error("Start() error = nil, want scan error")
	}
}

func TestBus_RestartRescans(t *testing.T) {
	b, root, _ := startedBus(t)

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// A third device arrives while stopped; restart picks it up.
	writeSysDevice(t, root, "1-6", 1, 7, "12", mouseBlob())
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	speeds := map[hal.Speed]int{}
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, b)
		if ev.Kind != hal.EventAttached {
			t.Fatalf("event %d kind = %v, want %v", i, ev.Kind, hal.EventAttached)
		}
		speeds[ev.Speed]++
	}
	if speeds[hal.SpeedLow] != 1 || speeds[hal.SpeedFull] != 1 || speeds[hal.SpeedHigh] != 1 {
		t.Errorf("attach speeds = %v, want one each of Low, Full, High", speeds)
	}
}

// =============================================================================
// Control Transfer Tests
// =============================================================================

func TestBus_ServesDeviceDescriptor(t *testing.T) {
	b, _, addr := startedBus(t)

	if err := b.SubmitControlIn(addr, getDescriptor(0x01, 0, 18)); err != nil {
		t.Fatalf("SubmitControlIn() error = %v", err)
	}

	ev := nextEvent(t, b)
	if ev.Kind != hal.EventControlInData {
		t.Fatalf("event kind = %v, want %v", ev.Kind, hal.EventControlInData)
	}
	if ev.Length != 18 {
		t.Fatalf("event length = %d, want 18", ev.Length)
	}
	if !bytes.Equal(b.ReceivedData(ev.Length), mouseBlob()[:18]) {
		t.Error("device descriptor does not match the sysfs blob")
	}
}

func TestBus_ServesConfigurationTruncated(t *testing.T) {
	b, _, addr := startedBus(t)

	// Header fetch first, then the full bundle, as a host would.
	if err := b.SubmitControlIn(addr, getDescriptor(0x02, 0, 9)); err != nil {
		t.Fatalf("SubmitControlIn(header) error = %v", err)
	}
	ev := nextEvent(t, b)
	if ev.Kind != hal.EventControlInData || ev.Length != 9 {
		t.Fatalf("header event = %v length %d, want ControlInData length 9", ev.Kind, ev.Length)
	}

	if err := b.SubmitControlIn(addr, getDescriptor(0x02, 0, 34)); err != nil {
		t.Fatalf("SubmitControlIn(bundle) error = %v", err)
	}
	ev = nextEvent(t, b)
	if ev.Kind != hal.EventControlInData || ev.Length != 34 {
		t.Fatalf("bundle event = %v length %d, want ControlInData length 34", ev.Kind, ev.Length)
	}
	if !bytes.Equal(b.ReceivedData(ev.Length), mouseBlob()[18:]) {
		t.Error("configuration bundle does not match the sysfs blob")
	}
}

func TestBus_StallsStringDescriptor(t *testing.T) {
	b, _, addr := startedBus(t)

	if err := b.SubmitControlIn(addr, getDescriptor(0x03, 1, 255)); err != nil {
		t.Fatalf("SubmitControlIn() error = %v", err)
	}

	ev := nextEvent(t, b)
	if ev.Kind != hal.EventControlError {
		t.Fatalf("event kind = %v, want %v", ev.Kind, hal.EventControlError)
	}
	if ev.Status != pkg.TransferStatusStall {
		t.Errorf("status = %v, want %v", ev.Status, pkg.TransferStatusStall)
	}
}

func TestBus_AbsentDevice(t *testing.T) {
	b, _, _ := startedBus(t)

	if err := b.SubmitControlIn(99, getDescriptor(0x01, 0, 18)); err != nil {
		t.Fatalf("SubmitControlIn() error = %v", err)
	}

	ev := nextEvent(t, b)
	if ev.Kind != hal.EventControlError {
		t.Fatalf("event kind = %v, want %v", ev.Kind, hal.EventControlError)
	}
	if ev.Status != pkg.TransferStatusTimeout {
		t.Errorf("status = %v, want %v", ev.Status, pkg.TransferStatusTimeout)
	}
}

func TestBus_NotRunning(t *testing.T) {
	b := newBus(t.TempDir(), false)
	err := b.SubmitControlIn(1, getDescriptor(0x01, 0, 18))
	if !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("SubmitControlIn() error = %v, want %v", err, pkg.ErrNotRunning)
	}
}

func TestBus_PendingTransferRejected(t *testing.T) {
	b, _, addr := startedBus(t)

	if err := b.SubmitControlIn(addr, getDescriptor(0x01, 0, 18)); err != nil {
		t.Fatalf("SubmitControlIn() error = %v", err)
	}
	err := b.SubmitControlIn(addr, getDescriptor(0x01, 0, 18))
	if !errors.Is(err, pkg.ErrTransferPending) {
		t.Fatalf("second SubmitControlIn() error = %v, want %v", err, pkg.ErrTransferPending)
	}

	// Consuming the completion frees the slot.
	nextEvent(t, b)
	if err := b.SubmitControlIn(addr, getDescriptor(0x01, 0, 18)); err != nil {
		t.Errorf("SubmitControlIn() after completion error = %v", err)
	}
}

// =============================================================================
// Hotplug Handling Tests
// =============================================================================

func TestBus_UEventAddRemove(t *testing.T) {
	b, root, _ := startedBus(t)

	// A device appears and its add uevent arrives.
	writeSysDevice(t, root, "2-1", 2, 2, "5000", hubBlob())
	b.handleUEvent(uevent{
		action:    ueventAdd,
		devpath:   "/devices/pci0000:00/usb2/2-1",
		subsystem: "usb",
		devtype:   "usb_device",
	})

	ev := nextEvent(t, b)
	if ev.Kind != hal.EventAttached {
		t.Fatalf("event kind = %v, want %v", ev.Kind, hal.EventAttached)
	}
	if ev.Speed != hal.SpeedSuper {
		t.Errorf("speed = %v, want %v", ev.Speed, hal.SpeedSuper)
	}

	// Its removal frees the address.
	b.handleUEvent(uevent{
		action:    ueventRemove,
		devpath:   "/devices/pci0000:00/usb2/2-1",
		subsystem: "usb",
		devtype:   "usb_device",
	})

	det := nextEvent(t, b)
	if det.Kind != hal.EventDetached {
		t.Fatalf("event kind = %v, want %v", det.Kind, hal.EventDetached)
	}
	if det.Addr != ev.Addr {
		t.Errorf("detach addr = %d, want %d", det.Addr, ev.Addr)
	}
}

func TestBus_UEventIgnoresForeign(t *testing.T) {
	b, _, _ := startedBus(t)

	// Interface and non-USB events never reach the event queue.
	b.handleUEvent(uevent{
		action:    ueventAdd,
		devpath:   "/devices/pci0000:00/usb1/1-4/1-4:1.0",
		subsystem: "usb",
		devtype:   "usb_interface",
	})
	b.handleUEvent(uevent{
		action:    ueventAdd,
		devpath:   "/devices/virtual/block/loop0",
		subsystem: "block",
		devtype:   "disk",
	})
	// An add for a device already announced by the scan is dropped.
	b.handleUEvent(uevent{
		action:    ueventAdd,
		devpath:   "/devices/pci0000:00/usb1/1-4",
		subsystem: "usb",
		devtype:   "usb_device",
	})
	// A remove for an unknown device is dropped.
	b.handleUEvent(uevent{
		action:    ueventRemove,
		devpath:   "/devices/pci0000:00/usb9/9-9",
		subsystem: "usb",
		devtype:   "usb_device",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ev, err := b.NextEvent(ctx); err == nil {
		t.Errorf("NextEvent() = %v, want timeout", ev)
	}
}

func TestBus_UEventWhileStopped(t *testing.T) {
	b, root, _ := startedBus(t)
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	writeSysDevice(t, root, "2-3", 2, 4, "12", mouseBlob())
	b.handleUEvent(uevent{
		action:    ueventAdd,
		devpath:   "/devices/pci0000:00/usb2/2-3",
		subsystem: "usb",
		devtype:   "usb_device",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ev, err := b.NextEvent(ctx); err == nil {
		t.Errorf("NextEvent() = %v, want timeout", ev)
	}
}

// =============================================================================
// Discovery Integration Tests
// =============================================================================

func TestBus_DiscoveryEndToEnd(t *testing.T) {
	root := t.TempDir()
	writeSysDevice(t, root, "1-4", 1, 5, "1.5", mouseBlob())

	b := newBus(root, false)
	h := host.New(b)
	collector := host.NewCollector()
	h.RegisterDriver(collector)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var final host.DiscoveryState
	h.SetOnDiscoveryComplete(func(addr hal.DeviceAddress, state host.DiscoveryState) {
		final = state
		cancel()
	})

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if final.Phase != host.PhaseDone {
		t.Fatalf("final phase = %v, want %v", final.Phase, host.PhaseDone)
	}

	devs := collector.Devices()
	if len(devs) != 1 {
		t.Fatalf("collected %d devices, want 1", len(devs))
	}
	dev := devs[0]
	if dev.Descriptor.VendorID != 0x046D {
		t.Errorf("vendor = %04x, want 046d", dev.Descriptor.VendorID)
	}
	if len(dev.Configs) != 1 || len(dev.Configs[0].Interfaces) != 1 {
		t.Fatalf("tree shape = %d configs, want 1 config with 1 interface", len(dev.Configs))
	}
	iface := dev.Configs[0].Interfaces[0]
	if iface.Descriptor.InterfaceClass != 0x03 {
		t.Errorf("interface class = %02x, want 03", iface.Descriptor.InterfaceClass)
	}
	if len(iface.Endpoints) != 1 || len(iface.Extra) != 1 {
		t.Errorf("interface children = %d endpoints %d extras, want 1 and 1",
			len(iface.Endpoints), len(iface.Extra))
	}
}
