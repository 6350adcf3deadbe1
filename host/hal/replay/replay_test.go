package replay

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ardnew/usbenum/host"
	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// mouseBlob returns a capture of a one-configuration HID mouse: the device
// descriptor followed by a 34-byte bundle holding the configuration,
// interface, HID, and interrupt endpoint descriptors.
func mouseBlob() []byte {
	return []byte{
		18, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 8,
		0x6D, 0x04, 0x77, 0xC0, 0x00, 0x72,
		1, 2, 0, 1,

		9, 0x02, 34, 0, 1, 1, 0, 0xA0, 49,
		9, 0x04, 0, 0, 1, 0x03, 0x01, 0x02, 0,
		9, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 0x34, 0x00,
		7, 0x05, 0x81, 0x03, 0x04, 0x00, 0x0A,
	}
}

// dualConfigBlob returns a capture declaring two configurations: the mouse
// configuration followed by an 18-byte vendor-specific one.
func dualConfigBlob() []byte {
	blob := mouseBlob()
	blob[17] = 2
	return append(blob,
		9, 0x02, 18, 0, 1, 2, 0, 0x80, 25,
		9, 0x04, 0, 0, 0, 0xFF, 0x00, 0x00, 0,
	)
}

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

// =============================================================================
// Capture Parsing Tests
// =============================================================================

func TestParse(t *testing.T) {
	blob := mouseBlob()

	c, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !bytes.Equal(c.DeviceDescriptor(), blob[:18]) {
		t.Errorf("DeviceDescriptor() = % X, want % X", c.DeviceDescriptor(), blob[:18])
	}
	if c.NumConfigurations() != 1 {
		t.Fatalf("NumConfigurations() = %d, want 1", c.NumConfigurations())
	}

	bundle, err := c.Configuration(0)
	if err != nil {
		t.Fatalf("Configuration(0) error = %v", err)
	}
	if !bytes.Equal(bundle, blob[18:]) {
		t.Errorf("Configuration(0) = % X, want % X", bundle, blob[18:])
	}
}

func TestParse_TwoConfigurations(t *testing.T) {
	blob := dualConfigBlob()

	c, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.NumConfigurations() != 2 {
		t.Fatalf("NumConfigurations() = %d, want 2", c.NumConfigurations())
	}

	first, err := c.Configuration(0)
	if err != nil {
		t.Fatalf("Configuration(0) error = %v", err)
	}
	if len(first) != 34 {
		t.Errorf("first bundle length = %d, want 34", len(first))
	}

	second, err := c.Configuration(1)
	if err != nil {
		t.Fatalf("Configuration(1) error = %v", err)
	}
	if len(second) != 18 {
		t.Errorf("second bundle length = %d, want 18", len(second))
	}
	if second[5] != 2 {
		t.Errorf("second bundle configuration value = %d, want 2", second[5])
	}
}

func TestParse_TrailingBytesIgnored(t *testing.T) {
	// A BOS descriptor follows the configurations on USB 3 captures.
	blob := append(mouseBlob(), 5, 0x0F, 22, 0, 2)

	c, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.NumConfigurations() != 1 {
		t.Errorf("NumConfigurations() = %d, want 1", c.NumConfigurations())
	}
	bundle, err := c.Configuration(0)
	if err != nil {
		t.Fatalf("Configuration(0) error = %v", err)
	}
	if len(bundle) != 34 {
		t.Errorf("bundle length = %d, want 34", len(bundle))
	}
}

func TestParse_Errors(t *testing.T) {
	truncated := func(n int) []byte { return mouseBlob()[:n] }
	mutated := func(off int, b byte) []byte {
		blob := mouseBlob()
		blob[off] = b
		return blob
	}

	tests := []struct {
		name string
		blob []byte
		want error
	}{
		{"Empty", nil, pkg.ErrBlobTooShort},
		{"ShortDeviceDescriptor", truncated(10), pkg.ErrBlobTooShort},
		{"WrongDeviceType", mutated(1, 0x02), pkg.ErrDescriptorTypeMismatch},
		{"BadDeviceLength", mutated(0, 17), pkg.ErrDescriptorLengthInvalid},
		{"MissingConfiguration", truncated(18), pkg.ErrBlobTooShort},
		{"ShortConfigurationHeader", truncated(24), pkg.ErrBlobTooShort},
		{"WrongConfigurationType", mutated(19, 0x04), pkg.ErrDescriptorTypeMismatch},
		{"BadTotalLength", mutated(20, 4), pkg.ErrDescriptorLengthInvalid},
		{"TruncatedBundle", mutated(20, 100), pkg.ErrBlobTooShort},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.blob)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCapture_ConfigurationOutOfRange(t *testing.T) {
	c, err := Parse(mouseBlob())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	for _, index := range []int{-1, 1, 7} {
		if _, err := c.Configuration(index); !errors.Is(err, pkg.ErrConfigIndexOutOfRange) {
			t.Errorf("Configuration(%d) error = %v, want %v",
				index, err, pkg.ErrConfigIndexOutOfRange)
		}
	}
}

// =============================================================================
// Bus Tests
// =============================================================================

func startedBus(t *testing.T, blobs ...[]byte) (*Bus, []hal.DeviceAddress) {
	t.Helper()
	b := New()
	addrs := make([]hal.DeviceAddress, 0, len(blobs))
	for _, blob := range blobs {
		c, err := Parse(blob)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		addrs = append(addrs, b.Load(c, hal.SpeedFull))
	}
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return b, addrs
}

func TestBus_StartAnnouncesCaptures(t *testing.T) {
	b, addrs := startedBus(t, mouseBlob(), dualConfigBlob())

	for i, addr := range addrs {
		ev := nextEvent(t, b)
		if ev.Kind != hal.EventAttached {
			t.Fatalf("event %d kind = %v, want EventAttached", i, ev.Kind)
		}
		if ev.Addr != addr {
			t.Errorf("event %d addr = %d, want %d", i, ev.Addr, addr)
		}
		if ev.Speed != hal.SpeedFull {
			t.Errorf("event %d speed = %v, want SpeedFull", i, ev.Speed)
		}
	}
}

func TestBus_LoadWhileRunning(t *testing.T) {
	b, _ := startedBus(t)

	c, err := Parse(mouseBlob())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	addr := b.Load(c, hal.SpeedLow)

	ev := nextEvent(t, b)
	if ev.Kind != hal.EventAttached || ev.Addr != addr || ev.Speed != hal.SpeedLow {
		t.Errorf("event = %+v, want low-speed attach of %d", ev, addr)
	}
}

func TestBus_RestartReplaysAttaches(t *testing.T) {
	b, addrs := startedBus(t, mouseBlob())
	nextEvent(t, b)

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ev := nextEvent(t, b)
	if ev.Kind != hal.EventAttached || ev.Addr != addrs[0] {
		t.Errorf("event = %+v, want attach of %d", ev, addrs[0])
	}
}

func TestBus_ServesDeviceDescriptor(t *testing.T) {
	blob := mouseBlob()
	b, addrs := startedBus(t, blob)
	nextEvent(t, b)

	if err := b.SubmitControlIn(addrs[0], getDescriptor(descriptorTypeDevice, 0, 18)); err != nil {
		t.Fatalf("SubmitControlIn() error = %v", err)
	}
	ev := nextEvent(t, b)
	if ev.Kind != hal.EventControlInData || ev.Length != 18 {
		t.Fatalf("event = %+v, want 18-byte data", ev)
	}
	if got := b.ReceivedData(ev.Length); !bytes.Equal(got, blob[:18]) {
		t.Errorf("ReceivedData() = % X, want % X", got, blob[:18])
	}
}

func TestBus_ServesConfigurationTruncated(t *testing.T) {
	blob := mouseBlob()
	b, addrs := startedBus(t, blob)
	nextEvent(t, b)

	// The header request returns 9 bytes; wTotalLength still reports the
	// full bundle.
	if err := b.SubmitControlIn(addrs[0], getDescriptor(descriptorTypeConfiguration, 0, 9)); err != nil {
		t.Fatalf("SubmitControlIn() error = %v", err)
	}
	ev := nextEvent(t, b)
	if ev.Length != 9 {
		t.Fatalf("Length = %d, want 9", ev.Length)
	}
	if got := b.ReceivedData(ev.Length); !bytes.Equal(got, blob[18:27]) {
		t.Errorf("header = % X, want % X", got, blob[18:27])
	}

	if err := b.SubmitControlIn(addrs[0], getDescriptor(descriptorTypeConfiguration, 0, 34)); err != nil {
		t.Fatalf("SubmitControlIn() error = %v", err)
	}
	ev = nextEvent(t, b)
	if ev.Length != 34 {
		t.Fatalf("Length = %d, want 34", ev.Length)
	}
	if got := b.ReceivedData(ev.Length); !bytes.Equal(got, blob[18:]) {
		t.Errorf("bundle = % X, want % X", got, blob[18:])
	}
}

func TestBus_StallResponses(t *testing.T) {
	b, addrs := startedBus(t, mouseBlob())
	nextEvent(t, b)

	tests := []struct {
		name  string
		setup *hal.SetupPacket
	}{
		{"ConfigIndexOutOfRange", getDescriptor(descriptorTypeConfiguration, 1, 9)},
		{"StringDescriptor", getDescriptor(0x03, 0, 255)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := b.SubmitControlIn(addrs[0], tt.setup); err != nil {
				t.Fatalf("SubmitControlIn() error = %v", err)
			}
			ev := nextEvent(t, b)
			if ev.Kind != hal.EventControlError || ev.Status != pkg.TransferStatusStall {
				t.Errorf("event = %+v, want stall error", ev)
			}
		})
	}
}

func TestBus_AbsentDevice(t *testing.T) {
	b, _ := startedBus(t)

	if err := b.SubmitControlIn(42, getDescriptor(descriptorTypeDevice, 0, 18)); err != nil {
		t.Fatalf("SubmitControlIn() error = %v", err)
	}
	ev := nextEvent(t, b)
	if ev.Kind != hal.EventControlError || ev.Status != pkg.TransferStatusTimeout {
		t.Errorf("event = %+v, want timeout error", ev)
	}
}

func TestBus_NotRunning(t *testing.T) {
	b := New()

	err := b.SubmitControlIn(1, getDescriptor(descriptorTypeDevice, 0, 18))
	if !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("SubmitControlIn() error = %v, want %v", err, pkg.ErrNotRunning)
	}
}

func TestBus_PendingTransferRejected(t *testing.T) {
	b, addrs := startedBus(t, mouseBlob())
	nextEvent(t, b)

	if err := b.SubmitControlIn(addrs[0], getDescriptor(descriptorTypeDevice, 0, 18)); err != nil {
		t.Fatalf("first SubmitControlIn() error = %v", err)
	}
	err := b.SubmitControlIn(addrs[0], getDescriptor(descriptorTypeDevice, 0, 18))
	if !errors.Is(err, pkg.ErrTransferPending) {
		t.Errorf("second SubmitControlIn() error = %v, want %v", err, pkg.ErrTransferPending)
	}

	nextEvent(t, b)
	if err := b.SubmitControlIn(addrs[0], getDescriptor(descriptorTypeDevice, 0, 18)); err != nil {
		t.Errorf("SubmitControlIn() after event error = %v", err)
	}
}

// =============================================================================
// Discovery Integration Tests
// =============================================================================

// TestBus_DiscoveryEndToEnd runs a full host discovery against a replayed
// capture and checks the assembled device tree against the blob.
func TestBus_DiscoveryEndToEnd(t *testing.T) {
	b := New()
	c, err := Parse(mouseBlob())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	addr := b.Load(c, hal.SpeedLow)

	collector := host.NewCollector()
	h := host.New(b)
	h.RegisterDriver(collector)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var final host.DiscoveryState
	h.SetOnDiscoveryComplete(func(a hal.DeviceAddress, state host.DiscoveryState) {
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
		t.Fatalf("final phase = %v, want PhaseDone", final.Phase)
	}

	info, ok := collector.Device(addr)
	if !ok {
		t.Fatal("collector has no device")
	}
	if info.Descriptor.VendorID != 0x046D {
		t.Errorf("vendorID = 0x%04X, want 0x046D", info.Descriptor.VendorID)
	}
	if len(info.Configs) != 1 {
		t.Fatalf("configs = %d, want 1", len(info.Configs))
	}
	iface := info.Configs[0].Interfaces
	if len(iface) != 1 {
		t.Fatalf("interfaces = %d, want 1", len(iface))
	}
	if iface[0].Descriptor.InterfaceClass != 0x03 {
		t.Errorf("interface class = 0x%02X, want 0x03", iface[0].Descriptor.InterfaceClass)
	}
	if len(iface[0].Endpoints) != 1 {
		t.Errorf("endpoints = %d, want 1", len(iface[0].Endpoints))
	}
	if len(iface[0].Extra) != 1 || iface[0].Extra[0].Type != 0x21 {
		t.Errorf("extra = %+v, want one HID descriptor", iface[0].Extra)
	}
}

// =============================================================================
// File Loading Tests
// =============================================================================

func TestBus_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mouse.bin")
	if err := os.WriteFile(path, mouseBlob(), 0o644); err != nil {
		t.Fatal(err)
	}

	b := New()
	addr, err := b.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if addr == 0 {
		t.Error("LoadFile() returned address 0")
	}
}

func TestBus_LoadFile_Missing(t *testing.T) {
	b := New()
	if _, err := b.LoadFile(filepath.Join(t.TempDir(), "absent.bin")); err == nil {
		t.Error("LoadFile() error = nil, want read failure")
	}
}

func TestBus_LoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	b := New()
	if _, err := b.LoadFile(path); !errors.Is(err, pkg.ErrBlobTooShort) {
		t.Errorf("LoadFile() error = %v, want %v", err, pkg.ErrBlobTooShort)
	}
}
