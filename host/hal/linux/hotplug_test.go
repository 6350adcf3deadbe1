//go:build linux

package linux

import (
	"testing"
)

// =============================================================================
// uevent Parsing Tests
// =============================================================================

func TestParseUEvent_Add(t *testing.T) {
	data := []byte(
		"add@/devices/pci0000:00/0000:00:14.0/usb1/1-1\x00" +
			"ACTION=add\x00" +
			"DEVPATH=/devices/pci0000:00/0000:00:14.0/usb1/1-1\x00" +
			"SUBSYSTEM=usb\x00" +
			"DEVTYPE=usb_device\x00" +
			"BUSNUM=001\x00" +
			"DEVNUM=002\x00",
	)

	evt := parseUEvent(data)

	if evt.action != ueventAdd {
		t.Errorf("action = %d, want ueventAdd (%d)", evt.action, ueventAdd)
	}
	if evt.devpath != "/devices/pci0000:00/0000:00:14.0/usb1/1-1" {
		t.Errorf("devpath = %q, unexpected value", evt.devpath)
	}
	if evt.subsystem != "usb" {
		t.Errorf("subsystem = %q, want %q", evt.subsystem, "usb")
	}
	if evt.devtype != "usb_device" {
		t.Errorf("devtype = %q, want %q", evt.devtype, "usb_device")
	}
	if evt.busnum != "001" {
		t.Errorf("busnum = %q, want %q", evt.busnum, "001")
	}
	if evt.devnum != "002" {
		t.Errorf("devnum = %q, want %q", evt.devnum, "002")
	}
}

func TestParseUEvent_Remove(t *testing.T) {
	data := []byte(
		"remove@/devices/pci0000:00/0000:00:14.0/usb1/1-1\x00" +
			"ACTION=remove\x00" +
			"DEVPATH=/devices/pci0000:00/0000:00:14.0/usb1/1-1\x00" +
			"SUBSYSTEM=usb\x00" +
			"DEVTYPE=usb_device\x00",
	)

	evt := parseUEvent(data)

	if evt.action != ueventRemove {
		t.Errorf("action = %d, want ueventRemove (%d)", evt.action, ueventRemove)
	}
}

func TestParseUEvent_HeaderOnly(t *testing.T) {
	// Some events carry only the header line; the action and devpath
	// still parse.
	evt := parseUEvent([]byte("change@/devices/pci0000:00/usb1/1-1\x00"))

	if evt.action != ueventChange {
		t.Errorf("action = %d, want ueventChange (%d)", evt.action, ueventChange)
	}
	if evt.devpath != "/devices/pci0000:00/usb1/1-1" {
		t.Errorf("devpath = %q, unexpected value", evt.devpath)
	}
}

func TestParseUEvent_BindUnbind(t *testing.T) {
	evt := parseUEvent([]byte(
		"bind@/devices/pci0000:00/usb1/1-1:1.0\x00" +
			"ACTION=bind\x00" +
			"SUBSYSTEM=usb\x00" +
			"DEVTYPE=usb_interface\x00",
	))
	if evt.action != ueventBind {
		t.Errorf("action = %d, want ueventBind (%d)", evt.action, ueventBind)
	}
	if evt.isUSBDevice() {
		t.Error("isUSBDevice() = true for interface event, want false")
	}

	evt = parseUEvent([]byte("unbind@/devices/pci0000:00/usb1/1-1:1.0\x00"))
	if evt.action != ueventUnbind {
		t.Errorf("action = %d, want ueventUnbind (%d)", evt.action, ueventUnbind)
	}
}

func TestParseUEvent_Garbage(t *testing.T) {
	evt := parseUEvent([]byte("not a uevent at all"))

	if evt.action != ueventUnknown {
		t.Errorf("action = %d, want ueventUnknown (%d)", evt.action, ueventUnknown)
	}
	if evt.devpath != "" {
		t.Errorf("devpath = %q, want empty", evt.devpath)
	}
}

// =============================================================================
// uevent Accessor Tests
// =============================================================================

func TestUEvent_IsUSBDevice(t *testing.T) {
	tests := []struct {
		name      string
		subsystem string
		devtype   string
		want      bool
	}{
		{"Device", "usb", "usb_device", true},
		{"Interface", "usb", "usb_interface", false},
		{"OtherSubsystem", "block", "disk", false},
		{"Empty", "", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			evt := uevent{subsystem: tt.subsystem, devtype: tt.devtype}
			if got := evt.isUSBDevice(); got != tt.want {
				t.Errorf("isUSBDevice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseUEvent_ValueWithEquals(t *testing.T) {
	// Values may themselves contain '='; only the first one splits.
	evt := parseUEvent([]byte("DEVPATH=/devices/weird=name\x00"))
	if evt.devpath != "/devices/weird=name" {
		t.Errorf("devpath = %q, want %q", evt.devpath, "/devices/weird=name")
	}
}
