package main

import (
	"fmt"

	"github.com/ardnew/usbenum/host"
)

// classNames maps USB-IF base class codes to display names.
var classNames = map[uint8]string{
	0x00: "Defined at Interface",
	0x01: "Audio",
	0x02: "Communications",
	0x03: "Human Interface Device",
	0x05: "Physical",
	0x06: "Imaging",
	0x07: "Printer",
	0x08: "Mass Storage",
	0x09: "Hub",
	0x0A: "CDC-Data",
	0x0B: "Smart Card",
	0x0D: "Content Security",
	0x0E: "Video",
	0x0F: "Personal Healthcare",
	0x10: "Audio/Video",
	0x11: "Billboard",
	0x12: "Type-C Bridge",
	0xDC: "Diagnostic",
	0xE0: "Wireless Controller",
	0xEF: "Miscellaneous",
	0xFE: "Application Specific",
	0xFF: "Vendor Specific",
}

// className returns the display name for a base class code.
func className(class uint8) string {
	if name, ok := classNames[class]; ok {
		return name
	}
	return fmt.Sprintf("Class 0x%02X", class)
}

// interfaceSummary returns a one-line label for an interface, refining the
// class name with well-known subclass and protocol combinations.
func interfaceSummary(d *host.InterfaceDescriptor) string {
	switch d.InterfaceClass {
	case 0x03: // HID
		if d.InterfaceSubClass == 0x01 {
			switch d.InterfaceProtocol {
			case 0x01:
				return "HID Boot Keyboard"
			case 0x02:
				return "HID Boot Mouse"
			}
		}
		return "Human Interface Device"

	case 0x02: // Communications
		switch d.InterfaceSubClass {
		case 0x02:
			return "CDC Abstract Control Model"
		case 0x06:
			return "CDC Ethernet Networking"
		}
		return "Communications"

	case 0x08: // Mass Storage
		if d.InterfaceSubClass == 0x06 && d.InterfaceProtocol == 0x50 {
			return "Mass Storage SCSI Bulk-Only"
		}
		return "Mass Storage"

	default:
		return className(d.InterfaceClass)
	}
}

// deviceClassSummary returns a label for a device-level class triple.
func deviceClassSummary(d *host.DeviceDescriptor) string {
	if d.DeviceClass == 0x00 {
		return classNames[0x00]
	}
	if d.DeviceClass == 0xEF && d.DeviceSubClass == 0x02 && d.DeviceProtocol == 0x01 {
		return "Miscellaneous (Interface Association)"
	}
	return className(d.DeviceClass)
}

// bcdString formats a binary-coded-decimal version like 0x0210 as "2.10".
func bcdString(v uint16) string {
	return fmt.Sprintf("%x.%02x", v>>8, v&0xFF)
}
