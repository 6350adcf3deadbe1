//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/host/hal/replay"
	"github.com/ardnew/usbenum/pkg"
)

// sysDevice is one USB device found under sysfs. The kernel enumerates
// every device itself and caches the result in the entry's descriptors
// attribute; the bus serves control transfers from that capture instead
// of touching the hardware.
type sysDevice struct {
	name    string // sysfs entry name, e.g. "1-4" or "usb1"
	busNum  uint8
	devNum  uint8
	speed   hal.Speed
	capture *replay.Capture
}

// scanDevices reads every USB device entry under root, in directory order.
// Entries that cannot be parsed are skipped: interface entries have no
// device attributes, and devices can disappear mid-scan.
func scanDevices(root string) ([]*sysDevice, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	var devices []*sysDevice
	for _, entry := range entries {
		name := entry.Name()

		// Interface entries are named <device>:<config>.<interface>.
		if strings.Contains(name, ":") {
			continue
		}

		dev, err := parseSysDevice(filepath.Join(root, name))
		if err != nil {
			pkg.LogDebug(pkg.ComponentLinux, "sysfs entry skipped",
				"name", name,
				"error", err)
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// parseSysDevice reads one device's attributes and descriptors blob.
func parseSysDevice(path string) (*sysDevice, error) {
	dev := &sysDevice{name: filepath.Base(path)}

	busNum, err := readSysfsUint8(filepath.Join(path, attrBusNum))
	if err != nil {
		return nil, err
	}
	dev.busNum = busNum

	devNum, err := readSysfsUint8(filepath.Join(path, attrDevNum))
	if err != nil {
		return nil, err
	}
	dev.devNum = devNum

	// Speed is display metadata; a device without it still enumerates.
	if speedStr, err := readSysfsString(filepath.Join(path, attrSpeed)); err == nil {
		dev.speed = parseSpeed(speedStr)
	}

	blob, err := os.ReadFile(filepath.Join(path, attrDescriptors))
	if err != nil {
		return nil, err
	}
	capture, err := replay.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("descriptors %s: %w", dev.name, err)
	}
	dev.capture = capture

	return dev, nil
}

// readSysfsString reads a sysfs attribute as a trimmed string.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint8 reads a sysfs attribute as an unsigned decimal.
func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return uint8(v), nil
}

// parseSpeed converts the sysfs speed attribute, in Mbit/s, to hal.Speed.
func parseSpeed(s string) hal.Speed {
	switch s {
	case "1.5":
		return hal.SpeedLow
	case "12":
		return hal.SpeedFull
	case "480":
		return hal.SpeedHigh
	case "5000", "10000", "20000":
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}
