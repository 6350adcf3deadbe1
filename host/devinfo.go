package host

import (
	"sort"
	"sync"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// ClassDescriptor holds a descriptor the host does not interpret, such as a
// class- or vendor-specific descriptor. Data excludes the two-byte header.
type ClassDescriptor struct {
	Type uint8  `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// InterfaceInfo is one interface of a configuration together with its
// endpoints and any class-specific descriptors that followed it.
type InterfaceInfo struct {
	Descriptor InterfaceDescriptor  `json:"descriptor"`
	Endpoints  []EndpointDescriptor `json:"endpoints,omitempty"`
	Extra      []ClassDescriptor    `json:"extra,omitempty"`
}

// ConfigInfo is one configuration of a device. Extra holds descriptors that
// appeared after the configuration header but before any interface, such as
// interface associations or OTG descriptors.
type ConfigInfo struct {
	Descriptor ConfigurationDescriptor `json:"descriptor"`
	Interfaces []InterfaceInfo         `json:"interfaces,omitempty"`
	Extra      []ClassDescriptor       `json:"extra,omitempty"`
}

// DeviceInfo is the assembled descriptor tree for one device.
type DeviceInfo struct {
	Address    hal.DeviceAddress `json:"address"`
	Descriptor DeviceDescriptor  `json:"descriptor"`
	Configs    []ConfigInfo      `json:"configs,omitempty"`
	Extra      []ClassDescriptor `json:"extra,omitempty"`
}

// Interface returns the interface info for the given interface number in the
// given configuration, or nil if absent.
func (d *DeviceInfo) Interface(config, num uint8) *InterfaceInfo {
	for c := range d.Configs {
		if d.Configs[c].Descriptor.ConfigurationValue != config {
			continue
		}
		for i := range d.Configs[c].Interfaces {
			if d.Configs[c].Interfaces[i].Descriptor.InterfaceNumber == num {
				return &d.Configs[c].Interfaces[i]
			}
		}
	}
	return nil
}

// Collector assembles descriptor trees from the frames dispatched during
// discovery. It implements [Driver].
//
// Frames for one device arrive in bus order: the device descriptor first,
// then each configuration bundle with the configuration header at its head.
// The collector attaches each frame to the most recently opened scope, so an
// endpoint belongs to the last interface and an interface to the last
// configuration. Frames of unknown type are kept verbatim as [ClassDescriptor].
type Collector struct {
	mutex   sync.RWMutex
	devices map[hal.DeviceAddress]*DeviceInfo
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		devices: make(map[hal.DeviceAddress]*DeviceInfo),
	}
}

// Descriptor records one dispatched frame. data aliases the bus buffer, so
// anything retained is copied.
func (c *Collector) Descriptor(addr hal.DeviceAddress, descType uint8, data []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	frame := Descriptor{Type: descType, Data: data}

	if descType == DescriptorTypeDevice {
		var desc DeviceDescriptor
		if err := ParseDeviceDescriptor(frame, &desc); err != nil {
			pkg.LogDebug(pkg.ComponentDriver, "device frame dropped",
				"addr", addr,
				"error", err)
			return
		}
		// A fresh device descriptor restarts the tree for this address.
		c.devices[addr] = &DeviceInfo{Address: addr, Descriptor: desc}
		return
	}

	dev, ok := c.devices[addr]
	if !ok {
		pkg.LogDebug(pkg.ComponentDriver, "frame before device descriptor dropped",
			"addr", addr,
			"type", descType)
		return
	}

	switch descType {
	case DescriptorTypeConfiguration:
		var desc ConfigurationDescriptor
		if err := ParseConfigurationDescriptor(frame, &desc); err != nil {
			pkg.LogDebug(pkg.ComponentDriver, "configuration frame dropped",
				"addr", addr,
				"error", err)
			return
		}
		dev.Configs = append(dev.Configs, ConfigInfo{Descriptor: desc})

	case DescriptorTypeInterface:
		cfg := lastConfig(dev)
		if cfg == nil {
			pkg.LogDebug(pkg.ComponentDriver, "interface frame without configuration dropped",
				"addr", addr)
			return
		}
		var desc InterfaceDescriptor
		if err := ParseInterfaceDescriptor(frame, &desc); err != nil {
			pkg.LogDebug(pkg.ComponentDriver, "interface frame dropped",
				"addr", addr,
				"error", err)
			return
		}
		cfg.Interfaces = append(cfg.Interfaces, InterfaceInfo{Descriptor: desc})

	case DescriptorTypeEndpoint:
		iface := lastInterface(dev)
		if iface == nil {
			pkg.LogDebug(pkg.ComponentDriver, "endpoint frame without interface dropped",
				"addr", addr)
			return
		}
		var desc EndpointDescriptor
		if err := ParseEndpointDescriptor(frame, &desc); err != nil {
			pkg.LogDebug(pkg.ComponentDriver, "endpoint frame dropped",
				"addr", addr,
				"error", err)
			return
		}
		iface.Endpoints = append(iface.Endpoints, desc)

	default:
		extra := ClassDescriptor{
			Type: descType,
			Data: append([]byte(nil), data...),
		}
		if iface := lastInterface(dev); iface != nil {
			iface.Extra = append(iface.Extra, extra)
		} else if cfg := lastConfig(dev); cfg != nil {
			cfg.Extra = append(cfg.Extra, extra)
		} else {
			dev.Extra = append(dev.Extra, extra)
		}
	}
}

// Device returns the assembled tree for addr.
// The returned value references internal storage; do not modify.
func (c *Collector) Device(addr hal.DeviceAddress) (*DeviceInfo, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	dev, ok := c.devices[addr]
	return dev, ok
}

// Devices returns all assembled trees ordered by address.
// The returned values reference internal storage; do not modify.
func (c *Collector) Devices() []*DeviceInfo {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	devs := make([]*DeviceInfo, 0, len(c.devices))
	for _, dev := range c.devices {
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool {
		return devs[i].Address < devs[j].Address
	})
	return devs
}

// Remove discards the tree for addr, typically on detach.
func (c *Collector) Remove(addr hal.DeviceAddress) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.devices, addr)
}

// lastConfig returns the most recently appended configuration, or nil.
func lastConfig(dev *DeviceInfo) *ConfigInfo {
	if len(dev.Configs) == 0 {
		return nil
	}
	return &dev.Configs[len(dev.Configs)-1]
}

// lastInterface returns the most recently appended interface of the most
// recently appended configuration, or nil.
func lastInterface(dev *DeviceInfo) *InterfaceInfo {
	cfg := lastConfig(dev)
	if cfg == nil || len(cfg.Interfaces) == 0 {
		return nil
	}
	return &cfg.Interfaces[len(cfg.Interfaces)-1]
}
