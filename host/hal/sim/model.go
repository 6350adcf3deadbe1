package sim

import (
	"encoding/binary"

	"github.com/ardnew/usbenum/host/hal"
)

// USB Descriptor Types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeHID           = 0x21
	DescriptorTypeCSInterface   = 0x24 // Class-specific interface
)

// USB Class Codes used by the canned models.
const (
	ClassCDC         = 0x02 // Communications Device Class
	ClassHID         = 0x03 // Human Interface Device
	ClassMassStorage = 0x08 // Mass Storage
	ClassCDCData     = 0x0A // CDC-Data
	ClassVendor      = 0xFF // Vendor Specific
)

// Descriptor sizes in bytes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// EndpointModel describes one endpoint of a simulated device.
type EndpointModel struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval
}

// MarshalTo serializes the endpoint descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (e *EndpointModel) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.Address
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// InterfaceModel describes one interface of a simulated device. Extra holds
// class-specific descriptors emitted between the interface descriptor and
// its endpoints, each as a raw frame including its two-byte header.
type InterfaceModel struct {
	Number    uint8
	Alternate uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Extra     [][]byte
	Endpoints []EndpointModel
}

// MarshalTo serializes the interface descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (i *InterfaceModel) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.Number
	buf[3] = i.Alternate
	buf[4] = uint8(len(i.Endpoints))
	buf[5] = i.Class
	buf[6] = i.SubClass
	buf[7] = i.Protocol
	buf[8] = 0 // InterfaceIndex
	return InterfaceDescriptorSize
}

// size returns the interface's contribution to wTotalLength.
func (i *InterfaceModel) size() int {
	n := InterfaceDescriptorSize
	for _, extra := range i.Extra {
		n += len(extra)
	}
	n += len(i.Endpoints) * EndpointDescriptorSize
	return n
}

// ConfigModel describes one configuration of a simulated device.
type ConfigModel struct {
	Value      uint8 // Value for SET_CONFIGURATION
	Attributes uint8 // Powering attributes; bit 7 is forced on the wire
	MaxPower   uint8 // In 2 mA units
	Interfaces []InterfaceModel
}

// TotalLength returns wTotalLength: the configuration header plus all
// subordinate descriptors.
func (c *ConfigModel) TotalLength() uint16 {
	n := ConfigurationDescriptorSize
	for i := range c.Interfaces {
		n += c.Interfaces[i].size()
	}
	return uint16(n)
}

// MarshalHeaderTo serializes the bare 9-byte configuration descriptor to
// buf. Returns the number of bytes written, or 0 if buf is too small.
func (c *ConfigModel) MarshalHeaderTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength())
	buf[4] = uint8(len(c.Interfaces))
	buf[5] = c.Value
	buf[6] = 0                   // ConfigurationIndex
	buf[7] = c.Attributes | 0x80 // Bus-powered bit is mandatory
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// MarshalBundleTo serializes the full configuration bundle to buf: the
// header followed by every interface, its class-specific descriptors, and
// its endpoints. Returns the number of bytes written, or 0 if buf is too
// small.
func (c *ConfigModel) MarshalBundleTo(buf []byte) int {
	if len(buf) < int(c.TotalLength()) {
		return 0
	}
	n := c.MarshalHeaderTo(buf)
	for i := range c.Interfaces {
		iface := &c.Interfaces[i]
		n += iface.MarshalTo(buf[n:])
		for _, extra := range iface.Extra {
			n += copy(buf[n:], extra)
		}
		for e := range iface.Endpoints {
			n += iface.Endpoints[e].MarshalTo(buf[n:])
		}
	}
	return n
}

// DeviceModel describes a simulated device: its device descriptor fields
// and the configurations it serves.
type DeviceModel struct {
	USBVersion     uint16 // bcdUSB
	Class          uint8
	SubClass       uint8
	Protocol       uint8
	MaxPacketSize0 uint8
	VendorID       uint16
	ProductID      uint16
	DeviceVersion  uint16 // bcdDevice

	// String descriptor indices reported by the device descriptor. The
	// simulated bus does not serve string descriptors; these exist so
	// captures look like real hardware.
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8

	Speed   hal.Speed
	Configs []ConfigModel
}

// MarshalTo serializes the 18-byte device descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (d *DeviceModel) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.Class
	buf[5] = d.SubClass
	buf[6] = d.Protocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = uint8(len(d.Configs))
	return DeviceDescriptorSize
}

// Keyboard returns a full-speed HID boot keyboard with one configuration.
func Keyboard() *DeviceModel {
	return &DeviceModel{
		USBVersion:        0x0200,
		MaxPacketSize0:    8,
		VendorID:          0x046D,
		ProductID:         0xC31C,
		DeviceVersion:     0x0110,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		Speed:             hal.SpeedLow,
		Configs: []ConfigModel{{
			Value:    1,
			MaxPower: 49, // 98 mA
			Interfaces: []InterfaceModel{{
				Class:    ClassHID,
				SubClass: 0x01, // Boot
				Protocol: 0x01, // Keyboard
				Extra: [][]byte{
					{9, DescriptorTypeHID, 0x11, 0x01, 0x00, 0x01, 0x22, 0x3F, 0x00},
				},
				Endpoints: []EndpointModel{
					{Address: 0x81, Attributes: 0x03, MaxPacketSize: 8, Interval: 10},
				},
			}},
		}},
	}
}

// SerialAdapter returns a full-speed CDC-ACM serial adapter with a
// communications interface and a data interface.
func SerialAdapter() *DeviceModel {
	return &DeviceModel{
		USBVersion:        0x0110,
		Class:             ClassCDC,
		MaxPacketSize0:    64,
		VendorID:          0x0403,
		ProductID:         0x6001,
		DeviceVersion:     0x0600,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		Speed:             hal.SpeedFull,
		Configs: []ConfigModel{{
			Value:      1,
			Attributes: 0x40, // Self-powered
			MaxPower:   45,   // 90 mA
			Interfaces: []InterfaceModel{
				{
					Number:   0,
					Class:    ClassCDC,
					SubClass: 0x02, // Abstract Control Model
					Protocol: 0x01, // AT commands
					Extra: [][]byte{
						{5, DescriptorTypeCSInterface, 0x00, 0x10, 0x01}, // Header functional
						{4, DescriptorTypeCSInterface, 0x02, 0x02},       // ACM functional
						{5, DescriptorTypeCSInterface, 0x06, 0x00, 0x01}, // Union functional
					},
					Endpoints: []EndpointModel{
						{Address: 0x83, Attributes: 0x03, MaxPacketSize: 8, Interval: 16},
					},
				},
				{
					Number: 1,
					Class:  ClassCDCData,
					Endpoints: []EndpointModel{
						{Address: 0x01, Attributes: 0x02, MaxPacketSize: 64},
						{Address: 0x82, Attributes: 0x02, MaxPacketSize: 64},
					},
				},
			},
		}},
	}
}

// MassStorage returns a high-speed bulk-only mass storage device.
func MassStorage() *DeviceModel {
	return &DeviceModel{
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          0x0781,
		ProductID:         0x5567,
		DeviceVersion:     0x0103,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		Speed:             hal.SpeedHigh,
		Configs: []ConfigModel{{
			Value:    1,
			MaxPower: 100, // 200 mA
			Interfaces: []InterfaceModel{{
				Class:    ClassMassStorage,
				SubClass: 0x06, // SCSI transparent
				Protocol: 0x50, // Bulk-only transport
				Endpoints: []EndpointModel{
					{Address: 0x81, Attributes: 0x02, MaxPacketSize: 512},
					{Address: 0x02, Attributes: 0x02, MaxPacketSize: 512},
				},
			}},
		}},
	}
}
