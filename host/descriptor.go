package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbenum/pkg"
)

// Descriptor is a single descriptor frame split off a control transfer
// buffer. Data holds the frame contents after the two-byte header; it
// aliases the receive buffer and is only valid until the next transfer.
type Descriptor struct {
	Type uint8  // bDescriptorType
	Data []byte // Frame contents, excluding bLength and bDescriptorType
}

// ParseDescriptor splits one descriptor frame off the front of buf and
// returns it along with the unconsumed remainder.
//
// The frame's bLength must cover at least the two-byte header and must not
// exceed the bytes available in buf.
func ParseDescriptor(buf []byte) (Descriptor, []byte, error) {
	if len(buf) < DescriptorHeaderSize {
		return Descriptor{}, nil, pkg.ErrDescriptorTooShort
	}
	length := int(buf[0])
	if length < DescriptorHeaderSize {
		return Descriptor{}, nil, pkg.ErrDescriptorLengthInvalid
	}
	if length > len(buf) {
		return Descriptor{}, nil, pkg.ErrDescriptorTooShort
	}
	return Descriptor{Type: buf[1], Data: buf[DescriptorHeaderSize:length]}, buf[length:], nil
}

// DeviceDescriptor represents the fields of a USB device descriptor
// following the two-byte header.
type DeviceDescriptor struct {
	USBVersion        uint16 `json:"usbVersion"` // bcdUSB
	DeviceClass       uint8  `json:"deviceClass"`
	DeviceSubClass    uint8  `json:"deviceSubClass"`
	DeviceProtocol    uint8  `json:"deviceProtocol"`
	MaxPacketSize0    uint8  `json:"maxPacketSize0"`
	VendorID          uint16 `json:"vendorID"`
	ProductID         uint16 `json:"productID"`
	DeviceVersion     uint16 `json:"deviceVersion"` // bcdDevice
	ManufacturerIndex uint8  `json:"manufacturerIndex"`
	ProductIndex      uint8  `json:"productIndex"`
	SerialNumberIndex uint8  `json:"serialNumberIndex"`
	NumConfigurations uint8  `json:"numConfigurations"`
}

// ParseDeviceDescriptor parses a device descriptor frame into out.
// Returns an error if the frame type or size does not match.
func ParseDeviceDescriptor(desc Descriptor, out *DeviceDescriptor) error {
	if desc.Type != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	data := desc.Data
	if len(data) < DeviceDescriptorSize-DescriptorHeaderSize {
		return pkg.ErrDescriptorTooShort
	}
	out.USBVersion = binary.LittleEndian.Uint16(data[0:2])
	out.DeviceClass = data[2]
	out.DeviceSubClass = data[3]
	out.DeviceProtocol = data[4]
	out.MaxPacketSize0 = data[5]
	out.VendorID = binary.LittleEndian.Uint16(data[6:8])
	out.ProductID = binary.LittleEndian.Uint16(data[8:10])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[10:12])
	out.ManufacturerIndex = data[12]
	out.ProductIndex = data[13]
	out.SerialNumberIndex = data[14]
	out.NumConfigurations = data[15]
	return nil
}

// ConfigurationDescriptor represents the fields of a USB configuration
// descriptor header following the two-byte header.
type ConfigurationDescriptor struct {
	TotalLength        uint16 `json:"totalLength"` // wTotalLength: header plus all subordinate descriptors
	NumInterfaces      uint8  `json:"numInterfaces"`
	ConfigurationValue uint8  `json:"configurationValue"`
	ConfigurationIndex uint8  `json:"configurationIndex"`
	Attributes         uint8  `json:"attributes"`
	MaxPower           uint8  `json:"maxPower"` // In 2 mA units
}

// ParseConfigurationDescriptor parses a configuration descriptor header
// frame into out. The frame may be a bare header or the start of a full
// configuration bundle; subordinate descriptors are not consumed.
func ParseConfigurationDescriptor(desc Descriptor, out *ConfigurationDescriptor) error {
	if desc.Type != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTypeMismatch
	}
	data := desc.Data
	if len(data) < ConfigurationDescriptorSize-DescriptorHeaderSize {
		return pkg.ErrDescriptorTooShort
	}
	out.TotalLength = binary.LittleEndian.Uint16(data[0:2])
	out.NumInterfaces = data[2]
	out.ConfigurationValue = data[3]
	out.ConfigurationIndex = data[4]
	out.Attributes = data[5]
	out.MaxPower = data[6]
	return nil
}

// MaxPowerMilliAmps returns the configuration's maximum power draw in mA.
func (c *ConfigurationDescriptor) MaxPowerMilliAmps() int {
	return int(c.MaxPower) * 2
}

// IsSelfPowered returns true if the configuration is self-powered.
func (c *ConfigurationDescriptor) IsSelfPowered() bool {
	return c.Attributes&0x40 != 0
}

// SupportsRemoteWakeup returns true if the configuration supports remote wakeup.
func (c *ConfigurationDescriptor) SupportsRemoteWakeup() bool {
	return c.Attributes&0x20 != 0
}

// InterfaceDescriptor represents the fields of a USB interface descriptor
// following the two-byte header.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8 `json:"interfaceNumber"`
	AlternateSetting  uint8 `json:"alternateSetting"`
	NumEndpoints      uint8 `json:"numEndpoints"`
	InterfaceClass    uint8 `json:"interfaceClass"`
	InterfaceSubClass uint8 `json:"interfaceSubClass"`
	InterfaceProtocol uint8 `json:"interfaceProtocol"`
	InterfaceIndex    uint8 `json:"interfaceIndex"`
}

// ParseInterfaceDescriptor parses an interface descriptor frame into out.
func ParseInterfaceDescriptor(desc Descriptor, out *InterfaceDescriptor) error {
	if desc.Type != DescriptorTypeInterface {
		return pkg.ErrDescriptorTypeMismatch
	}
	data := desc.Data
	if len(data) < InterfaceDescriptorSize-DescriptorHeaderSize {
		return pkg.ErrDescriptorTooShort
	}
	out.InterfaceNumber = data[0]
	out.AlternateSetting = data[1]
	out.NumEndpoints = data[2]
	out.InterfaceClass = data[3]
	out.InterfaceSubClass = data[4]
	out.InterfaceProtocol = data[5]
	out.InterfaceIndex = data[6]
	return nil
}

// EndpointDescriptor represents the fields of a USB endpoint descriptor
// following the two-byte header.
type EndpointDescriptor struct {
	EndpointAddress uint8  `json:"endpointAddress"`
	Attributes      uint8  `json:"attributes"`
	MaxPacketSize   uint16 `json:"maxPacketSize"`
	Interval        uint8  `json:"interval"`
}

// ParseEndpointDescriptor parses an endpoint descriptor frame into out.
func ParseEndpointDescriptor(desc Descriptor, out *EndpointDescriptor) error {
	if desc.Type != DescriptorTypeEndpoint {
		return pkg.ErrDescriptorTypeMismatch
	}
	data := desc.Data
	if len(data) < EndpointDescriptorSize-DescriptorHeaderSize {
		return pkg.ErrDescriptorTooShort
	}
	out.EndpointAddress = data[0]
	out.Attributes = data[1]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[2:4])
	out.Interval = data[4]
	return nil
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// Direction returns the endpoint direction.
func (e *EndpointDescriptor) Direction() uint8 {
	return e.EndpointAddress & 0x80
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.Direction() == EndpointDirectionIn
}

// IsOut returns true if this is an OUT endpoint.
func (e *EndpointDescriptor) IsOut() bool {
	return e.Direction() == EndpointDirectionOut
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsControl returns true if this is a control endpoint.
func (e *EndpointDescriptor) IsControl() bool {
	return e.TransferType() == EndpointTypeControl
}

// IsBulk returns true if this is a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool {
	return e.TransferType() == EndpointTypeBulk
}

// IsInterrupt returns true if this is an interrupt endpoint.
func (e *EndpointDescriptor) IsInterrupt() bool {
	return e.TransferType() == EndpointTypeInterrupt
}

// IsIsochronous returns true if this is an isochronous endpoint.
func (e *EndpointDescriptor) IsIsochronous() bool {
	return e.TransferType() == EndpointTypeIsochronous
}

// String returns a short endpoint summary, e.g. "EP1 IN Interrupt".
func (e *EndpointDescriptor) String() string {
	dir := "OUT"
	if e.IsIn() {
		dir = "IN"
	}
	kind := "Control"
	switch e.TransferType() {
	case EndpointTypeIsochronous:
		kind = "Isochronous"
	case EndpointTypeBulk:
		kind = "Bulk"
	case EndpointTypeInterrupt:
		kind = "Interrupt"
	}
	return fmt.Sprintf("EP%d %s %s", e.Number(), dir, kind)
}
