package host

// Descriptor types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfacePower       = 0x08
	DescriptorTypeOTG                  = 0x09
	DescriptorTypeDebug                = 0x0A
	DescriptorTypeInterfaceAssociation = 0x0B
)

// Standard descriptor sizes, including the two-byte header.
const (
	// DeviceDescriptorSize is the size of a device descriptor.
	DeviceDescriptorSize = 18

	// ConfigurationDescriptorSize is the size of a configuration descriptor
	// header, excluding the interface and endpoint descriptors that follow.
	ConfigurationDescriptorSize = 9

	// InterfaceDescriptorSize is the size of an interface descriptor.
	InterfaceDescriptorSize = 9

	// EndpointDescriptorSize is the size of an endpoint descriptor.
	EndpointDescriptorSize = 7
)

// DescriptorHeaderSize is the size of the bLength/bDescriptorType header
// common to all descriptors.
const DescriptorHeaderSize = 2

// Endpoint transfer types.
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Device and interface class codes (USB-IF assigned).
const (
	ClassPerInterface  = 0x00 // Class specified per interface
	ClassAudio         = 0x01
	ClassCDC           = 0x02
	ClassHID           = 0x03
	ClassPhysical      = 0x05
	ClassImage         = 0x06
	ClassPrinter       = 0x07
	ClassMassStorage   = 0x08
	ClassHub           = 0x09
	ClassCDCData       = 0x0A
	ClassSmartCard     = 0x0B
	ClassVideo         = 0x0E
	ClassBillboard     = 0x11
	ClassDiagnostic    = 0xDC
	ClassWireless      = 0xE0
	ClassMiscellaneous = 0xEF
	ClassApplication   = 0xFE
	ClassVendor        = 0xFF
)
