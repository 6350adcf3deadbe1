package hal

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbenum/pkg"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s and above)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// Standard USB request codes (USB 2.0 Spec Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Request type masks (USB 2.0 Spec Table 9-2).
const (
	RequestTypeDirectionMask = 0x80 // Direction bit mask
	RequestTypeTypeMask      = 0x60 // Type bits mask
	RequestTypeRecipientMask = 0x1F // Recipient bits mask
)

// Request type direction values.
const (
	RequestDirectionHostToDevice = 0x00 // Host to device
	RequestDirectionDeviceToHost = 0x80 // Device to host
)

// Request type values.
const (
	RequestTypeStandard = 0x00 // Standard request
	RequestTypeClass    = 0x20 // Class-specific request
	RequestTypeVendor   = 0x40 // Vendor-specific request
)

// Request recipient values.
const (
	RequestRecipientDevice    = 0x00 // Device recipient
	RequestRecipientInterface = 0x01 // Interface recipient
	RequestRecipientEndpoint  = 0x02 // Endpoint recipient
	RequestRecipientOther     = 0x03 // Other recipient
)

// SetupPacket represents an 8-byte USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType: direction, type, recipient
	Request     uint8  // bRequest: specific request code
	Value       uint16 // wValue: request-specific parameter
	Index       uint16 // wIndex: request-specific index
	Length      uint16 // wLength: number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses a setup packet from 8 bytes into out.
// Returns an error if the data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo serializes the setup packet to buf.
// Returns the number of bytes written (always 8 if buf is large enough).
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Direction returns the transfer direction.
func (s *SetupPacket) Direction() uint8 {
	return s.RequestType & RequestTypeDirectionMask
}

// IsDeviceToHost returns true if this is a device-to-host transfer.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.Direction() == RequestDirectionDeviceToHost
}

// IsHostToDevice returns true if this is a host-to-device transfer.
func (s *SetupPacket) IsHostToDevice() bool {
	return s.Direction() == RequestDirectionHostToDevice
}

// Type returns the request type (Standard, Class, or Vendor).
func (s *SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeTypeMask
}

// IsStandard returns true if this is a standard request.
func (s *SetupPacket) IsStandard() bool {
	return s.Type() == RequestTypeStandard
}

// Recipient returns the request recipient.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestTypeRecipientMask
}

// IsDeviceRecipient returns true if the recipient is the device.
func (s *SetupPacket) IsDeviceRecipient() bool {
	return s.Recipient() == RequestRecipientDevice
}

// IsInterfaceRecipient returns true if the recipient is an interface.
func (s *SetupPacket) IsInterfaceRecipient() bool {
	return s.Recipient() == RequestRecipientInterface
}

// IsGetDescriptor returns true if this is a standard GET_DESCRIPTOR request.
func (s *SetupPacket) IsGetDescriptor() bool {
	return s.IsDeviceToHost() && s.IsStandard() && s.Request == RequestGetDescriptor
}

// DescriptorType returns the descriptor type from wValue high byte.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index from wValue low byte.
func (s *SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value & 0xFF)
}

// String returns a human-readable representation of the setup packet.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	reqType := "Standard"
	switch s.Type() {
	case RequestTypeClass:
		reqType = "Class"
	case RequestTypeVendor:
		reqType = "Vendor"
	}
	recip := "Device"
	switch s.Recipient() {
	case RequestRecipientInterface:
		recip = "Interface"
	case RequestRecipientEndpoint:
		recip = "Endpoint"
	case RequestRecipientOther:
		recip = "Other"
	}
	return fmt.Sprintf("SETUP[%s %s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		dir, reqType, recip, s.Request, s.Value, s.Index, s.Length)
}

// GetDescriptorSetup initializes out as a GET_DESCRIPTOR setup packet.
// The recipient selects the wIndex interpretation: zero for device-recipient
// requests, the interface number for interface-recipient requests.
func GetDescriptorSetup(out *SetupPacket, recipient uint8, descType, descIndex uint8, index uint16, length uint16) {
	out.RequestType = RequestDirectionDeviceToHost | RequestTypeStandard | recipient
	out.Request = RequestGetDescriptor
	out.Value = uint16(descType)<<8 | uint16(descIndex)
	out.Index = index
	out.Length = length
}

// EventKind identifies the kind of a bus event.
type EventKind uint8

// Bus event kinds.
const (
	EventNone               EventKind = iota // No event
	EventAttached                            // Device attached
	EventDetached                            // Device detached
	EventControlInData                       // Control IN data phase complete, data available
	EventControlOutComplete                  // Control OUT transfer complete
	EventControlError                        // Control transfer failed
)

// String returns a human-readable event kind name.
func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "None"
	case EventAttached:
		return "Attached"
	case EventDetached:
		return "Detached"
	case EventControlInData:
		return "ControlInData"
	case EventControlOutComplete:
		return "ControlOutComplete"
	case EventControlError:
		return "ControlError"
	default:
		return "Unknown"
	}
}

// Event describes a single bus event delivered by a [HostBus].
//
// Only the fields meaningful for the event kind are set: Speed for
// [EventAttached], Length for [EventControlInData], and Status for
// [EventControlError].
type Event struct {
	Kind   EventKind          // What happened
	Addr   DeviceAddress      // Device the event concerns
	Speed  Speed              // Connection speed (EventAttached)
	Length int                // Bytes readable via ReceivedData (EventControlInData)
	Status pkg.TransferStatus // Failure reason (EventControlError)
}

// HostBus defines the Hardware Abstraction Layer interface for USB host buses.
//
// The bus provides the low-level operations needed by the host engine to
// communicate with devices. Platform vendors implement this interface to
// drive discovery from their specific controller hardware; the in-tree
// implementations serve simulation and capture replay.
//
// A bus carries at most one control transfer at a time. Completion of a
// transfer is reported through [HostBus.NextEvent], never through the
// submitting call.
type HostBus interface {
	// Init initializes the bus. The context can be used to cancel
	// initialization.
	Init(ctx context.Context) error

	// Start enables event delivery. After Start returns, devices already
	// present are announced via EventAttached.
	Start() error

	// Stop halts event delivery and cancels any outstanding transfer.
	Stop() error

	// Close releases all resources associated with the bus.
	// After Close returns, the bus should not be used.
	Close() error

	// SubmitControlIn starts a control IN transfer described by setup to
	// the device at addr. At most one control transfer may be outstanding
	// on the bus; SubmitControlIn fails with an error wrapping
	// pkg.ErrTransferPending while one is. Completion is reported via
	// EventControlInData or EventControlError.
	SubmitControlIn(addr DeviceAddress, setup *SetupPacket) error

	// ReceivedData returns a view of the data captured by the most recent
	// completed control IN transfer, truncated to n bytes when more were
	// captured. The returned slice is only valid until the next
	// SubmitControlIn on this bus.
	ReceivedData(n int) []byte

	// NextEvent blocks until a bus event is available or ctx is done.
	NextEvent(ctx context.Context) (Event, error)
}
