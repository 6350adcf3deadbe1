package pkg

import "errors"

// USB host errors.
var (
	// ErrTransferPending indicates a control transfer is already outstanding
	// on the bus.
	ErrTransferPending = errors.New("control transfer pending")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrDescriptorLengthInvalid indicates a descriptor length field that does
	// not fit the data it describes.
	ErrDescriptorLengthInvalid = errors.New("descriptor length invalid")

	// ErrConfigIndexOutOfRange indicates a configuration index beyond the
	// device's configuration count.
	ErrConfigIndexOutOfRange = errors.New("configuration index out of range")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrBlobTooShort indicates a descriptor capture smaller than the
	// structures it declares.
	ErrBlobTooShort = errors.New("descriptor blob too short")

	// ErrDiscoveryActive indicates discovery is already in progress for the device.
	ErrDiscoveryActive = errors.New("discovery already active")

	// ErrAlreadyRunning indicates the host is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the host is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// TransferStatus represents the completion status of a USB control transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	default:
		return ErrProtocol
	}
}
