// Package hal defines the Hardware Abstraction Layer interface for USB host buses.
//
// The HAL provides a platform-agnostic interface between the discovery engine
// and an underlying USB controller. Platform vendors implement this interface
// to drive the usbenum host engine from their specific hardware; the in-tree
// [github.com/ardnew/usbenum/host/hal/sim] and
// [github.com/ardnew/usbenum/host/hal/replay] packages implement it without
// hardware at all.
//
// # Design Principles
//
// The HAL is designed to be:
//   - Minimal: Only expose operations essential for control-plane discovery
//   - Generic: No platform-specific assumptions or details
//   - Event-driven: Transfer completion arrives as events, never as
//     return values of the submitting call
//
// The host engine implements all USB protocol logic, leaving the HAL to
// handle only transfer submission and event delivery.
//
// # Transfer Model
//
// A bus carries at most one control transfer at a time. The engine submits a
// transfer with [HostBus.SubmitControlIn], then waits for an [Event] from
// [HostBus.NextEvent]. When the event is [EventControlInData], the data phase
// bytes are available through [HostBus.ReceivedData] until the next
// submission. Submitting while a transfer is outstanding fails with
// [github.com/ardnew/usbenum/pkg.ErrTransferPending].
//
// # Implementing a Bus
//
// To implement a bus for a new platform:
//  1. Create a type that implements all [HostBus] methods
//  2. Handle hardware-specific initialization in Init()
//  3. Translate controller completions into [Event] values
//  4. Enforce the single-outstanding-transfer rule in SubmitControlIn
//
// # Zero-Allocation Design
//
// Bus implementations should follow zero-allocation patterns where feasible:
//   - Reuse the receive buffer across transfers
//   - Return sub-slices from ReceivedData rather than copies
//   - Use fixed-size internal buffers where dynamic allocation would occur
package hal
