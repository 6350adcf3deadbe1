package host

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Host drives device discovery over a single USB host bus.
//
// The host owns the bus's single control transfer slot, tracks one discovery
// session per device address, and dispatches descriptor frames to registered
// drivers. Events are consumed either through [Host.Run] or by feeding
// [Host.HandleEvent] from a single goroutine.
type Host struct {
	bus hal.HostBus

	// Registered descriptor drivers, notified in registration order.
	drivers []Driver

	// Active discovery sessions by device address. Terminal sessions are
	// removed as soon as they are reached.
	sessions map[hal.DeviceAddress]DiscoveryState

	// Addresses waiting for the bus to become available.
	queue []hal.DeviceAddress

	// True while a control transfer is outstanding on the bus.
	pending bool

	// State
	running      bool
	autoDiscover bool
	mutex        sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Callbacks
	onDeviceAttached    func(hal.DeviceAddress, hal.Speed)
	onDeviceDetached    func(hal.DeviceAddress)
	onDiscoveryComplete func(hal.DeviceAddress, DiscoveryState)
}

// New creates a new USB host on the given bus.
//
// Devices announced by the bus are discovered automatically; use
// [Host.SetAutoDiscover] to take manual control.
func New(bus hal.HostBus) *Host {
	return &Host{
		bus:          bus,
		sessions:     make(map[hal.DeviceAddress]DiscoveryState),
		autoDiscover: true,
	}
}

// RegisterDriver adds a descriptor driver. Drivers are notified in
// registration order. Registration is not safe once the host is running.
func (h *Host) RegisterDriver(d Driver) {
	h.drivers = append(h.drivers, d)
}

// Drivers returns the registered drivers in registration order.
// The returned slice references internal storage; do not modify.
func (h *Host) Drivers() []Driver {
	return h.drivers
}

// SetAutoDiscover controls whether attached devices are discovered as they
// are announced. When disabled, the caller starts discovery explicitly with
// [Host.DiscoverDevice].
func (h *Host) SetAutoDiscover(enable bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.autoDiscover = enable
}

// SetOnDeviceAttached sets the callback invoked when the bus announces a
// device. Callbacks run on the event-handling goroutine.
func (h *Host) SetOnDeviceAttached(cb func(hal.DeviceAddress, hal.Speed)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceAttached = cb
}

// SetOnDeviceDetached sets the callback invoked when the bus reports a
// device detached. Callbacks run on the event-handling goroutine.
func (h *Host) SetOnDeviceDetached(cb func(hal.DeviceAddress)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDetached = cb
}

// SetOnDiscoveryComplete sets the callback invoked when a discovery session
// ends. The reported state is terminal when the session ran to completion
// (PhaseDone) or hit malformed data (PhaseParseError); a non-terminal state
// reports a session aborted by a failed control transfer. Callbacks run on
// the event-handling goroutine.
func (h *Host) SetOnDiscoveryComplete(cb func(hal.DeviceAddress, DiscoveryState)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDiscoveryComplete = cb
}

// Start initializes and starts the bus.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.bus.Init(h.ctx); err != nil {
		return err
	}
	if err := h.bus.Start(); err != nil {
		return err
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started")
	return nil
}

// Stop stops the bus and discards all discovery sessions.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.pending = false
	h.sessions = make(map[hal.DeviceAddress]DiscoveryState)
	h.queue = nil
	if h.cancel != nil {
		h.cancel()
	}
	h.mutex.Unlock()

	if err := h.bus.Stop(); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// transferDone releases the control slot after a completion event.
func (h *Host) transferDone() {
	h.mutex.Lock()
	h.pending = false
	h.mutex.Unlock()
}

// submitLocked builds and submits a GET_DESCRIPTOR transfer.
// The caller must hold h.mutex.
func (h *Host) submitLocked(addr hal.DeviceAddress, recipient uint8, descType, descIndex uint8, index uint16, length uint16) error {
	if h.pending {
		return pkg.ErrTransferPending
	}
	var setup hal.SetupPacket
	hal.GetDescriptorSetup(&setup, recipient, descType, descIndex, index, length)
	if err := h.bus.SubmitControlIn(addr, &setup); err != nil {
		return err
	}
	h.pending = true
	return nil
}

// GetDescriptor issues a GET_DESCRIPTOR control transfer to the device at
// addr. index is the request's wIndex: zero for device-recipient requests,
// the interface number for interface-recipient requests.
//
// The bus carries one control transfer at a time; GetDescriptor returns
// pkg.ErrTransferPending while one is outstanding. Completion arrives as a
// bus event.
func (h *Host) GetDescriptor(addr hal.DeviceAddress, recipient uint8, descType, descIndex uint8, index uint16, length uint16) error {
	h.mutex.Lock()
	err := h.submitLocked(addr, recipient, descType, descIndex, index, length)
	h.mutex.Unlock()
	if err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentHost, "descriptor requested",
		"addr", addr,
		"type", descType,
		"index", descIndex,
		"length", length)
	return nil
}

// ReceivedData returns a view of the data captured by the most recent
// completed control IN transfer, truncated to n bytes when more were
// captured. The view is only valid until the next transfer is submitted.
func (h *Host) ReceivedData(n int) []byte {
	return h.bus.ReceivedData(n)
}

// DiscoverDevice starts descriptor discovery for the device at addr.
//
// Discovery begins immediately when the bus is idle; otherwise the address
// is queued and discovery begins when the bus frees up. Returns
// pkg.ErrNotRunning before [Host.Start], or pkg.ErrDiscoveryActive if the
// device is already being (or waiting to be) discovered.
func (h *Host) DiscoverDevice(addr hal.DeviceAddress) error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return pkg.ErrNotRunning
	}
	if _, active := h.sessions[addr]; active {
		h.mutex.Unlock()
		return pkg.ErrDiscoveryActive
	}
	for _, queued := range h.queue {
		if queued == addr {
			h.mutex.Unlock()
			return pkg.ErrDiscoveryActive
		}
	}
	h.queue = append(h.queue, addr)
	h.mutex.Unlock()

	h.kickDiscovery()
	return nil
}

// Discovery returns the state of the active discovery session for addr.
// Ended sessions are reported through the completion callback and are not
// retained.
func (h *Host) Discovery(addr hal.DeviceAddress) (DiscoveryState, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	state, ok := h.sessions[addr]
	return state, ok
}

// kickDiscovery starts the next queued session if the bus is idle and no
// session is mid-flight. Sessions run one at a time: the bus has a single
// transfer slot, and every non-terminal state keeps a transfer in flight.
func (h *Host) kickDiscovery() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.running || h.pending || len(h.sessions) > 0 || len(h.queue) == 0 {
		return
	}
	addr := h.queue[0]
	h.queue = h.queue[1:]

	if err := h.submitLocked(addr, hal.RequestRecipientDevice,
		DescriptorTypeDevice, 0, 0, DeviceDescriptorSize); err != nil {
		pkg.LogError(pkg.ComponentHost, "discovery start rejected by bus",
			"addr", addr,
			"error", err)
		return
	}
	h.sessions[addr] = DiscoveryState{Phase: PhaseDeviceDesc}
	pkg.LogDebug(pkg.ComponentDiscovery, "discovery started", "addr", addr)
}

// HandleEvent feeds one bus event through the host: it clears transfer
// bookkeeping, advances the discovery session owning the event's address,
// and invokes callbacks for attach, detach, and ended discoveries.
//
// Events must be delivered from a single goroutine; [Host.Run] does this.
func (h *Host) HandleEvent(ev hal.Event) {
	switch ev.Kind {
	case hal.EventControlInData, hal.EventControlOutComplete, hal.EventControlError:
		h.mutex.Lock()
		h.pending = false
		h.mutex.Unlock()
	}

	switch ev.Kind {
	case hal.EventAttached:
		h.handleAttached(ev)
		return
	case hal.EventDetached:
		h.handleDetached(ev)
		return
	}

	h.mutex.RLock()
	state, active := h.sessions[ev.Addr]
	drivers := h.drivers
	h.mutex.RUnlock()
	if !active {
		// A completion for a session already torn down (the device detached
		// mid-transfer) still frees the bus for queued devices.
		pkg.LogDebug(pkg.ComponentHost, "event without discovery session",
			"addr", ev.Addr,
			"kind", ev.Kind.String())
		h.kickDiscovery()
		return
	}

	if ev.Kind == hal.EventControlError {
		// No transfer retries: the session cannot make further progress,
		// so end it and free the bus for queued devices.
		pkg.LogWarn(pkg.ComponentHost, "discovery aborted by failed transfer",
			"addr", ev.Addr,
			"state", state.String(),
			"status", ev.Status.String())
		h.endSession(ev.Addr, state)
		return
	}

	next := ProcessDiscovery(ev, ev.Addr, state, drivers, h)
	if !next.Terminal() {
		h.mutex.Lock()
		h.sessions[ev.Addr] = next
		h.mutex.Unlock()
		return
	}

	if next.Phase == PhaseDone {
		pkg.LogInfo(pkg.ComponentHost, "discovery complete",
			"addr", ev.Addr,
			"configurations", next.Count)
	} else {
		pkg.LogWarn(pkg.ComponentHost, "discovery failed",
			"addr", ev.Addr,
			"state", next.String())
	}
	h.endSession(ev.Addr, next)
}

// handleAttached announces a device and queues it for discovery.
func (h *Host) handleAttached(ev hal.Event) {
	pkg.LogInfo(pkg.ComponentHost, "device attached",
		"addr", ev.Addr,
		"speed", ev.Speed.String())

	h.mutex.RLock()
	cb := h.onDeviceAttached
	auto := h.autoDiscover
	h.mutex.RUnlock()

	if cb != nil {
		cb(ev.Addr, ev.Speed)
	}
	if auto {
		if err := h.DiscoverDevice(ev.Addr); err != nil && !errors.Is(err, pkg.ErrDiscoveryActive) {
			pkg.LogWarn(pkg.ComponentHost, "auto discovery failed",
				"addr", ev.Addr,
				"error", err)
		}
	}
}

// handleDetached announces a device removal and discards any discovery
// still underway (or queued) for its address.
func (h *Host) handleDetached(ev hal.Event) {
	pkg.LogInfo(pkg.ComponentHost, "device detached", "addr", ev.Addr)

	h.mutex.Lock()
	state, active := h.sessions[ev.Addr]
	for i, queued := range h.queue {
		if queued == ev.Addr {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			break
		}
	}
	cb := h.onDeviceDetached
	h.mutex.Unlock()

	if cb != nil {
		cb(ev.Addr)
	}
	if active {
		pkg.LogWarn(pkg.ComponentHost, "discovery aborted by detach",
			"addr", ev.Addr,
			"state", state.String())
		h.endSession(ev.Addr, state)
	}
}

// endSession removes the session for addr, reports its final state, and
// starts the next queued discovery.
func (h *Host) endSession(addr hal.DeviceAddress, state DiscoveryState) {
	h.mutex.Lock()
	delete(h.sessions, addr)
	cb := h.onDiscoveryComplete
	h.mutex.Unlock()

	if cb != nil {
		cb(addr, state)
	}
	h.kickDiscovery()
}

// Run pumps bus events through the host until ctx is cancelled or the bus
// fails. A cancelled context is a clean shutdown and returns nil.
func (h *Host) Run(ctx context.Context) error {
	for {
		ev, err := h.bus.NextEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		h.HandleEvent(ev)
	}
}
