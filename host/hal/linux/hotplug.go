//go:build linux

package linux

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ueventAction is a kernel uevent action.
type ueventAction uint8

const (
	ueventUnknown ueventAction = iota
	ueventAdd
	ueventRemove
	ueventChange
	ueventBind
	ueventUnbind
)

// uevent is one parsed kernel uevent.
type uevent struct {
	action    ueventAction
	devpath   string // DEVPATH value
	subsystem string // SUBSYSTEM value
	devtype   string // DEVTYPE value
	busnum    string // BUSNUM value
	devnum    string // DEVNUM value
}

// isUSBDevice reports whether the event concerns a whole USB device,
// as opposed to one of its interfaces or another subsystem entirely.
func (e *uevent) isUSBDevice() bool {
	return e.subsystem == "usb" && e.devtype == "usb_device"
}

// hotplugMonitor receives device add and remove uevents from the kernel.
//
// The netlink socket is opened non-blocking and wrapped in an os.File so
// reads park the calling goroutine in the runtime poller and close
// interrupts them.
type hotplugMonitor struct {
	file *os.File
	buf  [UEventBufferSize]byte
}

// newHotplugMonitor subscribes to the kernel uevent broadcast group.
func newHotplugMonitor() (*hotplugMonitor, error) {
	fd, err := syscall.Socket(
		syscall.AF_NETLINK,
		syscall.SOCK_DGRAM|syscall.SOCK_CLOEXEC|syscall.SOCK_NONBLOCK,
		NetlinkKObjectUEvent,
	)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}

	addr := &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: NetlinkGroupKernel,
	}
	if err := syscall.Bind(fd, addr); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}

	return &hotplugMonitor{file: os.NewFile(uintptr(fd), "uevent")}, nil
}

// next blocks until one uevent datagram arrives or the monitor is closed.
func (m *hotplugMonitor) next() (uevent, error) {
	n, err := m.file.Read(m.buf[:])
	if err != nil {
		return uevent{}, err
	}
	return parseUEvent(m.buf[:n]), nil
}

// close shuts down the monitor, interrupting a blocked next.
func (m *hotplugMonitor) close() error {
	return m.file.Close()
}

// parseUEvent parses a kernel uevent datagram: a header line of the form
// action@devpath followed by null-terminated KEY=value pairs.
func parseUEvent(data []byte) uevent {
	var evt uevent

	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		s := string(line)

		idx := strings.IndexByte(s, '=')
		if idx < 0 {
			if action, devpath, ok := parseUEventHeader(s); ok {
				evt.action = action
				evt.devpath = devpath
			}
			continue
		}

		value := s[idx+1:]
		switch s[:idx] {
		case "ACTION":
			evt.action = parseUEventAction(value)
		case "DEVPATH":
			evt.devpath = value
		case "SUBSYSTEM":
			evt.subsystem = value
		case "DEVTYPE":
			evt.devtype = value
		case "BUSNUM":
			evt.busnum = value
		case "DEVNUM":
			evt.devnum = value
		}
	}
	return evt
}

// parseUEventHeader splits the action@devpath header line.
func parseUEventHeader(s string) (ueventAction, string, bool) {
	idx := strings.IndexByte(s, '@')
	if idx < 0 {
		return ueventUnknown, "", false
	}
	action := parseUEventAction(s[:idx])
	if action == ueventUnknown {
		return ueventUnknown, "", false
	}
	return action, s[idx+1:], true
}

// parseUEventAction maps an action name to its ueventAction.
func parseUEventAction(s string) ueventAction {
	switch s {
	case "add":
		return ueventAdd
	case "remove":
		return ueventRemove
	case "change":
		return ueventChange
	case "bind":
		return ueventBind
	case "unbind":
		return ueventUnbind
	default:
		return ueventUnknown
	}
}
