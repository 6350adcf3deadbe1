//go:build linux

package linux

// SysfsUSBPath is the directory where the kernel exposes USB devices.
// Each device entry carries the attributes the bus reads: busnum, devnum,
// speed, and the binary descriptors blob.
const SysfsUSBPath = "/sys/bus/usb/devices"

// Sysfs attribute names read per device entry.
const (
	attrBusNum      = "busnum"
	attrDevNum      = "devnum"
	attrSpeed       = "speed"
	attrDescriptors = "descriptors"
)

// NetlinkKObjectUEvent is the netlink protocol carrying kernel uevents.
const NetlinkKObjectUEvent = 15 // NETLINK_KOBJECT_UEVENT

// NetlinkGroupKernel is the multicast group where the kernel broadcasts
// uevents. Group 2 carries udev's processed events, which duplicate the
// kernel's and add attributes the bus does not need.
const NetlinkGroupKernel = 1

// UEventBufferSize is large enough for any single uevent datagram.
const UEventBufferSize = 4096

// eventQueueSize bounds the number of undelivered bus events.
const eventQueueSize = 64
