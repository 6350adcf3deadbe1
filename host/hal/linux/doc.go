// Package linux provides a hal.HostBus backed by the Linux kernel's own
// view of the USB tree.
//
// The kernel enumerates every USB device when it connects and caches the
// complete result in the binary descriptors attribute under
// /sys/bus/usb/devices. This bus serves GET_DESCRIPTOR transfers from
// those cached blobs, so a host walking it reconstructs exactly what the
// hardware reported without opening device nodes or submitting URBs.
// Device add and remove events arrive over a netlink uevent socket.
//
// # Requirements
//
// Sysfs device attributes are world-readable, and any user may subscribe
// to kernel uevents, so no special privileges or udev rules are needed.
//
// # Limitations
//
// Only descriptor discovery is supported. String descriptors are not part
// of the sysfs blob and stall, as do all non-GET_DESCRIPTOR requests.
// Devices the kernel could not enumerate have no descriptors attribute
// and are not announced.
package linux
