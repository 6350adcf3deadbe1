//go:build !linux

package main

import (
	"errors"

	"github.com/ardnew/usbenum/host/hal"
)

// openSystemBus reports that live discovery is unavailable: it reads the
// descriptor blobs the Linux kernel exposes through sysfs.
func openSystemBus() (hal.HostBus, error) {
	return nil, errors.New("live discovery requires linux")
}
