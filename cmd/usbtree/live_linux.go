//go:build linux

package main

import (
	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/host/hal/linux"
)

// openSystemBus opens the machine's USB devices through sysfs.
func openSystemBus() (hal.HostBus, error) {
	return linux.New(), nil
}
