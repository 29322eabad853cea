//go:build !linux

package main

import (
	"fmt"

	"github.com/ardnew/usbhub/host/hal"
)

// newPlatformHAL reports an error: the usbfs-backed HAL only builds on
// Linux.
func newPlatformHAL(name string) (hal.HostHAL, error) {
	return nil, fmt.Errorf("usbhubd: hal %q is only available on linux", name)
}
