//go:build linux

package main

import (
	"fmt"

	"github.com/ardnew/usbhub/host/hal"
	"github.com/ardnew/usbhub/host/hal/linux"
)

// newPlatformHAL constructs the Linux usbfs-backed HAL.
func newPlatformHAL(name string) (hal.HostHAL, error) {
	if name != "linux" {
		return nil, fmt.Errorf("usbhubd: unknown hal %q", name)
	}
	return linux.NewHostHAL(), nil
}
