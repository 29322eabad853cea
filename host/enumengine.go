package host

import (
	"github.com/ardnew/usbhub/host/hal"
	"github.com/ardnew/usbhub/hub"
)

// toHALSpeed maps the hub package's port-level speed classification onto
// the HAL's wire-level speed enum.
func toHALSpeed(s hub.Speed) hal.Speed {
	switch s {
	case hub.SpeedLow:
		return hal.SpeedLow
	case hub.SpeedHigh:
		return hal.SpeedHigh
	default:
		return hal.SpeedFull
	}
}

// fromHALSpeed is toHALSpeed's inverse, used when reporting a previously
// enumerated device's speed back to the hub core.
func fromHALSpeed(s hal.Speed) hub.Speed {
	switch s {
	case hal.SpeedLow:
		return hub.SpeedLow
	case hal.SpeedHigh:
		return hub.SpeedHigh
	default:
		return hub.SpeedFull
	}
}

// HubEnumerationAdapter implements hub.EnumerationEngine on top of a Host,
// handing a freshly reset downstream port off to the ordinary enumeration
// sequence (completeEnumeration) instead of the root-port path. It is the
// concrete collaborator hub.Registry uses once a port's reset has been
// confirmed by GET_STATUS(port).
type HubEnumerationAdapter struct {
	host *Host
}

// NewHubEnumerationAdapter returns an EnumerationEngine backed by host.
func NewHubEnumerationAdapter(host *Host) *HubEnumerationAdapter {
	return &HubEnumerationAdapter{host: host}
}

// AttachDevice enumerates the device now sitting at address 0 behind a
// hub port. hostHandle identifies the registry the calling hub instance
// belongs to; this adapter serves exactly one Host, so it is accepted but
// not consulted.
func (a *HubEnumerationAdapter) AttachDevice(_ hub.HostHandle, speed hub.Speed, parentAddress uint8, port int, tier int) (hub.DeviceHandle, error) {
	dev, err := a.host.enumerateAtAddressZero(port, toHALSpeed(speed), parentAddress, tier)
	if err != nil {
		return nil, err
	}

	a.host.mutex.Lock()
	if a.host.deviceCount < MaxDevices {
		a.host.devices[dev.address-1] = dev
		a.host.deviceCount++
	}
	a.host.mutex.Unlock()

	return dev, nil
}

// DetachDeviceInternal tears down a device previously returned by
// AttachDevice.
func (a *HubEnumerationAdapter) DetachDeviceInternal(_ hub.HostHandle, handle hub.DeviceHandle) error {
	dev, ok := handle.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}

	a.host.mutex.Lock()
	if dev.address > 0 && int(dev.address) <= MaxDevices {
		a.host.devices[dev.address-1] = nil
		a.host.deviceCount--
	}
	a.host.mutex.Unlock()

	return dev.Close()
}

// PeripheralInfo reports address, tier, or speed for a device previously
// returned by AttachDevice.
func (a *HubEnumerationAdapter) PeripheralInfo(handle hub.DeviceHandle, kind hub.InfoKind) (uint32, error) {
	dev, ok := handle.(*Device)
	if !ok {
		return 0, hub.ErrInvalidHandle
	}

	switch kind {
	case hub.InfoAddress:
		return uint32(dev.Address()), nil
	case hub.InfoLevel:
		return uint32(dev.Tier()), nil
	case hub.InfoSpeed:
		return uint32(fromHALSpeed(dev.Speed())), nil
	default:
		return 0, nil
	}
}
