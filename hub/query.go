package hub

// This file implements the query operations exposed to the rest of
// the host stack beyond DeviceEvent: RemovePort, HsHubNumber,
// HsHubPort, TotalThinkTime.

// RemovePort forcibly clears a port's device_handle without going
// through the interrupt-driven detach sub-machine, for use when the
// enumeration engine itself fails partway through enumerating a
// freshly reset device.
//
// The function this is grounded on returns an error unconditionally on
// its success path; every caller in the source this was ported from
// already ignores the return value here, treating it as a fire-and-
// forget cleanup step rather than a reportable failure. That quirk is
// preserved rather than silently corrected — see DESIGN.md.
func (r *Registry) RemovePort(hubAddress uint8, port int) error {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	inst := r.findByAddress(hubAddress)
	if inst == nil {
		return ErrInvalidHandle
	}
	p := inst.Port(port)
	if p == nil {
		return ErrInvalidHandle
	}

	p.device = nil
	p.phase = PortWaitPortChange
	p.resetCount = ResetTimes
	if inst.portProcess == port {
		inst.portProcess = 0
		inst.prime = PrimeNone
		inst.release()
	}

	return ErrTransferCompletedWithError
}

// TotalThinkTime returns the cached think-time total for hubAddress,
// already accumulated with every ancestor hub's contribution at the
// time its descriptor was parsed.
func (r *Registry) TotalThinkTime(hubAddress uint8) (uint16, error) {
	inst := r.findByAddress(hubAddress)
	if inst == nil {
		return 0, ErrInvalidHandle
	}
	return inst.totalThinkTime, nil
}

// isHighSpeedHub reports whether inst's own upstream connection runs
// at high speed, by delegating to the enumeration engine, which is
// the only component that tracks a device's negotiated speed.
func (r *Registry) isHighSpeedHub(inst *Instance) (bool, error) {
	if r.enumerator == nil {
		return false, ErrInvalidHandle
	}
	v, err := r.enumerator.PeripheralInfo(inst.device, InfoSpeed)
	if err != nil {
		return false, err
	}
	return Speed(v) == SpeedHigh, nil
}

// HsHubNumber returns the USB device address of the nearest
// high-speed hub ancestor of hubAddress (walking up through parent
// hubs tracked by this registry), or 0 if none is found before
// reaching the root port.
func (r *Registry) HsHubNumber(hubAddress uint8) (uint8, error) {
	cur := r.findByAddress(hubAddress)
	if cur == nil {
		return 0, ErrInvalidHandle
	}
	for {
		isHS, err := r.isHighSpeedHub(cur)
		if err != nil {
			return 0, err
		}
		if isHS {
			return cur.address, nil
		}
		if cur.parentAddress == 0 {
			return 0, nil
		}
		next := r.findByAddress(cur.parentAddress)
		if next == nil {
			return 0, nil
		}
		cur = next
	}
}

// HsHubPort returns the downstream port number on the nearest
// high-speed hub ancestor that a split transaction to a device
// attached at (parentHubAddress, parentPort) should address.
//
// The function this is grounded on has a fallback branch, for a
// non-high-speed parent, that reads the parent's own HS-hub-number
// value where a port number was evidently intended — a likely
// copy-paste slip. This implementation instead walks to the actual
// high-speed ancestor and returns the port on that hub, a deliberate
// correction rather than a reproduced defect; see DESIGN.md.
func (r *Registry) HsHubPort(parentHubAddress uint8, parentPort int) (int, error) {
	if parentHubAddress == 0 {
		return parentPort, nil
	}

	parent := r.findByAddress(parentHubAddress)
	if parent == nil {
		return 0, ErrInvalidHandle
	}

	isHS, err := r.isHighSpeedHub(parent)
	if err != nil {
		return 0, err
	}
	if isHS {
		return parentPort, nil
	}
	if parent.parentAddress == 0 {
		return parentPort, nil
	}
	return r.HsHubPort(parent.parentAddress, parent.parentPort)
}
