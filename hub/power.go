package hub

import "github.com/ardnew/usbhub/pkg"

// suspendWalk drives the forward walk over remote-wakeup-capable hubs
// during Suspend.
type suspendWalk struct {
	registry         *Registry
	hubs             []*Instance
	idx              int
	parentHubAddress uint8
	parentPort       int
	done             func(error)
}

// Suspend implements the optional power-management sub-layer's
// suspend sequence. parentHubAddress identifies the parent hub of the
// device being suspended (0 meaning the device is directly attached to
// the root port); parentPort is that hub's port number. done, if
// non-nil, is invoked with the final result once the sequence
// completes or fails after exhausting retries.
//
// Suspend adapts the consumed "suspend(host) → Result" contract:
// identifying which device is being suspended is external-contract
// bookkeeping this package does not otherwise track, so the target is
// passed explicitly rather than inferred from host-wide state.
func (r *Registry) Suspend(parentHubAddress uint8, parentPort int, done func(error)) error {
	if !r.powerManagement {
		return ErrNoPowerManagement
	}

	r.execMu.Lock()
	defer r.execMu.Unlock()

	hubs := r.instances()
	if len(hubs) == 0 {
		err := r.controller.ControllerIoctl(BusSuspend)
		if done != nil {
			done(err)
		}
		return err
	}

	w := &suspendWalk{
		registry:         r,
		hubs:             hubs,
		parentHubAddress: parentHubAddress,
		parentPort:       parentPort,
		done:             done,
	}
	w.next()
	return nil
}

// next advances to the next remote-wakeup-capable hub in the chain,
// or finishes the walk.
func (w *suspendWalk) next() {
	for w.idx < len(w.hubs) {
		inst := w.hubs[w.idx]
		w.idx++
		if !inst.supportRemoteWakeup || inst.invalid {
			continue
		}
		inst.controlRetry = RemoteWakeupTimes
		w.armWakeup(inst)
		return
	}
	w.finish()
}

// armWakeup issues SET_FEATURE(DEVICE_REMOTE_WAKEUP) on inst, retrying
// up to RemoteWakeupTimes on failure.
func (w *suspendWalk) armWakeup(inst *Instance) {
	err := w.registry.requests.SetRemoteWakeup(inst.class, func(n int, err error) {
		w.registry.execMu.Lock()
		defer w.registry.execMu.Unlock()
		w.onWakeupComplete(inst, err)
	})
	if err != nil {
		w.onWakeupComplete(inst, err)
	}
}

// onWakeupComplete runs with execMu held by its caller.
func (w *suspendWalk) onWakeupComplete(inst *Instance, err error) {
	if err != nil {
		inst.controlRetry--
		if inst.controlRetry > 0 {
			w.armWakeup(inst)
			return
		}
		pkg.LogError(pkg.ComponentPower, "remote wakeup exhausted retries", "address", inst.address)
		if w.done != nil {
			w.done(ErrNotSuspended)
		}
		return
	}

	pkg.LogDebug(pkg.ComponentPower, "remote wakeup enabled", "address", inst.address)
	w.next()
}

// finish issues the final BUS_SUSPEND or PORT_SUSPEND once every
// remote-wakeup-capable hub in the chain has been armed.
func (w *suspendWalk) finish() {
	r := w.registry

	if w.parentHubAddress == 0 {
		err := r.controller.ControllerIoctl(BusSuspend)
		if w.done != nil {
			w.done(err)
		}
		return
	}

	parent := r.findByAddress(w.parentHubAddress)
	if parent == nil {
		if w.done != nil {
			w.done(ErrInvalidHandle)
		}
		return
	}

	err := r.requests.SetPortFeature(parent.class, w.parentPort, FeaturePortSuspend, func(n int, err error) {
		r.execMu.Lock()
		defer r.execMu.Unlock()
		if err == nil {
			if port := parent.Port(w.parentPort); port != nil {
				port.phase = PortSuspended
			}
		}
		if w.done != nil {
			w.done(err)
		}
	})
	if err != nil && w.done != nil {
		w.done(err)
	}
}

// Resume implements the power-management sub-layer's resume sequence:
// CLEAR_FEATURE(PORT_SUSPEND) on the parent hub of the suspended
// device.
func (r *Registry) Resume(parentHubAddress uint8, parentPort int, done func(error)) error {
	if !r.powerManagement {
		return ErrNoPowerManagement
	}

	r.execMu.Lock()
	defer r.execMu.Unlock()

	if parentHubAddress == 0 {
		err := r.controller.ControllerIoctl(BusResume)
		if done != nil {
			done(err)
		}
		return err
	}

	parent := r.findByAddress(parentHubAddress)
	if parent == nil {
		return ErrInvalidHandle
	}

	return r.requests.ClearPortFeature(parent.class, parentPort, FeaturePortSuspend, func(n int, err error) {
		r.execMu.Lock()
		defer r.execMu.Unlock()
		if err == nil {
			if port := parent.Port(parentPort); port != nil {
				port.phase = PortAttached
			}
		}
		if done != nil {
			done(err)
		}
	})
}
