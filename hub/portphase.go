package hub

import (
	"encoding/binary"

	"github.com/ardnew/usbhub/pkg"
)

// startPortAttach begins (or restarts) the attach sub-machine for
// port p with GET_STATUS(port).
func (inst *Instance) startPortAttach(p int) {
	port := inst.Port(p)
	port.phase = PortCheckCPortConnection
	inst.submitPort(p, func() error {
		return inst.registry.requests.GetPortStatus(inst.class, p, inst.statusBuf[:], inst.completePort)
	})
}

// continuePortAttach resumes the attach sub-machine after the hub
// signals reset completion via a fresh interrupt-IN notification for
// a port already in PortWaitPortResetDone.
func (inst *Instance) continuePortAttach(p int) {
	port := inst.Port(p)
	port.phase = PortWaitCPortReset
	inst.submitPort(p, func() error {
		return inst.registry.requests.GetPortStatus(inst.class, p, inst.statusBuf[:], inst.completePort)
	})
}

// startPortDetach begins the detach sub-machine for a port whose
// device handle is non-nil.
func (inst *Instance) startPortDetach(p int) {
	port := inst.Port(p)
	port.phase = PortCheckPortDetach
	inst.submitPort(p, func() error {
		return inst.registry.requests.GetPortStatus(inst.class, p, inst.statusBuf[:], inst.completePort)
	})
}

// submitPort marks the prime state and acquires the control token
// before submitting a port-level request, recovering the port on
// submit failure.
func (inst *Instance) submitPort(p int, submit func() error) {
	inst.prime = PrimePortControl
	inst.registry.currentOwner = inst
	inst.portProcess = p
	if err := submit(); err != nil {
		pkg.LogWarn(pkg.ComponentPortMachine, "port-level submit failed", "address", inst.address, "port", p, "error", err)
		inst.recoverAttach(p)
	}
}

// completePort is the completion callback for every port-level
// control transfer, dispatching on the in-flight port's phase.
func (inst *Instance) completePort(n int, err error) {
	r := inst.registry
	r.execMu.Lock()
	defer r.execMu.Unlock()

	if inst.invalid {
		return
	}
	p := inst.portProcess
	if p == 0 {
		return
	}
	port := inst.Port(p)
	inst.prime = PrimeNone

	if err != nil {
		inst.recoverPort(p)
		return
	}

	switch port.phase {
	case PortCheckCPortConnection:
		inst.onCheckCPortConnection(p, n)
	case PortGetPortConnection:
		inst.onGetPortConnection(p)
	case PortCheckPortConnection:
		inst.onCheckPortConnection(p, n)
	case PortWaitCPortReset:
		inst.onWaitCPortReset(p, n)
	case PortCheckCPortReset:
		inst.onCheckCPortReset(p)
	case PortResetAgain:
		inst.onResetAgain(p)
	case PortCheckPortDetach:
		inst.onCheckPortDetach(p, n)
	case PortGetConnectionBit:
		inst.onGetConnectionBit(p)
	case PortCheckConnectionBit:
		inst.onCheckConnectionBit(p, n)
	case PortClearCPortSuspend:
		inst.onClearCPortSuspend(p)
	case PortCheckPortSuspend:
		inst.onCheckPortSuspend(p, n)
	default:
		pkg.LogWarn(pkg.ComponentPortMachine, "port completion in unexpected phase", "phase", port.phase)
		inst.recoverAttach(p)
	}
}

// onCheckCPortConnection handles the first GET_STATUS(port) of the
// attach algorithm (step 1 → 2).
func (inst *Instance) onCheckCPortConnection(p, n int) {
	port := inst.Port(p)
	if n < hubStatusBufferSize {
		inst.recoverAttach(p)
		return
	}
	change := binary.LittleEndian.Uint32(inst.statusBuf[:]) >> 16

	if change&(1<<portStatusBitConnection) != 0 {
		port.phase = PortGetPortConnection
		inst.submitPort(p, func() error {
			return inst.registry.requests.ClearPortFeature(inst.class, p, FeatureCPortConnection, inst.completePort)
		})
		return
	}

	if feature, ok := firstOtherChangeBit(change); ok {
		inst.submitPort(p, func() error {
			return inst.registry.requests.ClearPortFeature(inst.class, p, feature, func(n int, err error) {
				inst.completeOtherChangeClear(p)
			})
		})
		return
	}

	inst.recoverAttach(p)
}

// firstOtherChangeBit reports the feature selector for the first
// change bit other than connection/reset (enable-change,
// over-current-change).
func firstOtherChangeBit(change uint32) (uint16, bool) {
	switch {
	case change&(1<<portStatusBitEnable) != 0:
		return FeatureCPortEnable, true
	case change&(1<<portStatusBitOverCurrent) != 0:
		return FeatureCPortOverCurrent, true
	case change&(1<<portStatusBitSuspend) != 0:
		return FeatureCPortSuspend, true
	default:
		return 0, false
	}
}

// completeOtherChangeClear is the completion callback for the
// CLEAR_FEATURE issued for an enable/over-current/suspend change bit
// observed alongside (or instead of) a connection change; it does not
// go through completePort's phase dispatch since there is only one
// possible next step.
func (inst *Instance) completeOtherChangeClear(p int) {
	r := inst.registry
	r.execMu.Lock()
	defer r.execMu.Unlock()

	if inst.invalid {
		return
	}
	inst.prime = PrimeNone
	inst.recoverAttach(p)
}

// onGetPortConnection handles completion of CLEAR_FEATURE(C_PORT_CONNECTION).
func (inst *Instance) onGetPortConnection(p int) {
	port := inst.Port(p)
	port.phase = PortCheckPortConnection
	inst.submitPort(p, func() error {
		return inst.registry.requests.GetPortStatus(inst.class, p, inst.statusBuf[:], inst.completePort)
	})
}

// onCheckPortConnection handles the second GET_STATUS(port), deciding
// whether to start a reset (step 3).
func (inst *Instance) onCheckPortConnection(p, n int) {
	port := inst.Port(p)
	if n < hubStatusBufferSize {
		inst.recoverAttach(p)
		return
	}
	status := binary.LittleEndian.Uint32(inst.statusBuf[:])

	if status&(1<<portStatusBitConnection) == 0 {
		inst.recoverAttach(p) // spurious: connection cleared before reset
		return
	}

	port.phase = PortWaitPortResetDone
	port.resetCount--
	if err := inst.registry.requests.SendPortReset(inst.class, p); err != nil {
		inst.recoverAttach(p)
		return
	}
	// No completion callback for SendPortReset: reset completion is
	// announced later via a fresh interrupt-IN notification for this
	// same port, handled by continuePortAttach. The token remains held
	// (portProcess stays p) across that gap.
	inst.prime = PrimeNone
	inst.armInterrupt()
}

// onWaitCPortReset handles the GET_STATUS(port) issued once the hub
// reports reset completion (step 4 → 5/6).
func (inst *Instance) onWaitCPortReset(p, n int) {
	port := inst.Port(p)
	if n < hubStatusBufferSize {
		inst.recoverAttach(p)
		return
	}
	status := binary.LittleEndian.Uint32(inst.statusBuf[:])
	change := status >> 16

	if change&(1<<portStatusBitReset) == 0 {
		inst.recoverAttach(p) // reset-complete bit not actually set: spurious
		return
	}

	// C_PORT_RESET is cleared unconditionally on both the accept and
	// retry paths; only the phase recorded for the clear's completion
	// differs, so completePort routes to the right next step.
	if port.resetCount == 0 {
		port.speed = classifySpeed(status)
		port.phase = PortCheckCPortReset
	} else {
		port.phase = PortResetAgain
	}
	inst.submitPort(p, func() error {
		return inst.registry.requests.ClearPortFeature(inst.class, p, FeatureCPortReset, inst.completePort)
	})
}

// onResetAgain handles completion of the reset-retry path's
// CLEAR_FEATURE(C_PORT_RESET), re-verifying the raw connection status
// before issuing another SET_FEATURE(PORT_RESET).
func (inst *Instance) onResetAgain(p int) {
	port := inst.Port(p)
	port.phase = PortCheckPortConnection
	inst.submitPort(p, func() error {
		return inst.registry.requests.GetPortStatus(inst.class, p, inst.statusBuf[:], inst.completePort)
	})
}

// onCheckCPortReset handles completion of CLEAR_FEATURE(C_PORT_RESET),
// handing the newly reset device to the enumeration engine (step 5).
func (inst *Instance) onCheckCPortReset(p int) {
	port := inst.Port(p)
	r := inst.registry

	dev, err := r.enumerator.AttachDevice(r.host, port.speed, inst.address, p, inst.tier+1)
	if err != nil {
		inst.recoverAttach(p)
		return
	}

	port.device = dev
	port.phase = PortAttached
	port.resetCount = ResetTimes
	inst.portProcess = 0
	inst.prime = PrimeNone
	inst.release()
	inst.armInterrupt()

	pkg.LogInfo(pkg.ComponentPortMachine, "port attached", "address", inst.address, "port", p, "speed", port.speed)
}

// recoverAttach resets the attach sub-machine to WaitPortChange,
// releases the control token, resets the reset counter, and re-arms
// the interrupt pipe.
func (inst *Instance) recoverAttach(p int) {
	port := inst.Port(p)
	port.phase = PortWaitPortChange
	port.resetCount = ResetTimes
	inst.portProcess = 0
	inst.prime = PrimeNone
	inst.release()
	inst.armInterrupt()
}

// onCheckPortDetach handles the first GET_STATUS(port) of the detach
// algorithm.
func (inst *Instance) onCheckPortDetach(p, n int) {
	port := inst.Port(p)
	if n < hubStatusBufferSize {
		inst.recoverDetach(p)
		return
	}
	change := binary.LittleEndian.Uint32(inst.statusBuf[:]) >> 16

	maskBits := uint32(1<<portStatusBitConnection | 1<<portStatusBitEnable)
	if inst.registry.powerManagement {
		maskBits |= 1 << portStatusBitSuspend
	}

	if change&maskBits == 0 {
		inst.recoverDetach(p) // spurious
		return
	}

	if inst.registry.powerManagement && change&(1<<portStatusBitSuspend) != 0 &&
		change&(1<<portStatusBitConnection|1<<portStatusBitEnable) == 0 {
		port.phase = PortClearCPortSuspend
		inst.submitPort(p, func() error {
			return inst.registry.requests.ClearPortFeature(inst.class, p, FeatureCPortSuspend, inst.completePort)
		})
		return
	}

	feature := FeatureCPortConnection
	if change&(1<<portStatusBitConnection) == 0 && change&(1<<portStatusBitEnable) != 0 {
		feature = FeatureCPortEnable
	}

	port.phase = PortGetConnectionBit
	inst.submitPort(p, func() error {
		return inst.registry.requests.ClearPortFeature(inst.class, p, feature, inst.completePort)
	})
}

// onClearCPortSuspend handles completion of the suspend-change path's
// CLEAR_FEATURE(C_PORT_SUSPEND), issuing the raw re-check GET_STATUS
// that decides whether the port actually resumed.
func (inst *Instance) onClearCPortSuspend(p int) {
	port := inst.Port(p)
	port.phase = PortCheckPortSuspend
	inst.submitPort(p, func() error {
		return inst.registry.requests.GetPortStatus(inst.class, p, inst.statusBuf[:], inst.completePort)
	})
}

// onCheckPortSuspend handles the suspend-change path's re-check
// GET_STATUS: PORT_SUSPEND still set means the port remains suspended
// (a spurious wake), clear means it has resumed.
func (inst *Instance) onCheckPortSuspend(p, n int) {
	port := inst.Port(p)
	if n < hubStatusBufferSize {
		inst.recoverDetach(p)
		return
	}
	status := binary.LittleEndian.Uint32(inst.statusBuf[:])

	if status&(1<<portStatusBitSuspend) != 0 {
		port.phase = PortSuspended
	} else {
		port.phase = PortAttached
	}
	inst.portProcess = 0
	inst.prime = PrimeNone
	inst.release()
	inst.armInterrupt()

	pkg.LogInfo(pkg.ComponentPortMachine, "port suspend status re-checked", "address", inst.address, "port", p, "suspended", port.phase == PortSuspended)
}

// onGetConnectionBit handles completion of the detach path's
// CLEAR_FEATURE, issuing the re-check GET_STATUS.
func (inst *Instance) onGetConnectionBit(p int) {
	port := inst.Port(p)
	port.phase = PortCheckConnectionBit
	inst.submitPort(p, func() error {
		return inst.registry.requests.GetPortStatus(inst.class, p, inst.statusBuf[:], inst.completePort)
	})
}

// onCheckConnectionBit handles the detach path's re-check GET_STATUS,
// detaching the child device if PORT_CONNECTION has cleared.
func (inst *Instance) onCheckConnectionBit(p, n int) {
	port := inst.Port(p)
	if n < hubStatusBufferSize {
		inst.recoverDetach(p)
		return
	}
	status := binary.LittleEndian.Uint32(inst.statusBuf[:])

	if status&(1<<portStatusBitConnection) != 0 {
		// Spurious: still connected, treat as attached.
		port.phase = PortAttached
		inst.portProcess = 0
		inst.prime = PrimeNone
		inst.release()
		inst.armInterrupt()
		return
	}

	r := inst.registry
	if port.device != nil && r.enumerator != nil {
		_ = r.enumerator.DetachDeviceInternal(r.host, port.device)
	}
	port.device = nil
	port.phase = PortWaitPortChange
	port.resetCount = ResetTimes
	inst.portProcess = 0
	inst.prime = PrimeNone
	inst.release()
	inst.armInterrupt()

	pkg.LogInfo(pkg.ComponentPortMachine, "port detached", "address", inst.address, "port", p)
}

// recoverDetach mirrors recoverAttach for the detach sub-machine's
// spurious/failure case: the port returns to PortAttached.
func (inst *Instance) recoverDetach(p int) {
	port := inst.Port(p)
	port.phase = PortAttached
	inst.portProcess = 0
	inst.prime = PrimeNone
	inst.release()
	inst.armInterrupt()
}

// recoverPort dispatches to the correct recover function depending on
// which sub-machine the port was in when its transfer failed.
func (inst *Instance) recoverPort(p int) {
	port := inst.Port(p)
	if port.phase.IsDetaching() {
		inst.recoverDetach(p)
		return
	}
	inst.recoverAttach(p)
}
