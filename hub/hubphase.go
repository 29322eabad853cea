package hub

import (
	"encoding/binary"

	"github.com/ardnew/usbhub/pkg"
)

// completeHub is the completion callback for every hub-level (not
// per-port) control transfer. It is bound to inst by submitHub's
// caller and dispatches on inst.hubPhase, which names the request
// whose completion has just arrived.
func (inst *Instance) completeHub(n int, err error) {
	r := inst.registry
	r.execMu.Lock()
	defer r.execMu.Unlock()

	if inst.invalid {
		return
	}
	inst.prime = PrimeNone

	switch inst.hubPhase {
	case HubWaitSetInterface:
		inst.onSetInterfaceComplete(err)
	case HubGetDescriptor7:
		inst.onGetDescriptor7Complete(n, err)
	case HubSetPortPower:
		inst.onSetPortPowerComplete(err)
	case HubGetStatusDone:
		inst.onGetStatusDoneComplete(err)
	case HubClearDone:
		inst.onClearDoneComplete()
	default:
		pkg.LogWarn(pkg.ComponentHubMachine, "hub completion in unexpected phase", "phase", inst.hubPhase)
	}
}

// onSetInterfaceComplete handles completion of SET_INTERFACE(alt=0).
func (inst *Instance) onSetInterfaceComplete(err error) {
	if err != nil {
		inst.toInvalid()
		return
	}
	inst.submitHub(func() error {
		return inst.registry.requests.GetDescriptor(inst.class, inst.descBuf[:hubDescriptorProbeSize], inst.completeHub)
	})
	inst.hubPhase = HubGetDescriptor7
}

// onGetDescriptor7Complete handles completion of the 7-byte hub
// descriptor probe: parses think-time and port_count, then issues the
// full descriptor fetch.
func (inst *Instance) onGetDescriptor7Complete(n int, err error) {
	if err != nil || n < hubDescriptorProbeSize {
		inst.toInvalid()
		return
	}

	portCount := int(inst.descBuf[2])
	if portCount > MaxPort {
		// Abort with no further state change: release the token so
		// sibling hubs on this registry are not starved, but leave
		// hubPhase frozen so the dispatcher still treats this instance
		// as occupying a (permanently stalled) hub-level operation.
		inst.portCountExceeded = true
		pkg.LogError(pkg.ComponentHubMachine, "hub port count exceeds maximum", "address", inst.address, "count", portCount)
		inst.prime = PrimeNone
		// release() requires HubIdle to clear current_owner, which this
		// frozen phase never reaches; clear it directly so sibling hubs
		// are not starved forever by one oversized hub.
		if inst.registry.currentOwner == inst {
			inst.registry.currentOwner = nil
		}
		return
	}

	bitTimeField := (inst.descBuf[3] >> 5) & 0x03
	thinkTime := thinkTimeBitTimes[bitTimeField]

	var parentThinkTime uint16
	if inst.parentAddress != 0 {
		if parent := inst.registry.findByAddress(inst.parentAddress); parent != nil {
			parentThinkTime = parent.totalThinkTime
		}
	}
	inst.totalThinkTime = thinkTime + parentThinkTime
	inst.portCount = portCount

	fullLen := hubDescriptorProbeSize + (portCount+7)/8 + 1
	if fullLen > len(inst.descBuf) {
		fullLen = len(inst.descBuf)
	}

	inst.submitHub(func() error {
		return inst.registry.requests.GetDescriptor(inst.class, inst.descBuf[:fullLen], inst.completeHub)
	})
	inst.hubPhase = HubSetPortPower
	inst.powerPort = 1
}

// onSetPortPowerComplete drives the SET_FEATURE(PORT_POWER) loop, one
// port per completion since only one transfer may be outstanding.
func (inst *Instance) onSetPortPowerComplete(err error) {
	if err != nil {
		inst.toInvalid()
		return
	}

	// powerPort==1 means this completion is the full-descriptor fetch;
	// every subsequent call is a PORT_POWER completion.
	if inst.powerPort <= inst.portCount {
		port := inst.powerPort
		inst.powerPort++
		inst.submitHub(func() error {
			return inst.registry.requests.SetPortFeature(inst.class, port, FeaturePortPower, inst.completeHub)
		})
		inst.hubPhase = HubSetPortPower
		return
	}

	inst.ports = make([]PortState, inst.portCount)
	for i := range inst.ports {
		inst.ports[i].phase = PortWaitPortChange
		inst.ports[i].resetCount = ResetTimes
	}
	inst.bitmap = make([]byte, (inst.portCount+1+7)/8)

	inst.hubPhase = HubIdle
	inst.prime = PrimeNone
	inst.release()
	inst.armInterrupt()

	pkg.LogInfo(pkg.ComponentHubMachine, "hub ready", "address", inst.address, "ports", inst.portCount, "think-time", inst.totalThinkTime)
}

// onGetStatusDoneComplete handles completion of GET_STATUS(hub),
// issued by the dispatcher for interrupt bitmap bit 0.
func (inst *Instance) onGetStatusDoneComplete(err error) {
	if err != nil {
		inst.hubPhase = HubIdle
		inst.prime = PrimeNone
		inst.release()
		inst.armInterrupt()
		return
	}

	status := binary.LittleEndian.Uint32(inst.statusBuf[:])
	changeBits := status >> 16

	switch {
	case changeBits&(1<<hubStatusBitLocalPower) != 0:
		inst.submitHub(func() error {
			return inst.registry.requests.ClearFeature(inst.class, FeatureCHubLocalPower, inst.completeHub)
		})
		inst.hubPhase = HubClearDone
	case changeBits&(1<<hubStatusBitOverCurrent) != 0:
		inst.submitHub(func() error {
			return inst.registry.requests.ClearFeature(inst.class, FeatureCHubOverCurrent, inst.completeHub)
		})
		inst.hubPhase = HubClearDone
	default:
		inst.hubPhase = HubIdle
		inst.prime = PrimeNone
		inst.release()
		inst.armInterrupt()
	}
}

// onClearDoneComplete handles completion of the hub-wide CLEAR_FEATURE
// issued from GetStatusDone; both success and failure re-arm the
// interrupt pipe and return to Idle, the general fallback for any
// completion this machine can't otherwise recover from.
func (inst *Instance) onClearDoneComplete() {
	inst.hubPhase = HubIdle
	inst.prime = PrimeNone
	inst.release()
	inst.armInterrupt()
}

// armInterrupt re-arms the hub's interrupt-IN pipe.
func (inst *Instance) armInterrupt() {
	inst.prime = PrimeInterrupt
	if err := inst.registry.requests.InterruptRecv(inst.class, inst.bitmap, inst.completeInterrupt); err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "interrupt re-arm failed", "address", inst.address, "error", err)
		inst.prime = PrimeNone
	}
}
