package hub

import "github.com/ardnew/usbhub/pkg"

// completeInterrupt is the completion callback for a hub's
// interrupt-IN pipe: a fresh status-change bitmap has arrived.
func (inst *Instance) completeInterrupt(n int, err error) {
	r := inst.registry
	r.execMu.Lock()
	defer r.execMu.Unlock()

	if inst.invalid {
		return
	}
	inst.prime = PrimeNone

	if err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "interrupt-in completed with error", "address", inst.address, "error", err)
		inst.armInterrupt()
		return
	}

	inst.dispatch(n)
}

// dispatch implements the interrupt bitmap scan and one-action-per-
// arrival rule: at most one changed port (or the hub status bit) is
// acted on per interrupt, leaving the rest for the next arrival. n is
// the byte count actually received.
func (inst *Instance) dispatch(n int) {
	if n < 1 || len(inst.bitmap) == 0 {
		inst.armInterrupt()
		return
	}
	r := inst.registry

	if inst.bitmap[0]&0x01 != 0 {
		ownerFree := r.currentOwner == nil
		ownsHubLevel := r.currentOwner == inst && inst.portProcess == 0
		if ownerFree || ownsHubLevel {
			r.currentOwner = inst
			inst.submitHub(func() error {
				return r.requests.GetStatus(inst.class, inst.statusBuf[:], inst.completeHub)
			})
			inst.hubPhase = HubGetStatusDone
			return
		}
	}

	for p := 1; p <= inst.portCount; p++ {
		byteIdx := p / 8
		bitIdx := uint(p % 8)
		if byteIdx >= len(inst.bitmap) || inst.bitmap[byteIdx]&(1<<bitIdx) == 0 {
			continue
		}

		ownerFree := r.currentOwner == nil
		ownsIdle := r.currentOwner == inst && inst.hubPhase == HubIdle && inst.portProcess == 0
		ownsSamePort := r.currentOwner == inst && inst.portProcess == p
		if !ownerFree && !ownsIdle && !ownsSamePort {
			continue
		}

		port := inst.Port(p)
		switch {
		case port.device != nil && (port.phase == PortAttached || port.phase == PortSuspended):
			inst.startPortDetach(p)
		case port.phase == PortWaitPortResetDone:
			inst.continuePortAttach(p)
		default:
			inst.startPortAttach(p)
		}
		return
	}

	inst.armInterrupt()
}
