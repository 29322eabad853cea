package hub

import (
	"github.com/ardnew/usbhub/pkg"
)

// PortState is one hub port's attach/detach bookkeeping.
type PortState struct {
	device     DeviceHandle // nil ⇒ vacant
	phase      PortPhase
	speed      Speed
	resetCount int
}

// Device returns the device handed off to the enumeration engine for
// this port, or nil if the port is vacant.
func (p *PortState) Device() DeviceHandle { return p.device }

// Phase returns the port's current state.
func (p *PortState) Phase() PortPhase { return p.phase }

// Speed returns the negotiated speed of the attached device.
func (p *PortState) Speed() Speed { return p.speed }

// Instance is one attached, committed hub.
type Instance struct {
	registry *Registry

	device  DeviceHandle
	class   ClassHandle
	address uint8
	tier    int

	// parentAddress is 0 when the hub is attached to the host
	// controller's root port; otherwise it is the USB device address
	// of the hub it hangs off, and parentPort the port on that hub.
	parentAddress uint8
	parentPort    int

	portCount      int
	totalThinkTime uint16
	ports          []PortState

	hubPhase    HubPhase
	portProcess int // 0 = idle; else 1-based index into ports
	powerPort   int // 1-based next port to SET_FEATURE(PORT_POWER), used only during HubSetPortPower
	prime       PrimeKind

	invalid           bool
	portCountExceeded bool

	supportRemoteWakeup bool
	controlRetry        int

	bitmap    []byte
	statusBuf [hubStatusBufferSize]byte
	descBuf   [71]byte
}

// Address returns the hub's own USB device address.
func (inst *Instance) Address() uint8 { return inst.address }

// Tier returns the hub's 1-based topology depth.
func (inst *Instance) Tier() int { return inst.tier }

// Phase returns the hub-level state.
func (inst *Instance) Phase() HubPhase { return inst.hubPhase }

// Invalid reports whether the hub has been physically detached.
func (inst *Instance) Invalid() bool { return inst.invalid }

// PortCount returns the number of downstream ports, valid once the
// hub has left HubSetPortPower.
func (inst *Instance) PortCount() int { return inst.portCount }

// Port returns the state of port p (1-based), or nil if out of range.
func (inst *Instance) Port(p int) *PortState {
	if p < 1 || p > len(inst.ports) {
		return nil
	}
	return &inst.ports[p-1]
}

// TotalThinkTime returns the cached think-time used by split-
// transaction scheduling elsewhere.
func (inst *Instance) TotalThinkTime() uint16 { return inst.totalThinkTime }

// InterfaceInfo describes one interface of a device's active
// configuration, enough to classify it as a hub candidate.
type InterfaceInfo struct {
	Number   uint8
	Class    uint8
	Subclass uint8
}

// DeviceEvent is the chief callback exposed to the rest of the host
// stack for {Attach, EnumerationDone, Detach}.
//
// interfaces is the active configuration's interface list; it is only
// consulted on EventAttach and may be nil for the other two events.
// parentHubAddress/parentPort identify where device attaches (0/0 for
// a device on the host controller's root port); they are threaded
// through to the committed Instance so total-think-time accumulation
// and the HS-hub-ancestor walk (query.go) can climb the chain without
// querying the enumeration engine for topology the caller already
// knows at attach time.
func (r *Registry) DeviceEvent(device DeviceHandle, interfaces []InterfaceInfo, parentHubAddress uint8, parentPort int, event EventCode) error {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	switch event {
	case EventAttach:
		return r.classify(device, interfaces, parentHubAddress, parentPort)
	case EventEnumerationDone:
		return r.commit(device)
	case EventDetach:
		return r.detach(device)
	default:
		return ErrUnsupported
	}
}

// classify evaluates a newly attached device's active-configuration
// interfaces and, if one is hub class/subclass, stashes it as the
// pending classification awaiting commit.
func (r *Registry) classify(device DeviceHandle, interfaces []InterfaceInfo, parentHubAddress uint8, parentPort int) error {
	var candidate *InterfaceInfo
	for i := range interfaces {
		if interfaces[i].Class == ClassHub && interfaces[i].Subclass == SubclassHub {
			candidate = &interfaces[i]
			break
		}
	}
	if candidate == nil {
		return ErrUnsupported
	}

	tier := 1
	if r.enumerator != nil {
		level, err := r.enumerator.PeripheralInfo(device, InfoLevel)
		if err == nil {
			tier = int(level)
		}
	}
	if tier > MaxTier {
		return ErrUnsupported
	}

	r.pending = &pendingClassification{
		device:           device,
		ifaceNumber:      candidate.Number,
		tier:             tier,
		parentHubAddress: parentHubAddress,
		parentPort:       parentPort,
	}
	return nil
}

// commit promotes a pending classification to a live Instance once
// enumeration has finished, kicking off the hub-level state machine.
func (r *Registry) commit(device DeviceHandle) error {
	if r.pending == nil || r.pending.device != device {
		return nil
	}
	pending := r.pending
	r.pending = nil

	class, err := r.requests.Init(device)
	if err != nil {
		pkg.LogError(pkg.ComponentRegistry, "hub class init failed", "error", err)
		return ErrAllocFailed
	}

	var address uint8
	if r.enumerator != nil {
		if v, err := r.enumerator.PeripheralInfo(device, InfoAddress); err == nil {
			address = uint8(v)
		}
	}

	inst := &Instance{
		device:           device,
		class:            class,
		address:          address,
		tier:             pending.tier,
		parentAddress:    pending.parentHubAddress,
		parentPort:       pending.parentPort,
		hubPhase:         HubWaitSetInterface,
	}
	r.link(inst)

	pkg.LogInfo(pkg.ComponentRegistry, "hub committed", "address", address, "tier", inst.tier)

	inst.submitHub(func() error {
		return r.requests.SetInterface(class, 0, inst.completeHub)
	})
	return nil
}

// detach tears down a hub instance, cascading to every child device
// attached to one of its ports.
func (r *Registry) detach(device DeviceHandle) error {
	if r.pending != nil && r.pending.device == device {
		r.pending = nil
		return nil
	}

	inst := r.findByDevice(device)
	if inst == nil {
		return nil
	}

	inst.invalid = true
	r.unlink(inst)

	for i := range inst.ports {
		p := &inst.ports[i]
		if p.device != nil && r.enumerator != nil {
			_ = r.enumerator.DetachDeviceInternal(r.host, p.device)
		}
		p.device = nil
		p.phase = PortWaitPortChange
	}
	inst.ports = nil

	if r.requests != nil {
		_ = r.requests.Deinit(inst.class)
	}

	pkg.LogInfo(pkg.ComponentRegistry, "hub detached", "address", inst.address)
	return nil
}

// findByDevice scans live instances for one matching device. Detach
// can race EnumerationDone in principle; this is O(n) over hubs on
// one host, which is small (MaxHost*MaxPort bound), and only runs on
// the rare attach/detach path, unlike the hot interrupt path which
// uses findByAddress.
func (r *Registry) findByDevice(device DeviceHandle) *Instance {
	for _, inst := range r.instances() {
		if inst.device == device {
			return inst
		}
	}
	return nil
}

// release clears current_owner if inst holds it and inst has fully
// quiesced (idle at hub level with no port in flight), so a sibling
// hub on the same registry can acquire the token next.
func (inst *Instance) release() {
	r := inst.registry
	if r.currentOwner == inst && inst.hubPhase == HubIdle && inst.portProcess == 0 {
		r.currentOwner = nil
	}
}

// toInvalid deactivates the hub on a hub-level submit/completion
// failure, preserving its presence for detach cleanup.
func (inst *Instance) toInvalid() {
	inst.hubPhase = HubInvalid
	inst.prime = PrimeNone
	inst.release()
}

// submitHub runs a hub-level request submission, marking prime_status
// and deactivating the hub on submit failure.
func (inst *Instance) submitHub(submit func() error) {
	inst.prime = PrimeHubControl
	if inst.registry.currentOwner == nil {
		inst.registry.currentOwner = inst
	}
	if err := submit(); err != nil {
		pkg.LogWarn(pkg.ComponentHubMachine, "hub-level submit failed", "address", inst.address, "error", err)
		inst.toInvalid()
	}
}
