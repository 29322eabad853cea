package hub

import (
	"sync"

	"github.com/ardnew/usbhub/pkg"
)

// registryTable holds up to MaxHost per-host-controller registries.
// The original keeps a fixed-size array and a "look for a slot whose
// hub_list is null" reclaim fallback whose exact lifecycle is unclear
// there (see DESIGN.md); in Go a registry's list mutex is a
// zero-value sync.RWMutex needing no separate create/destroy step, so
// reclaiming an empty slot is always safe and the ambiguity does not
// carry over.
var (
	registryMu sync.Mutex
	registries [MaxHost]*Registry
)

// Registry is the process-wide, per-host-controller table of live hub
// instances.
type Registry struct {
	host HostHandle

	listMu     sync.RWMutex
	byAddress  map[uint8]*Instance
	order      []uint8 // insertion order, for power-management's forward walk

	// execMu serializes the three entry points (DeviceEvent, a
	// control-transfer completion, an interrupt-IN completion) across
	// every instance on this registry. See doc.go's Concurrency note.
	execMu sync.Mutex

	// currentOwner is the control-token holder; nil when no hub is
	// mid-operation.
	currentOwner *Instance

	controller HostController
	requests   HubClassRequests
	enumerator EnumerationEngine

	powerManagement bool

	// pending is the single stashed (device, interface) classification
	// awaiting EventEnumerationDone.
	pending *pendingClassification
}

type pendingClassification struct {
	device           DeviceHandle
	ifaceNumber      uint8
	tier             int
	parentHubAddress uint8
	parentPort       int
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithPowerManagement enables the optional power-management sub-layer
// (Suspend/Resume) and the PortSuspended rendezvous states.
func WithPowerManagement() Option {
	return func(r *Registry) { r.powerManagement = true }
}

// GetOrCreate returns the existing registry for host, or claims a
// free slot and constructs one. It fails only when MaxHost registries
// already exist for other hosts and none has an empty hub list to
// reclaim.
func GetOrCreate(host HostHandle, controller HostController, requests HubClassRequests, enumerator EnumerationEngine, opts ...Option) (*Registry, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	var freeSlot = -1
	for i, r := range registries {
		if r == nil {
			if freeSlot < 0 {
				freeSlot = i
			}
			continue
		}
		if r.host == host {
			return r, nil
		}
		if freeSlot < 0 && r.isEmpty() {
			freeSlot = i
		}
	}

	if freeSlot < 0 {
		return nil, ErrRegistryFull
	}

	r := &Registry{
		host:       host,
		byAddress:  make(map[uint8]*Instance),
		controller: controller,
		requests:   requests,
		enumerator: enumerator,
	}
	for _, opt := range opts {
		opt(r)
	}
	registries[freeSlot] = r

	pkg.LogDebug(pkg.ComponentRegistry, "registry created", "host", host, "slot", freeSlot)
	return r, nil
}

// isEmpty reports whether the registry currently holds no hub
// instances, making its slot reclaimable.
func (r *Registry) isEmpty() bool {
	r.listMu.RLock()
	defer r.listMu.RUnlock()
	return len(r.order) == 0
}

// Host returns the host handle this registry is scoped to.
func (r *Registry) Host() HostHandle { return r.host }

// link inserts instance into the registry's live hub list, creating
// the list's backing storage lazily.
func (r *Registry) link(inst *Instance) {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	r.byAddress[inst.address] = inst
	r.order = append(r.order, inst.address)
	inst.registry = r
}

// unlink removes instance from the registry's live hub list, clearing
// current_owner if it pointed here, and releases the slot for reuse
// once empty. The caller must hold execMu.
func (r *Registry) unlink(inst *Instance) {
	r.listMu.Lock()
	delete(r.byAddress, inst.address)
	for i, addr := range r.order {
		if addr == inst.address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	empty := len(r.order) == 0
	r.listMu.Unlock()

	if r.currentOwner == inst {
		r.currentOwner = nil
	}

	_ = empty // slot reclaim happens lazily in GetOrCreate, not eagerly here
}

// findByAddress returns the hub instance whose USB device address
// equals addr, or nil.
func (r *Registry) findByAddress(addr uint8) *Instance {
	r.listMu.RLock()
	defer r.listMu.RUnlock()
	return r.byAddress[addr]
}

// instances returns a snapshot of every live hub instance in
// insertion order, used by the power-management forward walk.
func (r *Registry) instances() []*Instance {
	r.listMu.RLock()
	defer r.listMu.RUnlock()
	out := make([]*Instance, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.byAddress[addr])
	}
	return out
}
