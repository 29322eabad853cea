// Package hub implements the host-side USB hub class driver core: the
// registry of live hub instances on a host controller, the two-stage
// attach/detach lifecycle of a hub instance, the hub-level and
// per-port protocol state machines, the interrupt-IN event dispatcher
// that drives them, and an optional power-management sub-layer.
//
// # Architecture
//
// The package is organized around a small set of cooperating pieces:
//
//   - Registry holds every live HubInstance for one host controller
//     and the control-token that serializes port/hub transitions
//     across hubs sharing that controller.
//   - Instance is one attached hub: its descriptor-derived attributes,
//     its port table, and the hub-level state machine.
//   - The port-level state machine advances each PortState through
//     the attach or detach sub-machine.
//   - Dispatch consumes an interrupt-IN status bitmap and decides
//     which hub-level or port-level action runs next.
//   - Power implements the optional remote-wakeup/suspend sub-layer.
//
// The host controller, the hub class request encoder, and the device
// enumeration engine are external collaborators, consumed through the
// interfaces in hal.go. This package never performs a transfer itself;
// it only issues requests through those interfaces and resumes from
// their completion callbacks.
//
// # Concurrency
//
// Unlike a bare-metal single-core event loop, completion callbacks in
// this package's intended use may run on different goroutines
// concurrently (for example, a worker-pool-backed HostController).
// Registry.execMu serializes the three entry points — DeviceEvent,
// a control-transfer completion, and an interrupt-IN completion — so
// the single-in-flight-transfer-per-hub and single-owner-per-registry
// invariants hold regardless of how the caller schedules callbacks.
package hub
