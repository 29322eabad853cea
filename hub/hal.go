package hub

// This file defines the external collaborators this package consumes
// (the host controller, the hub class request encoder, and the device
// enumeration engine) as capability interfaces, per the re-architecture
// guidance for function-pointer callbacks with void-pointer contexts:
// one method per completion kind rather than a callback+context pair.

// HostHandle identifies one host controller; a Registry is scoped to
// exactly one.
type HostHandle uint32

// DeviceHandle is an opaque identity for a device handed off to, and
// owned by, the enumeration engine. The hub package never dereferences
// it; it only stores and later returns it to the enumeration engine on
// detach.
type DeviceHandle any

// ClassHandle is the opaque handle returned by HubClassRequests.Init,
// identifying one hub's class-specific request context (its interface
// and control pipe).
type ClassHandle any

// CompletionFunc is invoked exactly once when a queued request
// completes, successfully or not. n is the number of bytes
// transferred in the data stage (0 for requests with no data stage).
type CompletionFunc func(n int, err error)

// HostController is the minimal host-controller-driver capability this
// package requires beyond the hub-class request encoder: bus-wide
// control during power management. Transfer scratch-buffer allocation
// (malloc_transfer/free_transfer in the consumed interface this is
// adapted from) has no Go equivalent worth modeling — the garbage
// collector owns that concern, so callers simply pass Go byte slices
// to HubClassRequests methods.
type HostController interface {
	// ControllerIoctl issues a bus-wide control operation, used only by
	// the power-management sub-layer.
	ControllerIoctl(op BusControlOp) error
}

// HubClassRequests is the thin wrapper over the host controller that
// encodes the hub class's standard and class-specific control
// requests. It is consumed as an interface; a concrete adapter built
// on a real transfer pipeline lives outside this package.
type HubClassRequests interface {
	// Init allocates class-specific request context for the hub
	// attached as dev, returning a handle used by every other method.
	Init(dev DeviceHandle) (ClassHandle, error)

	// Deinit releases the context allocated by Init.
	Deinit(h ClassHandle) error

	// SetInterface issues SET_INTERFACE(alt) on the hub's interface.
	SetInterface(h ClassHandle, alt uint8, cb CompletionFunc) error

	// GetDescriptor issues GET_DESCRIPTOR(hub) into buf.
	GetDescriptor(h ClassHandle, buf []byte, cb CompletionFunc) error

	// GetStatus issues GET_STATUS(hub) into buf (4 bytes).
	GetStatus(h ClassHandle, buf []byte, cb CompletionFunc) error

	// GetPortStatus issues GET_STATUS(port) into buf (4 bytes).
	GetPortStatus(h ClassHandle, port int, buf []byte, cb CompletionFunc) error

	// SetPortFeature issues SET_FEATURE(port, feature).
	SetPortFeature(h ClassHandle, port int, feature uint16, cb CompletionFunc) error

	// ClearPortFeature issues CLEAR_FEATURE(port, feature).
	ClearPortFeature(h ClassHandle, port int, feature uint16, cb CompletionFunc) error

	// ClearFeature issues CLEAR_FEATURE(hub, feature).
	ClearFeature(h ClassHandle, feature uint16, cb CompletionFunc) error

	// InterruptRecv re-arms the hub's interrupt-IN pipe, invoking cb
	// with the bitmap once a status-change notification arrives.
	InterruptRecv(h ClassHandle, buf []byte, cb CompletionFunc) error

	// SendPortReset issues SET_FEATURE(port, PORT_RESET). Unlike the
	// other setters this has no completion of its own: reset
	// completion is observed later via InterruptRecv plus GetPortStatus,
	// matching the hub's asynchronous reset-complete signaling.
	SendPortReset(h ClassHandle, port int) error

	// SetRemoteWakeup issues the standard (non-hub-class) device
	// request SET_FEATURE(DEVICE_REMOTE_WAKEUP) on the hub itself, used
	// only by the power-management sub-layer.
	SetRemoteWakeup(h ClassHandle, cb CompletionFunc) error
}

// EnumerationEngine is invoked once a downstream port has been
// successfully reset, and on detach.
type EnumerationEngine interface {
	// AttachDevice hands a freshly reset device off for enumeration.
	AttachDevice(host HostHandle, speed Speed, parentAddress uint8, port int, tier int) (DeviceHandle, error)

	// DetachDeviceInternal tears down a previously attached device.
	DetachDeviceInternal(host HostHandle, dev DeviceHandle) error

	// PeripheralInfo reports a scalar attribute of a previously
	// attached device.
	PeripheralInfo(dev DeviceHandle, kind InfoKind) (uint32, error)
}
