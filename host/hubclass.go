package host

import (
	"context"

	"github.com/ardnew/usbhub/host/hal"
	"github.com/ardnew/usbhub/hub"
)

// HubClassAdapter implements hub.HubClassRequests by encoding the hub
// class's standard and class-specific control requests as host.Transfers
// and submitting them through a TransferManager, bridging the manager's
// Transfer.Callback to hub.CompletionFunc. ClassHandle is the *Device
// itself; there is no separate allocation to track beyond what Device
// already holds.
type HubClassAdapter struct {
	tm  *TransferManager
	ctx context.Context
}

// NewHubClassAdapter returns a HubClassRequests implementation that
// submits every request through tm. ctx bounds the synchronous
// SendPortReset call only; asynchronous requests inherit tm's own
// context, same as every other Transfer submitted to it.
func NewHubClassAdapter(tm *TransferManager, ctx context.Context) *HubClassAdapter {
	if ctx == nil {
		ctx = context.Background()
	}
	return &HubClassAdapter{tm: tm, ctx: ctx}
}

func (a *HubClassAdapter) Init(dev hub.DeviceHandle) (hub.ClassHandle, error) {
	d, ok := dev.(*Device)
	if !ok {
		return nil, hub.ErrInvalidHandle
	}
	return d, nil
}

// Deinit does nothing beyond validating h: device lifetime is owned by
// the enumeration engine, not by the class-request context.
func (a *HubClassAdapter) Deinit(h hub.ClassHandle) error {
	if _, ok := h.(*Device); !ok {
		return hub.ErrInvalidHandle
	}
	return nil
}

func (a *HubClassAdapter) SetInterface(h hub.ClassHandle, alt uint8, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeInterface,
		Request:     RequestSetInterface,
		Value:       uint16(alt),
		Index:       uint16(hubInterfaceNumber(d)),
		Length:      0,
	}
	return a.submit(d, &setup, nil, cb)
}

func (a *HubClassAdapter) GetDescriptor(h hub.ClassHandle, buf []byte, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeHub) << 8,
		Index:       0,
		Length:      uint16(len(buf)),
	}
	return a.submit(d, &setup, buf, cb)
}

func (a *HubClassAdapter) GetStatus(h hub.ClassHandle, buf []byte, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeDevice,
		Request:     RequestGetStatus,
		Value:       0,
		Index:       0,
		Length:      uint16(len(buf)),
	}
	return a.submit(d, &setup, buf, cb)
}

func (a *HubClassAdapter) GetPortStatus(h hub.ClassHandle, port int, buf []byte, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeOther,
		Request:     RequestGetStatus,
		Value:       0,
		Index:       uint16(port),
		Length:      uint16(len(buf)),
	}
	return a.submit(d, &setup, buf, cb)
}

func (a *HubClassAdapter) SetPortFeature(h hub.ClassHandle, port int, feature uint16, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeOther,
		Request:     RequestSetFeature,
		Value:       feature,
		Index:       uint16(port),
		Length:      0,
	}
	return a.submit(d, &setup, nil, cb)
}

func (a *HubClassAdapter) ClearPortFeature(h hub.ClassHandle, port int, feature uint16, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeOther,
		Request:     RequestClearFeature,
		Value:       feature,
		Index:       uint16(port),
		Length:      0,
	}
	return a.submit(d, &setup, nil, cb)
}

func (a *HubClassAdapter) ClearFeature(h hub.ClassHandle, feature uint16, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeDevice,
		Request:     RequestClearFeature,
		Value:       feature,
		Index:       0,
		Length:      0,
	}
	return a.submit(d, &setup, nil, cb)
}

func (a *HubClassAdapter) InterruptRecv(h hub.ClassHandle, buf []byte, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	t := &Transfer{
		Address:  d.Address(),
		Endpoint: hubInterruptEndpoint(d),
		Type:     hal.TransferInterrupt,
		Data:     buf,
		Callback: func(_ *Transfer, n int, err error) { cb(n, err) },
	}
	_, err := a.tm.Submit(t)
	if err != nil {
		return hub.ErrTransferSubmitFailed
	}
	return nil
}

// SendPortReset is issued synchronously: the hub's port reset has no
// data stage and its completion is observed later through the interrupt
// pipe plus a follow-up GetPortStatus, not through this call's return.
func (a *HubClassAdapter) SendPortReset(h hub.ClassHandle, port int) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeOther,
		Request:     RequestSetFeature,
		Value:       hub.FeaturePortReset,
		Index:       uint16(port),
		Length:      0,
	}
	_, err := d.ControlTransfer(a.ctx, &setup, nil)
	return err
}

func (a *HubClassAdapter) SetRemoteWakeup(h hub.ClassHandle, cb hub.CompletionFunc) error {
	d, ok := h.(*Device)
	if !ok {
		return hub.ErrInvalidHandle
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetFeature,
		Value:       hub.FeatureDeviceRemoteWakeup,
		Index:       0,
		Length:      0,
	}
	return a.submit(d, &setup, nil, cb)
}

// submit wraps a single control Transfer, bridging TransferManager's
// Transfer.Callback to hub.CompletionFunc.
func (a *HubClassAdapter) submit(d *Device, setup *hal.SetupPacket, data []byte, cb hub.CompletionFunc) error {
	t := &Transfer{
		Address:  d.Address(),
		Type:     hal.TransferControl,
		Data:     data,
		Setup:    setup,
		Callback: func(_ *Transfer, n int, err error) { cb(n, err) },
	}
	_, err := a.tm.Submit(t)
	if err != nil {
		return hub.ErrTransferSubmitFailed
	}
	return nil
}

// hubInterfaceNumber returns the interface number the hub class requests
// should target: the first interface parsed from the device's
// configuration during enumeration, or 0 when none was parsed.
func hubInterfaceNumber(d *Device) uint8 {
	if ifaces := d.Interfaces(); len(ifaces) > 0 {
		return ifaces[0].InterfaceNumber
	}
	return 0
}

// hubInterruptEndpoint returns the hub's interrupt-IN endpoint address,
// falling back to endpoint 1 IN, the conventional choice for a hub with
// a single status-change pipe, when no descriptor has been parsed yet.
func hubInterruptEndpoint(d *Device) uint8 {
	for _, ep := range d.Endpoints() {
		if ep.IsIn() && ep.IsInterrupt() {
			return ep.EndpointAddress
		}
	}
	return EndpointDirectionIn | 0x01
}

// HostControlAdapter implements hub.HostController over a Host's
// underlying HAL, used only by the power-management sub-layer. The HAL
// interface this module's HALs implement has no dedicated bus-suspend
// primitive, so BusSuspend/BusResume are adapted onto the nearest
// equivalent hooks already required of every HAL: Stop removes power
// from every port and Start restores it, the same externally observable
// effect a global suspend/resume ioctl has on the bus.
type HostControlAdapter struct {
	hal hal.HostHAL
}

// NewHostControlAdapter returns a HostController backed by hal.
func NewHostControlAdapter(h hal.HostHAL) *HostControlAdapter {
	return &HostControlAdapter{hal: h}
}

func (a *HostControlAdapter) ControllerIoctl(op hub.BusControlOp) error {
	switch op {
	case hub.BusSuspend:
		return a.hal.Stop()
	case hub.BusResume:
		return a.hal.Start()
	default:
		return hub.ErrUnsupported
	}
}
