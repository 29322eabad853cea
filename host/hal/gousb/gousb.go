package gousb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/ardnew/usbhub/host/hal"
	"github.com/ardnew/usbhub/pkg"
)

// pollInterval is how often the bus is rescanned for topology changes.
const pollInterval = 250 * time.Millisecond

// Errors specific to this HAL.
var (
	ErrNotConnected    = errors.New("gousb: no device at that address")
	ErrNoPendingDevice = errors.New("gousb: no device awaiting address assignment")
	ErrNoInterface     = errors.New("gousb: interface not claimed")
	ErrNoEndpoint      = errors.New("gousb: endpoint not found")
)

// trackedDevice is one gousb.Device currently visible on the bus, indexed
// both by its snapshot port position and, once assigned, by its
// hal.DeviceAddress.
type trackedDevice struct {
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	epIn    map[uint8]*gousb.InEndpoint
	epOut   map[uint8]*gousb.OutEndpoint
	port    int
	address hal.DeviceAddress
}

// HostHAL implements hal.HostHAL over github.com/google/gousb. See doc.go
// for the enumeration-model seam this adapter papers over.
type HostHAL struct {
	mu sync.RWMutex

	usb     *gousb.Context
	devices []*trackedDevice          // snapshot, index+1 == port
	byAddr  map[hal.DeviceAddress]*trackedDevice
	pending *trackedDevice // device at address 0, awaiting SetDeviceAddress

	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostHAL constructs a gousb-backed HAL. Call Init/Start before use.
func NewHostHAL() *HostHAL {
	return &HostHAL{
		byAddr:       make(map[hal.DeviceAddress]*trackedDevice),
		connectCh:    make(chan int, 8),
		disconnectCh: make(chan int, 8),
	}
}

// Init opens the libusb context.
func (h *HostHAL) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.usb = gousb.NewContext()
	return nil
}

// Start begins polling the bus for topology changes.
func (h *HostHAL) Start() error {
	h.rescan()
	h.wg.Add(1)
	go h.monitor()
	pkg.LogInfo(pkg.ComponentHAL, "gousb HAL started")
	return nil
}

// Stop halts bus polling, leaving claimed interfaces and the libusb
// context intact for a subsequent Close.
func (h *HostHAL) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	return nil
}

// Close releases every claimed interface and the libusb context.
func (h *HostHAL) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, td := range h.devices {
		h.closeDeviceLocked(td)
	}
	h.devices = nil
	h.byAddr = make(map[hal.DeviceAddress]*trackedDevice)
	h.pending = nil

	if h.usb != nil {
		err := h.usb.Close()
		h.usb = nil
		return err
	}
	return nil
}

func (h *HostHAL) closeDeviceLocked(td *trackedDevice) {
	if td.intf != nil {
		td.intf.Close()
	}
	if td.cfg != nil {
		td.cfg.Close()
	}
	if td.dev != nil {
		td.dev.Close()
	}
}

// NumPorts reports the number of devices currently visible on the bus,
// treating each as occupying its own virtual root port: gousb exposes no
// fixed root-hub port count the way a real host controller does.
func (h *HostHAL) NumPorts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// GetPortStatus reports whether a device is present at the given
// (1-indexed) snapshot position.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var status hal.PortStatus
	if port < 1 || port > len(h.devices) || h.devices[port-1] == nil {
		return status, nil
	}

	td := h.devices[port-1]
	status.Connected = true
	status.PowerOn = true
	status.Enabled = td.address != 0
	status.Speed = speedFromGousb(td.dev.Desc.Speed)
	return status, nil
}

// PortSpeed reports the negotiated speed gousb already observed during
// its own enumeration of the device at port.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if port < 1 || port > len(h.devices) || h.devices[port-1] == nil {
		return hal.SpeedUnknown
	}
	return speedFromGousb(h.devices[port-1].dev.Desc.Speed)
}

// ResetPort issues libusb's device-level reset and marks the device as
// pending address assignment, the closest available equivalent to a root
// hub's SET_FEATURE(PORT_RESET): libusb devices are already enumerated
// and addressed by the kernel, so this cannot truly return the device to
// the electrical default state, only to its driver-visible equivalent.
func (h *HostHAL) ResetPort(port int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if port < 1 || port > len(h.devices) || h.devices[port-1] == nil {
		return ErrNotConnected
	}
	td := h.devices[port-1]

	if err := td.dev.Reset(); err != nil {
		return fmt.Errorf("gousb: reset port %d: %w", port, err)
	}

	delete(h.byAddr, td.address)
	td.address = 0
	h.pending = td
	return nil
}

// EnablePort is a no-op: a gousb.Device is usable as soon as it is
// opened, with no separate port-enable register to toggle.
func (h *HostHAL) EnablePort(port int, enable bool) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if port < 1 || port > len(h.devices) || h.devices[port-1] == nil {
		return ErrNotConnected
	}
	return nil
}

// ControlTransfer issues a control transfer via gousb.Device.Control.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	td, err := h.resolve(addr)
	if err != nil {
		return 0, err
	}
	return td.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
}

// BulkTransfer reads or writes a bulk endpoint opened by ClaimInterface.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.dataTransfer(ctx, addr, endpoint, data)
}

// InterruptTransfer reads or writes an interrupt endpoint opened by
// ClaimInterface.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.dataTransfer(ctx, addr, endpoint, data)
}

// IsochronousTransfer is not supported by this HAL; gousb's isochronous
// support requires a streaming API this simple request/response shape
// does not model.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

func (h *HostHAL) dataTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	td, err := h.resolve(addr)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if endpoint&0x80 != 0 {
		ep, ok := td.epIn[endpoint]
		if !ok {
			return 0, ErrNoEndpoint
		}
		return ep.ReadContext(ctx, data)
	}

	ep, ok := td.epOut[endpoint]
	if !ok {
		return 0, ErrNoEndpoint
	}
	return ep.WriteContext(ctx, data)
}

// SetDeviceAddress completes address-assignment bookkeeping for the
// device most recently reset. No wire request is issued: libusb assigned
// the real bus address during its own enumeration, before this HAL ever
// saw the device.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending == nil {
		return ErrNoPendingDevice
	}
	td := h.pending
	td.address = newAddr
	h.byAddr[newAddr] = td
	h.pending = nil
	return nil
}

// ClaimInterface opens configuration 1 and the given interface number at
// alternate setting 0, and resolves its endpoints.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	td, err := h.resolve(addr)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if td.cfg == nil {
		cfg, err := td.dev.Config(1)
		if err != nil {
			return fmt.Errorf("gousb: set config: %w", err)
		}
		td.cfg = cfg
	}

	intf, err := td.cfg.Interface(int(iface), 0)
	if err != nil {
		return fmt.Errorf("gousb: claim interface %d: %w", iface, err)
	}
	td.intf = intf
	td.epIn = make(map[uint8]*gousb.InEndpoint)
	td.epOut = make(map[uint8]*gousb.OutEndpoint)

	for _, ep := range intf.Setting.Endpoints {
		epAddr := uint8(ep.Number)
		if ep.Direction == gousb.EndpointDirectionIn {
			epAddr |= 0x80
			if in, err := intf.InEndpoint(ep.Number); err == nil {
				td.epIn[epAddr] = in
			}
		} else if out, err := intf.OutEndpoint(ep.Number); err == nil {
			td.epOut[epAddr] = out
		}
	}

	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	td, err := h.resolve(addr)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if td.intf == nil {
		return ErrNoInterface
	}
	td.intf.Close()
	td.intf = nil
	td.epIn = nil
	td.epOut = nil
	return nil
}

// WaitForConnection blocks until a new device appears on the bus.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-h.connectCh:
		return port, nil
	}
}

// WaitForDisconnection blocks until a tracked device disappears from the
// bus.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-h.disconnectCh:
		return port, nil
	}
}

// resolve finds the tracked device for addr, treating address 0 as "the
// device currently pending address assignment."
func (h *HostHAL) resolve(addr hal.DeviceAddress) (*trackedDevice, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if addr == 0 {
		if h.pending == nil {
			return nil, ErrNoPendingDevice
		}
		return h.pending, nil
	}
	td, ok := h.byAddr[addr]
	if !ok {
		return nil, ErrNotConnected
	}
	return td, nil
}

// monitor periodically rescans the bus, reporting newly seen and
// disappeared devices, mirroring the fifo HAL's directory-polling loop.
func (h *HostHAL) monitor() {
	defer h.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.rescan()
		}
	}
}

// rescan refreshes the device snapshot and emits connect/disconnect
// notifications for the difference. OpenDevices reopens a handle for
// every matching device on each call, so a device already addressed
// through a prior handle in byAddr keeps working through that handle
// until it is explicitly reset or detached; the snapshot in h.devices
// only drives NumPorts/GetPortStatus/ResetPort for newly seen devices.
func (h *HostHAL) rescan() {
	found, err := h.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool { return true })
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "gousb device scan failed", "error", err)
		return
	}

	h.mu.Lock()
	prev := h.devices
	next := make([]*trackedDevice, 0, len(found))
	for i, dev := range found {
		next = append(next, &trackedDevice{dev: dev, port: i + 1})
	}
	h.devices = next
	added := len(next) - len(prev)
	h.mu.Unlock()

	if added > 0 {
		for i := len(prev); i < len(next); i++ {
			select {
			case h.connectCh <- i + 1:
			default:
			}
		}
	} else if added < 0 {
		for i := len(next); i < len(prev); i++ {
			select {
			case h.disconnectCh <- i + 1:
			default:
			}
			h.mu.Lock()
			h.closeDeviceLocked(prev[i])
			h.mu.Unlock()
		}
	}
}

// speedFromGousb maps gousb's speed enum onto this module's hal.Speed.
func speedFromGousb(s gousb.Speed) hal.Speed {
	switch s {
	case gousb.SpeedLow:
		return hal.SpeedLow
	case gousb.SpeedFull:
		return hal.SpeedFull
	case gousb.SpeedHigh, gousb.SpeedSuper:
		return hal.SpeedHigh
	default:
		return hal.SpeedUnknown
	}
}
