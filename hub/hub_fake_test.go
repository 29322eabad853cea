package hub

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// This file implements a deterministic, in-package fake of the three
// external collaborators (HostController, HubClassRequests,
// EnumerationEngine), in the style of the mock HAL used elsewhere in
// this module's host package tests. Completions are queued rather
// than invoked inline, matching how a real asynchronous transfer
// pipeline behaves: a submission always returns before its callback
// runs. Tests drive time forward explicitly with step/drainAll.

type fakeBus struct {
	mu    sync.Mutex
	queue []func()

	hubs map[DeviceHandle]*fakeHubState

	controllerCalls []BusControlOp
	controllerErr   error

	attachCalls  []fakeAttachCall
	attachErr    error
	detachCalls  []DeviceHandle
	nextDeviceID int

	infoAddress map[DeviceHandle]uint32
	infoLevel   map[DeviceHandle]uint32
	infoSpeed   map[DeviceHandle]uint32
}

type fakeAttachCall struct {
	host          HostHandle
	speed         Speed
	parentAddress uint8
	port          int
	tier          int
}

type fakeHubState struct {
	device DeviceHandle

	portCount uint8
	thinkBits uint8

	nextHubStatus  uint32
	nextPortStatus map[int]uint32
	// portStatusQueue holds per-port scripted GET_STATUS(port) responses
	// consumed in FIFO order; once drained, GetPortStatus falls back to
	// nextPortStatus's steady-state value.
	portStatusQueue map[int][]uint32

	setInterfaceErr  error
	getDescriptorErr error
	getStatusErr     error
	getPortStatusErr map[int]error
	sendResetErr     error
	remoteWakeupErr  error

	interruptBuf []byte
	interruptCb  CompletionFunc

	deinitCalled bool
	calls        []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		hubs:        make(map[DeviceHandle]*fakeHubState),
		infoAddress: make(map[DeviceHandle]uint32),
		infoLevel:   make(map[DeviceHandle]uint32),
		infoSpeed:   make(map[DeviceHandle]uint32),
	}
}

func (b *fakeBus) newHub(device DeviceHandle, address uint8, portCount uint8) *fakeHubState {
	hs := &fakeHubState{
		device:           device,
		portCount:        portCount,
		nextPortStatus:   make(map[int]uint32),
		portStatusQueue:  make(map[int][]uint32),
		getPortStatusErr: make(map[int]error),
	}
	b.hubs[device] = hs
	b.infoAddress[device] = uint32(address)
	b.infoLevel[device] = 1
	return hs
}

func (b *fakeBus) enqueue(fn func()) {
	b.mu.Lock()
	b.queue = append(b.queue, fn)
	b.mu.Unlock()
}

// step runs the oldest queued completion, returning false if none is
// pending.
func (b *fakeBus) step() bool {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return false
	}
	fn := b.queue[0]
	b.queue = b.queue[1:]
	b.mu.Unlock()
	fn()
	return true
}

// drainAll runs every queued completion, including ones newly queued
// as a side effect of an earlier one (bounded to avoid an infinite
// loop on a test bug).
func (b *fakeBus) drainAll() {
	for i := 0; i < 10000; i++ {
		if !b.step() {
			return
		}
	}
}

// --- HostController ---

func (b *fakeBus) ControllerIoctl(op BusControlOp) error {
	b.controllerCalls = append(b.controllerCalls, op)
	return b.controllerErr
}

// --- HubClassRequests ---

func (b *fakeBus) Init(dev DeviceHandle) (ClassHandle, error) {
	hs, ok := b.hubs[dev]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return hs, nil
}

func (b *fakeBus) Deinit(h ClassHandle) error {
	h.(*fakeHubState).deinitCalled = true
	return nil
}

func (b *fakeBus) SetInterface(h ClassHandle, alt uint8, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, "SetInterface")
	err := hs.setInterfaceErr
	b.enqueue(func() { cb(0, err) })
	return nil
}

func (b *fakeBus) GetDescriptor(h ClassHandle, buf []byte, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, fmt.Sprintf("GetDescriptor:%d", len(buf)))
	if len(buf) >= 4 {
		buf[2] = hs.portCount
		buf[3] = hs.thinkBits << 5
	}
	err := hs.getDescriptorErr
	n := len(buf)
	b.enqueue(func() { cb(n, err) })
	return nil
}

func (b *fakeBus) GetStatus(h ClassHandle, buf []byte, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, "GetStatus")
	binary.LittleEndian.PutUint32(buf, hs.nextHubStatus)
	err := hs.getStatusErr
	n := len(buf)
	b.enqueue(func() { cb(n, err) })
	return nil
}

func (b *fakeBus) GetPortStatus(h ClassHandle, port int, buf []byte, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, fmt.Sprintf("GetPortStatus:%d", port))
	var v uint32
	if q := hs.portStatusQueue[port]; len(q) > 0 {
		v = q[0]
		hs.portStatusQueue[port] = q[1:]
	} else {
		v = hs.nextPortStatus[port]
	}
	binary.LittleEndian.PutUint32(buf, v)
	err := hs.getPortStatusErr[port]
	n := len(buf)
	b.enqueue(func() { cb(n, err) })
	return nil
}

// queuePortStatus schedules values to be returned by successive
// GetPortStatus calls on port, in order.
func (b *fakeBus) queuePortStatus(hs *fakeHubState, port int, values ...uint32) {
	hs.portStatusQueue[port] = append(hs.portStatusQueue[port], values...)
}

func (b *fakeBus) SetPortFeature(h ClassHandle, port int, feature uint16, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, fmt.Sprintf("SetPortFeature:%d:%d", port, feature))
	b.enqueue(func() { cb(0, nil) })
	return nil
}

func (b *fakeBus) ClearPortFeature(h ClassHandle, port int, feature uint16, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, fmt.Sprintf("ClearPortFeature:%d:%d", port, feature))
	b.enqueue(func() { cb(0, nil) })
	return nil
}

func (b *fakeBus) ClearFeature(h ClassHandle, feature uint16, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, fmt.Sprintf("ClearFeature:%d", feature))
	b.enqueue(func() { cb(0, nil) })
	return nil
}

func (b *fakeBus) InterruptRecv(h ClassHandle, buf []byte, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, "InterruptRecv")
	hs.interruptBuf = buf
	hs.interruptCb = cb
	return nil
}

func (b *fakeBus) SendPortReset(h ClassHandle, port int) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, fmt.Sprintf("SendPortReset:%d", port))
	return hs.sendResetErr
}

func (b *fakeBus) SetRemoteWakeup(h ClassHandle, cb CompletionFunc) error {
	hs := h.(*fakeHubState)
	hs.calls = append(hs.calls, "SetRemoteWakeup")
	err := hs.remoteWakeupErr
	b.enqueue(func() { cb(0, err) })
	return nil
}

// --- EnumerationEngine ---

func (b *fakeBus) AttachDevice(host HostHandle, speed Speed, parentAddress uint8, port int, tier int) (DeviceHandle, error) {
	b.attachCalls = append(b.attachCalls, fakeAttachCall{host, speed, parentAddress, port, tier})
	if b.attachErr != nil {
		return nil, b.attachErr
	}
	b.nextDeviceID++
	return fmt.Sprintf("dev-%d@%d:%d", b.nextDeviceID, parentAddress, port), nil
}

func (b *fakeBus) DetachDeviceInternal(host HostHandle, dev DeviceHandle) error {
	b.detachCalls = append(b.detachCalls, dev)
	return nil
}

func (b *fakeBus) PeripheralInfo(dev DeviceHandle, kind InfoKind) (uint32, error) {
	switch kind {
	case InfoAddress:
		return b.infoAddress[dev], nil
	case InfoLevel:
		return b.infoLevel[dev], nil
	case InfoSpeed:
		return b.infoSpeed[dev], nil
	default:
		return 0, nil
	}
}

// deliverInterrupt feeds a status bitmap to a hub's most recently
// armed interrupt-IN pipe and drains every resulting completion.
func (b *fakeBus) deliverInterrupt(hs *fakeHubState, bits []byte) {
	copy(hs.interruptBuf, bits)
	cb := hs.interruptCb
	hs.interruptCb = nil
	n := len(bits)
	b.enqueue(func() { cb(n, nil) })
	b.drainAll()
}

func portChangeBitmap(size int, bits ...int) []byte {
	buf := make([]byte, size)
	for _, bit := range bits {
		buf[bit/8] |= 1 << uint(bit%8)
	}
	return buf
}

func statusWord(status, change uint32) uint32 {
	return status | change<<16
}
