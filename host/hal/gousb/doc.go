// Package gousb implements hal.HostHAL over github.com/google/gousb, giving
// the host stack a real-hardware transport alongside the fifo and linux
// HALs.
//
// libusb (and therefore gousb) performs device enumeration itself: by the
// time a *gousb.Device exists, the kernel or libusb's own enumeration has
// already reset the port and assigned an address. That is a different
// division of labor than hal.HostHAL assumes, where ResetPort/SetDeviceAddress
// are driven explicitly by this module's own enumeration sequence. This HAL
// reconciles the two by treating "port" as an index into a snapshot of
// already-enumerated gousb devices rather than a host-controller root port
// register: NumPorts/GetPortStatus report what gousb's device list already
// shows, ResetPort degrades to libusb's own device reset (it cannot put a
// device back at address 0 the way a root hub's reset signal does), and
// SetDeviceAddress only records the new address for the device awaiting one,
// without issuing a request on the wire, since gousb devices are already
// addressed.
// Control, bulk, and interrupt transfers, by contrast, map directly onto
// gousb's Device/Interface/Endpoint API with no seam at all.
package gousb
