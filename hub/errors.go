package hub

import "errors"

// Error kinds surfaced by this layer.
var (
	// ErrTransferSubmitFailed indicates a request could not be queued
	// with the host controller.
	ErrTransferSubmitFailed = errors.New("hub: transfer submit failed")

	// ErrTransferCompletedWithError indicates a queued transfer
	// completed but reported an error.
	ErrTransferCompletedWithError = errors.New("hub: transfer completed with error")

	// ErrUnsupported indicates the interface is not hub class/subclass
	// 0, or its tier exceeds MaxTier.
	ErrUnsupported = errors.New("hub: unsupported interface")

	// ErrAllocFailed indicates the external hub-class init failed.
	ErrAllocFailed = errors.New("hub: allocation failed")

	// ErrInvalidHandle indicates an operation referenced a hub address
	// or host handle the registry does not recognize.
	ErrInvalidHandle = errors.New("hub: invalid handle")

	// ErrPortCountExceeded indicates bNbrPorts exceeded MaxPort; the
	// hub is abandoned with no state change.
	ErrPortCountExceeded = errors.New("hub: port count exceeds maximum")

	// ErrNoPowerManagement indicates Suspend/Resume were called on a
	// Registry not constructed WithPowerManagement.
	ErrNoPowerManagement = errors.New("hub: power management not enabled")

	// ErrNotSuspended indicates suspend failed after exhausting
	// remote-wakeup retries on some hub in the chain.
	ErrNotSuspended = errors.New("hub: not suspended")

	// ErrRegistryFull indicates no free registry slot exists for a new
	// host handle (MaxHost exceeded).
	ErrRegistryFull = errors.New("hub: registry table full")
)
