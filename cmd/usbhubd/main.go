// Command usbhubd runs the hub class driver against one of the pack's
// three host HALs and logs every hub and device lifecycle event.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardnew/usbhub/host"
	"github.com/ardnew/usbhub/host/hal"
	"github.com/ardnew/usbhub/host/hal/fifo"
	"github.com/ardnew/usbhub/host/hal/gousb"
	"github.com/ardnew/usbhub/hub"
	"github.com/ardnew/usbhub/pkg"

	_ "github.com/ardnew/usbhub/pkg/prof" // registers /debug/pprof/ when built with -tags profile
)

const component pkg.Component = "usbhubd"

var (
	verbose   = flag.Bool("v", false, "enable verbose logging")
	jsonOut   = flag.Bool("json", false, "output logs as JSON")
	halName   = flag.String("hal", "fifo", "HAL backend: fifo, gousb, or linux")
	busDir    = flag.String("bus-dir", "/tmp/usbhub-bus", "backing directory for the fifo HAL")
	workers   = flag.Int("workers", 4, "transfer manager worker pool size")
	powerMgmt = flag.Bool("power", true, "enable the hub power-management sub-layer")
)

// newHAL constructs the requested HAL implementation. The linux HAL is
// only available on linux builds; requesting it elsewhere is a
// configuration error surfaced at startup rather than a build failure.
func newHAL(name string) (hal.HostHAL, error) {
	switch name {
	case "fifo":
		return fifo.NewHostHAL(*busDir), nil
	case "gousb":
		return gousb.NewHostHAL(), nil
	default:
		return newPlatformHAL(name)
	}
}

func main() {
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(slog.LevelInfo)
	}
	if *jsonOut {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	halImpl, err := newHAL(*halName)
	if err != nil {
		pkg.LogError(component, "failed to construct HAL", "hal", *halName, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := host.New(halImpl)
	tm := host.NewTransferManager(h, *workers)

	classAdapter := host.NewHubClassAdapter(tm, ctx)
	controlAdapter := host.NewHostControlAdapter(halImpl)
	enumAdapter := host.NewHubEnumerationAdapter(h)

	var opts []hub.Option
	if *powerMgmt {
		opts = append(opts, hub.WithPowerManagement())
	}
	registry, err := hub.GetOrCreate(hub.HostHandle(0), controlAdapter, classAdapter, enumAdapter, opts...)
	if err != nil {
		pkg.LogError(component, "failed to create hub registry", "error", err)
		os.Exit(1)
	}

	h.SetOnDeviceConnect(func(dev *host.Device) {
		onDeviceConnect(registry, dev)
	})
	h.SetOnDeviceDisconnect(func(dev *host.Device) {
		onDeviceDisconnect(registry, dev)
	})

	if err := tm.Start(ctx); err != nil {
		pkg.LogError(component, "failed to start transfer manager", "error", err)
		os.Exit(1)
	}
	defer tm.Stop()

	if err := h.Start(ctx); err != nil {
		pkg.LogError(component, "failed to start host", "error", err)
		os.Exit(1)
	}
	defer h.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pkg.LogInfo(component, "started", "hal", *halName, "ports", h.NumPorts())

	select {
	case <-sigCh:
		pkg.LogInfo(component, "shutting down")
	case <-ctx.Done():
	}
}

// onDeviceConnect classifies a newly enumerated root-port device into
// the hub registry. Non-hub devices are rejected by classify and simply
// logged; the registry itself ignores them going forward.
func onDeviceConnect(registry *hub.Registry, dev *host.Device) {
	pkg.LogInfo(component, "device connected",
		"address", dev.Address(), "port", dev.Port(), "speed", dev.Speed())

	interfaces := toInterfaceInfo(dev)
	err := registry.DeviceEvent(dev, interfaces, dev.ParentAddress(), dev.Port(), hub.EventAttach)
	if err != nil {
		pkg.LogDebug(component, "device is not a hub", "address", dev.Address())
		return
	}
	if err := registry.DeviceEvent(dev, nil, dev.ParentAddress(), dev.Port(), hub.EventEnumerationDone); err != nil {
		pkg.LogWarn(component, "hub commit failed", "address", dev.Address(), "error", err)
	}
}

// onDeviceDisconnect tears down any hub instance rooted at dev. Devices
// that were never classified as hubs produce a harmless no-op.
func onDeviceDisconnect(registry *hub.Registry, dev *host.Device) {
	pkg.LogInfo(component, "device disconnected", "address", dev.Address(), "port", dev.Port())
	if err := registry.DeviceEvent(dev, nil, dev.ParentAddress(), dev.Port(), hub.EventDetach); err != nil {
		pkg.LogWarn(component, "hub detach failed", "address", dev.Address(), "error", err)
	}
}

// toInterfaceInfo projects a device's active configuration onto the
// InterfaceInfo slice DeviceEvent's classification step inspects.
func toInterfaceInfo(dev *host.Device) []hub.InterfaceInfo {
	ifaces := dev.Interfaces()
	out := make([]hub.InterfaceInfo, len(ifaces))
	for i, iface := range ifaces {
		out[i] = hub.InterfaceInfo{
			Number:   iface.InterfaceNumber,
			Class:    iface.InterfaceClass,
			Subclass: iface.InterfaceSubClass,
		}
	}
	return out
}
