// Package factory builds device drivers from configuration. It is the only
// package that knows every driver; the server and registry stay driver
// agnostic.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/ljchang/hyperstudy-bridge-sub001/config"
	"github.com/ljchang/hyperstudy-bridge-sub001/device"
	"github.com/ljchang/hyperstudy-bridge-sub001/device/biopac"
	"github.com/ljchang/hyperstudy-bridge-sub001/device/kernel"
	"github.com/ljchang/hyperstudy-bridge-sub001/device/lsl"
	"github.com/ljchang/hyperstudy-bridge-sub001/device/mock"
	"github.com/ljchang/hyperstudy-bridge-sub001/device/pupil"
	"github.com/ljchang/hyperstudy-bridge-sub001/device/ttl"
	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
	"github.com/ljchang/hyperstudy-bridge-sub001/perf"
)

// Deps carries the shared infrastructure injected into every driver.
type Deps struct {
	Sink device.EventSink
	Bus  device.Bus
	Mon  *perf.Monitor
	Log  *slog.Logger
}

// New builds one driver by type name and applies its settings.
func New(id string, cfg config.DeviceConfig, deps Deps) (device.Device, error) {
	var dev device.Device
	switch cfg.Type {
	case "ttl":
		dev = ttl.New(id, deps.Sink, deps.Mon, deps.Log, nil)
	case "kernel":
		dev = kernel.New(id, deps.Sink, deps.Mon, deps.Log)
	case "pupil":
		dev = pupil.New(id, deps.Sink, deps.Mon, deps.Log)
	case "biopac":
		dev = biopac.New(id, deps.Sink, deps.Mon, deps.Log)
	case "lsl":
		if deps.Bus == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: device %q needs a bus connection", errors.ErrMissingConfig, id),
				"Factory", "New", "dependency check")
		}
		dev = lsl.New(id, deps.Bus, deps.Sink, deps.Mon, deps.Log)
	case "mock":
		dev = mock.New(id, deps.Sink, deps.Log)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown device type %q", errors.ErrInvalidConfig, cfg.Type),
			"Factory", "New", "type check")
	}

	if len(cfg.Settings) > 0 {
		if err := dev.Configure(cfg.Settings); err != nil {
			if c, ok := dev.(device.Closer); ok {
				_ = c.Close()
			}
			return nil, err
		}
	}
	return dev, nil
}

// Populate builds every enabled device from cfg and registers it. Disabled
// devices are skipped; the first build or registration failure aborts.
func Populate(reg *device.Registry, devices map[string]config.DeviceConfig, deps Deps) error {
	for id, devCfg := range devices {
		if !devCfg.Enabled {
			continue
		}
		dev, err := New(id, devCfg, deps)
		if err != nil {
			return errors.Wrap(err, "Factory", "Populate", "build "+id)
		}
		if err := reg.Register(dev); err != nil {
			if c, ok := dev.(device.Closer); ok {
				_ = c.Close()
			}
			return errors.Wrap(err, "Factory", "Populate", "register "+id)
		}
	}
	return nil
}
