package usb

import (
	"fmt"
	"log/slog"
)

// DeviceConfig carries the static parameters of a Device.
type DeviceConfig struct {
	Speed  Speed
	Logger *slog.Logger
}

// Device is a minimal device core: it owns one controller and one class
// driver per configuration activation and serializes event delivery into the
// class. The class binding is fixed at construction and never rebound.
type Device struct {
	ctl        Controller
	class      Class
	speed      Speed
	logger     *slog.Logger
	configured bool
}

// NewDevice binds a class driver to a controller backend.
func NewDevice(ctl Controller, class Class, cfg DeviceConfig) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		ctl:    ctl,
		class:  class,
		speed:  cfg.Speed,
		logger: logger,
	}
}

// Speed returns the negotiated link speed.
func (d *Device) Speed() Speed { return d.speed }

// Controller returns the endpoint primitive layer backing the device.
func (d *Device) Controller() Controller { return d.ctl }

// Configure activates the class driver, opening its endpoints.
func (d *Device) Configure() error {
	if d.configured {
		return nil
	}
	if err := d.class.Init(d.ctl, d.speed); err != nil {
		return fmt.Errorf("class init: %w", err)
	}
	d.configured = true
	return nil
}

// Unconfigure deactivates the class driver. Safe to call repeatedly.
func (d *Device) Unconfigure() error {
	d.configured = false
	return d.class.DeInit(d.ctl)
}

// Setup routes a control request. Standard device-level descriptor reads
// that the class answers statically are served here; everything else goes
// through the class driver's Setup.
func (d *Device) Setup(req Request) error {
	d.logger.Debug("setup", "req", req.String())

	if req.Type() == ReqTypeStandard && req.RequestType&ReqRecipientMask == ReqRecipientDevice {
		switch req.Request {
		case ReqGetDescriptor:
			switch uint8(req.Value >> 8) {
			case DescTypeConfiguration:
				return d.sendDescriptor(d.class.ConfigDescriptor(d.speed), req.Length)
			case DescTypeQualifier:
				return d.sendDescriptor(d.class.QualifierDescriptor(), req.Length)
			}
		case ReqSetConfiguration:
			if req.Value == 0 {
				return d.Unconfigure()
			}
			return d.Configure()
		case ReqGetConfiguration:
			var v uint8
			if d.configured {
				v = 1
			}
			return d.ctl.SendControlData([]byte{v})
		}
	}
	return d.class.Setup(d.ctl, req)
}

// DataIn forwards an IN transfer completion on a non-control endpoint.
func (d *Device) DataIn(ep uint8) error { return d.class.DataIn(d.ctl, ep) }

// DataOut forwards an OUT transfer completion on a non-control endpoint.
func (d *Device) DataOut(ep uint8) error { return d.class.DataOut(d.ctl, ep) }

// EP0RxReady forwards the arrival of a control data stage. A returned
// ErrResetRequested means the class has reached a point where only a system
// reset can continue (DFU manifestation); the caller owns that decision.
func (d *Device) EP0RxReady() error { return d.class.EP0RxReady(d.ctl) }

func (d *Device) sendDescriptor(desc []byte, wLength uint16) error {
	if len(desc) == 0 {
		d.ctl.ControlError()
		return ErrStall
	}
	if int(wLength) < len(desc) {
		desc = desc[:wLength]
	}
	return d.ctl.SendControlData(desc)
}
