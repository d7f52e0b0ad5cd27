// Package cdc implements a CDC ACM (virtual serial port) device class
// driver. The driver owns the endpoint traffic and the control-request
// plumbing; the serial semantics live in the application-supplied Handler.
//
// Data flow is pull-based in both directions. Transmit hands one buffer to
// the controller and reports completion through Handler.Transmitted; a
// second Transmit before that returns usb.ErrBusy. Reception stops whenever
// the application does not re-arm from Handler.Received, which is the
// backpressure mechanism: the host simply cannot deliver until a buffer is
// armed again.
package cdc

import (
	"fmt"

	"github.com/virtcom/usbgadget/usb"
)

// Handler carries the application callbacks of the ACM function. Any nil
// callback is skipped.
type Handler struct {
	// Init is called when the host activates the configuration. A returned
	// error aborts the activation.
	Init func() error

	// DeInit is called when the configuration is deactivated.
	DeInit func() error

	// Control receives class requests. For requests with a host-to-device
	// data stage it runs after the data arrived; op is the bRequest code,
	// value the wValue field. For device-to-host requests the handler fills
	// data before it is sent.
	Control func(op uint8, value uint16, data []byte) error

	// Transmitted reports completion of a Transmit with the buffer that was
	// sent.
	Transmitted func(data []byte)

	// Received delivers host data. The slice aliases the armed buffer and is
	// only valid until the next Receive.
	Received func(data []byte)
}

// state exists only between a successful Init and the matching DeInit.
type state struct {
	ctl usb.Controller

	txBuf  []byte
	txBusy bool
	rxBuf  []byte

	// staged host-to-device control request, executed in EP0RxReady
	cmdOp  uint8
	cmdLen int
	data   [dataBufSize]byte
}

// ACM is the class driver. The zero value is not usable; construct with New.
type ACM struct {
	handler Handler
	h       *state
}

// New returns an ACM driver with the given application callbacks.
func New(handler Handler) *ACM {
	return &ACM{handler: handler}
}

// Init opens the three ACM endpoints and activates the function.
func (c *ACM) Init(ctl usb.Controller, speed usb.Speed) error {
	mps := uint16(FSMaxPacketSize)
	if speed == usb.HighSpeed {
		mps = HSMaxPacketSize
	}
	if err := ctl.OpenEndpoint(InEP, usb.EndpointBulk, mps); err != nil {
		return fmt.Errorf("cdc: open IN endpoint: %w", err)
	}
	if err := ctl.OpenEndpoint(OutEP, usb.EndpointBulk, mps); err != nil {
		return fmt.Errorf("cdc: open OUT endpoint: %w", err)
	}
	if err := ctl.OpenEndpoint(CmdEP, usb.EndpointInterrupt, CmdPacketSize); err != nil {
		return fmt.Errorf("cdc: open CMD endpoint: %w", err)
	}
	c.h = &state{ctl: ctl, cmdOp: cmdNone}
	if c.handler.Init != nil {
		if err := c.handler.Init(); err != nil {
			c.h = nil
			return fmt.Errorf("cdc: handler init: %w", err)
		}
	}
	return nil
}

// DeInit closes the endpoints and deactivates the function. Safe to call
// repeatedly.
func (c *ACM) DeInit(ctl usb.Controller) error {
	if err := ctl.CloseEndpoint(InEP); err != nil {
		return err
	}
	if err := ctl.CloseEndpoint(OutEP); err != nil {
		return err
	}
	if err := ctl.CloseEndpoint(CmdEP); err != nil {
		return err
	}
	if c.h == nil {
		return nil
	}
	c.h = nil
	if c.handler.DeInit != nil {
		return c.handler.DeInit()
	}
	return nil
}

// Setup dispatches control requests addressed to the ACM interfaces.
func (c *ACM) Setup(ctl usb.Controller, req usb.Request) error {
	h := c.h
	if h == nil {
		ctl.ControlError()
		return usb.ErrNotReady
	}
	switch req.Type() {
	case usb.ReqTypeClass:
		n := int(req.Length)
		if n > len(h.data) {
			n = len(h.data)
		}
		if n == 0 {
			// No data stage; everything is in wValue (SET_CONTROL_LINE_STATE).
			if c.handler.Control != nil {
				return c.handler.Control(req.Request, req.Value, nil)
			}
			return nil
		}
		if req.In() {
			if c.handler.Control != nil {
				if err := c.handler.Control(req.Request, req.Value, h.data[:n]); err != nil {
					ctl.ControlError()
					return usb.ErrStall
				}
			}
			return ctl.SendControlData(h.data[:n])
		}
		// Data has not arrived yet; stage the opcode and finish the request
		// once EP0RxReady fires.
		h.cmdOp = req.Request
		h.cmdLen = n
		return ctl.PrepareControlReceive(h.data[:n])

	case usb.ReqTypeStandard:
		switch req.Request {
		case usb.ReqGetInterface:
			return ctl.SendControlData([]byte{0})
		case usb.ReqSetInterface, usb.ReqClearFeature:
			return nil
		}
	}
	ctl.ControlError()
	return usb.ErrStall
}

// EP0RxReady completes a staged host-to-device class request.
func (c *ACM) EP0RxReady(ctl usb.Controller) error {
	h := c.h
	if h == nil {
		return usb.ErrNotReady
	}
	if h.cmdOp == cmdNone {
		return nil
	}
	op, n := h.cmdOp, h.cmdLen
	h.cmdOp = cmdNone
	if c.handler.Control != nil {
		return c.handler.Control(op, 0, h.data[:n])
	}
	return nil
}

// DataIn completes the in-flight bulk IN transfer.
func (c *ACM) DataIn(ctl usb.Controller, ep uint8) error {
	h := c.h
	if h == nil {
		return usb.ErrNotReady
	}
	if ep != InEP&0x7F {
		return nil
	}
	buf := h.txBuf
	h.txBuf = nil
	h.txBusy = false
	if c.handler.Transmitted != nil {
		c.handler.Transmitted(buf)
	}
	return nil
}

// DataOut delivers a completed bulk OUT transfer to the application. The
// endpoint is not re-armed here; that is the application's call.
func (c *ACM) DataOut(ctl usb.Controller, ep uint8) error {
	h := c.h
	if h == nil {
		return usb.ErrNotReady
	}
	if ep != OutEP {
		return nil
	}
	n := ctl.ReceivedLength(OutEP)
	if c.handler.Received != nil {
		c.handler.Received(h.rxBuf[:n])
	}
	return nil
}

// Transmit starts a bulk IN transfer of data. It returns usb.ErrBusy while a
// previous transfer has not completed; the data is not queued.
func (c *ACM) Transmit(data []byte) error {
	h := c.h
	if h == nil {
		return usb.ErrNotReady
	}
	if h.txBusy {
		return usb.ErrBusy
	}
	h.txBusy = true
	h.txBuf = data
	if err := h.ctl.Transmit(InEP, data); err != nil {
		h.txBusy = false
		h.txBuf = nil
		return err
	}
	return nil
}

// Receive arms the bulk OUT endpoint with buf. The buffer is borrowed until
// Handler.Received fires.
func (c *ACM) Receive(buf []byte) error {
	h := c.h
	if h == nil {
		return usb.ErrNotReady
	}
	h.rxBuf = buf
	return h.ctl.PrepareReceive(OutEP, buf)
}

// ConfigDescriptor returns the 67-byte ACM configuration descriptor.
func (c *ACM) ConfigDescriptor(speed usb.Speed) []byte {
	if speed == usb.HighSpeed {
		return hsConfigDesc
	}
	return fsConfigDesc
}

// QualifierDescriptor returns the device qualifier descriptor.
func (c *ACM) QualifierDescriptor() []byte {
	return qualifierDesc
}
