package emu

import (
	"fmt"

	"github.com/virtcom/usbgadget/usb"
)

// Host drives a usb.Device from the host side, completing the transfers the
// class drivers arm on the emulated controller. It reproduces the ordering
// guarantees of the real core: Setup happens-before the matching EP0RxReady,
// and DataIn/DataOut fire only when the transfer fully completes.
type Host struct {
	Dev *usb.Device
	Ctl *Controller
}

// NewHost attaches a host driver to a device backed by an emu controller.
func NewHost(dev *usb.Device, ctl *Controller) *Host {
	return &Host{Dev: dev, Ctl: ctl}
}

// ControlOut performs a host-to-device control transfer. The payload, if
// any, is delivered into the buffer the class armed during Setup, followed
// by the EP0RxReady continuation.
func (h *Host) ControlOut(req usb.Request, payload []byte) error {
	h.Ctl.ep0 = ep0Idle
	if err := h.Dev.Setup(req); err != nil {
		return err
	}
	if h.Ctl.ep0 == ep0Stalled {
		h.Ctl.ep0 = ep0Idle
		return usb.ErrStall
	}
	if req.Length == 0 {
		h.Ctl.ep0 = ep0Idle
		return nil
	}
	if h.Ctl.ep0 != ep0DataOut {
		return fmt.Errorf("emu: device did not arm a control receive for %d bytes", req.Length)
	}
	if len(payload) > h.Ctl.ep0RxCap {
		return fmt.Errorf("emu: control payload %d exceeds armed capacity %d", len(payload), h.Ctl.ep0RxCap)
	}
	copy(h.Ctl.ep0Rx, payload)
	h.Ctl.ep0 = ep0Idle
	err := h.Dev.EP0RxReady()
	if h.Ctl.ep0 == ep0Stalled {
		h.Ctl.ep0 = ep0Idle
		if err == nil {
			err = usb.ErrStall
		}
	}
	return err
}

// ControlIn performs a device-to-host control transfer and returns the data
// stage bytes the class queued.
func (h *Host) ControlIn(req usb.Request) ([]byte, error) {
	h.Ctl.ep0 = ep0Idle
	if err := h.Dev.Setup(req); err != nil {
		return nil, err
	}
	if h.Ctl.ep0 == ep0Stalled {
		h.Ctl.ep0 = ep0Idle
		return nil, usb.ErrStall
	}
	data := h.Ctl.ep0Tx
	h.Ctl.ep0Tx = nil
	h.Ctl.ep0 = ep0Idle
	if int(req.Length) < len(data) {
		data = data[:req.Length]
	}
	return data, nil
}

// CompleteIn finishes the in-flight IN transfer on a bulk or interrupt
// endpoint, returning the bytes the device sent.
func (h *Host) CompleteIn(ep uint8) ([]byte, error) {
	st, ok := h.Ctl.endpoints[ep]
	if !ok || st.txData == nil {
		return nil, fmt.Errorf("emu: no IN transfer pending on endpoint %#02x", ep)
	}
	data := st.txData
	st.txData = nil
	if err := h.Dev.DataIn(ep &^ 0x80); err != nil {
		return nil, err
	}
	return data, nil
}

// SendOut delivers host data into the armed OUT buffer of a bulk endpoint
// and fires the DataOut completion.
func (h *Host) SendOut(ep uint8, data []byte) error {
	st, ok := h.Ctl.endpoints[ep]
	if !ok || st.rxBuf == nil {
		return fmt.Errorf("emu: no receive armed on endpoint %#02x", ep)
	}
	if len(data) > len(st.rxBuf) {
		return fmt.Errorf("emu: OUT payload %d exceeds armed capacity %d", len(data), len(st.rxBuf))
	}
	copy(st.rxBuf, data)
	st.rxLen = len(data)
	st.rxBuf = nil
	return h.Dev.DataOut(ep)
}
