// Package emu provides an in-memory implementation of the usb.Controller
// contract together with a host-side driver, so class drivers can be
// exercised end to end without device-controller hardware.
//
// The emulation follows the single-threaded, event-dispatch model of the
// real controller: transfers armed by the class complete only when the
// host side pumps them.
package emu

import (
	"fmt"

	"github.com/virtcom/usbgadget/usb"
)

type endpointState struct {
	kind      usb.EndpointType
	maxPacket uint16
	open      bool
	flushes   int

	txData []byte // pending IN transfer, borrowed from the class
	rxBuf  []byte // armed OUT buffer, borrowed from the class
	rxLen  int    // byte count of the last completed OUT transfer
}

type ep0State uint8

const (
	ep0Idle ep0State = iota
	ep0DataIn
	ep0DataOut
	ep0Stalled
)

// Controller is an in-memory endpoint controller.
type Controller struct {
	endpoints map[uint8]*endpointState

	ep0      ep0State
	ep0Tx    []byte
	ep0Rx    []byte
	ep0RxCap int
}

// NewController returns an empty controller with no endpoints open.
func NewController() *Controller {
	return &Controller{endpoints: make(map[uint8]*endpointState)}
}

func (c *Controller) OpenEndpoint(addr uint8, kind usb.EndpointType, maxPacket uint16) error {
	c.endpoints[addr] = &endpointState{kind: kind, maxPacket: maxPacket, open: true}
	return nil
}

func (c *Controller) CloseEndpoint(addr uint8) error {
	ep, ok := c.endpoints[addr]
	if !ok {
		return nil
	}
	ep.open = false
	ep.txData = nil
	ep.rxBuf = nil
	return nil
}

func (c *Controller) FlushEndpoint(addr uint8) error {
	ep, ok := c.endpoints[addr]
	if !ok {
		return fmt.Errorf("emu: flush on unopened endpoint %#02x", addr)
	}
	ep.flushes++
	ep.txData = nil
	return nil
}

func (c *Controller) Transmit(addr uint8, data []byte) error {
	ep, ok := c.endpoints[addr]
	if !ok || !ep.open {
		return fmt.Errorf("emu: transmit on unopened endpoint %#02x", addr)
	}
	if ep.txData != nil {
		return usb.ErrBusy
	}
	ep.txData = data
	return nil
}

func (c *Controller) PrepareReceive(addr uint8, buf []byte) error {
	ep, ok := c.endpoints[addr]
	if !ok || !ep.open {
		return fmt.Errorf("emu: receive on unopened endpoint %#02x", addr)
	}
	ep.rxBuf = buf
	return nil
}

func (c *Controller) ReceivedLength(addr uint8) int {
	if ep, ok := c.endpoints[addr]; ok {
		return ep.rxLen
	}
	return 0
}

func (c *Controller) SendControlData(data []byte) error {
	c.ep0 = ep0DataIn
	c.ep0Tx = data
	return nil
}

func (c *Controller) PrepareControlReceive(buf []byte) error {
	c.ep0 = ep0DataOut
	c.ep0Rx = buf
	c.ep0RxCap = len(buf)
	return nil
}

func (c *Controller) ControlError() {
	c.ep0 = ep0Stalled
	c.ep0Tx = nil
	c.ep0Rx = nil
}

func (c *Controller) ControlIdle() bool { return c.ep0 == ep0Idle }

// EndpointOpen reports whether the endpoint is currently open.
func (c *Controller) EndpointOpen(addr uint8) bool {
	ep, ok := c.endpoints[addr]
	return ok && ep.open
}

// Flushes reports how many times the endpoint has been flushed.
func (c *Controller) Flushes(addr uint8) int {
	if ep, ok := c.endpoints[addr]; ok {
		return ep.flushes
	}
	return 0
}

// PendingIn returns the in-flight IN transfer on the endpoint, or nil.
func (c *Controller) PendingIn(addr uint8) []byte {
	if ep, ok := c.endpoints[addr]; ok {
		return ep.txData
	}
	return nil
}
