// Package usb defines the contracts shared by the USB device class drivers:
// the endpoint primitive layer supplied by a device-controller backend, the
// class driver interface invoked by the device core, and the decoded form of
// control requests.
//
// All class driver entry points are invoked from the device core's event
// dispatch context and must not block. Waiting for the host is always
// expressed as arming a transfer and returning; the continuation is a later
// callback with the relevant state kept in the class handle.
package usb

import "errors"

// Endpoint transfer types, matching the bmAttributes encoding.
type EndpointType uint8

const (
	EndpointControl   EndpointType = 0x00
	EndpointBulk      EndpointType = 0x02
	EndpointInterrupt EndpointType = 0x03
)

// Speed is the negotiated link speed, used by class drivers to select
// endpoint packet sizes.
type Speed uint8

const (
	FullSpeed Speed = iota
	HighSpeed
)

var (
	// ErrBusy is returned when a transfer is requested while the previous
	// one on the same endpoint has not completed yet. The caller must retry
	// after the completion callback fires; nothing is queued.
	ErrBusy = errors.New("usb: transfer busy")

	// ErrStall reports a protocol violation that the controller answers
	// with a stalled control transfer.
	ErrStall = errors.New("usb: request stalled")

	// ErrNotReady reports an entry point invoked before Init completed,
	// or after a failed Init left the class without a handle.
	ErrNotReady = errors.New("usb: class not initialized")

	// ErrResetRequested is returned by a class driver when the protocol has
	// reached a point of no return that requires a full system reset (DFU
	// manifestation without manifestation tolerance). The decision to
	// actually reset belongs to the outermost owner of the device.
	ErrResetRequested = errors.New("usb: system reset requested")
)

// Controller is the endpoint primitive layer of a USB device controller.
// Transmit and PrepareReceive are non-blocking; their completions are
// delivered later through the class driver's DataIn and DataOut callbacks.
type Controller interface {
	OpenEndpoint(addr uint8, kind EndpointType, maxPacket uint16) error
	CloseEndpoint(addr uint8) error
	FlushEndpoint(addr uint8) error

	// Transmit starts an IN transfer on the given endpoint. The buffer is
	// borrowed until the matching DataIn callback fires.
	Transmit(addr uint8, data []byte) error

	// PrepareReceive arms an OUT endpoint with a receive buffer. The buffer
	// is borrowed until the matching DataOut callback fires.
	PrepareReceive(addr uint8, buf []byte) error

	// ReceivedLength reports the byte count of the last completed OUT
	// transfer on the endpoint, which may be less than the armed capacity.
	ReceivedLength(addr uint8) int

	// SendControlData queues the data stage of a device-to-host control
	// transfer on endpoint 0.
	SendControlData(data []byte) error

	// PrepareControlReceive arms endpoint 0 for the data stage of a
	// host-to-device control transfer. Arrival is signaled through the
	// class driver's EP0RxReady callback.
	PrepareControlReceive(buf []byte) error

	// ControlError stalls the current control transfer, signaling a
	// protocol error to the host.
	ControlError()

	// ControlIdle reports whether endpoint 0 is between control transfers.
	ControlIdle() bool
}

// Class is the contract every device class driver implements. The device
// core selects one Class per configuration activation and routes all events
// through it; the binding is not changed afterwards.
//
// Every method must tolerate being called when a preceding Init failed:
// the driver degrades to a safe no-op instead of dereferencing missing
// state.
type Class interface {
	// Init opens the class endpoints with packet sizes for the given speed
	// and allocates the class handle. Called once per configuration
	// activation.
	Init(ctl Controller, speed Speed) error

	// DeInit closes the class endpoints and releases the handle. Safe to
	// call repeatedly and after a partially failed Init.
	DeInit(ctl Controller) error

	// Setup handles a decoded control request addressed to the class.
	Setup(ctl Controller, req Request) error

	// DataIn is invoked when a non-control IN transfer completes.
	DataIn(ctl Controller, ep uint8) error

	// DataOut is invoked when a non-control OUT transfer completes.
	DataOut(ctl Controller, ep uint8) error

	// EP0RxReady is invoked when the data stage of a host-to-device control
	// transfer has fully arrived in the buffer armed during Setup.
	EP0RxReady(ctl Controller) error

	// ConfigDescriptor returns the static configuration descriptor bytes
	// for the given speed.
	ConfigDescriptor(speed Speed) []byte

	// QualifierDescriptor returns the static device qualifier descriptor.
	QualifierDescriptor() []byte
}
