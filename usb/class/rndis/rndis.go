// Package rndis implements the Remote NDIS (Ethernet over USB) device
// class. Control messages arrive encapsulated in class requests on endpoint
// 0 and are dispatched by message type over a single shared buffer; framed
// data packets travel over a bulk pipe pair.
//
// The dispatcher deliberately never stalls: malformed or unknown control
// messages are dropped without a response, as RNDIS hosts expect silence
// rather than protocol errors on that path.
package rndis

import (
	"errors"

	"github.com/virtcom/usbgadget/usb"
)

// responseAvailable is the fixed notification pushed out the interrupt
// endpoint when an encapsulated response is ready for collection.
var responseAvailable = []byte{1, 0, 0, 0, 0, 0, 0, 0}

// OIDEntry binds an object identifier to its query/set server. Serve is
// called with n == 0 for a query, filling buf and returning the response
// payload length, and with n > 0 for a set carrying n input bytes in buf.
type OIDEntry struct {
	OID   uint32
	Serve func(buf []byte, n int) (int, Status)
}

// Handler carries the application side of the RNDIS function. The OIDs
// table is the device's advertised capability set; it also answers the
// supported-list query.
type Handler struct {
	// Init is called when the host sends INITIALIZE and again after RESET.
	Init func() error

	// DeInit is called on RESET and when the configuration is deactivated.
	DeInit func() error

	// PacketReceived delivers the payload of a well-formed inbound packet.
	// The slice aliases the registered receive buffer.
	PacketReceived func(payload []byte)

	OIDs []OIDEntry
}

// state exists only between a successful Init and the matching DeInit.
type state struct {
	ctl usb.Controller

	// shared encapsulated command/response buffer
	data      [ctrlBufSize]byte
	msgLength int // expected length recorded at Setup time

	txLength        int
	rxBuf           []byte
	maxTransferSize uint32
}

// RNDIS is the class driver. Construct with New.
type RNDIS struct {
	handler Handler
	h       *state
}

// New returns an RNDIS driver with the given application callbacks.
func New(handler Handler) *RNDIS {
	return &RNDIS{handler: handler}
}

// Init opens the three RNDIS endpoints. The user Init hook is not called
// here; the host triggers it with the INITIALIZE message.
func (r *RNDIS) Init(ctl usb.Controller, speed usb.Speed) error {
	mps := uint16(FSMaxPacketSize)
	if speed == usb.HighSpeed {
		mps = HSMaxPacketSize
	}
	if err := ctl.OpenEndpoint(InEP, usb.EndpointBulk, mps); err != nil {
		return err
	}
	if err := ctl.OpenEndpoint(OutEP, usb.EndpointBulk, mps); err != nil {
		return err
	}
	if err := ctl.OpenEndpoint(CmdEP, usb.EndpointInterrupt, CmdPacketSize); err != nil {
		return err
	}
	r.h = &state{ctl: ctl, maxTransferSize: PacketHeaderSize}
	return nil
}

// DeInit closes the endpoints and deactivates the function. Safe to call
// repeatedly.
func (r *RNDIS) DeInit(ctl usb.Controller) error {
	if err := ctl.CloseEndpoint(InEP); err != nil {
		return err
	}
	if err := ctl.CloseEndpoint(OutEP); err != nil {
		return err
	}
	if err := ctl.CloseEndpoint(CmdEP); err != nil {
		return err
	}
	if r.h == nil {
		return nil
	}
	r.h = nil
	if r.handler.DeInit != nil {
		return r.handler.DeInit()
	}
	return nil
}

// Setup moves encapsulated commands and responses through endpoint 0. The
// message itself is interpreted later, in EP0RxReady, once it has fully
// arrived.
func (r *RNDIS) Setup(ctl usb.Controller, req usb.Request) error {
	h := r.h
	if h == nil {
		return usb.ErrNotReady
	}
	switch req.Type() {
	case usb.ReqTypeClass:
		if req.Length == 0 {
			return nil
		}
		if req.Request == ReqGetEncapsulatedResponse {
			n := int(le.Uint32(h.data[4:8])) // MessageLength of the staged response
			if n > len(h.data) {
				n = len(h.data)
			}
			return ctl.SendControlData(h.data[:n])
		}
		// SEND_ENCAPSULATED_COMMAND
		n := int(req.Length)
		if n > len(h.data) {
			n = len(h.data)
		}
		h.msgLength = n
		return ctl.PrepareControlReceive(h.data[:n])

	case usb.ReqTypeStandard:
		if req.Request == usb.ReqGetInterface {
			return ctl.SendControlData([]byte{0})
		}
	}
	return nil
}

// EP0RxReady dispatches a fully arrived encapsulated command. Dispatch is
// gated on the embedded MessageLength matching the length announced at
// Setup time, so a truncated transfer is never interpreted.
func (r *RNDIS) EP0RxReady(ctl usb.Controller) error {
	h := r.h
	if h == nil {
		return usb.ErrNotReady
	}
	hdr, err := DecodeHeader(h.data[:h.msgLength])
	if err != nil || int(hdr.Length) != h.msgLength {
		return nil
	}
	switch hdr.Type {
	case MsgInit:
		return r.handleInit()
	case MsgQuery:
		return r.handleQuery()
	case MsgSet:
		return r.handleSet()
	case MsgReset:
		return r.handleReset(ctl)
	case MsgKeepAlive:
		return r.handleKeepAlive()
	}
	// HALT, unknown types: dropped without a response
	return nil
}

func (r *RNDIS) handleInit() error {
	h := r.h
	msg, err := DecodeInitMsg(h.data[:h.msgLength])
	if err != nil {
		return nil
	}
	status := StatusSuccess
	if r.handler.Init != nil {
		if err := r.handler.Init(); err != nil {
			status = StatusFailure
		}
	}
	resp := InitCmplt{
		RequestID:             msg.RequestID,
		Status:                status,
		MajorVersion:          MajorVersion,
		MinorVersion:          MinorVersion,
		DeviceFlags:           1, // connectionless
		Medium:                Medium8023,
		MaxPacketsPerTransfer: 1,
		MaxTransferSize:       PacketHeaderSize,
	}
	// a registered receive buffer raises the transfer size floor
	if h.maxTransferSize > resp.MaxTransferSize {
		resp.MaxTransferSize = h.maxTransferSize
	}
	resp.Encode(h.data[:])
	return r.responseReady()
}

func (r *RNDIS) handleQuery() error {
	h := r.h
	msg, err := DecodeQueryMsg(h.data[:h.msgLength])
	if err != nil {
		return nil
	}
	payload := h.data[QueryCmpltSize:]
	status := StatusFailure
	n := 0
	if msg.OID == OIDGenSupportedList {
		for i, e := range r.handler.OIDs {
			le.PutUint32(payload[i*4:], e.OID)
		}
		n = 4 * len(r.handler.OIDs)
		status = StatusSuccess
	} else if e := r.lookupOID(msg.OID); e != nil {
		n, status = e.Serve(payload, 0)
	}
	QueryCmplt{
		RequestID:  msg.RequestID,
		Status:     status,
		InfoLength: uint32(n),
		InfoOffset: QueryCmpltSize - infoOffsetBase,
	}.Encode(h.data[:])
	return r.responseReady()
}

func (r *RNDIS) handleSet() error {
	h := r.h
	msg, err := DecodeSetMsg(h.data[:h.msgLength])
	if err != nil {
		return nil
	}
	status := StatusFailure
	if msg.Reserved == 0 {
		if e := r.lookupOID(msg.OID); e != nil {
			start := infoOffsetBase + int(msg.InfoOffset)
			end := start + int(msg.InfoLength)
			if start >= HeaderSize && end <= h.msgLength {
				_, status = e.Serve(h.data[start:end], int(msg.InfoLength))
			}
		}
	}
	SetCmplt{RequestID: msg.RequestID, Status: status}.Encode(h.data[:])
	return r.responseReady()
}

func (r *RNDIS) handleReset(ctl usb.Controller) error {
	h := r.h
	if r.handler.DeInit != nil {
		r.handler.DeInit()
	}
	ctl.FlushEndpoint(InEP)
	ctl.FlushEndpoint(OutEP)
	if r.handler.Init != nil {
		r.handler.Init()
	}
	h.txLength = 0
	ResetCmplt{Status: StatusSuccess, AddressingReset: 1}.Encode(h.data[:])
	return r.responseReady()
}

func (r *RNDIS) handleKeepAlive() error {
	h := r.h
	requestID := le.Uint32(h.data[8:12])
	KeepAliveCmplt{RequestID: requestID, Status: StatusSuccess}.Encode(h.data[:])
	return r.responseReady()
}

// DataIn frees the transmit path when the bulk IN transfer completes.
func (r *RNDIS) DataIn(ctl usb.Controller, ep uint8) error {
	h := r.h
	if h == nil {
		return usb.ErrNotReady
	}
	if ep == InEP&0x7F {
		h.txLength = 0
	}
	return nil
}

// DataOut re-validates packet framing on the received transfer and delivers
// the payload. Malformed frames are dropped silently; reception is not
// re-armed here.
func (r *RNDIS) DataOut(ctl usb.Controller, ep uint8) error {
	h := r.h
	if h == nil {
		return usb.ErrNotReady
	}
	if ep != OutEP || r.handler.PacketReceived == nil {
		return nil
	}
	n := ctl.ReceivedLength(OutEP)
	if n > len(h.rxBuf) {
		return nil
	}
	if payload := PacketPayload(h.rxBuf[:n]); payload != nil {
		r.handler.PacketReceived(payload)
	}
	return nil
}

// TransmitMessage starts a bulk IN transfer of one framed packet message
// (see EncodePacket). It returns usb.ErrBusy while a previous transfer is
// outstanding; nothing is queued.
func (r *RNDIS) TransmitMessage(frame []byte) error {
	h := r.h
	if h == nil {
		return usb.ErrNotReady
	}
	if h.txLength != 0 {
		return usb.ErrBusy
	}
	h.txLength = len(frame)
	if err := h.ctl.Transmit(InEP, frame); err != nil {
		h.txLength = 0
		return err
	}
	return nil
}

// SetReceiveBuffer registers the caller-owned packet buffer and arms bulk
// OUT reception into it. The capacity also raises the max-transfer-size
// floor advertised in INITIALIZE_CMPLT.
func (r *RNDIS) SetReceiveBuffer(buf []byte) error {
	h := r.h
	if h == nil {
		return usb.ErrNotReady
	}
	h.rxBuf = buf
	if h.maxTransferSize < uint32(len(buf)) {
		h.maxTransferSize = uint32(len(buf))
	}
	return h.ctl.PrepareReceive(OutEP, buf)
}

// SendStatus stages an INDICATE_STATUS message and notifies the host.
// Refused with usb.ErrBusy while endpoint 0 is mid-transfer, since the
// shared buffer may still carry an uncollected response.
func (r *RNDIS) SendStatus(status Status) error {
	h := r.h
	if h == nil {
		return usb.ErrNotReady
	}
	if !h.ctl.ControlIdle() {
		return usb.ErrBusy
	}
	encodeIndStatus(h.data[:], status)
	return r.responseReady()
}

func (r *RNDIS) lookupOID(oid uint32) *OIDEntry {
	for i := range r.handler.OIDs {
		if r.handler.OIDs[i].OID == oid {
			return &r.handler.OIDs[i]
		}
	}
	return nil
}

func (r *RNDIS) responseReady() error {
	err := r.h.ctl.Transmit(CmdEP, responseAvailable)
	if errors.Is(err, usb.ErrBusy) {
		// a notification already in flight covers this response too
		return nil
	}
	return err
}
