// Package dfu implements the USB Device Firmware Upgrade class (DFU 1.1).
// The whole protocol runs over endpoint 0: firmware blocks travel in the
// data stages of DNLOAD and UPLOAD control requests and the host paces the
// slow flash operations by polling GETSTATUS.
//
// Download data is not acted on when it arrives. The block is parked in the
// scratch buffer and the pending write or vendor command executes when the
// host's GETSTATUS poll moves the machine through DNLOAD_BUSY, after the
// busy record with the medium's poll time has been queued. The host
// therefore always learns how long to wait before the operation starts.
package dfu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/virtcom/usbgadget/usb"
)

// Config carries the static parameters of the DFU function.
type Config struct {
	// Media is the backing storage medium. Required.
	Media Media

	// XferSize is the block size and scratch-buffer capacity. Defaults to
	// DefaultXferSize.
	XferSize int

	// BaseAddress is the initial address pointer; block 2 of a download
	// lands here unless the host moves the pointer first.
	BaseAddress uint32

	// ManifestTolerant keeps the device usable after manifestation instead
	// of requiring a reset.
	ManifestTolerant bool

	// WillDetach advertises that the device performs the bus detach itself
	// on DETACH, using the Detach callback.
	WillDetach bool

	// Detach performs a bus detach/reattach cycle. Used when WillDetach is
	// set; ignored otherwise.
	Detach func() error
}

// state exists only between a successful Init and the matching DeInit.
type state struct {
	ctl usb.Controller

	st      State
	errCode uint8
	poll    uint32 // milliseconds
	iString uint8

	blockNum uint32
	length   int
	dataPtr  uint32

	manifestComplete bool
	altSetting       uint8

	buf []byte
}

// DFU is the class driver. Construct with New.
type DFU struct {
	cfg  Config
	xfer int
	h    *state
}

// New returns a DFU driver over the configured medium.
func New(cfg Config) *DFU {
	if cfg.XferSize <= 0 {
		cfg.XferSize = DefaultXferSize
	}
	return &DFU{cfg: cfg, xfer: cfg.XferSize}
}

// Init activates the function. DFU opens no endpoints; everything happens
// over endpoint 0.
func (d *DFU) Init(ctl usb.Controller, speed usb.Speed) error {
	d.h = &state{
		ctl:     ctl,
		st:      StateIdle,
		dataPtr: d.cfg.BaseAddress,
		buf:     make([]byte, d.xfer),
	}
	if err := d.cfg.Media.Init(); err != nil {
		d.h = nil
		return fmt.Errorf("dfu: media init: %w", err)
	}
	return nil
}

// DeInit deactivates the function. Safe to call repeatedly.
func (d *DFU) DeInit(ctl usb.Controller) error {
	if d.h == nil {
		return nil
	}
	d.h = nil
	if err := d.cfg.Media.DeInit(); err != nil {
		return fmt.Errorf("dfu: media deinit: %w", err)
	}
	return nil
}

// Setup dispatches DFU class requests.
func (d *DFU) Setup(ctl usb.Controller, req usb.Request) error {
	h := d.h
	if h == nil {
		ctl.ControlError()
		return usb.ErrNotReady
	}
	switch req.Type() {
	case usb.ReqTypeClass:
		switch req.Request {
		case ReqDnload:
			return d.download(ctl, req)
		case ReqUpload:
			return d.upload(ctl, req)
		case ReqGetStatus:
			return d.getStatus(ctl)
		case ReqClearStatus:
			return d.clearStatus()
		case ReqGetState:
			return ctl.SendControlData([]byte{uint8(h.st)})
		case ReqAbort:
			d.abort()
			return nil
		case ReqDetach:
			return d.detach(req)
		}
	case usb.ReqTypeStandard:
		switch req.Request {
		case usb.ReqGetInterface:
			return ctl.SendControlData([]byte{h.altSetting})
		case usb.ReqSetInterface:
			h.altSetting = uint8(req.Value)
			return nil
		case usb.ReqGetDescriptor:
			if uint8(req.Value>>8) == DescTypeFunctional {
				desc := d.functionalDescriptor()
				if int(req.Length) < len(desc) {
					desc = desc[:req.Length]
				}
				return ctl.SendControlData(desc)
			}
		}
	}
	return d.stall(ctl)
}

// EP0RxReady fires when a download block has fully arrived in the scratch
// buffer. The block is deliberately left untouched here; execution waits for
// the GETSTATUS poll.
func (d *DFU) EP0RxReady(ctl usb.Controller) error {
	if d.h == nil {
		return usb.ErrNotReady
	}
	return nil
}

// DataIn is unused; DFU has no IN endpoints beyond endpoint 0.
func (d *DFU) DataIn(ctl usb.Controller, ep uint8) error {
	if d.h == nil {
		return usb.ErrNotReady
	}
	return nil
}

// DataOut is unused; DFU has no OUT endpoints beyond endpoint 0.
func (d *DFU) DataOut(ctl usb.Controller, ep uint8) error {
	if d.h == nil {
		return usb.ErrNotReady
	}
	return nil
}

// State returns the current protocol state, StateIdle before Init.
func (d *DFU) State() State {
	if d.h == nil {
		return StateIdle
	}
	return d.h.st
}

// Status returns a snapshot of the GETSTATUS record.
func (d *DFU) Status() Status {
	if d.h == nil {
		return Status{State: StateIdle}
	}
	h := d.h
	return Status{Error: h.errCode, PollTimeout: h.poll, State: h.st, IString: h.iString}
}

// MediaString returns the string descriptor naming the backing medium.
func (d *DFU) MediaString() []byte {
	return usb.EncodeStringDescriptor(d.cfg.Media.Name())
}

func (d *DFU) download(ctl usb.Controller, req usb.Request) error {
	h := d.h
	if h.st != StateIdle && h.st != StateDnloadIdle {
		return d.stall(ctl)
	}
	if req.Length == 0 {
		// end-of-download marker: enter manifestation
		h.manifestComplete = false
		h.st = StateManifestSync
		return nil
	}
	if int(req.Length) > len(h.buf) {
		return d.stall(ctl)
	}
	h.blockNum = uint32(req.Value)
	h.length = int(req.Length)
	h.st = StateDnloadSync
	return ctl.PrepareControlReceive(h.buf[:h.length])
}

func (d *DFU) upload(ctl usb.Controller, req usb.Request) error {
	h := d.h
	if req.Length == 0 {
		h.st = StateIdle
		return nil
	}
	if h.st != StateIdle && h.st != StateUploadIdle {
		h.blockNum, h.length = 0, 0
		return d.stall(ctl)
	}
	h.blockNum = uint32(req.Value)
	h.length = int(req.Length)
	switch {
	case h.blockNum == 0:
		// supported vendor command list
		if h.length > 3 {
			h.st = StateIdle
		} else {
			h.st = StateUploadIdle
		}
		h.buf[0] = CmdGetCommands
		h.buf[1] = CmdSetAddressPointer
		h.buf[2] = CmdErase
		return ctl.SendControlData(h.buf[:3])
	case h.blockNum > 1:
		h.st = StateUploadIdle
		if h.length > len(h.buf) {
			h.length = len(h.buf)
		}
		addr := d.blockAddr(h.blockNum)
		if err := d.cfg.Media.Read(addr, h.buf[:h.length]); err != nil {
			h.st = StateError
			h.errCode = ErrAddress
			d.stall(ctl)
			return fmt.Errorf("dfu: read %#08x: %w", addr, err)
		}
		return ctl.SendControlData(h.buf[:h.length])
	default:
		// block 1 is reserved
		h.st = StateError
		h.errCode = ErrStalledPkt
		return d.stall(ctl)
	}
}

func (d *DFU) getStatus(ctl usb.Controller) error {
	h := d.h
	switch h.st {
	case StateDnloadSync:
		if h.length != 0 {
			h.st = StateDnloadBusy
			op := OpProgram
			if h.blockNum == 0 && h.buf[0] == CmdErase {
				op = OpErase
			}
			h.poll = uint32(d.cfg.Media.PollTime(h.dataPtr, op) / time.Millisecond)
			if err := ctl.SendControlData(d.statusRecord()); err != nil {
				return err
			}
			return d.completeDownload()
		}
		h.st = StateDnloadIdle
		h.poll = 0
		return ctl.SendControlData(d.statusRecord())

	case StateManifestSync:
		if !h.manifestComplete {
			h.st = StateManifest
			h.poll = 1
			if err := ctl.SendControlData(d.statusRecord()); err != nil {
				return err
			}
			return d.leave()
		}
		if d.cfg.ManifestTolerant {
			h.st = StateIdle
			h.poll = 0
		}
		return ctl.SendControlData(d.statusRecord())

	default:
		return ctl.SendControlData(d.statusRecord())
	}
}

// completeDownload executes the block parked by the last DNLOAD. Runs after
// the DNLOAD_BUSY status record was queued, so the host already holds the
// poll time for the operation performed here.
func (d *DFU) completeDownload() error {
	h := d.h
	blockNum, length := h.blockNum, h.length
	h.blockNum, h.length = 0, 0

	switch {
	case blockNum > 1:
		addr := d.blockAddr(blockNum)
		if err := d.cfg.Media.Write(addr, h.buf[:length]); err != nil {
			h.st = StateError
			h.errCode = ErrWrite
			return fmt.Errorf("dfu: write %#08x: %w", addr, err)
		}
	case blockNum == 0:
		switch {
		case length == 1 && h.buf[0] == CmdGetCommands:
			// readback is served by upload block 0
		case length == 5 && h.buf[0] == CmdSetAddressPointer:
			h.dataPtr = binary.LittleEndian.Uint32(h.buf[1:5])
		case length == 5 && h.buf[0] == CmdErase:
			h.dataPtr = binary.LittleEndian.Uint32(h.buf[1:5])
			if err := d.cfg.Media.Erase(h.dataPtr); err != nil {
				h.st = StateError
				h.errCode = ErrErase
				return fmt.Errorf("dfu: erase %#08x: %w", h.dataPtr, err)
			}
		default:
			h.st = StateError
			h.errCode = ErrStalledPkt
			return nil
		}
	default:
		// block 1 is reserved, swallowed without touching the medium
	}
	h.st = StateDnloadSync
	return nil
}

// leave finishes manifestation after the MANIFEST status record was queued.
func (d *DFU) leave() error {
	h := d.h
	h.manifestComplete = true
	if d.cfg.ManifestTolerant {
		h.st = StateManifestSync
		return nil
	}
	// point of no return: only a system reset activates the new image
	h.st = StateManifestWaitReset
	return usb.ErrResetRequested
}

func (d *DFU) clearStatus() error {
	h := d.h
	if h.st == StateError {
		h.errCode = ErrNone
		h.st = StateIdle
	} else {
		h.errCode = ErrUnknown
		h.st = StateError
	}
	h.poll = 0
	return nil
}

func (d *DFU) abort() {
	h := d.h
	switch h.st {
	case StateIdle, StateDnloadSync, StateDnloadIdle, StateManifestSync, StateUploadIdle:
		h.st = StateIdle
		h.errCode = ErrNone
		h.blockNum, h.length = 0, 0
		h.poll = 0
	}
}

func (d *DFU) detach(req usb.Request) error {
	h := d.h
	switch h.st {
	case StateIdle, StateDnloadSync, StateDnloadIdle, StateManifestSync, StateUploadIdle:
		h.st = StateIdle
		h.errCode = ErrNone
		h.blockNum, h.length = 0, 0
		h.poll = 0
	}
	if d.cfg.WillDetach {
		if d.cfg.Detach != nil {
			return d.cfg.Detach()
		}
		return nil
	}
	// without bus-side detach support, sit out the host's detach window
	time.Sleep(time.Duration(req.Value) * time.Millisecond)
	return nil
}

func (d *DFU) blockAddr(block uint32) uint32 {
	return (block-2)*uint32(d.xfer) + d.h.dataPtr
}

func (d *DFU) statusRecord() []byte {
	h := d.h
	return Status{Error: h.errCode, PollTimeout: h.poll, State: h.st, IString: h.iString}.encode()
}

func (d *DFU) stall(ctl usb.Controller) error {
	ctl.ControlError()
	return usb.ErrStall
}

// ConfigDescriptor returns the 27-byte DFU configuration descriptor. DFU has
// no speed-dependent endpoints, so both speeds share it.
func (d *DFU) ConfigDescriptor(speed usb.Speed) []byte {
	var b bytes.Buffer
	usb.ConfigHeader{
		BNumInterfaces:      1,
		BConfigurationValue: 1,
		BMAttributes:        0xC0,
		BMaxPower:           0x32,
	}.Write(&b)
	usb.InterfaceDescriptor{
		BInterfaceClass:    0xFE, // application specific
		BInterfaceSubClass: 0x01, // device firmware upgrade
		BInterfaceProtocol: 0x02, // DFU mode
		IInterface:         MediaStringIndex,
	}.Write(&b)
	b.Write(d.functionalDescriptor())
	return usb.FinishConfig(&b)
}

// functionalDescriptor returns the 9-byte DFU functional descriptor, also
// served standalone through GET_DESCRIPTOR.
func (d *DFU) functionalDescriptor() []byte {
	attr := uint8(attrCanDnload | attrCanUpload)
	if d.cfg.ManifestTolerant {
		attr |= attrManifestTolerant
	}
	if d.cfg.WillDetach {
		attr |= attrWillDetach
	}
	return []byte{
		0x09, DescTypeFunctional,
		attr,
		detachTimeoutMs, 0x00,
		uint8(d.xfer), uint8(d.xfer >> 8),
		0x1A, 0x01, // bcdDFU 1.1a
	}
}

// QualifierDescriptor returns the device qualifier descriptor.
func (d *DFU) QualifierDescriptor() []byte {
	return usb.QualifierDescriptor(0x00, 0x40)
}
