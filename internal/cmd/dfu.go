package cmd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/marcinbor85/gohex"

	"github.com/virtcom/usbgadget/internal/log"
	"github.com/virtcom/usbgadget/usb"
	"github.com/virtcom/usbgadget/usb/class/dfu"
	"github.com/virtcom/usbgadget/usb/class/dfu/flashmem"
	"github.com/virtcom/usbgadget/usb/emu"
)

// Dfu flashes an Intel HEX image into an emulated flash medium by replaying
// the full host-side DFU sequence (erase, program, manifest, verify) against
// the device-mode state machine.
type Dfu struct {
	Image      string `arg:"" help:"Intel HEX firmware image to download" type:"existingfile"`
	Base       uint32 `help:"Flash base address" default:"0x08000000"`
	Size       int    `help:"Flash size in bytes" default:"0x40000"`
	SectorSize int    `help:"Erase sector size in bytes" default:"0x1000"`
	XferSize   int    `help:"Transfer block size" default:"1024"`
	Tolerant   bool   `help:"Advertise manifestation-tolerant behaviour"`
	NoLeave    bool   `help:"Skip the leave sequence after the download"`
	NoVerify   bool   `help:"Skip reading the image back for comparison"`
	Dump       string `help:"Write the final flash contents as Intel HEX to this file"`
}

// Run is called by kong when the dfu command is executed.
func (d *Dfu) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	f, err := os.Open(d.Image)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return fmt.Errorf("parse image: %w", err)
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return errors.New("image contains no data")
	}

	flash := flashmem.New(flashmem.Config{
		Base:        d.Base,
		Size:        d.Size,
		SectorSize:  d.SectorSize,
		ProgramTime: time.Millisecond,
		EraseTime:   5 * time.Millisecond,
	})
	drv := dfu.New(dfu.Config{
		Media:            flash,
		XferSize:         d.XferSize,
		BaseAddress:      d.Base,
		ManifestTolerant: d.Tolerant,
	})
	ctl := emu.NewController()
	dev := usb.NewDevice(ctl, drv, usb.DeviceConfig{Speed: usb.FullSpeed})
	if err := dev.Configure(); err != nil {
		return fmt.Errorf("configure device: %w", err)
	}
	defer func() { _ = dev.Unconfigure() }()

	sess := &dfuSession{
		host:      emu.NewHost(dev, ctl),
		dev:       dev,
		logger:    logger,
		rawLogger: rawLogger,
		xfer:      d.XferSize,
		lastState: drv.State(),
	}
	logger.Info("DFU session", "media", flash.Name(), "state", drv.State().String())

	for _, seg := range segs {
		logger.Info("segment", "addr", fmt.Sprintf("%#08x", seg.Address), "bytes", len(seg.Data))
	}

	if err := sess.eraseSegments(segs, d.SectorSize); err != nil {
		return err
	}
	for _, seg := range segs {
		if err := sess.programSegment(seg); err != nil {
			return err
		}
	}
	if !d.NoLeave {
		if err := sess.leave(); err != nil {
			return err
		}
	}
	if !d.NoVerify {
		for _, seg := range segs {
			if err := sess.verifySegment(seg); err != nil {
				return err
			}
		}
		logger.Info("verify passed", "segments", len(segs))
	}

	if d.Dump != "" {
		out, err := os.Create(d.Dump)
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()
		if err := flash.DumpIntelHex(out); err != nil {
			return err
		}
		logger.Info("flash contents dumped", "path", d.Dump)
	}
	return nil
}

// dfuSession is the host side of the DFU conversation.
type dfuSession struct {
	host      *emu.Host
	dev       *usb.Device
	logger    *slog.Logger
	rawLogger log.RawLogger
	xfer      int
	lastState dfu.State
}

func (s *dfuSession) controlOut(code uint8, value uint16, payload []byte) error {
	s.rawLogger.Log(0, false, payload)
	req := usb.Request{
		RequestType: usb.ReqTypeClass | usb.ReqRecipientInterface,
		Request:     code,
		Value:       value,
		Length:      uint16(len(payload)),
	}
	return s.host.ControlOut(req, payload)
}

func (s *dfuSession) getStatus() (dfu.Status, error) {
	data, err := s.host.ControlIn(usb.Request{
		RequestType: usb.ReqDirIn | usb.ReqTypeClass | usb.ReqRecipientInterface,
		Request:     dfu.ReqGetStatus,
		Length:      dfu.StatusSize,
	})
	if err != nil {
		return dfu.Status{}, err
	}
	s.rawLogger.Log(0, true, data)
	st, err := dfu.DecodeStatus(data)
	if err != nil {
		return dfu.Status{}, err
	}
	if st.State != s.lastState {
		s.logger.Debug("state", "from", s.lastState.String(), "to", st.State.String())
		s.lastState = st.State
	}
	if st.PollTimeout > 0 {
		time.Sleep(time.Duration(st.PollTimeout) * time.Millisecond)
	}
	return st, nil
}

// pollIdle issues GETSTATUS until the device settles out of a busy state.
func (s *dfuSession) pollIdle() error {
	for {
		st, err := s.getStatus()
		if err != nil {
			return err
		}
		switch st.State {
		case dfu.StateDnloadBusy, dfu.StateManifest:
			continue
		case dfu.StateError:
			return fmt.Errorf("device reported error %#02x", st.Error)
		default:
			return nil
		}
	}
}

func (s *dfuSession) download(block uint16, data []byte) error {
	if err := s.controlOut(dfu.ReqDnload, block, data); err != nil {
		return err
	}
	return s.pollIdle()
}

func (s *dfuSession) setAddressPointer(addr uint32) error {
	var b [5]byte
	b[0] = dfu.CmdSetAddressPointer
	binary.LittleEndian.PutUint32(b[1:], addr)
	return s.download(0, b[:])
}

func (s *dfuSession) erase(addr uint32) error {
	var b [5]byte
	b[0] = dfu.CmdErase
	binary.LittleEndian.PutUint32(b[1:], addr)
	return s.download(0, b[:])
}

func (s *dfuSession) abort() error {
	return s.controlOut(dfu.ReqAbort, 0, nil)
}

// eraseSegments erases every sector covered by the image, each one once.
func (s *dfuSession) eraseSegments(segs []gohex.DataSegment, sectorSize int) error {
	done := make(map[uint32]bool)
	for _, seg := range segs {
		first := seg.Address - seg.Address%uint32(sectorSize)
		for addr := first; addr < seg.Address+uint32(len(seg.Data)); addr += uint32(sectorSize) {
			if done[addr] {
				continue
			}
			done[addr] = true
			s.logger.Debug("erase", "sector", fmt.Sprintf("%#08x", addr))
			if err := s.erase(addr); err != nil {
				return fmt.Errorf("erase %#08x: %w", addr, err)
			}
		}
	}
	return nil
}

func (s *dfuSession) programSegment(seg gohex.DataSegment) error {
	if err := s.setAddressPointer(seg.Address); err != nil {
		return fmt.Errorf("set address pointer %#08x: %w", seg.Address, err)
	}
	block := uint16(2)
	for off := 0; off < len(seg.Data); off += s.xfer {
		end := off + s.xfer
		if end > len(seg.Data) {
			end = len(seg.Data)
		}
		if err := s.download(block, seg.Data[off:end]); err != nil {
			return fmt.Errorf("program block %d: %w", block, err)
		}
		block++
	}
	return s.abort()
}

// leave sends the zero-length download that starts manifestation. A device
// that is not manifestation tolerant answers the closing GETSTATUS with a
// reset request, which is honored by a re-enumeration.
func (s *dfuSession) leave() error {
	if err := s.controlOut(dfu.ReqDnload, 0, nil); err != nil {
		return err
	}
	for {
		st, err := s.getStatus()
		if errors.Is(err, usb.ErrResetRequested) {
			s.logger.Info("device requested USB reset to manifest")
			if err := s.dev.Unconfigure(); err != nil {
				return err
			}
			if err := s.dev.Configure(); err != nil {
				return err
			}
			s.lastState = dfu.StateIdle
			return nil
		}
		if err != nil {
			return err
		}
		switch st.State {
		case dfu.StateManifest, dfu.StateManifestSync:
			continue
		case dfu.StateIdle:
			s.logger.Info("manifestation complete")
			return nil
		default:
			return fmt.Errorf("unexpected state %s during manifestation", st.State)
		}
	}
}

func (s *dfuSession) verifySegment(seg gohex.DataSegment) error {
	if err := s.setAddressPointer(seg.Address); err != nil {
		return err
	}
	if err := s.abort(); err != nil {
		return err
	}
	block := uint16(2)
	for off := 0; off < len(seg.Data); off += s.xfer {
		end := off + s.xfer
		if end > len(seg.Data) {
			end = len(seg.Data)
		}
		data, err := s.host.ControlIn(usb.Request{
			RequestType: usb.ReqDirIn | usb.ReqTypeClass | usb.ReqRecipientInterface,
			Request:     dfu.ReqUpload,
			Value:       block,
			Length:      uint16(end - off),
		})
		if err != nil {
			return fmt.Errorf("upload block %d: %w", block, err)
		}
		if !bytes.Equal(data, seg.Data[off:end]) {
			return fmt.Errorf("verify mismatch at %#08x", seg.Address+uint32(off))
		}
		block++
	}
	return s.abort()
}
