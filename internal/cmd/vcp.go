package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/virtcom/usbgadget/internal/log"
	"github.com/virtcom/usbgadget/usb"
	"github.com/virtcom/usbgadget/usb/class/cdc"
	"github.com/virtcom/usbgadget/usb/emu"
)

// Vcp runs a virtual COM port console: terminal input travels to an
// emulated CDC ACM function as bulk OUT transfers and the function echoes
// it back over bulk IN. Exit with Ctrl-C or Ctrl-D.
type Vcp struct {
	HighSpeed bool `help:"Enumerate the emulated device at high speed"`
}

// Run is called by kong when the vcp command is executed.
func (v *Vcp) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	speed := usb.FullSpeed
	if v.HighSpeed {
		speed = usb.HighSpeed
	}

	coding := cdc.LineCoding{BaudRate: 115200, DataBits: 8}
	var pending [][]byte

	acm := cdc.New(cdc.Handler{
		Control: func(op uint8, value uint16, data []byte) error {
			switch op {
			case cdc.ReqSetLineCoding:
				lc, err := cdc.DecodeLineCoding(data)
				if err != nil {
					return err
				}
				coding = lc
				logger.Info("line coding set", "coding", coding.String())
			case cdc.ReqGetLineCoding:
				coding.Encode(data)
			case cdc.ReqSetControlLineState:
				logger.Debug("control line state",
					"dtr", value&0x01 != 0, "rts", value&0x02 != 0)
			}
			return nil
		},
		Received: func(data []byte) {
			pending = append(pending, append([]byte(nil), data...))
		},
	})

	ctl := emu.NewController()
	dev := usb.NewDevice(ctl, acm, usb.DeviceConfig{Speed: speed})
	if err := dev.Configure(); err != nil {
		return fmt.Errorf("configure device: %w", err)
	}
	defer func() { _ = dev.Unconfigure() }()
	host := emu.NewHost(dev, ctl)

	// the host side of a port open: line coding, then DTR+RTS
	lc := make([]byte, cdc.LineCodingSize)
	coding.Encode(lc)
	setCoding := usb.Request{
		RequestType: usb.ReqTypeClass | usb.ReqRecipientInterface,
		Request:     cdc.ReqSetLineCoding,
		Length:      cdc.LineCodingSize,
	}
	if err := host.ControlOut(setCoding, lc); err != nil {
		return fmt.Errorf("set line coding: %w", err)
	}
	lineState := usb.Request{
		RequestType: usb.ReqTypeClass | usb.ReqRecipientInterface,
		Request:     cdc.ReqSetControlLineState,
		Value:       0x0003, // DTR | RTS
	}
	if err := host.ControlOut(lineState, nil); err != nil {
		return fmt.Errorf("set control line state: %w", err)
	}

	logger.Info("virtual COM port open", "coding", coding.String(), "exit", "Ctrl-C")

	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	if interactive {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, old) }()
	}

	in := make([]byte, 64)
	rx := make([]byte, 64)
	for {
		n, err := os.Stdin.Read(in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		chunk := in[:n]
		for _, b := range chunk {
			if b == 0x03 || b == 0x04 { // ETX / EOT
				return nil
			}
		}

		rawLogger.Log(cdc.OutEP, false, chunk)
		if err := acm.Receive(rx); err != nil {
			return fmt.Errorf("arm reception: %w", err)
		}
		if err := host.SendOut(cdc.OutEP, chunk); err != nil {
			return fmt.Errorf("bulk out: %w", err)
		}

		for len(pending) > 0 {
			data := pending[0]
			pending = pending[1:]
			if err := acm.Transmit(data); err != nil {
				return fmt.Errorf("transmit echo: %w", err)
			}
			echoed, err := host.CompleteIn(cdc.InEP)
			if err != nil {
				return fmt.Errorf("bulk in: %w", err)
			}
			rawLogger.Log(cdc.InEP, true, echoed)
			if err := writeConsole(os.Stdout, echoed, interactive); err != nil {
				return err
			}
		}
	}
}

// writeConsole expands bare CR to CRLF when the terminal is in raw mode.
func writeConsole(w io.Writer, data []byte, raw bool) error {
	if !raw {
		_, err := w.Write(data)
		return err
	}
	for _, b := range data {
		if b == '\r' {
			if _, err := w.Write([]byte{'\r', '\n'}); err != nil {
				return err
			}
			continue
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}
	return nil
}
