package cdc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtcom/usbgadget/usb"
	"github.com/virtcom/usbgadget/usb/class/cdc"
	"github.com/virtcom/usbgadget/usb/emu"
)

type harness struct {
	ctl  *emu.Controller
	acm  *cdc.ACM
	dev  *usb.Device
	host *emu.Host
}

func newHarness(t *testing.T, handler cdc.Handler) *harness {
	t.Helper()
	ctl := emu.NewController()
	acm := cdc.New(handler)
	dev := usb.NewDevice(ctl, acm, usb.DeviceConfig{Speed: usb.FullSpeed})
	require.NoError(t, dev.Configure())
	return &harness{ctl: ctl, acm: acm, dev: dev, host: emu.NewHost(dev, ctl)}
}

func TestConfigDescriptorFullSpeed(t *testing.T) {
	want := []byte{
		0x09, 0x02, 0x43, 0x00, 0x02, 0x01, 0x00, 0xC0, 0x32,
		0x09, 0x04, 0x00, 0x00, 0x01, 0x02, 0x02, 0x01, 0x00,
		0x05, 0x24, 0x00, 0x10, 0x01,
		0x05, 0x24, 0x01, 0x00, 0x01,
		0x04, 0x24, 0x02, 0x02,
		0x05, 0x24, 0x06, 0x00, 0x01,
		0x07, 0x05, cdc.CmdEP, 0x03, 0x08, 0x00, 0x10,
		0x09, 0x04, 0x01, 0x00, 0x02, 0x0A, 0x00, 0x00, 0x00,
		0x07, 0x05, cdc.OutEP, 0x02, 0x40, 0x00, 0x00,
		0x07, 0x05, cdc.InEP, 0x02, 0x40, 0x00, 0x00,
	}
	got := cdc.New(cdc.Handler{}).ConfigDescriptor(usb.FullSpeed)
	assert.Equal(t, want, got)
}

func TestConfigDescriptorHighSpeedPacketSize(t *testing.T) {
	desc := cdc.New(cdc.Handler{}).ConfigDescriptor(usb.HighSpeed)
	require.Len(t, desc, 67)
	// bulk OUT endpoint wMaxPacketSize, little endian
	assert.Equal(t, []byte{0x00, 0x02}, desc[57:59])
	// bulk IN endpoint wMaxPacketSize
	assert.Equal(t, []byte{0x00, 0x02}, desc[64:66])
}

func TestInitOpensEndpoints(t *testing.T) {
	h := newHarness(t, cdc.Handler{})
	assert.True(t, h.ctl.EndpointOpen(cdc.InEP))
	assert.True(t, h.ctl.EndpointOpen(cdc.OutEP))
	assert.True(t, h.ctl.EndpointOpen(cdc.CmdEP))
}

func TestTransmitBusy(t *testing.T) {
	var done [][]byte
	h := newHarness(t, cdc.Handler{
		Transmitted: func(data []byte) { done = append(done, data) },
	})

	first := []byte("hello")
	require.NoError(t, h.acm.Transmit(first))
	err := h.acm.Transmit([]byte("second"))
	require.ErrorIs(t, err, usb.ErrBusy)

	// the rejected call must not have disturbed the in-flight transfer
	got, err := h.host.CompleteIn(cdc.InEP)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	require.Len(t, done, 1)
	assert.Equal(t, first, done[0])

	// completion frees the endpoint
	require.NoError(t, h.acm.Transmit([]byte("second")))
}

func TestReceiveReportsActualLength(t *testing.T) {
	var got []byte
	h := newHarness(t, cdc.Handler{
		Received: func(data []byte) { got = append([]byte(nil), data...) },
	})

	buf := make([]byte, 64)
	require.NoError(t, h.acm.Receive(buf))
	require.NoError(t, h.host.SendOut(cdc.OutEP, []byte("ping\r\n")))
	assert.Equal(t, []byte("ping\r\n"), got)

	// no re-arm from the callback means the endpoint stays idle
	err := h.host.SendOut(cdc.OutEP, []byte("more"))
	assert.Error(t, err)
}

func TestSetLineCodingStagedUntilDataStage(t *testing.T) {
	var ops []uint8
	var coding cdc.LineCoding
	h := newHarness(t, cdc.Handler{
		Control: func(op uint8, value uint16, data []byte) error {
			ops = append(ops, op)
			if op == cdc.ReqSetLineCoding {
				lc, err := cdc.DecodeLineCoding(data)
				if err != nil {
					return err
				}
				coding = lc
			}
			return nil
		},
	})

	payload := []byte{0x00, 0xC2, 0x01, 0x00, 0x00, 0x00, 0x08} // 115200 8N1
	req := usb.Request{
		RequestType: usb.ReqTypeClass | usb.ReqRecipientInterface,
		Request:     cdc.ReqSetLineCoding,
		Length:      cdc.LineCodingSize,
	}
	require.NoError(t, h.host.ControlOut(req, payload))
	require.Equal(t, []uint8{cdc.ReqSetLineCoding}, ops)
	assert.Equal(t, cdc.LineCoding{BaudRate: 115200, DataBits: 8}, coding)
}

func TestGetLineCodingFillsDataStage(t *testing.T) {
	h := newHarness(t, cdc.Handler{
		Control: func(op uint8, value uint16, data []byte) error {
			if op == cdc.ReqGetLineCoding {
				cdc.LineCoding{BaudRate: 9600, DataBits: 8}.Encode(data)
			}
			return nil
		},
	})

	req := usb.Request{
		RequestType: usb.ReqDirIn | usb.ReqTypeClass | usb.ReqRecipientInterface,
		Request:     cdc.ReqGetLineCoding,
		Length:      cdc.LineCodingSize,
	}
	data, err := h.host.ControlIn(req)
	require.NoError(t, err)
	require.Len(t, data, cdc.LineCodingSize)
	lc, err := cdc.DecodeLineCoding(data)
	require.NoError(t, err)
	assert.Equal(t, cdc.LineCoding{BaudRate: 9600, DataBits: 8}, lc)
}

func TestControlLineStateCarriedInValue(t *testing.T) {
	var gotOp uint8
	var gotValue uint16
	h := newHarness(t, cdc.Handler{
		Control: func(op uint8, value uint16, data []byte) error {
			gotOp, gotValue = op, value
			return nil
		},
	})

	req := usb.Request{
		RequestType: usb.ReqTypeClass | usb.ReqRecipientInterface,
		Request:     cdc.ReqSetControlLineState,
		Value:       0x0003, // DTR | RTS
	}
	require.NoError(t, h.host.ControlOut(req, nil))
	assert.Equal(t, uint8(cdc.ReqSetControlLineState), gotOp)
	assert.Equal(t, uint16(0x0003), gotValue)
}

func TestUnknownRequestStalls(t *testing.T) {
	h := newHarness(t, cdc.Handler{})
	req := usb.Request{
		RequestType: usb.ReqTypeVendor | usb.ReqRecipientInterface,
		Request:     0x7F,
	}
	err := h.host.ControlOut(req, nil)
	assert.ErrorIs(t, err, usb.ErrStall)
}

func TestDeInitIdempotent(t *testing.T) {
	deinits := 0
	h := newHarness(t, cdc.Handler{
		DeInit: func() error { deinits++; return nil },
	})

	require.NoError(t, h.dev.Unconfigure())
	require.NoError(t, h.dev.Unconfigure())
	assert.Equal(t, 1, deinits)
	assert.False(t, h.ctl.EndpointOpen(cdc.InEP))
	assert.False(t, h.ctl.EndpointOpen(cdc.OutEP))
	assert.False(t, h.ctl.EndpointOpen(cdc.CmdEP))

	// entry points after teardown degrade instead of crashing
	assert.ErrorIs(t, h.acm.Transmit([]byte("x")), usb.ErrNotReady)
}

func TestLineCodingDecodeShort(t *testing.T) {
	_, err := cdc.DecodeLineCoding([]byte{0x80, 0x25})
	assert.Error(t, err)
}
