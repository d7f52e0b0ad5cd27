package dfu_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtcom/usbgadget/usb"
	"github.com/virtcom/usbgadget/usb/class/dfu"
	"github.com/virtcom/usbgadget/usb/emu"
)

const testBase = 0x08008000

type write struct {
	addr uint32
	data []byte
}

type fakeMedia struct {
	inits   int
	deinits int
	erases  []uint32
	writes  []write
	reads   []uint32
	pollOps []dfu.Operation

	programPoll time.Duration
	erasePoll   time.Duration
	fill        byte

	writeErr error
}

func (m *fakeMedia) Init() error   { m.inits++; return nil }
func (m *fakeMedia) DeInit() error { m.deinits++; return nil }

func (m *fakeMedia) Erase(addr uint32) error {
	m.erases = append(m.erases, addr)
	return nil
}

func (m *fakeMedia) Write(addr uint32, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, write{addr, append([]byte(nil), data...)})
	return nil
}

func (m *fakeMedia) Read(addr uint32, data []byte) error {
	m.reads = append(m.reads, addr)
	for i := range data {
		data[i] = m.fill
	}
	return nil
}

func (m *fakeMedia) PollTime(addr uint32, op dfu.Operation) time.Duration {
	m.pollOps = append(m.pollOps, op)
	if op == dfu.OpErase {
		return m.erasePoll
	}
	return m.programPoll
}

func (m *fakeMedia) Name() string {
	return "@Internal Flash /0x08000000/04*016Kg,01*064Kg,07*128Kg"
}

type harness struct {
	media *fakeMedia
	drv   *dfu.DFU
	dev   *usb.Device
	host  *emu.Host
}

func newHarness(t *testing.T, cfg dfu.Config) *harness {
	t.Helper()
	media := &fakeMedia{programPoll: 50 * time.Millisecond, erasePoll: 500 * time.Millisecond}
	if cfg.Media == nil {
		cfg.Media = media
	} else {
		media = cfg.Media.(*fakeMedia)
	}
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = testBase
	}
	ctl := emu.NewController()
	drv := dfu.New(cfg)
	dev := usb.NewDevice(ctl, drv, usb.DeviceConfig{Speed: usb.FullSpeed})
	require.NoError(t, dev.Configure())
	return &harness{media: media, drv: drv, dev: dev, host: emu.NewHost(dev, ctl)}
}

func classReq(request uint8, value, length uint16) usb.Request {
	return usb.Request{
		RequestType: usb.ReqTypeClass | usb.ReqRecipientInterface,
		Request:     request,
		Value:       value,
		Length:      length,
	}
}

func classIn(request uint8, value, length uint16) usb.Request {
	r := classReq(request, value, length)
	r.RequestType |= usb.ReqDirIn
	return r
}

func (h *harness) getStatus(t *testing.T) dfu.Status {
	t.Helper()
	data, err := h.host.ControlIn(classIn(dfu.ReqGetStatus, 0, dfu.StatusSize))
	require.NoError(t, err)
	st, err := dfu.DecodeStatus(data)
	require.NoError(t, err)
	return st
}

// download sends one block and polls GETSTATUS through BUSY to DNLOAD_IDLE,
// the way a conforming host does.
func (h *harness) download(t *testing.T, block uint16, data []byte) {
	t.Helper()
	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqDnload, block, uint16(len(data))), data))
	st := h.getStatus(t)
	require.Equal(t, dfu.StateDnloadBusy, st.State)
	st = h.getStatus(t)
	require.Equal(t, dfu.StateDnloadIdle, st.State)
}

func TestBlockAddressFormula(t *testing.T) {
	h := newHarness(t, dfu.Config{XferSize: 1024})

	payload := make([]byte, 1024)
	h.download(t, 2, payload)
	h.download(t, 3, payload)
	h.download(t, 1000, payload)

	require.Len(t, h.media.writes, 3)
	assert.Equal(t, uint32(0x08008000), h.media.writes[0].addr)
	assert.Equal(t, uint32(0x08008400), h.media.writes[1].addr)
	assert.Equal(t, uint32(0x083FD800), h.media.writes[2].addr)
}

func TestGetStatusRoundTrip(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqDnload, 2, 4), payload))
	assert.Equal(t, dfu.StateDnloadSync, h.drv.State())

	st := h.getStatus(t)
	assert.Equal(t, dfu.StateDnloadBusy, st.State)
	assert.Equal(t, uint32(50), st.PollTimeout)
	assert.Equal(t, uint8(dfu.ErrNone), st.Error)

	st = h.getStatus(t)
	assert.Equal(t, dfu.StateDnloadIdle, st.State)

	require.Len(t, h.media.writes, 1)
	assert.Equal(t, payload, h.media.writes[0].data)
}

func TestSetAddressPointerMovesDownloads(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	cmd := make([]byte, 5)
	cmd[0] = dfu.CmdSetAddressPointer
	binary.LittleEndian.PutUint32(cmd[1:], 0x08010000)
	h.download(t, 0, cmd)

	h.download(t, 2, []byte{0x01})
	require.Len(t, h.media.writes, 1)
	assert.Equal(t, uint32(0x08010000), h.media.writes[0].addr)
}

func TestEraseCommand(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	cmd := make([]byte, 5)
	cmd[0] = dfu.CmdErase
	binary.LittleEndian.PutUint32(cmd[1:], 0x08020000)

	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqDnload, 0, 5), cmd))
	st := h.getStatus(t)
	require.Equal(t, dfu.StateDnloadBusy, st.State)
	// the busy poll time must be the erase one, the slow operation
	assert.Equal(t, uint32(500), st.PollTimeout)
	require.Equal(t, []dfu.Operation{dfu.OpErase}, h.media.pollOps)

	require.Equal(t, []uint32{0x08020000}, h.media.erases)
	st = h.getStatus(t)
	assert.Equal(t, dfu.StateDnloadIdle, st.State)
}

func TestUnknownVendorCommandEntersError(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqDnload, 0, 1), []byte{0x77}))
	st := h.getStatus(t)
	require.Equal(t, dfu.StateDnloadBusy, st.State)

	st = h.getStatus(t)
	assert.Equal(t, dfu.StateError, st.State)
	assert.Equal(t, uint8(dfu.ErrStalledPkt), st.Error)
}

func TestDownloadFromWrongStateStalls(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	// upload block 0 with a short read parks the machine in UPLOAD_IDLE
	_, err := h.host.ControlIn(classIn(dfu.ReqUpload, 0, 3))
	require.NoError(t, err)
	require.Equal(t, dfu.StateUploadIdle, h.drv.State())

	err = h.host.ControlOut(classReq(dfu.ReqDnload, 2, 4), []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, usb.ErrStall)
}

func TestUploadCommandList(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	data, err := h.host.ControlIn(classIn(dfu.ReqUpload, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, []byte{dfu.CmdGetCommands, dfu.CmdSetAddressPointer, dfu.CmdErase}, data)
	assert.Equal(t, dfu.StateUploadIdle, h.drv.State())

	// asking for more than the list means the host is done
	data, err = h.host.ControlIn(classIn(dfu.ReqUpload, 0, 16))
	require.NoError(t, err)
	assert.Equal(t, []byte{dfu.CmdGetCommands, dfu.CmdSetAddressPointer, dfu.CmdErase}, data)
	assert.Equal(t, dfu.StateIdle, h.drv.State())
}

func TestUploadReadsBlocks(t *testing.T) {
	h := newHarness(t, dfu.Config{})
	h.media.fill = 0xA5

	data, err := h.host.ControlIn(classIn(dfu.ReqUpload, 2, 64))
	require.NoError(t, err)
	require.Len(t, data, 64)
	assert.Equal(t, byte(0xA5), data[0])
	assert.Equal(t, []uint32{testBase}, h.media.reads)
	assert.Equal(t, dfu.StateUploadIdle, h.drv.State())

	_, err = h.host.ControlIn(classIn(dfu.ReqUpload, 3, 64))
	require.NoError(t, err)
	assert.Equal(t, []uint32{testBase, testBase + 1024}, h.media.reads)
}

func TestUploadBlockOneIsInvalid(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	_, err := h.host.ControlIn(classIn(dfu.ReqUpload, 1, 64))
	assert.ErrorIs(t, err, usb.ErrStall)
	st := h.drv.Status()
	assert.Equal(t, dfu.StateError, st.State)
	assert.Equal(t, uint8(dfu.ErrStalledPkt), st.Error)
}

func TestUploadZeroLengthReturnsToIdle(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	_, err := h.host.ControlIn(classIn(dfu.ReqUpload, 0, 3))
	require.NoError(t, err)
	require.Equal(t, dfu.StateUploadIdle, h.drv.State())

	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqUpload, 0, 0), nil))
	assert.Equal(t, dfu.StateIdle, h.drv.State())
}

func TestGetState(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	data, err := h.host.ControlIn(classIn(dfu.ReqGetState, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte{uint8(dfu.StateIdle)}, data)
	// no state change
	assert.Equal(t, dfu.StateIdle, h.drv.State())
}

func TestManifestationWithoutToleranceRequestsReset(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	h.download(t, 2, []byte{0x01, 0x02})
	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqDnload, 0, 0), nil))
	require.Equal(t, dfu.StateManifestSync, h.drv.State())

	_, err := h.host.ControlIn(classIn(dfu.ReqGetStatus, 0, dfu.StatusSize))
	assert.ErrorIs(t, err, usb.ErrResetRequested)
	assert.Equal(t, dfu.StateManifestWaitReset, h.drv.State())
}

func TestManifestationTolerantFinishesCycle(t *testing.T) {
	h := newHarness(t, dfu.Config{ManifestTolerant: true})

	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqDnload, 0, 0), nil))
	require.Equal(t, dfu.StateManifestSync, h.drv.State())

	st := h.getStatus(t)
	assert.Equal(t, dfu.StateManifest, st.State)
	assert.Equal(t, uint32(1), st.PollTimeout)
	require.Equal(t, dfu.StateManifestSync, h.drv.State())

	st = h.getStatus(t)
	assert.Equal(t, dfu.StateIdle, st.State)
	assert.Equal(t, dfu.StateIdle, h.drv.State())
}

func TestDetachResetsAndDetaches(t *testing.T) {
	detaches := 0
	h := newHarness(t, dfu.Config{
		WillDetach: true,
		Detach:     func() error { detaches++; return nil },
	})

	_, err := h.host.ControlIn(classIn(dfu.ReqUpload, 0, 3))
	require.NoError(t, err)
	require.Equal(t, dfu.StateUploadIdle, h.drv.State())

	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqDetach, 1000, 0), nil))
	assert.Equal(t, dfu.StateIdle, h.drv.State())
	assert.Equal(t, 1, detaches)
}

func TestDeInitIdempotent(t *testing.T) {
	h := newHarness(t, dfu.Config{})

	require.NoError(t, h.dev.Unconfigure())
	require.NoError(t, h.dev.Unconfigure())
	assert.Equal(t, 1, h.media.inits)
	assert.Equal(t, 1, h.media.deinits)

	err := h.host.ControlOut(classReq(dfu.ReqAbort, 0, 0), nil)
	assert.ErrorIs(t, err, usb.ErrNotReady)
}

func TestMediaWriteFailureEntersError(t *testing.T) {
	h := newHarness(t, dfu.Config{})
	h.media.writeErr = assert.AnError

	require.NoError(t, h.host.ControlOut(classReq(dfu.ReqDnload, 2, 2), []byte{1, 2}))
	_, err := h.host.ControlIn(classIn(dfu.ReqGetStatus, 0, dfu.StatusSize))
	require.Error(t, err)

	st := h.drv.Status()
	assert.Equal(t, dfu.StateError, st.State)
	assert.Equal(t, uint8(dfu.ErrWrite), st.Error)
}

func TestStatusRecordDecoding(t *testing.T) {
	st, err := dfu.DecodeStatus([]byte{dfu.ErrNone, 0x56, 0x34, 0x12, uint8(dfu.StateDnloadBusy), 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x123456), st.PollTimeout)
	assert.Equal(t, dfu.StateDnloadBusy, st.State)

	_, err = dfu.DecodeStatus([]byte{0, 0, 0})
	assert.Error(t, err)
}

func TestConfigDescriptor(t *testing.T) {
	drv := dfu.New(dfu.Config{Media: &fakeMedia{}, WillDetach: true})
	want := []byte{
		0x09, 0x02, 0x1B, 0x00, 0x01, 0x01, 0x00, 0xC0, 0x32,
		0x09, 0x04, 0x00, 0x00, 0x00, 0xFE, 0x01, 0x02, dfu.MediaStringIndex,
		0x09, 0x21, 0x0B, 0xFF, 0x00, 0x00, 0x04, 0x1A, 0x01,
	}
	assert.Equal(t, want, drv.ConfigDescriptor(usb.FullSpeed))
}

func TestFunctionalDescriptorServedStandalone(t *testing.T) {
	h := newHarness(t, dfu.Config{ManifestTolerant: true})
	req := usb.Request{
		RequestType: usb.ReqDirIn | usb.ReqRecipientInterface,
		Request:     usb.ReqGetDescriptor,
		Value:       uint16(dfu.DescTypeFunctional) << 8,
		Length:      9,
	}
	data, err := h.host.ControlIn(req)
	require.NoError(t, err)
	want := []byte{0x09, 0x21, 0x07, 0xFF, 0x00, 0x00, 0x04, 0x1A, 0x01}
	assert.Equal(t, want, data)
}
