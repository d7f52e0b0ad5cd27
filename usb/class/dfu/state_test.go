package dfu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtcom/usbgadget/usb"
	"github.com/virtcom/usbgadget/usb/emu"
)

type nopMedia struct{}

func (nopMedia) Init() error                     { return nil }
func (nopMedia) DeInit() error                   { return nil }
func (nopMedia) Erase(uint32) error              { return nil }
func (nopMedia) Write(uint32, []byte) error      { return nil }
func (nopMedia) Read(uint32, []byte) error       { return nil }
func (nopMedia) Name() string                    { return "none" }
func (nopMedia) PollTime(uint32, Operation) time.Duration {
	return 0
}

func newDriver(t *testing.T) *DFU {
	t.Helper()
	d := New(Config{Media: nopMedia{}, BaseAddress: 0x08008000})
	require.NoError(t, d.Init(emu.NewController(), usb.FullSpeed))
	return d
}

// every protocol state, with whether ABORT and DETACH may leave it
var abortTable = []struct {
	from      State
	abortable bool
}{
	{StateIdle, true},
	{StateDnloadSync, true},
	{StateDnloadBusy, false},
	{StateDnloadIdle, true},
	{StateManifestSync, true},
	{StateManifest, false},
	{StateManifestWaitReset, false},
	{StateUploadIdle, true},
	{StateError, false},
}

func TestAbortPerState(t *testing.T) {
	for _, tc := range abortTable {
		t.Run(tc.from.String(), func(t *testing.T) {
			d := newDriver(t)
			d.h.st = tc.from
			d.h.errCode = ErrStalledPkt
			d.h.blockNum, d.h.length = 7, 42

			d.abort()

			if tc.abortable {
				assert.Equal(t, StateIdle, d.h.st)
				assert.Equal(t, uint8(ErrNone), d.h.errCode)
				assert.Equal(t, uint32(0), d.h.blockNum)
				assert.Equal(t, 0, d.h.length)
			} else {
				assert.Equal(t, tc.from, d.h.st)
				assert.Equal(t, uint8(ErrStalledPkt), d.h.errCode)
			}
		})
	}
}

func TestDetachPerState(t *testing.T) {
	for _, tc := range abortTable {
		t.Run(tc.from.String(), func(t *testing.T) {
			detaches := 0
			d := New(Config{
				Media:      nopMedia{},
				WillDetach: true,
				Detach:     func() error { detaches++; return nil },
			})
			require.NoError(t, d.Init(emu.NewController(), usb.FullSpeed))
			d.h.st = tc.from

			require.NoError(t, d.detach(usb.Request{Value: 100}))

			if tc.abortable {
				assert.Equal(t, StateIdle, d.h.st)
			} else {
				assert.Equal(t, tc.from, d.h.st)
			}
			// the bus detach itself happens regardless of state
			assert.Equal(t, 1, detaches)
		})
	}
}

func TestClearStatusToggle(t *testing.T) {
	d := newDriver(t)

	d.h.st = StateError
	d.h.errCode = ErrWrite
	require.NoError(t, d.clearStatus())
	assert.Equal(t, StateIdle, d.h.st)
	assert.Equal(t, uint8(ErrNone), d.h.errCode)

	// from any non-error state it forces an error instead
	require.NoError(t, d.clearStatus())
	assert.Equal(t, StateError, d.h.st)
	assert.Equal(t, uint8(ErrUnknown), d.h.errCode)

	d.h.st = StateUploadIdle
	require.NoError(t, d.clearStatus())
	assert.Equal(t, StateError, d.h.st)
	assert.Equal(t, uint8(ErrUnknown), d.h.errCode)
}

func TestBlockAddrUsesAddressPointer(t *testing.T) {
	d := newDriver(t)
	assert.Equal(t, uint32(0x08008000), d.blockAddr(2))
	assert.Equal(t, uint32(0x08008400), d.blockAddr(3))
	assert.Equal(t, uint32(0x083FD800), d.blockAddr(1000))

	d.h.dataPtr = 0x08100000
	assert.Equal(t, uint32(0x08100000), d.blockAddr(2))
}
