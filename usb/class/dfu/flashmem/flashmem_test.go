package flashmem_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtcom/usbgadget/usb/class/dfu"
	"github.com/virtcom/usbgadget/usb/class/dfu/flashmem"
)

func newFlash() *flashmem.Flash {
	return flashmem.New(flashmem.Config{
		Base:       0x08008000,
		Size:       16 * 1024,
		SectorSize: 1024,
	})
}

func TestWriteOnlyClearsBits(t *testing.T) {
	f := newFlash()

	require.NoError(t, f.Write(0x08008000, []byte{0xF0}))
	buf := make([]byte, 1)
	require.NoError(t, f.Read(0x08008000, buf))
	assert.Equal(t, byte(0xF0), buf[0])

	// programming over the same byte can only clear more bits
	require.NoError(t, f.Write(0x08008000, []byte{0x0F}))
	require.NoError(t, f.Read(0x08008000, buf))
	assert.Equal(t, byte(0x00), buf[0])

	// the erase restores it
	require.NoError(t, f.Erase(0x08008000))
	require.NoError(t, f.Read(0x08008000, buf))
	assert.Equal(t, byte(0xFF), buf[0])
}

func TestEraseIsSectorGranular(t *testing.T) {
	f := newFlash()

	require.NoError(t, f.Write(0x08008000, []byte{0x11}))
	require.NoError(t, f.Write(0x08008400, []byte{0x22}))

	// erasing in the middle of the first sector must not touch the second
	require.NoError(t, f.Erase(0x08008200))

	buf := make([]byte, 1)
	require.NoError(t, f.Read(0x08008000, buf))
	assert.Equal(t, byte(0xFF), buf[0])
	require.NoError(t, f.Read(0x08008400, buf))
	assert.Equal(t, byte(0x22), buf[0])
}

func TestOutOfRangeAccess(t *testing.T) {
	f := newFlash()
	assert.Error(t, f.Write(0x08007FFF, []byte{0x00}))
	assert.Error(t, f.Write(0x0800BFFF, []byte{0x00, 0x00}))
	assert.Error(t, f.Read(0x09000000, make([]byte, 1)))
}

func TestLoadIntelHex(t *testing.T) {
	f := newFlash()

	// 01 02 03 04 at 0x08008000
	image := strings.Join([]string{
		":020000040800F2",
		":048000000102030472",
		":00000001FF",
	}, "\n") + "\n"
	require.NoError(t, f.LoadIntelHex(strings.NewReader(image)))

	buf := make([]byte, 4)
	require.NoError(t, f.Read(0x08008000, buf))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf)
}

func TestDumpSkipsErasedRegions(t *testing.T) {
	f := newFlash()
	require.NoError(t, f.Write(0x08008010, []byte{0xAA, 0xBB}))

	var out bytes.Buffer
	require.NoError(t, f.DumpIntelHex(&out))

	g := newFlash()
	require.NoError(t, g.LoadIntelHex(bytes.NewReader(out.Bytes())))
	buf := make([]byte, 2)
	require.NoError(t, g.Read(0x08008010, buf))
	assert.Equal(t, []byte{0xAA, 0xBB}, buf)
}

func TestPollTimes(t *testing.T) {
	f := flashmem.New(flashmem.Config{
		Base:        0x08000000,
		Size:        1024,
		ProgramTime: 5 * time.Millisecond,
		EraseTime:   50 * time.Millisecond,
	})
	assert.Equal(t, 5*time.Millisecond, f.PollTime(0x08000000, dfu.OpProgram))
	assert.Equal(t, 50*time.Millisecond, f.PollTime(0x08000000, dfu.OpErase))
}
