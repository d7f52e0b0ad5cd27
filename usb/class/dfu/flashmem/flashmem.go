// Package flashmem provides an in-memory flash medium for the DFU class,
// with NOR-flash program semantics (programming only clears bits; an erase
// is required to set them again) and Intel HEX import/export for firmware
// images.
package flashmem

import (
	"fmt"
	"io"
	"time"

	"github.com/marcinbor85/gohex"

	"github.com/virtcom/usbgadget/usb/class/dfu"
)

const erasedByte = 0xFF

// Config describes the emulated flash array.
type Config struct {
	// Base is the address of the first byte.
	Base uint32

	// Size is the array size in bytes. Required.
	Size int

	// SectorSize is the erase granularity. Defaults to 4 KiB.
	SectorSize int

	// ProgramTime and EraseTime are reported to the host as poll times.
	ProgramTime time.Duration
	EraseTime   time.Duration

	// Name is the medium name for the interface string descriptor.
	Name string
}

// Flash is an in-memory flash array implementing dfu.Media.
type Flash struct {
	cfg  Config
	data []byte
}

// New returns an erased flash array.
func New(cfg Config) *Flash {
	if cfg.SectorSize <= 0 {
		cfg.SectorSize = 4096
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("@Emulated Flash /%#08x/%d*%03dKg", cfg.Base, cfg.Size/cfg.SectorSize, cfg.SectorSize/1024)
	}
	data := make([]byte, cfg.Size)
	for i := range data {
		data[i] = erasedByte
	}
	return &Flash{cfg: cfg, data: data}
}

func (f *Flash) Init() error   { return nil }
func (f *Flash) DeInit() error { return nil }

// Erase erases the sector containing addr.
func (f *Flash) Erase(addr uint32) error {
	off, err := f.offset(addr, 1)
	if err != nil {
		return err
	}
	start := off - off%f.cfg.SectorSize
	end := start + f.cfg.SectorSize
	if end > len(f.data) {
		end = len(f.data)
	}
	for i := start; i < end; i++ {
		f.data[i] = erasedByte
	}
	return nil
}

// Write programs data at addr. Bits already at zero stay at zero; callers
// must erase first to rewrite a sector.
func (f *Flash) Write(addr uint32, data []byte) error {
	off, err := f.offset(addr, len(data))
	if err != nil {
		return err
	}
	for i, b := range data {
		f.data[off+i] &= b
	}
	return nil
}

// Read fills data from addr.
func (f *Flash) Read(addr uint32, data []byte) error {
	off, err := f.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(data, f.data[off:])
	return nil
}

// PollTime reports the configured operation times.
func (f *Flash) PollTime(addr uint32, op dfu.Operation) time.Duration {
	if op == dfu.OpErase {
		return f.cfg.EraseTime
	}
	return f.cfg.ProgramTime
}

// Name identifies the medium.
func (f *Flash) Name() string { return f.cfg.Name }

// Base returns the address of the first byte.
func (f *Flash) Base() uint32 { return f.cfg.Base }

// Size returns the array size in bytes.
func (f *Flash) Size() int { return len(f.data) }

// LoadIntelHex fills the array from an Intel HEX image, bypassing the
// program-only-clears semantics. Segments outside the array are an error.
func (f *Flash) LoadIntelHex(r io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return fmt.Errorf("flashmem: parse hex: %w", err)
	}
	for _, seg := range mem.GetDataSegments() {
		off, err := f.offset(seg.Address, len(seg.Data))
		if err != nil {
			return err
		}
		copy(f.data[off:], seg.Data)
	}
	return nil
}

// DumpIntelHex writes the non-erased regions of the array as an Intel HEX
// image.
func (f *Flash) DumpIntelHex(w io.Writer) error {
	mem := gohex.NewMemory()
	for start := 0; start < len(f.data); {
		if f.data[start] == erasedByte {
			start++
			continue
		}
		end := start
		for end < len(f.data) && f.data[end] != erasedByte {
			end++
		}
		if err := mem.AddBinary(f.cfg.Base+uint32(start), f.data[start:end]); err != nil {
			return fmt.Errorf("flashmem: add segment %#08x: %w", f.cfg.Base+uint32(start), err)
		}
		start = end
	}
	if err := mem.DumpIntelHex(w, 16); err != nil {
		return fmt.Errorf("flashmem: dump hex: %w", err)
	}
	return nil
}

func (f *Flash) offset(addr uint32, n int) (int, error) {
	if addr < f.cfg.Base || int(addr-f.cfg.Base)+n > len(f.data) {
		return 0, fmt.Errorf("flashmem: access %#08x+%d outside %#08x..%#08x",
			addr, n, f.cfg.Base, f.cfg.Base+uint32(len(f.data)))
	}
	return int(addr - f.cfg.Base), nil
}
