package dfu

import (
	"fmt"
	"time"
)

// Operation distinguishes what the medium is busy with when the host polls
// for a completion time.
type Operation uint8

const (
	OpProgram Operation = iota
	OpErase
)

func (op Operation) String() string {
	if op == OpErase {
		return "erase"
	}
	return "program"
}

// Media is the backing storage medium of the DFU function. All methods are
// invoked from the class driver's event context; implementations that talk to
// slow storage should return quickly and report the real completion time
// through PollTime so the host keeps polling instead of blocking the bus.
type Media interface {
	// Init prepares the medium for access. Called from the class Init.
	Init() error

	// DeInit releases the medium. Called from the class DeInit.
	DeInit() error

	// Erase erases the storage sector containing addr.
	Erase(addr uint32) error

	// Write programs data at addr.
	Write(addr uint32, data []byte) error

	// Read fills data from addr.
	Read(addr uint32, data []byte) error

	// PollTime reports how long the host should wait before polling again
	// for the given in-flight operation.
	PollTime(addr uint32, op Operation) time.Duration

	// Name identifies the medium for the interface string descriptor.
	Name() string
}

// Status is the decoded 6-byte GETSTATUS record.
type Status struct {
	Error       uint8
	PollTimeout uint32 // milliseconds, 24 bits on the wire
	State       State
	IString     uint8
}

// DecodeStatus parses the 6-byte wire form.
func DecodeStatus(b []byte) (Status, error) {
	if len(b) < StatusSize {
		return Status{}, fmt.Errorf("dfu: short status record: %d bytes", len(b))
	}
	return Status{
		Error:       b[0],
		PollTimeout: uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16,
		State:       State(b[4]),
		IString:     b[5],
	}, nil
}

func (s Status) encode() []byte {
	return []byte{
		s.Error,
		uint8(s.PollTimeout),
		uint8(s.PollTimeout >> 8),
		uint8(s.PollTimeout >> 16),
		uint8(s.State),
		s.IString,
	}
}
