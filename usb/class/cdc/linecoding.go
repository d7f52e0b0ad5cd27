package cdc

import (
	"encoding/binary"
	"fmt"
)

// Stop bit encodings of the line coding bCharFormat field.
const (
	StopBits1  = 0
	StopBits15 = 1
	StopBits2  = 2
)

// Parity encodings of the line coding bParityType field.
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// LineCoding is the serial line configuration exchanged through
// SET_LINE_CODING and GET_LINE_CODING.
type LineCoding struct {
	BaudRate uint32
	StopBits uint8
	Parity   uint8
	DataBits uint8
}

// DecodeLineCoding parses the 7-byte wire form.
func DecodeLineCoding(b []byte) (LineCoding, error) {
	if len(b) < LineCodingSize {
		return LineCoding{}, fmt.Errorf("cdc: short line coding: %d bytes", len(b))
	}
	return LineCoding{
		BaudRate: binary.LittleEndian.Uint32(b[0:4]),
		StopBits: b[4],
		Parity:   b[5],
		DataBits: b[6],
	}, nil
}

// Encode writes the line coding into its 7-byte wire form.
func (lc LineCoding) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], lc.BaudRate)
	b[4] = lc.StopBits
	b[5] = lc.Parity
	b[6] = lc.DataBits
}

func (lc LineCoding) String() string {
	parity := [...]string{"N", "O", "E", "M", "S"}
	stop := [...]string{"1", "1.5", "2"}
	p, s := "?", "?"
	if int(lc.Parity) < len(parity) {
		p = parity[lc.Parity]
	}
	if int(lc.StopBits) < len(stop) {
		s = stop[lc.StopBits]
	}
	return fmt.Sprintf("%d %d%s%s", lc.BaudRate, lc.DataBits, p, s)
}
