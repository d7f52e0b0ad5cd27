package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes (bRequest).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0A
	ReqSetInterface     = 0x0B
)

// bmRequestType fields.
const (
	ReqTypeMask     = 0x60
	ReqTypeStandard = 0x00
	ReqTypeClass    = 0x20
	ReqTypeVendor   = 0x40

	ReqRecipientMask      = 0x1F
	ReqRecipientDevice    = 0x00
	ReqRecipientInterface = 0x01
	ReqRecipientEndpoint  = 0x02

	ReqDirIn = 0x80
)

// Standard descriptor types.
const (
	DescTypeDevice        = 0x01
	DescTypeConfiguration = 0x02
	DescTypeString        = 0x03
	DescTypeInterface     = 0x04
	DescTypeEndpoint      = 0x05
	DescTypeQualifier     = 0x06
)

// SetupSize is the wire size of a setup packet.
const SetupSize = 8

// Request is a decoded control request.
type Request struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// DecodeRequest parses the 8-byte setup packet. wValue, wIndex and wLength
// are little-endian on the wire.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < SetupSize {
		return Request{}, fmt.Errorf("usb: short setup packet: %d bytes", len(b))
	}
	return Request{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// Encode returns the 8-byte wire form of the request.
func (r Request) Encode() [SetupSize]byte {
	var b [SetupSize]byte
	b[0] = r.RequestType
	b[1] = r.Request
	binary.LittleEndian.PutUint16(b[2:4], r.Value)
	binary.LittleEndian.PutUint16(b[4:6], r.Index)
	binary.LittleEndian.PutUint16(b[6:8], r.Length)
	return b
}

// Type returns the request type bits (standard, class or vendor).
func (r Request) Type() uint8 { return r.RequestType & ReqTypeMask }

// In reports whether the data stage, if any, is device-to-host.
func (r Request) In() bool { return r.RequestType&ReqDirIn != 0 }

func (r Request) String() string {
	return fmt.Sprintf("bmRequestType=%#02x bRequest=%#02x wValue=%#04x wIndex=%#04x wLength=%d",
		r.RequestType, r.Request, r.Value, r.Index, r.Length)
}
