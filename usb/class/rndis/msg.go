package rndis

import (
	"encoding/binary"
	"fmt"
)

// RNDIS control message types. Completions carry bit 31.
const (
	MsgPacket         = 0x00000001
	MsgInit           = 0x00000002
	MsgInitCmplt      = 0x80000002
	MsgHalt           = 0x00000003
	MsgQuery          = 0x00000004
	MsgQueryCmplt     = 0x80000004
	MsgSet            = 0x00000005
	MsgSetCmplt       = 0x80000005
	MsgReset          = 0x00000006
	MsgResetCmplt     = 0x80000006
	MsgIndicateStatus = 0x00000007
	MsgKeepAlive      = 0x00000008
	MsgKeepAliveCmplt = 0x80000008
)

// Status is an NDIS status code.
type Status uint32

const (
	StatusSuccess         Status = 0x00000000
	StatusFailure         Status = 0xC0000001
	StatusNotSupported    Status = 0xC00000BB
	StatusInvalidData     Status = 0xC0010015
	StatusMediaConnect    Status = 0x4001000B
	StatusMediaDisconnect Status = 0x4001000C
)

// Fixed wire sizes of the control messages, in bytes. Every field is a
// little-endian 32-bit word.
const (
	HeaderSize         = 8
	InitMsgSize        = 24
	InitCmpltSize      = 52
	QueryMsgSize       = 28
	QueryCmpltSize     = 24
	SetMsgSize         = 28
	SetCmpltSize       = 16
	ResetMsgSize       = 12
	ResetCmpltSize     = 16
	IndStatusMsgSize   = 20
	KeepAliveMsgSize   = 12
	KeepAliveCmpltSize = 16
	PacketHeaderSize   = 44
)

// infoOffsetBase is where buffer offsets are measured from: the RequestID
// field, 8 bytes into the message.
const infoOffsetBase = 8

var le = binary.LittleEndian

func shortMsg(what string, n int) error {
	return fmt.Errorf("rndis: short %s message: %d bytes", what, n)
}

// Header is the leading pair of words common to every control message.
type Header struct {
	Type   uint32
	Length uint32
}

// DecodeHeader reads the message type and total length.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, shortMsg("header", len(b))
	}
	return Header{Type: le.Uint32(b[0:4]), Length: le.Uint32(b[4:8])}, nil
}

// InitMsg is REMOTE_NDIS_INITIALIZE_MSG.
type InitMsg struct {
	RequestID       uint32
	MajorVersion    uint32
	MinorVersion    uint32
	MaxTransferSize uint32
}

func DecodeInitMsg(b []byte) (InitMsg, error) {
	if len(b) < InitMsgSize {
		return InitMsg{}, shortMsg("initialize", len(b))
	}
	return InitMsg{
		RequestID:       le.Uint32(b[8:12]),
		MajorVersion:    le.Uint32(b[12:16]),
		MinorVersion:    le.Uint32(b[16:20]),
		MaxTransferSize: le.Uint32(b[20:24]),
	}, nil
}

func (m InitMsg) Encode() []byte {
	b := make([]byte, InitMsgSize)
	le.PutUint32(b[0:4], MsgInit)
	le.PutUint32(b[4:8], InitMsgSize)
	le.PutUint32(b[8:12], m.RequestID)
	le.PutUint32(b[12:16], m.MajorVersion)
	le.PutUint32(b[16:20], m.MinorVersion)
	le.PutUint32(b[20:24], m.MaxTransferSize)
	return b
}

// InitCmplt is REMOTE_NDIS_INITIALIZE_CMPLT.
type InitCmplt struct {
	RequestID             uint32
	Status                Status
	MajorVersion          uint32
	MinorVersion          uint32
	DeviceFlags           uint32
	Medium                uint32
	MaxPacketsPerTransfer uint32
	MaxTransferSize       uint32
	PacketAlignmentFactor uint32
	AFListOffset          uint32
	AFListSize            uint32
}

func DecodeInitCmplt(b []byte) (InitCmplt, error) {
	if len(b) < InitCmpltSize {
		return InitCmplt{}, shortMsg("initialize cmplt", len(b))
	}
	return InitCmplt{
		RequestID:             le.Uint32(b[8:12]),
		Status:                Status(le.Uint32(b[12:16])),
		MajorVersion:          le.Uint32(b[16:20]),
		MinorVersion:          le.Uint32(b[20:24]),
		DeviceFlags:           le.Uint32(b[24:28]),
		Medium:                le.Uint32(b[28:32]),
		MaxPacketsPerTransfer: le.Uint32(b[32:36]),
		MaxTransferSize:       le.Uint32(b[36:40]),
		PacketAlignmentFactor: le.Uint32(b[40:44]),
		AFListOffset:          le.Uint32(b[44:48]),
		AFListSize:            le.Uint32(b[48:52]),
	}, nil
}

// Encode writes the completion into dst and returns its size.
func (m InitCmplt) Encode(dst []byte) int {
	le.PutUint32(dst[0:4], MsgInitCmplt)
	le.PutUint32(dst[4:8], InitCmpltSize)
	le.PutUint32(dst[8:12], m.RequestID)
	le.PutUint32(dst[12:16], uint32(m.Status))
	le.PutUint32(dst[16:20], m.MajorVersion)
	le.PutUint32(dst[20:24], m.MinorVersion)
	le.PutUint32(dst[24:28], m.DeviceFlags)
	le.PutUint32(dst[28:32], m.Medium)
	le.PutUint32(dst[32:36], m.MaxPacketsPerTransfer)
	le.PutUint32(dst[36:40], m.MaxTransferSize)
	le.PutUint32(dst[40:44], m.PacketAlignmentFactor)
	le.PutUint32(dst[44:48], m.AFListOffset)
	le.PutUint32(dst[48:52], m.AFListSize)
	return InitCmpltSize
}

// QueryMsg is REMOTE_NDIS_QUERY_MSG.
type QueryMsg struct {
	RequestID  uint32
	OID        uint32
	InfoLength uint32
	InfoOffset uint32
}

func DecodeQueryMsg(b []byte) (QueryMsg, error) {
	if len(b) < QueryMsgSize {
		return QueryMsg{}, shortMsg("query", len(b))
	}
	return QueryMsg{
		RequestID:  le.Uint32(b[8:12]),
		OID:        le.Uint32(b[12:16]),
		InfoLength: le.Uint32(b[16:20]),
		InfoOffset: le.Uint32(b[20:24]),
	}, nil
}

// Encode frames a query with the given input payload appended.
func (m QueryMsg) Encode(payload []byte) []byte {
	b := make([]byte, QueryMsgSize+len(payload))
	le.PutUint32(b[0:4], MsgQuery)
	le.PutUint32(b[4:8], uint32(len(b)))
	le.PutUint32(b[8:12], m.RequestID)
	le.PutUint32(b[12:16], m.OID)
	if len(payload) > 0 {
		le.PutUint32(b[16:20], uint32(len(payload)))
		le.PutUint32(b[20:24], QueryMsgSize-infoOffsetBase)
		copy(b[QueryMsgSize:], payload)
	}
	return b
}

// QueryCmplt is REMOTE_NDIS_QUERY_CMPLT. The information buffer follows the
// fixed part.
type QueryCmplt struct {
	RequestID  uint32
	Status     Status
	InfoLength uint32
	InfoOffset uint32
}

func DecodeQueryCmplt(b []byte) (QueryCmplt, []byte, error) {
	if len(b) < QueryCmpltSize {
		return QueryCmplt{}, nil, shortMsg("query cmplt", len(b))
	}
	m := QueryCmplt{
		RequestID:  le.Uint32(b[8:12]),
		Status:     Status(le.Uint32(b[12:16])),
		InfoLength: le.Uint32(b[16:20]),
		InfoOffset: le.Uint32(b[20:24]),
	}
	start := infoOffsetBase + int(m.InfoOffset)
	end := start + int(m.InfoLength)
	if m.InfoLength > 0 && (start < 0 || end > len(b)) {
		return QueryCmplt{}, nil, fmt.Errorf("rndis: query cmplt info buffer %d+%d outside %d-byte message",
			m.InfoOffset, m.InfoLength, len(b))
	}
	if m.InfoLength == 0 {
		return m, nil, nil
	}
	return m, b[start:end], nil
}

// Encode writes the completion header into dst. The information buffer is
// expected to already sit at its offset; the returned size covers it.
func (m QueryCmplt) Encode(dst []byte) int {
	le.PutUint32(dst[0:4], MsgQueryCmplt)
	le.PutUint32(dst[4:8], QueryCmpltSize+m.InfoLength)
	le.PutUint32(dst[8:12], m.RequestID)
	le.PutUint32(dst[12:16], uint32(m.Status))
	le.PutUint32(dst[16:20], m.InfoLength)
	le.PutUint32(dst[20:24], m.InfoOffset)
	return QueryCmpltSize + int(m.InfoLength)
}

// SetMsg is REMOTE_NDIS_SET_MSG. The input buffer follows the fixed part.
type SetMsg struct {
	RequestID  uint32
	OID        uint32
	InfoLength uint32
	InfoOffset uint32
	Reserved   uint32
}

func DecodeSetMsg(b []byte) (SetMsg, error) {
	if len(b) < SetMsgSize {
		return SetMsg{}, shortMsg("set", len(b))
	}
	return SetMsg{
		RequestID:  le.Uint32(b[8:12]),
		OID:        le.Uint32(b[12:16]),
		InfoLength: le.Uint32(b[16:20]),
		InfoOffset: le.Uint32(b[20:24]),
		Reserved:   le.Uint32(b[24:28]),
	}, nil
}

// Encode frames a set request with the given input payload appended.
func (m SetMsg) Encode(payload []byte) []byte {
	b := make([]byte, SetMsgSize+len(payload))
	le.PutUint32(b[0:4], MsgSet)
	le.PutUint32(b[4:8], uint32(len(b)))
	le.PutUint32(b[8:12], m.RequestID)
	le.PutUint32(b[12:16], m.OID)
	le.PutUint32(b[16:20], uint32(len(payload)))
	le.PutUint32(b[20:24], SetMsgSize-infoOffsetBase)
	le.PutUint32(b[24:28], m.Reserved)
	copy(b[SetMsgSize:], payload)
	return b
}

// SetCmplt is REMOTE_NDIS_SET_CMPLT.
type SetCmplt struct {
	RequestID uint32
	Status    Status
}

func DecodeSetCmplt(b []byte) (SetCmplt, error) {
	if len(b) < SetCmpltSize {
		return SetCmplt{}, shortMsg("set cmplt", len(b))
	}
	return SetCmplt{
		RequestID: le.Uint32(b[8:12]),
		Status:    Status(le.Uint32(b[12:16])),
	}, nil
}

func (m SetCmplt) Encode(dst []byte) int {
	le.PutUint32(dst[0:4], MsgSetCmplt)
	le.PutUint32(dst[4:8], SetCmpltSize)
	le.PutUint32(dst[8:12], m.RequestID)
	le.PutUint32(dst[12:16], uint32(m.Status))
	return SetCmpltSize
}

// EncodeResetMsg frames REMOTE_NDIS_RESET_MSG.
func EncodeResetMsg() []byte {
	b := make([]byte, ResetMsgSize)
	le.PutUint32(b[0:4], MsgReset)
	le.PutUint32(b[4:8], ResetMsgSize)
	return b
}

// ResetCmplt is REMOTE_NDIS_RESET_CMPLT.
type ResetCmplt struct {
	Status          Status
	AddressingReset uint32
}

func DecodeResetCmplt(b []byte) (ResetCmplt, error) {
	if len(b) < ResetCmpltSize {
		return ResetCmplt{}, shortMsg("reset cmplt", len(b))
	}
	return ResetCmplt{
		Status:          Status(le.Uint32(b[8:12])),
		AddressingReset: le.Uint32(b[12:16]),
	}, nil
}

func (m ResetCmplt) Encode(dst []byte) int {
	le.PutUint32(dst[0:4], MsgResetCmplt)
	le.PutUint32(dst[4:8], ResetCmpltSize)
	le.PutUint32(dst[8:12], uint32(m.Status))
	le.PutUint32(dst[12:16], m.AddressingReset)
	return ResetCmpltSize
}

// EncodeKeepAliveMsg frames REMOTE_NDIS_KEEPALIVE_MSG.
func EncodeKeepAliveMsg(requestID uint32) []byte {
	b := make([]byte, KeepAliveMsgSize)
	le.PutUint32(b[0:4], MsgKeepAlive)
	le.PutUint32(b[4:8], KeepAliveMsgSize)
	le.PutUint32(b[8:12], requestID)
	return b
}

// KeepAliveCmplt is REMOTE_NDIS_KEEPALIVE_CMPLT.
type KeepAliveCmplt struct {
	RequestID uint32
	Status    Status
}

func DecodeKeepAliveCmplt(b []byte) (KeepAliveCmplt, error) {
	if len(b) < KeepAliveCmpltSize {
		return KeepAliveCmplt{}, shortMsg("keepalive cmplt", len(b))
	}
	return KeepAliveCmplt{
		RequestID: le.Uint32(b[8:12]),
		Status:    Status(le.Uint32(b[12:16])),
	}, nil
}

func (m KeepAliveCmplt) Encode(dst []byte) int {
	le.PutUint32(dst[0:4], MsgKeepAliveCmplt)
	le.PutUint32(dst[4:8], KeepAliveCmpltSize)
	le.PutUint32(dst[8:12], m.RequestID)
	le.PutUint32(dst[12:16], uint32(m.Status))
	return KeepAliveCmpltSize
}

func encodeIndStatus(dst []byte, status Status) int {
	le.PutUint32(dst[0:4], MsgIndicateStatus)
	le.PutUint32(dst[4:8], IndStatusMsgSize)
	le.PutUint32(dst[8:12], uint32(status))
	le.PutUint32(dst[12:16], 0) // StatusBufferLength
	le.PutUint32(dst[16:20], 0) // StatusBufferOffset
	return IndStatusMsgSize
}

// EncodePacket frames a data packet for the bulk pipe: the 44-byte packet
// header followed by the payload, with DataOffset measured from the
// DataOffset field itself.
func EncodePacket(payload []byte) []byte {
	b := make([]byte, PacketHeaderSize+len(payload))
	le.PutUint32(b[0:4], MsgPacket)
	le.PutUint32(b[4:8], uint32(len(b)))
	le.PutUint32(b[8:12], PacketHeaderSize-infoOffsetBase) // DataOffset
	le.PutUint32(b[12:16], uint32(len(payload)))           // DataLength
	copy(b[PacketHeaderSize:], payload)
	return b
}

// PacketPayload validates packet framing and returns the payload, or nil
// when the frame is malformed. b must be exactly the received transfer. The
// total length must equal DataOffset + DataLength plus the 8 bytes in front
// of the DataOffset field, and the payload sits DataOffset bytes past that
// field, not past the message start.
func PacketPayload(b []byte) []byte {
	if len(b) < 16 {
		return nil
	}
	if le.Uint32(b[0:4]) != MsgPacket {
		return nil
	}
	msgLen := le.Uint32(b[4:8])
	if int64(msgLen) != int64(len(b)) {
		return nil
	}
	dataOffset := le.Uint32(b[8:12])
	dataLength := le.Uint32(b[12:16])
	if uint64(dataOffset)+uint64(dataLength)+infoOffsetBase != uint64(msgLen) {
		return nil
	}
	start := infoOffsetBase + int(dataOffset)
	return b[start : start+int(dataLength)]
}

// ValidPacket reports whether b is a well-formed packet message.
func ValidPacket(b []byte) bool {
	return PacketPayload(b) != nil
}
