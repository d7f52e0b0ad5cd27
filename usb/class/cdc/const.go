package cdc

// Endpoint addresses of the ACM function.
const (
	InEP  = 0x81 // bulk IN, serial data to the host
	OutEP = 0x01 // bulk OUT, serial data from the host
	CmdEP = 0x82 // interrupt IN, ACM notifications
)

// Endpoint packet sizes per link speed.
const (
	FSMaxPacketSize = 64
	HSMaxPacketSize = 512
	CmdPacketSize   = 8
)

// PSTN/ACM class request codes.
const (
	ReqSendEncapsulatedCommand = 0x00
	ReqGetEncapsulatedResponse = 0x01
	ReqSetCommFeature          = 0x02
	ReqGetCommFeature          = 0x03
	ReqClearCommFeature        = 0x04
	ReqSetLineCoding           = 0x20
	ReqGetLineCoding           = 0x21
	ReqSetControlLineState     = 0x22
	ReqSendBreak               = 0x23
)

// LineCodingSize is the wire size of the ACM line coding record.
const LineCodingSize = 7

// cmdNone marks the staged control opcode slot as empty.
const cmdNone = 0xFF

// dataBufSize is the capacity of the control-transfer staging buffer.
const dataBufSize = HSMaxPacketSize
