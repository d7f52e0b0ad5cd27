package rndis

// Endpoint addresses of the RNDIS function.
const (
	InEP  = 0x82 // bulk IN, framed packets to the host
	OutEP = 0x03 // bulk OUT, framed packets from the host
	CmdEP = 0x81 // interrupt IN, response-available notifications
)

// Endpoint packet sizes per link speed.
const (
	FSMaxPacketSize = 64
	HSMaxPacketSize = 512
	CmdPacketSize   = 8
)

// Encapsulated-command class requests carrying RNDIS control messages over
// endpoint 0.
const (
	ReqSendEncapsulatedCommand = 0x00
	ReqGetEncapsulatedResponse = 0x01
)

// RNDIS protocol version advertised in INITIALIZE_CMPLT.
const (
	MajorVersion = 1
	MinorVersion = 0
)

// ctrlBufSize is the shared encapsulated command/response buffer capacity:
// room for the largest fixed response plus one packet's worth of payload.
const ctrlBufSize = InitCmpltSize + HSMaxPacketSize
