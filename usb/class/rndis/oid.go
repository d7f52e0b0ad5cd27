package rndis

// NDIS object identifiers a host may query or set. OIDGenSupportedList is
// answered by the dispatcher itself; the rest are served by the registered
// OID table.
const (
	OIDGenSupportedList       = 0x00010101
	OIDGenHardwareStatus      = 0x00010102
	OIDGenMediaSupported      = 0x00010103
	OIDGenMediaInUse          = 0x00010104
	OIDGenMaximumFrameSize    = 0x00010106
	OIDGenLinkSpeed           = 0x00010107
	OIDGenTransmitBlockSize   = 0x0001010A
	OIDGenReceiveBlockSize    = 0x0001010B
	OIDGenVendorID            = 0x0001010C
	OIDGenVendorDescription   = 0x0001010D
	OIDGenCurrentPacketFilter = 0x0001010E
	OIDGenMaximumTotalSize    = 0x00010111
	OIDGenMACOptions          = 0x00010113
	OIDGenMediaConnectStatus  = 0x00010114
	OIDGenVendorDriverVersion = 0x00010116
	OIDGenPhysicalMedium      = 0x00010202

	OID8023PermanentAddress = 0x01010101
	OID8023CurrentAddress   = 0x01010102
	OID8023MulticastList    = 0x01010103
	OID8023MaximumListSize  = 0x01010104
)

// NDIS media connect states for OIDGenMediaConnectStatus.
const (
	MediaStateConnected    = 0x00000000
	MediaStateDisconnected = 0x00000001
)

// NDIS medium types for OIDGenMediaSupported / OIDGenMediaInUse.
const (
	Medium8023 = 0x00000000
)
