package dfu

// DFU class request codes (DFU 1.1, table 3.2).
const (
	ReqDetach      = 0x00
	ReqDnload      = 0x01
	ReqUpload      = 0x02
	ReqGetStatus   = 0x03
	ReqClearStatus = 0x04
	ReqGetState    = 0x05
	ReqAbort       = 0x06
)

// State is the DFU protocol state as reported by GETSTATE and in the
// GETSTATUS record.
type State uint8

const (
	StateAppIdle State = iota
	StateAppDetach
	StateIdle
	StateDnloadSync
	StateDnloadBusy
	StateDnloadIdle
	StateManifestSync
	StateManifest
	StateManifestWaitReset
	StateUploadIdle
	StateError
)

func (s State) String() string {
	names := [...]string{
		"appIDLE", "appDETACH", "dfuIDLE", "dfuDNLOAD-SYNC", "dfuDNBUSY",
		"dfuDNLOAD-IDLE", "dfuMANIFEST-SYNC", "dfuMANIFEST",
		"dfuMANIFEST-WAIT-RESET", "dfuUPLOAD-IDLE", "dfuERROR",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "dfu?"
}

// DFU status error codes (DFU 1.1, table 4.2).
const (
	ErrNone         = 0x00
	ErrTarget       = 0x01
	ErrFile         = 0x02
	ErrWrite        = 0x03
	ErrErase        = 0x04
	ErrCheckErased  = 0x05
	ErrProg         = 0x06
	ErrVerify       = 0x07
	ErrAddress      = 0x08
	ErrNotDone      = 0x09
	ErrFirmware     = 0x0A
	ErrVendor       = 0x0B
	ErrUSBReset     = 0x0C
	ErrPowerOnReset = 0x0D
	ErrUnknown      = 0x0E
	ErrStalledPkt   = 0x0F
)

// Vendor command opcodes carried in download block 0.
const (
	CmdGetCommands       = 0x00
	CmdSetAddressPointer = 0x21
	CmdErase             = 0x41
)

// DescTypeFunctional is the class-specific descriptor type of the DFU
// functional descriptor.
const DescTypeFunctional = 0x21

// bmAttributes bits of the DFU functional descriptor.
const (
	attrCanDnload        = 0x01
	attrCanUpload        = 0x02
	attrManifestTolerant = 0x04
	attrWillDetach       = 0x08
)

// DefaultXferSize is the scratch-buffer and block size used when the
// configuration leaves XferSize zero.
const DefaultXferSize = 1024

// StatusSize is the wire size of the GETSTATUS record.
const StatusSize = 6

// MediaStringIndex is the string-descriptor index carried in the DFU
// interface descriptor, answered with the medium's name.
const MediaStringIndex = 6

// detachTimeoutMs is the wDetachTimeOut advertised in the functional
// descriptor.
const detachTimeoutMs = 255
