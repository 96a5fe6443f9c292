package pdmsg

// VDMHeader is the first data object of a Vendor_Defined message.
type VDMHeader uint32

// SIDPowerDelivery is the standard ID used by structured VDMs defined by
// the PD standard itself (discovery, modes).
const SIDPowerDelivery uint16 = 0xFF00

// NewStructuredVDM returns the header of a structured VDM initiator request
// for the given SVID and command.
func NewStructuredVDM(svid uint16, cmd VDMCommand, v VDMVersion) VDMHeader {
	var h VDMHeader
	h.SetSVID(svid)
	h.SetStructured(true)
	h.SetVersion(v)
	h.SetCommand(cmd)
	h.SetCommandType(VDMTypeInitiator)
	return h
}

// SVID returns the standard or vendor ID of the VDM.
func (h VDMHeader) SVID() uint16 { return uint16(h >> 16) }

// SetSVID sets the standard or vendor ID.
func (h *VDMHeader) SetSVID(v uint16) { *h = (*h & 0xFFFF) | VDMHeader(v)<<16 }

// Structured returns true for structured VDMs.
func (h VDMHeader) Structured() bool { return h&(1<<15) != 0 }

// SetStructured sets the structured VDM flag.
func (h *VDMHeader) SetStructured(s bool) { *h = VDMHeader(setBit(uint32(*h), 15, s)) }

// Version returns the structured VDM version.
func (h VDMHeader) Version() VDMVersion { return VDMVersion((h >> 13) & 0b11) }

// SetVersion sets the structured VDM version.
func (h *VDMHeader) SetVersion(v VDMVersion) {
	*h = (*h & ^(VDMHeader(0b11) << 13)) | VDMHeader(v&0b11)<<13
}

// ObjectPosition returns the object position used by mode commands.
func (h VDMHeader) ObjectPosition() uint8 { return uint8((h >> 8) & 0b111) }

// SetObjectPosition sets the object position.
func (h *VDMHeader) SetObjectPosition(p uint8) {
	*h = (*h & ^(VDMHeader(0b111) << 8)) | VDMHeader(p&0b111)<<8
}

// CommandType returns whether the message is a request or one of the
// responses.
func (h VDMHeader) CommandType() VDMCommandType { return VDMCommandType((h >> 6) & 0b11) }

// SetCommandType sets the command type.
func (h *VDMHeader) SetCommandType(t VDMCommandType) {
	*h = (*h & ^(VDMHeader(0b11) << 6)) | VDMHeader(t&0b11)<<6
}

// Command returns the VDM command.
func (h VDMHeader) Command() VDMCommand { return VDMCommand(h & 0b11111) }

// SetCommand sets the VDM command.
func (h *VDMHeader) SetCommand(c VDMCommand) {
	*h = (*h & ^VDMHeader(0b11111)) | VDMHeader(c&0b11111)
}

// VDMVersion is the structured VDM version.
type VDMVersion uint8

// Structured VDM versions.
const (
	VDMVersion10 VDMVersion = 0
	VDMVersion20 VDMVersion = 1
)

// VDMCommandType distinguishes requests from responses.
type VDMCommandType uint8

// VDM command types.
const (
	VDMTypeInitiator VDMCommandType = 0
	VDMTypeACK       VDMCommandType = 1
	VDMTypeNAK       VDMCommandType = 2
	VDMTypeBusy      VDMCommandType = 3
)

func (t VDMCommandType) String() string {
	switch t {
	case VDMTypeInitiator:
		return "REQ"
	case VDMTypeACK:
		return "ACK"
	case VDMTypeNAK:
		return "NAK"
	default:
		return "BUSY"
	}
}

// VDMCommand is a structured VDM command.
type VDMCommand uint8

// Structured VDM commands.
const (
	VDMDiscoverIdentity VDMCommand = 1
	VDMDiscoverSVIDs    VDMCommand = 2
	VDMDiscoverModes    VDMCommand = 3
	VDMEnterMode        VDMCommand = 4
	VDMExitMode         VDMCommand = 5
	VDMAttention        VDMCommand = 6
)

func (c VDMCommand) String() string {
	switch c {
	case VDMDiscoverIdentity:
		return "discover-identity"
	case VDMDiscoverSVIDs:
		return "discover-svids"
	case VDMDiscoverModes:
		return "discover-modes"
	case VDMEnterMode:
		return "enter-mode"
	case VDMExitMode:
		return "exit-mode"
	case VDMAttention:
		return "attention"
	default:
		return "vendor"
	}
}

// IDHeaderVDO is the first VDO of a Discover Identity response.
type IDHeaderVDO uint32

// NewIDHeaderVDO returns an ID header for a USB peripheral with the given
// vendor ID.
func NewIDHeaderVDO(vid uint16, usbDevice bool) IDHeaderVDO {
	h := IDHeaderVDO(vid)
	if usbDevice {
		h |= 1 << 30
		h |= 2 << 27 // peripheral
	}
	return h
}

// VendorID returns the USB vendor ID.
func (h IDHeaderVDO) VendorID() uint16 { return uint16(h) }

// USBDevice returns true if the port is capable of USB device communication.
func (h IDHeaderVDO) USBDevice() bool { return h&(1<<30) != 0 }

// ModalOperation returns true if the port supports alternate modes, and so
// answers Discover SVIDs.
func (h IDHeaderVDO) ModalOperation() bool { return h&(1<<26) != 0 }

// ProductVDO returns the product VDO of a Discover Identity response.
func ProductVDO(pid, bcdDevice uint16) uint32 {
	return uint32(pid)<<16 | uint32(bcdDevice)
}
