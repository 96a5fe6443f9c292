// Package pdmsg defines types to encode and decode USB-C Power Delivery
// Messages.
package pdmsg

import (
	"errors"
	"fmt"
)

const (
	// MaxDataObjects is the maximum number of data objects that can be stored in
	// a message, as set by the standard.
	MaxDataObjects = 7

	// MaxMessageBytes is the maximum number of bytes in a message which includes
	// the header and the data objects.
	MaxMessageBytes = 2 + 4*MaxDataObjects // 2 bytes header, and 7 data objects, each 32 bits (4 bytes)
)

// ErrShortMessage is returned by FromBytes when the buffer is shorter than
// what the header claims.
var ErrShortMessage = errors.New("pdmsg: message shorter than header claims")

// Message represents a power delivery message.
type Message struct {
	Header uint16

	// Data varies depending on the type of the message. For TypeSourceCap and
	// TypeSinkCap, the data element should be converted to PDO, and further to
	// specific PDO type based on PDO.Type().
	//
	// Size of Data is fixed up to maximum allowable message size, to ensure no
	// heap allocations are necessary. To find out how many actual elements are
	// used, use DataObjectCount().
	Data [MaxDataObjects]uint32
}

// NewControl returns a control message of type t with an empty header
// otherwise.
func NewControl(t Type) Message {
	var m Message
	m.SetType(t)
	return m
}

// NewData returns a data message of type t carrying objs. Objects past
// MaxDataObjects are ignored.
func NewData(t Type, objs ...uint32) Message {
	var m Message
	m.SetType(t)
	n := copy(m.Data[:], objs)
	m.SetDataObjectCount(uint8(n))
	return m
}

// ToBytes serializes the message to a byte slice and returns the number of
// bytes written.
func (m Message) ToBytes(b []byte) uint8 {
	b[0] = byte(m.Header & 0xff)
	b[1] = byte((m.Header >> 8) & 0xff)
	c := m.DataObjectCount()
	for i, d := range m.Data[:c] {
		b[2+i*4] = byte(d & 0xff)
		b[3+i*4] = byte((d >> 8) & 0xff)
		b[4+i*4] = byte((d >> 16) & 0xff)
		b[5+i*4] = byte((d >> 24) & 0xff)
	}
	return 2 + c*4
}

// FromBytes decodes a message from its little-endian wire form. Trailing
// bytes (such as a CRC) are ignored.
func FromBytes(b []byte) (Message, error) {
	var m Message
	if len(b) < 2 {
		return m, ErrShortMessage
	}
	m.Header = uint16(b[0]) | uint16(b[1])<<8
	c := int(m.DataObjectCount())
	if len(b) < 2+c*4 {
		return Message{}, ErrShortMessage
	}
	for i := 0; i < c; i++ {
		s := 2 + i*4
		m.Data[i] = uint32(b[s]) | uint32(b[s+1])<<8 | uint32(b[s+2])<<16 | uint32(b[s+3])<<24
	}
	return m, nil
}

// Objects returns the used data objects of the message.
func (m *Message) Objects() []uint32 {
	return m.Data[:m.DataObjectCount()]
}

// IsExtended returns true if the message has its extended flag set.
func (m Message) IsExtended() bool {
	return m.Header&(1<<15) != 0
}

// SetExtended sets the extended flag in the message.
func (m *Message) SetExtended(e bool) {
	var b uint16
	if e {
		b = 1 << 15
	}
	m.Header = (m.Header & ^(uint16(1) << 15)) | b
}

// ID returns the message ID.
func (m Message) ID() uint8 {
	return uint8((m.Header >> 9) & 0b111)
}

// SetID sets the message ID.
func (m *Message) SetID(id uint8) {
	m.Header = (m.Header & ^(uint16(0b111) << 9)) | (uint16(id&0b111) << 9)
}

// DataObjectCount returns the number of data objects in the message.
func (m Message) DataObjectCount() uint8 {
	return uint8((m.Header >> 12) & 0b111)
}

// SetDataObjectCount sets the number of data objects in the message.
func (m *Message) SetDataObjectCount(n uint8) {
	m.Header = (m.Header & ^(uint16(0b111) << 12)) | (uint16(n&0b111) << 12)
}

// IsData returns true of the message is a data message, otherwise it's a
// control message.
func (m Message) IsData() bool {
	return m.DataObjectCount() > 0
}

// Type returns the message type. As data and control messages share the same
// value of some types, the user must check IsData in addition to Type, to
// determine the correct type of the message.
func (m Message) Type() Type {
	return Type(m.Header & 0b11111)
}

// SetType sets the message type.
func (m *Message) SetType(t Type) {
	m.Header = (m.Header & ^uint16(0b11111)) | uint16(t&0b11111)
}

// Is reports whether m is a control message of type t.
func (m Message) Is(t Type) bool {
	return !m.IsData() && !m.IsExtended() && m.Type() == t
}

// IsDataType reports whether m is a non-extended data message of type t.
func (m Message) IsDataType(t Type) bool {
	return m.IsData() && !m.IsExtended() && m.Type() == t
}

// TypeName returns a readable name of the message type, taking the message
// family into account.
func (m Message) TypeName() string {
	switch {
	case m.IsExtended():
		return fmt.Sprintf("Extended(%d)", m.Type())
	case m.IsData():
		return m.Type().DataString()
	default:
		return m.Type().ControlString()
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s id=%d rev=%s n=%d", m.TypeName(), m.ID(), m.Revision(), m.DataObjectCount())
}

// Type represents the PD message type. For control messages, the value of the
// type is equivalent to that of the USB PD standard. Actual message type requires
// determining if the message is a control or a data message using IsData().
type Type uint8

// Control message types
const (
	TypeGoodCRC              Type = 0x01
	TypeGotoMin              Type = 0x02
	TypeAccept               Type = 0x03
	TypeReject               Type = 0x04
	TypePing                 Type = 0x05
	TypePSReady              Type = 0x06
	TypeGetSourceCap         Type = 0x07
	TypeGetSinkCap           Type = 0x08
	TypeDRSwap               Type = 0x09
	TypePRSwap               Type = 0x0A
	TypeVconnSwap            Type = 0x0B
	TypeWait                 Type = 0x0C
	TypeSoftReset            Type = 0x0D
	TypeDataReset            Type = 0x0E
	TypeDataResetComplete    Type = 0x0F
	TypeNotSupported         Type = 0x10
	TypeGetSourceCapExtended Type = 0x11
	TypeGetStatus            Type = 0x12
	TypeFRSwap               Type = 0x13
	TypeGetPPSStatus         Type = 0x14
	TypeGetCountryCodes      Type = 0x15
	TypeGetSinkCapExtended   Type = 0x16
)

// Data message types
const (
	TypeSourceCap      Type = 0x01
	TypeRequest        Type = 0x02
	TypeBIST           Type = 0x03
	TypeSinkCap        Type = 0x04
	TypeBatteryStatus  Type = 0x05
	TypeAlert          Type = 0x06
	TypeGetCountryInfo Type = 0x07
	TypeEnterUSB       Type = 0x08
	TypeVendorDefined  Type = 0x0F
)

var controlNames = map[Type]string{
	TypeGoodCRC:              "GoodCRC",
	TypeGotoMin:              "GotoMin",
	TypeAccept:               "Accept",
	TypeReject:               "Reject",
	TypePing:                 "Ping",
	TypePSReady:              "PS_RDY",
	TypeGetSourceCap:         "Get_Source_Cap",
	TypeGetSinkCap:           "Get_Sink_Cap",
	TypeDRSwap:               "DR_Swap",
	TypePRSwap:               "PR_Swap",
	TypeVconnSwap:            "VCONN_Swap",
	TypeWait:                 "Wait",
	TypeSoftReset:            "Soft_Reset",
	TypeDataReset:            "Data_Reset",
	TypeDataResetComplete:    "Data_Reset_Complete",
	TypeNotSupported:         "Not_Supported",
	TypeGetSourceCapExtended: "Get_Source_Cap_Extended",
	TypeGetStatus:            "Get_Status",
	TypeFRSwap:               "FR_Swap",
	TypeGetPPSStatus:         "Get_PPS_Status",
	TypeGetCountryCodes:      "Get_Country_Codes",
	TypeGetSinkCapExtended:   "Get_Sink_Cap_Extended",
}

var dataNames = map[Type]string{
	TypeSourceCap:      "Source_Capabilities",
	TypeRequest:        "Request",
	TypeBIST:           "BIST",
	TypeSinkCap:        "Sink_Capabilities",
	TypeBatteryStatus:  "Battery_Status",
	TypeAlert:          "Alert",
	TypeGetCountryInfo: "Get_Country_Info",
	TypeEnterUSB:       "Enter_USB",
	TypeVendorDefined:  "Vendor_Defined",
}

// ControlString returns the name of t as a control message type.
func (t Type) ControlString() string {
	if s, ok := controlNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Control(%d)", uint8(t))
}

// DataString returns the name of t as a data message type.
func (t Type) DataString() string {
	if s, ok := dataNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Data(%d)", uint8(t))
}

// Revision returns the power delivery revision number of the message.
func (m Message) Revision() Revision {
	return Revision((m.Header >> 6) & 0b11)
}

// SetRevision sets the power delivery revision number of the message.
func (m *Message) SetRevision(r Revision) {
	m.Header = (m.Header & ^(uint16(0b11) << 6)) | uint16(r&0b11)<<6
}

// Revision represents the power delivery revision number of a message.
type Revision uint8

// Power delivery revision numbers.
const (
	Revision10 Revision = 0b00
	Revision20 Revision = 0b01
	Revision30 Revision = 0b10
)

func (r Revision) String() string {
	switch r {
	case Revision10:
		return "1.0"
	case Revision20:
		return "2.0"
	case Revision30:
		return "3.0"
	default:
		return "?"
	}
}

// PowerRole returns the power role of the sender of the message.
func (m Message) PowerRole() PowerRole {
	return PowerRole((m.Header >> 8) & 1)
}

// SetPowerRole sets the power role of the sender of the message.
func (m *Message) SetPowerRole(r PowerRole) {
	m.Header = (m.Header & ^(uint16(1) << 8)) | (uint16(r&1) << 8)
}

// PowerRole represents the power role of the sender of a message.
type PowerRole uint8

// Power roles of the sender of a message.
const (
	PowerRoleSink   PowerRole = 0
	PowerRoleSource PowerRole = 1
)

func (r PowerRole) String() string {
	if r == PowerRoleSource {
		return "source"
	}
	return "sink"
}

// DataRole returns the data role of the sender of the message.
func (m Message) DataRole() DataRole {
	return DataRole((m.Header >> 5) & 1)
}

// SetDataRole sets the data role of the sender of the message.
func (m *Message) SetDataRole(r DataRole) {
	m.Header = (m.Header & ^(uint16(1) << 5)) | uint16(r&1)<<5
}

// DataRole represents the data role of the sender of a message.
type DataRole uint8

// Data roles of the sender of a message.
const (
	DataRoleUFP DataRole = 0
	DataRoleDFP DataRole = 1
)

func (r DataRole) String() string {
	if r == DataRoleDFP {
		return "DFP"
	}
	return "UFP"
}

// ExtendedHeader is the 16-bit header prepended to the payload of extended
// messages.
type ExtendedHeader uint16

// DataSize returns the total number of payload bytes of the extended message.
func (h ExtendedHeader) DataSize() uint16 {
	return uint16(h) & 0x1FF
}

// SetDataSize sets the payload size in bytes.
func (h *ExtendedHeader) SetDataSize(n uint16) {
	*h = (*h & ^ExtendedHeader(0x1FF)) | ExtendedHeader(n&0x1FF)
}

// RequestChunk returns true if the header requests a chunk.
func (h ExtendedHeader) RequestChunk() bool {
	return h&(1<<10) != 0
}

// SetRequestChunk sets the request chunk flag.
func (h *ExtendedHeader) SetRequestChunk(r bool) {
	*h = setBit16(*h, 10, r)
}

// ChunkNumber returns the chunk number.
func (h ExtendedHeader) ChunkNumber() uint8 {
	return uint8((h >> 11) & 0xF)
}

// SetChunkNumber sets the chunk number.
func (h *ExtendedHeader) SetChunkNumber(n uint8) {
	*h = (*h & ^(ExtendedHeader(0xF) << 11)) | ExtendedHeader(n&0xF)<<11
}

// Chunked returns true if the message is sent in chunks.
func (h ExtendedHeader) Chunked() bool {
	return h&(1<<15) != 0
}

// SetChunked sets the chunked flag.
func (h *ExtendedHeader) SetChunked(c bool) {
	*h = setBit16(*h, 15, c)
}

// ExtendedHeader returns the extended header of an extended message, found
// in the low 16 bits of the first data object.
func (m Message) ExtendedHeader() ExtendedHeader {
	return ExtendedHeader(m.Data[0] & 0xFFFF)
}

func setBit16(h ExtendedHeader, bit uint, v bool) ExtendedHeader {
	h &= ^(ExtendedHeader(1) << bit)
	if v {
		h |= 1 << bit
	}
	return h
}

// SOP identifies the start-of-packet ordered set a message was sent with,
// which addresses either the port partner or one of the cable plugs.
type SOP uint8

// Start of packet types. The first three have independent message ID
// counters.
const (
	SOPDefault SOP = iota
	SOPPrime
	SOPDoublePrime
	SOPDebugPrime
	SOPDebugDoublePrime

	// NumSOP is the number of SOP types with their own message ID space.
	NumSOP = 3
)

func (s SOP) String() string {
	switch s {
	case SOPDefault:
		return "SOP"
	case SOPPrime:
		return "SOP'"
	case SOPDoublePrime:
		return "SOP''"
	case SOPDebugPrime:
		return "SOP'_Debug"
	case SOPDebugDoublePrime:
		return "SOP''_Debug"
	default:
		return "SOP?"
	}
}
