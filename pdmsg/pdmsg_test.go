package pdmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderFields(t *testing.T) {
	var m Message
	m.SetType(TypeRequest)
	m.SetDataRole(DataRoleDFP)
	m.SetRevision(Revision30)
	m.SetPowerRole(PowerRoleSource)
	m.SetID(5)
	m.SetDataObjectCount(1)

	assert.Equal(t, TypeRequest, m.Type())
	assert.Equal(t, DataRoleDFP, m.DataRole())
	assert.Equal(t, Revision30, m.Revision())
	assert.Equal(t, PowerRoleSource, m.PowerRole())
	assert.Equal(t, uint8(5), m.ID())
	assert.Equal(t, uint8(1), m.DataObjectCount())
	assert.False(t, m.IsExtended())
	assert.Equal(t, uint16(0x1BA2), m.Header)

	m.SetID(9) // only the low 3 bits are kept
	assert.Equal(t, uint8(1), m.ID())
	assert.Equal(t, TypeRequest, m.Type(), "ID must not leak into other fields")
}

func TestBytesLittleEndian(t *testing.T) {
	m := NewData(TypeSourceCap, 0x0801912C, 0x0002D12C)
	m.SetID(3)

	var b [MaxMessageBytes]byte
	n := m.ToBytes(b[:])
	require.Equal(t, uint8(10), n)
	assert.Equal(t, []byte{0x01, 0x26, 0x2C, 0x91, 0x01, 0x08, 0x2C, 0xD1, 0x02, 0x00}, b[:n])

	back, err := FromBytes(b[:n])
	require.NoError(t, err)
	assert.Equal(t, m, back)

	_, err = FromBytes(b[:5])
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestMessageFamilies(t *testing.T) {
	accept := NewControl(TypeAccept)
	assert.True(t, accept.Is(TypeAccept))
	assert.False(t, accept.IsDataType(TypeAccept))
	assert.Equal(t, "Accept", accept.TypeName())

	// Type 1 is GoodCRC as control and Source_Capabilities as data.
	caps := NewData(TypeSourceCap, uint32(Fixed(5000, 3000)))
	assert.True(t, caps.IsDataType(TypeSourceCap))
	assert.False(t, caps.Is(TypeGoodCRC))
	assert.Equal(t, "Source_Capabilities", caps.TypeName())
	assert.Len(t, caps.Objects(), 1)
}

func TestExtendedHeader(t *testing.T) {
	var h ExtendedHeader
	h.SetChunked(true)
	h.SetChunkNumber(3)
	h.SetRequestChunk(true)
	h.SetDataSize(260)
	assert.True(t, h.Chunked())
	assert.Equal(t, uint8(3), h.ChunkNumber())
	assert.True(t, h.RequestChunk())
	assert.Equal(t, uint16(260), h.DataSize())
	assert.Equal(t, ExtendedHeader(0x9D04), h)
}

func TestFixedPDO(t *testing.T) {
	o := Fixed(9000, 3000)
	o.SetDualRolePower(true)
	o.SetUSBCommunication(true)
	o.SetDualRoleData(true)

	assert.Equal(t, PDOTypeFixedSupply, PDO(o).Type())
	assert.Equal(t, uint16(9000), o.Voltage())
	assert.Equal(t, uint16(3000), o.MaxCurrent())
	assert.True(t, o.DualRolePower())
	assert.False(t, o.UnconstrainedPower())
	assert.True(t, o.USBCommunication())
	assert.True(t, o.DualRoleData())
	assert.Equal(t, FixedSupplyPDO(0x2602D12C), o)

	// Sub-unit values truncate.
	assert.Equal(t, uint16(5000), Fixed(5049, 1509).Voltage())
	assert.Equal(t, uint16(1500), Fixed(5049, 1509).MaxCurrent())
}

func TestBatteryAndVariablePDO(t *testing.T) {
	b := NewBatteryPDO()
	b.SetMaxVoltage(21000)
	b.SetMinVoltage(5000)
	b.SetMaxPower(45000)
	assert.Equal(t, PDOTypeBattery, PDO(b).Type())
	assert.Equal(t, uint16(21000), b.MaxVoltage())
	assert.Equal(t, uint16(5000), b.MinVoltage())
	assert.Equal(t, uint32(45000), b.MaxPower())

	v := NewVariableSupplyPDO()
	v.SetMaxVoltage(12000)
	v.SetMinVoltage(9000)
	v.SetMaxCurrent(2000)
	assert.Equal(t, PDOTypeVariableSupply, PDO(v).Type())
	assert.Equal(t, uint16(12000), v.MaxVoltage())
	assert.Equal(t, uint16(9000), v.MinVoltage())
	assert.Equal(t, uint16(2000), v.MaxCurrent())
}

func TestPPSPDO(t *testing.T) {
	p := NewPPSPDO()
	p.SetMinVoltage(3300)
	p.SetMaxVoltage(11000)
	p.SetMaxCurrent(3000)
	p.SetPowerLimited(true)
	assert.Equal(t, PDOTypePPS, PDO(p).Type())
	assert.True(t, PDO(p).IsAugmented())
	assert.Equal(t, uint16(3300), p.MinVoltage())
	assert.Equal(t, uint16(11000), p.MaxVoltage())
	assert.Equal(t, uint16(3000), p.MaxCurrent())
	assert.True(t, p.IsPowerLimited())
}

func TestRequestDO(t *testing.T) {
	var r RequestDO
	r.SetSelectedObjectPosition(2)
	r.SetCapabilityMismatch(true)
	r.SetUSBCommunication(true)
	r.SetFixedOperatingCurrent(3000)
	r.SetFixedMaxOperatingCurrent(3000)

	assert.Equal(t, uint8(2), r.SelectedObjectPosition())
	assert.True(t, r.CapabilityMismatch())
	assert.False(t, r.GiveBack())
	assert.True(t, r.USBCommunication())
	assert.Equal(t, uint16(3000), r.FixedOperatingCurrent())
	assert.Equal(t, uint16(3000), r.FixedMaxOperatingCurrent())
	assert.Equal(t, RequestDO(0x2604B12C), r)

	var b RequestDO
	b.SetSelectedObjectPosition(1)
	b.SetBatteryOperatingPower(15000)
	b.SetBatteryMaxOperatingPower(15250)
	assert.Equal(t, uint32(15000), b.BatteryOperatingPower())
	assert.Equal(t, uint32(15250), b.BatteryMaxOperatingPower())
}

func TestVDMHeader(t *testing.T) {
	h := NewStructuredVDM(SIDPowerDelivery, VDMDiscoverIdentity, VDMVersion20)
	assert.Equal(t, SIDPowerDelivery, h.SVID())
	assert.True(t, h.Structured())
	assert.Equal(t, VDMVersion20, h.Version())
	assert.Equal(t, VDMTypeInitiator, h.CommandType())
	assert.Equal(t, VDMDiscoverIdentity, h.Command())
	assert.Equal(t, VDMHeader(0xFF00A001), h)

	h.SetCommandType(VDMTypeBusy)
	h.SetObjectPosition(1)
	assert.Equal(t, VDMTypeBusy, h.CommandType())
	assert.Equal(t, uint8(1), h.ObjectPosition())
	assert.Equal(t, VDMDiscoverIdentity, h.Command())

	id := NewIDHeaderVDO(0x1209, true)
	assert.Equal(t, uint16(0x1209), id.VendorID())
	assert.True(t, id.USBDevice())
	assert.False(t, id.ModalOperation())
	assert.True(t, IDHeaderVDO(0x6C001209).ModalOperation())
}
