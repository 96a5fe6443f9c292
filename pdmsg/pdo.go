package pdmsg

import "fmt"

// PDO is a generic Power Data Object. Based on its type, it should be
// converted to specific PDO type to allow extracting various fields.
type PDO uint32

// Type returns the type of the power data object.
func (o PDO) Type() PDOType {
	h := (o >> 30) & 0b11
	if h == 0b11 {
		return PDOType((((o >> 28) & 0b11) << 3) | 0b100 | h)
	}
	return PDOType(h)
}

// IsAugmented returns true for augmented (APDO) power data objects such as
// PPS.
func (o PDO) IsAugmented() bool {
	return (o>>30)&0b11 == 0b11
}

// PDOType represents the type of a power data object.
type PDOType uint8

// Power data object types.
const (
	PDOTypeFixedSupply    PDOType = 0b00
	PDOTypeBattery        PDOType = 0b01
	PDOTypeVariableSupply PDOType = 0b10
	PDOTypePPS            PDOType = 0b00111 // This value is specific to our library
	PDOTypeEPRAVS         PDOType = 0b01111 // This value is specific to our library
)

func (t PDOType) String() string {
	switch t {
	case PDOTypeFixedSupply:
		return "fixed"
	case PDOTypeBattery:
		return "battery"
	case PDOTypeVariableSupply:
		return "variable"
	case PDOTypePPS:
		return "pps"
	case PDOTypeEPRAVS:
		return "epr-avs"
	default:
		return fmt.Sprintf("PDOType(%d)", uint8(t))
	}
}

// FixedSupplyPDO represents a Fixed Supply Power Data Object
type FixedSupplyPDO uint32

// NewFixedSupplyPDO returns a new blank FixedSupplyPDO.
func NewFixedSupplyPDO() FixedSupplyPDO {
	return FixedSupplyPDO(0)
}

// Fixed returns a fixed supply PDO for the given voltage in millivolts and
// current in milliamps.
func Fixed(mv, ma uint16) FixedSupplyPDO {
	o := NewFixedSupplyPDO()
	o.SetVoltage(mv)
	o.SetMaxCurrent(ma)
	return o
}

// Voltage returns voltage in millivolts.
func (o FixedSupplyPDO) Voltage() uint16 {
	return uint16(((o >> 10) & (1<<10 - 1)) * 50)
}

// SetVoltage will round the given voltage down to 50mV.
func (o *FixedSupplyPDO) SetVoltage(v uint16) {
	*o = (*o & ^((FixedSupplyPDO(1)<<10 - 1) << 10)) | ((FixedSupplyPDO(v)/50)&(1<<10-1))<<10
}

// MaxCurrent returns maximum current in milliamps
func (o FixedSupplyPDO) MaxCurrent() uint16 {
	return uint16((o & (1<<10 - 1)) * 10)
}

// SetMaxCurrent will round the given current down to 10mA.
func (o *FixedSupplyPDO) SetMaxCurrent(v uint16) {
	*o = (*o & ^(FixedSupplyPDO(1)<<10 - 1)) | (FixedSupplyPDO(v)/10)&(1<<10-1)
}

// DualRolePower returns true if the port can act as both source and sink.
func (o FixedSupplyPDO) DualRolePower() bool { return o&(1<<29) != 0 }

// SetDualRolePower sets the dual-role power flag.
func (o *FixedSupplyPDO) SetDualRolePower(v bool) { *o = FixedSupplyPDO(setBit(uint32(*o), 29, v)) }

// USBSuspend returns true if the sink must follow USB suspend rules. On sink
// capabilities this bit means higher capability instead.
func (o FixedSupplyPDO) USBSuspend() bool { return o&(1<<28) != 0 }

// SetUSBSuspend sets the USB suspend supported flag.
func (o *FixedSupplyPDO) SetUSBSuspend(v bool) { *o = FixedSupplyPDO(setBit(uint32(*o), 28, v)) }

// UnconstrainedPower returns true if the port has an external power source
// available (formerly "externally powered").
func (o FixedSupplyPDO) UnconstrainedPower() bool { return o&(1<<27) != 0 }

// SetUnconstrainedPower sets the unconstrained power flag.
func (o *FixedSupplyPDO) SetUnconstrainedPower(v bool) {
	*o = FixedSupplyPDO(setBit(uint32(*o), 27, v))
}

// USBCommunication returns true if the port can communicate over USB data
// lines.
func (o FixedSupplyPDO) USBCommunication() bool { return o&(1<<26) != 0 }

// SetUSBCommunication sets the USB communication capable flag.
func (o *FixedSupplyPDO) SetUSBCommunication(v bool) {
	*o = FixedSupplyPDO(setBit(uint32(*o), 26, v))
}

// DualRoleData returns true if the port supports data role swap.
func (o FixedSupplyPDO) DualRoleData() bool { return o&(1<<25) != 0 }

// SetDualRoleData sets the dual-role data flag.
func (o *FixedSupplyPDO) SetDualRoleData(v bool) { *o = FixedSupplyPDO(setBit(uint32(*o), 25, v)) }

// BatteryPDO represents a Battery Supply Power Data Object.
type BatteryPDO uint32

// NewBatteryPDO returns a new blank battery power data object.
func NewBatteryPDO() BatteryPDO {
	return BatteryPDO(0b01) << 30
}

// MaxVoltage returns maximum voltage in millivolts.
func (o BatteryPDO) MaxVoltage() uint16 {
	return uint16(((o >> 20) & (1<<10 - 1)) * 50)
}

// SetMaxVoltage sets maximum voltage in millivolts rounded down to 50mV.
func (o *BatteryPDO) SetMaxVoltage(v uint16) {
	*o = (*o & ^((BatteryPDO(1)<<10 - 1) << 20)) | ((BatteryPDO(v)/50)&(1<<10-1))<<20
}

// MinVoltage returns minimum voltage in millivolts.
func (o BatteryPDO) MinVoltage() uint16 {
	return uint16(((o >> 10) & (1<<10 - 1)) * 50)
}

// SetMinVoltage sets minimum voltage in millivolts rounded down to 50mV.
func (o *BatteryPDO) SetMinVoltage(v uint16) {
	*o = (*o & ^((BatteryPDO(1)<<10 - 1) << 10)) | ((BatteryPDO(v)/50)&(1<<10-1))<<10
}

// MaxPower returns maximum allowable power in milliwatts.
func (o BatteryPDO) MaxPower() uint32 {
	return uint32(o&(1<<10-1)) * 250
}

// SetMaxPower sets maximum power in milliwatts rounded down to 250mW.
func (o *BatteryPDO) SetMaxPower(p uint32) {
	*o = (*o & ^(BatteryPDO(1)<<10 - 1)) | BatteryPDO(p/250)&(1<<10-1)
}

// VariableSupplyPDO represents a Variable Supply (non-battery) Power Data
// Object.
type VariableSupplyPDO uint32

// NewVariableSupplyPDO returns a new blank variable supply power data
// object.
func NewVariableSupplyPDO() VariableSupplyPDO {
	return VariableSupplyPDO(0b10) << 30
}

// MaxVoltage returns maximum voltage in millivolts.
func (o VariableSupplyPDO) MaxVoltage() uint16 {
	return uint16(((o >> 20) & (1<<10 - 1)) * 50)
}

// SetMaxVoltage sets maximum voltage in millivolts rounded down to 50mV.
func (o *VariableSupplyPDO) SetMaxVoltage(v uint16) {
	*o = (*o & ^((VariableSupplyPDO(1)<<10 - 1) << 20)) | ((VariableSupplyPDO(v)/50)&(1<<10-1))<<20
}

// MinVoltage returns minimum voltage in millivolts.
func (o VariableSupplyPDO) MinVoltage() uint16 {
	return uint16(((o >> 10) & (1<<10 - 1)) * 50)
}

// SetMinVoltage sets minimum voltage in millivolts rounded down to 50mV.
func (o *VariableSupplyPDO) SetMinVoltage(v uint16) {
	*o = (*o & ^((VariableSupplyPDO(1)<<10 - 1) << 10)) | ((VariableSupplyPDO(v)/50)&(1<<10-1))<<10
}

// MaxCurrent returns maximum current in milliamps.
func (o VariableSupplyPDO) MaxCurrent() uint16 {
	return uint16((o & (1<<10 - 1)) * 10)
}

// SetMaxCurrent sets maximum current in milliamps rounded down to 10mA.
func (o *VariableSupplyPDO) SetMaxCurrent(c uint16) {
	*o = (*o & ^(VariableSupplyPDO(1)<<10 - 1)) | (VariableSupplyPDO(c)/10)&(1<<10-1)
}

// PPSPDO represents a Programmable Power Supply Power Data Object
type PPSPDO uint32

// NewPPSPDO returns a new blank programmable power supply power data object.
func NewPPSPDO() PPSPDO {
	return PPSPDO(0b11) << 30
}

// MinVoltage returns minimum voltage in millivolts.
func (o PPSPDO) MinVoltage() uint16 {
	return ((uint16(o) >> 8) & (uint16(1)<<8 - 1)) * 100
}

// SetMinVoltage sets the minimum voltage in millivolts. The voltage will be
// rounded down to 100mV.
func (o *PPSPDO) SetMinVoltage(v uint16) {
	*o = (*o & ^((PPSPDO(1)<<8 - 1) << 8)) | PPSPDO((v/100)&(1<<8-1))<<8
}

// MaxVoltage returns maximum voltage in millivolts.
func (o PPSPDO) MaxVoltage() uint16 {
	return (uint16(o>>17) & (uint16(1)<<8 - 1)) * 100
}

// SetMaxVoltage sets the maximum voltage in millivolts. The voltage will be
// rounded down to 100mV.
func (o *PPSPDO) SetMaxVoltage(v uint16) {
	*o = (*o & ^((PPSPDO(1)<<8 - 1) << 17)) | PPSPDO((v/100)&(1<<8-1))<<17
}

// MaxCurrent returns maximum current in milliamps.
func (o PPSPDO) MaxCurrent() uint16 {
	return (uint16(o) & (uint16(1)<<7 - 1)) * 50
}

// SetMaxCurrent sets the maximum current in milliamps. The current will be
// rounded down to 50mA.
func (o *PPSPDO) SetMaxCurrent(c uint16) {
	*o = (*o & ^(PPSPDO(1)<<7 - 1)) | PPSPDO((c/50)&(1<<7-1))
}

// IsPowerLimited returns true if the source limits the output power below
// MaxVoltage x MaxCurrent.
func (o PPSPDO) IsPowerLimited() bool {
	return o&(1<<27) != 0
}

// SetPowerLimited sets the PPS power limited flag.
func (o *PPSPDO) SetPowerLimited(v bool) {
	*o = PPSPDO(setBit(uint32(*o), 27, v))
}

func setBit(v uint32, bit uint, on bool) uint32 {
	v &= ^(uint32(1) << bit)
	if on {
		v |= 1 << bit
	}
	return v
}
