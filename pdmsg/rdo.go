package pdmsg

// RequestDO represents a Request Data Object.
type RequestDO uint32

// EmptyRequestDO is returned by device policy managers to indicate that they do
// not accept any of the power profiles supported by the power source.
const EmptyRequestDO RequestDO = 0

// SelectedObjectPosition returns the position number of the PDO in the source
// capability message, starting at 1.
func (o RequestDO) SelectedObjectPosition() uint8 {
	return uint8(o >> 28)
}

// SetSelectedObjectPosition sets the position number of the PDO the source
// capability message, starting at 1.
func (o *RequestDO) SetSelectedObjectPosition(p uint8) {
	*o = (*o & ^(RequestDO(0b1111) << 28)) | RequestDO(p&0b1111)<<28
}

// GiveBack returns true if the sink will respond to a GotoMin message.
func (o RequestDO) GiveBack() bool {
	return o&(1<<27) != 0
}

// SetGiveBack sets the give back flag.
func (o *RequestDO) SetGiveBack(g bool) {
	*o = RequestDO(setBit(uint32(*o), 27, g))
}

// CapabilityMismatch returns true if capability mismatch flag of the RDO is
// set.
func (o RequestDO) CapabilityMismatch() bool {
	return o&(1<<26) != 0
}

// SetCapabilityMismatch sets the capability mismatch flag of the RDO.
func (o *RequestDO) SetCapabilityMismatch(m bool) {
	*o = RequestDO(setBit(uint32(*o), 26, m))
}

// USBCommunication returns true if the sink can communicate over USB data
// lines.
func (o RequestDO) USBCommunication() bool {
	return o&(1<<25) != 0
}

// SetUSBCommunication sets the USB communication capable flag.
func (o *RequestDO) SetUSBCommunication(c bool) {
	*o = RequestDO(setBit(uint32(*o), 25, c))
}

// NoUSBSuspend returns true if the sink asks not to be suspended.
func (o RequestDO) NoUSBSuspend() bool {
	return o&(1<<24) != 0
}

// SetNoUSBSuspend sets the no USB suspend flag.
func (o *RequestDO) SetNoUSBSuspend(n bool) {
	*o = RequestDO(setBit(uint32(*o), 24, n))
}

// FixedOperatingCurrent returns current in milliamps for fixed request
// objects.
func (o RequestDO) FixedOperatingCurrent() uint16 {
	return uint16(((o >> 10) & (1<<10 - 1)) * 10)
}

// SetFixedOperatingCurrent sets current in milliamps rounded down to 10mA
// for fixed request objects.
func (o *RequestDO) SetFixedOperatingCurrent(c uint16) {
	*o = (*o & ^((RequestDO(1)<<10 - 1) << 10)) | ((RequestDO(c)/10)&(1<<10-1))<<10
}

// FixedMaxOperatingCurrent returns current in milliamps for fixed request
// objects without GiveBack support.
func (o RequestDO) FixedMaxOperatingCurrent() uint16 {
	return uint16((o & (1<<10 - 1)) * 10)
}

// SetFixedMaxOperatingCurrent sets current in milliamps rounded down to
// 10mA for fixed request objects without GiveBack support.
func (o *RequestDO) SetFixedMaxOperatingCurrent(c uint16) {
	*o = (*o & ^(RequestDO(1)<<10 - 1)) | ((RequestDO(c) / 10) & (1<<10 - 1))
}

// BatteryOperatingPower returns power in milliwatts for battery request
// objects.
func (o RequestDO) BatteryOperatingPower() uint32 {
	return uint32((o>>10)&(1<<10-1)) * 250
}

// SetBatteryOperatingPower sets power in milliwatts rounded down to 250mW for
// battery request objects.
func (o *RequestDO) SetBatteryOperatingPower(p uint32) {
	*o = (*o & ^((RequestDO(1)<<10 - 1) << 10)) | (RequestDO(p/250)&(1<<10-1))<<10
}

// BatteryMaxOperatingPower returns power in milliwatts for battery request
// objects.
func (o RequestDO) BatteryMaxOperatingPower() uint32 {
	return uint32(o&(1<<10-1)) * 250
}

// SetBatteryMaxOperatingPower sets power in milliwatts rounded down to 250mW
// for battery request objects.
func (o *RequestDO) SetBatteryMaxOperatingPower(p uint32) {
	*o = (*o & ^(RequestDO(1)<<10 - 1)) | RequestDO(p/250)&(1<<10-1)
}

// PPSOutputVoltage returns voltage in millivolts for PPS data objects.
func (o RequestDO) PPSOutputVoltage() uint16 {
	return uint16(((o >> 9) & (1<<12 - 1)) * 20)
}

// SetPPSOutputVoltage sets voltage in millivolts rounded down to 20mV for
// PPS data objects.
func (o *RequestDO) SetPPSOutputVoltage(v uint16) {
	*o = (*o & ^((RequestDO(1)<<12 - 1) << 9)) | ((RequestDO(v)/20)&(1<<12-1))<<9
}

// PPSOutputCurrent returns current in milliamps for PPS data objects.
func (o RequestDO) PPSOutputCurrent() uint16 {
	return uint16((o & (1<<7 - 1)) * 50)
}

// SetPPSOutputCurrent sets current in milliamps rounded down to 50mA for
// PPS data objects.
func (o *RequestDO) SetPPSOutputCurrent(v uint16) {
	*o = (*o & ^(RequestDO(1)<<7 - 1)) | (RequestDO(v)/50)&(1<<7-1)
}
