package fusb302

import "time"

const (
	regDeviceID = 0x01

	regSwitches0        = 0x02
	regSwitches0PuEn2   = 1 << 7
	regSwitches0PuEn1   = 1 << 6
	regSwitches0Vconn2  = 1 << 5
	regSwitches0Vconn1  = 1 << 4
	regSwitches0MeasCC2 = 1 << 3
	regSwitches0MeasCC1 = 1 << 2
	regSwitches0PdWn2   = 1 << 1
	regSwitches0PdWn1   = 1 << 0

	regSwitches1          = 0x03
	regSwitches1PowerRole = 1 << 7
	regSwitches1SpecRev1  = 1 << 6
	regSwitches1DataRole  = 1 << 4
	regSwitches1AutoGCRC  = 1 << 2
	regSwitches1TxCC2En   = 1 << 1
	regSwitches1TxCC1En   = 1 << 0

	regMeasure         = 0x04
	regMeasureMDACMask = 0x3F
	regMeasureVBus     = 1 << 6

	regControl0           = 0x06
	regControl0TxFlush    = 1 << 6
	regControl0HostCurPos = 2

	regControl1        = 0x07
	regControl1RxFlush = 1 << 2

	regControl2 = 0x08

	regControl3              = 0x09
	regControl3SendHardReset = 1 << 6
	regControl3AutoRetry     = 0b111

	regMask  = 0x0A
	regMaskA = 0x0E
	regMaskB = 0x0F

	regPower       = 0x0B
	regPowerPwrAll = 0xF

	regReset        = 0x0C
	regResetPDReset = 1 << 1
	regResetSWReset = 1 << 0

	regStatus0A = 0x3C
	regStatus1A = 0x3D

	regInterruptA          = 0x3E
	regInterruptARetryFail = 1 << 4
	regInterruptAHardSent  = 1 << 3
	regInterruptATxSuccess = 1 << 2
	regInterruptAHardReset = 1 << 0

	regInterruptB = 0x3F

	regStatus0       = 0x40
	regStatus0VBusOK = 1 << 7
	regStatus0Comp   = 1 << 5
	regStatus0BCLvl  = 0b11

	regStatus1        = 0x41
	regStatus1RxEmpty = 1 << 5

	regInterrupt          = 0x42
	regInterruptVBusOK    = 1 << 7
	regInterruptCompChng  = 1 << 5
	regInterruptCRCChk    = 1 << 4
	regInterruptCollision = 1 << 1
	regInterruptBCLvl     = 1 << 0

	regFIFOs = 0x43

	fifoTokenTxOn    = 0xA1
	fifoTokenSync1   = 0x12
	fifoTokenSync2   = 0x13
	fifoTokenSync3   = 0x1B
	fifoTokenPackSym = 0x80
	fifoTokenJamCRC  = 0xFF
	fifoTokenEOP     = 0x14
	fifoTokenTxOff   = 0xFE

	// First byte read from the RX FIFO, upper three bits.
	rxTokenMask           = 0b111 << 5
	rxTokenSOP            = 0b111 << 5
	rxTokenSOPPrime       = 0b110 << 5
	rxTokenSOPDoublePrime = 0b101 << 5
	rxTokenSOPDebugPrime  = 0b100 << 5
	rxTokenSOPDebugDPrime = 0b011 << 5
	rxCRCBytes            = 4

	// The comparator settles within this after switching what it measures.
	measureDelay = 250 * time.Microsecond

	// MDAC step on CC, and on VBUS through its divider.
	mdacStepMV     = 42
	mdacVBusStepMV = 420

	// Lowest version in the upper nibble of the device ID.
	minDeviceVersion = 0b1000
)

// Comparator thresholds in MDAC steps, indexed by the advertised Rp. Below
// the Ra threshold a source sees Ra, below the Rd threshold Rd, else open.
var (
	mdacRa = [3]uint8{0x05, 0x0A, 0x13}
	mdacRd = [3]uint8{0x25, 0x25, 0x3D}
)
