// Package fusb302 implements type-C port controller driver for FUSB302 from
// ONSemi.
//
// The driver polls the chip: the policy engine calls Alert periodically or
// after the INT_N pin fired, and Alert drains the interrupt registers and the
// receive FIFO.
package fusb302

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcpcdriver"
)

// MPN represents the manufacturer part number
type MPN uint8

// I2CAddress returns the I2C address of the FUSB302.
func (m MPN) I2CAddress() uint8 {
	return uint8(m)
}

// Manufacturer part numbers
const (
	FUSB302BUCX   MPN = 0b100010
	FUSB302BMPX   MPN = 0b100010
	FUSB302VMPX   MPN = 0b100010
	FUSB302B01MPX MPN = 0b100011
	FUSB302B10MPX MPN = 0b100100
	FUSB302B11MPX MPN = 0b100101
)

var mpns = map[string]MPN{
	"fusb302b":      FUSB302BMPX,
	"fusb302bucx":   FUSB302BUCX,
	"fusb302bmpx":   FUSB302BMPX,
	"fusb302vmpx":   FUSB302VMPX,
	"fusb302b01mpx": FUSB302B01MPX,
	"fusb302b10mpx": FUSB302B10MPX,
	"fusb302b11mpx": FUSB302B11MPX,
}

var (
	// ErrUnknownMPN is returned by ParseMPN.
	ErrUnknownMPN = errors.New("fusb302: unknown part number")

	// ErrNoDevice is returned by Init when the device ID doesn't belong to a
	// FUSB302.
	ErrNoDevice = errors.New("fusb302: no device")

	// ErrSOP is returned by Transmit for start of packets the chip can't
	// send.
	ErrSOP = errors.New("fusb302: unsupported start of packet")
)

// ParseMPN returns the part number named s, such as "fusb302b01mpx". Case is
// ignored.
func ParseMPN(s string) (MPN, error) {
	m, ok := mpns[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMPN, s)
	}
	return m, nil
}

type rxEntry struct {
	sop pdmsg.SOP
	msg pdmsg.Message
}

// FUSB302 represents a type-C port controller for FUSB302 IC. It must only be
// used from one goroutine.
type FUSB302 struct {
	regs *tcpcdriver.Regs

	// Register shadows, so that one field can be changed with a single
	// write.
	switches0 uint8
	switches1 uint8
	control0  uint8

	pull     typec.CCPull
	rp       typec.RpValue
	polarity typec.Polarity
	vconn    bool
	rxEnable bool

	// Events seen outside of Alert, returned by the next Alert.
	events typec.Event

	// Fixed size receive ring, oldest dropped when full.
	rxq      [typec.RxQueueDepth]rxEntry
	rxHead   int
	rxLen    int
	overflow bool

	sleep func(time.Duration)

	// Interrupt and status block read by Alert.
	status [7]byte
}

var (
	_ typec.PortController = (*FUSB302)(nil)
	_ typec.VBusMeter      = (*FUSB302)(nil)
)

// New creates a new controller and allocates all necessary memory for all future operations.
//
// I2C port must have <=1Mhz frequency.
func New(port tcpcdriver.I2C, mpn MPN) *FUSB302 {
	return &FUSB302{
		regs:  tcpcdriver.NewRegs(port, uint16(mpn.I2CAddress())),
		rp:    typec.Rp1A5,
		sleep: time.Sleep,
	}
}

func (f *FUSB302) write(r uint8, d byte) error { return f.regs.Write(r, d) }

func (f *FUSB302) read(r uint8) (byte, error) { return f.regs.Read(r) }

func (f *FUSB302) writeMany(r uint8, d []byte) error { return f.regs.WriteMany(r, d) }

func (f *FUSB302) readMany(r uint8, d []byte) error { return f.regs.ReadMany(r, d) }

// Init resets the chip and leaves both CC lines open with reception
// disabled.
func (f *FUSB302) Init() error {
	id, err := f.read(regDeviceID)
	if err != nil {
		return err
	}
	if id>>4 < minDeviceVersion {
		return fmt.Errorf("%w: id %#02x", ErrNoDevice, id)
	}

	// Reset the chip and registers to default

	if err := f.write(regReset, regResetSWReset); err != nil {
		return err
	}
	f.switches0 = 0
	f.switches1 = regSwitches1SpecRev1
	f.control0 = f.hostCurrent()
	f.pull = typec.CCPullOpen
	f.polarity = typec.PolarityCC1
	f.vconn = false
	f.rxEnable = false
	f.events = 0
	f.flushQueue()

	for _, w := range [...][2]uint8{
		{regPower, regPowerPwrAll},
		{regControl0, f.control0},
		{regControl1, regControl1RxFlush},
		{regControl2, 0},                    // no autonomous toggling
		{regControl3, regControl3AutoRetry}, // 3 hardware retries
		{regMask, 0},
		{regMaskA, 0},
		{regMaskB, 0},
		{regSwitches0, f.switches0},
		{regSwitches1, f.switches1},
	} {
		if err := f.write(w[0], w[1]); err != nil {
			return err
		}
	}

	// Clear stale interrupts

	return f.readMany(regStatus0A, f.status[:])
}

func (f *FUSB302) hostCurrent() uint8 {
	return (uint8(f.rp) + 1) << regControl0HostCurPos
}

// SetCC presents pull on both CC lines, keeping measurement on the
// communication line.
func (f *FUSB302) SetCC(pull typec.CCPull) error {
	s := f.switches0 &^ (regSwitches0PuEn1 | regSwitches0PuEn2 | regSwitches0PdWn1 | regSwitches0PdWn2)
	switch pull {
	case typec.CCPullRp:
		s |= regSwitches0PuEn1 | regSwitches0PuEn2
	case typec.CCPullRd:
		s |= regSwitches0PdWn1 | regSwitches0PdWn2
	}
	if err := f.write(regSwitches0, s); err != nil {
		return err
	}
	f.switches0 = s
	f.pull = pull
	return nil
}

// SelectRp sets the current source behind the pull-ups.
func (f *FUSB302) SelectRp(v typec.RpValue) error {
	f.rp = v
	c := f.control0&^(0b11<<regControl0HostCurPos) | f.hostCurrent()
	if err := f.write(regControl0, c); err != nil {
		return err
	}
	f.control0 = c
	return nil
}

// CC measures both CC lines. With Rd the BC_LVL comparator classifies the
// partner's Rp. With Rp the MDAC comparator tells Ra from Rd from open.
func (f *FUSB302) CC() (cc1, cc2 typec.CCVoltage, err error) {
	if f.pull == typec.CCPullOpen {
		return typec.CCOpen, typec.CCOpen, nil
	}
	defer func() {
		if werr := f.write(regSwitches0, f.switches0); err == nil {
			err = werr
		}
	}()
	if cc1, err = f.measureCC(regSwitches0MeasCC1); err != nil {
		return
	}
	cc2, err = f.measureCC(regSwitches0MeasCC2)
	return
}

func (f *FUSB302) measureCC(meas uint8) (typec.CCVoltage, error) {
	s := f.switches0&^(regSwitches0MeasCC1|regSwitches0MeasCC2) | meas
	if err := f.write(regSwitches0, s); err != nil {
		return typec.CCOpen, err
	}
	if f.pull == typec.CCPullRd {
		f.sleep(measureDelay)
		st, err := f.read(regStatus0)
		if err != nil {
			return typec.CCOpen, err
		}
		switch st & regStatus0BCLvl {
		case 1:
			return typec.CCRpDefault, nil
		case 2:
			return typec.CCRp1A5, nil
		case 3:
			return typec.CCRp3A0, nil
		}
		return typec.CCOpen, nil
	}
	above, err := f.compare(mdacRd[f.rp])
	if err != nil || above {
		return typec.CCOpen, err
	}
	above, err = f.compare(mdacRa[f.rp])
	if err != nil {
		return typec.CCOpen, err
	}
	if above {
		return typec.CCRd, nil
	}
	return typec.CCRa, nil
}

// compare returns true if the measured voltage is above the MDAC setting.
func (f *FUSB302) compare(measure uint8) (bool, error) {
	if err := f.write(regMeasure, measure); err != nil {
		return false, err
	}
	f.sleep(measureDelay)
	st, err := f.read(regStatus0)
	return st&regStatus0Comp != 0, err
}

// SetPolarity selects the line used for BMC and measurement.
func (f *FUSB302) SetPolarity(p typec.Polarity) error {
	s0 := f.switches0 &^ (regSwitches0MeasCC1 | regSwitches0MeasCC2)
	s1 := f.switches1 &^ (regSwitches1TxCC1En | regSwitches1TxCC2En)
	if p.Line() == 0 {
		s0 |= regSwitches0MeasCC1
		s1 |= regSwitches1TxCC1En
	} else {
		s0 |= regSwitches0MeasCC2
		s1 |= regSwitches1TxCC2En
	}
	f.polarity = p
	if err := f.write(regSwitches1, s1); err != nil {
		return err
	}
	f.switches1 = s1
	return f.setVconn(s0, f.vconn)
}

// SetVconn sources VCONN on the line opposite to the polarity.
func (f *FUSB302) SetVconn(en bool) error {
	return f.setVconn(f.switches0, en)
}

func (f *FUSB302) setVconn(s uint8, en bool) error {
	s &^= regSwitches0Vconn1 | regSwitches0Vconn2
	if en {
		if f.polarity.Line() == 0 {
			s |= regSwitches0Vconn2
		} else {
			s |= regSwitches0Vconn1
		}
	}
	if err := f.write(regSwitches0, s); err != nil {
		return err
	}
	f.switches0 = s
	f.vconn = en
	return nil
}

// SetMsgHeader sets the roles of the GoodCRC replies.
func (f *FUSB302) SetMsgHeader(pr pdmsg.PowerRole, dr pdmsg.DataRole) error {
	s := f.switches1 &^ (regSwitches1PowerRole | regSwitches1DataRole)
	if pr == pdmsg.PowerRoleSource {
		s |= regSwitches1PowerRole
	}
	if dr == pdmsg.DataRoleDFP {
		s |= regSwitches1DataRole
	}
	if err := f.write(regSwitches1, s); err != nil {
		return err
	}
	f.switches1 = s
	return nil
}

// SetRxEnable turns automatic GoodCRC on or off. Either way the receive
// FIFO and queue are flushed.
func (f *FUSB302) SetRxEnable(en bool) error {
	s := f.switches1 &^ regSwitches1AutoGCRC
	if en {
		s |= regSwitches1AutoGCRC
	}
	if err := f.write(regSwitches1, s); err != nil {
		return err
	}
	f.switches1 = s
	f.rxEnable = en
	f.flushQueue()
	return f.write(regControl1, regControl1RxFlush)
}

func (f *FUSB302) flushQueue() {
	f.rxHead, f.rxLen, f.overflow = 0, 0, false
}

// Transmit loads the message into the TX FIFO and starts sending it. The
// chip retries until GoodCRC and Alert reports the outcome.
func (f *FUSB302) Transmit(sop pdmsg.SOP, m pdmsg.Message) error {
	var sync [4]byte
	switch sop {
	case pdmsg.SOPDefault:
		sync = [4]byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync1, fifoTokenSync2}
	case pdmsg.SOPPrime:
		sync = [4]byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync3, fifoTokenSync3}
	case pdmsg.SOPDoublePrime:
		sync = [4]byte{fifoTokenSync1, fifoTokenSync3, fifoTokenSync1, fifoTokenSync3}
	default:
		return fmt.Errorf("%w: %v", ErrSOP, sop)
	}

	// Flush TX FIFO

	if err := f.write(regControl0, f.control0|regControl0TxFlush); err != nil {
		return err
	}

	// Construct and send the message

	var pkt [9 + pdmsg.MaxMessageBytes]byte
	copy(pkt[:], sync[:])
	mlen := m.ToBytes(pkt[5:])
	pkt[4] = fifoTokenPackSym | mlen
	copy(pkt[5+mlen:], []byte{fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn})
	return f.writeMany(regFIFOs, pkt[:9+mlen])
}

// TransmitHardReset starts hard reset signalling.
func (f *FUSB302) TransmitHardReset() error {
	return f.write(regControl3, regControl3AutoRetry|regControl3SendHardReset)
}

// Message returns the oldest queued message.
func (f *FUSB302) Message() (pdmsg.SOP, pdmsg.Message, error) {
	if f.overflow {
		f.overflow = false
		return 0, pdmsg.Message{}, typec.ErrRxOverflow
	}
	if f.rxLen == 0 {
		return 0, pdmsg.Message{}, typec.ErrRxEmpty
	}
	e := f.rxq[f.rxHead]
	f.rxHead = (f.rxHead + 1) % len(f.rxq)
	f.rxLen--
	return e.sop, e.msg, nil
}

// Pending returns true if messages are queued.
func (f *FUSB302) Pending() bool {
	return f.rxLen > 0
}

func (f *FUSB302) queue(sop pdmsg.SOP, m pdmsg.Message) {
	if f.rxLen == len(f.rxq) {
		f.rxHead = (f.rxHead + 1) % len(f.rxq)
		f.rxLen--
		f.overflow = true
		f.events.Add(typec.EventRxOverflow)
	}
	f.rxq[(f.rxHead+f.rxLen)%len(f.rxq)] = rxEntry{sop, m}
	f.rxLen++
}

// VBus returns the VBUSOK comparator.
func (f *FUSB302) VBus() (bool, error) {
	st, err := f.read(regStatus0)
	return st&regStatus0VBusOK != 0, err
}

// VBusMV measures VBUS by binary search over the MDAC. The result is the
// middle of the MDAC step holding VBUS, 0 below the first step.
func (f *FUSB302) VBusMV() (mv uint32, err error) {
	if err := f.write(regSwitches0, f.switches0&^(regSwitches0MeasCC1|regSwitches0MeasCC2)); err != nil {
		return 0, err
	}
	defer func() {
		werr := f.write(regMeasure, 0)
		if werr == nil {
			werr = f.write(regSwitches0, f.switches0)
		}
		if err == nil {
			err = werr
		}
	}()

	// Highest step VBUS is above.
	found := -1
	lo, hi := 0, regMeasureMDACMask
	for lo <= hi {
		mid := (lo + hi) / 2
		above, err := f.compare(regMeasureVBus | uint8(mid))
		if err != nil {
			return 0, err
		}
		if above {
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if found < 0 {
		return 0, nil
	}
	return uint32(found+1)*mdacVBusStepMV + mdacVBusStepMV/2, nil
}

// Alert processes all pending interrupts and returns any event generated as a
// result.
func (f *FUSB302) Alert() (typec.Event, error) {
	regs := f.status[:]
	if err := f.readMany(regStatus0A, regs); err != nil {
		return 0, err
	}
	intA, status1, intr := regs[2], regs[5], regs[6]

	e := f.events
	f.events = 0

	if intA&regInterruptAHardReset != 0 {
		e.Add(typec.EventHardResetReceived)
		f.flushQueue()
		if err := f.write(regReset, regResetPDReset); err != nil {
			return e, err
		}
	}
	if intA&regInterruptAHardSent != 0 {
		e.Add(typec.EventHardResetSent)
		if err := f.write(regReset, regResetPDReset); err != nil {
			return e, err
		}
	}
	if intA&regInterruptATxSuccess != 0 {
		e.Add(typec.EventTxSuccess)
	}
	if intA&regInterruptARetryFail != 0 {
		e.Add(typec.EventTxFailed)
	}
	if intr&regInterruptCollision != 0 {
		e.Add(typec.EventTxDiscarded)
	}
	if intr&(regInterruptBCLvl|regInterruptCompChng) != 0 {
		e.Add(typec.EventCCChange)
	}
	if intr&regInterruptVBusOK != 0 {
		e.Add(typec.EventVBusChange)
	}

	// Read all messages into the queue as quickly as possible.

	if status1&regStatus1RxEmpty == 0 || intr&regInterruptCRCChk != 0 {
		n, err := f.drain()
		if n > 0 {
			e.Add(typec.EventRx)
		}
		e.Add(f.events)
		f.events = 0
		if err != nil {
			return e, err
		}
	}

	return e, nil
}

func (f *FUSB302) drain() (int, error) {
	n := 0
	for {
		st, err := f.read(regStatus1)
		if err != nil {
			return n, err
		}
		if st&regStatus1RxEmpty != 0 {
			return n, nil
		}
		sop, m, err := f.rx()
		if err != nil {
			return n, err
		}
		if !f.rxEnable || (!m.IsData() && m.Type() == pdmsg.TypeGoodCRC) {
			continue
		}
		f.queue(sop, m)
		n++
	}
}

func (f *FUSB302) rx() (pdmsg.SOP, pdmsg.Message, error) {
	var buf [pdmsg.MaxMessageBytes + 1 + rxCRCBytes]byte

	// Token and header

	if err := f.readMany(regFIFOs, buf[:3]); err != nil {
		return 0, pdmsg.Message{}, err
	}
	var sop pdmsg.SOP
	switch buf[0] & rxTokenMask {
	case rxTokenSOPPrime:
		sop = pdmsg.SOPPrime
	case rxTokenSOPDoublePrime:
		sop = pdmsg.SOPDoublePrime
	case rxTokenSOPDebugPrime:
		sop = pdmsg.SOPDebugPrime
	case rxTokenSOPDebugDPrime:
		sop = pdmsg.SOPDebugDoublePrime
	default:
		sop = pdmsg.SOPDefault
	}
	var m pdmsg.Message
	m.Header = uint16(buf[2])<<8 | uint16(buf[1])

	// Data objects and the CRC which is discarded

	n := int(m.DataObjectCount()) * 4
	if err := f.readMany(regFIFOs, buf[3:3+n+rxCRCBytes]); err != nil {
		return 0, pdmsg.Message{}, err
	}
	m, err := pdmsg.FromBytes(buf[1 : 3+n])
	return sop, m, err
}
