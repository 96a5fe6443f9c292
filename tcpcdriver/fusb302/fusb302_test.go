package fusb302

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
)

// chip models the registers of a FUSB302 behind I2C, with analog levels on
// CC and VBUS that the comparators read.
type chip struct {
	id     byte
	regs   [regFIFOs + 1]byte
	tx     []byte
	rx     []byte
	ccMV   [2]uint32
	vbusMV uint32
	fail   error
}

func (c *chip) Tx(addr uint16, w, r []byte) error {
	if c.fail != nil {
		return c.fail
	}
	if addr != uint16(FUSB302BMPX) {
		return errors.New("nack")
	}
	if len(w) == 0 {
		return errors.New("no register")
	}
	reg := w[0]
	for i, b := range w[1:] {
		if reg == regFIFOs {
			c.tx = append(c.tx, b)
			continue
		}
		c.regs[reg+uint8(i)] = b
	}
	for i := range r {
		if reg == regFIFOs {
			r[i] = c.pop()
			continue
		}
		r[i] = c.read(reg + uint8(i))
	}
	return nil
}

func (c *chip) pop() byte {
	if len(c.rx) == 0 {
		return 0
	}
	b := c.rx[0]
	c.rx = c.rx[1:]
	return b
}

func (c *chip) read(reg uint8) byte {
	switch reg {
	case regDeviceID:
		return c.id
	case regStatus0:
		var v byte
		if c.vbusMV >= 4000 {
			v |= regStatus0VBusOK
		}
		mv, step := c.measured()
		if mv > (uint32(c.regs[regMeasure]&regMeasureMDACMask)+1)*step {
			v |= regStatus0Comp
		}
		switch {
		case c.regs[regMeasure]&regMeasureVBus != 0 || mv < 200:
		case mv < 660:
			v |= 1
		case mv < 1230:
			v |= 2
		default:
			v |= 3
		}
		return v
	case regStatus1:
		if len(c.rx) == 0 {
			return regStatus1RxEmpty
		}
		return 0
	case regInterruptA, regInterruptB, regInterrupt:
		v := c.regs[reg]
		c.regs[reg] = 0
		return v
	}
	return c.regs[reg]
}

func (c *chip) measured() (mv, step uint32) {
	if c.regs[regMeasure]&regMeasureVBus != 0 {
		return c.vbusMV, mdacVBusStepMV
	}
	switch s := c.regs[regSwitches0]; {
	case s&regSwitches0MeasCC1 != 0:
		return c.ccMV[0], mdacStepMV
	case s&regSwitches0MeasCC2 != 0:
		return c.ccMV[1], mdacStepMV
	}
	return 0, mdacStepMV
}

func (c *chip) receive(token byte, m pdmsg.Message) {
	var b [pdmsg.MaxMessageBytes]byte
	n := m.ToBytes(b[:])
	c.rx = append(c.rx, token)
	c.rx = append(c.rx, b[:n]...)
	c.rx = append(c.rx, 0xde, 0xad, 0xbe, 0xef)
	c.regs[regInterrupt] |= regInterruptCRCChk
}

func newChip(t *testing.T) (*chip, *FUSB302) {
	t.Helper()
	c := &chip{id: 0x91}
	f := New(c, FUSB302BMPX)
	f.sleep = func(time.Duration) {}
	require.NoError(t, f.Init())
	return c, f
}

func TestParseMPN(t *testing.T) {
	m, err := ParseMPN("FUSB302B01MPX")
	require.NoError(t, err)
	assert.Equal(t, FUSB302B01MPX, m)
	assert.Equal(t, uint8(0x23), m.I2CAddress())

	m, err = ParseMPN("fusb302b")
	require.NoError(t, err)
	assert.Equal(t, uint8(0x22), m.I2CAddress())

	_, err = ParseMPN("fusb303")
	assert.ErrorIs(t, err, ErrUnknownMPN)
}

func TestInit(t *testing.T) {
	c, _ := newChip(t)
	assert.Equal(t, byte(regPowerPwrAll), c.regs[regPower])
	assert.Equal(t, byte(regControl3AutoRetry), c.regs[regControl3])
	assert.Equal(t, byte(0b10<<regControl0HostCurPos), c.regs[regControl0], "1.5A host current")
	assert.Equal(t, byte(regSwitches1SpecRev1), c.regs[regSwitches1], "no auto GoodCRC")
	assert.Zero(t, c.regs[regSwitches0])

	c = &chip{id: 0x00}
	assert.ErrorIs(t, New(c, FUSB302BMPX).Init(), ErrNoDevice)

	c = &chip{id: 0x91, fail: errors.New("bus")}
	assert.Error(t, New(c, FUSB302BMPX).Init())
}

func TestCCSink(t *testing.T) {
	c, f := newChip(t)
	require.NoError(t, f.SetCC(typec.CCPullRd))
	assert.Equal(t, byte(regSwitches0PdWn1|regSwitches0PdWn2), c.regs[regSwitches0])

	tests := []struct {
		mv   uint32
		want typec.CCVoltage
	}{
		{0, typec.CCOpen},
		{420, typec.CCRpDefault},
		{920, typec.CCRp1A5},
		{1680, typec.CCRp3A0},
	}
	for _, tt := range tests {
		c.ccMV = [2]uint32{0, tt.mv}
		cc1, cc2, err := f.CC()
		require.NoError(t, err)
		assert.Equal(t, typec.CCOpen, cc1)
		assert.Equal(t, tt.want, cc2, "%dmV", tt.mv)
	}
	assert.Equal(t, byte(regSwitches0PdWn1|regSwitches0PdWn2), c.regs[regSwitches0], "switches restored")
}

func TestCCSource(t *testing.T) {
	c, f := newChip(t)
	require.NoError(t, f.SetCC(typec.CCPullRp))

	// 180uA into Rd and Ra, nothing on CC2.
	c.ccMV = [2]uint32{918, 3300}
	cc1, cc2, err := f.CC()
	require.NoError(t, err)
	assert.Equal(t, typec.CCRd, cc1)
	assert.Equal(t, typec.CCOpen, cc2)

	c.ccMV = [2]uint32{180, 918}
	cc1, cc2, _ = f.CC()
	assert.Equal(t, typec.CCRa, cc1)
	assert.Equal(t, typec.CCRd, cc2)

	// 330uA
	require.NoError(t, f.SelectRp(typec.Rp3A0))
	assert.Equal(t, byte(0b11<<regControl0HostCurPos), c.regs[regControl0])
	c.ccMV = [2]uint32{1683, 330}
	cc1, cc2, _ = f.CC()
	assert.Equal(t, typec.CCRd, cc1)
	assert.Equal(t, typec.CCRa, cc2)

	require.NoError(t, f.SetCC(typec.CCPullOpen))
	cc1, cc2, _ = f.CC()
	assert.Equal(t, typec.CCOpen, cc1)
	assert.Equal(t, typec.CCOpen, cc2)
}

func TestPolarityVconn(t *testing.T) {
	c, f := newChip(t)
	require.NoError(t, f.SetCC(typec.CCPullRp))
	require.NoError(t, f.SetPolarity(typec.PolarityCC2))
	assert.NotZero(t, c.regs[regSwitches1]&regSwitches1TxCC2En)
	assert.Zero(t, c.regs[regSwitches1]&regSwitches1TxCC1En)
	assert.NotZero(t, c.regs[regSwitches0]&regSwitches0MeasCC2)

	require.NoError(t, f.SetVconn(true))
	assert.NotZero(t, c.regs[regSwitches0]&regSwitches0Vconn1)
	assert.NotZero(t, c.regs[regSwitches0]&regSwitches0PuEn1, "pull-ups kept")

	require.NoError(t, f.SetPolarity(typec.PolarityCC1))
	assert.Equal(t, byte(regSwitches0Vconn2), c.regs[regSwitches0]&(regSwitches0Vconn1|regSwitches0Vconn2))

	require.NoError(t, f.SetMsgHeader(pdmsg.PowerRoleSource, pdmsg.DataRoleDFP))
	assert.NotZero(t, c.regs[regSwitches1]&regSwitches1PowerRole)
	assert.NotZero(t, c.regs[regSwitches1]&regSwitches1DataRole)
	require.NoError(t, f.SetMsgHeader(pdmsg.PowerRoleSink, pdmsg.DataRoleUFP))
	assert.Zero(t, c.regs[regSwitches1]&(regSwitches1PowerRole|regSwitches1DataRole))
}

func TestVBusMV(t *testing.T) {
	c, f := newChip(t)
	require.NoError(t, f.SetCC(typec.CCPullRd))
	require.NoError(t, f.SetPolarity(typec.PolarityCC1))
	s0 := c.regs[regSwitches0]

	for _, want := range []uint32{5000, 9000, 15000, 20000} {
		c.vbusMV = want
		mv, err := f.VBusMV()
		require.NoError(t, err)
		assert.InDelta(t, want, mv, mdacVBusStepMV, "%dmV", want)
	}
	assert.Equal(t, s0, c.regs[regSwitches0])

	c.vbusMV = 0
	mv, err := f.VBusMV()
	require.NoError(t, err)
	assert.Zero(t, mv)
	ok, err := f.VBus()
	require.NoError(t, err)
	assert.False(t, ok)

	c.vbusMV = 5000
	ok, _ = f.VBus()
	assert.True(t, ok)
}

func TestTransmit(t *testing.T) {
	c, f := newChip(t)
	m := pdmsg.NewData(pdmsg.TypeSourceCap, uint32(pdmsg.Fixed(5000, 3000)))
	m.SetID(3)
	require.NoError(t, f.Transmit(pdmsg.SOPDefault, m))
	assert.NotZero(t, c.regs[regControl0]&regControl0TxFlush)

	var body [pdmsg.MaxMessageBytes]byte
	n := m.ToBytes(body[:])
	want := []byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync1, fifoTokenSync2, fifoTokenPackSym | n}
	want = append(want, body[:n]...)
	want = append(want, fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn)
	assert.Equal(t, want, c.tx)

	c.regs[regInterruptA] = regInterruptATxSuccess
	e, err := f.Alert()
	require.NoError(t, err)
	assert.Equal(t, typec.EventTxSuccess, e)
	e, _ = f.Alert()
	assert.Equal(t, typec.EventNone, e)

	c.tx = nil
	require.NoError(t, f.Transmit(pdmsg.SOPPrime, pdmsg.NewControl(pdmsg.TypeSoftReset)))
	assert.Equal(t, []byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync3, fifoTokenSync3}, c.tx[:4])

	c.regs[regInterruptA] = regInterruptARetryFail
	e, _ = f.Alert()
	assert.True(t, e.Has(typec.EventTxFailed))

	assert.ErrorIs(t, f.Transmit(pdmsg.SOPDebugPrime, pdmsg.NewControl(pdmsg.TypePing)), ErrSOP)
}

func TestReceive(t *testing.T) {
	c, f := newChip(t)
	require.NoError(t, f.SetRxEnable(true))
	assert.NotZero(t, c.regs[regSwitches1]&regSwitches1AutoGCRC)

	req := pdmsg.NewData(pdmsg.TypeRequest, 0x2200_0000|300<<10|300)
	req.SetID(5)
	c.receive(rxTokenSOP, req)
	c.receive(rxTokenSOP, pdmsg.NewControl(pdmsg.TypeGoodCRC))
	c.receive(rxTokenSOPPrime, pdmsg.NewControl(pdmsg.TypeAccept))

	e, err := f.Alert()
	require.NoError(t, err)
	assert.Equal(t, typec.EventRx, e)
	assert.Empty(t, c.rx)
	assert.True(t, f.Pending())

	sop, m, err := f.Message()
	require.NoError(t, err)
	assert.Equal(t, pdmsg.SOPDefault, sop)
	assert.Equal(t, req, m)

	sop, m, err = f.Message()
	require.NoError(t, err)
	assert.Equal(t, pdmsg.SOPPrime, sop)
	assert.True(t, m.Is(pdmsg.TypeAccept))

	_, _, err = f.Message()
	assert.ErrorIs(t, err, typec.ErrRxEmpty)
	assert.False(t, f.Pending())
}

func TestReceiveOverflow(t *testing.T) {
	c, f := newChip(t)
	require.NoError(t, f.SetRxEnable(true))
	for i := 0; i <= typec.RxQueueDepth; i++ {
		m := pdmsg.NewControl(pdmsg.TypePing)
		m.SetID(uint8(i % 8))
		c.receive(rxTokenSOP, m)
	}
	e, err := f.Alert()
	require.NoError(t, err)
	assert.True(t, e.Has(typec.EventRx))
	assert.True(t, e.Has(typec.EventRxOverflow))

	_, _, err = f.Message()
	assert.ErrorIs(t, err, typec.ErrRxOverflow)
	_, m, err := f.Message()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), m.ID())
}

func TestReceiveDisabled(t *testing.T) {
	c, f := newChip(t)
	c.receive(rxTokenSOP, pdmsg.NewControl(pdmsg.TypePing))
	e, err := f.Alert()
	require.NoError(t, err)
	assert.False(t, e.Has(typec.EventRx))
	assert.False(t, f.Pending())
	assert.Empty(t, c.rx)
}

func TestHardReset(t *testing.T) {
	c, f := newChip(t)
	require.NoError(t, f.SetRxEnable(true))
	require.NoError(t, f.TransmitHardReset())
	assert.Equal(t, byte(regControl3AutoRetry|regControl3SendHardReset), c.regs[regControl3])

	c.regs[regInterruptA] = regInterruptAHardSent
	e, err := f.Alert()
	require.NoError(t, err)
	assert.Equal(t, typec.EventHardResetSent, e)
	assert.Equal(t, byte(regResetPDReset), c.regs[regReset])

	c.receive(rxTokenSOP, pdmsg.NewControl(pdmsg.TypePing))
	_, _ = f.Alert()
	require.True(t, f.Pending())
	c.regs[regInterruptA] = regInterruptAHardReset
	e, _ = f.Alert()
	assert.True(t, e.Has(typec.EventHardResetReceived))
	assert.False(t, f.Pending(), "queue flushed")
}

func TestLineEvents(t *testing.T) {
	c, f := newChip(t)
	tests := []struct {
		intr uint8
		want typec.Event
	}{
		{regInterruptBCLvl, typec.EventCCChange},
		{regInterruptCompChng, typec.EventCCChange},
		{regInterruptVBusOK, typec.EventVBusChange},
		{regInterruptCollision, typec.EventTxDiscarded},
	}
	for _, tt := range tests {
		c.regs[regInterrupt] = tt.intr
		e, err := f.Alert()
		require.NoError(t, err)
		assert.Equal(t, tt.want, e, "%#02x", tt.intr)
	}
}
