package tcpcsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
)

func TestCCVisibleForPull(t *testing.T) {
	p := New()
	p.SetPartnerCC(typec.CCRp1A5, typec.CCRd)

	require.NoError(t, p.SetCC(typec.CCPullRd))
	cc1, cc2, err := p.CC()
	require.NoError(t, err)
	assert.Equal(t, typec.CCRp1A5, cc1)
	assert.Equal(t, typec.CCOpen, cc2)

	require.NoError(t, p.SetCC(typec.CCPullRp))
	cc1, cc2, err = p.CC()
	require.NoError(t, err)
	assert.Equal(t, typec.CCOpen, cc1)
	assert.Equal(t, typec.CCRd, cc2)

	require.NoError(t, p.SetCC(typec.CCPullOpen))
	cc1, cc2, _ = p.CC()
	assert.Equal(t, typec.CCOpen, cc1)
	assert.Equal(t, typec.CCOpen, cc2)
}

func TestDeliverNeedsRx(t *testing.T) {
	p := New()
	p.Send(pdmsg.NewControl(pdmsg.TypePing))
	assert.False(t, p.Pending())

	require.NoError(t, p.SetRxEnable(true))
	m := p.Send(pdmsg.NewControl(pdmsg.TypePing))
	assert.True(t, p.Pending())
	assert.Equal(t, uint8(1), m.ID())

	sop, got, err := p.Message()
	require.NoError(t, err)
	assert.Equal(t, pdmsg.SOPDefault, sop)
	assert.Equal(t, m, got)

	_, _, err = p.Message()
	assert.ErrorIs(t, err, typec.ErrRxEmpty)

	e, err := p.Alert()
	require.NoError(t, err)
	assert.True(t, e.Has(typec.EventRx))
}

func TestReplyRoles(t *testing.T) {
	p := New()
	require.NoError(t, p.SetMsgHeader(pdmsg.PowerRoleSink, pdmsg.DataRoleUFP))
	p.SetPartnerRevision(pdmsg.Revision20)

	m := p.Reply(pdmsg.NewControl(pdmsg.TypeAccept))
	assert.Equal(t, pdmsg.PowerRoleSource, m.PowerRole())
	assert.Equal(t, pdmsg.DataRoleDFP, m.DataRole())
	assert.Equal(t, pdmsg.Revision20, m.Revision())
	assert.Equal(t, uint8(0), m.ID())

	for i := 1; i < 8; i++ {
		p.Reply(pdmsg.NewControl(pdmsg.TypeAccept))
	}
	assert.Equal(t, uint8(0), p.Reply(pdmsg.NewControl(pdmsg.TypeAccept)).ID())

	p.ResetPartnerIDs()
	assert.Equal(t, uint8(0), p.Reply(pdmsg.NewControl(pdmsg.TypeAccept)).ID())
}

func TestOverflowDropsOldest(t *testing.T) {
	p := New()
	require.NoError(t, p.SetRxEnable(true))
	for i := 0; i < typec.RxQueueDepth+1; i++ {
		p.Send(pdmsg.NewControl(pdmsg.TypePing))
	}
	_, _, err := p.Message()
	assert.ErrorIs(t, err, typec.ErrRxOverflow)

	_, m, err := p.Message()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), m.ID())

	e, _ := p.Alert()
	assert.True(t, e.Has(typec.EventRxOverflow))
}

func TestTransmitResponder(t *testing.T) {
	p := New()
	require.NoError(t, p.SetRxEnable(true))
	p.SetResponder(func(p *Port, s Sent) []pdmsg.Message {
		if s.Msg.Is(pdmsg.TypeGetSourceCap) {
			return []pdmsg.Message{pdmsg.NewData(pdmsg.TypeSourceCap, uint32(pdmsg.Fixed(5000, 3000)))}
		}
		return nil
	})

	require.NoError(t, p.Transmit(pdmsg.SOPDefault, pdmsg.NewControl(pdmsg.TypeGetSourceCap)))
	e, err := p.Alert()
	require.NoError(t, err)
	assert.True(t, e.Has(typec.EventTxSuccess))
	assert.True(t, e.Has(typec.EventRx))

	_, m, err := p.Message()
	require.NoError(t, err)
	assert.True(t, m.IsDataType(pdmsg.TypeSourceCap))

	require.NoError(t, p.Transmit(pdmsg.SOPDefault, pdmsg.NewControl(pdmsg.TypePing)))
	assert.False(t, p.Pending())
	assert.Len(t, p.TakeSent(), 2)
	assert.Empty(t, p.Sent())
}

func TestTxOutcome(t *testing.T) {
	p := New()
	require.NoError(t, p.SetRxEnable(true))
	p.SetTxOutcome(func(Sent) typec.Event { return typec.EventTxFailed })
	p.SetResponder(func(*Port, Sent) []pdmsg.Message {
		t.Fatal("responder called for failed transmission")
		return nil
	})
	require.NoError(t, p.Transmit(pdmsg.SOPDefault, pdmsg.NewControl(pdmsg.TypePing)))
	e, _ := p.Alert()
	assert.Equal(t, typec.EventTxFailed, e)
}

func TestHardReset(t *testing.T) {
	p := New()
	require.NoError(t, p.SetRxEnable(true))
	p.Send(pdmsg.NewControl(pdmsg.TypePing))

	require.NoError(t, p.TransmitHardReset())
	assert.False(t, p.Pending())
	e, _ := p.Alert()
	assert.True(t, e.Has(typec.EventHardResetSent))
	sent := p.Sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].HardReset)
	assert.Equal(t, uint8(0), p.Reply(pdmsg.NewControl(pdmsg.TypeAccept)).ID())

	p.SendHardReset()
	e, _ = p.Alert()
	assert.True(t, e.Has(typec.EventHardResetReceived))
}

func TestFailNext(t *testing.T) {
	p := New()
	p.FailNext(2)
	assert.ErrorIs(t, p.Init(), ErrInjected)
	_, err := p.VBus()
	assert.ErrorIs(t, err, ErrInjected)
	assert.NoError(t, p.Init())
	assert.Equal(t, 1, p.Inits())
}

func TestVBus(t *testing.T) {
	p := New()
	mv, err := p.VBusMV()
	require.NoError(t, err)
	assert.Zero(t, mv)

	p.SetVBus(true)
	v, err := p.VBus()
	require.NoError(t, err)
	assert.True(t, v)
	mv, _ = p.VBusMV()
	assert.Equal(t, uint32(5000), mv)

	p.SetVBusMV(9000)
	mv, _ = p.VBusMV()
	assert.Equal(t, uint32(9000), mv)

	e, _ := p.Alert()
	assert.True(t, e.Has(typec.EventVBusChange))
}

func TestAlertsWake(t *testing.T) {
	p := New()
	a := typec.NewAlerts()
	p.SetAlerts(a)
	p.SetPartnerCC(typec.CCRd, typec.CCOpen)
	select {
	case <-a.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wake up")
	}
	assert.True(t, a.Take().Has(typec.EventWake))
}

func TestClock(t *testing.T) {
	c := NewClock()
	t0 := c.Now()
	c.Sleep(3 * time.Millisecond)
	c.Advance(time.Second)
	assert.Equal(t, time.Second+3*time.Millisecond, c.Now().Sub(t0))
}
