package tcpe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcpcdriver/tcpcsim"
	"github.com/lumenlamp/go-typec/tcstore"
)

func TestSourceHardResetReceived(t *testing.T) {
	h := newHarness(t, sourceCaps())
	h.sourceContract(&sinkPartner{rdo: request(1, 1500)})
	h.run(time.Second)
	resets := h.psu.count("Reset")
	mark := len(h.trace.all())

	start := h.clock.Now()
	h.port.SendHardReset()
	h.tick()
	assert.Equal(t, SrcHardResetRecover, h.pe.State())
	assert.Less(t, h.clock.Now().Sub(start), tPSHardReset, "the tick must not wait for the supply")
	assert.Equal(t, resets, h.psu.count("Reset"), "VBUS stays up for tPSHardReset")
	assert.False(t, h.pe.Status().ExplicitContract)

	require.True(t, h.runUntil(func() bool { return h.psu.count("Reset") > resets }, time.Second))
	assert.GreaterOrEqual(t, h.clock.Now().Sub(start), tPSHardReset)
	assert.False(t, h.port.Vconn())
	assert.Zero(t, h.pe.Status().SourcingMV)

	off := h.clock.Now()
	h.requireState(SrcStartup, 2*time.Second)
	assert.GreaterOrEqual(t, h.clock.Now().Sub(off), tSrcRecover)
	assert.True(t, h.port.Vconn())

	h.requireState(SrcReady, 2*time.Second)
	assert.Equal(t, []string{"src-hard-reset-recover", "src-startup", "src-discovery", "src-negotiate",
		"src-accepted", "src-powered", "src-transition", "src-ready"}, h.trace.all()[mark:])
	assert.True(t, h.pe.Status().ExplicitContract)
}

func TestSourceCapsResentToSilentSink(t *testing.T) {
	h := newHarness(t, sourceCaps())
	h.port.SetTxOutcome(func(s tcpcsim.Sent) typec.Event {
		if !s.HardReset && s.Msg.IsDataType(pdmsg.TypeSourceCap) {
			return typec.EventTxFailed
		}
		return typec.EventTxSuccess
	})
	h.tick()
	h.port.SetPartnerCC(typec.CCRd, typec.CCOpen)
	h.requireState(SrcDiscovery, 2*time.Second)
	h.tick()
	caps := data(pdmsg.TypeSourceCap)
	require.Len(t, h.sentOf(caps), 1)

	last := h.clock.Now()
	for i := 2; i <= 5; i++ {
		require.True(t, h.runUntil(func() bool { return len(h.sentOf(caps)) == i }, time.Second))
		now := h.clock.Now()
		assert.GreaterOrEqual(t, now.Sub(last), tSendSourceCap, "attempt %d", i)
		last = now
	}
	assert.Equal(t, SrcDiscovery, h.pe.State())

	// The sink never answers: the offer is repeated for as long as it stays
	// attached, without resetting it.
	h.run(time.Second)
	assert.GreaterOrEqual(t, len(h.sentOf(caps)), 14)
	assert.Equal(t, SrcDiscovery, h.pe.State())
	assert.Empty(t, h.sentOf(hardReset))
	assert.True(t, h.pe.IsConnected())
}

func TestSoftResetEscalates(t *testing.T) {
	h := newHarness(t, sinkCaps())
	require.NoError(t, h.store.Save(tcstore.Flags{ExplicitContract: true, PowerRole: pdmsg.PowerRoleSink}))
	h.port.SetPartnerCC(typec.CCRp3A0, typec.CCOpen)
	h.port.SetVBus(true)

	start := h.clock.Now()
	require.True(t, h.runUntil(func() bool { return h.trace.count("hard-reset-send") > 0 }, time.Second))
	assert.GreaterOrEqual(t, h.clock.Now().Sub(start), tSenderResponse)
	assert.Len(t, h.sentOf(control(pdmsg.TypeSoftReset)), 1)
	assert.Equal(t, "hard-reset-send", h.trace.all()[0])

	h.requireState(SnkHardResetRecover, 100*time.Millisecond)
	assert.Len(t, h.sentOf(hardReset), 1)
	assert.False(t, h.pe.Status().ExplicitContract)
}

func noVBusCaps() Capabilities {
	c := sinkCaps()
	c.NoVBusSense = true
	return c
}

// blindContract negotiates a contract without VBUS ever showing.
func (h *harness) blindContract() {
	h.t.Helper()
	h.port.SetResponder(sourcePartner(true))
	h.tick()
	h.port.SetPartnerCC(typec.CCRp3A0, typec.CCOpen)
	h.requireState(SnkDiscovery, time.Second)
	h.port.Send(partnerSourceCaps)
	h.requireState(SnkReady, time.Second)
}

func TestSinkWithoutVBusSensing(t *testing.T) {
	h := newHarness(t, noVBusCaps())
	h.blindContract()
	h.run(500 * time.Millisecond)
	assert.Equal(t, SnkReady, h.pe.State())
	assert.Equal(t, uint32(9000), h.pe.AvailableVoltageMV())

	h.port.SetPartnerCC(typec.CCOpen, typec.CCOpen)
	h.requireState(SnkDisconnected, 100*time.Millisecond)
	assert.False(t, h.pe.Status().ExplicitContract)
	assert.Zero(t, h.pe.AvailableCurrentMA())
}

func TestSinkWithoutVBusSensingHardReset(t *testing.T) {
	h := newHarness(t, noVBusCaps())
	h.blindContract()
	h.run(300 * time.Millisecond)

	start := h.clock.Now()
	h.port.SendHardReset()
	h.requireState(SnkHardResetRecover, 100*time.Millisecond)
	assert.True(t, h.port.RxEnabled())

	// Nothing tells when VBUS came back, so the longest recovery is waited.
	h.run(tSafe0V + tSrcRecoverMax)
	assert.Equal(t, SnkHardResetRecover, h.pe.State())
	require.True(t, h.runUntil(func() bool { return h.trace.count("snk-disconnected") > 0 }, time.Second))
	assert.GreaterOrEqual(t, h.clock.Now().Sub(start), tSafe0V+tSrcRecoverMax+tSrcTurnOn)
	assert.Empty(t, h.sentOf(hardReset))

	// The source is still attached.
	h.requireState(SnkDiscovery, time.Second)
}

func TestSinkWithoutVBusSensingCapsEndRecovery(t *testing.T) {
	h := newHarness(t, noVBusCaps())
	h.blindContract()
	h.run(300 * time.Millisecond)

	h.port.SendHardReset()
	h.requireState(SnkHardResetRecover, 100*time.Millisecond)
	h.run(tSafe0V)
	h.port.Send(partnerSourceCaps)
	h.requireState(SnkReady, time.Second)
	assert.Zero(t, h.trace.count("snk-disconnected"))
	assert.Len(t, h.sentOf(data(pdmsg.TypeRequest)), 2)
	assert.True(t, h.pe.Status().ExplicitContract)
}

func TestRejectedRequestKeepsContract(t *testing.T) {
	h := newHarness(t, sinkCaps())
	h.sinkContract()
	h.run(300 * time.Millisecond)
	h.port.SetResponder(func(p *tcpcsim.Port, s tcpcsim.Sent) []pdmsg.Message {
		if s.Msg.IsDataType(pdmsg.TypeRequest) && pdmsg.RequestDO(s.Msg.Data[0]).SelectedObjectPosition() == 1 {
			return []pdmsg.Message{pdmsg.NewControl(pdmsg.TypeReject)}
		}
		return sourcePartner(true)(p, s)
	})

	h.pe.RequestPower(5000)
	h.run(300 * time.Millisecond)
	require.Len(t, h.sentOf(data(pdmsg.TypeRequest)), 2)
	assert.Equal(t, SnkReady, h.pe.State())
	assert.True(t, h.pe.Status().ExplicitContract)
	assert.Equal(t, uint32(9000), h.pe.AvailableVoltageMV())
	assert.Equal(t, uint32(3000), h.pe.AvailableCurrentMA())
	assert.Equal(t, uint32(9000), h.pe.supplyMV)
	assert.Equal(t, uint32(3000), h.pe.currLimitMA)

	// The refused voltage is not taken as already requested.
	h.pe.RequestPower(5000)
	h.run(300 * time.Millisecond)
	assert.Len(t, h.sentOf(data(pdmsg.TypeRequest)), 3)
}
