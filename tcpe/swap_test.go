package tcpe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcpcdriver/tcpcsim"
)

// answer extends r with fixed replies to the messages matching pred.
func answer(r tcpcsim.Responder, pred func(tcpcsim.Sent) bool, replies ...pdmsg.Message) tcpcsim.Responder {
	return func(p *tcpcsim.Port, s tcpcsim.Sent) []pdmsg.Message {
		if pred(s) {
			return append([]pdmsg.Message(nil), replies...)
		}
		if r == nil {
			return nil
		}
		return r(p, s)
	}
}

func TestPowerSwapSinkToSource(t *testing.T) {
	h := newHarness(t, sinkCaps())
	h.sinkContract()
	h.run(300 * time.Millisecond)
	mark := len(h.trace.all())

	r := answer(sourcePartner(true), control(pdmsg.TypePRSwap), pdmsg.NewControl(pdmsg.TypeAccept))
	r = answer(r, data(pdmsg.TypeSourceCap), pdmsg.NewData(pdmsg.TypeRequest, uint32(request(1, 1500))))
	h.port.SetResponder(r)

	h.pe.RequestPowerSwap()
	h.requireState(SnkSwapSrcDisable, 100*time.Millisecond)
	assert.Len(t, h.sentOf(control(pdmsg.TypePRSwap)), 1)
	assert.False(t, h.pe.Status().ExplicitContract)
	h.psu.AssertCalled(t, "SetInputCurrentLimit", uint32(0), uint32(0))

	// The old source turns its supply off, presents Rd and says so.
	h.port.SetVBus(false)
	h.port.SetPartnerCC(typec.CCRd, typec.CCOpen)
	h.port.Send(pdmsg.NewControl(pdmsg.TypePSReady))

	h.requireState(SrcReady, 2*time.Second)
	assert.Equal(t, []string{"snk-swap-init", "snk-swap-snk-disable", "snk-swap-src-disable", "snk-swap-standby",
		"snk-swap-complete", "src-discovery"}, h.trace.all()[mark:mark+6])
	assert.NotContains(t, h.trace.all()[mark:], "snk-disconnected")

	assert.Equal(t, typec.CCPullRp, h.port.Pull())
	pr, _ := h.port.Roles()
	assert.Equal(t, pdmsg.PowerRoleSource, pr)
	st := h.pe.Status()
	assert.Equal(t, pdmsg.PowerRoleSource, st.PowerRole)
	assert.True(t, st.ExplicitContract)
	assert.Equal(t, uint32(5000), st.SourcingMV)
	assert.Equal(t, uint32(1500), st.SourcingMA)
	h.psu.AssertCalled(t, "Ready")
	h.psu.AssertCalled(t, "Transition", uint32(5000), uint32(1500))
	assert.Len(t, h.sentOf(control(pdmsg.TypePSReady)), 2, "swap and contract")
}

func TestPowerSwapSinkNoPSReady(t *testing.T) {
	h := newHarness(t, sinkCaps())
	h.sinkContract()
	h.run(300 * time.Millisecond)
	h.port.SetResponder(answer(sourcePartner(true), control(pdmsg.TypePRSwap), pdmsg.NewControl(pdmsg.TypeAccept)))

	h.pe.RequestPowerSwap()
	h.requireState(SnkSwapSrcDisable, 100*time.Millisecond)
	start := h.clock.Now()
	require.True(t, h.runUntil(func() bool { return h.trace.count("hard-reset-send") > 0 }, 2*time.Second))
	assert.GreaterOrEqual(t, h.clock.Now().Sub(start), tPSSourceOff)
	assert.Equal(t, pdmsg.PowerRoleSink, h.pe.Status().PowerRole)
}

func TestVconnSwap(t *testing.T) {
	h := newHarness(t, sinkCaps())
	h.sinkContract()
	h.run(300 * time.Millisecond)
	mark := len(h.trace.all())
	h.port.SetResponder(answer(sourcePartner(true), control(pdmsg.TypeVconnSwap), pdmsg.NewControl(pdmsg.TypeAccept)))

	h.pe.RequestVconnSwap()
	require.True(t, h.runUntil(func() bool { return h.pe.Status().VconnOn }, time.Second), "trace %v", h.trace.all())
	h.requireState(SnkReady, 100*time.Millisecond)
	assert.Equal(t, []string{"vconn-swap-send", "vconn-swap-init", "vconn-swap-ready", "snk-ready"}, h.trace.all()[mark:])
	assert.True(t, h.port.Vconn())
	assert.Len(t, h.sentOf(control(pdmsg.TypeVconnSwap)), 1)
	assert.Len(t, h.sentOf(control(pdmsg.TypePSReady)), 1)
	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.True(t, saved.VconnOn)

	// The partner takes VCONN back.
	mark = len(h.trace.all())
	h.port.Send(pdmsg.NewControl(pdmsg.TypeVconnSwap))
	h.tick()
	assert.Equal(t, VconnSwapInit, h.pe.State())
	assert.Len(t, h.sentOf(control(pdmsg.TypeAccept)), 1)
	assert.True(t, h.port.Vconn(), "on until the partner supplies it")

	h.port.Send(pdmsg.NewControl(pdmsg.TypePSReady))
	h.requireState(SnkReady, time.Second)
	assert.Equal(t, []string{"vconn-swap-init", "vconn-swap-ready", "snk-ready"}, h.trace.all()[mark:])
	assert.False(t, h.port.Vconn())
	assert.False(t, h.pe.Status().VconnOn)
}

func TestVconnSwapPartnerSilent(t *testing.T) {
	h := newHarness(t, sinkCaps())
	h.sinkContract()
	h.run(300 * time.Millisecond)

	h.pe.RequestVconnSwap()
	h.requireState(VconnSwapSend, 100*time.Millisecond)
	h.requireState(SnkReady, 2*tSenderResponse)
	assert.False(t, h.port.Vconn())
	assert.False(t, h.pe.Status().VconnOn)
}

func TestTrySourceFallsBackToSink(t *testing.T) {
	c := sinkCaps()
	c.TrySrc = true
	c.DualRole = DualRoleToggleOn
	h := newHarness(t, c)
	h.port.SetPartnerCC(typec.CCRp3A0, typec.CCOpen)
	h.port.SetVBus(true)

	require.True(t, h.runUntil(func() bool { return h.pe.flags.trySrc && h.pe.State() == SrcDisconnected }, time.Second),
		"trace %v", h.trace.all())
	assert.Equal(t, typec.CCPullRp, h.port.Pull())

	// Facing our Rp the source detaches and drops VBUS.
	h.port.SetVBus(false)
	start := h.clock.Now()
	h.requireState(SnkDisconnected, time.Second)
	elapsed := h.clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, tDRPTry)
	assert.Less(t, elapsed, tTryTimeout)
	assert.Equal(t, typec.CCPullRd, h.port.Pull())

	// Seeing Rd again the source comes back and the port settles as sink.
	h.port.SetVBus(true)
	h.requireState(SnkDiscovery, time.Second)
	assert.Equal(t, []string{"snk-disconnected-debounce", "src-disconnected", "snk-disconnected",
		"snk-disconnected-debounce", "snk-discovery"}, h.trace.all())
	assert.Equal(t, pdmsg.PowerRoleSink, h.pe.Status().PowerRole)
	assert.Equal(t, typec.CCPullRd, h.port.Pull())
}
