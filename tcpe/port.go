package tcpe

import (
	"context"
	"errors"
	"time"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcdpm"
	"github.com/lumenlamp/go-typec/tclog"
	"github.com/lumenlamp/go-typec/tcprl"
	"github.com/lumenlamp/go-typec/tcstore"
	"github.com/lumenlamp/go-typec/tcvdm"
)

// ccState is the classification of the partner seen during debounce.
type ccState uint8

const (
	ccNone ccState = iota
	ccDFPAttached
	ccDFPDebug
	ccUFPAttached
	ccUFPDebug
	ccUFPAudio
)

// drpNext is the outcome of one step of software DRP toggling.
type drpNext uint8

const (
	drpAutoToggle drpNext = iota
	drpDefault
	drpUnattachedSnk
	drpUnattachedSrc
)

func ccIsOpen(cc1, cc2 typec.CCVoltage) bool {
	return cc1 == typec.CCOpen && cc2 == typec.CCOpen
}

func ccIsAtLeastOneRd(cc1, cc2 typec.CCVoltage) bool {
	return cc1 == typec.CCRd || cc2 == typec.CCRd
}

func ccIsOnlyOneRd(cc1, cc2 typec.CCVoltage) bool {
	return (cc1 == typec.CCRd) != (cc2 == typec.CCRd)
}

func ccIsAudioAcc(cc1, cc2 typec.CCVoltage) bool {
	return cc1 == typec.CCRa && cc2 == typec.CCRa
}

func ccIsSnkDebugAcc(cc1, cc2 typec.CCVoltage) bool {
	return cc1 == typec.CCRd && cc2 == typec.CCRd
}

// sinkPolarity picks the line with the stronger Rp. With Rp on both lines
// the partner is a debug accessory and a DTS polarity is returned.
func sinkPolarity(cc1, cc2 typec.CCVoltage) typec.Polarity {
	if cc1.IsRp() && cc2.IsRp() {
		if cc2 > cc1 {
			return typec.PolarityCC2DTS
		}
		return typec.PolarityCC1DTS
	}
	if cc2 > cc1 {
		return typec.PolarityCC2
	}
	return typec.PolarityCC1
}

func sourcePolarity(cc1, cc2 typec.CCVoltage) typec.Polarity {
	if cc1 != typec.CCRd && cc2 == typec.CCRd {
		return typec.PolarityCC2
	}
	return typec.PolarityCC1
}

// TypeCCurrentLimit returns the current a sink may draw as advertised by the
// source's Rp on the communication line, and whether the partner is a debug
// accessory (Rp on both lines).
func TypeCCurrentLimit(pol typec.Polarity, cc1, cc2 typec.CCVoltage) (ma uint32, dts bool) {
	cc, alt := cc1, cc2
	if pol.Line() == 1 {
		cc, alt = cc2, cc1
	}
	switch cc {
	case typec.CCRp3A0:
		// Some debug accessories advertise 3A on one line and 1.5A on the
		// other; only 500mA is safe then.
		if !alt.IsRp() || alt == typec.CCRpDefault {
			ma = 3000
		} else if alt == typec.CCRp1A5 {
			ma = 500
		}
	case typec.CCRp1A5:
		ma = 1500
	case typec.CCRpDefault:
		ma = 500
	}
	return ma, alt.IsRp()
}

// setState moves to next. Entering a Disconnected state from anywhere but
// its toggle partner tears the connection down.
func (pe *PolicyEngine) setState(next *state) {
	last := pe.cur
	pe.timeout = time.Time{}
	pe.timeoutState = nil
	if next == last {
		return
	}
	pe.cur = next
	pe.log.Debug("state", "from", last.name(), "to", next.Name)
	pe.trace.Log(tclog.Event{
		Timestamp: pe.now(),
		SessionID: pe.prl.Session(),
		Category:  tclog.CategoryState,
		PowerRole: pe.powerRole,
		StateChange: &tclog.StateChangeEvent{
			OldState: last.name(),
			NewState: next.Name,
		},
	})

	if last != stateDrpAutoToggle {
		pe.autoToggled = false
	}

	if (last == stateSnkDisconnected && next == stateSrcDisconnected) ||
		(last == stateSrcDisconnected && next == stateSnkDisconnected) {
		return
	}

	switch next {
	case stateSnkDisconnected, stateSrcDisconnected:
		pe.disconnect(last)
	case stateSrcReady:
		if pe.prl.Revision() == pdmsg.Revision30 && pe.flags.explicitContract {
			pe.fault(pe.pc.SelectRp(typec.SinkTxOK))
			pe.fault(pe.pc.SetCC(typec.CCPullRp))
		}
	}
}

func (pe *PolicyEngine) disconnect(last *state) {
	if last.isConnected() {
		pe.log.Info("detached", "role", pe.powerRole, "state", last.name())
	}
	pe.readyHoldoff = time.Time{}
	if last != stateSnkDisconnectedDebounce && last != stateSrcDisconnectedDebounce {
		pe.flags = portFlags{}
	}
	pe.setInputCurrentLimit(0, 0)
	pe.setVconn(false)
	pe.setExplicitContract(false)
	pe.srcCaps = nil
	pe.typecCurrMA = 0
	pe.requestedPos = 0
	if pe.powerRole == pdmsg.PowerRoleSource {
		pe.psu().Reset()
		pe.sourcingMV, pe.sourcingMA = 0, 0
		pe.fault(pe.pc.SetCC(typec.CCPullRp))
	}
	pe.prl.SetRevision(pe.defaultRevision())
	pe.fault(pe.prl.SetRxEnable(false))
	pe.prl.ResetIDs()
	pe.vdm.Reset()
}

// setTimeout arms the state timeout: next is entered once d has passed
// unless the state changes first.
func (pe *PolicyEngine) setTimeout(d time.Duration, next *state) {
	pe.timeout = pe.now().Add(d)
	pe.timeoutState = next
}

func (pe *PolicyEngine) readyState() *state {
	if pe.powerRole == pdmsg.PowerRoleSource {
		return stateSrcReady
	}
	return stateSnkReady
}

// vbus reports whether VBUS is present. Without VBUS sensing it always is.
func (pe *PolicyEngine) vbus() bool {
	if pe.caps.NoVBusSense {
		return true
	}
	v, err := pe.pc.VBus()
	pe.fault(err)
	pe.vbusPresent = v
	return v
}

func (pe *PolicyEngine) setPowerRole(r pdmsg.PowerRole) {
	pe.powerRole = r
	pe.updateRoles()
}

func (pe *PolicyEngine) setDataRole(r pdmsg.DataRole) {
	pe.dataRole = r
	pe.updateRoles()
}

func (pe *PolicyEngine) setRoles(pr pdmsg.PowerRole, dr pdmsg.DataRole) {
	pe.powerRole, pe.dataRole = pr, dr
	pe.updateRoles()
}

func (pe *PolicyEngine) updateRoles() {
	pe.prl.SetRoles(pe.powerRole, pe.dataRole)
	pe.fault(pe.pc.SetMsgHeader(pe.powerRole, pe.dataRole))
}

// setVconn switches the VCONN supply on the unused CC line.
func (pe *PolicyEngine) setVconn(en bool) {
	pe.fault(pe.pc.SetVconn(en))
}

// setVconnRole records whether we are the VCONN source.
func (pe *PolicyEngine) setVconnRole(on bool) {
	if pe.flags.vconnOn == on {
		return
	}
	pe.flags.vconnOn = on
	pe.saveFlags()
}

// release stops driving the port: the supply, VCONN and the CC lines are
// turned off and the contract is forgotten.
func (pe *PolicyEngine) release() error {
	pe.psu().Reset()
	pe.sourcingMV, pe.sourcingMA = 0, 0
	pe.setVconn(false)
	pe.setInputCurrentLimit(0, 0)
	pe.setExplicitContract(false)
	pe.srcCaps = nil
	if err := pe.prl.SetRxEnable(false); err != nil {
		return err
	}
	return pe.pc.SetCC(typec.CCPullOpen)
}

func (pe *PolicyEngine) setExplicitContract(on bool) {
	pe.flags.explicitContract = on
	pe.prl.SetExplicitContract(on)
	pe.saveFlags()
}

func (pe *PolicyEngine) saveFlags() {
	st := pe.store()
	if st == nil {
		return
	}
	err := st.Save(tcstore.Flags{
		ExplicitContract: pe.flags.explicitContract,
		PowerRole:        pe.powerRole,
		DataRole:         pe.dataRole,
		VconnOn:          pe.flags.vconnOn,
	})
	if err != nil {
		pe.log.Warn("save port flags", "error", err)
	}
}

func (pe *PolicyEngine) setInputCurrentLimit(ma, mv uint32) {
	if pe.availMA == ma && pe.availMV == mv {
		return
	}
	pe.availMA, pe.availMV = ma, mv
	pe.psu().SetInputCurrentLimit(ma, mv)
}

// sendControl sends a control message as initiator or responder depending
// on its type. Send failures other than I/O errors are left to the caller.
func (pe *PolicyEngine) sendControl(ctx context.Context, t pdmsg.Type) error {
	err := pe.prl.SendControl(ctx, pdmsg.SOPDefault, t, tcprl.ControlAMS(t))
	pe.txFault(err)
	return err
}

var errNoSourceCaps = errors.New("tcpe: no source capabilities to offer")

func (pe *PolicyEngine) sendSourceCaps(ctx context.Context, start bool) error {
	if len(pe.caps.SourcePDOs) == 0 {
		return errNoSourceCaps
	}
	return pe.sendPDOs(ctx, pdmsg.TypeSourceCap, pe.caps.SourcePDOs, tcprl.AMS(start))
}

func (pe *PolicyEngine) sendSinkCaps(ctx context.Context) error {
	return pe.sendPDOs(ctx, pdmsg.TypeSinkCap, pe.caps.SinkPDOs, tcprl.AMSResponse)
}

func (pe *PolicyEngine) sendPDOs(ctx context.Context, t pdmsg.Type, pdos []pdmsg.PDO, ams tcprl.AMS) error {
	var objs [pdmsg.MaxDataObjects]uint32
	n := 0
	for _, p := range pdos {
		if n == len(objs) {
			break
		}
		objs[n] = uint32(p)
		n++
	}
	err := pe.prl.SendData(ctx, pdmsg.SOPDefault, t, objs[:n], ams)
	pe.txFault(err)
	return err
}

// swapFailed returns where to go when the first message of a swap could not
// be sent. A collision or a SinkTxNG source means trying again later from
// the ready state; anything else means the link is in doubt.
func swapFailed(err error, ready *state) *state {
	if errors.Is(err, tcprl.ErrRxPending) || errors.Is(err, tcprl.ErrSinkTxNG) {
		return ready
	}
	return stateSoftReset
}

// executeHardReset resets the port after hard reset signalling went out or
// came in.
func (pe *PolicyEngine) executeHardReset(ctx context.Context, received bool) {
	pe.prl.ResetIDs()
	pe.fault(pe.prl.SetRxEnable(false))
	pe.prl.SetRevision(pe.defaultRevision())
	pe.vdm.Reset()
	pe.setExplicitContract(false)

	cur := pe.cur
	// Forces the next state's Enter even if it is the current one.
	pe.last = stateHardResetExecute

	if cur == stateSnkSwapStandby || cur == stateSnkSwapComplete {
		pe.fault(pe.pc.SetCC(typec.CCPullRd))
		pe.psu().Reset()
	}

	if pe.powerRole == pdmsg.PowerRoleSink {
		pe.setDataRole(pdmsg.DataRoleUFP)
		pe.setInputCurrentLimit(0, 0)
		if pe.flags.vconnOn {
			pe.setVconn(false)
			pe.setVconnRole(false)
		}
		pe.setState(stateSnkHardResetRecover)
		return
	}

	pe.setDataRole(pdmsg.DataRoleDFP)
	pe.vbusOff = false
	pe.srcOffAt = pe.now()
	if received {
		pe.srcOffAt = pe.srcOffAt.Add(tPSHardReset)
	}
	pe.setState(stateSrcHardResetRecover)
}

func (pe *PolicyEngine) executeSoftReset() {
	pe.prl.InvalidateRx(pdmsg.SOPDefault)
	if pe.powerRole == pdmsg.PowerRoleSink {
		pe.setState(stateSnkDiscovery)
	} else {
		pe.setState(stateSrcDiscovery)
	}
	pe.log.Info("soft reset", "role", pe.powerRole)
}

// checkDisconnect runs at the end of every connected tick. A source is
// detached when its CC line opens, a sink when VBUS goes away or, without
// VBUS sensing, when both CC lines open.
func (pe *PolicyEngine) checkDisconnect() {
	now := pe.now()
	if pe.powerRole == pdmsg.PowerRoleSource {
		cc1, cc2, err := pe.pc.CC()
		if err != nil {
			pe.fault(err)
			return
		}
		cc := cc1
		if pe.polarity.Line() == 1 {
			cc = cc2
		}
		if cc != typec.CCOpen {
			return
		}
		pe.setState(stateSrcDisconnected)
		if pe.trySrcEnabled {
			pe.setPowerRole(pdmsg.PowerRoleSink)
			pe.fault(pe.pc.SetCC(typec.CCPullRd))
			pe.trySrcMarker = now.Add(tPDDebounce)
			pe.setState(stateSnkDisconnected)
			pe.flags.trySrc = true
		}
		pe.poll = pollDetach
		return
	}
	if now.Before(pe.vbusDebounce) || pe.cur == stateSnkHardResetRecover || pe.cur == stateHardResetExecute {
		return
	}
	if pe.caps.NoVBusSense {
		cc1, cc2, err := pe.pc.CC()
		if err != nil {
			pe.fault(err)
			return
		}
		if ccIsOpen(cc1, cc2) {
			pe.setState(stateSnkDisconnected)
			pe.poll = pollDetach
		}
		return
	}
	if !pe.vbus() {
		pe.setState(stateSnkDisconnected)
		pe.poll = pollDetach
	}
}

func (pe *PolicyEngine) trySrcAllowed() bool {
	return pe.caps.TrySrc && pe.drp == DualRoleToggleOn && pe.soc >= pe.caps.TrySrcMinSOC
}

// updateTrySource recomputes whether Try.SRC is used, leaving any Try.SRC
// attempt in progress if it is no longer.
func (pe *PolicyEngine) updateTrySource() {
	pe.trySrcEnabled = pe.trySrcAllowed()
	if !pe.trySrcEnabled {
		pe.flags.trySrc = false
	}
}

// updateDualRoleConfig applies a new dual role mode to the current role.
func (pe *PolicyEngine) updateDualRoleConfig() {
	switch {
	case pe.powerRole == pdmsg.PowerRoleSource &&
		(pe.drp == DualRoleForceSink ||
			(pe.drp == DualRoleToggleOff && pe.cur == stateSrcDisconnected && pe.caps.DefaultRole == pdmsg.PowerRoleSink)):
		pe.setPowerRole(pdmsg.PowerRoleSink)
		pe.setState(stateSnkDisconnected)
		pe.fault(pe.pc.SetCC(typec.CCPullRd))
		pe.psu().Reset()
		pe.sourcingMV, pe.sourcingMA = 0, 0
	case pe.powerRole == pdmsg.PowerRoleSink && pe.drp == DualRoleForceSource && !pe.isPowerSwapping():
		pe.setPowerRole(pdmsg.PowerRoleSource)
		pe.setState(stateSrcDisconnected)
		pe.fault(pe.pc.SetCC(typec.CCPullRp))
	}
}

// checkPRRole returns the swap state when the partner's capabilities call
// for a power role swap: we should source an unpowered partner and sink from
// a powered one.
func (pe *PolicyEngine) checkPRRole() *state {
	if !pe.isConnected() || !pe.caps.PowerSwap || !pe.flags.partnerDualRolePower || pe.drp != DualRoleToggleOff {
		return nil
	}
	sink := pe.powerRole == pdmsg.PowerRoleSink
	if (sink && !pe.flags.partnerUnconstrained) || (!sink && pe.flags.partnerUnconstrained) {
		return pe.powerSwapState()
	}
	return nil
}

func (pe *PolicyEngine) powerSwapState() *state {
	switch pe.cur {
	case stateSrcReady:
		return stateSrcSwapInit
	case stateSnkReady:
		return stateSnkSwapInit
	}
	return nil
}

func (pe *PolicyEngine) drpNextState(now time.Time, cc1, cc2 typec.CCVoltage) drpNext {
	switch {
	case ccIsOpen(cc1, cc2):
		switch pe.drp {
		case DualRoleToggleOff:
			return drpDefault
		case DualRoleFreeze:
			if pe.powerRole == pdmsg.PowerRoleSource {
				return drpUnattachedSrc
			}
			return drpUnattachedSnk
		case DualRoleForceSink:
			return drpUnattachedSnk
		case DualRoleForceSource:
			return drpUnattachedSrc
		}
		return drpAutoToggle
	case (cc1.IsRp() || cc2.IsRp()) && pe.drp != DualRoleForceSource:
		return drpUnattachedSnk
	case ccIsAtLeastOneRd(cc1, cc2) || ccIsAudioAcc(cc1, cc2):
		if pe.drp == DualRoleToggleOff || pe.drp == DualRoleForceSink {
			// A sink only port seeing a sink waits as sink for a while so a
			// dual role partner gets to become source.
			if now.After(pe.drpSinkTime.Add(tDRPSinkCycle)) {
				pe.drpSinkTime = now
			}
			if now.Before(pe.drpSinkTime.Add(tDRPSinkWindow)) {
				return drpUnattachedSnk
			}
			return drpAutoToggle
		}
		return drpUnattachedSrc
	}
	return drpAutoToggle
}

func (pe *PolicyEngine) jitter() time.Duration {
	return time.Duration(pe.now().UnixMilli()%16) * 12 * time.Millisecond
}

func (s *state) isConnected() bool {
	switch s {
	case nil, stateDisabled, stateSuspended, stateDrpAutoToggle, stateErrorRecovery,
		stateSnkDisconnected, stateSnkDisconnectedDebounce,
		stateSrcDisconnected, stateSrcDisconnectedDebounce:
		return false
	}
	return true
}

func (pe *PolicyEngine) isConnected() bool { return pe.cur.isConnected() }

func (pe *PolicyEngine) isPowerSwapping() bool {
	switch pe.cur {
	case stateSnkSwapSnkDisable, stateSnkSwapSrcDisable, stateSnkSwapStandby, stateSnkSwapComplete,
		stateSrcSwapSnkDisable, stateSrcSwapSrcDisable, stateSrcSwapStandby:
		return true
	}
	return false
}

func (pe *PolicyEngine) vdmReady() bool {
	return pe.cur == stateSrcReady || pe.cur == stateSnkReady
}

func (pe *PolicyEngine) sendVDM(ctx context.Context) tcvdm.Sender {
	return func(objs []uint32) error {
		ams := tcprl.AMSResponse
		if pdmsg.VDMHeader(objs[0]).CommandType() == pdmsg.VDMTypeInitiator {
			ams = tcprl.AMSStart
		}
		return pe.prl.SendData(ctx, pdmsg.SOPDefault, pdmsg.TypeVendorDefined, objs, ams)
	}
}

func (pe *PolicyEngine) queueDiscoverIdentity() {
	pe.flags.checkIdentity = false
	if pe.prl.Revision() == pdmsg.Revision30 {
		pe.vdm.SetVersion(pdmsg.VDMVersion20)
	} else {
		pe.vdm.SetVersion(pdmsg.VDMVersion10)
	}
	if err := pe.vdm.Queue(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverIdentity); err != nil {
		pe.log.Warn("queue discover identity", "error", err)
	}
}

// transitionVoltage drives the power supply to the source capability at
// position pos, as accepted from the sink.
func (pe *PolicyEngine) transitionVoltage(pos uint8) {
	if pos == 0 || int(pos) > len(pe.caps.SourcePDOs) {
		return
	}
	ma, mv := tcdpm.ExtractPower(pe.caps.SourcePDOs[pos-1], tcdpm.DefaultLimits)
	if err := pe.psu().Transition(mv, ma); err != nil {
		pe.log.Warn("power supply transition", "error", err, "mv", mv, "ma", ma)
		return
	}
	pe.sourcingMV, pe.sourcingMA = mv, ma
}
