package tcpe

import (
	"context"
	"errors"

	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcdpm"
	"github.com/lumenlamp/go-typec/tcprl"
)

var errDataRoleMismatch = errors.New("tcpe: partner claims our data role")

// handleRequest processes one message received from the partner on SOP.
func (pe *PolicyEngine) handleRequest(ctx context.Context, m pdmsg.Message) {
	pe.lastPDAt = pe.now()

	if !pe.isConnected() {
		pe.setState(stateHardResetSend)
	}

	// Both ends claiming the same data role is unrecoverable by messaging.
	if m.DataRole() == pe.dataRole {
		pe.errorRecovery()
		return
	}

	if m.IsExtended() {
		if pe.prl.Revision() == pdmsg.Revision30 {
			pe.sendControl(ctx, pdmsg.TypeNotSupported)
		}
		return
	}

	if m.IsData() {
		pe.handleData(ctx, m)
	} else {
		pe.handleCtrl(ctx, m)
	}
}

func (pe *PolicyEngine) errorRecovery() {
	pe.log.Warn("data role mismatch, recovering", "data_role", pe.dataRole)
	pe.traceError("error recovery", errDataRoleMismatch)
	pe.setState(stateErrorRecovery)
}

func (pe *PolicyEngine) negotiatedRevision(m pdmsg.Message) {
	pe.prl.SetRevision(min(m.Revision(), pe.defaultRevision()))
}

func (pe *PolicyEngine) handleData(ctx context.Context, m pdmsg.Message) {
	objs := m.Objects()
	switch m.Type() {
	case pdmsg.TypeSourceCap:
		switch pe.cur {
		case stateSnkDiscovery, stateSnkTransition, stateSnkRequested, stateSnkReady:
		case stateSnkHardResetRecover:
			// Without VBUS sensing, new capabilities are how the source
			// shows it is back.
			if !pe.caps.NoVBusSense {
				return
			}
		default:
			return
		}
		pe.negotiatedRevision(m)
		pe.flags.previousPDConn = true
		pe.updatePDOFlags(pdmsg.PDO(objs[0]))
		pe.srcCaps = pe.srcCaps[:0]
		for _, o := range objs {
			pe.srcCaps = append(pe.srcCaps, pdmsg.PDO(o))
		}
		pe.log.Debug("source capabilities", "pdos", tcdpm.DescribeCaps(pe.srcCaps))

		// Advertise the best offer to the charger until a contract says
		// otherwise.
		_, best := tcdpm.FindBestPDO(pe.srcCaps, pe.maxRequestMV, tcdpm.DefaultLimits)
		pe.setInputCurrentLimit(tcdpm.ExtractPower(best, tcdpm.DefaultLimits))

		if err := pe.sendRequest(ctx, true); err != nil {
			pe.log.Warn("send request", "error", err)
		}
		pe.notifySourceCaps(pe.srcCaps)

	case pdmsg.TypeRequest:
		if pe.powerRole == pdmsg.PowerRoleSource && len(objs) == 1 {
			pe.negotiatedRevision(m)
			rdo := pdmsg.RequestDO(objs[0])
			err := tcdpm.CheckRequest(rdo, pe.caps.SourcePDOs)
			if err == nil {
				if pe.sendControl(ctx, pdmsg.TypeAccept) != nil {
					return
				}
				pe.setExplicitContract(true)
				pe.requestedPos = rdo.SelectedObjectPosition()
				pe.requestedRDO = rdo
				pe.setState(stateSrcAccepted)
				return
			}
			pe.log.Warn("rejecting request", "error", err, "position", rdo.SelectedObjectPosition())
		}
		pe.sendControl(ctx, pdmsg.TypeReject)
		if pe.powerRole == pdmsg.PowerRoleSource {
			pe.setState(stateSrcReady)
		}

	case pdmsg.TypeSinkCap:
		pe.flags.snkCapReceived = true
		pe.updatePDOFlags(pdmsg.PDO(objs[0]))
		if pe.cur == stateSrcGetSinkCap {
			pe.setState(stateSrcReady)
		}

	case pdmsg.TypeVendorDefined:
		pe.vdm.Handle(pe.now(), objs)

	default:
		pe.log.Debug("ignoring data message", "type", m.TypeName())
	}
}

// updatePDOFlags records what the first fixed PDO of the partner's
// capabilities says about it.
func (pe *PolicyEngine) updatePDOFlags(p pdmsg.PDO) {
	if p.Type() != pdmsg.PDOTypeFixedSupply {
		return
	}
	f := pdmsg.FixedSupplyPDO(p)
	pe.flags.partnerDualRolePower = f.DualRolePower()
	pe.flags.partnerUnconstrained = f.UnconstrainedPower()
	pe.flags.partnerUSBComm = f.USBCommunication()
	pe.flags.partnerDualRoleData = f.DualRoleData()
}

func (pe *PolicyEngine) handleCtrl(ctx context.Context, m pdmsg.Message) {
	switch m.Type() {
	case pdmsg.TypeGoodCRC, pdmsg.TypePing, pdmsg.TypeGotoMin:

	case pdmsg.TypeGetSourceCap:
		if pe.cur == stateSrcReady {
			pe.setState(stateSrcDiscovery)
			return
		}
		err := pe.sendSourceCaps(ctx, false)
		if err == errNoSourceCaps {
			pe.sendControl(ctx, pdmsg.TypeReject)
			return
		}
		if err == nil && pe.cur == stateSrcDiscovery {
			pe.setState(stateSrcNegotiate)
		}

	case pdmsg.TypeGetSinkCap:
		pe.sendSinkCaps(ctx)

	case pdmsg.TypePSReady:
		pe.handlePSReady()

	case pdmsg.TypeReject, pdmsg.TypeWait, pdmsg.TypeNotSupported:
		pe.handleRefusal(m.Is(pdmsg.TypeWait))

	case pdmsg.TypeAccept:
		pe.handleAccept()

	case pdmsg.TypeSoftReset:
		pe.executeSoftReset()
		pe.prl.ResetTxID(pdmsg.SOPDefault)
		pe.sendControl(ctx, pdmsg.TypeAccept)

	case pdmsg.TypePRSwap:
		if !pe.caps.PowerSwap {
			pe.sendControl(ctx, pdmsg.TypeReject)
			return
		}
		if pe.sendControl(ctx, pdmsg.TypeAccept) != nil {
			return
		}
		pe.flags.checkPRRole = false
		pe.setExplicitContract(false)
		if pe.powerRole == pdmsg.PowerRoleSink {
			pe.setState(stateSnkSwapSnkDisable)
		} else {
			pe.setState(stateSrcSwapSnkDisable)
		}

	case pdmsg.TypeDRSwap:
		if pe.dataRole != pdmsg.DataRoleUFP {
			pe.sendControl(ctx, pdmsg.TypeReject)
			return
		}
		pe.flags.checkDRRole = false
		if pe.sendControl(ctx, pdmsg.TypeAccept) == nil {
			pe.drSwap()
		}

	case pdmsg.TypeVconnSwap:
		if pe.cur != stateSrcReady && pe.cur != stateSnkReady {
			return
		}
		if pe.caps.VconnSwap && pe.sendControl(ctx, pdmsg.TypeAccept) == nil {
			pe.setState(stateVconnSwapInit)
			return
		}
		if !pe.caps.VconnSwap {
			pe.sendControl(ctx, pdmsg.TypeReject)
		}

	default:
		pe.log.Debug("unhandled control message", "type", m.TypeName())
		if pe.prl.Revision() == pdmsg.Revision30 {
			pe.sendControl(ctx, pdmsg.TypeNotSupported)
		}
	}
}

func (pe *PolicyEngine) handlePSReady() {
	switch pe.cur {
	case stateSnkSwapSrcDisable:
		pe.setState(stateSnkSwapStandby)
	case stateSrcSwapStandby:
		// The new source is up, we are sink from now on.
		pe.prl.ResetTxID(pdmsg.SOPDefault)
		pe.prl.InvalidateRx(pdmsg.SOPDefault)
		pe.setPowerRole(pdmsg.PowerRoleSink)
		pe.vbusDebounce = pe.now().Add(tPDDebounce)
		pe.log.Info("power role swapped", "role", pe.powerRole)
		pe.setState(stateSnkDiscovery)
	case stateVconnSwapInit:
		if pe.flags.vconnOn {
			pe.setState(stateVconnSwapReady)
		}
	case stateSnkDiscovery:
		// PS_RDY with no contract negotiated.
		pe.setState(stateHardResetSend)
	case stateSnkSwapStandby:
	default:
		if pe.powerRole != pdmsg.PowerRoleSink {
			return
		}
		if pe.cur == stateSnkTransition {
			pe.readyHoldoff = pe.now().Add(tSnkReadyHoldoff + pe.jitter())
			pe.log.Info("contract", "role", pe.powerRole, "mv", pe.supplyMV, "ma", pe.currLimitMA)
		}
		pe.setState(stateSnkReady)
		pe.setInputCurrentLimit(pe.currLimitMA, pe.supplyMV)
	}
}

func (pe *PolicyEngine) handleRefusal(wait bool) {
	switch pe.cur {
	case stateDrSwap:
		if wait {
			pe.flags.checkDRRole = true
		}
		pe.setState(pe.readyState())
	case stateVconnSwapSend:
		pe.setState(pe.readyState())
	case stateSrcSwapInit:
		pe.setState(stateSrcReady)
	case stateSnkSwapInit:
		pe.setState(stateSnkReady)
	case stateSnkRequested:
		if wait {
			// Ask again once the source had some time.
			pe.newPowerRequest = true
			pe.prevRequestMV = 0
			pe.setTimeout(tSinkRequest, stateSnkReady)
			return
		}
		if pe.flags.explicitContract {
			pe.setState(stateSnkReady)
		} else {
			pe.setState(stateSnkDiscovery)
		}
	}
}

func (pe *PolicyEngine) handleAccept() {
	switch pe.cur {
	case stateSoftReset:
		pe.vbusNeverLow = false
		pe.executeSoftReset()
	case stateDrSwap:
		pe.drSwap()
		pe.setState(pe.readyState())
	case stateVconnSwapSend:
		pe.setState(stateVconnSwapInit)
	case stateSrcSwapInit:
		pe.setExplicitContract(false)
		pe.setState(stateSrcSwapSnkDisable)
	case stateSnkSwapInit:
		pe.setExplicitContract(false)
		pe.setState(stateSnkSwapSnkDisable)
	case stateSnkRequested:
		pe.currLimitMA = pe.reqMA
		pe.supplyMV = pe.reqMV
		pe.prevRequestMV = pe.reqMV
		pe.setExplicitContract(true)
		pe.setState(stateSnkTransition)
	}
}

func (pe *PolicyEngine) drSwap() {
	pe.setDataRole(1 - pe.dataRole)
	pe.flags.checkIdentity = true
	pe.saveFlags()
	pe.log.Info("data role swapped", "data_role", pe.dataRole)
}

// sendRequest evaluates the source capabilities and requests the selected
// profile. Unless always is set, nothing is sent when the selected voltage
// is the one last requested.
func (pe *PolicyEngine) sendRequest(ctx context.Context, always bool) error {
	pe.newPowerRequest = false
	sel, err := pe.policy.EvaluateCapabilities(pe.srcCaps, pe.maxRequestMV)
	if err != nil {
		return err
	}
	if !always && sel.VoltageMV == pe.prevRequestMV {
		return nil
	}
	pe.reqMA, pe.reqMV = sel.CurrentMA, sel.VoltageMV
	pe.log.Debug("requesting", "position", sel.RDO.SelectedObjectPosition(), "mv", sel.VoltageMV, "ma", sel.CurrentMA,
		"mismatch", sel.RDO.CapabilityMismatch())
	err = pe.prl.SendData(ctx, pdmsg.SOPDefault, pdmsg.TypeRequest, []uint32{uint32(sel.RDO)}, tcprl.AMSResponse)
	pe.txFault(err)
	if err != nil {
		return err
	}
	pe.setState(stateSnkRequested)
	return nil
}
