package tcpe

import (
	"context"
	"time"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcvdm"
)

// Protocol timers.
const (
	tCCDebounce        = 100 * time.Millisecond
	tPDDebounce        = 15 * time.Millisecond
	tDRPSnk            = 40 * time.Millisecond
	tDRPSrc            = 30 * time.Millisecond
	tDRPTry            = 125 * time.Millisecond
	tTryTimeout        = 550 * time.Millisecond
	tSinkWaitCap       = 600 * time.Millisecond
	tSendSourceCap     = 100 * time.Millisecond
	tNoResponse        = 5500 * time.Millisecond
	tSenderResponse    = 30 * time.Millisecond
	tSinkTransition    = 35 * time.Millisecond
	tPSTransition      = 500 * time.Millisecond
	tPSSourceOff       = 920 * time.Millisecond
	tPSSourceOn        = 480 * time.Millisecond
	tSrcRecover        = 760 * time.Millisecond
	tSrcRecoverMax     = 1000 * time.Millisecond
	tSrcTurnOn         = 275 * time.Millisecond
	tSafe0V            = 650 * time.Millisecond
	tHardResetComplete = 5 * time.Millisecond
	tHardResetRetry    = time.Millisecond
	tPSHardReset       = 25 * time.Millisecond
	tSinkAdj           = 55 * time.Millisecond
	tSinkRequest       = 100 * time.Millisecond
	tErrorRecovery     = 240 * time.Millisecond
	tVconnSourceOn     = 100 * time.Millisecond
	tVconnSwapDelay    = 100 * time.Millisecond
	tSupplyTurnOn      = 250 * time.Millisecond
	tSupplyTurnOff     = 100 * time.Millisecond
	tSnkReadyHoldoff   = 200 * time.Millisecond
	tSrcReadyHoldoff   = 400 * time.Millisecond
	tDRPSinkWindow     = 100 * time.Millisecond
	tDRPSinkCycle      = 200 * time.Millisecond
)

// State identifies a state of the protocol state machine.
type State uint8

// Protocol states.
const (
	Disabled State = iota
	Suspended
	SnkDisconnected
	SnkDisconnectedDebounce
	SnkHardResetRecover
	SnkDiscovery
	SnkRequested
	SnkTransition
	SnkReady
	SnkSwapInit
	SnkSwapSnkDisable
	SnkSwapSrcDisable
	SnkSwapStandby
	SnkSwapComplete
	SrcSwapInit
	SrcSwapSnkDisable
	SrcSwapSrcDisable
	SrcSwapStandby
	SrcDisconnected
	SrcDisconnectedDebounce
	SrcHardResetRecover
	SrcStartup
	SrcDiscovery
	SrcNegotiate
	SrcAccepted
	SrcPowered
	SrcTransition
	SrcReady
	SrcGetSinkCap
	DrSwap
	VconnSwapSend
	VconnSwapInit
	VconnSwapReady
	SoftReset
	HardResetSend
	HardResetExecute
	DrpAutoToggle
	ErrorRecovery
	numStates
)

var stateNames = [numStates]string{
	Disabled:                "disabled",
	Suspended:               "suspended",
	SnkDisconnected:         "snk-disconnected",
	SnkDisconnectedDebounce: "snk-disconnected-debounce",
	SnkHardResetRecover:     "snk-hard-reset-recover",
	SnkDiscovery:            "snk-discovery",
	SnkRequested:            "snk-requested",
	SnkTransition:           "snk-transition",
	SnkReady:                "snk-ready",
	SnkSwapInit:             "snk-swap-init",
	SnkSwapSnkDisable:       "snk-swap-snk-disable",
	SnkSwapSrcDisable:       "snk-swap-src-disable",
	SnkSwapStandby:          "snk-swap-standby",
	SnkSwapComplete:         "snk-swap-complete",
	SrcSwapInit:             "src-swap-init",
	SrcSwapSnkDisable:       "src-swap-snk-disable",
	SrcSwapSrcDisable:       "src-swap-src-disable",
	SrcSwapStandby:          "src-swap-standby",
	SrcDisconnected:         "src-disconnected",
	SrcDisconnectedDebounce: "src-disconnected-debounce",
	SrcHardResetRecover:     "src-hard-reset-recover",
	SrcStartup:              "src-startup",
	SrcDiscovery:            "src-discovery",
	SrcNegotiate:            "src-negotiate",
	SrcAccepted:             "src-accepted",
	SrcPowered:              "src-powered",
	SrcTransition:           "src-transition",
	SrcReady:                "src-ready",
	SrcGetSinkCap:           "src-get-sink-cap",
	DrSwap:                  "dr-swap",
	VconnSwapSend:           "vconn-swap-send",
	VconnSwapInit:           "vconn-swap-init",
	VconnSwapReady:          "vconn-swap-ready",
	SoftReset:               "soft-reset",
	HardResetSend:           "hard-reset-send",
	HardResetExecute:        "hard-reset-execute",
	DrpAutoToggle:           "drp-auto-toggle",
	ErrorRecovery:           "error-recovery",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return "?"
}

// state represents a policy engine state.
type state struct {
	id   State
	Name string

	// Enter runs once when the state is entered, on the tick following the
	// transition. If it returns a non-nil next state, the engine transitions
	// to it and Process is skipped.
	Enter func(ctx context.Context, pe *PolicyEngine) (next *state, err error)

	// Process runs on every tick spent in the state, including the tick it
	// was entered on. incoming tells whether a message was handled during
	// the tick.
	Process func(ctx context.Context, pe *PolicyEngine, incoming bool) (next *state, err error)
}

var (
	stateDisabled                *state
	stateSuspended               *state
	stateSnkDisconnected         *state
	stateSnkDisconnectedDebounce *state
	stateSnkHardResetRecover     *state
	stateSnkDiscovery            *state
	stateSnkRequested            *state
	stateSnkTransition           *state
	stateSnkReady                *state
	stateSnkSwapInit             *state
	stateSnkSwapSnkDisable       *state
	stateSnkSwapSrcDisable       *state
	stateSnkSwapStandby          *state
	stateSnkSwapComplete         *state
	stateSrcSwapInit             *state
	stateSrcSwapSnkDisable       *state
	stateSrcSwapSrcDisable       *state
	stateSrcSwapStandby          *state
	stateSrcDisconnected         *state
	stateSrcDisconnectedDebounce *state
	stateSrcHardResetRecover     *state
	stateSrcStartup              *state
	stateSrcDiscovery            *state
	stateSrcNegotiate            *state
	stateSrcAccepted             *state
	stateSrcPowered              *state
	stateSrcTransition           *state
	stateSrcReady                *state
	stateSrcGetSinkCap           *state
	stateDrSwap                  *state
	stateVconnSwapSend           *state
	stateVconnSwapInit           *state
	stateVconnSwapReady          *state
	stateSoftReset               *state
	stateHardResetSend           *state
	stateHardResetExecute        *state
	stateDrpAutoToggle           *state
	stateErrorRecovery           *state

	states [numStates]*state
)

func newState(id State) *state {
	s := &state{id: id, Name: id.String()}
	states[id] = s
	return s
}

func init() {

	// Initializing is done here to avoid circular references between states
	// which are not allowed at the package level variable assignments.

	stateDisabled = newState(Disabled)
	stateDisabled.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		return nil, pe.release()
	}

	// Suspended releases the port until Resume is requested.
	stateSuspended = newState(Suspended)
	stateSuspended.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.log.Info("port suspended")
		return nil, pe.release()
	}

	// Sink side attach.

	stateSnkDisconnected = newState(SnkDisconnected)
	stateSnkDisconnected.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		pe.poll = pollDisconnected
		cc1, cc2, err := pe.pc.CC()
		if err != nil {
			return nil, err
		}
		if pe.caps.AutoToggle && !pe.autoToggled && !pe.flags.trySrc &&
			ccIsOpen(cc1, cc2) && pe.drp == DualRoleToggleOn {
			return stateDrpAutoToggle, nil
		}
		now := pe.now()
		if !ccIsOpen(cc1, cc2) {
			pe.ccState = ccNone
			pe.hardResetCount = 0
			pe.debounce = now.Add(tCCDebounce)
			return stateSnkDisconnectedDebounce, nil
		}
		if pe.flags.trySrc {
			if now.After(pe.trySrcMarker) {
				pe.flags.trySrc = false
			}
			return nil, nil
		}
		if pe.drp == DualRoleToggleOn && !now.Before(pe.nextRoleSwap) {
			pe.setPowerRole(pdmsg.PowerRoleSource)
			pe.setState(stateSrcDisconnected)
			pe.nextRoleSwap = now.Add(tDRPSrc)
			return nil, pe.pc.SetCC(typec.CCPullRp)
		}
		return nil, nil
	}

	stateSnkDisconnectedDebounce = newState(SnkDisconnectedDebounce)
	stateSnkDisconnectedDebounce.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		cc1, cc2, err := pe.pc.CC()
		if err != nil {
			return nil, err
		}
		var cs ccState
		switch {
		case cc1.IsRp() && cc2.IsRp():
			cs = ccDFPDebug
		case cc1.IsRp() || cc2.IsRp():
			cs = ccDFPAttached
		default:
			pe.poll = pollDetach
			return stateSnkDisconnected, nil
		}
		pe.poll = pollDebounce
		now := pe.now()
		if cs != pe.ccState {
			pe.debounce = now.Add(tCCDebounce)
			pe.ccState = cs
			return nil, nil
		}
		if now.Before(pe.debounce) || !pe.vbus() {
			return nil, nil
		}
		if pe.trySrcEnabled && !pe.flags.trySrc {
			pe.trySrcMarker = now.Add(tDRPTry)
			pe.tryTimeout = now.Add(tTryTimeout)
			pe.setPowerRole(pdmsg.PowerRoleSource)
			err := pe.pc.SetCC(typec.CCPullRp)
			pe.setState(stateSrcDisconnected)
			pe.flags.trySrc = true
			pe.poll = pollDetach
			return nil, err
		}

		pe.polarity = sinkPolarity(cc1, cc2)
		if err := pe.pc.SetPolarity(pe.polarity); err != nil {
			return nil, err
		}
		pe.prl.ResetTxID(pdmsg.SOPDefault)
		pe.setDataRole(pdmsg.DataRoleUFP)
		pe.typecCurrMA, _ = TypeCCurrentLimit(pe.polarity, cc1, cc2)
		if err := pe.prl.SetRxEnable(true); err != nil {
			return nil, err
		}
		pe.flags.checkPRRole = true
		pe.flags.checkDRRole = true
		pe.flags.checkIdentity = true
		if cs == ccDFPDebug {
			pe.flags.tsDTS = true
		}
		pe.newSession()
		pe.log.Info("attached", "role", pe.powerRole, "polarity", pe.polarity, "typec_ma", pe.typecCurrMA)
		pe.poll = pollTimeout
		return stateSnkDiscovery, nil
	}

	stateSnkHardResetRecover = newState(SnkHardResetRecover)
	stateSnkHardResetRecover.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.flags.checkIdentity = true
		pe.vbusOff = false
		if pe.caps.NoVBusSense {
			// Longest the source may take to cut VBUS and bring it back.
			pe.setTimeout(tSafe0V+tSrcRecoverMax+tSrcTurnOn, stateSnkDisconnected)
			return nil, pe.prl.SetRxEnable(true)
		}
		if pe.hardResetCount < hardResetCount {
			pe.setTimeout(tSafe0V, stateHardResetSend)
		} else {
			pe.setTimeout(tSafe0V, stateSnkDiscovery)
		}
		return nil, nil
	}
	stateSnkHardResetRecover.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		if pe.caps.NoVBusSense {
			return nil, nil
		}
		vbus := pe.vbus()
		if !vbus && !pe.vbusOff {
			pe.vbusOff = true
			pe.setTimeout(tSrcRecoverMax+tSrcTurnOn, stateSnkDisconnected)
		}
		if vbus && pe.vbusOff {
			pe.poll = pollTimeout
			return stateSnkDiscovery, pe.prl.SetRxEnable(true)
		}
		return nil, nil
	}

	stateSnkDiscovery = newState(SnkDiscovery)
	stateSnkDiscovery.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if pe.last == stateSnkHardResetRecover {
			if err := pe.prl.SetRxEnable(true); err != nil {
				return nil, err
			}
		}
		pe.flags.snkWaitingBatt = pe.caps.ResetMinSOC > 0 && pe.soc < pe.caps.ResetMinSOC
		switch {
		case pe.flags.snkWaitingBatt:
			pe.log.Info("battery low, holding reset timer", "soc", pe.soc)
		case pe.vbusNeverLow:
			pe.setTimeout(tSinkWaitCap, stateSoftReset)
		case pe.hardResetCount < hardResetCount:
			pe.setTimeout(tSinkWaitCap, stateHardResetSend)
		case pe.flags.previousPDConn:
			pe.setTimeout(tNoResponse, stateSnkDisconnected)
		}
		if pe.last != stateSnkDisconnectedDebounce {
			pe.typecCurrMA = 0
		}
		return nil, nil
	}
	stateSnkDiscovery.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		if pe.getSrcCap && pe.prl.RxEnabled() {
			pe.getSrcCap = false
			pe.sendControl(ctx, pdmsg.TypeGetSourceCap)
		}

		// The advertised Type-C current must read the same twice in a row
		// before it is taken.
		pe.poll = tSinkAdj - tPDDebounce
		cc1, cc2, err := pe.pc.CC()
		if err != nil {
			return nil, err
		}
		if ma, _ := TypeCCurrentLimit(pe.polarity, cc1, cc2); ma != pe.typecCurrMA {
			if pe.typecChange {
				pe.typecCurrMA = ma
			} else {
				pe.poll = tPDDebounce
			}
			pe.typecChange = !pe.typecChange
		} else {
			pe.typecChange = false
		}
		return nil, nil
	}

	stateSnkRequested = newState(SnkRequested)
	stateSnkRequested.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.flags.checkVconnState = true
		pe.hardResetCount = 0
		pe.setTimeout(tSenderResponse, stateHardResetSend)
		return nil, nil
	}

	stateSnkTransition = newState(SnkTransition)
	stateSnkTransition.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.setTimeout(tPSTransition, stateHardResetSend)
		return nil, nil
	}

	stateSnkReady = newState(SnkReady)
	stateSnkReady.Process = func(ctx context.Context, pe *PolicyEngine, incoming bool) (*state, error) {
		pe.poll = pollSnkReady
		if !pe.now().After(pe.readyHoldoff) {
			return nil, nil
		}
		if incoming || pe.vdm.State() == tcvdm.Busy {
			return nil, nil
		}
		if pe.newPowerRequest {
			if err := pe.sendRequest(ctx, false); err != nil {
				return stateSoftReset, nil
			}
			return nil, nil
		}
		if pe.flags.checkPRRole {
			next := pe.checkPRRole()
			pe.flags.checkPRRole = false
			return next, nil
		}
		if pe.flags.checkDRRole {
			pe.flags.checkDRRole = false
			return nil, nil
		}
		if pe.flags.checkVconnState {
			pe.flags.checkVconnState = false
			return nil, nil
		}
		if pe.dataRole == pdmsg.DataRoleDFP && pe.flags.checkIdentity {
			pe.queueDiscoverIdentity()
			return nil, nil
		}
		pe.poll = pollSnkIdle
		return nil, nil
	}

	// Sink to source power role swap.

	stateSnkSwapInit = newState(SnkSwapInit)
	stateSnkSwapInit.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if err := pe.sendControl(ctx, pdmsg.TypePRSwap); err != nil {
			pe.poll = pollTimeout
			return swapFailed(err, stateSnkReady), nil
		}
		pe.setTimeout(tSenderResponse, stateSnkReady)
		return nil, nil
	}

	stateSnkSwapSnkDisable = newState(SnkSwapSnkDisable)
	stateSnkSwapSnkDisable.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.setInputCurrentLimit(0, 0)
		pe.poll = pollTimeout
		return stateSnkSwapSrcDisable, nil
	}

	stateSnkSwapSrcDisable = newState(SnkSwapSrcDisable)
	stateSnkSwapSrcDisable.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.setTimeout(tPSSourceOff, stateHardResetSend)
		return nil, nil
	}

	stateSnkSwapStandby = newState(SnkSwapStandby)
	stateSnkSwapStandby.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if err := pe.pc.SetCC(typec.CCPullRp); err != nil {
			return nil, err
		}
		if err := pe.psu().Ready(); err != nil {
			pe.log.Warn("power supply not ready for power role swap", "error", err)
			pe.poll = pollTimeout
			return stateSnkDisconnected, pe.pc.SetCC(typec.CCPullRd)
		}
		pe.setTimeout(tSupplyTurnOn, stateSnkSwapComplete)
		return nil, nil
	}

	stateSnkSwapComplete = newState(SnkSwapComplete)
	stateSnkSwapComplete.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.poll = pollTimeout
		if err := pe.sendControl(ctx, pdmsg.TypePSReady); err != nil {
			pe.psu().Reset()
			return stateSnkDisconnected, pe.pc.SetCC(typec.CCPullRd)
		}
		pe.snkCapCount = snkCapRetries + 1
		pe.capsCount = 0
		pe.prl.ResetTxID(pdmsg.SOPDefault)
		pe.setPowerRole(pdmsg.PowerRoleSource)
		pe.updateRoles()
		pe.log.Info("power role swapped", "role", pe.powerRole)
		return stateSrcDiscovery, nil
	}

	// Source to sink power role swap.

	stateSrcSwapInit = newState(SrcSwapInit)
	stateSrcSwapInit.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if err := pe.sendControl(ctx, pdmsg.TypePRSwap); err != nil {
			pe.poll = pollTimeout
			return swapFailed(err, stateSrcReady), nil
		}
		pe.setTimeout(tSenderResponse, stateSrcReady)
		return nil, nil
	}

	stateSrcSwapSnkDisable = newState(SrcSwapSnkDisable)
	stateSrcSwapSnkDisable.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.setTimeout(tSinkTransition, stateSrcSwapSrcDisable)
		return nil, nil
	}

	stateSrcSwapSrcDisable = newState(SrcSwapSrcDisable)
	stateSrcSwapSrcDisable.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.psu().Reset()
		pe.sourcingMV, pe.sourcingMA = 0, 0
		if err := pe.pc.SetCC(typec.CCPullRd); err != nil {
			return nil, err
		}
		pe.setPowerRole(pdmsg.PowerRoleSink)
		pe.updateRoles()
		pe.setTimeout(tSupplyTurnOff, stateSrcSwapStandby)
		return nil, nil
	}

	stateSrcSwapStandby = newState(SrcSwapStandby)
	stateSrcSwapStandby.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if err := pe.sendControl(ctx, pdmsg.TypePSReady); err != nil {
			pe.poll = pollTimeout
			return stateSrcDisconnected, nil
		}
		pe.setTimeout(tPSSourceOn, stateSnkDisconnected)
		return nil, nil
	}

	// Source side attach.

	stateSrcDisconnected = newState(SrcDisconnected)
	stateSrcDisconnected.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		pe.poll = pollDisconnected
		cc1, cc2, err := pe.pc.CC()
		if err != nil {
			return nil, err
		}
		if pe.caps.AutoToggle && !pe.autoToggled && !pe.flags.trySrc && ccIsOpen(cc1, cc2) {
			return stateDrpAutoToggle, nil
		}
		if (pe.flags.trySrc && ccIsOnlyOneRd(cc1, cc2)) ||
			(!pe.flags.trySrc && (ccIsAtLeastOneRd(cc1, cc2) || ccIsAudioAcc(cc1, cc2))) {
			pe.ccState = ccNone
			return stateSrcDisconnectedDebounce, nil
		}
		now := pe.now()
		if pe.flags.trySrc {
			if now.Before(pe.trySrcMarker) {
				return nil, nil
			}
			if now.Before(pe.tryTimeout) && pe.vbus() {
				return nil, nil
			}
			pe.setState(stateSnkDisconnected)
			pe.setPowerRole(pdmsg.PowerRoleSink)
			pe.trySrcMarker = now.Add(tPDDebounce)
			pe.poll = pollDetach
			return nil, pe.pc.SetCC(typec.CCPullRd)
		}
		stay := pe.drp == DualRoleForceSource || pe.drp == DualRoleFreeze ||
			(pe.drp == DualRoleToggleOff && pe.caps.DefaultRole == pdmsg.PowerRoleSource)
		if now.Before(pe.nextRoleSwap) || stay {
			return nil, nil
		}
		pe.setState(stateSnkDisconnected)
		pe.setPowerRole(pdmsg.PowerRoleSink)
		pe.nextRoleSwap = now.Add(tDRPSnk)
		pe.poll = pollDetach
		return nil, pe.pc.SetCC(typec.CCPullRd)
	}

	stateSrcDisconnectedDebounce = newState(SrcDisconnectedDebounce)
	stateSrcDisconnectedDebounce.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		pe.poll = pollDebounce
		cc1, cc2, err := pe.pc.CC()
		if err != nil {
			return nil, err
		}
		var cs ccState
		switch {
		case ccIsSnkDebugAcc(cc1, cc2):
			cs = ccUFPDebug
		case ccIsAtLeastOneRd(cc1, cc2):
			cs = ccUFPAttached
		case ccIsAudioAcc(cc1, cc2):
			cs = ccUFPAudio
		default:
			pe.poll = pollDetach
			return stateSrcDisconnected, nil
		}
		now := pe.now()
		if cs != pe.ccState {
			if pe.flags.trySrc {
				pe.debounce = now.Add(tPDDebounce)
			} else {
				pe.debounce = now.Add(tCCDebounce)
			}
			pe.ccState = cs
			return nil, nil
		}
		if now.Before(pe.debounce) || cs == ccUFPAudio {
			return nil, nil
		}

		debug := cs == ccUFPDebug
		if debug {
			pe.polarity = typec.PolarityCC1
		} else {
			pe.polarity = sourcePolarity(cc1, cc2)
		}
		if err := pe.pc.SetPolarity(pe.polarity); err != nil {
			return nil, err
		}
		pe.setDataRole(pdmsg.DataRoleDFP)
		if debug {
			pe.flags.tsDTS = true
		} else {
			pe.setVconn(true)
			pe.setVconnRole(true)
		}
		if err := pe.psu().Ready(); err != nil {
			pe.log.Warn("power supply not ready", "error", err)
			if !debug {
				pe.setVconn(false)
				pe.setVconnRole(false)
			}
			return nil, nil
		}
		if err := pe.pc.SetCC(typec.CCPullRp); err != nil {
			return nil, err
		}
		if err := pe.prl.SetRxEnable(true); err != nil {
			return nil, err
		}
		pe.flags.checkPRRole = true
		pe.flags.checkDRRole = true
		pe.hardResetCount = 0
		pe.newSession()
		pe.log.Info("attached", "role", pe.powerRole, "polarity", pe.polarity, "debug", debug)
		pe.poll = pollDetach
		return stateSrcStartup, nil
	}

	// SrcHardResetRecover first waits for srcOffAt and cuts VBUS and VCONN,
	// then waits for srcRecover before powering up again. vbusOff marks the
	// end of the first step.
	stateSrcHardResetRecover = newState(SrcHardResetRecover)
	stateSrcHardResetRecover.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		if !pe.vbusOff {
			if d := pe.srcOffAt.Sub(pe.now()); d > 0 {
				pe.poll = d
				return nil, nil
			}
			pe.psu().Reset()
			pe.sourcingMV, pe.sourcingMA = 0, 0
			pe.setVconn(false)
			pe.vbusOff = true
			pe.srcRecover = pe.now().Add(tSrcRecover)
		}
		if d := pe.srcRecover.Sub(pe.now()); d > 0 {
			pe.poll = min(d, 50*time.Millisecond)
			return nil, nil
		}
		pe.setVconn(true)
		pe.setVconnRole(true)
		pe.poll = pollTimeout
		if err := pe.psu().Ready(); err != nil {
			pe.log.Warn("power supply not ready after hard reset", "error", err)
			return stateSrcDisconnected, nil
		}
		return stateSrcStartup, pe.prl.SetRxEnable(true)
	}

	// Source side negotiation.

	stateSrcStartup = newState(SrcStartup)
	stateSrcStartup.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.flags.checkIdentity = true
		pe.capsCount = 0
		pe.snkCapCount = 0
		pe.prl.ResetTxID(pdmsg.SOPDefault)
		pe.setTimeout(tSupplyTurnOn, stateSrcDiscovery)
		return nil, nil
	}

	stateSrcDiscovery = newState(SrcDiscovery)
	stateSrcDiscovery.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.capsCount = 0
		pe.nextSrcCap = pe.now()
		if pe.flags.previousPDConn {
			if pe.hardResetCount < hardResetCount {
				pe.setTimeout(tNoResponse, stateHardResetSend)
			} else {
				pe.setTimeout(tNoResponse, stateSrcDisconnected)
			}
		}
		return nil, nil
	}
	stateSrcDiscovery.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		now := pe.now()
		if pe.capsCount >= capsCount {
			return nil, nil
		}
		if now.Before(pe.nextSrcCap) {
			pe.poll = pe.nextSrcCap.Sub(now)
			return nil, nil
		}
		if err := pe.sendSourceCaps(ctx, true); err == nil {
			pe.hardResetCount = 0
			pe.capsCount = 0
			pe.flags.previousPDConn = true
			pe.poll = pollTimeout
			return stateSrcNegotiate, nil
		}
		pe.prl.InvalidateRx(pdmsg.SOPDefault)
		pe.poll = tSendSourceCap
		pe.nextSrcCap = now.Add(tSendSourceCap)
		return nil, nil
	}

	stateSrcNegotiate = newState(SrcNegotiate)
	stateSrcNegotiate.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.setTimeout(tSenderResponse, stateHardResetSend)
		return nil, nil
	}

	stateSrcAccepted = newState(SrcAccepted)
	stateSrcAccepted.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.setTimeout(tSinkTransition, stateSrcPowered)
		return nil, nil
	}

	stateSrcPowered = newState(SrcPowered)
	stateSrcPowered.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.flags.checkVconnState = true
		pe.transitionVoltage(pe.requestedPos)
		pe.setTimeout(tSupplyTurnOn, stateSrcTransition)
		return nil, nil
	}

	stateSrcTransition = newState(SrcTransition)
	stateSrcTransition.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if err := pe.sendControl(ctx, pdmsg.TypePSReady); err != nil {
			return stateSrcDisconnected, nil
		}
		pe.poll = pollTimeout
		pe.readyHoldoff = pe.now().Add(tSrcReadyHoldoff + pe.jitter())
		pe.log.Info("contract", "role", pe.powerRole, "mv", pe.sourcingMV, "ma", pe.sourcingMA)
		return stateSrcReady, nil
	}

	stateSrcReady = newState(SrcReady)
	stateSrcReady.Process = func(ctx context.Context, pe *PolicyEngine, incoming bool) (*state, error) {
		pe.poll = pollSrcReady
		if !pe.now().After(pe.readyHoldoff) {
			return nil, nil
		}
		if incoming || pe.vdm.State() == tcvdm.Busy {
			return nil, nil
		}
		if pe.flags.updateSrcCaps {
			if err := pe.sendSourceCaps(ctx, true); err == nil {
				pe.flags.updateSrcCaps = false
				return stateSrcNegotiate, nil
			}
			return nil, nil
		}
		if !pe.flags.snkCapReceived {
			pe.snkCapCount++
			if pe.snkCapCount <= snkCapRetries {
				pe.sendControl(ctx, pdmsg.TypeGetSinkCap)
				return stateSrcGetSinkCap, nil
			}
			if pe.snkCapCount == snkCapRetries+1 {
				pe.log.Debug("no sink capabilities from partner")
			}
		}
		if pe.flags.checkPRRole {
			next := pe.checkPRRole()
			pe.flags.checkPRRole = false
			if next != nil {
				return next, nil
			}
		}
		if pe.flags.checkDRRole {
			pe.flags.checkDRRole = false
			return nil, nil
		}
		if pe.flags.checkVconnState {
			pe.flags.checkVconnState = false
			return nil, nil
		}
		if pe.dataRole == pdmsg.DataRoleDFP && pe.flags.checkIdentity {
			pe.queueDiscoverIdentity()
			return nil, nil
		}
		if !pe.caps.Ping {
			return nil, nil
		}
		if err := pe.sendControl(ctx, pdmsg.TypePing); err != nil {
			pe.poll = pollTimeout
			return stateSoftReset, nil
		}
		return nil, nil
	}

	stateSrcGetSinkCap = newState(SrcGetSinkCap)
	stateSrcGetSinkCap.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.setTimeout(tSenderResponse, stateSrcReady)
		return nil, nil
	}

	// Data role and VCONN swaps.

	stateDrSwap = newState(DrSwap)
	stateDrSwap.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if err := pe.sendControl(ctx, pdmsg.TypeDRSwap); err != nil {
			pe.poll = pollTimeout
			return swapFailed(err, pe.readyState()), nil
		}
		pe.setTimeout(tSenderResponse, pe.readyState())
		return nil, nil
	}

	stateVconnSwapSend = newState(VconnSwapSend)
	stateVconnSwapSend.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if err := pe.sendControl(ctx, pdmsg.TypeVconnSwap); err != nil {
			pe.poll = pollTimeout
			return swapFailed(err, pe.readyState()), nil
		}
		pe.setTimeout(tSenderResponse, pe.readyState())
		return nil, nil
	}

	stateVconnSwapInit = newState(VconnSwapInit)
	stateVconnSwapInit.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if !pe.flags.vconnOn {
			pe.setVconn(true)
			pe.setTimeout(tVconnSwapDelay, stateVconnSwapReady)
		} else {
			pe.setTimeout(tVconnSourceOn, pe.readyState())
		}
		return nil, nil
	}

	stateVconnSwapReady = newState(VconnSwapReady)
	stateVconnSwapReady.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if !pe.flags.vconnOn {
			pe.setVconnRole(true)
			if err := pe.sendControl(ctx, pdmsg.TypePSReady); err != nil {
				pe.poll = pollTimeout
				return stateSoftReset, nil
			}
			return pe.readyState(), nil
		}
		pe.setVconn(false)
		pe.setVconnRole(false)
		pe.setTimeout(tVconnSwapDelay, pe.readyState())
		return nil, nil
	}

	// Resets.

	stateSoftReset = newState(SoftReset)
	stateSoftReset.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.prl.InvalidateRx(pdmsg.SOPDefault)
		pe.prl.ResetTxID(pdmsg.SOPDefault)
		if err := pe.sendControl(ctx, pdmsg.TypeSoftReset); err != nil {
			pe.poll = pollDetach
			return stateHardResetSend, nil
		}
		pe.setTimeout(tSenderResponse, stateHardResetSend)
		return nil, nil
	}

	stateHardResetSend = newState(HardResetSend)
	stateHardResetSend.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.hardResetCount++
		pe.hardResetSent = false
		pe.hardResetStart = time.Time{}
		if pe.last == stateSnkDiscovery || (pe.last == stateSoftReset && pe.vbusNeverLow) {
			pe.vbusNeverLow = false
		}
		pe.log.Warn("sending hard reset", "count", pe.hardResetCount, "from", pe.last.name())
		return nil, nil
	}
	stateHardResetSend.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		if pe.hardResetSent {
			return nil, nil
		}
		if err := pe.prl.SendHardReset(ctx); err != nil {
			pe.txFault(err)
			now := pe.now()
			if pe.hardResetStart.IsZero() {
				pe.hardResetStart = now.Add(tHardResetComplete)
				pe.poll = tHardResetRetry
				return nil, nil
			}
			if now.Before(pe.hardResetStart) {
				pe.poll = tHardResetRetry
				return nil, nil
			}
			// The channel never cleared: carry on as if it was sent.
		}
		pe.hardResetSent = true
		if pe.powerRole == pdmsg.PowerRoleSource {
			pe.setTimeout(tPSHardReset, stateHardResetExecute)
			return nil, nil
		}
		pe.poll = pollTimeout
		return stateHardResetExecute, nil
	}

	stateHardResetExecute = newState(HardResetExecute)
	stateHardResetExecute.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		if pe.last == stateSnkSwapStandby {
			if err := pe.pc.SetCC(typec.CCPullRd); err != nil {
				return nil, err
			}
		}
		pe.executeHardReset(ctx, false)
		pe.poll = pollTimeout
		return nil, nil
	}

	// ErrorRecovery releases the port for tErrorRecovery and then comes
	// back unattached in the current power role.
	stateErrorRecovery = newState(ErrorRecovery)
	stateErrorRecovery.Enter = func(ctx context.Context, pe *PolicyEngine) (*state, error) {
		pe.recoverEnd = pe.now().Add(tErrorRecovery)
		return nil, pe.release()
	}
	stateErrorRecovery.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		if d := pe.recoverEnd.Sub(pe.now()); d > 0 {
			pe.poll = d
			return nil, nil
		}
		pe.poll = pollDetach
		if pe.powerRole == pdmsg.PowerRoleSink {
			return stateSnkDisconnected, pe.pc.SetCC(typec.CCPullRd)
		}
		return stateSrcDisconnected, pe.pc.SetCC(typec.CCPullRp)
	}

	// DrpAutoToggle idles while nothing is attached, alternating the pull
	// until a partner shows up.
	stateDrpAutoToggle = newState(DrpAutoToggle)
	stateDrpAutoToggle.Process = func(ctx context.Context, pe *PolicyEngine, _ bool) (*state, error) {
		pe.poll = pollDisconnected
		cc1, cc2, err := pe.pc.CC()
		if err != nil {
			return nil, err
		}
		now := pe.now()
		next := pe.drpNextState(now, cc1, cc2)
		if next == drpDefault {
			if pe.caps.DefaultRole == pdmsg.PowerRoleSource {
				next = drpUnattachedSrc
			} else {
				next = drpUnattachedSnk
			}
		}
		switch next {
		case drpUnattachedSnk:
			pe.polarity = sinkPolarity(cc1, cc2)
			if err := pe.pc.SetCC(typec.CCPullRd); err != nil {
				return nil, err
			}
			pe.setPowerRole(pdmsg.PowerRoleSink)
			pe.poll = 2 * time.Millisecond
			return stateSnkDisconnected, nil
		case drpUnattachedSrc:
			pe.polarity = sourcePolarity(cc1, cc2)
			if err := pe.pc.SetCC(typec.CCPullRp); err != nil {
				return nil, err
			}
			pe.setPowerRole(pdmsg.PowerRoleSource)
			pe.poll = 2 * time.Millisecond
			return stateSrcDisconnected, nil
		}
		pe.autoToggled = true
		if now.Before(pe.nextRoleSwap) {
			return nil, nil
		}
		pe.togglePull = !pe.togglePull
		if pe.togglePull {
			pe.nextRoleSwap = now.Add(tDRPSrc)
			return nil, pe.pc.SetCC(typec.CCPullRp)
		}
		pe.nextRoleSwap = now.Add(tDRPSnk)
		return nil, pe.pc.SetCC(typec.CCPullRd)
	}
}

func (s *state) name() string {
	if s == nil {
		return "none"
	}
	return s.Name
}
