package tcpe

import (
	"context"
	"slices"
	"time"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
)

// Status is a snapshot of the port published at the end of every tick.
type Status struct {
	State     State
	Connected bool
	Parked    bool

	PowerRole pdmsg.PowerRole
	DataRole  pdmsg.DataRole
	Polarity  typec.Polarity
	Revision  pdmsg.Revision
	DualRole  DualRole
	VconnOn   bool

	ExplicitContract bool
	PreviousPD       bool

	// SourceCaps are the capabilities last received from the partner as
	// sink. Nil when the partner is not a PD source.
	SourceCaps []pdmsg.PDO

	// Sink side: what may be drawn from VBUS under the current contract,
	// and the Type-C current advertised by the source's Rp.
	AvailableCurrentMA uint32
	AvailableVoltageMV uint32
	TypeCCurrentMA     uint32

	// Source side: what is supplied under the current contract.
	SourcingMV uint32
	SourcingMA uint32

	// VBusMV is the measured VBUS voltage, if the port controller can
	// measure it. Otherwise it is 5000 when VBUS is present.
	VBus   bool
	VBusMV uint32

	SOC        uint8
	HardResets int

	AttachedAt time.Time
	LastPDAt   time.Time
}

// IsPDSource returns true if the partner sent source capabilities since
// attaching.
func (s Status) IsPDSource() bool { return s.Connected && len(s.SourceCaps) > 0 }

func (pe *PolicyEngine) publish() {
	st := Status{
		State:              pe.cur.id,
		Connected:          pe.isConnected(),
		Parked:             pe.parked,
		PowerRole:          pe.powerRole,
		DataRole:           pe.dataRole,
		Polarity:           pe.polarity,
		Revision:           pe.prl.Revision(),
		DualRole:           pe.drp,
		VconnOn:            pe.flags.vconnOn,
		ExplicitContract:   pe.flags.explicitContract,
		PreviousPD:         pe.flags.previousPDConn,
		SourceCaps:         pe.status.SourceCaps,
		AvailableCurrentMA: pe.availMA,
		AvailableVoltageMV: pe.availMV,
		TypeCCurrentMA:     pe.typecCurrMA,
		SourcingMV:         pe.sourcingMV,
		SourcingMA:         pe.sourcingMA,
		VBus:               pe.vbusPresent,
		SOC:                pe.soc,
		HardResets:         pe.hardResetCount,
		AttachedAt:         pe.attachedAt,
		LastPDAt:           pe.lastPDAt,
	}
	// Published slices are never modified, only replaced.
	if !slices.Equal(st.SourceCaps, pe.srcCaps) {
		st.SourceCaps = slices.Clone(pe.srcCaps)
	}
	if st.Connected {
		st.VBusMV = pe.vbusMV()
	}

	pe.mu.Lock()
	pe.status = st
	pe.mu.Unlock()
}

func (pe *PolicyEngine) vbusMV() uint32 {
	if m, ok := pe.pc.(typec.VBusMeter); ok {
		mv, err := m.VBusMV()
		if err == nil {
			return mv
		}
		pe.log.Debug("measure vbus", "error", err)
	}
	if pe.vbusPresent {
		return 5000
	}
	return 0
}

// Status returns the snapshot published by the last tick.
func (pe *PolicyEngine) Status() Status {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.status
}

// State returns the state the port settled in during the last tick.
func (pe *PolicyEngine) State() State { return pe.Status().State }

// AvailableCurrentMA returns how much current may be drawn from VBUS.
func (pe *PolicyEngine) AvailableCurrentMA() uint32 { return pe.Status().AvailableCurrentMA }

// AvailableVoltageMV returns the contract voltage of VBUS as sink.
func (pe *PolicyEngine) AvailableVoltageMV() uint32 { return pe.Status().AvailableVoltageMV }

// IsConnected returns true if a partner is attached.
func (pe *PolicyEngine) IsConnected() bool { return pe.Status().Connected }

// IsPDSource returns true if the attached partner is a PD source.
func (pe *PolicyEngine) IsPDSource() bool { return pe.Status().IsPDSource() }

// IsPreviouslyPDCapable returns true if the partner has spoken PD since it
// attached.
func (pe *PolicyEngine) IsPreviouslyPDCapable() bool { return pe.Status().PreviousPD }

// requests are inputs from other goroutines, applied at the start of the
// next tick.
type requests struct {
	soc    uint8
	socSet bool

	drp    DualRole
	drpSet bool

	srcCaps    []pdmsg.PDO
	srcCapsSet bool

	powerMV  uint32
	powerSet bool

	prSwap    bool
	drSwap    bool
	vconnSwap bool
	suspend   bool
	resume    bool
	disable   bool
	enable    bool
}

func (pe *PolicyEngine) request(f func(r *requests)) {
	pe.mu.Lock()
	f(&pe.req)
	pe.mu.Unlock()
	pe.alerts.Raise(typec.EventWake)
}

// SetBatterySOC reports the battery state of charge in percent. It decides
// whether Try.SRC is used and whether a sink waits for the battery before
// resetting the partner.
func (pe *PolicyEngine) SetBatterySOC(percent uint8) {
	pe.request(func(r *requests) { r.soc, r.socSet = min(percent, 100), true })
}

// RequestPowerSwap asks for a power role swap once the port is ready.
func (pe *PolicyEngine) RequestPowerSwap() {
	pe.request(func(r *requests) { r.prSwap = true })
}

// RequestDataSwap asks for a data role swap once the port is ready.
func (pe *PolicyEngine) RequestDataSwap() {
	pe.request(func(r *requests) { r.drSwap = true })
}

// RequestVconnSwap asks for a VCONN swap once the port is ready.
func (pe *PolicyEngine) RequestVconnSwap() {
	pe.request(func(r *requests) { r.vconnSwap = true })
}

// Suspend releases the port until Resume. The supply, VCONN and the CC
// pulls are turned off and any contract is dropped, so the partner sees a
// detach.
func (pe *PolicyEngine) Suspend() {
	pe.request(func(r *requests) { r.suspend, r.resume = true, false })
}

// Resume restarts a suspended port from its default Disconnected state.
func (pe *PolicyEngine) Resume() {
	pe.request(func(r *requests) { r.resume, r.suspend = true, false })
}

// Disable opens the CC lines and stops the port until Enable.
func (pe *PolicyEngine) Disable() {
	pe.request(func(r *requests) { r.disable, r.enable = true, false })
}

// Enable reinitializes a disabled or parked port.
func (pe *PolicyEngine) Enable() {
	pe.request(func(r *requests) { r.enable, r.disable = true, false })
}

// SetDualRole changes the dual role mode.
func (pe *PolicyEngine) SetDualRole(d DualRole) {
	pe.request(func(r *requests) { r.drp, r.drpSet = d, true })
}

// UpdateSourceCaps replaces the capabilities offered as source. A sink with
// a contract is sent the new list.
func (pe *PolicyEngine) UpdateSourceCaps(pdos []pdmsg.PDO) {
	c := slices.Clone(pdos)
	pe.request(func(r *requests) { r.srcCaps, r.srcCapsSet = c, true })
}

// RequestPower bounds the voltage requested as sink to mv and renegotiates
// if a contract is in place. 0 restores the configured maximum.
func (pe *PolicyEngine) RequestPower(mv uint32) {
	pe.request(func(r *requests) { r.powerMV, r.powerSet = mv, true })
}

func (pe *PolicyEngine) applyRequests(ctx context.Context) {
	pe.mu.Lock()
	r := pe.req
	pe.req = requests{}
	pe.mu.Unlock()

	if r.enable && (pe.parked || pe.cur == stateDisabled) {
		pe.log.Info("enabling port")
		pe.parked = false
		pe.faults = 0
		pe.init(ctx)
	}
	if pe.parked {
		return
	}
	if r.disable {
		pe.log.Info("disabling port")
		pe.setState(stateDisabled)
		return
	}
	if r.socSet {
		pe.soc = r.soc
		pe.trySrcEnabled = pe.trySrcAllowed()
	}
	if r.drpSet && r.drp != pe.drp {
		pe.log.Info("dual role mode", "mode", r.drp)
		pe.drp = r.drp
		pe.updateTrySource()
		pe.updateDualRoleConfig()
	}
	if r.srcCapsSet {
		pe.caps.SourcePDOs = r.srcCaps
		if pe.cur.id >= SrcNegotiate && pe.cur.id <= SrcGetSinkCap {
			pe.flags.updateSrcCaps = true
		}
	}
	if r.powerSet {
		pe.maxRequestMV = r.powerMV
		if pe.maxRequestMV == 0 {
			pe.maxRequestMV = pe.caps.MaxRequestMV
		}
		if pe.cur == stateSnkReady || pe.cur == stateSnkTransition {
			pe.newPowerRequest = true
		}
	}

	if r.suspend && pe.cur != stateSuspended && pe.cur != stateDisabled {
		pe.setState(stateSuspended)
		return
	}
	if r.resume && pe.cur == stateSuspended {
		pe.resume()
		return
	}

	ready := pe.cur == stateSrcReady || pe.cur == stateSnkReady
	switch {
	case r.prSwap && ready:
		if pe.caps.PowerSwap {
			pe.setState(pe.powerSwapState())
		}
	case r.drSwap && ready:
		pe.setState(stateDrSwap)
	case r.vconnSwap && ready:
		if pe.caps.VconnSwap {
			pe.setState(stateVconnSwapSend)
		}
	}
}

func (pe *PolicyEngine) resume() {
	pe.log.Info("port resumed")
	pe.fault(pe.pc.Init())
	pe.prl.ResetIDs()
	pe.fault(pe.pc.SelectRp(pe.caps.Pullup))
	pe.fault(pe.pc.SetCC(pe.defaultPull()))
	pe.setPowerRole(pe.caps.DefaultRole)
	pe.setState(pe.defaultState())
	pe.getSrcCap = true
}
