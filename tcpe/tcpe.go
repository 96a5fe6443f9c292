// Package tcpe provides an implementation of the USB Type-C power delivery
// protocol state machine for dual role ports.
//
// The PolicyEngine owns the port: it detects the partner on the CC lines,
// negotiates a contract as source or sink, keeps it alive and recovers from
// faults with soft and hard resets. It is driven by Run, or step by step by
// Tick, and exposes a snapshot of its state to other goroutines.
package tcpe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcdpm"
	"github.com/lumenlamp/go-typec/tclog"
	"github.com/lumenlamp/go-typec/tcprl"
	"github.com/lumenlamp/go-typec/tcstore"
	"github.com/lumenlamp/go-typec/tcvdm"
)

// Counters.
const (
	hardResetCount    = 2
	capsCount         = 50
	snkCapRetries     = 3
	maxHardwareFaults = 3
)

// Polling intervals.
const (
	pollDefault      = 500 * time.Millisecond
	pollDisconnected = 10 * time.Millisecond
	pollDebounce     = 20 * time.Millisecond
	pollSrcReady     = 45 * time.Millisecond
	pollSnkReady     = 20 * time.Millisecond
	pollSnkIdle      = 200 * time.Millisecond
	pollTimeout      = 10 * time.Millisecond
	pollDetach       = 5 * time.Millisecond
	pollParked       = time.Second
)

// portFlags are cleared together when the port enters a disconnected state.
type portFlags struct {
	explicitContract     bool
	previousPDConn       bool
	partnerDualRolePower bool
	partnerDualRoleData  bool
	partnerUnconstrained bool
	partnerUSBComm       bool
	checkPRRole          bool
	checkDRRole          bool
	checkIdentity        bool
	checkVconnState      bool
	snkCapReceived       bool
	vconnOn              bool
	trySrc               bool
	tsDTS                bool
	snkWaitingBatt       bool
	updateSrcCaps        bool
}

// PolicyEngine is the protocol state machine of one port.
type PolicyEngine struct {
	pc     typec.PortController
	prl    *tcprl.Layer
	alerts *typec.Alerts
	clock  typec.Clock
	log    *slog.Logger
	trace  tclog.Logger
	vdm    *tcvdm.Engine
	policy tcdpm.Policy
	caps   Capabilities

	initialized bool

	cur, last    *state
	timeout      time.Time
	timeoutState *state
	poll         time.Duration

	powerRole pdmsg.PowerRole
	dataRole  pdmsg.DataRole
	polarity  typec.Polarity
	ccState   ccState
	flags     portFlags

	// Not part of the disconnect mask.
	vbusNeverLow    bool
	newPowerRequest bool

	drp           DualRole
	soc           uint8
	trySrcEnabled bool

	autoToggled bool
	togglePull  bool
	vbusPresent bool

	hardResetCount int
	capsCount      int
	snkCapCount    int
	hardResetSent  bool
	hardResetStart time.Time
	vbusOff        bool

	// Sink side contract.
	srcCaps       []pdmsg.PDO
	currLimitMA   uint32
	supplyMV      uint32
	prevRequestMV uint32
	reqMA         uint32 // in flight until Accept
	reqMV         uint32
	maxRequestMV  uint32
	typecCurrMA   uint32
	typecChange   bool
	getSrcCap     bool

	// Input limit last given to the power supply.
	availMA uint32
	availMV uint32

	// Source side contract.
	requestedPos uint8
	requestedRDO pdmsg.RequestDO
	sourcingMV   uint32
	sourcingMA   uint32

	readyHoldoff time.Time
	debounce     time.Time
	trySrcMarker time.Time
	tryTimeout   time.Time
	nextRoleSwap time.Time
	srcOffAt     time.Time
	srcRecover   time.Time
	recoverEnd   time.Time
	vbusDebounce time.Time
	nextSrcCap   time.Time
	drpSinkTime  time.Time
	attachedAt   time.Time
	lastPDAt     time.Time

	faultErr error
	faults   int
	parked   bool

	mu     sync.Mutex
	req    requests
	status Status

	callbacks struct {
		mu             sync.Mutex
		srcCapsHandler SourceCapsHandler
		psu            PowerSupply
		store          tcstore.Store
	}
}

// Option configures a PolicyEngine.
type Option func(*PolicyEngine)

// WithLogger sets the operational logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(pe *PolicyEngine) {
		if l != nil {
			pe.log = l
		}
	}
}

// WithClock sets the time source. The default is the system clock.
func WithClock(c typec.Clock) Option {
	return func(pe *PolicyEngine) { pe.clock = c }
}

// WithTrace sets the logger receiving the protocol trace.
func WithTrace(t tclog.Logger) Option {
	return func(pe *PolicyEngine) {
		if t != nil {
			pe.trace = t
		}
	}
}

// WithAlerts sets the event set an interrupt handler raises to wake Run.
func WithAlerts(a *typec.Alerts) Option {
	return func(pe *PolicyEngine) { pe.alerts = a }
}

// WithPolicy sets the policy choosing what to request from a source. The
// default is tcdpm.DefaultLimits.
func WithPolicy(p tcdpm.Policy) Option {
	return func(pe *PolicyEngine) {
		if p != nil {
			pe.policy = p
		}
	}
}

// New creates a policy engine for the port controller pc with the given
// capabilities.
func New(pc typec.PortController, caps Capabilities, opts ...Option) *PolicyEngine {
	pe := &PolicyEngine{
		pc:           pc,
		clock:        typec.SystemClock{},
		log:          slog.Default(),
		trace:        tclog.NoopLogger{},
		policy:       tcdpm.DefaultLimits,
		caps:         caps,
		drp:          caps.DualRole,
		soc:          100,
		maxRequestMV: caps.MaxRequestMV,
	}
	for _, o := range opts {
		o(pe)
	}
	if pe.alerts == nil {
		pe.alerts = typec.NewAlerts()
	}
	if pe.maxRequestMV == 0 {
		pe.maxRequestMV = tcdpm.DefaultLimits.MaxVoltageMV
	}
	pe.prl = tcprl.New(pc, pe.clock)
	pe.prl.SetTrace(pe.trace)
	pe.vdm = tcvdm.New(caps.Identity)
	pe.powerRole = caps.DefaultRole
	pe.cur = pe.defaultState()
	pe.last = pe.cur
	pe.status.State = pe.cur.id
	return pe
}

// Alerts returns the event set an interrupt handler should raise events on.
func (pe *PolicyEngine) Alerts() *typec.Alerts { return pe.alerts }

// SetSourceCapsHandler sets the handler called with received source
// capabilities. Pass nil to remove the existing handler.
func (pe *PolicyEngine) SetSourceCapsHandler(h SourceCapsHandler) {
	pe.callbacks.mu.Lock()
	pe.callbacks.srcCapsHandler = h
	pe.callbacks.mu.Unlock()
}

// SetPowerSupply sets the power path driven by the engine. Nil disables
// power control.
func (pe *PolicyEngine) SetPowerSupply(p PowerSupply) {
	pe.callbacks.mu.Lock()
	pe.callbacks.psu = p
	pe.callbacks.mu.Unlock()
}

// SetStore sets where the port flags are saved. Nil disables saving. The
// store is read once, on the first tick.
func (pe *PolicyEngine) SetStore(s tcstore.Store) {
	pe.callbacks.mu.Lock()
	pe.callbacks.store = s
	pe.callbacks.mu.Unlock()
}

func (pe *PolicyEngine) notifySourceCaps(pdos []pdmsg.PDO) {
	pe.callbacks.mu.Lock()
	defer pe.callbacks.mu.Unlock()
	if pe.callbacks.srcCapsHandler != nil {
		pe.callbacks.srcCapsHandler.HandleSourceCaps(pdos)
	}
}

func (pe *PolicyEngine) psu() PowerSupply {
	pe.callbacks.mu.Lock()
	defer pe.callbacks.mu.Unlock()
	if pe.callbacks.psu == nil {
		return nopSupply{}
	}
	return pe.callbacks.psu
}

func (pe *PolicyEngine) store() tcstore.Store {
	pe.callbacks.mu.Lock()
	defer pe.callbacks.mu.Unlock()
	return pe.callbacks.store
}

type nopSupply struct{}

func (nopSupply) Ready() error                    { return nil }
func (nopSupply) Transition(uint32, uint32) error { return nil }
func (nopSupply) Reset()                          {}
func (nopSupply) SetInputCurrentLimit(_, _ uint32) {}

// Run starts the event loop of the policy engine. Each iteration runs one
// Tick, then waits for the poll delay it returned or for an alert, whichever
// comes first. Run blocks until ctx is done. Only one call to Run or Tick
// must be in progress at any given time.
func (pe *PolicyEngine) Run(ctx context.Context) {
	for {
		d := pe.Tick(ctx)
		if d <= 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-pe.alerts.Wake():
			t.Stop()
		case <-t.C:
		}
	}
}

// Tick runs one step of the state machine and returns how long to wait
// before the next one, unless woken earlier by an alert.
func (pe *PolicyEngine) Tick(ctx context.Context) time.Duration {
	if !pe.initialized {
		pe.init(ctx)
	}
	pe.faultErr = nil
	pe.poll = pollDefault

	pe.applyRequests(ctx)
	if pe.parked {
		pe.publish()
		return pollParked
	}

	e := pe.alerts.Take()
	ev, err := pe.pc.Alert()
	pe.fault(err)
	e |= ev | pe.prl.TakeEvents()

	pe.txFault(pe.vdm.Tick(pe.now(), pe.isConnected(), pe.vdmReady(), pe.sendVDM(ctx)))

	if e.Has(typec.EventHardResetReceived) {
		pe.log.Warn("hard reset received", "state", pe.cur.Name)
		pe.prl.TraceHardResetRx()
		pe.executeHardReset(ctx, true)
	}
	if e.Has(typec.EventRxOverflow) {
		pe.log.Warn("receive queue overflow")
	}

	incoming := pe.receive(ctx)

	this := pe.cur
	if this != pe.last && this.Enter != nil {
		next, err := this.Enter(ctx, pe)
		pe.fault(err)
		if next != nil {
			pe.setState(next)
		}
	}
	if pe.cur == this && this.Process != nil {
		next, err := this.Process(ctx, pe, incoming)
		pe.fault(err)
		if next != nil {
			pe.setState(next)
		}
	}
	pe.last = this

	if pe.timeoutState != nil {
		now := pe.now()
		if !now.Before(pe.timeout) {
			pe.setState(pe.timeoutState)
			pe.poll = min(pe.poll, pollTimeout)
		} else if d := pe.timeout.Sub(now); d < pe.poll {
			pe.poll = d
		}
	}

	if pe.isConnected() && !pe.isPowerSwapping() {
		pe.checkDisconnect()
	}

	pe.handleFaults()
	pe.publish()
	return pe.poll
}

func (pe *PolicyEngine) now() time.Time { return pe.clock.Now() }

// init brings the port controller and the engine to their initial state.
// With a saved sink contract, the roles are restored and the engine starts
// with a soft reset to resynchronise with the partner.
func (pe *PolicyEngine) init(ctx context.Context) {
	pe.initialized = true
	pe.psu().Reset()
	pe.fault(pe.pc.Init())
	pe.prl.ResetIDs()
	pe.prl.SetRevision(pe.defaultRevision())

	pe.vbusNeverLow = false
	if !pe.caps.NoVBusSense {
		vbus, err := pe.pc.VBus()
		pe.fault(err)
		pe.vbusNeverLow = vbus
	}
	pe.fault(pe.prl.SetRxEnable(false))
	pe.vdm.Reset()

	start := pe.defaultState()
	pe.powerRole = pe.caps.DefaultRole
	if st := pe.store(); st != nil {
		saved, err := st.Load()
		if err != nil {
			pe.log.Warn("load saved port flags", "error", err)
		}
		if saved.ExplicitContract && saved.PowerRole == pdmsg.PowerRoleSink {
			pe.log.Info("restoring sink contract", "data_role", saved.DataRole)
			pe.powerRole = pdmsg.PowerRoleSink
			pe.setRoles(pdmsg.PowerRoleSink, saved.DataRole)
			pe.setVconn(saved.VconnOn)
			pe.flags.checkIdentity = true
			pe.flags.explicitContract = true
			pe.prl.SetExplicitContract(true)
			start = stateSoftReset
		} else if saved.ExplicitContract {
			pe.saveFlags()
		}
	}

	pe.fault(pe.pc.SelectRp(pe.caps.Pullup))
	pe.fault(pe.pc.SetCC(pe.defaultPull()))

	if start == stateSoftReset {
		cc1, cc2, err := pe.pc.CC()
		pe.fault(err)
		pe.polarity = sinkPolarity(cc1, cc2)
		pe.fault(pe.pc.SetPolarity(pe.polarity))
		pe.fault(pe.prl.SetRxEnable(true))
		pe.newSession()
	}
	pe.cur = start
	pe.last = nil
	pe.updateTrySource()
}

func (pe *PolicyEngine) defaultRevision() pdmsg.Revision {
	if pe.caps.Rev30 {
		return pdmsg.Revision30
	}
	return pdmsg.Revision20
}

func (pe *PolicyEngine) defaultState() *state {
	if pe.caps.DefaultRole == pdmsg.PowerRoleSource {
		return stateSrcDisconnected
	}
	return stateSnkDisconnected
}

func (pe *PolicyEngine) defaultPull() typec.CCPull {
	if pe.caps.DefaultRole == pdmsg.PowerRoleSource {
		return typec.CCPullRp
	}
	return typec.CCPullRd
}

// receive dequeues at most one message and handles it. It returns true if a
// new message was handled.
func (pe *PolicyEngine) receive(ctx context.Context) bool {
	sop, m, err := pe.pc.Message()
	if err == typec.ErrRxOverflow {
		sop, m, err = pe.pc.Message()
	}
	if err == typec.ErrRxEmpty {
		return false
	}
	if err != nil {
		pe.fault(err)
		return false
	}
	pe.prl.TraceRx(sop, m)
	if pe.pc.Pending() {
		pe.poll = 0
	}
	if sop != pdmsg.SOPDefault || pe.prl.ConsumeRepeat(sop, m) {
		return false
	}
	pe.handleRequest(ctx, m)
	return true
}

// fault records a port controller error. Any fault during a tick forces a
// hard reset. After maxHardwareFaults consecutive faulted ticks the port is
// parked.
func (pe *PolicyEngine) fault(err error) {
	if err != nil && pe.faultErr == nil {
		pe.faultErr = err
	}
}

// txFault records err as a fault unless it is a protocol level send
// failure, which callers handle themselves.
func (pe *PolicyEngine) txFault(err error) {
	if err != nil && !tcprl.IsTxError(err) {
		pe.fault(err)
	}
}

func (pe *PolicyEngine) handleFaults() {
	if pe.faultErr == nil {
		pe.faults = 0
		return
	}
	pe.faults++
	if pe.faults >= maxHardwareFaults {
		pe.log.Error("port controller failing, parking port", "error", pe.faultErr, "faults", pe.faults)
		pe.traceError("parked", pe.faultErr)
		pe.setState(pe.defaultState())
		_ = pe.pc.SetCC(typec.CCPullOpen)
		pe.parked = true
		return
	}
	pe.log.Warn("port controller fault", "error", pe.faultErr, "state", pe.cur.Name)
	pe.traceError("fault", pe.faultErr)
	pe.setState(stateHardResetSend)
}

func (pe *PolicyEngine) traceError(msg string, err error) {
	pe.trace.Log(tclog.Event{
		Timestamp: pe.now(),
		SessionID: pe.prl.Session(),
		Category:  tclog.CategoryError,
		PowerRole: pe.powerRole,
		Error:     &tclog.ErrorEvent{Message: msg, Context: err.Error()},
	})
}

func (pe *PolicyEngine) newSession() {
	pe.prl.SetSession(tclog.NewSessionID())
	pe.attachedAt = pe.now()
}
