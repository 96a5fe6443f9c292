// Package tcprl implements the power delivery protocol layer: message
// framing, message ID counters, duplicate detection and the bounded wait for
// transmission outcome. Retries beyond those done by the port controller
// hardware are left to the policy engine.
package tcprl

import (
	"context"
	"errors"
	"time"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tclog"
)

// TxTimeout is the longest a send waits for the port controller to report
// the transmission outcome.
const TxTimeout = 100 * time.Millisecond

const txPollInterval = time.Millisecond

// invalidID marks a receive counter with no message seen yet.
const invalidID = -1

var (
	// ErrCommsDisabled is returned when reception is disabled, as there can
	// be no GoodCRC for anything we send.
	ErrCommsDisabled = errors.New("tcprl: communication disabled")

	// ErrRxPending is returned when received messages have not been
	// processed yet. They must be handled before we may transmit.
	ErrRxPending = errors.New("tcprl: received messages pending")

	// ErrSinkTxNG is returned when a sink may not start an atomic message
	// sequence because the source advertises SinkTxNG.
	ErrSinkTxNG = errors.New("tcprl: source disallows sink initiated sequence")

	// ErrTxFailed is returned when no GoodCRC arrived after all hardware
	// retries.
	ErrTxFailed = errors.New("tcprl: transmission failed")

	// ErrTxDiscarded is returned when the transmission was abandoned because
	// a message arrived first.
	ErrTxDiscarded = errors.New("tcprl: transmission discarded")

	// ErrTxTimeout is returned when the port controller did not report an
	// outcome within TxTimeout.
	ErrTxTimeout = errors.New("tcprl: transmission timed out")
)

// IsTxError returns true if err is a protocol level send failure as opposed
// to a port controller I/O error.
func IsTxError(err error) bool {
	return errors.Is(err, ErrCommsDisabled) || errors.Is(err, ErrRxPending) ||
		errors.Is(err, ErrSinkTxNG) || errors.Is(err, ErrTxFailed) ||
		errors.Is(err, ErrTxDiscarded) || errors.Is(err, ErrTxTimeout)
}

// AMS tells whether a message starts an atomic message sequence or responds
// within one. Only starts are subject to collision avoidance.
type AMS bool

// AMS kinds.
const (
	AMSResponse AMS = false
	AMSStart    AMS = true
)

// ControlAMS returns the AMS kind a control message of type t is sent with
// when initiated by us.
func ControlAMS(t pdmsg.Type) AMS {
	switch t {
	case pdmsg.TypeGotoMin, pdmsg.TypeGetSourceCap, pdmsg.TypeGetSinkCap,
		pdmsg.TypeDRSwap, pdmsg.TypePRSwap, pdmsg.TypeVconnSwap:
		return AMSStart
	}
	return AMSResponse
}

// Layer is the protocol layer of one port. It is owned by the policy engine
// and must not be used concurrently.
type Layer struct {
	pc    typec.PortController
	clock typec.Clock

	tpl  pdmsg.Message
	txID [pdmsg.NumSOP]uint8
	rxID [pdmsg.NumSOP]int8

	rxEnabled        bool
	explicitContract bool

	// Events picked up while waiting for a transmission which the owner
	// still needs to see.
	pending typec.Event

	trace   tclog.Logger
	session string
}

// New returns a protocol layer using pc. Received message IDs start out
// invalid and the header template is sink, UFP and revision 3.0.
func New(pc typec.PortController, clock typec.Clock) *Layer {
	l := &Layer{pc: pc, clock: clock, trace: tclog.NoopLogger{}}
	l.tpl.SetRevision(pdmsg.Revision30)
	l.ResetIDs()
	return l
}

// SetTrace sets the logger receiving message events. Nil disables tracing.
func (l *Layer) SetTrace(t tclog.Logger) {
	if t == nil {
		t = tclog.NoopLogger{}
	}
	l.trace = t
}

// SetSession sets the session ID attached to trace events.
func (l *Layer) SetSession(id string) { l.session = id }

// Session returns the current trace session ID.
func (l *Layer) Session() string { return l.session }

// SetRoles sets the roles written into outgoing headers.
func (l *Layer) SetRoles(pr pdmsg.PowerRole, dr pdmsg.DataRole) {
	l.tpl.SetPowerRole(pr)
	l.tpl.SetDataRole(dr)
}

// PowerRole returns the local power role.
func (l *Layer) PowerRole() pdmsg.PowerRole { return l.tpl.PowerRole() }

// DataRole returns the local data role.
func (l *Layer) DataRole() pdmsg.DataRole { return l.tpl.DataRole() }

// SetRevision sets the revision written into outgoing headers.
func (l *Layer) SetRevision(r pdmsg.Revision) { l.tpl.SetRevision(r) }

// Revision returns the negotiated revision.
func (l *Layer) Revision() pdmsg.Revision { return l.tpl.Revision() }

// SetExplicitContract tells the layer whether an explicit contract is in
// place, which enables collision avoidance under revision 3.0.
func (l *Layer) SetExplicitContract(c bool) { l.explicitContract = c }

// SetRxEnable enables or disables reception in the port controller. Sending
// is refused while reception is disabled.
func (l *Layer) SetRxEnable(en bool) error {
	if err := l.pc.SetRxEnable(en); err != nil {
		return err
	}
	l.rxEnabled = en
	return nil
}

// RxEnabled returns true if reception is enabled.
func (l *Layer) RxEnabled() bool { return l.rxEnabled }

// ResetIDs sets all transmit counters to zero and invalidates all receive
// counters, as done on soft reset, hard reset and detach.
func (l *Layer) ResetIDs() {
	for i := range l.txID {
		l.txID[i] = 0
		l.rxID[i] = invalidID
	}
}

// ResetTxID sets the transmit counter of sop to zero.
func (l *Layer) ResetTxID(sop pdmsg.SOP) {
	if sop < pdmsg.NumSOP {
		l.txID[sop] = 0
	}
}

// InvalidateRx forgets the last received message ID of sop.
func (l *Layer) InvalidateRx(sop pdmsg.SOP) {
	if sop < pdmsg.NumSOP {
		l.rxID[sop] = invalidID
	}
}

// TxID returns the ID the next message sent with sop will carry.
func (l *Layer) TxID(sop pdmsg.SOP) uint8 {
	if sop >= pdmsg.NumSOP {
		return 0
	}
	return l.txID[sop]
}

// ConsumeRepeat returns true if m repeats the last accepted message on sop,
// in which case it must be discarded. Otherwise m's ID is recorded as the
// last accepted. A Soft_Reset control message is never a repeat.
func (l *Layer) ConsumeRepeat(sop pdmsg.SOP, m pdmsg.Message) bool {
	if m.Is(pdmsg.TypeSoftReset) {
		return false
	}
	if sop >= pdmsg.NumSOP {
		return false
	}
	id := int8(m.ID())
	if l.rxID[sop] == id {
		return true
	}
	l.rxID[sop] = id
	return false
}

// TakeEvents returns the port controller events seen while waiting for
// transmissions and clears them.
func (l *Layer) TakeEvents() typec.Event {
	e := l.pending
	l.pending = typec.EventNone
	return e
}

// SendControl sends a control message of type t to sop.
func (l *Layer) SendControl(ctx context.Context, sop pdmsg.SOP, t pdmsg.Type, ams AMS) error {
	m := l.tpl
	m.SetType(t)
	m.SetDataObjectCount(0)
	return l.send(ctx, sop, m, ams)
}

// SendData sends a data message of type t carrying objs to sop.
func (l *Layer) SendData(ctx context.Context, sop pdmsg.SOP, t pdmsg.Type, objs []uint32, ams AMS) error {
	m := l.tpl
	m.SetType(t)
	n := copy(m.Data[:], objs)
	m.SetDataObjectCount(uint8(n))
	return l.send(ctx, sop, m, ams)
}

// SendHardReset sends hard reset signalling and waits for it to complete.
func (l *Layer) SendHardReset(ctx context.Context) error {
	if !l.rxEnabled {
		l.traceTx(pdmsg.SOPDefault, pdmsg.Message{}, true, tclog.TxRefused)
		return ErrCommsDisabled
	}
	if l.pc.Pending() {
		l.traceTx(pdmsg.SOPDefault, pdmsg.Message{}, true, tclog.TxRefused)
		return ErrRxPending
	}
	if err := l.pc.TransmitHardReset(); err != nil {
		return err
	}
	err := l.wait(ctx)
	l.traceTx(pdmsg.SOPDefault, pdmsg.Message{}, true, resultOf(err))
	return err
}

func (l *Layer) send(ctx context.Context, sop pdmsg.SOP, m pdmsg.Message, ams AMS) error {
	if !l.rxEnabled {
		l.traceTx(sop, m, false, tclog.TxRefused)
		return ErrCommsDisabled
	}
	if l.pc.Pending() {
		l.traceTx(sop, m, false, tclog.TxRefused)
		return ErrRxPending
	}

	sinkNG := false
	if ams == AMSStart && l.explicitContract && l.tpl.Revision() == pdmsg.Revision30 {
		if l.tpl.PowerRole() == pdmsg.PowerRoleSource {
			if err := l.pc.SelectRp(typec.SinkTxNG); err != nil {
				return err
			}
			if err := l.pc.SetCC(typec.CCPullRp); err != nil {
				return err
			}
			sinkNG = true
		} else {
			cc1, cc2, err := l.pc.CC()
			if err != nil {
				return err
			}
			if cc1 == typec.CCRp1A5 || cc2 == typec.CCRp1A5 {
				l.traceTx(sop, m, false, tclog.TxRefused)
				return ErrSinkTxNG
			}
		}
	}

	if sop < pdmsg.NumSOP {
		m.SetID(l.txID[sop])
	}
	err := l.pc.Transmit(sop, m)
	if err == nil {
		err = l.wait(ctx)
	}
	l.traceTx(sop, m, false, resultOf(err))
	if err != nil {
		if sinkNG {
			// Restoring is best effort, the send error is what matters.
			_ = l.pc.SelectRp(typec.SinkTxOK)
			_ = l.pc.SetCC(typec.CCPullRp)
		}
		return err
	}
	if sop < pdmsg.NumSOP {
		l.txID[sop] = (l.txID[sop] + 1) & 0b111
	}
	return nil
}

// wait polls the port controller until it reports the outcome of the
// current transmission or TxTimeout passes.
func (l *Layer) wait(ctx context.Context) error {
	deadline := l.clock.Now().Add(TxTimeout)
	for {
		e, err := l.pc.Alert()
		if err != nil {
			return err
		}
		l.pending.Add(e &^ typec.EventTxDone)
		switch {
		case e.Has(typec.EventTxSuccess | typec.EventHardResetSent):
			return nil
		case e.Has(typec.EventTxDiscarded):
			return ErrTxDiscarded
		case e.Has(typec.EventTxFailed):
			return ErrTxFailed
		}
		if !l.clock.Now().Before(deadline) {
			return ErrTxTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.clock.Sleep(txPollInterval)
	}
}

func resultOf(err error) tclog.TxResult {
	switch {
	case err == nil:
		return tclog.TxSuccess
	case errors.Is(err, ErrTxDiscarded):
		return tclog.TxDiscarded
	case errors.Is(err, ErrTxTimeout):
		return tclog.TxTimeout
	default:
		return tclog.TxFailed
	}
}

func (l *Layer) traceTx(sop pdmsg.SOP, m pdmsg.Message, hardReset bool, res tclog.TxResult) {
	ev := tclog.Event{
		Timestamp: l.clock.Now(),
		SessionID: l.session,
		Direction: tclog.DirectionOut,
		Category:  tclog.CategoryMessage,
		PowerRole: l.tpl.PowerRole(),
		Message: &tclog.MessageEvent{
			SOP:       sop,
			Header:    m.Header,
			Result:    res,
			HardReset: hardReset,
		},
	}
	if !hardReset {
		ev.Message.Objects = append([]uint32(nil), m.Objects()...)
	}
	l.trace.Log(ev)
}

// TraceRx records a received message in the trace.
func (l *Layer) TraceRx(sop pdmsg.SOP, m pdmsg.Message) {
	l.trace.Log(tclog.Event{
		Timestamp: l.clock.Now(),
		SessionID: l.session,
		Direction: tclog.DirectionIn,
		Category:  tclog.CategoryMessage,
		PowerRole: l.tpl.PowerRole(),
		Message: &tclog.MessageEvent{
			SOP:     sop,
			Header:  m.Header,
			Objects: append([]uint32(nil), m.Objects()...),
		},
	})
}

// TraceHardResetRx records received hard reset signalling in the trace.
func (l *Layer) TraceHardResetRx() {
	l.trace.Log(tclog.Event{
		Timestamp: l.clock.Now(),
		SessionID: l.session,
		Direction: tclog.DirectionIn,
		Category:  tclog.CategoryMessage,
		PowerRole: l.tpl.PowerRole(),
		Message:   &tclog.MessageEvent{HardReset: true},
	})
}
