// Package tcpcsim provides a simulated port controller and clock. The
// simulated port records everything the policy engine does to it and lets a
// test (or a demo binary) play the port partner.
package tcpcsim

import (
	"errors"
	"sync"
	"time"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
)

// ErrInjected is the hardware error returned after FailNext.
var ErrInjected = errors.New("tcpcsim: injected i/o error")

// Sent is a message or hard reset transmitted by the local port.
type Sent struct {
	SOP       pdmsg.SOP
	Msg       pdmsg.Message
	HardReset bool
}

// Responder is called for every message the local port transmits
// successfully. The returned messages are delivered to the local port as if
// sent by the partner, with headers completed by Reply.
type Responder func(p *Port, s Sent) []pdmsg.Message

type rxMsg struct {
	sop pdmsg.SOP
	msg pdmsg.Message
}

// Port is a simulated typec.PortController. All methods are safe for
// concurrent use.
type Port struct {
	mu sync.Mutex

	// Partner side.
	cc1, cc2   typec.CCVoltage
	vbus       bool
	vbusMV     uint32
	partnerRev pdmsg.Revision
	partnerID  [pdmsg.NumSOP]uint8

	// Local side, as programmed by the engine.
	pull      typec.CCPull
	rp        typec.RpValue
	polarity  typec.Polarity
	vconn     bool
	pr        pdmsg.PowerRole
	dr        pdmsg.DataRole
	rxEnabled bool
	inits     int

	rx       []rxMsg
	overflow bool
	events   typec.Event
	sent     []Sent
	failNext int

	// TxOutcome decides the outcome event of a transmission. Nil means
	// every transmission succeeds.
	txOutcome func(Sent) typec.Event
	responder Responder

	alerts *typec.Alerts
}

// New returns a detached simulated port.
func New() *Port {
	return &Port{partnerRev: pdmsg.Revision30}
}

// SetAlerts makes the port raise EventWake on alerts whenever the partner
// side changes.
func (p *Port) SetAlerts(a *typec.Alerts) {
	p.mu.Lock()
	p.alerts = a
	p.mu.Unlock()
}

func (p *Port) raise(e typec.Event) {
	p.events.Add(e)
	if p.alerts != nil {
		p.alerts.Raise(typec.EventWake)
	}
}

// SetTxOutcome installs the function deciding transmission outcomes.
func (p *Port) SetTxOutcome(f func(Sent) typec.Event) {
	p.mu.Lock()
	p.txOutcome = f
	p.mu.Unlock()
}

// SetResponder installs the partner's automatic responses.
func (p *Port) SetResponder(r Responder) {
	p.mu.Lock()
	p.responder = r
	p.mu.Unlock()
}

// FailNext makes the next n port controller calls fail with ErrInjected.
func (p *Port) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

func (p *Port) fail() error {
	if p.failNext > 0 {
		p.failNext--
		return ErrInjected
	}
	return nil
}

// SetPartnerCC sets the terminations the partner presents on CC1 and CC2.
func (p *Port) SetPartnerCC(cc1, cc2 typec.CCVoltage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cc1, p.cc2 = cc1, cc2
	p.raise(typec.EventCCChange)
}

// SetVBus sets whether VBUS is present.
func (p *Port) SetVBus(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vbus != v {
		p.vbus = v
		p.raise(typec.EventVBusChange)
	}
}

// SetVBusMV sets the voltage VBusMV reports while VBUS is present. 0
// reports vSafe5V.
func (p *Port) SetVBusMV(mv uint32) {
	p.mu.Lock()
	p.vbusMV = mv
	p.mu.Unlock()
}

// SetPartnerRevision sets the revision the partner puts in its headers.
func (p *Port) SetPartnerRevision(r pdmsg.Revision) {
	p.mu.Lock()
	p.partnerRev = r
	p.mu.Unlock()
}

// Reply completes the header of a partner message: roles opposite to the
// local port, the partner revision and the partner's next message ID.
func (p *Port) Reply(m pdmsg.Message) pdmsg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply(pdmsg.SOPDefault, m)
}

func (p *Port) reply(sop pdmsg.SOP, m pdmsg.Message) pdmsg.Message {
	m.SetPowerRole(1 - p.pr)
	m.SetDataRole(1 - p.dr)
	m.SetRevision(p.partnerRev)
	if sop < pdmsg.NumSOP {
		m.SetID(p.partnerID[sop])
		p.partnerID[sop] = (p.partnerID[sop] + 1) & 0b111
	}
	return m
}

// ResetPartnerIDs sets the partner message counters to zero, as the partner
// does on soft or hard reset.
func (p *Port) ResetPartnerIDs() {
	p.mu.Lock()
	p.partnerID = [pdmsg.NumSOP]uint8{}
	p.mu.Unlock()
}

// Deliver queues a message from the partner exactly as given. It is dropped
// if reception is disabled.
func (p *Port) Deliver(sop pdmsg.SOP, m pdmsg.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliver(sop, m)
}

// Send completes the header of m with Reply and delivers it on SOP.
func (p *Port) Send(m pdmsg.Message) pdmsg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	m = p.reply(pdmsg.SOPDefault, m)
	p.deliver(pdmsg.SOPDefault, m)
	return m
}

func (p *Port) deliver(sop pdmsg.SOP, m pdmsg.Message) {
	if !p.rxEnabled {
		return
	}
	if len(p.rx) == typec.RxQueueDepth {
		p.rx = p.rx[1:]
		p.overflow = true
		p.raise(typec.EventRxOverflow)
	}
	p.rx = append(p.rx, rxMsg{sop, m})
	p.raise(typec.EventRx)
}

// SendHardReset signals a hard reset from the partner.
func (p *Port) SendHardReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	p.partnerID = [pdmsg.NumSOP]uint8{}
	p.raise(typec.EventHardResetReceived)
}

// Sent returns a copy of everything transmitted so far.
func (p *Port) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

// TakeSent returns everything transmitted since the last call and forgets
// it.
func (p *Port) TakeSent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sent
	p.sent = nil
	return s
}

// Pull returns the local CC termination.
func (p *Port) Pull() typec.CCPull {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pull
}

// Rp returns the selected Rp value.
func (p *Port) Rp() typec.RpValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rp
}

// Vconn returns true if VCONN is enabled.
func (p *Port) Vconn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vconn
}

// Polarity returns the programmed polarity.
func (p *Port) Polarity() typec.Polarity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polarity
}

// Roles returns the roles programmed for GoodCRC headers.
func (p *Port) Roles() (pdmsg.PowerRole, pdmsg.DataRole) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pr, p.dr
}

// RxEnabled returns true if reception is enabled.
func (p *Port) RxEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rxEnabled
}

// Inits returns how many times Init was called.
func (p *Port) Inits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits
}

// Init implements typec.PortController.
func (p *Port) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.inits++
	p.rx = nil
	p.overflow = false
	p.rxEnabled = false
	p.vconn = false
	p.events = typec.EventNone
	return nil
}

// CC implements typec.PortController. Only terminations that make sense for
// the local pull are visible: Rp levels to a sink, Rd and Ra to a source.
func (p *Port) CC() (typec.CCVoltage, typec.CCVoltage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return typec.CCOpen, typec.CCOpen, err
	}
	return p.seen(p.cc1), p.seen(p.cc2), nil
}

func (p *Port) seen(v typec.CCVoltage) typec.CCVoltage {
	switch p.pull {
	case typec.CCPullRd:
		if v.IsRp() {
			return v
		}
	case typec.CCPullRp:
		if v == typec.CCRd || v == typec.CCRa {
			return v
		}
	}
	return typec.CCOpen
}

// SetCC implements typec.PortController.
func (p *Port) SetCC(pull typec.CCPull) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.pull = pull
	return nil
}

// SelectRp implements typec.PortController.
func (p *Port) SelectRp(v typec.RpValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.rp = v
	return nil
}

// SetPolarity implements typec.PortController.
func (p *Port) SetPolarity(pol typec.Polarity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.polarity = pol
	return nil
}

// SetVconn implements typec.PortController.
func (p *Port) SetVconn(en bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.vconn = en
	return nil
}

// SetMsgHeader implements typec.PortController.
func (p *Port) SetMsgHeader(pr pdmsg.PowerRole, dr pdmsg.DataRole) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.pr, p.dr = pr, dr
	return nil
}

// SetRxEnable implements typec.PortController.
func (p *Port) SetRxEnable(en bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.rxEnabled = en
	if !en {
		p.rx = nil
		p.overflow = false
	}
	return nil
}

// Transmit implements typec.PortController. The outcome is decided
// immediately and reported by the next Alert. On success the responder's
// messages are queued.
func (p *Port) Transmit(sop pdmsg.SOP, m pdmsg.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	s := Sent{SOP: sop, Msg: m}
	p.sent = append(p.sent, s)
	outcome := typec.EventTxSuccess
	if p.txOutcome != nil {
		outcome = p.txOutcome(s)
	}
	p.events.Add(outcome)
	if outcome == typec.EventTxSuccess && p.responder != nil {
		r := p.responder
		p.mu.Unlock()
		replies := r(p, s)
		p.mu.Lock()
		for _, rm := range replies {
			p.deliver(sop, p.reply(sop, rm))
		}
	}
	return nil
}

// TransmitHardReset implements typec.PortController.
func (p *Port) TransmitHardReset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	s := Sent{HardReset: true}
	p.sent = append(p.sent, s)
	outcome := typec.EventHardResetSent
	if p.txOutcome != nil {
		outcome = p.txOutcome(s)
	}
	p.events.Add(outcome)
	p.rx = nil
	p.partnerID = [pdmsg.NumSOP]uint8{}
	return nil
}

// Message implements typec.PortController.
func (p *Port) Message() (pdmsg.SOP, pdmsg.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.overflow {
		p.overflow = false
		return 0, pdmsg.Message{}, typec.ErrRxOverflow
	}
	if len(p.rx) == 0 {
		return 0, pdmsg.Message{}, typec.ErrRxEmpty
	}
	r := p.rx[0]
	p.rx = p.rx[1:]
	return r.sop, r.msg, nil
}

// Pending implements typec.PortController.
func (p *Port) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rx) > 0
}

// VBus implements typec.PortController.
func (p *Port) VBus() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return false, err
	}
	return p.vbus, nil
}

// VBusMV implements typec.VBusMeter.
func (p *Port) VBusMV() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return 0, err
	}
	switch {
	case !p.vbus:
		return 0, nil
	case p.vbusMV == 0:
		return 5000, nil
	}
	return p.vbusMV, nil
}

// Alert implements typec.PortController.
func (p *Port) Alert() (typec.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return typec.EventNone, err
	}
	e := p.events
	p.events = typec.EventNone
	return e, nil
}

var (
	_ typec.PortController = (*Port)(nil)
	_ typec.VBusMeter      = (*Port)(nil)
)

// Clock is a manual typec.Clock. Sleep advances the clock instead of
// blocking.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock starting at an arbitrary fixed instant.
func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Sleep advances the clock by d.
func (c *Clock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
