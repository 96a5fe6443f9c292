// Package typec defines high level interfaces and types for implementing a full
// USB Type-C power delivery stack.
package typec

import (
	"errors"
	"sync/atomic"

	"github.com/lumenlamp/go-typec/pdmsg"
)

// Event can store multiple events and return them in priority order.
type Event uint16

// Pop returns the next high priority event and clears it.
func (e *Event) Pop() Event {
	if *e == 0 {
		return EventNone
	}
	for r := Event(1); r <= 0x8000; r <<= 1 {
		if *e&r != 0 {
			*e &= ^r
			return r
		}
	}
	return EventNone // will never get here
}

// Add adds the events v to the set.
func (e *Event) Add(v Event) {
	*e |= v
}

// Has returns true if the event v is set without clearing it.
func (e Event) Has(v Event) bool {
	return e&v != 0
}

// Clear removes the events v from the set.
func (e *Event) Clear(v Event) {
	*e &= ^v
}

func (e Event) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventHardResetReceived:
		return "HardResetReceived"
	case EventHardResetSent:
		return "HardResetSent"
	case EventTxSuccess:
		return "TxSuccess"
	case EventTxFailed:
		return "TxFailed"
	case EventTxDiscarded:
		return "TxDiscarded"
	case EventCCChange:
		return "CCChange"
	case EventVBusChange:
		return "VBusChange"
	case EventRx:
		return "Rx"
	case EventRxOverflow:
		return "RxOverflow"
	case EventWake:
		return "Wake"
	default:
		return "INVALID"
	}
}

// EventNone represents no event.
const EventNone Event = 0

// The events are listed in order of priority from highest to lowest. This
// means that in presence of multiple pending events, highest priority one is
// attended to first.
const (
	EventHardResetReceived Event = 1 << iota // Hard reset signalling received from the partner
	EventHardResetSent                       // Our hard reset signalling went out
	EventTxSuccess                           // GoodCRC received for the last transmitted message
	EventTxFailed                            // All retries of the last transmission failed
	EventTxDiscarded                         // Transmission abandoned because a message arrived first
	EventCCChange                            // CC line levels changed
	EventVBusChange                          // VBUS crossed the valid threshold
	EventRx                                  // Received a message
	EventRxOverflow                          // Receive queue overflowed and dropped its oldest message
	EventWake                                // Nothing happened on the wire, run a tick anyway
)

// EventTxDone is the set of events which complete a transmission.
const EventTxDone = EventTxSuccess | EventTxFailed | EventTxDiscarded | EventHardResetSent

// Alerts is an event set shared between an interrupt context, which only
// raises events, and the policy engine which takes them.
type Alerts struct {
	v    atomic.Uint32
	wake chan struct{}
}

// NewAlerts returns an empty event set.
func NewAlerts() *Alerts {
	return &Alerts{wake: make(chan struct{}, 1)}
}

// Raise adds events to the set and wakes up the waiting consumer. Raise never
// blocks and is safe to call from any goroutine.
func (a *Alerts) Raise(e Event) {
	for {
		old := a.v.Load()
		if a.v.CompareAndSwap(old, old|uint32(e)) {
			break
		}
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Take returns all raised events and clears the set.
func (a *Alerts) Take() Event {
	return Event(a.v.Swap(0))
}

// Wake returns a channel which receives a value after Raise has been called.
func (a *Alerts) Wake() <-chan struct{} {
	return a.wake
}

// CCVoltage is the termination detected on one CC line.
type CCVoltage uint8

// Detected CC line levels. The Rp levels are seen by a sink, Ra and Rd by a
// source.
const (
	CCOpen CCVoltage = iota
	CCRa
	CCRd
	CCRpDefault
	CCRp1A5
	CCRp3A0
)

// IsRp returns true if the level shows a source pull-up.
func (c CCVoltage) IsRp() bool {
	return c >= CCRpDefault
}

func (c CCVoltage) String() string {
	switch c {
	case CCOpen:
		return "open"
	case CCRa:
		return "Ra"
	case CCRd:
		return "Rd"
	case CCRpDefault:
		return "Rp-default"
	case CCRp1A5:
		return "Rp-1.5A"
	case CCRp3A0:
		return "Rp-3.0A"
	default:
		return "?"
	}
}

// CCPull is the local termination presented on both CC lines.
type CCPull uint8

// Local CC terminations.
const (
	CCPullOpen CCPull = iota
	CCPullRp
	CCPullRd
)

func (p CCPull) String() string {
	switch p {
	case CCPullRp:
		return "Rp"
	case CCPullRd:
		return "Rd"
	default:
		return "open"
	}
}

// RpValue selects the current advertised by our Rp.
type RpValue uint8

// Rp current advertisements. Under PD 3.0 collision avoidance, Rp3A0 means
// the sink may start an exchange and Rp1A5 means it must not.
const (
	RpDefault RpValue = iota
	Rp1A5
	Rp3A0

	SinkTxOK = Rp3A0
	SinkTxNG = Rp1A5
)

// Polarity selects the CC line used for communication.
type Polarity uint8

// CC polarities. The DTS variants are used with debug accessories.
const (
	PolarityCC1 Polarity = iota
	PolarityCC2
	PolarityCC1DTS
	PolarityCC2DTS
)

// Line returns the CC line index (0 or 1) the polarity communicates over.
func (p Polarity) Line() int {
	if p == PolarityCC2 || p == PolarityCC2DTS {
		return 1
	}
	return 0
}

// PortController provides an interface to operate a device, often an IC
// such as FUSB302, acting as a USB Power Delivery port that may be either
// source or sink. The implementer handles the physical layer and the part of
// the protocol layer that is time critical:
//
//   - Automatic GoodCRC responses to received messages and hardware retries
//     of transmissions. Message ID counters are tracked by the protocol layer.
//   - Reporting transmission outcome as EventTxSuccess, EventTxFailed or
//     EventTxDiscarded from Alert.
//   - Queueing received messages in a bounded queue of RxQueueDepth messages
//     which drops the oldest message on overflow.
//
// Port controllers should try to avoid heap allocation after initialization
// stage as much as possible, since they may be running on microcontrollers with
// limited/expensive garbage collectors.
type PortController interface {

	// Init (re-)initializes the state of the controller to a known initial
	// working state. Init must be called at least once and before any other
	// method of this interface.
	Init() error

	// CC returns the termination currently detected on CC1 and CC2.
	CC() (cc1, cc2 CCVoltage, err error)

	// SetCC programs the local termination on both CC lines.
	SetCC(CCPull) error

	// SelectRp selects the current advertised when the termination is Rp.
	SelectRp(RpValue) error

	// SetPolarity selects the CC line used for communication and VCONN.
	SetPolarity(Polarity) error

	// SetVconn enables or disables sourcing VCONN on the unused CC line.
	SetVconn(bool) error

	// SetMsgHeader sets the roles used in automatically generated GoodCRC
	// messages.
	SetMsgHeader(pdmsg.PowerRole, pdmsg.DataRole) error

	// SetRxEnable gates whether incoming messages are acknowledged and queued.
	// Disabling reception flushes the queue.
	SetRxEnable(bool) error

	// Transmit starts sending a message. It returns once the message is
	// handed to the hardware; the outcome is reported by Alert.
	Transmit(pdmsg.SOP, pdmsg.Message) error

	// TransmitHardReset starts sending hard reset signalling. Completion is
	// reported by Alert as EventHardResetSent.
	TransmitHardReset() error

	// Message dequeues the oldest received message. ErrRxEmpty is returned if
	// none is left. If messages were dropped since the last call, the call
	// returns ErrRxOverflow once and the next call returns the oldest
	// remaining message.
	Message() (pdmsg.SOP, pdmsg.Message, error)

	// Pending returns true if there are queued received messages.
	Pending() bool

	// VBus returns true if VBUS is above the vSafe5V threshold.
	VBus() (bool, error)

	// Alert is called by the policy engine either periodically or after
	// being woken, to let the port controller check on the hardware
	// status/interrupts and return the resulting events. Events generated
	// outside of Alert must be cached and returned on the next call.
	Alert() (Event, error)
}

// VBusMeter is implemented by port controllers able to measure the VBUS
// voltage rather than only detect it.
type VBusMeter interface {
	VBusMV() (uint32, error)
}

// RxQueueDepth is the number of received messages a port controller queues.
const RxQueueDepth = 8

var (
	// ErrTxFailed is returned if all retries of a transmission have failed.
	ErrTxFailed = errors.New("typec: failed to send pd message")

	// ErrRxEmpty is returned by Message() if no more messages are left to
	// read.
	ErrRxEmpty = errors.New("typec: no more messages to read")

	// ErrRxOverflow is returned by Message() once after the receive queue
	// dropped messages.
	ErrRxOverflow = errors.New("typec: receive queue overflow")

	// ErrTxBusy is returned by Transmit if a previous transmission has not
	// completed yet.
	ErrTxBusy = errors.New("typec: transmission in progress")
)
