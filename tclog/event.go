// Package tclog captures a trace of power delivery traffic and state changes.
//
// The trace is separate from operational logging (log/slog): every message
// sent or received and every policy engine state change is recorded as an
// Event, which can be written to a CBOR stream for offline analysis or echoed
// to an slog.Logger during development.
package tclog

import (
	"time"

	"github.com/google/uuid"
	"github.com/lumenlamp/go-typec/pdmsg"
)

// Event is a single trace record. CBOR encoding uses integer keys for
// compactness.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies one attachment of a port partner. A new ID is
	// generated on every attach.
	SessionID string `cbor:"2,keyasint"`

	// Direction of message flow. Only meaningful for message events.
	Direction Direction `cbor:"3,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"4,keyasint"`

	// PowerRole is the local power role at the time of the event.
	PowerRole pdmsg.PowerRole `cbor:"5,keyasint"`

	Message     *MessageEvent     `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEvent       `cbor:"12,keyasint,omitempty"`
}

// MessageEvent records a power delivery message.
type MessageEvent struct {
	SOP     pdmsg.SOP `cbor:"1,keyasint"`
	Header  uint16    `cbor:"2,keyasint"`
	Objects []uint32  `cbor:"3,keyasint,omitempty"`

	// Result is the transmit outcome for outgoing messages.
	Result TxResult `cbor:"4,keyasint,omitempty"`

	// HardReset is set for hard reset signalling, which has no header.
	HardReset bool `cbor:"5,keyasint,omitempty"`
}

// Message rebuilds the recorded message.
func (m *MessageEvent) Message() pdmsg.Message {
	msg := pdmsg.Message{Header: m.Header}
	copy(msg.Data[:], m.Objects)
	return msg
}

// StateChangeEvent records a policy engine state transition.
type StateChangeEvent struct {
	OldState string `cbor:"1,keyasint"`
	NewState string `cbor:"2,keyasint"`
	Reason   string `cbor:"3,keyasint,omitempty"`
}

// ErrorEvent records a failure that did not stop the engine.
type ErrorEvent struct {
	Message string `cbor:"1,keyasint"`
	Context string `cbor:"2,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates a received message.
	DirectionIn Direction = 0
	// DirectionOut indicates a transmitted message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage is a message on the wire.
	CategoryMessage Category = 0
	// CategoryState is a state change.
	CategoryState Category = 1
	// CategoryError is an error.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// TxResult is the outcome of a transmission.
type TxResult uint8

// Transmission outcomes.
const (
	TxNone TxResult = iota
	TxSuccess
	TxFailed
	TxDiscarded
	TxTimeout
	TxRefused
)

// String returns the result name.
func (r TxResult) String() string {
	switch r {
	case TxSuccess:
		return "success"
	case TxFailed:
		return "failed"
	case TxDiscarded:
		return "discarded"
	case TxTimeout:
		return "timeout"
	case TxRefused:
		return "refused"
	default:
		return ""
	}
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
