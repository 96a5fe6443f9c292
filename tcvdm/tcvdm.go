// Package tcvdm implements the vendor defined message engine which runs
// nested inside the policy engine. It sends one queued VDM at a time once the
// port has a contract, waits for the partner's response, and answers
// structured VDM requests from the partner.
//
// A failure of the engine only ends the VDM exchange. It never causes a
// protocol reset.
package tcvdm

import (
	"errors"
	"time"

	"github.com/lumenlamp/go-typec/pdmsg"
)

// Response timeouts.
const (
	TimeoutUnstructured  = 500 * time.Millisecond
	TimeoutInitiatorMode = 100 * time.Millisecond
	TimeoutInitiator     = 30 * time.Millisecond
	TimeoutResponderMode = 25 * time.Millisecond
	TimeoutResponder     = 15 * time.Millisecond
	TimeoutBusy          = 100 * time.Millisecond
)

// maxSVIDs bounds how many SVIDs are collected from one partner.
const maxSVIDs = 16

// ErrTooLong is returned by Queue when the VDOs don't fit in one message
// along with the VDM header.
var ErrTooLong = errors.New("tcvdm: too many vdos")

// State of the VDM engine. Negative states are failures, Done means no
// exchange is in progress and positive states mean one is.
type State int8

// VDM engine states.
const (
	ErrTimeout  State = -3
	ErrSend     State = -2
	ErrBusy     State = -1
	Done        State = 0
	Ready       State = 1
	Busy        State = 2
	WaitRspBusy State = 3
)

func (s State) String() string {
	switch s {
	case ErrTimeout:
		return "err-timeout"
	case ErrSend:
		return "err-send"
	case ErrBusy:
		return "err-busy"
	case Done:
		return "done"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case WaitRspBusy:
		return "wait-rsp-busy"
	default:
		return "?"
	}
}

// Identity is what the local port reports in response to Discover Identity.
type Identity struct {
	VID       uint16
	PID       uint16
	XID       uint32
	BCDDevice uint16
}

// Modes are the mode VDOs a partner reported for one SVID.
type Modes struct {
	SVID  uint16
	Modes []uint32
}

// Sender transmits a Vendor_Defined message carrying objs to the partner.
type Sender func(objs []uint32) error

// Engine is the VDM state machine of one port. It is owned by the policy
// engine and must not be used concurrently.
type Engine struct {
	id Identity

	state    State
	deadline time.Time
	version  pdmsg.VDMVersion

	buf   [pdmsg.MaxDataObjects]uint32
	n     int
	retry uint32

	partner []uint32
	svids   []uint16
	modes   []Modes
}

// New returns an engine answering Discover Identity with id.
func New(id Identity) *Engine {
	return &Engine{id: id, version: pdmsg.VDMVersion20}
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// InProgress returns true if an exchange is queued or waiting for the
// partner.
func (e *Engine) InProgress() bool { return e.state > Done }

// SetVersion sets the structured VDM version used for requests we initiate.
func (e *Engine) SetVersion(v pdmsg.VDMVersion) { e.version = v }

// Reset abandons any exchange in progress and forgets what was discovered
// about the partner.
func (e *Engine) Reset() {
	e.state = Done
	e.n = 0
	e.partner = nil
	e.svids = nil
	e.modes = nil
}

// PartnerIdentity returns the VDOs of the partner's last Discover Identity
// ACK, starting with the ID header. It is nil until one arrives.
func (e *Engine) PartnerIdentity() []uint32 { return e.partner }

// PartnerSVIDs returns the SVIDs the partner reported, in order.
func (e *Engine) PartnerSVIDs() []uint16 { return e.svids }

// PartnerModes returns the modes discovered so far, in SVID order.
func (e *Engine) PartnerModes() []Modes { return e.modes }

// Queue prepares a VDM to svid for sending on the next Tick. Commands to the
// PD SID and the standard structured commands are sent as structured VDMs,
// anything else as unstructured.
func (e *Engine) Queue(svid uint16, cmd pdmsg.VDMCommand, vdos ...uint32) error {
	if len(vdos) > pdmsg.MaxDataObjects-1 {
		return ErrTooLong
	}
	var h pdmsg.VDMHeader
	if svid == pdmsg.SIDPowerDelivery || cmd <= pdmsg.VDMAttention {
		h = pdmsg.NewStructuredVDM(svid, cmd, e.version)
	} else {
		h.SetSVID(svid)
		h.SetCommand(cmd)
	}
	e.queue(uint32(h), vdos)
	return nil
}

func (e *Engine) queueStructured(svid uint16, cmd pdmsg.VDMCommand) {
	e.queue(uint32(pdmsg.NewStructuredVDM(svid, cmd, e.version)), nil)
}

func (e *Engine) queue(hdr uint32, vdos []uint32) {
	e.buf[0] = hdr
	e.n = 1 + copy(e.buf[1:], vdos)
	e.state = Ready
}

// Tick advances the engine. The queued VDM is sent with send only while
// connected and while the policy engine is in a ready state with no traffic.
// The error of a failed send is returned so the caller can tell hardware
// faults apart.
func (e *Engine) Tick(now time.Time, connected, inReady bool, send Sender) error {
	switch e.state {
	case Ready:
		if !connected {
			e.state = ErrBusy
			return nil
		}
		if !inReady {
			return nil
		}
		if err := send(e.buf[:e.n]); err != nil {
			e.state = ErrSend
			return err
		}
		e.state = Busy
		e.deadline = now.Add(timeout(pdmsg.VDMHeader(e.buf[0])))
	case WaitRspBusy:
		if now.After(e.deadline) {
			e.buf[0] = e.retry
			e.n = 1
			e.state = Ready
		}
	case Busy:
		if now.After(e.deadline) {
			e.state = ErrTimeout
		}
	}
	return nil
}

// HandleResponse processes the header of a received VDM while an exchange
// is waiting for the partner. It returns true if the partner answered BUSY,
// in which case the request is repeated after TimeoutBusy and the message
// needs no further handling.
func (e *Engine) HandleResponse(now time.Time, hdr pdmsg.VDMHeader) bool {
	if e.state != Busy {
		return false
	}
	if hdr.Structured() && hdr.CommandType() == pdmsg.VDMTypeBusy {
		hdr.SetCommandType(pdmsg.VDMTypeInitiator)
		e.retry = uint32(hdr)
		e.deadline = now.Add(TimeoutBusy)
		e.state = WaitRspBusy
		return true
	}
	e.state = Done
	return false
}

// Respond returns the response to a received VDM, if one is due. Discover
// Identity is ACKed with our identity, other structured requests are NAKed.
// Unstructured VDMs, Attention and responses get no response.
func (e *Engine) Respond(req []uint32) ([]uint32, bool) {
	if len(req) == 0 {
		return nil, false
	}
	h := pdmsg.VDMHeader(req[0])
	if !h.Structured() || h.CommandType() != pdmsg.VDMTypeInitiator || h.Command() == pdmsg.VDMAttention {
		return nil, false
	}
	if h.SVID() == pdmsg.SIDPowerDelivery && h.Command() == pdmsg.VDMDiscoverIdentity {
		h.SetCommandType(pdmsg.VDMTypeACK)
		return []uint32{
			uint32(h),
			uint32(pdmsg.NewIDHeaderVDO(e.id.VID, true)),
			e.id.XID,
			pdmsg.ProductVDO(e.id.PID, e.id.BCDDevice),
		}, true
	}
	h.SetCommandType(pdmsg.VDMTypeNAK)
	return []uint32{uint32(h)}, true
}

// Handle processes a received Vendor_Defined message: it completes the
// exchange in progress, records what an ACK tells about the partner and
// queues the next request or our response, if any.
func (e *Engine) Handle(now time.Time, objs []uint32) {
	if len(objs) == 0 {
		return
	}
	h := pdmsg.VDMHeader(objs[0])
	if e.HandleResponse(now, h) {
		return
	}
	if h.Structured() && h.CommandType() == pdmsg.VDMTypeACK {
		e.discovered(h, objs[1:])
		return
	}
	if resp, ok := e.Respond(objs); ok {
		e.queue(resp[0], resp[1:])
	}
}

// discovered records a discovery ACK. A partner with modes is asked for its
// SVIDs, then for the modes of each SVID in turn.
func (e *Engine) discovered(h pdmsg.VDMHeader, vdos []uint32) {
	switch h.Command() {
	case pdmsg.VDMDiscoverIdentity:
		e.partner = append(e.partner[:0], vdos...)
		e.svids, e.modes = e.svids[:0], e.modes[:0]
		if len(vdos) > 0 && pdmsg.IDHeaderVDO(vdos[0]).ModalOperation() {
			e.queueStructured(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverSVIDs)
		}

	case pdmsg.VDMDiscoverSVIDs:
		// Two SVIDs per VDO. A full message with no zero SVID means the
		// partner has more to report.
		more := len(vdos) == pdmsg.MaxDataObjects-1
	svids:
		for _, v := range vdos {
			for _, svid := range [2]uint16{uint16(v >> 16), uint16(v)} {
				if svid == 0 || len(e.svids) == maxSVIDs {
					more = false
					break svids
				}
				e.svids = append(e.svids, svid)
			}
		}
		if more {
			e.queueStructured(pdmsg.SIDPowerDelivery, pdmsg.VDMDiscoverSVIDs)
			return
		}
		e.discoverModes()

	case pdmsg.VDMDiscoverModes:
		n := len(e.modes)
		if n < len(e.svids) && e.svids[n] == h.SVID() {
			e.modes = append(e.modes, Modes{SVID: h.SVID(), Modes: append([]uint32(nil), vdos...)})
			e.discoverModes()
		}
	}
}

func (e *Engine) discoverModes() {
	if n := len(e.modes); n < len(e.svids) {
		e.queueStructured(e.svids[n], pdmsg.VDMDiscoverModes)
	}
}

func timeout(h pdmsg.VDMHeader) time.Duration {
	if !h.Structured() {
		return TimeoutUnstructured
	}
	mode := h.Command() == pdmsg.VDMEnterMode || h.Command() == pdmsg.VDMExitMode
	switch {
	case h.CommandType() == pdmsg.VDMTypeInitiator && mode:
		return TimeoutInitiatorMode
	case h.CommandType() == pdmsg.VDMTypeInitiator:
		return TimeoutInitiator
	case mode:
		return TimeoutResponderMode
	default:
		return TimeoutResponder
	}
}
