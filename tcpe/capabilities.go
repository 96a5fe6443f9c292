package tcpe

import (
	"errors"
	"fmt"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcvdm"
)

// DualRole selects how a dual role port picks its power role while
// unattached.
type DualRole uint8

// Dual role modes.
const (
	// DualRoleToggleOff keeps the default role while unattached.
	DualRoleToggleOff DualRole = iota
	// DualRoleToggleOn alternates between source and sink while unattached.
	DualRoleToggleOn
	// DualRoleFreeze keeps whatever role the port currently has.
	DualRoleFreeze
	// DualRoleForceSink only attaches as sink.
	DualRoleForceSink
	// DualRoleForceSource only attaches as source.
	DualRoleForceSource
)

func (d DualRole) String() string {
	switch d {
	case DualRoleToggleOff:
		return "toggle-off"
	case DualRoleToggleOn:
		return "toggle-on"
	case DualRoleFreeze:
		return "freeze"
	case DualRoleForceSink:
		return "force-sink"
	case DualRoleForceSource:
		return "force-source"
	default:
		return "?"
	}
}

// ParseDualRole returns the mode named s as printed by String.
func ParseDualRole(s string) (DualRole, error) {
	for d := DualRoleToggleOff; d <= DualRoleForceSource; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrDualRole, s)
}

var (
	// ErrDualRole is returned for an unknown dual role mode.
	ErrDualRole = errors.New("tcpe: unknown dual role mode")

	// ErrNoSourcePDO is returned by Capabilities.Validate when the port can
	// become a source but has nothing to offer.
	ErrNoSourcePDO = errors.New("tcpe: no source capabilities")

	// ErrNoSinkPDO is returned by Capabilities.Validate when the sink
	// capabilities are missing.
	ErrNoSinkPDO = errors.New("tcpe: no sink capabilities")

	// ErrTooManyPDOs is returned by Capabilities.Validate when a capability
	// list doesn't fit in one message.
	ErrTooManyPDOs = errors.New("tcpe: too many capabilities")

	// ErrFirstPDO is returned by Capabilities.Validate when the first PDO of
	// a list isn't the 5V fixed supply.
	ErrFirstPDO = errors.New("tcpe: first capability must be fixed 5V")
)

// Capabilities are the feature switches and advertised capabilities of the
// port. They are read by the policy engine at runtime.
type Capabilities struct {
	// DefaultRole is the power role the port starts in and returns to on
	// detach.
	DefaultRole pdmsg.PowerRole

	// DualRole is the initial dual role mode.
	DualRole DualRole

	// AutoToggle makes the port idle in the DrpAutoToggle state while
	// unattached with dual role toggling on.
	AutoToggle bool

	// TrySrc enables Try.SRC when toggling and the battery holds at least
	// TrySrcMinSOC percent.
	TrySrc       bool
	TrySrcMinSOC uint8

	// ResetMinSOC holds off hard resetting a silent source while the battery
	// is below this percentage, as the reset cuts VBUS. 0 disables.
	ResetMinSOC uint8

	// Rev30 enables power delivery revision 3.0. Otherwise 2.0 is used.
	Rev30 bool

	// Ping sends Ping messages periodically as a source with a contract.
	Ping bool

	// NoVBusSense is set when the port controller cannot tell whether VBUS
	// is present. A sink then attaches on CC alone, detaches when CC opens
	// and waits out the longest source recovery time after a hard reset.
	NoVBusSense bool

	// VconnSwap accepts VCONN swap requests.
	VconnSwap bool

	// PowerSwap accepts power role swaps. A sink only becomes a source when
	// this is set.
	PowerSwap bool

	// Pullup is the Rp advertised as source outside of collision avoidance.
	Pullup typec.RpValue

	// SourcePDOs are offered as source, SinkPDOs are reported as sink.
	SourcePDOs []pdmsg.PDO
	SinkPDOs   []pdmsg.PDO

	// MaxRequestMV is the highest voltage requested as sink.
	MaxRequestMV uint32

	// Identity is reported in response to Discover Identity.
	Identity tcvdm.Identity
}

// FixedFlags are set on the first fixed supply PDO of both capability
// lists: dual role power and data, and USB communication capable.
func FixedFlags(o pdmsg.FixedSupplyPDO) pdmsg.FixedSupplyPDO {
	o.SetDualRolePower(true)
	o.SetDualRoleData(true)
	o.SetUSBCommunication(true)
	return o
}

// DefaultCapabilities returns the capabilities of the lamp: sink by default,
// sourcing 5V 1.5A from the battery and sinking any fixed supply up to 20V
// at 3A.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		DefaultRole:  pdmsg.PowerRoleSink,
		DualRole:     DualRoleToggleOff,
		TrySrcMinSOC: 5,
		Rev30:        true,
		VconnSwap:    true,
		PowerSwap:    true,
		Pullup:       typec.Rp1A5,
		SourcePDOs: []pdmsg.PDO{
			pdmsg.PDO(FixedFlags(pdmsg.Fixed(5000, 1500))),
		},
		SinkPDOs: []pdmsg.PDO{
			pdmsg.PDO(FixedFlags(pdmsg.Fixed(5000, 3000))),
			pdmsg.PDO(FixedFlags(pdmsg.Fixed(9000, 3000))),
			pdmsg.PDO(FixedFlags(pdmsg.Fixed(15000, 3000))),
			pdmsg.PDO(FixedFlags(pdmsg.Fixed(20000, 3000))),
		},
		MaxRequestMV: 20000,
		Identity:     tcvdm.Identity{VID: 0x1209},
	}
}

// Validate checks the capability lists.
func (c Capabilities) Validate() error {
	if len(c.SinkPDOs) == 0 {
		return ErrNoSinkPDO
	}
	if (c.PowerSwap || c.DefaultRole == pdmsg.PowerRoleSource) && len(c.SourcePDOs) == 0 {
		return ErrNoSourcePDO
	}
	for _, l := range [][]pdmsg.PDO{c.SourcePDOs, c.SinkPDOs} {
		if len(l) > pdmsg.MaxDataObjects {
			return ErrTooManyPDOs
		}
		if len(l) > 0 && (l[0].Type() != pdmsg.PDOTypeFixedSupply || pdmsg.FixedSupplyPDO(l[0]).Voltage() != 5000) {
			return ErrFirstPDO
		}
	}
	if _, err := ParseDualRole(c.DualRole.String()); err != nil {
		return err
	}
	return nil
}

// PowerSupply is the power path of the device, driven by the policy engine.
type PowerSupply interface {
	// Ready turns on the 5V source output.
	Ready() error

	// Transition sets the source output to the contract mv/ma.
	Transition(mv, ma uint32) error

	// Reset turns the source output off and discharges VBUS.
	Reset()

	// SetInputCurrentLimit sets how much may be drawn from VBUS as sink. 0
	// means nothing.
	SetInputCurrentLimit(ma, mv uint32)
}

// SourceCapsHandler is an interface that wraps the method HandleSourceCaps.
type SourceCapsHandler interface {
	// HandleSourceCaps is called each time source capabilities are received,
	// after the request for them has been sent. The slice must not be kept
	// past the call.
	HandleSourceCaps([]pdmsg.PDO)
}

// SourceCapsHandlerFunc is an adapter to allow the use of ordinary functions
// as SourceCapsHandler.
type SourceCapsHandlerFunc func([]pdmsg.PDO)

// HandleSourceCaps implements SourceCapsHandler interface.
func (f SourceCapsHandlerFunc) HandleSourceCaps(pdos []pdmsg.PDO) {
	f(pdos)
}
