package tcdpm

import (
	"errors"
	"fmt"
	"io"

	"github.com/lumenlamp/go-typec/pdmsg"
)

// Selection is the outcome of evaluating source capabilities.
type Selection struct {
	RDO       pdmsg.RequestDO
	CurrentMA uint32
	VoltageMV uint32
}

// Policy picks a profile among the capabilities advertised by a source.
// maxMV further bounds the voltage for this negotiation only.
type Policy interface {
	// Validate returns an error if the policy parameters are invalid.
	Validate() error
	EvaluateCapabilities(caps []pdmsg.PDO, maxMV uint32) (Selection, error)
}

// EvaluateCapabilities selects the profile offering the most power within
// the limits.
func (l Limits) EvaluateCapabilities(caps []pdmsg.PDO, maxMV uint32) (Selection, error) {
	rdo, ma, mv, err := BuildRequest(caps, maxMV, l)
	if err != nil {
		return Selection{}, err
	}
	return Selection{RDO: rdo, CurrentMA: ma, VoltageMV: mv}, nil
}

// CVPolicy defines a constant voltage policy where the power source is expected
// to maintain the negotiated voltage and to be capable of supplying at least
// the negotiated current. Only fixed supply profiles are considered.
//
// When no profile satisfies the policy, vSafe5V is requested at the current
// it offers with the capability mismatch flag set, so that the source keeps
// the contract and knows it is not enough.
type CVPolicy struct {

	// Minimum accepted voltage in millivolts.
	MinVoltage uint16

	// Maximum accepted voltage in millivolts.
	MaxVoltage uint16

	// Current in milliamps that the source must be able to supply at the
	// negotiated voltage.
	Current uint16

	// If a source provides multiple profile within the voltage range of a
	// policy, it's possible to prefer lower voltage profiles than the default
	// higher voltage profiles.
	PreferLowerVoltage bool
}

var (
	errBadVoltage            = errors.New("tcdpm: voltage must be >= 5000mV & <= 20000 mV")
	errCVBadCurrent          = errors.New("tcdpm: current must be >= 0mA & <= 5000mA")
	errMaxVoltageLessThanMin = errors.New("tcdpm: max voltage must be >= min voltage")
)

// Validate returns an error if the policy parameters are invalid.
func (c CVPolicy) Validate() error {
	if c.Current > 5000 {
		return errCVBadCurrent
	}
	if c.MinVoltage < 5000 || c.MaxVoltage < 5000 || c.MinVoltage > 20000 || c.MaxVoltage > 20000 {
		return errBadVoltage
	}
	if c.MinVoltage > c.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// EvaluateCapabilities returns a request for the fixed profile within the
// policy voltage range able to supply the policy current.
func (c CVPolicy) EvaluateCapabilities(caps []pdmsg.PDO, maxMV uint32) (Selection, error) {
	if len(caps) == 0 {
		return Selection{}, ErrNoCapabilities
	}
	var bestVoltage uint16
	if c.PreferLowerVoltage {
		bestVoltage = ^uint16(0)
	}
	var sel Selection
	for i, p := range caps {
		if p.Type() != pdmsg.PDOTypeFixedSupply {
			continue
		}
		fs := pdmsg.FixedSupplyPDO(p)
		v := fs.Voltage()
		if v < c.MinVoltage || v > c.MaxVoltage || uint32(v) > maxMV || fs.MaxCurrent() < c.Current {
			continue
		}
		if (c.PreferLowerVoltage && v < bestVoltage) || (!c.PreferLowerVoltage && v > bestVoltage) {
			sel.RDO = pdmsg.EmptyRequestDO
			sel.RDO.SetSelectedObjectPosition(uint8(i) + 1)
			sel.RDO.SetFixedOperatingCurrent(c.Current)
			sel.RDO.SetFixedMaxOperatingCurrent(c.Current)
			sel.CurrentMA, sel.VoltageMV = uint32(c.Current), uint32(v)
			bestVoltage = v
		}
	}
	if sel.RDO != pdmsg.EmptyRequestDO {
		return sel, nil
	}

	// The first profile is always vSafe5V.
	fs := pdmsg.FixedSupplyPDO(caps[0])
	sel.RDO.SetSelectedObjectPosition(1)
	sel.RDO.SetFixedOperatingCurrent(fs.MaxCurrent())
	sel.RDO.SetFixedMaxOperatingCurrent(fs.MaxCurrent())
	sel.RDO.SetCapabilityMismatch(true)
	sel.CurrentMA, sel.VoltageMV = uint32(fs.MaxCurrent()), uint32(fs.Voltage())
	return sel, nil
}

// Logger is a passthrough policy that writes a textual description of source
// capabilities to a given io.Writer. It's mostly used for debugging purposes.
type Logger struct {
	w    io.Writer
	sep  string
	base Policy
}

// NewLogger creates a new logger which will write to the given writer and
// pass the evaluate calls through to base. If no base is provided,
// DefaultLimits is used. Line separator is written to the writer after each
// line of output. Some common values are "\n", "\r", "\r\n".
func NewLogger(w io.Writer, lineSep string, base Policy) *Logger {
	if base == nil {
		base = DefaultLimits
	}
	return &Logger{
		w:    w,
		sep:  lineSep,
		base: base,
	}
}

// Validate returns nil if the underlying policy is valid.
func (l *Logger) Validate() error {
	return l.base.Validate()
}

// EvaluateCapabilities writes out the textual description of the provided
// power data objects, passes them down to the underlying policy and writes
// out its choice.
func (l *Logger) EvaluateCapabilities(caps []pdmsg.PDO, maxMV uint32) (Selection, error) {
	fmt.Fprintf(l.w, "Received %d profiles:%s", len(caps), l.sep)
	for i, d := range DescribeCaps(caps) {
		fmt.Fprintf(l.w, "  %d) %s%s", i+1, d, l.sep)
	}
	sel, err := l.base.EvaluateCapabilities(caps, maxMV)
	if err != nil {
		fmt.Fprintf(l.w, "No request: %v%s", err, l.sep)
		return sel, err
	}
	var mismatch string
	if sel.RDO.CapabilityMismatch() {
		mismatch = " (capability mismatch)"
	}
	fmt.Fprintf(l.w, "Requesting %d) %.1fV @ %.2fA%s%s", sel.RDO.SelectedObjectPosition(),
		float32(sel.VoltageMV)/1000, float32(sel.CurrentMA)/1000, mismatch, l.sep)
	return sel, nil
}
