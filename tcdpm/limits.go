// Package tcdpm implements the power policy of the port: picking a source
// profile, building the request for it and validating requests received
// while acting as source.
package tcdpm

import "errors"

// Limits bounds what the sink asks for regardless of what the source
// advertises. All values are in millivolts, milliamps and milliwatts.
type Limits struct {

	// Highest voltage ever requested. Requests may pass a lower bound per call.
	MaxVoltageMV uint32

	// Highest current ever requested.
	MaxCurrentMA uint32

	// Profiles offering more power than this are considered equal.
	MaxPowerMW uint32

	// Power needed to operate. Requests for less set the capability mismatch
	// flag.
	OperatingPowerMW uint32

	// Among profiles of equal power, pick the lowest voltage instead of the
	// highest.
	PreferLowerVoltage bool
}

// DefaultLimits are the limits of the lamp: 20V at up to 5A and at least
// 2.25W to run.
var DefaultLimits = Limits{
	MaxVoltageMV:     20000,
	MaxCurrentMA:     5000,
	MaxPowerMW:       20000 * 5000 / 1000,
	OperatingPowerMW: 2250,
}

var (
	errLimitVoltage = errors.New("tcdpm: max voltage must be >= 5000mV & <= 20000mV")
	errLimitCurrent = errors.New("tcdpm: max current must be > 0mA & <= 5000mA")
	errLimitPower   = errors.New("tcdpm: operating power must be <= max power")
)

// Validate returns an error if the limits can't be used to negotiate.
func (l Limits) Validate() error {
	if l.MaxVoltageMV < 5000 || l.MaxVoltageMV > 20000 {
		return errLimitVoltage
	}
	if l.MaxCurrentMA == 0 || l.MaxCurrentMA > 5000 {
		return errLimitCurrent
	}
	if l.OperatingPowerMW > l.MaxPowerMW {
		return errLimitPower
	}
	return nil
}
