package tcdpm

import (
	"errors"

	"github.com/lumenlamp/go-typec/pdmsg"
)

var (
	// ErrNoCapabilities is returned by BuildRequest for an empty capability
	// list.
	ErrNoCapabilities = errors.New("tcdpm: no source capabilities")

	// ErrInvalidPosition is returned by CheckRequest when the request points
	// outside the advertised capabilities.
	ErrInvalidPosition = errors.New("tcdpm: requested object position out of range")

	// ErrOverCurrent is returned by CheckRequest when the request asks for
	// more current than the selected capability offers.
	ErrOverCurrent = errors.New("tcdpm: requested current exceeds capability")
)

// The voltage field is at the same place for fixed, variable and battery
// PDOs. For the last two it's the minimum voltage.
func pdoVoltage(p pdmsg.PDO) uint32 {
	return uint32((p>>10)&0x3FF) * 50
}

// Low ten bits: 10mA units of current or 250mW units of power for batteries.
func pdoField(p pdmsg.PDO) uint32 {
	return uint32(p & 0x3FF)
}

// FindBestPDO returns the index of the profile offering the most power at or
// below maxMV, within the limits. Ties go to the higher voltage unless
// l.PreferLowerVoltage is set. Augmented profiles are ignored. Index 0 is
// returned if no profile is better.
func FindBestPDO(caps []pdmsg.PDO, maxMV uint32, l Limits) (int, pdmsg.PDO) {
	if len(caps) == 0 {
		return 0, 0
	}
	if maxMV > l.MaxVoltageMV {
		maxMV = l.MaxVoltageMV
	}
	best := 0
	var bestUW, bestMV uint32
	for i, p := range caps {
		if p.IsAugmented() {
			continue
		}
		mv := pdoVoltage(p)
		if mv == 0 || mv > maxMV {
			continue
		}
		var uw uint32
		if p.Type() == pdmsg.PDOTypeBattery {
			uw = 250000 * pdoField(p)
		} else {
			uw = min(pdoField(p)*10, l.MaxCurrentMA) * mv
		}
		uw = min(uw, l.MaxPowerMW*1000)

		tie := uw == bestUW && mv > bestMV
		if l.PreferLowerVoltage {
			tie = uw == bestUW && mv < bestMV
		}
		if uw > bestUW || tie {
			best, bestUW, bestMV = i, uw, mv
		}
	}
	return best, caps[best]
}

// ExtractPower returns the current and voltage the sink would draw from the
// profile. The current never exceeds what the profile offers nor the
// limits. Augmented profiles and profiles without a voltage give zero
// current.
func ExtractPower(p pdmsg.PDO, l Limits) (ma, mv uint32) {
	mv = pdoVoltage(p)
	if mv == 0 || p.IsAugmented() {
		return 0, mv
	}
	if p.Type() == pdmsg.PDOTypeBattery {
		mw := min(pdoField(p)*250, l.MaxPowerMW)
		ma = mw * 1000 / mv
	} else {
		ma = min(pdoField(p)*10, l.MaxPowerMW*1000/mv)
	}
	return min(ma, l.MaxCurrentMA), mv
}

// BuildRequest picks the best profile from caps and returns the request
// object for it along with the current and voltage it would provide.
func BuildRequest(caps []pdmsg.PDO, maxMV uint32, l Limits) (pdmsg.RequestDO, uint32, uint32, error) {
	if len(caps) == 0 {
		return pdmsg.EmptyRequestDO, 0, 0, ErrNoCapabilities
	}
	idx, p := FindBestPDO(caps, maxMV, l)
	ma, mv := ExtractPower(p, l)

	var rdo pdmsg.RequestDO
	rdo.SetSelectedObjectPosition(uint8(idx + 1))
	if p.Type() == pdmsg.PDOTypeBattery {
		mw := ma * mv / 1000
		rdo.SetBatteryOperatingPower(mw)
		rdo.SetBatteryMaxOperatingPower(mw)
	} else {
		rdo.SetFixedOperatingCurrent(uint16(ma))
		rdo.SetFixedMaxOperatingCurrent(uint16(ma))
	}
	if ma*mv < l.OperatingPowerMW*1000 {
		rdo.SetCapabilityMismatch(true)
	}
	return rdo, ma, mv, nil
}

// CheckRequest validates a request received from a sink against the source
// capabilities we advertised.
func CheckRequest(rdo pdmsg.RequestDO, srcCaps []pdmsg.PDO) error {
	pos := int(rdo.SelectedObjectPosition())
	if pos == 0 || pos > len(srcCaps) {
		return ErrInvalidPosition
	}
	pdoMA := pdoField(srcCaps[pos-1]) * 10
	if uint32(rdo.FixedOperatingCurrent()) > pdoMA {
		return ErrOverCurrent
	}
	if uint32(rdo.FixedMaxOperatingCurrent()) > pdoMA && !rdo.CapabilityMismatch() {
		return ErrOverCurrent
	}
	return nil
}
