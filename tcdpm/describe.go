package tcdpm

import (
	"fmt"

	"github.com/lumenlamp/go-typec/pdmsg"
)

// Describe returns a human readable description of a power data object.
func Describe(p pdmsg.PDO) string {
	switch p.Type() {
	case pdmsg.PDOTypeFixedSupply:
		fs := pdmsg.FixedSupplyPDO(p)
		return fmt.Sprintf("Fixed %.1fV @ max. %.1fA", float32(fs.Voltage())/1000, float32(fs.MaxCurrent())/1000)
	case pdmsg.PDOTypeVariableSupply:
		vs := pdmsg.VariableSupplyPDO(p)
		minV, maxV := float32(vs.MinVoltage())/1000, float32(vs.MaxVoltage())/1000
		return fmt.Sprintf("Variable %.1f-%.1fV @ max. %.1fA", minV, maxV, float32(vs.MaxCurrent())/1000)
	case pdmsg.PDOTypeBattery:
		b := pdmsg.BatteryPDO(p)
		minV, maxV := float32(b.MinVoltage())/1000, float32(b.MaxVoltage())/1000
		return fmt.Sprintf("Battery %.1f-%.1fV @ max. %.2fW", minV, maxV, float32(b.MaxPower())/1000)
	case pdmsg.PDOTypePPS:
		pps := pdmsg.PPSPDO(p)
		var powerLimited string
		if pps.IsPowerLimited() {
			powerLimited = " (power limited)"
		}
		minV, maxV, maxC := float32(pps.MinVoltage())/1000, float32(pps.MaxVoltage())/1000, float32(pps.MaxCurrent())/1000
		return fmt.Sprintf("Programmable %.1f-%.1fV @ max. %.1fA%s (not supported)", minV, maxV, maxC, powerLimited)
	case pdmsg.PDOTypeEPRAVS:
		return "EPRAVS (not supported)"
	default:
		return "INVALID!"
	}
}

// DescribeCaps describes each of the capabilities.
func DescribeCaps(caps []pdmsg.PDO) []string {
	d := make([]string, len(caps))
	for i, p := range caps {
		d[i] = Describe(p)
	}
	return d
}
