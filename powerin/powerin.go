// Package powerin decides how much current the battery charger may draw
// from the USB-C input, from the snapshots published by the policy engine.
package powerin

import (
	"time"

	"github.com/lumenlamp/go-typec/tcpe"
)

const (
	// VBUS below this is not considered a power source.
	minVBusMV = 3000

	// A PD contract is usable once VBUS is within this of the contract
	// voltage.
	contractMarginMV = 1000

	// Share of the contract current drawn, so the source never trips its
	// over current protection.
	contractSharePct = 90

	// Current drawn from a port that never spoke PD.
	StandardPortMA = 1500

	// Time since VBUS showed up before a port is considered standard.
	standardPortDelay = 1500 * time.Millisecond

	// Time without PD before a port is considered standard.
	noPDDelay = time.Second

	// VBUS may drop out for this long without losing the source, e.g.
	// while the charger searches its optimal input current.
	vbusDeglitch = time.Second

	// A source must be detected for this long before a drop out counts.
	minDetected = 100 * time.Millisecond
)

// Tracker follows the input source across policy engine snapshots. The zero
// value is ready to use. A Tracker is not safe for concurrent use.
type Tracker struct {
	detected   bool
	detectedAt time.Time
	lastValid  time.Time
	lastPD     time.Time
}

// Update records st, taken at now. It returns true if a power source is
// present on VBUS.
func (t *Tracker) Update(st tcpe.Status, now time.Time) bool {
	if st.VBusMV >= minVBusMV {
		if !t.detected {
			t.detected = true
			t.detectedAt = now
		}
		t.lastValid = now
	} else if t.detected && now.Sub(t.detectedAt) > minDetected && now.Sub(t.lastValid) > vbusDeglitch {
		t.detected = false
	}
	if st.IsPDSource() {
		t.lastPD = now
	}
	return t.detected
}

// Detected returns true if a power source is present on VBUS.
func (t *Tracker) Detected() bool { return t.detected }

// MaxInputCurrent updates the tracker with st and returns the input current
// limit in mA for the charger:
//   - 90% of the contract current once a PD sink contract is in place and
//     VBUS has reached the contract voltage,
//   - StandardPortMA for a port that has not spoken PD for a while,
//   - 0 otherwise, including while the kind of port is still unknown.
func (t *Tracker) MaxInputCurrent(st tcpe.Status, now time.Time) uint32 {
	if !t.Update(st, now) {
		return 0
	}
	if st.IsPDSource() {
		if FullPowerUsable(st) {
			return st.AvailableCurrentMA * contractSharePct / 100
		}
		return 0
	}
	if t.standardPort(now) {
		return StandardPortMA
	}
	return 0
}

// CanUseSource returns true if the charger may draw from the input at all.
func (t *Tracker) CanUseSource(st tcpe.Status, now time.Time) bool {
	return t.MaxInputCurrent(st, now) > 0
}

func (t *Tracker) standardPort(now time.Time) bool {
	return t.detected &&
		now.Sub(t.detectedAt) > standardPortDelay &&
		(t.lastPD.IsZero() || now.Sub(t.lastPD) > noPDDelay)
}

// FullPowerUsable returns true if st shows a sink contract whose voltage
// VBUS has reached.
func FullPowerUsable(st tcpe.Status) bool {
	return st.AvailableVoltageMV > 0 &&
		st.State == tcpe.SnkReady &&
		st.VBusMV+contractMarginMV >= st.AvailableVoltageMV
}
