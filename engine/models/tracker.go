package models

import "time"

// TrackerState holds the mutable state of an MPPT run (spec §3). It is
// reset before each pixel's tracking phase and never shared across
// concurrent pipelines — the job slot guarantees there is only ever one.
type TrackerState struct {
	Voc    *float64
	Isc    *float64
	Vmpp   *float64
	Impp   *float64
	Pmax   *float64

	CurrentCompliance float64 // positive, hard-clamped to AbsoluteCurrentLimit
	QuadrantLock      bool    // true => never source V < 0; false => never source V > 0

	T0 time.Time
}

// Reset clears all learned operating-point values and seeds a fresh start
// time, keeping CurrentCompliance/QuadrantLock as already configured by
// the caller (they are set explicitly during pre-roll, see engine/mppt).
func (t *TrackerState) Reset(start time.Time) {
	t.Voc, t.Isc, t.Vmpp, t.Impp, t.Pmax = nil, nil, nil, nil, nil
	t.T0 = start
}

func f64ptr(v float64) *float64 { return &v }

// SetVoc/SetIsc/SetVmpp/SetImpp/SetPmax set the corresponding optional
// field to a concrete value.
func (t *TrackerState) SetVoc(v float64)  { t.Voc = f64ptr(v) }
func (t *TrackerState) SetIsc(v float64)  { t.Isc = f64ptr(v) }
func (t *TrackerState) SetVmpp(v float64) { t.Vmpp = f64ptr(v) }
func (t *TrackerState) SetImpp(v float64) { t.Impp = f64ptr(v) }
func (t *TrackerState) SetPmax(v float64) { t.Pmax = f64ptr(v) }

// Clamp enforces the quadrant lock on a requested source-voltage setpoint
// (spec §4.6): a positive lock clamps negative requests to +1e-4 V and
// symmetrically for a negative lock.
func (t *TrackerState) Clamp(v float64) float64 {
	const floor = 1e-4
	if t.QuadrantLock {
		if v < 0 {
			return floor
		}
		return v
	}
	if v > 0 {
		return -floor
	}
	return v
}
