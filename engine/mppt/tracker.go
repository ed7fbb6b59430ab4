package mppt

import (
	"context"
	"time"

	"solarctl/engine/instruments"
	"solarctl/engine/models"
)

// PreRoll performs the common pre-roll described in spec §4.6: it clamps
// the requested current limit, measures Voc if neither Voc nor Vmpp is
// already known, infers whichever of Voc/Vmpp is still missing, configures
// the SMU to source voltage at Vmpp under the clamped compliance, and
// fixes the tracker's quadrant lock.
func PreRoll(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, absoluteCurrentLimit, iLimit, vocCompliance float64) error {
	if iLimit > absoluteCurrentLimit {
		iLimit = absoluteCurrentLimit
	}
	tracker.CurrentCompliance = iLimit

	if tracker.Voc == nil && tracker.Vmpp == nil {
		voc, err := measureVoc(ctx, smu, vocCompliance)
		if err != nil {
			return err
		}
		tracker.SetVoc(voc)
	}

	switch {
	case tracker.Voc != nil && tracker.Vmpp == nil:
		tracker.SetVmpp(0.7 * *tracker.Voc)
	case tracker.Voc == nil && tracker.Vmpp != nil:
		tracker.SetVoc(*tracker.Vmpp / 0.7)
	}

	if err := smu.SetupDC(true, iLimit, *tracker.Vmpp, instruments.SenseAuto); err != nil {
		return models.InstrumentCommsError("mppt.preroll", "configure source at Vmpp: %w", err)
	}

	tracker.QuadrantLock = *tracker.Voc >= 0
	return nil
}

// measureVoc sources 0 A with the given voltage compliance, dwells 1s, and
// returns the last sample's voltage (spec §4.6).
func measureVoc(ctx context.Context, smu instruments.SMU, vocCompliance float64) (float64, error) {
	if err := smu.SetupDC(false, vocCompliance, 0, instruments.SenseAuto); err != nil {
		return 0, models.InstrumentCommsError("mppt.preroll", "configure Voc measurement: %w", err)
	}
	samples, err := smu.MeasureUntil(ctx, time.Second, nil)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, models.InstrumentCommsError("mppt.preroll", "no samples returned during Voc measurement")
	}
	return samples[len(samples)-1].V, nil
}

// RegisterCurve implements spec §4.6's curve registration: compute
// P = V*I*(-1) across the curve, find Pmax/Vmpp/Impp, and if the curve
// crosses both axes derive Voc/Isc too. The tracker's stored reference is
// updated only when the new curve beats the previous one (or there was no
// previous curve), making repeated registration of the same curve
// idempotent (spec §8 round-trip property).
func RegisterCurve(tracker *models.TrackerState, samples []models.Sample) (pmax, vmpp, impp float64, idx int) {
	if len(samples) == 0 {
		return 0, 0, 0, -1
	}

	idx = 0
	pmax = power(samples[0])
	for i, s := range samples {
		p := power(s)
		if p > pmax {
			pmax, idx = p, i
		}
	}
	vmpp, impp = samples[idx].V, samples[idx].I

	if tracker.Pmax == nil || pmax > *tracker.Pmax {
		tracker.SetPmax(pmax)
		tracker.SetVmpp(vmpp)
		tracker.SetImpp(impp)

		if crossesBothAxes(samples) {
			voc, isc := voAndIsc(samples)
			tracker.SetVoc(voc)
			tracker.SetIsc(isc)
		}
	}

	return pmax, vmpp, impp, idx
}

func power(s models.Sample) float64 { return s.V * s.I * -1 }

func crossesBothAxes(samples []models.Sample) bool {
	return signChanges(samples, func(s models.Sample) float64 { return s.V }) &&
		signChanges(samples, func(s models.Sample) float64 { return s.I })
}

func signChanges(samples []models.Sample, f func(models.Sample) float64) bool {
	sawPos, sawNeg := false, false
	for _, s := range samples {
		v := f(s)
		if v > 0 {
			sawPos = true
		}
		if v < 0 {
			sawNeg = true
		}
	}
	return sawPos && sawNeg
}

// voAndIsc extracts Voc (the V at the sample nearest I == 0) and Isc (the I
// at the sample nearest V == 0) by linear interpolation between the two
// samples straddling the crossing.
func voAndIsc(samples []models.Sample) (voc, isc float64) {
	voc = interpolateCrossing(samples, func(s models.Sample) float64 { return s.I }, func(s models.Sample) float64 { return s.V })
	isc = interpolateCrossing(samples, func(s models.Sample) float64 { return s.V }, func(s models.Sample) float64 { return s.I })
	return voc, isc
}

func interpolateCrossing(samples []models.Sample, x func(models.Sample) float64, y func(models.Sample) float64) float64 {
	for i := 0; i+1 < len(samples); i++ {
		x0, x1 := x(samples[i]), x(samples[i+1])
		if (x0 <= 0 && x1 >= 0) || (x0 >= 0 && x1 <= 0) {
			if x1 == x0 {
				return y(samples[i])
			}
			frac := (0 - x0) / (x1 - x0)
			y0, y1 := y(samples[i]), y(samples[i+1])
			return y0 + frac*(y1-y0)
		}
	}
	return 0
}
