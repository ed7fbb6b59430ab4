package mppt

import (
	"context"
	"math"
	"math/rand"
	"time"

	"solarctl/engine/instruments"
	"solarctl/engine/models"
)

// initialSoakDefaultS is the basic strategy's initial soak ceiling before
// the explore/dwell loop starts (spec §4.6: "min(initial_soak, 0.2 ·
// duration)"); the source material leaves initial_soak as an
// implementation constant, and 10 s is the value used here.
const initialSoakDefaultS = 10.0

// Run dispatches to the strategy selected by params, driving smu for up to
// duration and returning the full sample log (spec §4.6). area is needed by
// the gradient-descent objective (gd and snaith); basic and spo ignore it.
func Run(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, params Params, duration time.Duration, areaCM2 float64) ([]models.Sample, error) {
	switch params.Kind {
	case StrategyBasic:
		return runBasic(ctx, smu, tracker, params.Basic, duration)
	case StrategyGradientDescent:
		return runGD(ctx, smu, tracker, params.GD, duration, areaCM2, false)
	case StrategySnaith:
		return runSnaith(ctx, smu, tracker, params.GD, duration, areaCM2)
	case StrategySpo:
		return runSpo(ctx, smu, tracker, duration)
	default:
		return nil, models.ConfigError("mppt.run", "unhandled strategy kind %d", params.Kind)
	}
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func setSourceClamped(smu instruments.SMU, tracker *models.TrackerState, v float64) error {
	return smu.SetSource(tracker.Clamp(v))
}

// runBasic is the perturb-and-observe strategy (spec §4.6).
func runBasic(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, p BasicParams, duration time.Duration) ([]models.Sample, error) {
	var log []models.Sample
	durationS := duration.Seconds()
	voc := valueOr(tracker.Voc, 1)
	isc := valueOr(tracker.Isc, 1)
	dV := voc / 301.0

	soakS := math.Min(initialSoakDefaultS, 0.2*durationS)
	soakSamples, err := dwellAt(ctx, smu, tracker, *tracker.Vmpp, time.Duration(soakS*float64(time.Second)))
	if err != nil {
		return log, err
	}
	log = append(log, soakSamples...)
	if len(soakSamples) > 0 {
		tracker.SetImpp(soakSamples[len(soakSamples)-1].I)
	}

	deadline := time.Now().Add(duration - time.Duration(soakS*float64(time.Second)))
	mppAngle := angleDeg(*tracker.Vmpp, valueOr(tracker.Impp, 0), voc, isc)

	for time.Now().Before(deadline) {
		if cancelled(ctx) {
			return log, models.ErrUserAborted
		}

		explored, err := exploreEdges(ctx, smu, tracker, dV, p.DAngleMax, mppAngle, voc, isc)
		if err != nil {
			return log, err
		}
		log = append(log, explored...)
		if len(explored) == 0 {
			break
		}

		bestIdx, bestP := 0, math.Inf(-1)
		for i, s := range explored {
			if pw := power(s); pw > bestP {
				bestP, bestIdx = pw, i
			}
		}
		tracker.SetVmpp(explored[bestIdx].V)
		tracker.SetImpp(explored[bestIdx].I)
		mppAngle = angleDeg(explored[bestIdx].V, explored[bestIdx].I, voc, isc)

		remaining := time.Until(deadline)
		dwell := time.Duration(p.DwellS * float64(time.Second))
		if dwell > remaining {
			dwell = remaining
		}
		dwellSamples, err := dwellAt(ctx, smu, tracker, *tracker.Vmpp, dwell)
		if err != nil {
			return log, err
		}
		log = append(log, dwellSamples...)
	}

	return log, nil
}

// exploreEdges steps the setpoint by ±dV from the current Vmpp until both
// the high and low "edge" conditions are hit: the angle deviates from the
// MPP angle by more than dAngleMax degrees, or the setpoint would cross 0
// or Voc (spec §4.6 explore sub-step).
func exploreEdges(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, dV, dAngleMax, mppAngle, voc, isc float64) ([]models.Sample, error) {
	var out []models.Sample
	start := *tracker.Vmpp

	for _, sign := range []float64{1, -1} {
		v := start
		for {
			if cancelled(ctx) {
				return out, models.ErrUserAborted
			}
			v += sign * dV
			if v <= 0 || v >= voc {
				break
			}
			sample, err := sampleAt(ctx, smu, tracker, v)
			if err != nil {
				return out, err
			}
			out = append(out, sample)
			if math.Abs(angleDeg(sample.V, sample.I, voc, isc)-mppAngle) > dAngleMax {
				break
			}
		}
	}
	return out, nil
}

func angleDeg(v, i, voc, isc float64) float64 {
	if v == 0 || isc == 0 {
		return 0
	}
	return math.Atan(i/v*voc/isc) * 180 / math.Pi
}

// runGD is the gradient-descent strategy (spec §4.6). When presoak is
// true, a caller-managed pre/post soak frames the call (runSnaith does
// this); runGD itself only runs the descent loop.
func runGD(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, p GDParams, duration time.Duration, areaCM2 float64, _ bool) ([]models.Sample, error) {
	var log []models.Sample
	if areaCM2 <= 0 {
		areaCM2 = 1
	}

	obj := func(v, i float64) float64 { return v * i / areaCM2 }

	type point struct {
		v, i, t float64
	}
	first, err := sampleAt(ctx, smu, tracker, *tracker.Vmpp)
	if err != nil {
		return log, err
	}
	log = append(log, first)
	hist := []point{{first.V, first.I, first.T}}

	delta := p.Delta0
	deadline := time.Now().Add(duration)
	lastJump := time.Now()
	jumpSign := 1.0

	for time.Now().Before(deadline) {
		if cancelled(ctx) {
			return log, models.ErrUserAborted
		}

		if p.JumpPeriodS > 0 && time.Since(lastJump).Seconds() >= p.JumpPeriodS {
			jumpV := jumpSign * (p.JumpPercent / 100) * valueOr(tracker.Voc, hist[len(hist)-1].v)
			jumpSign = -jumpSign
			lastJump = time.Now()
			s, err := sampleAt(ctx, smu, tracker, hist[len(hist)-1].v+jumpV)
			if err != nil {
				return log, err
			}
			log = append(log, s)
			hist = append(hist, point{s.V, s.I, s.T})
			if len(hist) > 2 {
				hist = hist[len(hist)-2:]
			}
			continue
		}

		var grad float64
		if len(hist) >= 2 {
			prev, cur := hist[len(hist)-2], hist[len(hist)-1]
			dv := cur.v - prev.v
			if dv == 0 {
				grad = math.NaN()
			} else {
				grad = (obj(cur.v, cur.i) - obj(prev.v, prev.i)) / dv
				if p.TimeScale {
					dt := cur.t - prev.t
					if dt != 0 {
						grad /= dt
					}
				}
			}
		}

		if math.IsNaN(grad) {
			sign := 1.0
			if rand.Float64() < 0.5 {
				sign = -1
			}
			delta = sign * p.MinStep
		} else {
			delta = -p.Alpha*grad + p.Momentum*delta
			delta = clampAbs(delta, p.MinStep, p.MaxStep)
		}

		nextV := hist[len(hist)-1].v + delta
		s, err := sampleAt(ctx, smu, tracker, nextV)
		if err != nil {
			return log, err
		}
		log = append(log, s)
		hist = append(hist, point{s.V, s.I, s.T})
		if len(hist) > 2 {
			hist = hist[len(hist)-2:]
		}
	}

	if len(hist) > 0 {
		last := hist[len(hist)-1]
		tracker.SetVmpp(last.v)
		tracker.SetImpp(last.i)
	}

	return log, nil
}

func clampAbs(v, min, max float64) float64 {
	sign := 1.0
	if v < 0 {
		sign = -1
	}
	abs := math.Abs(v)
	if abs < min {
		abs = min
	}
	if abs > max {
		abs = max
	}
	return sign * abs
}

// runSnaith frames gradient descent with a 15s pre-soak and 3s post-soak at
// the current Vmpp, deducting both from duration (spec §4.6).
func runSnaith(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, p GDParams, duration time.Duration, areaCM2 float64) ([]models.Sample, error) {
	const preSoak = 15 * time.Second
	const postSoak = 3 * time.Second

	var log []models.Sample
	pre, err := dwellAt(ctx, smu, tracker, *tracker.Vmpp, preSoak)
	if err != nil {
		return log, err
	}
	log = append(log, pre...)

	gdDuration := duration - preSoak - postSoak
	if gdDuration < 0 {
		gdDuration = 0
	}
	gdSamples, err := runGD(ctx, smu, tracker, p, gdDuration, areaCM2, true)
	log = append(log, gdSamples...)
	if err != nil {
		return log, err
	}

	post, err := dwellAt(ctx, smu, tracker, *tracker.Vmpp, postSoak)
	log = append(log, post...)
	return log, err
}

// runSpo is the hold-only strategy: it simply holds at Vmpp for the whole
// duration and returns the collected samples when the hold ends.
func runSpo(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, duration time.Duration) ([]models.Sample, error) {
	return dwellAt(ctx, smu, tracker, *tracker.Vmpp, duration)
}

func dwellAt(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, v float64, dwell time.Duration) ([]models.Sample, error) {
	if dwell <= 0 {
		return nil, nil
	}
	if err := setSourceClamped(smu, tracker, v); err != nil {
		return nil, models.InstrumentCommsError("mppt.dwell", "set source: %w", err)
	}
	samples, err := smu.MeasureUntil(ctx, dwell, nil)
	if err != nil {
		return samples, err
	}
	return samples, nil
}

func sampleAt(ctx context.Context, smu instruments.SMU, tracker *models.TrackerState, v float64) (models.Sample, error) {
	if err := setSourceClamped(smu, tracker, v); err != nil {
		return models.Sample{}, models.InstrumentCommsError("mppt.sample", "set source: %w", err)
	}
	samples, err := smu.Measure(ctx, 1)
	if err != nil {
		return models.Sample{}, err
	}
	if len(samples) == 0 {
		return models.Sample{}, models.InstrumentCommsError("mppt.sample", "no sample returned")
	}
	return samples[0], nil
}

func valueOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
