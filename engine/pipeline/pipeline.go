// Package pipeline implements the per-pixel measurement state machine (C5):
// Selected → Compliant → {VtDwell? → Sweep* → Mppt? → ItDwell?} → Finalized
// (spec §4.5), as a single-goroutine state machine per pixel since only one
// job (and therefore one pixel at a time) is ever active (spec §1
// Non-goals: "no multi-job parallelism").
package pipeline

import (
	"context"
	"errors"
	"time"

	"solarctl/engine/bus"
	"solarctl/engine/datahandlers"
	"solarctl/engine/instruments"
	"solarctl/engine/models"
	"solarctl/engine/mppt"
	"solarctl/engine/telemetry/logging"
)

// Publisher is the slice of *bus.Adapter the pipeline needs for progress
// and log messages; data publication goes through datahandlers.Publisher.
type Publisher interface {
	datahandlers.Publisher
	PublishProgress(bus.ProgressMessage)
	PublishLog(bus.LogLevel, string)
}

// AbsoluteCurrentLimit bounds every computed compliance value (spec §4.5,
// §8 invariant 5); it is a deployment constant, not a per-job argument.
type Pipeline struct {
	Facade               *instruments.Facade
	Pub                  Publisher
	Log                  logging.Logger
	AbsoluteCurrentLimit float64
	OffDuringMotion      bool

	// EQE drives the per-pixel EQE spectral-scan stage (spec §1, §12). A
	// nil EQE disables the stage even when args.EQEScan is set; callers
	// normally populate it with a monochromatorEQEScanner over the same
	// façade.
	EQE EQEScanner
}

// EQESample is one (wavelength, signal) point from an EQE spectral scan.
type EQESample struct {
	WavelengthNM float64 `json:"wavelength_nm"`
	Signal       float64 `json:"signal"`
}

// EQEScanConfig configures a spectral scan: wavelength range and step. The
// inner scan algorithm is out of scope (spec §1 Non-goals); any EQEScanner
// just needs to honor this shape.
type EQEScanConfig struct {
	StartWavelengthNM float64
	EndWavelengthNM   float64
	StepWavelengthNM  float64
}

// EQEScanner is the pluggable EQE spectral-scan stage (spec §1: "treated as
// a pluggable operation taking a configuration and returning a lazy
// sequence of samples"). The pipeline drives it exactly like any other
// sub-measurement stage.
type EQEScanner interface {
	Scan(ctx context.Context, cfg EQEScanConfig) (<-chan EQESample, error)
}

// monochromatorEQEScanner is the deterministic stub that satisfies
// EQEScanner against the façade's Monochromator/LIA capabilities: step
// wavelength, read the lock-in amplifier, repeat.
type monochromatorEQEScanner struct {
	Mono instruments.Monochromator
	LIA  instruments.LIA
}

// NewMonochromatorEQEScanner builds the stub EQEScanner over a connected
// monochromator and lock-in amplifier.
func NewMonochromatorEQEScanner(mono instruments.Monochromator, lia instruments.LIA) EQEScanner {
	return monochromatorEQEScanner{Mono: mono, LIA: lia}
}

func (s monochromatorEQEScanner) Scan(ctx context.Context, cfg EQEScanConfig) (<-chan EQESample, error) {
	step := cfg.StepWavelengthNM
	if step <= 0 {
		step = 20
	}
	out := make(chan EQESample)
	go func() {
		defer close(out)
		for nm := cfg.StartWavelengthNM; nm <= cfg.EndWavelengthNM; nm += step {
			if ctx.Err() != nil {
				return
			}
			if err := s.Mono.SetWavelength(ctx, nm); err != nil {
				return
			}
			v, err := s.LIA.Read(ctx)
			if err != nil {
				return
			}
			select {
			case out <- EQESample{WavelengthNM: nm, Signal: v}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// errAbortQueue signals that the mux-select step failed and the caller
// must stop iterating the work queue entirely, since subsequent selections
// can no longer be trusted (spec §4.5 failure-semantics table).
var errAbortQueue = errors.New("pipeline: abort queue, mux select untrustworthy")

// RunQueue iterates wq (spec §4.5 Finalized: cycles == 0 loops until
// cancelled; cycles == N repeats the queue N times) and runs each pixel
// through the state machine. It returns only on cancellation, a job-fatal
// error, a mux-select failure (errAbortQueue), or normal completion.
func (p *Pipeline) RunQueue(ctx context.Context, wq *models.WorkQueue, args models.JobArgs, cfg models.JobConfig) error {
	pixels := wq.All()
	if len(pixels) == 0 {
		p.Pub.PublishProgress(bus.ProgressMessage{Text: "empty queue", Fraction: 1})
		return nil
	}

	infinite := args.Cycles == 0
	totalPasses := args.Cycles
	if infinite {
		totalPasses = 1
	}
	if totalPasses < 1 {
		totalPasses = 1
	}
	totalPixels := totalPasses * len(pixels)

	done := 0

	for pass := 0; infinite || pass < totalPasses; pass++ {
		for _, px := range pixels {
			if ctx.Err() != nil {
				p.Pub.PublishProgress(bus.ProgressMessage{Text: "Aborted"})
				return models.ErrUserAborted
			}

			err := p.runPixel(ctx, px, args, cfg)
			done++

			if err != nil {
				if errors.Is(err, errAbortQueue) {
					p.Log.ErrorCtx(ctx, "pipeline: aborting queue after mux select failure", "pixel", px.String())
					p.Pub.PublishProgress(bus.ProgressMessage{Text: "Aborted"})
					return err
				}
				if kind, ok := models.KindOf(err); ok && kind.JobFatal() {
					p.Log.ErrorCtx(ctx, "pipeline: job-fatal error, aborting", "pixel", px.String(), "err", err)
					p.Pub.PublishProgress(bus.ProgressMessage{Text: "Aborted"})
					return err
				}
				// pixel-fatal: already logged by the phase that produced it.
			}

			if infinite {
				p.Pub.PublishProgress(bus.FractionUnknown("running"))
			} else {
				elapsedFrac := float64(done) / float64(totalPixels)
				p.Pub.PublishProgress(bus.ProgressMessage{Text: "running", Fraction: elapsedFrac})
			}
		}
	}

	p.Pub.PublishProgress(bus.ProgressMessage{Text: "done", Fraction: 1})
	return nil
}

// runPixel drives one pixel through the full state machine. A returned
// error is always one already logged appropriately by the phase that
// produced it; callers only need to classify it.
func (p *Pipeline) runPixel(ctx context.Context, px models.PixelDescriptor, args models.JobArgs, cfg models.JobConfig) error {
	if px.Skip() {
		return nil
	}

	if err := p.selected(ctx, px, cfg); err != nil {
		return err
	}

	compliance := computeCompliance(args, px.AreaCM2, p.AbsoluteCurrentLimit, p.Log)

	var ssvoc *float64
	tracker := &models.TrackerState{}
	tracker.Reset(time.Now())

	if args.IDwell > 0 {
		datahandlers.New(p.Pub, bus.KindVt, px.String(), "").Clear()
		v, err := p.vtDwell(ctx, px, args)
		if err != nil {
			return p.finalizeOnError(ctx, err)
		}
		if args.IDwellValue == 0 {
			ssvoc = &v
			tracker.SetVoc(v)
		}
	}

	if args.SweepCheck {
		datahandlers.New(p.Pub, bus.KindIV1, px.String(), "").Clear()
		if args.ReturnSwitch {
			datahandlers.New(p.Pub, bus.KindIV2, px.String(), "").Clear()
		}
		if err := p.sweeps(ctx, px, args, compliance, tracker); err != nil {
			return p.finalizeOnError(ctx, err)
		}
	}

	if args.MPPTDwell > 0 {
		datahandlers.New(p.Pub, bus.KindMppt, px.String(), "").Clear()
		if err := p.runMppt(ctx, px, args, compliance, tracker, ssvoc); err != nil {
			return p.finalizeOnError(ctx, err)
		}
	}

	if args.VDwell > 0 {
		datahandlers.New(p.Pub, bus.KindIt, px.String(), "").Clear()
		if err := p.itDwell(ctx, px, args, compliance); err != nil {
			return p.finalizeOnError(ctx, err)
		}
	}

	if args.EQEScan && p.EQE != nil {
		if err := p.eqeScan(ctx, px, args); err != nil {
			return p.finalizeOnError(ctx, err)
		}
	}

	return p.finalize(ctx)
}

// eqeScan drives the pluggable EQE spectral-scan stage and publishes each
// sample as it arrives under data/raw/eqe_measurement (spec §1, §12).
func (p *Pipeline) eqeScan(ctx context.Context, px models.PixelDescriptor, args models.JobArgs) error {
	p.Pub.PublishPlotterClear(bus.KindEQE)

	samples, err := p.EQE.Scan(ctx, EQEScanConfig{
		StartWavelengthNM: args.EQEStartWL,
		EndWavelengthNM:   args.EQEEndWL,
		StepWavelengthNM:  args.EQEStepWL,
	})
	if err != nil {
		return models.InstrumentCommsError("pipeline.eqe_scan", "start scan: %w", err)
	}

	for s := range samples {
		p.Pub.PublishData(bus.KindEQE, bus.DataMessage{
			Data:  s,
			Pixel: px.String(),
		})
	}
	p.Pub.PublishData(bus.KindEQE, bus.DataMessage{Pixel: px.String(), End: true})
	return nil
}

// selected implements the Selected state (spec §4.5).
func (p *Pipeline) selected(ctx context.Context, px models.PixelDescriptor, cfg models.JobConfig) error {
	if _, err := p.Facade.Controller.Query(ctx, "iv"); err != nil {
		return p.finalizeOnError(ctx, models.InstrumentCommsError("pipeline.experiment_relay", "set iv mode: %w", err))
	}

	if p.OffDuringMotion && p.Facade.Light != nil {
		if err := p.Facade.Light.Off(ctx); err != nil {
			p.Log.WarnCtx(ctx, "pipeline: light off during motion failed", "err", err)
		}
	}

	if err := p.Facade.Motion.Goto(ctx, px.Position); err != nil {
		p.Log.ErrorCtx(ctx, "pipeline: stage motion failed", "pixel", px.String(), "err", err)
		return p.finalizeOnError(ctx, models.MotionError("pipeline.goto", "move to %s: %w", px.String(), err))
	}

	if _, err := p.Facade.Controller.Query(ctx, px.MuxString); err != nil {
		p.Log.ErrorCtx(ctx, "pipeline: mux select failed, aborting queue", "pixel", px.String(), "err", err)
		_ = p.finalize(ctx)
		return errAbortQueue
	}

	return nil
}

// finalizeOnError disables the SMU output (every exit path must, spec §8
// invariant 6) and returns err unchanged for the caller to classify.
func (p *Pipeline) finalizeOnError(ctx context.Context, err error) error {
	if finalizeErr := p.finalize(ctx); finalizeErr != nil {
		p.Log.WarnCtx(ctx, "pipeline: finalize after error also failed", "err", finalizeErr)
	}
	return err
}

// finalize implements the Finalized state: SMU output off.
func (p *Pipeline) finalize(ctx context.Context) error {
	if p.Facade.SMU == nil {
		return nil
	}
	return p.Facade.SMU.OutputEnabled(false)
}

// computeCompliance implements the §4.5 Compliant state formula.
func computeCompliance(args models.JobArgs, areaCM2, absoluteCurrentLimit float64, log logging.Logger) float64 {
	var i float64
	switch {
	case args.HasIMax:
		i = args.IMax
	case args.HasJMax && areaCM2 > 0:
		i = 5 * args.JMax * areaCM2 / 1000
	default:
		i = 0.5 * 0.05
	}
	if i < 0 {
		i = 0
	}
	if i > absoluteCurrentLimit {
		log.WarnCtx(context.Background(), "pipeline: computed compliance exceeds absolute limit, clamping", "computed", i, "limit", absoluteCurrentLimit)
		i = absoluteCurrentLimit
	}
	return i
}

// vtDwell implements the VtDwell state: source i_dwell_value with 3V
// voltage compliance, dwell i_dwell seconds, return the last sample's
// voltage.
func (p *Pipeline) vtDwell(ctx context.Context, px models.PixelDescriptor, args models.JobArgs) (float64, error) {
	if p.Facade.Light != nil {
		if err := p.Facade.Light.On(ctx); err != nil {
			return 0, models.InstrumentCommsError("pipeline.vt_dwell", "light on: %w", err)
		}
	}
	if err := p.Facade.SMU.ConfigureNPLC(args.NPLC); err != nil {
		return 0, models.InstrumentCommsError("pipeline.vt_dwell", "configure nplc: %w", err)
	}
	if err := p.Facade.SMU.SetupDC(false, 3, args.IDwellValue, instruments.SenseAuto); err != nil {
		return 0, models.InstrumentCommsError("pipeline.vt_dwell", "setup dc: %w", err)
	}
	if err := p.Facade.SMU.OutputEnabled(true); err != nil {
		return 0, models.InstrumentCommsError("pipeline.vt_dwell", "enable output: %w", err)
	}

	samples, err := p.Facade.SMU.MeasureUntil(ctx, time.Duration(args.IDwell*float64(time.Second)), nil)
	if err != nil {
		return 0, err
	}

	h := datahandlers.New(p.Pub, bus.KindVt, px.String(), "")
	h.Handle(samples, true)

	if len(samples) == 0 {
		return 0, models.InstrumentCommsError("pipeline.vt_dwell", "no samples returned")
	}
	return samples[len(samples)-1].V, nil
}

// sweepConditions maps lit_sweep to the ordered [dark/light] conditions
// (spec §4.5).
func sweepConditions(litSweep int) []bool {
	// true == lit
	switch litSweep {
	case 0:
		return []bool{false, true}
	case 1:
		return []bool{true, false}
	case 2:
		return []bool{false}
	case 3:
		return []bool{true}
	default:
		return []bool{true}
	}
}

// sweeps implements the Sweep* state (spec §4.5): for each condition, run
// a forward sweep and optionally a reverse one, registering each curve
// with the tracker.
func (p *Pipeline) sweeps(ctx context.Context, px models.PixelDescriptor, args models.JobArgs, compliance float64, tracker *models.TrackerState) error {
	for _, lit := range sweepConditions(args.LitSweep) {
		sense := instruments.SenseFollow
		if !lit {
			sense = instruments.SenseAuto
		}
		if p.Facade.Light != nil {
			var err error
			if lit {
				err = p.Facade.Light.On(ctx)
			} else {
				err = p.Facade.Light.Off(ctx)
			}
			if err != nil {
				return models.InstrumentCommsError("pipeline.sweep", "set light state: %w", err)
			}
		}

		stepDelay := time.Duration(args.SourceDelay * float64(time.Millisecond))
		if args.SourceDelay < 0 {
			stepDelay = 0
		}

		forward, err := p.runSweep(ctx, compliance, args.IVSteps, stepDelay, args.SweepStart, args.SweepEnd, sense)
		if err != nil {
			return err
		}
		sweepLabel := "dark"
		if lit {
			sweepLabel = "light"
		}
		h1 := datahandlers.New(p.Pub, bus.KindIV1, px.String(), sweepLabel)
		h1.Handle(forward, !args.ReturnSwitch)
		mppt.RegisterCurve(tracker, forward)

		if args.ReturnSwitch {
			reverse, err := p.runSweep(ctx, compliance, args.IVSteps, stepDelay, args.SweepEnd, args.SweepStart, sense)
			if err != nil {
				return err
			}
			h2 := datahandlers.New(p.Pub, bus.KindIV2, px.String(), sweepLabel)
			h2.Handle(reverse, true)
			mppt.RegisterCurve(tracker, reverse)
		}
	}
	return nil
}

func (p *Pipeline) runSweep(ctx context.Context, compliance float64, steps int, stepDelay time.Duration, start, end float64, sense instruments.SenseRange) ([]models.Sample, error) {
	if err := p.Facade.SMU.SetupSweep(true, compliance, steps, stepDelay, start, end, sense); err != nil {
		return nil, models.InstrumentCommsError("pipeline.sweep", "setup sweep: %w", err)
	}
	if err := p.Facade.SMU.OutputEnabled(true); err != nil {
		return nil, models.InstrumentCommsError("pipeline.sweep", "enable output: %w", err)
	}
	return p.Facade.SMU.Measure(ctx, steps)
}

// runMppt implements the Mppt state (spec §4.5, §4.6).
func (p *Pipeline) runMppt(ctx context.Context, px models.PixelDescriptor, args models.JobArgs, compliance float64, tracker *models.TrackerState, ssvoc *float64) error {
	if p.Facade.Light != nil {
		if err := p.Facade.Light.On(ctx); err != nil {
			return models.InstrumentCommsError("pipeline.mppt", "light on: %w", err)
		}
	}
	if ssvoc != nil && tracker.Voc == nil {
		tracker.SetVoc(*ssvoc)
	}

	params, err := mppt.ParseParams(args.MPPTParams)
	if err != nil {
		return err
	}

	if err := mppt.PreRoll(ctx, p.Facade.SMU, tracker, p.AbsoluteCurrentLimit, compliance, 3); err != nil {
		return err
	}
	if err := p.Facade.SMU.OutputEnabled(true); err != nil {
		return models.InstrumentCommsError("pipeline.mppt", "enable output: %w", err)
	}

	samples, err := mppt.Run(ctx, p.Facade.SMU, tracker, params, time.Duration(args.MPPTDwell*float64(time.Second)), px.AreaCM2)
	h := datahandlers.New(p.Pub, bus.KindMppt, px.String(), "")
	h.Handle(samples, true)
	return err
}

// itDwell implements the ItDwell state (spec §4.5).
func (p *Pipeline) itDwell(ctx context.Context, px models.PixelDescriptor, args models.JobArgs, compliance float64) error {
	if p.Facade.Light != nil {
		if err := p.Facade.Light.On(ctx); err != nil {
			return models.InstrumentCommsError("pipeline.it_dwell", "light on: %w", err)
		}
	}
	if err := p.Facade.SMU.SetupDC(true, compliance, args.VDwellValue, instruments.SenseAuto); err != nil {
		return models.InstrumentCommsError("pipeline.it_dwell", "setup dc: %w", err)
	}
	if err := p.Facade.SMU.OutputEnabled(true); err != nil {
		return models.InstrumentCommsError("pipeline.it_dwell", "enable output: %w", err)
	}

	samples, err := p.Facade.SMU.MeasureUntil(ctx, time.Duration(args.VDwell*float64(time.Second)), nil)
	h := datahandlers.New(p.Pub, bus.KindIt, px.String(), "")
	h.HandleROI(samples, models.ROI{StartIndex: 0, EndIndex: len(samples) - 1, Description: "it dwell"}, true)
	return err
}
