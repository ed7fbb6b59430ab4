// Package calibration implements C8: the calibrate_eqe / calibrate_psu /
// calibrate_solarsim_diodes / calibrate_spectrum / calibrate_rtd job
// variants (spec §4.8). Each variant drives the instrument façade directly
// (with engine/mppt's curve registration for the solarsim diodes) and
// publishes retained calibration/<name> messages instead of data/raw/…
// (spec §4.1).
package calibration

import (
	"context"
	"time"

	"solarctl/engine/bus"
	"solarctl/engine/datahandlers"
	"solarctl/engine/instruments"
	"solarctl/engine/models"
	"solarctl/engine/mppt"
	"solarctl/engine/telemetry/logging"
)

// Publisher is the slice of *bus.Adapter a calibration run needs. It embeds
// datahandlers.Publisher so calibration flows can clear a kind's plot the
// same way the pipeline does before starting a new pass over it.
type Publisher interface {
	datahandlers.Publisher
	PublishCalibration(name string, msg bus.CalibrationMessage)
	PublishLog(bus.LogLevel, string)
}

// Runner executes calibration flows against the shared instrument façade.
type Runner struct {
	Facade               *instruments.Facade
	Pub                  Publisher
	Log                  logging.Logger
	AbsoluteCurrentLimit float64
}

// externalPixel is the synthesized single queue entry used when the
// request's device selection is empty (spec §8 boundary behavior: "Empty
// selection bitmask + calibration action ⇒ synthesize one 'external' queue
// entry"). 1 cm^2 is a placeholder reference-diode area; no spec source
// gives the real fixture geometry.
var externalPixel = models.PixelDescriptor{Label: "external", PixelIndex: 1, AreaCM2: 1.0}

// pixelsOrExternal returns rows unchanged, or a single synthesized
// "external" entry if rows is empty.
func pixelsOrExternal(rows []models.DeviceRow) []models.PixelDescriptor {
	if len(rows) == 0 {
		return []models.PixelDescriptor{externalPixel}
	}
	out := make([]models.PixelDescriptor, len(rows))
	for i, r := range rows {
		out[i] = models.PixelDescriptor{
			Label: r.Label, SystemLabel: r.SystemLabel, Layout: r.Layout,
			PixelIndex: r.MuxIndex, Position: r.Loc, AreaCM2: r.Area, MuxString: r.MuxString,
		}
	}
	return out
}

// RunSolarsimDiodes implements calibrate_solarsim_diodes: a sweep plus MPPT
// curve registration against each selected (or synthesized external)
// reference diode, publishing the registered operating point per diode.
func (r *Runner) RunSolarsimDiodes(ctx context.Context, args models.JobArgs) error {
	pixels := pixelsOrExternal(args.IVStuff)

	for _, px := range pixels {
		if ctx.Err() != nil {
			return models.ErrUserAborted
		}
		if px.MuxString != "" {
			if _, err := r.Facade.Controller.Query(ctx, px.MuxString); err != nil {
				return models.MotionError("calibration.solarsim_diode", "select %s: %w", px.String(), err)
			}
		}
		if r.Facade.Light != nil {
			if err := r.Facade.Light.On(ctx); err != nil {
				return models.InstrumentCommsError("calibration.solarsim_diode", "light on: %w", err)
			}
		}

		compliance := args.IMax
		if !args.HasIMax {
			compliance = 0.5 * 0.05
		}
		if compliance > r.AbsoluteCurrentLimit {
			compliance = r.AbsoluteCurrentLimit
		}

		steps := args.IVSteps
		if steps <= 0 {
			steps = 25
		}
		if err := r.Facade.SMU.SetupSweep(true, compliance, steps, time.Duration(args.SourceDelay*float64(time.Millisecond)), args.SweepStart, args.SweepEnd, instruments.SenseFollow); err != nil {
			return models.InstrumentCommsError("calibration.solarsim_diode", "setup sweep: %w", err)
		}
		if err := r.Facade.SMU.OutputEnabled(true); err != nil {
			return models.InstrumentCommsError("calibration.solarsim_diode", "enable output: %w", err)
		}
		samples, err := r.Facade.SMU.Measure(ctx, steps)
		if err != nil {
			return err
		}
		_ = r.Facade.SMU.OutputEnabled(false)

		tracker := &models.TrackerState{}
		tracker.Reset(time.Now())
		pmax, vmpp, impp, _ := mppt.RegisterCurve(tracker, samples)

		r.Pub.PublishCalibration("solarsim_diode", bus.CalibrationMessage{
			Data: map[string]any{
				"label": px.Label, "pmax": pmax, "vmpp": vmpp, "impp": impp,
				"voc": derefOr(tracker.Voc, 0), "isc": derefOr(tracker.Isc, 0),
				"samples": samples,
			},
		})
	}
	return nil
}

func derefOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

// RunEQE implements calibrate_eqe: for each selected (or synthesized
// external) device, step the monochromator across the configured
// wavelength table and read the lock-in amplifier at each point.
func (r *Runner) RunEQE(ctx context.Context, args models.JobArgs, wavelengthsNM []float64) error {
	pixels := pixelsOrExternal(args.EQEStuff)
	if len(wavelengthsNM) == 0 {
		wavelengthsNM = defaultEQEWavelengths()
	}

	for _, px := range pixels {
		datahandlers.New(r.Pub, bus.KindEQE, px.String(), "").Clear()
		if ctx.Err() != nil {
			return models.ErrUserAborted
		}
		if px.MuxString != "" {
			if _, err := r.Facade.Controller.Query(ctx, "eqe"); err != nil {
				return models.MotionError("calibration.eqe", "set eqe mode: %w", err)
			}
			if _, err := r.Facade.Controller.Query(ctx, px.MuxString); err != nil {
				return models.MotionError("calibration.eqe", "select %s: %w", px.String(), err)
			}
		}

		type point struct {
			WavelengthNM float64 `json:"wavelength_nm"`
			Signal       float64 `json:"signal"`
		}
		points := make([]point, 0, len(wavelengthsNM))
		for _, nm := range wavelengthsNM {
			if ctx.Err() != nil {
				return models.ErrUserAborted
			}
			if err := r.Facade.Monochromator.SetWavelength(ctx, nm); err != nil {
				return models.InstrumentCommsError("calibration.eqe", "set wavelength: %w", err)
			}
			v, err := r.Facade.LIA.Read(ctx)
			if err != nil {
				return models.InstrumentCommsError("calibration.eqe", "lia read: %w", err)
			}
			points = append(points, point{WavelengthNM: nm, Signal: v})
		}

		r.Pub.PublishCalibration("eqe", bus.CalibrationMessage{
			Data: map[string]any{"label": px.Label, "points": points},
		})
	}
	return nil
}

func defaultEQEWavelengths() []float64 {
	out := make([]float64, 0, 36)
	for nm := 350.0; nm <= 1050.0; nm += 20 {
		out = append(out, nm)
	}
	return out
}

// RunPSU implements calibrate_psu: sets each configured channel's OCP and
// voltage, enables the output, and publishes the applied voltage per
// channel as a retained calibration/psu/ch<N> message (spec §4.1); nothing
// is read back from the supply.
func (r *Runner) RunPSU(ctx context.Context, cfg models.PSUConfig) error {
	for ch, v := range cfg.ChannelVoltages {
		if ctx.Err() != nil {
			return models.ErrUserAborted
		}
		if ch < len(cfg.ChannelOCPs) {
			if err := r.Facade.PSU.SetChannelOCP(ctx, ch, cfg.ChannelOCPs[ch]); err != nil {
				return models.InstrumentCommsError("calibration.psu", "set ocp ch%d: %w", ch, err)
			}
		}
		if err := r.Facade.PSU.SetChannelVoltage(ctx, ch, v); err != nil {
			return models.InstrumentCommsError("calibration.psu", "set voltage ch%d: %w", ch, err)
		}
		if err := r.Facade.PSU.SetChannelOutput(ctx, ch, true); err != nil {
			return models.InstrumentCommsError("calibration.psu", "enable ch%d: %w", ch, err)
		}
		r.Pub.PublishCalibration("psu/ch"+itoa(ch), bus.CalibrationMessage{
			Data: map[string]any{"channel": ch, "voltage": v},
		})
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// RunSpectrum implements calibrate_spectrum (spec §4.8): bypasses pixel
// iteration entirely, swapping in a 1 s recipe, reading one spectrum, then
// restoring the previously active recipe.
func (r *Runner) RunSpectrum(ctx context.Context, previousRecipe string, timestamp float64) error {
	if err := r.Facade.Light.ActivateRecipe(ctx, "calibration_1s"); err != nil {
		return models.InstrumentCommsError("calibration.spectrum", "activate calibration recipe: %w", err)
	}

	timer := time.NewTimer(time.Second)
	select {
	case <-ctx.Done():
		timer.Stop()
		_ = r.Facade.Light.ActivateRecipe(context.Background(), previousRecipe)
		return models.ErrUserAborted
	case <-timer.C:
	}

	spectrum, err := r.Facade.Light.GetSpectrum(ctx)
	restoreErr := r.Facade.Light.ActivateRecipe(ctx, previousRecipe)
	if err != nil {
		return models.InstrumentCommsError("calibration.spectrum", "read spectrum: %w", err)
	}
	if restoreErr != nil {
		r.Log.WarnCtx(ctx, "calibration: failed to restore previous recipe", "recipe", previousRecipe, "err", restoreErr)
	}

	r.Pub.PublishCalibration("spectrum", bus.CalibrationMessage{Data: spectrum, Timestamp: timestamp})
	return nil
}

// RunRTD implements calibrate_rtd (named in the job action enum but not
// detailed in spec §4.8): reads the light engine's RTD temperature sensors
// and publishes a retained calibration/rtd message.
func (r *Runner) RunRTD(ctx context.Context) error {
	temps, err := r.Facade.Light.GetTemperatures(ctx)
	if err != nil {
		return models.InstrumentCommsError("calibration.rtd", "read temperatures: %w", err)
	}
	r.Pub.PublishCalibration("rtd", bus.CalibrationMessage{Data: temps})
	return nil
}
