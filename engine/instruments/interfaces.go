// Package instruments is the instrument façade (C4): capability interfaces
// for every physical subsystem the pipeline touches, plus connect/disconnect
// lifecycle management, tracked as a LIFO-released handle list so teardown
// always unwinds in the reverse order of connection.
package instruments

import (
	"context"
	"time"

	"solarctl/engine/models"
)

// SenseRange selects the SMU's non-sourced-quantity range (spec §4.4).
type SenseRange int

const (
	SenseAuto SenseRange = iota
	SenseFollow
	SenseFixed
)

// SMU is the source-measure unit capability. Every method must remain safe
// to call while a cancellation is pending; MeasureUntil in particular must
// poll the context between samples (spec §5 suspension points).
//
// Sample shape: this façade standardizes on the 4-field (V, I, t, status)
// reading, with R populated only when the driver was last configured for
// resistance mode (models.Sample.HasR). Per spec §9's open question on
// 4-tuple vs 5-tuple samples, the voltage field is always the authoritative
// scalar — no driver here ever returns a raw (V, t) tuple in place of V.
type SMU interface {
	ConfigureTwoWire(twoWire bool) error
	ConfigureNPLC(nplc float64) error
	SetupDC(sourceV bool, compliance, setPoint float64, sense SenseRange) error
	SetupSweep(sourceV bool, compliance float64, nPoints int, stepDelay time.Duration, start, end float64, sense SenseRange) error
	Measure(ctx context.Context, n int) ([]models.Sample, error)
	MeasureUntil(ctx context.Context, dwell time.Duration, onSample func(models.Sample)) ([]models.Sample, error)
	SetSource(value float64) error
	OutputEnabled(on bool) error
	ContactCheck(ctx context.Context) (bool, error)
	Disconnect() error
}

// SpectrumPoint is one (wavelength, irradiance) sample from a light engine
// spectrum read.
type SpectrumPoint struct {
	WavelengthNM float64
	IrradianceWM float64
}

// Light is the solar simulator / LED light-engine capability. The optional
// cooperative on/off consensus path (spec §5's "light master") is not part
// of this interface: it is LightVote, a wrapper around a Light, so callers
// take the direct path by calling On/Off themselves (spec §9's "the core
// itself is a single tenant").
type Light interface {
	On(ctx context.Context) error
	Off(ctx context.Context) error
	SetIntensity(percent float64) error
	ActivateRecipe(ctx context.Context, name string) error
	GetSpectrum(ctx context.Context) ([]SpectrumPoint, error)
	GetTemperatures(ctx context.Context) ([]float64, error)
	Disconnect() error
}

// ControllerPCB is the multiplexer/stage controller wire capability (spec
// §4.4): a single newline-delimited query/response channel carrying both
// mux-select and stage-motion commands.
type ControllerPCB interface {
	// Query sends cmd and returns the response with the trailing ">>> "
	// prompt sentinel and line terminators stripped.
	Query(ctx context.Context, cmd string) (string, error)
	Disconnect() error
}

// Motion is the stage-motion capability, implemented in terms of
// ControllerPCB commands by the real driver.
type Motion interface {
	Connect(ctx context.Context) error
	Home(ctx context.Context) ([]float64, error)
	Goto(ctx context.Context, positionsMM []float64) error
	GetPosition(ctx context.Context) ([]float64, error)
	Disconnect() error
}

// Monochromator is the EQE wavelength-selection capability.
type Monochromator interface {
	SetWavelength(ctx context.Context, nm float64) error
	GetWavelength(ctx context.Context) (float64, error)
	Disconnect() error
}

// LIA is the lock-in amplifier capability used by the EQE scan.
type LIA interface {
	SetTimeConstant(ctx context.Context, seconds float64) error
	SetSensitivity(ctx context.Context, volts float64) error
	Read(ctx context.Context) (float64, error)
	Disconnect() error
}

// PSU is the LED-array power-supply capability used by PSU calibration.
type PSU interface {
	SetChannelVoltage(ctx context.Context, channel int, volts float64) error
	SetChannelOCP(ctx context.Context, channel int, amps float64) error
	SetChannelOutput(ctx context.Context, channel int, on bool) error
	Disconnect() error
}
