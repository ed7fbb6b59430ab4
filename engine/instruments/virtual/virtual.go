// Package virtual provides in-memory instrument drivers satisfying the
// engine/instruments capability interfaces, selected at connect time via
// each component's "virtual" config flag (spec §9 design note). They must
// observe the same pre/post-conditions as a real driver except for the
// physical measurement values, so pipeline and MPPT tests can run without
// hardware.
package virtual

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"solarctl/engine/instruments"
	"solarctl/engine/models"
)

// DiodeModel computes (V, I) for a single-diode solar cell approximation,
// used by tests to give SMU a synthetic response curve (spec §8 S4).
type DiodeModel struct {
	Voc  float64 // open-circuit voltage
	Isc  float64 // short-circuit current, amps (positive)
	N    float64 // diode ideality-ish shape factor; higher = sharper knee
}

// CurrentAt returns the (negative-convention) device current at source
// voltage v: positive v near Voc yields current near zero, v near 0 yields
// current near -Isc (the SMU sources v and reads back the cell's response,
// hence the sign flip relative to photovoltaic convention).
func (d DiodeModel) CurrentAt(v float64) float64 {
	if d.Voc <= 0 {
		return 0
	}
	shape := d.N
	if shape <= 0 {
		shape = 2.0
	}
	frac := v / d.Voc
	return -d.Isc * (1 - math.Pow(frac, shape))
}

// SMU is a virtual source-measure unit. Tests configure Model (or Sample)
// to control what Measure/MeasureUntil report.
type SMU struct {
	mu sync.Mutex

	TwoWire    bool
	NPLC       float64
	sourceV    bool
	compliance float64
	setPoint   float64
	sense      instruments.SenseRange
	outputOn   bool

	Model DiodeModel
	// Sample overrides Model when set, for tests that want a fixed or
	// custom response independent of the diode approximation.
	Sample func(sourceV bool, setPoint float64) (v, i float64)

	// TimeScale compresses wall-clock dwell loops for fast tests; 0 means
	// real time (the zero value), matching a production virtual driver
	// that still honors configured dwell durations.
	TimeScale float64

	t        float64
	ticks    int
	DisconnectCalls int
}

var _ instruments.SMU = (*SMU)(nil)

func (s *SMU) ConfigureTwoWire(twoWire bool) error { s.mu.Lock(); defer s.mu.Unlock(); s.TwoWire = twoWire; return nil }
func (s *SMU) ConfigureNPLC(nplc float64) error    { s.mu.Lock(); defer s.mu.Unlock(); s.NPLC = nplc; return nil }

func (s *SMU) SetupDC(sourceV bool, compliance, setPoint float64, sense instruments.SenseRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceV, s.compliance, s.setPoint, s.sense = sourceV, compliance, setPoint, sense
	return nil
}

func (s *SMU) SetupSweep(sourceV bool, compliance float64, nPoints int, stepDelay time.Duration, start, end float64, sense instruments.SenseRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceV, s.compliance, s.sense = sourceV, compliance, sense
	return nil
}

func (s *SMU) SetSource(value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPoint = value
	return nil
}

func (s *SMU) OutputEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputOn = on
	return nil
}

func (s *SMU) ContactCheck(ctx context.Context) (bool, error) { return true, nil }

func (s *SMU) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisconnectCalls++
	s.outputOn = false
	return nil
}

// interval returns the per-sample integration time implied by NPLC,
// assuming a 60 Hz line.
func (s *SMU) interval() time.Duration {
	nplc := s.NPLC
	if nplc <= 0 {
		nplc = 1
	}
	d := time.Duration(nplc / 60.0 * float64(time.Second))
	if s.TimeScale > 0 {
		d = time.Duration(float64(d) / s.TimeScale)
	}
	if d < time.Microsecond {
		d = time.Microsecond
	}
	return d
}

func (s *SMU) reading() models.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v, i float64
	if s.Sample != nil {
		v, i = s.Sample(s.sourceV, s.setPoint)
	} else if s.sourceV {
		v = s.setPoint
		i = s.Model.CurrentAt(v)
	} else {
		i = s.setPoint
		v = 0
	}

	sample := models.Sample{V: v, I: i, T: s.t, Status: 0}
	s.t += s.interval().Seconds()
	s.ticks++
	return sample
}

func (s *SMU) Measure(ctx context.Context, n int) ([]models.Sample, error) {
	out := make([]models.Sample, 0, n)
	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return out, models.ErrUserAborted
		}
		out = append(out, s.reading())
	}
	return out, nil
}

func (s *SMU) MeasureUntil(ctx context.Context, dwell time.Duration, onSample func(models.Sample)) ([]models.Sample, error) {
	deadline := time.Now().Add(dwell)
	interval := s.interval()
	var out []models.Sample
	for {
		if err := ctx.Err(); err != nil {
			return out, models.ErrUserAborted
		}
		sample := s.reading()
		out = append(out, sample)
		if onSample != nil {
			onSample(sample)
		}
		if time.Now().After(deadline) {
			return out, nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, models.ErrUserAborted
		case <-timer.C:
		}
	}
}

// Light is a virtual light engine: on/off/intensity state only, no actual
// hardware timing.
type Light struct {
	mu          sync.Mutex
	On_         bool
	IntensityPct float64
	Recipe      string
	Spectrum    []instruments.SpectrumPoint
	Temps       []float64
}

var _ instruments.Light = (*Light)(nil)

func (l *Light) On(ctx context.Context) error  { l.mu.Lock(); defer l.mu.Unlock(); l.On_ = true; return nil }
func (l *Light) Off(ctx context.Context) error { l.mu.Lock(); defer l.mu.Unlock(); l.On_ = false; return nil }
func (l *Light) SetIntensity(percent float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.IntensityPct = percent
	return nil
}
func (l *Light) ActivateRecipe(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Recipe = name
	return nil
}
func (l *Light) GetSpectrum(ctx context.Context) ([]instruments.SpectrumPoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Spectrum != nil {
		return l.Spectrum, nil
	}
	return []instruments.SpectrumPoint{{WavelengthNM: 550, IrradianceWM: 1.0}}, nil
}
func (l *Light) GetTemperatures(ctx context.Context) ([]float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Temps != nil {
		return l.Temps, nil
	}
	return []float64{25.0}, nil
}
func (l *Light) Disconnect() error { return nil }

// ControllerPCB is a virtual mux/stage controller that accepts the
// canonical commands from spec §4.4 and echoes a plausible response,
// without the real prompt-sentinel framing (that belongs to the wire
// transport, not this in-memory stand-in).
type ControllerPCB struct {
	mu        sync.Mutex
	Selected  string
	EStopHit  bool
	Positions map[string]float64 // axis -> mm
	Log       []string
}

var _ instruments.ControllerPCB = (*ControllerPCB)(nil)

func NewControllerPCB() *ControllerPCB {
	return &ControllerPCB{Positions: make(map[string]float64)}
}

func (c *ControllerPCB) Query(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log = append(c.Log, cmd)

	switch {
	case cmd == "s":
		c.Selected = ""
		return "OK", nil
	case cmd == "b":
		c.EStopHit = true
		return "OK", nil
	case cmd == "iv" || cmd == "eqe":
		return "OK", nil
	case len(cmd) >= 2 && cmd[0] == 's':
		c.Selected = cmd
		return "OK", nil
	case len(cmd) >= 2 && cmd[0] == 'h':
		ax := cmd[1:]
		c.Positions[ax] = 0
		return "0.000", nil
	case len(cmd) >= 2 && cmd[0] == 'g':
		return "OK", nil
	case len(cmd) >= 2 && cmd[0] == 'r':
		ax := cmd[1:]
		return fmt.Sprintf("%.3f", c.Positions[ax]), nil
	case len(cmd) >= 2 && cmd[0] == 'l':
		return "300.000", nil
	default:
		return "OK", nil
	}
}

func (c *ControllerPCB) Disconnect() error { return nil }

// Motion is a virtual stage built directly on a ControllerPCB, translating
// positions/axes the way the real driver would (spec §4.4).
type Motion struct {
	pcb  *ControllerPCB
	Axes []string
	mu   sync.Mutex
	pos  []float64
}

var _ instruments.Motion = (*Motion)(nil)

func NewMotion(pcb *ControllerPCB, axes []string) *Motion {
	return &Motion{pcb: pcb, Axes: axes, pos: make([]float64, len(axes))}
}

func (m *Motion) Connect(ctx context.Context) error { return nil }

func (m *Motion) Home(ctx context.Context) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ax := range m.Axes {
		if _, err := m.pcb.Query(ctx, "h"+ax); err != nil {
			return nil, err
		}
		m.pos[i] = 0
	}
	out := make([]float64, len(m.pos))
	copy(out, m.pos)
	return out, nil
}

func (m *Motion) Goto(ctx context.Context, positionsMM []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(positionsMM) != len(m.Axes) {
		return models.MotionError("motion.goto", "expected %d axis values, got %d", len(m.Axes), len(positionsMM))
	}
	for i, ax := range m.Axes {
		if _, err := m.pcb.Query(ctx, fmt.Sprintf("g%s%d", ax, int(positionsMM[i]))); err != nil {
			return err
		}
		m.pos[i] = positionsMM[i]
	}
	return nil
}

func (m *Motion) GetPosition(ctx context.Context) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.pos))
	copy(out, m.pos)
	return out, nil
}

func (m *Motion) Disconnect() error { return nil }

// Monochromator, LIA, and PSU are minimal stateful stand-ins; the EQE inner
// scan and PSU calibration flows are pluggable per spec §1 and exercise
// these only through the capability interface.
type Monochromator struct {
	mu sync.Mutex
	nm float64
}

var _ instruments.Monochromator = (*Monochromator)(nil)

func (m *Monochromator) SetWavelength(ctx context.Context, nm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nm = nm
	return nil
}
func (m *Monochromator) GetWavelength(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nm, nil
}
func (m *Monochromator) Disconnect() error { return nil }

type LIA struct {
	mu          sync.Mutex
	tc          float64
	sensitivity float64
	ReadFunc    func() float64
}

var _ instruments.LIA = (*LIA)(nil)

func (l *LIA) SetTimeConstant(ctx context.Context, seconds float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tc = seconds
	return nil
}
func (l *LIA) SetSensitivity(ctx context.Context, volts float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sensitivity = volts
	return nil
}
func (l *LIA) Read(ctx context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadFunc != nil {
		return l.ReadFunc(), nil
	}
	return 0, nil
}
func (l *LIA) Disconnect() error { return nil }

type PSU struct {
	mu        sync.Mutex
	Voltages  map[int]float64
	OCPs      map[int]float64
	OutputsOn map[int]bool
}

var _ instruments.PSU = (*PSU)(nil)

func NewPSU() *PSU {
	return &PSU{Voltages: map[int]float64{}, OCPs: map[int]float64{}, OutputsOn: map[int]bool{}}
}

func (p *PSU) SetChannelVoltage(ctx context.Context, channel int, volts float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Voltages[channel] = volts
	return nil
}
func (p *PSU) SetChannelOCP(ctx context.Context, channel int, amps float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OCPs[channel] = amps
	return nil
}
func (p *PSU) SetChannelOutput(ctx context.Context, channel int, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OutputsOn[channel] = on
	return nil
}
func (p *PSU) Disconnect() error { return nil }
