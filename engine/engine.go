// Package engine wires the bus adapter, job dispatcher, instrument façade,
// measurement pipeline, and calibration runner into the one process that
// the root main.go entrypoint starts (spec §3: job dispatcher,
// device-queue builder, measurement pipeline, MPPT tracker all live behind
// one façade), as the single composition root for the whole module.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"solarctl/engine/bus"
	"solarctl/engine/calibration"
	engcfg "solarctl/engine/config"
	"solarctl/engine/dispatcher"
	"solarctl/engine/instruments"
	"solarctl/engine/instruments/motion"
	"solarctl/engine/instruments/virtual"
	"solarctl/engine/instruments/wire"
	telemetrypolicy "solarctl/engine/internal/telemetry/policy"
	"solarctl/engine/models"
	"solarctl/engine/pipeline"
	"solarctl/engine/telemetry/health"
	"solarctl/engine/telemetry/logging"
	"solarctl/engine/telemetry/metrics"
	"solarctl/engine/telemetry/tracing"
)

// motionDeviationMM is the length-check tolerance enforced after every
// stage move (spec §4.4). The static config document carries per-instrument
// addressing but no deviation override, so one conservative value is used
// for every deployment.
const motionDeviationMM = 2.0

// Engine is the composition root: one bus connection, one job slot, one
// instrument façade, reconfigured whenever the static config document
// changes on disk (spec §6 hot reload).
type Engine struct {
	cfg Config
	log logging.Logger

	bus        *bus.Adapter
	dispatcher *dispatcher.Dispatcher
	loader     *engcfg.Loader
	health     *health.Evaluator

	metrics     metrics.Provider
	jobsRun     metrics.Counter
	jobsFailed  metrics.Counter
	metricsSrv  *http.Server
	tracer      tracing.Tracer

	mu     sync.RWMutex
	facade *instruments.Facade
	jobCfg models.JobConfig
	cancel context.CancelFunc
}

// New builds the Engine and connects to the bus, but does not yet load the
// static config or connect instruments — call Start for that.
func New(cfg Config) (*Engine, error) {
	log := logging.New(nil)

	b, err := bus.New(bus.Config{
		BrokerURL:     cfg.BrokerURL,
		ClientID:      cfg.ClientID,
		OutboundDepth: cfg.OutboundDepth,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("engine.new: %w", err)
	}

	var provider metrics.Provider
	if cfg.MetricsEnabled {
		provider = metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	} else {
		provider = metrics.NewNoopProvider()
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		bus:     b,
		loader:  engcfg.NewLoader(cfg.StaticConfigPath),
		facade:  instruments.New(),
		metrics: provider,
		jobsRun: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "solarctl", Name: "jobs_run_total", Help: "Total number of job requests dispatched", Labels: []string{"action"},
		}}),
		jobsFailed: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "solarctl", Name: "jobs_failed_total", Help: "Total number of job requests that returned an error", Labels: []string{"action"},
		}}),
		tracer: tracing.NewTracer(cfg.TracingEnabled),
	}
	e.health = health.NewEvaluator(telemetrypolicy.Default().Health.ProbeTTL,
		health.ProbeFunc(e.probeInstruments),
		health.ProbeFunc(e.probeDispatcher),
	)
	e.dispatcher = dispatcher.New(e.runJob, e.estop, b, log)
	return e, nil
}

// Start loads the static config synchronously (the engine cannot accept
// jobs without an instrument set), connects instruments, then launches the
// background request loop and the config file watcher.
func (e *Engine) Start(ctx context.Context) error {
	static, err := e.loader.Load()
	if err != nil {
		return fmt.Errorf("engine.start: %w", err)
	}
	if err := e.reconnect(ctx, static.ToJobConfig()); err != nil {
		return fmt.Errorf("engine.start: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	changes, watchErrs, err := e.loader.Watch(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("engine.start: watch config: %w", err)
	}

	go e.requestLoop(runCtx)
	go e.watchLoop(runCtx, changes, watchErrs)

	if prom, ok := e.metrics.(*metrics.PrometheusProvider); ok && e.cfg.PrometheusListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.MetricsHandler())
		e.metricsSrv = &http.Server{Addr: e.cfg.PrometheusListenAddr, Handler: mux}
		go func() {
			if err := e.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				e.log.ErrorCtx(runCtx, "engine: metrics server stopped", "err", err)
			}
		}()
	}

	e.bus.PublishStatus(bus.StatusReady)
	return nil
}

// Stop disconnects instruments and the bus, releasing every resource the
// Engine owns.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.RLock()
	f := e.facade
	e.mu.RUnlock()

	var errs []error
	if f != nil {
		if err := f.DisconnectAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.metricsSrv != nil {
		if err := e.metricsSrv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) != 0 {
		return fmt.Errorf("engine.stop: %w", errs[0])
	}
	return nil
}

// HealthSnapshot returns the cached health rollup, the standard operational
// surface every engine in this stack exposes alongside its spec'd modules.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	return e.health.Evaluate(ctx)
}

func (e *Engine) requestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.bus.Requests():
			if !ok {
				return
			}
			e.dispatcher.Dispatch(ctx, req)
		}
	}
}

func (e *Engine) watchLoop(ctx context.Context, changes <-chan engcfg.Change, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if e.dispatcher.Busy() {
				e.log.WarnCtx(ctx, "engine: config changed but a job is active, change not applied")
				continue
			}
			if err := e.reconnect(ctx, c.Config.ToJobConfig()); err != nil {
				e.log.ErrorCtx(ctx, "engine: reconnect after config change failed", "err", err)
				e.bus.PublishLog(bus.LevelError, "instrument reconnect failed: "+err.Error())
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			e.log.ErrorCtx(ctx, "engine: config watch error", "err", err)
		}
	}
}

// runJob is the dispatcher.JobRunner: it routes a decoded request to the
// measurement pipeline (C5) or the matching calibration flow (C8), using
// whatever instrument façade is current at dispatch time.
func (e *Engine) runJob(ctx context.Context, req models.JobRequest) {
	e.jobsRun.Inc(1, string(req.Action))

	ctx, span := e.tracer.StartSpan(ctx, "runJob")
	span.SetAttribute("action", string(req.Action))
	defer span.End()

	e.mu.RLock()
	f := e.facade
	cfg := e.jobCfg
	e.mu.RUnlock()

	switch {
	case req.Action == models.ActionRun:
		wq := models.NewWorkQueue(pixelsFromRows(req.Args))
		pl := &pipeline.Pipeline{
			Facade:               f,
			Pub:                  e.bus,
			Log:                  e.log,
			AbsoluteCurrentLimit: e.cfg.AbsoluteCurrentLimit,
			OffDuringMotion:      e.cfg.OffDuringMotion,
			EQE:                  pipeline.NewMonochromatorEQEScanner(f.Monochromator, f.LIA),
		}
		if err := pl.RunQueue(ctx, wq, req.Args, cfg); err != nil {
			e.jobsFailed.Inc(1, string(req.Action))
			traceID, spanID := tracing.ExtractIDs(ctx)
			e.log.ErrorCtx(ctx, "engine: measurement run failed", "err", err, "trace_id", traceID, "span_id", spanID)
			e.bus.PublishLog(bus.LevelError, "run failed: "+err.Error())
		}
		return
	case req.Action.IsCalibration():
		e.runCalibration(ctx, req)
		return
	case req.Action == models.ActionContactCheck:
		e.runContactCheck(ctx, req, f)
		return
	case req.Action == models.ActionHome, req.Action == models.ActionGoto, req.Action == models.ActionReadStage:
		e.runStageAction(ctx, req, f)
		return
	}
	e.log.WarnCtx(ctx, "engine: unsupported job action reached runJob", "action", req.Action)
}

// runContactCheck implements contact_check: select each pixel in the
// request's queue in turn and run the SMU's per-contact pass/fail check,
// publishing the whole table to measurement/contact_check/result (spec §12).
func (e *Engine) runContactCheck(ctx context.Context, req models.JobRequest, f *instruments.Facade) {
	pixels := pixelsFromRows(req.Args)
	results := make([]bus.ContactResult, 0, len(pixels))
	for _, px := range pixels {
		if ctx.Err() != nil {
			break
		}
		if px.MuxString != "" {
			if _, err := f.Controller.Query(ctx, px.MuxString); err != nil {
				e.jobsFailed.Inc(1, string(req.Action))
				e.log.ErrorCtx(ctx, "engine: contact check mux select failed", "pixel", px.String(), "err", err)
				results = append(results, bus.ContactResult{Pixel: px.String(), Ok: false})
				continue
			}
		}
		ok, err := f.SMU.ContactCheck(ctx)
		if err != nil {
			e.jobsFailed.Inc(1, string(req.Action))
			e.log.ErrorCtx(ctx, "engine: contact check failed", "pixel", px.String(), "err", err)
		}
		results = append(results, bus.ContactResult{Pixel: px.String(), Ok: ok})
	}
	e.bus.PublishContactCheck(bus.ContactCheckMessage{Results: results})
}

// runStageAction implements home/goto/read_stage: drive the motion
// capability directly, bypassing the measurement pipeline entirely, and
// publish the resulting position to measurement/stage (spec §12).
func (e *Engine) runStageAction(ctx context.Context, req models.JobRequest, f *instruments.Facade) {
	var (
		pos []float64
		err error
	)
	switch req.Action {
	case models.ActionHome:
		pos, err = f.Motion.Home(ctx)
	case models.ActionGoto:
		err = f.Motion.Goto(ctx, req.Args.GotoPositionMM)
		if err == nil {
			pos, err = f.Motion.GetPosition(ctx)
		}
	case models.ActionReadStage:
		pos, err = f.Motion.GetPosition(ctx)
	}
	if err != nil {
		e.jobsFailed.Inc(1, string(req.Action))
		e.log.ErrorCtx(ctx, "engine: stage action failed", "action", req.Action, "err", err)
		e.bus.PublishLog(bus.LevelError, "stage action failed: "+err.Error())
		return
	}
	e.bus.PublishStage(bus.StageMessage{PositionsMM: pos})
}

func (e *Engine) runCalibration(ctx context.Context, req models.JobRequest) {
	e.mu.RLock()
	f := e.facade
	cfg := e.jobCfg
	e.mu.RUnlock()

	cal := &calibration.Runner{
		Facade:               f,
		Pub:                  e.bus,
		Log:                  e.log,
		AbsoluteCurrentLimit: e.cfg.AbsoluteCurrentLimit,
	}

	var err error
	switch req.Action {
	case models.ActionCalibrateSolarsimDiodes:
		err = cal.RunSolarsimDiodes(ctx, req.Args)
	case models.ActionCalibrateEQE:
		err = cal.RunEQE(ctx, req.Args, nil)
	case models.ActionCalibratePSU:
		err = cal.RunPSU(ctx, cfg.PSU)
	case models.ActionCalibrateSpectrum:
		err = cal.RunSpectrum(ctx, cfg.Solarsim.Address, float64(time.Now().Unix()))
	case models.ActionCalibrateRTD:
		err = cal.RunRTD(ctx)
	default:
		e.log.WarnCtx(ctx, "engine: unrecognized calibration action", "action", req.Action)
		return
	}
	if err != nil {
		e.jobsFailed.Inc(1, string(req.Action))
		e.log.ErrorCtx(ctx, "engine: calibration run failed", "action", req.Action, "err", err)
		e.bus.PublishLog(bus.LevelError, "calibration failed: "+err.Error())
	}
}

// pixelsFromRows converts the request's already-resolved device selection
// (IV_stuff, falling back to EQE_stuff) into queue pixels. The bitmask+
// layout path (engine/queue) builds the same shape from a static layout
// document for front-end tooling that only has a bitmask to send; once a
// request reaches here its device rows are already resolved (spec §6).
func pixelsFromRows(args models.JobArgs) []models.PixelDescriptor {
	rows := args.IVStuff
	if len(rows) == 0 {
		rows = args.EQEStuff
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

// estop is the dispatcher.EstopFunc: it issues the PCB brake command
// directly against whichever controller is currently tracked, bypassing
// the job slot (spec §4.2, §5).
func (e *Engine) estop(ctx context.Context) error {
	e.mu.RLock()
	f := e.facade
	e.mu.RUnlock()
	if f == nil || f.Controller == nil {
		return models.ConfigError("engine.estop", "no controller connected")
	}
	_, err := f.Controller.Query(ctx, "b")
	return err
}

// reconnect tears down the current instrument façade and builds a fresh one
// from cfg, honoring each component's virtual flag (spec §9 design note).
// Only the controller/stage path has a real (non-virtual) driver available
// (engine/instruments/wire); every other capability is virtual-only until a
// vendor-specific SCPI/GPIB driver is wired in behind the same interface.
func (e *Engine) reconnect(ctx context.Context, cfg models.JobConfig) error {
	next := instruments.New()

	next.TrackSMU(&virtual.SMU{TwoWire: cfg.SMU.TwoWire, NPLC: 1})
	next.TrackLight(&virtual.Light{})
	next.TrackMonochromator(&virtual.Monochromator{})
	next.TrackLIA(&virtual.LIA{})
	next.TrackPSU(virtual.NewPSU())

	if cfg.Controller.Virtual || cfg.Controller.Address == "" {
		vpcb := virtual.NewControllerPCB()
		next.TrackController(vpcb)
		next.TrackMotion(virtual.NewMotion(vpcb, []string{"x", "y"}))
	} else {
		conn, err := net.Dial("tcp", cfg.Controller.Address)
		if err != nil {
			return models.InstrumentCommsError("engine.reconnect", "dial controller %s: %w", cfg.Controller.Address, err)
		}
		wpcb := wire.New(conn)
		next.TrackController(wpcb)
		next.TrackMotion(motion.New(wpcb, []string{"x", "y"}, motionDeviationMM))
	}

	e.mu.Lock()
	old := e.facade
	e.facade = next
	e.jobCfg = cfg
	e.mu.Unlock()

	if old != nil {
		if err := old.DisconnectAll(); err != nil {
			e.log.WarnCtx(ctx, "engine: disconnecting previous instrument set reported errors", "err", err)
		}
	}
	return nil
}

func (e *Engine) probeInstruments(ctx context.Context) health.ProbeResult {
	e.mu.RLock()
	f := e.facade
	e.mu.RUnlock()
	if f == nil || f.Controller == nil {
		return health.Unhealthy("instruments", "no instrument façade connected")
	}
	return health.Healthy("instruments")
}

func (e *Engine) probeDispatcher(ctx context.Context) health.ProbeResult {
	if e.dispatcher.Busy() {
		return health.Degraded("dispatcher", "job in progress")
	}
	return health.Healthy("dispatcher")
}
