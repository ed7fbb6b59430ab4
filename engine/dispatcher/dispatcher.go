// Package dispatcher is the job dispatcher (C2): a single-capacity job slot
// fed by the bus adapter's request channel, routing stop/estop and
// rejecting concurrent run requests (spec §4.2), a single job-at-a-time
// worker guarded by an explicit slot with a cancel func for Stop/estop.
package dispatcher

import (
	"context"
	"sync"

	"solarctl/engine/bus"
	"solarctl/engine/models"
	"solarctl/engine/telemetry/logging"
)

// JobRunner executes one job request to completion or cancellation; it is
// supplied by the caller (engine façade), which knows how to route an
// action to C5 or C8.
type JobRunner func(ctx context.Context, req models.JobRequest)

// EstopFunc issues the emergency-stop command directly, bypassing the slot
// entirely (spec §4.2: "regardless of slot state").
type EstopFunc func(ctx context.Context) error

// Dispatcher owns the job slot (spec §3 ownership rules).
type Dispatcher struct {
	run   JobRunner
	estop EstopFunc
	log   logging.Logger
	pub   statusPublisher

	mu     sync.Mutex
	cancel context.CancelFunc // non-nil iff a job is active
}

// statusPublisher is the minimal slice of *bus.Adapter the dispatcher
// needs, kept as an interface so tests can supply a fake.
type statusPublisher interface {
	PublishStatus(bus.Status)
	PublishLog(bus.LogLevel, string)
}

// New builds a dispatcher with an empty slot.
func New(run JobRunner, estop EstopFunc, pub statusPublisher, log logging.Logger) *Dispatcher {
	return &Dispatcher{run: run, estop: estop, pub: pub, log: log}
}

// Dispatch routes one inbound request (spec §4.2). It never blocks past
// the decision to start-or-reject: a started job runs in its own
// goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.JobRequest) {
	switch req.Action {
	case models.ActionStop:
		d.handleStop()
		return
	case models.ActionEStop:
		d.handleEstop(ctx)
		return
	}

	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		d.log.WarnCtx(ctx, "dispatcher: rejecting request, job slot occupied", "action", req.Action)
		d.pub.PublishLog(bus.LevelWarn, "rejected request: job slot occupied")
		return
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	d.pub.PublishStatus(bus.StatusBusy)
	go func() {
		defer d.release()
		d.run(jobCtx, req)
	}()
}

// handleStop signals the active job's cancellation token; idempotent if no
// job is running (spec §4.2, §8 round-trip property).
func (d *Dispatcher) handleStop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleEstop issues the PCB-level brake command synchronously, regardless
// of slot state, then also cancels any active job (spec §4.2, §5).
func (d *Dispatcher) handleEstop(ctx context.Context) {
	if err := d.estop(ctx); err != nil {
		d.log.ErrorCtx(ctx, "dispatcher: estop command failed", "err", err)
	}
	d.handleStop()
}

// release frees the job slot and restores Ready status (spec §4.2).
func (d *Dispatcher) release() {
	d.mu.Lock()
	d.cancel = nil
	d.mu.Unlock()
	d.pub.PublishStatus(bus.StatusReady)
}

// Busy reports whether a job is currently occupying the slot.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}
