// Package orchestrator drives deployable units through
// deregister -> deploy -> healthcheck -> reregister, one at a time or with
// a bounded pool of workers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agent462/drover/internal/deploystep"
	"github.com/agent462/drover/internal/elb"
	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/report"
	"github.com/agent462/drover/internal/target"
)

// LoadBalancer is the membership lifecycle used around each deploy.
// *elb.Manager implements it.
type LoadBalancer interface {
	Resolve(ctx context.Context, host string) (*elb.Handle, error)
	Deregister(ctx context.Context, unit target.Unit) (*elb.Handle, error)
	Reregister(ctx context.Context, host string, h *elb.Handle, timeout time.Duration) (bool, error)
}

// HealthChecker verifies a deployed unit. *healthcheck.Engine implements it.
type HealthChecker interface {
	Run(ctx context.Context, unit target.Unit) error
}

// WorkerCrashError reports a unit whose worker ended without an outcome.
type WorkerCrashError struct {
	Host  string
	Panic any
	Stack []byte
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("worker for %s terminated without an outcome: %v", e.Host, e.Panic)
}

// Orchestrator runs deploys across units.
type Orchestrator struct {
	step              deploystep.Step
	lb                LoadBalancer
	health            HealthChecker
	reregisterTimeout time.Duration
	workerSize        int
	runID             string
	logger            *logrus.Entry
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLoadBalancer enables deregistration around each deploy.
func WithLoadBalancer(lb LoadBalancer) Option {
	return func(o *Orchestrator) { o.lb = lb }
}

// WithHealthChecker gates each unit on its health checks.
func WithHealthChecker(hc HealthChecker) Option {
	return func(o *Orchestrator) { o.health = hc }
}

// WithReregisterTimeout bounds the wait for a host to return InService.
func WithReregisterTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.reregisterTimeout = d
		}
	}
}

// WithWorkerSize sets the configured parallel worker count.
func WithWorkerSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workerSize = n
		}
	}
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.runID = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator for step.
func New(step deploystep.Step, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		step:              step,
		reregisterTimeout: 60 * time.Second,
		workerSize:        5,
		runID:             uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrDiscard(o.logger).WithFields(logrus.Fields{
		"subservice": "orchestrator",
		"run_id":     o.runID,
	})
	return o
}

// RunID identifies this run in logs.
func (o *Orchestrator) RunID() string { return o.runID }

// RunUnit takes one unit through the full pipeline and returns its outcome.
// Nothing is retried. A unit that fails after deregistration stays out of
// rotation and its outcome says so.
func (o *Orchestrator) RunUnit(ctx context.Context, unit target.Unit) report.Outcome {
	out := report.Outcome{Host: unit.Host}
	o.runUnit(ctx, unit, &out)
	return out
}

// runUnit records progress in out as it goes, so a caller recovering from a
// panic still knows whether the host left rotation. out.Err is cleared only
// once the unit has fully succeeded.
func (o *Orchestrator) runUnit(ctx context.Context, unit target.Unit, out *report.Outcome) {
	log := o.logger.WithField("host", unit.Host)

	var handle *elb.Handle
	if o.lb != nil {
		h, err := o.lb.Deregister(ctx, unit)
		if err != nil {
			out.Err = err
			return
		}
		handle = h
	}
	if handle != nil {
		out.LoadBalancer = handle.Name
		// Out of rotation until re-registration is confirmed.
		out.OutOfRotation = true
	}

	log.Info("Deploying")
	if err := o.step.Deploy(ctx, unit); err != nil {
		var deployErr *deploystep.DeployError
		if !errors.As(err, &deployErr) {
			err = &deploystep.DeployError{Host: unit.Host, Phase: "step", Err: err}
		}
		out.Err = err
		return
	}

	if o.health != nil {
		if err := o.health.Run(ctx, unit); err != nil {
			out.Err = err
			return
		}
	}

	if handle != nil {
		ok, err := o.lb.Reregister(ctx, unit.Host, handle, o.reregisterTimeout)
		if err != nil {
			out.Err = err
			return
		}
		if !ok {
			out.Err = &elb.ReregistrationError{Host: unit.Host, LoadBalancer: handle.Name, Timeout: o.reregisterTimeout}
			return
		}
	}

	out.Err = nil
	out.OutOfRotation = false
	log.Info("Unit deployed")
}

// safeRunUnit is runUnit with panics turned into WorkerCrashError. The
// rotation state recorded before the panic is kept.
func (o *Orchestrator) safeRunUnit(ctx context.Context, unit target.Unit, out *report.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithField("host", unit.Host).WithField("panic", r).Error("Worker crashed")
			out.Err = &WorkerCrashError{Host: unit.Host, Panic: r, Stack: debug.Stack()}
		}
	}()
	o.runUnit(ctx, unit, out)
}

func (o *Orchestrator) logFailure(oc report.Outcome) {
	if oc.Success() {
		return
	}
	o.logger.WithFields(logrus.Fields{
		"host":            oc.Host,
		"out_of_rotation": oc.OutOfRotation,
	}).WithError(oc.Err).Error("Unit failed")
}
