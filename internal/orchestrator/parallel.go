package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/agent462/drover/internal/elb"
	"github.com/agent462/drover/internal/report"
	"github.com/agent462/drover/internal/target"
)

// PoolSize caps the live workers so that at most about a third of the load
// balancer's members are out of rotation at once.
func PoolSize(workerSize, memberCount int) int {
	return min(workerSize, max(1, memberCount/3))
}

// EffectivePoolSize resolves the load balancer from the first unit and
// returns the parallel pool size with the handle it was derived from.
// Without a load balancer the pool is the configured worker size. A failed
// lookup falls back to one worker.
func (o *Orchestrator) EffectivePoolSize(ctx context.Context, units target.Units) (int, *elb.Handle) {
	if o.lb == nil || len(units) == 0 {
		return o.workerSize, nil
	}

	h, err := o.lb.Resolve(ctx, units[0].Host)
	if err != nil {
		o.logger.WithError(err).Warn("Load balancer lookup failed, running one worker at a time")
		return 1, nil
	}
	if h == nil {
		return o.workerSize, nil
	}
	return PoolSize(o.workerSize, h.MemberCount), h
}

// Parallel deploys units with a bounded pool of workers fed in resolver
// order. After the first failed outcome no new unit is dispatched; workers
// already running finish, and every outcome is collected before the report
// is built.
func (o *Orchestrator) Parallel(ctx context.Context, units target.Units) *report.Report {
	size, handle := o.EffectivePoolSize(ctx, units)

	log := o.logger.WithFields(logrus.Fields{
		"strategy":  "parallel",
		"pool_size": size,
	})
	if handle != nil {
		log = log.WithFields(logrus.Fields{
			"load_balancer": handle.Name,
			"members":       handle.MemberCount,
		})
	}
	log.WithField("units", len(units)).Info("Starting run")

	var (
		sem        = semaphore.NewWeighted(int64(size))
		results    = make(chan report.Outcome, size)
		hasProblem atomic.Bool
		wg         sync.WaitGroup
		outcomes   []report.Outcome
		collected  = make(chan struct{})
	)

	go func() {
		defer close(collected)
		for oc := range results {
			outcomes = append(outcomes, oc)
		}
	}()

	for _, unit := range units {
		if hasProblem.Load() {
			log.Warn("A worker failed, no further units will be dispatched")
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			log.WithError(err).Warn("Run cancelled")
			break
		}
		// A worker may have failed while we waited for its slot.
		if hasProblem.Load() {
			sem.Release(1)
			log.Warn("A worker failed, no further units will be dispatched")
			break
		}

		wg.Add(1)
		go o.worker(ctx, unit, sem, &wg, &hasProblem, results)
	}

	wg.Wait()
	close(results)
	<-collected

	return report.Aggregate(units.Hosts(), outcomes)
}

// worker emits exactly one outcome for unit, even if the goroutine exits
// abnormally: the outcome starts as a crash and only a completed unit
// clears it. The problem flag is set before the slot is released so the
// dispatcher sees it on its next Acquire.
func (o *Orchestrator) worker(ctx context.Context, unit target.Unit, sem *semaphore.Weighted, wg *sync.WaitGroup, hasProblem *atomic.Bool, results chan<- report.Outcome) {
	defer wg.Done()
	defer sem.Release(1)

	oc := report.Outcome{
		Host: unit.Host,
		Err:  &WorkerCrashError{Host: unit.Host, Panic: "goroutine exited"},
	}
	defer func() {
		if !oc.Success() {
			hasProblem.Store(true)
			o.logFailure(oc)
		}
		results <- oc
	}()

	o.safeRunUnit(ctx, unit, &oc)
}
