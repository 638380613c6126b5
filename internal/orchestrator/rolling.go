package orchestrator

import (
	"context"

	"github.com/agent462/drover/internal/report"
	"github.com/agent462/drover/internal/target"
)

// Rolling deploys units one at a time in resolver order and aborts the run
// at the first failure. Units after the failing one are left pending.
func (o *Orchestrator) Rolling(ctx context.Context, units target.Units) *report.Report {
	log := o.logger.WithField("strategy", "rolling")
	log.WithField("units", len(units)).Info("Starting run")

	outcomes := make([]report.Outcome, 0, len(units))
	for i, unit := range units {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("Run cancelled")
			break
		}

		oc := report.Outcome{Host: unit.Host}
		o.safeRunUnit(ctx, unit, &oc)
		outcomes = append(outcomes, oc)
		if !oc.Success() {
			o.logFailure(oc)
			log.WithField("pending", len(units)-i-1).Error("Aborting run")
			break
		}
	}

	return report.Aggregate(units.Hosts(), outcomes)
}
