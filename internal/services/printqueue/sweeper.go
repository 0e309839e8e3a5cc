package printqueue

import (
	"context"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/poller"
)

// Sweeper expires stale assignments and auto-assigns queued jobs.
type Sweeper struct {
	m     *Manager
	batch int
}

func NewSweeper(m *Manager, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{m: m, batch: batch}
}

// RunOnce is a poller.Cycle.
func (s *Sweeper) RunOnce(ctx context.Context) (poller.Result, error) {
	res := poller.Result{Outcomes: map[string]int{}}

	expired, err := s.m.ExpireStaleAssignments(ctx)
	if err != nil {
		return res, err
	}
	if expired > 0 {
		res.Outcomes["expired"] = expired
	}

	queue, err := s.m.Queue(ctx, 0, s.batch)
	if err != nil {
		return res, err
	}
	res.Claimed = len(queue)

	// A pool without capacity stays full for the rest of the cycle.
	full := map[uint64]bool{}
	for _, job := range queue {
		if full[job.LocationID] && job.RoutingMode != models.PrintingTypeHybrid {
			res.Outcomes["skipped"]++
			continue
		}
		_, err := s.m.Assign(ctx, job.ID, AutoAssign, models.SystemActor())
		res.Processed++
		switch {
		case err == nil:
			res.Outcomes["assigned"]++
		case apperr.Is(err, apperr.KindNoCapacity):
			full[job.LocationID] = true
			res.Outcomes["no_capacity"]++
		case apperr.Is(err, apperr.KindAlreadyAssigned):
			res.Outcomes["already_assigned"]++
		default:
			res.Errors++
			res.LastError = err.Error()
			res.Outcomes[string(apperr.KindOf(err))]++
			s.m.log.Error(s.m.log.WithField(ctx, "print_job_id", job.ID), "auto-assign failed", err)
		}
	}
	return res, nil
}
