// Package printqueue owns print jobs: routing them to a location pool,
// assigning operators and printers, and tracking them to completion.
package printqueue

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/audit"
	"github.com/BearBump/LicenseFlow/internal/broker/messages"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/outbox"
	"github.com/BearBump/LicenseFlow/internal/services/access"
	"github.com/BearBump/LicenseFlow/internal/services/routing"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

// AutoAssign asks Assign to pick the least loaded eligible operator.
const AutoAssign uint64 = 0

type Config struct {
	// HubLocationCode names the central printing hub. Empty means none.
	HubLocationCode   string
	MaxRetries        int
	AssignmentTimeout time.Duration
	DefaultPriority   int
}

type Manager struct {
	store  storage.Store
	events *outbox.Emitter
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
}

func New(store storage.Store, events *outbox.Emitter, cfg Config, log *logger.Logger) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.AssignmentTimeout <= 0 {
		cfg.AssignmentTimeout = 4 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		store:  store,
		events: events,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for status timestamps.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

type EnqueueInput struct {
	ApplicationID uint64
	LicenseID     uint64
	// Artifacts default to the license's artifacts.
	Artifacts models.Artifacts
	// Priority defaults to Config.DefaultPriority when nil.
	Priority *int
	Notes    string
}

var enqueueable = []models.ApplicationStatus{
	models.ApplicationStatusLicenseGenerated,
	models.ApplicationStatusQueuedForPrinting,
	models.ApplicationStatusPrinting,
}

func (m *Manager) Enqueue(ctx context.Context, in EnqueueInput, actor models.Actor) (*models.PrintJob, error) {
	if err := access.RequireStaff(actor, "enqueue print jobs"); err != nil {
		return nil, err
	}
	if in.ApplicationID == 0 || in.LicenseID == 0 {
		return nil, apperr.New(apperr.KindValidation, "application_id and license_id are required")
	}
	priority := m.cfg.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	if priority < models.PriorityLow || priority > models.PriorityHigh {
		return nil, apperr.Newf(apperr.KindValidation, "priority must be between %d and %d", models.PriorityLow, models.PriorityHigh)
	}

	var out *models.PrintJob
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		app, err := tx.Applications().Get(ctx, in.ApplicationID)
		if err != nil {
			return err
		}
		if app.LicenseID != in.LicenseID {
			return apperr.Newf(apperr.KindValidation, "license %d does not belong to application %d", in.LicenseID, app.ID)
		}
		if !app.Status.In(enqueueable...) {
			return apperr.Newf(apperr.KindState, "application %d is %s and cannot be printed", app.ID, app.Status)
		}
		lic, err := tx.Licenses().Get(ctx, in.LicenseID)
		if err != nil {
			return err
		}
		if lic.Status != models.LicenseStatusGenerated {
			return apperr.Newf(apperr.KindState, "license %s is %s", lic.LicenseNumber, lic.Status)
		}
		if active, err := tx.PrintJobs().ActiveForLicense(ctx, lic.ID); err != nil {
			return err
		} else if active != nil {
			return apperr.Newf(apperr.KindConflict, "license %s already has active print job %d", lic.LicenseNumber, active.ID)
		}

		artifacts := in.Artifacts
		if artifacts.Empty() {
			artifacts = lic.Artifacts
		}
		if artifacts.Empty() {
			return apperr.New(apperr.KindValidation, "no artifacts to print")
		}

		origin, err := tx.Locations().Get(ctx, app.LocationID)
		if err != nil {
			return err
		}
		pool, err := m.resolve(ctx, tx, origin)
		if err != nil {
			return err
		}

		now := m.now()
		job := &models.PrintJob{
			ApplicationID:    app.ID,
			LicenseID:        lic.ID,
			Status:           models.PrintJobStatusQueued,
			Priority:         priority,
			Artifacts:        artifacts,
			OriginLocationID: origin.ID,
			RoutingMode:      origin.PrintingType,
			LocationID:       pool,
			Notes:            in.Notes,
			QueuedAt:         now,
		}
		if err := tx.PrintJobs().Create(ctx, job); err != nil {
			return err
		}
		if err := m.emit(ctx, tx, messages.PrintJobQueued, job, actor, ""); err != nil {
			return err
		}
		out = job
		return audit.Record(ctx, tx, actor, "enqueue", audit.ResourcePrintJob, job.ID, "queued at location %d (%s routing from %s)", pool, origin.PrintingType, origin.Code)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info(m.log.WithFields(ctx, map[string]any{
		"application_id": out.ApplicationID,
		"print_job_id":   out.ID,
		"location_id":    out.LocationID,
	}), "print job queued")
	return out, nil
}

// resolve picks the pool for a job submitted at origin.
func (m *Manager) resolve(ctx context.Context, tx storage.Tx, origin *models.Location) (uint64, error) {
	var hub *models.Location
	if code := strings.TrimSpace(m.cfg.HubLocationCode); code != "" {
		h, err := tx.Locations().GetByCode(ctx, code)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
		case err != nil:
			return 0, err
		default:
			hub = h
		}
	}

	var snap routing.Snapshot
	if origin.PrintingType == models.PrintingTypeHybrid && origin.Active {
		ok, err := m.poolStaffed(ctx, tx, origin.ID)
		if err != nil {
			return 0, err
		}
		snap.LocalEligible = ok
		used, err := tx.PrintJobs().CountAssignedSince(ctx, origin.ID, startOfDay(m.now()))
		if err != nil {
			return 0, err
		}
		snap.LocalCapacityLeft = origin.CapacityPerDay - used
	}
	return routing.Resolve(origin, hub, snap)
}

func (m *Manager) poolStaffed(ctx context.Context, tx storage.Tx, locationID uint64) (bool, error) {
	ops, err := access.PrintOperators(ctx, tx, locationID)
	if err != nil || len(ops) == 0 {
		return false, err
	}
	printers, err := tx.Printers().ListByLocation(ctx, locationID, models.PrinterStatusActive)
	if err != nil {
		return false, err
	}
	return len(printers) > 0, nil
}

// Assign hands a queued job to an operator and a printer at its pool.
// A version conflict is retried once before it is returned.
func (m *Manager) Assign(ctx context.Context, jobID, operatorID uint64, actor models.Actor) (*models.PrintJob, error) {
	if err := access.RequireStaff(actor, "assign print jobs"); err != nil {
		return nil, err
	}
	job, err := m.assignOnce(ctx, jobID, operatorID, actor)
	if apperr.Is(err, apperr.KindConflict) {
		job, err = m.assignOnce(ctx, jobID, operatorID, actor)
	}
	return job, err
}

func (m *Manager) assignOnce(ctx context.Context, jobID, operatorID uint64, actor models.Actor) (*models.PrintJob, error) {
	var out *models.PrintJob
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		job, err := tx.PrintJobs().Get(ctx, jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case models.PrintJobStatusQueued:
		case models.PrintJobStatusAssigned, models.PrintJobStatusPrinting:
			return apperr.Newf(apperr.KindAlreadyAssigned, "print job %d is already %s", job.ID, job.Status)
		default:
			return apperr.Newf(apperr.KindState, "print job %d is %s", job.ID, job.Status)
		}

		if job.RoutingMode == models.PrintingTypeHybrid {
			origin, err := tx.Locations().Get(ctx, job.OriginLocationID)
			if err != nil {
				return err
			}
			pool, err := m.resolve(ctx, tx, origin)
			if err != nil {
				return err
			}
			job.LocationID = pool
		}

		loc, err := tx.Locations().Get(ctx, job.LocationID)
		if err != nil {
			return err
		}
		if !loc.CanPrint() {
			return apperr.Newf(apperr.KindRouting, "location %s cannot print", loc.Code)
		}

		now := m.now()
		used, err := tx.PrintJobs().CountAssignedSince(ctx, loc.ID, startOfDay(now))
		if err != nil {
			return err
		}
		if used >= loc.CapacityPerDay {
			return apperr.Newf(apperr.KindNoCapacity, "location %s reached its daily capacity of %d", loc.Code, loc.CapacityPerDay)
		}

		ops, err := access.PrintOperators(ctx, tx, loc.ID)
		if err != nil {
			return err
		}
		printers, err := tx.Printers().ListByLocation(ctx, loc.ID, models.PrinterStatusActive)
		if err != nil {
			return err
		}
		if len(ops) == 0 || len(printers) == 0 {
			return apperr.Newf(apperr.KindNoCapacity, "location %s has no available operator or printer", loc.Code)
		}
		byOperator, byPrinter, err := tx.PrintJobs().InFlightLoad(ctx)
		if err != nil {
			return err
		}

		var operator *models.User
		if operatorID == AutoAssign {
			operator = leastLoaded(ops, byOperator, func(u *models.User) uint64 { return u.ID })
		} else {
			for _, u := range ops {
				if u.ID == operatorID {
					operator = u
					break
				}
			}
			if operator == nil {
				return apperr.Newf(apperr.KindPermission, "user %d may not print at location %s", operatorID, loc.Code)
			}
		}
		printer := leastLoaded(printers, byPrinter, func(p *models.Printer) uint64 { return p.ID })

		job.Status = models.PrintJobStatusAssigned
		job.AssignedTo = operator.ID
		job.PrinterID = printer.ID
		job.AssignedAt = &now
		if err := tx.PrintJobs().Update(ctx, job); err != nil {
			return err
		}
		out = job
		return audit.Record(ctx, tx, actor, "assign", audit.ResourcePrintJob, job.ID, "assigned to user %d on printer %s", operator.ID, printer.Code)
	})
	return out, err
}

// leastLoaded returns the candidate with the fewest in-flight jobs. Ties keep
// the candidates' order.
func leastLoaded[T any](candidates []T, load map[uint64]int, id func(T) uint64) T {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if load[id(c)] < load[id(best)] {
			best = c
		}
	}
	return best
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (m *Manager) Start(ctx context.Context, jobID, operatorID uint64, actor models.Actor) (*models.PrintJob, error) {
	if err := access.RequireStaff(actor, "start print jobs"); err != nil {
		return nil, err
	}
	return m.mutate(ctx, jobID, func(ctx context.Context, tx storage.Tx, job *models.PrintJob) error {
		if job.Status != models.PrintJobStatusAssigned {
			return apperr.Newf(apperr.KindState, "print job %d is %s, not assigned", job.ID, job.Status)
		}
		if job.AssignedTo != operatorID {
			return apperr.Newf(apperr.KindPermission, "print job %d is assigned to another operator", job.ID)
		}
		now := m.now()
		job.Status = models.PrintJobStatusPrinting
		job.StartedAt = &now
		if err := tx.PrintJobs().Update(ctx, job); err != nil {
			return err
		}
		return m.emit(ctx, tx, messages.PrintJobStarted, job, actor, "")
	})
}

func (m *Manager) Complete(ctx context.Context, jobID, operatorID uint64, copies int, notes string, actor models.Actor) (*models.PrintJob, error) {
	if err := access.RequireStaff(actor, "complete print jobs"); err != nil {
		return nil, err
	}
	if copies < 1 {
		return nil, apperr.New(apperr.KindValidation, "copies must be at least 1")
	}
	return m.mutate(ctx, jobID, func(ctx context.Context, tx storage.Tx, job *models.PrintJob) error {
		if job.Status != models.PrintJobStatusPrinting {
			return apperr.Newf(apperr.KindState, "print job %d is %s, not printing", job.ID, job.Status)
		}
		if job.AssignedTo != operatorID {
			return apperr.Newf(apperr.KindPermission, "print job %d is assigned to another operator", job.ID)
		}
		now := m.now()
		job.Status = models.PrintJobStatusCompleted
		job.PrintedBy = operatorID
		job.CopiesPrinted = copies
		job.CompletedAt = &now
		if notes != "" {
			job.Notes = notes
		}
		if err := tx.PrintJobs().Update(ctx, job); err != nil {
			return err
		}
		if err := m.emit(ctx, tx, messages.PrintJobCompleted, job, actor, ""); err != nil {
			return err
		}
		return audit.Record(ctx, tx, actor, "complete", audit.ResourcePrintJob, job.ID, "%d copies printed", copies)
	})
}

func (m *Manager) Fail(ctx context.Context, jobID uint64, reason string, actor models.Actor) (*models.PrintJob, error) {
	if err := access.RequireStaff(actor, "fail print jobs"); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.KindValidation, "reason is required")
	}
	return m.mutate(ctx, jobID, func(ctx context.Context, tx storage.Tx, job *models.PrintJob) error {
		return m.fail(ctx, tx, job, reason, actor)
	})
}

func (m *Manager) fail(ctx context.Context, tx storage.Tx, job *models.PrintJob, reason string, actor models.Actor) error {
	if job.Status != models.PrintJobStatusAssigned && job.Status != models.PrintJobStatusPrinting {
		return apperr.Newf(apperr.KindState, "print job %d is %s and cannot fail", job.ID, job.Status)
	}
	now := m.now()
	job.Status = models.PrintJobStatusFailed
	job.FailureReason = reason
	job.FailedAt = &now
	if err := tx.PrintJobs().Update(ctx, job); err != nil {
		return err
	}
	if err := m.emit(ctx, tx, messages.PrintJobFailed, job, actor, reason); err != nil {
		return err
	}
	return audit.Record(ctx, tx, actor, "fail", audit.ResourcePrintJob, job.ID, "failed: %s", reason)
}

// Requeue puts a failed job back in the queue until MaxRetries is used up.
func (m *Manager) Requeue(ctx context.Context, jobID uint64, actor models.Actor) (*models.PrintJob, error) {
	if err := access.RequireStaff(actor, "requeue print jobs"); err != nil {
		return nil, err
	}
	return m.mutate(ctx, jobID, func(ctx context.Context, tx storage.Tx, job *models.PrintJob) error {
		return m.requeue(ctx, tx, job, actor)
	})
}

func (m *Manager) requeue(ctx context.Context, tx storage.Tx, job *models.PrintJob, actor models.Actor) error {
	if job.Status != models.PrintJobStatusFailed {
		return apperr.Newf(apperr.KindState, "print job %d is %s, only failed jobs can be requeued", job.ID, job.Status)
	}
	if job.RetryCount >= m.cfg.MaxRetries {
		return apperr.Newf(apperr.KindRetryExhausted, "print job %d used all %d retries", job.ID, m.cfg.MaxRetries)
	}
	job.Status = models.PrintJobStatusQueued
	job.RetryCount++
	job.AssignedTo = 0
	job.PrinterID = 0
	job.AssignedAt = nil
	job.StartedAt = nil
	if err := tx.PrintJobs().Update(ctx, job); err != nil {
		return err
	}
	if err := m.emit(ctx, tx, messages.PrintJobQueued, job, actor, ""); err != nil {
		return err
	}
	return audit.Record(ctx, tx, actor, "requeue", audit.ResourcePrintJob, job.ID, "retry %d of %d", job.RetryCount, m.cfg.MaxRetries)
}

func (m *Manager) Cancel(ctx context.Context, jobID uint64, reason string, actor models.Actor) (*models.PrintJob, error) {
	return m.mutate(ctx, jobID, func(ctx context.Context, tx storage.Tx, job *models.PrintJob) error {
		if job.Status.Terminal() {
			return apperr.Newf(apperr.KindState, "print job %d is already %s", job.ID, job.Status)
		}
		if err := access.CanCancelJob(actor, job.Status); err != nil {
			return err
		}
		return m.cancel(ctx, tx, job, reason, actor)
	})
}

func (m *Manager) cancel(ctx context.Context, tx storage.Tx, job *models.PrintJob, reason string, actor models.Actor) error {
	if reason == "" {
		reason = "cancelled"
	}
	now := m.now()
	job.Status = models.PrintJobStatusCancelled
	job.CancelledAt = &now
	job.FailureReason = reason
	if err := tx.PrintJobs().Update(ctx, job); err != nil {
		return err
	}
	if err := m.emit(ctx, tx, messages.PrintJobCancelled, job, actor, reason); err != nil {
		return err
	}
	return audit.Record(ctx, tx, actor, "cancel", audit.ResourcePrintJob, job.ID, "cancelled: %s", reason)
}

// CancelForApplication cancels every active job of the application. It is
// safe to call again.
func (m *Manager) CancelForApplication(ctx context.Context, appID uint64, reason string) (int, error) {
	var n int
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		jobs, err := tx.PrintJobs().List(ctx, storage.PrintJobFilter{
			ApplicationID: appID,
			Statuses:      models.ActivePrintJobStatuses(),
		})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := m.cancel(ctx, tx, job, reason, models.SystemActor()); err != nil {
				return err
			}
		}
		n = len(jobs)
		return nil
	})
	return n, err
}

// ExpireStaleAssignments fails assignments older than the timeout and
// requeues them while retries remain. Each job is handled in its own
// transaction.
func (m *Manager) ExpireStaleAssignments(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.AssignmentTimeout)
	var stale []*models.PrintJob
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		jobs, err := tx.PrintJobs().List(ctx, storage.PrintJobFilter{
			Statuses:      []models.PrintJobStatus{models.PrintJobStatusAssigned},
			AssignedRange: storage.TimeRange{To: cutoff},
		})
		stale = jobs
		return err
	})
	if err != nil {
		return 0, err
	}

	system := models.SystemActor()
	var expired int
	for _, j := range stale {
		_, err := m.mutate(ctx, j.ID, func(ctx context.Context, tx storage.Tx, job *models.PrintJob) error {
			if job.Status != models.PrintJobStatusAssigned || job.AssignedAt == nil || !job.AssignedAt.Before(cutoff) {
				return nil
			}
			if err := m.fail(ctx, tx, job, "assignment timed out", system); err != nil {
				return err
			}
			if job.RetryCount >= m.cfg.MaxRetries {
				return nil
			}
			return m.requeue(ctx, tx, job, system)
		})
		if err != nil {
			m.log.Error(m.log.WithField(ctx, "print_job_id", j.ID), "expire stale assignment", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) Get(ctx context.Context, jobID uint64) (*models.PrintJob, error) {
	var out *models.PrintJob
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.PrintJobs().Get(ctx, jobID)
		out = j
		return err
	})
	return out, err
}

// Queue lists queued jobs in dispatch order, optionally for one location.
func (m *Manager) Queue(ctx context.Context, locationID uint64, limit int) ([]*models.PrintJob, error) {
	return m.list(ctx, func(ctx context.Context, tx storage.Tx) ([]*models.PrintJob, error) {
		return tx.PrintJobs().List(ctx, storage.PrintJobFilter{
			Statuses:   []models.PrintJobStatus{models.PrintJobStatusQueued},
			LocationID: locationID,
			Limit:      limit,
		})
	})
}

func (m *Manager) AssignedTo(ctx context.Context, operatorID uint64) ([]*models.PrintJob, error) {
	return m.list(ctx, func(ctx context.Context, tx storage.Tx) ([]*models.PrintJob, error) {
		return tx.PrintJobs().List(ctx, storage.PrintJobFilter{
			Statuses:   []models.PrintJobStatus{models.PrintJobStatusAssigned, models.PrintJobStatusPrinting},
			AssignedTo: operatorID,
		})
	})
}

// ActiveForLicense returns nil when the license has no active job.
func (m *Manager) ActiveForLicense(ctx context.Context, licenseID uint64) (*models.PrintJob, error) {
	var out *models.PrintJob
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.PrintJobs().ActiveForLicense(ctx, licenseID)
		out = j
		return err
	})
	return out, err
}

// Statistics counts jobs per status. Every status is present.
func (m *Manager) Statistics(ctx context.Context) (map[models.PrintJobStatus]int, error) {
	out := make(map[models.PrintJobStatus]int)
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		counts, err := tx.PrintJobs().CountByStatus(ctx)
		if err != nil {
			return err
		}
		for _, s := range models.PrintJobStatuses() {
			out[s] = counts[s]
		}
		return nil
	})
	return out, err
}

func (m *Manager) list(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) ([]*models.PrintJob, error)) ([]*models.PrintJob, error) {
	var out []*models.PrintJob
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		jobs, err := fn(ctx, tx)
		out = jobs
		return err
	})
	return out, err
}

func (m *Manager) mutate(ctx context.Context, jobID uint64, fn func(ctx context.Context, tx storage.Tx, job *models.PrintJob) error) (*models.PrintJob, error) {
	var out *models.PrintJob
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		job, err := tx.PrintJobs().Get(ctx, jobID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

func (m *Manager) emit(ctx context.Context, tx storage.Tx, typ messages.EventType, job *models.PrintJob, actor models.Actor, reason string) error {
	_, err := m.events.Emit(ctx, tx, typ, job.ApplicationID, actor, messages.PrintJobPayload{
		JobID:      job.ID,
		LicenseID:  job.LicenseID,
		Status:     job.Status,
		LocationID: job.LocationID,
		Priority:   job.Priority,
		OperatorID: job.AssignedTo,
		PrinterID:  job.PrinterID,
		RetryCount: job.RetryCount,
		Copies:     job.CopiesPrinted,
		Reason:     reason,
	})
	return err
}
