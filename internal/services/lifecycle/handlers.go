package lifecycle

import (
	"context"

	"github.com/BearBump/LicenseFlow/internal/audit"
	"github.com/BearBump/LicenseFlow/internal/broker/messages"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

// handle loads the application for an event handler. Events for terminal
// applications are dropped.
func (m *Manager) handle(ctx context.Context, appID uint64, event messages.EventType, fn func(ctx context.Context, tx storage.Tx, app *models.Application) error) error {
	ctx = m.log.WithFields(ctx, map[string]any{
		"application_id": appID,
		"event_type":     string(event),
	})
	return m.mutate(ctx, appID, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if app.Status.Terminal() {
			m.log.Debug(ctx, "event for closed application ignored")
			return nil
		}
		return fn(ctx, tx, app)
	})
}

// staleJob reports whether a print job event no longer concerns the application.
func (m *Manager) staleJob(ctx context.Context, app *models.Application, p messages.PrintJobPayload) bool {
	if p.LicenseID != app.LicenseID {
		m.log.Warn(ctx, "print job event for another license ignored")
		return true
	}
	if app.ActivePrintJobID != 0 && app.ActivePrintJobID != p.JobID {
		m.log.Warn(ctx, "print job event for a superseded job ignored")
		return true
	}
	return false
}

func (m *Manager) OnPrintJobQueued(ctx context.Context, appID uint64, p messages.PrintJobPayload) error {
	return m.handle(ctx, appID, messages.PrintJobQueued, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if p.LicenseID != app.LicenseID {
			m.log.Warn(ctx, "print job event for another license ignored")
			return nil
		}
		job, err := tx.PrintJobs().Get(ctx, p.JobID)
		if err != nil {
			return err
		}
		if !job.Status.Active() {
			m.log.Warn(ctx, "queued event for a closed print job ignored")
			return nil
		}
		if app.ActivePrintJobID != 0 && app.ActivePrintJobID != p.JobID {
			current, err := tx.PrintJobs().Get(ctx, app.ActivePrintJobID)
			if err != nil {
				return err
			}
			if current.Status.Active() {
				m.log.Warn(ctx, "queued event for a superseded job ignored")
				return nil
			}
		}
		changed := app.ActivePrintJobID != p.JobID
		app.ActivePrintJobID = p.JobID
		if app.Status == models.ApplicationStatusLicenseGenerated {
			m.setStatus(app, models.ApplicationStatusQueuedForPrinting)
			changed = true
		}
		if !changed {
			return nil
		}
		return tx.Applications().Update(ctx, app)
	})
}

func (m *Manager) OnPrintJobStarted(ctx context.Context, appID uint64, p messages.PrintJobPayload) error {
	return m.handle(ctx, appID, messages.PrintJobStarted, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if m.staleJob(ctx, app, p) {
			return nil
		}
		if !app.Status.Before(models.ApplicationStatusPrinting) {
			return nil
		}
		app.ActivePrintJobID = p.JobID
		m.setStatus(app, models.ApplicationStatusPrinting)
		return tx.Applications().Update(ctx, app)
	})
}

// OnPrintJobCompleted marks the card printed and hands it to fulfilment in
// the same transaction.
func (m *Manager) OnPrintJobCompleted(ctx context.Context, appID uint64, p messages.PrintJobPayload) error {
	return m.handle(ctx, appID, messages.PrintJobCompleted, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if m.staleJob(ctx, app, p) {
			return nil
		}
		if !app.Status.Before(models.ApplicationStatusPrinted) {
			return nil
		}
		job, err := tx.PrintJobs().Get(ctx, p.JobID)
		if err != nil {
			return err
		}
		if job.Status != models.PrintJobStatusCompleted {
			m.log.Warn(ctx, "completion event for a job that is no longer completed ignored")
			return nil
		}
		lic, err := tx.Licenses().Get(ctx, app.LicenseID)
		if err != nil {
			return err
		}

		decision, err := m.fulfil.CreateFromCompletedJob(ctx, tx, job, app)
		if err != nil {
			return err
		}

		app.ActivePrintJobID = 0
		app.LastError = ""
		lic.Status = models.LicenseStatusPrinted
		from := app.Status
		m.setStatus(app, models.ApplicationStatusPrinted)
		if err := audit.Record(ctx, tx, models.SystemActor(), "status_changed", audit.ResourceApplication, app.ID, "%s -> %s", from, models.ApplicationStatusPrinted); err != nil {
			return err
		}
		if decision.Collect {
			lic.CollectionPoint = decision.CollectionPoint
			lic.Status = models.LicenseStatusReadyForCollection
			if d := app.PreferredCollectionDate; d != nil && d.After(m.now()) {
				lic.Status = models.LicenseStatusPendingCollection
			}
			m.setStatus(app, models.ApplicationStatusReadyForCollection)
			if err := audit.Record(ctx, tx, models.SystemActor(), "status_changed", audit.ResourceApplication, app.ID, "%s -> %s", models.ApplicationStatusPrinted, models.ApplicationStatusReadyForCollection); err != nil {
				return err
			}
		}

		if err := tx.Licenses().Update(ctx, lic); err != nil {
			return err
		}
		if err := tx.Applications().Update(ctx, app); err != nil {
			return err
		}
		return audit.Record(ctx, tx, models.SystemActor(), "printed", audit.ResourceLicense, lic.ID, "printed by job %d, license %s", job.ID, lic.Status)
	})
}

func (m *Manager) OnPrintJobFailed(ctx context.Context, appID uint64, p messages.PrintJobPayload) error {
	return m.handle(ctx, appID, messages.PrintJobFailed, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if m.staleJob(ctx, app, p) {
			return nil
		}
		app.LastError = p.Reason
		return tx.Applications().Update(ctx, app)
	})
}

func (m *Manager) OnPrintJobCancelled(ctx context.Context, appID uint64, p messages.PrintJobPayload) error {
	return m.handle(ctx, appID, messages.PrintJobCancelled, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if app.ActivePrintJobID != p.JobID {
			return nil
		}
		app.ActivePrintJobID = 0
		if p.Reason != "" {
			app.LastError = p.Reason
		}
		return tx.Applications().Update(ctx, app)
	})
}

func (m *Manager) OnShipmentDispatched(ctx context.Context, appID uint64, p messages.ShipmentPayload) error {
	return m.handle(ctx, appID, messages.ShipmentDispatched, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if p.LicenseID != app.LicenseID || app.Status != models.ApplicationStatusPrinted {
			return nil
		}
		lic, err := tx.Licenses().Get(ctx, app.LicenseID)
		if err != nil {
			return err
		}
		lic.Status = models.LicenseStatusShipped
		if err := tx.Licenses().Update(ctx, lic); err != nil {
			return err
		}
		app.LastError = ""
		m.setStatus(app, models.ApplicationStatusShipped)
		return tx.Applications().Update(ctx, app)
	})
}

func (m *Manager) OnShipmentDelivered(ctx context.Context, appID uint64, p messages.ShipmentPayload) error {
	return m.handle(ctx, appID, messages.ShipmentDelivered, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if p.LicenseID != app.LicenseID {
			return nil
		}
		if app.Status != models.ApplicationStatusShipped {
			return nil
		}
		lic, err := tx.Licenses().Get(ctx, app.LicenseID)
		if err != nil {
			return err
		}
		now := m.now()
		lic.Status = models.LicenseStatusCollected
		lic.CollectedAt = &now
		lic.CollectedBy = p.ReceivedBy
		if err := tx.Licenses().Update(ctx, lic); err != nil {
			return err
		}
		m.setStatus(app, models.ApplicationStatusCollected)
		return tx.Applications().Update(ctx, app)
	})
}

func (m *Manager) OnShipmentFailed(ctx context.Context, appID uint64, p messages.ShipmentPayload) error {
	return m.handle(ctx, appID, messages.ShipmentFailed, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if p.LicenseID != app.LicenseID {
			return nil
		}
		app.LastError = p.Reason
		return tx.Applications().Update(ctx, app)
	})
}

func (m *Manager) OnCollectionRecorded(ctx context.Context, appID uint64, p messages.CollectionRecordedPayload) error {
	return m.handle(ctx, appID, messages.CollectionRecorded, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if p.LicenseID != app.LicenseID || app.Status != models.ApplicationStatusReadyForCollection {
			return nil
		}
		m.setStatus(app, models.ApplicationStatusCollected)
		if !p.CollectedAt.IsZero() {
			app.StatusChangedAt = p.CollectedAt.UTC()
		}
		return tx.Applications().Update(ctx, app)
	})
}
