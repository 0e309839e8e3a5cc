package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

// Workflow is the consolidated view of one application.
type Workflow struct {
	Application *models.Application    `json:"application"`
	License     *models.License        `json:"license,omitempty"`
	PrintJob    *models.PrintJob       `json:"print_job,omitempty"`
	Shipping    *models.ShippingRecord `json:"shipping,omitempty"`
}

func workflowKey(appID uint64) string {
	return fmt.Sprintf("application:%d:workflow", appID)
}

func (m *Manager) Get(ctx context.Context, appID uint64) (*models.Application, error) {
	var out *models.Application
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		app, err := tx.Applications().Get(ctx, appID)
		out = app
		return err
	})
	return out, err
}

func (m *Manager) List(ctx context.Context, f storage.ApplicationFilter) ([]*models.Application, error) {
	var out []*models.Application
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		apps, err := tx.Applications().List(ctx, f)
		out = apps
		return err
	})
	return out, err
}

// WorkflowStatus returns the application with its license, latest print job
// and latest shipping record. Results are cached until the next change.
func (m *Manager) WorkflowStatus(ctx context.Context, appID uint64) (*Workflow, error) {
	key := workflowKey(appID)
	if m.cache != nil {
		raw, ok, err := m.cache.Get(ctx, key)
		if err != nil {
			m.log.Error(ctx, "workflow cache read failed", err)
		} else if ok {
			var wf Workflow
			if err := json.Unmarshal(raw, &wf); err == nil {
				return &wf, nil
			}
		}
	}

	wf := &Workflow{}
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		app, err := tx.Applications().Get(ctx, appID)
		if err != nil {
			return err
		}
		wf.Application = app
		if app.LicenseID != 0 {
			if wf.License, err = tx.Licenses().Get(ctx, app.LicenseID); err != nil {
				return err
			}
		}
		jobs, err := tx.PrintJobs().List(ctx, storage.PrintJobFilter{ApplicationID: appID})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if wf.PrintJob == nil || j.ID > wf.PrintJob.ID {
				wf.PrintJob = j
			}
		}
		recs, err := tx.Shipments().List(ctx, storage.ShippingFilter{ApplicationID: appID})
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			wf.Shipping = recs[len(recs)-1]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if raw, err := json.Marshal(wf); err == nil {
			if err := m.cache.Set(ctx, key, raw, m.cfg.WorkflowTTL); err != nil {
				m.log.Error(ctx, "workflow cache write failed", err)
			}
		}
	}
	return wf, nil
}

// Statistics counts applications per status. Every status is present.
func (m *Manager) Statistics(ctx context.Context) (map[models.ApplicationStatus]int, error) {
	out := make(map[models.ApplicationStatus]int)
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		counts, err := tx.Applications().CountByStatus(ctx)
		if err != nil {
			return err
		}
		for _, s := range models.ApplicationStatuses() {
			out[s] = counts[s]
		}
		return nil
	})
	return out, err
}

func (m *Manager) invalidate(ctx context.Context, appID uint64) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Del(ctx, workflowKey(appID)); err != nil {
		m.log.Error(m.log.WithApplicationID(ctx, appID), "workflow cache invalidation failed", err)
	}
}
