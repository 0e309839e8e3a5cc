// Package storagetest is a contract suite run against every storage backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

type Backend interface {
	storage.Store
	storage.OutboxRelayStore
	storage.ShipmentCheckStore
}

// Run executes the suite. newStore must return an empty backend.
func Run(t *testing.T, newStore func(t *testing.T) Backend) {
	t.Run("Directory", func(t *testing.T) { testDirectory(t, newStore(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("OneActivePrintJob", func(t *testing.T) { testOneActivePrintJob(t, newStore(t)) })
	t.Run("QueueOrder", func(t *testing.T) { testQueueOrder(t, newStore(t)) })
	t.Run("AssignmentCounters", func(t *testing.T) { testAssignmentCounters(t, newStore(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
	t.Run("Shipments", func(t *testing.T) { testShipments(t, newStore(t)) })
	t.Run("PrintOperators", func(t *testing.T) { testPrintOperators(t, newStore(t)) })
}

type fixture struct {
	location *models.Location
	app      *models.Application
	license  *models.License
}

func seed(t *testing.T, st storage.Store, code string) fixture {
	t.Helper()
	var f fixture
	err := st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		f.location = &models.Location{
			Code:               code,
			Name:               "Office " + code,
			City:               "Gaborone",
			PrintingType:       models.PrintingTypeLocal,
			CapacityPerDay:     models.DefaultCapacityPerDay,
			AcceptsCollections: true,
			Active:             true,
		}
		if err := tx.Locations().Create(ctx, f.location); err != nil {
			return err
		}
		f.app = &models.Application{
			Type:                models.ApplicationTypeNew,
			Status:              models.ApplicationStatusLicenseGenerated,
			IdentityDocumentRef: "doc-" + code,
			BiometricRef:        "bio-" + code,
			LocationID:          f.location.ID,
			PaymentAmount:       decimal.RequireFromString("250.00"),
		}
		if err := tx.Applications().Create(ctx, f.app); err != nil {
			return err
		}
		f.license = &models.License{
			ApplicationID: f.app.ID,
			LicenseNumber: "LIC-" + code,
			Status:        models.LicenseStatusGenerated,
		}
		return tx.Licenses().Create(ctx, f.license)
	})
	require.NoError(t, err)
	return f
}

func newJob(f fixture, status models.PrintJobStatus, priority int, queuedAt time.Time) *models.PrintJob {
	return &models.PrintJob{
		ApplicationID:    f.app.ID,
		LicenseID:        f.license.ID,
		Status:           status,
		Priority:         priority,
		OriginLocationID: f.location.ID,
		RoutingMode:      models.PrintingTypeLocal,
		LocationID:       f.location.ID,
		QueuedAt:         queuedAt,
	}
}

func testDirectory(t *testing.T, st Backend) {
	ctx := context.Background()
	f := seed(t, st, "GAB")

	err := st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Locations().Create(ctx, &models.Location{Code: "gab", PrintingType: models.PrintingTypeLocal, Active: true})
	})
	require.True(t, apperr.Is(err, apperr.KindConflict), "duplicate code must conflict, got %v", err)

	err = st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loc, err := tx.Locations().GetByCode(ctx, "gab")
		if err != nil {
			return err
		}
		require.Equal(t, f.location.ID, loc.ID)

		inactive := &models.Location{Code: "FRA", PrintingType: models.PrintingTypeDisabled}
		if err := tx.Locations().Create(ctx, inactive); err != nil {
			return err
		}
		all, err := tx.Locations().List(ctx, false)
		if err != nil {
			return err
		}
		require.Len(t, all, 2)
		active, err := tx.Locations().List(ctx, true)
		if err != nil {
			return err
		}
		require.Len(t, active, 1)
		require.Equal(t, "GAB", active[0].Code)
		return nil
	})
	require.NoError(t, err)

	err = st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Locations().Get(ctx, 999999)
		return err
	})
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func testVersionConflict(t *testing.T, st Backend) {
	ctx := context.Background()
	f := seed(t, st, "VC1")

	stale := *f.app
	err := st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Applications().Get(ctx, f.app.ID)
		if err != nil {
			return err
		}
		a.Status = models.ApplicationStatusQueuedForPrinting
		if err := tx.Applications().Update(ctx, a); err != nil {
			return err
		}
		require.Equal(t, stale.Version+1, a.Version)
		return nil
	})
	require.NoError(t, err)

	err = st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		stale.Status = models.ApplicationStatusCancelled
		return tx.Applications().Update(ctx, &stale)
	})
	require.True(t, apperr.Is(err, apperr.KindConflict), "stale update must conflict, got %v", err)

	err = st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Applications().Get(ctx, f.app.ID)
		if err != nil {
			return err
		}
		require.Equal(t, models.ApplicationStatusQueuedForPrinting, a.Status)
		require.True(t, a.PaymentAmount.Equal(decimal.RequireFromString("250")))
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, st Backend) {
	ctx := context.Background()
	f := seed(t, st, "RB1")

	boom := errors.New("boom")
	err := st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, err := tx.Licenses().Get(ctx, f.license.ID)
		if err != nil {
			return err
		}
		l.Status = models.LicenseStatusCancelled
		if err := tx.Licenses().Update(ctx, l); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, err := tx.Licenses().GetByApplication(ctx, f.app.ID)
		if err != nil {
			return err
		}
		require.Equal(t, models.LicenseStatusGenerated, l.Status)
		require.Equal(t, f.license.Version, l.Version)
		return nil
	})
	require.NoError(t, err)
}

func testOneActivePrintJob(t *testing.T, st Backend) {
	ctx := context.Background()
	f := seed(t, st, "OA1")
	now := time.Now().UTC()

	first := newJob(f, models.PrintJobStatusQueued, models.PriorityNormal, now)
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PrintJobs().Create(ctx, first)
	}))

	err := st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PrintJobs().Create(ctx, newJob(f, models.PrintJobStatusQueued, models.PriorityNormal, now))
	})
	require.True(t, apperr.Is(err, apperr.KindConflict), "second active job must conflict, got %v", err)

	// failed still blocks the license
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.PrintJobs().Get(ctx, first.ID)
		if err != nil {
			return err
		}
		j.Status = models.PrintJobStatusFailed
		return tx.PrintJobs().Update(ctx, j)
	}))
	err = st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PrintJobs().Create(ctx, newJob(f, models.PrintJobStatusQueued, models.PriorityNormal, now))
	})
	require.True(t, apperr.Is(err, apperr.KindConflict))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		active, err := tx.PrintJobs().ActiveForLicense(ctx, f.license.ID)
		if err != nil {
			return err
		}
		require.NotNil(t, active)
		require.Equal(t, first.ID, active.ID)

		active.Status = models.PrintJobStatusCancelled
		if err := tx.PrintJobs().Update(ctx, active); err != nil {
			return err
		}
		return tx.PrintJobs().Create(ctx, newJob(f, models.PrintJobStatusQueued, models.PriorityNormal, now))
	}))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		jobs, err := tx.PrintJobs().List(ctx, storage.PrintJobFilter{LicenseID: f.license.ID})
		if err != nil {
			return err
		}
		require.Len(t, jobs, 2)
		counts, err := tx.PrintJobs().CountByStatus(ctx)
		if err != nil {
			return err
		}
		require.Equal(t, 1, counts[models.PrintJobStatusQueued])
		require.Equal(t, 1, counts[models.PrintJobStatusCancelled])
		return nil
	}))
}

func testQueueOrder(t *testing.T, st Backend) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	fixtures := []fixture{seed(t, st, "Q1"), seed(t, st, "Q2"), seed(t, st, "Q3"), seed(t, st, "Q4")}
	jobs := []*models.PrintJob{
		newJob(fixtures[0], models.PrintJobStatusQueued, models.PriorityNormal, base.Add(2*time.Minute)),
		newJob(fixtures[1], models.PrintJobStatusQueued, models.PriorityHigh, base.Add(3*time.Minute)),
		newJob(fixtures[2], models.PrintJobStatusQueued, models.PriorityNormal, base.Add(time.Minute)),
		newJob(fixtures[3], models.PrintJobStatusCompleted, models.PriorityHigh, base),
	}
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, j := range jobs {
			if err := tx.PrintJobs().Create(ctx, j); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		queue, err := tx.PrintJobs().List(ctx, storage.PrintJobFilter{Statuses: []models.PrintJobStatus{models.PrintJobStatusQueued}})
		if err != nil {
			return err
		}
		require.Len(t, queue, 3)
		require.Equal(t, jobs[1].ID, queue[0].ID)
		require.Equal(t, jobs[2].ID, queue[1].ID)
		require.Equal(t, jobs[0].ID, queue[2].ID)

		limited, err := tx.PrintJobs().List(ctx, storage.PrintJobFilter{
			Statuses: []models.PrintJobStatus{models.PrintJobStatusQueued},
			Limit:    1,
		})
		if err != nil {
			return err
		}
		require.Len(t, limited, 1)
		require.Equal(t, jobs[1].ID, limited[0].ID)
		return nil
	}))
}

func testAssignmentCounters(t *testing.T, st Backend) {
	ctx := context.Background()
	f1, f2 := seed(t, st, "AC1"), seed(t, st, "AC2")
	now := time.Now().UTC()
	yesterday := now.Add(-36 * time.Hour)

	j1 := newJob(f1, models.PrintJobStatusAssigned, models.PriorityNormal, now)
	j1.AssignedTo, j1.PrinterID, j1.AssignedAt = 7, 3, &now
	j2 := newJob(f2, models.PrintJobStatusCompleted, models.PriorityNormal, now)
	j2.LocationID = f1.location.ID
	j2.AssignedTo, j2.PrinterID, j2.AssignedAt = 7, 3, &yesterday

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PrintJobs().Create(ctx, j1); err != nil {
			return err
		}
		return tx.PrintJobs().Create(ctx, j2)
	}))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		n, err := tx.PrintJobs().CountAssignedSince(ctx, f1.location.ID, dayStart)
		if err != nil {
			return err
		}
		require.Equal(t, 1, n)

		byOperator, byPrinter, err := tx.PrintJobs().InFlightLoad(ctx)
		if err != nil {
			return err
		}
		require.Equal(t, 1, byOperator[7])
		require.Equal(t, 1, byPrinter[3])

		mine, err := tx.PrintJobs().List(ctx, storage.PrintJobFilter{AssignedTo: 7})
		if err != nil {
			return err
		}
		require.Len(t, mine, 2)
		return nil
	}))
}

func testOutbox(t *testing.T, st Backend) {
	ctx := context.Background()
	now := time.Now().UTC()

	events := []*models.OutboxEvent{
		{EventID: "e-1", EventType: "PrintJobQueued", Topic: "licenseflow.events", Key: "1", Payload: []byte(`{"a":1}`)},
		{EventID: "e-2", EventType: "PrintJobStarted", Topic: "licenseflow.events", Key: "1", Payload: []byte(`{"a":2}`)},
		{EventID: "e-3", EventType: "PrintJobQueued", Topic: "licenseflow.events", Key: "2", Payload: []byte(`{"a":3}`), NextAttemptAt: now.Add(time.Hour)},
		// held back behind e-3, which shares its key
		{EventID: "e-4", EventType: "PrintJobStarted", Topic: "licenseflow.events", Key: "2", Payload: []byte(`{"a":4}`)},
	}
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, e := range events {
			if err := tx.Outbox().Append(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	lease := 30 * time.Second
	claimAt := time.Now().UTC().Add(time.Second)
	claimed, err := st.ClaimOutbox(ctx, claimAt, 10, lease)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, events[0].ID, claimed[0].ID)
	require.Equal(t, events[1].ID, claimed[1].ID)
	require.JSONEq(t, `{"a":1}`, string(claimed[0].Payload))
	require.WithinDuration(t, claimAt.Add(lease), claimed[0].NextAttemptAt, time.Second)

	again, err := st.ClaimOutbox(ctx, claimAt, 10, lease)
	require.NoError(t, err)
	require.Empty(t, again, "leased events must not be claimed twice")

	require.NoError(t, st.MarkOutboxPublished(ctx, claimed[0].ID, claimAt))
	require.NoError(t, st.MarkOutboxFailed(ctx, claimed[1].ID, "broker down", claimAt))

	retry, err := st.ClaimOutbox(ctx, claimAt, 10, lease)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	require.Equal(t, events[1].ID, retry[0].ID)
	require.Equal(t, 1, retry[0].Attempts)
	require.Equal(t, "broker down", retry[0].LastError)

	err = st.MarkOutboxPublished(ctx, 987654, claimAt)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func testShipments(t *testing.T, st Backend) {
	ctx := context.Background()
	f := seed(t, st, "SH1")
	now := time.Now().UTC()

	job := newJob(f, models.PrintJobStatusCompleted, models.PriorityNormal, now)
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PrintJobs().Create(ctx, job)
	}))

	rec := &models.ShippingRecord{
		ApplicationID:   f.app.ID,
		LicenseID:       f.license.ID,
		PrintJobID:      job.ID,
		Status:          models.ShippingStatusPending,
		CollectionPoint: "SH2",
		Address:         "Plot 1, Gaborone",
	}
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Shipments().Create(ctx, rec)
	}))

	err := st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		dup := *rec
		dup.ID = 0
		return tx.Shipments().Create(ctx, &dup)
	})
	require.True(t, apperr.Is(err, apperr.KindConflict), "second active shipment must conflict, got %v", err)

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.Shipments().ForPrintJob(ctx, job.ID)
		if err != nil {
			return err
		}
		require.NotNil(t, r)
		r.Status = models.ShippingStatusInTransit
		r.TrackingNumber = "TRK-1"
		r.Carrier = "courier"
		r.ShippedAt = &now
		return tx.Shipments().Update(ctx, r)
	}))

	claimed, err := st.ClaimDueShipments(ctx, now.Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, rec.ID, claimed[0].ID)

	again, err := st.ClaimDueShipments(ctx, now.Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, st.RecordShipmentCheck(ctx, rec.ID, now, true, now.Add(time.Hour)))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.Shipments().ByTrackingNumber(ctx, "TRK-1")
		if err != nil {
			return err
		}
		require.Equal(t, rec.ID, r.ID)
		require.Equal(t, int32(1), r.CheckFailCount)
		require.NotNil(t, r.NextCheckAt)
		require.WithinDuration(t, now.Add(time.Hour), *r.NextCheckAt, time.Second)

		_, err = tx.Shipments().ByTrackingNumber(ctx, "missing")
		require.True(t, apperr.Is(err, apperr.KindNotFound))

		pending, err := tx.Shipments().List(ctx, storage.ShippingFilter{CollectionPoint: "SH2"})
		if err != nil {
			return err
		}
		require.Len(t, pending, 1)
		none, err := tx.Shipments().ForPrintJob(ctx, job.ID+1000)
		if err != nil {
			return err
		}
		require.Nil(t, none)
		return nil
	}))
}

func testPrintOperators(t *testing.T, st Backend) {
	ctx := context.Background()
	f := seed(t, st, "PO1")
	other := seed(t, st, "PO2")

	users := []*models.User{
		{Username: "alice", Role: models.RolePrinter, Active: true},
		{Username: "bob", Role: models.RoleOfficer, Active: true},
		{Username: "carol", Role: models.RolePrinter, Active: false},
	}
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, u := range users {
			if err := tx.Users().Create(ctx, u); err != nil {
				return err
			}
			if err := tx.Users().PutLocation(ctx, models.UserLocation{UserID: u.ID, LocationID: f.location.ID, CanPrint: u.Username != "bob", IsPrimary: true}); err != nil {
				return err
			}
		}
		return tx.Users().PutLocation(ctx, models.UserLocation{UserID: users[0].ID, LocationID: other.location.ID, CanPrint: true, IsPrimary: true})
	}))

	err := st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Users().Create(ctx, &models.User{Username: "ALICE", Role: models.RoleViewer})
	})
	require.True(t, apperr.Is(err, apperr.KindConflict))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ops, err := tx.Users().PrintOperators(ctx, f.location.ID)
		if err != nil {
			return err
		}
		require.Len(t, ops, 1)
		require.Equal(t, users[0].ID, ops[0].ID)

		locs, err := tx.Users().Locations(ctx, users[0].ID)
		if err != nil {
			return err
		}
		require.Len(t, locs, 2)
		primaries := 0
		for _, ul := range locs {
			if ul.IsPrimary {
				primaries++
				require.Equal(t, other.location.ID, ul.LocationID)
			}
		}
		require.Equal(t, 1, primaries)

		if err := tx.Users().RemoveLocation(ctx, users[0].ID, f.location.ID); err != nil {
			return err
		}
		ops, err = tx.Users().PrintOperators(ctx, f.location.ID)
		if err != nil {
			return err
		}
		require.Empty(t, ops)
		return nil
	}))
}
