// Package shipping tracks printed cards on their way to the citizen: either
// a counter hand-over at the printing location or a courier shipment to the
// collection point.
package shipping

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
	"github.com/BearBump/LicenseFlow/internal/storage"
)

// Decision is the fulfilment outcome for a completed print job.
type Decision struct {
	// Collect is set when the card was printed at its collection point.
	Collect bool
	// CollectionPoint is the code of the location the citizen collects from.
	CollectionPoint string
	// Record is the shipping record when the card has to travel.
	Record *models.ShippingRecord
}

type Tracker struct {
	store  storage.Store
	events *outbox.Emitter
	log    *logger.Logger
	now    func() time.Time
}

func New(store storage.Store, events *outbox.Emitter, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{
		store:  store,
		events: events,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for status timestamps.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.now = now
	}
	return t
}

// CreateFromCompletedJob runs inside the caller's transaction. A second call
// for the same job returns the record created by the first.
func (t *Tracker) CreateFromCompletedJob(ctx context.Context, tx storage.Tx, job *models.PrintJob, app *models.Application) (Decision, error) {
	if job.Status != models.PrintJobStatusCompleted {
		return Decision{}, apperr.Newf(apperr.KindState, "print job %d is %s, not completed", job.ID, job.Status)
	}
	if existing, err := tx.Shipments().ForPrintJob(ctx, job.ID); err != nil {
		return Decision{}, err
	} else if existing != nil {
		return Decision{CollectionPoint: existing.CollectionPoint, Record: existing}, nil
	}

	point, err := tx.Locations().Get(ctx, app.CollectionPointID())
	if err != nil {
		return Decision{}, err
	}
	if point.ID == job.LocationID && point.Active && point.AcceptsCollections {
		return Decision{Collect: true, CollectionPoint: point.Code}, nil
	}

	rec := &models.ShippingRecord{
		ApplicationID:   app.ID,
		LicenseID:       job.LicenseID,
		PrintJobID:      job.ID,
		Status:          models.ShippingStatusPending,
		CollectionPoint: point.Code,
		Address:         point.Address(),
	}
	if err := tx.Shipments().Create(ctx, rec); err != nil {
		return Decision{}, err
	}
	if err := audit.Record(ctx, tx, models.SystemActor(), "create", audit.ResourceShipping, rec.ID,
		"shipment to %s for print job %d", point.Code, job.ID); err != nil {
		return Decision{}, err
	}
	return Decision{CollectionPoint: point.Code, Record: rec}, nil
}

type ShipInput struct {
	TrackingNumber string
	Carrier        string
	Method         string
	Notes          string
}

func (t *Tracker) MarkShipped(ctx context.Context, id uint64, in ShipInput, actor models.Actor) (*models.ShippingRecord, error) {
	if err := access.RequireStaff(actor, "dispatch shipments"); err != nil {
		return nil, err
	}
	in.TrackingNumber = strings.TrimSpace(in.TrackingNumber)
	if in.TrackingNumber == "" {
		return nil, apperr.New(apperr.KindValidation, "tracking_number is required")
	}

	return t.mutate(ctx, id, func(ctx context.Context, tx storage.Tx, rec *models.ShippingRecord) error {
		if rec.Status != models.ShippingStatusPending {
			return apperr.Newf(apperr.KindState, "shipping record %d is %s, not pending", rec.ID, rec.Status)
		}
		now := t.now()
		rec.Status = models.ShippingStatusInTransit
		rec.TrackingNumber = in.TrackingNumber
		rec.Carrier = strings.TrimSpace(in.Carrier)
		rec.Method = strings.TrimSpace(in.Method)
		if in.Notes != "" {
			rec.Notes = in.Notes
		}
		rec.ShippedAt = &now
		rec.ShippedBy = actor.UserID
		rec.NextCheckAt = &now
		rec.CheckFailCount = 0
		if err := tx.Shipments().Update(ctx, rec); err != nil {
			return err
		}
		if err := t.emit(ctx, tx, messages.ShipmentDispatched, rec, actor, ""); err != nil {
			return err
		}
		return audit.Record(ctx, tx, actor, "ship", audit.ResourceShipping, rec.ID, "dispatched with %s %s", rec.Carrier, rec.TrackingNumber)
	})
}

func (t *Tracker) MarkDelivered(ctx context.Context, id uint64, receivedBy string, actor models.Actor) (*models.ShippingRecord, error) {
	if err := access.RequireStaff(actor, "confirm deliveries"); err != nil {
		return nil, err
	}
	return t.mutate(ctx, id, func(ctx context.Context, tx storage.Tx, rec *models.ShippingRecord) error {
		if rec.Status != models.ShippingStatusInTransit {
			return apperr.Newf(apperr.KindState, "shipping record %d is %s, not in_transit", rec.ID, rec.Status)
		}
		now := t.now()
		rec.Status = models.ShippingStatusDelivered
		rec.DeliveredAt = &now
		rec.ReceivedBy = strings.TrimSpace(receivedBy)
		rec.LastCheckedAt = &now
		rec.NextCheckAt = nil
		if err := tx.Shipments().Update(ctx, rec); err != nil {
			return err
		}
		if err := t.emit(ctx, tx, messages.ShipmentDelivered, rec, actor, ""); err != nil {
			return err
		}
		return audit.Record(ctx, tx, actor, "deliver", audit.ResourceShipping, rec.ID, "delivered, received by %q", rec.ReceivedBy)
	})
}

func (t *Tracker) MarkFailed(ctx context.Context, id uint64, reason string, actor models.Actor) (*models.ShippingRecord, error) {
	if err := access.RequireStaff(actor, "fail shipments"); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.KindValidation, "reason is required")
	}
	return t.mutate(ctx, id, func(ctx context.Context, tx storage.Tx, rec *models.ShippingRecord) error {
		if !rec.Status.Active() {
			return apperr.Newf(apperr.KindState, "shipping record %d is already %s", rec.ID, rec.Status)
		}
		t.fail(rec, reason)
		if err := tx.Shipments().Update(ctx, rec); err != nil {
			return err
		}
		if err := t.emit(ctx, tx, messages.ShipmentFailed, rec, actor, reason); err != nil {
			return err
		}
		return audit.Record(ctx, tx, actor, "fail", audit.ResourceShipping, rec.ID, "failed: %s", reason)
	})
}

// Redispatch opens a new pending record for the same card after a failed one.
func (t *Tracker) Redispatch(ctx context.Context, failedID uint64, actor models.Actor) (*models.ShippingRecord, error) {
	if err := access.RequireStaff(actor, "redispatch shipments"); err != nil {
		return nil, err
	}
	var out *models.ShippingRecord
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		prev, err := tx.Shipments().Get(ctx, failedID)
		if err != nil {
			return err
		}
		if prev.Status != models.ShippingStatusFailed {
			return apperr.Newf(apperr.KindState, "shipping record %d is %s, only failed shipments can be redispatched", prev.ID, prev.Status)
		}
		app, err := tx.Applications().Get(ctx, prev.ApplicationID)
		if err != nil {
			return err
		}
		if app.Status.Terminal() {
			return apperr.Newf(apperr.KindState, "application %d is %s", app.ID, app.Status)
		}
		rec := &models.ShippingRecord{
			ApplicationID:   prev.ApplicationID,
			LicenseID:       prev.LicenseID,
			PrintJobID:      prev.PrintJobID,
			Status:          models.ShippingStatusPending,
			CollectionPoint: prev.CollectionPoint,
			Address:         prev.Address,
			Method:          prev.Method,
			Notes:           "redispatch of shipment " + prev.TrackingNumber,
		}
		if err := tx.Shipments().Create(ctx, rec); err != nil {
			return err
		}
		out = rec
		return audit.Record(ctx, tx, actor, "redispatch", audit.ResourceShipping, rec.ID, "replaces failed shipment %d", prev.ID)
	})
	return out, err
}

// RecordCollection hands a card waiting at a counter to the citizen.
func (t *Tracker) RecordCollection(ctx context.Context, licenseID uint64, collectedBy, collectionPoint string, actor models.Actor) (*models.License, error) {
	if err := access.RequireStaff(actor, "record collections"); err != nil {
		return nil, err
	}
	collectedBy = strings.TrimSpace(collectedBy)
	if collectedBy == "" {
		return nil, apperr.New(apperr.KindValidation, "collected_by is required")
	}

	var out *models.License
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		lic, err := tx.Licenses().Get(ctx, licenseID)
		if err != nil {
			return err
		}
		if !lic.Status.AwaitingCollection() {
			return apperr.Newf(apperr.KindState, "license %s is %s, not awaiting collection", lic.LicenseNumber, lic.Status)
		}
		if collectionPoint != "" && !strings.EqualFold(collectionPoint, lic.CollectionPoint) {
			return apperr.Newf(apperr.KindValidation, "license %s is held at %s", lic.LicenseNumber, lic.CollectionPoint)
		}
		point, err := tx.Locations().GetByCode(ctx, lic.CollectionPoint)
		if err != nil {
			return err
		}
		if err := access.AtLocation(ctx, tx, actor, point.ID); err != nil {
			return err
		}

		now := t.now()
		lic.Status = models.LicenseStatusCollected
		lic.CollectedAt = &now
		lic.CollectedBy = collectedBy
		if err := tx.Licenses().Update(ctx, lic); err != nil {
			return err
		}
		if _, err := t.events.Emit(ctx, tx, messages.CollectionRecorded, lic.ApplicationID, actor, messages.CollectionRecordedPayload{
			LicenseID:       lic.ID,
			CollectedBy:     collectedBy,
			CollectionPoint: lic.CollectionPoint,
			CollectedAt:     now,
		}); err != nil {
			return err
		}
		out = lic
		return audit.Record(ctx, tx, actor, "collect", audit.ResourceLicense, lic.ID, "collected by %q at %s", collectedBy, lic.CollectionPoint)
	})
	return out, err
}

// CancelForApplication fails every active shipment of a cancelled application.
func (t *Tracker) CancelForApplication(ctx context.Context, appID uint64, reason string) (int, error) {
	if reason == "" {
		reason = "application cancelled"
	}
	var n int
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		recs, err := tx.Shipments().List(ctx, storage.ShippingFilter{
			ApplicationID: appID,
			Statuses:      models.ActiveShippingStatuses(),
		})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			t.fail(rec, reason)
			if err := tx.Shipments().Update(ctx, rec); err != nil {
				return err
			}
			if err := audit.Record(ctx, tx, models.SystemActor(), "cancel", audit.ResourceShipping, rec.ID, "%s", reason); err != nil {
				return err
			}
		}
		n = len(recs)
		return nil
	})
	return n, err
}

func (t *Tracker) Get(ctx context.Context, id uint64) (*models.ShippingRecord, error) {
	var out *models.ShippingRecord
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.Shipments().Get(ctx, id)
		out = rec
		return err
	})
	return out, err
}

func (t *Tracker) Pending(ctx context.Context, limit int) ([]*models.ShippingRecord, error) {
	return t.list(ctx, storage.ShippingFilter{Statuses: []models.ShippingStatus{models.ShippingStatusPending}, Limit: limit})
}

func (t *Tracker) ByCollectionPoint(ctx context.Context, code string) ([]*models.ShippingRecord, error) {
	return t.list(ctx, storage.ShippingFilter{CollectionPoint: strings.TrimSpace(code)})
}

func (t *Tracker) ByTrackingNumber(ctx context.Context, trackingNumber string) (*models.ShippingRecord, error) {
	var out *models.ShippingRecord
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.Shipments().ByTrackingNumber(ctx, strings.TrimSpace(trackingNumber))
		out = rec
		return err
	})
	return out, err
}

// AwaitingCollection lists licenses waiting at a counter.
func (t *Tracker) AwaitingCollection(ctx context.Context, code string) ([]*models.License, error) {
	var out []*models.License
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		lics, err := tx.Licenses().List(ctx, storage.LicenseFilter{
			Statuses:        []models.LicenseStatus{models.LicenseStatusReadyForCollection, models.LicenseStatusPendingCollection},
			CollectionPoint: strings.TrimSpace(code),
		})
		out = lics
		return err
	})
	return out, err
}

// Statistics counts shipping records per status. Every status is present.
func (t *Tracker) Statistics(ctx context.Context) (map[models.ShippingStatus]int, error) {
	out := make(map[models.ShippingStatus]int)
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		counts, err := tx.Shipments().CountByStatus(ctx)
		if err != nil {
			return err
		}
		for _, s := range models.ShippingStatuses() {
			out[s] = counts[s]
		}
		return nil
	})
	return out, err
}

func (t *Tracker) list(ctx context.Context, f storage.ShippingFilter) ([]*models.ShippingRecord, error) {
	var out []*models.ShippingRecord
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		recs, err := tx.Shipments().List(ctx, f)
		out = recs
		return err
	})
	return out, err
}

func (t *Tracker) mutate(ctx context.Context, id uint64, fn func(ctx context.Context, tx storage.Tx, rec *models.ShippingRecord) error) (*models.ShippingRecord, error) {
	var out *models.ShippingRecord
	err := t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.Shipments().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (t *Tracker) fail(rec *models.ShippingRecord, reason string) {
	rec.Status = models.ShippingStatusFailed
	rec.FailureReason = reason
	rec.NextCheckAt = nil
}

func (t *Tracker) emit(ctx context.Context, tx storage.Tx, typ messages.EventType, rec *models.ShippingRecord, actor models.Actor, reason string) error {
	_, err := t.events.Emit(ctx, tx, typ, rec.ApplicationID, actor, messages.ShipmentPayload{
		ShippingID:      rec.ID,
		LicenseID:       rec.LicenseID,
		PrintJobID:      rec.PrintJobID,
		Status:          rec.Status,
		TrackingNumber:  rec.TrackingNumber,
		Carrier:         rec.Carrier,
		Method:          rec.Method,
		CollectionPoint: rec.CollectionPoint,
		ReceivedBy:      rec.ReceivedBy,
		Reason:          reason,
	})
	return err
}
