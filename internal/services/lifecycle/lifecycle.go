// Package lifecycle drives an application from submission to collection.
//
// Staff actions move the early states forward. Everything from
// queued_for_printing on is driven by print queue and shipping events, which
// arrive through the On* handlers. Handlers are idempotent and drop events
// that no longer match the application's active print job or license.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/audit"
	"github.com/BearBump/LicenseFlow/internal/broker/messages"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/outbox"
	"github.com/BearBump/LicenseFlow/internal/services/access"
	"github.com/BearBump/LicenseFlow/internal/services/directory"
	"github.com/BearBump/LicenseFlow/internal/services/shipping"
	"github.com/BearBump/LicenseFlow/internal/services/validation"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

type Config struct {
	RequireCaptureHardware bool
	LicenseNumberPrefix    string
	ComplianceVersion      string
	WorkflowTTL            time.Duration
}

// Fulfiller decides between collection and shipping once printing completes.
// It runs inside the caller's transaction.
type Fulfiller interface {
	CreateFromCompletedJob(ctx context.Context, tx storage.Tx, job *models.PrintJob, app *models.Application) (shipping.Decision, error)
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type Manager struct {
	store  storage.Store
	events *outbox.Emitter
	fulfil Fulfiller
	cache  Cache
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
}

func New(store storage.Store, events *outbox.Emitter, fulfil Fulfiller, cfg Config, log *logger.Logger) *Manager {
	if cfg.LicenseNumberPrefix == "" {
		cfg.LicenseNumberPrefix = "LIC"
	}
	if cfg.ComplianceVersion == "" {
		cfg.ComplianceVersion = "v1"
	}
	if cfg.WorkflowTTL <= 0 {
		cfg.WorkflowTTL = 10 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		store:  store,
		events: events,
		fulfil: fulfil,
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

// WithCache enables the workflow status cache.
func (m *Manager) WithCache(c Cache) *Manager {
	m.cache = c
	return m
}

type SubmitInput struct {
	Type                    models.ApplicationType `json:"type" validate:"enum"`
	CitizenRef              string                 `json:"citizen_ref"`
	IdentityDocumentRef     string                 `json:"identity_document_ref" validate:"required"`
	BiometricRef            string                 `json:"biometric_ref" validate:"required"`
	LocationID              uint64                 `json:"location_id" validate:"required"`
	CollectionLocationID    uint64                 `json:"collection_location_id"`
	PreferredCollectionDate *time.Time             `json:"preferred_collection_date"`
	PreviousLicenseID       uint64                 `json:"previous_license_id"`
	PaymentAmount           decimal.Decimal        `json:"payment_amount"`
}

func (m *Manager) Submit(ctx context.Context, in SubmitInput, actor models.Actor) (*models.Application, error) {
	if err := access.RequireStaff(actor, "submit applications"); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.Type.RequiresPreviousLicense() && in.PreviousLicenseID == 0 {
		return nil, apperr.Newf(apperr.KindValidation, "previous_license_id is required for %s applications", in.Type)
	}
	if in.PaymentAmount.IsNegative() {
		return nil, apperr.New(apperr.KindValidation, "payment_amount must not be negative")
	}

	var out *models.Application
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loc, err := tx.Locations().Get(ctx, in.LocationID)
		if err != nil {
			return err
		}
		if !loc.Active || !loc.AcceptsApplications {
			return apperr.Newf(apperr.KindRouting, "location %s does not accept applications", loc.Code)
		}
		if err := access.AtLocation(ctx, tx, actor, loc.ID); err != nil {
			return err
		}
		if in.CollectionLocationID != 0 && in.CollectionLocationID != loc.ID {
			if _, err := tx.Locations().Get(ctx, in.CollectionLocationID); err != nil {
				return err
			}
		}
		if m.cfg.RequireCaptureHardware {
			ok, err := directory.CaptureAvailable(ctx, tx, loc.ID)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Newf(apperr.KindNoCapacity, "location %s has no active biometric capture device", loc.Code)
			}
		}

		now := m.now()
		app := &models.Application{
			Type:                    in.Type,
			Status:                  models.ApplicationStatusSubmitted,
			CitizenRef:              in.CitizenRef,
			IdentityDocumentRef:     in.IdentityDocumentRef,
			BiometricRef:            in.BiometricRef,
			LocationID:              loc.ID,
			CollectionLocationID:    in.CollectionLocationID,
			PreferredCollectionDate: in.PreferredCollectionDate,
			PreviousLicenseID:       in.PreviousLicenseID,
			PaymentAmount:           in.PaymentAmount,
			StatusChangedAt:         now,
		}
		if err := tx.Applications().Create(ctx, app); err != nil {
			return err
		}
		out = app
		return audit.Record(ctx, tx, actor, "submit", audit.ResourceApplication, app.ID, "%s application submitted at %s", app.Type, loc.Code)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info(m.log.WithApplicationID(ctx, out.ID), "application submitted")
	return out, nil
}

// eventDriven statuses are entered only through print and shipping events.
var eventDriven = []models.ApplicationStatus{
	models.ApplicationStatusLicenseGenerated,
	models.ApplicationStatusQueuedForPrinting,
	models.ApplicationStatusPrinting,
	models.ApplicationStatusPrinted,
	models.ApplicationStatusShipped,
	models.ApplicationStatusReadyForCollection,
	models.ApplicationStatusCollected,
}

// Transition applies a manual status change. Only review steps, rejection and
// cancellation are manual; payment and license registration have their own
// operations.
func (m *Manager) Transition(ctx context.Context, appID uint64, target models.ApplicationStatus, actor models.Actor, note string) (*models.Application, error) {
	if !target.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown application status %q", target)
	}
	switch target {
	case models.ApplicationStatusCancelled:
		return m.Cancel(ctx, appID, actor, note)
	case models.ApplicationStatusRejected:
		return m.Reject(ctx, appID, actor, note)
	case models.ApplicationStatusPendingPayment:
		return nil, apperr.New(apperr.KindInvalidTransition, "pending_payment is entered by recording a payment")
	}
	if target.In(eventDriven...) {
		return nil, apperr.Newf(apperr.KindInvalidTransition, "%s is reached through print and shipping events only", target)
	}
	if err := access.CanReview(actor); err != nil {
		return nil, err
	}

	var out *models.Application
	err := m.mutate(ctx, appID, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if err := directSuccessor(app.Status, target); err != nil {
			return err
		}
		prev := app.Status
		m.setStatus(app, target)
		app.ReviewedBy = actor.UserID
		if note != "" {
			app.ReviewNotes = note
		}
		if err := tx.Applications().Update(ctx, app); err != nil {
			return err
		}
		out = app
		return audit.Record(ctx, tx, actor, "transition", audit.ResourceApplication, app.ID, "%s -> %s", prev, target)
	})
	return out, err
}

func directSuccessor(from, to models.ApplicationStatus) error {
	if from.Terminal() {
		return apperr.Newf(apperr.KindInvalidTransition, "application is %s", from)
	}
	if to.Rank()-from.Rank() != 1 {
		return apperr.Newf(apperr.KindInvalidTransition, "cannot move from %s to %s", from, to)
	}
	return nil
}

var rejectable = []models.ApplicationStatus{
	models.ApplicationStatusSubmitted,
	models.ApplicationStatusUnderReview,
	models.ApplicationStatusApproved,
	models.ApplicationStatusPendingPayment,
}

func (m *Manager) Reject(ctx context.Context, appID uint64, actor models.Actor, reason string) (*models.Application, error) {
	if err := access.CanReview(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.KindValidation, "reason is required")
	}

	var out *models.Application
	err := m.mutate(ctx, appID, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if !app.Status.In(rejectable...) {
			return apperr.Newf(apperr.KindInvalidTransition, "cannot reject an application that is %s", app.Status)
		}
		prev := app.Status
		m.setStatus(app, models.ApplicationStatusRejected)
		app.ReviewedBy = actor.UserID
		app.ReviewNotes = reason
		if err := tx.Applications().Update(ctx, app); err != nil {
			return err
		}
		out = app
		return audit.Record(ctx, tx, actor, "reject", audit.ResourceApplication, app.ID, "%s -> rejected: %s", prev, reason)
	})
	return out, err
}

// Cancel stops the application and its license. The print queue cancels the
// in-flight job when it sees ApplicationCancelled.
func (m *Manager) Cancel(ctx context.Context, appID uint64, actor models.Actor, reason string) (*models.Application, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	var out *models.Application
	err := m.mutate(ctx, appID, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if app.Status.Terminal() {
			return apperr.Newf(apperr.KindInvalidTransition, "application is %s", app.Status)
		}
		if err := access.CanCancelApplication(actor, app.Status); err != nil {
			return err
		}
		prev := app.Status
		m.setStatus(app, models.ApplicationStatusCancelled)
		app.ReviewNotes = reason
		if err := tx.Applications().Update(ctx, app); err != nil {
			return err
		}

		if app.LicenseID != 0 {
			lic, err := tx.Licenses().Get(ctx, app.LicenseID)
			if err != nil {
				return err
			}
			if lic.Status != models.LicenseStatusCollected && lic.Status != models.LicenseStatusCancelled {
				lic.Status = models.LicenseStatusCancelled
				if err := tx.Licenses().Update(ctx, lic); err != nil {
					return err
				}
			}
		}

		if _, err := m.events.Emit(ctx, tx, messages.ApplicationCancelled, app.ID, actor, messages.ApplicationCancelledPayload{
			LicenseID: app.LicenseID,
			Reason:    reason,
		}); err != nil {
			return err
		}
		out = app
		return audit.Record(ctx, tx, actor, "cancel", audit.ResourceApplication, app.ID, "%s -> cancelled: %s", prev, reason)
	})
	return out, err
}

func (m *Manager) RecordPayment(ctx context.Context, appID uint64, amount decimal.Decimal, reference string, actor models.Actor) (*models.Application, error) {
	if err := access.RequireStaff(actor, "record payments"); err != nil {
		return nil, err
	}
	reference = strings.TrimSpace(reference)
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.KindValidation, "payment amount must be positive")
	}
	if reference == "" {
		return nil, apperr.New(apperr.KindValidation, "payment reference is required")
	}

	var out *models.Application
	err := m.mutate(ctx, appID, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if app.Status != models.ApplicationStatusApproved {
			return apperr.Newf(apperr.KindInvalidTransition, "payment can only be recorded for approved applications, not %s", app.Status)
		}
		m.setStatus(app, models.ApplicationStatusPendingPayment)
		app.PaymentAmount = amount
		app.PaymentReference = reference
		app.PaymentConfirmed = false
		if err := tx.Applications().Update(ctx, app); err != nil {
			return err
		}
		out = app
		return audit.Record(ctx, tx, actor, "payment", audit.ResourceApplication, app.ID, "payment %s recorded (ref %s)", amount.StringFixed(2), reference)
	})
	return out, err
}

func (m *Manager) ConfirmPayment(ctx context.Context, appID uint64, actor models.Actor) (*models.Application, error) {
	if err := access.RequireStaff(actor, "confirm payments"); err != nil {
		return nil, err
	}

	var out *models.Application
	err := m.mutate(ctx, appID, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if app.Status != models.ApplicationStatusPendingPayment {
			return apperr.Newf(apperr.KindState, "application is %s, not pending_payment", app.Status)
		}
		out = app
		if app.PaymentConfirmed {
			return nil
		}
		app.PaymentConfirmed = true
		if err := tx.Applications().Update(ctx, app); err != nil {
			return err
		}
		return audit.Record(ctx, tx, actor, "payment_confirmed", audit.ResourceApplication, app.ID, "payment %s confirmed", app.PaymentReference)
	})
	return out, err
}

// RegisterLicense records the generated document artifacts and creates the license.
func (m *Manager) RegisterLicense(ctx context.Context, appID uint64, artifacts models.Artifacts, actor models.Actor) (*models.License, error) {
	if err := access.RequireStaff(actor, "register licenses"); err != nil {
		return nil, err
	}
	if artifacts.Empty() {
		return nil, apperr.New(apperr.KindValidation, "at least one artifact reference is required")
	}

	var out *models.License
	err := m.mutate(ctx, appID, func(ctx context.Context, tx storage.Tx, app *models.Application) error {
		if app.Status != models.ApplicationStatusPendingPayment {
			return apperr.Newf(apperr.KindInvalidTransition, "cannot register a license for an application that is %s", app.Status)
		}
		if !app.PaymentConfirmed {
			return apperr.New(apperr.KindState, "payment is not confirmed")
		}
		if app.LicenseID != 0 {
			return apperr.Newf(apperr.KindState, "license %d already registered", app.LicenseID)
		}

		collection, err := tx.Locations().Get(ctx, app.CollectionPointID())
		if err != nil {
			return err
		}
		now := m.now()
		lic := &models.License{
			ApplicationID:     app.ID,
			LicenseNumber:     fmt.Sprintf("%s-%d-%08d", m.cfg.LicenseNumberPrefix, now.Year(), app.ID),
			Status:            models.LicenseStatusGenerated,
			ComplianceVersion: m.cfg.ComplianceVersion,
			Artifacts:         artifacts,
			CollectionPoint:   collection.Code,
		}
		if err := tx.Licenses().Create(ctx, lic); err != nil {
			return err
		}

		app.LicenseID = lic.ID
		m.setStatus(app, models.ApplicationStatusLicenseGenerated)
		if err := tx.Applications().Update(ctx, app); err != nil {
			return err
		}
		if _, err := m.events.Emit(ctx, tx, messages.LicenseGenerated, app.ID, actor, messages.LicenseGeneratedPayload{
			LicenseID:     lic.ID,
			LicenseNumber: lic.LicenseNumber,
			Artifacts:     lic.Artifacts,
		}); err != nil {
			return err
		}
		out = lic
		return audit.Record(ctx, tx, actor, "register_license", audit.ResourceLicense, lic.ID, "license %s generated", lic.LicenseNumber)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info(m.log.WithFields(ctx, map[string]any{
		"application_id": appID,
		"license_number": out.LicenseNumber,
	}), "license generated")
	return out, nil
}

// mutate runs fn on a locked application inside a transaction and drops the
// cached workflow afterwards.
func (m *Manager) mutate(ctx context.Context, appID uint64, fn func(ctx context.Context, tx storage.Tx, app *models.Application) error) error {
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		app, err := tx.Applications().Get(ctx, appID)
		if err != nil {
			return err
		}
		return fn(ctx, tx, app)
	})
	if err == nil {
		m.invalidate(ctx, appID)
	}
	return err
}

func (m *Manager) setStatus(app *models.Application, status models.ApplicationStatus) {
	app.Status = status
	app.StatusChangedAt = m.now()
}
