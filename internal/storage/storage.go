// Package storage declares the repository contracts shared by the
// PostgreSQL and in-memory backends.
//
// Every mutation runs inside Store.InTx. Reads performed through a Tx see the
// transaction's own writes, and entities read through Get are locked until the
// transaction ends. Update methods are version checked: the entity's Version
// must match the stored one, otherwise an apperr.KindConflict error is
// returned and nothing is written. On success Version is incremented in place.
package storage

import (
	"context"
	"time"

	"github.com/BearBump/LicenseFlow/internal/models"
)

type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Applications() ApplicationRepository
	Licenses() LicenseRepository
	PrintJobs() PrintJobRepository
	Shipments() ShippingRepository
	Locations() LocationRepository
	Printers() PrinterRepository
	Hardware() HardwareRepository
	Users() UserRepository
	Audit() AuditRepository
	Outbox() OutboxRepository
}

// OutboxRelayStore is the non-transactional side used by the relay.
type OutboxRelayStore interface {
	ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id uint64, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id uint64, lastErr string, nextAttemptAt time.Time) error
}

// ShipmentCheckStore is used by the courier delivery checker.
type ShipmentCheckStore interface {
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.ShippingRecord, error)
	RecordShipmentCheck(ctx context.Context, id uint64, checkedAt time.Time, failed bool, nextCheckAt time.Time) error
}

type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

type ApplicationFilter struct {
	Statuses   []models.ApplicationStatus
	LocationID uint64
	Submitted  TimeRange
	Limit      int
}

type ApplicationRepository interface {
	Get(ctx context.Context, id uint64) (*models.Application, error)
	List(ctx context.Context, f ApplicationFilter) ([]*models.Application, error)
	Create(ctx context.Context, a *models.Application) error
	Update(ctx context.Context, a *models.Application) error
	CountByStatus(ctx context.Context) (map[models.ApplicationStatus]int, error)
}

type LicenseFilter struct {
	Statuses        []models.LicenseStatus
	CollectionPoint string
	Limit           int
}

type LicenseRepository interface {
	Get(ctx context.Context, id uint64) (*models.License, error)
	GetByApplication(ctx context.Context, applicationID uint64) (*models.License, error)
	List(ctx context.Context, f LicenseFilter) ([]*models.License, error)
	Create(ctx context.Context, l *models.License) error
	Update(ctx context.Context, l *models.License) error
}

type PrintJobFilter struct {
	Statuses      []models.PrintJobStatus
	LocationID    uint64
	AssignedTo    uint64
	ApplicationID uint64
	LicenseID     uint64
	AssignedRange TimeRange
	Queued        TimeRange
	Limit         int
}

type PrintJobRepository interface {
	Get(ctx context.Context, id uint64) (*models.PrintJob, error)
	// List orders by (priority DESC, queued_at ASC, id ASC).
	List(ctx context.Context, f PrintJobFilter) ([]*models.PrintJob, error)
	// Create fails with apperr.KindConflict when the license already has an active job.
	Create(ctx context.Context, j *models.PrintJob) error
	Update(ctx context.Context, j *models.PrintJob) error
	// ActiveForLicense returns nil when the license has no active job.
	ActiveForLicense(ctx context.Context, licenseID uint64) (*models.PrintJob, error)
	// InFlightLoad counts assigned or printing jobs per operator and per printer.
	InFlightLoad(ctx context.Context) (byOperator, byPrinter map[uint64]int, err error)
	CountAssignedSince(ctx context.Context, locationID uint64, since time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[models.PrintJobStatus]int, error)
}

type ShippingFilter struct {
	Statuses        []models.ShippingStatus
	ApplicationID   uint64
	CollectionPoint string
	Limit           int
}

type ShippingRepository interface {
	Get(ctx context.Context, id uint64) (*models.ShippingRecord, error)
	List(ctx context.Context, f ShippingFilter) ([]*models.ShippingRecord, error)
	// Create fails with apperr.KindConflict when the license already has an active record.
	Create(ctx context.Context, r *models.ShippingRecord) error
	Update(ctx context.Context, r *models.ShippingRecord) error
	ForPrintJob(ctx context.Context, printJobID uint64) (*models.ShippingRecord, error)
	ByTrackingNumber(ctx context.Context, trackingNumber string) (*models.ShippingRecord, error)
	CountByStatus(ctx context.Context) (map[models.ShippingStatus]int, error)
}

type LocationRepository interface {
	Get(ctx context.Context, id uint64) (*models.Location, error)
	GetByCode(ctx context.Context, code string) (*models.Location, error)
	List(ctx context.Context, activeOnly bool) ([]*models.Location, error)
	Create(ctx context.Context, l *models.Location) error
	Update(ctx context.Context, l *models.Location) error
}

type PrinterRepository interface {
	Get(ctx context.Context, id uint64) (*models.Printer, error)
	// ListByLocation orders by (created_at, id). An empty status matches all.
	ListByLocation(ctx context.Context, locationID uint64, status models.PrinterStatus) ([]*models.Printer, error)
	Create(ctx context.Context, p *models.Printer) error
	Update(ctx context.Context, p *models.Printer) error
}

type HardwareRepository interface {
	Get(ctx context.Context, id uint64) (*models.Hardware, error)
	ListByLocation(ctx context.Context, locationID uint64) ([]*models.Hardware, error)
	Create(ctx context.Context, h *models.Hardware) error
	Update(ctx context.Context, h *models.Hardware) error
}

type UserRepository interface {
	Get(ctx context.Context, id uint64) (*models.User, error)
	Create(ctx context.Context, u *models.User) error
	Update(ctx context.Context, u *models.User) error
	PutLocation(ctx context.Context, ul models.UserLocation) error
	RemoveLocation(ctx context.Context, userID, locationID uint64) error
	Locations(ctx context.Context, userID uint64) ([]models.UserLocation, error)
	// PrintOperators lists active users holding can_print at the location,
	// ordered by (created_at, id).
	PrintOperators(ctx context.Context, locationID uint64) ([]*models.User, error)
}

type AuditRepository interface {
	Append(ctx context.Context, e *models.AuditEntry) error
	List(ctx context.Context, resourceType string, resourceID uint64) ([]*models.AuditEntry, error)
}

type OutboxRepository interface {
	Append(ctx context.Context, e *models.OutboxEvent) error
}
