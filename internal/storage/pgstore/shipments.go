package pgstore

import (
	"context"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

var shippingColumns = []string{
	"id", "application_id", "license_id", "print_job_id", "status",
	"tracking_number", "carrier", "method", "collection_point", "address",
	"shipped_at", "delivered_at", "shipped_by", "received_by", "notes", "failure_reason",
	"last_checked_at", "next_check_at", "check_fail_count",
	"version", "created_at", "updated_at",
}

var shippingSelect = "SELECT " + strings.Join(shippingColumns, ", ") + " FROM shipping_records"

func scanShipping(row rowScanner) (*models.ShippingRecord, error) {
	var s models.ShippingRecord
	err := row.Scan(
		&s.ID, &s.ApplicationID, &s.LicenseID, &s.PrintJobID, &s.Status,
		&s.TrackingNumber, &s.Carrier, &s.Method, &s.CollectionPoint, &s.Address,
		&s.ShippedAt, &s.DeliveredAt, &s.ShippedBy, &s.ReceivedBy, &s.Notes, &s.FailureReason,
		&s.LastCheckedAt, &s.NextCheckAt, &s.CheckFailCount,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

type shippingRepo struct{ q pgx.Tx }

func (r shippingRepo) Get(ctx context.Context, id uint64) (*models.ShippingRecord, error) {
	s, err := scanShipping(r.q.QueryRow(ctx, shippingSelect+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "shipping record", id, "get shipping record")
	}
	return s, nil
}

func (r shippingRepo) List(ctx context.Context, f storage.ShippingFilter) ([]*models.ShippingRecord, error) {
	b := psql.Select(shippingColumns...).From("shipping_records").OrderBy("id ASC")
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": models.EnumStrings(f.Statuses)})
	}
	if f.ApplicationID != 0 {
		b = b.Where(sq.Eq{"application_id": f.ApplicationID})
	}
	if f.CollectionPoint != "" {
		b = b.Where(sq.Eq{"collection_point": f.CollectionPoint})
	}
	return selectList(ctx, r.q, withLimit(b, f.Limit), scanShipping, "list shipping records")
}

func (r shippingRepo) Create(ctx context.Context, s *models.ShippingRecord) error {
	now := time.Now().UTC()
	err := r.q.QueryRow(ctx, `
INSERT INTO shipping_records (
  application_id, license_id, print_job_id, status,
  tracking_number, carrier, method, collection_point, address,
  shipped_at, delivered_at, shipped_by, received_by, notes, failure_reason,
  last_checked_at, next_check_at, check_fail_count,
  version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,1,$19,$19)
RETURNING id`,
		s.ApplicationID, s.LicenseID, s.PrintJobID, s.Status,
		s.TrackingNumber, s.Carrier, s.Method, s.CollectionPoint, s.Address,
		s.ShippedAt, s.DeliveredAt, s.ShippedBy, s.ReceivedBy, s.Notes, s.FailureReason,
		s.LastCheckedAt, s.NextCheckAt, s.CheckFailCount,
		now,
	).Scan(&s.ID)
	if err != nil {
		return mapErr(err, "insert shipping record")
	}
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now
	return nil
}

func (r shippingRepo) Update(ctx context.Context, s *models.ShippingRecord) error {
	now := time.Now().UTC()
	tag, err := r.q.Exec(ctx, `
UPDATE shipping_records SET
  status = $3, tracking_number = $4, carrier = $5, method = $6, collection_point = $7, address = $8,
  shipped_at = $9, delivered_at = $10, shipped_by = $11, received_by = $12, notes = $13, failure_reason = $14,
  last_checked_at = $15, next_check_at = $16, check_fail_count = $17,
  version = version + 1, updated_at = $18
WHERE id = $1 AND version = $2`,
		s.ID, s.Version,
		s.Status, s.TrackingNumber, s.Carrier, s.Method, s.CollectionPoint, s.Address,
		s.ShippedAt, s.DeliveredAt, s.ShippedBy, s.ReceivedBy, s.Notes, s.FailureReason,
		s.LastCheckedAt, s.NextCheckAt, s.CheckFailCount,
		now,
	)
	if err != nil {
		return mapErr(err, "update shipping record")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("shipping record", s.ID, s.Version)
	}
	s.Version++
	s.UpdatedAt = now
	return nil
}

func (r shippingRepo) ForPrintJob(ctx context.Context, printJobID uint64) (*models.ShippingRecord, error) {
	s, err := scanShipping(r.q.QueryRow(ctx,
		shippingSelect+" WHERE print_job_id = $1 ORDER BY id DESC LIMIT 1", printJobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err, "shipping record for print job")
	}
	return s, nil
}

func (r shippingRepo) ByTrackingNumber(ctx context.Context, trackingNumber string) (*models.ShippingRecord, error) {
	s, err := scanShipping(r.q.QueryRow(ctx,
		shippingSelect+" WHERE tracking_number = $1 AND tracking_number <> '' FOR UPDATE", trackingNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "shipping record with tracking number %s not found", trackingNumber)
	}
	if err != nil {
		return nil, mapErr(err, "shipping record by tracking number")
	}
	return s, nil
}

func (r shippingRepo) CountByStatus(ctx context.Context) (map[models.ShippingStatus]int, error) {
	rows, err := r.q.Query(ctx, `SELECT status, count(*) FROM shipping_records GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count shipping records")
	}
	return collectCounts[models.ShippingStatus](rows)
}
