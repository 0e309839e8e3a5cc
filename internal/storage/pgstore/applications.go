package pgstore

import (
	"context"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

var applicationColumns = []string{
	"id", "type", "status", "citizen_ref", "identity_document_ref", "biometric_ref",
	"location_id", "collection_location_id", "preferred_collection_date", "previous_license_id",
	"license_id", "active_print_job_id", "payment_amount", "payment_reference", "payment_confirmed",
	"reviewed_by", "review_notes", "last_error", "status_changed_at", "version", "created_at", "updated_at",
}

var applicationSelect = "SELECT " + strings.Join(applicationColumns, ", ") + " FROM applications"

func scanApplication(row rowScanner) (*models.Application, error) {
	var a models.Application
	err := row.Scan(
		&a.ID, &a.Type, &a.Status, &a.CitizenRef, &a.IdentityDocumentRef, &a.BiometricRef,
		&a.LocationID, &a.CollectionLocationID, &a.PreferredCollectionDate, &a.PreviousLicenseID,
		&a.LicenseID, &a.ActivePrintJobID, &a.PaymentAmount, &a.PaymentReference, &a.PaymentConfirmed,
		&a.ReviewedBy, &a.ReviewNotes, &a.LastError, &a.StatusChangedAt, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

type applicationRepo struct{ q pgx.Tx }

func (r applicationRepo) Get(ctx context.Context, id uint64) (*models.Application, error) {
	a, err := scanApplication(r.q.QueryRow(ctx, applicationSelect+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "application", id, "get application")
	}
	return a, nil
}

func (r applicationRepo) List(ctx context.Context, f storage.ApplicationFilter) ([]*models.Application, error) {
	b := psql.Select(applicationColumns...).From("applications").OrderBy("id ASC")
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": models.EnumStrings(f.Statuses)})
	}
	if f.LocationID != 0 {
		b = b.Where(sq.Eq{"location_id": f.LocationID})
	}
	if !f.Submitted.From.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": f.Submitted.From})
	}
	if !f.Submitted.To.IsZero() {
		b = b.Where(sq.Lt{"created_at": f.Submitted.To})
	}
	return selectList(ctx, r.q, withLimit(b, f.Limit), scanApplication, "list applications")
}

func (r applicationRepo) Create(ctx context.Context, a *models.Application) error {
	now := time.Now().UTC()
	if a.StatusChangedAt.IsZero() {
		a.StatusChangedAt = now
	}
	err := r.q.QueryRow(ctx, `
INSERT INTO applications (
  type, status, citizen_ref, identity_document_ref, biometric_ref,
  location_id, collection_location_id, preferred_collection_date, previous_license_id,
  license_id, active_print_job_id, payment_amount, payment_reference, payment_confirmed,
  reviewed_by, review_notes, last_error, status_changed_at, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,1,$19,$19)
RETURNING id`,
		a.Type, a.Status, a.CitizenRef, a.IdentityDocumentRef, a.BiometricRef,
		a.LocationID, a.CollectionLocationID, a.PreferredCollectionDate, a.PreviousLicenseID,
		a.LicenseID, a.ActivePrintJobID, a.PaymentAmount, a.PaymentReference, a.PaymentConfirmed,
		a.ReviewedBy, a.ReviewNotes, a.LastError, a.StatusChangedAt, now,
	).Scan(&a.ID)
	if err != nil {
		return mapErr(err, "insert application")
	}
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (r applicationRepo) Update(ctx context.Context, a *models.Application) error {
	now := time.Now().UTC()
	tag, err := r.q.Exec(ctx, `
UPDATE applications SET
  type = $3, status = $4, citizen_ref = $5, identity_document_ref = $6, biometric_ref = $7,
  location_id = $8, collection_location_id = $9, preferred_collection_date = $10, previous_license_id = $11,
  license_id = $12, active_print_job_id = $13, payment_amount = $14, payment_reference = $15,
  payment_confirmed = $16, reviewed_by = $17, review_notes = $18, last_error = $19,
  status_changed_at = $20, version = version + 1, updated_at = $21
WHERE id = $1 AND version = $2`,
		a.ID, a.Version,
		a.Type, a.Status, a.CitizenRef, a.IdentityDocumentRef, a.BiometricRef,
		a.LocationID, a.CollectionLocationID, a.PreferredCollectionDate, a.PreviousLicenseID,
		a.LicenseID, a.ActivePrintJobID, a.PaymentAmount, a.PaymentReference,
		a.PaymentConfirmed, a.ReviewedBy, a.ReviewNotes, a.LastError,
		a.StatusChangedAt, now,
	)
	if err != nil {
		return mapErr(err, "update application")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("application", a.ID, a.Version)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (r applicationRepo) CountByStatus(ctx context.Context) (map[models.ApplicationStatus]int, error) {
	rows, err := r.q.Query(ctx, `SELECT status, count(*) FROM applications GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count applications")
	}
	return collectCounts[models.ApplicationStatus](rows)
}

func collectCounts[S ~string](rows pgx.Rows) (map[S]int, error) {
	defer rows.Close()

	out := map[S]int{}
	for rows.Next() {
		var status S
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[status] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
