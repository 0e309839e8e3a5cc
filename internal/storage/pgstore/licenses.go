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

var licenseColumns = []string{
	"id", "application_id", "license_number", "status", "compliance_version",
	"artifact_front", "artifact_back", "artifact_combined", "collection_point",
	"collected_at", "collected_by", "version", "created_at", "updated_at",
}

var licenseSelect = "SELECT " + strings.Join(licenseColumns, ", ") + " FROM licenses"

func scanLicense(row rowScanner) (*models.License, error) {
	var l models.License
	err := row.Scan(
		&l.ID, &l.ApplicationID, &l.LicenseNumber, &l.Status, &l.ComplianceVersion,
		&l.Artifacts.Front, &l.Artifacts.Back, &l.Artifacts.Combined, &l.CollectionPoint,
		&l.CollectedAt, &l.CollectedBy, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type licenseRepo struct{ q pgx.Tx }

func (r licenseRepo) Get(ctx context.Context, id uint64) (*models.License, error) {
	l, err := scanLicense(r.q.QueryRow(ctx, licenseSelect+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "license", id, "get license")
	}
	return l, nil
}

func (r licenseRepo) GetByApplication(ctx context.Context, applicationID uint64) (*models.License, error) {
	l, err := scanLicense(r.q.QueryRow(ctx, licenseSelect+" WHERE application_id = $1 FOR UPDATE", applicationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "license for application %d not found", applicationID)
	}
	if err != nil {
		return nil, mapErr(err, "get license by application")
	}
	return l, nil
}

func (r licenseRepo) List(ctx context.Context, f storage.LicenseFilter) ([]*models.License, error) {
	b := psql.Select(licenseColumns...).From("licenses").OrderBy("id ASC")
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": models.EnumStrings(f.Statuses)})
	}
	if f.CollectionPoint != "" {
		b = b.Where(sq.Eq{"collection_point": f.CollectionPoint})
	}
	return selectList(ctx, r.q, withLimit(b, f.Limit), scanLicense, "list licenses")
}

func (r licenseRepo) Create(ctx context.Context, l *models.License) error {
	now := time.Now().UTC()
	err := r.q.QueryRow(ctx, `
INSERT INTO licenses (
  application_id, license_number, status, compliance_version,
  artifact_front, artifact_back, artifact_combined, collection_point,
  collected_at, collected_by, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,$11,$11)
RETURNING id`,
		l.ApplicationID, l.LicenseNumber, l.Status, l.ComplianceVersion,
		l.Artifacts.Front, l.Artifacts.Back, l.Artifacts.Combined, l.CollectionPoint,
		l.CollectedAt, l.CollectedBy, now,
	).Scan(&l.ID)
	if err != nil {
		return mapErr(err, "insert license")
	}
	l.Version = 1
	l.CreatedAt, l.UpdatedAt = now, now
	return nil
}

func (r licenseRepo) Update(ctx context.Context, l *models.License) error {
	now := time.Now().UTC()
	tag, err := r.q.Exec(ctx, `
UPDATE licenses SET
  license_number = $3, status = $4, compliance_version = $5,
  artifact_front = $6, artifact_back = $7, artifact_combined = $8, collection_point = $9,
  collected_at = $10, collected_by = $11, version = version + 1, updated_at = $12
WHERE id = $1 AND version = $2`,
		l.ID, l.Version,
		l.LicenseNumber, l.Status, l.ComplianceVersion,
		l.Artifacts.Front, l.Artifacts.Back, l.Artifacts.Combined, l.CollectionPoint,
		l.CollectedAt, l.CollectedBy, now,
	)
	if err != nil {
		return mapErr(err, "update license")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("license", l.ID, l.Version)
	}
	l.Version++
	l.UpdatedAt = now
	return nil
}
