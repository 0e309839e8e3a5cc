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

var printJobColumns = []string{
	"id", "application_id", "license_id", "status", "priority",
	"artifact_front", "artifact_back", "artifact_combined",
	"origin_location_id", "routing_mode", "location_id", "assigned_to", "printer_id",
	"printed_by", "copies_printed", "notes", "failure_reason", "retry_count",
	"queued_at", "assigned_at", "started_at", "completed_at", "failed_at", "cancelled_at",
	"version", "created_at", "updated_at",
}

var printJobSelect = "SELECT " + strings.Join(printJobColumns, ", ") + " FROM print_jobs"

const printJobOrder = "priority DESC, queued_at ASC, id ASC"

func scanPrintJob(row rowScanner) (*models.PrintJob, error) {
	var j models.PrintJob
	err := row.Scan(
		&j.ID, &j.ApplicationID, &j.LicenseID, &j.Status, &j.Priority,
		&j.Artifacts.Front, &j.Artifacts.Back, &j.Artifacts.Combined,
		&j.OriginLocationID, &j.RoutingMode, &j.LocationID, &j.AssignedTo, &j.PrinterID,
		&j.PrintedBy, &j.CopiesPrinted, &j.Notes, &j.FailureReason, &j.RetryCount,
		&j.QueuedAt, &j.AssignedAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.CancelledAt,
		&j.Version, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

type printJobRepo struct{ q pgx.Tx }

func (r printJobRepo) Get(ctx context.Context, id uint64) (*models.PrintJob, error) {
	j, err := scanPrintJob(r.q.QueryRow(ctx, printJobSelect+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "print job", id, "get print job")
	}
	return j, nil
}

func (r printJobRepo) List(ctx context.Context, f storage.PrintJobFilter) ([]*models.PrintJob, error) {
	b := psql.Select(printJobColumns...).From("print_jobs").OrderBy(printJobOrder)
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": models.EnumStrings(f.Statuses)})
	}
	if f.LocationID != 0 {
		b = b.Where(sq.Eq{"location_id": f.LocationID})
	}
	if f.AssignedTo != 0 {
		b = b.Where(sq.Eq{"assigned_to": f.AssignedTo})
	}
	if f.ApplicationID != 0 {
		b = b.Where(sq.Eq{"application_id": f.ApplicationID})
	}
	if f.LicenseID != 0 {
		b = b.Where(sq.Eq{"license_id": f.LicenseID})
	}
	if !f.AssignedRange.From.IsZero() {
		b = b.Where(sq.GtOrEq{"assigned_at": f.AssignedRange.From})
	}
	if !f.AssignedRange.To.IsZero() {
		b = b.Where(sq.Lt{"assigned_at": f.AssignedRange.To})
	}
	if !f.Queued.From.IsZero() {
		b = b.Where(sq.GtOrEq{"queued_at": f.Queued.From})
	}
	if !f.Queued.To.IsZero() {
		b = b.Where(sq.Lt{"queued_at": f.Queued.To})
	}
	return selectList(ctx, r.q, withLimit(b, f.Limit), scanPrintJob, "list print jobs")
}

// Create relies on uq_print_jobs_active_license to reject a second active job.
func (r printJobRepo) Create(ctx context.Context, j *models.PrintJob) error {
	now := time.Now().UTC()
	err := r.q.QueryRow(ctx, `
INSERT INTO print_jobs (
  application_id, license_id, status, priority,
  artifact_front, artifact_back, artifact_combined,
  origin_location_id, routing_mode, location_id, assigned_to, printer_id,
  printed_by, copies_printed, notes, failure_reason, retry_count,
  queued_at, assigned_at, started_at, completed_at, failed_at, cancelled_at,
  version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,1,$24,$24)
RETURNING id`,
		j.ApplicationID, j.LicenseID, j.Status, j.Priority,
		j.Artifacts.Front, j.Artifacts.Back, j.Artifacts.Combined,
		j.OriginLocationID, j.RoutingMode, j.LocationID, j.AssignedTo, j.PrinterID,
		j.PrintedBy, j.CopiesPrinted, j.Notes, j.FailureReason, j.RetryCount,
		j.QueuedAt, j.AssignedAt, j.StartedAt, j.CompletedAt, j.FailedAt, j.CancelledAt,
		now,
	).Scan(&j.ID)
	if err != nil {
		return mapErr(err, "insert print job")
	}
	j.Version = 1
	j.CreatedAt, j.UpdatedAt = now, now
	return nil
}

func (r printJobRepo) Update(ctx context.Context, j *models.PrintJob) error {
	now := time.Now().UTC()
	tag, err := r.q.Exec(ctx, `
UPDATE print_jobs SET
  status = $3, priority = $4,
  artifact_front = $5, artifact_back = $6, artifact_combined = $7,
  origin_location_id = $8, routing_mode = $9, location_id = $10, assigned_to = $11, printer_id = $12,
  printed_by = $13, copies_printed = $14, notes = $15, failure_reason = $16, retry_count = $17,
  queued_at = $18, assigned_at = $19, started_at = $20, completed_at = $21, failed_at = $22, cancelled_at = $23,
  version = version + 1, updated_at = $24
WHERE id = $1 AND version = $2`,
		j.ID, j.Version,
		j.Status, j.Priority,
		j.Artifacts.Front, j.Artifacts.Back, j.Artifacts.Combined,
		j.OriginLocationID, j.RoutingMode, j.LocationID, j.AssignedTo, j.PrinterID,
		j.PrintedBy, j.CopiesPrinted, j.Notes, j.FailureReason, j.RetryCount,
		j.QueuedAt, j.AssignedAt, j.StartedAt, j.CompletedAt, j.FailedAt, j.CancelledAt,
		now,
	)
	if err != nil {
		return mapErr(err, "update print job")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("print job", j.ID, j.Version)
	}
	j.Version++
	j.UpdatedAt = now
	return nil
}

func (r printJobRepo) ActiveForLicense(ctx context.Context, licenseID uint64) (*models.PrintJob, error) {
	b := psql.Select(printJobColumns...).From("print_jobs").
		Where(sq.Eq{"license_id": licenseID, "status": models.EnumStrings(models.ActivePrintJobStatuses())}).
		Suffix("FOR UPDATE")
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build active print job")
	}
	j, err := scanPrintJob(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err, "active print job")
	}
	return j, nil
}

func (r printJobRepo) InFlightLoad(ctx context.Context) (map[uint64]int, map[uint64]int, error) {
	query, args, err := psql.Select("assigned_to", "printer_id").
		From("print_jobs").
		Where(sq.Eq{"status": models.EnumStrings(models.HeldPrintJobStatuses())}).
		ToSql()
	if err != nil {
		return nil, nil, errors.Wrap(err, "build in-flight load")
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "in-flight load")
	}
	defer rows.Close()

	byOperator, byPrinter := map[uint64]int{}, map[uint64]int{}
	for rows.Next() {
		var operatorID, printerID uint64
		if err := rows.Scan(&operatorID, &printerID); err != nil {
			return nil, nil, errors.Wrap(err, "scan in-flight load")
		}
		if operatorID != 0 {
			byOperator[operatorID]++
		}
		if printerID != 0 {
			byPrinter[printerID]++
		}
	}
	if rows.Err() != nil {
		return nil, nil, errors.Wrap(rows.Err(), "rows")
	}
	return byOperator, byPrinter, nil
}

func (r printJobRepo) CountAssignedSince(ctx context.Context, locationID uint64, since time.Time) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
SELECT count(*) FROM print_jobs
WHERE location_id = $1 AND assigned_at IS NOT NULL AND assigned_at >= $2`,
		locationID, since,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count assigned print jobs")
	}
	return n, nil
}

func (r printJobRepo) CountByStatus(ctx context.Context) (map[models.PrintJobStatus]int, error) {
	rows, err := r.q.Query(ctx, `SELECT status, count(*) FROM print_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count print jobs")
	}
	return collectCounts[models.PrintJobStatus](rows)
}
