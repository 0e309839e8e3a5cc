package pgstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
)

type auditRepo struct{ q pgx.Tx }

func (r auditRepo) Append(ctx context.Context, e *models.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	err := r.q.QueryRow(ctx, `
INSERT INTO audit_log (actor_id, actor_role, action, resource_type, resource_id, description, at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id`,
		e.ActorID, e.ActorRole, e.Action, e.ResourceType, e.ResourceID, e.Description, e.At,
	).Scan(&e.ID)
	return mapErr(err, "insert audit entry")
}

func (r auditRepo) List(ctx context.Context, resourceType string, resourceID uint64) ([]*models.AuditEntry, error) {
	b := psql.Select("id", "actor_id", "actor_role", "action", "resource_type", "resource_id", "description", "at").
		From("audit_log").
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		OrderBy("id ASC")
	return selectList(ctx, r.q, b, func(row rowScanner) (*models.AuditEntry, error) {
		var e models.AuditEntry
		if err := row.Scan(&e.ID, &e.ActorID, &e.ActorRole, &e.Action, &e.ResourceType, &e.ResourceID, &e.Description, &e.At); err != nil {
			return nil, err
		}
		return &e, nil
	}, "list audit entries")
}

type outboxRepo struct{ q pgx.Tx }

func (r outboxRepo) Append(ctx context.Context, e *models.OutboxEvent) error {
	now := time.Now().UTC()
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	err := r.q.QueryRow(ctx, `
INSERT INTO outbox_events (event_id, event_type, topic, key, payload, attempts, last_error, next_attempt_at, created_at)
VALUES ($1,$2,$3,$4,$5,0,'',$6,$7)
RETURNING id`,
		e.EventID, e.EventType, e.Topic, e.Key, e.Payload, e.NextAttemptAt, now,
	).Scan(&e.ID)
	if err != nil {
		return mapErr(err, "insert outbox event")
	}
	e.CreatedAt = now
	return nil
}

var outboxColumns = []string{
	"id", "event_id", "event_type", "topic", "key", "payload",
	"attempts", "last_error", "next_attempt_at", "published_at", "created_at",
}

// ClaimOutbox leases due events by pushing next_attempt_at forward so a
// concurrent relay skips them until the lease runs out. An event is held back
// while an older event with the same key is leased or backing off.
func (s *Storage) ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	leaseUntil := now.UTC().Add(lease)
	rows, err := tx.Query(ctx, `
WITH cte AS (
  SELECT id
  FROM outbox_events o
  WHERE published_at IS NULL AND next_attempt_at <= $1
    AND NOT EXISTS (
      SELECT 1 FROM outbox_events p
      WHERE p.key = o.key AND p.id < o.id
        AND p.published_at IS NULL AND p.next_attempt_at > $1
    )
  ORDER BY id
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events o
SET next_attempt_at = $3
FROM cte
WHERE o.id = cte.id
RETURNING `+prefixed("o.", outboxColumns), now.UTC(), limit, leaseUntil)
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}

	var out []*models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.EventType, &e.Topic, &e.Key, &e.Payload,
			&e.Attempts, &e.LastError, &e.NextAttemptAt, &e.PublishedAt, &e.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan outbox event")
		}
		out = append(out, &e)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	// UPDATE ... RETURNING does not keep the CTE order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) MarkOutboxPublished(ctx context.Context, id uint64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE outbox_events
SET published_at = $2, attempts = attempts + 1, last_error = ''
WHERE id = $1`, id, at.UTC())
	if err != nil {
		return errors.Wrap(err, "mark outbox published")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("outbox event", id)
	}
	return nil
}

func (s *Storage) MarkOutboxFailed(ctx context.Context, id uint64, lastErr string, nextAttemptAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE outbox_events
SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
WHERE id = $1`, id, lastErr, nextAttemptAt.UTC())
	if err != nil {
		return errors.Wrap(err, "mark outbox failed")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("outbox event", id)
	}
	return nil
}

// ClaimDueShipments leases in-transit records that are due for a courier check.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.ShippingRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	leaseUntil := now.UTC().Add(lease)
	rows, err := tx.Query(ctx, `
WITH cte AS (
  SELECT id
  FROM shipping_records
  WHERE status = $4
    AND tracking_number <> ''
    AND (next_check_at IS NULL OR next_check_at <= $1)
  ORDER BY next_check_at NULLS FIRST, id
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
UPDATE shipping_records s
SET next_check_at = $3
FROM cte
WHERE s.id = cte.id
RETURNING `+prefixed("s.", shippingColumns), now.UTC(), limit, leaseUntil, string(models.ShippingStatusInTransit))
	if err != nil {
		return nil, errors.Wrap(err, "claim due shipments")
	}

	var out []*models.ShippingRecord
	for rows.Next() {
		r, err := scanShipping(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan shipping record")
		}
		out = append(out, r)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) RecordShipmentCheck(ctx context.Context, id uint64, checkedAt time.Time, failed bool, nextCheckAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE shipping_records
SET last_checked_at = $2,
    next_check_at = $3,
    check_fail_count = CASE WHEN $4::boolean THEN check_fail_count + 1 ELSE 0 END
WHERE id = $1`, id, checkedAt.UTC(), nextCheckAt.UTC(), failed)
	if err != nil {
		return errors.Wrap(err, "record shipment check")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("shipping record", id)
	}
	return nil
}

func prefixed(prefix string, cols []string) string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, prefix+c)
	}
	return strings.Join(out, ", ")
}

