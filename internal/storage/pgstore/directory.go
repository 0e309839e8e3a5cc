package pgstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
)

var locationColumns = []string{
	"id", "code", "name", "address_line1", "address_line2", "city", "province", "postal_code", "country",
	"printing_type", "capacity_per_day", "accepts_applications", "accepts_collections", "active",
	"version", "created_at", "updated_at",
}

var locationSelect = "SELECT " + strings.Join(locationColumns, ", ") + " FROM locations"

func scanLocation(row rowScanner) (*models.Location, error) {
	var l models.Location
	err := row.Scan(
		&l.ID, &l.Code, &l.Name, &l.AddressLine1, &l.AddressLine2, &l.City, &l.Province, &l.PostalCode, &l.Country,
		&l.PrintingType, &l.CapacityPerDay, &l.AcceptsApplications, &l.AcceptsCollections, &l.Active,
		&l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type locationRepo struct{ q pgx.Tx }

func (r locationRepo) Get(ctx context.Context, id uint64) (*models.Location, error) {
	l, err := scanLocation(r.q.QueryRow(ctx, locationSelect+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "location", id, "get location")
	}
	return l, nil
}

func (r locationRepo) GetByCode(ctx context.Context, code string) (*models.Location, error) {
	l, err := scanLocation(r.q.QueryRow(ctx, locationSelect+" WHERE lower(code) = lower($1) FOR UPDATE", code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "location %s not found", code)
	}
	if err != nil {
		return nil, mapErr(err, "get location by code")
	}
	return l, nil
}

func (r locationRepo) List(ctx context.Context, activeOnly bool) ([]*models.Location, error) {
	b := psql.Select(locationColumns...).From("locations").OrderBy("code ASC")
	if activeOnly {
		b = b.Where("active")
	}
	return selectList(ctx, r.q, b, scanLocation, "list locations")
}

func (r locationRepo) Create(ctx context.Context, l *models.Location) error {
	now := time.Now().UTC()
	err := r.q.QueryRow(ctx, `
INSERT INTO locations (
  code, name, address_line1, address_line2, city, province, postal_code, country,
  printing_type, capacity_per_day, accepts_applications, accepts_collections, active,
  version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14,$14)
RETURNING id`,
		l.Code, l.Name, l.AddressLine1, l.AddressLine2, l.City, l.Province, l.PostalCode, l.Country,
		l.PrintingType, l.CapacityPerDay, l.AcceptsApplications, l.AcceptsCollections, l.Active,
		now,
	).Scan(&l.ID)
	if err != nil {
		return mapErr(err, "insert location")
	}
	l.Version = 1
	l.CreatedAt, l.UpdatedAt = now, now
	return nil
}

func (r locationRepo) Update(ctx context.Context, l *models.Location) error {
	now := time.Now().UTC()
	tag, err := r.q.Exec(ctx, `
UPDATE locations SET
  code = $3, name = $4, address_line1 = $5, address_line2 = $6, city = $7, province = $8,
  postal_code = $9, country = $10, printing_type = $11, capacity_per_day = $12,
  accepts_applications = $13, accepts_collections = $14, active = $15,
  version = version + 1, updated_at = $16
WHERE id = $1 AND version = $2`,
		l.ID, l.Version,
		l.Code, l.Name, l.AddressLine1, l.AddressLine2, l.City, l.Province,
		l.PostalCode, l.Country, l.PrintingType, l.CapacityPerDay,
		l.AcceptsApplications, l.AcceptsCollections, l.Active,
		now,
	)
	if err != nil {
		return mapErr(err, "update location")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("location", l.ID, l.Version)
	}
	l.Version++
	l.UpdatedAt = now
	return nil
}

var printerColumns = []string{"id", "code", "name", "type", "status", "location_id", "version", "created_at", "updated_at"}

var printerSelect = "SELECT " + strings.Join(printerColumns, ", ") + " FROM printers"

func scanPrinter(row rowScanner) (*models.Printer, error) {
	var p models.Printer
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Type, &p.Status, &p.LocationID, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

type printerRepo struct{ q pgx.Tx }

func (r printerRepo) Get(ctx context.Context, id uint64) (*models.Printer, error) {
	p, err := scanPrinter(r.q.QueryRow(ctx, printerSelect+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "printer", id, "get printer")
	}
	return p, nil
}

func (r printerRepo) ListByLocation(ctx context.Context, locationID uint64, status models.PrinterStatus) ([]*models.Printer, error) {
	b := psql.Select(printerColumns...).From("printers").
		Where("location_id = ?", locationID).
		OrderBy("created_at ASC", "id ASC")
	if status != "" {
		b = b.Where("status = ?", status)
	}
	return selectList(ctx, r.q, b, scanPrinter, "list printers")
}

func (r printerRepo) Create(ctx context.Context, p *models.Printer) error {
	now := time.Now().UTC()
	err := r.q.QueryRow(ctx, `
INSERT INTO printers (code, name, type, status, location_id, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,1,$6,$6)
RETURNING id`,
		p.Code, p.Name, p.Type, p.Status, p.LocationID, now,
	).Scan(&p.ID)
	if err != nil {
		return mapErr(err, "insert printer")
	}
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (r printerRepo) Update(ctx context.Context, p *models.Printer) error {
	now := time.Now().UTC()
	tag, err := r.q.Exec(ctx, `
UPDATE printers SET code = $3, name = $4, type = $5, status = $6, location_id = $7,
  version = version + 1, updated_at = $8
WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.Code, p.Name, p.Type, p.Status, p.LocationID, now,
	)
	if err != nil {
		return mapErr(err, "update printer")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("printer", p.ID, p.Version)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

var hardwareColumns = []string{
	"id", "code", "name", "type", "status", "location_id", "capabilities", "settings",
	"usage_count", "error_count", "last_used_at", "version", "created_at", "updated_at",
}

var hardwareSelect = "SELECT " + strings.Join(hardwareColumns, ", ") + " FROM hardware"

func scanHardware(row rowScanner) (*models.Hardware, error) {
	var h models.Hardware
	err := row.Scan(
		&h.ID, &h.Code, &h.Name, &h.Type, &h.Status, &h.LocationID, &h.Capabilities, &h.Settings,
		&h.UsageCount, &h.ErrorCount, &h.LastUsedAt, &h.Version, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

type hardwareRepo struct{ q pgx.Tx }

func (r hardwareRepo) Get(ctx context.Context, id uint64) (*models.Hardware, error) {
	h, err := scanHardware(r.q.QueryRow(ctx, hardwareSelect+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "hardware", id, "get hardware")
	}
	return h, nil
}

func (r hardwareRepo) ListByLocation(ctx context.Context, locationID uint64) ([]*models.Hardware, error) {
	b := psql.Select(hardwareColumns...).From("hardware").
		Where("location_id = ?", locationID).
		OrderBy("created_at ASC", "id ASC")
	return selectList(ctx, r.q, b, scanHardware, "list hardware")
}

func (r hardwareRepo) Create(ctx context.Context, h *models.Hardware) error {
	now := time.Now().UTC()
	h.Capabilities, h.Settings = jsonOrEmpty(h.Capabilities), jsonOrEmpty(h.Settings)
	err := r.q.QueryRow(ctx, `
INSERT INTO hardware (
  code, name, type, status, location_id, capabilities, settings,
  usage_count, error_count, last_used_at, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,$11,$11)
RETURNING id`,
		h.Code, h.Name, h.Type, h.Status, h.LocationID, h.Capabilities, h.Settings,
		h.UsageCount, h.ErrorCount, h.LastUsedAt, now,
	).Scan(&h.ID)
	if err != nil {
		return mapErr(err, "insert hardware")
	}
	h.Version = 1
	h.CreatedAt, h.UpdatedAt = now, now
	return nil
}

func (r hardwareRepo) Update(ctx context.Context, h *models.Hardware) error {
	now := time.Now().UTC()
	h.Capabilities, h.Settings = jsonOrEmpty(h.Capabilities), jsonOrEmpty(h.Settings)
	tag, err := r.q.Exec(ctx, `
UPDATE hardware SET
  code = $3, name = $4, type = $5, status = $6, location_id = $7, capabilities = $8, settings = $9,
  usage_count = $10, error_count = $11, last_used_at = $12, version = version + 1, updated_at = $13
WHERE id = $1 AND version = $2`,
		h.ID, h.Version,
		h.Code, h.Name, h.Type, h.Status, h.LocationID, h.Capabilities, h.Settings,
		h.UsageCount, h.ErrorCount, h.LastUsedAt, now,
	)
	if err != nil {
		return mapErr(err, "update hardware")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("hardware", h.ID, h.Version)
	}
	h.Version++
	h.UpdatedAt = now
	return nil
}

var userColumns = []string{"id", "username", "full_name", "role", "active", "version", "created_at", "updated_at"}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.Active, &u.Version, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

type userRepo struct{ q pgx.Tx }

func (r userRepo) Get(ctx context.Context, id uint64) (*models.User, error) {
	u, err := scanUser(r.q.QueryRow(ctx,
		"SELECT "+strings.Join(userColumns, ", ")+" FROM users WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "user", id, "get user")
	}
	return u, nil
}

func (r userRepo) Create(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	err := r.q.QueryRow(ctx, `
INSERT INTO users (username, full_name, role, active, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,1,$5,$5)
RETURNING id`,
		u.Username, u.FullName, u.Role, u.Active, now,
	).Scan(&u.ID)
	if err != nil {
		return mapErr(err, "insert user")
	}
	u.Version = 1
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

func (r userRepo) Update(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	tag, err := r.q.Exec(ctx, `
UPDATE users SET username = $3, full_name = $4, role = $5, active = $6,
  version = version + 1, updated_at = $7
WHERE id = $1 AND version = $2`,
		u.ID, u.Version, u.Username, u.FullName, u.Role, u.Active, now,
	)
	if err != nil {
		return mapErr(err, "update user")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("user", u.ID, u.Version)
	}
	u.Version++
	u.UpdatedAt = now
	return nil
}

func (r userRepo) PutLocation(ctx context.Context, ul models.UserLocation) error {
	if _, err := r.Get(ctx, ul.UserID); err != nil {
		return err
	}
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM locations WHERE id = $1)`, ul.LocationID).Scan(&exists); err != nil {
		return errors.Wrap(err, "check location")
	}
	if !exists {
		return apperr.NotFound("location", ul.LocationID)
	}

	if ul.IsPrimary {
		if _, err := r.q.Exec(ctx, `
UPDATE user_locations SET is_primary = FALSE
WHERE user_id = $1 AND location_id <> $2 AND is_primary`,
			ul.UserID, ul.LocationID,
		); err != nil {
			return mapErr(err, "clear primary location")
		}
	}

	_, err := r.q.Exec(ctx, `
INSERT INTO user_locations (user_id, location_id, is_primary, can_print, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (user_id, location_id) DO UPDATE SET
  is_primary = EXCLUDED.is_primary,
  can_print = EXCLUDED.can_print`,
		ul.UserID, ul.LocationID, ul.IsPrimary, ul.CanPrint, time.Now().UTC(),
	)
	return mapErr(err, "put user location")
}

func (r userRepo) RemoveLocation(ctx context.Context, userID, locationID uint64) error {
	_, err := r.q.Exec(ctx, `DELETE FROM user_locations WHERE user_id = $1 AND location_id = $2`, userID, locationID)
	return mapErr(err, "remove user location")
}

func (r userRepo) Locations(ctx context.Context, userID uint64) ([]models.UserLocation, error) {
	rows, err := r.q.Query(ctx, `
SELECT user_id, location_id, is_primary, can_print, created_at
FROM user_locations
WHERE user_id = $1
ORDER BY location_id`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list user locations")
	}
	defer rows.Close()

	var out []models.UserLocation
	for rows.Next() {
		var ul models.UserLocation
		if err := rows.Scan(&ul.UserID, &ul.LocationID, &ul.IsPrimary, &ul.CanPrint, &ul.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan user location")
		}
		out = append(out, ul)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (r userRepo) PrintOperators(ctx context.Context, locationID uint64) ([]*models.User, error) {
	cols := make([]string, 0, len(userColumns))
	for _, c := range userColumns {
		cols = append(cols, "u."+c)
	}
	b := psql.Select(cols...).
		From("users u").
		Join("user_locations ul ON ul.user_id = u.id").
		Where("ul.location_id = ? AND ul.can_print AND u.active", locationID).
		OrderBy("u.created_at ASC", "u.id ASC")
	return selectList(ctx, r.q, b, scanUser, "list print operators")
}
