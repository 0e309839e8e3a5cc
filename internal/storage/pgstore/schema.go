package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/models"
)

type enumColumn struct {
	table  string
	column string
	values []string
}

// enumColumns binds every status-like column to its Go declaration. The CHECK
// constraints are dropped and recreated on start so they never drift.
func enumColumns() []enumColumn {
	return []enumColumn{
		{"locations", "printing_type", models.EnumStrings(models.PrintingTypes())},
		{"users", "role", models.EnumStrings(models.Roles())},
		{"printers", "type", models.EnumStrings(models.PrinterTypes())},
		{"printers", "status", models.EnumStrings(models.PrinterStatuses())},
		{"hardware", "type", models.EnumStrings(models.HardwareTypes())},
		{"hardware", "status", models.EnumStrings(models.HardwareStatuses())},
		{"applications", "type", models.EnumStrings(models.ApplicationTypes())},
		{"applications", "status", models.EnumStrings(models.ApplicationStatuses())},
		{"licenses", "status", models.EnumStrings(models.LicenseStatuses())},
		{"print_jobs", "status", models.EnumStrings(models.PrintJobStatuses())},
		{"print_jobs", "routing_mode", models.EnumStrings(models.PrintingTypes())},
		{"shipping_records", "status", models.EnumStrings(models.ShippingStatuses())},
	}
}

func sqlList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, "'"+strings.ReplaceAll(v, "'", "''")+"'")
	}
	return strings.Join(quoted, ", ")
}

func (c enumColumn) statements() []string {
	name := fmt.Sprintf("ck_%s_%s", c.table, c.column)
	return []string{
		fmt.Sprintf(`ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s`, c.table, name),
		fmt.Sprintf(`ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s IN (%s))`, c.table, name, c.column, sqlList(c.values)),
	}
}

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS locations (
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  address_line1 TEXT NOT NULL DEFAULT '',
  address_line2 TEXT NOT NULL DEFAULT '',
  city TEXT NOT NULL DEFAULT '',
  province TEXT NOT NULL DEFAULT '',
  postal_code TEXT NOT NULL DEFAULT '',
  country TEXT NOT NULL DEFAULT '',
  printing_type TEXT NOT NULL,
  capacity_per_day INT NOT NULL DEFAULT 50,
  accepts_applications BOOLEAN NOT NULL DEFAULT TRUE,
  accepts_collections BOOLEAN NOT NULL DEFAULT FALSE,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_locations_code ON locations (lower(code))`,
		`
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  username TEXT NOT NULL,
  full_name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_users_username ON users (lower(username))`,
		`
CREATE TABLE IF NOT EXISTS user_locations (
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  location_id BIGINT NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
  is_primary BOOLEAN NOT NULL DEFAULT FALSE,
  can_print BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (user_id, location_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_user_locations_location ON user_locations(location_id) WHERE can_print`,
		`
CREATE TABLE IF NOT EXISTS printers (
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  location_id BIGINT NOT NULL REFERENCES locations(id),
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_printers_code ON printers (lower(code))`,
		`
CREATE TABLE IF NOT EXISTS hardware (
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  location_id BIGINT NOT NULL REFERENCES locations(id),
  capabilities JSONB NOT NULL DEFAULT '{}',
  settings JSONB NOT NULL DEFAULT '{}',
  usage_count BIGINT NOT NULL DEFAULT 0,
  error_count BIGINT NOT NULL DEFAULT 0,
  last_used_at TIMESTAMPTZ NULL,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_hardware_code ON hardware (lower(code))`,
		`
CREATE TABLE IF NOT EXISTS applications (
  id BIGSERIAL PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  citizen_ref TEXT NOT NULL DEFAULT '',
  identity_document_ref TEXT NOT NULL,
  biometric_ref TEXT NOT NULL,
  location_id BIGINT NOT NULL REFERENCES locations(id),
  collection_location_id BIGINT NOT NULL DEFAULT 0,
  preferred_collection_date TIMESTAMPTZ NULL,
  previous_license_id BIGINT NOT NULL DEFAULT 0,
  license_id BIGINT NOT NULL DEFAULT 0,
  active_print_job_id BIGINT NOT NULL DEFAULT 0,
  payment_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
  payment_reference TEXT NOT NULL DEFAULT '',
  payment_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
  reviewed_by BIGINT NOT NULL DEFAULT 0,
  review_notes TEXT NOT NULL DEFAULT '',
  last_error TEXT NOT NULL DEFAULT '',
  status_changed_at TIMESTAMPTZ NOT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_status_location ON applications(status, location_id)`,
		`
CREATE TABLE IF NOT EXISTS licenses (
  id BIGSERIAL PRIMARY KEY,
  application_id BIGINT NOT NULL UNIQUE REFERENCES applications(id),
  license_number TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL,
  compliance_version TEXT NOT NULL DEFAULT '',
  artifact_front TEXT NOT NULL DEFAULT '',
  artifact_back TEXT NOT NULL DEFAULT '',
  artifact_combined TEXT NOT NULL DEFAULT '',
  collection_point TEXT NOT NULL DEFAULT '',
  collected_at TIMESTAMPTZ NULL,
  collected_by TEXT NOT NULL DEFAULT '',
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_collection ON licenses(collection_point, status)`,
		`
CREATE TABLE IF NOT EXISTS print_jobs (
  id BIGSERIAL PRIMARY KEY,
  application_id BIGINT NOT NULL REFERENCES applications(id),
  license_id BIGINT NOT NULL REFERENCES licenses(id),
  status TEXT NOT NULL,
  priority INT NOT NULL DEFAULT 0,
  artifact_front TEXT NOT NULL DEFAULT '',
  artifact_back TEXT NOT NULL DEFAULT '',
  artifact_combined TEXT NOT NULL DEFAULT '',
  origin_location_id BIGINT NOT NULL,
  routing_mode TEXT NOT NULL,
  location_id BIGINT NOT NULL,
  assigned_to BIGINT NOT NULL DEFAULT 0,
  printer_id BIGINT NOT NULL DEFAULT 0,
  printed_by BIGINT NOT NULL DEFAULT 0,
  copies_printed INT NOT NULL DEFAULT 0,
  notes TEXT NOT NULL DEFAULT '',
  failure_reason TEXT NOT NULL DEFAULT '',
  retry_count INT NOT NULL DEFAULT 0,
  queued_at TIMESTAMPTZ NOT NULL,
  assigned_at TIMESTAMPTZ NULL,
  started_at TIMESTAMPTZ NULL,
  completed_at TIMESTAMPTZ NULL,
  failed_at TIMESTAMPTZ NULL,
  cancelled_at TIMESTAMPTZ NULL,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_print_jobs_queue ON print_jobs(priority DESC, queued_at ASC, id ASC) WHERE status = %s`,
			sqlList([]string{string(models.PrintJobStatusQueued)})),
		`CREATE INDEX IF NOT EXISTS idx_print_jobs_location_assigned ON print_jobs(location_id, assigned_at)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_print_jobs_assigned_to ON print_jobs(assigned_to) WHERE status IN (%s)`,
			sqlList(models.EnumStrings(models.HeldPrintJobStatuses()))),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS uq_print_jobs_active_license ON print_jobs(license_id) WHERE status IN (%s)`,
			sqlList(models.EnumStrings(models.ActivePrintJobStatuses()))),
		`
CREATE TABLE IF NOT EXISTS shipping_records (
  id BIGSERIAL PRIMARY KEY,
  application_id BIGINT NOT NULL REFERENCES applications(id),
  license_id BIGINT NOT NULL REFERENCES licenses(id),
  print_job_id BIGINT NOT NULL REFERENCES print_jobs(id),
  status TEXT NOT NULL,
  tracking_number TEXT NOT NULL DEFAULT '',
  carrier TEXT NOT NULL DEFAULT '',
  method TEXT NOT NULL DEFAULT '',
  collection_point TEXT NOT NULL DEFAULT '',
  address TEXT NOT NULL DEFAULT '',
  shipped_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  shipped_by BIGINT NOT NULL DEFAULT 0,
  received_by TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  failure_reason TEXT NOT NULL DEFAULT '',
  last_checked_at TIMESTAMPTZ NULL,
  next_check_at TIMESTAMPTZ NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipping_records_tracking_number ON shipping_records(tracking_number) WHERE tracking_number <> ''`,
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipping_records_active_license ON shipping_records(license_id) WHERE status IN (%s)`,
			sqlList(models.EnumStrings(models.ActiveShippingStatuses()))),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_shipping_records_next_check ON shipping_records(next_check_at) WHERE status = %s`,
			sqlList([]string{string(models.ShippingStatusInTransit)})),
		`
CREATE TABLE IF NOT EXISTS audit_log (
  id BIGSERIAL PRIMARY KEY,
  actor_id BIGINT NOT NULL DEFAULT 0,
  actor_role TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL,
  resource_type TEXT NOT NULL,
  resource_id BIGINT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_type, resource_id, id)`,
		`
CREATE TABLE IF NOT EXISTS outbox_events (
  id BIGSERIAL PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  topic TEXT NOT NULL,
  key TEXT NOT NULL,
  payload JSONB NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  next_attempt_at TIMESTAMPTZ NOT NULL,
  published_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_due ON outbox_events(next_attempt_at, id) WHERE published_at IS NULL`,
	}
	for _, c := range enumColumns() {
		stmts = append(stmts, c.statements()...)
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
