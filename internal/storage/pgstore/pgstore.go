package pgstore

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "ping pg")
}

// InTx runs fn in a READ COMMITTED transaction. Rows returned by Get are
// locked with FOR UPDATE, so concurrent writers of the same row serialize.
func (s *Storage) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapErr(err, "commit tx")
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Applications() storage.ApplicationRepository { return applicationRepo{t.tx} }
func (t *pgTx) Licenses() storage.LicenseRepository         { return licenseRepo{t.tx} }
func (t *pgTx) PrintJobs() storage.PrintJobRepository       { return printJobRepo{t.tx} }
func (t *pgTx) Shipments() storage.ShippingRepository       { return shippingRepo{t.tx} }
func (t *pgTx) Locations() storage.LocationRepository       { return locationRepo{t.tx} }
func (t *pgTx) Printers() storage.PrinterRepository         { return printerRepo{t.tx} }
func (t *pgTx) Hardware() storage.HardwareRepository        { return hardwareRepo{t.tx} }
func (t *pgTx) Users() storage.UserRepository               { return userRepo{t.tx} }
func (t *pgTx) Audit() storage.AuditRepository              { return auditRepo{t.tx} }
func (t *pgTx) Outbox() storage.OutboxRepository            { return outboxRepo{t.tx} }

type rowScanner interface {
	Scan(dest ...any) error
}

// mapErr turns driver errors into apperr kinds where the caller can act on
// them and wraps everything else.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperr.Wrap(apperr.KindConflict, err, op+": duplicate "+pgErr.ConstraintName)
		case "40001", "40P01":
			return apperr.Wrap(apperr.KindConflict, err, op+": concurrent update")
		}
	}
	return errors.Wrap(err, op)
}

func notFoundOr(err error, entity string, id uint64, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(entity, id)
	}
	return mapErr(err, op)
}

func versionConflict(entity string, id uint64, version int64) error {
	return apperr.Newf(apperr.KindConflict, "%s %d was modified concurrently (expected version %d)", entity, id, version)
}

func selectList[T any](ctx context.Context, q pgx.Tx, b sq.SelectBuilder, scan func(rowScanner) (*T, error), op string) ([]*T, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build "+op)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan "+op)
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func withLimit(b sq.SelectBuilder, limit int) sq.SelectBuilder {
	if limit > 0 {
		return b.Limit(uint64(limit))
	}
	return b
}
