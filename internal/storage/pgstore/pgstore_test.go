package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
	"github.com/BearBump/LicenseFlow/internal/storage/storagetest"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "licenseflow_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/licenseflow_test?sslmode=disable"

	// the port opens before the server accepts connections
	var st *Storage
	require.Eventually(t, func() bool {
		st, err = New(dsn)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(st.Close)
	return st
}

func truncateAll(t *testing.T, st *Storage) {
	t.Helper()
	_, err := st.db.Exec(context.Background(), `
TRUNCATE outbox_events, audit_log, shipping_records, print_jobs, licenses, applications,
         hardware, printers, user_locations, users, locations
RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func TestPGStore_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startPostgres(t)

	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		truncateAll(t, st)
		return st
	})
}

func TestPGStore_EnumChecks(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startPostgres(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Locations().Create(ctx, &models.Location{Code: "BAD", PrintingType: models.PrintingType("teleport")})
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	// init is idempotent and rebuilds the constraints
	require.NoError(t, st.initSchema(ctx))
	require.NoError(t, st.Ping(ctx))
}
