package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
	"github.com/BearBump/LicenseFlow/internal/storage/memstore"
)

func actor(role models.Role) models.Actor { return models.Actor{UserID: 1, Role: role} }

func TestRoleChecks(t *testing.T) {
	require.NoError(t, CanReview(actor(models.RoleOfficer)))
	require.NoError(t, CanReview(models.SystemActor()))
	require.True(t, apperr.Is(CanReview(actor(models.RolePrinter)), apperr.KindPermission))

	require.NoError(t, RequireStaff(actor(models.RolePrinter), "x"))
	require.True(t, apperr.Is(RequireStaff(actor(models.RoleViewer), "x"), apperr.KindPermission))
	require.True(t, apperr.Is(RequireStaff(actor(models.Role("ghost")), "x"), apperr.KindPermission))

	require.NoError(t, CanCancelApplication(actor(models.RoleOfficer), models.ApplicationStatusQueuedForPrinting))
	require.True(t, apperr.Is(CanCancelApplication(actor(models.RoleOfficer), models.ApplicationStatusPrinting), apperr.KindPermission))
	require.NoError(t, CanCancelApplication(actor(models.RoleManager), models.ApplicationStatusPrinted))

	require.NoError(t, CanCancelJob(actor(models.RolePrinter), models.PrintJobStatusQueued))
	require.True(t, apperr.Is(CanCancelJob(actor(models.RolePrinter), models.PrintJobStatusPrinting), apperr.KindPermission))
	require.NoError(t, CanCancelJob(actor(models.RoleAdmin), models.PrintJobStatusPrinting))
}

func TestLocationScope(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	var locID, otherID, printerUser, viewerUser uint64
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l := &models.Location{Code: "A", PrintingType: models.PrintingTypeLocal, Active: true}
		o := &models.Location{Code: "B", PrintingType: models.PrintingTypeLocal, Active: true}
		for _, x := range []*models.Location{l, o} {
			if err := tx.Locations().Create(ctx, x); err != nil {
				return err
			}
		}
		locID, otherID = l.ID, o.ID

		p := &models.User{Username: "p", Role: models.RolePrinter, Active: true}
		v := &models.User{Username: "v", Role: models.RoleViewer, Active: true}
		for _, u := range []*models.User{p, v} {
			if err := tx.Users().Create(ctx, u); err != nil {
				return err
			}
			if err := tx.Users().PutLocation(ctx, models.UserLocation{UserID: u.ID, LocationID: l.ID, CanPrint: true}); err != nil {
				return err
			}
		}
		printerUser, viewerUser = p.ID, v.ID
		return nil
	}))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		require.NoError(t, AtLocation(ctx, tx, models.Actor{UserID: printerUser, Role: models.RolePrinter}, locID))
		err := AtLocation(ctx, tx, models.Actor{UserID: printerUser, Role: models.RolePrinter}, otherID)
		require.True(t, apperr.Is(err, apperr.KindPermission))
		require.NoError(t, AtLocation(ctx, tx, models.Actor{UserID: 99, Role: models.RoleAdmin}, otherID))

		ops, err := PrintOperators(ctx, tx, locID)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		require.Equal(t, printerUser, ops[0].ID)

		ok, err := CanPrintAt(ctx, tx, viewerUser, locID)
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = CanPrintAt(ctx, tx, printerUser, locID)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	}))
}
