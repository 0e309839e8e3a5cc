package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
	"github.com/BearBump/LicenseFlow/internal/storage/storagetest"
)

func TestMemstore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend { return New() })
}

func TestMemstore_ReadsAreCopies(t *testing.T) {
	st := New()
	ctx := context.Background()

	var id uint64
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loc := &models.Location{Code: "GAB", PrintingType: models.PrintingTypeLocal, Active: true}
		if err := tx.Locations().Create(ctx, loc); err != nil {
			return err
		}
		id = loc.ID
		return nil
	}))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loc, err := tx.Locations().Get(ctx, id)
		if err != nil {
			return err
		}
		loc.Name = "mutated without update"
		return nil
	}))

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loc, err := tx.Locations().Get(ctx, id)
		if err != nil {
			return err
		}
		require.Empty(t, loc.Name)
		return nil
	}))
	require.Zero(t, st.PendingOutbox())
}

func TestMemstore_CancelledContext(t *testing.T) {
	st := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := st.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}
