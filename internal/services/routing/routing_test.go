package routing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
)

func loc(id uint64, pt models.PrintingType, active bool) *models.Location {
	return &models.Location{ID: id, Code: "L", PrintingType: pt, Active: active}
}

func TestResolve(t *testing.T) {
	hub := loc(100, models.PrintingTypeLocal, true)

	cases := []struct {
		name    string
		origin  *models.Location
		hub     *models.Location
		snap    Snapshot
		want    uint64
		wantErr apperr.Kind
	}{
		{name: "local stays local", origin: loc(1, models.PrintingTypeLocal, true), hub: hub, want: 1},
		{name: "centralized goes to hub", origin: loc(1, models.PrintingTypeCentralized, true), hub: hub, want: 100},
		{name: "centralized without hub", origin: loc(1, models.PrintingTypeCentralized, true), wantErr: apperr.KindRouting},
		{name: "centralized with disabled hub", origin: loc(1, models.PrintingTypeCentralized, true), hub: loc(100, models.PrintingTypeDisabled, true), wantErr: apperr.KindRouting},
		{name: "hybrid eligible locally", origin: loc(1, models.PrintingTypeHybrid, true), hub: hub, snap: Snapshot{LocalEligible: true, LocalCapacityLeft: 3}, want: 1},
		{name: "hybrid at capacity falls back to hub", origin: loc(1, models.PrintingTypeHybrid, true), hub: hub, snap: Snapshot{LocalEligible: true}, want: 100},
		{name: "hybrid at capacity without hub waits locally", origin: loc(1, models.PrintingTypeHybrid, true), snap: Snapshot{LocalEligible: true}, want: 1},
		{name: "hybrid falls back to hub", origin: loc(1, models.PrintingTypeHybrid, true), hub: hub, want: 100},
		{name: "hybrid without hub waits locally", origin: loc(1, models.PrintingTypeHybrid, true), want: 1},
		{name: "disabled", origin: loc(1, models.PrintingTypeDisabled, true), hub: hub, wantErr: apperr.KindRouting},
		{name: "inactive origin", origin: loc(1, models.PrintingTypeLocal, false), hub: hub, wantErr: apperr.KindRouting},
		{name: "nil origin", wantErr: apperr.KindRouting},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(tc.origin, tc.hub, tc.snap)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Equal(t, tc.wantErr, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
