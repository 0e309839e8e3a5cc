package fake

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/integrations/courier"
)

func TestClient_GetTracking(t *testing.T) {
	c := New()
	res, err := c.GetTracking(context.Background(), "POST", "A1")
	require.NoError(t, err)
	require.Equal(t, StatusFor("POST", "A1"), res.Status)
	require.NotNil(t, res.StatusAt)
	require.Len(t, res.Events, 1)
}

func TestStatusFor_MixesOutcomes(t *testing.T) {
	seen := map[courier.Status]int{}
	for i := 0; i < 200; i++ {
		seen[StatusFor("POST", fmt.Sprintf("TRK-%d", i))]++
	}
	require.Positive(t, seen[courier.StatusDelivered])
	require.Positive(t, seen[courier.StatusInTransit])
}
