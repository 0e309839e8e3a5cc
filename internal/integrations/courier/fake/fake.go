package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/LicenseFlow/internal/integrations/courier"
)

// Client is a deterministic courier for local runs: the status depends only
// on (carrier, tracking number), and roughly every fifth parcel is delivered.
type Client struct{}

func New() *Client { return &Client{} }

func (f *Client) GetTracking(ctx context.Context, carrierCode, trackNumber string) (courier.TrackingResult, error) {
	now := time.Now().UTC()

	status := StatusFor(carrierCode, trackNumber)
	res := courier.TrackingResult{
		Status:    status,
		StatusRaw: string(status),
		StatusAt:  &now,
		Events: []courier.Event{{
			Status:  status,
			Raw:     string(status),
			At:      now,
			Message: "fake courier update",
		}},
	}
	if status == courier.StatusDelivered {
		res.ReceivedBy = "front desk"
	}
	return res, nil
}

// StatusFor exposes the deterministic mapping so tests can pick numbers.
func StatusFor(carrierCode, trackNumber string) courier.Status {
	h := fnv.New32a()
	_, _ = h.Write([]byte(carrierCode))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackNumber))
	if h.Sum32()%5 == 0 {
		return courier.StatusDelivered
	}
	return courier.StatusInTransit
}
