package courier

import (
	"context"
	"time"
)

// Status is the courier's view of a parcel, normalized across providers.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	// StatusFailed covers returned, lost and refused parcels.
	StatusFailed Status = "failed"
)

type Event struct {
	Status   Status
	Raw      string
	At       time.Time
	Location string
	Message  string
}

type TrackingResult struct {
	Status     Status
	StatusRaw  string
	StatusAt   *time.Time
	ReceivedBy string
	Events     []Event
}

type Client interface {
	GetTracking(ctx context.Context, carrierCode, trackNumber string) (TrackingResult, error)
}
