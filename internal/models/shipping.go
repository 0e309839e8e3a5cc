package models

import "time"

type ShippingStatus string

const (
	ShippingStatusPending   ShippingStatus = "pending"
	ShippingStatusInTransit ShippingStatus = "in_transit"
	ShippingStatusDelivered ShippingStatus = "delivered"
	ShippingStatusFailed    ShippingStatus = "failed"
)

var shippingStatuses = []ShippingStatus{
	ShippingStatusPending,
	ShippingStatusInTransit,
	ShippingStatusDelivered,
	ShippingStatusFailed,
}

var activeShippingStatuses = []ShippingStatus{
	ShippingStatusPending,
	ShippingStatusInTransit,
}

func ShippingStatuses() []ShippingStatus { return append([]ShippingStatus(nil), shippingStatuses...) }

func ActiveShippingStatuses() []ShippingStatus {
	return append([]ShippingStatus(nil), activeShippingStatuses...)
}

func (s ShippingStatus) String() string { return string(s) }
func (s ShippingStatus) Valid() bool   { return enumValid(shippingStatuses, s) }
func (s ShippingStatus) Active() bool  { return enumValid(activeShippingStatuses, s) }

func ParseShippingStatus(raw string) (ShippingStatus, error) {
	return enumParse(shippingStatuses, "shipping status", raw)
}

type ShippingRecord struct {
	ID              uint64
	ApplicationID   uint64
	LicenseID       uint64
	PrintJobID      uint64
	Status          ShippingStatus
	TrackingNumber  string
	Carrier         string
	Method          string
	CollectionPoint string
	Address         string
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	ShippedBy       uint64
	ReceivedBy      string
	Notes           string
	FailureReason   string
	LastCheckedAt   *time.Time
	NextCheckAt     *time.Time
	CheckFailCount  int32
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
