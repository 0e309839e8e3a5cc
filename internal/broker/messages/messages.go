package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/models"
)

// Version of the envelope layout. Consumers reject anything newer.
const Version = 1

const DefaultTopic = "licenseflow.events"

type EventType string

const (
	LicenseGenerated     EventType = "LicenseGenerated"
	ApplicationCancelled EventType = "ApplicationCancelled"
	PrintJobQueued       EventType = "PrintJobQueued"
	PrintJobStarted      EventType = "PrintJobStarted"
	PrintJobCompleted    EventType = "PrintJobCompleted"
	PrintJobFailed       EventType = "PrintJobFailed"
	PrintJobCancelled    EventType = "PrintJobCancelled"
	ShipmentDispatched   EventType = "ShipmentDispatched"
	ShipmentDelivered    EventType = "ShipmentDelivered"
	ShipmentFailed       EventType = "ShipmentFailed"
	CollectionRecorded   EventType = "CollectionRecorded"
)

var eventTypes = map[EventType]struct{}{
	LicenseGenerated: {}, ApplicationCancelled: {},
	PrintJobQueued: {}, PrintJobStarted: {}, PrintJobCompleted: {}, PrintJobFailed: {}, PrintJobCancelled: {},
	ShipmentDispatched: {}, ShipmentDelivered: {}, ShipmentFailed: {}, CollectionRecorded: {},
}

func (t EventType) Known() bool {
	_, ok := eventTypes[t]
	return ok
}

// Envelope wraps every event on the wire. Messages are keyed by
// ApplicationID so a partition sees one application's events in order.
type Envelope struct {
	Version       int             `json:"version"`
	EventID       uuid.UUID       `json:"event_id"`
	Type          EventType       `json:"type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ApplicationID uint64          `json:"application_id"`
	Actor         models.Actor    `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(typ EventType, applicationID uint64, actor models.Actor, occurredAt time.Time, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", typ)
	}
	return Envelope{
		Version:       Version,
		EventID:       uuid.New(),
		Type:          typ,
		OccurredAt:    occurredAt.UTC(),
		ApplicationID: applicationID,
		Actor:         actor,
		Payload:       data,
	}, nil
}

// Decode parses and validates an envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	switch {
	case env.Version < 1 || env.Version > Version:
		return Envelope{}, errors.Errorf("unsupported envelope version %d", env.Version)
	case env.EventID == uuid.Nil:
		return Envelope{}, errors.New("envelope without event id")
	case !env.Type.Known():
		return Envelope{}, errors.Errorf("unknown event type %q", env.Type)
	case env.ApplicationID == 0:
		return Envelope{}, errors.New("envelope without application id")
	}
	return env, nil
}

func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Type)
	}
	return nil
}

type LicenseGeneratedPayload struct {
	LicenseID     uint64           `json:"license_id"`
	LicenseNumber string           `json:"license_number"`
	Artifacts     models.Artifacts `json:"artifacts"`
}

type ApplicationCancelledPayload struct {
	LicenseID uint64 `json:"license_id,omitempty"`
	Reason    string `json:"reason"`
}

// PrintJobPayload is shared by every PrintJob* event.
type PrintJobPayload struct {
	JobID      uint64                `json:"job_id"`
	LicenseID  uint64                `json:"license_id"`
	Status     models.PrintJobStatus `json:"status"`
	LocationID uint64                `json:"location_id"`
	Priority   int                   `json:"priority"`
	OperatorID uint64                `json:"operator_id,omitempty"`
	PrinterID  uint64                `json:"printer_id,omitempty"`
	RetryCount int                   `json:"retry_count,omitempty"`
	Copies     int                   `json:"copies,omitempty"`
	Reason     string                `json:"reason,omitempty"`
}

// ShipmentPayload is shared by every Shipment* event.
type ShipmentPayload struct {
	ShippingID      uint64                `json:"shipping_id"`
	LicenseID       uint64                `json:"license_id"`
	PrintJobID      uint64                `json:"print_job_id"`
	Status          models.ShippingStatus `json:"status"`
	TrackingNumber  string                `json:"tracking_number,omitempty"`
	Carrier         string                `json:"carrier,omitempty"`
	Method          string                `json:"method,omitempty"`
	CollectionPoint string                `json:"collection_point,omitempty"`
	ReceivedBy      string                `json:"received_by,omitempty"`
	Reason          string                `json:"reason,omitempty"`
}

type CollectionRecordedPayload struct {
	LicenseID       uint64    `json:"license_id"`
	CollectedBy     string    `json:"collected_by"`
	CollectionPoint string    `json:"collection_point"`
	CollectedAt     time.Time `json:"collected_at"`
}
