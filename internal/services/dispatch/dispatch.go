// Package dispatch routes broker events to the services that react to them.
package dispatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/broker/messages"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/lifecycle"
	"github.com/BearBump/LicenseFlow/internal/services/printqueue"
	"github.com/BearBump/LicenseFlow/internal/services/shipping"
)

// ConsumerName scopes processed-event markers.
const ConsumerName = "licenseflow-dispatcher"

// Guard remembers processed event IDs. CheckAndMarkProcessed reports true
// when the event was seen before.
type Guard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type Config struct {
	// AutoEnqueue creates the print job as soon as a license is generated.
	AutoEnqueue bool
}

type Dispatcher struct {
	lifecycle *lifecycle.Manager
	queue     *printqueue.Manager
	shipping  *shipping.Tracker
	guard     Guard
	cfg       Config
	log       *logger.Logger
}

func New(lc *lifecycle.Manager, queue *printqueue.Manager, ship *shipping.Tracker, cfg Config, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{lifecycle: lc, queue: queue, shipping: ship, cfg: cfg, log: log}
}

// WithGuard skips events that were already handled.
func (d *Dispatcher) WithGuard(g Guard) *Dispatcher {
	d.guard = g
	return d
}

// Handle processes one raw message. Undecodable messages and permanent
// failures are logged and dropped; a returned error asks for redelivery.
func (d *Dispatcher) Handle(ctx context.Context, key, value []byte) error {
	env, err := messages.Decode(value)
	if err != nil {
		d.log.Error(d.log.WithField(ctx, "key", string(key)), "dropping undecodable message", err)
		return nil
	}
	ctx = d.log.WithEventID(ctx, env.EventID.String())
	ctx = d.log.WithFields(ctx, map[string]any{
		"event_type":     string(env.Type),
		"application_id": env.ApplicationID,
	})

	if d.guard != nil {
		seen, err := d.guard.CheckAndMarkProcessed(ctx, ConsumerName, env.EventID)
		if err != nil {
			return errors.Wrap(err, "check processed event")
		}
		if seen {
			d.log.Debug(ctx, "duplicate event skipped")
			return nil
		}
	}

	if err := d.route(ctx, env); err != nil {
		if d.guard != nil {
			if delErr := d.guard.Delete(ctx, ConsumerName, env.EventID); delErr != nil {
				d.log.Error(ctx, "release processed marker", delErr)
			}
		}
		if !apperr.Retryable(err) {
			d.log.Warn(d.log.WithFields(ctx, map[string]any{
				"kind":  string(apperr.KindOf(err)),
				"error": err.Error(),
			}), "event rejected")
			return nil
		}
		return err
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, env messages.Envelope) error {
	appID := env.ApplicationID
	switch env.Type {
	case messages.LicenseGenerated:
		var p messages.LicenseGeneratedPayload
		if err := env.DecodePayload(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "license generated payload")
		}
		return d.licenseGenerated(ctx, appID, p)

	case messages.ApplicationCancelled:
		var p messages.ApplicationCancelledPayload
		if err := env.DecodePayload(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "application cancelled payload")
		}
		if _, err := d.queue.CancelForApplication(ctx, appID, p.Reason); err != nil {
			return err
		}
		_, err := d.shipping.CancelForApplication(ctx, appID, p.Reason)
		return err

	case messages.PrintJobQueued, messages.PrintJobStarted, messages.PrintJobCompleted,
		messages.PrintJobFailed, messages.PrintJobCancelled:
		var p messages.PrintJobPayload
		if err := env.DecodePayload(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "print job payload")
		}
		return d.printJob(ctx, env.Type, appID, p)

	case messages.ShipmentDispatched, messages.ShipmentDelivered, messages.ShipmentFailed:
		var p messages.ShipmentPayload
		if err := env.DecodePayload(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "shipment payload")
		}
		switch env.Type {
		case messages.ShipmentDispatched:
			return d.lifecycle.OnShipmentDispatched(ctx, appID, p)
		case messages.ShipmentDelivered:
			return d.lifecycle.OnShipmentDelivered(ctx, appID, p)
		default:
			return d.lifecycle.OnShipmentFailed(ctx, appID, p)
		}

	case messages.CollectionRecorded:
		var p messages.CollectionRecordedPayload
		if err := env.DecodePayload(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "collection payload")
		}
		return d.lifecycle.OnCollectionRecorded(ctx, appID, p)
	}
	return apperr.Newf(apperr.KindValidation, "no handler for %s", env.Type)
}

func (d *Dispatcher) licenseGenerated(ctx context.Context, appID uint64, p messages.LicenseGeneratedPayload) error {
	if !d.cfg.AutoEnqueue {
		return nil
	}
	active, err := d.queue.ActiveForLicense(ctx, p.LicenseID)
	if err != nil {
		return err
	}
	if active != nil {
		return nil
	}
	_, err = d.queue.Enqueue(ctx, printqueue.EnqueueInput{
		ApplicationID: appID,
		LicenseID:     p.LicenseID,
		Artifacts:     p.Artifacts,
	}, models.SystemActor())
	if apperr.Is(err, apperr.KindRouting) {
		d.log.Warn(d.log.WithField(ctx, "reason", apperr.Reason(err)), "license cannot be routed to a print pool")
	}
	return err
}

func (d *Dispatcher) printJob(ctx context.Context, typ messages.EventType, appID uint64, p messages.PrintJobPayload) error {
	switch typ {
	case messages.PrintJobQueued:
		return d.lifecycle.OnPrintJobQueued(ctx, appID, p)
	case messages.PrintJobStarted:
		return d.lifecycle.OnPrintJobStarted(ctx, appID, p)
	case messages.PrintJobCompleted:
		return d.lifecycle.OnPrintJobCompleted(ctx, appID, p)
	case messages.PrintJobFailed:
		return d.lifecycle.OnPrintJobFailed(ctx, appID, p)
	default:
		return d.lifecycle.OnPrintJobCancelled(ctx, appID, p)
	}
}
