// Package outbox stores events in the transaction that produced them and
// relays them to the broker afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/broker/messages"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

type Emitter struct {
	topic string
	log   *logger.Logger
	now   func() time.Time
}

func NewEmitter(topic string, log *logger.Logger) *Emitter {
	if topic == "" {
		topic = messages.DefaultTopic
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Emitter{
		topic: topic,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *Emitter) Topic() string { return e.topic }

// Emit appends the event to tx's outbox. It is published only if tx commits.
func (e *Emitter) Emit(ctx context.Context, tx storage.Tx, typ messages.EventType, applicationID uint64, actor models.Actor, payload any) (messages.Envelope, error) {
	env, err := messages.NewEnvelope(typ, applicationID, actor, e.now(), payload)
	if err != nil {
		return messages.Envelope{}, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return messages.Envelope{}, errors.Wrap(err, "marshal envelope")
	}

	row := &models.OutboxEvent{
		EventID:   env.EventID.String(),
		EventType: string(typ),
		Topic:     e.topic,
		Key:       strconv.FormatUint(applicationID, 10),
		Payload:   raw,
	}
	if err := tx.Outbox().Append(ctx, row); err != nil {
		return messages.Envelope{}, err
	}

	e.log.Debug(e.log.WithFields(ctx, map[string]any{
		"event_id":       row.EventID,
		"event_type":     row.EventType,
		"application_id": applicationID,
	}), "outbox event queued")
	return env, nil
}
