package outbox

import (
	"context"
	"time"

	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/poller"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RelayConfig struct {
	BatchSize      int
	Lease          time.Duration
	PublishTimeout time.Duration
	// MaxBackoff caps the retry delay, which doubles per attempt from one second.
	MaxBackoff time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Relay publishes claimed outbox rows in id order. Once a key fails, later
// rows with that key in the same batch are pushed back too so they never
// overtake the failed one.
type Relay struct {
	store storage.OutboxRelayStore
	pub   Publisher
	cfg   RelayConfig
	log   *logger.Logger
	now   func() time.Time
}

func NewRelay(store storage.OutboxRelayStore, pub Publisher, cfg RelayConfig, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		store: store,
		pub:   pub,
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce is a poller.Cycle.
func (r *Relay) RunOnce(ctx context.Context) (poller.Result, error) {
	now := r.now()
	events, err := r.store.ClaimOutbox(ctx, now, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return poller.Result{}, err
	}

	res := poller.Result{Claimed: len(events), Outcomes: map[string]int{}}
	failedKeys := map[string]time.Time{}

	for _, ev := range events {
		if retryAt, blocked := failedKeys[ev.Key]; blocked {
			if err := r.store.MarkOutboxFailed(ctx, ev.ID, "blocked by earlier event", retryAt); err != nil {
				res.Errors++
				res.LastError = err.Error()
			}
			res.Outcomes["blocked"]++
			continue
		}

		if err := r.publish(ctx, ev); err != nil {
			retryAt := r.now().Add(r.backoff(ev.Attempts + 1))
			failedKeys[ev.Key] = retryAt
			res.Errors++
			res.LastError = err.Error()
			res.Outcomes["failed"]++
			if markErr := r.store.MarkOutboxFailed(ctx, ev.ID, err.Error(), retryAt); markErr != nil {
				res.LastError = markErr.Error()
			}
			r.log.Error(r.log.WithFields(ctx, map[string]any{
				"event_id":   ev.EventID,
				"event_type": ev.EventType,
				"attempts":   ev.Attempts + 1,
			}), "outbox publish failed", err)
			continue
		}

		if err := r.store.MarkOutboxPublished(ctx, ev.ID, r.now()); err != nil {
			// Published but not marked: the row is relayed again after the
			// lease and consumers drop the duplicate.
			res.Errors++
			res.LastError = err.Error()
			continue
		}
		res.Processed++
		res.Outcomes["published"]++
	}
	return res, nil
}

func (r *Relay) publish(ctx context.Context, ev *models.OutboxEvent) error {
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	return r.pub.Publish(pubCtx, ev.Topic, []byte(ev.Key), ev.Payload)
}

func (r *Relay) backoff(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}
