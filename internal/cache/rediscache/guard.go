package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type guardStore interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Guard remembers processed event IDs per consumer so redelivered events are skipped.
// Keys look like licenseflow:evt:processed:<consumer>:<event_id>.
type Guard struct {
	store guardStore
	ttl   time.Duration
}

func NewGuard(store guardStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("guard store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// CheckAndMarkProcessed returns true when the event was already marked, and
// marks it otherwise.
func (g *Guard) CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key, err := processedKey(consumer, eventID)
	if err != nil {
		return false, err
	}
	created, err := g.store.SetNX(ctx, key, []byte("1"), g.ttl)
	if err != nil {
		return false, err
	}
	return !created, nil
}

// Delete forgets the mark, used when handling failed after the check.
func (g *Guard) Delete(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := processedKey(consumer, eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func processedKey(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return fmt.Sprintf("licenseflow:evt:processed:%s:%s", consumer, eventID), nil
}
