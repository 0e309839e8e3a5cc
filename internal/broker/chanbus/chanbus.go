// Package chanbus is an in-process broker used when the worker runs without Kafka.
// It keeps the Kafka consumer contract: a message stays at the head of the
// queue until a handler accepts it.
package chanbus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("chanbus: closed")

type Handler func(ctx context.Context, key, value []byte) error

type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

type Bus struct {
	mu     sync.Mutex
	queue  []Message
	closed bool
	notify chan struct{}

	consumeMu sync.Mutex
}

func New() *Bus {
	return &Bus{notify: make(chan struct{}, 1)}
}

func (b *Bus) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, Message{
		Topic: topic,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Drain hands queued messages to handler in publish order until the queue is
// empty or handler fails. It returns the number of accepted messages.
func (b *Bus) Drain(ctx context.Context, handler Handler) (int, error) {
	b.consumeMu.Lock()
	defer b.consumeMu.Unlock()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return n, nil
		}
		msg := b.queue[0]
		b.mu.Unlock()

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			return n, errors.Wrap(err, "handle message")
		}

		b.mu.Lock()
		b.queue = b.queue[1:]
		b.mu.Unlock()
		n++
	}
}

// Consume drains the queue and waits for new messages until ctx ends, the bus
// is closed or a handler fails.
func (b *Bus) Consume(ctx context.Context, handler Handler) error {
	for {
		if _, err := b.Drain(ctx, handler); err != nil {
			return err
		}
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}
