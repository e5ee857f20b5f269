package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
//
// Callers must be able to distinguish a missing key from a store that could
// not be reached, so unavailability is never mapped onto ErrNotFound.
var ErrNotFound = errors.New("store: not found")

// ErrUnavailable wraps store reachability failures (timeouts, refused
// connections). Use errors.Is to detect it.
var ErrUnavailable = errors.New("store: unavailable")

// MessageHandler receives payloads published on a subscribed channel.
type MessageHandler func(channel string, payload []byte)

// Subscription is an active pattern subscription.
type Subscription interface {
	// Close stops delivery and releases the subscription.
	Close() error
}

// Store is the shared external key-value store used for cross-instance
// session and message state. Implementations must bound every call; a store
// outage degrades individual calls to errors rather than hanging the caller.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	AddToSet(ctx context.Context, key, member string) error
	RemoveFromSet(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	SubscribeByPattern(ctx context.Context, pattern string, handler MessageHandler) (Subscription, error)
}
