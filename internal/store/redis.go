package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcwire/relay/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// defaultOpTimeout bounds every individual Redis call so a store outage turns
// into a prompt error instead of a hung sweep.
const defaultOpTimeout = 3 * time.Second

// RedisStore implements Store on top of a Redis client.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password is optional.
	Password string
	// DB selects the logical database.
	DB int
	// OpTimeout overrides the per-call timeout. Zero means the default.
	OpTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, opts.Addr, err)
	}

	return &RedisStore{client: client, opTimeout: opTimeout}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func wrapRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Get returns the value at key or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", wrapRedisErr("get", err)
	}
	return val, nil
}

// SetWithTTL stores value at key with the given expiry.
func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return wrapRedisErr("set", s.client.Set(ctx, key, value, ttl).Err())
}

// Delete removes key. Deleting a missing key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return wrapRedisErr("del", s.client.Del(ctx, key).Err())
}

// Expire resets the TTL on key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return wrapRedisErr("expire", s.client.Expire(ctx, key, ttl).Err())
}

// AddToSet adds member to the set at key.
func (s *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return wrapRedisErr("sadd", s.client.SAdd(ctx, key, member).Err())
}

// RemoveFromSet removes member from the set at key.
func (s *RedisStore) RemoveFromSet(ctx context.Context, key, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return wrapRedisErr("srem", s.client.SRem(ctx, key, member).Err())
}

// SetMembers returns all members of the set at key. A missing set yields an
// empty slice, not ErrNotFound.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr("smembers", err)
	}
	return members, nil
}

// KeysByPrefix scans for keys starting with prefix.
func (s *RedisStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedisErr("scan", err)
	}
	return keys, nil
}

// Publish sends payload to all subscribers of channel.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return wrapRedisErr("publish", s.client.Publish(ctx, channel, payload).Err())
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (r *redisSubscription) Close() error {
	r.cancel()
	return r.pubsub.Close()
}

// SubscribeByPattern subscribes to channels matching pattern (Redis glob
// syntax) and invokes handler for each received message until the
// subscription is closed.
func (s *RedisStore) SubscribeByPattern(ctx context.Context, pattern string, handler MessageHandler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	pubsub := s.client.PSubscribe(subCtx, pattern)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("%w: psubscribe %s: %v", ErrUnavailable, pattern, err)
	}

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							logger.Errorf("store: subscriber panic on %s: %v", msg.Channel, r)
						}
					}()
					handler(msg.Channel, []byte(msg.Payload))
				}()
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub, cancel: cancel}, nil
}
