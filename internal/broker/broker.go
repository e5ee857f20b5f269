package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcwire/relay/internal/crypto"
	"github.com/arcwire/relay/internal/store"
	"github.com/arcwire/relay/pkg/logger"
)

// Transport performs the actual per-connection sends. Implemented by the
// transport layer; the broker never touches sockets itself.
type Transport interface {
	SendToUser(ctx context.Context, userID, event string, payload any) error
	SendToRole(ctx context.Context, role, event string, payload any) error
	SendToRoom(ctx context.Context, roomID, event string, payload any) error
	SendToAll(ctx context.Context, event string, payload any) error
	ConnectionCount(userID string) int
}

// Handler receives messages matched by an in-process subscription.
type Handler func(*Message)

// Lifecycle event names emitted to in-process subscribers.
const (
	EventPublished = "message.published"
	EventFailed    = "message.failed"
	EventExpired   = "message.expired"

	// lifecycleType marks broker-internal notifications so they are
	// distinguishable from application messages.
	lifecycleType = "broker.lifecycle"
)

const (
	// messageChannelPrefix is the shared-store channel namespace used to
	// republish messages to sibling instances, one channel per message type.
	messageChannelPrefix = "messages:"

	// queuedKeyPrefix namespaces persisted queue entries in the shared store.
	queuedKeyPrefix = "queued_message:"
)

// Options configures a Broker. Zero values fall back to defaults.
type Options struct {
	// InstanceID identifies this process in republished envelopes so it can
	// ignore its own messages coming back from the store.
	InstanceID string
	// SweepInterval is the period of the retry sweep.
	SweepInterval time.Duration
	// Now overrides the time source. Intended for tests.
	Now func() time.Time
}

type subscription struct {
	id      int
	pattern Pattern
	handler Handler
	context map[string]any
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// WithSubscriberContext attaches a context map evaluated against message
// routing conditions. Subscriptions without a context receive conditional
// messages only when the conditions hold against an empty context.
func WithSubscriberContext(context map[string]any) SubscribeOption {
	return func(s *subscription) {
		s.context = context
	}
}

// Broker builds fully-specified messages, routes them to the transport and
// sibling instances, and retries undelivered guaranteed messages.
type Broker struct {
	store      store.Store
	transport  Transport
	instanceID string

	sweepInterval time.Duration
	now           func() time.Time

	mu    sync.Mutex
	queue map[string]*QueuedMessage

	subMu   sync.RWMutex
	subs    map[int]*subscription
	nextSub int

	sent         atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	latencySumMs atomic.Int64
	latencyCount atomic.Int64

	remoteSub store.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a broker routing through transport and clustering through st.
func New(st store.Store, transport Transport, opts Options) *Broker {
	if opts.InstanceID == "" {
		if tok, err := crypto.NewOpaqueToken(8); err == nil {
			opts.InstanceID = tok
		} else {
			opts.InstanceID = fmt.Sprintf("instance-%d", time.Now().UnixNano())
		}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Broker{
		store:         st,
		transport:     transport,
		instanceID:    opts.InstanceID,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		queue:         make(map[string]*QueuedMessage),
		subs:          make(map[int]*subscription),
	}
}

// InstanceID returns the identifier used in republished envelopes.
func (b *Broker) InstanceID() string {
	return b.instanceID
}

// Start restores persisted queue entries, subscribes to sibling republish
// channels and launches the retry sweep. Stop with Close.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.restoreQueue(ctx); err != nil {
		logger.Warnf("broker: restoring persisted queue: %v", err)
	}

	sub, err := b.store.SubscribeByPattern(ctx, messageChannelPrefix+"*", b.handleRemote)
	if err != nil {
		return fmt.Errorf("subscribe %s*: %w", messageChannelPrefix, err)
	}
	b.remoteSub = sub

	sweepCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				b.processQueue(sweepCtx)
			}
		}
	}()
	return nil
}

// Close stops the sweep, drains it once synchronously so messages about to
// succeed are not lost, and releases the republish subscription.
func (b *Broker) Close() {
	if b.cancel != nil {
		b.cancel()
		<-b.done

		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		b.processQueue(drainCtx)
		cancel()
	}
	if b.remoteSub != nil {
		if err := b.remoteSub.Close(); err != nil {
			logger.Warnf("broker: closing republish subscription: %v", err)
		}
	}
}

// Publish completes the partial message and attempts delivery immediately.
// The returned id is always set.
//
// For guaranteed messages delivery failures are absorbed into the retry
// queue; for best-effort messages the first failure is returned and the
// message is gone.
func (b *Broker) Publish(ctx context.Context, msg *Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("publish: nil message")
	}
	now := b.now()
	applyDefaults(msg, now)

	b.sent.Add(1)
	b.notifyLifecycle(EventPublished, msg, "", 0)

	if msg.Delivery.Guaranteed {
		qm := &QueuedMessage{
			Message:    msg,
			EnqueuedAt: now,
			NextRetry:  now,
		}
		// Persist before the first attempt so a crash mid-delivery cannot
		// lose the message, but keep the entry out of the in-memory queue
		// until that attempt fails: a sweep tick racing this publish must
		// not see a due entry and double-attempt it.
		b.persistQueued(ctx, qm)
		b.attempt(ctx, qm)
		return msg.ID, nil
	}

	if err := b.deliver(ctx, msg); err != nil {
		b.failed.Add(1)
		return msg.ID, fmt.Errorf("deliver message %s: %w", msg.ID, err)
	}
	b.recordDelivered(msg)
	return msg.ID, nil
}

// PublishToUser publishes msg routed to a single user.
func (b *Broker) PublishToUser(ctx context.Context, userID string, msg *Message) (string, error) {
	msg.Routing.Targets = []Target{{Type: TargetUser, ID: userID}}
	return b.Publish(ctx, msg)
}

// PublishToRole publishes msg routed to every user holding a role.
func (b *Broker) PublishToRole(ctx context.Context, role string, msg *Message) (string, error) {
	msg.Routing.Targets = []Target{{Type: TargetRole, ID: role}}
	return b.Publish(ctx, msg)
}

// PublishToRoom publishes msg routed to the members of a room.
func (b *Broker) PublishToRoom(ctx context.Context, roomID string, msg *Message) (string, error) {
	msg.Routing.Targets = []Target{{Type: TargetRoom, ID: roomID}}
	return b.Publish(ctx, msg)
}

// Broadcast publishes msg to every connection.
func (b *Broker) Broadcast(ctx context.Context, msg *Message) (string, error) {
	msg.Routing.Broadcast = true
	msg.Routing.Targets = []Target{{Type: TargetAll}}
	return b.Publish(ctx, msg)
}

// Subscribe registers an in-process handler for messages matching pattern.
// It returns the subscription id for Unsubscribe.
func (b *Broker) Subscribe(pattern Pattern, handler Handler, opts ...SubscribeOption) int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextSub++
	sub := &subscription{id: b.nextSub, pattern: pattern, handler: handler}
	for _, opt := range opts {
		opt(sub)
	}
	b.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Broker) Unsubscribe(id int) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subs, id)
}

// deliver notifies local subscribers, fans out to every routing target and
// republishes to the shared channel for sibling instances. Per-target
// failures do not stop the remaining targets; the combined error is returned
// so guaranteed callers can requeue the whole message.
func (b *Broker) deliver(ctx context.Context, msg *Message) error {
	b.notifySubscribers(msg)

	errs := b.fanOut(ctx, msg)

	// Republishing is independent of local target outcomes: siblings may own
	// connections this instance cannot reach.
	b.republish(ctx, msg)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// fanOut attempts delivery to each routing target, isolating failures.
func (b *Broker) fanOut(ctx context.Context, msg *Message) []error {
	var errs []error
	for _, target := range msg.Routing.Targets {
		if msg.Routing.ExcludeSender && target.Type == TargetUser && target.ID == msg.Sender.ID {
			continue
		}
		if err := b.sendTarget(ctx, target, msg); err != nil {
			logger.Warnf("broker: message %s to %s:%s: %v", msg.ID, target.Type, target.ID, err)
			errs = append(errs, fmt.Errorf("%s:%s: %w", target.Type, target.ID, err))
		}
	}
	return errs
}

func (b *Broker) sendTarget(ctx context.Context, target Target, msg *Message) error {
	switch target.Type {
	case TargetUser:
		return b.transport.SendToUser(ctx, target.ID, msg.Event, msg.Payload)
	case TargetRole:
		return b.transport.SendToRole(ctx, target.ID, msg.Event, msg.Payload)
	case TargetRoom:
		return b.transport.SendToRoom(ctx, target.ID, msg.Event, msg.Payload)
	case TargetAll:
		return b.transport.SendToAll(ctx, msg.Event, msg.Payload)
	default:
		return fmt.Errorf("unknown target type %q", target.Type)
	}
}

// notifySubscribers invokes matching in-process handlers. A panicking
// handler is logged and does not stop the remaining handlers.
func (b *Broker) notifySubscribers(msg *Message) {
	b.subMu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !sub.pattern.Matches(msg) {
			continue
		}
		if len(msg.Routing.Conditions) > 0 && !EvaluateConditions(msg.Routing.Conditions, sub.context) {
			continue
		}
		matched = append(matched, sub)
	}
	b.subMu.RUnlock()

	for _, sub := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("broker: subscriber %d panic on %s: %v", sub.id, msg.ID, r)
				}
			}()
			sub.handler(msg)
		}()
	}
}

// notifyLifecycle emits a broker-internal notification message to local
// subscribers. Lifecycle notifications are never transported or republished.
func (b *Broker) notifyLifecycle(event string, msg *Message, lastError string, attempts int) {
	payload := map[string]any{
		"messageId": msg.ID,
		"type":      msg.Type,
		"event":     msg.Event,
	}
	if lastError != "" {
		payload["lastError"] = lastError
	}
	if attempts > 0 {
		payload["attempts"] = attempts
	}
	b.notifySubscribers(&Message{
		ID:        msg.ID,
		Type:      lifecycleType,
		Event:     event,
		Payload:   payload,
		Priority:  msg.Priority,
		SessionID: msg.SessionID,
		Timestamp: b.now(),
	})
}

// remoteEnvelope wraps a republished message with its origin instance so the
// publisher can ignore its own copy.
type remoteEnvelope struct {
	Origin  string   `json:"origin"`
	Message *Message `json:"message"`
}

func (b *Broker) republish(ctx context.Context, msg *Message) {
	enc, err := encodeEnvelope(remoteEnvelope{Origin: b.instanceID, Message: msg})
	if err != nil {
		logger.Warnf("broker: encoding republish envelope for %s: %v", msg.ID, err)
		return
	}
	if err := b.store.Publish(ctx, messageChannelPrefix+msg.Type, enc); err != nil {
		logger.Warnf("broker: republish %s: %v", msg.ID, err)
	}
}

// handleRemote delivers messages republished by sibling instances to the
// connections this instance owns. No requeueing happens here; the origin
// instance owns the retry loop.
func (b *Broker) handleRemote(channel string, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		logger.Warnf("broker: bad envelope on %s: %v", channel, err)
		return
	}
	if env.Origin == b.instanceID || env.Message == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errs := b.fanOut(ctx, env.Message); len(errs) > 0 {
		logger.Debugf("broker: remote delivery of %s: %d target failures", env.Message.ID, len(errs))
	}
}

func (b *Broker) recordDelivered(msg *Message) {
	b.delivered.Add(1)
	if latency := b.now().Sub(msg.Timestamp); latency >= 0 {
		b.latencySumMs.Add(latency.Milliseconds())
		b.latencyCount.Add(1)
	}
}

// Metrics is a read-only snapshot of broker counters.
type Metrics struct {
	Sent      int64
	Delivered int64
	Failed    int64
	Queued    int
	// AvgDeliveryLatency is the mean publish-to-delivery latency.
	AvgDeliveryLatency time.Duration
}

// Snapshot returns current counters for monitoring.
func (b *Broker) Snapshot() Metrics {
	b.mu.Lock()
	queued := len(b.queue)
	b.mu.Unlock()

	out := Metrics{
		Sent:      b.sent.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Queued:    queued,
	}
	if count := b.latencyCount.Load(); count > 0 {
		out.AvgDeliveryLatency = time.Duration(b.latencySumMs.Load()/count) * time.Millisecond
	}
	return out
}
