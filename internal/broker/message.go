package broker

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders queued messages in the retry sweep and annotates logs. It
// never preempts an in-flight delivery.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// sweepRank converts a priority into a sort rank, highest first.
func (p Priority) sweepRank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// TargetType is one addressable recipient class.
type TargetType string

const (
	TargetUser TargetType = "user"
	TargetRole TargetType = "role"
	TargetRoom TargetType = "room"
	TargetAll  TargetType = "all"
)

// Target is a single routing destination.
type Target struct {
	Type TargetType `json:"type"`
	// ID identifies the user, role or room. Empty for TargetAll.
	ID string `json:"id,omitempty"`
	// Filter carries optional transport-level narrowing hints.
	Filter map[string]any `json:"filter,omitempty"`
}

// Routing describes who a message is for.
type Routing struct {
	Targets       []Target    `json:"targets,omitempty"`
	Broadcast     bool        `json:"broadcast,omitempty"`
	ExcludeSender bool        `json:"excludeSender,omitempty"`
	Conditions    []Condition `json:"conditions,omitempty"`
}

// BackoffStrategy selects the retry delay curve.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy bounds the retry loop for guaranteed messages.
type RetryPolicy struct {
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     BackoffStrategy `json:"backoffStrategy"`
	BaseDelay   time.Duration   `json:"baseDelay"`
	MaxDelay    time.Duration   `json:"maxDelay"`
}

// RetryDelay computes the delay before the next attempt given how many
// attempts have already been made (attempts start at 1 on first scheduling).
// The result is clamped to MaxDelay.
func (p RetryPolicy) RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	var delay time.Duration
	switch p.Backoff {
	case BackoffLinear:
		delay = p.BaseDelay * time.Duration(attempts)
	case BackoffExponential:
		// Cap the shift so pathological attempt counts cannot overflow.
		shift := attempts - 1
		if shift > 20 {
			shift = 20
		}
		delay = p.BaseDelay << shift
	default:
		delay = p.BaseDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Delivery is the delivery contract of a message.
type Delivery struct {
	// Guaranteed messages are queued and retried until delivered, permanently
	// failed or TTL-expired. Non-guaranteed messages are best-effort and are
	// never queued.
	Guaranteed bool `json:"guaranteed"`
	// Persistent messages additionally mirror their queue entry to the
	// shared store so they survive a process restart.
	Persistent bool `json:"persistent,omitempty"`
	// TTL is the maximum lifetime of the message in the queue.
	TTL time.Duration `json:"ttl,omitempty"`
	// Retry bounds the retry loop.
	Retry RetryPolicy `json:"retryPolicy"`
	// Acknowledgment is reserved for receipt tracking. It does not drive any
	// queueing decision today.
	Acknowledgment bool `json:"acknowledgment,omitempty"`
}

// Sender identifies what published a message.
type Sender struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	// ConnectionID is the originating connection when known, used for echo
	// suppression on fan-out.
	ConnectionID string `json:"connectionId,omitempty"`
}

// Message is a fully-resolved unit of delivery.
type Message struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Event string `json:"event"`
	// Payload is the application payload, opaque to the broker.
	Payload any `json:"payload,omitempty"`

	Sender    Sender   `json:"sender,omitempty"`
	Priority  Priority `json:"priority,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`

	Routing  Routing  `json:"routing"`
	Delivery Delivery `json:"delivery"`

	Timestamp time.Time `json:"timestamp"`
}

// Defaults applied by Publish when the caller leaves fields unset.
const (
	defaultTTL         = 5 * time.Minute
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// applyDefaults fills in id, timestamp, priority, event fallback and the
// retry policy on a partial message.
func applyDefaults(msg *Message, now time.Time) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.Event == "" {
		msg.Event = msg.Type
	}
	if msg.Delivery.TTL <= 0 {
		msg.Delivery.TTL = defaultTTL
	}
	if msg.Delivery.Retry.MaxAttempts <= 0 {
		msg.Delivery.Retry.MaxAttempts = defaultMaxAttempts
	}
	if msg.Delivery.Retry.Backoff == "" {
		msg.Delivery.Retry.Backoff = BackoffExponential
	}
	if msg.Delivery.Retry.BaseDelay <= 0 {
		msg.Delivery.Retry.BaseDelay = defaultBaseDelay
	}
	if msg.Delivery.Retry.MaxDelay <= 0 {
		msg.Delivery.Retry.MaxDelay = defaultMaxDelay
	}
	if msg.Routing.Broadcast && len(msg.Routing.Targets) == 0 {
		msg.Routing.Targets = []Target{{Type: TargetAll}}
	}
}

// QueuedMessage wraps a guaranteed message with retry bookkeeping. Attempts
// counts delivery attempts already made.
type QueuedMessage struct {
	Message    *Message  `json:"message"`
	Attempts   int       `json:"attempts"`
	NextRetry  time.Time `json:"nextRetry"`
	LastError  string    `json:"lastError,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// expiredAt reports whether the message's queue TTL has elapsed at now.
func (q *QueuedMessage) expiredAt(now time.Time) bool {
	return now.Sub(q.EnqueuedAt) > q.Message.Delivery.TTL
}
