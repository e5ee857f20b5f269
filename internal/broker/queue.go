package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/arcwire/relay/pkg/logger"
)

// dequeue removes a message from the queue and its persisted mirror.
func (b *Broker) dequeue(ctx context.Context, id string, persistent bool) {
	b.mu.Lock()
	delete(b.queue, id)
	b.mu.Unlock()

	if persistent {
		if err := b.store.Delete(ctx, queuedKeyPrefix+id); err != nil {
			logger.Warnf("broker: deleting persisted queue entry %s: %v", id, err)
		}
	}
}

// persistQueued mirrors a queue entry for persistent messages so it survives
// a process restart. Mirror failures are logged, not fatal: the in-memory
// queue still drives retries for this process's lifetime.
func (b *Broker) persistQueued(ctx context.Context, qm *QueuedMessage) {
	if !qm.Message.Delivery.Persistent {
		return
	}
	b.mu.Lock()
	enc, err := json.Marshal(qm)
	b.mu.Unlock()
	if err != nil {
		logger.Warnf("broker: encoding queue entry %s: %v", qm.Message.ID, err)
		return
	}
	if err := b.store.SetWithTTL(ctx, queuedKeyPrefix+qm.Message.ID, string(enc), qm.Message.Delivery.TTL); err != nil {
		logger.Warnf("broker: persisting queue entry %s: %v", qm.Message.ID, err)
	}
}

// restoreQueue reloads persisted queue entries written by a previous run of
// this process. Entries past their TTL are discarded.
func (b *Broker) restoreQueue(ctx context.Context) error {
	keys, err := b.store.KeysByPrefix(ctx, queuedKeyPrefix)
	if err != nil {
		return fmt.Errorf("scan persisted queue: %w", err)
	}

	now := b.now()
	restored := 0
	for _, key := range keys {
		enc, err := b.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var qm QueuedMessage
		if err := json.Unmarshal([]byte(enc), &qm); err != nil || qm.Message == nil {
			logger.Warnf("broker: discarding undecodable queue entry %s", key)
			continue
		}
		if qm.expiredAt(now) {
			if err := b.store.Delete(ctx, key); err != nil {
				logger.Warnf("broker: deleting expired queue entry %s: %v", key, err)
			}
			continue
		}
		// Retry promptly after restart.
		qm.NextRetry = now

		b.mu.Lock()
		if _, exists := b.queue[qm.Message.ID]; !exists {
			b.queue[qm.Message.ID] = &qm
			restored++
		}
		b.mu.Unlock()
	}
	if restored > 0 {
		logger.Infof("broker: restored %d persisted messages into the retry queue", restored)
	}
	return nil
}

// attempt performs one delivery attempt for a queued message and either
// removes it (delivered), reschedules it (attempts remaining) or permanently
// fails it (attempts exhausted).
func (b *Broker) attempt(ctx context.Context, qm *QueuedMessage) {
	msg := qm.Message
	err := b.deliver(ctx, msg)
	now := b.now()

	if err == nil {
		b.dequeue(ctx, msg.ID, msg.Delivery.Persistent)
		b.recordDelivered(msg)
		return
	}

	b.mu.Lock()
	qm.Attempts++
	qm.LastError = err.Error()
	attempts := qm.Attempts
	exhausted := attempts >= msg.Delivery.Retry.MaxAttempts
	if !exhausted {
		// Entries join the queue already rescheduled into the future, never
		// while due, so a concurrent sweep cannot pick one up mid-attempt.
		qm.NextRetry = now.Add(msg.Delivery.Retry.RetryDelay(attempts))
		b.queue[msg.ID] = qm
	}
	b.mu.Unlock()

	if exhausted {
		b.dequeue(ctx, msg.ID, msg.Delivery.Persistent)
		b.failed.Add(1)
		logger.Warnf("broker: message %s permanently failed after %d attempts: %v", msg.ID, attempts, err)
		b.notifyLifecycle(EventFailed, msg, qm.LastError, attempts)
		return
	}

	logger.Debugf("broker: message %s attempt %d failed, retrying at %s: %v", msg.ID, attempts, qm.NextRetry.Format("15:04:05.000"), err)
	b.persistQueued(ctx, qm)
}

// processQueue runs one sweep over due queue entries. Failures on one
// message never abort the sweep for the others.
func (b *Broker) processQueue(ctx context.Context) {
	now := b.now()

	// Mutable entry fields are snapshotted under the lock; the entries
	// themselves are only mutated by attempt, also under the lock.
	type dueEntry struct {
		qm        *QueuedMessage
		nextRetry time.Time
		attempts  int
		lastError string
	}
	b.mu.Lock()
	due := make([]dueEntry, 0, len(b.queue))
	for _, qm := range b.queue {
		if !qm.NextRetry.After(now) {
			due = append(due, dueEntry{
				qm:        qm,
				nextRetry: qm.NextRetry,
				attempts:  qm.Attempts,
				lastError: qm.LastError,
			})
		}
	}
	b.mu.Unlock()

	if len(due) == 0 {
		return
	}

	// Urgent first, then oldest scheduled.
	sort.Slice(due, func(i, j int) bool {
		ri, rj := due[i].qm.Message.Priority.sweepRank(), due[j].qm.Message.Priority.sweepRank()
		if ri != rj {
			return ri > rj
		}
		return due[i].nextRetry.Before(due[j].nextRetry)
	})

	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		msg := entry.qm.Message
		if entry.qm.expiredAt(now) {
			b.dequeue(ctx, msg.ID, msg.Delivery.Persistent)
			b.failed.Add(1)
			logger.Warnf("broker: message %s expired after %d attempts", msg.ID, entry.attempts)
			b.notifyLifecycle(EventExpired, msg, entry.lastError, entry.attempts)
			continue
		}
		b.attempt(ctx, entry.qm)
	}
}

func encodeEnvelope(env remoteEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(payload []byte) (remoteEnvelope, error) {
	var env remoteEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return remoteEnvelope{}, err
	}
	return env, nil
}
