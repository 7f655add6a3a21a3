// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yz-social/yznet/pkg/dht"
)

// JoinProgress is one step of a joinChannel attempt, per spec.md §5's
// progress event sequence: attempting, health_check, connecting,
// validating, retrying, concurrent.
type JoinProgress string

// The progress events named in spec.md §5.
const (
	ProgressAttempting  JoinProgress = "attempting"
	ProgressHealthCheck JoinProgress = "health_check"
	ProgressConnecting  JoinProgress = "connecting"
	ProgressValidating  JoinProgress = "validating"
	ProgressRetrying    JoinProgress = "retrying"
	ProgressConcurrent  JoinProgress = "concurrent"
)

// JoinResult is what JoinChannel returns on success: the channel's
// current coordinator and the caller's subscription starting point.
type JoinResult struct {
	CoordinatorID string
	Head          int64
}

// JoinChannel subscribes the local node to topic, with exponential
// backoff between attempts (initial 500ms, factor 2) and progress
// callbacks, per spec.md §5. Concurrent JoinChannel calls for the same
// topic from the same process are deduplicated: only the first actually
// performs the join sequence, and later callers await its result,
// observing a single ProgressConcurrent event instead of racing.
func (s *Service) JoinChannel(ctx context.Context, topic string, onProgress func(JoinProgress)) (JoinResult, error) {
	if onProgress == nil {
		onProgress = func(JoinProgress) {}
	}

	s.mu.Lock()
	if ch, inFlight := s.pendingJoin[topic]; inFlight {
		s.mu.Unlock()
		onProgress(ProgressConcurrent)
		res := <-ch
		if res.err != nil {
			return JoinResult{}, res.err
		}
		return s.subscribeResult(ctx, topic)
	}
	ch := make(chan joinResult, 1)
	s.pendingJoin[topic] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pendingJoin, topic)
		s.mu.Unlock()
		close(ch)
	}()

	result, err := s.joinWithBackoff(ctx, topic, onProgress)
	ch <- joinResult{err: err}
	return result, err
}

func (s *Service) joinWithBackoff(ctx context.Context, topic string, onProgress func(JoinProgress)) (JoinResult, error) {
	backoff := 500 * time.Millisecond
	const maxAttempts = 6

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			onProgress(ProgressRetrying)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return JoinResult{}, ctx.Err()
			}
			backoff *= 2
		}

		onProgress(ProgressAttempting)
		res, err := s.subscribeResult(ctx, topic)
		if err == nil {
			onProgress(ProgressHealthCheck)
			onProgress(ProgressConnecting)
			onProgress(ProgressValidating)
			return res, nil
		}
		lastErr = err
		s.log.Debug("join channel attempt failed", zap.String("topic", topic), zap.Int("attempt", attempt), zap.Error(err))
	}
	return JoinResult{}, lastErr
}

func (s *Service) subscribeResult(ctx context.Context, topic string) (JoinResult, error) {
	v, err := s.d.Get(ctx, coordinatorKey(topic))
	if err != nil && !dht.ErrNotFound.Has(err) {
		return JoinResult{}, Error.Wrap(err)
	}

	var coordinatorID string
	if err == nil {
		var rec coordinatorRecord
		if jsonErr := json.Unmarshal(v.Value, &rec); jsonErr == nil {
			coordinatorID = rec.NodeID
		}
	}

	head, err := s.Head(ctx, topic)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{CoordinatorID: coordinatorID, Head: head}, nil
}

// Poll implements the polling fallback of spec.md §5: a subscriber that
// can't rely on a push path (e.g. no coordinator push channel) instead
// checks topic's head every PollingInterval and delivers any new messages
// to onMessage in order.
func (s *Service) Poll(ctx context.Context, topic string, fromSeq int64, onMessage func(Message)) error {
	ticker := time.NewTicker(s.pollingInterval)
	defer ticker.Stop()

	next := fromSeq
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			head, err := s.Head(ctx, topic)
			if err != nil {
				s.log.Debug("poll: head lookup failed", zap.String("topic", topic), zap.Error(err))
				continue
			}
			for ; next <= head; next++ {
				msg, err := s.Fetch(ctx, topic, next)
				if err != nil {
					s.log.Debug("poll: fetch failed", zap.String("topic", topic), zap.Int64("seq", next), zap.Error(err))
					break
				}
				onMessage(msg)
			}
		}
	}
}

// batchedPublisher accumulates outgoing messages and flushes them as a
// group once BatchSize messages have queued or BatchTime has elapsed,
// per spec.md §5's batched publish requirement.
type batchedPublisher struct {
	svc   *Service
	topic string

	mu      sync.Mutex
	pending [][]byte
	timer   *time.Timer
}

// NewBatchedPublisher returns a publisher for topic that coalesces
// Publish calls into batches flushed by the service's configured
// BatchSize/BatchTime.
func (s *Service) NewBatchedPublisher(topic string) *batchedPublisher {
	return &batchedPublisher{svc: s, topic: topic}
}

// Enqueue adds data to the pending batch, flushing immediately if the
// batch has reached BatchSize.
func (b *batchedPublisher) Enqueue(ctx context.Context, data []byte) {
	b.mu.Lock()
	b.pending = append(b.pending, data)
	full := len(b.pending) >= b.svc.batchSize
	if !full && b.timer == nil {
		b.timer = time.AfterFunc(b.svc.batchTime, func() { b.Flush(ctx) })
	}
	b.mu.Unlock()

	if full {
		b.Flush(ctx)
	}
}

// Flush publishes every pending message in the batch, in order.
func (b *batchedPublisher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	for _, data := range batch {
		if _, err := b.svc.Publish(ctx, b.topic, data); err != nil {
			b.svc.log.Debug("batched publish failed", zap.String("topic", b.topic), zap.Error(err))
		}
	}
}
