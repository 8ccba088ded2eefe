// Package bus fans thread events out to the observers attached to each
// conversation thread.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"suppliersync/internal/domain"
	"suppliersync/internal/metrics"
)

const defaultSendTimeout = 5 * time.Second

// ThreadRegistry maps a thread id to the set of channels observing it.
// Membership lives in memory only; a channel is dropped the first time a
// send to it fails.
type ThreadRegistry struct {
	mu          sync.RWMutex
	threads     map[string]map[string]domain.EventChannel
	closed      bool
	sendTimeout time.Duration
	logger      *slog.Logger
}

// Snapshot is the monitoring view of the registry.
type Snapshot struct {
	TotalThreads        int            `json:"total_threads"`
	ConnectionsByThread map[string]int `json:"connections_by_thread"`
	TotalConnections    int            `json:"total_connections"`
}

func NewThreadRegistry(sendTimeout time.Duration, logger *slog.Logger) *ThreadRegistry {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &ThreadRegistry{
		threads:     make(map[string]map[string]domain.EventChannel),
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Attach registers ch under threadID. It reports false when the channel was
// already attached or the registry is closed.
func (r *ThreadRegistry) Attach(threadID string, ch domain.EventChannel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	set, ok := r.threads[threadID]
	if !ok {
		set = make(map[string]domain.EventChannel)
		r.threads[threadID] = set
	}
	if _, exists := set[ch.ID()]; exists {
		return false
	}
	set[ch.ID()] = ch
	metrics.ObserversConnected.Inc()
	r.logger.Info("observer attached", "thread_id", threadID, "channel_id", ch.ID(), "observers", len(set))
	return true
}

// Detach removes ch from threadID and drops the thread entry once empty.
// It is safe to call more than once.
func (r *ThreadRegistry) Detach(threadID string, ch domain.EventChannel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.threads[threadID]
	if !ok {
		return false
	}
	if _, exists := set[ch.ID()]; !exists {
		return false
	}
	delete(set, ch.ID())
	if len(set) == 0 {
		delete(r.threads, threadID)
	}
	metrics.ObserversConnected.Dec()
	r.logger.Info("observer detached", "thread_id", threadID, "channel_id", ch.ID(), "observers", len(set))
	return true
}

func (r *ThreadRegistry) attached(threadID string, ch domain.EventChannel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.threads[threadID][ch.ID()]
	return ok
}

// Count returns the number of observers attached to threadID.
func (r *ThreadRegistry) Count(threadID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads[threadID])
}

// Broadcast delivers ev to every channel attached to threadID and returns
// how many sends succeeded. Sends run concurrently, each bounded by the
// send timeout. Channels that fail are detached and closed.
func (r *ThreadRegistry) Broadcast(ctx context.Context, threadID string, ev domain.Event) int {
	r.mu.RLock()
	set := r.threads[threadID]
	members := make([]domain.EventChannel, 0, len(set))
	for _, ch := range set {
		members = append(members, ch)
	}
	r.mu.RUnlock()

	if len(members) == 0 {
		r.logger.Debug("no observers for thread", "thread_id", threadID, "type", ev.Type)
		return 0
	}
	metrics.Broadcasts.Inc()

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, ch := range members {
		wg.Add(1)
		go func(ch domain.EventChannel) {
			defer wg.Done()
			if !r.attached(threadID, ch) {
				return
			}
			if err := r.Send(ctx, ch, ev); err != nil {
				r.logger.Warn("dropping observer after failed send",
					"thread_id", threadID,
					"channel_id", ch.ID(),
					"type", ev.Type,
					"err", err,
				)
				r.Detach(threadID, ch)
				ch.Close()
				return
			}
			delivered.Add(1)
		}(ch)
	}
	wg.Wait()
	return int(delivered.Load())
}

// Send delivers ev to a single channel, bounded by the send timeout even if
// the channel ignores its context. Cancellation of ctx does not cut the send
// short: a publisher going away is not a failure of the observer.
func (r *ThreadRegistry) Send(ctx context.Context, ch domain.EventChannel, ev domain.Event) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ch.Send(sctx, ev) }()

	select {
	case err := <-done:
		if err != nil {
			metrics.DeliveryFailures.Inc()
			return fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, err)
		}
		metrics.Deliveries.Inc()
		return nil
	case <-sctx.Done():
		metrics.DeliveryFailures.Inc()
		return fmt.Errorf("%w: send timed out after %s", domain.ErrDeliveryFailure, r.sendTimeout)
	}
}

func (r *ThreadRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		TotalThreads:        len(r.threads),
		ConnectionsByThread: make(map[string]int, len(r.threads)),
	}
	for threadID, set := range r.threads {
		snap.ConnectionsByThread[threadID] = len(set)
		snap.TotalConnections += len(set)
	}
	return snap
}

// Threads lists thread ids with at least one observer, sorted.
func (r *ThreadRegistry) Threads() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close detaches and closes every channel. Later attaches are refused.
func (r *ThreadRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []domain.EventChannel
	for _, set := range r.threads {
		for _, ch := range set {
			all = append(all, ch)
		}
	}
	r.threads = make(map[string]map[string]domain.EventChannel)
	r.mu.Unlock()

	metrics.ObserversConnected.Add(-int64(len(all)))
	for _, ch := range all {
		ch.Close()
	}
}
