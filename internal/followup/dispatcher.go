package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"suppliersync/internal/domain"
	"suppliersync/internal/metrics"
)

const (
	dispatchBatchSize = 50
	sendTimeout       = 30 * time.Second
)

// Dispatcher periodically sends follow-ups that came due.
type Dispatcher struct {
	scheduler *Scheduler
	store     Store
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	senders  map[string]Sender
	limits   map[string]*RateLimiter
	fallback Sender
}

func NewDispatcher(scheduler *Scheduler, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		scheduler: scheduler,
		store:     scheduler.store,
		interval:  interval,
		logger:    logger.With("component", "dispatcher"),
		senders:   make(map[string]Sender),
		limits:    make(map[string]*RateLimiter),
	}
}

// Register routes a channel to a sender.
func (d *Dispatcher) Register(channel string, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[channel] = s
}

// Throttle paces sends on channel to perMinute with the given burst.
func (d *Dispatcher) Throttle(channel string, burst int, perMinute float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limits[channel] = NewRateLimiter(burst, perMinute)
}

// SetFallback sets the sender for channels without a registered sender.
func (d *Dispatcher) SetFallback(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = s
}

// Channels lists the channels with a dedicated sender.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.senders))
	for ch := range d.senders {
		out = append(out, ch)
	}
	return out
}

func (d *Dispatcher) limiter(channel string) *RateLimiter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limits[channel]
}

func (d *Dispatcher) sender(channel string) Sender {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.senders[channel]; ok {
		return s
	}
	return d.fallback
}

// DispatchOnce sends every due message once and returns the number sent and
// failed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (sent, failed int, err error) {
	due, err := d.store.ListDueMessages(ctx, d.scheduler.now(), dispatchBatchSize)
	if err != nil {
		return 0, 0, err
	}
	for i := range due {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		ok, err := d.dispatch(ctx, &due[i])
		if err != nil {
			d.logger.Warn("follow-up dispatch error", "message_id", due[i].MessageID, "err", err)
			continue
		}
		if ok {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *domain.FollowUpMessage) (bool, error) {
	sched, err := d.store.GetSchedule(ctx, msg.ScheduleID)
	if err != nil {
		return false, err
	}
	req, err := d.store.GetRequest(ctx, sched.RequestID)
	if err != nil {
		return false, err
	}
	log := d.logger.With("message_id", msg.MessageID, "request_id", req.RequestID, "channel", msg.Channel)

	// The message stays pending when the wait is cut short.
	if rl := d.limiter(msg.Channel); rl != nil {
		if err := rl.Wait(ctx); err != nil {
			return false, err
		}
	}

	sendErr := d.send(ctx, msg, sched, req)
	if _, err := d.scheduler.MarkSent(ctx, msg.MessageID, sendErr); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	if sendErr != nil {
		metrics.FollowUpsFailed.Inc()
		log.Warn("follow-up send failed", "err", sendErr)
		return false, nil
	}
	metrics.FollowUpsSent.Inc()
	log.Info("follow-up sent", "tone", msg.Tone)

	if req.Status == domain.RequestPending {
		if _, err := d.scheduler.ComputeNextFollowUp(ctx, sched.ScheduleID, domain.SupplierSignal{}); err != nil &&
			!errors.Is(err, domain.ErrInvalidInput) && !errors.Is(err, domain.ErrInvalidTransition) {
			log.Warn("planning next follow-up failed", "err", err)
		}
	}
	return true, nil
}

func (d *Dispatcher) send(ctx context.Context, msg *domain.FollowUpMessage, sched *domain.FollowUpSchedule, req *domain.SupplierRequest) (err error) {
	s := d.sender(msg.Channel)
	if s == nil {
		return fmt.Errorf("no sender for channel %q", msg.Channel)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return s.Send(sctx, Delivery{
		Recipient:  sched.Recipient,
		ThreadID:   req.ThreadID,
		RequestID:  req.RequestID,
		SupplierID: req.SupplierID,
		Message:    msg,
	})
}

// Run dispatches on every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("follow-up dispatcher started", "interval", d.interval, "channels", d.Channels())
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("follow-up dispatcher stopped")
			return nil
		case <-ticker.C:
			sent, failed, err := d.DispatchOnce(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("follow-up dispatch failed", "err", err)
			}
			if sent+failed > 0 {
				d.logger.Info("follow-ups dispatched", "sent", sent, "failed", failed)
			}
		}
	}
}
