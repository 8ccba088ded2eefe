package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"suppliersync/internal/domain"
)

const sweepBatchSize = 100

// Sweeper expires pending requests whose deadline passed, on a cron
// schedule.
type Sweeper struct {
	service  *Service
	store    domain.RequestStore
	schedule string
	logger   *slog.Logger
}

// NewSweeper validates the cron expression up front.
func NewSweeper(service *Service, schedule string, logger *slog.Logger) (*Sweeper, error) {
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:  service,
		store:    service.store,
		schedule: schedule,
		logger:   logger.With("component", "sweeper"),
	}, nil
}

// SweepOnce expires every overdue pending request and returns how many it
// moved. Requests that a concurrent response already settled are skipped; a
// request that fails to expire is logged and does not stop the others.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired := 0
	failed := make(map[string]error)
	for {
		now := sw.service.now()
		batch, err := sw.store.ListExpiredPending(ctx, now, sweepBatchSize)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for i := range batch {
			if _, err := sw.service.expire(ctx, &batch[i], now); err != nil {
				if errors.Is(err, domain.ErrInvalidTransition) {
					continue
				}
				if _, seen := failed[batch[i].RequestID]; !seen {
					sw.logger.Warn("cannot expire request", "request_id", batch[i].RequestID, "err", err)
				}
				failed[batch[i].RequestID] = err
				continue
			}
			expired++
			progressed++
		}
		if len(batch) < sweepBatchSize || progressed == 0 {
			break
		}
	}
	if expired > 0 {
		sw.logger.Info("sweep expired requests", "count", expired)
	}
	if len(failed) > 0 {
		errs := make([]error, 0, len(failed))
		for id, err := range failed {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
		}
		return expired, fmt.Errorf("%d request(s) could not be expired: %w", len(failed), errors.Join(errs...))
	}
	return expired, nil
}

// Run sweeps on every tick of the schedule until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.logger.Info("sweeper started", "schedule", sw.schedule)
	for {
		next, err := gronx.NextTickAfter(sw.schedule, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next sweep tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			sw.logger.Info("sweeper stopped")
			return nil
		case <-timer.C:
		}
		if _, err := sw.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			sw.logger.Error("sweep failed", "err", err)
		}
	}
}
