// Package resume drives paused workflow threads back to life once a
// supplier response has been accepted.
package resume

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

// Status values published on workflow_status_changed by the coordinator.
const (
	StatusResumed      = "workflow_resumed"
	StatusResumeFailed = "resume_failed"
)

const persistTimeout = 5 * time.Second

// Config is the retry policy of the coordinator.
type Config struct {
	// MaxRetries is the number of failed attempts after which a trigger is
	// marked failed.
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
}

// Store is the persistence the coordinator needs.
type Store interface {
	domain.TriggerStore
	GetRequest(ctx context.Context, requestID string) (*domain.SupplierRequest, error)
	ListResponses(ctx context.Context, requestID string) ([]domain.SupplierResponse, error)
}

// Coordinator guarantees at most one resume execution per request and
// retries transient failures with exponential backoff.
type Coordinator struct {
	store    Store
	resumer  domain.Resumer
	notifier domain.Notifier
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // request_id

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(store Store, resumer domain.Resumer, notifier domain.Notifier, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	runCtx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		resumer:  resumer,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "resume"),
		inflight: make(map[string]struct{}),
		runCtx:   runCtx,
		stop:     stop,
	}
}

// Resolve creates a trigger for the accepted response and drives it to a
// terminal state before returning. A concurrent call for the same request
// fails with domain.ErrAlreadyResuming.
func (c *Coordinator) Resolve(ctx context.Context, req *domain.SupplierRequest, resp *domain.SupplierResponse) (*domain.ResumeTrigger, error) {
	trig, err := c.claim(ctx, req.RequestID, req.ThreadID, domain.TriggerSupplierResponse)
	if err != nil {
		return nil, err
	}
	defer c.release(req.RequestID)
	return c.run(ctx, trig, resp)
}

// Submit is Resolve with the attempts driven in the background. The claim
// and trigger creation happen before it returns.
func (c *Coordinator) Submit(ctx context.Context, req *domain.SupplierRequest, resp *domain.SupplierResponse) (*domain.ResumeTrigger, error) {
	trig, err := c.claim(ctx, req.RequestID, req.ThreadID, domain.TriggerSupplierResponse)
	if err != nil {
		return nil, err
	}
	snapshot := *trig
	c.spawn(trig, resp)
	return &snapshot, nil
}

// Start drives a pending trigger that was stored together with the
// response that produced it. A trigger it cannot claim stays pending for
// whoever holds the request, or for Recover.
func (c *Coordinator) Start(ctx context.Context, trig *domain.ResumeTrigger, resp *domain.SupplierResponse) (*domain.ResumeTrigger, error) {
	if !c.tryClaim(trig.RequestID) {
		metrics.ResumeRejected.Inc()
		return nil, fmt.Errorf("request %s: %w", trig.RequestID, domain.ErrAlreadyResuming)
	}
	snapshot := *trig
	c.spawn(trig, resp)
	return &snapshot, nil
}

// Retry re-drives the latest response of a failed trigger's request under a
// new manual trigger.
func (c *Coordinator) Retry(ctx context.Context, triggerID string) (*domain.ResumeTrigger, error) {
	old, err := c.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.ResumeFailed {
		return nil, fmt.Errorf("%w: trigger %s is %s, only failed triggers can be retried",
			domain.ErrInvalidTransition, triggerID, old.Status)
	}
	resp, err := c.latestResponse(ctx, old.RequestID)
	if err != nil {
		return nil, err
	}

	trig, err := c.claim(ctx, old.RequestID, old.ThreadID, domain.TriggerManual)
	if err != nil {
		return nil, err
	}
	snapshot := *trig
	c.spawn(trig, resp)
	c.logger.Info("manual resume retry", "request_id", old.RequestID, "previous_trigger", triggerID, "trigger_id", trig.TriggerID)
	return &snapshot, nil
}

// Recover re-drives triggers a previous process left pending or processing.
// It returns how many were picked up.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	triggers, err := c.store.ListUnfinishedTriggers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished triggers: %w", err)
	}

	picked := 0
	for i := range triggers {
		trig := triggers[i]
		if !c.tryClaim(trig.RequestID) {
			continue
		}
		resp, err := c.latestResponse(ctx, trig.RequestID)
		if err != nil {
			c.release(trig.RequestID)
			c.logger.Warn("cannot recover trigger", "trigger_id", trig.TriggerID, "request_id", trig.RequestID, "err", err)
			continue
		}
		if trig.Status == domain.ResumeProcessing {
			trig.Status = domain.ResumePending
			if err := c.store.UpdateTrigger(ctx, &trig); err != nil {
				c.release(trig.RequestID)
				c.logger.Warn("cannot reset stale trigger", "trigger_id", trig.TriggerID, "err", err)
				continue
			}
		}
		c.spawn(&trig, resp)
		picked++
	}
	if picked > 0 {
		c.logger.Info("recovered unfinished resume triggers", "count", picked)
	}
	return picked, nil
}

// Wait blocks until every background resume has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops background resumes, leaving interrupted triggers pending for
// Recover, and waits for them to return.
func (c *Coordinator) Close() {
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) tryClaim(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[requestID]; busy {
		return false
	}
	c.inflight[requestID] = struct{}{}
	return true
}

func (c *Coordinator) release(requestID string) {
	c.mu.Lock()
	delete(c.inflight, requestID)
	c.mu.Unlock()
}

// claim reserves the request in memory, checks the store for a processing
// trigger left by another process and creates the pending trigger.
func (c *Coordinator) claim(ctx context.Context, requestID, threadID string, kind domain.TriggerType) (*domain.ResumeTrigger, error) {
	if !c.tryClaim(requestID) {
		metrics.ResumeRejected.Inc()
		return nil, fmt.Errorf("request %s: %w", requestID, domain.ErrAlreadyResuming)
	}

	busy, err := c.store.HasProcessingTrigger(ctx, requestID)
	if err != nil {
		c.release(requestID)
		return nil, err
	}
	if busy {
		c.release(requestID)
		metrics.ResumeRejected.Inc()
		return nil, fmt.Errorf("request %s: %w", requestID, domain.ErrAlreadyResuming)
	}

	trig := domain.NewResumeTrigger(requestID, threadID, kind, time.Now())
	if err := c.store.CreateTrigger(ctx, trig); err != nil {
		c.release(requestID)
		return nil, err
	}
	return trig, nil
}

func (c *Coordinator) spawn(trig *domain.ResumeTrigger, resp *domain.SupplierResponse) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(trig.RequestID)
		if _, err := c.run(c.runCtx, trig, resp); err != nil {
			c.logger.Debug("background resume ended with error", "trigger_id", trig.TriggerID, "err", err)
		}
	}()
}

func (c *Coordinator) latestResponse(ctx context.Context, requestID string) (*domain.SupplierResponse, error) {
	history, err := c.store.ListResponses(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, domain.InvalidInputf("request %s has no recorded response", requestID)
	}
	latest := history[len(history)-1]
	return &latest, nil
}

// run attempts the resume until it completes, fails for good, or ctx ends.
// The caller holds the in-flight claim for the request.
func (c *Coordinator) run(ctx context.Context, trig *domain.ResumeTrigger, resp *domain.SupplierResponse) (*domain.ResumeTrigger, error) {
	log := c.logger.With("trigger_id", trig.TriggerID, "request_id", trig.RequestID, "thread_id", trig.ThreadID)

	for {
		now := time.Now().UTC()
		trig.Status = domain.ResumeProcessing
		if trig.ResumeStartedAt == nil {
			trig.ResumeStartedAt = &now
		}
		if err := c.save(ctx, trig); err != nil {
			return trig, err
		}

		metrics.ResumeAttempts.Inc()
		start := time.Now()
		err := c.attempt(ctx, trig, resp)
		metrics.ResumeLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			done := time.Now().UTC()
			trig.Status = domain.ResumeCompleted
			trig.ResumeCompletedAt = &done
			trig.ErrorMessage = ""
			if err := c.save(ctx, trig); err != nil {
				return trig, err
			}
			metrics.ResumeCompleted.Inc()
			log.Info("workflow resumed", "retries", trig.RetryCount)
			c.notifier.StatusChanged(context.WithoutCancel(ctx), trig.ThreadID, domain.StatusChange{
				Status:    StatusResumed,
				IsPaused:  false,
				RequestID: trig.RequestID,
				TriggerID: trig.TriggerID,
			})
			return trig, nil
		}

		trig.ErrorMessage = err.Error()
		if ctx.Err() != nil {
			// Interrupted, not failed: leave it for Recover.
			trig.Status = domain.ResumePending
			if serr := c.save(ctx, trig); serr != nil {
				log.Error("cannot record interrupted trigger", "err", serr)
			}
			log.Warn("resume interrupted", "err", err)
			return trig, ctx.Err()
		}

		trig.RetryCount++
		if !domain.IsRetryable(err) || trig.RetryCount >= c.cfg.MaxRetries {
			return trig, c.fail(ctx, trig, err, log)
		}

		trig.Status = domain.ResumePending
		if err := c.save(ctx, trig); err != nil {
			return trig, err
		}
		wait := backoff(trig.RetryCount, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
		log.Warn("resume failed, will retry",
			"attempt", trig.RetryCount,
			"max_retries", c.cfg.MaxRetries,
			"backoff", wait,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return trig, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// attempt calls the resumer once, bounded by the attempt timeout even if the
// resumer ignores its context.
func (c *Coordinator) attempt(ctx context.Context, trig *domain.ResumeTrigger, resp *domain.SupplierResponse) error {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.Fatal(fmt.Errorf("resumer panicked: %v", r))
			}
		}()
		done <- c.resumer.Resume(actx, trig.ThreadID, trig.RequestID, resp)
	}()

	select {
	case err := <-done:
		return err
	case <-actx.Done():
		return domain.Retryable(fmt.Errorf("resume attempt timed out after %s: %w", c.cfg.AttemptTimeout, actx.Err()))
	}
}

func (c *Coordinator) fail(ctx context.Context, trig *domain.ResumeTrigger, cause error, log *slog.Logger) error {
	done := time.Now().UTC()
	trig.Status = domain.ResumeFailed
	trig.ResumeCompletedAt = &done
	if err := c.save(ctx, trig); err != nil {
		log.Error("cannot record failed trigger", "err", err)
	}
	metrics.ResumeFailed.Inc()
	log.Error("workflow resume failed", "retries", trig.RetryCount, "retryable", domain.IsRetryable(cause), "err", cause)

	c.notifier.StatusChanged(context.WithoutCancel(ctx), trig.ThreadID, domain.StatusChange{
		Status:    StatusResumeFailed,
		IsPaused:  true,
		NextStep:  "manual_retry",
		RequestID: trig.RequestID,
		TriggerID: trig.TriggerID,
		Error:     trig.ErrorMessage,
	})

	if errors.Is(cause, domain.ErrResumeFailure) {
		return fmt.Errorf("trigger %s after %d attempts: %w", trig.TriggerID, trig.RetryCount, cause)
	}
	return fmt.Errorf("trigger %s after %d attempts: %w: %v", trig.TriggerID, trig.RetryCount, domain.ErrResumeFailure, cause)
}

// save persists the trigger even when ctx is already cancelled.
func (c *Coordinator) save(ctx context.Context, trig *domain.ResumeTrigger) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.store.UpdateTrigger(sctx, trig); err != nil {
		return fmt.Errorf("save trigger %s: %w", trig.TriggerID, err)
	}
	return nil
}
