package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/webhook-dispatch/webhook"
	"github.com/marcelsud/webhook-dispatch/webhook/signature"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval is how often the scheduler scans for due attempts
	DefaultPollInterval = 5 * time.Second

	// DefaultWorkerCount bounds concurrent outbound deliveries
	DefaultWorkerCount = 8

	// DefaultStaleClaimAfter is how long a claimed attempt may sit
	// uncompleted before the sweep assumes its process died
	DefaultStaleClaimAfter = time.Minute

	// dueBatchSize caps how many due attempts one scan picks up
	dueBatchSize = 100
)

// SchedulerConfig tunes the background retry scheduler
type SchedulerConfig struct {
	PollInterval    time.Duration
	WorkerCount     int
	StaleClaimAfter time.Duration
}

/* Scheduler owns the background loop that executes due attempts.
 * All scheduling state lives in the ledger, so a restart resumes by
 * scanning for due pending attempts; nothing is lost with the process.
 * A bounded worker pool keeps outbound connections in check when an
 * event fans out to many webhooks at once.
 */
type Scheduler struct {
	ledger     Repository
	webhooks   webhook.Reader
	exec       *Executor
	interval   time.Duration
	staleAfter time.Duration
	sem        chan struct{}
	wakeCh     chan struct{}
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a scheduler. Zero config values fall back to defaults.
func NewScheduler(ledger Repository, webhooks webhook.Reader, exec *Executor, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = DefaultStaleClaimAfter
	}

	return &Scheduler{
		ledger:     ledger,
		webhooks:   webhooks,
		exec:       exec,
		interval:   cfg.PollInterval,
		staleAfter: cfg.StaleClaimAfter,
		sem:        make(chan struct{}, cfg.WorkerCount),
		wakeCh:     make(chan struct{}, 1),
		logger:     logger,
	}
}

// Start launches the background polling loop
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(loopCtx)

	s.logger.Info().
		Dur("poll_interval", s.interval).
		Int("workers", cap(s.sem)).
		Msg("scheduler started")
}

// Stop cancels the loop and waits for in-flight attempts to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// InFlight reports how many worker slots are currently executing attempts
func (s *Scheduler) InFlight() int {
	return len(s.sem)
}

// WorkerCapacity reports the size of the worker pool
func (s *Scheduler) WorkerCapacity() int {
	return cap(s.sem)
}

// Wake nudges the loop to scan immediately instead of waiting a poll cycle
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		s.runDue(ctx)
	}
}

// runDue requeues stranded claims, then picks up due attempts and hands
// them to the worker pool
func (s *Scheduler) runDue(ctx context.Context) {
	stale, err := s.ledger.RequeueStale(ctx, time.Now().Add(-s.staleAfter), dueBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("requeuing stale claims")
		}
	} else if len(stale) > 0 {
		s.logger.Warn().Int("count", len(stale)).Msg("requeued attempts stranded mid-claim")
	}

	ids, err := s.ledger.Due(ctx, time.Now(), dueBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("scanning due attempts")
		}
		return
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		case s.sem <- struct{}{}:
		}

		s.wg.Add(1)
		go func(attemptID string) {
			defer s.wg.Done()
			defer func() { <-s.sem }()

			if _, err := s.exec.Execute(ctx, attemptID); err != nil {
				s.logger.Error().Err(err).Str("attempt_id", attemptID).Msg("executing due attempt")
			}
		}(id)
	}
}

// RetryNow short-circuits the backoff wait for a retrying delivery, or
// re-opens a failed one with a single extra attempt. The executed attempt
// is returned so callers can show the fresh outcome.
func (s *Scheduler) RetryNow(ctx context.Context, deliveryID string) (Attempt, error) {
	d, attempts, err := s.ledger.GetDelivery(ctx, deliveryID)
	if err != nil {
		return Attempt{}, fmt.Errorf("getting delivery: %w", err)
	}

	if d.Resolved() {
		// A failed delivery can be reopened; a succeeded one is done
		if d.Status == Success {
			return Attempt{}, fmt.Errorf("delivery %s already succeeded", deliveryID)
		}
		return s.reopen(ctx, d)
	}

	switch d.Status {
	case Attempting:
		return Attempt{}, fmt.Errorf("delivery %s has an attempt in flight", deliveryID)
	case Pending, Retrying:
		pending := latestPending(attempts)
		if pending == nil {
			return Attempt{}, fmt.Errorf("delivery %s has no pending attempt", deliveryID)
		}
		if err := s.ledger.RescheduleAttempt(ctx, pending.ID, time.Now()); err != nil {
			return Attempt{}, fmt.Errorf("rescheduling attempt: %w", err)
		}
		return s.exec.Execute(ctx, pending.ID)
	default:
		return Attempt{}, fmt.Errorf("delivery %s in unexpected status %s", deliveryID, d.Status)
	}
}

// reopen appends one manual attempt to a failed delivery. The cap is
// raised to the new attempt number so attempt <= maxAttempts still holds.
func (s *Scheduler) reopen(ctx context.Context, d Delivery) (Attempt, error) {
	now := time.Now()
	number := d.AttemptCount + 1

	d.Status = Retrying
	if d.MaxAttempts < number {
		d.MaxAttempts = number
	}
	d.NextRetryAt = now
	d.CompletedAt = time.Time{}
	d.UpdatedAt = now

	att := Attempt{
		ID:          uuid.New().String(),
		DeliveryID:  d.ID,
		WebhookID:   d.WebhookID,
		Number:      number,
		MaxAttempts: d.MaxAttempts,
		Status:      Pending,
		NextRetryAt: now,
		CreatedAt:   now,
	}

	if err := s.ledger.AppendAttempt(ctx, d, att); err != nil {
		return Attempt{}, fmt.Errorf("appending manual attempt: %w", err)
	}

	return s.exec.Execute(ctx, att.ID)
}

// TestSend fires one ad-hoc webhook.test delivery outside the normal
// schedule, executed immediately through the same executor path.
func (s *Scheduler) TestSend(ctx context.Context, webhookID string) (Attempt, error) {
	wh, err := s.webhooks.Get(ctx, webhookID)
	if err != nil {
		return Attempt{}, fmt.Errorf("getting webhook: %w", err)
	}

	event, err := NewEvent("webhook.test", map[string]interface{}{
		"webhook_id": wh.ID,
		"message":    "test delivery",
	})
	if err != nil {
		return Attempt{}, fmt.Errorf("building test event: %w", err)
	}

	payload, err := event.Encode()
	if err != nil {
		return Attempt{}, fmt.Errorf("encoding test event: %w", err)
	}

	now := time.Now()
	d := Delivery{
		ID:          uuid.New().String(),
		WebhookID:   wh.ID,
		ProjectID:   wh.ProjectID,
		EventName:   event.Name,
		Payload:     payload,
		Signature:   signature.Sign(wh.Secret, payload),
		Status:      Pending,
		MaxAttempts: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	att := Attempt{
		ID:          uuid.New().String(),
		DeliveryID:  d.ID,
		WebhookID:   wh.ID,
		Number:      1,
		MaxAttempts: 1,
		Status:      Pending,
		NextRetryAt: now,
		CreatedAt:   now,
	}

	if err := s.ledger.CreateDelivery(ctx, d, att); err != nil {
		return Attempt{}, fmt.Errorf("creating test delivery: %w", err)
	}

	return s.exec.Execute(ctx, att.ID)
}

func latestPending(attempts []Attempt) *Attempt {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status == Pending {
			return &attempts[i]
		}
	}
	return nil
}
